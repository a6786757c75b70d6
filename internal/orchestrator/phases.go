package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"cepmachine/internal/container"
	"cepmachine/internal/ledger"
	"cepmachine/internal/logging"
)

// runPhase dispatches one phase against the run state. Every phase
// records its error and substitutes a degraded default output instead of
// aborting the unit: a single phase's failure must not silently lose an
// already-partially-successful unit.
func (o *Orchestrator) runPhase(ctx context.Context, phase Phase, st *RunState) {
	st.Phase = phase
	logging.OrchestratorDebug("unit %d entering phase %s", st.UnitID, phase)

	switch phase {
	case PhaseResearch:
		o.runResearch(ctx, st)
	case PhaseDesign:
		o.runDesign(ctx, st)
	case PhaseBuild:
		o.runBuild(ctx, st)
	case PhaseTest:
		o.runTest(ctx, st)
	case PhaseMetrics:
		o.runMetrics(ctx, st)
	case PhaseCommit:
		o.runCommit(ctx, st)
	case PhasePublish:
		o.runPublish(ctx, st)
	}
}

// runResearch gathers best-practice context for the unit. Failure leaves
// the report nil; downstream phases proceed with an empty digest.
func (o *Orchestrator) runResearch(ctx context.Context, st *RunState) {
	report, err := o.researcher.ResearchForUnit(ctx, st.UnitID, st.UnitName)
	o.noteOutcome(PhaseResearch, err != nil)
	if err != nil {
		st.recordError(PhaseResearch, fmt.Errorf("research error: %w", err))
		return
	}
	st.Research = report

	// Citations are best-effort audit data; a ledger hiccup here must
	// not fail an otherwise successful research pass.
	for _, r := range report.Results {
		if logErr := o.store.AddResearchLog(report.Query, r.SourceURL, r.SourceTitle, r.Summary, st.UnitID); logErr != nil {
			logging.Get(logging.CategoryOrchestrator).Warn(
				"unit %d: could not persist research log: %v", st.UnitID, logErr)
		}
	}
	logging.Orchestrator("unit %d research complete: %d citations", st.UnitID, report.CitationCount)
}

// runDesign produces the layer architecture. Failure leaves it nil, which
// in turn makes the build phase report no artifact.
func (o *Orchestrator) runDesign(ctx context.Context, st *RunState) {
	researchContext := ""
	if st.Research != nil {
		researchContext = st.Research.CombinedSummary
	}

	arch, err := o.designer.Design(ctx, st.UnitID, st.UnitName, st.Requirements, researchContext)
	o.noteOutcome(PhaseDesign, err != nil)
	if err != nil {
		st.recordError(PhaseDesign, fmt.Errorf("design error: %w", err))
		return
	}
	st.Architecture = arch
	logging.Orchestrator("unit %d architecture designed", st.UnitID)
}

// runBuild renders the artifact. Inability to produce one makes test a
// no-op; the unit will be marked failed at publish if the artifact is
// still missing.
func (o *Orchestrator) runBuild(ctx context.Context, st *RunState) {
	artifact, err := o.builder.Generate(ctx, st.Architecture, st.OutputFile)
	o.noteOutcome(PhaseBuild, err != nil)
	if err != nil {
		st.recordError(PhaseBuild, fmt.Errorf("build error: %w", err))
		return
	}
	st.Artifact = artifact
	logging.Orchestrator("unit %d artifact built: %s", st.UnitID, artifact.Path)
}

// runTest validates the artifact. With no artifact the verifier returns
// a skip report rather than a failure.
func (o *Orchestrator) runTest(ctx context.Context, st *RunState) {
	artifactPath := ""
	if st.Artifact != nil {
		artifactPath = st.Artifact.Path
	}

	report, err := o.verifier.Verify(ctx, st.UnitID, st.UnitName, artifactPath, st.Architecture)
	o.noteOutcome(PhaseTest, err != nil)
	if err != nil {
		st.recordError(PhaseTest, fmt.Errorf("test error: %w", err))
		return
	}
	st.TestReport = report
	for _, res := range report.Results {
		if saveErr := o.store.SaveTestResult(st.UnitID, res.Name, res.Passed, res.Duration, res.Error); saveErr != nil {
			logging.Get(logging.CategoryOrchestrator).Warn(
				"unit %d: could not persist test result %s: %v", st.UnitID, res.Name, saveErr)
		}
	}
	if report.Skipped {
		logging.Orchestrator("unit %d tests skipped: no artifact", st.UnitID)
	} else {
		logging.Orchestrator("unit %d tests complete: %.0f%% pass rate", st.UnitID, report.PassRate*100)
	}
}

// runMetrics is the feedback loop: the completed unit nudges exactly one
// container, which changes the global coherence score subsequent units
// are gated against. The before/after phi pair is recorded and the
// snapshot persisted.
func (o *Orchestrator) runMetrics(ctx context.Context, st *RunState) {
	st.PhiBefore = o.coherence.PhiSync()

	target := o.containerForUnit(st)
	if target == nil {
		o.noteOutcome(PhaseMetrics, true)
		st.recordError(PhaseMetrics, fmt.Errorf("no container owns category %q", st.Category))
		return
	}

	o.applyMetricBump(target)
	st.PhiAfter = o.coherence.PhiSync()

	logging.Orchestrator("unit %d phi_sync: %.4f -> %.4f (+%.4f)",
		st.UnitID, st.PhiBefore, st.PhiAfter, st.PhiAfter-st.PhiBefore)

	snap := o.coherence.GetSnapshot()
	if err := o.store.RecordCoherence(snap); err != nil {
		// Persistence unavailability is a phase error, never fatal.
		o.noteOutcome(PhaseMetrics, true)
		st.recordError(PhaseMetrics, fmt.Errorf("metrics persistence error: %w", err))
		return
	}
	o.noteOutcome(PhaseMetrics, false)
}

// containerForUnit resolves the container owning this unit. The declared
// category wins; units without one fall back to the ordinal mapping
// (1-3 sales, 4-6 operations, 7+ finance).
func (o *Orchestrator) containerForUnit(st *RunState) *container.Container {
	if st.Category != "" {
		if c := o.containers.ByCategory(container.Category(st.Category)); c != nil {
			return c
		}
	}
	switch {
	case st.UnitID <= 3:
		return o.containers.ByCategory(container.CategorySales)
	case st.UnitID <= 6:
		return o.containers.ByCategory(container.CategoryOperations)
	default:
		return o.containers.ByCategory(container.CategoryFinance)
	}
}

// applyMetricBump applies the fixed integration-improvement bump for the
// container's category, clamping rates to 1.0.
func (o *Orchestrator) applyMetricBump(c *container.Container) {
	m := c.Metrics()
	switch c.Category() {
	case container.CategorySales:
		conversion := clampRate(m.ConversionRate + o.metrics.SalesConversionBump)
		efficiency := clampRate(m.Efficiency + o.metrics.SalesEfficiencyBump)
		c.UpdateMetrics(container.MetricsUpdate{
			ConversionRate: &conversion,
			Efficiency:     &efficiency,
		})
	case container.CategoryOperations:
		efficiency := clampRate(m.Efficiency + o.metrics.OpsEfficiencyBump)
		throughput := m.Throughput + o.metrics.OpsThroughputBump
		c.UpdateMetrics(container.MetricsUpdate{
			Efficiency: &efficiency,
			Throughput: &throughput,
		})
	case container.CategoryFinance:
		efficiency := clampRate(m.Efficiency + o.metrics.FinanceEfficiencyBump)
		conversion := clampRate(m.ConversionRate + o.metrics.FinanceConversionBump)
		c.UpdateMetrics(container.MetricsUpdate{
			Efficiency:     &efficiency,
			ConversionRate: &conversion,
		})
	}
}

// runCommit records the unit's completion event into the owning
// container log and the ledger audit table.
func (o *Orchestrator) runCommit(ctx context.Context, st *RunState) {
	_ = ctx

	target := o.containerForUnit(st)
	payload := map[string]any{
		"unit_id":        st.UnitID,
		"unit_name":      st.UnitName,
		"phi_sync_after": st.PhiAfter,
		"artifact":       st.Artifact != nil,
	}
	if target != nil {
		target.RecordEvent("unit_committed", payload)
	}

	data, _ := json.Marshal(payload)
	containerName := ""
	if target != nil {
		containerName = target.Name()
	}
	if err := o.store.RecordEvent(containerName, "unit_committed", string(data)); err != nil {
		o.noteOutcome(PhaseCommit, true)
		st.recordError(PhaseCommit, fmt.Errorf("commit error: %w", err))
		return
	}

	o.noteOutcome(PhaseCommit, false)
	st.Committed = true
	logging.Orchestrator("unit %d committed", st.UnitID)
}

// runPublish performs the final bookkeeping: unit status and phi
// contribution are persisted, success or failure. The determination is
// artifact existence alone.
func (o *Orchestrator) runPublish(ctx context.Context, st *RunState) {
	_ = ctx

	status := ledger.StatusCompleted
	if st.Artifact == nil {
		status = ledger.StatusFailed
	}

	contribution := st.PhiAfter - st.PhiBefore
	if err := o.store.UpdateUnitStatus(st.UnitID, status, contribution); err != nil {
		o.noteOutcome(PhasePublish, true)
		st.recordError(PhasePublish, fmt.Errorf("publish error: %w", err))
		return
	}

	o.noteOutcome(PhasePublish, false)
	logging.Orchestrator("unit %d published: %s (phi +%.4f)", st.UnitID, status, contribution)
}

func clampRate(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < 0 {
		return 0
	}
	return v
}
