// Package orchestrator drives build units through the fixed seven-phase
// pipeline (research, design, build, test, metrics, commit, publish) and
// applies the coherence-gated batch policy across a unit sequence.
//
// Phase failures are recorded and execution continues with a degraded
// output; a unit only fails if it never produced a usable artifact. The
// batch halts only when a failed unit coincides with coherence below the
// configured floor.
package orchestrator

import (
	"time"

	"cepmachine/internal/architect"
	"cepmachine/internal/builder"
	"cepmachine/internal/ledger"
	"cepmachine/internal/research"
	"cepmachine/internal/verification"
)

// Phase is one stage of the unit pipeline.
type Phase string

const (
	PhaseResearch Phase = "research"
	PhaseDesign   Phase = "design"
	PhaseBuild    Phase = "build"
	PhaseTest     Phase = "test"
	PhaseMetrics  Phase = "metrics"
	PhaseCommit   Phase = "commit"
	PhasePublish  Phase = "publish"
)

// phaseOrder is the fixed execution sequence. There is no skipping:
// every unit enters at research and exits at publish.
var phaseOrder = []Phase{
	PhaseResearch,
	PhaseDesign,
	PhaseBuild,
	PhaseTest,
	PhaseMetrics,
	PhaseCommit,
	PhasePublish,
}

// PhaseError is one structured error recorded during a run. Errors
// accumulate in order and are never discarded.
type PhaseError struct {
	Phase     Phase     `json:"phase"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RunState is the accumulated state threaded through every phase of one
// unit. Each phase consumes and returns the same struct, appending its
// output and any errors.
type RunState struct {
	UnitID       int
	UnitName     string
	Requirements string
	OutputFile   string
	Category     string

	Phase Phase

	// Phase outputs
	Research     *research.Report
	Architecture *architect.Architecture
	Artifact     *builder.Artifact
	TestReport   *verification.Report
	PhiBefore    float64
	PhiAfter     float64
	Committed    bool

	Errors    []PhaseError
	StartedAt time.Time
}

// recordError appends a structured error for the given phase.
func (s *RunState) recordError(phase Phase, err error) {
	s.Errors = append(s.Errors, PhaseError{
		Phase:     phase,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

// UnitResult is the summary of one unit's full pipeline run.
type UnitResult struct {
	UnitID          int               `json:"unit_id"`
	UnitName        string            `json:"unit_name"`
	Status          ledger.UnitStatus `json:"status"`
	ArtifactPath    string            `json:"artifact_path,omitempty"`
	PhiBefore       float64           `json:"phi_sync_before"`
	PhiAfter        float64           `json:"phi_sync_after"`
	PhiContribution float64           `json:"phi_contribution"`
	Errors          []PhaseError      `json:"errors,omitempty"`
	Elapsed         time.Duration     `json:"elapsed"`
}

// Succeeded reports whether the unit reached publish in completed
// status. Success is derived solely from whether a usable artifact
// exists, never from the mere presence of non-fatal phase errors.
func (r UnitResult) Succeeded() bool {
	return r.Status == ledger.StatusCompleted
}
