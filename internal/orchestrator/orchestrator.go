package orchestrator

import (
	"context"
	"sync"
	"time"

	"cepmachine/internal/architect"
	"cepmachine/internal/builder"
	"cepmachine/internal/coherence"
	"cepmachine/internal/config"
	"cepmachine/internal/container"
	"cepmachine/internal/ledger"
	"cepmachine/internal/logging"
	"cepmachine/internal/research"
	"cepmachine/internal/verification"
)

// Researcher is the research phase collaborator.
type Researcher interface {
	ResearchForUnit(ctx context.Context, unitID int, topic string) (*research.Report, error)
}

// Designer is the design phase collaborator.
type Designer interface {
	Design(ctx context.Context, unitID int, unitName, requirements, researchContext string) (*architect.Architecture, error)
}

// Builder is the build phase collaborator.
type Builder interface {
	Generate(ctx context.Context, arch *architect.Architecture, outputFile string) (*builder.Artifact, error)
}

// Verifier is the test phase collaborator.
type Verifier interface {
	Verify(ctx context.Context, unitID int, unitName, artifactPath string, arch *architect.Architecture) (*verification.Report, error)
}

// Ledger is the persistence collaborator. Backing store is unspecified;
// only these operation contracts matter. Failures here are recorded as
// phase errors and never crash the orchestrator.
type Ledger interface {
	Unit(id int) (*ledger.Unit, error)
	Units() ([]ledger.Unit, error)
	UpdateUnitStatus(id int, status ledger.UnitStatus, phiContribution float64) error
	RecordCoherence(snap coherence.Snapshot) error
	RecordEvent(containerName, eventType, data string) error
	AddResearchLog(query, sourceURL, sourceTitle, summary string, unitID int) error
	SaveTestResult(unitID int, testName string, passed bool, duration time.Duration, errorMessage string) error
}

// Orchestrator owns the in-memory containers and drives units through
// the pipeline. A single orchestrator is the only writer of its
// container set; a run mutex serializes unit execution so concurrent
// callers cannot interleave partial metric updates.
type Orchestrator struct {
	runMu sync.Mutex

	containers *container.Set
	coherence  *coherence.Engine
	store      Ledger

	researcher Researcher
	designer   Designer
	builder    Builder
	verifier   Verifier

	metrics   config.MetricsConfig
	haltFloor float64

	// Consecutive failure counts per phase. Advisory only: repeated
	// failures suggest a systematic collaborator outage that the
	// degrade-and-continue policy would otherwise mask.
	failStreaks  map[Phase]int
	streakWarnAt int
}

// Config assembles the orchestrator's collaborators.
type Config struct {
	Containers *container.Set
	Coherence  *coherence.Engine
	Ledger     Ledger
	Researcher Researcher
	Designer   Designer
	Builder    Builder
	Verifier   Verifier
	Metrics    config.MetricsConfig
	HaltFloor  float64
}

// New creates an orchestrator. The caller owns the container set's
// lifecycle; the orchestrator only mutates it during the metrics phase.
func New(cfg Config) *Orchestrator {
	haltFloor := cfg.HaltFloor
	if haltFloor <= 0 {
		haltFloor = coherence.DefaultFactoryBuilt
	}
	return &Orchestrator{
		containers:   cfg.Containers,
		coherence:    cfg.Coherence,
		store:        cfg.Ledger,
		researcher:   cfg.Researcher,
		designer:     cfg.Designer,
		builder:      cfg.Builder,
		verifier:     cfg.Verifier,
		metrics:      cfg.Metrics,
		haltFloor:    haltFloor,
		failStreaks:  make(map[Phase]int),
		streakWarnAt: 3,
	}
}

// Coherence exposes the engine for status display.
func (o *Orchestrator) Coherence() *coherence.Engine {
	return o.coherence
}

// noteOutcome tracks consecutive failures per phase and warns when a
// collaborator looks systematically down.
func (o *Orchestrator) noteOutcome(phase Phase, failed bool) {
	if !failed {
		o.failStreaks[phase] = 0
		return
	}
	o.failStreaks[phase]++
	if o.failStreaks[phase] >= o.streakWarnAt {
		logging.Get(logging.CategoryOrchestrator).Warn(
			"phase %s has failed %d consecutive times; collaborator may be down",
			phase, o.failStreaks[phase])
	}
}
