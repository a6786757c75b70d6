// Package coherence implements the math engine for the system
// synchronization score (phi_sync):
//
//	phi_sync = sum(container_weight * container_health) * coupling_factor
//
// The coupling factor is derived from the variance of container health
// scores, so imbalance between subsystems is penalized independently of
// their average level. A system where one subsystem is perfect and
// another is failing scores lower than one where all are moderately
// healthy, because uncoordinated subsystems indicate integration risk
// rather than component risk.
package coherence

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cepmachine/internal/container"
	"cepmachine/internal/logging"
)

// Default operating thresholds, ascending.
const (
	DefaultBaseline        = 0.30
	DefaultFactoryBuilt    = 0.65
	DefaultSalesLive       = 0.70
	DefaultOpsLive         = 0.80
	DefaultMachineComplete = 0.88
	DefaultProductionReady = 0.95

	// DefaultCriticalFloor is the hard red-flag threshold: any phi_sync
	// below it is flagged CRITICAL.
	DefaultCriticalFloor = 0.85

	// DefaultImbalanceSpread is the max tolerated spread between the
	// healthiest and least healthy container before an imbalance flag.
	DefaultImbalanceSpread = 0.30
)

// Thresholds names the six ascending recommendation tiers plus the
// red-flag controls.
type Thresholds struct {
	Baseline        float64
	FactoryBuilt    float64
	SalesLive       float64
	OpsLive         float64
	MachineComplete float64
	ProductionReady float64

	CriticalFloor   float64
	ImbalanceSpread float64

	// ErrorCeilings maps a container category to its max tolerated
	// error rate before a red flag is raised.
	ErrorCeilings map[container.Category]float64
}

// DefaultThresholds returns the standard tier set.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Baseline:        DefaultBaseline,
		FactoryBuilt:    DefaultFactoryBuilt,
		SalesLive:       DefaultSalesLive,
		OpsLive:         DefaultOpsLive,
		MachineComplete: DefaultMachineComplete,
		ProductionReady: DefaultProductionReady,
		CriticalFloor:   DefaultCriticalFloor,
		ImbalanceSpread: DefaultImbalanceSpread,
		ErrorCeilings: map[container.Category]float64{
			container.CategorySales:      0.10,
			container.CategoryOperations: 0.10,
			container.CategoryFinance:    0.05,
		},
	}
}

// Snapshot is an immutable point-in-time view of system coherence.
// Field names and the four-decimal rounding of PhiSync are a
// compatibility contract for anything consuming persisted snapshots.
type Snapshot struct {
	ID              string             `json:"id"`
	PhiSync         float64            `json:"phi_sync"`
	ContainerScores map[string]float64 `json:"container_scores"`
	CouplingFactor  float64            `json:"coupling_factor"`
	Recommendation  string             `json:"recommendation"`
	Timestamp       time.Time          `json:"timestamp"`
}

// Engine is a stateless calculator over externally supplied container
// state, except for an append-only in-memory history of snapshots.
type Engine struct {
	mu         sync.Mutex
	set        *container.Set
	thresholds Thresholds
	history    []Snapshot
}

// NewEngine creates a coherence engine over the given container set.
func NewEngine(set *container.Set, thresholds Thresholds) *Engine {
	return &Engine{set: set, thresholds: thresholds}
}

// PhiSync computes the current synchronization score, rounded to four
// decimal places and always within [0,1].
func (e *Engine) PhiSync() float64 {
	containers := e.set.All()
	healths := make([]float64, len(containers))
	weighted := 0.0
	for i, c := range containers {
		healths[i] = c.Health()
		weighted += c.Weight() * healths[i]
	}

	phi := phiFromObservation(weighted, healths)
	logging.CoherenceDebug("phi_sync=%.4f (weighted=%.4f coupling=%.4f)",
		phi, weighted, couplingFactor(healths))
	return phi
}

// phiFromObservation folds one consistent reading of container healths
// into a clamped, rounded phi_sync.
func phiFromObservation(weighted float64, healths []float64) float64 {
	phi := weighted * couplingFactor(healths)
	if phi < 0 {
		phi = 0
	}
	if phi > 1 {
		phi = 1
	}
	return round4(phi)
}

// couplingFactor converts health variance into a multiplier. Zero
// variance yields 1.0; the maximum variance of bounded scores (0.25)
// would map to 0, so the result is clamped to [0.5, 1.0].
func couplingFactor(scores []float64) float64 {
	if len(scores) == 0 {
		return 1.0
	}
	mean := 0.0
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))

	variance := 0.0
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(scores))

	coupling := 1.0 - variance*4
	if coupling < 0.5 {
		return 0.5
	}
	if coupling > 1.0 {
		return 1.0
	}
	return coupling
}

// GetSnapshot wraps the current score into an immutable snapshot,
// classifies it into a recommendation, and appends it to history.
// Two calls without an intervening container mutation produce snapshots
// with identical phi_sync, scores, coupling, and recommendation.
//
// Container healths are read exactly once, so every field of the
// snapshot derives from the same observation even while another
// goroutine is updating metrics.
func (e *Engine) GetSnapshot() Snapshot {
	containers := e.set.All()
	scores := make(map[string]float64, len(containers))
	healths := make([]float64, len(containers))
	weighted := 0.0
	for i, c := range containers {
		healths[i] = c.Health()
		scores[c.Name()] = healths[i]
		weighted += c.Weight() * healths[i]
	}

	phi := phiFromObservation(weighted, healths)
	snap := Snapshot{
		ID:              uuid.NewString(),
		PhiSync:         phi,
		ContainerScores: scores,
		CouplingFactor:  couplingFactor(healths),
		Recommendation:  e.Recommendation(phi),
		Timestamp:       time.Now(),
	}

	e.mu.Lock()
	e.history = append(e.history, snap)
	e.mu.Unlock()

	return snap
}

// Recommendation classifies a score against the six ascending tiers.
// The highest threshold the score meets or exceeds wins; below the
// lowest tier the only sane move is to pause and fix.
func (e *Engine) Recommendation(phi float64) string {
	t := e.thresholds
	switch {
	case phi >= t.ProductionReady:
		return "SCALE AGGRESSIVELY - System optimal"
	case phi >= t.MachineComplete:
		return "SCALE STEADILY - Machine complete"
	case phi >= t.OpsLive:
		return "CONTINUE - Ops container live"
	case phi >= t.SalesLive:
		return "CONTINUE - Sales container live"
	case phi >= t.FactoryBuilt:
		return "BUILD LAYERS - Factory complete"
	case phi >= t.Baseline:
		return "BUILD ENGINES - Infrastructure ready"
	default:
		return "PAUSE - Fix infrastructure"
	}
}

// CheckRedFlags returns advisory conditions requiring human review.
// Flags never halt execution themselves; the orchestrator decides.
func (e *Engine) CheckRedFlags() []string {
	var flags []string

	phi := e.PhiSync()
	if phi < e.thresholds.CriticalFloor {
		flags = append(flags, fmt.Sprintf(
			"CRITICAL: phi_sync (%.2f) below %.2f - PAUSE and fix system",
			phi, e.thresholds.CriticalFloor))
	}

	containers := e.set.All()
	for _, c := range containers {
		ceiling, ok := e.thresholds.ErrorCeilings[c.Category()]
		if !ok {
			continue
		}
		if rate := c.Metrics().ErrorRate; rate > ceiling {
			flags = append(flags, fmt.Sprintf(
				"%s error rate (%.1f%%) above %.0f%%",
				c.Name(), rate*100, ceiling*100))
		}
	}

	if len(containers) > 1 {
		min, max := math.Inf(1), math.Inf(-1)
		for _, c := range containers {
			h := c.Health()
			min = math.Min(min, h)
			max = math.Max(max, h)
		}
		if spread := max - min; spread > e.thresholds.ImbalanceSpread {
			flags = append(flags, fmt.Sprintf(
				"Container imbalance detected (diff: %.2f)", spread))
		}
	}

	if len(flags) > 0 {
		logging.Coherence("red flags raised: %d", len(flags))
	}
	return flags
}

// SimulateLayerCompletion projects the phi_sync after completing the
// unit with the given ordinal. Earlier units are assumed to carry higher
// marginal impact. The projection is for forward planning only and never
// gates actual decisions.
func (e *Engine) SimulateLayerCompletion(ordinal int) float64 {
	const base = 0.06
	improvement := base
	switch {
	case ordinal <= 3:
		improvement = base * 1.2
	case ordinal <= 6:
		improvement = base * 1.0
	default:
		improvement = base * 0.8
	}

	projected := e.PhiSync() + improvement
	if projected > 1.0 {
		projected = 1.0
	}
	return projected
}

// History returns a copy of the snapshot history, oldest first.
func (e *Engine) History() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, len(e.history))
	copy(out, e.history)
	return out
}

// StatusDisplay renders a snapshot as a terminal status box.
func (e *Engine) StatusDisplay() string {
	snap := e.GetSnapshot()

	names := make([]string, 0, len(snap.ContainerScores))
	for name := range snap.ContainerScores {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("==============================================================\n")
	b.WriteString("  CEP COHERENCE METRICS\n")
	b.WriteString("==============================================================\n")
	fmt.Fprintf(&b, "  phi_sync: %.4f\n\n", snap.PhiSync)
	b.WriteString("  Container Health:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "    %-12s %.2f\n", name+":", snap.ContainerScores[name])
	}
	fmt.Fprintf(&b, "\n  Coupling Factor: %.2f\n", snap.CouplingFactor)
	fmt.Fprintf(&b, "  Status: %s\n", snap.Recommendation)
	b.WriteString("==============================================================\n")
	return b.String()
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
