package coherence

import (
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"cepmachine/internal/container"
)

// setWithHealths builds a three-container set whose healths equal the
// given values. Health is (conversion+efficiency)/2 - error_rate, so
// setting conversion and efficiency both to h with zero errors yields
// exactly h.
func setWithHealths(sales, ops, finance float64) *container.Set {
	set := container.DefaultSet(0.33, 0.34, 0.33)
	healths := map[container.Category]float64{
		container.CategorySales:      sales,
		container.CategoryOperations: ops,
		container.CategoryFinance:    finance,
	}
	for cat, h := range healths {
		h := h
		zero := 0.0
		set.ByCategory(cat).UpdateMetrics(container.MetricsUpdate{
			ConversionRate: &h,
			Efficiency:     &h,
			ErrorRate:      &zero,
		})
	}
	return set
}

func TestPhiSync_AllZeroIsZero(t *testing.T) {
	t.Parallel()

	e := NewEngine(container.DefaultSet(0.33, 0.34, 0.33), DefaultThresholds())
	if got := e.PhiSync(); got != 0 {
		t.Errorf("PhiSync = %v, want 0", got)
	}
}

func TestPhiSync_UniformHealths(t *testing.T) {
	t.Parallel()

	// Identical healths mean zero variance, so coupling is exactly 1
	// and phi is the plain weighted sum.
	e := NewEngine(setWithHealths(0.9, 0.9, 0.9), DefaultThresholds())
	if got := e.PhiSync(); got != 0.9 {
		t.Errorf("PhiSync = %v, want 0.9", got)
	}
}

func TestPhiSync_ImbalancePenalty(t *testing.T) {
	t.Parallel()

	// healths 0.9/0.1/0.9: weighted sum is 0.628, variance 0.1422
	// drives coupling to its 0.5 floor, so phi = 0.314. The penalty
	// must exceed 20% of the naive weighted sum.
	e := NewEngine(setWithHealths(0.9, 0.1, 0.9), DefaultThresholds())
	phi := e.PhiSync()

	weighted := 0.33*0.9 + 0.34*0.1 + 0.33*0.9
	if phi >= weighted*0.8 {
		t.Errorf("phi %v should be at least 20%% below weighted sum %v", phi, weighted)
	}
	if phi != 0.314 {
		t.Errorf("PhiSync = %v, want 0.314", phi)
	}
}

func TestPhiSync_Rounding(t *testing.T) {
	t.Parallel()

	// healths 0.55/0.65/0.70: weighted 0.6335, coupling 0.98444...,
	// unrounded phi 0.6236455..., so the snapshot value must be 0.6236.
	e := NewEngine(setWithHealths(0.55, 0.65, 0.70), DefaultThresholds())
	phi := e.PhiSync()
	if math.Abs(phi-0.6236) > 1e-9 {
		t.Errorf("PhiSync = %v, want 0.6236 after four-decimal rounding", phi)
	}
}

func TestCouplingFactor_Bounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		scores []float64
		want   float64
	}{
		{"empty defaults to one", nil, 1.0},
		{"identical scores", []float64{0.7, 0.7, 0.7}, 1.0},
		{"maximum spread clamps to floor", []float64{0, 1, 0}, 0.5},
		{"mild spread", []float64{0.5, 0.6, 0.7}, 1.0 - 4*(2.0/300.0)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := couplingFactor(tt.scores)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("couplingFactor(%v) = %v, want %v", tt.scores, got, tt.want)
			}
			if got < 0.5 || got > 1.0 {
				t.Errorf("couplingFactor(%v) = %v outside [0.5, 1.0]", tt.scores, got)
			}
		})
	}
}

func TestCouplingFactor_OrderInvariant(t *testing.T) {
	t.Parallel()

	a := couplingFactor([]float64{0.9, 0.1, 0.5})
	b := couplingFactor([]float64{0.5, 0.9, 0.1})
	if a != b {
		t.Errorf("coupling differs across orderings: %v vs %v", a, b)
	}
}

func TestRecommendation_TierBoundaries(t *testing.T) {
	t.Parallel()

	e := NewEngine(container.DefaultSet(0.33, 0.34, 0.33), DefaultThresholds())

	tests := []struct {
		phi  float64
		want string
	}{
		{0.96, "SCALE AGGRESSIVELY - System optimal"},
		{0.95, "SCALE AGGRESSIVELY - System optimal"},
		{0.90, "SCALE STEADILY - Machine complete"},
		{0.88, "SCALE STEADILY - Machine complete"},
		{0.82, "CONTINUE - Ops container live"},
		{0.80, "CONTINUE - Ops container live"},
		{0.72, "CONTINUE - Sales container live"},
		{0.70, "CONTINUE - Sales container live"},
		{0.66, "BUILD LAYERS - Factory complete"},
		{0.65, "BUILD LAYERS - Factory complete"},
		{0.40, "BUILD ENGINES - Infrastructure ready"},
		{0.30, "BUILD ENGINES - Infrastructure ready"},
		{0.29, "PAUSE - Fix infrastructure"},
		{0.0, "PAUSE - Fix infrastructure"},
	}

	for _, tt := range tests {
		if got := e.Recommendation(tt.phi); got != tt.want {
			t.Errorf("Recommendation(%v) = %q, want %q", tt.phi, got, tt.want)
		}
	}
}

func TestRecommendation_Monotonic(t *testing.T) {
	t.Parallel()

	// Higher phi never maps to a lower tier. Walk the scale and check
	// the tier index never decreases.
	rank := map[string]int{
		"PAUSE - Fix infrastructure":           0,
		"BUILD ENGINES - Infrastructure ready": 1,
		"BUILD LAYERS - Factory complete":      2,
		"CONTINUE - Sales container live":      3,
		"CONTINUE - Ops container live":        4,
		"SCALE STEADILY - Machine complete":    5,
		"SCALE AGGRESSIVELY - System optimal":  6,
	}

	e := NewEngine(container.DefaultSet(0.33, 0.34, 0.33), DefaultThresholds())
	prev := -1
	for phi := 0.0; phi <= 1.0001; phi += 0.01 {
		rec := e.Recommendation(phi)
		r, ok := rank[rec]
		if !ok {
			t.Fatalf("unknown recommendation %q at phi=%v", rec, phi)
		}
		if r < prev {
			t.Fatalf("tier regressed at phi=%v: %q", phi, rec)
		}
		prev = r
	}
}

func TestCheckRedFlags_CriticalExactlyBelowFloor(t *testing.T) {
	t.Parallel()

	// phi 0.84 flags CRITICAL, phi at the floor does not.
	low := NewEngine(setWithHealths(0.84, 0.84, 0.84), DefaultThresholds())
	if flags := low.CheckRedFlags(); !hasPrefixFlag(flags, "CRITICAL") {
		t.Errorf("expected CRITICAL flag at phi 0.84, got %v", flags)
	}

	atFloor := NewEngine(setWithHealths(0.85, 0.85, 0.85), DefaultThresholds())
	if flags := atFloor.CheckRedFlags(); hasPrefixFlag(flags, "CRITICAL") {
		t.Errorf("phi at the critical floor should not flag, got %v", flags)
	}
}

func TestCheckRedFlags_ErrorCeilings(t *testing.T) {
	t.Parallel()

	set := setWithHealths(0.9, 0.9, 0.9)
	rate := 0.06
	set.ByCategory(container.CategoryFinance).UpdateMetrics(container.MetricsUpdate{ErrorRate: &rate})

	e := NewEngine(set, DefaultThresholds())
	flags := e.CheckRedFlags()

	found := false
	for _, f := range flags {
		if strings.Contains(f, "Finance error rate") {
			found = true
		}
	}
	if !found {
		t.Errorf("finance error rate 6%% above 5%% ceiling should flag, got %v", flags)
	}
}

func TestCheckRedFlags_Imbalance(t *testing.T) {
	t.Parallel()

	e := NewEngine(setWithHealths(0.9, 0.5, 0.9), DefaultThresholds())
	flags := e.CheckRedFlags()

	found := false
	for _, f := range flags {
		if strings.Contains(f, "imbalance") {
			found = true
		}
	}
	if !found {
		t.Errorf("spread of 0.4 should raise imbalance flag, got %v", flags)
	}
}

func TestGetSnapshot_IdempotentWithoutMutation(t *testing.T) {
	t.Parallel()

	e := NewEngine(setWithHealths(0.7, 0.6, 0.8), DefaultThresholds())

	a := e.GetSnapshot()
	b := e.GetSnapshot()

	ignore := cmpopts.IgnoreFields(Snapshot{}, "ID", "Timestamp")
	if diff := cmp.Diff(a, b, ignore); diff != "" {
		t.Errorf("snapshots differ without container mutation (-first +second):\n%s", diff)
	}
	if a.ID == b.ID {
		t.Error("snapshot IDs should be unique")
	}

	if got := len(e.History()); got != 2 {
		t.Errorf("history length = %d, want 2", got)
	}
}

// snapshotConsistent recomputes phi_sync from a snapshot's own scores
// and coupling factor, using the engine's container order and weights.
func snapshotConsistent(snap Snapshot) bool {
	healths := []float64{
		snap.ContainerScores["Sales"],
		snap.ContainerScores["Operations"],
		snap.ContainerScores["Finance"],
	}
	weighted := 0.33*healths[0] + 0.34*healths[1] + 0.33*healths[2]
	return snap.PhiSync == phiFromObservation(weighted, healths)
}

func TestGetSnapshot_SelfConsistentUnderConcurrentWrites(t *testing.T) {
	t.Parallel()

	set := container.DefaultSet(0.33, 0.34, 0.33)
	e := NewEngine(set, DefaultThresholds())
	sales := set.ByCategory(container.CategorySales)

	// A writer hammers the sales container while snapshots are taken.
	// Every snapshot must still satisfy its own equation: phi derives
	// from the same health observation as the scores and coupling it
	// carries.
	done := make(chan struct{})
	go func() {
		defer close(done)
		zero := 0.0
		for i := 0; i < 2000; i++ {
			v := float64(i%100) / 100
			sales.UpdateMetrics(container.MetricsUpdate{
				ConversionRate: &v,
				Efficiency:     &v,
				ErrorRate:      &zero,
			})
		}
	}()

	for i := 0; i < 200; i++ {
		snap := e.GetSnapshot()
		if !snapshotConsistent(snap) {
			t.Fatalf("snapshot %d inconsistent: phi=%v scores=%v coupling=%v",
				i, snap.PhiSync, snap.ContainerScores, snap.CouplingFactor)
		}
	}
	<-done
}

func TestSimulateLayerCompletion_OrdinalScaling(t *testing.T) {
	t.Parallel()

	e := NewEngine(setWithHealths(0.5, 0.5, 0.5), DefaultThresholds())
	base := e.PhiSync()

	tests := []struct {
		ordinal int
		want    float64
	}{
		{1, base + 0.06*1.2},
		{3, base + 0.06*1.2},
		{4, base + 0.06},
		{6, base + 0.06},
		{7, base + 0.06*0.8},
		{9, base + 0.06*0.8},
	}
	for _, tt := range tests {
		if got := e.SimulateLayerCompletion(tt.ordinal); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("SimulateLayerCompletion(%d) = %v, want %v", tt.ordinal, got, tt.want)
		}
	}
}

func TestSimulateLayerCompletion_ClampsAtOne(t *testing.T) {
	t.Parallel()

	e := NewEngine(setWithHealths(1, 1, 1), DefaultThresholds())
	if got := e.SimulateLayerCompletion(1); got != 1.0 {
		t.Errorf("SimulateLayerCompletion at phi 1.0 = %v, want clamp to 1.0", got)
	}
}

func TestStatusDisplay_ContainsScores(t *testing.T) {
	t.Parallel()

	e := NewEngine(setWithHealths(0.7, 0.7, 0.7), DefaultThresholds())
	out := e.StatusDisplay()

	for _, want := range []string{"phi_sync: 0.7000", "Sales:", "Operations:", "Finance:", "Coupling Factor: 1.00"} {
		if !strings.Contains(out, want) {
			t.Errorf("StatusDisplay missing %q:\n%s", want, out)
		}
	}
}

func hasPrefixFlag(flags []string, prefix string) bool {
	for _, f := range flags {
		if strings.HasPrefix(f, prefix) {
			return true
		}
	}
	return false
}
