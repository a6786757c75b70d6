package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cepmachine/internal/ledger"
	"cepmachine/internal/logging"
)

// ErrBatchHalted signals the one automatic stop condition: a failed unit
// combined with coherence below the halt floor.
var ErrBatchHalted = errors.New("batch halted")

// ErrUnitNotFound is returned when a requested unit id is absent from
// the ledger.
var ErrUnitNotFound = errors.New("unit not found")

// BuildUnit runs one unit through the full pipeline. Phase failures are
// recorded in the result rather than returned; the error path here is
// reserved for cancellation and a missing unit.
func (o *Orchestrator) BuildUnit(ctx context.Context, unitID int) (*UnitResult, error) {
	unit, err := o.store.Unit(unitID)
	if err != nil {
		return nil, fmt.Errorf("failed to load unit %d: %w", unitID, err)
	}
	if unit == nil {
		return nil, fmt.Errorf("unit %d: %w", unitID, ErrUnitNotFound)
	}
	return o.buildUnit(ctx, *unit)
}

func (o *Orchestrator) buildUnit(ctx context.Context, unit ledger.Unit) (*UnitResult, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	logging.Orchestrator("=== building unit %d: %s ===", unit.ID, unit.Name)
	if err := o.store.UpdateUnitStatus(unit.ID, ledger.StatusInProgress, 0); err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("could not mark unit %d in progress: %v", unit.ID, err)
	}

	st := &RunState{
		UnitID:       unit.ID,
		UnitName:     unit.Name,
		Requirements: unit.Description,
		OutputFile:   unit.OutputFile,
		Category:     unit.Category,
		StartedAt:    time.Now(),
	}

	// Cancellation mid-unit lets the current phase finish and stops
	// before advancing, so metric updates are never partially applied.
	cancelled := false
	for _, phase := range phaseOrder {
		if err := ctx.Err(); err != nil {
			st.recordError(st.Phase, fmt.Errorf("run cancelled before %s: %w", phase, err))
			cancelled = true
			break
		}
		o.runPhase(ctx, phase, st)
	}

	result := &UnitResult{
		UnitID:          st.UnitID,
		UnitName:        st.UnitName,
		PhiBefore:       st.PhiBefore,
		PhiAfter:        st.PhiAfter,
		PhiContribution: st.PhiAfter - st.PhiBefore,
		Errors:          st.Errors,
		Elapsed:         time.Since(st.StartedAt),
	}
	if st.Artifact != nil {
		result.Status = ledger.StatusCompleted
		result.ArtifactPath = st.Artifact.Path
	} else {
		result.Status = ledger.StatusFailed
	}

	// The publish phase normally writes the final status. When the run
	// is cut short before reaching it the ledger would otherwise keep
	// the unit in progress forever, so finalize it here.
	if cancelled {
		if err := o.store.UpdateUnitStatus(unit.ID, result.Status, result.PhiContribution); err != nil {
			logging.Get(logging.CategoryOrchestrator).Warn("could not finalize cancelled unit %d: %v", unit.ID, err)
		}
	}

	logging.Orchestrator("=== unit %d %s: phi +%.4f, %d errors, %s ===",
		result.UnitID, result.Status, result.PhiContribution, len(result.Errors), result.Elapsed)
	return result, nil
}

// BuildAll iterates declared units in id order, applying the
// critical-path short-circuit: a failed unit on top of sub-floor
// coherence stops the batch; an isolated failure in an otherwise
// coherent system is tolerated and surfaced as an error.
//
// Cancellation is checked before each unit's research phase. Completed
// results are always returned, alongside ErrBatchHalted or the
// cancellation error when applicable.
func (o *Orchestrator) BuildAll(ctx context.Context) ([]UnitResult, error) {
	units, err := o.store.Units()
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}

	logging.Orchestrator("batch run: %d units", len(units))
	var results []UnitResult

	for _, unit := range units {
		if err := ctx.Err(); err != nil {
			logging.Orchestrator("batch cancelled before unit %d", unit.ID)
			return results, fmt.Errorf("batch cancelled: %w", err)
		}

		result, err := o.buildUnit(ctx, unit)
		if err != nil {
			return results, err
		}
		results = append(results, *result)

		// An operator stop mid-unit is not a coherence event. Report it
		// as cancellation before consulting the halt policy, which would
		// otherwise blame the floor for a failure the operator caused.
		if err := ctx.Err(); err != nil {
			logging.Orchestrator("batch cancelled during unit %d", unit.ID)
			return results, fmt.Errorf("batch cancelled during unit %d: %w", unit.ID, err)
		}

		if !result.Succeeded() {
			phi := o.coherence.PhiSync()
			if phi < o.haltFloor {
				msg := fmt.Sprintf("unit %d (%s) failed with coherence %.4f below floor %.2f",
					unit.ID, unit.Name, phi, o.haltFloor)
				logging.Get(logging.CategoryOrchestrator).Error("batch halt: %s", msg)
				return results, fmt.Errorf("%s: %w", msg, ErrBatchHalted)
			}
			logging.Orchestrator("unit %d failed but coherence %.4f holds above %.2f; continuing",
				unit.ID, phi, o.haltFloor)
		}
	}

	logging.Orchestrator("batch complete: %d units", len(results))
	return results, nil
}
