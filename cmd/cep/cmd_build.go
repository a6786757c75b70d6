package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cepmachine/internal/orchestrator"
)

// buildCmd runs a single unit through the seven-phase pipeline.
var buildCmd = &cobra.Command{
	Use:   "build <unit-id>",
	Short: "Build one unit through the full pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runBuild,
}

// buildAllCmd runs the entire batch in ascending unit order.
var buildAllCmd = &cobra.Command{
	Use:   "build-all",
	Short: "Build every pending unit, halting if coherence drops below the floor",
	RunE:  runBuildAll,
}

func runBuild(cmd *cobra.Command, args []string) error {
	unitID, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid unit id %q: %w", args[0], err)
	}

	m, err := newMachine()
	if err != nil {
		return err
	}
	defer m.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	result, err := m.orch.BuildUnit(ctx, unitID)
	if err != nil {
		return err
	}

	printUnitResult(*result)
	if !result.Succeeded() {
		return fmt.Errorf("unit %d finished with status %s", result.UnitID, result.Status)
	}
	return nil
}

func runBuildAll(cmd *cobra.Command, args []string) error {
	m, err := newMachine()
	if err != nil {
		return err
	}
	defer m.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	results, runErr := m.orch.BuildAll(ctx)

	fmt.Printf("Batch run: %d unit(s) attempted\n\n", len(results))
	var failed int
	for _, r := range results {
		printUnitResult(r)
		if !r.Succeeded() {
			failed++
		}
	}

	fmt.Println()
	fmt.Print(m.coherence.StatusDisplay())

	if runErr != nil {
		if errors.Is(runErr, orchestrator.ErrBatchHalted) {
			logger.Warn("batch halted below coherence floor", zap.Error(runErr))
		}
		return runErr
	}
	if failed > 0 {
		return fmt.Errorf("%d unit(s) failed", failed)
	}
	return nil
}

func printUnitResult(r orchestrator.UnitResult) {
	fmt.Printf("  Unit %d %-22s %-10s phi %+.4f (%.4f -> %.4f) in %s\n",
		r.UnitID, r.UnitName, r.Status, r.PhiContribution, r.PhiBefore, r.PhiAfter,
		r.Elapsed.Round(time.Millisecond))
	for _, e := range r.Errors {
		fmt.Printf("      [%s] %s\n", e.Phase, e.Message)
	}
}
