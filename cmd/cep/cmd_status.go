package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cepmachine/internal/ledger"
)

// statusCmd prints the current coherence state and any red flags.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show coherence status, recommendation, and red flags",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	m, err := newMachine()
	if err != nil {
		return err
	}
	defer m.close()

	fmt.Print(m.coherence.StatusDisplay())

	flags := m.coherence.CheckRedFlags()
	if len(flags) > 0 {
		fmt.Println("\nRed flags:")
		for _, f := range flags {
			fmt.Printf("  - %s\n", f)
		}
	}

	units, err := m.store.Units()
	if err != nil {
		return fmt.Errorf("listing units failed: %w", err)
	}
	var completed, failed int
	var nextPending *ledger.Unit
	for i, u := range units {
		switch u.Status {
		case ledger.StatusCompleted:
			completed++
		case ledger.StatusFailed:
			failed++
		}
		if nextPending == nil && u.Status == ledger.StatusPending {
			nextPending = &units[i]
		}
	}
	fmt.Printf("\nUnits: %d total, %d completed, %d failed\n", len(units), completed, failed)

	if nextPending != nil {
		projected := m.coherence.SimulateLayerCompletion(nextPending.ID)
		fmt.Printf("Next: unit %d (%s), projected phi_sync %.4f on completion\n",
			nextPending.ID, nextPending.Name, projected)
	}

	last, err := m.store.LatestCoherence()
	if err != nil {
		return fmt.Errorf("loading latest coherence record failed: %w", err)
	}
	if last != nil {
		fmt.Printf("Last recorded phi_sync: %.4f at %s\n",
			last.PhiSync, last.RecordedAt.Format("2006-01-02 15:04:05"))
	}

	history, err := m.store.CoherenceHistory(5)
	if err != nil {
		return fmt.Errorf("loading coherence history failed: %w", err)
	}
	if len(history) > 0 {
		fmt.Println("\nRecent phi_sync (newest first):")
		for _, r := range history {
			fmt.Printf("  %.4f  %s  %s\n",
				r.PhiSync, r.RecordedAt.Format("2006-01-02 15:04:05"), r.Recommendation)
		}
	}
	return nil
}
