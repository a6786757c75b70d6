package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cepmachine/internal/research"
)

// researchCmd runs an ad hoc research query against the configured
// sources and records the findings in the ledger.
var researchCmd = &cobra.Command{
	Use:   "research <query>",
	Short: "Run an ad hoc research query and log the findings",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runResearch,
}

func runResearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	m, err := newMachine()
	if err != nil {
		return err
	}
	defer m.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	engine := research.NewEngine(m.cfg.Research.Sources,
		research.WithConcurrency(m.cfg.Research.Concurrency),
		research.WithTimeout(m.cfg.ResearchTimeout()),
	)

	report, err := engine.Research(ctx, query)
	if err != nil {
		return fmt.Errorf("research failed: %w", err)
	}

	fmt.Printf("Query:     %s\n", report.Query)
	fmt.Printf("Citations: %d of %d sources\n", report.CitationCount, len(report.Results))
	fmt.Printf("Elapsed:   %s\n\n", report.Elapsed)
	fmt.Println(report.CombinedSummary)

	for _, r := range report.Results {
		marker := "live"
		if r.Offline {
			marker = "offline"
		}
		fmt.Printf("\n  [%s] %s\n      %s\n", marker, r.SourceURL, r.Summary)

		if err := m.store.AddResearchLog(query, r.SourceURL, r.SourceTitle, r.Summary, 0); err != nil {
			logger.Warn("failed to persist research log", zap.Error(err))
		}
	}
	return nil
}
