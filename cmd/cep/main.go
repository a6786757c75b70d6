// Command cep is the CLI for the CEP machine: a coherence-gated build
// orchestrator that drives the nine business layers through a fixed
// seven-phase pipeline and gates progress on the global phi_sync score.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cepmachine/internal/architect"
	"cepmachine/internal/builder"
	"cepmachine/internal/coherence"
	"cepmachine/internal/config"
	"cepmachine/internal/container"
	"cepmachine/internal/ledger"
	"cepmachine/internal/logging"
	"cepmachine/internal/orchestrator"
	"cepmachine/internal/research"
	"cepmachine/internal/verification"
)

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "cep",
	Short: "CEP Machine - coherence-gated business layer orchestrator",
	Long: `The CEP machine automates a nine-layer business growth pipeline by
chaining layer builds under a coordinating orchestrator.

Each unit runs through a fixed pipeline (research, design, build, test,
metrics, commit, publish). Completed units nudge their owning container's
metrics, which moves the global coherence score (phi_sync) that gates
whether the batch continues, pauses, or halts.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (default: cwd)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "overall command timeout")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(buildAllCmd)
	rootCmd.AddCommand(researchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// machine bundles the wired components behind the CLI commands.
type machine struct {
	cfg        *config.Config
	store      *ledger.Store
	containers *container.Set
	coherence  *coherence.Engine
	orch       *orchestrator.Orchestrator
}

// resolveWorkspace falls back to the current directory.
func resolveWorkspace() string {
	if workspace != "" {
		return workspace
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

// newMachine loads config and wires every collaborator for a command.
func newMachine() (*machine, error) {
	ws := resolveWorkspace()

	cfg, err := config.Load(filepath.Join(ws, ".cep", "config.yaml"))
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.DebugMode = true
		cfg.Logging.Level = "debug"
	}

	if err := logging.Initialize(ws, logging.Config{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, err
	}

	dbPath := cfg.Ledger.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(ws, dbPath)
	}
	store, err := ledger.Open(dbPath)
	if err != nil {
		return nil, err
	}

	containers := container.DefaultSet(
		cfg.Containers.SalesWeight,
		cfg.Containers.OpsWeight,
		cfg.Containers.FinanceWeight,
	)

	thresholds := coherence.Thresholds{
		Baseline:        cfg.Coherence.Baseline,
		FactoryBuilt:    cfg.Coherence.FactoryBuilt,
		SalesLive:       cfg.Coherence.SalesLive,
		OpsLive:         cfg.Coherence.OpsLive,
		MachineComplete: cfg.Coherence.MachineComplete,
		ProductionReady: cfg.Coherence.ProductionReady,
		CriticalFloor:   cfg.Coherence.CriticalFloor,
		ImbalanceSpread: cfg.Coherence.ImbalanceSpread,
		ErrorCeilings:   ceilingsFromConfig(cfg),
	}
	engine := coherence.NewEngine(containers, thresholds)

	orch := orchestrator.New(orchestrator.Config{
		Containers: containers,
		Coherence:  engine,
		Ledger:     store,
		Researcher: research.NewEngine(cfg.Research.Sources,
			research.WithConcurrency(cfg.Research.Concurrency),
			research.WithTimeout(cfg.ResearchTimeout()),
		),
		Designer:  architect.NewEngine(),
		Builder:   builder.NewEngine(ws),
		Verifier:  verification.NewEngine(),
		Metrics:   cfg.Metrics,
		HaltFloor: cfg.Coherence.HaltFloor,
	})

	return &machine{
		cfg:        cfg,
		store:      store,
		containers: containers,
		coherence:  engine,
		orch:       orch,
	}, nil
}

func (m *machine) close() {
	if m.store != nil {
		_ = m.store.Close()
	}
}

func ceilingsFromConfig(cfg *config.Config) map[container.Category]float64 {
	out := make(map[container.Category]float64, len(cfg.Coherence.ErrorCeilings))
	for cat, ceiling := range cfg.Coherence.ErrorCeilings {
		out[container.Category(cat)] = ceiling
	}
	return out
}
