package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// initCmd seeds the unit registry and writes the default config.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the ledger and seed the nine business units",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	m, err := newMachine()
	if err != nil {
		return err
	}
	defer m.close()

	if err := m.store.Seed(); err != nil {
		return fmt.Errorf("seeding units failed: %w", err)
	}

	ws := resolveWorkspace()
	configPath := filepath.Join(ws, ".cep", "config.yaml")
	if err := m.cfg.Save(configPath); err != nil {
		logger.Warn("could not write default config", zap.Error(err))
	}

	units, err := m.store.Units()
	if err != nil {
		return fmt.Errorf("listing units failed: %w", err)
	}

	fmt.Printf("Ledger initialized at %s with %d units:\n\n", m.store.Path(), len(units))
	for _, u := range units {
		fmt.Printf("  Unit %d: %-20s -> %s\n", u.ID, u.Name, u.OutputFile)
	}
	return nil
}
