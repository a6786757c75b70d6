// Package config holds the CEP machine configuration: container weights,
// metric bump sizes, coherence thresholds, research sources, and logging
// controls. Config is loaded from .cep/config.yaml with env overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all CEP machine configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Ledger     LedgerConfig     `yaml:"ledger"`
	Containers ContainersConfig `yaml:"containers"`
	Coherence  CoherenceConfig  `yaml:"coherence"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Research   ResearchConfig   `yaml:"research"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LedgerConfig configures the persistence layer.
type LedgerConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// ContainersConfig fixes the coherence weight of each business container.
// Weights should sum to roughly 1; the model tolerates drift.
type ContainersConfig struct {
	SalesWeight   float64 `yaml:"sales_weight"`
	OpsWeight     float64 `yaml:"ops_weight"`
	FinanceWeight float64 `yaml:"finance_weight"`
}

// CoherenceConfig holds the operating thresholds and red-flag ceilings.
type CoherenceConfig struct {
	// Ascending recommendation thresholds.
	Baseline        float64 `yaml:"baseline"`
	FactoryBuilt    float64 `yaml:"factory_built"`
	SalesLive       float64 `yaml:"sales_live"`
	OpsLive         float64 `yaml:"ops_live"`
	MachineComplete float64 `yaml:"machine_complete"`
	ProductionReady float64 `yaml:"production_ready"`

	// Red flag controls.
	CriticalFloor   float64 `yaml:"critical_floor"`
	ImbalanceSpread float64 `yaml:"imbalance_spread"`

	// Per-container error rate ceilings, keyed by category.
	ErrorCeilings map[string]float64 `yaml:"error_ceilings"`

	// Batch halt floor: a failed unit below this coherence stops the batch.
	HaltFloor float64 `yaml:"halt_floor"`
}

// MetricsConfig holds the fixed metric bumps the metrics phase applies to
// the owning container after a unit completes. Bumped values clamp to 1.0.
type MetricsConfig struct {
	SalesConversionBump   float64 `yaml:"sales_conversion_bump"`
	SalesEfficiencyBump   float64 `yaml:"sales_efficiency_bump"`
	OpsEfficiencyBump     float64 `yaml:"ops_efficiency_bump"`
	OpsThroughputBump     float64 `yaml:"ops_throughput_bump"`
	FinanceEfficiencyBump float64 `yaml:"finance_efficiency_bump"`
	FinanceConversionBump float64 `yaml:"finance_conversion_bump"`
}

// ResearchConfig configures the research executor.
type ResearchConfig struct {
	// Sources are URL templates; %s is replaced by the escaped query.
	Sources     []string `yaml:"sources"`
	Concurrency int      `yaml:"concurrency"`
	Timeout     string   `yaml:"timeout"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// Default returns the baseline configuration matching the nine-layer
// growth pipeline defaults.
func Default() *Config {
	return &Config{
		Name:    "cep-machine",
		Version: "1.0.0",
		Ledger: LedgerConfig{
			DatabasePath: filepath.Join(".cep", "cep_machine.db"),
		},
		Containers: ContainersConfig{
			SalesWeight:   0.33,
			OpsWeight:     0.34,
			FinanceWeight: 0.33,
		},
		Coherence: CoherenceConfig{
			Baseline:        0.30,
			FactoryBuilt:    0.65,
			SalesLive:       0.70,
			OpsLive:         0.80,
			MachineComplete: 0.88,
			ProductionReady: 0.95,
			CriticalFloor:   0.85,
			ImbalanceSpread: 0.30,
			ErrorCeilings: map[string]float64{
				"sales":      0.10,
				"operations": 0.10,
				"finance":    0.05,
			},
			HaltFloor: 0.65,
		},
		Metrics: MetricsConfig{
			SalesConversionBump:   0.15,
			SalesEfficiencyBump:   0.10,
			OpsEfficiencyBump:     0.15,
			OpsThroughputBump:     10,
			FinanceEfficiencyBump: 0.12,
			FinanceConversionBump: 0.08,
		},
		Research: ResearchConfig{
			Sources: []string{
				"https://duckduckgo.com/html/?q=%s",
				"https://html.duckduckgo.com/html/?q=%s",
			},
			Concurrency: 3,
			Timeout:     "15s",
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads config from the given path, layering it over defaults and
// then applying environment overrides. A missing file is not an error;
// defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets environment variables win over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CEP_DB_PATH"); v != "" {
		c.Ledger.DatabasePath = v
	}
	if v := os.Getenv("CEP_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// Validate checks structural invariants that would otherwise surface as
// confusing runtime behavior.
func (c *Config) Validate() error {
	total := c.Containers.SalesWeight + c.Containers.OpsWeight + c.Containers.FinanceWeight
	if total <= 0 {
		return fmt.Errorf("container weights must be positive, got sum %.2f", total)
	}
	if c.Coherence.HaltFloor < 0 || c.Coherence.HaltFloor > 1 {
		return fmt.Errorf("halt floor must be in [0,1], got %.2f", c.Coherence.HaltFloor)
	}
	thresholds := []float64{
		c.Coherence.Baseline,
		c.Coherence.FactoryBuilt,
		c.Coherence.SalesLive,
		c.Coherence.OpsLive,
		c.Coherence.MachineComplete,
		c.Coherence.ProductionReady,
	}
	for i := 1; i < len(thresholds); i++ {
		if thresholds[i] <= thresholds[i-1] {
			return fmt.Errorf("coherence thresholds must be strictly ascending")
		}
	}
	return nil
}

// ResearchTimeout parses the research timeout, falling back to 15s.
func (c *Config) ResearchTimeout() time.Duration {
	d, err := time.ParseDuration(c.Research.Timeout)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

// Save writes the config as YAML to the given path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
