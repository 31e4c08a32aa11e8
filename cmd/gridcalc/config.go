package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/javajack/gridcalc"
)

// config is the YAML configuration file for the CLI.
type config struct {
	DB         string        `yaml:"db"`
	MaxCells   int           `yaml:"maxCells"`
	MaxBatch   int           `yaml:"maxBatch"`
	Budget     time.Duration `yaml:"budget"`
	LegacyRows bool          `yaml:"legacyRowOrder"`
}

// loadConfig reads the config file; a missing path yields defaults.
func loadConfig(path string) (*config, error) {
	cfg := &config{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// serviceOptions converts the config into service options.
func (c *config) serviceOptions() []gridcalc.Option {
	var opts []gridcalc.Option
	if c.MaxCells > 0 {
		opts = append(opts, gridcalc.WithMaxCells(c.MaxCells))
	}
	if c.MaxBatch > 0 {
		opts = append(opts, gridcalc.WithMaxBatchSize(c.MaxBatch))
	}
	if c.Budget > 0 {
		opts = append(opts, gridcalc.WithWallClockBudget(c.Budget))
	}
	if c.LegacyRows {
		opts = append(opts, gridcalc.WithRowOrderPolicy(gridcalc.RowOrderLegacy))
	}
	return opts
}
