// Package config provides configuration management for the monitor.
// This file contains the lightweight configuration for standalone operation.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/patient-risk-monitor/internal/domain"
)

// LiteConfig is a simplified configuration for standalone operation.
// It requires no external services: sqlite storage and the in-process
// heuristic model.
type LiteConfig struct {
	DataDir string

	HTTPPort int

	// Simulation
	Scale            float64
	TickInterval     time.Duration
	AutoStart        bool
	GenerateReadings bool
	Seed             int64

	ScoringTimeout time.Duration

	LogLevel  string
	LogFormat string
	LogOutput string
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".patient-risk-monitor")

	return &LiteConfig{
		DataDir:          dataDir,
		HTTPPort:         8080,
		Scale:            5.0,
		TickInterval:     60 * time.Second,
		GenerateReadings: true,
		Seed:             1,
		ScoringTimeout:   5 * time.Second,
		LogLevel:         "info",
		LogFormat:        "json",
		LogOutput:        "stderr",
	}
}

// LoadLiteConfig loads configuration from environment variables.
// Falls back to defaults if not set.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	if v := os.Getenv("PRM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PRM_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HTTPPort = n
		}
	}

	// Simulation
	if v := os.Getenv("PRM_SIMULATION_SCALE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Scale = f
		}
	}
	if v := os.Getenv("PRM_SIMULATION_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.TickInterval = d
		}
	}
	if v := os.Getenv("PRM_SIMULATION_AUTO_START"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoStart = b
		}
	}
	if v := os.Getenv("PRM_SIMULATION_GENERATE_READINGS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.GenerateReadings = b
		}
	}
	if v := os.Getenv("PRM_SIMULATION_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Seed = n
		}
	}

	if v := os.Getenv("PRM_SCORING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ScoringTimeout = d
		}
	}

	// Logging
	if v := os.Getenv("PRM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PRM_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("PRM_LOG_OUTPUT"); v != "" {
		cfg.LogOutput = v
	}

	return cfg
}

// DatabasePath returns the path to the SQLite database.
func (c *LiteConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, "vitals.db")
}

// ExportDir returns the directory for spreadsheet exports.
func (c *LiteConfig) ExportDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.ExportDir(), 0755)
}

// Logging returns the logging section in the shared shape.
func (c *LiteConfig) Logging() domain.LoggingConfig {
	return domain.LoggingConfig{Level: c.LogLevel, Format: c.LogFormat, Output: c.LogOutput}
}

// Simulation returns the simulation section in the shared shape.
func (c *LiteConfig) Simulation() domain.SimulationConfig {
	return domain.SimulationConfig{
		Scale:            c.Scale,
		TickInterval:     c.TickInterval,
		AutoStart:        c.AutoStart,
		GenerateReadings: c.GenerateReadings,
		Seed:             c.Seed,
	}
}

// Scoring returns an in-process scoring section.
func (c *LiteConfig) Scoring() domain.ScoringConfig {
	return domain.ScoringConfig{
		Mode:     domain.ScoringModeHeuristic,
		Timeout:  c.ScoringTimeout,
		MemoSize: 1024,
	}
}
