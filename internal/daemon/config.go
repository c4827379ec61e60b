// Package daemon manages the engine daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all daemon configuration.
type Config struct {
	API       APIConfig       `toml:"api"`
	Consensus ConsensusConfig `toml:"consensus"`
	Storage   StorageConfig   `toml:"storage"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Logging   LoggingConfig   `toml:"logging"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	Prometheus bool   `toml:"prometheus"`
}

// ConsensusConfig tunes the orchestration service.
type ConsensusConfig struct {
	RequiredLabels            int    `toml:"required_labels"`
	Threshold                 int    `toml:"threshold"`
	HoneypotThreshold         float64 `toml:"honeypot_threshold"`
	MaxReviewers              int    `toml:"max_reviewers"`
	ConflictResolutionTimeout string `toml:"conflict_resolution_timeout"`
	EnableEventPublishing     bool   `toml:"enable_event_publishing"`
	EnableBatchProcessing     bool   `toml:"enable_batch_processing"`
	MaxBatchSize              int    `toml:"max_batch_size"`
	BatchTimeout              string `toml:"batch_timeout"`
}

// StorageConfig controls the SQLite persistence collaborator.
type StorageConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// SchedulerConfig controls the deadline scheduler.
type SchedulerConfig struct {
	Enabled           bool   `toml:"enabled"`
	TickInterval      string `toml:"tick_interval"`
	AssignmentTimeout string `toml:"assignment_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:       "127.0.0.1",
			Port:       8090,
			Prometheus: true,
		},
		Consensus: ConsensusConfig{
			RequiredLabels:            3,
			Threshold:                 2,
			HoneypotThreshold:         0.9,
			MaxReviewers:              7,
			ConflictResolutionTimeout: "24h",
			EnableEventPublishing:     true,
			EnableBatchProcessing:     true,
			MaxBatchSize:              50,
			BatchTimeout:              "5s",
		},
		Storage: StorageConfig{
			Enabled: true,
		},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			TickInterval:      "30s",
			AssignmentTimeout: "2h",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Home returns the engine's home directory (~/.labelmint), creating it if
// needed.
func Home() string {
	if custom := os.Getenv("LABELMINT_HOME"); custom != "" {
		return custom
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".labelmint"
	}
	return filepath.Join(home, ".labelmint")
}

// LoadConfig reads config.toml from the engine home, falling back to
// defaults when the file does not exist.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(Home(), "config.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// parseDuration parses a duration string with a fallback default.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
