package app

import (
	"errors"
	"fmt"
)

// Mode selects what the tool does with the configured workload and graph.
type Mode string

const (
	// ModeRun executes the workload against the previous graph and persists
	// the new one.
	ModeRun Mode = "run"
	// ModeInspect prints a summary of a persisted graph.
	ModeInspect Mode = "inspect"
	// ModeVerify checks that a persisted graph decodes cleanly.
	ModeVerify Mode = "verify"
)

// Config holds everything an App instance needs to run.
type Config struct {
	ConfigPath string // workload + engine HCL
	Mode       Mode

	// GraphPath overrides the engine block's graph_path when non-empty.
	GraphPath string

	LogFormat string
	LogLevel  string
}

// NewConfig validates a Config.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.ConfigPath == "" {
		return nil, errors.New("ConfigPath is a required configuration field and cannot be empty")
	}
	switch cfg.Mode {
	case ModeRun, ModeInspect, ModeVerify:
	default:
		return nil, fmt.Errorf("invalid mode '%s'", cfg.Mode)
	}
	return &cfg, nil
}
