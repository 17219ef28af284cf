// Package config implements this runtime's process-bootstrap
// configuration: a YAML-tagged struct pair with the teacher's
// SetDefaults()/Validate() method convention (pkg/config/types.go in
// the teacher), plus .env overrides for process-level settings the way
// cmd/hector's entry point loads them.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/stepflow/agentruntime/pkg/logger"
	"github.com/stepflow/agentruntime/pkg/session"
)

// Config is the top-level process configuration: logging plus the
// Session Authority's default budgets.
type Config struct {
	LogLevel string        `yaml:"logLevel"`
	Session  session.Config `yaml:"session"`
}

// SetDefaults fills zero fields with defaults, recursing into Session.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Session.SetDefaults()
}

// Validate checks every field, recursing into Session.
func (c Config) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Load reads a YAML config file at path (if it exists), applies
// defaults, loads a local .env file (if present) for process-level
// overrides, and validates the result. A missing config file is not an
// error: Load returns the zero Config with defaults applied, following
// the teacher's tolerant-bootstrap style in cmd/hector.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // local .env overrides; absence is not an error

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through with zero Config; SetDefaults below fills it.
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.SetDefaults()
	if envLevel := os.Getenv("AGENTRUNTIME_LOG_LEVEL"); envLevel != "" {
		cfg.LogLevel = envLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewLogger initializes this runtime's module-filtering logger
// (pkg/logger) at the configured level and returns it, the way
// cmd/hector's entry point wires config.LogLevel into logger.Init
// before constructing any session. Sessions constructed without an
// explicit *slog.Logger fall back to logger.GetLogger(), which lazily
// performs the same default-level initialization if this is never
// called.
func (c Config) NewLogger() *slog.Logger {
	level, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	logger.Init(level, os.Stderr, "simple")
	return logger.GetLogger()
}
