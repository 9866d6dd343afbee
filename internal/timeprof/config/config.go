// Package config loads and validates the timeprof configuration.
//
// Configuration comes from an optional YAML file overlaid by TIMEPROF_*
// environment variables; the environment always wins so deployments can keep
// the access token out of the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fwerpers/timeprof/common/environment"
)

// DefaultRate is the mean inter-sample interval in minutes assigned to newly
// registered users.
const DefaultRate = 45.0

// Config is the root configuration for the timeprof bot.
type Config struct {
	// Homeserver is the Matrix homeserver base URL, e.g. "https://matrix.org".
	Homeserver string `yaml:"homeserver"`

	// UserID is the bot's full Matrix user ID, e.g. "@timeprof_bot:matrix.org".
	UserID string `yaml:"user_id"`

	// AccessToken authenticates the bot against the homeserver. Prefer the
	// TIMEPROF_ACCESS_TOKEN environment variable over the YAML file.
	AccessToken string `yaml:"access_token"`

	// DataDir holds the user-state file and the per-user sample logs.
	DataDir string `yaml:"data_dir"`

	// DatabasePath is the SQLite file used for Matrix session state
	// (sync token, filter ID).
	DatabasePath string `yaml:"database_path"`

	// DefaultRate is the sampling rate (mean minutes between prompts)
	// assigned to new users. Must be positive.
	DefaultRate float64 `yaml:"default_rate"`

	Log LogConfig `yaml:"log"`
}

// LogConfig controls the global slog setup.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist), applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:      "./data",
		DatabasePath: "./timeprof.db",
		DefaultRate:  DefaultRate,
		Log:          LogConfig{Level: "info", Format: "text"},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// No file is fine; env vars may carry everything.
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays TIMEPROF_* environment variables onto the config.
func (c *Config) applyEnv() {
	c.Homeserver = environment.StringOr("TIMEPROF_HOMESERVER", c.Homeserver)
	c.UserID = environment.StringOr("TIMEPROF_USER_ID", c.UserID)
	c.AccessToken = environment.StringOr("TIMEPROF_ACCESS_TOKEN", c.AccessToken)
	c.DataDir = environment.StringOr("TIMEPROF_DATA_DIR", c.DataDir)
	c.DatabasePath = environment.StringOr("TIMEPROF_DATABASE_PATH", c.DatabasePath)
	c.DefaultRate = environment.FloatOr("TIMEPROF_DEFAULT_RATE", c.DefaultRate)
	c.Log.Level = environment.StringOr("TIMEPROF_LOG_LEVEL", c.Log.Level)
	c.Log.Format = environment.StringOr("TIMEPROF_LOG_FORMAT", c.Log.Format)
}

// Validate checks the config for structural correctness.
// It returns the first validation error encountered, or nil when valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Homeserver) == "" {
		return fmt.Errorf("config: homeserver must not be empty (set TIMEPROF_HOMESERVER)")
	}
	if !strings.HasPrefix(c.UserID, "@") || !strings.Contains(c.UserID, ":") {
		return fmt.Errorf("config: user_id must be a full Matrix ID like @bot:example.org, got %q", c.UserID)
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return fmt.Errorf("config: access_token must not be empty (set TIMEPROF_ACCESS_TOKEN)")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("config: database_path must not be empty")
	}
	if c.DefaultRate <= 0 {
		return fmt.Errorf("config: default_rate must be positive, got %v", c.DefaultRate)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
