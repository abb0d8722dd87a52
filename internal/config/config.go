// Package config loads ralpherd's runtime configuration from its
// environment-variable surface, following a Load/Validate split: Load
// does no validation, Validate returns every problem at once instead of
// failing on the first one. Applied here to environment configuration
// rather than a declarative pipeline file, since ralpherd's runtime
// configuration is environment plus persisted preferences.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

// Config is ralpherd's process-wide runtime configuration.
type Config struct {
	DataDir    string
	LogLevel   slog.Level
	RemoteOnly bool
}

const (
	envDataDir    = "RALPHER_DATA_DIR"
	envLogLevel   = "RALPHER_LOG_LEVEL"
	envRemoteOnly = "RALPHER_REMOTE_ONLY"

	// DefaultDataDir is used when neither RALPHER_DATA_DIR nor --data-dir
	// is supplied.
	DefaultDataDir = "./ralpherd-data"
)

// Load reads Config from the environment, applying defaults for anything
// unset. It performs no validation; call Validate separately.
func Load() *Config {
	cfg := &Config{
		DataDir:  DefaultDataDir,
		LogLevel: slog.LevelInfo,
	}
	if v := os.Getenv(envDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		if lvl, err := parseLevel(v); err == nil {
			cfg.LogLevel = lvl
		}
	}
	if v := os.Getenv(envRemoteOnly); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RemoteOnly = b
		}
	}
	return cfg
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("parsing log level %q: %w", s, err)
	}
	return lvl, nil
}

// Validate reports every problem with cfg at once rather than failing on
// the first one.
func Validate(cfg *Config) []error {
	var errs []error
	if cfg.DataDir == "" {
		errs = append(errs, fmt.Errorf("data directory is required"))
	}
	return errs
}

// ApplyFlags overrides cfg fields with CLI flag values when the flag was
// explicitly set (a non-empty dataDir or a non-empty logLevel string).
func (cfg *Config) ApplyFlags(dataDir, logLevel string) error {
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		lvl, err := parseLevel(logLevel)
		if err != nil {
			return err
		}
		cfg.LogLevel = lvl
	}
	return nil
}
