package main

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all ruledbg server configuration.
// Priority: env vars > settings.yaml > defaults.
type Config struct {
	DBPath               string        `yaml:"db_path"`
	LogLevel             string        `yaml:"log_level"`
	LogFormat            string        `yaml:"log_format"`
	EngineTimeout        time.Duration `yaml:"engine_timeout"`
	ContinueToBreakpoint bool          `yaml:"continue_to_breakpoint"`
	Retention            Retention     `yaml:"retention"`
}

// Retention configures the background session sweeper.
type Retention struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
	Vacuum   bool          `yaml:"vacuum"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(ruledbgDir(), "ruledbg.db"),
		LogLevel:      "info",
		LogFormat:     "text",
		EngineTimeout: 30 * time.Second,
		Retention: Retention{
			Enabled:  true,
			Schedule: "0 3 * * *",
			MaxAge:   7 * 24 * time.Hour,
		},
	}
}

func ruledbgDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ruledbg"
	}
	return filepath.Join(home, ".ruledbg")
}

func settingsPath() string {
	return filepath.Join(ruledbgDir(), "settings.yaml")
}

func loadConfig() Config {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

func loadConfigFrom(path string, getenv func(string) string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.yaml (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = yaml.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := getenv("RULEDBG_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("RULEDBG_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("RULEDBG_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("RULEDBG_ENGINE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.EngineTimeout = d
		}
	}
	if v := getenv("RULEDBG_CONTINUE_TO_BREAKPOINT"); v != "" {
		cfg.ContinueToBreakpoint = v == "true" || v == "1"
	}
	if v := getenv("RULEDBG_RETENTION_ENABLED"); v != "" {
		cfg.Retention.Enabled = v == "true" || v == "1"
	}
	if v := getenv("RULEDBG_RETENTION_SCHEDULE"); v != "" {
		cfg.Retention.Schedule = v
	}
	if v := getenv("RULEDBG_RETENTION_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention.MaxAge = d
		}
	}
	if v := getenv("RULEDBG_RETENTION_VACUUM"); v != "" {
		cfg.Retention.Vacuum = v == "true" || v == "1"
	}

	return cfg
}
