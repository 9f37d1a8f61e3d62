// Package config loads and validates the missiond configuration from
// <homeDir>/config.yaml, with environment overrides for deployment knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/otel"
)

// DispatchConfig tunes the work poller.
type DispatchConfig struct {
	// PollIntervalMs is the idle sleep between claim attempts. Default 250ms.
	PollIntervalMs int `yaml:"poll_interval_ms"`

	// MaxAttempts is the delivery attempt budget before a work item is
	// parked as dead-letter. Default 8.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBaseMs / BackoffMaxMs bound the full-jitter retry delay.
	// Defaults 5000 / 300000.
	BackoffBaseMs int `yaml:"backoff_base_ms"`
	BackoffMaxMs  int `yaml:"backoff_max_ms"`

	// AgentEndpoint is the agent bridge URL deliveries are posted to.
	// Empty runs the poller with a log-only deliverer.
	AgentEndpoint          string `yaml:"agent_endpoint"`
	DeliveryTimeoutSeconds int    `yaml:"delivery_timeout_seconds"`
}

// LifecycleConfig tunes the session reconciliation sweep.
type LifecycleConfig struct {
	// SweepSchedule is a 5-field cron expression for the orphaned-session
	// sweep. Default "*/5 * * * *".
	SweepSchedule string `yaml:"sweep_schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// DrainTimeoutSeconds bounds shutdown. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	OTel      otel.Config     `yaml:"otel"`
}

// DefaultHomeDir returns ~/.missiond, falling back to the working directory.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".missiond")
}

// Load reads config.yaml under homeDir, applies env overrides and defaults.
// A missing file is not an error; defaults apply.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg.HomeDir = homeDir

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MISSIOND_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MISSIOND_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MISSIOND_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.PollIntervalMs = n
		}
	}
	if v := os.Getenv("MISSIOND_OTEL_ENDPOINT"); v != "" {
		cfg.OTel.Endpoint = v
		cfg.OTel.Enabled = true
	}
}

func applyDefaults(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "missiond.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Dispatch.PollIntervalMs <= 0 {
		cfg.Dispatch.PollIntervalMs = 250
	}
	if cfg.Dispatch.MaxAttempts <= 0 {
		cfg.Dispatch.MaxAttempts = 8
	}
	if cfg.Dispatch.BackoffBaseMs <= 0 {
		cfg.Dispatch.BackoffBaseMs = 5000
	}
	if cfg.Dispatch.BackoffMaxMs <= 0 {
		cfg.Dispatch.BackoffMaxMs = 300000
	}
	if cfg.Dispatch.DeliveryTimeoutSeconds <= 0 {
		cfg.Dispatch.DeliveryTimeoutSeconds = 30
	}
	if cfg.Lifecycle.SweepSchedule == "" {
		cfg.Lifecycle.SweepSchedule = "*/5 * * * *"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Dispatch.BackoffMaxMs < c.Dispatch.BackoffBaseMs {
		return fmt.Errorf("dispatch.backoff_max_ms (%d) must be >= dispatch.backoff_base_ms (%d)",
			c.Dispatch.BackoffMaxMs, c.Dispatch.BackoffBaseMs)
	}
	if c.Dispatch.PollIntervalMs > 60_000 {
		return fmt.Errorf("dispatch.poll_interval_ms %d exceeds 60s ceiling", c.Dispatch.PollIntervalMs)
	}
	return nil
}

// PollInterval returns the dispatch poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Dispatch.PollIntervalMs) * time.Millisecond
}

// BackoffBase returns the configured backoff base delay.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Dispatch.BackoffBaseMs) * time.Millisecond
}

// BackoffMax returns the configured backoff delay ceiling.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Dispatch.BackoffMaxMs) * time.Millisecond
}

// DeliveryTimeout returns the per-delivery HTTP timeout.
func (c *Config) DeliveryTimeout() time.Duration {
	return time.Duration(c.Dispatch.DeliveryTimeoutSeconds) * time.Second
}

// DrainTimeout returns the shutdown drain budget.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Save writes the config back to <homeDir>/config.yaml.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(c.HomeDir, "config.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
