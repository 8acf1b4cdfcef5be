// Package config loads stratus configuration from YAML with environment
// variable overrides. Durations are stored as strings ("500ms", "90s")
// and parsed on access, falling back to defaults on bad input.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all stratus configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Message bus configuration
	Bus BusConfig `yaml:"bus"`

	// Task distributor configuration
	Distributor DistributorConfig `yaml:"distributor"`

	// Device registry configuration
	Registry RegistryConfig `yaml:"registry"`

	// Metrics endpoint
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BusConfig configures the in-process message bus.
type BusConfig struct {
	PollInterval string `yaml:"poll_interval"`
	DrainTimeout string `yaml:"drain_timeout"`
}

// DistributorConfig configures the task distributor.
type DistributorConfig struct {
	PollInterval   string `yaml:"poll_interval"`
	MaxRequeues    int    `yaml:"max_requeues"`
	RequeueBackoff string `yaml:"requeue_backoff"`
	TaskTimeout    string `yaml:"task_timeout"` // "0" disables the deadline sweep
}

// RegistryConfig configures the device registry.
type RegistryConfig struct {
	HeartbeatTTL    string  `yaml:"heartbeat_ttl"`
	SweepInterval   string  `yaml:"sweep_interval"`
	MaxFanout       int     `yaml:"max_fanout"`
	PremiumScore    float64 `yaml:"premium_score"`
	ReservePriority int     `yaml:"reserve_priority"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig configures category file logging.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Level   string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "stratus",
		Version: "0.3.0",

		Bus: BusConfig{
			PollInterval: "1s",
			DrainTimeout: "5s",
		},

		Distributor: DistributorConfig{
			PollInterval:   "1s",
			MaxRequeues:    5,
			RequeueBackoff: "500ms",
			TaskTimeout:    "0",
		},

		Registry: RegistryConfig{
			HeartbeatTTL:    "90s",
			SweepInterval:   "30s",
			MaxFanout:       8,
			PremiumScore:    80,
			ReservePriority: 1,
		},

		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9090",
		},

		Logging: LoggingConfig{
			Enabled: true,
			Dir:     "logs",
			Level:   "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

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
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
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

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("STRATUS_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
	if v := os.Getenv("STRATUS_LOG_DIR"); v != "" {
		c.Logging.Dir = v
	}
	if v := os.Getenv("STRATUS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("STRATUS_MAX_FANOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Registry.MaxFanout = n
		}
	}
	if v := os.Getenv("STRATUS_TASK_TIMEOUT"); v != "" {
		c.Distributor.TaskTimeout = v
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// BusPollInterval returns the bus poll interval as a duration.
func (c *Config) BusPollInterval() time.Duration {
	return parseDuration(c.Bus.PollInterval, time.Second)
}

// BusDrainTimeout returns the bus drain timeout as a duration.
func (c *Config) BusDrainTimeout() time.Duration {
	return parseDuration(c.Bus.DrainTimeout, 5*time.Second)
}

// DistributorPollInterval returns the distribution loop interval.
func (c *Config) DistributorPollInterval() time.Duration {
	return parseDuration(c.Distributor.PollInterval, time.Second)
}

// RequeueBackoff returns the base requeue delay.
func (c *Config) RequeueBackoff() time.Duration {
	return parseDuration(c.Distributor.RequeueBackoff, 500*time.Millisecond)
}

// TaskTimeout returns the task deadline, zero when disabled.
func (c *Config) TaskTimeout() time.Duration {
	if c.Distributor.TaskTimeout == "" || c.Distributor.TaskTimeout == "0" {
		return 0
	}
	return parseDuration(c.Distributor.TaskTimeout, 0)
}

// HeartbeatTTL returns the registry heartbeat TTL.
func (c *Config) HeartbeatTTL() time.Duration {
	return parseDuration(c.Registry.HeartbeatTTL, 90*time.Second)
}

// SweepInterval returns the registry stale sweep interval.
func (c *Config) SweepInterval() time.Duration {
	return parseDuration(c.Registry.SweepInterval, 30*time.Second)
}
