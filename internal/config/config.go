// Package config loads and validates the daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/drip/internal/rotation"
)

// Config is the main configuration structure
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Transport TransportConfig `yaml:"transport"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StorageConfig contains bolt database settings
type StorageConfig struct {
	Path string `yaml:"path"` // Default: ./drip.db

	// Retention for terminal units; 0 keeps them forever
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // Default: 1h
}

// SchedulerConfig contains run-loop and rotation settings
type SchedulerConfig struct {
	TickInterval           time.Duration `yaml:"tick_interval"`            // Default: 60s
	MaxConcurrentCampaigns int           `yaml:"max_concurrent_campaigns"` // Default: 5
	Strategy               string        `yaml:"strategy"`                 // Default: hybrid

	StuckCeiling     time.Duration `yaml:"stuck_ceiling"`     // Default: 5m
	BackoffBase      time.Duration `yaml:"backoff_base"`      // Default: 60s
	BackoffMax       time.Duration `yaml:"backoff_max"`       // Default: 5m
	FailureThreshold int           `yaml:"failure_threshold"` // Default: 5
	Cooldown         time.Duration `yaml:"cooldown"`          // Default: 5m
	DrainTimeout     time.Duration `yaml:"drain_timeout"`     // Default: 30s
}

// DKIMConfig contains per-domain signing material
type DKIMConfig struct {
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// TransportConfig contains delivery settings
type TransportConfig struct {
	Hostname string        `yaml:"hostname"` // Message-ID / HELO host
	Timeout  time.Duration `yaml:"timeout"`  // Per-send, default: 2m

	// DKIM maps sending domain to its signing key
	DKIM map[string]DKIMConfig `yaml:"dkim,omitempty"`
}

// APIConfig contains status HTTP server settings
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"` // Default: :8080
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"` // Default: :9090
	Path       string `yaml:"path"`        // Default: /metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied, used when no
// config file is given
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Storage.Path == "" {
		c.Storage.Path = "./drip.db"
	}
	if c.Storage.CleanupInterval <= 0 {
		c.Storage.CleanupInterval = time.Hour
	}

	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = time.Minute
	}
	if c.Scheduler.MaxConcurrentCampaigns <= 0 {
		c.Scheduler.MaxConcurrentCampaigns = 5
	}
	if c.Scheduler.Strategy == "" {
		c.Scheduler.Strategy = string(rotation.Hybrid)
	}
	if c.Scheduler.StuckCeiling <= 0 {
		c.Scheduler.StuckCeiling = 5 * time.Minute
	}
	if c.Scheduler.BackoffBase <= 0 {
		c.Scheduler.BackoffBase = time.Minute
	}
	if c.Scheduler.BackoffMax <= 0 {
		c.Scheduler.BackoffMax = 5 * time.Minute
	}
	if c.Scheduler.FailureThreshold <= 0 {
		c.Scheduler.FailureThreshold = 5
	}
	if c.Scheduler.Cooldown <= 0 {
		c.Scheduler.Cooldown = 5 * time.Minute
	}
	if c.Scheduler.DrainTimeout <= 0 {
		c.Scheduler.DrainTimeout = 30 * time.Second
	}

	if c.Transport.Hostname == "" {
		if hostname, err := os.Hostname(); err == nil {
			c.Transport.Hostname = hostname
		} else {
			c.Transport.Hostname = "localhost"
		}
	}
	if c.Transport.Timeout <= 0 {
		c.Transport.Timeout = 2 * time.Minute
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if _, err := rotation.ParseStrategy(c.Scheduler.Strategy); err != nil {
		return fmt.Errorf("scheduler.strategy: %w", err)
	}

	for domain, d := range c.Transport.DKIM {
		if d.Selector == "" {
			return fmt.Errorf("transport.dkim.%s: selector is required", domain)
		}
		if d.KeyFile == "" {
			return fmt.Errorf("transport.dkim.%s: key_file is required", domain)
		}
		if _, err := os.Stat(d.KeyFile); err != nil {
			return fmt.Errorf("transport.dkim.%s: key file not accessible: %w", domain, err)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	return nil
}
