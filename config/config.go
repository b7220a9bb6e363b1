// Package config loads the fleet engine configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when CONFIG_PATH is not set.
const DefaultPath = "./config/config.yaml"

// Config represents the overall application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Retry    RetryConfig    `yaml:"retry"`
	Sync     SyncConfig     `yaml:"sync"`
	Cache    CacheConfig    `yaml:"cache"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	RateLimitPerSec float64  `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds the SQLite location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RetryConfig configures the retry queue and its worker.
type RetryConfig struct {
	Backend         string        `yaml:"backend"` // sqlite, redis
	RedisURL        string        `yaml:"redis_url"`
	IntervalSeconds int           `yaml:"interval_seconds"`
	BackoffSeconds  int           `yaml:"backoff_seconds"`
	MaxRetries      int           `yaml:"max_retries"`
	Interval        time.Duration `yaml:"-"`
	Backoff         time.Duration `yaml:"-"`
}

// SyncConfig configures the periodic full reconciliation.
type SyncConfig struct {
	Enabled         bool          `yaml:"enabled"`
	IntervalSeconds int           `yaml:"interval_seconds"`
	Interval        time.Duration `yaml:"-"`
}

// CacheConfig configures the as-of derived state cache. Zero disables it.
type CacheConfig struct {
	TTLSeconds int           `yaml:"ttl_seconds"`
	TTL        time.Duration `yaml:"-"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

// Default returns the default configuration.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			RateLimitPerSec: 20,
			RateLimitBurst:  40,
			AllowedOrigins:  []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Database: DatabaseConfig{Path: "./data/fleet.db"},
		Retry: RetryConfig{
			Backend:         "sqlite",
			IntervalSeconds: 30,
			BackoffSeconds:  60,
			MaxRetries:      3,
		},
		Sync:    SyncConfig{Enabled: true, IntervalSeconds: 3600},
		Cache:   CacheConfig{TTLSeconds: 300},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
	cfg.normalize()
	return cfg
}

// Load reads the configuration at path on top of the defaults.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.normalize()

	return cfg, nil
}

// PathFromEnv returns CONFIG_PATH or DefaultPath.
func PathFromEnv() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

func (c *Config) validate() error {
	switch c.Retry.Backend {
	case "sqlite":
	case "redis":
		if c.Retry.RedisURL == "" {
			return fmt.Errorf("retry.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown retry.backend %q (use sqlite or redis)", c.Retry.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	return nil
}

func (c *Config) normalize() {
	if c.Retry.IntervalSeconds <= 0 {
		c.Retry.IntervalSeconds = 30
	}
	if c.Retry.BackoffSeconds <= 0 {
		c.Retry.BackoffSeconds = 60
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Sync.IntervalSeconds <= 0 {
		c.Sync.IntervalSeconds = 3600
	}
	if c.Cache.TTLSeconds < 0 {
		c.Cache.TTLSeconds = 0
	}
	c.Retry.Interval = time.Duration(c.Retry.IntervalSeconds) * time.Second
	c.Retry.Backoff = time.Duration(c.Retry.BackoffSeconds) * time.Second
	c.Sync.Interval = time.Duration(c.Sync.IntervalSeconds) * time.Second
	c.Cache.TTL = time.Duration(c.Cache.TTLSeconds) * time.Second
}
