// Package config loads service configuration from the environment, with an
// optional YAML file overlay for deployment profiles.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration.
type Config struct {
	// HTTP
	Addr string `yaml:"addr"`

	// Database: driver is "sqlite" or "postgres".
	DatabaseDriver string `yaml:"database_driver"`
	DatabaseDSN    string `yaml:"database_dsn"`

	// Ledger
	LedgerURL     string        `yaml:"ledger_url"`
	LedgerAPIKey  string        `yaml:"ledger_api_key"`
	LedgerTimeout time.Duration `yaml:"ledger_timeout"`

	// Forwarder
	ForwardWorkers      int           `yaml:"forward_workers"`
	ForwardPollInterval time.Duration `yaml:"forward_poll_interval"`
	ForwardMaxBackoff   time.Duration `yaml:"forward_max_backoff"`

	// Backpressure
	MaxUnforwardedBacklog int     `yaml:"max_unforwarded_backlog"`
	AnchorEventsPerSec    float64 `yaml:"anchor_events_per_sec"`
	AnchorBurst           int     `yaml:"anchor_burst"`

	// Optional distributed rate limiting
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Observability
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTelEnabled  bool   `yaml:"otel_enabled"`
}

// Load builds configuration: defaults, then the YAML file named by
// ANCHORS_CONFIG (if any), then environment variables. Later layers win.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("ANCHORS_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if cfg.DatabaseDriver != "sqlite" && cfg.DatabaseDriver != "postgres" {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Addr:                  ":8005",
		DatabaseDriver:        "sqlite",
		DatabaseDSN:           "file:anchors.db",
		LedgerURL:             "http://localhost:8006/api/v1",
		LedgerTimeout:         30 * time.Second,
		ForwardWorkers:        4,
		ForwardPollInterval:   5 * time.Second,
		ForwardMaxBackoff:     30 * time.Second,
		MaxUnforwardedBacklog: 10000,
		AnchorEventsPerSec:    5,
		AnchorBurst:           20,
		LogLevel:              "INFO",
		OTLPEndpoint:          "localhost:4317",
	}
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	setString(&c.Addr, "ADDR")
	setString(&c.DatabaseDriver, "DATABASE_DRIVER")
	setString(&c.DatabaseDSN, "DATABASE_DSN")
	setString(&c.LedgerURL, "LEDGER_API_URL")
	setString(&c.LedgerAPIKey, "LEDGER_API_KEY")
	setDuration(&c.LedgerTimeout, "LEDGER_TIMEOUT")
	setInt(&c.ForwardWorkers, "FORWARD_WORKERS")
	setDuration(&c.ForwardPollInterval, "FORWARD_POLL_INTERVAL")
	setDuration(&c.ForwardMaxBackoff, "FORWARD_MAX_BACKOFF")
	setInt(&c.MaxUnforwardedBacklog, "MAX_UNFORWARDED_BACKLOG")
	setFloat(&c.AnchorEventsPerSec, "ANCHOR_EVENTS_PER_SEC")
	setInt(&c.AnchorBurst, "ANCHOR_BURST")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setInt(&c.RedisDB, "REDIS_DB")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.OTLPEndpoint, "OTLP_ENDPOINT")
	setBool(&c.OTelEnabled, "OTEL_ENABLED")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
