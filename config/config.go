// Package config loads the orchestrator configuration file and the
// provider registry.
//
// The core configuration is TOML (orchestrator.toml) with durations
// as strings ("30s"). The provider registry is JSON (providers.json)
// with ${VAR} environment expansion applied to the raw file content
// before decoding.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the orchestrator core settings.
type Config struct {
	// SwarmSize is the number of agent slots.
	SwarmSize int `toml:"swarm_size"`

	// SupervisorCount is the number of supervisor shards.
	SupervisorCount int `toml:"supervisor_count"`

	// QueueBound caps the submission queue.
	QueueBound int `toml:"queue_bound"`

	// MaxRetries is the default number of retries granted to tasks that
	// don't set their own attempt cap. The initial try is not counted:
	// max_retries = 1 allows one retry after the first failure.
	MaxRetries int `toml:"max_retries"`

	// RetryBackoffMultiplier grows the retry delay per attempt.
	RetryBackoffMultiplier float64 `toml:"retry_backoff_multiplier"`

	// ProviderConcurrencyLimit is the default per-provider in-flight
	// cap for providers that don't declare their own.
	ProviderConcurrencyLimit int `toml:"provider_concurrency_limit"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	// StatePath backs the task store with a SQLite file when set;
	// empty keeps it in memory.
	StatePath string `toml:"state_path"`

	// LedgerPath enables the SQLite task ledger when set.
	LedgerPath string `toml:"ledger_path"`

	// ArchivePath enables the searchable outcome archive when set.
	ArchivePath string `toml:"archive_path"`

	// ProvidersPath locates the provider registry JSON file.
	ProvidersPath string `toml:"providers_path"`

	// Raw duration strings from the file; parsed into the fields below.
	RetryBackoffBaseRaw  string `toml:"retry_backoff_base"`
	RetryBackoffMaxRaw   string `toml:"retry_backoff_max"`
	HeartbeatIntervalRaw string `toml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `toml:"heartbeat_timeout"`
	ProviderTimeoutRaw   string `toml:"provider_timeout"`

	RetryBackoffBase  time.Duration `toml:"-"`
	RetryBackoffMax   time.Duration `toml:"-"`
	HeartbeatInterval time.Duration `toml:"-"`
	HeartbeatTimeout  time.Duration `toml:"-"`
	ProviderTimeout   time.Duration `toml:"-"`
}

// DefaultConfig returns the built-in defaults. They match the
// component defaults so an empty file behaves like no file.
func DefaultConfig() Config {
	return Config{
		SwarmSize:                200,
		SupervisorCount:          4,
		QueueBound:               1024,
		MaxRetries:               3,
		RetryBackoffBase:         500 * time.Millisecond,
		RetryBackoffMultiplier:   2.0,
		RetryBackoffMax:          30 * time.Second,
		HeartbeatInterval:        5 * time.Second,
		HeartbeatTimeout:         15 * time.Second,
		ProviderTimeout:          30 * time.Second,
		ProviderConcurrencyLimit: 10,
		LogLevel:                 "info",
	}
}

// Load reads a TOML configuration file. Missing keys keep their
// defaults; duration strings are parsed and the result validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(string(data))
}

// Parse parses TOML configuration content over the defaults.
func Parse(content string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(content, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// parseDurations converts the raw duration strings into
// time.Duration values. Empty strings keep the defaults.
func (c *Config) parseDurations() error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{c.RetryBackoffBaseRaw, &c.RetryBackoffBase, "retry_backoff_base"},
		{c.RetryBackoffMaxRaw, &c.RetryBackoffMax, "retry_backoff_max"},
		{c.HeartbeatIntervalRaw, &c.HeartbeatInterval, "heartbeat_interval"},
		{c.HeartbeatTimeoutRaw, &c.HeartbeatTimeout, "heartbeat_timeout"},
		{c.ProviderTimeoutRaw, &c.ProviderTimeout, "provider_timeout"},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.SwarmSize <= 0 {
		return fmt.Errorf("swarm_size must be positive")
	}
	if c.SupervisorCount <= 0 {
		return fmt.Errorf("supervisor_count must be positive")
	}
	if c.SupervisorCount > c.SwarmSize {
		return fmt.Errorf("supervisor_count cannot exceed swarm_size")
	}
	if c.QueueBound <= 0 {
		return fmt.Errorf("queue_bound must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if c.RetryBackoffBase <= 0 {
		return fmt.Errorf("retry_backoff_base must be positive")
	}
	if c.RetryBackoffMultiplier < 1 {
		return fmt.Errorf("retry_backoff_multiplier must be at least 1")
	}
	if c.RetryBackoffMax < c.RetryBackoffBase {
		return fmt.Errorf("retry_backoff_max cannot be below retry_backoff_base")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat_timeout must exceed heartbeat_interval")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("provider_timeout must be positive")
	}
	if c.ProviderConcurrencyLimit <= 0 {
		return fmt.Errorf("provider_concurrency_limit must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}
