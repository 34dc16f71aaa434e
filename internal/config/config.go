// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads maestrod configuration from a YAML file with
// environment variable overrides. Environment variables take precedence
// over file values, which take precedence over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	maestroerrors "github.com/groovekit/maestro/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config represents the complete maestrod configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Rate       RateConfig       `yaml:"rate"`
	CLI        CLIConfig        `yaml:"cli"`
	DSL        DSLConfig        `yaml:"dsl"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
	Shutdown   ShutdownConfig   `yaml:"shutdown"`
	Retention  RetentionConfig  `yaml:"retention"`
	Admin      AdminConfig      `yaml:"admin"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Environment: MAESTRO_LOG_LEVEL, LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// StoreConfig configures the shared state store connection.
type StoreConfig struct {
	// Addr is the store address (host:port).
	// Environment: MAESTRO_STORE_ADDR
	// Default: 127.0.0.1:6379
	Addr string `yaml:"addr"`

	// Password authenticates against the store, when set.
	// Environment: MAESTRO_STORE_PASSWORD
	Password string `yaml:"password,omitempty"`

	// DB selects the store database index.
	// Default: 0
	DB int `yaml:"db"`

	// Namespace prefixes every key written by this deployment.
	// Default: maestro
	Namespace string `yaml:"namespace"`
}

// RateConfig configures per-user admission windows.
type RateConfig struct {
	// WindowSec is the fixed window length in seconds.
	// Default: 60
	WindowSec int `yaml:"window_sec"`

	// HeavyMax is the per-window cap for heavy submissions (jobs).
	// Default: 10
	HeavyMax int `yaml:"heavy_max"`

	// WorkflowMax is the per-window cap for workflow submissions.
	// Default: 5
	WorkflowMax int `yaml:"workflow_max"`
}

// CLIConfig configures the CLI subprocess backend.
type CLIConfig struct {
	// MaxConcurrent is the hard cap on simultaneous CLI subprocesses.
	// Default: 3
	MaxConcurrent int `yaml:"max_concurrent"`

	// DefaultTimeoutMs is the fallback per-job timeout in milliseconds.
	// Default: 300000 (5 minutes)
	DefaultTimeoutMs int `yaml:"default_timeout_ms"`

	// QueueMax bounds the CLI waiting queue.
	// Default: 100
	QueueMax int `yaml:"queue_max"`

	// Binary is the CLI executable name or path.
	// Default: claude
	Binary string `yaml:"binary"`

	// Model is the default model identifier passed to the CLI.
	Model string `yaml:"model"`

	// UseAPIFallback falls back to the provider SDK when the CLI binary
	// is missing at startup.
	// Default: true
	UseAPIFallback bool `yaml:"use_api_fallback"`

	// APIKey authenticates the SDK fallback path.
	// Environment: ANTHROPIC_API_KEY
	APIKey string `yaml:"api_key,omitempty"`
}

// DSLConfig configures the in-process pattern backend.
type DSLConfig struct {
	// MaxConcurrent is the cap on simultaneous renders.
	// Default: 2
	MaxConcurrent int `yaml:"max_concurrent"`

	// QueueMax bounds the DSL waiting queue.
	// Default: 50
	QueueMax int `yaml:"queue_max"`

	// DefaultDurationSec is the render duration when the job does not
	// specify one. Bounded to [1, 300].
	// Default: 30
	DefaultDurationSec int `yaml:"default_duration_sec"`
}

// BufferConfig bounds per-job output capture.
type BufferConfig struct {
	// PerJobMaxBytes caps each of stdout and stderr per job. On overflow
	// the buffer truncates from the head and sets a truncated flag.
	// Default: 8388608 (8 MiB)
	PerJobMaxBytes int `yaml:"per_job_max_bytes"`
}

// SubscriberConfig bounds per-subscriber delivery queues.
type SubscriberConfig struct {
	// OutboundQueueMax is the bounded event queue per subscriber.
	// Overflow drops oldest events and marks the gap.
	// Default: 256
	OutboundQueueMax int `yaml:"outbound_queue_max"`
}

// ShutdownConfig governs graceful termination.
type ShutdownConfig struct {
	// DrainTimeoutMs is how long to wait for active work on SIGTERM
	// before cancelling the remainder.
	// Environment: MAESTRO_DRAIN_TIMEOUT_MS
	// Default: 30000
	DrainTimeoutMs int `yaml:"drain_timeout_ms"`
}

// RetentionConfig governs state store record lifetimes.
type RetentionConfig struct {
	// TTLSec is how long terminal records remain readable.
	// Default: 86400 (24 hours)
	TTLSec int `yaml:"ttl_sec"`

	// ActiveTTLSec is the rolling lifetime of non-terminal records.
	// Default: 3600 (1 hour)
	ActiveTTLSec int `yaml:"active_ttl_sec"`
}

// AdminConfig configures the operational HTTP listener (health, metrics).
type AdminConfig struct {
	// Addr is the listen address.
	// Environment: MAESTRO_ADMIN_ADDR
	// Default: 127.0.0.1:9090
	Addr string `yaml:"addr"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Addr:      "127.0.0.1:6379",
			DB:        0,
			Namespace: "maestro",
		},
		Rate: RateConfig{
			WindowSec:   60,
			HeavyMax:    10,
			WorkflowMax: 5,
		},
		CLI: CLIConfig{
			MaxConcurrent:    3,
			DefaultTimeoutMs: 300000,
			QueueMax:         100,
			Binary:           "claude",
			Model:            "claude-sonnet-4-20250514",
			UseAPIFallback:   true,
		},
		DSL: DSLConfig{
			MaxConcurrent:      2,
			QueueMax:           50,
			DefaultDurationSec: 30,
		},
		Buffer: BufferConfig{
			PerJobMaxBytes: 8 << 20,
		},
		Subscriber: SubscriberConfig{
			OutboundQueueMax: 256,
		},
		Shutdown: ShutdownConfig{
			DrainTimeoutMs: 30000,
		},
		Retention: RetentionConfig{
			TTLSec:       86400,
			ActiveTTLSec: 3600,
		},
		Admin: AdminConfig{
			Addr: "127.0.0.1:9090",
		},
	}
}

// Load loads configuration from an optional YAML file with environment
// overrides. If configPath is empty, defaults plus environment are used.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &maestroerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile merges YAML file contents into the config.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// applyDefaults fills in zero values with sensible defaults.
// This allows minimal configs to work without every field.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Store.Addr == "" {
		c.Store.Addr = defaults.Store.Addr
	}
	if c.Store.Namespace == "" {
		c.Store.Namespace = defaults.Store.Namespace
	}

	if c.Rate.WindowSec == 0 {
		c.Rate.WindowSec = defaults.Rate.WindowSec
	}
	if c.Rate.HeavyMax == 0 {
		c.Rate.HeavyMax = defaults.Rate.HeavyMax
	}
	if c.Rate.WorkflowMax == 0 {
		c.Rate.WorkflowMax = defaults.Rate.WorkflowMax
	}

	if c.CLI.MaxConcurrent == 0 {
		c.CLI.MaxConcurrent = defaults.CLI.MaxConcurrent
	}
	if c.CLI.DefaultTimeoutMs == 0 {
		c.CLI.DefaultTimeoutMs = defaults.CLI.DefaultTimeoutMs
	}
	if c.CLI.QueueMax == 0 {
		c.CLI.QueueMax = defaults.CLI.QueueMax
	}
	if c.CLI.Binary == "" {
		c.CLI.Binary = defaults.CLI.Binary
	}
	if c.CLI.Model == "" {
		c.CLI.Model = defaults.CLI.Model
	}

	if c.DSL.MaxConcurrent == 0 {
		c.DSL.MaxConcurrent = defaults.DSL.MaxConcurrent
	}
	if c.DSL.QueueMax == 0 {
		c.DSL.QueueMax = defaults.DSL.QueueMax
	}
	if c.DSL.DefaultDurationSec == 0 {
		c.DSL.DefaultDurationSec = defaults.DSL.DefaultDurationSec
	}

	if c.Buffer.PerJobMaxBytes == 0 {
		c.Buffer.PerJobMaxBytes = defaults.Buffer.PerJobMaxBytes
	}
	if c.Subscriber.OutboundQueueMax == 0 {
		c.Subscriber.OutboundQueueMax = defaults.Subscriber.OutboundQueueMax
	}
	if c.Shutdown.DrainTimeoutMs == 0 {
		c.Shutdown.DrainTimeoutMs = defaults.Shutdown.DrainTimeoutMs
	}
	if c.Retention.TTLSec == 0 {
		c.Retention.TTLSec = defaults.Retention.TTLSec
	}
	if c.Retention.ActiveTTLSec == 0 {
		c.Retention.ActiveTTLSec = defaults.Retention.ActiveTTLSec
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = defaults.Admin.Addr
	}
}

// loadFromEnv overrides configuration with environment variables.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("MAESTRO_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	} else if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("MAESTRO_STORE_ADDR"); v != "" {
		c.Store.Addr = v
	}
	if v := os.Getenv("MAESTRO_STORE_PASSWORD"); v != "" {
		c.Store.Password = v
	}
	if v := os.Getenv("MAESTRO_ADMIN_ADDR"); v != "" {
		c.Admin.Addr = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.CLI.APIKey = v
	}
	if v := os.Getenv("MAESTRO_CLI_BINARY"); v != "" {
		c.CLI.Binary = v
	}
	if v := os.Getenv("MAESTRO_DRAIN_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Shutdown.DrainTimeoutMs = ms
		}
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.CLI.MaxConcurrent < 1 {
		return &maestroerrors.ConfigError{Key: "cli.max_concurrent", Reason: "must be at least 1"}
	}
	if c.DSL.MaxConcurrent < 1 {
		return &maestroerrors.ConfigError{Key: "dsl.max_concurrent", Reason: "must be at least 1"}
	}
	if c.CLI.QueueMax < 1 {
		return &maestroerrors.ConfigError{Key: "cli.queue_max", Reason: "must be at least 1"}
	}
	if c.DSL.QueueMax < 1 {
		return &maestroerrors.ConfigError{Key: "dsl.queue_max", Reason: "must be at least 1"}
	}
	if c.Rate.WindowSec < 1 {
		return &maestroerrors.ConfigError{Key: "rate.window_sec", Reason: "must be at least 1"}
	}
	if c.Rate.HeavyMax < 1 || c.Rate.WorkflowMax < 1 {
		return &maestroerrors.ConfigError{Key: "rate", Reason: "window maxima must be at least 1"}
	}
	if c.DSL.DefaultDurationSec < 1 || c.DSL.DefaultDurationSec > 300 {
		return &maestroerrors.ConfigError{Key: "dsl.default_duration_sec", Reason: "must be within [1, 300]"}
	}
	if c.Buffer.PerJobMaxBytes < 1024 {
		return &maestroerrors.ConfigError{Key: "buffer.per_job_max_bytes", Reason: "must be at least 1024"}
	}
	if c.Subscriber.OutboundQueueMax < 1 {
		return &maestroerrors.ConfigError{Key: "subscriber.outbound_queue_max", Reason: "must be at least 1"}
	}
	if c.Retention.TTLSec < c.Retention.ActiveTTLSec {
		return &maestroerrors.ConfigError{Key: "retention.ttl_sec", Reason: "must be at least active_ttl_sec"}
	}
	return nil
}

// CLITimeout returns the default CLI job timeout as a duration.
func (c *Config) CLITimeout() time.Duration {
	return time.Duration(c.CLI.DefaultTimeoutMs) * time.Millisecond
}

// RateWindow returns the admission window as a duration.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.Rate.WindowSec) * time.Second
}

// DrainTimeout returns the shutdown drain window as a duration.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Shutdown.DrainTimeoutMs) * time.Millisecond
}

// RetentionTTL returns the terminal record lifetime as a duration.
func (c *Config) RetentionTTL() time.Duration {
	return time.Duration(c.Retention.TTLSec) * time.Second
}

// ActiveTTL returns the non-terminal record lifetime as a duration.
func (c *Config) ActiveTTL() time.Duration {
	return time.Duration(c.Retention.ActiveTTLSec) * time.Second
}
