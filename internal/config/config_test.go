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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	maestroerrors "github.com/groovekit/maestro/pkg/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.CLI.MaxConcurrent != 3 {
		t.Errorf("expected cli.max_concurrent 3, got %d", cfg.CLI.MaxConcurrent)
	}
	if cfg.DSL.MaxConcurrent != 2 {
		t.Errorf("expected dsl.max_concurrent 2, got %d", cfg.DSL.MaxConcurrent)
	}
	if cfg.CLI.QueueMax != 100 {
		t.Errorf("expected cli.queue_max 100, got %d", cfg.CLI.QueueMax)
	}
	if cfg.DSL.QueueMax != 50 {
		t.Errorf("expected dsl.queue_max 50, got %d", cfg.DSL.QueueMax)
	}
	if !cfg.CLI.UseAPIFallback {
		t.Error("expected cli.use_api_fallback to default true")
	}
	if cfg.Buffer.PerJobMaxBytes != 8<<20 {
		t.Errorf("expected 8 MiB buffer cap, got %d", cfg.Buffer.PerJobMaxBytes)
	}
	if cfg.Subscriber.OutboundQueueMax != 256 {
		t.Errorf("expected outbound queue 256, got %d", cfg.Subscriber.OutboundQueueMax)
	}
	if cfg.Retention.TTLSec != 86400 {
		t.Errorf("expected retention 86400s, got %d", cfg.Retention.TTLSec)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maestro.yaml")

	content := []byte(`
log:
  level: debug
store:
  addr: "redis.internal:6380"
  namespace: staging
cli:
  max_concurrent: 1
  binary: claude-code
dsl:
  default_duration_sec: 10
shutdown:
  drain_timeout_ms: 5000
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %q", cfg.Log.Level)
	}
	if cfg.Store.Addr != "redis.internal:6380" {
		t.Errorf("expected store addr override, got %q", cfg.Store.Addr)
	}
	if cfg.Store.Namespace != "staging" {
		t.Errorf("expected namespace staging, got %q", cfg.Store.Namespace)
	}
	if cfg.CLI.MaxConcurrent != 1 {
		t.Errorf("expected cli.max_concurrent 1, got %d", cfg.CLI.MaxConcurrent)
	}
	if cfg.CLI.Binary != "claude-code" {
		t.Errorf("expected cli.binary claude-code, got %q", cfg.CLI.Binary)
	}
	if cfg.DrainTimeout() != 5*time.Second {
		t.Errorf("expected 5s drain timeout, got %v", cfg.DrainTimeout())
	}

	// Unspecified fields keep defaults.
	if cfg.CLI.QueueMax != 100 {
		t.Errorf("expected default cli.queue_max 100, got %d", cfg.CLI.QueueMax)
	}
	if cfg.Rate.HeavyMax != 10 {
		t.Errorf("expected default rate.heavy_max 10, got %d", cfg.Rate.HeavyMax)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/maestro.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	var cerr *maestroerrors.ConfigError
	if !maestroerrors.As(err, &cerr) {
		t.Errorf("expected ConfigError, got %T", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MAESTRO_STORE_ADDR", "10.0.0.5:6379")
	t.Setenv("MAESTRO_DRAIN_TIMEOUT_MS", "12000")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Store.Addr != "10.0.0.5:6379" {
		t.Errorf("expected env store addr, got %q", cfg.Store.Addr)
	}
	if cfg.Shutdown.DrainTimeoutMs != 12000 {
		t.Errorf("expected env drain timeout, got %d", cfg.Shutdown.DrainTimeoutMs)
	}
	if cfg.CLI.APIKey != "sk-ant-test" {
		t.Errorf("expected env api key, got %q", cfg.CLI.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"zero cli concurrency", func(c *Config) { c.CLI.MaxConcurrent = -1 }, "cli.max_concurrent"},
		{"duration above bound", func(c *Config) { c.DSL.DefaultDurationSec = 301 }, "dsl.default_duration_sec"},
		{"tiny buffer", func(c *Config) { c.Buffer.PerJobMaxBytes = 10 }, "buffer.per_job_max_bytes"},
		{"retention below active", func(c *Config) { c.Retention.TTLSec = 60; c.Retention.ActiveTTLSec = 3600 }, "retention.ttl_sec"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var cerr *maestroerrors.ConfigError
			if !maestroerrors.As(err, &cerr) {
				t.Fatalf("expected ConfigError, got %T", err)
			}
			if cerr.Key != tt.key {
				t.Errorf("expected error at key %q, got %q", tt.key, cerr.Key)
			}
		})
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()

	if cfg.CLITimeout() != 5*time.Minute {
		t.Errorf("expected 5m CLI timeout, got %v", cfg.CLITimeout())
	}
	if cfg.RateWindow() != time.Minute {
		t.Errorf("expected 60s rate window, got %v", cfg.RateWindow())
	}
	if cfg.DrainTimeout() != 30*time.Second {
		t.Errorf("expected 30s drain, got %v", cfg.DrainTimeout())
	}
	if cfg.RetentionTTL() != 24*time.Hour {
		t.Errorf("expected 24h retention, got %v", cfg.RetentionTTL())
	}
	if cfg.ActiveTTL() != time.Hour {
		t.Errorf("expected 1h active ttl, got %v", cfg.ActiveTTL())
	}
}
