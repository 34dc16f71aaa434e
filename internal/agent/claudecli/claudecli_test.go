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

package claudecli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pkgerrors "github.com/groovekit/maestro/pkg/errors"
)

// writeScript drops an executable shell script into a temp dir and
// returns its path, standing in for the CLI binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write fake cli: %v", err)
	}
	return path
}

func TestValidate(t *testing.T) {
	b, err := New(Config{Binary: writeScript(t, "exit 0")})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		input     string
		wantValid bool
		wantWarn  bool
	}{
		{"valid prompt", `{"prompt": "hello"}`, true, false},
		{"empty prompt", `{"prompt": ""}`, false, false},
		{"whitespace prompt", `{"prompt": "  "}`, false, false},
		{"negative max tokens", `{"prompt": "hi", "maxTokens": -1}`, false, false},
		{"huge max tokens warns", `{"prompt": "hi", "maxTokens": 100000}`, true, true},
		{"full input", `{"prompt": "hi", "model": "claude-sonnet-4-20250514", "systemPrompt": "be brief", "maxTokens": 1024}`, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := b.Validate(context.Background(), json.RawMessage(tt.input))
			if err != nil {
				t.Fatalf("Validate returned error: %v", err)
			}
			if report.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v (errors: %v)", report.Valid, tt.wantValid, report.Errors)
			}
			if tt.wantWarn && len(report.Warnings) == 0 {
				t.Error("expected a warning, got none")
			}
		})
	}
}

func TestValidate_MalformedJSON(t *testing.T) {
	b, err := New(Config{Binary: writeScript(t, "exit 0")})
	if err != nil {
		t.Fatal(err)
	}

	report, err := b.Validate(context.Background(), json.RawMessage("{\"prompt\": \n oops}"))
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if report.Valid {
		t.Fatal("expected invalid report for malformed JSON")
	}
	if len(report.Errors) != 1 {
		t.Fatalf("expected 1 diagnostic, got %d", len(report.Errors))
	}
	if report.Errors[0].Line != 2 {
		t.Errorf("expected diagnostic on line 2, got line %d", report.Errors[0].Line)
	}
}

func TestValidate_NoUsablePath(t *testing.T) {
	b, err := New(Config{Binary: "/nonexistent/definitely-not-claude"})
	if err != nil {
		t.Fatal(err)
	}

	_, err = b.Validate(context.Background(), json.RawMessage(`{"prompt": "hi"}`))
	var unavail *pkgerrors.BackendUnavailableError
	if !pkgerrors.As(err, &unavail) {
		t.Fatalf("expected BackendUnavailableError, got: %v", err)
	}
}

func TestBuildArgs(t *testing.T) {
	b, err := New(Config{Binary: writeScript(t, "exit 0"), Model: "claude-sonnet-4-20250514"})
	if err != nil {
		t.Fatal(err)
	}

	in := Input{
		Prompt:       "say hi",
		Model:        "claude-opus-4-20250514",
		SystemPrompt: "be brief",
		MaxTokens:    2048,
		Args:         []string{"--verbose"},
	}

	args := b.buildArgs(in)
	joined := strings.Join(args, " ")

	wantParts := []string{
		"--output-format text",
		"--model claude-opus-4-20250514",
		"--append-system-prompt be brief",
		"--max-tokens 2048",
		"--verbose",
	}
	for _, part := range wantParts {
		if !strings.Contains(joined, part) {
			t.Errorf("args missing %q: %v", part, args)
		}
	}

	// Prompt goes last so extra args cannot swallow it.
	if args[len(args)-2] != "-p" || args[len(args)-1] != "say hi" {
		t.Errorf("expected prompt last, got: %v", args)
	}
}

func TestHealthCheck_States(t *testing.T) {
	t.Run("binary present", func(t *testing.T) {
		b, err := New(Config{Binary: writeScript(t, "exit 0")})
		if err != nil {
			t.Fatal(err)
		}
		h := b.HealthCheck(context.Background())
		if !h.Available {
			t.Errorf("expected available, got %+v", h)
		}
	})

	t.Run("no binary no fallback", func(t *testing.T) {
		b, err := New(Config{Binary: "/nonexistent/definitely-not-claude"})
		if err != nil {
			t.Fatal(err)
		}
		h := b.HealthCheck(context.Background())
		if h.Available || h.Fallback {
			t.Errorf("expected unavailable, got %+v", h)
		}
	})

	t.Run("fallback only", func(t *testing.T) {
		b := newWithMessages(Config{Binary: "/nonexistent/definitely-not-claude"}, &stubMessages{})
		h := b.HealthCheck(context.Background())
		if h.Available {
			t.Errorf("expected cli path unavailable, got %+v", h)
		}
		if !h.Fallback {
			t.Errorf("expected fallback serviceable, got %+v", h)
		}
		if !h.Serviceable() {
			t.Error("expected Serviceable() true via fallback")
		}
	})
}

func TestCapBuffer(t *testing.T) {
	buf := newCapBuffer(10)

	n, err := buf.Write([]byte("aaaaa"))
	if err != nil || n != 5 {
		t.Fatalf("Write = (%d, %v), want (5, nil)", n, err)
	}
	if buf.Truncated() {
		t.Error("unexpected truncation")
	}

	// Overflows the cap; the oldest bytes are dropped.
	n, err = buf.Write([]byte("bbbbbbbbbb"))
	if err != nil || n != 10 {
		t.Fatalf("Write = (%d, %v), want (10, nil)", n, err)
	}
	if !buf.Truncated() {
		t.Error("expected truncation flag")
	}
	if got := buf.String(); got != "bbbbbbbbbb" {
		t.Errorf("expected newest output kept, got %q", got)
	}

	// A full buffer keeps rolling forward instead of absorbing.
	if n, _ := buf.Write([]byte("c")); n != 1 {
		t.Errorf("Write after full = %d, want 1", n)
	}
	if got := buf.String(); got != "bbbbbbbbbc" {
		t.Errorf("expected tail after roll, got %q", got)
	}

	// A single write larger than the cap keeps only its tail.
	big := newCapBuffer(4)
	if _, err := big.Write([]byte("0123456789")); err != nil {
		t.Fatalf("Write = %v", err)
	}
	if got := big.String(); got != "6789" {
		t.Errorf("oversized write kept %q, want 6789", got)
	}
	if !big.Truncated() {
		t.Error("expected truncation flag for oversized write")
	}
}

func TestEstimateProgress(t *testing.T) {
	if got := estimateProgress(time.Now(), 0); got != 0 {
		t.Errorf("no timeout should report 0, got %d", got)
	}

	halfway := time.Now().Add(-500 * time.Millisecond)
	got := estimateProgress(halfway, time.Second)
	if got < 45 || got > 60 {
		t.Errorf("halfway progress = %d, want ~50", got)
	}

	overdue := time.Now().Add(-2 * time.Second)
	if got := estimateProgress(overdue, time.Second); got != 95 {
		t.Errorf("overdue progress = %d, want capped at 95", got)
	}
}
