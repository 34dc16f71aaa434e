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

// Package claudecli implements the CLI agent backend. It spawns the
// Claude CLI as a subprocess and streams its output. When the binary is
// absent at startup, an Anthropic API client can serve the same tasks
// as a degraded fallback path.
package claudecli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/groovekit/maestro/internal/agent"
	maestrolog "github.com/groovekit/maestro/internal/log"
	pkgerrors "github.com/groovekit/maestro/pkg/errors"
)

const (
	defaultBinary   = "claude"
	defaultModel    = "claude-sonnet-4-20250514"
	defaultGrace    = 5 * time.Second
	defaultCapture  = 8 << 20
	defaultMaxToken = 8192
)

// Config controls the CLI backend.
type Config struct {
	// Binary is the CLI command name or path. Defaults to "claude";
	// "claude-code" is also probed when the default name is not found.
	Binary string

	// Model is the default model identifier when a task does not name one.
	Model string

	// APIKey enables the API fallback path when set.
	APIKey string

	// UseAPIFallback allows serving tasks over the Anthropic API when
	// the CLI binary is not installed.
	UseAPIFallback bool

	// TerminationGrace is how long a signalled subprocess gets to exit
	// before it is killed. Defaults to 5s.
	TerminationGrace time.Duration

	// MaxCaptureBytes caps captured stdout and stderr. The newest
	// output is kept on overflow. Defaults to 8 MiB.
	MaxCaptureBytes int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Binary == "" {
		c.Binary = defaultBinary
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.TerminationGrace <= 0 {
		c.TerminationGrace = defaultGrace
	}
	if c.MaxCaptureBytes <= 0 {
		c.MaxCaptureBytes = defaultCapture
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Input is the task payload the CLI backend accepts.
type Input struct {
	Prompt       string            `json:"prompt"`
	SystemPrompt string            `json:"systemPrompt,omitempty"`
	Model        string            `json:"model,omitempty"`
	MaxTokens    int               `json:"maxTokens,omitempty"`
	Workdir      string            `json:"workdir,omitempty"`
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
}

// Backend runs tasks through the Claude CLI, or through the Anthropic
// API when the binary is absent and fallback is enabled.
type Backend struct {
	cfg      Config
	cliPath  string
	fallback *fallbackClient
	logger   *slog.Logger
}

// New creates the CLI backend. Binary detection happens once here; a
// missing binary is not an error when the API fallback is usable.
func New(cfg Config) (*Backend, error) {
	cfg.applyDefaults()

	b := &Backend{
		cfg:    cfg,
		logger: maestrolog.WithComponent(cfg.Logger, "agent.cli"),
	}
	b.cliPath = detect(cfg.Binary)

	if b.cliPath == "" && cfg.UseAPIFallback && cfg.APIKey != "" {
		b.fallback = newFallbackClient(cfg.APIKey, cfg.Model)
		b.logger.Warn("cli binary not found, using api fallback",
			maestrolog.String("binary", cfg.Binary))
	}

	if b.cliPath == "" && b.fallback == nil {
		b.logger.Warn("cli binary not found and no api fallback configured",
			maestrolog.String("binary", cfg.Binary))
	}

	return b, nil
}

// newWithMessages wires a fallback with an injected messages client.
// Test seam.
func newWithMessages(cfg Config, msg messagesClient) *Backend {
	cfg.applyDefaults()
	b := &Backend{
		cfg:    cfg,
		logger: maestrolog.WithComponent(cfg.Logger, "agent.cli"),
	}
	b.cliPath = detect(cfg.Binary)
	if msg != nil {
		b.fallback = newFallbackWithMessages(msg, cfg.Model)
	}
	return b
}

// detect resolves the CLI binary path. The alternate "claude-code"
// name is probed only for the default binary name.
func detect(binary string) string {
	if path, err := exec.LookPath(binary); err == nil {
		return path
	}
	if binary == defaultBinary {
		if path, err := exec.LookPath("claude-code"); err == nil {
			return path
		}
	}
	return ""
}

// Kind returns the backend class.
func (b *Backend) Kind() agent.Kind {
	return agent.KindCLI
}

// SupportsStreaming reports true: stdout chunks stream as they arrive.
func (b *Backend) SupportsStreaming() bool {
	return true
}

// Validate checks the task input and that at least one execution path
// is usable. Input problems come back in the report; an unusable
// backend is an error.
func (b *Backend) Validate(ctx context.Context, input json.RawMessage) (*agent.ValidationReport, error) {
	if b.cliPath == "" && b.fallback == nil {
		return nil, &pkgerrors.BackendUnavailableError{
			Backend: string(agent.KindCLI),
			Reason:  "cli binary not found and no api fallback configured",
		}
	}

	var in Input
	if err := json.Unmarshal(input, &in); err != nil {
		return &agent.ValidationReport{
			Valid:  false,
			Errors: []agent.Diagnostic{syntaxDiagnostic(input, err)},
		}, nil
	}

	report := &agent.ValidationReport{Valid: true}
	if strings.TrimSpace(in.Prompt) == "" {
		report.Valid = false
		report.Errors = append(report.Errors, agent.Diagnostic{Message: "prompt is required"})
	}
	if in.MaxTokens < 0 {
		report.Valid = false
		report.Errors = append(report.Errors, agent.Diagnostic{Message: "maxTokens must not be negative"})
	}
	if in.MaxTokens > 64000 {
		report.Warnings = append(report.Warnings, agent.Diagnostic{Message: "maxTokens exceeds typical model output limits"})
	}
	return report, nil
}

// syntaxDiagnostic converts a JSON decode error into a positioned
// diagnostic when the decoder reports an offset.
func syntaxDiagnostic(input json.RawMessage, err error) agent.Diagnostic {
	var syn *json.SyntaxError
	if pkgerrors.As(err, &syn) {
		line, col := offsetToPosition(input, syn.Offset)
		return agent.Diagnostic{Line: line, Column: col, Message: "invalid input: " + syn.Error()}
	}
	return agent.Diagnostic{Message: "invalid input: " + err.Error()}
}

func offsetToPosition(data []byte, offset int64) (line, col int) {
	line, col = 1, 1
	for i := int64(0); i < offset && i < int64(len(data)); i++ {
		if data[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}

// Execute runs one task. The CLI path is preferred whenever the binary
// was detected; otherwise the API fallback serves the task.
func (b *Backend) Execute(ctx context.Context, task agent.Task, sink agent.EventSink) (*agent.Result, error) {
	var in Input
	if err := json.Unmarshal(task.Input, &in); err != nil {
		return nil, &pkgerrors.ValidationError{
			Field:   "input",
			Message: fmt.Sprintf("invalid cli input: %v", err),
		}
	}
	if in.Model == "" {
		in.Model = b.cfg.Model
	}

	if b.cliPath != "" {
		return b.runCLI(ctx, task, in, sink)
	}
	if b.fallback != nil {
		return b.runFallback(ctx, task, in, sink)
	}
	return nil, &pkgerrors.BackendUnavailableError{
		Backend: string(agent.KindCLI),
		Reason:  "cli binary not found and no api fallback configured",
	}
}

// HealthCheck reports CLI availability, falling back to the API path's
// circuit state when no binary is installed.
func (b *Backend) HealthCheck(ctx context.Context) agent.Health {
	if b.cliPath != "" {
		return agent.Health{Available: true, Detail: "cli binary at " + b.cliPath}
	}
	if b.fallback != nil {
		if b.fallback.open() {
			return agent.Health{Detail: "api fallback circuit open"}
		}
		return agent.Health{Fallback: true, Detail: "serving via api fallback"}
	}
	return agent.Health{Detail: "cli binary not found; no api fallback configured"}
}

// buildArgs constructs the CLI invocation. The prompt goes last so
// extra args cannot be confused for it.
func (b *Backend) buildArgs(in Input) []string {
	args := []string{"--output-format", "text"}
	if in.Model != "" {
		args = append(args, "--model", in.Model)
	}
	if in.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", in.SystemPrompt)
	}
	if in.MaxTokens > 0 {
		args = append(args, "--max-tokens", strconv.Itoa(in.MaxTokens))
	}
	args = append(args, in.Args...)
	args = append(args, "-p", in.Prompt)
	return args
}
