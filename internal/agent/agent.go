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

// Package agent defines the uniform backend contract that every class
// of work (CLI subprocess, in-process DSL evaluator, custom) plugs
// into, and the registry that maps backend kinds to implementations.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a class of agent backend.
type Kind string

const (
	// KindCLI is the external CLI subprocess backend.
	KindCLI Kind = "cli"

	// KindDSL is the in-process pattern evaluation backend.
	KindDSL Kind = "dsl"

	// KindCustom marks externally registered backends.
	KindCustom Kind = "custom"
)

// Task is one unit of work handed to a backend.
type Task struct {
	// JobID correlates backend effort with the owning job.
	JobID string

	// UserID is the job owner, for audit logging only.
	UserID string

	// Input is the backend-specific payload. Each backend documents
	// and validates its own input shape.
	Input json.RawMessage

	// Timeout is the per-task deadline the caller has budgeted. The
	// backend's ctx already carries it; the field exists for logging.
	Timeout time.Duration
}

// EventType discriminates backend event variants.
type EventType string

const (
	// EventStart marks the beginning of backend effort.
	EventStart EventType = "start"

	// EventStdout carries a captured stdout chunk.
	EventStdout EventType = "stdout"

	// EventStderr carries a captured stderr chunk.
	EventStderr EventType = "stderr"

	// EventProgress reports percent and a named stage.
	EventProgress EventType = "progress"

	// EventPartial carries an incremental content delta.
	EventPartial EventType = "partial"

	// EventEnd carries the final result.
	EventEnd EventType = "end"
)

// Event is one ordered notification from a backend. Only the fields
// relevant to its Type are set.
type Event struct {
	Type EventType

	// Chunk is the raw output for EventStdout / EventStderr.
	Chunk []byte

	// Percent and Stage describe EventProgress.
	Percent int
	Stage   string

	// Delta is the incremental content for EventPartial.
	Delta string

	// Result accompanies EventEnd.
	Result *Result
}

// EventSink receives backend events synchronously and in order.
// Implementations must be fast; slow consumers buffer downstream of
// the bus, never inside the backend.
type EventSink func(Event)

// Result is the typed outcome of one task. Transport adapters render
// the wire shape from this; backends never emit wire JSON themselves.
type Result struct {
	// Output is the normalized textual output (captured stdout for the
	// CLI backend, empty for pure-artifact backends).
	Output string

	// Stderr is captured diagnostic output.
	Stderr string

	// ExitCode is the subprocess exit code, when one exists.
	ExitCode int

	// Payload carries structured output when the backend produces one.
	Payload json.RawMessage

	// Audio is the rendered artifact for the DSL backend.
	Audio *AudioArtifact

	// DurationMs is backend-measured execution time.
	DurationMs int64

	// Usage reports token consumption when the backend can observe it.
	Usage *Usage
}

// AudioArtifact is a rendered audio result.
type AudioArtifact struct {
	// Data is the encoded audio.
	Data []byte

	// Format is the container format (e.g., "wav").
	Format string

	// SampleRate is in Hz.
	SampleRate int

	// Channels is the channel count.
	Channels int

	// DurationMs is the rendered length.
	DurationMs int64
}

// Usage tracks token consumption for the CLI backend's fallback path.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Diagnostic is one validation finding with source position.
type Diagnostic struct {
	// Line is 1-based. Zero means the finding has no position.
	Line int `json:"line,omitempty"`

	// Column is 1-based.
	Column int `json:"column,omitempty"`

	// Message describes the finding.
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	if d.Line > 0 {
		return fmt.Sprintf("%d:%d: %s", d.Line, d.Column, d.Message)
	}
	return d.Message
}

// ValidationReport is the outcome of input validation. Invalid input
// never reaches execution.
type ValidationReport struct {
	Valid    bool         `json:"isValid"`
	Errors   []Diagnostic `json:"errors,omitempty"`
	Warnings []Diagnostic `json:"warnings,omitempty"`
}

// Health describes a backend's ability to serve work.
type Health struct {
	// Available is true when the primary path can serve work.
	Available bool

	// Fallback is true when work would be served by a fallback path
	// (e.g., provider SDK instead of the CLI binary).
	Fallback bool

	// Detail carries operator-facing context.
	Detail string
}

// Serviceable reports whether the backend can take work at all.
func (h Health) Serviceable() bool {
	return h.Available || h.Fallback
}

// Backend is the uniform contract all agent backends implement.
//
// Execute drives one task to completion, delivering ordered events to
// sink along the way: Start first, then any mix of Stdout, Stderr,
// Progress, and Partial, then on success exactly one End carrying the
// result that is also returned. Failed executions return an error with
// no End event; the caller owns terminal reporting. ctx carries
// cancellation and deadline; cooperative stop points must observe it.
type Backend interface {
	// Kind returns the backend's class.
	Kind() Kind

	// Validate checks a task input without executing it.
	Validate(ctx context.Context, input json.RawMessage) (*ValidationReport, error)

	// Execute runs one task. The returned result is the same value
	// carried by the final End event.
	Execute(ctx context.Context, task Task, sink EventSink) (*Result, error)

	// SupportsStreaming reports whether intermediate events carry
	// meaningful increments (vs. Start then End only).
	SupportsStreaming() bool

	// HealthCheck probes the backend's current serviceability.
	HealthCheck(ctx context.Context) Health
}
