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

// Package strudel implements the in-process DSL agent backend: a
// mini-notation pattern parser and a bounded audio renderer. Validation
// failures carry line/column diagnostics and never reach rendering.
package strudel

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/groovekit/maestro/internal/agent"
	maestrolog "github.com/groovekit/maestro/internal/log"
	pkgerrors "github.com/groovekit/maestro/pkg/errors"
)

const (
	defaultDurationSec = 30
	maxDurationSec     = 300
	defaultSampleRate  = 44100
	defaultChannels    = 2
)

// Config controls the DSL backend.
type Config struct {
	// DefaultDurationSec is the render length when a task does not
	// specify one. Bounded to [1, 300]. Default: 30.
	DefaultDurationSec int

	// SampleRate is the output rate in Hz. Default: 44100.
	SampleRate int

	// Channels is the output channel count. Default: 2.
	Channels int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Input is the task payload the DSL backend accepts.
type Input struct {
	// Code is the pattern source.
	Code string `json:"code"`

	// DurationSec overrides the render length, bounded to [1, 300].
	DurationSec int `json:"durationSec,omitempty"`
}

// Backend renders pattern programs to audio in-process.
type Backend struct {
	cfg    Config
	logger *slog.Logger
}

// New creates the DSL backend.
func New(cfg Config) *Backend {
	if cfg.DefaultDurationSec < 1 || cfg.DefaultDurationSec > maxDurationSec {
		cfg.DefaultDurationSec = defaultDurationSec
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = defaultChannels
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Backend{
		cfg:    cfg,
		logger: maestrolog.WithComponent(cfg.Logger, "agent.dsl"),
	}
}

// Kind implements agent.Backend.
func (b *Backend) Kind() agent.Kind { return agent.KindDSL }

// SupportsStreaming implements agent.Backend. Renders report staged
// percent progress.
func (b *Backend) SupportsStreaming() bool { return true }

// HealthCheck implements agent.Backend. The evaluator is in-process and
// always serviceable.
func (b *Backend) HealthCheck(ctx context.Context) agent.Health {
	return agent.Health{Available: true, Detail: "in-process renderer"}
}

// Validate implements agent.Backend. The returned report carries
// line/column diagnostics; err is reserved for malformed task payloads.
func (b *Backend) Validate(ctx context.Context, input json.RawMessage) (*agent.ValidationReport, error) {
	in, err := b.decode(input)
	if err != nil {
		return nil, err
	}

	_, errs, warnings := Parse(in.Code)
	return &agent.ValidationReport{
		Valid:    len(errs) == 0,
		Errors:   errs,
		Warnings: warnings,
	}, nil
}

// Execute implements agent.Backend. Progress moves through the
// validating and rendering stages; invalid source fails without ever
// rendering.
func (b *Backend) Execute(ctx context.Context, task agent.Task, sink agent.EventSink) (*agent.Result, error) {
	in, err := b.decode(task.Input)
	if err != nil {
		return nil, err
	}
	duration := in.DurationSec
	if duration == 0 {
		duration = b.cfg.DefaultDurationSec
	}
	if duration < 1 || duration > maxDurationSec {
		return nil, &pkgerrors.ValidationError{
			Field:      "durationSec",
			Message:    "duration out of range",
			Suggestion: "use a duration between 1 and 300 seconds",
		}
	}

	emit(sink, agent.Event{Type: agent.EventStart})
	emit(sink, agent.Event{Type: agent.EventProgress, Percent: 0, Stage: "validating"})

	pat, errs, warnings := Parse(in.Code)
	if len(errs) > 0 {
		return nil, &pkgerrors.ValidationError{
			Field:   "code",
			Message: errs[0].String(),
		}
	}
	for _, w := range warnings {
		b.logger.Debug("pattern warning",
			maestrolog.String(maestrolog.JobIDKey, task.JobID),
			"diagnostic", w.String())
	}
	emit(sink, agent.Event{Type: agent.EventProgress, Percent: 10, Stage: "rendering"})

	start := time.Now()
	data, err := render(ctx, pat, renderConfig{
		sampleRate: b.cfg.SampleRate,
		channels:   b.cfg.Channels,
		duration:   float64(duration),
		onProgress: func(pct int) {
			// Map render progress onto the 10..95 band; 100 belongs to
			// terminal reporting.
			emit(sink, agent.Event{
				Type:    agent.EventProgress,
				Percent: 10 + pct*85/100,
				Stage:   "rendering",
			})
		},
	})
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	res := &agent.Result{
		Audio: &agent.AudioArtifact{
			Data:       data,
			Format:     "wav",
			SampleRate: b.cfg.SampleRate,
			Channels:   b.cfg.Channels,
			DurationMs: int64(duration) * 1000,
		},
		DurationMs: elapsed.Milliseconds(),
	}

	b.logger.Debug("render completed",
		maestrolog.String(maestrolog.JobIDKey, task.JobID),
		maestrolog.Int("render_sec", duration),
		maestrolog.Duration(maestrolog.DurationKey, elapsed.Milliseconds()))

	emit(sink, agent.Event{Type: agent.EventEnd, Result: res})
	return res, nil
}

func (b *Backend) decode(input json.RawMessage) (*Input, error) {
	var in Input
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, &pkgerrors.ValidationError{
			Field:      "input",
			Message:    "malformed dsl payload: " + err.Error(),
			Suggestion: `provide {"code": "s(\"bd sd\")"}`,
		}
	}
	if in.Code == "" {
		return nil, &pkgerrors.ValidationError{
			Field:      "code",
			Message:    "pattern source is required",
			Suggestion: `provide {"code": "s(\"bd sd\")"}`,
		}
	}
	return &in, nil
}

func emit(sink agent.EventSink, ev agent.Event) {
	if sink != nil {
		sink(ev)
	}
}
