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

// Package collab runs multi-agent collaboration patterns on top of the
// workflow engine's step-invocation seam: iterative self-critique and
// multi-participant discussion.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/groovekit/maestro/internal/agent"
	"github.com/groovekit/maestro/internal/bus"
	maestrolog "github.com/groovekit/maestro/internal/log"
	"github.com/groovekit/maestro/pkg/workflow"
)

// Metrics observes pattern completions; nil disables recording.
type Metrics interface {
	CritiqueCompleted(converged bool, iterations int, finalScore, improvement float64)
	DiscussionCompleted(converged bool, rounds int, consensusScore float64)
}

// Config configures a Runner.
type Config struct {
	// Invoker runs agent invocations. Required.
	Invoker workflow.Invoker

	// Bus fans out pattern events. Required.
	Bus *bus.Bus

	// Metrics observes completions; nil disables.
	Metrics Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Runner executes collaboration patterns.
type Runner struct {
	invoker workflow.Invoker
	bus     *bus.Bus
	metrics Metrics
	logger  *slog.Logger
}

// New creates a Runner.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		invoker: cfg.Invoker,
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		logger:  maestrolog.WithComponent(logger, "collab"),
	}
}

// invokeParsed runs one agent invocation and leniently decodes its
// response into out: fenced or prose-wrapped JSON is tolerated.
func (r *Runner) invokeParsed(ctx context.Context, agentType string, input map[string]any, out any) (string, error) {
	res, err := r.invoker.Invoke(ctx, agentType, input, nil)
	if err != nil {
		return "", err
	}
	body := res.Output
	if len(res.Payload) > 0 {
		body = string(res.Payload)
	}
	raw := agent.ExtractJSON(body)
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return body, fmt.Errorf("parsing %s response: %w", agentType, err)
	}
	return body, nil
}

func (r *Runner) publish(topic, eventType string, terminal bool, payload any) {
	r.bus.Publish(topic, bus.Event{
		Type:     eventType,
		Terminal: terminal,
		Payload:  payload,
	})
}

func (r *Runner) logDuration(pattern, id string, start time.Time) {
	r.logger.Info(pattern+" finished",
		maestrolog.String(maestrolog.ExecutionIDKey, id),
		maestrolog.Duration(maestrolog.DurationKey, time.Since(start).Milliseconds()))
}
