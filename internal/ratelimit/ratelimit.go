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

// Package ratelimit admits or rejects submissions per user against
// fixed windows kept in the shared store, so that every replica counts
// the same window.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	maestrolog "github.com/groovekit/maestro/internal/log"
	"github.com/groovekit/maestro/internal/store"
	maestroerrors "github.com/groovekit/maestro/pkg/errors"
)

// Class selects which admission window a request counts against.
type Class string

const (
	// ClassHeavy covers job submissions (CLI and DSL).
	ClassHeavy Class = "heavy"
	// ClassWorkflow covers workflow, critique, and discussion starts.
	ClassWorkflow Class = "workflow"
)

// Config configures the limiter windows.
type Config struct {
	// Window is the fixed window length.
	Window time.Duration

	// HeavyMax is the per-window cap for ClassHeavy.
	HeavyMax int

	// WorkflowMax is the per-window cap for ClassWorkflow.
	WorkflowMax int

	// FailOpen admits requests when the store is unreachable. Defaults
	// to fail-closed so an outage cannot grant unbounded admissions.
	FailOpen bool
}

// Decision reports the outcome of one admission check.
type Decision struct {
	// Allowed is true when the request fits in the window.
	Allowed bool

	// Remaining is how many admissions are left in the window.
	Remaining int

	// ResetAt is when the window expires.
	ResetAt time.Time
}

// Limiter is the store-backed fixed-window limiter. Safe for
// concurrent use.
type Limiter struct {
	store  *store.Store
	cfg    Config
	logger *slog.Logger

	// now is stubbed in tests.
	now func() time.Time
}

// New creates a Limiter over the given store.
func New(st *store.Store, cfg Config, logger *slog.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.HeavyMax <= 0 {
		cfg.HeavyMax = 10
	}
	if cfg.WorkflowMax <= 0 {
		cfg.WorkflowMax = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		store:  st,
		cfg:    cfg,
		logger: maestrolog.WithComponent(logger, "ratelimit"),
		now:    time.Now,
	}
}

// Allow counts one request against the user's window for the class.
// On exhaustion it returns the decision together with a RateLimitError
// carrying the retry hint. Store unavailability either admits
// (FailOpen) or propagates the store error.
func (l *Limiter) Allow(ctx context.Context, userID string, class Class) (Decision, error) {
	if userID == "" {
		userID = "_anonymous_"
	}
	limit := l.limitFor(class)
	key := l.store.Key("rate", userID, string(class))

	count, remaining, err := l.store.IncrWindow(ctx, key, l.cfg.Window)
	if err != nil {
		if l.cfg.FailOpen {
			l.logger.Warn("store unreachable, admitting fail-open",
				maestrolog.String(maestrolog.UserIDKey, userID),
				"class", string(class),
				maestrolog.Error(err))
			return Decision{Allowed: true, Remaining: limit - 1, ResetAt: l.now().Add(l.cfg.Window)}, nil
		}
		return Decision{}, err
	}

	resetAt := l.now().Add(remaining)
	if count > int64(limit) {
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, &maestroerrors.RateLimitError{
			Class:      string(class),
			Limit:      limit,
			RetryAfter: remaining,
			ResetAt:    resetAt,
		}
	}

	return Decision{
		Allowed:   true,
		Remaining: limit - int(count),
		ResetAt:   resetAt,
	}, nil
}

func (l *Limiter) limitFor(class Class) int {
	switch class {
	case ClassWorkflow:
		return l.cfg.WorkflowMax
	default:
		return l.cfg.HeavyMax
	}
}
