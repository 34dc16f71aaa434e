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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid job specs, malformed workflow definitions, or
// constraint violations detected before execution.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Kind implements Kinder.
func (e *ValidationError) Kind() Kind { return KindValidationFailed }

// NotFoundError represents a resource not found error.
// Also returned when a caller reads a record owned by another user, so
// that existence is not disclosed across ownership boundaries.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "job", "execution")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// Kind implements Kinder.
func (e *NotFoundError) Kind() Kind { return KindNotFound }

// ForbiddenError represents an ownership check failure on an operation
// that must disclose the mismatch (cancel, pause, resume).
type ForbiddenError struct {
	// Resource is the type of resource (e.g., "job", "execution")
	Resource string

	// ID is the resource identifier
	ID string
}

// Error implements the error interface.
func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("caller does not own %s %s", e.Resource, e.ID)
}

// Kind implements Kinder.
func (e *ForbiddenError) Kind() Kind { return KindForbidden }

// UnauthorizedError represents a missing or invalid authentication
// context handed over by the transport.
type UnauthorizedError struct {
	Reason string
}

// Error implements the error interface.
func (e *UnauthorizedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unauthorized: %s", e.Reason)
	}
	return "unauthorized"
}

// Kind implements Kinder.
func (e *UnauthorizedError) Kind() Kind { return KindUnauthorized }

// RateLimitError represents an exhausted admission window.
type RateLimitError struct {
	// Class is the admission class that was exhausted (e.g., "heavy")
	Class string

	// Limit is the per-window maximum
	Limit int

	// RetryAfter is the time remaining until the window resets
	RetryAfter time.Duration

	// ResetAt is the absolute window reset time
	ResetAt time.Time
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (max %d per window), retry after %s",
		e.Class, e.Limit, e.RetryAfter.Round(time.Second))
}

// Kind implements Kinder.
func (e *RateLimitError) Kind() Kind { return KindRateLimitExceeded }

// QueueFullError represents admission rejected due to queue saturation.
type QueueFullError struct {
	// Backend is the backend kind whose queue is saturated
	Backend string

	// Size is the current queue length
	Size int

	// Limit is the configured maximum queue length
	Limit int
}

// Error implements the error interface.
func (e *QueueFullError) Error() string {
	return fmt.Sprintf("%s queue full (%d/%d)", e.Backend, e.Size, e.Limit)
}

// Kind implements Kinder.
func (e *QueueFullError) Kind() Kind { return KindQueueFull }

// BackendUnavailableError indicates that a backend cannot serve work:
// the executable is missing, the fallback path is unconfigured, or a
// health check failed.
type BackendUnavailableError struct {
	// Backend is the backend kind (e.g., "cli", "dsl")
	Backend string

	// Reason explains why the backend is unavailable
	Reason string

	// Transient marks conditions that may clear without intervention
	Transient bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable: %s", e.Backend, e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *BackendUnavailableError) Unwrap() error { return e.Cause }

// Kind implements Kinder.
func (e *BackendUnavailableError) Kind() Kind { return KindBackendUnavailable }

// ExecutionError represents a backend-reported failure: nonzero exit,
// renderer fault, or an SDK error after admission.
type ExecutionError struct {
	// Backend is the backend kind that failed
	Backend string

	// ExitCode is the subprocess exit code, when one exists
	ExitCode int

	// Stderr carries captured diagnostic output (may be truncated)
	Stderr string

	// Message is the human-readable failure description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("%s execution failed", e.Backend)
	if e.ExitCode != 0 {
		msg = fmt.Sprintf("%s (exit %d)", msg, e.ExitCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutionError) Unwrap() error { return e.Cause }

// Kind implements Kinder.
func (e *ExecutionError) Kind() Kind { return KindExecutionFailed }

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "job", "step")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// Kind implements Kinder.
func (e *TimeoutError) Kind() Kind { return KindTimeout }

// CancelledError represents caller or system cancellation surfaced as a
// synchronous result.
type CancelledError struct {
	// Operation describes what was cancelled
	Operation string
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s cancelled", e.Operation)
}

// Kind implements Kinder.
func (e *CancelledError) Kind() Kind { return KindCancelled }

// StoreUnavailableError indicates that the state store could not serve
// an operation after the internal retry window.
type StoreUnavailableError struct {
	// Op is the store operation that failed (e.g., "set", "zadd")
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("state store unavailable during %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StoreUnavailableError) Unwrap() error { return e.Cause }

// Kind implements Kinder.
func (e *StoreUnavailableError) Kind() Kind { return KindInternal }

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "cli.max_concurrent")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Cause }

// Kind implements Kinder.
func (e *ConfigError) Kind() Kind { return KindInternal }
