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
	"context"
	"errors"
)

// Kind is a wire-stable error category. Transport adapters render kinds
// verbatim, so the string values must never change.
type Kind string

const (
	KindValidationFailed   Kind = "VALIDATION_FAILED"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindForbidden          Kind = "FORBIDDEN"
	KindNotFound           Kind = "NOT_FOUND"
	KindRateLimitExceeded  Kind = "RATE_LIMIT_EXCEEDED"
	KindQueueFull          Kind = "QUEUE_FULL"
	KindBackendUnavailable Kind = "BACKEND_UNAVAILABLE"
	KindExecutionFailed    Kind = "EXECUTION_FAILED"
	KindTimeout            Kind = "TIMEOUT"
	KindCancelled          Kind = "CANCELLED"
	KindInternal           Kind = "INTERNAL_ERROR"
)

// Kinder is implemented by errors that carry a wire-stable kind.
type Kinder interface {
	error
	Kind() Kind
}

// KindOf classifies an arbitrary error into a wire-stable kind.
// Unknown errors classify as KindInternal so that internal detail never
// leaks through the transport by accident.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var k Kinder
	if errors.As(err, &k) {
		return k.Kind()
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}

	return KindInternal
}

// Retryable reports whether the operation that produced err is worth
// retrying. Only transient store and backend conditions qualify; input
// and authorization failures never do.
func Retryable(err error) bool {
	var su *StoreUnavailableError
	if errors.As(err, &su) {
		return true
	}
	var be *BackendUnavailableError
	if errors.As(err, &be) {
		return be.Transient
	}
	return false
}
