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

// Package job owns the job lifecycle: admission, the per-backend
// priority scheduler, driving agent backends, event fan-out, and state
// persistence. One manager instance drives any given job; everything
// else observes through the store or the bus.
package job

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/groovekit/maestro/internal/agent"
	"github.com/groovekit/maestro/internal/store"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"

	// StatusValidating and StatusRendering refine running for the DSL
	// backend's phases.
	StatusValidating Status = "validating"
	StatusRendering  Status = "rendering"

	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether a backend is currently driving the job.
func (s Status) Active() bool {
	switch s {
	case StatusRunning, StatusValidating, StatusRendering:
		return true
	}
	return false
}

// Terminal error kinds recorded on job records. Wire-stable.
const (
	ErrorKindCancelled = "CANCELLED"
	ErrorKindTimeout   = "TIMEOUT"
	ErrorKindShutdown  = "SHUTDOWN"
	ErrorKindCrash     = "CRASH"
	ErrorKindExecution = "EXECUTION_FAILED"
	ErrorKindInternal  = "INTERNAL_ERROR"
)

// Job is the manager-owned mutable state of one unit of work. All
// mutation happens under mu; external readers receive snapshots.
type Job struct {
	mu sync.Mutex

	id       string
	userID   string
	kind     agent.Kind
	input    json.RawMessage
	priority int
	timeout  time.Duration

	createdAt   time.Time
	enqueuedAt  time.Time
	startedAt   *time.Time
	completedAt *time.Time

	status   Status
	progress int
	stage    string

	queuePos int
	estWait  int
	retries  int

	stdout *tailBuffer
	stderr *tailBuffer

	exitCode *int
	result   json.RawMessage
	errKind  string
	errMsg   string

	ctx          context.Context
	cancel       context.CancelFunc
	cancelReason string
	terminalOnce sync.Once
	done         chan struct{}
}

// ID returns the job's identifier.
func (j *Job) ID() string { return j.id }

// Done closes when the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} { return j.done }

// snapshot renders the current state as a self-contained record, the
// same shape persisted to the store.
func (j *Job) snapshot() *store.JobRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *Job) snapshotLocked() *store.JobRecord {
	rec := &store.JobRecord{
		JobID:     j.id,
		UserID:    j.userID,
		Backend:   string(j.kind),
		Input:     j.input,
		Priority:  j.priority,
		TimeoutMs: int(j.timeout / time.Millisecond),

		Status:   string(j.status),
		Progress: j.progress,
		Stage:    j.stage,

		QueuePosition:        j.queuePos,
		EstimatedWaitSeconds: j.estWait,
		RetryCount:           j.retries,

		CreatedAt:   j.createdAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,

		ExitCode:        j.exitCode,
		Stdout:          j.stdout.String(),
		Stderr:          j.stderr.String(),
		StdoutTruncated: j.stdout.Truncated(),
		StderrTruncated: j.stderr.Truncated(),
		ResultPayload:   j.result,
		ErrorKind:       j.errKind,
		ErrorMessage:    j.errMsg,
	}
	return rec
}

// setProgress raises progress, never lowers it.
func (j *Job) setProgress(pct int) {
	if pct > 100 {
		pct = 100
	}
	if pct > j.progress {
		j.progress = pct
	}
}

// markCancel records why the context is about to be cancelled so the
// terminal transition can attribute it. First reason wins.
func (j *Job) markCancel(reason string) {
	j.mu.Lock()
	if j.cancelReason == "" {
		j.cancelReason = reason
	}
	j.mu.Unlock()
	j.cancel()
}

// tailBuffer keeps the newest max bytes written to it. Overflow drops
// from the head and sets the truncated flag; streaming continues
// regardless.
type tailBuffer struct {
	max       int
	buf       []byte
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.max {
		t.buf = append(t.buf[:0], p[n-t.max:]...)
		t.truncated = true
		return n, nil
	}
	overflow := len(t.buf) + n - t.max
	if overflow > 0 {
		t.buf = t.buf[overflow:]
		t.truncated = true
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

func (t *tailBuffer) Len() int { return len(t.buf) }

func (t *tailBuffer) Truncated() bool { return t.truncated }
