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

package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/groovekit/maestro/internal/store"
)

// ExecutionStatus is a workflow execution's lifecycle state.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// StepStatus is one step's lifecycle state within an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// settled reports whether the step no longer blocks its dependents.
// Skipped steps count as settled with nil output.
func (s StepStatus) settled() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// stepState is one step's mutable state, guarded by the execution's mu.
type stepState struct {
	status      StepStatus
	output      any
	err         string
	startedAt   *time.Time
	completedAt *time.Time
}

// Execution is one run of a definition. All mutation happens under mu;
// readers get Snapshot copies.
type Execution struct {
	mu sync.Mutex

	id     string
	userID string
	def    *Definition

	status ExecutionStatus
	paused bool

	// context is the template/condition resolution root:
	// {"inputs": ..., "steps": {<id>: {"out": ...}}}.
	context map[string]any

	steps map[string]*stepState

	// compiled inputs per step ID, built at admission.
	inputs map[string]compiledInput

	createdAt   time.Time
	completedAt *time.Time

	errKind string
	errMsg  string

	cancel       context.CancelFunc
	cancelled    bool
	abort        bool
	running      int
	wake         chan struct{}
	terminalOnce sync.Once
	done         chan struct{}
}

// ID returns the execution identifier.
func (e *Execution) ID() string { return e.id }

// Done closes when the execution reaches a terminal status.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Status returns the current lifecycle state.
func (e *Execution) Status() ExecutionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Output returns a completed step's bound output, or nil.
func (e *Execution) Output(stepID string) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.steps[stepID]; ok {
		return st.output
	}
	return nil
}

// Snapshot renders the execution as a persistable record.
func (e *Execution) Snapshot() *store.ExecutionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Execution) snapshotLocked() *store.ExecutionRecord {
	rec := &store.ExecutionRecord{
		ExecutionID:  e.id,
		UserID:       e.userID,
		Definition:   e.def.marshal(),
		Status:       string(e.status),
		StepStates:   make(map[string]store.StepStateRecord, len(e.steps)),
		CreatedAt:    e.createdAt,
		CompletedAt:  e.completedAt,
		ErrorKind:    e.errKind,
		ErrorMessage: e.errMsg,
	}
	for id, st := range e.steps {
		out, _ := json.Marshal(st.output)
		rec.StepStates[id] = store.StepStateRecord{
			Status:      string(st.status),
			Output:      out,
			Error:       st.err,
			StartedAt:   st.startedAt,
			CompletedAt: st.completedAt,
		}
	}
	if ctx, err := json.Marshal(e.context); err == nil {
		rec.Context = ctx
	}
	return rec
}

// signal nudges the scheduling loop; coalesces when one is pending.
func (e *Execution) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// bindOutput atomically publishes a completed step's output into the
// resolution context.
func (e *Execution) bindOutput(stepID string, output any) {
	steps := e.context["steps"].(map[string]any)
	steps[stepID] = map[string]any{"out": output}
}

// contextCopy returns a shallow copy of the resolution context safe to
// hand to evaluators while the engine keeps mutating the original.
func (e *Execution) contextCopy() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contextCopyLocked()
}

// contextCopyLocked is contextCopy for callers already holding e.mu.
func (e *Execution) contextCopyLocked() map[string]any {
	out := make(map[string]any, len(e.context))
	out["inputs"] = e.context["inputs"]
	steps := e.context["steps"].(map[string]any)
	stepsCopy := make(map[string]any, len(steps))
	for k, v := range steps {
		stepsCopy[k] = v
	}
	out["steps"] = stepsCopy
	return out
}
