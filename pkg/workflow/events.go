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

// Workflow event types, published on bus topic workflow:<executionId>.
const (
	EventQueued        = "workflow:queued"
	EventStarted       = "workflow:started"
	EventStepStarted   = "workflow:step:started"
	EventStepProgress  = "workflow:step:progress"
	EventStepCompleted = "workflow:step:completed"
	EventStepFailed    = "workflow:step:failed"
	EventStepSkipped   = "workflow:step:skipped"
	EventCompleted     = "workflow:completed"
	EventFailed        = "workflow:failed"
	EventCancelled     = "workflow:cancelled"
	EventPaused        = "workflow:paused"
	EventResumed       = "workflow:resumed"
)

// ExecutionEvent is the lifecycle payload for execution-level events.
type ExecutionEvent struct {
	ExecutionID string `json:"executionId"`
	Workflow    string `json:"workflow"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	ErrorKind   string `json:"errorKind,omitempty"`
}

// StepEvent is the payload for step-level events.
type StepEvent struct {
	ExecutionID string `json:"executionId"`
	StepID      string `json:"stepId"`
	AgentType   string `json:"agentType"`
	Status      string `json:"status"`
	Output      any    `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	Progress    int    `json:"progress,omitempty"`
	Data        string `json:"data,omitempty"`
}

// Topic returns the bus topic for an execution's events.
func Topic(executionID string) string {
	return "workflow:" + executionID
}
