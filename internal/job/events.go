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

package job

import (
	"github.com/groovekit/maestro/internal/agent"
)

// Event type suffixes. Full types are kind-prefixed on the wire:
// cli:queued, dsl:progress, and so on. The bus topic is the jobID.
const (
	EventQueued    = "queued"
	EventSnapshot  = "snapshot"
	EventValidated = "validated"
	EventProgress  = "progress"
	EventPartial   = "partial"
	EventComplete  = "complete"
	EventError     = "error"
)

func eventType(kind agent.Kind, suffix string) string {
	return string(kind) + ":" + suffix
}

// QueuedPayload announces admission into the waiting queue and every
// subsequent position change.
type QueuedPayload struct {
	JobID                string `json:"jobId"`
	QueuePosition        int    `json:"queuePosition"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds"`
}

// SnapshotPayload is the synthetic first event for a mid-stream
// subscriber: last known progress plus everything captured so far.
type SnapshotPayload struct {
	JobID           string `json:"jobId"`
	Status          string `json:"status"`
	Progress        int    `json:"progress"`
	Stage           string `json:"stage,omitempty"`
	Stdout          string `json:"stdout,omitempty"`
	StdoutTruncated bool   `json:"stdoutTruncated,omitempty"`
}

// ProgressPayload carries one live increment: an output chunk, a
// percent update, or both.
type ProgressPayload struct {
	JobID    string `json:"jobId"`
	Status   string `json:"status"`
	Progress int    `json:"progress,omitempty"`
	Stage    string `json:"stage,omitempty"`
	Data     string `json:"data,omitempty"`
	Stream   string `json:"stream,omitempty"` // stdout | stderr
}

// ValidatedPayload reports the DSL validation outcome before rendering.
type ValidatedPayload struct {
	JobID      string                  `json:"jobId"`
	Validation *agent.ValidationReport `json:"validation"`
}

// CompletePayload is the terminal success event.
type CompletePayload struct {
	JobID      string `json:"jobId"`
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs"`

	// CLI result fields.
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`

	// DSL result fields.
	Success    bool   `json:"success,omitempty"`
	AudioData  []byte `json:"audioData,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Format     string `json:"format,omitempty"`
	FileSize   int    `json:"fileSize,omitempty"`
}

// ErrorPayload is the terminal failure event.
type ErrorPayload struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Stderr  string `json:"stderr,omitempty"`
}
