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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	maestroerrors "github.com/groovekit/maestro/pkg/errors"
)

// JobRecord is the persisted shape of a job. It is self-contained: a
// replica that never saw the job in memory can render status responses
// from this record alone.
type JobRecord struct {
	JobID     string          `json:"jobId"`
	UserID    string          `json:"userId"`
	Backend   string          `json:"backendKind"`
	Input     json.RawMessage `json:"input,omitempty"`
	Priority  int             `json:"priority"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`

	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Stage    string `json:"stage,omitempty"`

	QueuePosition        int `json:"queuePosition,omitempty"`
	EstimatedWaitSeconds int `json:"estimatedWaitSeconds,omitempty"`
	RetryCount           int `json:"retryCount,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	ExitCode        *int            `json:"exitCode,omitempty"`
	Stdout          string          `json:"stdoutBuffer,omitempty"`
	Stderr          string          `json:"stderrBuffer,omitempty"`
	StdoutTruncated bool            `json:"stdoutTruncated,omitempty"`
	StderrTruncated bool            `json:"stderrTruncated,omitempty"`
	ResultPayload   json.RawMessage `json:"resultPayload,omitempty"`
	ErrorKind       string          `json:"errorKind,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
}

// ExecutionRecord is the persisted shape of a workflow execution.
type ExecutionRecord struct {
	ExecutionID string          `json:"executionId"`
	UserID      string          `json:"userId"`
	Definition  json.RawMessage `json:"definition,omitempty"`
	Status      string          `json:"status"`

	StepStates map[string]StepStateRecord `json:"stepStates,omitempty"`
	Context    json.RawMessage            `json:"context,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	ErrorKind    string `json:"errorKind,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// StepStateRecord is the persisted state of one workflow step.
type StepStateRecord struct {
	Status      string          `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// SaveJob persists a job record under job:<jobId> with the given TTL.
// Saving is idempotent on jobId.
func (s *Store) SaveJob(ctx context.Context, rec *JobRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return maestroerrors.Wrap(err, "marshaling job record")
	}
	return s.Set(ctx, s.Key("job", rec.JobID), data, ttl)
}

// LoadJob reads a job record, failing with NotFoundError when the key
// is missing or the caller does not own the job. Existence is never
// disclosed across ownership boundaries.
func (s *Store) LoadJob(ctx context.Context, jobID, userID string) (*JobRecord, error) {
	rec, err := s.LoadJobAny(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if userID != "" && rec.UserID != userID {
		return nil, &maestroerrors.NotFoundError{Resource: "job", ID: jobID}
	}
	return rec, nil
}

// LoadJobAny reads a job record without an ownership check. Callers
// that must distinguish Forbidden from NotFound (cancel) use this and
// compare ownership themselves.
func (s *Store) LoadJobAny(ctx context.Context, jobID string) (*JobRecord, error) {
	data, err := s.Get(ctx, s.Key("job", jobID))
	if err != nil {
		if errors.Is(err, ErrKeyMissing) {
			return nil, &maestroerrors.NotFoundError{Resource: "job", ID: jobID}
		}
		return nil, err
	}
	var rec JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, maestroerrors.Wrapf(err, "unmarshaling job record %s", jobID)
	}
	return &rec, nil
}

// ExtendJobTTL moves a job record from the active TTL to the retention
// TTL, called on terminal transitions.
func (s *Store) ExtendJobTTL(ctx context.Context, jobID string, ttl time.Duration) error {
	return s.Expire(ctx, s.Key("job", jobID), ttl)
}

// SaveExecution persists a workflow execution record.
func (s *Store) SaveExecution(ctx context.Context, rec *ExecutionRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return maestroerrors.Wrap(err, "marshaling execution record")
	}
	return s.Set(ctx, s.Key("workflow", rec.ExecutionID), data, ttl)
}

// LoadExecution reads a workflow execution record with the same
// ownership semantics as LoadJob.
func (s *Store) LoadExecution(ctx context.Context, executionID, userID string) (*ExecutionRecord, error) {
	data, err := s.Get(ctx, s.Key("workflow", executionID))
	if err != nil {
		if errors.Is(err, ErrKeyMissing) {
			return nil, &maestroerrors.NotFoundError{Resource: "execution", ID: executionID}
		}
		return nil, err
	}
	var rec ExecutionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, maestroerrors.Wrapf(err, "unmarshaling execution record %s", executionID)
	}
	if userID != "" && rec.UserID != userID {
		return nil, &maestroerrors.NotFoundError{Resource: "execution", ID: executionID}
	}
	return &rec, nil
}
