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
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/groovekit/maestro/internal/agent"
	"github.com/groovekit/maestro/internal/bus"
	maestrolog "github.com/groovekit/maestro/internal/log"
	"github.com/groovekit/maestro/internal/ratelimit"
	"github.com/groovekit/maestro/internal/store"
	pkgerrors "github.com/groovekit/maestro/pkg/errors"
)

// Admitter is the rate-limit admission check. Satisfied by
// *ratelimit.Limiter; nil disables limiting.
type Admitter interface {
	Allow(ctx context.Context, userID string, class ratelimit.Class) (ratelimit.Decision, error)
}

// Metrics receives job lifecycle observations. Implementations must be
// cheap and non-blocking; nil disables recording.
type Metrics interface {
	JobStarted(kind string)
	JobQueued(kind string, depth int)
	JobTerminal(kind, status string, duration time.Duration, inputBytes, outputBytes int)
}

// Config configures the Manager.
type Config struct {
	// Registry resolves backend kinds. Required.
	Registry *agent.Registry

	// Store persists job records. Required.
	Store *store.Store

	// Bus fans out job events. Required.
	Bus *bus.Bus

	// Limiter admits submissions; nil disables rate limiting.
	Limiter Admitter

	// Metrics observes lifecycle transitions; nil disables.
	Metrics Metrics

	// Limits bounds each backend kind's scheduler.
	Limits map[agent.Kind]Limits

	// DefaultTimeout applies when a submission carries none.
	// Default: 5m.
	DefaultTimeout time.Duration

	// BufferMax caps each of a job's stdout and stderr captures.
	// Default: 8 MiB.
	BufferMax int

	// ActiveTTL is the store lifetime of non-terminal records.
	// Default: 1h.
	ActiveTTL time.Duration

	// RetentionTTL is the store lifetime of terminal records.
	// Default: 24h.
	RetentionTTL time.Duration

	// HeartbeatInterval is how often queued positions are refreshed
	// into the store. Default: 2s.
	HeartbeatInterval time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// SubmitRequest describes one job submission.
type SubmitRequest struct {
	UserID   string
	Kind     agent.Kind
	Input    json.RawMessage
	Priority int
	Timeout  time.Duration
}

// Submission is the admission outcome: either the job started
// immediately or it waits at QueuePosition.
type Submission struct {
	JobID                string
	Started              bool
	QueuePosition        int
	EstimatedWaitSeconds int
}

// ListOptions pages a user's job listing.
type ListOptions struct {
	Page     int
	PageSize int
	Status   string
}

// Page is one page of job snapshots, newest first.
type Page struct {
	Jobs     []*store.JobRecord
	Total    int
	Page     int
	PageSize int
}

// Manager drives jobs from admission to terminal state. One manager
// instance owns any given jobID; all other readers go through the
// store.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	scheds map[agent.Kind]*scheduler

	mu   sync.RWMutex
	jobs map[string]*Job

	wg         sync.WaitGroup
	rootCtx    context.Context
	rootCancel context.CancelFunc
	draining   atomic.Bool
	hbStop     chan struct{}
	hbDone     chan struct{}
}

// NewManager creates a Manager and starts its queue-position heartbeat.
func NewManager(cfg Config) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.BufferMax <= 0 {
		cfg.BufferMax = 8 << 20
	}
	if cfg.ActiveTTL <= 0 {
		cfg.ActiveTTL = time.Hour
	}
	if cfg.RetentionTTL <= 0 {
		cfg.RetentionTTL = 24 * time.Hour
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		logger:     maestrolog.WithComponent(cfg.Logger, "job"),
		scheds:     make(map[agent.Kind]*scheduler),
		jobs:       make(map[string]*Job),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		hbStop:     make(chan struct{}),
		hbDone:     make(chan struct{}),
	}
	for kind, limits := range cfg.Limits {
		m.scheds[kind] = newScheduler(kind, limits)
	}

	go m.heartbeat()
	return m
}

func (m *Manager) schedulerFor(kind agent.Kind) *scheduler {
	m.mu.RLock()
	s, ok := m.scheds[kind]
	m.mu.RUnlock()
	if ok {
		return s
	}
	// Kinds registered without explicit limits get conservative ones.
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.scheds[kind]; ok {
		return s
	}
	s = newScheduler(kind, Limits{MaxConcurrent: 1, MaxQueue: 10})
	m.scheds[kind] = s
	return s
}

// schedulers snapshots the scheduler set; schedulerFor registers kinds
// lazily, so iteration over the map needs the same lock.
func (m *Manager) schedulers() []*scheduler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*scheduler, 0, len(m.scheds))
	for _, s := range m.scheds {
		out = append(out, s)
	}
	return out
}

// Submit validates, admits, and either starts or enqueues a job. The
// returned Submission always carries the jobID; callers wanting
// synchronous semantics follow up with Wait.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if m.draining.Load() {
		return nil, &pkgerrors.CancelledError{Operation: "submit"}
	}

	backend, err := m.cfg.Registry.Get(req.Kind)
	if err != nil {
		return nil, err
	}
	if h := backend.HealthCheck(ctx); !h.Serviceable() {
		return nil, &pkgerrors.BackendUnavailableError{
			Backend: string(req.Kind),
			Reason:  h.Detail,
		}
	}

	if m.cfg.Limiter != nil {
		if _, err := m.cfg.Limiter.Allow(ctx, req.UserID, ratelimit.ClassHeavy); err != nil {
			return nil, err
		}
	}

	report, err := backend.Validate(ctx, req.Input)
	if err != nil {
		return nil, err
	}
	if report != nil && !report.Valid {
		msg := "input validation failed"
		if len(report.Errors) > 0 {
			msg = report.Errors[0].String()
		}
		return nil, &pkgerrors.ValidationError{Field: "input", Message: msg}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	jobCtx, cancel := context.WithCancel(m.rootCtx)
	j := &Job{
		id:        "job_" + uuid.NewString(),
		userID:    req.UserID,
		kind:      req.Kind,
		input:     req.Input,
		priority:  req.Priority,
		timeout:   timeout,
		createdAt: time.Now(),
		status:    StatusPending,
		stdout:    newTailBuffer(m.cfg.BufferMax),
		stderr:    newTailBuffer(m.cfg.BufferMax),
		ctx:       jobCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.jobs[j.id] = j
	m.mu.Unlock()

	sched := m.schedulerFor(req.Kind)
	j.mu.Lock()
	j.enqueuedAt = time.Now()
	j.mu.Unlock()

	started, pos, estWait, err := sched.admit(j)
	if err != nil {
		m.forget(j.id)
		cancel()
		return nil, err
	}

	if started {
		m.launch(j)
		return &Submission{JobID: j.id, Started: true}, nil
	}

	j.mu.Lock()
	j.status = StatusQueued
	j.queuePos = pos
	j.estWait = estWait
	enqueued := j.enqueuedAt
	j.mu.Unlock()

	m.persist(j, m.cfg.ActiveTTL)
	m.mirrorEnqueue(j, enqueued)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.JobQueued(string(j.kind), sched.queueLen())
	}

	m.cfg.Bus.Publish(j.id, bus.Event{
		Type: eventType(j.kind, EventQueued),
		Payload: QueuedPayload{
			JobID:                j.id,
			QueuePosition:        pos,
			EstimatedWaitSeconds: estWait,
		},
	})

	return &Submission{JobID: j.id, QueuePosition: pos, EstimatedWaitSeconds: estWait}, nil
}

// Wait blocks until the job reaches a terminal status or ctx ends,
// returning the latest snapshot either way.
func (m *Manager) Wait(ctx context.Context, jobID string) (*store.JobRecord, error) {
	m.mu.RLock()
	j := m.jobs[jobID]
	m.mu.RUnlock()
	if j == nil {
		return m.cfg.Store.LoadJobAny(ctx, jobID)
	}
	select {
	case <-j.Done():
	case <-ctx.Done():
	}
	return j.snapshot(), nil
}

// Get returns a job snapshot with the store's ownership semantics:
// a userID mismatch reads as NotFound.
func (m *Manager) Get(ctx context.Context, jobID, byUser string) (*store.JobRecord, error) {
	m.mu.RLock()
	j := m.jobs[jobID]
	m.mu.RUnlock()
	if j != nil {
		rec := j.snapshot()
		if byUser != "" && rec.UserID != byUser {
			return nil, &pkgerrors.NotFoundError{Resource: "job", ID: jobID}
		}
		return rec, nil
	}
	return m.cfg.Store.LoadJob(ctx, jobID, byUser)
}

// List pages the jobs this manager currently holds for a user, newest
// first.
func (m *Manager) List(userID string, opts ListOptions) *Page {
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.Page <= 0 {
		opts.Page = 1
	}

	m.mu.RLock()
	matches := make([]*store.JobRecord, 0, len(m.jobs))
	for _, j := range m.jobs {
		rec := j.snapshot()
		if rec.UserID != userID {
			continue
		}
		if opts.Status != "" && rec.Status != opts.Status {
			continue
		}
		matches = append(matches, rec)
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, k int) bool {
		if !matches[i].CreatedAt.Equal(matches[k].CreatedAt) {
			return matches[i].CreatedAt.After(matches[k].CreatedAt)
		}
		return matches[i].JobID < matches[k].JobID
	})

	total := len(matches)
	start := (opts.Page - 1) * opts.PageSize
	if start > total {
		start = total
	}
	end := start + opts.PageSize
	if end > total {
		end = total
	}

	return &Page{
		Jobs:     matches[start:end],
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.PageSize,
	}
}

// Cancel transitions a job toward cancelled. Idempotent on terminal
// jobs. A userID mismatch is Forbidden (cancel discloses existence by
// design, unlike reads).
func (m *Manager) Cancel(ctx context.Context, jobID, byUser string) error {
	m.mu.RLock()
	j := m.jobs[jobID]
	m.mu.RUnlock()

	if j == nil {
		rec, err := m.cfg.Store.LoadJobAny(ctx, jobID)
		if err != nil {
			return err
		}
		if byUser != "" && rec.UserID != byUser {
			return &pkgerrors.ForbiddenError{Resource: "job", ID: jobID}
		}
		if Status(rec.Status).Terminal() {
			return nil
		}
		// Non-terminal but not ours: another replica drives it.
		return &pkgerrors.NotFoundError{Resource: "job", ID: jobID}
	}

	j.mu.Lock()
	owner := j.userID
	status := j.status
	j.mu.Unlock()

	if byUser != "" && owner != byUser {
		return &pkgerrors.ForbiddenError{Resource: "job", ID: jobID}
	}
	if status.Terminal() {
		return nil
	}

	// Queued jobs terminate immediately; nothing is running.
	if m.schedulerFor(j.kind).removeQueued(jobID) {
		m.mirrorDequeue(j)
		m.settle(j, StatusCancelled, ErrorKindCancelled, "cancelled while queued", nil, 0)
		return nil
	}

	j.markCancel(ErrorKindCancelled)
	return nil
}

// Subscribe attaches a stream listener to a live job. The listener
// first receives a synthetic snapshot (current progress plus captured
// stdout), then the live tail. The subscription's Unsubscribe is
// idempotent; one-shot subscribers detach on terminal delivery.
func (m *Manager) Subscribe(jobID, byUser string, opts ...bus.SubscribeOption) (*bus.Subscription, error) {
	m.mu.RLock()
	j := m.jobs[jobID]
	m.mu.RUnlock()
	if j == nil {
		return nil, &pkgerrors.NotFoundError{Resource: "job", ID: jobID}
	}

	j.mu.Lock()
	owner := j.userID
	j.mu.Unlock()
	if byUser != "" && owner != byUser {
		return nil, &pkgerrors.NotFoundError{Resource: "job", ID: jobID}
	}

	opts = append(opts, bus.WithReplay(func(seq uint64) []bus.Event {
		j.mu.Lock()
		defer j.mu.Unlock()
		switch {
		case j.status == StatusQueued:
			return []bus.Event{{
				Type: eventType(j.kind, EventQueued),
				Payload: QueuedPayload{
					JobID:                j.id,
					QueuePosition:        j.queuePos,
					EstimatedWaitSeconds: j.estWait,
				},
			}}
		case j.status.Active() || j.status.Terminal():
			return []bus.Event{{
				Type:     eventType(j.kind, EventSnapshot),
				Terminal: false,
				Payload: SnapshotPayload{
					JobID:           j.id,
					Status:          string(j.status),
					Progress:        j.progress,
					Stage:           j.stage,
					Stdout:          j.stdout.String(),
					StdoutTruncated: j.stdout.Truncated(),
				},
			}}
		}
		return nil
	}))
	return m.cfg.Bus.Subscribe(jobID, opts...), nil
}

// ActiveCount reports currently running jobs across backends.
func (m *Manager) ActiveCount() int {
	total := 0
	for _, s := range m.schedulers() {
		total += s.activeCount()
	}
	return total
}

// QueueLen reports currently queued jobs across backends.
func (m *Manager) QueueLen() int {
	total := 0
	for _, s := range m.schedulers() {
		total += s.queueLen()
	}
	return total
}

// Shutdown stops intake, cancels the queue, drains active jobs up to
// drainTimeout, then force-cancels the rest. Blocks until every job
// goroutine has settled or ctx ends.
func (m *Manager) Shutdown(ctx context.Context, drainTimeout time.Duration) error {
	if !m.draining.CompareAndSwap(false, true) {
		return nil
	}
	close(m.hbStop)
	<-m.hbDone

	// Queued jobs never started; they terminate as shutdown-cancelled.
	for _, s := range m.schedulers() {
		for _, j := range s.drain() {
			m.mirrorDequeue(j)
			m.settle(j, StatusCancelled, ErrorKindShutdown, "server shutting down", nil, 0)
		}
	}

	drained := m.waitActive(ctx, drainTimeout)
	if !drained {
		m.logger.Warn("drain timeout, cancelling active jobs",
			maestrolog.Int("active", m.ActiveCount()))
		m.mu.RLock()
		for _, j := range m.jobs {
			j.mu.Lock()
			active := j.status.Active()
			j.mu.Unlock()
			if active {
				j.markCancel(ErrorKindShutdown)
			}
		}
		m.mu.RUnlock()
		// Forced teardown gets the termination grace plus slack.
		m.waitActive(ctx, 6*time.Second)
	}

	m.rootCancel()
	if remaining := m.ActiveCount(); remaining > 0 {
		return pkgerrors.Wrapf(context.DeadlineExceeded, "%d job(s) still active after drain", remaining)
	}
	return nil
}

func (m *Manager) waitActive(ctx context.Context, timeout time.Duration) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)
	for {
		if m.ActiveCount() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return m.ActiveCount() == 0
		case <-deadline:
			return m.ActiveCount() == 0
		case <-ticker.C:
		}
	}
}

// launch claims a goroutine for a job that holds an active slot.
func (m *Manager) launch(j *Job) {
	now := time.Now()
	j.mu.Lock()
	j.status = StatusRunning
	j.startedAt = &now
	j.queuePos = 0
	j.estWait = 0
	j.mu.Unlock()

	m.persist(j, m.cfg.ActiveTTL)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.JobStarted(string(j.kind))
	}
	m.cfg.Bus.Publish(j.id, bus.Event{
		Type:    eventType(j.kind, EventProgress),
		Payload: ProgressPayload{JobID: j.id, Status: string(StatusRunning)},
	})

	m.wg.Add(1)
	go m.run(j)
}

func (m *Manager) run(j *Job) {
	defer m.wg.Done()

	backend, err := m.cfg.Registry.Get(j.kind)
	if err != nil {
		m.settle(j, StatusFailed, ErrorKindInternal, err.Error(), nil, 0)
		return
	}

	ctx, cancel := context.WithTimeout(j.ctx, j.timeout)
	defer cancel()

	// The DSL surface reports validation as its own event before any
	// rendering progress.
	if j.kind == agent.KindDSL {
		if report, verr := backend.Validate(ctx, j.input); verr == nil && report != nil {
			m.cfg.Bus.Publish(j.id, bus.Event{
				Type:    eventType(j.kind, EventValidated),
				Payload: ValidatedPayload{JobID: j.id, Validation: report},
			})
		}
	}

	start := time.Now()
	res, execErr := backend.Execute(ctx, agent.Task{
		JobID:   j.id,
		UserID:  j.userID,
		Input:   j.input,
		Timeout: j.timeout,
	}, func(ev agent.Event) {
		m.onBackendEvent(j, ev)
	})
	duration := time.Since(start)

	if execErr == nil {
		m.settle(j, StatusCompleted, "", "", res, duration)
		return
	}

	status, kind, msg := m.classify(j, ctx, execErr)
	m.settle(j, status, kind, msg, res, duration)
}

// classify maps an execution error onto a terminal status and error
// kind, honoring the recorded cancel reason.
func (m *Manager) classify(j *Job, ctx context.Context, err error) (Status, string, string) {
	j.mu.Lock()
	reason := j.cancelReason
	j.mu.Unlock()

	var timeoutErr *pkgerrors.TimeoutError
	var cancelErr *pkgerrors.CancelledError
	var execErr *pkgerrors.ExecutionError

	switch {
	case pkgerrors.As(err, &timeoutErr) || pkgerrors.Is(err, context.DeadlineExceeded):
		// A user cancel can race the deadline; the recorded reason wins.
		if reason == ErrorKindCancelled || reason == ErrorKindShutdown {
			return StatusCancelled, reason, "job cancelled"
		}
		return StatusTimeout, ErrorKindTimeout, err.Error()

	case pkgerrors.As(err, &cancelErr) || pkgerrors.Is(err, context.Canceled):
		if reason == "" {
			reason = ErrorKindCancelled
		}
		return StatusCancelled, reason, "job cancelled"

	case pkgerrors.As(err, &execErr):
		if execErr.ExitCode < 0 && ctx.Err() == nil {
			// Signal death without a cancel or timeout of ours.
			return StatusFailed, ErrorKindCrash, execErr.Error()
		}
		return StatusFailed, ErrorKindExecution, execErr.Error()
	}

	return StatusFailed, string(pkgerrors.KindOf(err)), err.Error()
}

// onBackendEvent folds one backend event into job state and republishes
// it on the bus. Runs on the backend's goroutine; ordering per job is
// the backend's emission order.
func (m *Manager) onBackendEvent(j *Job, ev agent.Event) {
	switch ev.Type {
	case agent.EventStart:
		// The running transition was already published at launch.

	case agent.EventStdout, agent.EventStderr:
		stream := "stdout"
		j.mu.Lock()
		if ev.Type == agent.EventStderr {
			stream = "stderr"
			j.stderr.Write(ev.Chunk)
		} else {
			j.stdout.Write(ev.Chunk)
		}
		status := j.status
		j.mu.Unlock()

		m.cfg.Bus.Publish(j.id, bus.Event{
			Type: eventType(j.kind, EventProgress),
			Payload: ProgressPayload{
				JobID:  j.id,
				Status: string(status),
				Data:   string(ev.Chunk),
				Stream: stream,
			},
		})

	case agent.EventProgress:
		j.mu.Lock()
		j.setProgress(ev.Percent)
		if ev.Stage != "" {
			j.stage = ev.Stage
			if j.status.Active() && j.kind == agent.KindDSL {
				switch ev.Stage {
				case "validating":
					j.status = StatusValidating
				case "rendering":
					j.status = StatusRendering
				}
			}
		}
		status := j.status
		progress := j.progress
		stage := j.stage
		j.mu.Unlock()

		m.cfg.Bus.Publish(j.id, bus.Event{
			Type: eventType(j.kind, EventProgress),
			Payload: ProgressPayload{
				JobID:    j.id,
				Status:   string(status),
				Progress: progress,
				Stage:    stage,
			},
		})

	case agent.EventPartial:
		m.cfg.Bus.Publish(j.id, bus.Event{
			Type: eventType(j.kind, EventPartial),
			Payload: ProgressPayload{
				JobID:  j.id,
				Status: string(StatusRunning),
				Data:   ev.Delta,
			},
		})

	case agent.EventEnd:
		// Terminal reporting belongs to settle; the backend's End only
		// confirms its own result ordering.
	}
}

// settle performs the single terminal transition: state, terminal
// event, persistence, metrics, and starting the next waiter. Exactly
// one invocation wins; the rest are no-ops.
func (m *Manager) settle(j *Job, status Status, errKind, errMsg string, res *agent.Result, duration time.Duration) {
	j.terminalOnce.Do(func() {
		now := time.Now()

		j.mu.Lock()
		j.status = status
		j.completedAt = &now
		j.errKind = errKind
		j.errMsg = errMsg
		if status == StatusCompleted {
			j.progress = 100
		}
		if res != nil {
			if res.ExitCode != 0 || j.kind == agent.KindCLI {
				code := res.ExitCode
				j.exitCode = &code
			}
			if payload := marshalResult(j.kind, res); payload != nil {
				j.result = payload
			}
		}
		inputSize := len(j.input)
		outputSize := j.stdout.Len()
		if res != nil && res.Audio != nil {
			outputSize = len(res.Audio.Data)
		}
		j.mu.Unlock()

		m.publishTerminal(j, res, duration)
		m.persist(j, m.cfg.RetentionTTL)

		if m.cfg.Metrics != nil {
			m.cfg.Metrics.JobTerminal(string(j.kind), string(status), duration, inputSize, outputSize)
		}

		m.logger.Info("job settled",
			maestrolog.String(maestrolog.JobIDKey, j.id),
			maestrolog.String(maestrolog.BackendKey, string(j.kind)),
			maestrolog.String("status", string(status)),
			maestrolog.Duration(maestrolog.DurationKey, duration.Milliseconds()))

		close(j.done)
		m.forgetLater(j.id)

		if next := m.schedulerFor(j.kind).release(j.id, duration); next != nil {
			m.mirrorDequeue(next)
			m.launch(next)
		}
	})
}

func (m *Manager) publishTerminal(j *Job, res *agent.Result, duration time.Duration) {
	j.mu.Lock()
	status := j.status
	errKind := j.errKind
	errMsg := j.errMsg
	stderr := j.stderr.String()
	stdout := j.stdout.String()
	exitCode := j.exitCode
	j.mu.Unlock()

	if status == StatusCompleted {
		payload := CompletePayload{
			JobID:      j.id,
			Status:     string(status),
			DurationMs: duration.Milliseconds(),
		}
		if res != nil && res.Audio != nil {
			payload.Success = true
			payload.AudioData = res.Audio.Data
			payload.SampleRate = res.Audio.SampleRate
			payload.Channels = res.Audio.Channels
			payload.Format = res.Audio.Format
			payload.FileSize = len(res.Audio.Data)
		} else {
			payload.Stdout = stdout
			payload.Stderr = stderr
			payload.ExitCode = exitCode
			if res != nil {
				payload.Stdout = res.Output
			}
		}
		m.cfg.Bus.Publish(j.id, bus.Event{
			Type:     eventType(j.kind, EventComplete),
			Terminal: true,
			Payload:  payload,
		})
		return
	}

	m.cfg.Bus.Publish(j.id, bus.Event{
		Type:     eventType(j.kind, EventError),
		Terminal: true,
		Payload: ErrorPayload{
			JobID:   j.id,
			Status:  string(status),
			Code:    errKind,
			Message: errMsg,
			Stderr:  stderr,
		},
	})
}

// marshalResult renders the backend result as the persisted payload.
func marshalResult(kind agent.Kind, res *agent.Result) json.RawMessage {
	var payload any
	if res.Audio != nil {
		payload = map[string]any{
			"format":     res.Audio.Format,
			"sampleRate": res.Audio.SampleRate,
			"channels":   res.Audio.Channels,
			"durationMs": res.Audio.DurationMs,
			"fileSize":   len(res.Audio.Data),
		}
	} else if len(res.Payload) > 0 {
		payload = res.Payload
	} else {
		payload = map[string]any{"output": res.Output}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}

// persist writes the job record best-effort: the store retries
// transient failures internally, and a job is never aborted because its
// state could not be written.
func (m *Manager) persist(j *Job, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.cfg.Store.SaveJob(ctx, j.snapshot(), ttl); err != nil {
		m.logger.Warn("job state write failed",
			maestrolog.String(maestrolog.JobIDKey, j.id),
			maestrolog.Error(err))
	}
}

func (m *Manager) mirrorEnqueue(j *Job, enqueued time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := m.cfg.Store.Key("queue", string(j.kind))
	if err := m.cfg.Store.ZAdd(ctx, key, QueueScore(j.priority, enqueued), j.id); err != nil {
		m.logger.Warn("queue mirror write failed",
			maestrolog.String(maestrolog.JobIDKey, j.id),
			maestrolog.Error(err))
	}
}

func (m *Manager) mirrorDequeue(j *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := m.cfg.Store.Key("queue", string(j.kind))
	if err := m.cfg.Store.ZRem(ctx, key, j.id); err != nil {
		m.logger.Warn("queue mirror remove failed",
			maestrolog.String(maestrolog.JobIDKey, j.id),
			maestrolog.Error(err))
	}
}

func (m *Manager) forget(jobID string) {
	m.mu.Lock()
	delete(m.jobs, jobID)
	m.mu.Unlock()
}

// forgetLater keeps terminal jobs readable in memory briefly so
// immediately-following Get calls avoid a store round trip, then drops
// them; the store record carries the retention TTL.
func (m *Manager) forgetLater(jobID string) {
	time.AfterFunc(time.Minute, func() {
		m.forget(jobID)
		m.cfg.Bus.DropTopic(jobID)
	})
}

// heartbeat refreshes queued jobs' positions into the store so pollers
// see current ranks without hitting this process.
func (m *Manager) heartbeat() {
	defer close(m.hbDone)
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.hbStop:
			return
		case <-ticker.C:
		}

		for _, s := range m.schedulers() {
			for jobID, posEst := range s.positions() {
				m.mu.RLock()
				j := m.jobs[jobID]
				m.mu.RUnlock()
				if j == nil {
					continue
				}
				j.mu.Lock()
				changed := j.queuePos != posEst[0] || j.estWait != posEst[1]
				j.queuePos = posEst[0]
				j.estWait = posEst[1]
				j.mu.Unlock()
				if !changed {
					continue
				}
				m.persist(j, m.cfg.ActiveTTL)
				m.cfg.Bus.Publish(jobID, bus.Event{
					Type: eventType(j.kind, EventQueued),
					Payload: QueuedPayload{
						JobID:                jobID,
						QueuePosition:        posEst[0],
						EstimatedWaitSeconds: posEst[1],
					},
				})
			}
		}
	}
}
