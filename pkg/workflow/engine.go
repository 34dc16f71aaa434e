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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/groovekit/maestro/internal/agent"
	"github.com/groovekit/maestro/internal/bus"
	maestrolog "github.com/groovekit/maestro/internal/log"
	"github.com/groovekit/maestro/internal/store"
	maestroerrors "github.com/groovekit/maestro/pkg/errors"
	"github.com/groovekit/maestro/pkg/workflow/expression"
)

// Invoker runs one agent step to completion. The daemon wires this to
// the agent registry; collaboration patterns reuse the same seam.
type Invoker interface {
	Invoke(ctx context.Context, agentType string, input map[string]any, sink agent.EventSink) (*agent.Result, error)
}

// Metrics observes execution lifecycle; nil disables recording.
type Metrics interface {
	ExecutionStarted()
	ExecutionTerminal(status string, duration time.Duration)
}

// Config configures the Engine.
type Config struct {
	// Invoker runs agent steps. Required.
	Invoker Invoker

	// Kinds validates agent types at admission; nil skips the check.
	Kinds KindChecker

	// Bus fans out workflow events. Required.
	Bus *bus.Bus

	// Store persists execution records. Required.
	Store *store.Store

	// Metrics observes lifecycle transitions; nil disables.
	Metrics Metrics

	// MaxParallel bounds concurrently running steps per execution.
	// Default: 4.
	MaxParallel int

	// DefaultStepTimeout applies to steps without TimeoutMs.
	// Default: 5m.
	DefaultStepTimeout time.Duration

	// ActiveTTL / RetentionTTL are the store lifetimes of running and
	// terminal records. Defaults: 1h / 24h.
	ActiveTTL    time.Duration
	RetentionTTL time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Engine runs workflow executions. One engine instance owns any
// execution it started; other replicas read through the store.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	eval   *expression.Evaluator

	mu    sync.RWMutex
	execs map[string]*Execution
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = 5 * time.Minute
	}
	if cfg.ActiveTTL <= 0 {
		cfg.ActiveTTL = time.Hour
	}
	if cfg.RetentionTTL <= 0 {
		cfg.RetentionTTL = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		logger: maestrolog.WithComponent(cfg.Logger, "workflow"),
		eval:   expression.New(),
		execs:  make(map[string]*Execution),
	}
}

// Execute validates the definition, admits an execution, and runs it
// asynchronously. The returned Execution's Done channel closes on
// terminal transition; ctx bounds admission only.
func (eng *Engine) Execute(ctx context.Context, def *Definition, userID string, inputs map[string]any) (*Execution, error) {
	if err := def.Validate(eng.cfg.Kinds, eng.eval); err != nil {
		return nil, err
	}

	compiled := make(map[string]compiledInput, len(def.Steps))
	for i := range def.Steps {
		ci, err := compileTemplates(def.Steps[i].Input)
		if err != nil {
			return nil, &maestroerrors.ValidationError{
				Field:   fmt.Sprintf("steps.%s.input", def.Steps[i].ID),
				Message: err.Error(),
			}
		}
		compiled[def.Steps[i].ID] = ci
	}

	if inputs == nil {
		inputs = map[string]any{}
	}

	execCtx, cancel := context.WithCancel(context.Background())
	e := &Execution{
		id:        "wf_" + uuid.NewString(),
		userID:    userID,
		def:       def,
		status:    ExecutionRunning,
		context:   map[string]any{"inputs": inputs, "steps": map[string]any{}},
		steps:     make(map[string]*stepState, len(def.Steps)),
		inputs:    compiled,
		createdAt: time.Now(),
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for i := range def.Steps {
		e.steps[def.Steps[i].ID] = &stepState{status: StepPending}
	}

	eng.mu.Lock()
	eng.execs[e.id] = e
	eng.mu.Unlock()

	eng.persist(e, eng.cfg.ActiveTTL)
	if eng.cfg.Metrics != nil {
		eng.cfg.Metrics.ExecutionStarted()
	}
	eng.announce(e, def.Name)

	go eng.run(e, execCtx)
	return e, nil
}

// announce opens an execution's event stream: queued on admission, then
// started once the scheduling loop is about to take over.
func (eng *Engine) announce(e *Execution, workflow string) {
	eng.cfg.Bus.Publish(Topic(e.id), bus.Event{
		Type:    EventQueued,
		Payload: ExecutionEvent{ExecutionID: e.id, Workflow: workflow, Status: string(ExecutionPending)},
	})
	eng.cfg.Bus.Publish(Topic(e.id), bus.Event{
		Type:    EventStarted,
		Payload: ExecutionEvent{ExecutionID: e.id, Workflow: workflow, Status: string(ExecutionRunning)},
	})
}

// Get returns an execution snapshot with NotFound ownership semantics.
func (eng *Engine) Get(ctx context.Context, executionID, byUser string) (*store.ExecutionRecord, error) {
	eng.mu.RLock()
	e := eng.execs[executionID]
	eng.mu.RUnlock()
	if e != nil {
		rec := e.Snapshot()
		if byUser != "" && rec.UserID != byUser {
			return nil, &maestroerrors.NotFoundError{Resource: "execution", ID: executionID}
		}
		return rec, nil
	}
	return eng.cfg.Store.LoadExecution(ctx, executionID, byUser)
}

// List returns this engine's in-memory executions for a user, newest
// first.
func (eng *Engine) List(userID string) []*store.ExecutionRecord {
	eng.mu.RLock()
	defer eng.mu.RUnlock()
	var out []*store.ExecutionRecord
	for _, e := range eng.execs {
		rec := e.Snapshot()
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out
}

// Pause stops new step starts; running steps are unaffected.
func (eng *Engine) Pause(executionID, byUser string) error {
	e, err := eng.owned(executionID, byUser)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.status.Terminal() || e.paused {
		e.mu.Unlock()
		return nil
	}
	e.paused = true
	e.status = ExecutionPaused
	name := e.def.Name
	e.mu.Unlock()

	eng.persist(e, eng.cfg.ActiveTTL)
	eng.cfg.Bus.Publish(Topic(executionID), bus.Event{
		Type:    EventPaused,
		Payload: ExecutionEvent{ExecutionID: executionID, Workflow: name, Status: string(ExecutionPaused)},
	})
	return nil
}

// Resume restarts step scheduling after a pause.
func (eng *Engine) Resume(executionID, byUser string) error {
	e, err := eng.owned(executionID, byUser)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.status.Terminal() || !e.paused {
		e.mu.Unlock()
		return nil
	}
	e.paused = false
	e.status = ExecutionRunning
	name := e.def.Name
	e.mu.Unlock()

	eng.persist(e, eng.cfg.ActiveTTL)
	eng.cfg.Bus.Publish(Topic(executionID), bus.Event{
		Type:    EventResumed,
		Payload: ExecutionEvent{ExecutionID: executionID, Workflow: name, Status: string(ExecutionRunning)},
	})
	e.signal()
	return nil
}

// Cancel propagates cancellation to running steps; the execution goes
// terminal once they settle.
func (eng *Engine) Cancel(executionID, byUser string) error {
	e, err := eng.owned(executionID, byUser)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.status.Terminal() {
		e.mu.Unlock()
		return nil
	}
	e.cancelled = true
	e.paused = false
	e.mu.Unlock()

	e.cancel()
	e.signal()
	return nil
}

func (eng *Engine) owned(executionID, byUser string) (*Execution, error) {
	eng.mu.RLock()
	e := eng.execs[executionID]
	eng.mu.RUnlock()
	if e == nil {
		return nil, &maestroerrors.NotFoundError{Resource: "execution", ID: executionID}
	}
	e.mu.Lock()
	owner := e.userID
	e.mu.Unlock()
	if byUser != "" && owner != byUser {
		return nil, &maestroerrors.NotFoundError{Resource: "execution", ID: executionID}
	}
	return e, nil
}

// run is the scheduling loop: each tick starts every runnable step,
// then the loop sleeps until a step settles, a resume arrives, or the
// execution is cancelled.
func (eng *Engine) run(e *Execution, execCtx context.Context) {
	defer e.cancel()
	start := time.Now()

	// Every state change that can unblock scheduling (step settling,
	// resume, cancel) signals wake, so blocking here cannot strand the
	// loop while work remains.
	for {
		if eng.tick(e, execCtx) {
			eng.settle(e, start)
			return
		}
		<-e.wake
	}
}

// tick advances the execution: starts every runnable step and reports
// whether the execution is now settled. A failed dependency blocks
// dependents only through abort; a continue-policy failure binds a null
// output and its dependents still run.
func (eng *Engine) tick(e *Execution, execCtx context.Context) (settled bool) {
	e.mu.Lock()

	if e.paused && !e.cancelled {
		e.mu.Unlock()
		return false
	}

	type launch struct {
		step  *Step
		input compiledInput
	}
	var launches []launch
	var settledEvents []bus.Event
	var resolved map[string]any

	pending := 0
	for i := range e.def.Steps {
		step := &e.def.Steps[i]
		st := e.steps[step.ID]
		if st.status != StepPending {
			continue
		}
		pending++

		if e.cancelled || e.abort {
			continue
		}

		depsSettled := true
		for _, dep := range step.DependsOn {
			if !e.steps[dep].status.settled() {
				depsSettled = false
				break
			}
		}
		if !depsSettled {
			continue
		}

		// Conditions are decided before the step ever leaves pending,
		// so a false condition never shows a transient running state.
		if step.Condition != "" {
			if resolved == nil {
				resolved = e.contextCopyLocked()
			}
			ok, err := eng.eval.Evaluate(step.Condition, resolved)
			now := time.Now()
			if err != nil {
				msg := fmt.Sprintf("condition: %s", err)
				st.status = StepFailed
				st.err = msg
				st.completedAt = &now
				if step.OnError != OnErrorContinue {
					e.abort = true
				} else {
					e.bindOutput(step.ID, nil)
					resolved = nil
				}
				pending--
				settledEvents = append(settledEvents, bus.Event{
					Type: EventStepFailed,
					Payload: StepEvent{
						ExecutionID: e.id,
						StepID:      step.ID,
						AgentType:   step.AgentType,
						Status:      string(StepFailed),
						Error:       msg,
					},
				})
				continue
			}
			if !ok {
				st.status = StepSkipped
				st.completedAt = &now
				e.bindOutput(step.ID, nil)
				resolved = nil
				pending--
				settledEvents = append(settledEvents, bus.Event{
					Type: EventStepSkipped,
					Payload: StepEvent{
						ExecutionID: e.id,
						StepID:      step.ID,
						AgentType:   step.AgentType,
						Status:      string(StepSkipped),
					},
				})
				continue
			}
		}

		if e.running >= eng.cfg.MaxParallel {
			continue
		}
		launches = append(launches, launch{step: step, input: e.inputs[step.ID]})
	}

	now := time.Now()
	for _, l := range launches {
		st := e.steps[l.step.ID]
		st.status = StepRunning
		st.startedAt = &now
		e.running++
		pending--
		go eng.runStep(e, execCtx, l.step, l.input)
	}

	done := e.running == 0 && (pending == 0 || e.cancelled || e.abort)

	if len(settledEvents) > 0 {
		// A settle here can unblock dependencies for steps already
		// passed over this tick; nudge the loop to re-scan.
		e.signal()
	}
	e.mu.Unlock()

	if len(settledEvents) > 0 {
		eng.persist(e, eng.cfg.ActiveTTL)
		for _, ev := range settledEvents {
			if se, isStep := ev.Payload.(StepEvent); isStep && ev.Type == EventStepFailed {
				eng.logger.Warn("workflow step failed",
					maestrolog.String(maestrolog.ExecutionIDKey, e.id),
					maestrolog.String(maestrolog.StepIDKey, se.StepID),
					maestrolog.String("error", se.Error))
			}
			eng.cfg.Bus.Publish(Topic(e.id), ev)
		}
	}
	return done
}

// runStep drives one step: input resolution, execution, output binding.
// Conditions were already decided in tick before launch.
func (eng *Engine) runStep(e *Execution, execCtx context.Context, step *Step, input compiledInput) {
	resolved := e.contextCopy()

	stepInput, err := resolveInput(input, resolved)
	if err != nil {
		eng.stepFailed(e, step, err.Error())
		return
	}

	eng.cfg.Bus.Publish(Topic(e.id), bus.Event{
		Type: EventStepStarted,
		Payload: StepEvent{
			ExecutionID: e.id,
			StepID:      step.ID,
			AgentType:   step.AgentType,
			Status:      string(StepRunning),
		},
	})

	timeout := eng.cfg.DefaultStepTimeout
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}
	stepCtx, cancel := context.WithTimeout(execCtx, timeout)
	defer cancel()

	var output any
	if step.AgentType == StepTypeTransform {
		output, err = eng.runTransformStep(stepCtx, step, stepInput)
	} else {
		output, err = eng.runAgentStep(stepCtx, e, step, stepInput)
	}
	if err != nil {
		eng.stepFailed(e, step, err.Error())
		return
	}

	now := time.Now()
	e.mu.Lock()
	st := e.steps[step.ID]
	st.status = StepCompleted
	st.output = output
	st.completedAt = &now
	e.bindOutput(step.ID, output)
	e.running--
	e.mu.Unlock()

	eng.persist(e, eng.cfg.ActiveTTL)
	eng.cfg.Bus.Publish(Topic(e.id), bus.Event{
		Type: EventStepCompleted,
		Payload: StepEvent{
			ExecutionID: e.id,
			StepID:      step.ID,
			AgentType:   step.AgentType,
			Status:      string(StepCompleted),
			Output:      output,
		},
	})
	e.signal()
}

// runTransformStep evaluates the step's jq expression, honoring its
// retry policy.
func (eng *Engine) runTransformStep(ctx context.Context, step *Step, input map[string]any) (any, error) {
	attempts := 1
	backoff := 100 * time.Millisecond
	multiplier := 2.0
	if step.Retry != nil {
		if step.Retry.MaxAttempts > 0 {
			attempts = step.Retry.MaxAttempts
		}
		if step.Retry.BackoffMs > 0 {
			backoff = time.Duration(step.Retry.BackoffMs) * time.Millisecond
		}
		if step.Retry.Multiplier > 0 {
			multiplier = step.Retry.Multiplier
		}
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * multiplier)
		}
		out, err := runTransform(ctx, step.Expression, input)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// runAgentStep invokes the backend and shapes its result for context
// binding: structured payloads bind directly, JSON-looking text parses,
// plain text binds under "text", audio binds its metadata.
func (eng *Engine) runAgentStep(ctx context.Context, e *Execution, step *Step, input map[string]any) (any, error) {
	res, err := eng.cfg.Invoker.Invoke(ctx, step.AgentType, input, func(ev agent.Event) {
		if ev.Type != agent.EventProgress && ev.Type != agent.EventPartial {
			return
		}
		eng.cfg.Bus.Publish(Topic(e.id), bus.Event{
			Type: EventStepProgress,
			Payload: StepEvent{
				ExecutionID: e.id,
				StepID:      step.ID,
				AgentType:   step.AgentType,
				Status:      string(StepRunning),
				Progress:    ev.Percent,
				Data:        ev.Delta,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return shapeOutput(res), nil
}

func shapeOutput(res *agent.Result) any {
	if res == nil {
		return nil
	}
	if res.Audio != nil {
		return map[string]any{
			"format":     res.Audio.Format,
			"sampleRate": res.Audio.SampleRate,
			"channels":   res.Audio.Channels,
			"durationMs": res.Audio.DurationMs,
		}
	}
	if len(res.Payload) > 0 {
		var v any
		if json.Unmarshal(res.Payload, &v) == nil {
			return v
		}
	}
	var v any
	if json.Unmarshal([]byte(res.Output), &v) == nil {
		if _, isMap := v.(map[string]any); isMap {
			return v
		}
	}
	return map[string]any{"text": res.Output}
}

func (eng *Engine) stepFailed(e *Execution, step *Step, msg string) {
	now := time.Now()
	e.mu.Lock()
	st := e.steps[step.ID]
	st.status = StepFailed
	st.err = msg
	st.completedAt = &now
	if step.OnError != OnErrorContinue {
		e.abort = true
	} else {
		// Dependents still run; the failed step contributes a null
		// output to the resolution context.
		e.bindOutput(step.ID, nil)
	}
	e.running--
	e.mu.Unlock()

	eng.logger.Warn("workflow step failed",
		maestrolog.String(maestrolog.ExecutionIDKey, e.id),
		maestrolog.String(maestrolog.StepIDKey, step.ID),
		maestrolog.String("error", msg))

	eng.persist(e, eng.cfg.ActiveTTL)
	eng.cfg.Bus.Publish(Topic(e.id), bus.Event{
		Type: EventStepFailed,
		Payload: StepEvent{
			ExecutionID: e.id,
			StepID:      step.ID,
			AgentType:   step.AgentType,
			Status:      string(StepFailed),
			Error:       msg,
		},
	})
	e.signal()
}

// settle performs the execution's single terminal transition.
func (eng *Engine) settle(e *Execution, start time.Time) {
	e.terminalOnce.Do(func() {
		now := time.Now()

		e.mu.Lock()
		var status ExecutionStatus
		var errKind, errMsg string
		switch {
		case e.cancelled:
			status = ExecutionCancelled
			errKind = "CANCELLED"
			errMsg = "execution cancelled"
		case e.abort:
			status = ExecutionFailed
			errKind = "EXECUTION_FAILED"
			errMsg = firstFailureLocked(e)
		default:
			status = ExecutionCompleted
		}
		e.status = status
		e.completedAt = &now
		e.errKind = errKind
		e.errMsg = errMsg
		name := e.def.Name
		e.mu.Unlock()

		eng.persist(e, eng.cfg.RetentionTTL)
		if eng.cfg.Metrics != nil {
			eng.cfg.Metrics.ExecutionTerminal(string(status), time.Since(start))
		}

		eventType := EventCompleted
		switch status {
		case ExecutionFailed:
			eventType = EventFailed
		case ExecutionCancelled:
			eventType = EventCancelled
		}
		eng.cfg.Bus.Publish(Topic(e.id), bus.Event{
			Type:     eventType,
			Terminal: true,
			Payload: ExecutionEvent{
				ExecutionID: e.id,
				Workflow:    name,
				Status:      string(status),
				Error:       errMsg,
				ErrorKind:   errKind,
			},
		})

		eng.logger.Info("execution settled",
			maestrolog.String(maestrolog.ExecutionIDKey, e.id),
			maestrolog.String("workflow", name),
			maestrolog.String("status", string(status)),
			maestrolog.Duration(maestrolog.DurationKey, time.Since(start).Milliseconds()))

		close(e.done)
		time.AfterFunc(time.Minute, func() {
			eng.mu.Lock()
			delete(eng.execs, e.id)
			eng.mu.Unlock()
			eng.cfg.Bus.DropTopic(Topic(e.id))
		})
	})
}

func firstFailureLocked(e *Execution) string {
	for i := range e.def.Steps {
		st := e.steps[e.def.Steps[i].ID]
		if st.status == StepFailed {
			return fmt.Sprintf("step %s: %s", e.def.Steps[i].ID, st.err)
		}
	}
	return "workflow failed"
}

func (eng *Engine) persist(e *Execution, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.cfg.Store.SaveExecution(ctx, e.Snapshot(), ttl); err != nil {
		eng.logger.Warn("execution state write failed",
			maestrolog.String(maestrolog.ExecutionIDKey, e.id),
			maestrolog.Error(err))
	}
}
