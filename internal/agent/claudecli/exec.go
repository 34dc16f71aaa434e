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

package claudecli

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/groovekit/maestro/internal/agent"
	maestrolog "github.com/groovekit/maestro/internal/log"
	pkgerrors "github.com/groovekit/maestro/pkg/errors"
)

// runCLI spawns the CLI binary and streams its output. Cancellation
// sends SIGTERM; the process is killed after the termination grace.
func (b *Backend) runCLI(ctx context.Context, task agent.Task, in Input, sink agent.EventSink) (*agent.Result, error) {
	args := b.buildArgs(in)

	cmd := exec.CommandContext(ctx, b.cliPath, args...)
	if in.Workdir != "" {
		cmd.Dir = in.Workdir
	}
	if len(in.Env) > 0 {
		env := os.Environ()
		for k, v := range in.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = b.cfg.TerminationGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "create stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "create stderr pipe")
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &pkgerrors.BackendUnavailableError{
			Backend: string(agent.KindCLI),
			Reason:  "failed to start cli process",
			Cause:   err,
		}
	}

	b.logger.Debug("cli process started",
		maestrolog.String(maestrolog.JobIDKey, task.JobID),
		maestrolog.Int("pid", cmd.Process.Pid))

	emit(sink, agent.Event{Type: agent.EventStart})

	outBuf := newCapBuffer(b.cfg.MaxCaptureBytes)
	errBuf := newCapBuffer(b.cfg.MaxCaptureBytes)

	// Progress is elapsed-time based; the pace limiter keeps emission
	// to one update per second no matter how chatty stdout is.
	pace := rate.NewLimiter(rate.Every(time.Second), 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pump(stdout, outBuf, agent.EventStdout, sink, func() {
			if pace.Allow() {
				emit(sink, agent.Event{
					Type:    agent.EventProgress,
					Percent: estimateProgress(start, task.Timeout),
					Stage:   "streaming",
				})
			}
		})
	}()
	go func() {
		defer wg.Done()
		pump(stderr, errBuf, agent.EventStderr, sink, nil)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	duration := time.Since(start)

	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if pkgerrors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, &pkgerrors.TimeoutError{
					Operation: "cli execution",
					Duration:  task.Timeout,
					Cause:     waitErr,
				}
			}
			return nil, &pkgerrors.CancelledError{Operation: "cli execution"}
		}

		var exitErr *exec.ExitError
		if pkgerrors.As(waitErr, &exitErr) {
			b.logger.Warn("cli process failed",
				maestrolog.String(maestrolog.JobIDKey, task.JobID),
				maestrolog.Int("exit_code", exitErr.ExitCode()),
				maestrolog.Duration(maestrolog.DurationKey, duration.Milliseconds()))
			return nil, &pkgerrors.ExecutionError{
				Backend:  string(agent.KindCLI),
				ExitCode: exitErr.ExitCode(),
				Stderr:   errBuf.String(),
				Message:  "cli process exited with failure",
				Cause:    waitErr,
			}
		}
		return nil, &pkgerrors.ExecutionError{
			Backend:  string(agent.KindCLI),
			ExitCode: -1,
			Stderr:   errBuf.String(),
			Message:  "cli process wait failed",
			Cause:    waitErr,
		}
	}

	res := &agent.Result{
		Output:     strings.TrimSpace(outBuf.String()),
		Stderr:     errBuf.String(),
		ExitCode:   0,
		DurationMs: duration.Milliseconds(),
	}

	b.logger.Debug("cli process completed",
		maestrolog.String(maestrolog.JobIDKey, task.JobID),
		maestrolog.Duration(maestrolog.DurationKey, duration.Milliseconds()))

	emit(sink, agent.Event{Type: agent.EventEnd, Result: res})
	return res, nil
}

// pump copies a process stream into buf in chunks, emitting one event
// per chunk. onChunk runs after each chunk when set.
func pump(r io.Reader, buf *capBuffer, eventType agent.EventType, sink agent.EventSink, onChunk func()) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			// The read buffer is reused; sinks get their own copy.
			out := make([]byte, n)
			copy(out, chunk[:n])
			emit(sink, agent.Event{Type: eventType, Chunk: out})
			if onChunk != nil {
				onChunk()
			}
		}
		if err != nil {
			return
		}
	}
}

func emit(sink agent.EventSink, ev agent.Event) {
	if sink != nil {
		sink(ev)
	}
}

// estimateProgress maps elapsed time against the task deadline onto a
// percentage, capped at 95 until completion. Monotonic because elapsed
// time is.
func estimateProgress(start time.Time, timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	pct := int(time.Since(start) * 100 / timeout)
	if pct > 95 {
		pct = 95
	}
	return pct
}

// capBuffer keeps the most recent max bytes written to it. Writes never
// fail; the oldest output is dropped and flagged on overflow.
type capBuffer struct {
	max       int
	buf       bytes.Buffer
	truncated bool
}

func newCapBuffer(max int) *capBuffer {
	return &capBuffer{max: max}
}

func (c *capBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > c.max {
		p = p[len(p)-c.max:]
		c.truncated = true
	}
	if over := c.buf.Len() + len(p) - c.max; over > 0 {
		c.buf.Next(over)
		c.truncated = true
	}
	c.buf.Write(p)
	return n, nil
}

func (c *capBuffer) String() string { return c.buf.String() }

func (c *capBuffer) Truncated() bool { return c.truncated }
