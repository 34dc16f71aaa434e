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
	"fmt"
	"testing"
	"time"

	"github.com/groovekit/maestro/internal/agent"
	pkgerrors "github.com/groovekit/maestro/pkg/errors"
)

func schedJob(id string, priority int, enqueued time.Time) *Job {
	return &Job{
		id:         id,
		priority:   priority,
		enqueuedAt: enqueued,
		stdout:     newTailBuffer(1024),
		stderr:     newTailBuffer(1024),
		done:       make(chan struct{}),
	}
}

func TestAdmitFillsActiveSlotsFirst(t *testing.T) {
	s := newScheduler(agent.KindCLI, Limits{MaxConcurrent: 2, MaxQueue: 4})
	now := time.Now()

	for i := 0; i < 2; i++ {
		started, _, _, err := s.admit(schedJob(fmt.Sprintf("job_%d", i), 0, now))
		if err != nil {
			t.Fatalf("admit() error: %v", err)
		}
		if !started {
			t.Fatalf("job_%d should have started immediately", i)
		}
	}

	started, pos, _, err := s.admit(schedJob("job_2", 0, now))
	if err != nil {
		t.Fatalf("admit() error: %v", err)
	}
	if started {
		t.Fatal("third job should queue, slots are full")
	}
	if pos != 1 {
		t.Errorf("queue position = %d, want 1", pos)
	}
}

func TestAdmitRejectsWhenQueueFull(t *testing.T) {
	s := newScheduler(agent.KindCLI, Limits{MaxConcurrent: 1, MaxQueue: 1})
	now := time.Now()

	s.admit(schedJob("job_0", 0, now))
	s.admit(schedJob("job_1", 0, now))

	_, _, _, err := s.admit(schedJob("job_2", 0, now))
	var qerr *pkgerrors.QueueFullError
	if !pkgerrors.As(err, &qerr) {
		t.Fatalf("admit() error = %v, want QueueFullError", err)
	}
	if qerr.Limit != 1 {
		t.Errorf("Limit = %d, want 1", qerr.Limit)
	}
}

func TestPriorityOrdersQueue(t *testing.T) {
	s := newScheduler(agent.KindCLI, Limits{MaxConcurrent: 1, MaxQueue: 10})
	base := time.Now()

	s.admit(schedJob("running", 0, base))
	s.admit(schedJob("low", 0, base))
	s.admit(schedJob("high", 5, base.Add(time.Second)))
	s.admit(schedJob("mid", 2, base.Add(2*time.Second)))

	var order []string
	for {
		next := s.release(lastID(order, "running"), time.Second)
		if next == nil {
			break
		}
		order = append(order, next.id)
	}

	want := []string{"high", "mid", "low"}
	if len(order) != len(want) {
		t.Fatalf("popped %d jobs, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("pop %d = %q, want %q", i, order[i], want[i])
		}
	}
}

func lastID(order []string, fallback string) string {
	if len(order) == 0 {
		return fallback
	}
	return order[len(order)-1]
}

func TestFIFOWithinPriority(t *testing.T) {
	s := newScheduler(agent.KindCLI, Limits{MaxConcurrent: 1, MaxQueue: 10})
	base := time.Now()

	s.admit(schedJob("running", 0, base))
	s.admit(schedJob("first", 1, base.Add(time.Millisecond)))
	s.admit(schedJob("second", 1, base.Add(2*time.Millisecond)))

	if next := s.release("running", time.Second); next.id != "first" {
		t.Errorf("first pop = %q, want first", next.id)
	}
	if next := s.release("first", time.Second); next.id != "second" {
		t.Errorf("second pop = %q, want second", next.id)
	}
}

func TestRemoveQueued(t *testing.T) {
	s := newScheduler(agent.KindCLI, Limits{MaxConcurrent: 1, MaxQueue: 10})
	now := time.Now()

	s.admit(schedJob("running", 0, now))
	s.admit(schedJob("waiting", 0, now))

	if !s.removeQueued("waiting") {
		t.Error("removeQueued(waiting) = false, want true")
	}
	if s.removeQueued("waiting") {
		t.Error("second removeQueued(waiting) = true, want false")
	}
	if s.removeQueued("running") {
		t.Error("removeQueued(running) = true; active jobs are not queued")
	}
	if s.queueLen() != 0 {
		t.Errorf("queueLen = %d, want 0", s.queueLen())
	}
}

func TestWaitEstimateUsesMovingAverage(t *testing.T) {
	s := newScheduler(agent.KindCLI, Limits{MaxConcurrent: 2, MaxQueue: 10})
	now := time.Now()

	// Prime the average with two 10 s completions.
	s.admit(schedJob("a", 0, now))
	s.admit(schedJob("b", 0, now))
	s.release("a", 10*time.Second)
	s.release("b", 10*time.Second)

	s.admit(schedJob("r1", 0, now))
	s.admit(schedJob("r2", 0, now))
	for i := 0; i < 3; i++ {
		s.admit(schedJob(fmt.Sprintf("w%d", i), 0, now.Add(time.Duration(i)*time.Millisecond)))
	}

	// Position 4 with 2 slots: ceil(4/2)=2 rounds of 10 s.
	_, pos, est, err := s.admit(schedJob("w3", 0, now.Add(time.Second)))
	if err != nil {
		t.Fatalf("admit() error: %v", err)
	}
	if pos != 4 {
		t.Fatalf("position = %d, want 4", pos)
	}
	if est != 20 {
		t.Errorf("estimate = %d, want 20", est)
	}
}

func TestDrainEmptiesQueueAndBlocksAdmission(t *testing.T) {
	s := newScheduler(agent.KindCLI, Limits{MaxConcurrent: 1, MaxQueue: 10})
	now := time.Now()

	s.admit(schedJob("running", 0, now))
	s.admit(schedJob("w0", 0, now))
	s.admit(schedJob("w1", 0, now))

	displaced := s.drain()
	if len(displaced) != 2 {
		t.Fatalf("drain() returned %d jobs, want 2", len(displaced))
	}

	_, _, _, err := s.admit(schedJob("late", 0, now))
	var cerr *pkgerrors.CancelledError
	if !pkgerrors.As(err, &cerr) {
		t.Fatalf("admit() after drain error = %v, want CancelledError", err)
	}

	// Releases during drain must not restart anything.
	if next := s.release("running", time.Second); next != nil {
		t.Errorf("release() during drain returned %q, want nil", next.id)
	}
}

func TestQueueScoreOrdering(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)

	highEarly := QueueScore(5, base)
	highLate := QueueScore(5, base.Add(time.Hour))
	lowEarly := QueueScore(0, base)

	if highEarly >= highLate {
		t.Error("earlier enqueue must score lower within a priority")
	}
	if highLate >= lowEarly {
		t.Error("higher priority must score lower than any lower priority")
	}
}

func TestTailBufferKeepsNewest(t *testing.T) {
	b := newTailBuffer(8)

	b.Write([]byte("abcd"))
	if b.Truncated() {
		t.Error("truncated before overflow")
	}
	b.Write([]byte("efgh"))
	b.Write([]byte("ij"))

	if got := b.String(); got != "cdefghij" {
		t.Errorf("buffer = %q, want cdefghij", got)
	}
	if !b.Truncated() {
		t.Error("truncated flag not set after overflow")
	}

	// A single oversized write keeps only its own tail.
	b.Write([]byte("0123456789"))
	if got := b.String(); got != "23456789" {
		t.Errorf("buffer = %q, want 23456789", got)
	}
}
