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
	"container/heap"
	"math"
	"sync"
	"time"

	"github.com/groovekit/maestro/internal/agent"
	pkgerrors "github.com/groovekit/maestro/pkg/errors"
)

// Limits bounds one backend kind's scheduler.
type Limits struct {
	// MaxConcurrent caps the active set.
	MaxConcurrent int

	// MaxQueue caps the waiting queue; saturation rejects with
	// QueueFullError.
	MaxQueue int
}

// movingAvgWindow is how many terminal durations feed the wait
// estimate.
const movingAvgWindow = 20

// scheduler holds one backend kind's bounded active set and its
// priority-ordered waiting queue. Higher priority always jumps ahead;
// within a priority the earlier enqueue wins (FIFO).
type scheduler struct {
	mu      sync.Mutex
	kind    agent.Kind
	limits  Limits
	active  map[string]*Job
	waiting waitHeap
	seq     uint64

	durations [movingAvgWindow]time.Duration
	durCount  int
	durNext   int

	draining bool
}

func newScheduler(kind agent.Kind, limits Limits) *scheduler {
	if limits.MaxConcurrent < 1 {
		limits.MaxConcurrent = 1
	}
	if limits.MaxQueue < 1 {
		limits.MaxQueue = 100
	}
	return &scheduler{
		kind:   kind,
		limits: limits,
		active: make(map[string]*Job),
	}
}

// admit either claims an active slot for the job (started=true) or
// enqueues it and reports its position and wait estimate. QueueFull and
// draining states reject.
func (s *scheduler) admit(j *Job) (started bool, pos int, estWait int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draining {
		return false, 0, 0, &pkgerrors.CancelledError{Operation: "submit"}
	}

	if len(s.active) < s.limits.MaxConcurrent {
		s.active[j.id] = j
		return true, 0, 0, nil
	}

	if s.waiting.Len() >= s.limits.MaxQueue {
		return false, 0, 0, &pkgerrors.QueueFullError{
			Backend: string(s.kind),
			Size:    s.waiting.Len(),
			Limit:   s.limits.MaxQueue,
		}
	}

	s.seq++
	heap.Push(&s.waiting, &waitEntry{job: j, seq: s.seq})
	pos = s.rankLocked(j.id)
	return false, pos, s.estimateLocked(pos), nil
}

// release removes a terminal job from the active set, folds its
// duration into the moving average, and pops the next waiter, if any.
// The returned job (when non-nil) now occupies an active slot and must
// be started by the caller.
func (s *scheduler) release(jobID string, duration time.Duration) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, jobID)
	if duration > 0 {
		s.durations[s.durNext] = duration
		s.durNext = (s.durNext + 1) % movingAvgWindow
		if s.durCount < movingAvgWindow {
			s.durCount++
		}
	}

	if s.draining || s.waiting.Len() == 0 || len(s.active) >= s.limits.MaxConcurrent {
		return nil
	}
	next := heap.Pop(&s.waiting).(*waitEntry).job
	s.active[next.id] = next
	return next
}

// removeQueued takes a job out of the waiting queue, returning whether
// it was there. Used by cancellation.
func (s *scheduler) removeQueued(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.waiting {
		if e.job.id == jobID {
			heap.Remove(&s.waiting, i)
			return true
		}
	}
	return false
}

// positions reports each queued job's current 1-based rank and wait
// estimate. Used by the heartbeat.
func (s *scheduler) positions() map[string][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][2]int, s.waiting.Len())
	for _, e := range s.waiting {
		pos := s.rankLocked(e.job.id)
		out[e.job.id] = [2]int{pos, s.estimateLocked(pos)}
	}
	return out
}

// drain stops admissions and empties the waiting queue, returning the
// displaced jobs for shutdown cancellation.
func (s *scheduler) drain() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = true
	jobs := make([]*Job, 0, s.waiting.Len())
	for s.waiting.Len() > 0 {
		jobs = append(jobs, heap.Pop(&s.waiting).(*waitEntry).job)
	}
	return jobs
}

func (s *scheduler) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *scheduler) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting.Len()
}

// rankLocked computes a job's 1-based position in priority order.
// O(n), acceptable at the configured queue bounds.
func (s *scheduler) rankLocked(jobID string) int {
	var target *waitEntry
	for _, e := range s.waiting {
		if e.job.id == jobID {
			target = e
			break
		}
	}
	if target == nil {
		return 0
	}
	rank := 1
	for _, e := range s.waiting {
		if e != target && e.before(target) {
			rank++
		}
	}
	return rank
}

// estimateLocked computes estimatedWaitSeconds for a queue position:
// ceil(position / activeSlots) rounds of the moving average duration.
func (s *scheduler) estimateLocked(pos int) int {
	if pos <= 0 {
		return 0
	}
	avg := s.movingAvgLocked()
	if avg <= 0 {
		return 0
	}
	slots := len(s.active)
	if slots < 1 {
		slots = 1
	}
	rounds := int(math.Ceil(float64(pos) / float64(slots)))
	return int(math.Ceil(float64(rounds) * avg.Seconds()))
}

func (s *scheduler) movingAvgLocked() time.Duration {
	if s.durCount == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < s.durCount; i++ {
		sum += s.durations[i]
	}
	return sum / time.Duration(s.durCount)
}

// QueueScore is the store sorted-set score for a queued job, chosen so
// ascending score order equals scheduling order.
func QueueScore(priority int, enqueued time.Time) float64 {
	return float64(-priority)*1e13 + float64(enqueued.UnixMilli())
}

// waitEntry is one queued job; seq breaks exact timestamp ties so
// ordering is deterministic.
type waitEntry struct {
	job *Job
	seq uint64
}

func (e *waitEntry) before(o *waitEntry) bool {
	if e.job.priority != o.job.priority {
		return e.job.priority > o.job.priority
	}
	if !e.job.enqueuedAt.Equal(o.job.enqueuedAt) {
		return e.job.enqueuedAt.Before(o.job.enqueuedAt)
	}
	return e.seq < o.seq
}

// waitHeap is a min-heap under before: the root is the next job to run.
type waitHeap []*waitEntry

func (h waitHeap) Len() int           { return len(h) }
func (h waitHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h waitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *waitHeap) Push(x any)        { *h = append(*h, x.(*waitEntry)) }
func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
