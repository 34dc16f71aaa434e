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

// Package metrics aggregates execution statistics per scope: counters,
// bounded-ring duration percentiles, and collaboration-pattern ratios.
// The aggregator satisfies the metrics seams of the job manager, the
// workflow engine, and the collaboration runner, and feeds the
// Prometheus bridge.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Scopes.
const (
	ScopeCLI        = "cli"
	ScopeDSL        = "dsl"
	ScopeWorkflow   = "workflow"
	ScopeCritique   = "self-critique"
	ScopeDiscussion = "discussion"
)

// ringSize bounds the per-scope duration sample window.
const ringSize = 1000

type scopeStats struct {
	total      uint64
	successful uint64
	failed     uint64
	timedOut   uint64
	cancelled  uint64

	active int
	queued int

	durations [ringSize]float64 // milliseconds
	durCount  int
	durNext   int

	// Collaboration ratios.
	runs           uint64
	convergedRuns  uint64
	roundsSum      uint64
	consensusSum   float64
	improvementSum float64
}

func (s *scopeStats) observe(d time.Duration) {
	s.durations[s.durNext] = float64(d.Milliseconds())
	s.durNext = (s.durNext + 1) % ringSize
	if s.durCount < ringSize {
		s.durCount++
	}
}

// Aggregator collects per-scope statistics. All methods are safe for
// concurrent use; reads return copies.
type Aggregator struct {
	mu      sync.Mutex
	scopes  map[string]*scopeStats
	started time.Time
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{
		scopes:  make(map[string]*scopeStats),
		started: time.Now(),
	}
}

func (a *Aggregator) scope(name string) *scopeStats {
	s, ok := a.scopes[name]
	if !ok {
		s = &scopeStats{}
		a.scopes[name] = s
	}
	return s
}

// JobStarted implements the job manager's metrics seam.
func (a *Aggregator) JobStarted(kind string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.scope(kind)
	s.active++
	if s.queued > 0 {
		s.queued--
	}
}

// JobQueued implements the job manager's metrics seam.
func (a *Aggregator) JobQueued(kind string, depth int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scope(kind).queued = depth
}

// JobTerminal implements the job manager's metrics seam.
func (a *Aggregator) JobTerminal(kind, status string, duration time.Duration, inputBytes, outputBytes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.scope(kind)
	if s.active > 0 {
		s.active--
	}
	s.total++
	switch status {
	case "completed":
		s.successful++
	case "timeout":
		s.timedOut++
	case "cancelled":
		s.cancelled++
	default:
		s.failed++
	}
	s.observe(duration)
}

// ExecutionStarted implements the workflow engine's metrics seam.
func (a *Aggregator) ExecutionStarted() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scope(ScopeWorkflow).active++
}

// ExecutionTerminal implements the workflow engine's metrics seam.
func (a *Aggregator) ExecutionTerminal(status string, duration time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.scope(ScopeWorkflow)
	if s.active > 0 {
		s.active--
	}
	s.total++
	switch status {
	case "completed":
		s.successful++
	case "cancelled":
		s.cancelled++
	default:
		s.failed++
	}
	s.observe(duration)
}

// CritiqueCompleted implements the collaboration runner's metrics seam.
func (a *Aggregator) CritiqueCompleted(converged bool, iterations int, finalScore, improvement float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.scope(ScopeCritique)
	s.total++
	s.successful++
	s.runs++
	if converged {
		s.convergedRuns++
	}
	s.roundsSum += uint64(iterations)
	s.consensusSum += finalScore
	s.improvementSum += improvement
}

// DiscussionCompleted implements the collaboration runner's metrics
// seam.
func (a *Aggregator) DiscussionCompleted(converged bool, rounds int, consensusScore float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.scope(ScopeDiscussion)
	s.total++
	s.successful++
	s.runs++
	if converged {
		s.convergedRuns++
	}
	s.roundsSum += uint64(rounds)
	s.consensusSum += consensusScore
}

// DurationStats summarizes the bounded sample window.
type DurationStats struct {
	Samples int     `json:"samples"`
	AvgMs   float64 `json:"avgMs"`
	MinMs   float64 `json:"minMs"`
	MaxMs   float64 `json:"maxMs"`
	P50Ms   float64 `json:"p50Ms"`
	P95Ms   float64 `json:"p95Ms"`
	P99Ms   float64 `json:"p99Ms"`
}

// ScopeSnapshot is one scope's copied state.
type ScopeSnapshot struct {
	Total      uint64 `json:"total"`
	Successful uint64 `json:"successful"`
	Failed     uint64 `json:"failed"`
	TimedOut   uint64 `json:"timedOut"`
	Cancelled  uint64 `json:"cancelled"`
	Active     int    `json:"active"`
	Queued     int    `json:"queued"`

	Duration DurationStats `json:"duration"`

	// Collaboration ratios; zero for job scopes.
	ConvergenceRate       float64 `json:"convergenceRate,omitempty"`
	AvgRounds             float64 `json:"avgRounds,omitempty"`
	AvgConsensusScore     float64 `json:"avgConsensusScore,omitempty"`
	AvgQualityImprovement float64 `json:"avgQualityImprovement,omitempty"`
}

// Snapshot is a copy-on-read view of every scope.
type Snapshot struct {
	Scopes        map[string]ScopeSnapshot `json:"scopes"`
	UptimeSeconds int64                    `json:"uptimeSeconds"`
	CapturedAt    time.Time                `json:"capturedAt"`
}

// Snapshot copies the aggregator's state. Percentiles are computed
// nearest-rank over the current window.
func (a *Aggregator) Snapshot() *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := &Snapshot{
		Scopes:        make(map[string]ScopeSnapshot, len(a.scopes)),
		UptimeSeconds: int64(time.Since(a.started).Seconds()),
		CapturedAt:    time.Now(),
	}
	for name, s := range a.scopes {
		snap := ScopeSnapshot{
			Total:      s.total,
			Successful: s.successful,
			Failed:     s.failed,
			TimedOut:   s.timedOut,
			Cancelled:  s.cancelled,
			Active:     s.active,
			Queued:     s.queued,
			Duration:   durationStats(s),
		}
		if s.runs > 0 {
			snap.ConvergenceRate = float64(s.convergedRuns) / float64(s.runs)
			snap.AvgRounds = float64(s.roundsSum) / float64(s.runs)
			snap.AvgConsensusScore = s.consensusSum / float64(s.runs)
			snap.AvgQualityImprovement = s.improvementSum / float64(s.runs)
		}
		out.Scopes[name] = snap
	}
	return out
}

func durationStats(s *scopeStats) DurationStats {
	if s.durCount == 0 {
		return DurationStats{}
	}
	samples := make([]float64, s.durCount)
	copy(samples, s.durations[:s.durCount])
	sort.Float64s(samples)

	var sum float64
	for _, v := range samples {
		sum += v
	}
	return DurationStats{
		Samples: len(samples),
		AvgMs:   sum / float64(len(samples)),
		MinMs:   samples[0],
		MaxMs:   samples[len(samples)-1],
		P50Ms:   percentile(samples, 0.50),
		P95Ms:   percentile(samples, 0.95),
		P99Ms:   percentile(samples, 0.99),
	}
}

// percentile computes the nearest-rank percentile of sorted samples.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
