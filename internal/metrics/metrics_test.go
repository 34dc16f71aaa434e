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

package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestJobLifecycleCounters(t *testing.T) {
	a := New()

	a.JobQueued(ScopeCLI, 2)
	a.JobStarted(ScopeCLI)
	a.JobTerminal(ScopeCLI, "completed", 100*time.Millisecond, 10, 20)
	a.JobStarted(ScopeCLI)
	a.JobTerminal(ScopeCLI, "failed", 50*time.Millisecond, 10, 0)
	a.JobStarted(ScopeCLI)
	a.JobTerminal(ScopeCLI, "timeout", 200*time.Millisecond, 10, 0)
	a.JobStarted(ScopeDSL)
	a.JobTerminal(ScopeDSL, "cancelled", 10*time.Millisecond, 5, 0)

	snap := a.Snapshot()
	cli := snap.Scopes[ScopeCLI]
	if cli.Total != 3 || cli.Successful != 1 || cli.Failed != 1 || cli.TimedOut != 1 {
		t.Errorf("cli counters = %+v", cli)
	}
	if cli.Active != 0 {
		t.Errorf("cli active = %d, want 0", cli.Active)
	}
	if snap.Scopes[ScopeDSL].Cancelled != 1 {
		t.Errorf("dsl cancelled = %d, want 1", snap.Scopes[ScopeDSL].Cancelled)
	}
}

func TestDurationPercentiles(t *testing.T) {
	a := New()
	for i := 1; i <= 100; i++ {
		a.JobTerminal(ScopeCLI, "completed", time.Duration(i)*time.Millisecond, 0, 0)
	}

	d := a.Snapshot().Scopes[ScopeCLI].Duration
	if d.Samples != 100 {
		t.Fatalf("samples = %d, want 100", d.Samples)
	}
	if d.MinMs != 1 || d.MaxMs != 100 {
		t.Errorf("min/max = %v/%v, want 1/100", d.MinMs, d.MaxMs)
	}
	if d.P50Ms != 50 {
		t.Errorf("p50 = %v, want 50", d.P50Ms)
	}
	if d.P95Ms != 95 {
		t.Errorf("p95 = %v, want 95", d.P95Ms)
	}
	if d.P99Ms != 99 {
		t.Errorf("p99 = %v, want 99", d.P99Ms)
	}
	if math.Abs(d.AvgMs-50.5) > 1e-9 {
		t.Errorf("avg = %v, want 50.5", d.AvgMs)
	}
}

func TestRingBoundsSampleWindow(t *testing.T) {
	a := New()
	// First 500 slow samples age out of the 1000-wide window.
	for i := 0; i < 500; i++ {
		a.JobTerminal(ScopeCLI, "completed", time.Hour, 0, 0)
	}
	for i := 0; i < ringSize; i++ {
		a.JobTerminal(ScopeCLI, "completed", time.Millisecond, 0, 0)
	}

	d := a.Snapshot().Scopes[ScopeCLI].Duration
	if d.Samples != ringSize {
		t.Errorf("samples = %d, want %d", d.Samples, ringSize)
	}
	if d.MaxMs != 1 {
		t.Errorf("max = %v, want 1 after old samples aged out", d.MaxMs)
	}
}

func TestCollaborationRatios(t *testing.T) {
	a := New()
	a.CritiqueCompleted(true, 3, 0.85, 0.35)
	a.CritiqueCompleted(false, 5, 0.6, 0.1)
	a.DiscussionCompleted(true, 2, 0.9)

	snap := a.Snapshot()
	crit := snap.Scopes[ScopeCritique]
	if math.Abs(crit.ConvergenceRate-0.5) > 1e-9 {
		t.Errorf("convergenceRate = %v, want 0.5", crit.ConvergenceRate)
	}
	if math.Abs(crit.AvgRounds-4) > 1e-9 {
		t.Errorf("avgRounds = %v, want 4", crit.AvgRounds)
	}
	if math.Abs(crit.AvgQualityImprovement-0.225) > 1e-9 {
		t.Errorf("avgQualityImprovement = %v, want 0.225", crit.AvgQualityImprovement)
	}

	disc := snap.Scopes[ScopeDiscussion]
	if math.Abs(disc.AvgConsensusScore-0.9) > 1e-9 {
		t.Errorf("avgConsensusScore = %v, want 0.9", disc.AvgConsensusScore)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	a := New()
	a.JobTerminal(ScopeCLI, "completed", time.Millisecond, 0, 0)

	snap := a.Snapshot()
	a.JobTerminal(ScopeCLI, "completed", time.Millisecond, 0, 0)

	if snap.Scopes[ScopeCLI].Total != 1 {
		t.Errorf("snapshot mutated by later writes: total = %d", snap.Scopes[ScopeCLI].Total)
	}
}

func TestCollectorRegisters(t *testing.T) {
	a := New()
	a.JobTerminal(ScopeCLI, "completed", 42*time.Millisecond, 0, 0)
	a.CritiqueCompleted(true, 3, 0.9, 0.2)

	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(a)); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"maestro_runs_total",
		"maestro_active",
		"maestro_queued",
		"maestro_duration_milliseconds",
		"maestro_convergence_rate",
	} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
}
