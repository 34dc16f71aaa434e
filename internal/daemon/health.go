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

package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/groovekit/maestro/internal/agent"
	"github.com/groovekit/maestro/internal/metrics"
)

// workCounts is the slice of the job manager the health report needs.
type workCounts interface {
	ActiveCount() int
	QueueLen() int
}

type backendStatus struct {
	Available bool   `json:"available"`
	Fallback  bool   `json:"fallback,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type healthReport struct {
	Healthy    bool                     `json:"healthy"`
	ActiveJobs int                      `json:"activeJobs"`
	QueueSize  int                      `json:"queueSize"`
	Backends   map[string]backendStatus `json:"backends"`
}

type healthHandler struct {
	registry *agent.Registry
	counts   workCounts
}

func newHealthHandler(registry *agent.Registry, counts workCounts) *healthHandler {
	return &healthHandler{registry: registry, counts: counts}
}

// ServeHTTP reports 200 when every backend is serviceable, 503
// otherwise. The body carries per-backend detail either way.
func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	report := healthReport{
		Healthy:    true,
		ActiveJobs: h.counts.ActiveCount(),
		QueueSize:  h.counts.QueueLen(),
		Backends:   make(map[string]backendStatus),
	}
	for kind, health := range h.registry.Health(r.Context()) {
		report.Backends[string(kind)] = backendStatus{
			Available: health.Available,
			Fallback:  health.Fallback,
			Detail:    health.Detail,
		}
		if !health.Serviceable() {
			report.Healthy = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !report.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(report)
}

type statsHandler struct {
	agg *metrics.Aggregator
}

func newStatsHandler(agg *metrics.Aggregator) *statsHandler {
	return &statsHandler{agg: agg}
}

// ServeHTTP renders the aggregator snapshot as JSON.
func (h *statsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.agg.Snapshot())
}
