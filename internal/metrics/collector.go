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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	descRuns = prometheus.NewDesc(
		"maestro_runs_total",
		"Terminal runs by scope and outcome.",
		[]string{"scope", "outcome"}, nil)
	descActive = prometheus.NewDesc(
		"maestro_active",
		"Currently running units of work by scope.",
		[]string{"scope"}, nil)
	descQueued = prometheus.NewDesc(
		"maestro_queued",
		"Currently queued units of work by scope.",
		[]string{"scope"}, nil)
	descDuration = prometheus.NewDesc(
		"maestro_duration_milliseconds",
		"Run duration quantiles over the bounded sample window.",
		[]string{"scope", "quantile"}, nil)
	descConvergence = prometheus.NewDesc(
		"maestro_convergence_rate",
		"Fraction of collaboration runs that converged.",
		[]string{"scope"}, nil)
	descRounds = prometheus.NewDesc(
		"maestro_avg_rounds",
		"Average rounds or iterations per collaboration run.",
		[]string{"scope"}, nil)
)

// Collector bridges the aggregator to Prometheus. Register it once and
// serve promhttp; every scrape takes a fresh snapshot.
type Collector struct {
	agg *Aggregator
}

// NewCollector creates a Collector over an aggregator.
func NewCollector(agg *Aggregator) *Collector {
	return &Collector{agg: agg}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descRuns
	ch <- descActive
	ch <- descQueued
	ch <- descDuration
	ch <- descConvergence
	ch <- descRounds
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.agg.Snapshot()
	for scope, s := range snap.Scopes {
		ch <- prometheus.MustNewConstMetric(descRuns, prometheus.CounterValue,
			float64(s.Successful), scope, "completed")
		ch <- prometheus.MustNewConstMetric(descRuns, prometheus.CounterValue,
			float64(s.Failed), scope, "failed")
		ch <- prometheus.MustNewConstMetric(descRuns, prometheus.CounterValue,
			float64(s.TimedOut), scope, "timeout")
		ch <- prometheus.MustNewConstMetric(descRuns, prometheus.CounterValue,
			float64(s.Cancelled), scope, "cancelled")

		ch <- prometheus.MustNewConstMetric(descActive, prometheus.GaugeValue,
			float64(s.Active), scope)
		ch <- prometheus.MustNewConstMetric(descQueued, prometheus.GaugeValue,
			float64(s.Queued), scope)

		if s.Duration.Samples > 0 {
			ch <- prometheus.MustNewConstMetric(descDuration, prometheus.GaugeValue,
				s.Duration.P50Ms, scope, "0.5")
			ch <- prometheus.MustNewConstMetric(descDuration, prometheus.GaugeValue,
				s.Duration.P95Ms, scope, "0.95")
			ch <- prometheus.MustNewConstMetric(descDuration, prometheus.GaugeValue,
				s.Duration.P99Ms, scope, "0.99")
		}

		if scope == ScopeCritique || scope == ScopeDiscussion {
			ch <- prometheus.MustNewConstMetric(descConvergence, prometheus.GaugeValue,
				s.ConvergenceRate, scope)
			ch <- prometheus.MustNewConstMetric(descRounds, prometheus.GaugeValue,
				s.AvgRounds, scope)
		}
	}
}
