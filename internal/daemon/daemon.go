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

// Package daemon assembles maestrod: store, bus, backends, job manager,
// workflow engine, and collaboration runner, plus the operational HTTP
// listener. Transport adapters embed the daemon and drive it through
// its accessors.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/groovekit/maestro/internal/agent"
	"github.com/groovekit/maestro/internal/agent/claudecli"
	"github.com/groovekit/maestro/internal/agent/strudel"
	"github.com/groovekit/maestro/internal/bus"
	"github.com/groovekit/maestro/internal/config"
	"github.com/groovekit/maestro/internal/job"
	maestrolog "github.com/groovekit/maestro/internal/log"
	"github.com/groovekit/maestro/internal/metrics"
	"github.com/groovekit/maestro/internal/ratelimit"
	"github.com/groovekit/maestro/internal/store"
	"github.com/groovekit/maestro/pkg/collab"
	"github.com/groovekit/maestro/pkg/workflow"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the maestrod composition root.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	st       *store.Store
	agg      *metrics.Aggregator
	bus      *bus.Bus
	relay    *bus.Relay
	registry *agent.Registry
	limiter  *ratelimit.Limiter
	jobs     *job.Manager
	engine   *workflow.Engine
	collab   *collab.Runner

	server *http.Server

	mu      sync.Mutex
	started bool
}

// New wires the daemon from configuration. Construction order matters:
// every component receives only already-built dependencies.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	logger := maestrolog.WithComponent(maestrolog.New(&maestrolog.Config{
		Level:     cfg.Log.Level,
		Format:    maestrolog.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	}), "daemon")

	st := store.New(store.Config{
		Addr:      cfg.Store.Addr,
		Password:  cfg.Store.Password,
		DB:        cfg.Store.DB,
		Namespace: cfg.Store.Namespace,
		Logger:    logger,
	})

	agg := metrics.New()

	b := bus.New(bus.Config{
		QueueSize: cfg.Subscriber.OutboundQueueMax,
		Logger:    logger,
	})
	relay := bus.NewRelay(b, logger)

	registry := agent.NewRegistry()

	cli, err := claudecli.New(claudecli.Config{
		Binary:          cfg.CLI.Binary,
		Model:           cfg.CLI.Model,
		APIKey:          cfg.CLI.APIKey,
		UseAPIFallback:  cfg.CLI.UseAPIFallback,
		MaxCaptureBytes: cfg.Buffer.PerJobMaxBytes,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create cli backend: %w", err)
	}
	if err := registry.Register(cli, agent.WithPostProcessor(agent.StripMarkdownFences)); err != nil {
		return nil, fmt.Errorf("register cli backend: %w", err)
	}

	dsl := strudel.New(strudel.Config{
		DefaultDurationSec: cfg.DSL.DefaultDurationSec,
		Logger:             logger,
	})
	if err := registry.Register(dsl); err != nil {
		return nil, fmt.Errorf("register dsl backend: %w", err)
	}

	limiter := ratelimit.New(st, ratelimit.Config{
		Window:      cfg.RateWindow(),
		HeavyMax:    cfg.Rate.HeavyMax,
		WorkflowMax: cfg.Rate.WorkflowMax,
	}, logger)

	jobs := job.NewManager(job.Config{
		Registry: registry,
		Store:    st,
		Bus:      b,
		Limiter:  limiter,
		Metrics:  agg,
		Limits: map[agent.Kind]job.Limits{
			agent.KindCLI: {MaxConcurrent: cfg.CLI.MaxConcurrent, MaxQueue: cfg.CLI.QueueMax},
			agent.KindDSL: {MaxConcurrent: cfg.DSL.MaxConcurrent, MaxQueue: cfg.DSL.QueueMax},
		},
		DefaultTimeout: cfg.CLITimeout(),
		BufferMax:      cfg.Buffer.PerJobMaxBytes,
		ActiveTTL:      cfg.ActiveTTL(),
		RetentionTTL:   cfg.RetentionTTL(),
		Logger:         logger,
	})

	invoker := newBackendInvoker(registry, map[agent.Kind]int{
		agent.KindCLI: cfg.CLI.MaxConcurrent,
		agent.KindDSL: cfg.DSL.MaxConcurrent,
	})

	engine := workflow.NewEngine(workflow.Config{
		Invoker:      invoker,
		Kinds:        registryKinds{registry},
		Bus:          b,
		Store:        st,
		Metrics:      agg,
		ActiveTTL:    cfg.ActiveTTL(),
		RetentionTTL: cfg.RetentionTTL(),
		Logger:       logger,
	})

	runner := collab.New(collab.Config{
		Invoker: invoker,
		Bus:     b,
		Metrics: agg,
		Logger:  logger,
	})

	return &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		st:       st,
		agg:      agg,
		bus:      b,
		relay:    relay,
		registry: registry,
		limiter:  limiter,
		jobs:     jobs,
		engine:   engine,
		collab:   runner,
	}, nil
}

// Start verifies store reachability, starts the operational HTTP
// listener, and blocks until the context is cancelled or the listener
// fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := d.st.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("store unreachable at %s: %w", d.cfg.Store.Addr, err)
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewCollector(d.agg)); err != nil {
		return fmt.Errorf("register metrics collector: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", newHealthHandler(d.registry, d.jobs))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/stats", newStatsHandler(d.agg))

	d.server = &http.Server{
		Addr:         d.cfg.Admin.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	d.logger.Info("maestrod starting",
		maestrolog.String("version", d.opts.Version),
		maestrolog.String("admin_addr", d.cfg.Admin.Addr),
		maestrolog.String("store_addr", d.cfg.Store.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown drains active work and releases resources. Queued jobs are
// cancelled immediately; running jobs get the configured drain window
// before being cancelled too.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	active := d.jobs.ActiveCount()
	d.logger.Info("graceful shutdown initiated",
		maestrolog.Int("active_jobs", active),
		maestrolog.Duration("drain_timeout_ms", d.cfg.DrainTimeout().Milliseconds()))

	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
		shCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := d.server.Shutdown(shCtx); err != nil {
			d.logger.Warn("admin listener shutdown error", maestrolog.Error(err))
		}
		cancel()
	}

	if err := d.jobs.Shutdown(ctx, d.cfg.DrainTimeout()); err != nil {
		d.logger.Warn("drain incomplete", maestrolog.Error(err))
	} else {
		d.logger.Info("all jobs settled during drain")
	}

	d.bus.Close()
	if err := d.st.Close(); err != nil {
		d.logger.Warn("store close error", maestrolog.Error(err))
	}

	d.logger.Info("shutdown complete")
	return nil
}

// Jobs exposes the job manager to transport adapters.
func (d *Daemon) Jobs() *job.Manager { return d.jobs }

// Workflows exposes the workflow engine to transport adapters.
func (d *Daemon) Workflows() *workflow.Engine { return d.engine }

// Collab exposes the collaboration runner to transport adapters.
func (d *Daemon) Collab() *collab.Runner { return d.collab }

// Bus exposes the event bus to transport adapters.
func (d *Daemon) Bus() *bus.Bus { return d.bus }

// Relay exposes the cross-replica event relay to transport adapters.
func (d *Daemon) Relay() *bus.Relay { return d.relay }

// Limiter exposes the admission limiter. Job submissions are limited
// inside the manager; workflow and collaboration starts count against
// the workflow window and are checked by the transport via Admit.
func (d *Daemon) Limiter() *ratelimit.Limiter { return d.limiter }

// Store exposes the state store for read-side queries.
func (d *Daemon) Store() *store.Store { return d.st }

// Metrics exposes the aggregator snapshot source.
func (d *Daemon) Metrics() *metrics.Aggregator { return d.agg }

// Admit checks a workflow-class admission for userID. It returns the
// limiter decision; a store outage fails closed.
func (d *Daemon) Admit(ctx context.Context, userID string) (ratelimit.Decision, error) {
	return d.limiter.Allow(ctx, userID, ratelimit.ClassWorkflow)
}

// registryKinds adapts the backend registry to the workflow engine's
// admission-time agent type check.
type registryKinds struct {
	registry *agent.Registry
}

func (r registryKinds) Known(agentType string) bool {
	_, err := r.registry.Get(agent.Kind(agentType))
	return err == nil
}
