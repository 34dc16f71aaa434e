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

package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	pkgerrors "github.com/groovekit/maestro/pkg/errors"
)

var (
	// ErrAlreadyRegistered indicates a backend with this kind already exists.
	ErrAlreadyRegistered = errors.New("backend already registered")

	// ErrInvalidBackend indicates the backend implementation is invalid.
	ErrInvalidBackend = errors.New("invalid backend")
)

// RegisterOption customizes how a backend is registered.
type RegisterOption func(*registration)

// PostProcessor rewrites a result's textual output after execution.
// It runs before the End event is delivered, so consumers observe the
// processed output everywhere.
type PostProcessor func(output string) string

// WithPostProcessor attaches an output post-processor to the backend
// being registered.
func WithPostProcessor(p PostProcessor) RegisterOption {
	return func(r *registration) {
		r.post = p
	}
}

type registration struct {
	backend Backend
	post    PostProcessor
}

// Registry maps backend kinds to implementations. It is safe for
// concurrent use; registration normally happens once at startup but
// custom backends may arrive later.
type Registry struct {
	mu       sync.RWMutex
	backends map[Kind]*registration
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[Kind]*registration),
	}
}

// Register adds a backend to the registry. Returns an error if a
// backend with this kind already exists or the backend is invalid.
func (r *Registry) Register(b Backend, opts ...RegisterOption) error {
	if b == nil {
		return ErrInvalidBackend
	}

	kind := b.Kind()
	if kind == "" {
		return fmt.Errorf("%w: backend kind cannot be empty", ErrInvalidBackend)
	}

	reg := &registration{backend: b}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[kind]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, kind)
	}

	r.backends[kind] = reg
	return nil
}

// Get retrieves a backend by kind. When a post-processor was attached
// at registration, the returned backend applies it transparently.
// Returns NotFoundError if the kind is not registered.
func (r *Registry) Get(kind Kind) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, exists := r.backends[kind]
	if !exists {
		return nil, &pkgerrors.NotFoundError{
			Resource: "backend",
			ID:       string(kind),
		}
	}

	if reg.post == nil {
		return reg.backend, nil
	}
	return &processedBackend{Backend: reg.backend, post: reg.post}, nil
}

// Kinds returns all registered backend kinds, sorted alphabetically.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.backends))
	for k := range r.backends {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Health probes every registered backend and returns a snapshot keyed
// by kind.
func (r *Registry) Health(ctx context.Context) map[Kind]Health {
	r.mu.RLock()
	regs := make(map[Kind]Backend, len(r.backends))
	for k, reg := range r.backends {
		regs[k] = reg.backend
	}
	r.mu.RUnlock()

	out := make(map[Kind]Health, len(regs))
	for k, b := range regs {
		out[k] = b.HealthCheck(ctx)
	}
	return out
}

// processedBackend wraps a Backend and rewrites textual output through
// the registered post-processor. Only Output is rewritten; structured
// payloads and artifacts pass through untouched.
type processedBackend struct {
	Backend
	post PostProcessor
}

func (p *processedBackend) Execute(ctx context.Context, task Task, sink EventSink) (*Result, error) {
	wrapped := func(ev Event) {
		if ev.Type == EventEnd && ev.Result != nil {
			ev.Result = p.process(ev.Result)
		}
		if sink != nil {
			sink(ev)
		}
	}

	res, err := p.Backend.Execute(ctx, task, wrapped)
	if res != nil {
		res = p.process(res)
	}
	return res, err
}

func (p *processedBackend) process(res *Result) *Result {
	if res.Output == "" {
		return res
	}
	processed := p.post(res.Output)
	if processed == res.Output {
		return res
	}
	out := *res
	out.Output = processed
	return &out
}
