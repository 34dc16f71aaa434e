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
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/groovekit/maestro/internal/agent"
	pkgerrors "github.com/groovekit/maestro/pkg/errors"
)

// backendInvoker runs workflow and collaboration steps directly against
// registered backends. Steps share each backend's concurrency budget
// with queued jobs only indirectly: the invoker holds its own per-kind
// slots so a workflow fan-out cannot exceed the backend's configured
// parallelism.
type backendInvoker struct {
	registry *agent.Registry
	slots    map[agent.Kind]chan struct{}
}

func newBackendInvoker(registry *agent.Registry, caps map[agent.Kind]int) *backendInvoker {
	slots := make(map[agent.Kind]chan struct{}, len(caps))
	for kind, n := range caps {
		if n < 1 {
			n = 1
		}
		slots[kind] = make(chan struct{}, n)
	}
	return &backendInvoker{registry: registry, slots: slots}
}

// Invoke implements workflow.Invoker. The input map is marshalled into
// the backend's task payload; events stream through the provided sink.
func (inv *backendInvoker) Invoke(ctx context.Context, agentType string, input map[string]any, sink agent.EventSink) (*agent.Result, error) {
	kind := agent.Kind(agentType)
	backend, err := inv.registry.Get(kind)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, &pkgerrors.ValidationError{
			Field:   "input",
			Message: "input is not serializable",
		}
	}

	if slot, ok := inv.slots[kind]; ok {
		select {
		case slot <- struct{}{}:
			defer func() { <-slot }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	task := agent.Task{
		JobID: "step_" + uuid.NewString(),
		Input: payload,
	}
	return backend.Execute(ctx, task, sink)
}
