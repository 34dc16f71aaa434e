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

// Package workflow executes multi-step agent DAGs: definitions name
// steps with dependencies, conditions, and templated inputs; the engine
// schedules every runnable step concurrently and binds outputs into a
// shared execution context.
package workflow

import (
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	maestroerrors "github.com/groovekit/maestro/pkg/errors"
	"github.com/groovekit/maestro/pkg/workflow/expression"
)

// Step error policies.
const (
	// OnErrorAbort stops scheduling new steps and fails the execution
	// once running steps settle. The default.
	OnErrorAbort = "abort"

	// OnErrorContinue records the failure and keeps scheduling.
	// Dependents still run; the failed step resolves to a null output
	// in their templates.
	OnErrorContinue = "continue"
)

// StepTypeTransform marks a pure data-reshaping step: a jq expression
// over the resolved input map, no agent invocation.
const StepTypeTransform = "transform"

// RetryPolicy controls transform step retries. Agent steps never retry
// here; retry semantics for agent work belong to the job layer.
type RetryPolicy struct {
	MaxAttempts int     `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	BackoffMs   int     `json:"backoffMs,omitempty"   yaml:"backoffMs,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty"  yaml:"multiplier,omitempty"`
}

// Step is one node of the DAG.
type Step struct {
	// ID is unique within the definition.
	ID string `json:"id" yaml:"id"`

	// AgentType names the backend kind that runs this step, or
	// "transform" for a jq reshaping step.
	AgentType string `json:"agentType" yaml:"agentType"`

	// Input is the step's input map. String values may carry
	// ${inputs.<name>} and ${steps.<id>.out.<path>} placeholders,
	// resolved against the execution context at start time.
	Input map[string]any `json:"input,omitempty" yaml:"input,omitempty"`

	// DependsOn lists step IDs that must settle before this step runs.
	DependsOn []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`

	// Condition is an optional boolean expression; false skips the step.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// OnError is abort (default) or continue.
	OnError string `json:"onError,omitempty" yaml:"onError,omitempty"`

	// TimeoutMs bounds the step; zero inherits the engine default.
	TimeoutMs int `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`

	// Expression is the jq program for transform steps.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// Retry applies to transform steps only.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// Definition is a named DAG of steps.
type Definition struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

// ParseDefinition decodes a definition from YAML or JSON. YAML is the
// superset parser, so one path serves both.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &maestroerrors.ValidationError{
			Field:   "definition",
			Message: fmt.Sprintf("failed to parse definition: %s", err),
		}
	}
	return &def, nil
}

// KindChecker reports whether an agent type can be scheduled. Satisfied
// by the agent registry.
type KindChecker interface {
	Known(agentType string) bool
}

// Validate checks the definition for admission: non-empty name and
// steps, unique step IDs, known agent types, existing dependencies,
// acyclic dependency graph, and compilable conditions and transform
// expressions.
func (d *Definition) Validate(kinds KindChecker, eval *expression.Evaluator) error {
	if d.Name == "" {
		return &maestroerrors.ValidationError{Field: "name", Message: "workflow name is required"}
	}
	if len(d.Steps) == 0 {
		return &maestroerrors.ValidationError{Field: "steps", Message: "workflow requires at least one step"}
	}

	byID := make(map[string]*Step, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.ID == "" {
			return &maestroerrors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].id", i),
				Message: "step id is required",
			}
		}
		if _, dup := byID[step.ID]; dup {
			return &maestroerrors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("duplicate step id %q", step.ID),
			}
		}
		byID[step.ID] = step

		if step.AgentType == StepTypeTransform {
			if err := validateTransform(step.Expression); err != nil {
				return &maestroerrors.ValidationError{
					Field:   fmt.Sprintf("steps.%s.expression", step.ID),
					Message: err.Error(),
				}
			}
		} else if kinds != nil && !kinds.Known(step.AgentType) {
			return &maestroerrors.ValidationError{
				Field:      fmt.Sprintf("steps.%s.agentType", step.ID),
				Message:    fmt.Sprintf("unknown agent type %q", step.AgentType),
				Suggestion: "register the backend or use a built-in type",
			}
		}

		switch step.OnError {
		case "", OnErrorAbort, OnErrorContinue:
		default:
			return &maestroerrors.ValidationError{
				Field:   fmt.Sprintf("steps.%s.onError", step.ID),
				Message: fmt.Sprintf("onError must be abort or continue, got %q", step.OnError),
			}
		}

		if step.Condition != "" && eval != nil {
			if _, err := eval.Compile(step.Condition); err != nil {
				return &maestroerrors.ValidationError{
					Field:   fmt.Sprintf("steps.%s.condition", step.ID),
					Message: fmt.Sprintf("invalid condition: %s", err),
				}
			}
		}

		if _, err := compileTemplates(step.Input); err != nil {
			return &maestroerrors.ValidationError{
				Field:   fmt.Sprintf("steps.%s.input", step.ID),
				Message: err.Error(),
			}
		}
	}

	for _, step := range d.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := byID[dep]; !ok {
				return &maestroerrors.ValidationError{
					Field:   fmt.Sprintf("steps.%s.dependsOn", step.ID),
					Message: fmt.Sprintf("unknown dependency %q", dep),
				}
			}
			if dep == step.ID {
				return &maestroerrors.ValidationError{
					Field:   fmt.Sprintf("steps.%s.dependsOn", step.ID),
					Message: "step cannot depend on itself",
				}
			}
		}
	}

	if cycle := d.findCycle(); len(cycle) > 0 {
		return &maestroerrors.ValidationError{
			Field:      "steps",
			Message:    fmt.Sprintf("cycle: dependency cycle through %v", cycle),
			Suggestion: "break the cycle by removing one of the dependencies",
		}
	}
	return nil
}

// findCycle runs Kahn's topological sort; any steps left over after the
// sort form at least one cycle, returned in stable order.
func (d *Definition) findCycle() []string {
	indegree := make(map[string]int, len(d.Steps))
	dependents := make(map[string][]string)
	for _, step := range d.Steps {
		indegree[step.ID] += 0
		for _, dep := range step.DependsOn {
			indegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	sorted := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		sorted++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if sorted == len(d.Steps) {
		return nil
	}
	var cycle []string
	for id, deg := range indegree {
		if deg > 0 {
			cycle = append(cycle, id)
		}
	}
	sort.Strings(cycle)
	return cycle
}

// marshal renders the definition for persistence.
func (d *Definition) marshal() json.RawMessage {
	data, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	return data
}
