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

// Package expression evaluates step condition expressions against a
// workflow's execution context.
package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	maestroerrors "github.com/groovekit/maestro/pkg/errors"
)

// Evaluator compiles and evaluates boolean condition expressions,
// caching compiled programs across evaluations.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an Evaluator with an empty compile cache.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs a condition against the execution context. The empty
// expression is vacuously true. The context carries:
//
//   - inputs: the workflow's input values
//   - steps:  completed step results keyed by step ID, each with an
//     "out" member
//
// Example:
//
//	ok, err := eval.Evaluate(`steps.review.out.score > 0.8`, ctx)
func (e *Evaluator) Evaluate(expression string, ctx map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.Compile(expression)
	if err != nil {
		return false, err
	}

	evalCtx := make(map[string]any, len(ctx)+3)
	for k, v := range ctx {
		evalCtx[k] = v
	}
	// "contains" is a reserved string operator in expr; collection
	// membership goes through has/includes.
	evalCtx["has"] = containsFunc
	evalCtx["includes"] = containsFunc
	evalCtx["length"] = lenFunc

	result, err := expr.Run(program, evalCtx)
	if err != nil {
		return false, &maestroerrors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("condition evaluation failed: %s", err),
			Suggestion: "verify that all referenced variables exist in the workflow context",
		}
	}

	b, ok := result.(bool)
	if !ok {
		return false, &maestroerrors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("condition must return boolean, got %T", result),
		}
	}
	return b, nil
}

// Compile compiles an expression and caches the program. Used by both
// evaluation and definition-time validation.
func (e *Evaluator) Compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	env := map[string]any{
		"has":      containsFunc,
		"includes": containsFunc,
		"length":   lenFunc,
	}

	prog, err := expr.Compile(expression,
		expr.Env(env),
		// The real context arrives at run time.
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, &maestroerrors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("failed to compile condition: %s", err),
			Suggestion: "check expression syntax",
		}
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// CacheSize reports the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
