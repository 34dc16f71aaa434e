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

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// transformTimeout bounds one jq evaluation.
	transformTimeout = 1 * time.Second

	// transformMaxInput caps the serialized input handed to jq.
	transformMaxInput = 10 << 20
)

// validateTransform compiles a jq expression, catching syntax errors at
// definition admission.
func validateTransform(expression string) error {
	if expression == "" {
		return fmt.Errorf("transform step requires an expression")
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return fmt.Errorf("invalid jq expression: %w", err)
	}
	if _, err := gojq.Compile(query); err != nil {
		return fmt.Errorf("jq compilation failed: %w", err)
	}
	return nil
}

// runTransform evaluates a jq expression over the resolved step input.
// A single result is returned as-is; multiple results collect into an
// array.
func runTransform(ctx context.Context, expression string, input map[string]any) (any, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile error: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, transformTimeout)
	defer cancel()

	// Normalize the input so jq sees plain JSON types.
	data, err := normalizeJSON(input)
	if err != nil {
		return nil, err
	}

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)
	go func() {
		iter := code.RunWithContext(execCtx, data)
		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if jqErr, isErr := v.(error); isErr {
				errCh <- jqErr
				return
			}
			results = append(results, v)
		}
		switch len(results) {
		case 0:
			resultCh <- nil
		case 1:
			resultCh <- results[0]
		default:
			resultCh <- results
		}
	}()

	select {
	case result := <-resultCh:
		return result, nil
	case err := <-errCh:
		return nil, err
	case <-execCtx.Done():
		return nil, fmt.Errorf("transform timeout after %v", transformTimeout)
	}
}

// normalizeJSON roundtrips a value through JSON so jq sees only plain
// JSON types, enforcing the input size cap along the way.
func normalizeJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling transform input: %w", err)
	}
	if len(data) > transformMaxInput {
		return nil, fmt.Errorf("transform input %d bytes exceeds maximum %d", len(data), transformMaxInput)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalizing transform input: %w", err)
	}
	return out, nil
}
