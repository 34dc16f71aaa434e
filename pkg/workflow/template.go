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
	"fmt"
	"regexp"
	"strings"
)

// placeholderRe matches ${inputs.<name>} and ${steps.<id>.out.<path>}.
var placeholderRe = regexp.MustCompile(`\$\{([a-zA-Z0-9_.\-\[\]]+)\}`)

// template is one compiled string template: literal runs interleaved
// with context paths.
type template struct {
	raw      string
	segments []segment
}

type segment struct {
	literal string
	path    []string // nil for literal segments
}

// compileTemplate parses one string's placeholders. Strings without
// placeholders compile to a single literal.
func compileTemplate(raw string) (*template, error) {
	t := &template{raw: raw}
	last := 0
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(raw, -1) {
		if loc[0] > last {
			t.segments = append(t.segments, segment{literal: raw[last:loc[0]]})
		}
		ref := raw[loc[2]:loc[3]]
		path := strings.Split(ref, ".")
		if err := checkPath(path); err != nil {
			return nil, fmt.Errorf("invalid placeholder ${%s}: %w", ref, err)
		}
		t.segments = append(t.segments, segment{path: path})
		last = loc[1]
	}
	if last < len(raw) {
		t.segments = append(t.segments, segment{literal: raw[last:]})
	}
	return t, nil
}

func checkPath(path []string) error {
	switch path[0] {
	case "inputs":
		if len(path) < 2 {
			return fmt.Errorf("inputs reference requires a name")
		}
	case "steps":
		if len(path) < 3 || path[2] != "out" {
			return fmt.Errorf("step references take the form steps.<id>.out.<path>")
		}
	default:
		return fmt.Errorf("references must start with inputs or steps")
	}
	return nil
}

// resolve renders the template against the execution context. A
// template that is exactly one placeholder yields the referenced value
// with its type intact; mixed templates stringify.
func (t *template) resolve(ctx map[string]any) (any, error) {
	if len(t.segments) == 1 && t.segments[0].path != nil {
		return lookupPath(ctx, t.segments[0].path)
	}

	var b strings.Builder
	for _, seg := range t.segments {
		if seg.path == nil {
			b.WriteString(seg.literal)
			continue
		}
		v, err := lookupPath(ctx, seg.path)
		if err != nil {
			return nil, err
		}
		b.WriteString(fmt.Sprintf("%v", v))
	}
	return b.String(), nil
}

func lookupPath(ctx map[string]any, path []string) (any, error) {
	var cur any = ctx
	for i, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot resolve %s: %s is not a map",
				strings.Join(path, "."), strings.Join(path[:i], "."))
		}
		cur, ok = m[key]
		if !ok {
			return nil, fmt.Errorf("cannot resolve %s: %s not found",
				strings.Join(path, "."), key)
		}
	}
	return cur, nil
}

// compiledInput is a step's input map with every string value compiled.
type compiledInput map[string]any

// compileTemplates walks an input map and compiles string values,
// recursing into nested maps and slices. Non-string leaves pass
// through.
func compileTemplates(input map[string]any) (compiledInput, error) {
	if input == nil {
		return nil, nil
	}
	out := make(compiledInput, len(input))
	for k, v := range input {
		cv, err := compileValue(v)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", k, err)
		}
		out[k] = cv
	}
	return out, nil
}

func compileValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return compileTemplate(val)
	case map[string]any:
		return compileTemplates(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			cv, err := compileValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	}
	return v, nil
}

// resolveInput renders a compiled input map against the context.
func resolveInput(input compiledInput, ctx map[string]any) (map[string]any, error) {
	if input == nil {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		rv, err := resolveValue(v, ctx)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", k, err)
		}
		out[k] = rv
	}
	return out, nil
}

func resolveValue(v any, ctx map[string]any) (any, error) {
	switch val := v.(type) {
	case *template:
		return val.resolve(ctx)
	case compiledInput:
		return resolveInput(val, ctx)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rv, err := resolveValue(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	}
	return v, nil
}
