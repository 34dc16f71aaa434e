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
	"regexp"
	"strings"
)

// wholeFenceRegex matches output that is exactly one fenced code block,
// with an optional language tag, allowing surrounding whitespace.
var wholeFenceRegex = regexp.MustCompile("(?s)\\A\\s*```[a-zA-Z0-9_-]*\\s*\\n(.*?)\\n?```\\s*\\z")

// StripMarkdownFences removes a wrapping markdown code fence when the
// entire output is a single fenced block. Output containing prose
// around the fence, or multiple fences, is returned unchanged; partial
// stripping would corrupt mixed content.
func StripMarkdownFences(output string) string {
	m := wholeFenceRegex.FindStringSubmatch(output)
	if m == nil {
		return output
	}
	return m[1]
}

// jsonFenceRegex matches a ```json fenced block anywhere in a body.
var jsonFenceRegex = regexp.MustCompile("```json\\s*\\n([\\s\\S]*?)```")

// ExtractJSON pulls a JSON document out of a model response that may
// wrap it in markdown or prose. Tries, in order: the body as-is, a
// ```json fence, any fenced block whose content starts with a JSON
// delimiter, then bracket matching from the first delimiter found.
// Returns the body unchanged when nothing better is found.
func ExtractJSON(body string) string {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return trimmed
	}

	if m := jsonFenceRegex.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(m[1])
	}

	// Any fence whose content looks like JSON.
	rest := body
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		rest = rest[start+3:]
		// Skip the language tag line.
		if nl := strings.Index(rest, "\n"); nl >= 0 {
			rest = rest[nl+1:]
		}
		end := strings.Index(rest, "```")
		if end < 0 {
			break
		}
		content := strings.TrimSpace(rest[:end])
		if strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[") {
			return content
		}
		rest = rest[end+3:]
	}

	// Bracket matching from the first delimiter.
	if extracted := matchBrackets(body, '{', '}'); extracted != "" {
		return extracted
	}
	if extracted := matchBrackets(body, '[', ']'); extracted != "" {
		return extracted
	}

	return body
}

// matchBrackets finds the first balanced open..close span, tracking
// string literals and escapes so braces inside strings don't count.
func matchBrackets(body string, open, close byte) string {
	start := strings.IndexByte(body, open)
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(body); i++ {
		c := body[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case open:
			if !inString {
				depth++
			}
		case close:
			if !inString {
				depth--
				if depth == 0 {
					return body[start : i+1]
				}
			}
		}
	}
	return ""
}
