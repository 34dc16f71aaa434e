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

package strudel

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/groovekit/maestro/internal/agent"
)

// Pattern is a parsed, renderable program: one or more layers playing
// concurrently, each a flat cycle of timed steps.
type Pattern struct {
	Layers []Layer
}

// Layer is one voice. Speed scales how many cycles fit in a second
// (1.0 = one cycle per two seconds).
type Layer struct {
	Steps []Step
	Speed float64
	Gain  float64
}

// Step is one slot in a cycle. Rest steps render silence.
type Step struct {
	// Sound names a percussive voice ("bd", "sd", "hh", ...). Empty
	// when the step is tonal.
	Sound string

	// Freq is the tone frequency in Hz for note steps.
	Freq float64

	// Rest marks a silent slot ("~").
	Rest bool

	// Weight stretches the slot relative to its siblings ("bd@3").
	Weight int
}

// knownSounds are the percussive voices the renderer can synthesize.
// Unknown names still render (as clicks) but surface a warning.
var knownSounds = map[string]bool{
	"bd": true, "sd": true, "hh": true, "oh": true, "cp": true,
	"lt": true, "mt": true, "ht": true, "rim": true, "cb": true,
	"crash": true, "ride": true, "perc": true, "click": true,
}

// noteOffsets maps note letters to semitone offsets from C.
var noteOffsets = map[byte]int{
	'c': 0, 'd': 2, 'e': 4, 'f': 5, 'g': 7, 'a': 9, 'b': 11,
}

type parser struct {
	src      []rune
	pos      int
	line     int
	col      int
	errors   []agent.Diagnostic
	warnings []agent.Diagnostic
}

// Parse parses pattern source into a Pattern plus diagnostics. A
// pattern with any error diagnostic must not be rendered.
func Parse(source string) (*Pattern, []agent.Diagnostic, []agent.Diagnostic) {
	p := &parser{src: []rune(source), line: 1, col: 1}
	pat := p.parseProgram()

	if len(p.errors) == 0 && len(pat.Layers) == 0 {
		p.errorf(1, 1, "empty pattern: expected at least one sound or note expression")
	}
	return pat, p.errors, p.warnings
}

func (p *parser) errorf(line, col int, format string, args ...any) {
	p.errors = append(p.errors, agent.Diagnostic{
		Line: line, Column: col, Message: fmt.Sprintf(format, args...),
	})
}

func (p *parser) warnf(line, col int, format string, args ...any) {
	p.warnings = append(p.warnings, agent.Diagnostic{
		Line: line, Column: col, Message: fmt.Sprintf(format, args...),
	})
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) peek() rune {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) advance() rune {
	r := p.src[p.pos]
	p.pos++
	if r == '\n' {
		p.line++
		p.col = 1
	} else {
		p.col++
	}
	return r
}

func (p *parser) skipSpace() {
	for !p.eof() {
		r := p.peek()
		if r == '/' && p.pos+1 < len(p.src) && p.src[p.pos+1] == '/' {
			for !p.eof() && p.peek() != '\n' {
				p.advance()
			}
			continue
		}
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			p.advance()
			continue
		}
		return
	}
}

// parseProgram parses a sequence of expressions: `s("...")`,
// `note("...")`, and `stack(expr, expr, ...)`, each optionally followed
// by modifier chains.
func (p *parser) parseProgram() *Pattern {
	pat := &Pattern{}
	for {
		p.skipSpace()
		if p.eof() {
			return pat
		}
		layers := p.parseExpr()
		pat.Layers = append(pat.Layers, layers...)
		if len(p.errors) > 0 {
			return pat
		}
	}
}

func (p *parser) parseExpr() []Layer {
	line, col := p.line, p.col
	name := p.readIdent()
	if name == "" {
		p.errorf(line, col, "expected expression, found %q", string(p.peek()))
		p.advance()
		return nil
	}

	var layers []Layer
	switch name {
	case "s", "sound":
		if body, ok := p.readQuotedArg(name); ok {
			layers = []Layer{p.buildLayer(body, line, col, false)}
		}
	case "note", "n":
		if body, ok := p.readQuotedArg(name); ok {
			layers = []Layer{p.buildLayer(body, line, col, true)}
		}
	case "stack":
		layers = p.parseStack(line, col)
	default:
		p.errorf(line, col, "unknown function %q: expected s, sound, note, n, or stack", name)
		return nil
	}
	if len(p.errors) > 0 {
		return layers
	}
	return p.parseModifiers(layers)
}

func (p *parser) parseStack(line, col int) []Layer {
	p.skipSpace()
	if p.peek() != '(' {
		p.errorf(p.line, p.col, "stack requires parenthesized arguments")
		return nil
	}
	p.advance()

	var layers []Layer
	for {
		p.skipSpace()
		if p.eof() {
			p.errorf(line, col, "unclosed stack(: missing ')'")
			return layers
		}
		if p.peek() == ')' {
			p.advance()
			if len(layers) == 0 {
				p.errorf(line, col, "stack() requires at least one pattern")
			}
			return layers
		}
		layers = append(layers, p.parseExpr()...)
		if len(p.errors) > 0 {
			return layers
		}
		p.skipSpace()
		if p.peek() == ',' {
			p.advance()
		}
	}
}

// parseModifiers consumes a chain of `.fast(2)`, `.slow(2)`, `.gain(0.8)`
// calls and applies them to the given layers.
func (p *parser) parseModifiers(layers []Layer) []Layer {
	for {
		p.skipSpace()
		if p.peek() != '.' {
			return layers
		}
		p.advance()
		line, col := p.line, p.col
		name := p.readIdent()
		arg, ok := p.readNumberArg(name)
		if !ok {
			return layers
		}
		switch name {
		case "fast":
			for i := range layers {
				layers[i].Speed *= arg
			}
		case "slow":
			if arg == 0 {
				p.errorf(line, col, "slow(0) would never advance")
				return layers
			}
			for i := range layers {
				layers[i].Speed /= arg
			}
		case "gain":
			if arg < 0 || arg > 2 {
				p.warnf(line, col, "gain %g outside [0, 2], clamping", arg)
				arg = clamp(arg, 0, 2)
			}
			for i := range layers {
				layers[i].Gain = arg
			}
		default:
			p.errorf(line, col, "unknown modifier %q: expected fast, slow, or gain", name)
			return layers
		}
	}
}

func (p *parser) readIdent() string {
	var sb strings.Builder
	for !p.eof() {
		r := p.peek()
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' {
			sb.WriteRune(p.advance())
			continue
		}
		break
	}
	return sb.String()
}

// readQuotedArg reads `("...")` and returns the quoted body.
func (p *parser) readQuotedArg(fn string) (string, bool) {
	p.skipSpace()
	if p.peek() != '(' {
		p.errorf(p.line, p.col, "%s requires a parenthesized string argument", fn)
		return "", false
	}
	p.advance()
	p.skipSpace()
	if p.peek() != '"' {
		p.errorf(p.line, p.col, "%s argument must be a quoted pattern string", fn)
		return "", false
	}
	openLine, openCol := p.line, p.col
	p.advance()

	var sb strings.Builder
	for {
		if p.eof() || p.peek() == '\n' {
			p.errorf(openLine, openCol, "unterminated string literal")
			return "", false
		}
		r := p.advance()
		if r == '"' {
			break
		}
		sb.WriteRune(r)
	}
	p.skipSpace()
	if p.peek() != ')' {
		p.errorf(p.line, p.col, "missing ')' after %s argument", fn)
		return "", false
	}
	p.advance()
	return sb.String(), true
}

func (p *parser) readNumberArg(fn string) (float64, bool) {
	p.skipSpace()
	if p.peek() != '(' {
		p.errorf(p.line, p.col, "%s requires a numeric argument", fn)
		return 0, false
	}
	p.advance()
	p.skipSpace()
	line, col := p.line, p.col
	var sb strings.Builder
	for !p.eof() {
		r := p.peek()
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			sb.WriteRune(p.advance())
			continue
		}
		break
	}
	p.skipSpace()
	if p.peek() != ')' {
		p.errorf(p.line, p.col, "missing ')' after %s argument", fn)
		return 0, false
	}
	p.advance()

	v, err := strconv.ParseFloat(sb.String(), 64)
	if err != nil {
		p.errorf(line, col, "%s argument %q is not a number", fn, sb.String())
		return 0, false
	}
	return v, true
}

// buildLayer tokenizes a mini-notation body ("bd [sd sd] ~ hh@2") into
// a layer. Brackets subdivide a slot; subdivided steps inherit a
// proportional weight denominator by flattening.
func (p *parser) buildLayer(body string, line, col int, tonal bool) Layer {
	layer := Layer{Speed: 1, Gain: 1}

	tokens, ok := p.tokenizeBody(body, line, col)
	if !ok {
		return layer
	}
	if len(tokens) == 0 {
		p.errorf(line, col, "empty pattern string")
		return layer
	}

	for _, tok := range tokens {
		step, ok := p.buildStep(tok, line, col, tonal)
		if !ok {
			return layer
		}
		layer.Steps = append(layer.Steps, step)
	}
	return layer
}

type bodyToken struct {
	text string
	col  int
}

// tokenizeBody splits on whitespace and flattens [a b] groups into
// their elements. Nested groups flatten recursively.
func (p *parser) tokenizeBody(body string, line, col int) ([]bodyToken, bool) {
	var tokens []bodyToken
	depth := 0
	start := -1
	for i, r := range body {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
			if depth < 0 {
				p.errorf(line, col+i, "unmatched ']' in pattern string")
				return nil, false
			}
		case ' ', '\t':
			if start >= 0 {
				tokens = append(tokens, bodyToken{body[start:i], col + start})
				start = -1
			}
			continue
		default:
			if start < 0 {
				start = i
			}
			continue
		}
		// Bracket characters terminate any pending token.
		if start >= 0 {
			tokens = append(tokens, bodyToken{body[start:i], col + start})
			start = -1
		}
	}
	if start >= 0 {
		tokens = append(tokens, bodyToken{body[start:], col + start})
	}
	if depth != 0 {
		p.errorf(line, col, "unclosed '[' in pattern string")
		return nil, false
	}
	return tokens, true
}

func (p *parser) buildStep(tok bodyToken, line, col int, tonal bool) (Step, bool) {
	text := tok.text
	weight := 1
	if at := strings.IndexByte(text, '@'); at >= 0 {
		w, err := strconv.Atoi(text[at+1:])
		if err != nil || w < 1 {
			p.errorf(line, tok.col, "invalid weight %q: expected @<positive integer>", text[at+1:])
			return Step{}, false
		}
		weight = w
		text = text[:at]
	}

	if text == "~" {
		return Step{Rest: true, Weight: weight}, true
	}

	if tonal {
		freq, err := noteToFreq(text)
		if err != nil {
			p.errorf(line, tok.col, "invalid note %q: %v", text, err)
			return Step{}, false
		}
		return Step{Freq: freq, Weight: weight}, true
	}

	if !knownSounds[text] {
		p.warnf(line, tok.col, "unknown sound %q, will render as click", text)
	}
	return Step{Sound: text, Weight: weight}, true
}

// noteToFreq converts note names like "c3", "a#4", "eb2" to Hz using
// equal temperament with a4 = 440.
func noteToFreq(name string) (float64, error) {
	s := strings.ToLower(name)
	if len(s) < 2 {
		return 0, fmt.Errorf("expected letter plus octave (e.g. c3)")
	}
	offset, ok := noteOffsets[s[0]]
	if !ok {
		return 0, fmt.Errorf("unknown note letter %q", s[0])
	}
	i := 1
	switch s[i] {
	case '#':
		offset++
		i++
	case 'b':
		offset--
		i++
	}
	octave, err := strconv.Atoi(s[i:])
	if err != nil || octave < 0 || octave > 9 {
		return 0, fmt.Errorf("invalid octave %q", s[i:])
	}
	// MIDI number relative to a4 (note 69).
	midi := (octave+1)*12 + offset
	return 440 * math.Exp2(float64(midi-69)/12), nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
