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
	"math"
	"strings"
	"testing"
)

func TestParseBasicPattern(t *testing.T) {
	pat, errs, warnings := Parse(`s("bd sd hh sd")`)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(warnings) > 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if len(pat.Layers) != 1 {
		t.Fatalf("layers = %d, want 1", len(pat.Layers))
	}
	layer := pat.Layers[0]
	if len(layer.Steps) != 4 {
		t.Fatalf("steps = %d, want 4", len(layer.Steps))
	}
	want := []string{"bd", "sd", "hh", "sd"}
	for i, st := range layer.Steps {
		if st.Sound != want[i] {
			t.Errorf("step %d: sound = %q, want %q", i, st.Sound, want[i])
		}
	}
}

func TestParseRestsAndWeights(t *testing.T) {
	pat, errs, _ := Parse(`s("bd ~ hh@2 ~")`)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	steps := pat.Layers[0].Steps
	if !steps[1].Rest || !steps[3].Rest {
		t.Error("expected rests at positions 1 and 3")
	}
	if steps[2].Weight != 2 {
		t.Errorf("hh weight = %d, want 2", steps[2].Weight)
	}
}

func TestParseBracketsFlatten(t *testing.T) {
	pat, errs, _ := Parse(`s("bd [sd sd] hh")`)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if n := len(pat.Layers[0].Steps); n != 4 {
		t.Errorf("steps = %d, want 4 (group flattened)", n)
	}
}

func TestParseNotes(t *testing.T) {
	pat, errs, _ := Parse(`note("a4 c3 e3")`)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	steps := pat.Layers[0].Steps
	if math.Abs(steps[0].Freq-440) > 0.01 {
		t.Errorf("a4 freq = %g, want 440", steps[0].Freq)
	}
	if math.Abs(steps[1].Freq-130.81) > 0.1 {
		t.Errorf("c3 freq = %g, want ~130.81", steps[1].Freq)
	}
}

func TestParseStackAndModifiers(t *testing.T) {
	pat, errs, _ := Parse(`stack(s("bd sd"), note("c3 e3")).fast(2).gain(0.5)`)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(pat.Layers) != 2 {
		t.Fatalf("layers = %d, want 2", len(pat.Layers))
	}
	for i, layer := range pat.Layers {
		if layer.Speed != 2 {
			t.Errorf("layer %d: speed = %g, want 2", i, layer.Speed)
		}
		if layer.Gain != 0.5 {
			t.Errorf("layer %d: gain = %g, want 0.5", i, layer.Gain)
		}
	}
}

func TestParseErrorsCarryPosition(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		wantMsg string
	}{
		{"unterminated string", `s("bd sd`, "unterminated string"},
		{"unknown function", `drums("bd")`, "unknown function"},
		{"unclosed bracket", `s("bd [sd")`, "unclosed '['"},
		{"bad note", `note("x3")`, "invalid note"},
		{"empty source", ``, "empty pattern"},
		{"bad modifier", `s("bd").reverse(1)`, "unknown modifier"},
		{"bad weight", `s("bd@0")`, "invalid weight"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs, _ := Parse(tt.source)
			if len(errs) == 0 {
				t.Fatal("expected at least one error")
			}
			if !strings.Contains(errs[0].Message, tt.wantMsg) {
				t.Errorf("error = %q, want substring %q", errs[0].Message, tt.wantMsg)
			}
			if errs[0].Line < 1 || errs[0].Column < 1 {
				t.Errorf("diagnostic position %d:%d not 1-based", errs[0].Line, errs[0].Column)
			}
		})
	}
}

func TestParseMultilinePosition(t *testing.T) {
	src := "s(\"bd sd\")\nbogus(\"x\")"
	_, errs, _ := Parse(src)
	if len(errs) == 0 {
		t.Fatal("expected error for bogus function")
	}
	if errs[0].Line != 2 {
		t.Errorf("error line = %d, want 2", errs[0].Line)
	}
}

func TestParseUnknownSoundWarns(t *testing.T) {
	_, errs, warnings := Parse(`s("bd zap")`)
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0].Message, "zap") {
		t.Errorf("warnings = %v, want one naming zap", warnings)
	}
}
