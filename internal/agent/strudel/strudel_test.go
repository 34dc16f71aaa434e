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
	"context"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/groovekit/maestro/internal/agent"
	pkgerrors "github.com/groovekit/maestro/pkg/errors"
)

func testInput(t *testing.T, code string, durationSec int) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(Input{Code: code, DurationSec: durationSec})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestValidateReportsDiagnostics(t *testing.T) {
	b := New(Config{})

	report, err := b.Validate(context.Background(), testInput(t, `s("bd [sd`, 0))
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if report.Valid {
		t.Fatal("report.Valid = true for broken source")
	}
	if len(report.Errors) == 0 {
		t.Fatal("expected error diagnostics")
	}
	if report.Errors[0].Line != 1 {
		t.Errorf("diagnostic line = %d, want 1", report.Errors[0].Line)
	}
}

func TestValidateAcceptsGoodSource(t *testing.T) {
	b := New(Config{})

	report, err := b.Validate(context.Background(), testInput(t, `s("bd sd hh sd")`, 0))
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if !report.Valid {
		t.Fatalf("report.Valid = false: %v", report.Errors)
	}
}

func TestExecuteRendersWAV(t *testing.T) {
	b := New(Config{SampleRate: 8000, Channels: 1})

	var events []agent.Event
	res, err := b.Execute(context.Background(), agent.Task{
		JobID: "job_1",
		Input: testInput(t, `stack(s("bd sd"), note("c3 e3")).fast(2)`, 2),
	}, func(ev agent.Event) { events = append(events, ev) })
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	if res.Audio == nil {
		t.Fatal("result has no audio artifact")
	}
	if res.Audio.Format != "wav" {
		t.Errorf("format = %q, want wav", res.Audio.Format)
	}
	if res.Audio.DurationMs != 2000 {
		t.Errorf("durationMs = %d, want 2000", res.Audio.DurationMs)
	}

	// RIFF header sanity: magic, sample rate, data size for 2 s mono PCM16.
	data := res.Audio.Data
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatal("output is not a RIFF/WAVE container")
	}
	if got := binary.LittleEndian.Uint32(data[24:28]); got != 8000 {
		t.Errorf("sample rate = %d, want 8000", got)
	}
	if got := binary.LittleEndian.Uint32(data[40:44]); got != 2*8000*2 {
		t.Errorf("data size = %d, want %d", got, 2*8000*2)
	}

	// Audio must not be silence.
	peak := 0
	for off := 44; off+2 <= len(data); off += 2 {
		v := int(int16(binary.LittleEndian.Uint16(data[off : off+2])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	if peak < 1000 {
		t.Errorf("peak sample = %d, expected audible output", peak)
	}
}

func TestExecuteEventOrder(t *testing.T) {
	b := New(Config{SampleRate: 8000, Channels: 1})

	var events []agent.Event
	_, err := b.Execute(context.Background(), agent.Task{
		JobID: "job_1",
		Input: testInput(t, `s("bd sd")`, 1),
	}, func(ev agent.Event) { events = append(events, ev) })
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	if events[0].Type != agent.EventStart {
		t.Errorf("first event = %q, want start", events[0].Type)
	}
	if events[len(events)-1].Type != agent.EventEnd {
		t.Errorf("last event = %q, want end", events[len(events)-1].Type)
	}

	sawValidating, sawRendering := false, false
	lastPercent := -1
	for _, ev := range events {
		if ev.Type != agent.EventProgress {
			continue
		}
		switch ev.Stage {
		case "validating":
			sawValidating = true
		case "rendering":
			sawRendering = true
		}
		if ev.Percent < lastPercent {
			t.Errorf("progress regressed: %d after %d", ev.Percent, lastPercent)
		}
		lastPercent = ev.Percent
	}
	if !sawValidating || !sawRendering {
		t.Errorf("stages seen: validating=%v rendering=%v, want both", sawValidating, sawRendering)
	}
}

func TestExecuteInvalidSourceNeverRenders(t *testing.T) {
	b := New(Config{})

	var events []agent.Event
	_, err := b.Execute(context.Background(), agent.Task{
		JobID: "job_1",
		Input: testInput(t, `s("bd [sd")`, 1),
	}, func(ev agent.Event) { events = append(events, ev) })

	var verr *pkgerrors.ValidationError
	if !pkgerrors.As(err, &verr) {
		t.Fatalf("Execute() error = %v, want ValidationError", err)
	}
	for _, ev := range events {
		if ev.Stage == "rendering" && ev.Percent > 10 {
			t.Error("render progress emitted for invalid source")
		}
		if ev.Type == agent.EventEnd {
			t.Error("end event emitted for invalid source")
		}
	}
}

func TestExecuteCancellation(t *testing.T) {
	b := New(Config{SampleRate: 44100, Channels: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Execute(ctx, agent.Task{
		JobID: "job_1",
		Input: testInput(t, `s("bd sd")`, 300),
	}, nil)

	var cerr *pkgerrors.CancelledError
	if !pkgerrors.As(err, &cerr) {
		t.Fatalf("Execute() error = %v, want CancelledError", err)
	}
}

func TestExecuteDeadline(t *testing.T) {
	b := New(Config{SampleRate: 44100, Channels: 2})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := b.Execute(ctx, agent.Task{
		JobID: "job_1",
		Input: testInput(t, `s("bd sd")`, 300),
	}, nil)

	var terr *pkgerrors.TimeoutError
	if !pkgerrors.As(err, &terr) {
		t.Fatalf("Execute() error = %v, want TimeoutError", err)
	}
}

func TestExecuteDurationBounds(t *testing.T) {
	b := New(Config{})

	_, err := b.Execute(context.Background(), agent.Task{
		JobID: "job_1",
		Input: testInput(t, `s("bd")`, 301),
	}, nil)

	var verr *pkgerrors.ValidationError
	if !pkgerrors.As(err, &verr) {
		t.Fatalf("Execute() error = %v, want ValidationError", err)
	}
}
