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

package collab

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/groovekit/maestro/internal/agent"
	pkgerrors "github.com/groovekit/maestro/pkg/errors"
)

func twoParticipants() []Participant {
	return []Participant{
		{Name: "producer", Role: "beat producer", Agent: "producer"},
		{Name: "critic", Role: "club DJ", Agent: "critic"},
	}
}

func agreeResponse(position string, agreement float64) *agent.Result {
	return &agent.Result{Output: fmt.Sprintf(`{"position":%q,"agreement":%v}`, position, agreement)}
}

func TestDiscussionWeightedConsensus(t *testing.T) {
	inv := newScriptedInvoker()
	inv.handlers["producer"] = func(n int, input map[string]any) (*agent.Result, error) {
		return agreeResponse("four on the floor", 0.9), nil
	}
	inv.handlers["critic"] = func(n int, input map[string]any) (*agent.Result, error) {
		return agreeResponse("needs more breaks", 0.3), nil
	}

	r := newTestRunner(t, inv)
	res, err := r.RunDiscussion(context.Background(), "drum pattern direction", DiscussionConfig{
		Participants: []Participant{
			{Name: "producer", Role: "beat producer", Agent: "producer", Weight: 2},
			{Name: "critic", Role: "club DJ", Agent: "critic", Weight: 1},
		},
		Strategy:           StrategyWeighted,
		ConsensusThreshold: 0.7,
		MaxRounds:          3,
	})
	if err != nil {
		t.Fatalf("RunDiscussion() error: %v", err)
	}

	// (2×0.9 + 1×0.3) / 3 = 0.7: converges in the first round.
	if !res.Converged {
		t.Error("converged = false, want true")
	}
	if len(res.Rounds) != 1 {
		t.Fatalf("rounds = %d, want 1", len(res.Rounds))
	}
	if !approx(res.ConsensusScore, 0.7) {
		t.Errorf("consensusScore = %v, want 0.7", res.ConsensusScore)
	}
}

func TestDiscussionUnanimousTakesMinimum(t *testing.T) {
	inv := newScriptedInvoker()
	inv.handlers["producer"] = func(n int, input map[string]any) (*agent.Result, error) {
		return agreeResponse("agree", 0.95), nil
	}
	inv.handlers["critic"] = func(n int, input map[string]any) (*agent.Result, error) {
		return agreeResponse("mostly agree", 0.6), nil
	}

	r := newTestRunner(t, inv)
	res, err := r.RunDiscussion(context.Background(), "topic", DiscussionConfig{
		Participants:       twoParticipants(),
		Strategy:           StrategyUnanimous,
		ConsensusThreshold: 0.8,
		MaxRounds:          2,
	})
	if err != nil {
		t.Fatalf("RunDiscussion() error: %v", err)
	}

	if res.Converged {
		t.Error("converged = true, want false (minimum below threshold)")
	}
	if len(res.Rounds) != 2 {
		t.Errorf("rounds = %d, want 2 (ran to max)", len(res.Rounds))
	}
	if !approx(res.ConsensusScore, 0.6) {
		t.Errorf("consensusScore = %v, want 0.6", res.ConsensusScore)
	}
}

func TestDiscussionMajorityFraction(t *testing.T) {
	inv := newScriptedInvoker()
	agreements := map[string]float64{"a": 0.9, "b": 0.7, "c": 0.2}
	for name, agreement := range agreements {
		ag := agreement
		inv.handlers[name] = func(n int, input map[string]any) (*agent.Result, error) {
			return agreeResponse("position", ag), nil
		}
	}

	r := newTestRunner(t, inv)
	res, err := r.RunDiscussion(context.Background(), "topic", DiscussionConfig{
		Participants: []Participant{
			{Name: "a", Agent: "a"},
			{Name: "b", Agent: "b"},
			{Name: "c", Agent: "c"},
		},
		Strategy:           StrategyMajority,
		ConsensusThreshold: 0.9,
		MaxRounds:          1,
	})
	if err != nil {
		t.Fatalf("RunDiscussion() error: %v", err)
	}

	// Two of three at or above 0.5.
	if !approx(res.ConsensusScore, 2.0/3.0) {
		t.Errorf("consensusScore = %v, want 2/3", res.ConsensusScore)
	}
}

func TestDiscussionFacilitatorReportsScore(t *testing.T) {
	inv := newScriptedInvoker()
	inv.handlers["producer"] = func(n int, input map[string]any) (*agent.Result, error) {
		return agreeResponse("melodic techno", 0.5), nil
	}
	inv.handlers["critic"] = func(n int, input map[string]any) (*agent.Result, error) {
		return agreeResponse("hard techno", 0.5), nil
	}
	inv.handlers["facilitator"] = func(n int, input map[string]any) (*agent.Result, error) {
		return &agent.Result{
			Output: "Here is my take:\n```json\n{\"synthesis\":\"melodic with hard drops\",\"consensusScore\":0.85}\n```",
		}, nil
	}

	r := newTestRunner(t, inv)
	res, err := r.RunDiscussion(context.Background(), "genre direction", DiscussionConfig{
		Participants:       twoParticipants(),
		Strategy:           StrategyFacilitator,
		Facilitator:        "facilitator",
		ConsensusThreshold: 0.8,
	})
	if err != nil {
		t.Fatalf("RunDiscussion() error: %v", err)
	}

	if !res.Converged {
		t.Error("converged = false, want true from facilitator score")
	}
	if res.FinalConsensus != "melodic with hard drops" {
		t.Errorf("finalConsensus = %q", res.FinalConsensus)
	}
	if !approx(res.ConsensusScore, 0.85) {
		t.Errorf("consensusScore = %v, want 0.85", res.ConsensusScore)
	}
}

func TestDiscussionContributionsEmitOrdered(t *testing.T) {
	inv := newScriptedInvoker()
	// The first-declared participant answers slowest; emission order
	// must still follow declaration order.
	inv.handlers["producer"] = func(n int, input map[string]any) (*agent.Result, error) {
		time.Sleep(50 * time.Millisecond)
		return agreeResponse("slow answer", 0.9), nil
	}
	inv.handlers["critic"] = func(n int, input map[string]any) (*agent.Result, error) {
		return agreeResponse("fast answer", 0.9), nil
	}

	r := newTestRunner(t, inv)
	res, err := r.RunDiscussion(context.Background(), "topic", DiscussionConfig{
		Participants:       twoParticipants(),
		ConsensusThreshold: 0.5,
		MaxRounds:          1,
	})
	if err != nil {
		t.Fatalf("RunDiscussion() error: %v", err)
	}

	contributions := res.Rounds[0].Contributions
	if contributions[0].Participant != "producer" || contributions[1].Participant != "critic" {
		t.Errorf("contribution order = [%s %s], want declaration order",
			contributions[0].Participant, contributions[1].Participant)
	}
}

func TestDiscussionTranscriptAccumulates(t *testing.T) {
	inv := newScriptedInvoker()
	var round2Transcript string
	inv.handlers["producer"] = func(n int, input map[string]any) (*agent.Result, error) {
		if n == 1 {
			round2Transcript, _ = input["transcript"].(string)
		}
		return agreeResponse(fmt.Sprintf("producer round %d", n+1), 0.2), nil
	}
	inv.handlers["critic"] = func(n int, input map[string]any) (*agent.Result, error) {
		return agreeResponse("critic view", 0.2), nil
	}

	r := newTestRunner(t, inv)
	_, err := r.RunDiscussion(context.Background(), "topic", DiscussionConfig{
		Participants:       twoParticipants(),
		Strategy:           StrategyUnanimous,
		ConsensusThreshold: 0.9,
		MaxRounds:          2,
	})
	if err != nil {
		t.Fatalf("RunDiscussion() error: %v", err)
	}

	if !strings.Contains(round2Transcript, "producer round 1") ||
		!strings.Contains(round2Transcript, "critic view") {
		t.Errorf("round 2 transcript missing round 1 contributions: %q", round2Transcript)
	}
}

func TestDiscussionParticipantBounds(t *testing.T) {
	r := newTestRunner(t, newScriptedInvoker())

	var verr *pkgerrors.ValidationError

	_, err := r.RunDiscussion(context.Background(), "topic", DiscussionConfig{
		Participants: []Participant{{Name: "solo", Agent: "cli"}},
	})
	if !pkgerrors.As(err, &verr) {
		t.Fatalf("1 participant error = %v, want ValidationError", err)
	}

	many := make([]Participant, 11)
	for i := range many {
		many[i] = Participant{Name: fmt.Sprintf("p%d", i), Agent: "cli"}
	}
	_, err = r.RunDiscussion(context.Background(), "topic", DiscussionConfig{Participants: many})
	if !pkgerrors.As(err, &verr) {
		t.Fatalf("11 participants error = %v, want ValidationError", err)
	}

	_, err = r.RunDiscussion(context.Background(), "topic", DiscussionConfig{
		Participants: twoParticipants(),
		Strategy:     "vibes",
	})
	if !pkgerrors.As(err, &verr) {
		t.Fatalf("unknown strategy error = %v, want ValidationError", err)
	}

	_, err = r.RunDiscussion(context.Background(), "topic", DiscussionConfig{
		Participants: twoParticipants(),
		Strategy:     StrategyFacilitator,
	})
	if !pkgerrors.As(err, &verr) {
		t.Fatalf("missing facilitator error = %v, want ValidationError", err)
	}
}

func TestDiscussionLenientParseFallsBackToRawText(t *testing.T) {
	inv := newScriptedInvoker()
	inv.handlers["producer"] = func(n int, input map[string]any) (*agent.Result, error) {
		return &agent.Result{Output: "plain prose, no JSON here"}, nil
	}
	inv.handlers["critic"] = func(n int, input map[string]any) (*agent.Result, error) {
		return agreeResponse("fine", 1.0), nil
	}

	r := newTestRunner(t, inv)
	res, err := r.RunDiscussion(context.Background(), "topic", DiscussionConfig{
		Participants:       twoParticipants(),
		Strategy:           StrategyUnanimous,
		ConsensusThreshold: 0.99,
		MaxRounds:          1,
	})
	if err != nil {
		t.Fatalf("RunDiscussion() error: %v", err)
	}

	c := res.Rounds[0].Contributions[0]
	if c.Content != "plain prose, no JSON here" {
		t.Errorf("content = %q, want raw text fallback", c.Content)
	}
	if c.Agreement != 0 {
		t.Errorf("agreement = %v, want 0 for unparseable response", c.Agreement)
	}
}

func TestDiscussionRendersPrompts(t *testing.T) {
	inv := newScriptedInvoker()
	var mu sync.Mutex
	var producerInput, facilitatorInput map[string]any
	inv.handlers["producer"] = func(n int, input map[string]any) (*agent.Result, error) {
		mu.Lock()
		producerInput = input
		mu.Unlock()
		return agreeResponse("four to the floor", 0.9), nil
	}
	inv.handlers["critic"] = func(n int, input map[string]any) (*agent.Result, error) {
		return agreeResponse("needs breaks", 0.9), nil
	}
	inv.handlers["mediator"] = func(n int, input map[string]any) (*agent.Result, error) {
		mu.Lock()
		facilitatorInput = input
		mu.Unlock()
		return &agent.Result{Output: `{"synthesis":"hybrid set","consensusScore":0.95}`}, nil
	}

	r := newTestRunner(t, inv)
	_, err := r.RunDiscussion(context.Background(), "tonight's set", DiscussionConfig{
		Participants: twoParticipants(),
		Strategy:     StrategyFacilitator,
		Facilitator:  "mediator",
		MaxRounds:    1,
	})
	if err != nil {
		t.Fatalf("RunDiscussion() error: %v", err)
	}

	prompt, _ := producerInput["prompt"].(string)
	for _, want := range []string{"tonight's set", "producer", "beat producer", "agreement"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("participant prompt missing %q:\n%s", want, prompt)
		}
	}

	fprompt, _ := facilitatorInput["prompt"].(string)
	for _, want := range []string{"tonight's set", "four to the floor", "needs breaks", "consensusScore"} {
		if !strings.Contains(fprompt, want) {
			t.Errorf("facilitator prompt missing %q:\n%s", want, fprompt)
		}
	}
}
