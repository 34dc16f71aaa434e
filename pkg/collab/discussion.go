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
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	maestroerrors "github.com/groovekit/maestro/pkg/errors"
)

// Discussion event types, published on topic discussion:<executionId>.
const (
	EventRoundStarted        = "discussion:round-started"
	EventContribution        = "discussion:contribution"
	EventRoundCompleted      = "discussion:round-completed"
	EventDiscussionConverged = "discussion:converged"
	EventDiscussionCompleted = "discussion:completed"
)

// Consensus strategies.
const (
	StrategyUnanimous   = "unanimous"
	StrategyMajority    = "majority"
	StrategyWeighted    = "weighted"
	StrategyFacilitator = "facilitator"
)

// Participant is one discussion voice.
type Participant struct {
	// Name identifies the participant in transcripts and events.
	Name string `json:"name"`

	// Role is the perspective prompt (e.g., "sound designer").
	Role string `json:"role"`

	// Agent is the backend kind that speaks for this participant.
	Agent string `json:"agent"`

	// Weight applies under the weighted strategy. Default: 1.
	Weight float64 `json:"weight,omitempty"`
}

// DiscussionConfig configures a discussion loop.
type DiscussionConfig struct {
	// Participants are the discussion voices; 2 to 10.
	Participants []Participant

	// MaxRounds bounds the loop. Default: 3.
	MaxRounds int

	// ConsensusThreshold is the score at which the discussion
	// converges. Default: 0.8.
	ConsensusThreshold float64

	// Strategy is unanimous, majority, weighted, or facilitator.
	// Default: majority.
	Strategy string

	// Facilitator is the backend kind synthesizing rounds under the
	// facilitator strategy; required for it, optional otherwise.
	Facilitator string
}

// Contribution is one participant's statement in a round.
type Contribution struct {
	Participant string `json:"participant"`
	Content     string `json:"content"`

	// Agreement is the participant's self-reported alignment with the
	// emerging consensus, in [0, 1].
	Agreement float64 `json:"agreement"`
}

// Round is one gather-then-synthesize pass.
type Round struct {
	Round          int            `json:"round"`
	Contributions  []Contribution `json:"contributions"`
	Synthesis      string         `json:"synthesis"`
	ConsensusScore float64        `json:"consensusScore"`
}

// DiscussionResult is the loop's outcome.
type DiscussionResult struct {
	ExecutionID    string            `json:"executionId"`
	Rounds         []Round           `json:"rounds"`
	FinalConsensus string            `json:"finalConsensus"`
	ConsensusScore float64           `json:"consensusScore"`
	Converged      bool              `json:"converged"`
	Summaries      map[string]string `json:"summaries"`
}

// participantResponse is the lenient shape expected from each
// participant.
type participantResponse struct {
	Position  string  `json:"position"`
	Agreement float64 `json:"agreement"`
}

// facilitatorResponse is the lenient shape expected from the
// facilitator agent.
type facilitatorResponse struct {
	Synthesis      string  `json:"synthesis"`
	ConsensusScore float64 `json:"consensusScore"`
}

// RunDiscussion runs the multi-participant discussion loop:
// contributions are gathered concurrently each round, emitted in
// declaration order, then synthesized into a consensus score.
func (r *Runner) RunDiscussion(ctx context.Context, topic string, cfg DiscussionConfig) (*DiscussionResult, error) {
	if n := len(cfg.Participants); n < 2 || n > 10 {
		return nil, &maestroerrors.ValidationError{
			Field:   "participants",
			Message: fmt.Sprintf("discussion requires 2 to 10 participants, got %d", n),
		}
	}
	switch cfg.Strategy {
	case "":
		cfg.Strategy = StrategyMajority
	case StrategyUnanimous, StrategyMajority, StrategyWeighted:
	case StrategyFacilitator:
		if cfg.Facilitator == "" {
			return nil, &maestroerrors.ValidationError{
				Field:   "facilitator",
				Message: "facilitator strategy requires a facilitator agent",
			}
		}
	default:
		return nil, &maestroerrors.ValidationError{
			Field:   "strategy",
			Message: fmt.Sprintf("unknown consensus strategy %q", cfg.Strategy),
		}
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 3
	}
	if cfg.ConsensusThreshold <= 0 {
		cfg.ConsensusThreshold = 0.8
	}

	start := time.Now()
	executionID := "disc_" + uuid.NewString()
	busTopic := "discussion:" + executionID
	result := &DiscussionResult{
		ExecutionID: executionID,
		Summaries:   make(map[string]string, len(cfg.Participants)),
	}

	var transcript []string
	for roundNum := 1; roundNum <= cfg.MaxRounds; roundNum++ {
		if err := ctx.Err(); err != nil {
			return nil, &maestroerrors.CancelledError{Operation: "discussion"}
		}

		r.publish(busTopic, EventRoundStarted, false, map[string]any{
			"executionId": executionID,
			"round":       roundNum,
		})

		contributions := make([]Contribution, len(cfg.Participants))
		g, gctx := errgroup.WithContext(ctx)
		for i := range cfg.Participants {
			p := cfg.Participants[i]
			g.Go(func() error {
				var resp participantResponse
				history := strings.Join(transcript, "\n")
				fallback, err := r.invokeParsed(gctx, p.Agent, map[string]any{
					"topic":      topic,
					"name":       p.Name,
					"role":       p.Role,
					"round":      roundNum,
					"transcript": history,
					"prompt":     participantPrompt(topic, p, roundNum, history),
				}, &resp)
				if err != nil {
					if fallback == "" {
						return err
					}
					// An unparseable contribution still counts as a
					// statement, with no agreement signal.
					resp = participantResponse{Position: fallback}
				}
				contributions[i] = Contribution{
					Participant: p.Name,
					Content:     resp.Position,
					Agreement:   clampScore(resp.Agreement),
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		// Emit in declaration order regardless of completion order.
		for _, c := range contributions {
			r.publish(busTopic, EventContribution, false, map[string]any{
				"executionId":  executionID,
				"round":        roundNum,
				"contribution": c,
			})
		}

		round := Round{Round: roundNum, Contributions: contributions}
		if err := r.synthesize(ctx, topic, cfg, &round); err != nil {
			return nil, err
		}
		result.Rounds = append(result.Rounds, round)
		for _, c := range contributions {
			result.Summaries[c.Participant] = c.Content
			transcript = append(transcript, fmt.Sprintf("[round %d] %s: %s", roundNum, c.Participant, c.Content))
		}

		r.publish(busTopic, EventRoundCompleted, false, round)

		if round.ConsensusScore >= cfg.ConsensusThreshold {
			result.Converged = true
			r.publish(busTopic, EventDiscussionConverged, false, round)
			break
		}
	}

	last := result.Rounds[len(result.Rounds)-1]
	result.FinalConsensus = last.Synthesis
	result.ConsensusScore = last.ConsensusScore

	r.publish(busTopic, EventDiscussionCompleted, true, result)
	if r.metrics != nil {
		r.metrics.DiscussionCompleted(result.Converged, len(result.Rounds), result.ConsensusScore)
	}
	r.logDuration("discussion", executionID, start)
	return result, nil
}

// synthesize fills the round's synthesis and consensus score. The
// facilitator strategy delegates both to the facilitator agent; the
// mechanical strategies score from reported agreements and use the
// facilitator (when configured) or a transcript digest for the text.
func (r *Runner) synthesize(ctx context.Context, topic string, cfg DiscussionConfig, round *Round) error {
	if cfg.Strategy == StrategyFacilitator {
		var resp facilitatorResponse
		if _, err := r.invokeParsed(ctx, cfg.Facilitator, map[string]any{
			"topic":         topic,
			"round":         round.Round,
			"contributions": round.Contributions,
			"prompt":        facilitatorPrompt(topic, round),
		}, &resp); err != nil {
			return err
		}
		round.Synthesis = resp.Synthesis
		round.ConsensusScore = clampScore(resp.ConsensusScore)
		return nil
	}

	round.ConsensusScore = mechanicalConsensus(cfg, round.Contributions)

	if cfg.Facilitator != "" {
		var resp facilitatorResponse
		if _, err := r.invokeParsed(ctx, cfg.Facilitator, map[string]any{
			"topic":         topic,
			"round":         round.Round,
			"contributions": round.Contributions,
			"prompt":        facilitatorPrompt(topic, round),
		}, &resp); err == nil && resp.Synthesis != "" {
			round.Synthesis = resp.Synthesis
			return nil
		}
	}

	var b strings.Builder
	for i, c := range round.Contributions {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", c.Participant, c.Content)
	}
	round.Synthesis = b.String()
	return nil
}

// mechanicalConsensus scores a round from reported agreements:
// unanimous takes the minimum, majority the fraction agreeing at 0.5
// or above, weighted the weight-normalized mean.
func mechanicalConsensus(cfg DiscussionConfig, contributions []Contribution) float64 {
	switch cfg.Strategy {
	case StrategyUnanimous:
		min := 1.0
		for _, c := range contributions {
			if c.Agreement < min {
				min = c.Agreement
			}
		}
		return min

	case StrategyWeighted:
		var sum, weights float64
		for i, c := range contributions {
			w := cfg.Participants[i].Weight
			if w <= 0 {
				w = 1
			}
			sum += w * c.Agreement
			weights += w
		}
		if weights == 0 {
			return 0
		}
		return sum / weights

	default: // majority
		agreeing := 0
		for _, c := range contributions {
			if c.Agreement >= 0.5 {
				agreeing++
			}
		}
		return float64(agreeing) / float64(len(contributions))
	}
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
