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
	"time"

	"github.com/google/uuid"

	maestroerrors "github.com/groovekit/maestro/pkg/errors"
)

// Critique event types, published on topic critique:<executionId>.
const (
	EventCritiqueIteration = "critique:iteration"
	EventCritiqueConverged = "critique:converged"
	EventCritiqueCompleted = "critique:completed"
)

// Criterion is one weighted quality dimension.
type Criterion struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// CritiqueConfig configures a self-critique loop.
type CritiqueConfig struct {
	// Agent is the backend kind producing output. Required.
	Agent string

	// Critic is the backend kind scoring output; defaults to Agent.
	Critic string

	// MaxIterations bounds the loop. Default: 3.
	MaxIterations int

	// QualityThreshold is the overall score that counts as good enough.
	QualityThreshold float64

	// StopOnQualityThreshold stops the loop early once the threshold is
	// met.
	StopOnQualityThreshold bool

	// Criteria are the weighted scoring dimensions. Default: a single
	// "quality" criterion with weight 1.
	Criteria []Criterion
}

// Iteration is one produce-then-critique pass.
type Iteration struct {
	Iteration      int                `json:"iteration"`
	Output         string             `json:"output"`
	Scores         map[string]float64 `json:"scores"`
	OverallScore   float64            `json:"overallScore"`
	Feedback       string             `json:"feedback"`
	MeetsThreshold bool               `json:"meetsThreshold"`
}

// CritiqueResult is the loop's outcome.
type CritiqueResult struct {
	ExecutionID string      `json:"executionId"`
	Iterations  []Iteration `json:"iterations"`

	// FinalOutput is the best-scoring iteration's output; ties go to
	// the latest.
	FinalOutput string  `json:"finalOutput"`
	FinalScore  float64 `json:"finalScore"`
	Converged   bool    `json:"converged"`

	// Improvement is final minus first overall score.
	Improvement float64 `json:"improvement"`
}

// criticResponse is the shape expected from the critic agent, parsed
// leniently.
type criticResponse struct {
	Scores   map[string]float64 `json:"scores"`
	Feedback string             `json:"feedback"`
}

// RunCritique runs the iterative self-critique loop: produce, score
// against weighted criteria, feed the critique back, repeat.
func (r *Runner) RunCritique(ctx context.Context, task string, cfg CritiqueConfig) (*CritiqueResult, error) {
	if cfg.Agent == "" {
		return nil, &maestroerrors.ValidationError{Field: "agent", Message: "critique requires an agent"}
	}
	if cfg.Critic == "" {
		cfg.Critic = cfg.Agent
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 3
	}
	if len(cfg.Criteria) == 0 {
		cfg.Criteria = []Criterion{{Name: "quality", Weight: 1}}
	}
	for _, c := range cfg.Criteria {
		if c.Weight <= 0 {
			return nil, &maestroerrors.ValidationError{
				Field:   "criteria",
				Message: fmt.Sprintf("criterion %q requires a positive weight", c.Name),
			}
		}
	}

	start := time.Now()
	executionID := "critique_" + uuid.NewString()
	topic := "critique:" + executionID
	result := &CritiqueResult{ExecutionID: executionID}

	var priorOutput, priorFeedback string
	for i := 1; i <= cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, &maestroerrors.CancelledError{Operation: "critique"}
		}

		produceInput := map[string]any{
			"task":   task,
			"prompt": producePrompt(task, priorOutput, priorFeedback),
		}
		if i > 1 {
			produceInput["previousOutput"] = priorOutput
			produceInput["critique"] = priorFeedback
		}
		res, err := r.invoker.Invoke(ctx, cfg.Agent, produceInput, nil)
		if err != nil {
			return nil, err
		}
		output := res.Output

		var critique criticResponse
		if _, err := r.invokeParsed(ctx, cfg.Critic, map[string]any{
			"task":     task,
			"output":   output,
			"criteria": cfg.Criteria,
			"prompt":   criticPrompt(task, output, cfg.Criteria),
		}, &critique); err != nil {
			return nil, err
		}

		iter := Iteration{
			Iteration: i,
			Output:    output,
			Scores:    critique.Scores,
			Feedback:  critique.Feedback,
		}
		iter.OverallScore = weightedScore(cfg.Criteria, critique.Scores)
		iter.MeetsThreshold = iter.OverallScore >= cfg.QualityThreshold
		result.Iterations = append(result.Iterations, iter)

		r.publish(topic, EventCritiqueIteration, false, iter)

		priorOutput = output
		priorFeedback = critique.Feedback

		if iter.MeetsThreshold && cfg.StopOnQualityThreshold {
			result.Converged = true
			r.publish(topic, EventCritiqueConverged, false, iter)
			break
		}
	}

	best := 0
	for i := range result.Iterations {
		if result.Iterations[i].OverallScore >= result.Iterations[best].OverallScore {
			best = i
		}
	}
	result.FinalOutput = result.Iterations[best].Output
	result.FinalScore = result.Iterations[best].OverallScore
	result.Improvement = result.FinalScore - result.Iterations[0].OverallScore

	r.publish(topic, EventCritiqueCompleted, true, result)
	if r.metrics != nil {
		r.metrics.CritiqueCompleted(result.Converged, len(result.Iterations), result.FinalScore, result.Improvement)
	}
	r.logDuration("critique", executionID, start)
	return result, nil
}

// weightedScore computes Σ wᵢsᵢ / Σ wᵢ over the configured criteria.
// Criteria the critic did not score contribute zero.
func weightedScore(criteria []Criterion, scores map[string]float64) float64 {
	var sum, weights float64
	for _, c := range criteria {
		sum += c.Weight * scores[c.Name]
		weights += c.Weight
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}
