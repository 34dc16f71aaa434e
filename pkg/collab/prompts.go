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
	"fmt"
	"strings"
)

// Collaboration inputs carry both structured fields and a rendered
// "prompt" string. Prompt-driven backends read the prompt; structured
// backends read the fields.

func producePrompt(task, priorOutput, critique string) string {
	var b strings.Builder
	b.WriteString(task)
	if priorOutput != "" {
		b.WriteString("\n\nYour previous attempt:\n")
		b.WriteString(priorOutput)
	}
	if critique != "" {
		b.WriteString("\n\nCritique to address:\n")
		b.WriteString(critique)
		b.WriteString("\n\nProduce an improved version.")
	}
	return b.String()
}

func criticPrompt(task, output string, criteria []Criterion) string {
	names := make([]string, len(criteria))
	for i, c := range criteria {
		names[i] = c.Name
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Evaluate the following output for the task %q.\n\nOutput:\n%s\n\n", task, output)
	fmt.Fprintf(&b, "Score each of %s from 0 to 1.\n", strings.Join(names, ", "))
	b.WriteString(`Reply with JSON only: {"scores": {"<criterion>": <score>, ...}, "feedback": "<what to improve>"}`)
	return b.String()
}

func participantPrompt(topic string, p Participant, round int, transcript string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s, in a discussion about: %s\n", p.Name, p.Role, topic)
	if transcript != "" {
		b.WriteString("\nDiscussion so far:\n")
		b.WriteString(transcript)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nRound %d. State your position and how much you agree with where the discussion is heading, from 0 to 1.\n", round)
	b.WriteString(`Reply with JSON only: {"position": "<your statement>", "agreement": <0..1>}`)
	return b.String()
}

func facilitatorPrompt(topic string, round *Round) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are facilitating round %d of a discussion about: %s\n\nContributions:\n", round.Round, topic)
	for _, c := range round.Contributions {
		fmt.Fprintf(&b, "%s: %s\n", c.Participant, c.Content)
	}
	b.WriteString("\nSynthesize the round into a consensus statement and score how close the group is to agreement, from 0 to 1.\n")
	b.WriteString(`Reply with JSON only: {"synthesis": "<statement>", "consensusScore": <0..1>}`)
	return b.String()
}
