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

package claudecli

import (
	"context"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"

	"github.com/groovekit/maestro/internal/agent"
	pkgerrors "github.com/groovekit/maestro/pkg/errors"
)

// messagesClient is the subset of the Anthropic SDK the fallback path
// uses. Satisfied by *sdk.MessageService; tests pass a mock.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// fallbackClient serves CLI tasks over the Anthropic Messages API when
// no CLI binary is installed. A circuit breaker shields the scheduler
// from hammering a failing API.
type fallbackClient struct {
	messages messagesClient
	model    string
	breaker  *gobreaker.CircuitBreaker
}

func newFallbackClient(apiKey, model string) *fallbackClient {
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return newFallbackWithMessages(&ac.Messages, model)
}

func newFallbackWithMessages(msg messagesClient, model string) *fallbackClient {
	return &fallbackClient{
		messages: msg,
		model:    model,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "anthropic-fallback",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (f *fallbackClient) open() bool {
	return f.breaker.State() == gobreaker.StateOpen
}

// runFallback executes one task as a single non-streaming Messages
// call. Events degrade to Start then End.
func (b *Backend) runFallback(ctx context.Context, task agent.Task, in Input, sink agent.EventSink) (*agent.Result, error) {
	f := b.fallback

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxToken
	}
	model := in.Model
	if model == "" {
		model = f.model
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Model:     sdk.Model(model),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(in.Prompt)),
		},
	}
	if in.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: in.SystemPrompt}}
	}

	emit(sink, agent.Event{Type: agent.EventStart})

	start := time.Now()
	raw, err := f.breaker.Execute(func() (interface{}, error) {
		return f.messages.New(ctx, params)
	})
	duration := time.Since(start)

	if err != nil {
		if pkgerrors.Is(err, gobreaker.ErrOpenState) || pkgerrors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &pkgerrors.BackendUnavailableError{
				Backend:   string(agent.KindCLI),
				Reason:    "api fallback circuit open",
				Transient: true,
				Cause:     err,
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			if pkgerrors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, &pkgerrors.TimeoutError{
					Operation: "api fallback request",
					Duration:  task.Timeout,
					Cause:     err,
				}
			}
			return nil, &pkgerrors.CancelledError{Operation: "api fallback request"}
		}
		return nil, &pkgerrors.ExecutionError{
			Backend: string(agent.KindCLI),
			Message: "api fallback request failed",
			Cause:   err,
		}
	}

	msg := raw.(*sdk.Message)
	res := &agent.Result{
		Output:     messageText(msg),
		DurationMs: duration.Milliseconds(),
	}
	if msg.Usage.InputTokens != 0 || msg.Usage.OutputTokens != 0 {
		res.Usage = &agent.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		}
	}

	emit(sink, agent.Event{Type: agent.EventEnd, Result: res})
	return res, nil
}

// messageText joins the text blocks of a Messages response.
func messageText(msg *sdk.Message) string {
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
