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

package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	maestrolog "github.com/groovekit/maestro/internal/log"
	"github.com/groovekit/maestro/internal/store"
)

// Publisher sends payloads to a named store channel. Satisfied by
// *store.Store.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Channel(parts ...string) string
}

// Subscriber attaches to a named store channel. Satisfied by
// *store.Store.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (*store.Subscription, error)
	Channel(parts ...string) string
}

// relayFrame is the wire shape of one relayed event. The originating
// replica's sequence travels with it so receivers can deduplicate the
// at-least-once store delivery by (topic, seq).
type relayFrame struct {
	Topic    string          `json:"topic"`
	Seq      uint64          `json:"seq"`
	Type     string          `json:"type"`
	Terminal bool            `json:"terminal,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Relay bridges the in-process bus and the store's pub-sub so a replica
// with a connected client can stream a job another replica is driving.
// Forwarding is compacted: only events the filter admits cross the wire.
type Relay struct {
	bus    *Bus
	logger *slog.Logger
}

// NewRelay creates a Relay over the bus.
func NewRelay(b *Bus, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		bus:    b,
		logger: maestrolog.WithComponent(logger, "bus.relay"),
	}
}

// Forward subscribes to a local topic and publishes admitted events to
// the store channel events:<topic> until ctx ends or the topic closes.
// The returned stop function is idempotent.
func (r *Relay) Forward(ctx context.Context, pub Publisher, topicName string, admit func(Event) bool) func() {
	sub := r.bus.Subscribe(topicName)
	channel := pub.Channel("events", topicName)

	var once sync.Once
	stop := func() { once.Do(sub.Unsubscribe) }

	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if admit != nil && !admit(ev) {
					continue
				}
				payload, err := json.Marshal(ev.Payload)
				if err != nil {
					r.logger.Warn("dropping unmarshalable relay payload",
						"topic", topicName, "type", ev.Type, maestrolog.Error(err))
					continue
				}
				frame, err := json.Marshal(relayFrame{
					Topic:    topicName,
					Seq:      ev.Seq,
					Type:     ev.Type,
					Terminal: ev.Terminal,
					Payload:  payload,
				})
				if err != nil {
					continue
				}
				if err := pub.Publish(ctx, channel, frame); err != nil {
					r.logger.Warn("relay publish failed",
						"topic", topicName, maestrolog.Error(err))
				}
				if ev.Terminal {
					return
				}
			}
		}
	}()

	return stop
}

// Attach subscribes to the store channel events:<topic> and re-emits
// frames on the local bus, deduplicating by origin sequence. Used by a
// replica that has local stream consumers for a job it does not drive.
func (r *Relay) Attach(ctx context.Context, sub Subscriber, topicName string) (func(), error) {
	channel := sub.Channel("events", topicName)
	storeSub, err := sub.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}

	var once sync.Once
	stop := func() { once.Do(storeSub.Close) }

	go func() {
		var lastSeq uint64
		for payload := range storeSub.Messages() {
			var frame relayFrame
			if err := json.Unmarshal(payload, &frame); err != nil {
				r.logger.Warn("discarding malformed relay frame",
					"topic", topicName, maestrolog.Error(err))
				continue
			}
			// Store delivery is at-least-once; origin sequences are
			// monotonic, so anything at or below the high-water mark
			// is a duplicate.
			if frame.Seq <= lastSeq {
				continue
			}
			lastSeq = frame.Seq

			var body any
			if len(frame.Payload) > 0 {
				_ = json.Unmarshal(frame.Payload, &body)
			}
			r.bus.Publish(topicName, Event{
				Type:     frame.Type,
				Terminal: frame.Terminal,
				Payload:  body,
			})
			if frame.Terminal {
				stop()
			}
		}
	}()

	return stop, nil
}
