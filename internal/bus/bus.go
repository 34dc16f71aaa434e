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

// Package bus is the in-process event fan-out: one topic per job or
// execution, a monotonic sequence per topic, and bounded per-subscriber
// delivery queues. Slow consumers lose oldest events, never the
// producer's time.
package bus

import (
	"log/slog"
	"sync"
	"time"

	maestrolog "github.com/groovekit/maestro/internal/log"
)

// Event is one notification on a topic. Payload carries the
// producer-specific body; consumers switch on Type.
type Event struct {
	// Topic is the topic this event was published on.
	Topic string `json:"topic"`

	// Seq is the per-topic monotonic sequence. Replicas deduplicate
	// by (topic, seq).
	Seq uint64 `json:"seq"`

	// Type names the event (e.g., "cli:progress", "workflow:step:completed").
	Type string `json:"type"`

	// Time is when the event was published.
	Time time.Time `json:"time"`

	// Terminal marks the last event a topic will carry. One-shot
	// subscribers detach after delivering it.
	Terminal bool `json:"terminal,omitempty"`

	// Dropped is the number of events this subscriber lost immediately
	// before this one. Consumers seeing a nonzero value can request a
	// fresh snapshot.
	Dropped uint64 `json:"dropped,omitempty"`

	// Payload is the event body.
	Payload any `json:"payload,omitempty"`
}

// Config configures the bus.
type Config struct {
	// QueueSize is the default bounded queue per subscriber.
	// Default: 256.
	QueueSize int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Bus is the in-process fan-out. Safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	topics    map[string]*topic
	queueSize int
	logger    *slog.Logger
	closed    bool
}

type topic struct {
	// mu orders publishes and guards the subscriber set. Delivery
	// happens into subscriber channels, which never run consumer code,
	// so holding mu during delivery cannot invert listener-held locks.
	mu   sync.Mutex
	name string
	seq  uint64
	subs []*Subscription
}

// New creates a Bus.
func New(cfg Config) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		topics:    make(map[string]*topic),
		queueSize: cfg.QueueSize,
		logger:    maestrolog.WithComponent(logger, "bus"),
	}
}

func (b *Bus) topicFor(name string) *topic {
	b.mu.RLock()
	t, ok := b.topics[name]
	closed := b.closed
	b.mu.RUnlock()
	if ok || closed {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if t, ok = b.topics[name]; ok {
		return t
	}
	t = &topic{name: name}
	b.topics[name] = t
	return t
}

// Publish assigns the next sequence on the topic and delivers the event
// to every subscriber. Returns the assigned sequence, or zero after the
// bus has closed.
func (b *Bus) Publish(name string, ev Event) uint64 {
	t := b.topicFor(name)
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	ev.Topic = name
	ev.Seq = t.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	for _, sub := range t.subs {
		sub.push(ev)
	}

	if ev.Terminal {
		remaining := t.subs[:0]
		for _, sub := range t.subs {
			if sub.oneShot {
				sub.detach()
			} else {
				remaining = append(remaining, sub)
			}
		}
		t.subs = remaining
	}

	return t.seq
}

// Subscribe attaches a listener to a topic. The returned subscription's
// channel delivers events in publish order until Unsubscribe or, for
// one-shot subscriptions, until a terminal event is delivered.
func (b *Bus) Subscribe(name string, opts ...SubscribeOption) *Subscription {
	t := b.topicFor(name)

	sub := &Subscription{
		queueSize: b.queueSize,
	}
	for _, opt := range opts {
		opt(sub)
	}
	sub.ch = make(chan Event, sub.queueSize)
	sub.topic = t

	if t == nil {
		// Bus closed: hand back an already-detached subscription so
		// callers need no special case.
		sub.detach()
		return sub
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if sub.replay != nil {
		for _, ev := range sub.replay(t.seq) {
			ev.Topic = name
			if ev.Seq == 0 {
				ev.Seq = t.seq
			}
			if ev.Time.IsZero() {
				ev.Time = time.Now()
			}
			sub.push(ev)
		}
	}
	t.subs = append(t.subs, sub)
	return sub
}

// DropTopic removes a topic and detaches its subscribers. Called after
// terminal delivery once the retention window for live streaming ends.
func (b *Bus) DropTopic(name string) {
	b.mu.Lock()
	t := b.topics[name]
	delete(b.topics, name)
	b.mu.Unlock()

	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs {
		sub.detach()
	}
	t.subs = nil
}

// SubscriberCount reports the number of attached subscribers on a topic.
func (b *Bus) SubscriberCount(name string) int {
	b.mu.RLock()
	t := b.topics[name]
	b.mu.RUnlock()
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close detaches every subscriber and refuses further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := b.topics
	b.topics = make(map[string]*topic)
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for _, sub := range t.subs {
			sub.detach()
		}
		t.subs = nil
		t.mu.Unlock()
	}
}
