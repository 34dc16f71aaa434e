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
	"sync"
	"sync/atomic"
)

// SubscribeOption customizes a subscription.
type SubscribeOption func(*Subscription)

// WithQueueSize overrides the bounded outbound queue length.
func WithQueueSize(n int) SubscribeOption {
	return func(s *Subscription) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithReplay supplies events delivered to the subscriber before it sees
// the live tail. The function runs under the topic lock with the
// current sequence, so no published event can slip between the replay
// and the first live delivery.
func WithReplay(fn func(seq uint64) []Event) SubscribeOption {
	return func(s *Subscription) {
		s.replay = fn
	}
}

// OneShot detaches the subscription automatically after a terminal
// event is delivered.
func OneShot() SubscribeOption {
	return func(s *Subscription) {
		s.oneShot = true
	}
}

// Subscription is one attached listener. Events arrive on Events() in
// publish order; the channel closes on detach.
type Subscription struct {
	topic     *topic
	ch        chan Event
	queueSize int
	replay    func(seq uint64) []Event
	oneShot   bool

	mu       sync.Mutex
	detached bool
	pending  uint64 // drops not yet attached to a delivered event

	dropped atomic.Uint64

	unsubOnce sync.Once
}

// Events returns the delivery channel. Closed on Unsubscribe, terminal
// delivery (one-shot), topic drop, or bus close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped reports the total events this subscriber has lost. A consumer
// observing growth here (or a nonzero Event.Dropped) should request a
// fresh snapshot.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe detaches the listener. Idempotent; safe to call after the
// channel has already closed.
func (s *Subscription) Unsubscribe() {
	s.unsubOnce.Do(func() {
		if t := s.topic; t != nil {
			t.mu.Lock()
			for i, sub := range t.subs {
				if sub == s {
					t.subs = append(t.subs[:i], t.subs[i+1:]...)
					break
				}
			}
			t.mu.Unlock()
		}
		s.close()
	})
}

// push delivers one event, dropping the oldest queued event when the
// queue is full. Runs under the topic lock; must not block.
func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}

	for {
		if s.pending > 0 {
			ev.Dropped = s.pending
		}
		select {
		case s.ch <- ev:
			s.pending = 0
			return
		default:
		}
		// Queue full: shed the oldest and account for it on the next
		// event that makes it through.
		select {
		case <-s.ch:
			s.pending++
			s.dropped.Add(1)
		default:
			// A concurrent reader raced us; loop and retry the send.
		}
	}
}

// detach closes the channel without removing the subscription from the
// topic list (the caller already holds the topic lock or has removed it).
func (s *Subscription) detach() {
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	s.detached = true
	close(s.ch)
}
