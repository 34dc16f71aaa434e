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

package store

import (
	"context"
)

// Subscription receives payloads published to one channel. Close is
// idempotent and drains the delivery goroutine.
type Subscription struct {
	messages chan []byte
	cancel   context.CancelFunc
	done     chan struct{}
}

// Messages returns the delivery channel. It is closed when the
// subscription closes.
func (s *Subscription) Messages() <-chan []byte {
	return s.messages
}

// Close terminates the subscription.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Publish sends a payload to a channel. Delivery is at-least-once
// across replicas; consumers deduplicate by sequence.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.withRetry(ctx, "publish", func(ctx context.Context) error {
		return s.rdb.Publish(ctx, channel, payload).Err()
	})
}

// Subscribe attaches to a channel and delivers payloads until the
// subscription or ctx closes.
func (s *Store) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	pubsub := s.rdb.Subscribe(ctx, channel)

	// Force the subscription onto the wire before returning so that a
	// publish immediately after Subscribe is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		messages: make(chan []byte, 64),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		defer close(sub.messages)
		defer func() { _ = pubsub.Close() }()

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case sub.messages <- []byte(msg.Payload):
				case <-subCtx.Done():
					return
				case <-ctx.Done():
					return
				}
			case <-subCtx.Done():
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub, nil
}
