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
	"fmt"
	"sync"
	"testing"
	"time"
)

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	events := make([]Event, 0, n)
	deadline := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("channel closed after %d of %d events", len(events), n)
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(events), n)
		}
	}
	return events
}

func TestPublishOrdering(t *testing.T) {
	b := New(Config{})
	sub := b.Subscribe("job_1")
	defer sub.Unsubscribe()

	for i := 0; i < 10; i++ {
		b.Publish("job_1", Event{Type: "cli:progress", Payload: i})
	}

	events := collect(t, sub, 10)
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d: Seq = %d, want %d", i, ev.Seq, i+1)
		}
		if ev.Payload.(int) != i {
			t.Errorf("event %d: payload = %v, want %d", i, ev.Payload, i)
		}
	}
}

func TestTopicIsolation(t *testing.T) {
	b := New(Config{})
	subA := b.Subscribe("job_a")
	defer subA.Unsubscribe()

	b.Publish("job_b", Event{Type: "cli:progress"})

	select {
	case ev := <-subA.Events():
		t.Errorf("subscriber on job_a received %v from job_b", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReplayThenLiveTail(t *testing.T) {
	b := New(Config{})

	b.Publish("job_1", Event{Type: "cli:progress"})
	b.Publish("job_1", Event{Type: "cli:progress"})

	sub := b.Subscribe("job_1", WithReplay(func(seq uint64) []Event {
		return []Event{{Type: "snapshot", Payload: fmt.Sprintf("upto-%d", seq)}}
	}))
	defer sub.Unsubscribe()

	b.Publish("job_1", Event{Type: "cli:complete", Terminal: true})

	events := collect(t, sub, 2)
	if events[0].Type != "snapshot" {
		t.Fatalf("first event = %q, want snapshot", events[0].Type)
	}
	if events[0].Payload != "upto-2" {
		t.Errorf("snapshot payload = %v, want upto-2", events[0].Payload)
	}
	if events[0].Seq != 2 {
		t.Errorf("snapshot Seq = %d, want 2", events[0].Seq)
	}
	if events[1].Type != "cli:complete" || events[1].Seq != 3 {
		t.Errorf("live tail = %q seq %d, want cli:complete seq 3", events[1].Type, events[1].Seq)
	}
}

func TestOneShotDetachesOnTerminal(t *testing.T) {
	b := New(Config{})
	sub := b.Subscribe("job_1", OneShot())

	b.Publish("job_1", Event{Type: "cli:progress"})
	b.Publish("job_1", Event{Type: "cli:complete", Terminal: true})

	events := collect(t, sub, 2)
	if !events[1].Terminal {
		t.Fatal("second event should be terminal")
	}

	// Channel must close without another publish.
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("received event after terminal on one-shot subscription")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed after terminal delivery")
	}

	if n := b.SubscriberCount("job_1"); n != 0 {
		t.Errorf("SubscriberCount = %d after terminal, want 0", n)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New(Config{})
	sub := b.Subscribe("job_1")

	sub.Unsubscribe()
	sub.Unsubscribe() // must not panic or block

	if n := b.SubscriberCount("job_1"); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
	b.Publish("job_1", Event{Type: "cli:progress"}) // must not panic
}

func TestSlowConsumerDropsOldest(t *testing.T) {
	b := New(Config{})
	sub := b.Subscribe("job_1", WithQueueSize(4))
	defer sub.Unsubscribe()

	for i := 0; i < 10; i++ {
		b.Publish("job_1", Event{Type: "cli:progress", Payload: i})
	}

	events := collect(t, sub, 4)

	if sub.Dropped() != 6 {
		t.Errorf("Dropped() = %d, want 6", sub.Dropped())
	}
	// The survivors are the newest four; each displaced one older event
	// on its way in and carries that gap.
	for i, ev := range events {
		if ev.Payload.(int) != 6+i {
			t.Errorf("surviving event %d: payload = %v, want %d", i, ev.Payload, 6+i)
		}
		if ev.Dropped != 1 {
			t.Errorf("surviving event %d: Dropped marker = %d, want 1", i, ev.Dropped)
		}
	}
}

func TestDropTopicClosesSubscribers(t *testing.T) {
	b := New(Config{})
	sub := b.Subscribe("job_1")

	b.DropTopic("job_1")

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("expected closed channel after DropTopic")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed after DropTopic")
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New(Config{})
	const topics = 8
	const perTopic = 50

	var wg sync.WaitGroup
	for i := 0; i < topics; i++ {
		topicName := fmt.Sprintf("job_%d", i)
		sub := b.Subscribe(topicName, WithQueueSize(perTopic+1))

		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < perTopic; j++ {
				b.Publish(topicName, Event{Type: "cli:progress", Payload: j})
			}
			b.Publish(topicName, Event{Type: "cli:complete", Terminal: true})
		}()
		go func() {
			defer wg.Done()
			var lastSeq uint64
			for ev := range sub.Events() {
				if ev.Seq <= lastSeq {
					t.Errorf("%s: sequence regressed %d -> %d", topicName, lastSeq, ev.Seq)
				}
				lastSeq = ev.Seq
				if ev.Terminal {
					sub.Unsubscribe()
				}
			}
		}()
	}
	wg.Wait()
}

func TestPublishAfterClose(t *testing.T) {
	b := New(Config{})
	sub := b.Subscribe("job_1")
	b.Close()

	if seq := b.Publish("job_1", Event{Type: "cli:progress"}); seq != 0 {
		t.Errorf("Publish after Close returned seq %d, want 0", seq)
	}

	if _, ok := <-sub.Events(); ok {
		t.Error("subscriber channel should be closed after bus Close")
	}
}
