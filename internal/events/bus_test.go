package events

import (
	"testing"
	"time"
)

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicStage, 10)

	event := StageStartedEvent{
		ID:        "mark",
		Name:      "Mark submissions",
		ToRun:     12,
		Timestamp: time.Now(),
	}

	bus.Publish(TopicStage, event)

	select {
	case received := <-ch:
		if received.StageID() != "mark" {
			t.Errorf("expected stage ID 'mark', got '%s'", received.StageID())
		}
		if received.EventType() != EventTypeStageStarted {
			t.Errorf("expected event type '%s', got '%s'", EventTypeStageStarted, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestMultipleSubscribers verifies multiple subscribers receive the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicBatch, 10)
	ch2 := bus.Subscribe(TopicBatch, 10)

	event := BatchFinishedEvent{
		Stage:     "mark",
		Succeeded: 10,
		Failed:    2,
		Timestamp: time.Now(),
	}

	bus.Publish(TopicBatch, event)

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.StageID() != "mark" {
				t.Errorf("subscriber %d: expected stage ID 'mark', got '%s'", i+1, received.StageID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestSubscribeAll verifies cross-topic subscriptions see every event.
func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	all := bus.SubscribeAll(10)

	bus.Publish(TopicStage, StageSkippedEvent{ID: "design", Completed: 1, Timestamp: time.Now()})
	bus.Publish(TopicBatch, BatchStartedEvent{Stage: "mark", Backend: "xargs", Units: 4, Jobs: 2, Timestamp: time.Now()})

	types := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-all:
			types[e.EventType()] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for events")
		}
	}
	if !types[EventTypeStageSkipped] || !types[EventTypeBatchStarted] {
		t.Errorf("missing event types, got %v", types)
	}
}

// TestTopicIsolation verifies subscribers only see their own topic.
func TestTopicIsolation(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	stageCh := bus.Subscribe(TopicStage, 10)

	bus.Publish(TopicBatch, BatchFinishedEvent{Stage: "mark", Timestamp: time.Now()})

	select {
	case e := <-stageCh:
		t.Errorf("stage subscriber received batch event %s", e.EventType())
	case <-time.After(50 * time.Millisecond):
		// expected: nothing delivered
	}
}

// TestNonBlockingSend verifies that publishing doesn't block when channels are full.
func TestNonBlockingSend(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicStage, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicStage, StageCompletedEvent{ID: "mark", Timestamp: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	// At least the first event was delivered.
	select {
	case <-ch:
	default:
		t.Error("no event delivered at all")
	}
}

// TestCloseIdempotent verifies Close can be called multiple times and that
// subscriber channels are closed.
func TestCloseIdempotent(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicStage, 1)

	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("expected closed subscriber channel")
	}

	// Publishing after close must not panic.
	bus.Publish(TopicStage, StageCompletedEvent{ID: "mark"})

	// Subscribing after close returns an already-closed channel.
	late := bus.Subscribe(TopicStage, 1)
	if _, ok := <-late; ok {
		t.Error("expected closed channel from post-close Subscribe")
	}
}
