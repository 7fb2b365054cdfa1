package events

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/randalmurphal/stepflow/internal/metrics"
)

func subscriberCount(p *MemoryPublisher, sessionID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers[sessionID])
}

func TestNewEvent(t *testing.T) {
	before := time.Now()
	event := NewEvent(EventState, "run-a", map[string]string{"status": "running"})
	after := time.Now()

	if event.Type != EventState {
		t.Errorf("expected type %s, got %s", EventState, event.Type)
	}
	if event.SessionID != "run-a" {
		t.Errorf("expected session ID run-a, got %s", event.SessionID)
	}
	if event.Time.Before(before) || event.Time.After(after) {
		t.Errorf("event time %v not between %v and %v", event.Time, before, after)
	}
}

func TestMemoryPublisher_PublishAndSubscribe(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	// Subscribe to session
	ch := pub.Subscribe("run-a")

	// Publish event
	event := NewEvent(EventState, "run-a", "test data")
	pub.Publish(event)

	// Receive event
	select {
	case received := <-ch:
		if received.Type != EventState {
			t.Errorf("expected type %s, got %s", EventState, received.Type)
		}
		if received.SessionID != "run-a" {
			t.Errorf("expected session ID run-a, got %s", received.SessionID)
		}
		if received.Data != "test data" {
			t.Errorf("expected data 'test data', got %v", received.Data)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for event")
	}
}

func TestMemoryPublisher_MultipleSubscribers(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	// Multiple subscribers
	ch1 := pub.Subscribe("run-a")
	ch2 := pub.Subscribe("run-a")

	// Publish event
	event := NewEvent(EventResult, "run-a", "result data")
	pub.Publish(event)

	// Both should receive
	received := 0
loop:
	for i := 0; i < 2; i++ {
		select {
		case <-ch1:
			received++
		case <-ch2:
			received++
		case <-time.After(100 * time.Millisecond):
			break loop
		}
	}

	if received != 2 {
		t.Errorf("expected 2 receivers, got %d", received)
	}
}

func TestMemoryPublisher_DifferentSessions(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	ch1 := pub.Subscribe("run-a")
	ch2 := pub.Subscribe("run-b")

	// Publish to run-a only
	event := NewEvent(EventState, "run-a", "data")
	pub.Publish(event)

	// run-a should receive
	select {
	case <-ch1:
		// Expected
	case <-time.After(100 * time.Millisecond):
		t.Error("run-a subscriber should have received event")
	}

	// run-b should not receive
	select {
	case <-ch2:
		t.Error("run-b subscriber should not have received event")
	case <-time.After(50 * time.Millisecond):
		// Expected
	}
}

func TestMemoryPublisher_Unsubscribe(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	ch := pub.Subscribe("run-a")

	if n := subscriberCount(pub, "run-a"); n != 1 {
		t.Errorf("expected 1 subscriber, got %d", n)
	}

	pub.Unsubscribe("run-a", ch)

	if n := subscriberCount(pub, "run-a"); n != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe, got %d", n)
	}

	// Channel should be closed
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("channel should be closed")
		}
	default:
		// Channel might be empty but should be closed
	}
}

func TestMemoryPublisher_Close(t *testing.T) {
	pub := NewMemoryPublisher()

	ch1 := pub.Subscribe("run-a")
	ch2 := pub.Subscribe("run-b")

	pub.Close()

	// Channels should be closed
	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case _, ok := <-ch:
			if ok {
				t.Error("channel should be closed after publisher Close()")
			}
		default:
			// Empty but might not be closed yet - wait a bit
		}
	}

	// Publish after close should not panic
	pub.Publish(NewEvent(EventState, "run-a", "data"))

	// Subscribe after close should return closed channel
	ch := pub.Subscribe("run-c")
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("subscribe after close should return closed channel")
		}
	default:
		// Empty closed channel
	}
}

func TestMemoryPublisher_NonBlockingPublish(t *testing.T) {
	// Small buffer to test non-blocking behavior
	pub := NewMemoryPublisher(WithBufferSize(1))
	defer pub.Close()

	ch := pub.Subscribe("run-a")
	dropped := metrics.EventsDroppedTotal.WithLabelValues(string(EventState))
	droppedBefore := testutil.ToFloat64(dropped)

	// Fill the buffer
	pub.Publish(NewEvent(EventState, "run-a", "event1"))

	// This should not block even though buffer is full
	done := make(chan bool)
	go func() {
		pub.Publish(NewEvent(EventState, "run-a", "event2"))
		pub.Publish(NewEvent(EventState, "run-a", "event3"))
		done <- true
	}()

	select {
	case <-done:
		// Good, didn't block
	case <-time.After(100 * time.Millisecond):
		t.Error("publish should not block when buffer is full")
	}

	if got := testutil.ToFloat64(dropped) - droppedBefore; got != 2 {
		t.Errorf("expected 2 dropped events, got %v", got)
	}

	// Drain the channel
	<-ch
}

func TestMemoryPublisher_Concurrent(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	var wg sync.WaitGroup
	sessionID := "run-a"

	// Concurrent subscribers
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := pub.Subscribe(sessionID)
			// Read some events
			for j := 0; j < 5; j++ {
				select {
				case <-ch:
				case <-time.After(200 * time.Millisecond):
				}
			}
			pub.Unsubscribe(sessionID, ch)
		}()
	}

	// Concurrent publishers
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				pub.Publish(NewEvent(EventState, sessionID, i*10+j))
			}
		}(i)
	}

	wg.Wait()
}

func TestMemoryPublisher_SubscriberGauge(t *testing.T) {
	pub := NewMemoryPublisher()
	before := testutil.ToFloat64(metrics.EventSubscribers)

	ch1 := pub.Subscribe("run-a")
	ch2 := pub.Subscribe("run-a")
	pub.Subscribe("run-b")

	if got := testutil.ToFloat64(metrics.EventSubscribers) - before; got != 3 {
		t.Errorf("expected 3 open subscriptions, got %v", got)
	}

	pub.Unsubscribe("run-a", ch1)
	pub.Unsubscribe("run-a", ch2)
	pub.Unsubscribe("run-a", ch2)

	if got := testutil.ToFloat64(metrics.EventSubscribers) - before; got != 1 {
		t.Errorf("expected 1 open subscription after unsubscribe, got %v", got)
	}

	pub.Close()
	if got := testutil.ToFloat64(metrics.EventSubscribers) - before; got != 0 {
		t.Errorf("expected no open subscriptions after close, got %v", got)
	}
}

func TestNopPublisher(t *testing.T) {
	pub := NewNopPublisher()

	// Should not panic
	pub.Publish(NewEvent(EventState, "run-a", "data"))

	// Subscribe returns closed channel
	ch := pub.Subscribe("run-a")
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("nop publisher subscribe should return closed channel")
		}
	default:
		// Empty closed channel
	}

	// Should not panic
	pub.Unsubscribe("run-a", ch)
	pub.Close()
}

func TestMemoryPublisher_GlobalSubscriber(t *testing.T) {
	pub := NewMemoryPublisher()
	defer pub.Close()

	global := pub.Subscribe(GlobalSessionID)

	pub.Publish(NewEvent(EventStatus, "run-a", StatusData{Message: "started"}))
	pub.Publish(NewEvent(EventComplete, "run-b", CompleteData{Status: "completed"}))

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-global:
			got = append(got, ev.SessionID)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("global subscriber should receive every session's events")
		}
	}
	if len(got) != 2 || got[0] != "run-a" || got[1] != "run-b" {
		t.Errorf("expected [run-a run-b], got %v", got)
	}

	// A global event is delivered once, not twice.
	pub.Publish(NewEvent(EventWarning, GlobalSessionID, WarningData{Message: "x"}))
	<-global
	select {
	case ev := <-global:
		t.Errorf("unexpected duplicate delivery: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}
