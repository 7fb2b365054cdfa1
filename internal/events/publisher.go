package events

import (
	"sync"

	"github.com/randalmurphal/stepflow/internal/metrics"
)

// GlobalSessionID subscribes to the events of every run session.
const GlobalSessionID = "*"

// Publisher defines the interface for event publishing.
type Publisher interface {
	// Publish sends an event to all subscribers of its session.
	Publish(event Event)
	// Subscribe returns a channel that receives events for the given session.
	// Use GlobalSessionID ("*") to receive events for all sessions.
	Subscribe(sessionID string) <-chan Event
	// Unsubscribe removes a subscription channel.
	Unsubscribe(sessionID string, ch <-chan Event)
	// Close shuts down the publisher and all subscriptions.
	Close()
}

// MemoryPublisher is an in-memory implementation of Publisher.
type MemoryPublisher struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
	bufferSize  int
	closed      bool
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets the channel buffer size for subscribers.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) {
		p.bufferSize = size
	}
}

// NewMemoryPublisher creates a new in-memory publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subscribers: make(map[string][]chan Event),
		bufferSize:  100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends an event to subscribers of its session and to global
// subscribers. It never blocks: subscribers with a full buffer miss the event,
// which is counted in stepflow_events_dropped_total.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	deliver(p.subscribers[event.SessionID], event)
	if event.SessionID != GlobalSessionID {
		deliver(p.subscribers[GlobalSessionID], event)
	}
}

func deliver(subs []chan Event, event Event) {
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			metrics.EventsDroppedTotal.WithLabelValues(string(event.Type)).Inc()
		}
	}
}

// Subscribe returns a channel that receives events for the given session.
func (p *MemoryPublisher) Subscribe(sessionID string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		// Return closed channel if publisher is closed
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, p.bufferSize)
	p.subscribers[sessionID] = append(p.subscribers[sessionID], ch)
	metrics.EventSubscribers.Inc()
	return ch
}

// Unsubscribe removes a subscription channel.
func (p *MemoryPublisher) Unsubscribe(sessionID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[sessionID]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[sessionID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			metrics.EventSubscribers.Dec()
			break
		}
	}

	if len(p.subscribers[sessionID]) == 0 {
		delete(p.subscribers, sessionID)
	}
}

// Close shuts down the publisher and closes all subscription channels.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true

	for id, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		metrics.EventSubscribers.Sub(float64(len(subs)))
		delete(p.subscribers, id)
	}
}

// NopPublisher is a no-op publisher for testing or when events are disabled.
type NopPublisher struct{}

// Publish does nothing.
func (p *NopPublisher) Publish(event Event) {}

// Subscribe returns a closed channel.
func (p *NopPublisher) Subscribe(sessionID string) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

// Unsubscribe does nothing.
func (p *NopPublisher) Unsubscribe(sessionID string, ch <-chan Event) {}

// Close does nothing.
func (p *NopPublisher) Close() {}

// NewNopPublisher creates a no-op publisher.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}
