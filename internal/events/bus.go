package events

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// defaultBuffer is the per-subscriber channel capacity.
const defaultBuffer = 100

// Bus fans events out to per-type subscribers plus any number of
// catch-all subscribers. A full subscriber channel drops the event and
// bumps the dropped counter instead of blocking the publisher.
type Bus struct {
	mu sync.RWMutex
	// byType holds subscribers interested in a single event type.
	byType map[EventType][]chan Event
	// all holds subscribers receiving every event.
	all    []chan Event
	closed bool

	dropped atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{byType: make(map[EventType][]chan Event)}
}

// Subscribe returns a channel receiving events of the given type.
func (b *Bus) Subscribe(eventType EventType) <-chan Event {
	ch := make(chan Event, defaultBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.byType[eventType] = append(b.byType[eventType], ch)
	return ch
}

// SubscribeAll returns a channel receiving every event.
func (b *Bus) SubscribeAll() <-chan Event {
	ch := make(chan Event, defaultBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.all = append(b.all, ch)
	return ch
}

// Publish delivers the event to matching subscribers without blocking.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.byType[event.Type] {
		b.send(ch, event)
	}
	for _, ch := range b.all {
		b.send(ch, event)
	}
}

func (b *Bus) send(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		n := b.dropped.Add(1)
		if n%100 == 1 {
			log.Printf("[events] subscriber full, %d events dropped so far", n)
		}
	}
}

// Dropped reports how many events were dropped on full subscriber
// channels.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.byType {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, ch := range b.all {
		close(ch)
	}
}
