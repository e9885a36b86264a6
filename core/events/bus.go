package events

import (
	"sync"

	"nhbescrow/core/types"
)

const defaultSubscriberBuffer = 64

// Bus delivers event payloads to live subscribers. Delivery never blocks the
// emitter: a subscriber whose buffer is full is dropped and its channel closed,
// signalling that it must resynchronise from the journal.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan *types.Event
	closed bool
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan *types.Event)}
}

// Emit implements the Emitter interface. Events that do not carry a payload
// are ignored.
func (b *Bus) Emit(evt Event) {
	payload, ok := PayloadOf(evt)
	if !ok || b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- payload.Clone():
		default:
			close(ch)
			delete(b.subs, id)
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function is safe to
// call multiple times.
func (b *Bus) Subscribe(buffer int) (<-chan *types.Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan *types.Event, buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if existing, ok := b.subs[id]; ok {
				close(existing)
				delete(b.subs, id)
			}
		})
	}
}

// Subscribers reports the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops every subscriber and rejects future subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
