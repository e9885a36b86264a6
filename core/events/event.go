package events

import "nhbescrow/core/types"

// Event represents a structured state change emitted by the escrow engine.
type Event interface {
	EventType() string
}

// Payloader is implemented by events that can render their canonical wire
// payload.
type Payloader interface {
	EventType() string
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Multi fans a single event out to every configured emitter in order. Nil
// entries are skipped.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(evt Event) {
	for _, emitter := range m {
		if emitter == nil {
			continue
		}
		emitter.Emit(evt)
	}
}

// PayloadOf extracts the wire payload for the supplied event when available.
func PayloadOf(evt Event) (*types.Event, bool) {
	if evt == nil {
		return nil, false
	}
	p, ok := evt.(Payloader)
	if !ok {
		return nil, false
	}
	payload := p.Event()
	if payload == nil {
		return nil, false
	}
	return payload, true
}
