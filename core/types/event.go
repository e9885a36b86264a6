package types

// Event represents a typed event emitted during state transitions. Sequence is
// the event's position in the escrow journal and is assigned when the
// originating transition commits; it is zero for events that were never
// journaled.
type Event struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Clone returns a deep copy of the event so subscribers can retain it without
// sharing the attribute map.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := &Event{Sequence: e.Sequence, Type: e.Type, Attributes: make(map[string]string, len(e.Attributes))}
	for k, v := range e.Attributes {
		out.Attributes[k] = v
	}
	return out
}
