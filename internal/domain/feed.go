package domain

import "github.com/shopspring/decimal"

// EventKind is the lifecycle transition carried by one L3 event.
type EventKind string

const (
	EventAdd    EventKind = "add"
	EventModify EventKind = "modify"
	EventDelete EventKind = "delete"
)

// MessageKind distinguishes a full-state snapshot from an incremental update.
type MessageKind string

const (
	MessageKindSnapshot MessageKind = "snapshot"
	MessageKindUpdate   MessageKind = "update"
	MessageKindUnknown  MessageKind = ""
)

// ProtocolEvent is one order-level event as sent on the wire.
// Side is not a field: it follows from the list (bids/asks) the event came in.
type ProtocolEvent struct {
	OrderID    string
	LimitPrice decimal.Decimal
	OrderQty   decimal.Decimal
	Kind       EventKind
	Timestamp  string
}

// Delta is one per-symbol item of an envelope.
type Delta struct {
	Checksum  *uint32
	Symbol    string
	Timestamp string
	Bids      []ProtocolEvent
	Asks      []ProtocolEvent
}

// Events returns the number of events in the delta.
func (d Delta) Events() int {
	return len(d.Bids) + len(d.Asks)
}

// Envelope is one decoded feed frame.
type Envelope struct {
	Channel string
	Kind    MessageKind
	Items   []Delta
}

// IsSnapshot reports whether the envelope establishes a new baseline.
func (e *Envelope) IsSnapshot() bool {
	return e.Kind == MessageKindSnapshot
}
