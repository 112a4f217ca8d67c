// Package eventbus is the bounded, non-blocking channel PacketObserver uses
// to hand high-level events to the analysis pipeline. It never blocks the
// capture thread: a full bus drops the event and counts the drop.
package eventbus

import "sync/atomic"

// Type identifies what kind of Event was emitted.
type Type string

const (
	// NewConnection fires once, on the first packet of a new flow, before
	// any state mutation is applied to the Connection.
	NewConnection Type = "new_connection"

	// RTTUpdate fires whenever a completed TCP handshake yields a new RTT
	// sample for a peer.
	RTTUpdate Type = "rtt_update"
)

// Event is a single notification published onto the bus.
type Event struct {
	Type   Type
	Peer   string
	TCPRTT float64
}

// Bus is a bounded pub-sub channel with drop-on-full semantics.
type Bus struct {
	events  chan Event
	dropped atomic.Uint64
}

// New creates a Bus whose internal channel holds up to capacity pending
// events before Publish starts dropping.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Bus{events: make(chan Event, capacity)}
}

// Publish attempts to enqueue ev without blocking. If the bus is full, the
// event is dropped and the drop counter is incremented. Returns whether the
// event was enqueued.
func (b *Bus) Publish(ev Event) bool {
	select {
	case b.events <- ev:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Events exposes the channel for consumers to range over.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// Dropped reports how many events have been dropped due to a full bus.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the underlying channel. Callers must ensure no further
// Publish calls occur afterward.
func (b *Bus) Close() {
	close(b.events)
}
