// Package conntrack tracks observed TCP flows keyed by their canonical
// 4-tuple, independent of packet direction.
package conntrack

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// State is a Connection's lifecycle stage. It only advances monotonically,
// except that an observed FIN or RST forces Closed from any state.
type State int

const (
	StateUnknown State = iota
	StateSynSent
	StateSynAckReceived
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSynSent:
		return "syn_sent"
	case StateSynAckReceived:
		return "syn_ack_received"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Key is the canonical, direction-independent identity of a flow: the
// (ip, port) pair with the lexicographically smaller IP listed first.
type Key struct {
	LowIP    string
	LowPort  int
	HighIP   string
	HighPort int
}

// NewKey canonicalizes a pair of endpoints into a Key.
func NewKey(srcIP string, srcPort int, dstIP string, dstPort int) Key {
	if srcIP < dstIP || (srcIP == dstIP && srcPort <= dstPort) {
		return Key{LowIP: srcIP, LowPort: srcPort, HighIP: dstIP, HighPort: dstPort}
	}
	return Key{LowIP: dstIP, LowPort: dstPort, HighIP: srcIP, HighPort: srcPort}
}

// Connection is a snapshot-safe record of one observed TCP flow.
type Connection struct {
	Key              Key
	FirstSeen        time.Time
	LastSeen         time.Time
	Packets          uint64
	BytesTransferred uint64
	State            State
}

// Duration is how long the flow has been observed.
func (c Connection) Duration() time.Duration {
	return c.LastSeen.Sub(c.FirstSeen)
}

// Table is the guarded connection map. All mutation methods are safe for
// concurrent use; Get/Snapshot return by-value copies so callers never hold
// the internal lock.
type Table struct {
	mu    sync.RWMutex
	conns map[Key]*Connection
	clock clockwork.Clock
	max   int
}

// NewTable builds an empty connection table. max bounds the table size;
// zero means unbounded.
func NewTable(clock clockwork.Clock, max int) *Table {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Table{
		conns: make(map[Key]*Connection),
		clock: clock,
		max:   max,
	}
}

// Upsert records a packet against the flow identified by key, creating the
// Connection on first sight. isNew reports whether this call created the
// entry, so the caller can emit a new_connection event before any state
// mutation.
func (t *Table) Upsert(key Key, packetLen int) (isNew bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	conn, ok := t.conns[key]
	if !ok {
		if t.max > 0 && len(t.conns) >= t.max {
			return false
		}
		conn = &Connection{Key: key, FirstSeen: now, State: StateUnknown}
		t.conns[key] = conn
		isNew = true
	}
	conn.LastSeen = now
	conn.Packets++
	conn.BytesTransferred += uint64(packetLen)
	return isNew
}

// Advance transitions the connection's state, respecting the
// monotonic-except-FIN/RST invariant: it never moves a Closed connection
// back, and never moves a connection backwards to an earlier live state.
func (t *Table) Advance(key Key, next State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, ok := t.conns[key]
	if !ok {
		return
	}
	if conn.State == StateClosed {
		return
	}
	if next == StateClosed || next > conn.State {
		conn.State = next
	}
}

// Get returns a by-value snapshot of the connection, if present.
func (t *Table) Get(key Key) (Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conn, ok := t.conns[key]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// Snapshot returns by-value copies of every tracked connection.
func (t *Table) Snapshot() []Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Connection, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, *c)
	}
	return out
}

// Len reports the current table size.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// CleanupOld removes connections idle for longer than maxAge and reports how
// many were evicted.
func (t *Table) CleanupOld(maxAge time.Duration) int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for k, c := range t.conns {
		if now.Sub(c.LastSeen) > maxAge {
			delete(t.conns, k)
			removed++
		}
	}
	return removed
}
