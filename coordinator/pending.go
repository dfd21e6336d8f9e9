// Package coordinator implements the routing side of the runtime: the
// pending-request table keyed by correlation id, and the forwarding loop
// that moves Calls to capable downstream agents and Responses back to
// their originators.
package coordinator

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mxpgo-dev/mxpgo/observability"
)

// ErrDuplicate reports an Insert for a correlation id that is already
// tracked. Correlation ids are fresh random 128-bit values, so hitting
// this is a programmer error, not a runtime condition.
var ErrDuplicate = errors.New("coordinator: correlation id already tracked")

// Pending is one outstanding forwarded call.
type Pending struct {
	Origin    net.Addr
	Kind      string
	CreatedAt time.Time
	Deadline  time.Time
}

// Expired pairs a swept entry with its correlation id.
type Expired struct {
	CorrelationID string
	Entry         Pending
}

// Table tracks correlation id -> originator. The handler goroutine
// inserts and takes; the sweeper removes expired entries. A single
// reader-writer lock serializes access; whoever acquires it first wins
// the response-versus-expiry race.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Pending
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[string]Pending)}
}

// Insert tracks a forwarded call until its deadline.
func (t *Table) Insert(corrID string, origin net.Addr, kind string, deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[corrID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, corrID)
	}
	t.entries[corrID] = Pending{
		Origin:    origin,
		Kind:      kind,
		CreatedAt: time.Now(),
		Deadline:  deadline,
	}
	observability.SetPendingEntries(len(t.entries))
	return nil
}

// Take atomically removes and returns the entry, but only while it is
// still live: an expired entry is left for the sweeper (the originator
// gets a Timeout, a late Response is dropped).
func (t *Table) Take(corrID string) (Pending, bool) {
	return t.take(corrID, time.Now())
}

func (t *Table) take(corrID string, now time.Time) (Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[corrID]
	if !ok || !entry.Deadline.After(now) {
		return Pending{}, false
	}
	delete(t.entries, corrID)
	observability.SetPendingEntries(len(t.entries))
	return entry, true
}

// Lookup returns a live entry without removing it. Stream frames route
// through here until StreamClose releases the id.
func (t *Table) Lookup(corrID string) (Pending, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[corrID]
	if !ok || !entry.Deadline.After(time.Now()) {
		return Pending{}, false
	}
	return entry, true
}

// Remove drops an entry unconditionally.
func (t *Table) Remove(corrID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, corrID)
	observability.SetPendingEntries(len(t.entries))
}

// Sweep removes every entry whose deadline is at or before now and
// returns them for timeout notification.
func (t *Table) Sweep(now time.Time) []Expired {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []Expired
	for corrID, entry := range t.entries {
		if !entry.Deadline.After(now) {
			expired = append(expired, Expired{CorrelationID: corrID, Entry: entry})
			delete(t.entries, corrID)
		}
	}
	if len(expired) > 0 {
		observability.SetPendingEntries(len(t.entries))
	}
	return expired
}

// Len returns the number of tracked entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
