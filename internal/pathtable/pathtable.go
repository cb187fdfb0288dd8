// Package pathtable maps destinations to next-hop routing state (spec.md
// §3/§4.3): destination address hash → (next-hop identity, observation
// time, hop count, originating interface id).
package pathtable

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"meshrund/internal/xcrypto"
)

// Entry is one path table row.
type Entry struct {
	NextHop   xcrypto.Identity
	Observed  time.Time
	Hops      byte
	Interface string
}

// DefaultCapacity bounds the LRU backstop when the caller doesn't specify
// one.
const DefaultCapacity = 16384

// Table is destination → Entry, evicted LRU or on explicit invalidation
// (spec.md §3 "Lifetime: created/refreshed on announce receipt; evicted LRU
// or on explicit invalidation").
type Table struct {
	mu      sync.RWMutex
	entries *lru.Cache[[16]byte, Entry]
}

// New builds a path table with the given LRU capacity (0 uses the default).
func New(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c, _ := lru.New[[16]byte, Entry](capacity)
	return &Table{entries: c}
}

// Upsert creates or refreshes a destination's path entry.
func (t *Table) Upsert(dest [16]byte, nextHop xcrypto.Identity, hops byte, iface string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries.Add(dest, Entry{NextHop: nextHop, Observed: now, Hops: hops, Interface: iface})
}

// Lookup returns the path entry for dest, if any.
func (t *Table) Lookup(dest [16]byte) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries.Get(dest)
}

// Invalidate explicitly evicts a destination's path entry (e.g. on repeated
// send failure).
func (t *Table) Invalidate(dest [16]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries.Remove(dest)
}

// Len reports the current number of tracked destinations.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries.Len()
}

// Row pairs a destination with its path entry, for enumeration.
type Row struct {
	Destination [16]byte
	Entry       Entry
}

// List returns every tracked destination and its current entry, without
// affecting LRU recency.
func (t *Table) List() []Row {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := t.entries.Keys()
	rows := make([]Row, 0, len(keys))
	for _, k := range keys {
		if e, ok := t.entries.Peek(k); ok {
			rows = append(rows, Row{Destination: k, Entry: e})
		}
	}
	return rows
}
