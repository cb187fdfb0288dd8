package pathtable_test

import (
	"testing"
	"time"

	"meshrund/internal/pathtable"
	"meshrund/internal/xcrypto"
)

func TestUpsertLookup(t *testing.T) {
	tbl := pathtable.New(0)
	dest := [16]byte{1}
	nextHop := xcrypto.Identity{Public: [32]byte{9}}
	now := time.Unix(1700000000, 0)

	tbl.Upsert(dest, nextHop, 2, "tcp0", now)

	entry, ok := tbl.Lookup(dest)
	if !ok {
		t.Fatalf("expected entry to be present")
	}
	if entry.NextHop != nextHop || entry.Hops != 2 || entry.Interface != "tcp0" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestUpsertRefreshesExistingEntry(t *testing.T) {
	tbl := pathtable.New(0)
	dest := [16]byte{2}
	now := time.Unix(1700000000, 0)

	tbl.Upsert(dest, xcrypto.Identity{Public: [32]byte{1}}, 3, "iface-a", now)
	tbl.Upsert(dest, xcrypto.Identity{Public: [32]byte{2}}, 1, "iface-b", now.Add(time.Minute))

	entry, ok := tbl.Lookup(dest)
	if !ok {
		t.Fatalf("expected entry to be present")
	}
	if entry.Hops != 1 || entry.Interface != "iface-b" {
		t.Fatalf("expected refreshed entry, got %+v", entry)
	}
	if tbl.Len() != 1 {
		t.Fatalf("expected a single tracked destination, got %d", tbl.Len())
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	tbl := pathtable.New(0)
	dest := [16]byte{3}
	tbl.Upsert(dest, xcrypto.Identity{}, 0, "iface", time.Unix(1700000000, 0))
	tbl.Invalidate(dest)
	if _, ok := tbl.Lookup(dest); ok {
		t.Fatalf("expected entry to be gone after invalidate")
	}
}

func TestListEnumeratesAllEntriesWithoutAffectingRecency(t *testing.T) {
	tbl := pathtable.New(2)
	now := time.Unix(1700000000, 0)
	tbl.Upsert([16]byte{1}, xcrypto.Identity{}, 0, "a", now)
	tbl.Upsert([16]byte{2}, xcrypto.Identity{}, 0, "b", now)

	rows := tbl.List()
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	// A third insert should evict whichever destination is least recently
	// used by access, not by List, which must not itself bump recency.
	tbl.Upsert([16]byte{3}, xcrypto.Identity{}, 0, "c", now)
	if tbl.Len() != 2 {
		t.Fatalf("expected LRU capacity to cap tracked destinations at 2, got %d", tbl.Len())
	}
	if _, ok := tbl.Lookup([16]byte{1}); ok {
		t.Fatalf("expected the oldest destination to be evicted despite List having visited it")
	}
	if _, ok := tbl.Lookup([16]byte{2}); !ok {
		t.Fatalf("expected the second destination to survive the eviction")
	}
}

func TestLookupMiss(t *testing.T) {
	tbl := pathtable.New(0)
	if _, ok := tbl.Lookup([16]byte{99}); ok {
		t.Fatalf("expected lookup miss on empty table")
	}
}
