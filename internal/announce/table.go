// Package announce implements the retransmit work queue, duplicate
// suppression, and per-destination rate limiting for inbound announces
// (spec.md §4.3).
package announce

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"meshrund/internal/identity"
	"meshrund/internal/packet"
)

// Entry is one queued-for-retransmit announce.
type Entry struct {
	Announce   *identity.Announce
	Packet     *packet.Packet
	FirstSeen  time.Time
	Retransmit int
}

// Event is published to subscribers when a new announce is accepted.
type Event struct {
	Destination [16]byte
	Announce    *identity.Announce
	Interface   string
	Hops        byte
}

// Table is the bounded work queue of announces awaiting retransmit, plus
// the duplicate-suppression and rate-limiting machinery gating entry into
// it.
type Table struct {
	mu       sync.Mutex
	queue    []Entry
	capacity int
	dropped  uint64

	recent *lru.Cache[[16]byte, struct{}] // per-destination recent-announce set

	limiterMu sync.Mutex
	limiters  map[[16]byte]*rate.Limiter
	rateLimit rate.Limit
	rateBurst int

	subsMu sync.Mutex
	subs   []chan Event
}

// DefaultCapacity and DefaultRatePerMinute match spec.md §4.3's "configurable"
// defaults.
const (
	DefaultCapacity      = 4096
	DefaultRatePerMinute = 12
)

// New builds an announce table with the given queue capacity (0 uses the
// default) and a per-destination rate limit of ratePerMinute announces/min
// (0 uses the default).
func New(capacity int, ratePerMinute int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ratePerMinute <= 0 {
		ratePerMinute = DefaultRatePerMinute
	}
	recent, _ := lru.New[[16]byte, struct{}](capacity * 4)
	return &Table{
		capacity:  capacity,
		recent:    recent,
		limiters:  make(map[[16]byte]*rate.Limiter),
		rateLimit: rate.Every(time.Minute / time.Duration(ratePerMinute)),
		rateBurst: ratePerMinute,
	}
}

func (t *Table) limiterFor(dest [16]byte) *rate.Limiter {
	t.limiterMu.Lock()
	defer t.limiterMu.Unlock()
	l, ok := t.limiters[dest]
	if !ok {
		l = rate.NewLimiter(t.rateLimit, t.rateBurst)
		t.limiters[dest] = l
	}
	return l
}

// Accept attempts to admit a validated announce. It returns false if the
// destination's rate limit rejects it (dropped silently, no acknowledgement
// per spec.md §4.3). Callers should separately consult the packet cache for
// raw replay suppression before calling Accept.
func (t *Table) Accept(a *identity.Announce, pkt *packet.Packet, dest [16]byte, iface string, now time.Time) (Event, bool) {
	if !t.limiterFor(dest).AllowN(now, 1) {
		return Event{}, false
	}

	t.mu.Lock()
	if _, dup := t.recent.Get(dest); dup {
		t.mu.Unlock()
		// Still a legitimate re-announce for path refresh purposes, but not
		// re-queued for retransmit.
		return Event{Destination: dest, Announce: a, Interface: iface, Hops: pkt.Header.Hops}, true
	}
	t.recent.Add(dest, struct{}{})

	if len(t.queue) >= t.capacity {
		t.queue = t.queue[1:]
		t.dropped++
	}
	t.queue = append(t.queue, Entry{Announce: a, Packet: pkt, FirstSeen: now})
	t.mu.Unlock()

	ev := Event{Destination: dest, Announce: a, Interface: iface, Hops: pkt.Header.Hops}
	t.publish(ev)
	return ev, true
}

// Dropped returns the number of queue entries evicted due to overflow.
func (t *Table) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// DrainDue removes and returns entries whose retransmit is due, incrementing
// their retransmit counters and re-queuing them.
func (t *Table) DrainDue(maxRetransmits int) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var due []Entry
	kept := t.queue[:0]
	for _, e := range t.queue {
		if e.Retransmit >= maxRetransmits {
			continue
		}
		e.Retransmit++
		due = append(due, e)
		kept = append(kept, e)
	}
	t.queue = kept
	return due
}

// Subscribe returns a channel of accepted-announce events.
func (t *Table) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	t.subsMu.Lock()
	t.subs = append(t.subs, ch)
	t.subsMu.Unlock()
	cancel := func() {
		t.subsMu.Lock()
		defer t.subsMu.Unlock()
		for i, c := range t.subs {
			if c == ch {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (t *Table) publish(ev Event) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
