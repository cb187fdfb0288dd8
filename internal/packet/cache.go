package packet

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultRetention is the documented cache retention window (spec.md §4.1).
const DefaultRetention = 180 * time.Second

// DefaultSweepInterval is the documented periodic sweep cadence.
const DefaultSweepInterval = 90 * time.Second

// CacheEntry records when and where a packet was first observed.
type CacheEntry struct {
	ArrivalTime     time.Time
	OriginInterface string
}

// Cache is the bounded packet-hash → (arrival_time, origin_interface)
// mapping used for loop suppression. Sizing is bounded via an LRU backstop
// (hashicorp/golang-lru/v2), but eviction is driven by the time-based sweep
// per spec.md §5 ("eviction is time-based (sweep) not LRU").
type Cache struct {
	mu        sync.Mutex
	entries   *lru.Cache[[32]byte, CacheEntry]
	retention time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewCache builds a cache with the given LRU backstop size and retention
// window, and starts its background sweeper.
func NewCache(maxSize int, retention time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 8192
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	l, _ := lru.New[[32]byte, CacheEntry](maxSize)
	c := &Cache{entries: l, retention: retention, stop: make(chan struct{})}
	go c.sweepLoop()
	return c
}

// Seen reports whether hash is already present (i.e. this is a replay/loop).
func (c *Cache) Seen(hash [32]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries.Get(hash)
	return ok
}

// Insert records a newly seen packet hash. Returns false if it was already
// present (caller should drop silently per spec.md §4.1).
func (c *Cache) Insert(hash [32]byte, originInterface string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries.Get(hash); ok {
		return false
	}
	c.entries.Add(hash, CacheEntry{ArrivalTime: time.Now(), OriginInterface: originInterface})
	return true
}

func (c *Cache) sweepLoop() {
	t := time.NewTicker(DefaultSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-c.retention)
	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		if entry.ArrivalTime.Before(cutoff) {
			c.entries.Remove(key)
		}
	}
}

// Close stops the background sweeper.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
