package service

import (
	"sync"
	"time"
)

// resolutionOutcome is a cached terminal approval answer.
type resolutionOutcome uint8

const (
	resolutionApproved resolutionOutcome = iota
	resolutionDenied
	resolutionTimedOut
)

// purgeInterval amortizes expiry scans of the resolution cache over puts.
const purgeInterval = 256

// lruEntry is a doubly-linked list node for the approval resolution cache.
type lruEntry struct {
	key       uint64
	outcome   resolutionOutcome
	expiresAt time.Time
	prev      *lruEntry
	next      *lruEntry
}

// resolutionCache remembers resolved approvals per strategy key so an
// equivalent call does not re-prompt. Bounded LRU with a per-entry TTL;
// thread-safe with Mutex (both Get and Put mutate LRU order).
type resolutionCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	puts    uint64
}

// newResolutionCache creates a cache with the given max size and entry TTL.
func newResolutionCache(maxSize int, ttl time.Duration, now func() time.Time) *resolutionCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &resolutionCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
		now:     now,
	}
}

// Get retrieves a cached resolution. Returns (outcome, true) on hit.
// An expired entry is removed and reported as a miss.
func (c *resolutionCache) Get(key uint64) (resolutionOutcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	if !c.now().Before(e.expiresAt) {
		c.unlinkLocked(e)
		delete(c.entries, key)
		return 0, false
	}
	c.moveToHeadLocked(e)
	return e.outcome, true
}

// Put stores a resolution, evicting the least recently used at capacity.
func (c *resolutionCache) Put(key uint64, outcome resolutionOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.puts++
	if c.puts%purgeInterval == 0 {
		c.purgeExpiredLocked(now)
	}
	if e, ok := c.entries[key]; ok {
		e.outcome = outcome
		e.expiresAt = now.Add(c.ttl)
		c.moveToHeadLocked(e)
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}
	e := &lruEntry{key: key, outcome: outcome, expiresAt: now.Add(c.ttl)}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear empties the cache.
func (c *resolutionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns the current entry count.
func (c *resolutionCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *resolutionCache) purgeExpiredLocked(now time.Time) {
	for key, e := range c.entries {
		if now.Before(e.expiresAt) {
			continue
		}
		c.unlinkLocked(e)
		delete(c.entries, key)
	}
}

func (c *resolutionCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *resolutionCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *resolutionCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else if c.head == e {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else if c.tail == e {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *resolutionCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	victim := c.tail
	c.unlinkLocked(victim)
	delete(c.entries, victim.key)
}
