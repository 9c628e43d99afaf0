package http

import (
	"sync"
	"time"
)

// Idempotency cache bounds, matching the session-table policy of hard cap
// plus TTL.
const (
	idempotencyCap = 10_000
	idempotencyTTL = 5 * time.Minute
)

// idempotencyCache replays responses for retried requests carrying the same
// X-Idempotency-Key. Bounded LRU with TTL; stale entries are dropped on
// read and evicted oldest-first on insert.
type idempotencyCache struct {
	mu      sync.Mutex
	entries map[string]*idemEntry
	head    *idemEntry // most recently used
	tail    *idemEntry // least recently used
	cap     int
	ttl     time.Duration
	now     func() time.Time
}

type idemEntry struct {
	key     string
	status  int
	body    []byte
	savedAt time.Time

	prev, next *idemEntry
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{
		entries: make(map[string]*idemEntry),
		cap:     idempotencyCap,
		ttl:     idempotencyTTL,
		now:     time.Now,
	}
}

// Get returns the cached response for key, if fresh.
func (c *idempotencyCache) Get(key string) (status int, body []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[key]
	if !exists {
		return 0, nil, false
	}
	if c.now().Sub(e.savedAt) > c.ttl {
		c.unlink(e)
		delete(c.entries, key)
		return 0, nil, false
	}
	c.touch(e)
	return e.status, e.body, true
}

// Put stores a response under key, evicting the least recently used entry
// at capacity.
func (c *idempotencyCache) Put(key string, status int, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.entries[key]; exists {
		e.status, e.body, e.savedAt = status, body, c.now()
		c.touch(e)
		return
	}
	if len(c.entries) >= c.cap && c.tail != nil {
		delete(c.entries, c.tail.key)
		c.unlink(c.tail)
	}
	e := &idemEntry{key: key, status: status, body: body, savedAt: c.now()}
	c.entries[key] = e
	c.pushFront(e)
}

// Len returns the number of cached responses.
func (c *idempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *idempotencyCache) touch(e *idemEntry) {
	if c.head == e {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}

func (c *idempotencyCache) pushFront(e *idemEntry) {
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

func (c *idempotencyCache) unlink(e *idemEntry) {
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
	e.prev, e.next = nil, nil
}
