package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mishabar410/policyshield/internal/domain/rule"
)

// Defaults for the bounded session table.
const (
	DefaultMaxSessions   = 10_000
	DefaultTTL           = time.Hour
	DefaultEventCapacity = 128

	cleanupInterval = time.Minute
)

// Manager owns all session state behind a single mutex. Sessions are
// created on first use, bounded by an LRU with TTL expiry, and swept by a
// background goroutine. Matching never holds the mutex: callers take a
// Snapshot and evaluate against the copy.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*state
	head     *state // most recently used
	tail     *state // least recently used

	maxSessions int
	ttl         time.Duration
	eventCap    int
	now         func() time.Time
	logger      *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxSessions bounds the session table; least recently used sessions
// are evicted at capacity.
func WithMaxSessions(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxSessions = n
		}
	}
}

// WithTTL sets the idle expiry for sessions.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithEventCapacity sets the per-session event ring size used by chain
// rules.
func WithEventCapacity(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.eventCap = n
		}
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger for eviction and sweep events.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a session manager with defaults overridden by opts.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions:    make(map[string]*state),
		maxSessions: DefaultMaxSessions,
		ttl:         DefaultTTL,
		eventCap:    DefaultEventCapacity,
		now:         time.Now,
		logger:      slog.Default(),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot returns an immutable copy of the session's state, creating the
// session if it does not exist. The access refreshes LRU order and TTL.
func (m *Manager) Snapshot(id string) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotOf(m.getLocked(id))
}

// RecordSuccess advances the tool counter. Counters only move on computed
// ALLOW or REDACT verdicts, which the engine decides before audit shadowing.
func (m *Manager) RecordSuccess(id, tool string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.getLocked(id)
	st.toolCounts[tool]++
}

// RecordEvent appends to the session's event ring for chain matching.
func (m *Manager) RecordEvent(id, tool string, verdict rule.Verdict) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.getLocked(id)
	st.pushEvent(tool, verdict, m.now())
}

// AddTaints records PII kinds observed entering the session.
func (m *Manager) AddTaints(id string, kinds []string) {
	if len(kinds) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.getLocked(id)
	for _, k := range kinds {
		st.taints[k] = struct{}{}
	}
}

// AllowRate checks and advances the sliding window for one rate limit.
// Timestamps older than the window are pruned; if the window is full the
// call is denied and NOT recorded, so denied calls never consume budget.
// On denial, retryAfter is the time until the oldest call leaves the window.
func (m *Manager) AllowRate(id, limitID string, maxCalls int, window time.Duration) (allowed bool, retryAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.getLocked(id)
	now := m.now()
	cutoff := now.Add(-window)

	ts := st.windows[limitID]
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= maxCalls {
		st.windows[limitID] = kept
		retry := kept[0].Sub(cutoff)
		if retry < 0 {
			retry = 0
		}
		return false, retry
	}
	st.windows[limitID] = append(kept, now)
	return true, 0
}

// DropRateWindows removes window state for rate-limit ids absent from keep.
// Called after a hot reload so retired limits stop holding memory while
// surviving limits keep their in-flight windows.
func (m *Manager) DropRateWindows(keep map[string]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.sessions {
		for limitID := range st.windows {
			if _, ok := keep[limitID]; !ok {
				delete(st.windows, limitID)
			}
		}
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StartCleanup launches the background TTL sweep. Idempotent per Manager;
// Stop terminates it.
func (m *Manager) StartCleanup(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				if n := m.sweep(); n > 0 {
					m.logger.Debug("expired sessions swept", "count", n)
				}
			}
		}
	}()
}

// Stop terminates the cleanup goroutine and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// sweep removes every expired session and returns the count.
func (m *Manager) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.ttl)
	removed := 0
	for id, st := range m.sessions {
		if st.lastAccess.Before(cutoff) {
			m.unlinkLocked(st)
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// getLocked returns the live state for id, creating it if missing and
// evicting the LRU tail at capacity. Expired sessions are recreated fresh.
func (m *Manager) getLocked(id string) *state {
	now := m.now()
	if st, ok := m.sessions[id]; ok {
		if now.Sub(st.lastAccess) <= m.ttl {
			st.lastAccess = now
			m.moveToHeadLocked(st)
			return st
		}
		m.unlinkLocked(st)
		delete(m.sessions, id)
	}

	if len(m.sessions) >= m.maxSessions && m.tail != nil {
		evicted := m.tail
		m.unlinkLocked(evicted)
		delete(m.sessions, evicted.id)
		m.logger.Warn("session table full, evicted least recently used",
			"evicted_session", evicted.id, "max_sessions", m.maxSessions)
	}

	st := newState(id, m.eventCap, now)
	m.sessions[id] = st
	m.pushHeadLocked(st)
	return st
}

func (m *Manager) moveToHeadLocked(st *state) {
	if m.head == st {
		return
	}
	m.unlinkLocked(st)
	m.pushHeadLocked(st)
}

func (m *Manager) pushHeadLocked(st *state) {
	st.prev = nil
	st.next = m.head
	if m.head != nil {
		m.head.prev = st
	}
	m.head = st
	if m.tail == nil {
		m.tail = st
	}
}

func (m *Manager) unlinkLocked(st *state) {
	if st.prev != nil {
		st.prev.next = st.next
	} else if m.head == st {
		m.head = st.next
	}
	if st.next != nil {
		st.next.prev = st.prev
	} else if m.tail == st {
		m.tail = st.prev
	}
	st.prev = nil
	st.next = nil
}
