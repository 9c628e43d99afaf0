// Package session tracks per-session enforcement state: success counters,
// PII taints, sliding rate-limit windows, and a bounded ring of recent
// events for chain rules.
package session

import (
	"sort"
	"time"

	"github.com/mishabar410/policyshield/internal/domain/rule"
)

// event is one entry in the per-session ring buffer.
type event struct {
	tool    string
	verdict rule.Verdict
	at      time.Time
}

// state is the mutable per-session record. All access goes through the
// Manager's mutex.
type state struct {
	id         string
	toolCounts map[string]uint64
	taints     map[string]struct{}
	// windows holds allowed-call timestamps per rate-limit id. Keyed by the
	// limit's stable id so windows survive hot reload.
	windows map[string][]time.Time

	// events is a fixed-capacity ring; head is the next write slot.
	events []event
	head   int
	count  int

	createdAt  time.Time
	lastAccess time.Time

	// LRU list links, maintained by the Manager.
	prev *state
	next *state
}

func newState(id string, eventCap int, now time.Time) *state {
	return &state{
		id:         id,
		toolCounts: make(map[string]uint64),
		taints:     make(map[string]struct{}),
		windows:    make(map[string][]time.Time),
		events:     make([]event, eventCap),
		createdAt:  now,
		lastAccess: now,
	}
}

// pushEvent appends to the ring, overwriting the oldest entry when full.
func (s *state) pushEvent(tool string, verdict rule.Verdict, at time.Time) {
	if len(s.events) == 0 {
		return
	}
	s.events[s.head] = event{tool: tool, verdict: verdict, at: at}
	s.head = (s.head + 1) % len(s.events)
	if s.count < len(s.events) {
		s.count++
	}
}

// Snapshot is an immutable copy of session state taken under the Manager's
// mutex. Rule matching evaluates against the snapshot lock-free.
type Snapshot struct {
	ID        string
	CreatedAt time.Time

	counts map[string]uint64
	taints []string
	events []event // newest first
}

var _ rule.SessionView = (*Snapshot)(nil)

// ToolCount returns the success counter for a tool, 0 when absent.
func (s *Snapshot) ToolCount(tool string) uint64 {
	if s == nil {
		return 0
	}
	return s.counts[tool]
}

// ToolCounts returns a copy of all success counters.
func (s *Snapshot) ToolCounts() map[string]uint64 {
	if s == nil {
		return nil
	}
	out := make(map[string]uint64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// EachEventNewestFirst walks recorded events from the most recent backwards
// until fn returns false.
func (s *Snapshot) EachEventNewestFirst(fn func(tool string, verdict rule.Verdict, at time.Time) bool) {
	if s == nil {
		return
	}
	for _, e := range s.events {
		if !fn(e.tool, e.verdict, e.at) {
			return
		}
	}
}

// Taints returns the PII kinds recorded for this session, sorted.
func (s *Snapshot) Taints() []string {
	if s == nil {
		return nil
	}
	return s.taints
}

// snapshotOf copies the live state. Called under the Manager's mutex.
func snapshotOf(st *state) *Snapshot {
	snap := &Snapshot{
		ID:        st.id,
		CreatedAt: st.createdAt,
		counts:    make(map[string]uint64, len(st.toolCounts)),
	}
	for k, v := range st.toolCounts {
		snap.counts[k] = v
	}
	if len(st.taints) > 0 {
		snap.taints = make([]string, 0, len(st.taints))
		for k := range st.taints {
			snap.taints = append(snap.taints, k)
		}
		sort.Strings(snap.taints)
	}
	if st.count > 0 {
		snap.events = make([]event, 0, st.count)
		// Walk the ring backwards from the newest write.
		for i := 0; i < st.count; i++ {
			idx := (st.head - 1 - i + len(st.events)) % len(st.events)
			snap.events = append(snap.events, st.events[idx])
		}
	}
	return snap
}
