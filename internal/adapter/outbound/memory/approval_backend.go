// Package memory provides in-process adapters: the default approval
// backend.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mishabar410/policyshield/internal/domain/approval"
)

const (
	// DefaultMaxPending bounds the approval backlog.
	DefaultMaxPending = 10_000

	// resolvedRetention keeps terminal requests queryable after resolution.
	resolvedRetention = time.Hour

	sweepInterval = time.Minute
)

// ErrBacklogFull is returned by Submit when the pending table is at
// capacity. The engine maps it to a BLOCK.
var ErrBacklogFull = errors.New("approval backlog full")

// entry pairs the stored state with the wait channel, closed exactly once
// when the request reaches a terminal status.
type entry struct {
	info approval.StatusInfo
	done chan struct{}
}

// ApprovalBackend is the in-memory approval store. First response wins;
// expiry transitions are applied lazily on read and by a background sweep.
type ApprovalBackend struct {
	mu      sync.Mutex
	entries map[string]*entry

	maxPending int
	now        func() time.Time
	logger     *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

var _ approval.Backend = (*ApprovalBackend)(nil)

// ApprovalOption configures the backend.
type ApprovalOption func(*ApprovalBackend)

// WithMaxPending bounds the number of stored requests.
func WithMaxPending(n int) ApprovalOption {
	return func(b *ApprovalBackend) {
		if n > 0 {
			b.maxPending = n
		}
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) ApprovalOption {
	return func(b *ApprovalBackend) { b.now = now }
}

// WithLogger sets the sweep logger.
func WithLogger(logger *slog.Logger) ApprovalOption {
	return func(b *ApprovalBackend) { b.logger = logger }
}

// NewApprovalBackend creates the backend and starts its expiry sweep.
func NewApprovalBackend(opts ...ApprovalOption) *ApprovalBackend {
	b := &ApprovalBackend{
		entries:    make(map[string]*entry),
		maxPending: DefaultMaxPending,
		now:        time.Now,
		logger:     slog.Default(),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.wg.Add(1)
	go b.sweepLoop()
	return b
}

// Submit registers a new pending request.
func (b *ApprovalBackend) Submit(_ context.Context, req approval.Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= b.maxPending {
		return ErrBacklogFull
	}
	if _, exists := b.entries[req.ID]; exists {
		return errors.New("approval request id already exists")
	}
	b.entries[req.ID] = &entry{
		info: approval.StatusInfo{Request: req, Status: approval.StatusPending},
		done: make(chan struct{}),
	}
	return nil
}

// Respond resolves a pending request. The first response wins; later ones
// get ErrAlreadyResolved, as do responses arriving after expiry.
func (b *ApprovalBackend) Respond(_ context.Context, id string, resp approval.Response) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return approval.ErrNotFound
	}
	b.expireLocked(e)
	if e.info.Status.Terminal() {
		return approval.ErrAlreadyResolved
	}
	if resp.At.IsZero() {
		resp.At = b.now()
	}
	e.info.Response = &resp
	if resp.Approved {
		e.info.Status = approval.StatusApproved
	} else {
		e.info.Status = approval.StatusDenied
	}
	close(e.done)
	return nil
}

// GetStatus returns a copy of the request's current state.
func (b *ApprovalBackend) GetStatus(_ context.Context, id string) (*approval.StatusInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return nil, approval.ErrNotFound
	}
	b.expireLocked(e)
	info := e.info
	return &info, nil
}

// WaitForResponse blocks until the request resolves, expires, or ctx is
// done.
func (b *ApprovalBackend) WaitForResponse(ctx context.Context, id string) (*approval.StatusInfo, error) {
	b.mu.Lock()
	e, ok := b.entries[id]
	if !ok {
		b.mu.Unlock()
		return nil, approval.ErrNotFound
	}
	b.expireLocked(e)
	if e.info.Status.Terminal() {
		info := e.info
		b.mu.Unlock()
		return &info, nil
	}
	done := e.done
	expiry := e.info.Request.ExpiresAt
	b.mu.Unlock()

	timer := time.NewTimer(expiry.Sub(b.now()))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	case <-timer.C:
		b.mu.Lock()
		b.expireLocked(e)
		b.mu.Unlock()
	}
	return b.GetStatus(ctx, id)
}

// Pending lists unresolved requests oldest first.
func (b *ApprovalBackend) Pending(_ context.Context) ([]*approval.StatusInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*approval.StatusInfo
	for _, e := range b.entries {
		b.expireLocked(e)
		if e.info.Status == approval.StatusPending {
			info := e.info
			out = append(out, &info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Request.CreatedAt.Before(out[j].Request.CreatedAt)
	})
	return out, nil
}

// Stop terminates the expiry sweep.
func (b *ApprovalBackend) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// expireLocked transitions a pending request past its deadline to timeout.
func (b *ApprovalBackend) expireLocked(e *entry) {
	if e.info.Status != approval.StatusPending {
		return
	}
	if b.now().After(e.info.Request.ExpiresAt) {
		e.info.Status = approval.StatusTimeout
		close(e.done)
	}
}

func (b *ApprovalBackend) sweepLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// sweep times out expired pending requests and drops terminal ones past
// the retention window.
func (b *ApprovalBackend) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	removed := 0
	for id, e := range b.entries {
		b.expireLocked(e)
		if !e.info.Status.Terminal() {
			continue
		}
		resolvedAt := e.info.Request.ExpiresAt
		if e.info.Response != nil {
			resolvedAt = e.info.Response.At
		}
		if now.Sub(resolvedAt) > resolvedRetention {
			delete(b.entries, id)
			removed++
		}
	}
	if removed > 0 {
		b.logger.Debug("approval requests garbage collected", "count", removed)
	}
}
