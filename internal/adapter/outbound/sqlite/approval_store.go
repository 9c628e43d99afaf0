// Package sqlite provides a persistent approval backend so pending
// approvals survive process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mishabar410/policyshield/internal/domain/approval"
)

const (
	// pollInterval is how often WaitForResponse re-reads the row. SQLite has
	// no change notification, so waits poll.
	pollInterval = 500 * time.Millisecond

	sweepInterval     = time.Minute
	resolvedRetention = 24 * time.Hour
)

const schema = `
CREATE TABLE IF NOT EXISTS approvals (
    id             TEXT PRIMARY KEY,
    rule_id        TEXT NOT NULL,
    tool           TEXT NOT NULL,
    session_id     TEXT NOT NULL,
    args_json      TEXT NOT NULL,
    message        TEXT NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL,
    expires_at     INTEGER NOT NULL,
    status         TEXT NOT NULL,
    resp_approved  INTEGER,
    resp_responder TEXT,
    resp_reason    TEXT,
    resp_at        INTEGER
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, created_at);
`

// ApprovalStore is the sqlite-backed approval backend.
type ApprovalStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

var _ approval.Backend = (*ApprovalStore)(nil)

// Open opens or creates the database at path and starts the expiry sweep.
// A single writer connection avoids SQLITE_BUSY under concurrent responds.
func Open(path string, logger *slog.Logger) (*ApprovalStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open approval database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create approval schema: %w", err)
	}

	s := &ApprovalStore{
		db:     db,
		logger: logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.sweepLoop()
	return s, nil
}

// Submit inserts a new pending row.
func (s *ApprovalStore) Submit(ctx context.Context, req approval.Request) error {
	args, err := json.Marshal(req.Args)
	if err != nil {
		return fmt.Errorf("encode approval args: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, rule_id, tool, session_id, args_json, message, created_at, expires_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.RuleID, req.Tool, req.SessionID, string(args), req.Message,
		req.CreatedAt.UnixMilli(), req.ExpiresAt.UnixMilli(), string(approval.StatusPending))
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// Respond resolves a pending row. The conditional UPDATE makes first
// response wins atomic without a transaction.
func (s *ApprovalStore) Respond(ctx context.Context, id string, resp approval.Response) error {
	if resp.At.IsZero() {
		resp.At = s.now()
	}
	status := approval.StatusDenied
	if resp.Approved {
		status = approval.StatusApproved
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals
		 SET status = ?, resp_approved = ?, resp_responder = ?, resp_reason = ?, resp_at = ?
		 WHERE id = ? AND status = ? AND expires_at > ?`,
		string(status), boolToInt(resp.Approved), resp.Responder, resp.Reason, resp.At.UnixMilli(),
		id, string(approval.StatusPending), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	if n == 1 {
		return nil
	}

	// No row updated: either unknown id or already terminal/expired.
	if _, err := s.GetStatus(ctx, id); err != nil {
		return err
	}
	return approval.ErrAlreadyResolved
}

// GetStatus reads one row. A pending row past its deadline reports timeout;
// the persisted transition happens lazily here and in the sweep.
func (s *ApprovalStore) GetStatus(ctx context.Context, id string) (*approval.StatusInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, rule_id, tool, session_id, args_json, message, created_at, expires_at,
		        status, resp_approved, resp_responder, resp_reason, resp_at
		 FROM approvals WHERE id = ?`, id)
	info, err := scanInfo(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, approval.ErrNotFound
		}
		return nil, fmt.Errorf("read approval: %w", err)
	}

	if info.Status == approval.StatusPending && s.now().After(info.Request.ExpiresAt) {
		info.Status = approval.StatusTimeout
		_, _ = s.db.ExecContext(ctx,
			`UPDATE approvals SET status = ? WHERE id = ? AND status = ?`,
			string(approval.StatusTimeout), id, string(approval.StatusPending))
	}
	return info, nil
}

// WaitForResponse polls until the row resolves, the deadline passes, or ctx
// is done.
func (s *ApprovalStore) WaitForResponse(ctx context.Context, id string) (*approval.StatusInfo, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		info, err := s.GetStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if info.Status.Terminal() {
			return info, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pending lists unresolved, unexpired rows oldest first.
func (s *ApprovalStore) Pending(ctx context.Context) ([]*approval.StatusInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rule_id, tool, session_id, args_json, message, created_at, expires_at,
		        status, resp_approved, resp_responder, resp_reason, resp_at
		 FROM approvals
		 WHERE status = ? AND expires_at > ?
		 ORDER BY created_at ASC`,
		string(approval.StatusPending), s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*approval.StatusInfo
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return out, nil
}

// Stop terminates the sweep and closes the database.
func (s *ApprovalStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	_ = s.db.Close()
}

func (s *ApprovalStore) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep persists timeout transitions and drops old terminal rows.
func (s *ApprovalStore) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	now := s.now().UnixMilli()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ? WHERE status = ? AND expires_at <= ?`,
		string(approval.StatusTimeout), string(approval.StatusPending), now); err != nil {
		s.logger.Warn("approval timeout sweep failed", "error", err)
	}

	cutoff := s.now().Add(-resolvedRetention).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM approvals WHERE status != ? AND COALESCE(resp_at, expires_at) < ?`,
		string(approval.StatusPending), cutoff)
	if err != nil {
		s.logger.Warn("approval retention sweep failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("approval rows garbage collected", "count", n)
	}
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInfo(sc scanner) (*approval.StatusInfo, error) {
	var (
		info      approval.StatusInfo
		argsJSON  string
		createdMS int64
		expiresMS int64
		status    string
		approved  sql.NullInt64
		responder sql.NullString
		reason    sql.NullString
		respAtMS  sql.NullInt64
	)
	err := sc.Scan(
		&info.Request.ID, &info.Request.RuleID, &info.Request.Tool, &info.Request.SessionID,
		&argsJSON, &info.Request.Message, &createdMS, &expiresMS,
		&status, &approved, &responder, &reason, &respAtMS)
	if err != nil {
		return nil, err
	}

	if argsJSON != "" && argsJSON != "null" {
		if err := json.Unmarshal([]byte(argsJSON), &info.Request.Args); err != nil {
			return nil, fmt.Errorf("decode approval args: %w", err)
		}
	}
	info.Request.CreatedAt = time.UnixMilli(createdMS).UTC()
	info.Request.ExpiresAt = time.UnixMilli(expiresMS).UTC()
	info.Status = approval.Status(status)

	if approved.Valid {
		info.Response = &approval.Response{
			Approved:  approved.Int64 == 1,
			Responder: responder.String,
			Reason:    reason.String,
		}
		if respAtMS.Valid {
			info.Response.At = time.UnixMilli(respAtMS.Int64).UTC()
		}
	}
	return &info, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
