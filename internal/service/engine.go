// Package service implements the policy engine: the decision pipeline,
// hot reload, the kill switch, and the approval lifecycle.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/mishabar410/policyshield/internal/domain/approval"
	"github.com/mishabar410/policyshield/internal/domain/rule"
	"github.com/mishabar410/policyshield/internal/domain/sanitize"
	"github.com/mishabar410/policyshield/internal/domain/session"
	"github.com/mishabar410/policyshield/internal/domain/trace"
)

// FailMode selects the verdict when the engine itself fails or times out.
// Kill switch and honeypot hits block regardless of fail mode.
type FailMode string

const (
	// FailClosed blocks on engine errors (default).
	FailClosed FailMode = "closed"
	// FailOpen allows on engine errors.
	FailOpen FailMode = "open"
)

// Defaults applied by NewEngine when Config leaves fields zero.
const (
	DefaultEngineTimeout = 5 * time.Second
	DefaultApprovalTTL   = 5 * time.Minute
	defaultResolutionCap = 10_000
	defaultResolutionTTL = time.Hour

	// maxApprovalMeta caps the engine's pending-approval mirror; the cap
	// evicts the oldest pending entry first.
	maxApprovalMeta = 10_000
	// metaSweepInterval amortizes expiry sweeps of the mirror over inserts.
	metaSweepInterval = 64
)

// Config holds engine behavior knobs, resolved from the environment by the
// config package.
type Config struct {
	Mode          rule.Mode
	FailMode      FailMode
	EngineTimeout time.Duration
	// ApprovalTTL is how long a pending approval waits before timing out.
	ApprovalTTL time.Duration
	// ApprovalTimeoutVerdict is the terminal verdict applied when an
	// approval times out: BLOCK (default) or ALLOW.
	ApprovalTimeoutVerdict rule.Verdict
	// Environment is the deployment environment matched by rule context
	// clauses (e.g. "production").
	Environment string
}

// CheckRequest is one tool call submitted for a verdict.
type CheckRequest struct {
	Tool      string
	Args      map[string]any
	SessionID string
	Sender    string
	Roles     []string
	RequestID string
}

// Decision is the engine's answer for one check.
type Decision struct {
	// Verdict is what the caller must do. In audit mode a computed BLOCK,
	// REDACT, or APPROVE is returned as ALLOW with Shadowed set.
	Verdict  rule.Verdict
	RuleID   string
	Message  string
	Severity rule.Severity
	Mode     rule.Mode

	// Shadowed is set in audit mode when the computed verdict was downgraded
	// to ALLOW; ShadowVerdict preserves what enforce mode would have returned.
	Shadowed      bool
	ShadowVerdict rule.Verdict

	// Args is the argument map to execute with: sanitized, and redacted when
	// the verdict is REDACT. Nil on BLOCK.
	Args     map[string]any
	PIIFound []string

	// ApprovalID and ApprovalExpiresAt are set on APPROVE verdicts.
	ApprovalID        string
	ApprovalExpiresAt time.Time

	// RetryAfterSeconds is set on rate-limit blocks.
	RetryAfterSeconds float64

	// FailureCause carries the engine error behind an __error__ decision;
	// it is traced, never returned to the caller.
	FailureCause string

	DurationMS float64
}

// Allows reports whether the tool call may execute.
func (d Decision) Allows() bool {
	return d.Verdict == rule.VerdictAllow || d.Verdict == rule.VerdictRedact
}

// PostCheckRequest reports a completed tool call's result for taint
// tracking and optional redaction.
type PostCheckRequest struct {
	Tool      string
	SessionID string
	Result    any
	Redact    bool
}

// PostCheckResult is the post-check outcome.
type PostCheckResult struct {
	Result   any
	PIIFound []string
	Redacted bool
}

// StatusReport is the operator view returned by the status endpoint.
type StatusReport struct {
	Mode             rule.Mode     `json:"mode"`
	FailMode         FailMode      `json:"fail_mode"`
	KillSwitch       bool          `json:"kill_switch"`
	KillReason       string        `json:"kill_reason,omitempty"`
	RuleFile         string        `json:"rule_file"`
	RuleFileHash     string        `json:"rule_file_hash"`
	Generation       uint64        `json:"generation"`
	LoadedAt         time.Time     `json:"loaded_at"`
	Rules            int           `json:"rules"`
	RateLimits       int           `json:"rate_limits"`
	Honeypots        int           `json:"honeypots"`
	ActiveSessions   int           `json:"active_sessions"`
	PendingApprovals int           `json:"pending_approvals"`
	Recent           []trace.Entry `json:"recent,omitempty"`
}

// approvalMeta ties a pending approval id back to its strategy key so a
// resolution can be cached.
type approvalMeta struct {
	key       uint64
	ruleID    string
	tool      string
	sessionID string
	expiresAt time.Time
}

// recentSource is implemented by trace recorders that keep an in-memory
// ring of recent entries.
type recentSource interface {
	Recent(n int) []trace.Entry
}

// Engine is the policy decision core. One instance serves all sessions;
// the active snapshot is swapped atomically on reload.
type Engine struct {
	cfg        Config
	snapshot   atomic.Pointer[Snapshot]
	killed     atomic.Bool
	killReason atomic.Pointer[string]

	sessions  *session.Manager
	approvals approval.Backend
	recorder  trace.Recorder
	compiler  rule.ConditionCompiler
	logger    *slog.Logger
	now       func() time.Time

	// reloadMu serializes reloads; checks never take it.
	reloadMu   sync.Mutex
	generation uint64

	approvalMu   sync.Mutex
	pendingByKey map[uint64]string
	metaByID     map[string]approvalMeta
	metaCap      int
	metaInserts  uint64
	resolved     *resolutionCache
}

// EngineOption configures optional collaborators.
type EngineOption func(*Engine)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine loads and compiles the rule file at rulePath and wires the
// collaborators. The returned engine is ready to serve checks.
func NewEngine(
	cfg Config,
	rulePath string,
	compiler rule.ConditionCompiler,
	sessions *session.Manager,
	approvals approval.Backend,
	recorder trace.Recorder,
	logger *slog.Logger,
	opts ...EngineOption,
) (*Engine, error) {
	if cfg.Mode == "" {
		cfg.Mode = rule.ModeEnforce
	}
	if cfg.FailMode == "" {
		cfg.FailMode = FailClosed
	}
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = DefaultEngineTimeout
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = DefaultApprovalTTL
	}
	if cfg.ApprovalTimeoutVerdict != rule.VerdictAllow {
		cfg.ApprovalTimeoutVerdict = rule.VerdictBlock
	}

	e := &Engine{
		cfg:          cfg,
		sessions:     sessions,
		approvals:    approvals,
		recorder:     recorder,
		compiler:     compiler,
		logger:       logger,
		now:          time.Now,
		generation:   1,
		pendingByKey: make(map[uint64]string),
		metaByID:     make(map[string]approvalMeta),
		metaCap:      maxApprovalMeta,
	}
	for _, opt := range opts {
		opt(e)
	}
	// The resolution cache reads the clock through the engine so the test
	// clock applies.
	e.resolved = newResolutionCache(defaultResolutionCap, defaultResolutionTTL, func() time.Time { return e.now() })

	rs, raw, err := rule.LoadFileRaw(rulePath)
	if err != nil {
		return nil, err
	}
	snap, err := BuildSnapshot(rs, raw, rulePath, compiler, e.generation)
	if err != nil {
		return nil, err
	}
	e.snapshot.Store(snap)

	logger.Info("policy loaded",
		"rule_file", rulePath,
		"hash", snap.Hash,
		"rules", len(snap.Rules.Rules),
		"rate_limits", len(snap.Rules.RateLimits),
		"honeypots", len(snap.Rules.Honeypots),
		"mode", cfg.Mode,
		"fail_mode", cfg.FailMode)
	return e, nil
}

// Close stops background work owned by collaborators.
func (e *Engine) Close() {
	e.sessions.Stop()
	e.approvals.Stop()
	if err := e.recorder.Close(); err != nil {
		e.logger.Warn("trace recorder close failed", "error", err)
	}
}

// Check runs the decision pipeline under the engine timeout. On timeout the
// fail mode decides the verdict; the pipeline goroutine is abandoned and
// its eventual result discarded.
func (e *Engine) Check(ctx context.Context, req CheckRequest) Decision {
	start := e.now()

	cctx, cancel := context.WithTimeout(ctx, e.cfg.EngineTimeout)
	defer cancel()

	ch := make(chan Decision, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("check pipeline panicked", "tool", req.Tool, "panic", r)
				ch <- e.failDecision(fmt.Errorf("panic: %v", r))
			}
		}()
		ch <- e.runPipeline(cctx, req)
	}()

	var d Decision
	select {
	case d = <-ch:
	case <-cctx.Done():
		d = e.failDecision(cctx.Err())
	}
	d.DurationMS = float64(e.now().Sub(start)) / float64(time.Millisecond)
	e.record(req, d)
	return d
}

// runPipeline is the ordered check sequence: mode gate, kill switch,
// honeypot, sanitizer, rate limits, rule matching, PII, approval, audit
// shaping.
func (e *Engine) runPipeline(ctx context.Context, req CheckRequest) Decision {
	snap := e.snapshot.Load()
	mode := e.cfg.Mode

	// Disabled mode short-circuits before any check, kill switch included.
	if mode == rule.ModeDisabled {
		return Decision{Verdict: rule.VerdictAllow, Mode: mode, Args: req.Args}
	}

	// Kill switch blocks everything else, audit mode included.
	if e.killed.Load() {
		msg := "kill switch engaged"
		if p := e.killReason.Load(); p != nil && *p != "" {
			msg = *p
		}
		return Decision{
			Verdict:  rule.VerdictBlock,
			RuleID:   rule.RuleIDKillSwitch,
			Message:  msg,
			Severity: rule.SeverityCritical,
			Mode:     mode,
		}
	}

	// Honeypot tools block unconditionally, audit mode included. The call
	// never ran, so it leaves no trace in the session's event ring.
	if _, ok := snap.Rules.Honeypots[req.Tool]; ok {
		return Decision{
			Verdict:  rule.VerdictBlock,
			RuleID:   rule.RuleIDHoneypot,
			Message:  "honeypot tool invoked",
			Severity: rule.SeverityCritical,
			Mode:     mode,
		}
	}

	cleaned, rej := snap.Sanitizer.Sanitize(req.Args)
	if rej != nil {
		return e.finish(ctx, req, snap, Decision{
			Verdict:  rule.VerdictBlock,
			RuleID:   rule.RuleIDSanitizer,
			Message:  rej.Detail,
			Severity: rej.Severity,
			Mode:     mode,
		}, nil)
	}

	for _, rl := range snap.Rules.RateLimits {
		if rl.Tool != "" && !rule.GlobMatch(rl.Tool, req.Tool) {
			continue
		}
		window := time.Duration(rl.WindowSeconds * float64(time.Second))
		allowed, retryAfter := e.sessions.AllowRate(req.SessionID, rl.ID, rl.MaxCalls, window)
		if !allowed {
			msg := rl.Message
			if msg == "" {
				msg = fmt.Sprintf("rate limit %s exceeded: %d calls per %gs", rl.ID, rl.MaxCalls, rl.WindowSeconds)
			}
			return e.finish(ctx, req, snap, Decision{
				Verdict:           rule.VerdictBlock,
				RuleID:            rl.ID,
				Message:           msg,
				Severity:          rule.SeverityMedium,
				Mode:              mode,
				RetryAfterSeconds: retryAfter.Seconds(),
			}, nil)
		}
	}

	view := e.sessions.Snapshot(req.SessionID)
	matched := snap.Rules.Match(ctx, rule.MatchInput{
		Tool:        req.Tool,
		Args:        cleaned,
		SessionID:   req.SessionID,
		Sender:      req.Sender,
		Roles:       req.Roles,
		Environment: e.cfg.Environment,
		Now:         e.now(),
		Session:     view,
	}, e.logger)

	d := Decision{Verdict: snap.Rules.Default, Mode: mode, Args: cleaned}
	if matched != nil {
		d.Verdict = matched.Then
		d.RuleID = matched.ID
		d.Message = matched.Message
		d.Severity = matched.Severity
	}

	// PII detection runs on the sanitized arguments; taints accumulate on
	// the session regardless of verdict.
	kinds := snap.PII.Detect(sanitize.Flatten(cleaned))
	if len(kinds) > 0 {
		d.PIIFound = kinds
		e.sessions.AddTaints(req.SessionID, kinds)
		if matched != nil && matched.PIIAction != "" {
			d.Verdict = matched.PIIAction
		}
	}

	if d.Verdict == rule.VerdictRedact {
		redacted, redactedKinds := snap.PII.RedactValue(cleaned)
		if m, ok := redacted.(map[string]any); ok {
			d.Args = m
		}
		d.PIIFound = mergeStringSets(d.PIIFound, redactedKinds)
	}

	// Audit mode never creates approval requests: the verdict is shadowed
	// to ALLOW below, so prompting would be noise.
	if d.Verdict == rule.VerdictApprove && matched != nil && mode == rule.ModeEnforce {
		d = e.approvalDecision(ctx, snap, matched, req, cleaned, d)
	}

	if d.Verdict == rule.VerdictBlock {
		d.Args = nil
	}
	return e.finish(ctx, req, snap, d, cleaned)
}

// finish applies session bookkeeping and audit shadowing to a computed
// decision. Bookkeeping keys on the computed verdict: a shadowed BLOCK
// moves no counters and leaves no event, even though the caller sees ALLOW.
// An abandoned pipeline commits nothing: the caller was already answered
// by the fail mode, not by this decision.
func (e *Engine) finish(ctx context.Context, req CheckRequest, snap *Snapshot, d Decision, cleaned map[string]any) Decision {
	if ctx.Err() == nil && d.Allows() {
		e.sessions.RecordSuccess(req.SessionID, req.Tool)
		e.sessions.RecordEvent(req.SessionID, req.Tool, d.Verdict)
	}

	if e.cfg.Mode == rule.ModeAudit && d.Verdict != rule.VerdictAllow {
		d.Shadowed = true
		d.ShadowVerdict = d.Verdict
		d.Verdict = rule.VerdictAllow
		if d.Args == nil {
			d.Args = cleaned
		}
	}
	return d
}

// approvalDecision resolves an APPROVE verdict against the resolution
// cache and the pending table, creating a new approval request when
// neither has an answer.
func (e *Engine) approvalDecision(ctx context.Context, snap *Snapshot, r *rule.CompiledRule, req CheckRequest, cleaned map[string]any, d Decision) Decision {
	key := approvalKey(r.ApprovalStrategy, r.ID, req.Tool, req.SessionID, cleaned)

	if outcome, ok := e.resolved.Get(key); ok {
		return e.applyResolution(outcome, d)
	}

	e.approvalMu.Lock()
	if id, ok := e.pendingByKey[key]; ok {
		meta := e.metaByID[id]
		if e.now().Before(meta.expiresAt) {
			e.approvalMu.Unlock()
			d.ApprovalID = id
			d.ApprovalExpiresAt = meta.expiresAt
			return d
		}
		// The request timed out without a poll observing it. Resolve it
		// here so equivalent calls in the same scope stop re-prompting.
		delete(e.pendingByKey, key)
		delete(e.metaByID, id)
		e.approvalMu.Unlock()
		e.resolved.Put(key, resolutionTimedOut)
		return e.applyResolution(resolutionTimedOut, d)
	}

	now := e.now()
	e.metaInserts++
	if e.metaInserts%metaSweepInterval == 0 || len(e.metaByID) >= e.metaCap {
		e.sweepApprovalMetaLocked(now)
	}
	for len(e.metaByID) >= e.metaCap {
		e.evictOldestMetaLocked()
	}

	id := uuid.NewString()
	meta := approvalMeta{
		key:       key,
		ruleID:    r.ID,
		tool:      req.Tool,
		sessionID: req.SessionID,
		expiresAt: now.Add(e.cfg.ApprovalTTL),
	}
	e.pendingByKey[key] = id
	e.metaByID[id] = meta
	e.approvalMu.Unlock()

	err := e.approvals.Submit(ctx, approval.Request{
		ID:        id,
		RuleID:    r.ID,
		Tool:      req.Tool,
		SessionID: req.SessionID,
		Args:      approval.SanitizeForDisplay(cleaned, snap.PII),
		Message:   r.Message,
		CreatedAt: now,
		ExpiresAt: meta.expiresAt,
	})
	if err != nil {
		e.approvalMu.Lock()
		delete(e.pendingByKey, key)
		delete(e.metaByID, id)
		e.approvalMu.Unlock()
		e.logger.Error("approval submission failed", "rule_id", r.ID, "tool", req.Tool, "error", err)
		fd := e.failDecision(err)
		fd.Mode = d.Mode
		return fd
	}

	d.ApprovalID = id
	d.ApprovalExpiresAt = meta.expiresAt
	return d
}

// sweepApprovalMetaLocked removes expired pending entries from the mirror,
// converting each into a cached timeout resolution so equivalent calls
// take the auto verdict instead of re-prompting. Caller holds approvalMu.
func (e *Engine) sweepApprovalMetaLocked(now time.Time) {
	for id, meta := range e.metaByID {
		if now.Before(meta.expiresAt) {
			continue
		}
		delete(e.metaByID, id)
		if e.pendingByKey[meta.key] == id {
			delete(e.pendingByKey, meta.key)
		}
		e.resolved.Put(meta.key, resolutionTimedOut)
	}
}

// evictOldestMetaLocked drops the pending entry closest to expiry. The
// evicted scope simply re-prompts on its next check. Caller holds
// approvalMu.
func (e *Engine) evictOldestMetaLocked() {
	var (
		victimID string
		oldest   time.Time
	)
	for id, meta := range e.metaByID {
		if victimID == "" || meta.expiresAt.Before(oldest) {
			victimID = id
			oldest = meta.expiresAt
		}
	}
	if victimID == "" {
		return
	}
	meta := e.metaByID[victimID]
	delete(e.metaByID, victimID)
	if e.pendingByKey[meta.key] == victimID {
		delete(e.pendingByKey, meta.key)
	}
}

// applyResolution maps a cached terminal answer onto a decision. Timeouts
// take the configured auto verdict.
func (e *Engine) applyResolution(outcome resolutionOutcome, d Decision) Decision {
	switch outcome {
	case resolutionApproved:
		d.Verdict = rule.VerdictAllow
		d.Message = "previously approved"
	case resolutionDenied:
		d.Verdict = rule.VerdictBlock
		d.Message = "approval denied"
	case resolutionTimedOut:
		d.Verdict = e.cfg.ApprovalTimeoutVerdict
		d.Message = "approval timed out"
	}
	return d
}

// RespondApproval resolves a pending approval. The first response wins;
// the resolution is cached under the request's strategy key.
func (e *Engine) RespondApproval(ctx context.Context, id string, resp approval.Response) error {
	if err := e.approvals.Respond(ctx, id, resp); err != nil {
		return err
	}
	outcome := resolutionDenied
	if resp.Approved {
		outcome = resolutionApproved
	}
	e.cacheResolution(id, outcome)
	return nil
}

// CheckApproval returns the approval's status, optionally blocking until
// resolution or ctx expiry. Terminal statuses feed the resolution cache.
func (e *Engine) CheckApproval(ctx context.Context, id string, wait bool) (*approval.StatusInfo, error) {
	var (
		info *approval.StatusInfo
		err  error
	)
	if wait {
		info, err = e.approvals.WaitForResponse(ctx, id)
	} else {
		info, err = e.approvals.GetStatus(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	switch info.Status {
	case approval.StatusApproved:
		e.cacheResolution(id, resolutionApproved)
	case approval.StatusDenied:
		e.cacheResolution(id, resolutionDenied)
	case approval.StatusTimeout:
		// The timeout is terminal: cache it so equivalent calls in the
		// same scope take the auto verdict instead of re-prompting.
		e.cacheResolution(id, resolutionTimedOut)
	}
	return info, nil
}

// TimeoutAutoVerdict is the verdict applied when an approval times out.
func (e *Engine) TimeoutAutoVerdict() rule.Verdict { return e.cfg.ApprovalTimeoutVerdict }

// PendingApprovals lists unresolved requests oldest first.
func (e *Engine) PendingApprovals(ctx context.Context) ([]*approval.StatusInfo, error) {
	return e.approvals.Pending(ctx)
}

// cacheResolution records a terminal answer and clears the pending mapping.
func (e *Engine) cacheResolution(id string, outcome resolutionOutcome) {
	e.approvalMu.Lock()
	meta, ok := e.metaByID[id]
	if ok {
		delete(e.metaByID, id)
		if e.pendingByKey[meta.key] == id {
			delete(e.pendingByKey, meta.key)
		}
	}
	e.approvalMu.Unlock()
	if ok {
		e.resolved.Put(meta.key, outcome)
	}
}

// PostCheck inspects a tool result for PII, taints the session, and
// optionally redacts the result before it reaches the agent.
func (e *Engine) PostCheck(_ context.Context, req PostCheckRequest) PostCheckResult {
	snap := e.snapshot.Load()
	out := PostCheckResult{Result: req.Result}

	flat := sanitize.Flatten(req.Result)
	kinds := snap.PII.Detect(flat)
	if len(kinds) == 0 {
		e.sessions.RecordEvent(req.SessionID, req.Tool, verdictPost)
		return out
	}

	out.PIIFound = kinds
	e.sessions.AddTaints(req.SessionID, kinds)
	if req.Redact {
		out.Result, _ = snap.PII.RedactValue(req.Result)
		out.Redacted = true
	}
	e.sessions.RecordEvent(req.SessionID, req.Tool, verdictPost)
	return out
}

// verdictPost marks post-check events in the session ring; it never
// appears in decisions.
const verdictPost rule.Verdict = "post"

// Reload loads, compiles, and atomically swaps a new snapshot from the
// same rule file. On any error the active snapshot is untouched. Rate
// windows keyed by surviving limit ids are preserved; retired ids are
// swept.
func (e *Engine) Reload(_ context.Context) (*Snapshot, error) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	old := e.snapshot.Load()
	rs, raw, err := rule.LoadFileRaw(old.Source)
	if err != nil {
		return nil, err
	}
	snap, err := BuildSnapshot(rs, raw, old.Source, e.compiler, e.generation+1)
	if err != nil {
		return nil, err
	}

	e.generation++
	e.snapshot.Store(snap)
	e.sessions.DropRateWindows(snap.RateLimitIDs())

	e.logger.Info("policy reloaded",
		"rule_file", snap.Source,
		"hash", snap.Hash,
		"generation", snap.Generation,
		"rules", len(snap.Rules.Rules),
		"previous_hash", old.Hash)
	return snap, nil
}

// Kill engages the kill switch: every subsequent check blocks with the
// given reason until Resume.
func (e *Engine) Kill(reason string) {
	e.killReason.Store(&reason)
	e.killed.Store(true)
	e.logger.Warn("kill switch engaged", "reason", reason)
}

// Resume releases the kill switch.
func (e *Engine) Resume() {
	e.killed.Store(false)
	e.killReason.Store(nil)
	e.logger.Info("kill switch released")
}

// KillReason returns the reason given to Kill, or "" when not killed.
func (e *Engine) KillReason() string {
	if p := e.killReason.Load(); p != nil {
		return *p
	}
	return ""
}

// Killed reports the kill switch state.
func (e *Engine) Killed() bool { return e.killed.Load() }

// Mode returns the configured operating mode.
func (e *Engine) Mode() rule.Mode { return e.cfg.Mode }

// Active returns the current snapshot.
func (e *Engine) Active() *Snapshot { return e.snapshot.Load() }

// SessionCount returns the number of tracked sessions.
func (e *Engine) SessionCount() int { return e.sessions.Len() }

// Status assembles the operator status report.
func (e *Engine) Status(ctx context.Context, recent int) StatusReport {
	snap := e.snapshot.Load()
	report := StatusReport{
		Mode:           e.cfg.Mode,
		FailMode:       e.cfg.FailMode,
		KillSwitch:     e.killed.Load(),
		KillReason:     e.KillReason(),
		RuleFile:       snap.Source,
		RuleFileHash:   snap.Hash,
		Generation:     snap.Generation,
		LoadedAt:       snap.LoadedAt,
		Rules:          len(snap.Rules.Rules),
		RateLimits:     len(snap.Rules.RateLimits),
		Honeypots:      len(snap.Rules.Honeypots),
		ActiveSessions: e.sessions.Len(),
	}
	if pending, err := e.approvals.Pending(ctx); err == nil {
		report.PendingApprovals = len(pending)
	}
	if src, ok := e.recorder.(recentSource); ok && recent > 0 {
		report.Recent = src.Recent(recent)
	}
	return report
}

// failDecision maps an engine failure to the configured fail mode.
func (e *Engine) failDecision(cause error) Decision {
	var causeText string
	if cause != nil {
		causeText = cause.Error()
	}
	if e.cfg.FailMode == FailOpen {
		e.logger.Warn("engine failure, failing open", "error", cause)
		return Decision{
			Verdict:      rule.VerdictAllow,
			RuleID:       rule.RuleIDError,
			Message:      "engine failure, fail_open allowed the call",
			Mode:         e.cfg.Mode,
			FailureCause: causeText,
		}
	}
	e.logger.Error("engine failure, failing closed", "error", cause)
	return Decision{
		Verdict:      rule.VerdictBlock,
		RuleID:       rule.RuleIDError,
		Message:      "engine failure, fail_closed blocked the call",
		Severity:     rule.SeverityHigh,
		Mode:         e.cfg.Mode,
		FailureCause: causeText,
	}
}

// record writes the trace entry for one decision. Arguments are traced
// post-sanitization with PII redacted, so the trace itself leaks nothing.
func (e *Engine) record(req CheckRequest, d Decision) {
	snap := e.snapshot.Load()
	entry := trace.Entry{
		Timestamp:   e.now().UTC(),
		SessionID:   req.SessionID,
		Tool:        req.Tool,
		Verdict:     d.Verdict,
		RuleID:      d.RuleID,
		Mode:        d.Mode,
		Reason:      d.Message,
		Severity:    d.Severity,
		PIIFound:    d.PIIFound,
		DurationMS:  d.DurationMS,
		ApprovalID:  d.ApprovalID,
		Shadowed:    d.Shadowed,
		RequestID:   req.RequestID,
		Environment: e.cfg.Environment,
		Error:       d.FailureCause,
	}
	if d.Shadowed {
		entry.Verdict = d.ShadowVerdict
	}
	if d.Args != nil {
		if redacted, _ := snap.PII.RedactValue(d.Args); redacted != nil {
			entry.Args, _ = redacted.(map[string]any)
		}
	}
	if err := e.recorder.Record(entry); err != nil {
		e.logger.Error("trace record failed", "error", err)
	}
}

// approvalKey derives the resolution cache key for a rule's strategy.
func approvalKey(strategy rule.ApprovalStrategy, ruleID, tool, sessionID string, args map[string]any) uint64 {
	h := xxhash.New()
	switch strategy {
	case rule.ApprovalOnce:
		_, _ = h.WriteString("once\x00")
		_, _ = h.WriteString(ruleID)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(tool)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(canonicalArgs(args))
	case rule.ApprovalPerRule:
		_, _ = h.WriteString("rule\x00")
		_, _ = h.WriteString(ruleID)
	case rule.ApprovalPerTool:
		_, _ = h.WriteString("tool\x00")
		_, _ = h.WriteString(tool)
	default: // per_session
		_, _ = h.WriteString("session\x00")
		_, _ = h.WriteString(ruleID)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(sessionID)
	}
	return h.Sum64()
}

// mergeStringSets unions two sorted string slices, preserving sort order.
func mergeStringSets(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 {
		return b
	}
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// canonicalArgs renders the argument map deterministically for hashing.
// encoding/json sorts map keys, which is exactly the property needed.
func canonicalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}
