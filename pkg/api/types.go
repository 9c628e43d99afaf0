// Package api defines the JSON wire types of the PolicyShield HTTP API.
// Shared by the server and the Go client.
package api

import "time"

// CheckRequest asks for a verdict on one tool call before execution.
type CheckRequest struct {
	// ToolName is the tool about to be invoked.
	ToolName string `json:"tool_name"`
	// Args is the tool-call argument object.
	Args map[string]any `json:"args,omitempty"`
	// SessionID groups calls for counters, rate limits, and chain rules.
	SessionID string `json:"session_id,omitempty"`
	// Sender identifies the calling agent or user.
	Sender string `json:"sender,omitempty"`
	// Roles are the sender's roles, matched by rule context clauses.
	Roles []string `json:"roles,omitempty"`
	// RequestID correlates the response and trace entry with the caller's
	// own bookkeeping. Generated when absent.
	RequestID string `json:"request_id,omitempty"`
}

// CheckResponse carries the verdict. Verdicts are uppercase: ALLOW, BLOCK,
// REDACT, APPROVE.
type CheckResponse struct {
	Verdict   string `json:"verdict"`
	RuleID    string `json:"rule_id,omitempty"`
	Message   string `json:"message,omitempty"`
	Severity  string `json:"severity,omitempty"`
	Mode      string `json:"mode"`
	RequestID string `json:"request_id"`

	// Shadowed marks audit-mode decisions whose computed verdict was
	// downgraded to ALLOW; ShadowVerdict preserves it.
	Shadowed      bool   `json:"shadowed,omitempty"`
	ShadowVerdict string `json:"shadow_verdict,omitempty"`

	// ModifiedArgs is the argument object to execute with (sanitized;
	// redacted on REDACT). Absent on BLOCK.
	ModifiedArgs map[string]any `json:"modified_args,omitempty"`
	PIITypes     []string       `json:"pii_types,omitempty"`

	ApprovalID        string     `json:"approval_id,omitempty"`
	ApprovalExpiresAt *time.Time `json:"approval_expires_at,omitempty"`

	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
	DurationMS        float64 `json:"duration_ms"`
}

// PostCheckRequest reports a completed tool call's result.
type PostCheckRequest struct {
	ToolName  string         `json:"tool_name"`
	Args      map[string]any `json:"args,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Result    any            `json:"result"`
}

// PostCheckResponse is the post-check outcome. RedactedResult is the result
// with detected PII masked.
type PostCheckResponse struct {
	PIITypes       []string `json:"pii_types"`
	RedactedResult any      `json:"redacted_result,omitempty"`
}

// HealthResponse is the /api/v1/health body.
type HealthResponse struct {
	Status     string `json:"status"`
	RulesCount int    `json:"rules_count"`
	Mode       string `json:"mode"`
}

// ConstraintsResponse is the policy digest served to agents.
type ConstraintsResponse struct {
	Summary string `json:"summary"`
	// Constraints is the structured form of the same digest.
	Constraints any `json:"constraints,omitempty"`
}

// StatusResponse is the operator status view.
type StatusResponse struct {
	Status           string    `json:"status"`
	Killed           bool      `json:"killed"`
	KillReason       string    `json:"kill_reason,omitempty"`
	Mode             string    `json:"mode"`
	FailMode         string    `json:"fail_mode"`
	RulesCount       int       `json:"rules_count"`
	RateLimits       int       `json:"rate_limits"`
	Honeypots        int       `json:"honeypots"`
	ActiveSessions   int       `json:"active_sessions"`
	PendingApprovals int       `json:"pending_approvals"`
	Generation       uint64    `json:"generation"`
	RuleFileHash     string    `json:"rule_file_hash"`
	LoadedAt         time.Time `json:"loaded_at"`
	Version          string    `json:"version"`
	Recent           any       `json:"recent,omitempty"`
}

// ReloadResponse reports the rule-set swap performed by /api/v1/reload.
type ReloadResponse struct {
	OldCount   int       `json:"old_count"`
	NewCount   int       `json:"new_count"`
	Generation uint64    `json:"generation"`
	Hash       string    `json:"hash"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// KillRequest engages the kill switch.
type KillRequest struct {
	Reason string `json:"reason,omitempty"`
}

// KillResponse acknowledges the kill switch.
type KillResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ResumeResponse acknowledges kill-switch release.
type ResumeResponse struct {
	Status string `json:"status"`
}

// CheckApprovalRequest polls one approval. Wait blocks until resolution or
// the server's poll timeout.
type CheckApprovalRequest struct {
	ApprovalID string `json:"approval_id"`
	Wait       bool   `json:"wait,omitempty"`
}

// CheckApprovalResponse is the wire view of one approval's progress.
// AutoVerdict is the verdict a blocked caller should apply: ALLOW when
// approved, BLOCK when denied, timed out, or expired; absent while pending.
type CheckApprovalResponse struct {
	ApprovalID  string     `json:"approval_id"`
	Status      string     `json:"status"`
	Responder   string     `json:"responder,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	AutoVerdict string     `json:"auto_verdict,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// RespondApprovalRequest resolves a pending approval.
type RespondApprovalRequest struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	Responder  string `json:"responder,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

// RespondApprovalResponse acknowledges the resolution.
type RespondApprovalResponse struct {
	Status string `json:"status"`
}

// PendingApproval is one entry of the pending-approvals listing.
type PendingApproval struct {
	ApprovalID string         `json:"approval_id"`
	RuleID     string         `json:"rule_id"`
	Tool       string         `json:"tool"`
	SessionID  string         `json:"session_id"`
	Args       map[string]any `json:"args,omitempty"`
	Message    string         `json:"message,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
}

// PendingApprovalsResponse lists unresolved approvals.
type PendingApprovalsResponse struct {
	Items []PendingApproval `json:"items"`
}

// ErrorResponse is the JSON error envelope. On 5xx the Verdict field tells
// the client how to degrade (BLOCK under fail_closed, ALLOW under
// fail_open).
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Verdict string `json:"verdict,omitempty"`
}
