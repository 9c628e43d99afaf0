// Package approval defines the human-in-the-loop approval model: pending
// requests, first-response-wins resolution, and the backend contract that
// the in-memory and sqlite stores implement.
package approval

import (
	"context"
	"errors"
	"time"

	"github.com/mishabar410/policyshield/internal/domain/detect"
	"github.com/mishabar410/policyshield/internal/domain/pii"
)

// Status of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusTimeout  Status = "timeout"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusTimeout
}

var (
	// ErrNotFound is returned when no request exists for the given id.
	ErrNotFound = errors.New("approval request not found")
	// ErrAlreadyResolved is returned when a second response arrives for a
	// request that already has a terminal status. First response wins.
	ErrAlreadyResolved = errors.New("approval request already resolved")
)

// Request is a pending approval submitted by the engine.
type Request struct {
	ID        string         `json:"id"`
	RuleID    string         `json:"rule_id"`
	Tool      string         `json:"tool"`
	SessionID string         `json:"session_id"`
	// Args is the display copy: PII and secrets redacted, strings
	// truncated. The raw arguments never leave the engine.
	Args      map[string]any `json:"args"`
	Message   string         `json:"message,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Response resolves a request. Approved false means denied.
type Response struct {
	Approved  bool      `json:"approved"`
	Responder string    `json:"responder,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// StatusInfo is the full view of a request and its resolution, if any.
type StatusInfo struct {
	Request  Request   `json:"request"`
	Status   Status    `json:"status"`
	Response *Response `json:"response,omitempty"`
}

// Backend stores approval requests and resolves waits. Implementations:
// memory (default), sqlite (persistent).
type Backend interface {
	// Submit registers a new pending request.
	Submit(ctx context.Context, req Request) error

	// Respond resolves a pending request. Returns ErrNotFound for unknown
	// ids and ErrAlreadyResolved when the request reached a terminal
	// status, including timeout.
	Respond(ctx context.Context, id string, resp Response) error

	// GetStatus returns the request's current state. A pending request past
	// its expiry reports StatusTimeout.
	GetStatus(ctx context.Context, id string) (*StatusInfo, error)

	// WaitForResponse blocks until the request reaches a terminal status,
	// the request expires, or ctx is done. On ctx cancellation the request
	// stays pending and the error is ctx.Err().
	WaitForResponse(ctx context.Context, id string) (*StatusInfo, error)

	// Pending lists unresolved, unexpired requests oldest first.
	Pending(ctx context.Context) ([]*StatusInfo, error)

	// Stop terminates background expiry sweeps.
	Stop()
}

// displayStringLimit bounds every string shown to approvers.
const displayStringLimit = 200

// SanitizeForDisplay produces the approver-facing copy of tool arguments:
// PII is redacted with the active detector, secret tokens are replaced
// with [REDACTED_<kind>] markers, and long strings truncated. The original
// map is not modified.
func SanitizeForDisplay(args map[string]any, detector *pii.Detector) map[string]any {
	if args == nil {
		return nil
	}
	redacted := args
	if detector != nil {
		v, _ := detector.RedactValue(args)
		if m, ok := v.(map[string]any); ok {
			redacted = m
		}
	}
	out, _ := displayValue(redacted).(map[string]any)
	return out
}

// displayValue scrubs secrets before truncating so a token split by the
// length cap cannot slip through half-redacted.
func displayValue(v any) any {
	switch val := v.(type) {
	case string:
		val = detect.RedactSecrets(val)
		if len(val) > displayStringLimit {
			return val[:displayStringLimit] + "..."
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = displayValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = displayValue(inner)
		}
		return out
	default:
		return v
	}
}
