package client

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrBlocked is returned when a check results in a BLOCK verdict.
	ErrBlocked = errors.New("blocked by policy")

	// ErrApprovalTimeout is returned when approval polling exceeds the
	// maximum wait time.
	ErrApprovalTimeout = errors.New("approval timeout")

	// ErrServerUnreachable is returned when the PolicyShield server cannot
	// be contacted.
	ErrServerUnreachable = errors.New("server unreachable")
)

// APIError is the base error type for server-side failures.
type APIError struct {
	// Code is a machine-readable error code (HTTP status or envelope kind).
	Code string
	// Err is the underlying error.
	Err error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("policyshield [%s]: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("policyshield [%s]", e.Code)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// BlockedError is returned when a check results in a BLOCK verdict. It
// carries the rule that blocked the call.
type BlockedError struct {
	// RuleID is the identifier of the blocking rule.
	RuleID string
	// Message explains why the call was blocked.
	Message string
	// Severity is the blocking rule's severity.
	Severity string
	// RequestID correlates with the server-side trace.
	RequestID string
	// RetryAfterSeconds is set on rate-limit blocks.
	RetryAfterSeconds float64
}

func (e *BlockedError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("blocked by rule %q: %s", e.RuleID, e.Message)
	}
	return fmt.Sprintf("blocked: %s", e.Message)
}

// Is supports errors.Is(err, ErrBlocked).
func (e *BlockedError) Is(target error) bool {
	return target == ErrBlocked
}

// ApprovalTimeoutError is returned when approval polling exceeds the
// maximum wait time.
type ApprovalTimeoutError struct {
	// ApprovalID identifies the approval that timed out.
	ApprovalID string
}

func (e *ApprovalTimeoutError) Error() string {
	return fmt.Sprintf("approval timeout for request %s", e.ApprovalID)
}

// Is supports errors.Is(err, ErrApprovalTimeout).
func (e *ApprovalTimeoutError) Is(target error) bool {
	return target == ErrApprovalTimeout
}

// ServerUnreachableError is returned when the PolicyShield server cannot be
// contacted and the client runs fail-closed.
type ServerUnreachableError struct {
	// Cause is the underlying transport error.
	Cause error
}

func (e *ServerUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("server unreachable: %v", e.Cause)
	}
	return "server unreachable"
}

func (e *ServerUnreachableError) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is(err, ErrServerUnreachable).
func (e *ServerUnreachableError) Is(target error) bool {
	return target == ErrServerUnreachable
}
