// Package trace defines the decision trace model written to the JSONL
// audit stream.
package trace

import (
	"time"

	"github.com/mishabar410/policyshield/internal/domain/rule"
)

// Entry is one recorded decision. Arguments are recorded after
// sanitization and redaction only.
type Entry struct {
	Timestamp   time.Time      `json:"timestamp"`
	SessionID   string         `json:"session_id"`
	Tool        string         `json:"tool"`
	Verdict     rule.Verdict   `json:"verdict"`
	RuleID      string         `json:"rule_id,omitempty"`
	Mode        rule.Mode      `json:"mode"`
	Reason      string         `json:"reason,omitempty"`
	Severity    rule.Severity  `json:"severity,omitempty"`
	PIIFound    []string       `json:"pii_found,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	DurationMS  float64        `json:"duration_ms"`
	ApprovalID  string         `json:"approval_id,omitempty"`
	Shadowed    bool           `json:"shadowed,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	Environment string         `json:"environment,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Recorder persists trace entries. Record must never block the decision
// path on storage latency beyond a buffered write.
type Recorder interface {
	Record(entry Entry) error
	Flush() error
	Close() error
}

// Nop discards every entry, used when tracing is disabled.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) Record(Entry) error { return nil }
func (Nop) Flush() error       { return nil }
func (Nop) Close() error       { return nil }
