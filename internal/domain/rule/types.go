// Package rule contains the declarative policy rule model: verdicts, rules,
// rate limits, honeypots, and the compiled rule-set used on the hot path.
package rule

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Verdict is the four-way decision produced by the engine.
type Verdict string

const (
	// VerdictAllow permits the tool call to proceed unchanged.
	VerdictAllow Verdict = "ALLOW"
	// VerdictBlock stops the tool call.
	VerdictBlock Verdict = "BLOCK"
	// VerdictRedact permits the call with PII-redacted arguments.
	VerdictRedact Verdict = "REDACT"
	// VerdictApprove suspends the call pending human approval.
	VerdictApprove Verdict = "APPROVE"
)

// Valid reports whether v is a member of the closed verdict set.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictAllow, VerdictBlock, VerdictRedact, VerdictApprove:
		return true
	}
	return false
}

// Mode controls how verdicts are surfaced to the caller.
type Mode string

const (
	// ModeEnforce returns computed verdicts to the caller.
	ModeEnforce Mode = "enforce"
	// ModeAudit computes and records verdicts but returns ALLOW.
	// Kill switch and honeypot hits still block.
	ModeAudit Mode = "audit"
	// ModeDisabled short-circuits to ALLOW before any check.
	ModeDisabled Mode = "disabled"
)

// Severity is an advisory label attached to rules and detector hits.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ApprovalStrategy is the caching key class used to avoid re-prompting for
// equivalent approvals.
type ApprovalStrategy string

const (
	// ApprovalOnce caches per exact (rule, tool, args) triple.
	ApprovalOnce ApprovalStrategy = "once"
	// ApprovalPerSession caches per (rule, session).
	ApprovalPerSession ApprovalStrategy = "per_session"
	// ApprovalPerRule caches per rule.
	ApprovalPerRule ApprovalStrategy = "per_rule"
	// ApprovalPerTool caches per tool name.
	ApprovalPerTool ApprovalStrategy = "per_tool"
)

// Reserved synthetic rule IDs reported on verdicts that no authored rule
// produced.
const (
	RuleIDKillSwitch = "__kill_switch__"
	RuleIDHoneypot   = "__honeypot__"
	RuleIDSanitizer  = "__sanitizer__"
	RuleIDRateLimit  = "__rate_limit__"
	RuleIDError      = "__error__"
)

// MaxPatternLength caps regex sources (rules, blocked patterns, custom PII)
// to bound compilation cost and reject pathological patterns.
const MaxPatternLength = 500

// ToolSelector matches tool names by exact name, list membership, or glob.
// In YAML it accepts either a scalar or a sequence of scalars.
type ToolSelector struct {
	// Names holds the literal names or glob patterns from the rule file.
	Names []string
}

// UnmarshalYAML accepts "tool: name" and "tool: [a, b]".
func (t *ToolSelector) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		t.Names = []string{s}
		return nil
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}
		t.Names = names
		return nil
	default:
		return fmt.Errorf("tool: expected string or list, got %v", node.Kind)
	}
}

// IsZero reports whether no tool clause was specified.
func (t ToolSelector) IsZero() bool { return len(t.Names) == 0 }

// ArgPredicate is a single argument matcher. Exactly one field should be set;
// compilation rejects predicates with zero or multiple operators.
type ArgPredicate struct {
	Eq          any      `yaml:"eq"`
	Contains    *string  `yaml:"contains"`
	NotContains *string  `yaml:"not_contains"`
	Regex       *string  `yaml:"regex"`
	NotRegex    *string  `yaml:"not_regex"`
	Gt          *float64 `yaml:"gt"`
	Lt          *float64 `yaml:"lt"`
}

// NumPredicate compares a session counter against a constant.
type NumPredicate struct {
	Gt *uint64 `yaml:"gt"`
	Lt *uint64 `yaml:"lt"`
	Eq *uint64 `yaml:"eq"`
}

// ChainStep is one prior-event requirement of a chain rule.
type ChainStep struct {
	// Tool is the exact tool name of the prior event.
	Tool string `yaml:"tool"`
	// WithinSeconds is the maximum age of the prior event.
	WithinSeconds float64 `yaml:"within_seconds"`
}

// ContextCond restricts a rule to a time-of-day window, weekday set,
// sender roles, or deployment environments.
type ContextCond struct {
	// TimeStart/TimeEnd delimit a daily window in "HH:MM" local time.
	// A window wrapping midnight (start > end) is supported.
	TimeStart string `yaml:"time_start"`
	TimeEnd   string `yaml:"time_end"`
	// Days restricts matching to the named weekdays ("mon".."sun").
	Days []string `yaml:"days"`
	// Roles requires the sender to hold at least one of the listed roles.
	Roles []string `yaml:"roles"`
	// Environments requires the deployment environment to be listed.
	Environments []string `yaml:"environments"`
}

// IsZero reports whether no context clause was specified.
func (c *ContextCond) IsZero() bool {
	return c == nil || (c.TimeStart == "" && c.TimeEnd == "" &&
		len(c.Days) == 0 && len(c.Roles) == 0 && len(c.Environments) == 0)
}

// Rule is a declarative condition/action pair authored in the policy file.
type Rule struct {
	// ID uniquely identifies the rule within a rule set.
	ID string `yaml:"id"`
	// Tool selects tool names (exact, list, or glob).
	Tool ToolSelector `yaml:"tool"`
	// ArgsMatch maps argument keys to predicates. All must hold.
	ArgsMatch map[string]ArgPredicate `yaml:"args_match"`
	// Session maps "tool_count.<name>" to counter predicates.
	Session map[string]NumPredicate `yaml:"session"`
	// Context restricts matching by time, weekday, role, or environment.
	Context *ContextCond `yaml:"context"`
	// Chain lists prior events that must all be present in the session's
	// recent history, most recent step last.
	Chain []ChainStep `yaml:"chain"`
	// When is an optional CEL expression evaluated with tool/args/session
	// variables. Empty means always true.
	When string `yaml:"when"`
	// Then is the verdict produced when every specified clause matches.
	Then Verdict `yaml:"then"`
	// Message is the human-readable reason returned with the verdict.
	Message string `yaml:"message"`
	// Severity is an advisory label (low/medium/high/critical).
	Severity Severity `yaml:"severity"`
	// ApprovalStrategy selects the approval caching key (default per_session).
	ApprovalStrategy ApprovalStrategy `yaml:"approval_strategy"`
	// PIIAction optionally escalates the verdict when PII is detected in
	// the arguments (e.g. a REDACT rule with pii_action: BLOCK).
	PIIAction Verdict `yaml:"pii_action"`
}

// RateLimit is a sliding-window limit keyed by a stable id. Windows survive
// hot reload as long as the id is unchanged.
type RateLimit struct {
	// ID is the stable identifier; referenced as the blocking rule id.
	ID string `yaml:"id"`
	// Tool scopes the limit to a tool name or glob. Empty matches all tools.
	Tool string `yaml:"tool"`
	// MaxCalls is the number of calls permitted per window.
	MaxCalls int `yaml:"max_calls"`
	// WindowSeconds is the sliding window length.
	WindowSeconds float64 `yaml:"window_seconds"`
	// Message is returned with the BLOCK verdict on violation.
	Message string `yaml:"message"`
}

// PIIPattern is a custom, named PII kind loaded from configuration.
type PIIPattern struct {
	Kind    string `yaml:"kind"`
	Pattern string `yaml:"pattern"`
}

// NamedPattern is a user-configured blocked pattern for the sanitizer.
type NamedPattern struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// SanitizerConfig configures the pre-rule sanitizer stage.
type SanitizerConfig struct {
	// MaxStringLength rejects any string argument longer than this (default 65536).
	MaxStringLength int `yaml:"max_string_length"`
	// MaxArgsDepth rejects argument trees nested deeper than this (default 10).
	MaxArgsDepth int `yaml:"max_args_depth"`
	// MaxTotalKeys rejects argument trees with more keys than this (default 256).
	MaxTotalKeys int `yaml:"max_total_keys"`
	// TrimWhitespace trims leading/trailing whitespace from strings.
	TrimWhitespace bool `yaml:"trim_whitespace"`
	// Detectors names the enabled detector packs. Empty enables all built-ins.
	Detectors []string `yaml:"detectors"`
	// BlockedPatterns are user-configured reject patterns.
	BlockedPatterns []NamedPattern `yaml:"blocked_patterns"`
}

// RuleSet is a complete policy snapshot as loaded from the rule file.
// It is compiled once into a CompiledRuleSet and treated as immutable.
type RuleSet struct {
	// DefaultVerdict applies when no rule matches (default ALLOW).
	DefaultVerdict Verdict `yaml:"default_verdict"`
	// Rules are evaluated in source order; first full match wins.
	Rules []Rule `yaml:"rules"`
	// RateLimits are sliding-window limits tested before rule matching.
	RateLimits []RateLimit `yaml:"rate_limits"`
	// Honeypots are tool names that must never be called; any call blocks.
	Honeypots []string `yaml:"honeypots"`
	// PIIPatterns are custom PII kinds participating in detection/redaction.
	PIIPatterns []PIIPattern `yaml:"pii_patterns"`
	// Sanitizer configures the pre-rule sanitizer stage.
	Sanitizer SanitizerConfig `yaml:"sanitizer"`
}
