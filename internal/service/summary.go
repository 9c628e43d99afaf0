package service

import (
	"fmt"
	"strings"

	"github.com/mishabar410/policyshield/internal/domain/rule"
)

// RuleSummary is the client-visible shape of one rule.
type RuleSummary struct {
	ID       string        `json:"id"`
	Tools    []string      `json:"tools,omitempty"`
	Verdict  rule.Verdict  `json:"verdict"`
	Message  string        `json:"message,omitempty"`
	Severity rule.Severity `json:"severity,omitempty"`
	// HasConditions is set when the rule carries argument, session, context,
	// chain, or expression clauses beyond the tool selector.
	HasConditions bool `json:"has_conditions,omitempty"`
}

// LimitSummary is the client-visible shape of one rate limit.
type LimitSummary struct {
	ID            string  `json:"id"`
	Tool          string  `json:"tool,omitempty"`
	MaxCalls      int     `json:"max_calls"`
	WindowSeconds float64 `json:"window_seconds"`
}

// Constraints is the policy summary returned to agents so they can align
// before attempting calls. Honeypot tool names are deliberately absent:
// disclosing them would defeat their purpose.
type Constraints struct {
	DefaultVerdict rule.Verdict   `json:"default_verdict"`
	Mode           rule.Mode      `json:"mode"`
	Rules          []RuleSummary  `json:"rules"`
	RateLimits     []LimitSummary `json:"rate_limits,omitempty"`
	Detectors      []string       `json:"detectors,omitempty"`
	PIIKinds       []string       `json:"pii_kinds,omitempty"`
	Generation     uint64         `json:"generation"`
}

// Constraints assembles the summary from the active snapshot.
func (e *Engine) Constraints() Constraints {
	snap := e.snapshot.Load()
	src := snap.Rules.Source

	out := Constraints{
		DefaultVerdict: snap.Rules.Default,
		Mode:           e.cfg.Mode,
		Generation:     snap.Generation,
		Detectors:      src.Sanitizer.Detectors,
	}

	for _, r := range src.Rules {
		out.Rules = append(out.Rules, RuleSummary{
			ID:       r.ID,
			Tools:    r.Tool.Names,
			Verdict:  r.Then,
			Message:  r.Message,
			Severity: r.Severity,
			HasConditions: len(r.ArgsMatch) > 0 || len(r.Session) > 0 ||
				!r.Context.IsZero() || len(r.Chain) > 0 || r.When != "",
		})
	}
	for _, rl := range src.RateLimits {
		out.RateLimits = append(out.RateLimits, LimitSummary{
			ID:            rl.ID,
			Tool:          rl.Tool,
			MaxCalls:      rl.MaxCalls,
			WindowSeconds: rl.WindowSeconds,
		})
	}
	for _, p := range src.PIIPatterns {
		out.PIIKinds = append(out.PIIKinds, p.Kind)
	}
	return out
}

// Summary renders the constraints as a human-readable digest for agents.
func (c Constraints) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Policy generation %d, mode %s, default verdict %s.\n",
		c.Generation, c.Mode, c.DefaultVerdict)

	if len(c.Rules) > 0 {
		fmt.Fprintf(&b, "Rules (%d):\n", len(c.Rules))
		for _, r := range c.Rules {
			tools := "any tool"
			if len(r.Tools) > 0 {
				tools = strings.Join(r.Tools, ", ")
			}
			fmt.Fprintf(&b, "  - %s: %s on %s", r.ID, r.Verdict, tools)
			if r.HasConditions {
				b.WriteString(" (conditional)")
			}
			if r.Message != "" {
				fmt.Fprintf(&b, " [%s]", r.Message)
			}
			b.WriteString("\n")
		}
	}
	if len(c.RateLimits) > 0 {
		fmt.Fprintf(&b, "Rate limits (%d):\n", len(c.RateLimits))
		for _, rl := range c.RateLimits {
			target := rl.Tool
			if target == "" {
				target = "all tools"
			}
			fmt.Fprintf(&b, "  - %s: %d calls per %.0fs on %s\n",
				rl.ID, rl.MaxCalls, rl.WindowSeconds, target)
		}
	}
	if len(c.Detectors) > 0 {
		fmt.Fprintf(&b, "Content detectors: %s.\n", strings.Join(c.Detectors, ", "))
	}
	if len(c.PIIKinds) > 0 {
		fmt.Fprintf(&b, "Custom PII kinds: %s.\n", strings.Join(c.PIIKinds, ", "))
	}
	return b.String()
}
