package rule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// SessionView is a read-only snapshot of session state taken under the
// session manager's mutex. The matcher evaluates against the snapshot so
// rule evaluation itself holds no locks.
type SessionView interface {
	// ToolCount returns the success counter for a tool (0 when absent).
	ToolCount(tool string) uint64
	// ToolCounts returns all counters, used by CEL conditions.
	ToolCounts() map[string]uint64
	// EachEventNewestFirst walks the event ring buffer from the most
	// recent event backwards until fn returns false.
	EachEventNewestFirst(fn func(tool string, verdict Verdict, at time.Time) bool)
}

// MatchInput is everything the matcher may inspect for one tool call.
type MatchInput struct {
	Tool        string
	Args        map[string]any
	SessionID   string
	Sender      string
	Roles       []string
	Environment string
	Now         time.Time
	Session     SessionView
}

// Match selects the first rule whose every specified clause is satisfied.
// Rules are evaluated in source order; insertion order breaks ties. A rule
// that errors during evaluation is logged, skipped, and never crashes the
// pipeline. Returns nil when no rule matches.
func (cs *CompiledRuleSet) Match(ctx context.Context, in MatchInput, logger *slog.Logger) *CompiledRule {
	for _, r := range cs.Rules {
		ok, err := r.matches(ctx, in)
		if err != nil {
			logger.Warn("rule evaluation failed, skipping rule",
				"rule_id", r.ID, "tool", in.Tool, "error", err)
			continue
		}
		if ok {
			return r
		}
	}
	return nil
}

// matches evaluates all clauses of one rule.
func (r *CompiledRule) matches(ctx context.Context, in MatchInput) (bool, error) {
	if !r.matchTool(in.Tool) {
		return false, nil
	}
	for _, ap := range r.args {
		ok, err := ap.match(in.Args)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	for _, sp := range r.session {
		if !sp.match(in.Session) {
			return false, nil
		}
	}
	if r.context != nil && !r.context.match(in) {
		return false, nil
	}
	if len(r.chain) > 0 && !matchChain(r.chain, in.Session, in.Now) {
		return false, nil
	}
	if r.when != nil {
		input := ConditionInput{
			Tool:      in.Tool,
			Args:      in.Args,
			SessionID: in.SessionID,
			Sender:    in.Sender,
		}
		if in.Session != nil {
			input.ToolCounts = in.Session.ToolCounts()
		}
		ok, err := r.when.Eval(ctx, input)
		if err != nil {
			return false, fmt.Errorf("when: %w", err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// matchTool matches the tool clause. Rules without a tool clause match any
// tool. Matching is case-sensitive.
func (r *CompiledRule) matchTool(tool string) bool {
	if len(r.toolExact) == 0 && len(r.toolGlobs) == 0 {
		return true
	}
	if _, ok := r.toolExact[tool]; ok {
		return true
	}
	for _, g := range r.toolGlobs {
		if ok, _ := matchGlob(g, tool); ok {
			return true
		}
	}
	return false
}

// matchGlob matches a tool name against a glob pattern. A lone "*" matches
// everything, including names containing path separators, which
// filepath.Match would otherwise treat specially.
func matchGlob(pattern, name string) (bool, error) {
	if pattern == "*" {
		return true, nil
	}
	return filepath.Match(pattern, name)
}

// GlobMatch is matchGlob without the error, for callers that validated the
// pattern at compile time. A malformed pattern simply fails to match.
func GlobMatch(pattern, name string) bool {
	ok, _ := matchGlob(pattern, name)
	return ok
}

// match evaluates one argument predicate against the flat args map.
// A missing key fails every operator except not_contains/not_regex, which
// hold vacuously.
func (ap compiledArgPredicate) match(args map[string]any) (bool, error) {
	val, present := args[ap.key]

	switch {
	case ap.pred.Eq != nil:
		return present && reflect.DeepEqual(normalizeScalar(val), normalizeScalar(ap.pred.Eq)), nil
	case ap.pred.Contains != nil:
		return present && strings.Contains(stringify(val), *ap.pred.Contains), nil
	case ap.pred.NotContains != nil:
		return !present || !strings.Contains(stringify(val), *ap.pred.NotContains), nil
	case ap.pred.Regex != nil:
		return present && ap.re.MatchString(stringify(val)), nil
	case ap.pred.NotRegex != nil:
		return !present || !ap.re.MatchString(stringify(val)), nil
	case ap.pred.Gt != nil:
		n, ok := toNumber(val)
		return present && ok && n > *ap.pred.Gt, nil
	case ap.pred.Lt != nil:
		n, ok := toNumber(val)
		return present && ok && n < *ap.pred.Lt, nil
	}
	return false, fmt.Errorf("predicate for %q has no operator", ap.key)
}

// match compares the session counter. A nil view reads all counters as 0.
func (sp sessionPredicate) match(view SessionView) bool {
	var count uint64
	if view != nil {
		count = view.ToolCount(sp.tool)
	}
	switch {
	case sp.pred.Gt != nil:
		return count > *sp.pred.Gt
	case sp.pred.Lt != nil:
		return count < *sp.pred.Lt
	case sp.pred.Eq != nil:
		return count == *sp.pred.Eq
	}
	return false
}

// match evaluates the context clause against wall-clock time, sender roles,
// and environment.
func (cc *compiledContext) match(in MatchInput) bool {
	if cc.hasWindow {
		nowMin := in.Now.Hour()*60 + in.Now.Minute()
		if cc.startMin <= cc.endMin {
			if nowMin < cc.startMin || nowMin > cc.endMin {
				return false
			}
		} else {
			// Window wraps midnight.
			if nowMin < cc.startMin && nowMin > cc.endMin {
				return false
			}
		}
	}
	if cc.days != nil {
		if _, ok := cc.days[in.Now.Weekday()]; !ok {
			return false
		}
	}
	if cc.roles != nil {
		found := false
		for _, role := range in.Roles {
			if _, ok := cc.roles[role]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if cc.envs != nil {
		if _, ok := cc.envs[in.Environment]; !ok {
			return false
		}
	}
	return true
}

// matchChain searches the event ring buffer backwards for each step, most
// recent step first. Every step must find a distinct event whose age is
// within the step's window. The search is bounded by the ring capacity.
func matchChain(steps []ChainStep, view SessionView, now time.Time) bool {
	if view == nil {
		return false
	}

	// Steps are authored oldest-first; walk them from the end so the last
	// step binds to the most recent matching event.
	idx := len(steps) - 1
	view.EachEventNewestFirst(func(tool string, _ Verdict, at time.Time) bool {
		if idx < 0 {
			return false
		}
		step := steps[idx]
		age := now.Sub(at)
		if tool == step.Tool && age >= 0 && age.Seconds() <= step.WithinSeconds {
			idx--
		}
		return idx >= 0
	})
	return idx < 0
}

// stringify renders an argument value the way the contains/regex operators
// see it: strings pass through, everything else uses fmt semantics.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

// toNumber coerces numeric-looking values for gt/lt. Non-numeric values make
// the predicate false rather than erroring.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// normalizeScalar folds integer types into float64 so eq compares JSON and
// YAML numbers consistently.
func normalizeScalar(v any) any {
	if f, ok := toNumber(v); ok {
		if _, isStr := v.(string); !isStr {
			return f
		}
	}
	return v
}
