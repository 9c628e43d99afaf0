package rule

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ConditionInput carries the variables available to a rule's CEL condition.
type ConditionInput struct {
	Tool       string
	Args       map[string]any
	SessionID  string
	Sender     string
	ToolCounts map[string]uint64
}

// CompiledCondition is a pre-compiled `when:` expression.
type CompiledCondition interface {
	// Eval returns whether the condition holds for the given input.
	Eval(ctx context.Context, input ConditionInput) (bool, error)
}

// ConditionCompiler compiles `when:` expressions at load time.
// The CEL adapter implements this; a nil compiler rejects rules that use when.
type ConditionCompiler interface {
	Compile(expr string) (CompiledCondition, error)
}

// compiledArgPredicate is one argument matcher bound to its key.
type compiledArgPredicate struct {
	key  string
	pred ArgPredicate
	re   *regexp.Regexp // compiled Regex or NotRegex source, nil otherwise
}

// sessionPredicate is one tool_count comparison.
type sessionPredicate struct {
	tool string
	pred NumPredicate
}

// compiledContext is a pre-parsed context clause.
type compiledContext struct {
	hasWindow  bool
	startMin   int // minutes since midnight
	endMin     int
	days       map[time.Weekday]struct{}
	roles      map[string]struct{}
	envs       map[string]struct{}
}

// CompiledRule is a rule ready for evaluation: regexes compiled, tool names
// expanded, context parsed, and the optional CEL condition built.
type CompiledRule struct {
	ID               string
	Then             Verdict
	Message          string
	Severity         Severity
	ApprovalStrategy ApprovalStrategy
	PIIAction        Verdict

	toolExact map[string]struct{}
	toolGlobs []string
	args      []compiledArgPredicate
	session   []sessionPredicate
	context   *compiledContext
	chain     []ChainStep
	when      CompiledCondition
}

// CompiledRuleSet is the immutable evaluation form of a RuleSet.
// The engine stores it behind an atomic pointer; readers take one stable
// reference per check.
type CompiledRuleSet struct {
	Default    Verdict
	Rules      []*CompiledRule
	Honeypots  map[string]struct{}
	RateLimits []RateLimit
	Source     *RuleSet
}

// MaxChainSteps returns the largest chain length across rules. The session
// event ring buffer must hold at least twice this many entries.
func (cs *CompiledRuleSet) MaxChainSteps() int {
	max := 0
	for _, r := range cs.Rules {
		if len(r.chain) > max {
			max = len(r.chain)
		}
	}
	return max
}

// Compile validates and compiles a rule set. Compilation is all-or-nothing:
// any invalid rule, limit, or pattern fails the whole load and the previous
// snapshot stays active.
func Compile(rs *RuleSet, conditions ConditionCompiler) (*CompiledRuleSet, error) {
	def := rs.DefaultVerdict
	if def == "" {
		def = VerdictAllow
	}
	if !def.Valid() {
		return nil, fmt.Errorf("default_verdict: unknown verdict %q", rs.DefaultVerdict)
	}

	out := &CompiledRuleSet{
		Default:   def,
		Honeypots: make(map[string]struct{}, len(rs.Honeypots)),
		Source:    rs,
	}

	seen := make(map[string]struct{}, len(rs.Rules))
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("rule %q: duplicate id", r.ID)
		}
		if reservedRuleID(r.ID) {
			return nil, fmt.Errorf("rule %q: id is reserved", r.ID)
		}
		seen[r.ID] = struct{}{}

		cr, err := compileRule(r, conditions)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.ID, err)
		}
		out.Rules = append(out.Rules, cr)
	}

	limitIDs := make(map[string]struct{}, len(rs.RateLimits))
	for i, rl := range rs.RateLimits {
		if rl.ID == "" {
			return nil, fmt.Errorf("rate_limit %d: id is required", i)
		}
		if _, dup := limitIDs[rl.ID]; dup {
			return nil, fmt.Errorf("rate_limit %q: duplicate id", rl.ID)
		}
		limitIDs[rl.ID] = struct{}{}
		if rl.MaxCalls <= 0 {
			return nil, fmt.Errorf("rate_limit %q: max_calls must be positive", rl.ID)
		}
		if rl.WindowSeconds <= 0 {
			return nil, fmt.Errorf("rate_limit %q: window_seconds must be positive", rl.ID)
		}
		out.RateLimits = append(out.RateLimits, rl)
	}

	for _, h := range rs.Honeypots {
		if h == "" {
			return nil, fmt.Errorf("honeypots: empty tool name")
		}
		out.Honeypots[h] = struct{}{}
	}

	return out, nil
}

// reservedRuleID reports whether id is one of the synthetic ids the engine
// emits for its own verdicts.
func reservedRuleID(id string) bool {
	switch id {
	case RuleIDKillSwitch, RuleIDHoneypot, RuleIDSanitizer, RuleIDRateLimit, RuleIDError:
		return true
	}
	return false
}

// compileRule compiles a single rule. Any error rejects the whole load.
func compileRule(r *Rule, conditions ConditionCompiler) (*CompiledRule, error) {
	if r.Tool.IsZero() && len(r.ArgsMatch) == 0 && len(r.Session) == 0 && len(r.Chain) == 0 {
		return nil, fmt.Errorf("at least one of tool, args_match, session, or chain must be specified")
	}
	if !r.Then.Valid() {
		return nil, fmt.Errorf("then: unknown verdict %q", r.Then)
	}
	if r.PIIAction != "" && !r.PIIAction.Valid() {
		return nil, fmt.Errorf("pii_action: unknown verdict %q", r.PIIAction)
	}

	strategy := r.ApprovalStrategy
	switch strategy {
	case "":
		strategy = ApprovalPerSession
	case ApprovalOnce, ApprovalPerSession, ApprovalPerRule, ApprovalPerTool:
	default:
		return nil, fmt.Errorf("approval_strategy: unknown strategy %q", r.ApprovalStrategy)
	}

	cr := &CompiledRule{
		ID:               r.ID,
		Then:             r.Then,
		Message:          r.Message,
		Severity:         r.Severity,
		ApprovalStrategy: strategy,
		PIIAction:        r.PIIAction,
		chain:            r.Chain,
	}

	// Tool names: literals go into a set, glob patterns are kept separate.
	if !r.Tool.IsZero() {
		cr.toolExact = make(map[string]struct{})
		for _, name := range r.Tool.Names {
			if name == "" {
				return nil, fmt.Errorf("tool: empty name")
			}
			if strings.ContainsAny(name, "*?[") {
				// Validate the glob now so matching cannot fail later.
				if _, err := matchGlob(name, "probe"); err != nil {
					return nil, fmt.Errorf("tool: invalid glob %q: %w", name, err)
				}
				cr.toolGlobs = append(cr.toolGlobs, name)
			} else {
				cr.toolExact[name] = struct{}{}
			}
		}
	}

	for key, pred := range r.ArgsMatch {
		cp, err := compileArgPredicate(key, pred)
		if err != nil {
			return nil, fmt.Errorf("args_match.%s: %w", key, err)
		}
		cr.args = append(cr.args, cp)
	}

	for key, pred := range r.Session {
		tool, ok := strings.CutPrefix(key, "tool_count.")
		if !ok || tool == "" {
			return nil, fmt.Errorf("session: unknown predicate key %q", key)
		}
		if pred.Gt == nil && pred.Lt == nil && pred.Eq == nil {
			return nil, fmt.Errorf("session.%s: one of gt, lt, eq is required", key)
		}
		cr.session = append(cr.session, sessionPredicate{tool: tool, pred: pred})
	}

	if !r.Context.IsZero() {
		cc, err := compileContext(r.Context)
		if err != nil {
			return nil, fmt.Errorf("context: %w", err)
		}
		cr.context = cc
	}

	for i, step := range r.Chain {
		if step.Tool == "" {
			return nil, fmt.Errorf("chain[%d]: tool is required", i)
		}
		if step.WithinSeconds <= 0 {
			return nil, fmt.Errorf("chain[%d]: within_seconds must be positive", i)
		}
	}

	if r.When != "" {
		if conditions == nil {
			return nil, fmt.Errorf("when: no condition compiler configured")
		}
		prg, err := conditions.Compile(r.When)
		if err != nil {
			return nil, fmt.Errorf("when: %w", err)
		}
		cr.when = prg
	}

	return cr, nil
}

// compileArgPredicate validates operator count and compiles regex sources.
func compileArgPredicate(key string, pred ArgPredicate) (compiledArgPredicate, error) {
	ops := 0
	if pred.Eq != nil {
		ops++
	}
	for _, p := range []*string{pred.Contains, pred.NotContains, pred.Regex, pred.NotRegex} {
		if p != nil {
			ops++
		}
	}
	for _, p := range []*float64{pred.Gt, pred.Lt} {
		if p != nil {
			ops++
		}
	}
	if ops != 1 {
		return compiledArgPredicate{}, fmt.Errorf("exactly one operator required, got %d", ops)
	}

	cp := compiledArgPredicate{key: key, pred: pred}

	src := pred.Regex
	if src == nil {
		src = pred.NotRegex
	}
	if src != nil {
		re, err := compilePattern(*src)
		if err != nil {
			return compiledArgPredicate{}, err
		}
		cp.re = re
	}
	return cp, nil
}

// compilePattern compiles a user regex, enforcing the source length cap and
// case-insensitive search semantics.
func compilePattern(src string) (*regexp.Regexp, error) {
	if len(src) > MaxPatternLength {
		return nil, fmt.Errorf("pattern too long: %d characters (max %d)", len(src), MaxPatternLength)
	}
	re, err := regexp.Compile("(?i)" + src)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	return re, nil
}

// weekdayNames maps lowercase three-letter names to weekdays.
var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

// compileContext parses the time window and builds lookup sets.
func compileContext(c *ContextCond) (*compiledContext, error) {
	cc := &compiledContext{}

	if (c.TimeStart == "") != (c.TimeEnd == "") {
		return nil, fmt.Errorf("time_start and time_end must be specified together")
	}
	if c.TimeStart != "" {
		start, err := parseClock(c.TimeStart)
		if err != nil {
			return nil, fmt.Errorf("time_start: %w", err)
		}
		end, err := parseClock(c.TimeEnd)
		if err != nil {
			return nil, fmt.Errorf("time_end: %w", err)
		}
		cc.hasWindow = true
		cc.startMin = start
		cc.endMin = end
	}

	if len(c.Days) > 0 {
		cc.days = make(map[time.Weekday]struct{}, len(c.Days))
		for _, d := range c.Days {
			wd, ok := weekdayNames[strings.ToLower(d)]
			if !ok {
				return nil, fmt.Errorf("days: unknown weekday %q", d)
			}
			cc.days[wd] = struct{}{}
		}
	}
	if len(c.Roles) > 0 {
		cc.roles = make(map[string]struct{}, len(c.Roles))
		for _, r := range c.Roles {
			cc.roles[r] = struct{}{}
		}
	}
	if len(c.Environments) > 0 {
		cc.envs = make(map[string]struct{}, len(c.Environments))
		for _, e := range c.Environments {
			cc.envs[e] = struct{}{}
		}
	}
	return cc, nil
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
