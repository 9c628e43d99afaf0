package cel

import (
	"context"
	"strings"
	"testing"

	"github.com/mishabar410/policyshield/internal/domain/rule"
)

func newTestCompiler(t *testing.T) *Compiler {
	t.Helper()
	c, err := NewCompiler()
	if err != nil {
		t.Fatalf("NewCompiler() error = %v", err)
	}
	return c
}

func TestCompileAndEval(t *testing.T) {
	t.Parallel()

	c := newTestCompiler(t)

	tests := []struct {
		name string
		expr string
		in   rule.ConditionInput
		want bool
	}{
		{
			name: "tool comparison",
			expr: `tool == "shell.exec"`,
			in:   rule.ConditionInput{Tool: "shell.exec"},
			want: true,
		},
		{
			name: "arg threshold",
			expr: `double(args.amount) > 10000.0`,
			in: rule.ConditionInput{
				Tool: "payments.transfer",
				Args: map[string]any{"amount": 25000.0},
			},
			want: true,
		},
		{
			name: "arg threshold under",
			expr: `double(args.amount) > 10000.0`,
			in: rule.ConditionInput{
				Tool: "payments.transfer",
				Args: map[string]any{"amount": 500.0},
			},
			want: false,
		},
		{
			name: "session identity",
			expr: `session_id != "treasury" && sender.startsWith("agent-")`,
			in:   rule.ConditionInput{SessionID: "s1", Sender: "agent-7"},
			want: true,
		},
		{
			name: "tool counter",
			expr: `tool_count["fs.delete"] > 5`,
			in: rule.ConditionInput{
				ToolCounts: map[string]uint64{"fs.delete": 9},
			},
			want: true,
		},
		{
			name: "missing counter via in",
			expr: `"fs.delete" in tool_count`,
			in:   rule.ConditionInput{},
			want: false,
		},
		{
			name: "glob helper",
			expr: `glob("mail.*", tool)`,
			in:   rule.ConditionInput{Tool: "mail.send"},
			want: true,
		},
		{
			name: "has on args",
			expr: `has(args.force) && args.force == true`,
			in:   rule.ConditionInput{Args: map[string]any{"force": true}},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cond, err := c.Compile(tt.expr)
			if err != nil {
				t.Fatalf("Compile(%q) error = %v", tt.expr, err)
			}
			got, err := cond.Eval(context.Background(), tt.in)
			if err != nil {
				t.Fatalf("Eval() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Eval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompileRejections(t *testing.T) {
	t.Parallel()

	c := newTestCompiler(t)

	tests := []struct {
		name string
		expr string
	}{
		{"empty", ""},
		{"syntax error", `tool == `},
		{"unknown variable", `mystery == "x"`},
		{"non-bool output", `tool`},
		{"non-bool arithmetic", `1 + 2`},
		{"too long", `tool == "` + strings.Repeat("a", maxExpressionLength) + `"`},
		{"nesting too deep", strings.Repeat("(", maxNestingDepth+1) + "true" + strings.Repeat(")", maxNestingDepth+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := c.Compile(tt.expr); err == nil {
				t.Errorf("Compile(%q) succeeded, want error", tt.expr)
			}
		})
	}
}

func TestEvalMissingArgKey(t *testing.T) {
	t.Parallel()

	c := newTestCompiler(t)
	cond, err := c.Compile(`args.amount == 1.0`)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	// Referencing an absent key is an evaluation error; the matcher logs and
	// skips the rule rather than crashing.
	if _, err := cond.Eval(context.Background(), rule.ConditionInput{Args: map[string]any{}}); err == nil {
		t.Error("Eval() succeeded on missing key, want error")
	}
}
