// Package cel compiles `when:` rule conditions into CEL programs with
// hardened evaluation limits.
package cel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/mishabar410/policyshield/internal/domain/rule"
)

// maxExpressionLength is the maximum allowed length for CEL expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit to prevent cost-exhaustion DoS.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// interruptCheckFreq is how often (in comprehension iterations) context cancellation is checked.
const interruptCheckFreq = 100

// Compiler turns `when:` expressions into compiled conditions. It satisfies
// rule.ConditionCompiler.
type Compiler struct {
	env *cel.Env
}

var _ rule.ConditionCompiler = (*Compiler)(nil)

// NewCompiler creates a compiler with the condition environment.
func NewCompiler() (*Compiler, error) {
	env, err := newConditionEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create condition environment: %w", err)
	}
	return &Compiler{env: env}, nil
}

// newConditionEnvironment declares the variables a `when:` expression may
// reference:
//   - tool: the tool name being checked
//   - args: the sanitized argument map
//   - session_id, sender: request identity
//   - tool_count: map of per-tool success counters for this session
//
// plus a glob(pattern, name) helper matching the rule matcher's semantics.
func newConditionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("tool", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("session_id", cel.StringType),
		cel.Variable("sender", cel.StringType),
		cel.Variable("tool_count", cel.MapType(cel.StringType, cel.IntType)),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p, ok1 := pattern.Value().(string)
					n, ok2 := name.Value().(string)
					if !ok1 || !ok2 {
						return types.Bool(false)
					}
					return types.Bool(rule.GlobMatch(p, n))
				}),
			),
		),
	)
}

// Compile validates and compiles one expression. Enforces the length and
// nesting limits before handing the source to the CEL parser.
func (c *Compiler) Compile(expression string) (rule.CompiledCondition, error) {
	if expression == "" {
		return nil, errors.New("expression is empty")
	}
	if len(expression) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expression), maxExpressionLength)
	}
	if err := validateNesting(expression); err != nil {
		return nil, err
	}

	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	prg, err := c.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return &condition{prg: prg}, nil
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// condition wraps one compiled program.
type condition struct {
	prg cel.Program
}

var _ rule.CompiledCondition = (*condition)(nil)

// Eval runs the program with ContextEval so the engine timeout and request
// cancellation interrupt long evaluations.
func (c *condition) Eval(ctx context.Context, in rule.ConditionInput) (bool, error) {
	args := in.Args
	if args == nil {
		args = map[string]any{}
	}
	counts := make(map[string]int64, len(in.ToolCounts))
	for k, v := range in.ToolCounts {
		counts[k] = int64(v)
	}

	result, _, err := c.prg.ContextEval(ctx, map[string]any{
		"tool":       in.Tool,
		"args":       args,
		"session_id": in.SessionID,
		"sender":     in.Sender,
		"tool_count": counts,
	})
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}
	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return b, nil
}
