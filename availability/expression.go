package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

const (
	maxExpressionLength = 1024
	maxCostBudget       = 10_000
	evalTimeout         = time.Second
)

// eligibilityRule is a compiled CEL expression over the variables clinician
// (the clinician row) and client (age, jurisdiction, program_eligible).
type eligibilityRule struct {
	source  string
	program cel.Program
}

func newEligibilityEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("clinician", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("client", cel.MapType(cel.StringType, cel.DynType)),
	)
}

func compileEligibilityRule(expression string) (*eligibilityRule, error) {
	if len(expression) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expression), maxExpressionLength)
	}

	env, err := newEligibilityEnv()
	if err != nil {
		return nil, fmt.Errorf("create eligibility environment: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile eligibility expression: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("eligibility expression must return a bool, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
	)
	if err != nil {
		return nil, fmt.Errorf("build eligibility program: %w", err)
	}
	return &eligibilityRule{source: expression, program: prg}, nil
}

func (r *eligibilityRule) eval(ctx context.Context, clinician map[string]any, client map[string]any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	out, _, err := r.program.ContextEval(ctx, map[string]any{
		"clinician": clinician,
		"client":    client,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate eligibility expression: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("eligibility expression returned %T, want bool", out.Value())
	}
	return ok, nil
}
