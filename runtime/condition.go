package runtime

import (
	"fmt"

	"github.com/expr-lang/expr"
)

// conditionEnv builds the expression environment for step conditions:
// run spec params under "params" and prior step outcomes under "steps",
// keyed by step id.
func conditionEnv(spec RunSpec, history []StepResult) map[string]any {
	steps := make(map[string]any, len(history))
	for _, r := range history {
		steps[r.StepID] = map[string]any{
			"status":       string(r.Status),
			"verification": string(r.Verification),
		}
	}
	params := spec.Params
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"params": params,
		"steps":  steps,
	}
}

// evalCondition compiles and runs a step condition expression. Missing
// variables resolve to nil instead of failing compilation, so conditions can
// reference steps that were skipped or params that were not supplied.
func evalCondition(condition string, env map[string]any) (bool, error) {
	program, err := expr.Compile(condition,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return false, fmt.Errorf("error compiling condition %q: %w", condition, err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("error evaluating condition %q: %w", condition, err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %T, expected boolean", condition, result)
	}
	return b, nil
}
