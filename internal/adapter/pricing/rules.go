package pricing

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// RuleEvaluator decides whether a promotion applies to a product. Rules are
// CEL expressions over product_id (string), size (int) and unit_price (int),
// e.g. `size >= 40 && unit_price > 1000000`. Compiled programs are cached by
// source.
type RuleEvaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func NewRuleEvaluator() (*RuleEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("product_id", cel.StringType),
		cel.Variable("size", cel.IntType),
		cel.Variable("unit_price", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create rule env: %w", err)
	}
	return &RuleEvaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Compile checks a rule without evaluating it.
func (e *RuleEvaluator) Compile(rule string) error {
	_, err := e.program(rule)
	return err
}

// Eligible reports whether rule holds. An empty rule always holds.
func (e *RuleEvaluator) Eligible(rule, productID string, size int, unitPrice int64) (bool, error) {
	if rule == "" {
		return true, nil
	}

	prg, err := e.program(rule)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"product_id": productID,
		"size":       int64(size),
		"unit_price": unitPrice,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate rule %q: %w", rule, err)
	}

	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("rule %q returned %T, want bool", rule, out.Value())
	}
	return ok, nil
}

func (e *RuleEvaluator) program(rule string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[rule]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, iss := e.env.Compile(rule)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile rule %q: %w", rule, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("rule %q must be boolean, got %s", rule, ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build rule %q: %w", rule, err)
	}

	e.mu.Lock()
	e.programs[rule] = prg
	e.mu.Unlock()
	return prg, nil
}
