// Package condition evaluates breakpoint conditions with Google's Common
// Expression Language. A condition sees the current variable snapshot under
// the top-level `vars` map.
package condition

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/ruledbg/pkg/schema"
)

// Evaluator compiles and evaluates breakpoint condition expressions.
// Thread-safe: compiled programs are cached and reused across goroutines.
type Evaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator creates a condition evaluator with a sandboxed environment
// exposing a single top-level variable:
//   - vars: map(string, dyn) — the filtered variable snapshot
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &Evaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Check compiles an expression without evaluating it, surfacing compile
// errors at breakpoint-arming time instead of mid-session.
func (e *Evaluator) Check(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := e.getOrCompile(expression)
	return err
}

// Evaluate reports whether a breakpoint's condition holds for the given
// snapshot. An empty condition always holds. Runtime evaluation errors are
// treated as true: a broken condition must never hide a pause the user
// asked for.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, vars map[string]any) bool {
	if expression == "" {
		return true
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return true
	}

	if vars == nil {
		vars = map[string]any{}
	}

	out, _, err := prg.ContextEval(ctx, map[string]any{"vars": vars})
	if err != nil {
		return true
	}

	result, ok := out.Value().(bool)
	if !ok {
		return true
	}
	return result
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *Evaluator) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}
