// Package query evaluates jq watch expressions against the variable
// snapshot of a paused step. Queries are read-only views over captured
// data, not expression evaluation inside the target process.
package query

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/ruledbg/pkg/schema"
)

// Engine compiles and runs jq expressions over variable snapshots.
// Thread-safe: compiled *Code objects are cached and reused.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewEngine creates a new watch-query engine.
func NewEngine() *Engine {
	return &Engine{cache: make(map[string]*gojq.Code)}
}

// Evaluate runs a jq expression with the snapshot as the input object.
//
// jq expressions can produce multiple outputs. When there is exactly one
// output it is returned directly; multiple outputs are collected into []any.
func (e *Engine) Evaluate(ctx context.Context, expression string, snapshot map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty watch expression")
	}

	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	input := make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		input[k] = v
	}

	iter := code.RunWithContext(ctx, input)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"watch query failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (e *Engine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"watch parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"watch compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = code
	return code, nil
}
