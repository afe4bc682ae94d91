// Package engine is the reference execution engine collaborator: a small
// interpreter for the instrumented code the reference generator emits. It
// evaluates assignments, conditionals, and expression statements, capturing
// one raw step per executed statement — the same contract an external
// sandboxed engine fulfills.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/ruledbg/pkg/schema"
)

// Interpreter executes generated code line by line. Thread-safe: compiled
// *vm.Program objects are cached and reused across sessions.
type Interpreter struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewInterpreter creates a reference Interpreter.
func NewInterpreter() *Interpreter {
	return &Interpreter{cache: make(map[string]*vm.Program)}
}

// ifFrame tracks one open if/elif/else chain during the line walk.
type ifFrame struct {
	indent    int
	taken     bool // some branch of the chain has already run
	executing bool // current branch active (includes enclosing blocks)
	elseSeen  bool
}

// Execute runs the generated code with the given initial variables and
// returns the ordered step trace. Lines listed in breakpointLines are
// flagged on their steps. Execution errors do not fail the call: they
// terminate the trace with an error-bearing result, mirroring how a
// sandboxed engine reports them. The returned Go error is reserved for
// context cancellation and deadline expiry.
func (it *Interpreter) Execute(ctx context.Context, generatedCode string, breakpointLines []int, initialVariables map[string]any) (*schema.ExecutionResult, error) {
	bpSet := make(map[int]bool, len(breakpointLines))
	for _, line := range breakpointLines {
		bpSet[line] = true
	}

	env := make(map[string]any, len(initialVariables)+2)
	for k, v := range initialVariables {
		env[k] = v
	}

	var logBuf []string
	logFn := func(args ...any) any {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = fmt.Sprintf("%v", a)
		}
		msg := strings.Join(parts, " ")
		logBuf = append(logBuf, msg)
		return msg
	}
	env["log"] = logFn
	env["log_message"] = logFn

	result := &schema.ExecutionResult{Success: true, Steps: []schema.RawExecutionStep{}}
	var stack []ifFrame

	lines := strings.Split(generatedCode, "\n")
	for i, line := range lines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lineNo := i + 1
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "__trace__") {
			continue
		}

		indent := len(line) - len(strings.TrimLeft(line, " \t"))

		// Close blocks this line is no longer inside of. An else or elif at
		// the block's own indent continues the chain instead: else runs when
		// no branch has, elif tests its condition only in that same case.
		handled := false
		for len(stack) > 0 && indent <= stack[len(stack)-1].indent {
			top := &stack[len(stack)-1]
			if indent == top.indent && !top.elseSeen {
				if isElseLine(trimmed) {
					top.elseSeen = true
					top.executing = it.parentActive(stack[:len(stack)-1]) && !top.taken
					handled = true
					break
				}
				if cond, ok := elifCondition(trimmed); ok {
					armed := it.parentActive(stack[:len(stack)-1]) && !top.taken
					taken := false
					if armed {
						value, err := it.eval(cond, env)
						if err != nil {
							return it.fail(result, lineNo, env, err), nil
						}
						taken, _ = value.(bool)
						result.Steps = append(result.Steps, it.step(lineNo, env, bpSet,
							fmt.Sprintf("elif %s -> %t", cond, taken), &logBuf))
					}
					top.taken = top.taken || taken
					top.executing = armed && taken
					handled = true
					break
				}
			}
			stack = stack[:len(stack)-1]
		}
		if handled {
			continue
		}

		active := it.parentActive(stack)

		if cond, ok := conditionalBody(trimmed); ok {
			taken := false
			if active {
				value, err := it.eval(cond, env)
				if err != nil {
					return it.fail(result, lineNo, env, err), nil
				}
				taken, _ = value.(bool)
				result.Steps = append(result.Steps, it.step(lineNo, env, bpSet,
					fmt.Sprintf("if %s -> %t", cond, taken), &logBuf))
			}
			stack = append(stack, ifFrame{indent: indent, taken: taken, executing: active && taken})
			continue
		}

		if !active {
			continue
		}

		if target, rhs, ok := assignmentParts(trimmed); ok {
			value, err := it.eval(rhs, env)
			if err != nil {
				return it.fail(result, lineNo, env, err), nil
			}
			env[target] = value
			result.Steps = append(result.Steps, it.step(lineNo, env, bpSet,
				fmt.Sprintf("%s = %v", target, value), &logBuf))
			continue
		}

		value, err := it.eval(trimmed, env)
		if err != nil {
			return it.fail(result, lineNo, env, err), nil
		}
		output := fmt.Sprintf("-> %v", value)
		if len(logBuf) > 0 {
			output = ""
		}
		result.Steps = append(result.Steps, it.step(lineNo, env, bpSet, output, &logBuf))
	}

	return result, nil
}

func (it *Interpreter) parentActive(stack []ifFrame) bool {
	if len(stack) == 0 {
		return true
	}
	return stack[len(stack)-1].executing
}

// step captures a snapshot of the environment as one raw execution step.
// Pending log output is drained into the step.
func (it *Interpreter) step(lineNo int, env map[string]any, bpSet map[int]bool, output string, logBuf *[]string) schema.RawExecutionStep {
	if len(*logBuf) > 0 {
		logged := strings.Join(*logBuf, "\n")
		*logBuf = (*logBuf)[:0]
		if output != "" {
			output = output + "\n" + logged
		} else {
			output = logged
		}
	}
	return schema.RawExecutionStep{
		Line:         lineNo,
		Variables:    cleanVars(env),
		Output:       output,
		IsBreakpoint: bpSet[lineNo],
	}
}

// fail terminates the trace with an error step, the way the sandboxed
// engine reports runtime failures.
func (it *Interpreter) fail(result *schema.ExecutionResult, lineNo int, env map[string]any, err error) *schema.ExecutionResult {
	result.Success = false
	result.Error = err.Error()
	result.Steps = append(result.Steps, schema.RawExecutionStep{
		Line:      lineNo,
		Variables: cleanVars(env),
		Output:    "Error: " + err.Error(),
	})
	return result
}

// cleanVars produces a flat JSON-serializable snapshot. Builtins are
// dropped; values that cannot serialize are stringified, matching how the
// trace crosses the engine boundary.
func cleanVars(env map[string]any) map[string]any {
	snapshot := make(map[string]any, len(env))
	for name, value := range env {
		if name == "log" || name == "log_message" {
			continue
		}
		if _, err := json.Marshal(value); err != nil {
			snapshot[name] = fmt.Sprintf("%v", value)
			continue
		}
		snapshot[name] = value
	}
	return snapshot
}

// eval compiles (or retrieves from cache) an expression and evaluates it
// against the environment.
func (it *Interpreter) eval(expression string, env map[string]any) (any, error) {
	prg, err := it.getOrCompile(expression, env)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEngineExecution,
			"evaluation failed for %q: %s", expression, err.Error()).WithCause(err)
	}
	return out, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (it *Interpreter) getOrCompile(expression string, env map[string]any) (*vm.Program, error) {
	it.mu.RLock()
	if prg, ok := it.cache[expression]; ok {
		it.mu.RUnlock()
		return prg, nil
	}
	it.mu.RUnlock()

	it.mu.Lock()
	defer it.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := it.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEngineExecution,
			"compile error in %q: %s", expression, err.Error()).WithCause(err)
	}

	it.cache[expression] = prg
	return prg, nil
}

// --- line shape helpers (same grammar as the rule parser) ---

// conditionalBody matches a chain-opening line. A stray elif with no open
// if-frame degrades to a fresh chain rather than a hard failure.
func conditionalBody(trimmed string) (string, bool) {
	for _, kw := range []string{"if ", "elif "} {
		if strings.HasPrefix(trimmed, kw) {
			body := strings.TrimSpace(strings.TrimPrefix(trimmed, kw))
			return strings.TrimSuffix(body, ":"), true
		}
	}
	return "", false
}

func elifCondition(trimmed string) (string, bool) {
	if !strings.HasPrefix(trimmed, "elif ") {
		return "", false
	}
	body := strings.TrimSpace(strings.TrimPrefix(trimmed, "elif "))
	return strings.TrimSuffix(body, ":"), true
}

func isElseLine(trimmed string) bool {
	return trimmed == "else" || trimmed == "else:"
}

func assignmentParts(trimmed string) (target, rhs string, ok bool) {
	eq := strings.Index(trimmed, "=")
	if eq <= 0 {
		return "", "", false
	}
	// Reject comparison operators.
	if trimmed[eq-1] == '!' || trimmed[eq-1] == '<' || trimmed[eq-1] == '>' {
		return "", "", false
	}
	if eq+1 < len(trimmed) && trimmed[eq+1] == '=' {
		return "", "", false
	}
	target = strings.TrimSpace(trimmed[:eq])
	if !isIdentifier(target) {
		return "", "", false
	}
	return target, strings.TrimSpace(trimmed[eq+1:]), true
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
