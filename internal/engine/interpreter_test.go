package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ruledbg/internal/codegen"
)

func TestExecute_Assignments(t *testing.T) {
	code, _, err := codegen.New().Generate("x = 5\ny = x + 1")
	require.NoError(t, err)

	result, execErr := NewInterpreter().Execute(context.Background(), code, nil, nil)
	require.NoError(t, execErr)
	require.True(t, result.Success)
	require.Len(t, result.Steps, 2)

	assert.Equal(t, map[string]any{"x": 5}, result.Steps[0].Variables)
	assert.Equal(t, 5, result.Steps[1].Variables["x"])
	assert.Equal(t, 6, result.Steps[1].Variables["y"])
	assert.Equal(t, "x = 5", result.Steps[0].Output)
}

func TestExecute_BreakpointFlags(t *testing.T) {
	code, sm, err := codegen.New().Generate("x = 5\ny = x + 1")
	require.NoError(t, err)

	bpLine := sm.Statements[1].Segments[0].StartLine
	result, execErr := NewInterpreter().Execute(context.Background(), code, []int{bpLine}, nil)
	require.NoError(t, execErr)
	require.Len(t, result.Steps, 2)
	assert.False(t, result.Steps[0].IsBreakpoint)
	assert.True(t, result.Steps[1].IsBreakpoint)
}

func TestExecute_ConditionalBranches(t *testing.T) {
	source := "approved = true\n" +
		"if approved\n" +
		"    result = \"yes\"\n" +
		"else\n" +
		"    result = \"no\"\n"

	code, _, err := codegen.New().Generate(source)
	require.NoError(t, err)

	result, execErr := NewInterpreter().Execute(context.Background(), code, nil, nil)
	require.NoError(t, execErr)
	require.True(t, result.Success)

	final := result.Steps[len(result.Steps)-1].Variables
	assert.Equal(t, "yes", final["result"])

	// The else body must not have executed.
	for _, step := range result.Steps {
		assert.NotContains(t, step.Output, `result = no`)
	}
}

func TestExecute_ElseBranch(t *testing.T) {
	source := "approved = false\n" +
		"if approved\n" +
		"    result = \"yes\"\n" +
		"else\n" +
		"    result = \"no\"\n"

	code, _, err := codegen.New().Generate(source)
	require.NoError(t, err)

	result, execErr := NewInterpreter().Execute(context.Background(), code, nil, nil)
	require.NoError(t, execErr)
	final := result.Steps[len(result.Steps)-1].Variables
	assert.Equal(t, "no", final["result"])
}

func TestExecute_ElifNotTestedAfterTakenBranch(t *testing.T) {
	source := "x = 1\n" +
		"if x == 1\n" +
		"    y = \"first\"\n" +
		"elif x == 1\n" +
		"    y = \"second\"\n"

	code, _, err := codegen.New().Generate(source)
	require.NoError(t, err)

	result, execErr := NewInterpreter().Execute(context.Background(), code, nil, nil)
	require.NoError(t, execErr)
	require.True(t, result.Success)

	final := result.Steps[len(result.Steps)-1].Variables
	assert.Equal(t, "first", final["y"])

	// Once a branch of the chain has run, later elif conditions are not
	// even evaluated.
	for _, step := range result.Steps {
		assert.NotContains(t, step.Output, "elif")
	}
}

func TestExecute_ElifBranchRuns(t *testing.T) {
	source := "x = 2\n" +
		"if x == 1\n" +
		"    y = \"first\"\n" +
		"elif x == 2\n" +
		"    y = \"second\"\n" +
		"else\n" +
		"    y = \"third\"\n"

	code, _, err := codegen.New().Generate(source)
	require.NoError(t, err)

	result, execErr := NewInterpreter().Execute(context.Background(), code, nil, nil)
	require.NoError(t, execErr)
	require.True(t, result.Success)

	final := result.Steps[len(result.Steps)-1].Variables
	assert.Equal(t, "second", final["y"])

	var found bool
	for _, step := range result.Steps {
		if step.Output == "elif x == 2 -> true" {
			found = true
		}
	}
	assert.True(t, found, "elif evaluation step missing")
}

func TestExecute_ElifChainFallsThroughToElse(t *testing.T) {
	source := "x = 3\n" +
		"if x == 1\n" +
		"    y = \"first\"\n" +
		"elif x == 2\n" +
		"    y = \"second\"\n" +
		"else\n" +
		"    y = \"third\"\n"

	code, _, err := codegen.New().Generate(source)
	require.NoError(t, err)

	result, execErr := NewInterpreter().Execute(context.Background(), code, nil, nil)
	require.NoError(t, execErr)
	require.True(t, result.Success)

	final := result.Steps[len(result.Steps)-1].Variables
	assert.Equal(t, "third", final["y"])
}

func TestExecute_ConditionStepOutput(t *testing.T) {
	code, _, err := codegen.New().Generate("x = 1\nif x > 0\n    y = 2")
	require.NoError(t, err)

	result, execErr := NewInterpreter().Execute(context.Background(), code, nil, nil)
	require.NoError(t, execErr)

	var found bool
	for _, step := range result.Steps {
		if step.Output == "if x > 0 -> true" {
			found = true
		}
	}
	assert.True(t, found, "condition evaluation step missing")
}

func TestExecute_LogBuiltin(t *testing.T) {
	code, _, err := codegen.New().Generate(`log("checkpoint reached")`)
	require.NoError(t, err)

	result, execErr := NewInterpreter().Execute(context.Background(), code, nil, nil)
	require.NoError(t, execErr)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, "checkpoint reached", result.Steps[0].Output)

	// Builtins never leak into the snapshot.
	_, hasLog := result.Steps[0].Variables["log"]
	assert.False(t, hasLog)
}

func TestExecute_InitialVariables(t *testing.T) {
	code, _, err := codegen.New().Generate("total = price * 2")
	require.NoError(t, err)

	result, execErr := NewInterpreter().Execute(context.Background(), code, nil, map[string]any{"price": 10})
	require.NoError(t, execErr)
	require.True(t, result.Success)
	assert.Equal(t, 20, result.Steps[0].Variables["total"])
}

func TestExecute_RuntimeErrorTerminatesTrace(t *testing.T) {
	code, _, err := codegen.New().Generate("x = 1\ny = x / 0\nz = 3")
	require.NoError(t, err)

	result, execErr := NewInterpreter().Execute(context.Background(), code, nil, nil)
	require.NoError(t, execErr)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)

	last := result.Steps[len(result.Steps)-1]
	assert.Contains(t, last.Output, "Error:")

	// z = 3 never ran.
	for _, step := range result.Steps {
		_, hasZ := step.Variables["z"]
		assert.False(t, hasZ)
	}
}

func TestExecute_CancelledContext(t *testing.T) {
	code, _, err := codegen.New().Generate("x = 1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, execErr := NewInterpreter().Execute(ctx, code, nil, nil)
	assert.ErrorIs(t, execErr, context.Canceled)
}

func TestExecute_DeadlineExpiry(t *testing.T) {
	code, _, err := codegen.New().Generate("x = 1")
	require.NoError(t, err)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, execErr := NewInterpreter().Execute(ctx, code, nil, nil)
	assert.ErrorIs(t, execErr, context.DeadlineExceeded)
}

func TestExecute_EmptyProgram(t *testing.T) {
	result, execErr := NewInterpreter().Execute(context.Background(), "", nil, nil)
	require.NoError(t, execErr)
	assert.True(t, result.Success)
	assert.Empty(t, result.Steps)
}
