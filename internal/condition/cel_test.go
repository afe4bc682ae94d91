package condition

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_BasicConditions(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)
	ctx := context.Background()

	vars := map[string]any{"total": 150, "approved": false}

	assert.True(t, e.Evaluate(ctx, `vars.total > 100`, vars))
	assert.False(t, e.Evaluate(ctx, `vars.total > 200`, vars))
	assert.False(t, e.Evaluate(ctx, `vars.approved`, vars))
}

func TestEvaluate_EmptyConditionHolds(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)
	assert.True(t, e.Evaluate(context.Background(), "", nil))
}

func TestEvaluate_RuntimeErrorFailsOpen(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)
	// Missing key: must not hide the pause.
	assert.True(t, e.Evaluate(context.Background(), `vars.missing > 1`, map[string]any{}))
}

func TestEvaluate_NonBooleanFailsOpen(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)
	assert.True(t, e.Evaluate(context.Background(), `vars.total`, map[string]any{"total": 5}))
}

func TestCheck_SurfacesCompileErrors(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	assert.NoError(t, e.Check(""))
	assert.NoError(t, e.Check(`vars.total > 100`))
	assert.Error(t, e.Check(`vars.total >`))
}

func TestEvaluate_CachesPrograms(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		e.Evaluate(ctx, `vars.n == 1`, map[string]any{"n": 1})
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}
