package codegen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ruledbg/internal/sourcemap"
	"github.com/rendis/ruledbg/pkg/schema"
)

func TestGenerate_MapsEveryStatement(t *testing.T) {
	code, sm, err := New().Generate("x = 5\ny = x + 1")
	require.NoError(t, err)

	require.Len(t, sm.Statements, 2)
	lines := strings.Split(code, "\n")

	for _, stmt := range sm.Statements {
		require.Len(t, stmt.Segments, 1)
		seg := stmt.Segments[0]
		assert.Equal(t, seg.StartLine, seg.EndLine)
		// The mapped generated line carries the statement text verbatim.
		assert.Contains(t, lines[seg.StartLine-1], "=")
	}

	assert.Equal(t, 1, sm.Statements[0].Original.Line)
	assert.Equal(t, 2, sm.Statements[1].Original.Line)
}

func TestGenerate_RoundTripsThroughConsumer(t *testing.T) {
	code, sm, err := New().Generate("x = 5\ny = x + 1\nlog(y)")
	require.NoError(t, err)

	c := sourcemap.NewConsumer(sm)
	assert.True(t, c.ValidateHash(code))
	assert.Empty(t, c.Warnings())

	for _, stmt := range sm.Statements {
		pos, ok := c.OriginalPositionFor(stmt.Segments[0].StartLine)
		require.True(t, ok)
		assert.Equal(t, stmt.ID, pos.StatementID)
		assert.Equal(t, stmt.Original.Line, pos.Line)
	}

	// Trace markers are unmapped scaffolding; they resolve to the nearest
	// preceding statement rather than dead-ending.
	pos, ok := c.OriginalPositionFor(sm.Statements[1].Segments[0].StartLine - 1)
	require.True(t, ok)
	assert.Equal(t, sm.Statements[0].ID, pos.StatementID)
}

func TestGenerate_StableIDsAcrossRegeneration(t *testing.T) {
	_, first, err := New().Generate("x = 5\ny = x + 1")
	require.NoError(t, err)
	_, second, err := New().Generate("x = 5\ny = x + 1")
	require.NoError(t, err)

	for i := range first.Statements {
		assert.Equal(t, first.Statements[i].ID, second.Statements[i].ID)
	}
}

func TestGenerate_LinearControlFlow(t *testing.T) {
	_, sm, err := New().Generate("a = 1\nb = 2\nc = 3")
	require.NoError(t, err)

	require.Len(t, sm.Statements, 3)
	assert.Equal(t, []string{sm.Statements[1].ID}, sm.ControlFlow[sm.Statements[0].ID])
	assert.Equal(t, []string{sm.Statements[2].ID}, sm.ControlFlow[sm.Statements[1].ID])
	_, hasLast := sm.ControlFlow[sm.Statements[2].ID]
	assert.False(t, hasLast)
}

func TestGenerate_BreakpointExpansionIsDirect(t *testing.T) {
	_, sm, err := New().Generate("x = 5\ny = x + 1")
	require.NoError(t, err)

	c := sourcemap.NewConsumer(sm)
	exp := c.ExpandBreakpoints(2)
	assert.Equal(t, schema.ExpandDirect, exp.Strategy)
	require.Len(t, exp.Breakpoints, 1)
	assert.Equal(t, sm.Statements[1].Segments[0].StartLine, exp.Breakpoints[0].Line)
}

func TestGenerate_ConditionalBranchSegments(t *testing.T) {
	source := "x = 1\n" +
		"if x > 0\n" +
		"    y = 2\n" +
		"else\n" +
		"    y = 3\n"
	_, sm, err := New().Generate(source)
	require.NoError(t, err)
	require.Len(t, sm.Statements, 5)

	ifStmt := sm.Statements[1]
	require.Len(t, ifStmt.Segments, 2)
	assert.Equal(t, schema.ExpandAllBranches, ifStmt.Expansion)
	assert.Equal(t, "then", ifStmt.Segments[1].BranchID)
	// The branch segment is the body's trace marker, directly above the
	// body statement line.
	assert.Equal(t, sm.Statements[2].Segments[0].StartLine-1, ifStmt.Segments[1].StartLine)

	elseStmt := sm.Statements[3]
	require.Len(t, elseStmt.Segments, 2)
	assert.Equal(t, "else", elseStmt.Segments[1].BranchID)

	// Assignments stay single-segment direct.
	assert.Equal(t, schema.ExpandDirect, sm.Statements[0].Expansion)
	require.Len(t, sm.Statements[0].Segments, 1)
}

func TestGenerate_ConditionalBreakpointExpandsAllBranches(t *testing.T) {
	code, sm, err := New().Generate("x = 1\nif x > 0\n    y = 2")
	require.NoError(t, err)

	c := sourcemap.NewConsumer(sm)
	assert.True(t, c.ValidateHash(code))
	assert.Empty(t, c.Warnings())

	exp := c.ExpandBreakpoints(2)
	assert.Equal(t, schema.ExpandAllBranches, exp.Strategy)
	require.Len(t, exp.Breakpoints, 2)
	assert.Equal(t, sm.Statements[1].Segments[0].StartLine, exp.Breakpoints[0].Line)
	assert.Equal(t, "then", exp.Breakpoints[1].BranchID)

	// Branch segments never steal the body's own mapping.
	pos, ok := c.OriginalPositionFor(sm.Statements[2].Segments[0].StartLine)
	require.True(t, ok)
	assert.Equal(t, sm.Statements[2].ID, pos.StatementID)
}
