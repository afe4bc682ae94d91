package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ruledbg/pkg/schema"
)

func TestParse_Classification(t *testing.T) {
	tests := []struct {
		name string
		line string
		kind schema.StatementKind
	}{
		{"assignment", "x = 5", schema.StatementAssignment},
		{"assignment expression", "total = price * quantity", schema.StatementAssignment},
		{"conditional", "if total > 100", schema.StatementConditional},
		{"conditional with colon", "if approved:", schema.StatementConditional},
		{"else branch", "else:", schema.StatementConditional},
		{"call", "log_message(\"hello\")", schema.StatementCall},
		{"dotted call", "audit.record(total)", schema.StatementCall},
		{"comparison is not assignment", "x == 5", schema.StatementExpression},
		{"bare expression", "total * 2", schema.StatementExpression},
		{"garbage degrades to expression", "@@@ not a rule @@@", schema.StatementExpression},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmts := Parse(tt.line)
			require.Len(t, stmts, 1)
			assert.Equal(t, tt.kind, stmts[0].Kind)
		})
	}
}

func TestParse_SkipsBlankAndCommentLines(t *testing.T) {
	source := "x = 1\n\n# comment\n// also a comment\ny = 2\n"
	stmts := Parse(source)
	require.Len(t, stmts, 2)
	assert.Equal(t, 1, stmts[0].Location.Line)
	assert.Equal(t, 5, stmts[1].Location.Line)
}

func TestParse_NeverFails(t *testing.T) {
	// Arbitrary junk still yields one statement per non-blank line.
	source := "}{][\n???\nif\n= = ="
	stmts := Parse(source)
	assert.Len(t, stmts, 4)
	for _, s := range stmts {
		assert.NotEmpty(t, s.ID)
	}
}

func TestParse_StableIDs(t *testing.T) {
	source := "x = 5\ny = x + 1"
	first := Parse(source)
	second := Parse(source)
	require.Len(t, second, 2)
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
}

func TestParse_IdenticalLinesGetDistinctIDs(t *testing.T) {
	stmts := Parse("x = 1\nx = 1")
	require.Len(t, stmts, 2)
	assert.NotEqual(t, stmts[0].ID, stmts[1].ID)

	// Still stable across reparses.
	again := Parse("x = 1\nx = 1")
	assert.Equal(t, stmts[0].ID, again[0].ID)
	assert.Equal(t, stmts[1].ID, again[1].ID)
}

func TestParse_AssignmentTarget(t *testing.T) {
	stmts := Parse("total = price * 2")
	require.Len(t, stmts, 1)
	assert.Equal(t, "total", stmts[0].Target)
}

func TestParse_ConditionalCondition(t *testing.T) {
	stmts := Parse("if total > 100\nelif total > 50:\nelse:")
	require.Len(t, stmts, 3)
	assert.Equal(t, "total > 100", stmts[0].Condition)
	assert.Equal(t, "total > 50", stmts[1].Condition)
	assert.Empty(t, stmts[2].Condition)
}

func TestScanHints(t *testing.T) {
	source := "count = 5\n" +
		"name = \"alice\"\n" +
		"ok = true\n" +
		"items = [1, 2, 3]\n" +
		"cfg = {a: 1}\n" +
		"nothing = nil\n" +
		"approved = count > 3\n" +
		"derived = count * 2\n" +
		"opaque = lookup(count)\n"

	hints := ScanHints(Parse(source))

	assert.Equal(t, "number", hints["count"])
	assert.Equal(t, "string", hints["name"])
	assert.Equal(t, "boolean", hints["ok"])
	assert.Equal(t, "array", hints["items"])
	assert.Equal(t, "object", hints["cfg"])
	assert.Equal(t, "null", hints["nothing"])
	assert.Equal(t, "boolean", hints["approved"])
	assert.Equal(t, "number", hints["derived"])
	_, has := hints["opaque"]
	assert.False(t, has, "call results should not produce a hint")
}

func TestScanHints_UnparsableRHSIsSkipped(t *testing.T) {
	hints := ScanHints(Parse("x = ((("))
	assert.Empty(t, hints)
}
