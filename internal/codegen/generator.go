// Package codegen is the reference code generator collaborator. It turns
// rule source into instrumented target code plus the source map describing
// where every statement went. Production deployments typically substitute
// an external generator; this one keeps the engine self-contained and is
// what the CLI uses when no generated code is supplied.
package codegen

import (
	"fmt"
	"strings"

	"github.com/rendis/ruledbg/internal/parser"
	"github.com/rendis/ruledbg/internal/sourcemap"
	"github.com/rendis/ruledbg/pkg/schema"
)

// TraceMarkerPrefix starts every instrumentation line in generated code.
// The reference interpreter skips these; external engines may use them to
// emit trace entries.
const TraceMarkerPrefix = "__trace__ "

// Generator emits instrumented target code with a 2-lines-per-statement
// layout: a trace marker followed by the statement itself. Statement lines
// are mapped directly; a conditional additionally claims its body's trace
// marker as a branch segment. The remaining markers are deliberately
// unmapped scaffolding (which is what exercises the consumer's
// nearest-preceding fallback).
type Generator struct{}

// New creates a reference Generator.
func New() *Generator { return &Generator{} }

// Generate parses the rule source and produces generated code plus its
// source map. Statement ids come from the parser and are therefore stable
// across regenerations of textually-unchanged statements.
func (g *Generator) Generate(ruleSource string) (string, *schema.SourceMap, error) {
	statements := parser.Parse(ruleSource)

	var b strings.Builder
	b.WriteString("# ruledbg generated v1\n")
	generatedLine := 1

	// First pass: emit the code, recording where each statement landed. Its
	// trace marker always sits on the line directly above.
	stmtLines := make([]int, len(statements))
	for i, stmt := range statements {
		fmt.Fprintf(&b, "%s%s\n", TraceMarkerPrefix, stmt.ID)
		generatedLine++

		// Indentation is preserved: it carries the rule language's block
		// structure into the generated code.
		b.WriteString(strings.Repeat(" ", stmt.Location.StartColumn))
		b.WriteString(stmt.Raw)
		b.WriteByte('\n')
		generatedLine++
		stmtLines[i] = generatedLine
	}

	sm := &schema.SourceMap{
		Version:     1,
		Fidelity:    schema.FidelityEnhanced,
		Statements:  make([]schema.SourceMapStatement, 0, len(statements)),
		ControlFlow: make(map[string][]string, len(statements)),
	}

	for i, stmt := range statements {
		segments := []schema.GeneratedSegment{
			{StartLine: stmtLines[i], EndLine: stmtLines[i]},
		}
		expansion := schema.ExpandDirect

		// A conditional also owns the trace marker of its body entry as a
		// branch segment, so a breakpoint on the conditional line observes
		// the test and the branch being entered.
		if stmt.Kind == schema.StatementConditional && i+1 < len(statements) &&
			statements[i+1].Location.StartColumn > stmt.Location.StartColumn {
			branch := "then"
			if stmt.Condition == "" {
				branch = "else"
			}
			segments = append(segments, schema.GeneratedSegment{
				StartLine: stmtLines[i+1] - 1,
				EndLine:   stmtLines[i+1] - 1,
				BranchID:  branch,
			})
			expansion = schema.ExpandAllBranches
		}

		sm.Statements = append(sm.Statements, schema.SourceMapStatement{
			ID:        stmt.ID,
			Kind:      stmt.Kind,
			Original:  stmt.Location,
			Segments:  segments,
			Expansion: expansion,
		})

		// Flat rule programs otherwise have linear control flow.
		if i+1 < len(statements) {
			sm.ControlFlow[stmt.ID] = []string{statements[i+1].ID}
		}
	}

	code := b.String()
	sm.GeneratedHash = sourcemap.HashGenerated(code)
	return code, sm, nil
}
