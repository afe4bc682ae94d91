// Package trace converts the raw execution trace returned by the engine
// into an enriched, rule-language-located step sequence with variable diffs.
package trace

import (
	"strings"

	"github.com/rendis/ruledbg/internal/sourcemap"
	"github.com/rendis/ruledbg/internal/variables"
	"github.com/rendis/ruledbg/pkg/schema"
)

// statementLister is optionally implemented by mappers that expose their
// statement metadata (the Consumer does); used to recover scope depth and
// control-flow paths for the execution context.
type statementLister interface {
	Statements() []schema.SourceMapStatement
}

// Converter turns raw steps into enriched steps. The deny predicate and
// type inferer are injected at construction; conversion itself is pure and
// deterministic.
type Converter struct {
	deny    variables.DenyFunc
	inferer variables.TypeInferer
}

// NewConverter creates a Converter. Nil deny and inferer select the
// defaults.
func NewConverter(deny variables.DenyFunc, inferer variables.TypeInferer) *Converter {
	if deny == nil {
		deny = variables.DefaultDeny
	}
	if inferer == nil {
		inferer = variables.StructuralInferer{}
	}
	return &Converter{deny: deny, inferer: inferer}
}

// Convert enriches each raw step with its resolved rule-language location,
// filtered and typed variables, and the diff against the previous included
// step. A step is included when it is a breakpoint, resolves to a location,
// or carries a non-empty filtered snapshot; pure target-language scaffolding
// is hidden, observable steps never are.
//
// Raw execution order is preserved; loop lines repeat and their repetitions
// are numbered in executionContext.IterationNumber. An empty input yields an
// empty sequence; the session layer turns that into a terminal completed
// state.
//
// hints carries the declaration-scan type hints for the rule source this
// trace came from; they take precedence over structural inference when
// typing variables. Nil is valid and means no hints.
func (c *Converter) Convert(rawSteps []schema.RawExecutionStep, mapper sourcemap.Mapper, hints map[string]string) []schema.EnrichedDebugStep {
	enriched := make([]schema.EnrichedDebugStep, 0, len(rawSteps))

	scopes := scopeIndex(mapper)
	iterations := make(map[string]int)
	var prevFiltered map[string]any

	for _, raw := range rawSteps {
		filtered := variables.Filter(raw.Variables, c.deny)
		pos, resolved := mapper.OriginalPositionFor(raw.Line)

		if !raw.IsBreakpoint && !resolved && len(filtered) == 0 {
			continue
		}

		step := schema.EnrichedDebugStep{
			StepIndex:     len(enriched),
			GeneratedLine: raw.Line,
			IsBreakpoint:  raw.IsBreakpoint,
			Output:        raw.Output,
			Variables:     variables.Annotate(raw.Variables, c.deny, c.inferer, hints),
			Changes:       Diff(prevFiltered, filtered),
		}

		if resolved {
			step.RuleLine = pos.Line
			step.StatementID = pos.StatementID
			step.BranchID = pos.BranchID
			step.Context.IterationNumber = iterations[pos.StatementID]
			iterations[pos.StatementID]++

			if sc, ok := scopes[pos.StatementID]; ok {
				step.Context.ScopeLevel = sc.level
				step.Context.Path = sc.path
			}
		}

		enriched = append(enriched, step)
		prevFiltered = filtered
	}

	return enriched
}

type scopeInfo struct {
	level int
	path  string
}

func scopeIndex(mapper sourcemap.Mapper) map[string]scopeInfo {
	lister, ok := mapper.(statementLister)
	if !ok {
		return nil
	}
	index := make(map[string]scopeInfo)
	for _, stmt := range lister.Statements() {
		index[stmt.ID] = scopeInfo{
			level: len(stmt.ScopeChain),
			path:  strings.Join(stmt.ScopeChain, "/"),
		}
	}
	return index
}
