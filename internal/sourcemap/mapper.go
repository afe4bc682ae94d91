// Package sourcemap provides location lookups in both directions between
// rule-language source and generated code, plus breakpoint expansion.
//
// Three mapping fidelity levels exist, selected once at construction from
// the source map's declared fidelity: enhanced (full segment metadata),
// simple (line-mapped via each statement's primary segment), and direct
// (generated line N is rule line N). All implement the minimal Mapper
// interface; consumers never branch on fidelity again.
package sourcemap

import "github.com/rendis/ruledbg/pkg/schema"

// Position is a resolved rule-language location for a generated line.
type Position struct {
	Line        int    `json:"line"`
	Column      int    `json:"column"`
	StatementID string `json:"statement_id"`
	BranchID    string `json:"branch_id,omitempty"`
}

// Mapper is the minimal mapping contract shared by all fidelity levels.
type Mapper interface {
	// OriginalPositionFor resolves a 1-based generated line to a rule-language
	// position. When no segment contains the line it falls back to the
	// nearest preceding statement; ok is false only when no statement exists
	// at or before the queried line.
	OriginalPositionFor(generatedLine int) (Position, bool)

	// ExpandBreakpoints translates one rule-language breakpoint into every
	// generated-code breakpoint needed to observe all runtime occurrences of
	// that logical line.
	ExpandBreakpoints(ruleLine int) schema.BreakpointExpansion
}

// New selects a Mapper implementation from the source map's fidelity.
// An unrecognized or empty fidelity defaults to enhanced mapping.
func New(sm *schema.SourceMap) Mapper {
	switch sm.Fidelity {
	case schema.FidelityDirect:
		return newDirectMapper(sm)
	case schema.FidelitySimple:
		return newSimpleMapper(sm)
	default:
		return newEnhancedMapper(sm)
	}
}
