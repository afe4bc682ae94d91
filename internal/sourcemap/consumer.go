package sourcemap

import (
	"fmt"
	"sort"

	"github.com/rendis/ruledbg/pkg/schema"
)

// Consumer wraps a fidelity-specific Mapper with the operations that are
// common to every level: integrity checking and statement access.
// Construction is the only expensive part; lookups are O(log n).
type Consumer struct {
	sm       *schema.SourceMap
	mapper   Mapper
	warnings []string
}

// NewConsumer builds a Consumer over an immutable source map. Structural
// defects (overlapping or non-monotonic segments) are recorded as warnings,
// never errors: the consumer degrades to best-effort mapping.
func NewConsumer(sm *schema.SourceMap) *Consumer {
	c := &Consumer{
		sm:       sm,
		mapper:   New(sm),
		warnings: checkSegments(sm),
	}
	return c
}

// OriginalPositionFor implements Mapper.
func (c *Consumer) OriginalPositionFor(generatedLine int) (Position, bool) {
	return c.mapper.OriginalPositionFor(generatedLine)
}

// ExpandBreakpoints implements Mapper.
func (c *Consumer) ExpandBreakpoints(ruleLine int) schema.BreakpointExpansion {
	return c.mapper.ExpandBreakpoints(ruleLine)
}

// ValidateHash compares the FNV-1a hash of the current generated code
// against the hash recorded at generation time. A mismatch means the code
// and map may have drifted apart; it gates a warning, not a refusal.
func (c *Consumer) ValidateHash(generatedCode string) bool {
	if c.sm.GeneratedHash == 0 {
		return true
	}
	return HashGenerated(generatedCode) == c.sm.GeneratedHash
}

// Statements exposes the underlying ordered statement list.
func (c *Consumer) Statements() []schema.SourceMapStatement {
	return c.sm.Statements
}

// Warnings returns structural defects found at construction.
func (c *Consumer) Warnings() []string {
	return c.warnings
}

// checkSegments verifies that each statement's segments are non-overlapping
// and monotonic. Violations are reported but tolerated.
func checkSegments(sm *schema.SourceMap) []string {
	var warnings []string
	for _, stmt := range sm.Statements {
		prevEnd := 0
		for i, seg := range stmt.Segments {
			if seg.EndLine < seg.StartLine {
				warnings = append(warnings,
					fmt.Sprintf("statement %s segment %d: end line %d before start line %d",
						stmt.ID, i, seg.EndLine, seg.StartLine))
				continue
			}
			if seg.StartLine <= prevEnd {
				warnings = append(warnings,
					fmt.Sprintf("statement %s segment %d: overlaps or regresses at line %d",
						stmt.ID, i, seg.StartLine))
			}
			prevEnd = seg.EndLine
		}
	}
	return warnings
}

// --- Enhanced mapper ---

// interval is one generated-line range in the sorted index.
type interval struct {
	start, end int
	stmtIdx    int
	segIdx     int
}

// enhancedMapper is the full-fidelity implementation: a sorted interval
// index over generated ranges and an original-line index over statements.
type enhancedMapper struct {
	sm         *schema.SourceMap
	intervals  []interval
	byRuleLine map[int]int // original line -> statement index
	ruleLines  []int       // sorted original lines, for nearest-following resolution
}

func newEnhancedMapper(sm *schema.SourceMap) *enhancedMapper {
	m := &enhancedMapper{
		sm:         sm,
		byRuleLine: make(map[int]int, len(sm.Statements)),
	}

	for si, stmt := range sm.Statements {
		if _, exists := m.byRuleLine[stmt.Original.Line]; !exists {
			m.byRuleLine[stmt.Original.Line] = si
			m.ruleLines = append(m.ruleLines, stmt.Original.Line)
		}
		for gi, seg := range stmt.Segments {
			m.intervals = append(m.intervals, interval{
				start:   seg.StartLine,
				end:     seg.EndLine,
				stmtIdx: si,
				segIdx:  gi,
			})
		}
	}

	sort.Slice(m.intervals, func(i, j int) bool {
		if m.intervals[i].start != m.intervals[j].start {
			return m.intervals[i].start < m.intervals[j].start
		}
		return m.intervals[i].end < m.intervals[j].end
	})
	sort.Ints(m.ruleLines)

	return m
}

// OriginalPositionFor binary-searches the interval index. Generated lines
// that fall in a gap between segments resolve to the nearest preceding
// statement so the generator's unmapped scaffolding never dead-ends a step.
func (m *enhancedMapper) OriginalPositionFor(generatedLine int) (Position, bool) {
	// First interval starting after the queried line.
	idx := sort.Search(len(m.intervals), func(i int) bool {
		return m.intervals[i].start > generatedLine
	})

	if idx == 0 {
		// The line precedes every segment: nothing at or before it.
		return Position{}, false
	}

	// Walk back over intervals starting at or before the line; the first one
	// containing it is the tightest match.
	for i := idx - 1; i >= 0; i-- {
		iv := m.intervals[i]
		if generatedLine <= iv.end {
			return m.position(iv), true
		}
	}

	// Gap between segments: the interval with the largest start at or before
	// the line is the nearest preceding statement.
	return m.position(m.intervals[idx-1]), true
}

func (m *enhancedMapper) position(iv interval) Position {
	stmt := m.sm.Statements[iv.stmtIdx]
	seg := stmt.Segments[iv.segIdx]
	return Position{
		Line:        stmt.Original.Line,
		Column:      stmt.Original.StartColumn,
		StatementID: stmt.ID,
		BranchID:    seg.BranchID,
	}
}

// ExpandBreakpoints resolves the owning statement and emits one generated
// breakpoint per runtime occurrence of the rule line: per iteration-tagged
// segment for loops, per branch segment for multi-path statements, and a
// single breakpoint at the primary segment otherwise.
func (m *enhancedMapper) ExpandBreakpoints(ruleLine int) schema.BreakpointExpansion {
	stmt, ok := m.resolveStatement(ruleLine)
	if !ok {
		return schema.BreakpointExpansion{Strategy: schema.ExpandDirect}
	}
	return expandStatement(stmt)
}

// resolveStatement finds the statement owning a rule line. Breakpoints set
// on non-statement lines slide down to the next statement, matching how
// editors treat gutter breakpoints on blank lines.
func (m *enhancedMapper) resolveStatement(ruleLine int) (*schema.SourceMapStatement, bool) {
	if si, ok := m.byRuleLine[ruleLine]; ok {
		return &m.sm.Statements[si], true
	}
	idx := sort.SearchInts(m.ruleLines, ruleLine)
	if idx >= len(m.ruleLines) {
		return nil, false
	}
	return &m.sm.Statements[m.byRuleLine[m.ruleLines[idx]]], true
}

// expandStatement applies the statement's expansion strategy. An explicit
// strategy recorded by the generator wins; otherwise it is derived from the
// loop and branch metadata.
func expandStatement(stmt *schema.SourceMapStatement) schema.BreakpointExpansion {
	strategy := stmt.Expansion
	if strategy == "" {
		switch {
		case stmt.Loop != nil:
			strategy = schema.ExpandEachIteration
		case branchCount(stmt) > 1:
			strategy = schema.ExpandAllBranches
		default:
			strategy = schema.ExpandDirect
		}
	}

	exp := schema.BreakpointExpansion{Strategy: strategy}

	switch strategy {
	case schema.ExpandEachIteration:
		for _, seg := range stmt.Segments {
			if seg.Iteration == nil {
				continue
			}
			exp.Breakpoints = append(exp.Breakpoints, schema.GeneratedBreakpoint{
				Line:        seg.StartLine,
				StatementID: stmt.ID,
				BranchID:    seg.BranchID,
				Iteration:   *seg.Iteration,
			})
		}
		// A loop statement with no iteration-tagged segments still needs
		// at least its entry observed.
		if len(exp.Breakpoints) == 0 && len(stmt.Segments) > 0 {
			exp.Breakpoints = append(exp.Breakpoints, schema.GeneratedBreakpoint{
				Line:        stmt.Segments[0].StartLine,
				StatementID: stmt.ID,
			})
		}

	case schema.ExpandAllBranches:
		seen := make(map[string]bool)
		for _, seg := range stmt.Segments {
			if seen[seg.BranchID] {
				continue
			}
			seen[seg.BranchID] = true
			exp.Breakpoints = append(exp.Breakpoints, schema.GeneratedBreakpoint{
				Line:        seg.StartLine,
				StatementID: stmt.ID,
				BranchID:    seg.BranchID,
			})
		}

	default:
		if len(stmt.Segments) > 0 {
			exp.Breakpoints = append(exp.Breakpoints, schema.GeneratedBreakpoint{
				Line:        stmt.Segments[0].StartLine,
				StatementID: stmt.ID,
			})
		}
	}

	return exp
}

func branchCount(stmt *schema.SourceMapStatement) int {
	if len(stmt.ControlFlowPaths) > 1 {
		return len(stmt.ControlFlowPaths)
	}
	branches := make(map[string]bool)
	for _, seg := range stmt.Segments {
		if seg.BranchID != "" {
			branches[seg.BranchID] = true
		}
	}
	return len(branches)
}
