package sourcemap

import (
	"sort"

	"github.com/rendis/ruledbg/pkg/schema"
)

// --- Simple mapper ---

// simpleMapper is the line-mapped fidelity level: each statement is located
// only by its primary segment's start line. Loop and branch metadata still
// drive breakpoint expansion, but position lookups ignore segment ranges.
type simpleMapper struct {
	sm       *schema.SourceMap
	starts   []int       // sorted primary-segment start lines
	byStart  map[int]int // primary start line -> statement index
	enhanced *enhancedMapper
}

func newSimpleMapper(sm *schema.SourceMap) *simpleMapper {
	m := &simpleMapper{
		sm:       sm,
		byStart:  make(map[int]int, len(sm.Statements)),
		enhanced: newEnhancedMapper(sm),
	}
	for si, stmt := range sm.Statements {
		if len(stmt.Segments) == 0 {
			continue
		}
		start := stmt.Segments[0].StartLine
		if _, exists := m.byStart[start]; !exists {
			m.byStart[start] = si
			m.starts = append(m.starts, start)
		}
	}
	sort.Ints(m.starts)
	return m
}

func (m *simpleMapper) OriginalPositionFor(generatedLine int) (Position, bool) {
	idx := sort.Search(len(m.starts), func(i int) bool {
		return m.starts[i] > generatedLine
	})
	if idx == 0 {
		return Position{}, false
	}
	stmt := m.sm.Statements[m.byStart[m.starts[idx-1]]]
	return Position{
		Line:        stmt.Original.Line,
		Column:      stmt.Original.StartColumn,
		StatementID: stmt.ID,
	}, true
}

func (m *simpleMapper) ExpandBreakpoints(ruleLine int) schema.BreakpointExpansion {
	return m.enhanced.ExpandBreakpoints(ruleLine)
}

// --- Direct mapper ---

// directMapper is the trivial 1:1 fidelity level: generated line N is rule
// line N. Used when the generator emits one target line per rule line.
type directMapper struct {
	sm         *schema.SourceMap
	byRuleLine map[int]int
}

func newDirectMapper(sm *schema.SourceMap) *directMapper {
	m := &directMapper{
		sm:         sm,
		byRuleLine: make(map[int]int, len(sm.Statements)),
	}
	for si, stmt := range sm.Statements {
		if _, exists := m.byRuleLine[stmt.Original.Line]; !exists {
			m.byRuleLine[stmt.Original.Line] = si
		}
	}
	return m
}

func (m *directMapper) OriginalPositionFor(generatedLine int) (Position, bool) {
	// Walk back to the nearest statement at or before the line.
	for line := generatedLine; line > 0; line-- {
		if si, ok := m.byRuleLine[line]; ok {
			stmt := m.sm.Statements[si]
			return Position{
				Line:        stmt.Original.Line,
				Column:      stmt.Original.StartColumn,
				StatementID: stmt.ID,
			}, true
		}
	}
	return Position{}, false
}

func (m *directMapper) ExpandBreakpoints(ruleLine int) schema.BreakpointExpansion {
	si, ok := m.byRuleLine[ruleLine]
	if !ok {
		return schema.BreakpointExpansion{Strategy: schema.ExpandDirect}
	}
	stmt := m.sm.Statements[si]
	return schema.BreakpointExpansion{
		Strategy: schema.ExpandDirect,
		Breakpoints: []schema.GeneratedBreakpoint{
			{Line: ruleLine, StatementID: stmt.ID},
		},
	}
}
