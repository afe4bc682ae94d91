// Package parser turns rule-language source into an ordered statement list.
// Parsing never fails: unrecognized constructs degrade to opaque expression
// statements so that stepping still advances line by line.
package parser

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/rendis/ruledbg/pkg/schema"
)

var (
	assignRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(.+)$`)
	callRe   = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*)\s*\(.*\)\s*$`)
)

// Parse splits rule-language source into statements, one per non-blank,
// non-comment line. Line numbers are 1-based over the full source so they
// match what the editor shows.
func Parse(source string) []*schema.Statement {
	lines := strings.Split(source, "\n")
	statements := make([]*schema.Statement, 0, len(lines))

	// Occurrence counters keep ids stable across regeneration: a statement's
	// id depends only on its text and how many identical lines precede it.
	occurrences := make(map[string]int)

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isComment(trimmed) {
			continue
		}

		stmt := classify(trimmed)
		stmt.Location = schema.SourceLocation{
			Line:        i + 1,
			StartColumn: indentWidth(line),
			EndColumn:   len(line),
		}

		n := occurrences[trimmed]
		occurrences[trimmed] = n + 1
		stmt.ID = statementID(trimmed, n)

		statements = append(statements, stmt)
	}

	return statements
}

func isComment(trimmed string) bool {
	return strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//")
}

// classify decides the statement kind from the line's shape alone.
func classify(trimmed string) *schema.Statement {
	stmt := &schema.Statement{Raw: trimmed}

	if cond, ok := conditionalBody(trimmed); ok {
		stmt.Kind = schema.StatementConditional
		stmt.Condition = cond
		return stmt
	}

	if m := assignRe.FindStringSubmatch(trimmed); m != nil && !isComparison(trimmed, m[1]) {
		stmt.Kind = schema.StatementAssignment
		stmt.Target = m[1]
		return stmt
	}

	if callRe.MatchString(trimmed) {
		stmt.Kind = schema.StatementCall
		return stmt
	}

	stmt.Kind = schema.StatementExpression
	return stmt
}

// conditionalBody returns the condition expression of an if/elif/else line.
func conditionalBody(trimmed string) (string, bool) {
	for _, kw := range []string{"if ", "elif ", "else if "} {
		if strings.HasPrefix(trimmed, kw) {
			body := strings.TrimSpace(strings.TrimPrefix(trimmed, kw))
			return strings.TrimSuffix(body, ":"), true
		}
	}
	if trimmed == "else" || trimmed == "else:" {
		return "", true
	}
	return "", false
}

// isComparison rejects assignment matches where the "=" is actually part of
// a comparison operator (==, !=, <=, >=).
func isComparison(trimmed, lhs string) bool {
	rest := strings.TrimSpace(trimmed[len(lhs):])
	return strings.HasPrefix(rest, "==") ||
		strings.HasPrefix(rest, "!=") ||
		strings.HasPrefix(rest, "<=") ||
		strings.HasPrefix(rest, ">=")
}

// statementID derives a stable id from the statement text and its occurrence
// index. Regenerating unchanged source yields identical ids.
func statementID(text string, occurrence int) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("stmt-%016x-%d", h.Sum64(), occurrence)
}

func indentWidth(line string) int {
	return len(line) - len(strings.TrimLeft(line, " \t"))
}
