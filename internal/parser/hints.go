package parser

import (
	"strings"

	"github.com/expr-lang/expr/ast"
	exprparser "github.com/expr-lang/expr/parser"

	"github.com/rendis/ruledbg/pkg/schema"
)

// ScanHints performs a lightweight declaration scan over the parsed
// statements and returns a variable -> type-hint map. Hints are recovered
// from the shape of assignment right-hand sides; a runtime value alone
// cannot recover domain intent, so these hints take precedence over
// structural inspection in the typer.
//
// The right-hand side is parsed with the expr grammar. Lines that do not
// parse produce no hint and are skipped silently.
func ScanHints(statements []*schema.Statement) map[string]string {
	hints := make(map[string]string)

	for _, stmt := range statements {
		if stmt.Kind != schema.StatementAssignment || stmt.Target == "" {
			continue
		}
		rhs, ok := assignmentRHS(stmt.Raw)
		if !ok {
			continue
		}
		if hint := inferHint(rhs); hint != "" {
			hints[stmt.Target] = hint
		}
	}

	return hints
}

func assignmentRHS(raw string) (string, bool) {
	m := assignRe.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[2]), true
}

// inferHint maps an expression's root node to a semantic type hint.
func inferHint(rhs string) string {
	tree, err := exprparser.Parse(rhs)
	if err != nil {
		return ""
	}
	return hintForNode(tree.Node)
}

func hintForNode(node ast.Node) string {
	switch n := node.(type) {
	case *ast.IntegerNode, *ast.FloatNode:
		return "number"
	case *ast.StringNode:
		return "string"
	case *ast.BoolNode:
		return "boolean"
	case *ast.NilNode:
		return "null"
	case *ast.ArrayNode:
		return "array"
	case *ast.MapNode:
		return "object"
	case *ast.UnaryNode:
		return hintForNode(n.Node)
	case *ast.BinaryNode:
		return hintForBinary(n)
	case *ast.ConditionalNode:
		// Both arms agreeing gives a usable hint; otherwise stay silent.
		e1, e2 := hintForNode(n.Exp1), hintForNode(n.Exp2)
		if e1 == e2 {
			return e1
		}
		return ""
	default:
		return ""
	}
}

func hintForBinary(n *ast.BinaryNode) string {
	switch n.Operator {
	case "==", "!=", "<", "<=", ">", ">=", "&&", "||", "and", "or", "in", "not in":
		return "boolean"
	case "-", "*", "/", "%", "^", "**":
		return "number"
	case "+":
		// "+" is overloaded for concatenation; only hint when an operand
		// pins the type down.
		l, r := hintForNode(n.Left), hintForNode(n.Right)
		if l == "string" || r == "string" {
			return "string"
		}
		if l == "number" && r == "number" {
			return "number"
		}
		return ""
	default:
		return ""
	}
}
