package query

import (
	"fmt"
	"strings"
)

// Expr is an immutable boolean expression over columns. Leaf values are
// typed Go values; they are rendered as engine-escaped literals or bound
// parameters, never as raw text.
type Expr interface {
	exprNode()
}

// Compare is a binary comparison against a single value.
type Compare struct {
	Col   string
	Op    CompareOp
	Value any
}

// CompareOp is the comparison operator of a Compare node.
type CompareOp string

const (
	CmpEq  CompareOp = "="
	CmpNe  CompareOp = "<>"
	CmpLt  CompareOp = "<"
	CmpLte CompareOp = "<="
	CmpGt  CompareOp = ">"
	CmpGte CompareOp = ">="
)

// In is set membership.
type In struct {
	Col    string
	Values []any
	Negate bool
}

// Between is a closed range predicate, or its complement when negated.
type Between struct {
	Col    string
	Lo, Hi any
	Negate bool
}

// Match is a wildcard pattern match. Pattern uses SQL LIKE syntax with %
// wildcards placed by the builder; the matched value itself is escaped.
type Match struct {
	Col    string
	Value  string
	Kind   MatchKind
	Negate bool
}

// MatchKind distinguishes substring from prefix matching.
type MatchKind int

const (
	MatchContains MatchKind = iota
	MatchStartsWith
)

// ArrayHas tests membership of a value in an array-typed column. Rendering
// is engine-specific (an array-contains function call).
type ArrayHas struct {
	Col   string
	Value any
}

// Null is an IS NULL / IS NOT NULL check.
type Null struct {
	Col    string
	Negate bool
}

// And combines sub-expressions conjunctively.
type And struct {
	Exprs []Expr
}

// Or combines sub-expressions disjunctively.
type Or struct {
	Exprs []Expr
}

func (Compare) exprNode()  {}
func (In) exprNode()       {}
func (Between) exprNode()  {}
func (Match) exprNode()    {}
func (ArrayHas) exprNode() {}
func (Null) exprNode()     {}
func (And) exprNode()      {}
func (Or) exprNode()       {}

// AndAll flattens a predicate list into a single expression: nil for an
// empty list, the sole element for a singleton, And otherwise.
func AndAll(exprs []Expr) Expr {
	switch len(exprs) {
	case 0:
		return nil
	case 1:
		return exprs[0]
	default:
		return And{Exprs: exprs}
	}
}

// OrAll is the disjunctive counterpart of AndAll.
func OrAll(exprs []Expr) Expr {
	switch len(exprs) {
	case 0:
		return nil
	case 1:
		return exprs[0]
	default:
		return Or{Exprs: exprs}
	}
}

// String renders a debug form of the expression. It is for logs and tests
// only; engines render their own SQL.
func String(e Expr) string {
	switch v := e.(type) {
	case nil:
		return "<none>"
	case Compare:
		return fmt.Sprintf("%s %s %v", v.Col, v.Op, v.Value)
	case In:
		if v.Negate {
			return fmt.Sprintf("%s not in %v", v.Col, v.Values)
		}
		return fmt.Sprintf("%s in %v", v.Col, v.Values)
	case Between:
		if v.Negate {
			return fmt.Sprintf("%s not between %v and %v", v.Col, v.Lo, v.Hi)
		}
		return fmt.Sprintf("%s between %v and %v", v.Col, v.Lo, v.Hi)
	case Match:
		kind := "contains"
		if v.Kind == MatchStartsWith {
			kind = "startswith"
		}
		if v.Negate {
			kind = "not " + kind
		}
		return fmt.Sprintf("%s %s %q", v.Col, kind, v.Value)
	case ArrayHas:
		return fmt.Sprintf("%s has %v", v.Col, v.Value)
	case Null:
		if v.Negate {
			return v.Col + " is not null"
		}
		return v.Col + " is null"
	case And:
		return joinExprs(v.Exprs, " and ")
	case Or:
		return joinExprs(v.Exprs, " or ")
	default:
		return fmt.Sprintf("<unknown %T>", e)
	}
}

func joinExprs(exprs []Expr, sep string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = String(e)
	}
	return "(" + strings.Join(parts, sep) + ")"
}
