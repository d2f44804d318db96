package config

import (
	"fmt"
	"strings"
)

// Operator enumerates the filter operators a parameter may accept.
type Operator string

const (
	OpEq          Operator = "="
	OpLt          Operator = "<"
	OpLte         Operator = "<="
	OpNe          Operator = "<>"
	OpGt          Operator = ">"
	OpGte         Operator = ">="
	OpContains    Operator = "contains"
	OpNotContains Operator = "not contains"
	OpStartsWith  Operator = "startswith"
	OpHas         Operator = "has"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not in"
	OpBetween     Operator = "between"
	OpNotBetween  Operator = "not between"
	OpNull        Operator = "null"
	OpNotNull     Operator = "not null"
)

// operatorPostfix maps each operator to its query-parameter postfix.
// The mapping is fixed; parameter-name matching is case-insensitive.
var operatorPostfix = map[Operator]string{
	OpEq:          "",
	OpLt:          "_lt",
	OpLte:         "_lte",
	OpNe:          "_ne",
	OpGt:          "_gt",
	OpGte:         "_gte",
	OpContains:    "_contains",
	OpNotContains: "_not_contains",
	OpStartsWith:  "_startswith",
	OpHas:         "_has",
	OpIn:          "_in",
	OpNotIn:       "_not_in",
	OpBetween:     "_between",
	OpNotBetween:  "_not_between",
	OpNull:        "_null",
	OpNotNull:     "_not_null",
}

// Operators lists every supported operator in a stable order.
var Operators = []Operator{
	OpEq, OpLt, OpLte, OpNe, OpGt, OpGte,
	OpContains, OpNotContains, OpStartsWith, OpHas,
	OpIn, OpNotIn, OpBetween, OpNotBetween, OpNull, OpNotNull,
}

// Postfix returns the query-parameter postfix for the operator.
func (o Operator) Postfix() string {
	return operatorPostfix[o]
}

// Known reports whether the operator is part of the supported enumeration.
func (o Operator) Known() bool {
	_, ok := operatorPostfix[o]
	return ok
}

// ParseOperator normalizes a raw operator string. "==" and "!=" are accepted
// as aliases for "=" and "<>".
func ParseOperator(s string) (Operator, error) {
	switch v := Operator(strings.ToLower(strings.TrimSpace(s))); v {
	case "==":
		return OpEq, nil
	case "!=":
		return OpNe, nil
	default:
		if v.Known() {
			return v, nil
		}
		return "", fmt.Errorf("unknown operator %q", s)
	}
}

// Param declares one logical filter parameter of a datasource.
//
// A combination parameter accepts a list of field-maps (compound-key
// lookups) via the request body; it never participates in operator postfix
// matching.
type Param struct {
	Name   string `koanf:"name"`
	Column string `koanf:"column"`

	Operators []Operator `koanf:"operators"`

	Combination       bool     `koanf:"combination"`
	CombinationFields []string `koanf:"combination_fields"`

	Required bool `koanf:"required"`
	Default  any  `koanf:"default"`
}

// PhysicalColumn returns the physical column backing the parameter.
func (p *Param) PhysicalColumn() string {
	if p.Column != "" {
		return p.Column
	}
	return p.Name
}

// Validate enforces the Param invariants: a non-empty operator set drawn
// from the supported enumeration, and no operator postfixes on combination
// parameters.
func (p *Param) Validate() error {
	if p.Combination {
		if len(p.Operators) > 0 {
			return fmt.Errorf("combination parameters take no operators")
		}
		return nil
	}
	if len(p.Operators) == 0 {
		return fmt.Errorf("operator set must not be empty")
	}
	for _, op := range p.Operators {
		if !op.Known() {
			return fmt.Errorf("unknown operator %q", op)
		}
	}
	return nil
}
