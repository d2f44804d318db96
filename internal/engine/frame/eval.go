package frame

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/leapstack-labs/leapserve/internal/query"
)

// eval decides whether a row satisfies an expression. Unknown node kinds
// evaluate false so a builder extension cannot silently widen results.
func eval(e query.Expr, get func(col string) any) bool {
	switch v := e.(type) {
	case query.Compare:
		return evalCompare(v, get(v.Col))
	case query.In:
		found := false
		cell := get(v.Col)
		for _, candidate := range v.Values {
			if looseEqual(cell, candidate) {
				found = true
				break
			}
		}
		return found != v.Negate
	case query.Between:
		cell := get(v.Col)
		in := compareValues(cell, v.Lo) >= 0 && compareValues(cell, v.Hi) <= 0 && cell != nil
		return in != v.Negate
	case query.Match:
		s, ok := get(v.Col).(string)
		if !ok {
			return v.Negate
		}
		var hit bool
		switch v.Kind {
		case query.MatchStartsWith:
			hit = strings.HasPrefix(strings.ToLower(s), strings.ToLower(v.Value))
		default:
			hit = strings.Contains(strings.ToLower(s), strings.ToLower(v.Value))
		}
		return hit != v.Negate
	case query.ArrayHas:
		cell, ok := get(v.Col).([]any)
		if !ok {
			return false
		}
		for _, elem := range cell {
			if looseEqual(elem, v.Value) {
				return true
			}
		}
		return false
	case query.Null:
		return (get(v.Col) == nil) != v.Negate
	case query.And:
		for _, sub := range v.Exprs {
			if !eval(sub, get) {
				return false
			}
		}
		return true
	case query.Or:
		for _, sub := range v.Exprs {
			if eval(sub, get) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func evalCompare(c query.Compare, cell any) bool {
	switch c.Op {
	case query.CmpEq:
		return looseEqual(cell, c.Value)
	case query.CmpNe:
		return !looseEqual(cell, c.Value)
	}
	if cell == nil {
		return false
	}
	cmp := compareValues(cell, c.Value)
	switch c.Op {
	case query.CmpLt:
		return cmp < 0
	case query.CmpLte:
		return cmp <= 0
	case query.CmpGt:
		return cmp > 0
	case query.CmpGte:
		return cmp >= 0
	}
	return false
}

// looseEqual matches the way loosely typed request values meet typed
// column data: numbers compare numerically across int and float widths,
// everything else compares as strings.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareValues orders two cells: nil sorts first, numbers numerically,
// the rest lexically.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
