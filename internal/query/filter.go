package query

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"

	"github.com/leapstack-labs/leapserve/internal/config"
)

// ValidationError reports a malformed filter shape. It maps to a client
// error at the HTTP layer.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// errBetweenArity rejects a between filter whose value is not a
// 2-element array.
var errBetweenArity = &ValidationError{Msg: "Must have an array with 2 elements for between"}

// FilterBuilder converts parsed request parameters into an expression tree.
type FilterBuilder struct {
	Logger *slog.Logger
}

// NewFilterBuilder creates a FilterBuilder. If logger is nil, a discard
// logger is used.
func NewFilterBuilder(logger *slog.Logger) *FilterBuilder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FilterBuilder{Logger: logger}
}

// Build combines every recognized parameter into a conjunctive expression.
//
// The available set enables two-stage filtering: a parameter whose
// physical column is outside available is skipped and covered comes back
// false, so the caller knows a second pass over the full column set is
// still needed. A nil available set means no column information exists
// and every column is assumed present. A nil expression means "no
// filter", not "match nothing".
func (b *FilterBuilder) Build(params map[string]any, defs []config.Param, available map[string]struct{}) (expr Expr, covered bool, err error) {
	covered = true

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var predicates []Expr
	for _, key := range keys {
		value := params[key]
		if key == "" || value == nil || Reserved(key) {
			continue
		}
		def, op, ok := Lookup(defs, key)
		if !ok {
			continue
		}

		if def.Combination {
			pred, ok := b.buildCombination(def, value, available)
			if !ok {
				covered = false
			}
			if pred != nil {
				predicates = append(predicates, pred)
			}
			continue
		}

		col := def.PhysicalColumn()
		if available != nil {
			if _, ok := available[col]; !ok {
				covered = false
				continue
			}
		}

		pred, err := b.buildPredicate(col, op, value)
		if err != nil {
			return nil, false, err
		}
		if pred != nil {
			predicates = append(predicates, pred)
		}
	}

	return AndAll(predicates), covered, nil
}

// buildCombination turns a list of field-maps into OR-of-AND equality
// groups. Fields outside the available column set that the parameter does
// not explicitly declare are dropped from their group.
func (b *FilterBuilder) buildCombination(def *config.Param, value any, available map[string]struct{}) (Expr, bool) {
	groups, ok := toFieldMaps(value)
	if !ok {
		b.Logger.Debug("ignoring combination parameter with non-list value",
			slog.String("param", def.Name))
		return nil, true
	}

	declared := make(map[string]struct{}, len(def.CombinationFields))
	for _, f := range def.CombinationFields {
		declared[f] = struct{}{}
	}

	covered := true
	var orGroups []Expr
	for _, group := range groups {
		fields := make([]string, 0, len(group))
		for f := range group {
			fields = append(fields, f)
		}
		sort.Strings(fields)

		var andGroup []Expr
		for _, f := range fields {
			avail := available == nil
			if !avail {
				_, avail = available[f]
			}
			_, decl := declared[f]
			if !avail {
				if !decl {
					continue
				}
				covered = false
				continue
			}
			if v := group[f]; zeroEquivalent(v) {
				andGroup = append(andGroup, Null{Col: f})
			} else {
				andGroup = append(andGroup, Compare{Col: f, Op: CmpEq, Value: v})
			}
		}
		if g := AndAll(andGroup); g != nil {
			orGroups = append(orGroups, g)
		}
	}
	return OrAll(orGroups), covered
}

func (b *FilterBuilder) buildPredicate(col string, op config.Operator, value any) (Expr, error) {
	switch op {
	case config.OpLt:
		return Compare{Col: col, Op: CmpLt, Value: value}, nil
	case config.OpLte:
		return Compare{Col: col, Op: CmpLte, Value: value}, nil
	case config.OpGt:
		return Compare{Col: col, Op: CmpGt, Value: value}, nil
	case config.OpGte:
		return Compare{Col: col, Op: CmpGte, Value: value}, nil
	case config.OpEq:
		if value == nil {
			return Null{Col: col}, nil
		}
		return Compare{Col: col, Op: CmpEq, Value: value}, nil
	case config.OpNe:
		if value == nil {
			return Null{Col: col, Negate: true}, nil
		}
		return Compare{Col: col, Op: CmpNe, Value: value}, nil
	case config.OpContains:
		return Match{Col: col, Value: fmt.Sprint(value), Kind: MatchContains}, nil
	case config.OpNotContains:
		return Match{Col: col, Value: fmt.Sprint(value), Kind: MatchContains, Negate: true}, nil
	case config.OpStartsWith:
		return Match{Col: col, Value: fmt.Sprint(value), Kind: MatchStartsWith}, nil
	case config.OpHas:
		return ArrayHas{Col: col, Value: value}, nil
	case config.OpIn, config.OpNotIn:
		values := toList(value)
		if len(values) == 0 {
			return nil, nil
		}
		return In{Col: col, Values: values, Negate: op == config.OpNotIn}, nil
	case config.OpBetween, config.OpNotBetween:
		values := toList(value)
		if len(values) != 2 {
			return nil, errBetweenArity
		}
		return Between{Col: col, Lo: values[0], Hi: values[1], Negate: op == config.OpNotBetween}, nil
	case config.OpNull:
		return Null{Col: col}, nil
	case config.OpNotNull:
		return Null{Col: col, Negate: true}, nil
	default:
		// Unknown operators keep the rest of the request functional.
		b.Logger.Warn("dropping filter with unknown operator",
			slog.String("column", col), slog.String("operator", string(op)))
		return nil, nil
	}
}

// toList coerces a parameter value into a slice. Scalars become a
// single-element list.
func toList(value any) []any {
	switch v := value.(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	default:
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.Slice {
			out := make([]any, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				out[i] = rv.Index(i).Interface()
			}
			return out
		}
		return []any{value}
	}
}

func toFieldMaps(value any) ([]map[string]any, bool) {
	switch v := value.(type) {
	case []map[string]any:
		return v, true
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, m)
		}
		return out, true
	default:
		return nil, false
	}
}

// zeroEquivalent reports whether a combination field value stands for
// "no value" and therefore becomes an IS NULL check.
func zeroEquivalent(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case int:
		return x == 0
	case int64:
		return x == 0
	case float64:
		return x == 0
	case bool:
		return false
	default:
		return false
	}
}
