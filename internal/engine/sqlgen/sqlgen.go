// Package sqlgen renders backend-agnostic query plans into dialect-aware
// SQL with bound parameters. Engines configure a Dialect value with the
// hooks their backend supports; every value reaches the database as a
// bound argument, never as interpolated text.
package sqlgen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/leapstack-labs/leapserve/internal/engine"
	"github.com/leapstack-labs/leapserve/internal/query"
)

// Dialect parameterizes SQL rendering per backend. Nil hooks mean the
// backend has no rendering for that construct.
type Dialect struct {
	Name string

	// DollarPlaceholders selects $N binding instead of ?.
	DollarPlaceholders bool

	// ArrayContains renders membership of a bound value in an array column.
	ArrayContains func(col, placeholder string) string

	// JSONCast renders a column through the backend's JSON conversion.
	JSONCast func(col string) string

	// Haversine renders great-circle distance in meters from a bound
	// point to a lat/lon column pair.
	Haversine func(latCol, lonCol, latPh, lonPh string) string

	// SearchScore renders the relevance score contribution of one bound
	// search term. Set per session by engines with a full-text index.
	SearchScore func(placeholder string) string
}

type renderer struct {
	d    Dialect
	sb   strings.Builder
	args []any
}

// Render compiles a plan into one SQL statement and its argument list.
func Render(d Dialect, plan query.Plan) (string, []any, error) {
	r := &renderer{d: d}
	if err := r.renderPlan(plan); err != nil {
		return "", nil, err
	}
	return r.sb.String(), r.args, nil
}

func (r *renderer) bind(v any) string {
	r.args = append(r.args, v)
	if r.d.DollarPlaceholders {
		return "$" + strconv.Itoa(len(r.args))
	}
	return "?"
}

func (r *renderer) renderPlan(plan query.Plan) error {
	computed := ""
	switch {
	case plan.Search != nil:
		alias := plan.Search.Config.ScoreAlias
		if alias == "" {
			alias = "search_score"
		}
		computed = alias
	case plan.Nearby != nil:
		alias := plan.Nearby.Config.Alias
		if alias == "" {
			alias = "distance_m"
		}
		computed = alias
	}

	// Search and nearby attach a computed column that both the filter and
	// the sort refer to, so the scan nests one level deep.
	if computed != "" {
		r.sb.WriteString("SELECT * FROM (")
	}

	r.sb.WriteString("SELECT ")
	if plan.Distinct {
		r.sb.WriteString("DISTINCT ")
	}
	if err := r.renderColumns(plan.Columns); err != nil {
		return err
	}

	switch {
	case plan.Search != nil:
		expr, err := r.searchExpr(plan.Search)
		if err != nil {
			return err
		}
		fmt.Fprintf(&r.sb, ", %s AS %s", expr, quoteIdent(computed))
	case plan.Nearby != nil:
		if r.d.Haversine == nil {
			return &engine.UnsupportedOperationError{Engine: r.d.Name, Op: "geo distance"}
		}
		nb := plan.Nearby
		expr := r.d.Haversine(
			quoteIdent(nb.Config.LatColumn), quoteIdent(nb.Config.LonColumn),
			r.bind(nb.Lat), r.bind(nb.Lon),
		)
		fmt.Fprintf(&r.sb, ", %s AS %s", expr, quoteIdent(computed))
	}

	r.sb.WriteString(" FROM ")
	r.sb.WriteString(quoteIdent(plan.Relation))

	where, err := r.renderWhere(plan)
	if err != nil {
		return err
	}
	if where != "" {
		r.sb.WriteString(" WHERE ")
		r.sb.WriteString(where)
	}

	switch {
	case plan.Search != nil:
		fmt.Fprintf(&r.sb, ") AS q WHERE %s IS NOT NULL ORDER BY %s DESC",
			quoteIdent(computed), quoteIdent(computed))
	case plan.Nearby != nil:
		fmt.Fprintf(&r.sb, ") AS q WHERE %s <= %s ORDER BY %s ASC",
			quoteIdent(computed), r.bind(plan.Nearby.MaxMeters), quoteIdent(computed))
	case len(plan.Order) > 0:
		r.sb.WriteString(" ORDER BY ")
		for i, oc := range plan.Order {
			if i > 0 {
				r.sb.WriteString(", ")
			}
			r.sb.WriteString(quoteIdent(oc.Name))
			if oc.Desc {
				r.sb.WriteString(" DESC")
			}
		}
	}

	if plan.Limit >= 0 {
		fmt.Fprintf(&r.sb, " LIMIT %d", plan.Limit)
	}
	if plan.Offset > 0 {
		fmt.Fprintf(&r.sb, " OFFSET %d", plan.Offset)
	}
	return nil
}

func (r *renderer) renderColumns(cols []query.ColumnRef) error {
	if len(cols) == 0 {
		r.sb.WriteString("*")
		return nil
	}
	for i, c := range cols {
		if i > 0 {
			r.sb.WriteString(", ")
		}
		expr := quoteIdent(c.Name)
		if c.JSONify {
			if r.d.JSONCast == nil {
				return &engine.UnsupportedOperationError{Engine: r.d.Name, Op: "json cast"}
			}
			expr = r.d.JSONCast(expr)
		}
		alias := c.Alias
		if alias == "" && c.JSONify {
			alias = c.Name
		}
		r.sb.WriteString(expr)
		if alias != "" {
			r.sb.WriteString(" AS ")
			r.sb.WriteString(quoteIdent(alias))
		}
	}
	return nil
}

func (r *renderer) searchExpr(sc *query.SearchClause) (string, error) {
	if r.d.SearchScore == nil {
		return "", &engine.UnsupportedOperationError{Engine: r.d.Name, Op: "full-text search"}
	}
	words := strings.Fields(sc.Query)
	terms := make([]string, 0, len(words))
	for _, w := range words {
		terms = append(terms, r.d.SearchScore(r.bind(w)))
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return "(" + strings.Join(terms, " + ") + ")", nil
}

func (r *renderer) renderWhere(plan query.Plan) (string, error) {
	var clauses []string
	for _, p := range plan.Prefilter {
		clauses = append(clauses, r.renderPrune(p))
	}
	if plan.Filter != nil {
		c, err := r.renderExpr(plan.Filter)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, c)
	}
	return strings.Join(clauses, " AND "), nil
}

func (r *renderer) renderPrune(p query.PrunePredicate) string {
	col := quoteIdent(p.Column)
	if values, ok := p.Value.([]string); ok {
		phs := make([]string, len(values))
		for i, v := range values {
			phs[i] = r.bind(v)
		}
		return fmt.Sprintf("%s %s (%s)", col, strings.ToUpper(string(p.Op)), strings.Join(phs, ", "))
	}
	return fmt.Sprintf("%s %s %s", col, p.Op, r.bind(p.Value))
}

func (r *renderer) renderExpr(e query.Expr) (string, error) {
	switch v := e.(type) {
	case query.Compare:
		return fmt.Sprintf("%s %s %s", quoteIdent(v.Col), v.Op, r.bind(v.Value)), nil
	case query.In:
		if len(v.Values) == 0 {
			return "1 = 0", nil
		}
		phs := make([]string, len(v.Values))
		for i, val := range v.Values {
			phs[i] = r.bind(val)
		}
		op := "IN"
		if v.Negate {
			op = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", quoteIdent(v.Col), op, strings.Join(phs, ", ")), nil
	case query.Between:
		op := "BETWEEN"
		if v.Negate {
			op = "NOT BETWEEN"
		}
		return fmt.Sprintf("%s %s %s AND %s", quoteIdent(v.Col), op, r.bind(v.Lo), r.bind(v.Hi)), nil
	case query.Match:
		pattern := escapeLike(v.Value)
		switch v.Kind {
		case query.MatchStartsWith:
			pattern += "%"
		default:
			pattern = "%" + pattern + "%"
		}
		op := "LIKE"
		if v.Negate {
			op = "NOT LIKE"
		}
		return fmt.Sprintf(`%s %s %s ESCAPE '\'`, quoteIdent(v.Col), op, r.bind(pattern)), nil
	case query.ArrayHas:
		if r.d.ArrayContains == nil {
			return "", &engine.UnsupportedOperationError{Engine: r.d.Name, Op: "array containment filter"}
		}
		return r.d.ArrayContains(quoteIdent(v.Col), r.bind(v.Value)), nil
	case query.Null:
		if v.Negate {
			return quoteIdent(v.Col) + " IS NOT NULL", nil
		}
		return quoteIdent(v.Col) + " IS NULL", nil
	case query.And:
		return r.renderComposite(v.Exprs, " AND ")
	case query.Or:
		return r.renderComposite(v.Exprs, " OR ")
	default:
		return "", fmt.Errorf("unknown expression node %T", e)
	}
}

func (r *renderer) renderComposite(exprs []query.Expr, sep string) (string, error) {
	parts := make([]string, 0, len(exprs))
	for _, sub := range exprs {
		c, err := r.renderExpr(sub)
		if err != nil {
			return "", err
		}
		parts = append(parts, c)
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

// quoteIdent quotes an identifier, keeping schema qualification intact.
func quoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

// LiteralClause renders partition predicates as an escaped literal WHERE
// clause for contexts that cannot bind parameters, view definitions in
// particular. Values are strings by construction.
func LiteralClause(preds []query.PrunePredicate) string {
	clauses := make([]string, 0, len(preds))
	for _, p := range preds {
		col := quoteIdent(p.Column)
		if values, ok := p.Value.([]string); ok {
			lits := make([]string, len(values))
			for i, v := range values {
				lits[i] = quoteString(v)
			}
			clauses = append(clauses, fmt.Sprintf("%s %s (%s)",
				col, strings.ToUpper(string(p.Op)), strings.Join(lits, ", ")))
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s %s %s", col, p.Op, quoteString(fmt.Sprint(p.Value))))
	}
	return strings.Join(clauses, " AND ")
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
