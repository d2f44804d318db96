package query

import (
	"fmt"

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/meta"
)

// DefaultLimit caps result sets when the request leaves the limit unset
// or asks for unbounded results without the table allowing it.
const DefaultLimit = 1000

// EarthRadiusMeters is the haversine Earth radius.
const EarthRadiusMeters = 6371000.0

// distinctColumnCeiling bounds the projection width distinct may apply to.
const distinctColumnCeiling = 3

// ColumnRef is one projected column.
type ColumnRef struct {
	Name  string
	Alias string

	// JSONify renders a nested column through the engine's JSON cast.
	JSONify bool
}

// SearchClause switches the plan into relevance mode: a score column per
// engine-specific full-text scoring, ordered descending, NULL-filtered.
type SearchClause struct {
	Query  string
	Config config.SearchConfig
}

// NearbyClause attaches a computed great-circle distance column, filters
// rows within MaxMeters, and orders ascending by distance.
type NearbyClause struct {
	Lat, Lon  float64
	MaxMeters float64
	Config    config.NearbyConfig
}

// Plan is the backend-agnostic composition of one query. It stays
// abstract until an execution engine renders it.
type Plan struct {
	Relation string

	// Columns empty means full projection.
	Columns []ColumnRef

	Prefilter []PrunePredicate
	Filter    Expr

	Search *SearchClause
	Nearby *NearbyClause
	Order  []config.OrderColumn

	Distinct bool

	// Limit -1 means unbounded.
	Limit  int64
	Offset int64
}

// PlanRequest carries the request-level plan inputs parsed by the HTTP
// layer.
type PlanRequest struct {
	Params map[string]any

	// Limit nil means unset; -1 requests all rows.
	Limit  *int64
	Offset int64

	Distinct bool

	// Select restricts the projection to the named columns ($select).
	Select []string

	// JSONifyComplex forces nested columns through the engine JSON cast;
	// FlatFormat marks response formats that cannot carry nested types.
	JSONifyComplex bool
	FlatFormat     bool

	SearchQuery string

	Lat, Lon  *float64
	DistanceM *float64
}

// BuildPlan assembles the final query for a datasource.
func BuildPlan(ds *config.Datasource, m *meta.Metadata, filter Expr, prefilter []PrunePredicate, req PlanRequest) (Plan, error) {
	plan := Plan{
		Relation:  ds.RelationName(),
		Prefilter: prefilter,
		Filter:    filter,
	}

	columns, err := projectColumns(ds, m, req)
	if err != nil {
		return Plan{}, err
	}
	plan.Columns = columns

	switch {
	case searchActive(ds, req):
		// Relevance mode discards any configured static sort order.
		plan.Search = &SearchClause{Query: req.SearchQuery, Config: *ds.Search}
	case nearbyActive(ds, req):
		plan.Nearby = &NearbyClause{
			Lat:       *req.Lat,
			Lon:       *req.Lon,
			MaxMeters: *req.DistanceM,
			Config:    ds.Nearby[0],
		}
	default:
		plan.Order = ds.OrderBy
	}

	if req.Distinct {
		width := len(plan.Columns)
		if width == 0 && m != meta.None {
			width = len(m.Fields)
		}
		if width == 0 || width > distinctColumnCeiling {
			return Plan{}, &ValidationError{
				Msg: fmt.Sprintf("distinct requires between 1 and %d selected columns", distinctColumnCeiling),
			}
		}
		plan.Distinct = true
	}

	plan.Limit, plan.Offset = resolvePaging(ds, req)
	return plan, nil
}

func searchActive(ds *config.Datasource, req PlanRequest) bool {
	return ds.Search != nil && len(req.SearchQuery) >= ds.Search.MinLength
}

func nearbyActive(ds *config.Datasource, req PlanRequest) bool {
	return len(ds.Nearby) > 0 && req.Lat != nil && req.Lon != nil && req.DistanceM != nil
}

// projectColumns applies the static selection, exclusion and aliasing, an
// optional $select restriction, and JSON-ification of nested columns.
func projectColumns(ds *config.Datasource, m *meta.Metadata, req PlanRequest) ([]ColumnRef, error) {
	var columns []ColumnRef
	switch {
	case len(ds.Select) > 0:
		for _, sc := range ds.Select {
			columns = append(columns, ColumnRef{Name: sc.Name, Alias: sc.Alias})
		}
	case m != meta.None:
		excluded := make(map[string]struct{}, len(ds.Exclude))
		for _, e := range ds.Exclude {
			excluded[e] = struct{}{}
		}
		for _, f := range m.Fields {
			if meta.HiddenColumn(f.Name) {
				continue
			}
			if _, ok := excluded[f.Name]; ok {
				continue
			}
			columns = append(columns, ColumnRef{Name: f.Name})
		}
	default:
		// Schema unknown here; the engine projects everything.
	}

	if len(req.Select) > 0 {
		if len(columns) == 0 {
			for _, name := range req.Select {
				columns = append(columns, ColumnRef{Name: name})
			}
		} else {
			wanted := make(map[string]struct{}, len(req.Select))
			for _, name := range req.Select {
				wanted[name] = struct{}{}
			}
			kept := columns[:0]
			for _, c := range columns {
				key := c.Name
				if c.Alias != "" {
					key = c.Alias
				}
				if _, ok := wanted[key]; ok {
					kept = append(kept, c)
				}
			}
			if len(kept) == 0 {
				return nil, &ValidationError{Msg: "selection matches no columns"}
			}
			columns = kept
		}
	}

	if (req.FlatFormat || req.JSONifyComplex) && m != meta.None {
		for i := range columns {
			if f, ok := m.Lookup(columns[i].Name); ok && f.Type.Kind != meta.KindPrimitive {
				columns[i].JSONify = true
			}
		}
	}

	return columns, nil
}

func resolvePaging(ds *config.Datasource, req PlanRequest) (limit, offset int64) {
	offset = req.Offset
	if offset < 0 {
		offset = 0
	}

	switch {
	case req.Limit == nil:
		return DefaultLimit, offset
	case *req.Limit == -1:
		if ds.AllowAllPages {
			return -1, offset
		}
		return DefaultLimit, offset
	case *req.Limit <= 0:
		return DefaultLimit, offset
	default:
		return *req.Limit, offset
	}
}
