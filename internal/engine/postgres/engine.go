// Package postgres provides the remote PostgreSQL execution engine.
// Sources map straight onto existing tables; no views or local state are
// created on the server.
//
// Import this package with a blank identifier to register the engine:
//
//	import _ "github.com/leapstack-labs/leapserve/internal/engine/postgres"
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/engine"
	"github.com/leapstack-labs/leapserve/internal/engine/sqlgen"
	"github.com/leapstack-labs/leapserve/internal/query"
	"github.com/leapstack-labs/leapserve/internal/source"
)

func init() {
	engine.Register("postgres", func(opts engine.Options) (engine.Context, error) {
		return New(opts)
	})
}

// Connection pools are shared across sessions keyed by DSN. A session
// Close never tears a pool down.
var (
	poolMu sync.Mutex
	pools  = make(map[string]*sql.DB)
)

func poolFor(dsn string) (*sql.DB, error) {
	poolMu.Lock()
	defer poolMu.Unlock()
	if db, ok := pools[dsn]; ok {
		return db, nil
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	pools[dsn] = db
	return db, nil
}

// Engine is one request-scoped view over a pooled PostgreSQL connection.
type Engine struct {
	db     *sql.DB
	logger *slog.Logger

	relations map[string]bool
}

func New(opts engine.Options) (*Engine, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("postgres engine requires a connection string")
	}
	db, err := poolFor(opts.DSN)
	if err != nil {
		return nil, err
	}
	return NewWithDB(db, opts.Logger), nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sql.DB, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{db: db, logger: logger, relations: make(map[string]bool)}
}

func (e *Engine) Name() string { return "postgres" }

func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		JSONCast:    true,
		GeoDistance: true,
	}
}

// RegisterSource records the relation target. The table already exists on
// the remote server, so nothing is created.
func (e *Engine) RegisterSource(ctx context.Context, name string, loc *source.Location, format config.Format, prefilter []query.PrunePredicate, limit int64) error {
	if format != config.FormatPostgres {
		return &engine.UnsupportedOperationError{Engine: "postgres", Op: "format " + string(format)}
	}
	e.relations[name] = true
	return nil
}

func (e *Engine) Execute(ctx context.Context, plan query.Plan) (engine.Result, error) {
	if err := engine.CheckPlan("postgres", e.Capabilities(), plan); err != nil {
		return nil, err
	}
	if !e.relations[plan.Relation] {
		return nil, &engine.ExecutionError{Engine: "postgres",
			Err: fmt.Errorf("relation %s not registered", plan.Relation)}
	}

	sqlText, args, err := sqlgen.Render(dialect(), plan)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("executing postgres query", slog.String("sql", sqlText))

	rows, err := e.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, &engine.ExecutionError{Engine: "postgres", Err: err}
	}
	return engine.NewRowsResult(rows)
}

func (e *Engine) InitSearch(context.Context, string, *config.SearchConfig, time.Time) error {
	return &engine.UnsupportedOperationError{Engine: "postgres", Op: "full-text search"}
}

// Close releases the session. The underlying pool stays open for reuse.
func (e *Engine) Close() error {
	return nil
}

func dialect() sqlgen.Dialect {
	return sqlgen.Dialect{
		Name:               "postgres",
		DollarPlaceholders: true,
		ArrayContains: func(col, ph string) string {
			return fmt.Sprintf("%s = ANY(%s)", ph, col)
		},
		JSONCast: func(col string) string {
			return fmt.Sprintf("to_json(%s)::text", col)
		},
		// Spherical law of cosines. Numbered placeholders may repeat, so
		// the bound point appears on both sides of the product.
		Haversine: func(latCol, lonCol, latPh, lonPh string) string {
			return fmt.Sprintf(
				"6371000.0 * acos(least(1.0, "+
					"cos(radians(%[1]s)) * cos(radians(%[3]s)) * cos(radians(%[4]s) - radians(%[2]s)) + "+
					"sin(radians(%[1]s)) * sin(radians(%[3]s))))",
				latPh, lonPh, latCol, lonCol)
		},
	}
}

var _ engine.Context = (*Engine)(nil)
