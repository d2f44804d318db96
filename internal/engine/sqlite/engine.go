// Package sqlite provides the SQLite execution engine for sqlite-backed
// datasources and the process-wide scratch database behind the ad-hoc SQL
// endpoint.
//
// Import this package with a blank identifier to register the engine:
//
//	import _ "github.com/leapstack-labs/leapserve/internal/engine/sqlite"
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // sqlite driver

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/engine"
	"github.com/leapstack-labs/leapserve/internal/engine/sqlgen"
	"github.com/leapstack-labs/leapserve/internal/query"
	"github.com/leapstack-labs/leapserve/internal/source"
)

func init() {
	engine.Register("sqlite", func(opts engine.Options) (engine.Context, error) {
		return New(opts)
	})
}

// Engine is one request-scoped SQLite session. Source database files are
// attached read-only and exposed through temporary views.
type Engine struct {
	db     *sql.DB
	logger *slog.Logger

	attached map[string]bool
}

// New opens a scratch session. Path is normally empty; sources attach later.
func New(opts engine.Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	path := opts.Path
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite connection: %w", err)
	}
	// ATTACH state is per connection, so the session must stay on one.
	db.SetMaxOpenConns(1)

	return &Engine{db: db, logger: logger, attached: make(map[string]bool)}, nil
}

func (e *Engine) Name() string { return "sqlite" }

func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		ViewCreation: true,
		JSONCast:     true,
	}
}

// RegisterSource attaches the database file and aliases the table through
// a temporary view so plans address it by bare relation name.
func (e *Engine) RegisterSource(ctx context.Context, name string, loc *source.Location, format config.Format, prefilter []query.PrunePredicate, limit int64) error {
	if format != config.FormatSQLite {
		return &engine.UnsupportedOperationError{Engine: "sqlite", Op: "format " + string(format)}
	}
	if loc.Path == "" {
		return &engine.ExecutionError{Engine: "sqlite", Err: fmt.Errorf("source %s has no local database file", name)}
	}

	schema := "src_" + sanitizeIdent(name)
	if !e.attached[schema] {
		stmt := fmt.Sprintf("ATTACH DATABASE '%s' AS %q", strings.ReplaceAll(loc.Path, "'", "''"), schema)
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return &engine.ExecutionError{Engine: "sqlite", Err: fmt.Errorf("attaching source %s: %w", name, err)}
		}
		e.attached[schema] = true
	}

	var ddl strings.Builder
	fmt.Fprintf(&ddl, "CREATE TEMP VIEW IF NOT EXISTS %q AS SELECT * FROM %q.%q", name, schema, name)
	if limit >= 0 {
		fmt.Fprintf(&ddl, " LIMIT %d", limit)
	}
	if _, err := e.db.ExecContext(ctx, ddl.String()); err != nil {
		return &engine.ExecutionError{Engine: "sqlite", Err: fmt.Errorf("registering source %s: %w", name, err)}
	}

	e.logger.Debug("registered sqlite view", slog.String("source", name))
	return nil
}

func (e *Engine) Execute(ctx context.Context, plan query.Plan) (engine.Result, error) {
	if err := engine.CheckPlan("sqlite", e.Capabilities(), plan); err != nil {
		return nil, err
	}

	sqlText, args, err := sqlgen.Render(dialect(), plan)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("executing sqlite query", slog.String("sql", sqlText))

	rows, err := e.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, &engine.ExecutionError{Engine: "sqlite", Err: err}
	}
	return engine.NewRowsResult(rows)
}

func (e *Engine) InitSearch(context.Context, string, *config.SearchConfig, time.Time) error {
	return &engine.UnsupportedOperationError{Engine: "sqlite", Op: "full-text search"}
}

func (e *Engine) Close() error {
	return e.db.Close()
}

func dialect() sqlgen.Dialect {
	return sqlgen.Dialect{
		Name: "sqlite",
		JSONCast: func(col string) string {
			return fmt.Sprintf("json_quote(%s)", col)
		},
	}
}

func sanitizeIdent(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

var _ engine.Context = (*Engine)(nil)
