// Package duckdb provides the embedded DuckDB execution engine. It is the
// default engine for file-backed formats: sources become lazily scanned
// views and every optional capability except Arrow export is available.
//
// Import this package with a blank identifier to register the engine:
//
//	import _ "github.com/leapstack-labs/leapserve/internal/engine/duckdb"
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/engine"
	"github.com/leapstack-labs/leapserve/internal/engine/sqlgen"
	"github.com/leapstack-labs/leapserve/internal/query"
	"github.com/leapstack-labs/leapserve/internal/source"
)

func init() {
	engine.Register("duckdb", func(opts engine.Options) (engine.Context, error) {
		return New(opts)
	})
}

// haversineMacro computes great-circle distance in meters. Registered
// once per session so rendered SQL stays short.
const haversineMacro = `CREATE OR REPLACE MACRO haversine(lat1, lon1, lat2, lon2) AS ` +
	`6371000.0 * 2 * asin(sqrt(` +
	`pow(sin(radians(lat2 - lat1) / 2), 2) + ` +
	`cos(radians(lat1)) * cos(radians(lat2)) * pow(sin(radians(lon2 - lon1) / 2), 2)))`

type sourceState struct {
	format config.Format

	// scan is the raw reader call over the full source. The registered
	// view narrows it with request prefilters; anything persisted across
	// requests must snapshot from scan, never from the view.
	scan string

	// searchRelation and searchSchema are set once InitSearch attached a
	// full-text index for the source.
	searchRelation string
	searchSchema   string
	docIDColumn    string
	docColumns     []query.ColumnRef
}

// Engine is one request-scoped in-memory DuckDB session.
type Engine struct {
	db       *sql.DB
	logger   *slog.Logger
	cacheDir string

	sources    map[string]*sourceState
	extensions map[string]bool
}

// New opens an in-memory session and installs the distance macro.
func New(opts engine.Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	db, err := sql.Open("duckdb", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb connection: %w", err)
	}

	e := &Engine{
		db:         db,
		logger:     logger,
		cacheDir:   opts.CacheDir,
		sources:    make(map[string]*sourceState),
		extensions: make(map[string]bool),
	}

	if _, err := db.Exec(haversineMacro); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to register haversine macro: %w", err)
	}
	return e, nil
}

func (e *Engine) Name() string { return "duckdb" }

func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		ViewCreation:   true,
		JSONCast:       true,
		FullTextSearch: true,
		GeoDistance:    true,
	}
}

// RegisterSource creates a view over the source's native scan function.
// The prefilter and limit fold into the view definition so every query
// against the view starts from the reduced scan.
func (e *Engine) RegisterSource(ctx context.Context, name string, loc *source.Location, format config.Format, prefilter []query.PrunePredicate, limit int64) error {
	if err := e.prepareAccess(ctx, name, loc, format); err != nil {
		return err
	}

	scan, err := scanExpr(loc, format)
	if err != nil {
		return err
	}

	var ddl strings.Builder
	fmt.Fprintf(&ddl, "CREATE OR REPLACE VIEW %q AS SELECT * FROM %s", name, scan)
	if clause := sqlgen.LiteralClause(prefilter); clause != "" {
		ddl.WriteString(" WHERE ")
		ddl.WriteString(clause)
	}
	if limit >= 0 {
		fmt.Fprintf(&ddl, " LIMIT %d", limit)
	}

	if _, err := e.db.ExecContext(ctx, ddl.String()); err != nil {
		return &engine.ExecutionError{Engine: "duckdb", Err: fmt.Errorf("registering source %s: %w", name, err)}
	}

	e.sources[name] = &sourceState{format: format, scan: scan}
	e.logger.Debug("registered duckdb view",
		slog.String("source", name),
		slog.String("format", string(format)),
		slog.Int("prefilter_predicates", len(prefilter)))
	return nil
}

// scanExpr maps a format to DuckDB's native reader call.
func scanExpr(loc *source.Location, format config.Format) (string, error) {
	uri := escapeString(loc.URI)
	switch format {
	case config.FormatParquet:
		if strings.HasSuffix(loc.URI, ".parquet") {
			return fmt.Sprintf("read_parquet('%s')", uri), nil
		}
		return fmt.Sprintf("read_parquet('%s/**/*.parquet', hive_partitioning = true)", uri), nil
	case config.FormatDelta:
		return fmt.Sprintf("delta_scan('%s')", uri), nil
	case config.FormatCSV:
		return fmt.Sprintf("read_csv_auto('%s')", uri), nil
	case config.FormatJSON:
		return fmt.Sprintf("read_json_auto('%s')", uri), nil
	default:
		return "", &engine.UnsupportedOperationError{Engine: "duckdb", Op: "format " + string(format)}
	}
}

// prepareAccess loads the extensions and credentials the source needs.
func (e *Engine) prepareAccess(ctx context.Context, name string, loc *source.Location, format config.Format) error {
	if format == config.FormatDelta {
		if err := e.loadExtension(ctx, "delta"); err != nil {
			return err
		}
	}
	if !loc.Remote() {
		return nil
	}

	switch loc.Scheme {
	case "abfss":
		if err := e.loadExtension(ctx, "azure"); err != nil {
			return err
		}
		if acct := loc.Options["azure_account_name"]; acct != "" {
			conn := fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;EndpointSuffix=core.windows.net",
				acct, loc.Options["azure_account_key"])
			return e.createSecret(ctx, name, fmt.Sprintf("TYPE azure, CONNECTION_STRING '%s'", escapeString(conn)))
		}
	case "s3":
		if err := e.loadExtension(ctx, "httpfs"); err != nil {
			return err
		}
		if keyID := loc.Options["s3_key_id"]; keyID != "" {
			def := fmt.Sprintf("TYPE s3, KEY_ID '%s', SECRET '%s'",
				escapeString(keyID), escapeString(loc.Options["s3_secret"]))
			if ep := loc.Options["s3_endpoint"]; ep != "" {
				def += fmt.Sprintf(", ENDPOINT '%s'", escapeString(ep))
			}
			return e.createSecret(ctx, name, def)
		}
	case "https":
		return e.loadExtension(ctx, "httpfs")
	}
	return nil
}

func (e *Engine) loadExtension(ctx context.Context, ext string) error {
	if e.extensions[ext] {
		return nil
	}
	for _, stmt := range []string{"INSTALL " + ext, "LOAD " + ext} {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return &engine.ExecutionError{Engine: "duckdb", Err: fmt.Errorf("loading extension %s: %w", ext, err)}
		}
	}
	e.extensions[ext] = true
	return nil
}

func (e *Engine) createSecret(ctx context.Context, name, definition string) error {
	stmt := fmt.Sprintf("CREATE OR REPLACE SECRET secret_%s (%s)", sanitizeIdent(name), definition)
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		// The failing statement carries credentials and is never logged.
		return &engine.ExecutionError{Engine: "duckdb", Err: fmt.Errorf("creating storage secret for %s", name)}
	}
	return nil
}

// Execute renders and runs a plan against the session.
func (e *Engine) Execute(ctx context.Context, plan query.Plan) (engine.Result, error) {
	if err := engine.CheckPlan("duckdb", e.Capabilities(), plan); err != nil {
		return nil, err
	}

	d := e.dialect()
	if plan.Search != nil {
		state := e.sources[plan.Relation]
		if state == nil || state.searchRelation == "" {
			return nil, &engine.ExecutionError{Engine: "duckdb",
				Err: fmt.Errorf("no full-text index initialized for %s", plan.Relation)}
		}
		// The docs snapshot covers the full source; the prefilter stays
		// on the plan and re-applies there.
		searchRewrite(&d, &plan, state)
	} else {
		// The view already applies the prefilter.
		plan.Prefilter = nil
	}

	sqlText, args, err := sqlgen.Render(d, plan)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("executing duckdb query", slog.String("sql", sqlText))

	rows, err := e.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, &engine.ExecutionError{Engine: "duckdb", Err: err}
	}
	return engine.NewRowsResult(rows)
}

// searchRewrite points the plan at the indexed snapshot and wires the
// bm25 scorer into the dialect. A full projection expands to the
// snapshot's columns so the synthetic document id never surfaces.
func searchRewrite(d *sqlgen.Dialect, plan *query.Plan, state *sourceState) {
	docID := state.docIDColumn
	schema := state.searchSchema
	d.SearchScore = func(ph string) string {
		return fmt.Sprintf("%s.match_bm25(%q, %s)", schema, docID, ph)
	}
	plan.Relation = state.searchRelation
	if len(plan.Columns) == 0 {
		plan.Columns = state.docColumns
	}
}

func (e *Engine) dialect() sqlgen.Dialect {
	return sqlgen.Dialect{
		Name: "duckdb",
		ArrayContains: func(col, ph string) string {
			return fmt.Sprintf("list_contains(%s, %s)", col, ph)
		},
		JSONCast: func(col string) string {
			return fmt.Sprintf("CAST(to_json(%s) AS VARCHAR)", col)
		},
		Haversine: func(latCol, lonCol, latPh, lonPh string) string {
			return fmt.Sprintf("haversine(%s, %s, %s, %s)", latPh, lonPh, latCol, lonCol)
		},
	}
}

func (e *Engine) Close() error {
	return e.db.Close()
}

func escapeString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// sanitizeIdent keeps secret names within DuckDB identifier rules.
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
