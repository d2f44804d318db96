package duckdb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/engine"
	"github.com/leapstack-labs/leapserve/internal/query"
)

// searchDocID is the synthetic document key the index is built over.
const searchDocID = "__doc_id"

// indexCompatCutover marks the FTS extension storage change. Index files
// persisted before it cannot be attached and are rebuilt.
var indexCompatCutover = time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

// InitSearch attaches the persisted full-text index for a registered
// source, building it first when the cached file is missing or stale.
// The index database holds a snapshot of the source's rows keyed by a
// synthetic document id.
func (e *Engine) InitSearch(ctx context.Context, name string, cfg *config.SearchConfig, modTime time.Time) error {
	state, ok := e.sources[name]
	if !ok {
		return &engine.ExecutionError{Engine: "duckdb", Err: fmt.Errorf("source %s not registered", name)}
	}
	if state.searchRelation != "" {
		return nil
	}

	indexPath := filepath.Join(e.cacheDir, "fts_"+sanitizeIdent(name)+".duckdb")
	if !e.indexUsable(indexPath, modTime) {
		if err := e.buildIndex(ctx, name, state.scan, cfg, indexPath); err != nil {
			return err
		}
	}

	attach := "fts_" + sanitizeIdent(name)
	stmt := fmt.Sprintf("ATTACH '%s' AS %q (READ_ONLY)", escapeString(indexPath), attach)
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return &engine.ExecutionError{Engine: "duckdb", Err: fmt.Errorf("attaching search index for %s: %w", name, err)}
	}

	cols, err := e.relationColumns(ctx, fmt.Sprintf("%q.docs", attach))
	if err != nil {
		return &engine.ExecutionError{Engine: "duckdb", Err: fmt.Errorf("describing search index for %s: %w", name, err)}
	}

	state.searchRelation = attach + ".docs"
	state.searchSchema = fmt.Sprintf("%q.fts_main_docs", attach)
	state.docIDColumn = searchDocID
	state.docColumns = searchProjection(cols)
	return nil
}

// relationColumns lists a relation's column names without reading rows.
func (e *Engine) relationColumns(ctx context.Context, relation string) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", relation))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return rows.Columns()
}

// searchProjection maps snapshot columns to a full projection with the
// synthetic document id hidden.
func searchProjection(cols []string) []query.ColumnRef {
	out := make([]query.ColumnRef, 0, len(cols))
	for _, c := range cols {
		if c == searchDocID {
			continue
		}
		out = append(out, query.ColumnRef{Name: c})
	}
	return out
}

// indexUsable reports whether a cached index file can serve the source as
// it exists now.
func (e *Engine) indexUsable(indexPath string, sourceModTime time.Time) bool {
	info, err := os.Stat(indexPath)
	if err != nil {
		return false
	}
	if info.ModTime().Before(indexCompatCutover) {
		e.logger.Info("discarding incompatible search index", slog.String("path", indexPath))
		return false
	}
	if !sourceModTime.IsZero() && info.ModTime().Before(sourceModTime) {
		e.logger.Info("search index older than source, rebuilding", slog.String("path", indexPath))
		return false
	}
	return true
}

// buildIndex snapshots the source into a fresh database file and indexes
// the configured columns. The snapshot reads the raw source scan, not the
// registered view: the view carries this request's prefilter, and a
// persisted index must cover every row of the source. The file is
// produced under a unique temporary name and moved into place, so
// concurrent builders never observe a half-written index.
func (e *Engine) buildIndex(ctx context.Context, name, scan string, cfg *config.SearchConfig, indexPath string) error {
	if err := e.loadExtension(ctx, "fts"); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return fmt.Errorf("creating index cache dir: %w", err)
	}

	tmpPath := indexPath + "." + uuid.NewString() + ".tmp"
	defer os.Remove(tmpPath)

	build := indexBuildStatements(tmpPath, scan, cfg)
	start := time.Now()
	for _, stmt := range build {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			_, _ = e.db.ExecContext(ctx, "DETACH idx_build")
			return &engine.ExecutionError{Engine: "duckdb", Err: fmt.Errorf("building search index for %s: %w", name, err)}
		}
	}

	if err := os.Rename(tmpPath, indexPath); err != nil {
		return fmt.Errorf("publishing search index: %w", err)
	}
	e.logger.Info("built search index",
		slog.String("source", name),
		slog.Int("columns", len(cfg.Columns)),
		slog.Duration("took", time.Since(start)))
	return nil
}

// indexBuildStatements produces the statement sequence that materializes
// and indexes the docs snapshot inside the temporary database file.
func indexBuildStatements(tmpPath, scan string, cfg *config.SearchConfig) []string {
	return []string{
		fmt.Sprintf("ATTACH '%s' AS idx_build", escapeString(tmpPath)),
		fmt.Sprintf("CREATE TABLE idx_build.docs AS SELECT row_number() OVER () AS %q, * FROM %s", searchDocID, scan),
		fmt.Sprintf("PRAGMA create_fts_index('idx_build.docs', '%s', %s, overwrite = 1)",
			searchDocID, columnLiterals(cfg.Columns)),
		"DETACH idx_build",
	}
}

func columnLiterals(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = "'" + escapeString(c) + "'"
	}
	return strings.Join(quoted, ", ")
}
