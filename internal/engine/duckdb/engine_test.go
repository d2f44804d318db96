package duckdb

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/engine"
	"github.com/leapstack-labs/leapserve/internal/engine/sqlgen"
	"github.com/leapstack-labs/leapserve/internal/query"
	"github.com/leapstack-labs/leapserve/internal/source"
)

func TestScanExpr(t *testing.T) {
	tests := []struct {
		name   string
		loc    *source.Location
		format config.Format
		want   string
	}{
		{
			name:   "single parquet file",
			loc:    &source.Location{URI: "/data/trips.parquet"},
			format: config.FormatParquet,
			want:   "read_parquet('/data/trips.parquet')",
		},
		{
			name:   "parquet dataset dir",
			loc:    &source.Location{URI: "/data/trips"},
			format: config.FormatParquet,
			want:   "read_parquet('/data/trips/**/*.parquet', hive_partitioning = true)",
		},
		{
			name:   "delta table",
			loc:    &source.Location{URI: "abfss://lake@acct.dfs.core.windows.net/trips"},
			format: config.FormatDelta,
			want:   "delta_scan('abfss://lake@acct.dfs.core.windows.net/trips')",
		},
		{
			name:   "csv",
			loc:    &source.Location{URI: "/data/trips.csv"},
			format: config.FormatCSV,
			want:   "read_csv_auto('/data/trips.csv')",
		},
		{
			name:   "json",
			loc:    &source.Location{URI: "/data/trips.json"},
			format: config.FormatJSON,
			want:   "read_json_auto('/data/trips.json')",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := scanExpr(tt.loc, tt.format)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScanExprRejectsDatabaseFormats(t *testing.T) {
	_, err := scanExpr(&source.Location{URI: "x"}, config.FormatPostgres)

	var unsupported *engine.UnsupportedOperationError
	require.ErrorAs(t, err, &unsupported)
}

func TestScanExprEscapesQuotes(t *testing.T) {
	got, err := scanExpr(&source.Location{URI: "/data/o'brien.csv"}, config.FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, "read_csv_auto('/data/o''brien.csv')", got)
}

func TestSanitizeIdent(t *testing.T) {
	assert.Equal(t, "trips_2024", sanitizeIdent("trips-2024"))
	assert.Equal(t, "a_b_c", sanitizeIdent("a.b/c"))
}

func TestIndexUsable(t *testing.T) {
	e := &Engine{logger: slog.New(slog.DiscardHandler)}
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "fts_trips.duckdb")

	assert.False(t, e.indexUsable(indexPath, time.Time{}), "missing file")

	require.NoError(t, os.WriteFile(indexPath, []byte("x"), 0o644))
	assert.True(t, e.indexUsable(indexPath, time.Time{}), "fresh file, unknown source time")

	assert.True(t, e.indexUsable(indexPath, time.Now().Add(-time.Hour)), "newer than source")
	assert.False(t, e.indexUsable(indexPath, time.Now().Add(time.Hour)), "older than source")

	old := indexCompatCutover.Add(-24 * time.Hour)
	require.NoError(t, os.Chtimes(indexPath, old, old))
	assert.False(t, e.indexUsable(indexPath, time.Time{}), "predates storage cutover")
}

func TestIndexBuildStatementsSnapshotRawScan(t *testing.T) {
	scan := "read_parquet('/data/people/**/*.parquet', hive_partitioning = true)"
	stmts := indexBuildStatements("/cache/fts_people.duckdb.x.tmp", scan,
		&config.SearchConfig{Columns: []string{"name", "bio"}})

	require.Len(t, stmts, 4)
	assert.Equal(t, "ATTACH '/cache/fts_people.duckdb.x.tmp' AS idx_build", stmts[0])
	// The snapshot reads the full source scan; the registered view may
	// carry a request's partition prefilter and must never feed a
	// persisted index.
	assert.Equal(t,
		`CREATE TABLE idx_build.docs AS SELECT row_number() OVER () AS "__doc_id", * FROM `+scan,
		stmts[1])
	assert.Equal(t,
		`PRAGMA create_fts_index('idx_build.docs', '__doc_id', 'name', 'bio', overwrite = 1)`,
		stmts[2])
	assert.Equal(t, "DETACH idx_build", stmts[3])
}

func TestSearchProjectionHidesDocID(t *testing.T) {
	cols := searchProjection([]string{"__doc_id", "name", "bio"})
	assert.Equal(t, []query.ColumnRef{{Name: "name"}, {Name: "bio"}}, cols)
}

func TestSearchRewriteRelevanceSQL(t *testing.T) {
	state := &sourceState{
		searchRelation: "fts_people.docs",
		searchSchema:   `"fts_people".fts_main_docs`,
		docIDColumn:    searchDocID,
		docColumns:     searchProjection([]string{"__doc_id", "name", "bio"}),
	}
	plan := query.Plan{
		Relation:  "people",
		Prefilter: []query.PrunePredicate{{Column: "city", Op: config.OpEq, Value: "delft"}},
		Search: &query.SearchClause{
			Query:  "karen smith",
			Config: config.SearchConfig{Columns: []string{"name", "bio"}},
		},
		Limit: 100,
	}

	d := (&Engine{}).dialect()
	searchRewrite(&d, &plan, state)

	// The snapshot holds the whole source, so the partition prefilter
	// re-applies inside the subquery.
	sqlText, args, err := sqlgen.Render(d, plan)
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT * FROM (SELECT "name", "bio", `+
			`("fts_people".fts_main_docs.match_bm25("__doc_id", ?) + "fts_people".fts_main_docs.match_bm25("__doc_id", ?)) AS "search_score" `+
			`FROM "fts_people"."docs" WHERE "city" = ?) AS q WHERE "search_score" IS NOT NULL ORDER BY "search_score" DESC LIMIT 100`,
		sqlText)
	assert.Equal(t, []any{"karen", "smith", "delft"}, args)
}

func TestSearchRewriteKeepsExplicitProjection(t *testing.T) {
	state := &sourceState{
		searchRelation: "fts_people.docs",
		searchSchema:   `"fts_people".fts_main_docs`,
		docIDColumn:    searchDocID,
		docColumns:     searchProjection([]string{"__doc_id", "name", "bio"}),
	}
	plan := query.Plan{
		Relation: "people",
		Columns:  []query.ColumnRef{{Name: "name"}},
		Search:   &query.SearchClause{Query: "karen", Config: config.SearchConfig{Columns: []string{"name"}}},
		Limit:    -1,
	}

	d := (&Engine{}).dialect()
	searchRewrite(&d, &plan, state)

	assert.Equal(t, "fts_people.docs", plan.Relation)
	assert.Equal(t, []query.ColumnRef{{Name: "name"}}, plan.Columns)
}
