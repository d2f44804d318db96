package frame

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/segmentio/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/engine"
	"github.com/leapstack-labs/leapserve/internal/query"
	"github.com/leapstack-labs/leapserve/internal/source"
)

type stationRow struct {
	Name string  `parquet:"name"`
	Lat  float64 `parquet:"lat"`
	Lon  float64 `parquet:"lon"`
	Bays int64   `parquet:"bays"`
}

func writeParquetFile(t *testing.T, path string, rows []stationRow) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	w := parquet.NewWriter(f)
	for i := range rows {
		require.NoError(t, w.Write(&rows[i]))
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func localLocation(path string) *source.Location {
	return &source.Location{URI: path, Path: path, Scheme: "file"}
}

func registerStations(t *testing.T, e *Engine, root string, prefilter []query.PrunePredicate) {
	t.Helper()
	err := e.RegisterSource(context.Background(), "stations", localLocation(root), config.FormatParquet, prefilter, -1)
	require.NoError(t, err)
}

func stationsFixture(t *testing.T) string {
	root := t.TempDir()
	writeParquetFile(t, filepath.Join(root, "city=delft", "part-0.parquet"), []stationRow{
		{Name: "station", Lat: 52.01, Lon: 4.36, Bays: 12},
		{Name: "market", Lat: 52.012, Lon: 4.359, Bays: 4},
	})
	writeParquetFile(t, filepath.Join(root, "city=leiden", "part-0.parquet"), []stationRow{
		{Name: "centraal", Lat: 52.166, Lon: 4.482, Bays: 30},
	})
	return root
}

func TestExecuteFilterOrderAndPaging(t *testing.T) {
	e := New(engine.Options{})
	registerStations(t, e, stationsFixture(t), nil)

	res, err := e.Execute(context.Background(), query.Plan{
		Relation: "stations",
		Columns:  []query.ColumnRef{{Name: "name"}, {Name: "bays"}},
		Filter:   query.Compare{Col: "bays", Op: query.CmpGte, Value: 5},
		Order:    []config.OrderColumn{{Name: "bays", Desc: true}},
		Limit:    10,
	})
	require.NoError(t, err)

	rows, err := res.Rows()
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "bays"}, res.Columns())
	assert.Equal(t, [][]any{{"centraal", int64(30)}, {"station", int64(12)}}, rows)
}

func TestPartitionColumnsBecomeFields(t *testing.T) {
	e := New(engine.Options{})
	registerStations(t, e, stationsFixture(t), nil)

	res, err := e.Execute(context.Background(), query.Plan{
		Relation: "stations",
		Columns:  []query.ColumnRef{{Name: "name"}, {Name: "city"}},
		Filter:   query.Compare{Col: "city", Op: query.CmpEq, Value: "leiden"},
		Limit:    -1,
	})
	require.NoError(t, err)

	rows, err := res.Rows()
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"centraal", "leiden"}}, rows)
}

func TestPrefilterSkipsWholeFiles(t *testing.T) {
	e := New(engine.Options{})
	registerStations(t, e, stationsFixture(t), []query.PrunePredicate{
		{Column: "city", Op: config.OpEq, Value: "delft"},
	})

	res, err := e.Execute(context.Background(), query.Plan{Relation: "stations", Limit: -1})
	require.NoError(t, err)

	rows, err := res.Rows()
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRegisterSourceLimitBoundsSnapshot(t *testing.T) {
	e := New(engine.Options{})
	err := e.RegisterSource(context.Background(), "stations", localLocation(stationsFixture(t)), config.FormatParquet, nil, 1)
	require.NoError(t, err)

	res, err := e.Execute(context.Background(), query.Plan{Relation: "stations", Limit: -1})
	require.NoError(t, err)

	rows, err := res.Rows()
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestExecuteNearbyOrdersByDistance(t *testing.T) {
	e := New(engine.Options{})
	registerStations(t, e, stationsFixture(t), nil)

	res, err := e.Execute(context.Background(), query.Plan{
		Relation: "stations",
		Columns:  []query.ColumnRef{{Name: "name"}},
		Nearby: &query.NearbyClause{
			Lat: 52.011, Lon: 4.36, MaxMeters: 2000,
			Config: config.NearbyConfig{LatColumn: "lat", LonColumn: "lon", Alias: "distance_m"},
		},
		Limit: 10,
	})
	require.NoError(t, err)

	rows, err := res.Rows()
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "distance_m"}, res.Columns())
	// Leiden is ~17km away and falls outside the radius.
	require.Len(t, rows, 2)
	assert.Equal(t, "station", rows[0][0])
	assert.Equal(t, "market", rows[1][0])
	assert.Less(t, rows[0][1].(float64), rows[1][1].(float64))
}

func TestExecuteDistinct(t *testing.T) {
	e := New(engine.Options{})
	registerStations(t, e, stationsFixture(t), nil)

	res, err := e.Execute(context.Background(), query.Plan{
		Relation: "stations",
		Columns:  []query.ColumnRef{{Name: "city"}},
		Distinct: true,
		Limit:    -1,
	})
	require.NoError(t, err)

	rows, err := res.Rows()
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSearchUnsupported(t *testing.T) {
	e := New(engine.Options{})
	registerStations(t, e, stationsFixture(t), nil)

	_, err := e.Execute(context.Background(), query.Plan{
		Relation: "stations",
		Search:   &query.SearchClause{Query: "market"},
		Limit:    10,
	})

	var unsupported *engine.UnsupportedOperationError
	require.ErrorAs(t, err, &unsupported)
}

func TestRegisterSourceRejectsOtherFormats(t *testing.T) {
	e := New(engine.Options{})

	err := e.RegisterSource(context.Background(), "db", localLocation("/tmp/x.db"), config.FormatSQLite, nil, -1)

	var unsupported *engine.UnsupportedOperationError
	require.ErrorAs(t, err, &unsupported)
}

func TestDistinctRowsAdjacentCellsDoNotCollide(t *testing.T) {
	rows := distinctRows([][]any{
		{"a", "b"},
		{"ab", ""},
		{"a", "b"},
	})
	assert.Equal(t, [][]any{{"a", "b"}, {"ab", ""}}, rows)
}
