package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/engine"
	"github.com/leapstack-labs/leapserve/internal/query"
)

func newMockEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db, nil), mock
}

func registerTrips(t *testing.T, e *Engine) {
	t.Helper()
	err := e.RegisterSource(context.Background(), "trips", nil, config.FormatPostgres, nil, -1)
	require.NoError(t, err)
}

func TestRegisterSourceRejectsFileFormats(t *testing.T) {
	e, _ := newMockEngine(t)

	err := e.RegisterSource(context.Background(), "trips", nil, config.FormatParquet, nil, -1)

	var unsupported *engine.UnsupportedOperationError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "postgres", unsupported.Engine)
}

func TestExecuteBindsNumberedPlaceholders(t *testing.T) {
	e, mock := newMockEngine(t)
	registerTrips(t, e)

	mock.ExpectQuery(`SELECT "id", "fare" FROM "trips" WHERE "year" = $1 LIMIT 10`).
		WithArgs(2024).
		WillReturnRows(sqlmock.NewRows([]string{"id", "fare"}).
			AddRow(int64(1), 12.5).
			AddRow(int64(2), 7.25))

	res, err := e.Execute(context.Background(), query.Plan{
		Relation: "trips",
		Columns:  []query.ColumnRef{{Name: "id"}, {Name: "fare"}},
		Filter:   query.Compare{Col: "year", Op: query.CmpEq, Value: 2024},
		Limit:    10,
	})
	require.NoError(t, err)
	defer res.Close()

	rows, err := res.Rows()
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "fare"}, res.Columns())
	assert.Equal(t, [][]any{{int64(1), 12.5}, {int64(2), 7.25}}, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteNearbyRendersSphericalDistance(t *testing.T) {
	e, mock := newMockEngine(t)

	err := e.RegisterSource(context.Background(), "stations", nil, config.FormatPostgres, nil, -1)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT * FROM (SELECT "id", 6371000.0 * acos(least(1.0, ` +
		`cos(radians($1)) * cos(radians("lat")) * cos(radians("lon") - radians($2)) + ` +
		`sin(radians($1)) * sin(radians("lat")))) AS "distance_m" FROM "stations") AS q ` +
		`WHERE "distance_m" <= $3 ORDER BY "distance_m" ASC LIMIT 100`).
		WithArgs(52.0, 4.0, 1000.0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "distance_m"}).AddRow(int64(7), 250.5))

	res, err := e.Execute(context.Background(), query.Plan{
		Relation: "stations",
		Columns:  []query.ColumnRef{{Name: "id"}},
		Nearby: &query.NearbyClause{
			Lat: 52.0, Lon: 4.0, MaxMeters: 1000,
			Config: config.NearbyConfig{LatColumn: "lat", LonColumn: "lon", Alias: "distance_m"},
		},
		Limit: 100,
	})
	require.NoError(t, err)
	defer res.Close()

	rows, err := res.Rows()
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteUnregisteredRelation(t *testing.T) {
	e, _ := newMockEngine(t)

	_, err := e.Execute(context.Background(), query.Plan{Relation: "ghost", Limit: 10})

	var exec *engine.ExecutionError
	require.ErrorAs(t, err, &exec)
	assert.Contains(t, exec.Error(), "not registered")
}

func TestExecuteSearchUnsupported(t *testing.T) {
	e, _ := newMockEngine(t)
	registerTrips(t, e)

	_, err := e.Execute(context.Background(), query.Plan{
		Relation: "trips",
		Search:   &query.SearchClause{Query: "x"},
		Limit:    10,
	})

	var unsupported *engine.UnsupportedOperationError
	require.ErrorAs(t, err, &unsupported)
	assert.Contains(t, unsupported.Error(), "full-text search")
}

func TestQueryFailureWrapsExecutionError(t *testing.T) {
	e, mock := newMockEngine(t)
	registerTrips(t, e)

	mock.ExpectQuery(`SELECT * FROM "trips" LIMIT 5`).
		WillReturnError(assert.AnError)

	_, err := e.Execute(context.Background(), query.Plan{Relation: "trips", Limit: 5})

	var exec *engine.ExecutionError
	require.ErrorAs(t, err, &exec)
	assert.ErrorIs(t, exec, assert.AnError)
}
