package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/leapstack-labs/leapserve/internal/engine"
)

// The ad-hoc SQL endpoint shares one process-wide in-memory database so
// temporary tables and session state survive across requests. A mutex
// serializes access; results are materialized before the lock releases.
var (
	scratchOnce sync.Once
	scratchDB   *sql.DB
	scratchErr  error
	scratchMu   sync.Mutex
)

// RunSQL executes one statement on the shared scratch database and
// returns the fully materialized result.
func RunSQL(ctx context.Context, stmt string, args ...any) (engine.Result, error) {
	scratchOnce.Do(func() {
		scratchDB, scratchErr = sql.Open("sqlite", ":memory:")
		if scratchErr == nil {
			scratchDB.SetMaxOpenConns(1)
		}
	})
	if scratchErr != nil {
		return nil, fmt.Errorf("opening scratch database: %w", scratchErr)
	}

	scratchMu.Lock()
	defer scratchMu.Unlock()

	rows, err := scratchDB.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, &engine.ExecutionError{Engine: "sqlite", Err: err}
	}
	res, err := engine.NewRowsResult(rows)
	if err != nil {
		return nil, err
	}
	defer res.Close()

	data, err := res.Rows()
	if err != nil {
		return nil, &engine.ExecutionError{Engine: "sqlite", Err: err}
	}
	return &engine.MemoryResult{Cols: res.Columns(), Data: data}, nil
}
