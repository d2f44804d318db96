// Package engine defines the capability-qualified execution context
// abstraction over interchangeable query engines, and a registry of the
// available engine implementations.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/query"
	"github.com/leapstack-labs/leapserve/internal/source"
)

// Capabilities is the set of optional operations an engine supports.
// Plans requiring an unsupported capability fail at planning time, not
// deep inside execution.
type Capabilities struct {
	ViewCreation   bool
	JSONCast       bool
	FullTextSearch bool
	GeoDistance    bool
	ArrowExport    bool
}

// Context is one execution engine session. Embedded engines are scoped to
// a single request; remote engines are long-lived and pooled.
type Context interface {
	// Name returns the engine's registry name.
	Name() string

	// Capabilities returns the engine's capability set.
	Capabilities() Capabilities

	// RegisterSource binds a name to physical data. Embedded engines may
	// create a lazily scanned view applying the prefilter; remote engines
	// only record the relation target.
	RegisterSource(ctx context.Context, name string, loc *source.Location, format config.Format, prefilter []query.PrunePredicate, limit int64) error

	// Execute compiles and runs a plan, returning a lazily materialized
	// result handle. At-most-once: failed executions are never retried.
	Execute(ctx context.Context, plan query.Plan) (Result, error)

	// InitSearch builds or reuses the persisted full-text index for a
	// registered source. Unsupported on engines without FullTextSearch.
	InitSearch(ctx context.Context, name string, cfg *config.SearchConfig, modTime time.Time) error

	// Close releases the session and any registered sources.
	Close() error
}

// Result is a one-pass handle over query output.
type Result interface {
	// Columns returns the output column names.
	Columns() []string

	// Rows materializes the full result in memory.
	Rows() ([][]any, error)

	// Next returns the next batch of at most size rows, nil at the end.
	Next(size int) ([][]any, error)

	// Close releases the underlying cursor.
	Close() error
}

// UnsupportedOperationError signals that an engine variant lacks a
// required capability. The orchestration layer either substitutes a
// fallback engine or surfaces it as a capability error.
type UnsupportedOperationError struct {
	Engine string
	Op     string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("engine %s does not support %s", e.Engine, e.Op)
}

// ExecutionError wraps an engine runtime failure. It is logged with full
// context and surfaced generically so query internals never leak.
type ExecutionError struct {
	Engine string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed on %s: %v", e.Engine, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// CheckPlan verifies a plan only uses operations within the capability
// set. Called before rendering so capability misses fail fast.
func CheckPlan(engineName string, caps Capabilities, plan query.Plan) error {
	if plan.Search != nil && !caps.FullTextSearch {
		return &UnsupportedOperationError{Engine: engineName, Op: "full-text search"}
	}
	if plan.Nearby != nil && !caps.GeoDistance {
		return &UnsupportedOperationError{Engine: engineName, Op: "geo distance"}
	}
	if !caps.JSONCast {
		for _, c := range plan.Columns {
			if c.JSONify {
				return &UnsupportedOperationError{Engine: engineName, Op: "json cast"}
			}
		}
	}
	return nil
}
