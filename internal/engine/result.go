package engine

import (
	"database/sql"
	"fmt"
)

// rowsResult adapts database/sql rows into the Result contract shared by
// the SQL-speaking engine variants. One-pass: Rows and Next consume the
// same cursor.
type rowsResult struct {
	rows    *sql.Rows
	columns []string
	done    bool
}

// NewRowsResult wraps a live cursor. Ownership of rows transfers to the
// result; Close releases it.
func NewRowsResult(rows *sql.Rows) (Result, error) {
	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("reading result columns: %w", err)
	}
	return &rowsResult{rows: rows, columns: columns}, nil
}

func (r *rowsResult) Columns() []string {
	return r.columns
}

func (r *rowsResult) Rows() ([][]any, error) {
	var out [][]any
	for {
		batch, err := r.Next(1024)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return out, nil
		}
		out = append(out, batch...)
	}
}

func (r *rowsResult) Next(size int) ([][]any, error) {
	if r.done {
		return nil, nil
	}
	batch := make([][]any, 0, size)
	for len(batch) < size && r.rows.Next() {
		values := make([]any, len(r.columns))
		ptrs := make([]any, len(r.columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := r.rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		batch = append(batch, values)
	}
	if len(batch) < size {
		r.done = true
		if err := r.rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating result rows: %w", err)
		}
	}
	if len(batch) == 0 {
		return nil, nil
	}
	return batch, nil
}

func (r *rowsResult) Close() error {
	r.done = true
	return r.rows.Close()
}

// MemoryResult is a fully materialized result used by the in-process
// engine and by tests.
type MemoryResult struct {
	Cols []string
	Data [][]any
	pos  int
}

func (m *MemoryResult) Columns() []string { return m.Cols }

func (m *MemoryResult) Rows() ([][]any, error) {
	rest := m.Data[m.pos:]
	m.pos = len(m.Data)
	return rest, nil
}

func (m *MemoryResult) Next(size int) ([][]any, error) {
	if m.pos >= len(m.Data) {
		return nil, nil
	}
	end := m.pos + size
	if end > len(m.Data) {
		end = len(m.Data)
	}
	batch := m.Data[m.pos:end]
	m.pos = end
	return batch, nil
}

func (m *MemoryResult) Close() error { return nil }
