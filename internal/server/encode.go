package server

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/leapstack-labs/leapserve/internal/engine"
)

// resultBatchSize bounds how many rows are pulled from an engine cursor
// at a time.
const resultBatchSize = 1024

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeJSONResult streams rows as a JSON document of column-keyed records.
func writeJSONResult(w http.ResponseWriter, res engine.Result) error {
	columns := res.Columns()
	records := make([]map[string]any, 0, resultBatchSize)
	for {
		batch, err := res.Next(resultBatchSize)
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}
		for _, row := range batch {
			record := make(map[string]any, len(columns))
			for i, col := range columns {
				record[col] = row[i]
			}
			records = append(records, record)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"columns": columns,
		"data":    records,
		"count":   len(records),
	})
	return nil
}

// writeCSVResult streams rows as CSV with a configurable separator.
func writeCSVResult(w http.ResponseWriter, res engine.Result, separator rune) error {
	w.Header().Set("Content-Type", "text/csv")

	cw := csv.NewWriter(w)
	cw.Comma = separator
	if err := cw.Write(res.Columns()); err != nil {
		return err
	}

	cells := make([]string, len(res.Columns()))
	for {
		batch, err := res.Next(resultBatchSize)
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}
		for _, row := range batch {
			for i, v := range row {
				if v == nil {
					cells[i] = ""
					continue
				}
				cells[i] = fmt.Sprint(v)
			}
			if err := cw.Write(cells); err != nil {
				return err
			}
		}
		cw.Flush()
	}
	cw.Flush()
	return cw.Error()
}
