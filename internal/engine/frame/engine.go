// Package frame provides the in-process execution engine. It reads local
// parquet data into memory and evaluates plans directly in Go, with no
// database underneath. Only flat schemas are supported; selecting it for
// nested data fails at source registration.
//
// Import this package with a blank identifier to register the engine:
//
//	import _ "github.com/leapstack-labs/leapserve/internal/engine/frame"
package frame

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/parquet-go"

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/engine"
	"github.com/leapstack-labs/leapserve/internal/query"
	"github.com/leapstack-labs/leapserve/internal/source"
)

func init() {
	engine.Register("frame", func(opts engine.Options) (engine.Context, error) {
		return New(opts), nil
	})
}

type table struct {
	columns []string
	index   map[string]int
	rows    [][]any
}

// Engine evaluates plans over in-memory row snapshots.
type Engine struct {
	logger *slog.Logger
	tables map[string]*table
}

func New(opts engine.Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{logger: logger, tables: make(map[string]*table)}
}

func (e *Engine) Name() string { return "frame" }

func (e *Engine) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		GeoDistance: true,
	}
}

// RegisterSource snapshots a local parquet source. Hive partition path
// segments become string columns, and the prefilter skips whole files
// whose partition values cannot match.
func (e *Engine) RegisterSource(ctx context.Context, name string, loc *source.Location, format config.Format, prefilter []query.PrunePredicate, limit int64) error {
	if format != config.FormatParquet {
		return &engine.UnsupportedOperationError{Engine: "frame", Op: "format " + string(format)}
	}
	if loc.Path == "" {
		return &engine.UnsupportedOperationError{Engine: "frame", Op: "remote sources"}
	}

	files, err := dataFiles(loc.Path)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return &engine.ExecutionError{Engine: "frame", Err: fmt.Errorf("no parquet files under %s", loc.Path)}
	}

	t := &table{index: make(map[string]int)}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		partitions := hiveValues(loc.Path, file)
		if !partitionsMatch(partitions, prefilter) {
			continue
		}
		if err := e.readFile(file, partitions, t, limit); err != nil {
			return err
		}
		if limit >= 0 && int64(len(t.rows)) >= limit {
			break
		}
	}

	e.tables[name] = t
	e.logger.Debug("loaded frame snapshot",
		slog.String("source", name),
		slog.Int("files", len(files)),
		slog.Int("rows", len(t.rows)))
	return nil
}

func dataFiles(root string) ([]string, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", root, err)
	}
	if !st.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() && d.Name() == "_delta_log" {
			return filepath.SkipDir
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".parquet") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan dataset %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// hiveValues extracts key=value path segments between the dataset root
// and the data file.
func hiveValues(root, file string) map[string]string {
	rel, err := filepath.Rel(root, file)
	if err != nil {
		return nil
	}
	values := make(map[string]string)
	for _, seg := range strings.Split(filepath.Dir(rel), string(filepath.Separator)) {
		if k, v, ok := strings.Cut(seg, "="); ok && k != "" {
			values[k] = v
		}
	}
	return values
}

// partitionsMatch applies prune predicates to one file's partition
// values. Predicates on columns the path does not carry pass through.
func partitionsMatch(partitions map[string]string, preds []query.PrunePredicate) bool {
	for _, p := range preds {
		actual, ok := partitions[p.Column]
		if !ok {
			continue
		}
		switch p.Op {
		case config.OpEq:
			if actual != fmt.Sprint(p.Value) {
				return false
			}
		case config.OpLte:
			if actual > fmt.Sprint(p.Value) {
				return false
			}
		case config.OpGte:
			if actual < fmt.Sprint(p.Value) {
				return false
			}
		case config.OpIn, config.OpNotIn:
			values, _ := p.Value.([]string)
			found := false
			for _, v := range values {
				if actual == v {
					found = true
					break
				}
			}
			if found == (p.Op == config.OpNotIn) {
				return false
			}
		}
	}
	return true
}

func (e *Engine) readFile(path string, partitions map[string]string, t *table, limit int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat parquet file: %w", err)
	}
	pf, err := parquet.OpenFile(f, st.Size(), &parquet.FileConfig{
		SkipPageIndex:    true,
		SkipBloomFilters: true,
	})
	if err != nil {
		return fmt.Errorf("failed to open parquet footer: %w", err)
	}

	fields := pf.Schema().Fields()
	for _, field := range fields {
		if !field.Leaf() {
			return &engine.UnsupportedOperationError{Engine: "frame", Op: "nested schemas"}
		}
	}

	partitionKeys := make([]string, 0, len(partitions))
	for k := range partitions {
		partitionKeys = append(partitionKeys, k)
	}
	sort.Strings(partitionKeys)

	if t.columns == nil {
		for _, field := range fields {
			t.index[field.Name()] = len(t.columns)
			t.columns = append(t.columns, field.Name())
		}
		for _, k := range partitionKeys {
			t.index[k] = len(t.columns)
			t.columns = append(t.columns, k)
		}
	}

	pr := parquet.NewReader(pf)
	var row parquet.Row
	for {
		row, err = pr.ReadRow(row[:0])
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &engine.ExecutionError{Engine: "frame", Err: fmt.Errorf("reading %s: %w", path, err)}
		}

		out := make([]any, len(t.columns))
		for _, v := range row {
			col := int(v.Column())
			if col >= len(fields) {
				continue
			}
			out[t.index[fields[col].Name()]] = goValue(v)
		}
		for _, k := range partitionKeys {
			out[t.index[k]] = partitions[k]
		}
		t.rows = append(t.rows, out)

		if limit >= 0 && int64(len(t.rows)) >= limit {
			return nil
		}
	}
}

// goValue converts one parquet cell into its natural Go representation.
func goValue(v parquet.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	default:
		return string(v.ByteArray())
	}
}

func (e *Engine) Execute(ctx context.Context, plan query.Plan) (engine.Result, error) {
	if err := engine.CheckPlan("frame", e.Capabilities(), plan); err != nil {
		return nil, err
	}
	t, ok := e.tables[plan.Relation]
	if !ok {
		return nil, &engine.ExecutionError{Engine: "frame", Err: fmt.Errorf("relation %s not registered", plan.Relation)}
	}

	// The prefilter already ran against file paths during registration.
	getter := func(row []any) func(string) any {
		return func(col string) any {
			i, ok := t.index[col]
			if !ok {
				return nil
			}
			return row[i]
		}
	}

	var matched [][]any
	for _, row := range t.rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if plan.Filter != nil && !eval(plan.Filter, getter(row)) {
			continue
		}
		matched = append(matched, row)
	}

	columns, rows, err := project(t, plan, matched)
	if err != nil {
		return nil, err
	}

	if plan.Nearby != nil {
		columns, rows = applyNearby(t, plan, matched, columns, rows)
	} else if len(plan.Order) > 0 {
		sortRows(columns, rows, plan.Order)
	}

	if plan.Distinct {
		rows = distinctRows(rows)
	}
	rows = page(rows, plan.Offset, plan.Limit)

	return &engine.MemoryResult{Cols: columns, Data: rows}, nil
}

// project narrows the snapshot to the planned columns.
func project(t *table, plan query.Plan, matched [][]any) ([]string, [][]any, error) {
	if len(plan.Columns) == 0 {
		return t.columns, matched, nil
	}

	columns := make([]string, len(plan.Columns))
	indexes := make([]int, len(plan.Columns))
	for i, c := range plan.Columns {
		idx, ok := t.index[c.Name]
		if !ok {
			return nil, nil, &engine.ExecutionError{Engine: "frame", Err: fmt.Errorf("unknown column %s", c.Name)}
		}
		indexes[i] = idx
		columns[i] = c.Name
		if c.Alias != "" {
			columns[i] = c.Alias
		}
	}

	rows := make([][]any, len(matched))
	for ri, row := range matched {
		out := make([]any, len(indexes))
		for i, idx := range indexes {
			out[i] = row[idx]
		}
		rows[ri] = out
	}
	return columns, rows, nil
}

// applyNearby appends the computed distance column, drops rows out of
// range, and orders nearest first.
func applyNearby(t *table, plan query.Plan, matched [][]any, columns []string, rows [][]any) ([]string, [][]any) {
	nb := plan.Nearby
	alias := nb.Config.Alias
	if alias == "" {
		alias = "distance_m"
	}
	latIdx := t.index[nb.Config.LatColumn]
	lonIdx := t.index[nb.Config.LonColumn]

	columns = append(append([]string{}, columns...), alias)
	var kept [][]any
	for i, row := range rows {
		lat, latOK := asFloat(matched[i][latIdx])
		lon, lonOK := asFloat(matched[i][lonIdx])
		if !latOK || !lonOK {
			continue
		}
		d := haversineMeters(nb.Lat, nb.Lon, lat, lon)
		if d > nb.MaxMeters {
			continue
		}
		kept = append(kept, append(append([]any{}, row...), d))
	}
	distIdx := len(columns) - 1
	sort.SliceStable(kept, func(i, j int) bool {
		return compareValues(kept[i][distIdx], kept[j][distIdx]) < 0
	})
	return columns, kept
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const rad = math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Pow(math.Sin(dLon/2), 2)
	return query.EarthRadiusMeters * 2 * math.Asin(math.Sqrt(a))
}

func sortRows(columns []string, rows [][]any, order []config.OrderColumn) {
	indexes := make([]int, 0, len(order))
	descs := make([]bool, 0, len(order))
	for _, oc := range order {
		for i, c := range columns {
			if c == oc.Name {
				indexes = append(indexes, i)
				descs = append(descs, oc.Desc)
				break
			}
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for k, idx := range indexes {
			cmp := compareValues(rows[i][idx], rows[j][idx])
			if cmp == 0 {
				continue
			}
			if descs[k] {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func distinctRows(rows [][]any) [][]any {
	seen := make(map[string]struct{}, len(rows))
	out := rows[:0]
	for _, row := range rows {
		// Quoting each cell keeps adjacent values unambiguous; plain
		// concatenation would collide ("a","b" vs "ab","").
		var key strings.Builder
		for _, v := range row {
			fmt.Fprintf(&key, "%q;", fmt.Sprint(v))
		}
		if _, dup := seen[key.String()]; dup {
			continue
		}
		seen[key.String()] = struct{}{}
		out = append(out, row)
	}
	return out
}

func page(rows [][]any, offset, limit int64) [][]any {
	if offset >= int64(len(rows)) {
		return nil
	}
	rows = rows[offset:]
	if limit >= 0 && limit < int64(len(rows)) {
		rows = rows[:limit]
	}
	return rows
}

func (e *Engine) InitSearch(context.Context, string, *config.SearchConfig, time.Time) error {
	return &engine.UnsupportedOperationError{Engine: "frame", Op: "full-text search"}
}

func (e *Engine) Close() error {
	e.tables = nil
	return nil
}

var _ engine.Context = (*Engine)(nil)
