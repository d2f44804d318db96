package meta

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/parquet-go"
)

// loadParquet reads the schema from a parquet file's footer. When the
// location is a directory, the first data file found is used as the schema
// sample and hive-style key=value path segments become partition columns.
func (l *Loader) loadParquet(ctx context.Context, path string) (*Metadata, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	sample := path
	var partitionColumns []string
	modTime := st.ModTime()

	if st.IsDir() {
		sample, partitionColumns, modTime, err = findSampleFile(ctx, path)
		if err != nil {
			return nil, err
		}
	}

	pf, closeFile, err := openParquet(sample)
	if err != nil {
		return nil, err
	}
	defer closeFile()

	var fields []Field
	for _, field := range pf.Schema().Fields() {
		t, ok := nodeType(field)
		if !ok {
			continue
		}
		fields = append(fields, Field{
			Name:     field.Name(),
			Type:     t,
			Nullable: field.Optional(),
		})
	}

	// Hive partition columns are path segments, not footer columns; expose
	// them as string fields so filters can target them.
	for _, pc := range partitionColumns {
		fields = append(fields, Field{
			Name:     pc,
			Type:     Type{Kind: KindPrimitive, Primitive: "string"},
			Nullable: true,
		})
	}

	return &Metadata{
		Fields:           fields,
		PartitionColumns: partitionColumns,
		Version:          -1,
		ModTime:          modTime,
		location:         path,
	}, nil
}

func openParquet(path string) (*parquet.File, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("failed to stat parquet file: %w", err)
	}
	pf, err := parquet.OpenFile(f, st.Size(), &parquet.FileConfig{
		SkipPageIndex:    true,
		SkipBloomFilters: true,
	})
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("failed to open parquet footer: %w", err)
	}
	return pf, func() { _ = f.Close() }, nil
}

// findSampleFile walks a dataset directory for the first parquet file and
// collects hive partition keys from the directory structure.
func findSampleFile(ctx context.Context, root string) (sample string, partitions []string, modTime time.Time, err error) {
	keys := make(map[string]struct{})

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if name == deltaLogDir {
				return filepath.SkipDir
			}
			if k, _, ok := strings.Cut(name, "="); ok && k != "" {
				keys[k] = struct{}{}
			}
			return nil
		}
		if !strings.HasSuffix(name, ".parquet") {
			return nil
		}
		if sample == "" {
			sample = path
		}
		if info, err := d.Info(); err == nil && info.ModTime().After(modTime) {
			modTime = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return "", nil, time.Time{}, fmt.Errorf("failed to scan dataset %s: %w", root, err)
	}
	if sample == "" {
		return "", nil, time.Time{}, fmt.Errorf("no parquet files under %s", root)
	}

	for k := range keys {
		partitions = append(partitions, k)
	}
	sort.Strings(partitions)
	return sample, partitions, modTime, nil
}

// nodeType maps a parquet schema node onto the Type tree. Unsupported
// nodes (NULL-typed leaves) are skipped by returning false.
func nodeType(node parquet.Node) (Type, bool) {
	if node.Leaf() {
		if node.Type().String() == "NULL" {
			return Type{}, false
		}
		return Type{Kind: KindPrimitive, Primitive: leafPrimitive(node)}, true
	}

	if lt := node.Type().LogicalType(); lt != nil && lt.List != nil {
		elem := listElementOf(node)
		if elem == nil {
			return Type{}, false
		}
		elemType, ok := nodeType(elem)
		if !ok {
			return Type{}, false
		}
		return Type{Kind: KindList, Element: &elemType}, true
	}

	var fields []Field
	for _, child := range node.Fields() {
		t, ok := nodeType(child)
		if !ok {
			continue
		}
		fields = append(fields, Field{Name: child.Name(), Type: t, Nullable: child.Optional()})
	}
	return Type{Kind: KindStruct, Fields: fields}, true
}

func leafPrimitive(node parquet.Node) string {
	switch node.Type().Kind() {
	case parquet.Boolean:
		return "boolean"
	case parquet.Int32:
		return "integer"
	case parquet.Int64:
		return "long"
	case parquet.Float:
		return "float"
	case parquet.Double:
		return "double"
	default:
		return "string"
	}
}

func listElementOf(node parquet.Node) parquet.Node {
	if list := childByName(node, "list"); list != nil {
		if elem := childByName(list, "element"); elem != nil {
			return elem
		}
	}
	return nil
}

func childByName(node parquet.Node, name string) parquet.Node {
	for _, f := range node.Fields() {
		if f.Name() == name {
			return f
		}
	}
	return nil
}

// readCheckpointMeta extracts the metaData action from a Delta checkpoint
// parquet file: the schemaString and partitionColumns leaf columns.
func readCheckpointMeta(path string) (schemaString string, partitionColumns []string, err error) {
	pf, closeFile, err := openParquet(path)
	if err != nil {
		return "", nil, err
	}
	defer closeFile()

	schema := pf.Schema()
	schemaCol := -1
	partitionCol := -1
	walkLeaves(schema, func(path []string, index int) {
		joined := strings.Join(path, ".")
		switch {
		case joined == "metaData.schemaString":
			schemaCol = index
		case strings.HasPrefix(joined, "metaData.partitionColumns"):
			partitionCol = index
		}
	})
	if schemaCol < 0 {
		return "", nil, fmt.Errorf("checkpoint has no metaData.schemaString column")
	}

	pr := parquet.NewReader(pf)
	var row parquet.Row
	for {
		row, err = pr.ReadRow(row[:0])
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("failed to read checkpoint row: %w", err)
		}

		var ss string
		var pcs []string
		seen := false
		for _, v := range row {
			if v.IsNull() {
				continue
			}
			switch int(v.Column()) {
			case schemaCol:
				ss = string(v.ByteArray())
				seen = true
			case partitionCol:
				pcs = append(pcs, string(v.ByteArray()))
			}
		}
		// At most one row of a checkpoint carries the metaData action.
		if seen {
			schemaString = ss
			partitionColumns = pcs
		}
	}

	if schemaString == "" {
		return "", nil, fmt.Errorf("checkpoint carries no metaData action")
	}
	return schemaString, partitionColumns, nil
}

// walkLeaves visits every leaf column of a schema in depth-first order,
// assigning sequential column indexes the way the file lays them out.
func walkLeaves(root parquet.Node, visit func(path []string, index int)) {
	index := 0
	var walk func(node parquet.Node, path []string)
	walk = func(node parquet.Node, path []string) {
		if node.Leaf() {
			visit(path, index)
			index++
			return
		}
		for _, child := range node.Fields() {
			walk(child, append(path, child.Name()))
		}
	}
	walk(root, nil)
}
