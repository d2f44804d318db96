package meta

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/segmentio/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tripRow struct {
	VendorID string  `parquet:"vendor_id"`
	Fare     float64 `parquet:"fare"`
	Count    int64   `parquet:"count"`
}

func writeParquetFile(t *testing.T, path string, rows []tripRow) {
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

func TestLoadParquetSingleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trips.parquet")
	writeParquetFile(t, path, []tripRow{{VendorID: "a", Fare: 1.5, Count: 2}})

	l := NewLoader(nil)
	m, err := l.loadParquet(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, int64(-1), m.Version)
	assert.Empty(t, m.PartitionColumns)
	assert.ElementsMatch(t, []string{"vendor_id", "fare", "count"}, m.FieldNames())

	fare, ok := m.Lookup("fare")
	require.True(t, ok)
	assert.Equal(t, "double", fare.Type.Primitive)

	count, ok := m.Lookup("count")
	require.True(t, ok)
	assert.Equal(t, "long", count.Type.Primitive)
}

func TestLoadParquetHivePartitionedDir(t *testing.T) {
	root := t.TempDir()
	writeParquetFile(t, filepath.Join(root, "year=2023", "part-0.parquet"),
		[]tripRow{{VendorID: "a", Fare: 1.5, Count: 2}})
	writeParquetFile(t, filepath.Join(root, "year=2024", "part-0.parquet"),
		[]tripRow{{VendorID: "b", Fare: 2.5, Count: 3}})

	l := NewLoader(nil)
	m, err := l.loadParquet(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, []string{"year"}, m.PartitionColumns)

	// Partition keys appear as string columns alongside footer columns.
	year, ok := m.Lookup("year")
	require.True(t, ok)
	assert.Equal(t, "string", year.Type.Primitive)
}

func TestLoadParquetEmptyDir(t *testing.T) {
	l := NewLoader(nil)
	_, err := l.loadParquet(context.Background(), t.TempDir())
	assert.ErrorContains(t, err, "no parquet files")
}
