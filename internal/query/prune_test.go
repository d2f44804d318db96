package query

import (
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/meta"
)

func pruneDefs() []config.Param {
	return []config.Param{
		{Name: "id", Column: "id", Operators: config.Operators},
		{Name: "year", Column: "year", Operators: config.Operators},
	}
}

func TestPruneNoPartitionColumns(t *testing.T) {
	m := &meta.Metadata{}
	assert.Nil(t, Prune(m, map[string]any{"year": 2024}, pruneDefs()))
	assert.Nil(t, Prune(meta.None, map[string]any{"year": 2024}, pruneDefs()))
}

func TestPruneDirectPartitionMatch(t *testing.T) {
	m := &meta.Metadata{PartitionColumns: []string{"year"}}

	preds := Prune(m, map[string]any{"year": 2024}, pruneDefs())
	require.Len(t, preds, 1)
	assert.Equal(t, PrunePredicate{Column: "year", Op: config.OpEq, Value: "2024"}, preds[0])
}

func TestPruneMD5PrefixEncoding(t *testing.T) {
	m := &meta.Metadata{PartitionColumns: []string{"id_md5_prefix_2"}}

	sum := md5.Sum([]byte("abc123"))
	want := hex.EncodeToString(sum[:])[:2]

	for _, op := range []config.Operator{config.OpEq, config.OpLte, config.OpGte} {
		key := "id" + op.Postfix()
		preds := Prune(m, map[string]any{key: "abc123"}, pruneDefs())
		require.Len(t, preds, 1, "operator %s", op)
		assert.Equal(t, PrunePredicate{Column: "id_md5_prefix_2", Op: op, Value: want}, preds[0])
	}
}

func TestPruneDisallowedOperatorsDropped(t *testing.T) {
	m := &meta.Metadata{PartitionColumns: []string{"id_md5_prefix_2"}}

	// Hash encodings are not monotonic under ordering or pattern
	// operators; no partition predicate may come out of these.
	for _, key := range []string{"id_lt", "id_gt", "id_contains", "id_startswith", "id_between"} {
		params := map[string]any{key: "abc123"}
		if key == "id_between" {
			params[key] = []any{"a", "b"}
		}
		assert.Nil(t, Prune(m, params, pruneDefs()), key)
	}
}

func TestPruneMD5ModEncoding(t *testing.T) {
	m := &meta.Metadata{PartitionColumns: []string{"id_md5_mod_16"}}

	preds := Prune(m, map[string]any{"id": "abc123"}, pruneDefs())
	require.Len(t, preds, 1)
	assert.Equal(t, "id_md5_mod_16", preds[0].Column)

	// The bucket is a stringified integer within [0, 16).
	assert.Equal(t, md5Mod("abc123", 16), preds[0].Value)
}

func TestPrunePlainPrefixEncoding(t *testing.T) {
	m := &meta.Metadata{PartitionColumns: []string{"id_prefix_3"}}

	preds := Prune(m, map[string]any{"id": "abcdef"}, pruneDefs())
	require.Len(t, preds, 1)
	assert.Equal(t, "abc", preds[0].Value)
}

func TestPruneListValuesTransformedElementWise(t *testing.T) {
	m := &meta.Metadata{PartitionColumns: []string{"id_prefix_2"}}

	preds := Prune(m, map[string]any{"id_in": []any{"alpha", "beta"}}, pruneDefs())
	require.Len(t, preds, 1)
	assert.Equal(t, config.OpIn, preds[0].Op)
	assert.Equal(t, []string{"al", "be"}, preds[0].Value)
}

func TestPruneStringifiesValues(t *testing.T) {
	m := &meta.Metadata{PartitionColumns: []string{"year"}}

	preds := Prune(m, map[string]any{"year_in": []any{2023, 2024}}, pruneDefs())
	require.Len(t, preds, 1)
	assert.Equal(t, []string{"2023", "2024"}, preds[0].Value)
}

func TestPruneIgnoresNonPartitionParams(t *testing.T) {
	m := &meta.Metadata{PartitionColumns: []string{"year"}}

	assert.Nil(t, Prune(m, map[string]any{"id": "abc"}, pruneDefs()))
}
