package query

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/meta"
)

// PrunePredicate is one coarse partition predicate: column, operator, and
// a stringified (possibly hash-transformed) value or value list.
type PrunePredicate struct {
	Column string
	Op     config.Operator

	// Value holds a string for scalar operators or []string for in/not in.
	Value any
}

// pruneOperators is the operator subset safe for partition predicates.
// Hash and prefix encodings are monotonic only for equality and
// containment, not ordering comparisons, so anything else is dropped.
var pruneOperators = map[config.Operator]struct{}{
	config.OpLte:   {},
	config.OpGte:   {},
	config.OpEq:    {},
	config.OpIn:    {},
	config.OpNotIn: {},
}

// Prune derives a coarse pre-filter restricted to partition columns. It
// returns nil when the source has no partition columns or no incoming
// parameter produced a partition predicate.
func Prune(m *meta.Metadata, params map[string]any, defs []config.Param) []PrunePredicate {
	if m == meta.None || len(m.PartitionColumns) == 0 {
		return nil
	}

	var out []PrunePredicate
	for key, value := range params {
		if key == "" || value == nil || Reserved(key) {
			continue
		}
		def, op, ok := Lookup(defs, key)
		if !ok || def.Combination {
			continue
		}
		if _, ok := pruneOperators[op]; !ok {
			continue
		}

		logical := def.PhysicalColumn()
		for _, pc := range m.PartitionColumns {
			transform, ok := partitionTransform(pc, logical)
			if !ok {
				continue
			}
			out = append(out, PrunePredicate{
				Column: pc,
				Op:     op,
				Value:  transformValue(value, transform),
			})
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// partitionTransform matches a partition column against a logical column,
// directly or via a recognized encoding suffix, and returns the value
// transform to apply.
func partitionTransform(partitionCol, logicalCol string) (func(string) string, bool) {
	if partitionCol == logicalCol {
		return func(s string) string { return s }, true
	}
	rest, ok := strings.CutPrefix(partitionCol, logicalCol)
	if !ok {
		return nil, false
	}
	for _, suffix := range partitionEncodingSuffixes {
		n, err := strconv.Atoi(strings.TrimPrefix(rest, suffix))
		if !strings.HasPrefix(rest, suffix) || err != nil || n <= 0 {
			continue
		}
		switch suffix {
		case "_md5_prefix_":
			return func(s string) string { return md5Prefix(s, n) }, true
		case "_md5_mod_":
			return func(s string) string { return md5Mod(s, n) }, true
		case "_prefix_":
			return func(s string) string { return runePrefix(s, n) }, true
		}
	}
	return nil, false
}

// transformValue stringifies and transforms a parameter value,
// element-wise for lists.
func transformValue(value any, transform func(string) string) any {
	switch v := value.(type) {
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = transform(stringify(item))
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = transform(item)
		}
		return out
	default:
		return transform(stringify(value))
	}
}

func stringify(v any) string {
	return fmt.Sprint(v)
}

func md5Prefix(s string, n int) string {
	sum := md5.Sum([]byte(s))
	hexed := hex.EncodeToString(sum[:])
	if n > len(hexed) {
		n = len(hexed)
	}
	return hexed[:n]
}

func md5Mod(s string, n int) string {
	sum := md5.Sum([]byte(s))
	v := new(big.Int).SetBytes(sum[:])
	return v.Mod(v, big.NewInt(int64(n))).String()
}

func runePrefix(s string, n int) string {
	runes := []rune(s)
	if n > len(runes) {
		n = len(runes)
	}
	return string(runes[:n])
}
