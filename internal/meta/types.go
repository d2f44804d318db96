// Package meta retrieves and caches the physical schema and partitioning
// information of a datasource without materializing its data.
package meta

import (
	"strings"
	"time"
)

// Kind discriminates the Type tagged union.
type Kind int

const (
	KindPrimitive Kind = iota
	KindStruct
	KindList
	KindMap
)

// Type is a recursive description of a column's logical type.
type Type struct {
	Kind Kind

	// Primitive is the logical type name for KindPrimitive
	// (string, long, integer, double, float, boolean, date, timestamp, binary).
	Primitive string

	// Fields is set for KindStruct.
	Fields []Field

	// Element is set for KindList.
	Element *Type

	// Key and Value are set for KindMap.
	Key   *Type
	Value *Type
}

// Field is one named column or struct member.
type Field struct {
	Name     string
	Type     Type
	Nullable bool
}

// Metadata is a refreshable snapshot of a source's schema and partitioning.
// Snapshots are never mutated; Refresh returns a new one.
type Metadata struct {
	Fields           []Field
	PartitionColumns []string

	// Version is the transaction-log version the snapshot reflects,
	// -1 for formats without a log.
	Version int64

	// ModTime is the source's last modification time, used for cache
	// and search-index invalidation.
	ModTime time.Time

	location string
}

// None is the sentinel returned by opportunistic loads when the source has
// no readable metadata. Callers treat it as "no schema enrichment", not as
// an error.
var None *Metadata

// FieldNames returns the column names in declaration order.
func (m *Metadata) FieldNames() []string {
	names := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		names[i] = f.Name
	}
	return names
}

// ColumnSet returns the set of column names, for availability checks.
func (m *Metadata) ColumnSet() map[string]struct{} {
	set := make(map[string]struct{}, len(m.Fields))
	for _, f := range m.Fields {
		set[f.Name] = struct{}{}
	}
	return set
}

// Lookup finds a top-level field by name.
func (m *Metadata) Lookup(name string) (Field, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// internalMarker prefixes columns that are never exposed to clients.
const internalMarker = "_"

// hiddenInfixes mark hash-encoded partition columns, which are physical
// bucketing artifacts rather than user-facing data.
var hiddenInfixes = []string{"_md5_prefix_", "_xxhash64_prefix_", "_md5_mod_"}

// HiddenColumn reports whether a column is internal or hash-encoded and
// must be excluded from parameters and response schemas.
func HiddenColumn(name string) bool {
	if strings.HasPrefix(name, internalMarker) {
		return true
	}
	for _, infix := range hiddenInfixes {
		if strings.Contains(name, infix) {
			return true
		}
	}
	return false
}
