// Package query translates request parameters into a backend-neutral
// query expression tree: parameter resolution, filter building, partition
// pruning, and final plan composition.
package query

import (
	"fmt"
	"strings"

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/meta"
)

// ReservedKeys are query keys that never reach parameter lookup: paging
// and engine/selection control keys.
var ReservedKeys = map[string]struct{}{
	"limit":           {},
	"offset":          {},
	"$engine":         {},
	"$select":         {},
	"$distinct":       {},
	"$encoding":       {},
	"$csv_separator":  {},
	"jsonify_complex": {},
	"format":          {},
}

// Reserved reports whether a query key is excluded from filter parsing.
func Reserved(key string) bool {
	_, ok := ReservedKeys[key]
	return ok
}

// partitionEncodingSuffixes are the recognized hash/prefix partition
// encodings; an encoded column named <logical><suffix>N buckets the
// logical column's values.
var partitionEncodingSuffixes = []string{"_md5_prefix_", "_md5_mod_", "_prefix_"}

// ResolveParams combines statically configured parameters with implicit
// equality parameters for detected partition columns. Implicit parameters
// are only added for partition-capable formats, skip columns already
// covered by a static parameter, and never expose hidden columns.
func ResolveParams(static []config.Param, format config.Format, m *meta.Metadata) []config.Param {
	resolved := append([]config.Param(nil), static...)
	if !format.PartitionCapable() || m == meta.None {
		return resolved
	}

	covered := make(map[string]struct{}, len(static))
	for i := range static {
		covered[strings.ToLower(static[i].PhysicalColumn())] = struct{}{}
	}

	for _, pc := range m.PartitionColumns {
		if meta.HiddenColumn(pc) {
			continue
		}
		if _, ok := covered[strings.ToLower(pc)]; ok {
			continue
		}
		resolved = append(resolved, config.Param{
			Name:      pc,
			Column:    pc,
			Operators: []config.Operator{config.OpEq},
		})
	}
	return resolved
}

// ApplyParamRules injects declared defaults for absent parameters and
// rejects requests missing a required one. A default binds to the
// equality key; required is satisfied by any operator variant of the
// parameter, and a default satisfies required.
func ApplyParamRules(params map[string]any, defs []config.Param) error {
	for i := range defs {
		p := &defs[i]
		if paramPresent(params, p) {
			continue
		}
		if p.Default != nil {
			params[p.Name] = p.Default
			continue
		}
		if p.Required {
			return &ValidationError{Msg: fmt.Sprintf("missing required parameter %s", p.Name)}
		}
	}
	return nil
}

func paramPresent(params map[string]any, p *config.Param) bool {
	name := strings.ToLower(p.Name)
	for key := range params {
		k := strings.ToLower(key)
		if p.Combination {
			if k == name {
				return true
			}
			continue
		}
		for _, op := range p.Operators {
			if k == name+op.Postfix() {
				return true
			}
		}
	}
	return false
}

// Lookup matches an incoming query key against name+postfix for every
// parameter and every allowed operator, case-insensitively, in declaration
// order. Combination parameters match only their bare name. No match is
// not an error; the caller decides whether to ignore the key.
func Lookup(defs []config.Param, queryKey string) (*config.Param, config.Operator, bool) {
	key := strings.ToLower(queryKey)
	for i := range defs {
		p := &defs[i]
		name := strings.ToLower(p.Name)
		if p.Combination {
			if key == name {
				return p, config.OpEq, true
			}
			continue
		}
		for _, op := range p.Operators {
			if key == name+op.Postfix() {
				return p, op, true
			}
		}
	}
	return nil, "", false
}
