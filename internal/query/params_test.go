package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/meta"
)

func TestLookupPostfixRoundTrip(t *testing.T) {
	defs := []config.Param{{
		Name:      "Fare",
		Column:    "fare_amount",
		Operators: config.Operators,
	}}

	// Every operator's postfix must round-trip case-insensitively.
	for _, op := range config.Operators {
		key := "fare" + op.Postfix()
		def, got, ok := Lookup(defs, key)
		require.True(t, ok, "lookup of %q", key)
		assert.Equal(t, "Fare", def.Name)
		assert.Equal(t, op, got, "lookup of %q", key)

		def, got, ok = Lookup(defs, "FARE"+op.Postfix())
		require.True(t, ok)
		assert.Equal(t, "Fare", def.Name)
		assert.Equal(t, op, got)
	}
}

func TestLookupDeclarationOrderWins(t *testing.T) {
	defs := []config.Param{
		{Name: "year", Operators: []config.Operator{config.OpEq, config.OpIn}},
		{Name: "year_in", Operators: []config.Operator{config.OpEq}},
	}

	def, op, ok := Lookup(defs, "year_in")
	require.True(t, ok)
	assert.Equal(t, "year", def.Name)
	assert.Equal(t, config.OpIn, op)
}

func TestLookupCombinationBareNameOnly(t *testing.T) {
	defs := []config.Param{{Name: "key", Combination: true}}

	_, _, ok := Lookup(defs, "key_in")
	assert.False(t, ok)

	def, _, ok := Lookup(defs, "key")
	require.True(t, ok)
	assert.True(t, def.Combination)
}

func TestLookupNoMatchIsSilent(t *testing.T) {
	defs := []config.Param{{Name: "year", Operators: []config.Operator{config.OpEq}}}

	_, _, ok := Lookup(defs, "month")
	assert.False(t, ok)

	// Postfix for an operator that the param does not allow.
	_, _, ok = Lookup(defs, "year_lt")
	assert.False(t, ok)
}

func TestResolveParamsAddsImplicitPartitionParams(t *testing.T) {
	static := []config.Param{{Name: "year", Column: "year", Operators: []config.Operator{config.OpEq}}}
	m := &meta.Metadata{
		PartitionColumns: []string{"year", "month", "_internal", "id_md5_prefix_2"},
	}

	resolved := ResolveParams(static, config.FormatDelta, m)
	require.Len(t, resolved, 2)
	assert.Equal(t, "month", resolved[1].Name)
	assert.Equal(t, []config.Operator{config.OpEq}, resolved[1].Operators)
}

func TestResolveParamsSkipsNonPartitionedFormats(t *testing.T) {
	m := &meta.Metadata{PartitionColumns: []string{"year"}}

	resolved := ResolveParams(nil, config.FormatCSV, m)
	assert.Empty(t, resolved)
}

func TestResolveParamsWithoutMetadata(t *testing.T) {
	static := []config.Param{{Name: "year", Operators: []config.Operator{config.OpEq}}}
	resolved := ResolveParams(static, config.FormatDelta, meta.None)
	assert.Equal(t, static, resolved)
}

func TestReservedKeys(t *testing.T) {
	for _, key := range []string{"limit", "offset", "$engine", "$select", "$distinct", "$encoding", "$csv_separator", "jsonify_complex", "format"} {
		assert.True(t, Reserved(key), key)
	}
	assert.False(t, Reserved("year"))
}

func TestApplyParamRulesRequired(t *testing.T) {
	defs := []config.Param{{
		Name:      "year",
		Operators: []config.Operator{config.OpEq, config.OpGte},
		Required:  true,
	}}

	err := ApplyParamRules(map[string]any{}, defs)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Msg, "year")

	// Any operator variant satisfies the requirement.
	require.NoError(t, ApplyParamRules(map[string]any{"year_gte": 2020}, defs))
	require.NoError(t, ApplyParamRules(map[string]any{"YEAR": 2024}, defs))
}

func TestApplyParamRulesDefault(t *testing.T) {
	defs := []config.Param{{
		Name:      "year",
		Operators: []config.Operator{config.OpEq},
		Default:   2024,
	}}

	params := map[string]any{}
	require.NoError(t, ApplyParamRules(params, defs))
	assert.Equal(t, 2024, params["year"])

	// A supplied value is never overwritten.
	params = map[string]any{"year": 2019}
	require.NoError(t, ApplyParamRules(params, defs))
	assert.Equal(t, 2019, params["year"])
}

func TestApplyParamRulesDefaultSatisfiesRequired(t *testing.T) {
	defs := []config.Param{{
		Name:      "year",
		Operators: []config.Operator{config.OpEq},
		Required:  true,
		Default:   2024,
	}}

	params := map[string]any{}
	require.NoError(t, ApplyParamRules(params, defs))
	assert.Equal(t, 2024, params["year"])
}
