// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidatePath(t *testing.T) {
	for _, path := range []string{"atlantis", "ma/boston", "tracts/25025", "a_b-c.d"} {
		require.NoError(t, ValidatePath(path), path)
	}
	for _, path := range []string{"", "a/../b", "a;drop", "a b", "a\tb", "a\nb"} {
		require.Error(t, ValidatePath(path), "%q", path)
	}
}

func TestNormalizePath(t *testing.T) {
	require.Equal(t, "ma/boston", NormalizePath("/MA//Boston/"))
	require.Equal(t, "pop", NormalizePath("POP"))
	require.Equal(t, "a/b/c", NormalizePath("a/b/c"))
}

func TestNormalizeGeoPath(t *testing.T) {
	// GEOIDs keep the case of the last segment
	require.Equal(t, "tracts/25025A", NormalizeGeoPath("/Tracts//25025A"))
	require.Equal(t, "25025A", NormalizeGeoPath("25025A"))
	require.Equal(t, "vtd/MA-105", NormalizeGeoPath("VTD/MA-105"))
}

func TestValidateSegmentCount(t *testing.T) {
	require.NoError(t, ValidateSegmentCount("a", 1, 1))
	require.Error(t, ValidateSegmentCount("a/b", 1, 1))
	require.NoError(t, ValidateSegmentCount("a/b/c", 1, -1))
	require.Error(t, ValidateSegmentCount("a", 2, -1))
}

func TestColumnKindsAndTypes(t *testing.T) {
	for _, kind := range []ColumnKind{
		ColumnKindCount, ColumnKindPercent, ColumnKindCategorical,
		ColumnKindIdentifier, ColumnKindArea, ColumnKindOther,
	} {
		require.True(t, ValidColumnKind(kind))
	}
	require.False(t, ValidColumnKind("tally"))

	for _, typ := range []ColumnType{
		ColumnTypeFloat, ColumnTypeInt, ColumnTypeBool, ColumnTypeStr, ColumnTypeJSON,
	} {
		require.True(t, ValidColumnType(typ))
	}
	require.False(t, ValidColumnType("double"))
}

func TestCoerceValue(t *testing.T) {
	val, err := coerceValue(ColumnTypeFloat, 1.5)
	require.NoError(t, err)
	require.NotNil(t, val.Float)
	require.Equal(t, 1.5, *val.Float)

	// ints promote to float silently
	val, err = coerceValue(ColumnTypeFloat, 7)
	require.NoError(t, err)
	require.Equal(t, 7.0, *val.Float)

	// JSON numbers arrive as float64; integral ones coerce to int
	val, err = coerceValue(ColumnTypeInt, 42.0)
	require.NoError(t, err)
	require.Equal(t, int64(42), *val.Int)

	_, err = coerceValue(ColumnTypeInt, 42.5)
	require.Error(t, err)

	val, err = coerceValue(ColumnTypeStr, "precinct-7")
	require.NoError(t, err)
	require.Equal(t, "precinct-7", *val.Str)

	_, err = coerceValue(ColumnTypeStr, 3)
	require.Error(t, err)

	val, err = coerceValue(ColumnTypeBool, true)
	require.NoError(t, err)
	require.True(t, *val.Bool)

	_, err = coerceValue(ColumnTypeBool, "true")
	require.Error(t, err)

	_, err = coerceValue(ColumnTypeJSON, map[string]any{"a": 1})
	require.Error(t, err)
}

func TestSetColumnValuesVerifyCollectsTypeErrors(t *testing.T) {
	opts := SetColumnValues{
		ColumnID:    1,
		ColumnType:  ColumnTypeInt,
		NamespaceID: 1,
		MetaID:      1,
		Values: []SetColumnValue{
			{GeoPath: "a", Value: 1},
			{GeoPath: "b", Value: "nope"},
			{GeoPath: "c", Value: 2.5},
		},
	}
	err := opts.Verify()
	require.True(t, ErrColumnValueType.Has(err))

	var typeErrs TypeErrors
	require.ErrorAs(t, err, &typeErrs)
	require.Len(t, typeErrs, 2)
}
