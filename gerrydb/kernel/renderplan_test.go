// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQuoteIdent(t *testing.T) {
	require.Equal(t, `"pop"`, quoteIdent("pop"))
	require.Equal(t, `"total""pop"`, quoteIdent(`total"pop`))
	require.NotContains(t, quoteIdent(`total"pop`), `\`)
}

func TestGeographyQueryQuotesAliases(t *testing.T) {
	view := View{
		ValidAt:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		SetVersionID:  1,
		SetVersionIDs: []int64{1, 2},
		Columns: []ViewColumn{
			{ColID: 5, Alias: `total"pop`, Kind: ColumnKindCount, Type: ColumnTypeInt},
		},
	}

	query := geographyQuery(view, "b.geography")
	// embedded double quotes are doubled, never backslash-escaped
	require.Contains(t, query, `AS "total""pop"`)
	require.Contains(t, query, `vals."total""pop"`)
	require.NotContains(t, query, `\"`)
}
