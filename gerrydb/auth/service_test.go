// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRandomKey(t *testing.T) {
	seen := make(map[string]bool)
	counts := make(map[byte]int)
	for i := 0; i < 64; i++ {
		key, err := randomKey()
		require.NoError(t, err)
		require.True(t, ValidRawKey(key))
		require.False(t, seen[key])
		seen[key] = true
		for j := 0; j < len(key); j++ {
			counts[key[j]]++
		}
	}

	// 4096 uniform draws over 36 characters: every character shows up
	for i := 0; i < len(keyAlphabet); i++ {
		require.Positive(t, counts[keyAlphabet[i]], "character %q never drawn", keyAlphabet[i])
	}
}
