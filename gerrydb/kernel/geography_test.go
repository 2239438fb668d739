// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"testing"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/wkb"
	"github.com/stretchr/testify/require"
)

func squareWKB(t *testing.T) []byte {
	encoded, err := wkb.EncodeBytes(geom.Polygon{{
		{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0},
	}})
	require.NoError(t, err)
	return encoded
}

func TestShapeNormalize(t *testing.T) {
	var empty Shape
	normalized := empty.Normalize()
	require.Equal(t, emptyPolygonWKB, normalized.Geography)
	require.Equal(t, emptyPointWKB, normalized.InternalPoint)
	require.True(t, empty.Empty())

	shape := Shape{Geography: squareWKB(t)}
	require.False(t, shape.Empty())
	require.Equal(t, emptyPointWKB, shape.Normalize().InternalPoint)
}

func TestShapeValidate(t *testing.T) {
	require.NoError(t, Shape{}.Validate())
	require.NoError(t, Shape{Geography: squareWKB(t)}.Validate())

	err := Shape{Geography: []byte{0xde, 0xad, 0xbe, 0xef}}.Validate()
	require.True(t, ErrInvalidRequest.Has(err))

	err = Shape{Geography: squareWKB(t), InternalPoint: []byte{0x01}}.Validate()
	require.True(t, ErrInvalidRequest.Has(err))
}

func TestShapeHash(t *testing.T) {
	square := Shape{Geography: squareWKB(t)}

	// stable and independent of the internal point
	require.Equal(t, square.Hash(), square.Hash())
	withPoint := Shape{Geography: squareWKB(t), InternalPoint: emptyPointWKB}
	require.Equal(t, square.Hash(), withPoint.Hash())

	// all empty shapes collapse onto one hash
	require.Equal(t, Shape{}.Hash(), Shape{Geography: emptyPolygonWKB}.Hash())
	require.NotEqual(t, square.Hash(), Shape{}.Hash())

	// md5 output
	require.Len(t, square.Hash(), 16)
}
