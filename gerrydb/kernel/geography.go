// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"time"

	"github.com/go-spatial/geom/encoding/wkb"
)

// GeometrySRID is the fixed SRID marker mixed into every geometry hash.
const GeometrySRID = 4269

// Geography is a named spatial object in a namespace. Its identity is the
// path; its shape evolves through GeoVersion rows.
type Geography struct {
	ID          int64
	NamespaceID int64
	Path        string
	MetaID      int64
	CreatedAt   time.Time
}

// GeoBin is deduplicated shape storage keyed by geometry hash. Rows are
// created on first use and never mutated.
type GeoBin struct {
	ID            int64
	GeometryHash  []byte
	Geography     []byte
	InternalPoint []byte
}

// GeoVersion links a Geography to a GeoBin over [ValidFrom, ValidTo). The
// open version has a nil ValidTo.
type GeoVersion struct {
	GeoID     int64
	GeoBinID  int64
	ImportID  *int64
	ValidFrom time.Time
	ValidTo   *time.Time
}

// Canonical WKB for empty shapes: all missing geometries collapse onto these
// bytes so they share a single GeoBin row.
var (
	// little-endian POLYGON with zero rings
	emptyPolygonWKB = []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	// little-endian POINT (NaN NaN)
	emptyPointWKB = []byte{
		0x01, 0x01, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xf8, 0x7f,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xf8, 0x7f,
	}
)

// Shape is a raw WKB geometry plus an optional internal point.
type Shape struct {
	Geography     []byte
	InternalPoint []byte
}

// Normalize replaces empty inputs with the canonical empty polygon and empty
// point so that all missing shapes hash identically.
func (s Shape) Normalize() Shape {
	if len(s.Geography) == 0 {
		s.Geography = emptyPolygonWKB
	}
	if len(s.InternalPoint) == 0 {
		s.InternalPoint = emptyPointWKB
	}
	return s
}

// Empty reports whether the normalized geography is the canonical empty
// polygon.
func (s Shape) Empty() bool {
	return bytes.Equal(s.Normalize().Geography, emptyPolygonWKB)
}

// Validate checks that both WKB payloads parse. Normalized empty shapes are
// always valid.
func (s Shape) Validate() error {
	s = s.Normalize()
	if !s.Empty() {
		if _, err := wkb.DecodeBytes(s.Geography); err != nil {
			return ErrInvalidRequest.New("invalid geometry WKB: %v", err)
		}
	}
	if !bytes.Equal(s.Normalize().InternalPoint, emptyPointWKB) {
		if _, err := wkb.DecodeBytes(s.InternalPoint); err != nil {
			return ErrInvalidRequest.New("invalid internal point WKB: %v", err)
		}
	}
	return nil
}

// Hash content-addresses the normalized geography: an MD5 over the WKB bytes
// prefixed with the little-endian GeometrySRID marker.
func (s Shape) Hash() []byte {
	s = s.Normalize()
	h := md5.New()
	var srid [4]byte
	binary.LittleEndian.PutUint32(srid[:], GeometrySRID)
	_, _ = h.Write(srid[:])
	_, _ = h.Write(s.Geography)
	return h.Sum(nil)
}
