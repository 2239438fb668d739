// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"bytes"
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// PatchGeographies contains arguments for bulk shape updates.
type PatchGeographies struct {
	NamespaceID int64
	Geographies []GeographyInput
	ImportID    int64
	MetaID      int64
	// AllowEmptyPolys permits replacing a non-empty geometry with an empty
	// one; without it such patches fail in bulk.
	AllowEmptyPolys bool
}

// Verify verifies bulk patch fields.
func (opts *PatchGeographies) Verify() error {
	if opts.NamespaceID == 0 {
		return ErrInvalidRequest.New("NamespaceID missing")
	}
	if opts.ImportID == 0 {
		return ErrInvalidRequest.New("ImportID missing")
	}
	if opts.MetaID == 0 {
		return ErrInvalidRequest.New("MetaID missing")
	}
	if len(opts.Geographies) == 0 {
		return ErrInvalidRequest.New("no geographies given")
	}

	seen := make(map[string]bool, len(opts.Geographies))
	var duplicate, invalid []string
	for _, geo := range opts.Geographies {
		if err := ValidatePath(geo.Path); err != nil {
			return err
		}
		path := NormalizeGeoPath(geo.Path)
		if seen[path] {
			duplicate = append(duplicate, path)
		}
		seen[path] = true
		if err := geo.Shape.Validate(); err != nil {
			invalid = append(invalid, path)
		}
	}
	if len(duplicate) > 0 {
		return ErrBulkPatch.Wrap(&PathError{Reason: "duplicate paths", Paths: duplicate})
	}
	if len(invalid) > 0 {
		return ErrBulkPatch.Wrap(&PathError{Reason: "invalid WKB", Paths: invalid})
	}
	return nil
}

// PatchGeographies updates shapes in bulk. A same-shape input is a no-op;
// otherwise the open GeoVersion is closed and a new one opened against a
// deduplicated GeoBin.
func (db *DB) PatchGeographies(ctx context.Context, opts PatchGeographies) (patched []Geography, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	err = db.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		patched = nil

		paths := make([]string, len(opts.Geographies))
		byPath := make(map[string]GeographyInput, len(opts.Geographies))
		for i, geo := range opts.Geographies {
			paths[i] = NormalizeGeoPath(geo.Path)
			byPath[paths[i]] = geo
		}

		type current struct {
			geo      Geography
			binHash  []byte
			binEmpty bool
		}
		currents := make(map[string]current, len(paths))

		rows, err := tx.Query(ctx, `
			SELECT g.geo_id, g.path, g.meta_id, g.created_at, b.geometry_hash, b.geography
			FROM gerrydb.geographies g
			JOIN gerrydb.geo_versions v ON v.geo_id = g.geo_id AND v.valid_to IS NULL
			JOIN gerrydb.geo_bins b ON b.geo_bin_id = v.geo_bin_id
			WHERE g.namespace_id = $1 AND g.path = ANY($2)
		`, opts.NamespaceID, paths)
		if err != nil {
			return Error.Wrap(err)
		}
		func() {
			defer rows.Close()
			for rows.Next() {
				var cur current
				var shape []byte
				cur.geo.NamespaceID = opts.NamespaceID
				if scanErr := rows.Scan(&cur.geo.ID, &cur.geo.Path, &cur.geo.MetaID, &cur.geo.CreatedAt, &cur.binHash, &shape); scanErr != nil {
					err = Error.Wrap(scanErr)
					return
				}
				cur.binEmpty = Shape{Geography: shape}.Empty()
				currents[cur.geo.Path] = cur
			}
			err = Error.Wrap(rows.Err())
		}()
		if err != nil {
			return err
		}

		var missing, emptied []string
		for _, path := range paths {
			cur, ok := currents[path]
			if !ok {
				missing = append(missing, path)
				continue
			}
			geo := byPath[path]
			if geo.Shape.Empty() && !cur.binEmpty && !opts.AllowEmptyPolys {
				emptied = append(emptied, path)
			}
		}
		if len(missing) > 0 {
			return ErrBulkPatch.Wrap(&PathError{Reason: "geographies not found", Paths: missing})
		}
		if len(emptied) > 0 {
			return ErrBulkPatch.Wrap(&PathError{
				Reason: "replacing non-empty geometries with empty ones requires allow_empty_polys",
				Paths:  emptied,
			})
		}

		var changed []GeographyInput
		for _, path := range paths {
			cur := currents[path]
			geo := byPath[path]
			if bytes.Equal(geo.Shape.Hash(), cur.binHash) {
				// same shape: no-op, but still reported back
				patched = append(patched, cur.geo)
				continue
			}
			changed = append(changed, geo)
		}
		if len(changed) == 0 {
			return nil
		}

		binIDs, err := ensureGeoBins(ctx, tx, shapesOf(changed))
		if err != nil {
			return err
		}

		for _, geo := range changed {
			path := NormalizeGeoPath(geo.Path)
			cur := currents[path]

			if _, err := tx.Exec(ctx, `
				UPDATE gerrydb.geo_versions SET valid_to = $1
				WHERE geo_id = $2 AND valid_to IS NULL
			`, now, cur.geo.ID); err != nil {
				return Error.Wrap(err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO gerrydb.geo_versions (geo_id, geo_bin_id, import_id, valid_from)
				VALUES ($1, $2, $3, $4)
			`, cur.geo.ID, binIDs[string(geo.Shape.Hash())], opts.ImportID, now); err != nil {
				return Error.Wrap(err)
			}
			patched = append(patched, cur.geo)
		}

		return bumpETag(ctx, tx, CollectionGeographies, &opts.NamespaceID)
	})
	if err != nil {
		return nil, err
	}

	mon.Meter("geography_patch").Mark(len(patched))
	return patched, nil
}
