// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// GeographyInput is one geography in a bulk create or patch.
type GeographyInput struct {
	Path  string
	Shape Shape
}

// CreateGeographies contains arguments for bulk geography creation.
type CreateGeographies struct {
	NamespaceID int64
	Geographies []GeographyInput
	ImportID    int64
	MetaID      int64
}

// Verify verifies bulk create fields: well-formed distinct paths and
// parseable WKB.
func (opts *CreateGeographies) Verify() error {
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
		return ErrBulkCreate.Wrap(&PathError{Reason: "duplicate paths", Paths: duplicate})
	}
	if len(invalid) > 0 {
		return ErrBulkCreate.Wrap(&PathError{Reason: "invalid WKB", Paths: invalid})
	}
	return nil
}

// CreateGeographies bulk-creates geographies with deduplicated shape
// storage: one Geography row per path, GeoBin rows only for unseen geometry
// hashes, and one open GeoVersion per geography.
func (db *DB) CreateGeographies(ctx context.Context, opts CreateGeographies) (created []Geography, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	err = db.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		created = nil

		paths := make([]string, len(opts.Geographies))
		for i, geo := range opts.Geographies {
			paths[i] = NormalizeGeoPath(geo.Path)
		}

		rows, err := tx.Query(ctx, `
			SELECT path FROM gerrydb.geographies
			WHERE namespace_id = $1 AND path = ANY($2)
		`, opts.NamespaceID, paths)
		if err != nil {
			return Error.Wrap(err)
		}
		taken, err := collectStrings(rows)
		if err != nil {
			return err
		}
		if len(taken) > 0 {
			return ErrBulkCreate.Wrap(&PathError{Reason: "geography paths already exist", Paths: taken})
		}

		binIDs, err := ensureGeoBins(ctx, tx, shapesOf(opts.Geographies))
		if err != nil {
			return err
		}

		geoIDs := make([]int64, len(opts.Geographies))
		for i, geo := range opts.Geographies {
			var id int64
			var createdAt time.Time
			err := tx.QueryRow(ctx, `
				INSERT INTO gerrydb.geographies (namespace_id, path, meta_id)
				VALUES ($1, $2, $3)
				RETURNING geo_id, created_at
			`, opts.NamespaceID, paths[i], opts.MetaID).Scan(&id, &createdAt)
			if err != nil {
				return Error.New("unable to insert geography: %w", err)
			}
			geoIDs[i] = id
			created = append(created, Geography{
				ID:          id,
				NamespaceID: opts.NamespaceID,
				Path:        paths[i],
				MetaID:      opts.MetaID,
				CreatedAt:   createdAt,
			})

			if _, err := tx.Exec(ctx, `
				INSERT INTO gerrydb.geo_versions (geo_id, geo_bin_id, import_id, valid_from)
				VALUES ($1, $2, $3, $4)
			`, id, binIDs[string(geo.Shape.Hash())], opts.ImportID, now); err != nil {
				return Error.New("unable to insert geo version: %w", err)
			}
		}

		if err := ensurePartitionsForGeos(ctx, tx, opts.NamespaceID, geoIDs); err != nil {
			return err
		}
		return bumpETag(ctx, tx, CollectionGeographies, &opts.NamespaceID)
	})
	if err != nil {
		return nil, err
	}

	mon.Meter("geography_create").Mark(len(created))
	return created, nil
}

func shapesOf(geos []GeographyInput) []Shape {
	shapes := make([]Shape, len(geos))
	for i, geo := range geos {
		shapes[i] = geo.Shape
	}
	return shapes
}

// ensureGeoBins upserts GeoBin rows for every distinct hash in shapes and
// returns a hash -> geo_bin_id map. Duplicate-hash inserts are idempotent.
func ensureGeoBins(ctx context.Context, tx pgx.Tx, shapes []Shape) (map[string]int64, error) {
	distinct := make(map[string]Shape, len(shapes))
	hashes := make([][]byte, 0, len(shapes))
	for _, shape := range shapes {
		hash := shape.Hash()
		if _, ok := distinct[string(hash)]; !ok {
			distinct[string(hash)] = shape.Normalize()
			hashes = append(hashes, hash)
		}
	}

	binIDs := make(map[string]int64, len(distinct))
	rows, err := tx.Query(ctx, `
		SELECT geo_bin_id, geometry_hash FROM gerrydb.geo_bins WHERE geometry_hash = ANY($1)
	`, hashes)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	func() {
		defer rows.Close()
		for rows.Next() {
			var id int64
			var hash []byte
			if scanErr := rows.Scan(&id, &hash); scanErr != nil {
				err = Error.Wrap(scanErr)
				return
			}
			binIDs[string(hash)] = id
		}
		err = Error.Wrap(rows.Err())
	}()
	if err != nil {
		return nil, err
	}

	for hash, shape := range distinct {
		if _, ok := binIDs[hash]; ok {
			continue
		}
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO gerrydb.geo_bins (geometry_hash, geography, internal_point)
			VALUES ($1, $2, $3)
			ON CONFLICT (geometry_hash) DO UPDATE SET geometry_hash = excluded.geometry_hash
			RETURNING geo_bin_id
		`, []byte(hash), shape.Geography, shape.InternalPoint).Scan(&id)
		if err != nil {
			return nil, Error.New("unable to insert geo bin: %w", err)
		}
		binIDs[hash] = id
	}
	return binIDs, nil
}
