// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mggg/gerrydb/private/dbutil"
)

// ForkEntry names a geography to fork by path and geometry hash.
type ForkEntry struct {
	Path         string
	GeometryHash []byte
}

// ForkGeographies contains arguments for sharing shapes across namespaces:
// new Geography rows in the target namespace whose versions reference
// existing GeoBins by hash, without copying bytes.
type ForkGeographies struct {
	SourceNamespaceID int64
	TargetNamespaceID int64
	Geographies       []ForkEntry
	ImportID          int64
	MetaID            int64
}

// Verify verifies fork request fields.
func (opts *ForkGeographies) Verify() error {
	if opts.SourceNamespaceID == 0 {
		return ErrInvalidRequest.New("SourceNamespaceID missing")
	}
	if opts.TargetNamespaceID == 0 {
		return ErrInvalidRequest.New("TargetNamespaceID missing")
	}
	if opts.SourceNamespaceID == opts.TargetNamespaceID {
		return ErrInvalidRequest.New("cannot fork a namespace into itself")
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
	var duplicate []string
	for _, entry := range opts.Geographies {
		if err := ValidatePath(entry.Path); err != nil {
			return err
		}
		if len(entry.GeometryHash) == 0 {
			return ErrInvalidRequest.New("geometry hash missing for %q", entry.Path)
		}
		path := NormalizeGeoPath(entry.Path)
		if seen[path] {
			duplicate = append(duplicate, path)
		}
		seen[path] = true
	}
	if len(duplicate) > 0 {
		return ErrBulkCreate.Wrap(&PathError{Reason: "duplicate paths", Paths: duplicate})
	}
	return nil
}

// ForkGeographies creates geographies in the target namespace referencing
// existing GeoBins by hash.
func (db *DB) ForkGeographies(ctx context.Context, opts ForkGeographies) (created []Geography, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	err = db.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		created = nil

		paths := make([]string, len(opts.Geographies))
		hashes := make([][]byte, len(opts.Geographies))
		for i, entry := range opts.Geographies {
			paths[i] = NormalizeGeoPath(entry.Path)
			hashes[i] = entry.GeometryHash
		}

		rows, err := tx.Query(ctx, `
			SELECT path FROM gerrydb.geographies
			WHERE namespace_id = $1 AND path = ANY($2)
		`, opts.TargetNamespaceID, paths)
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

		binIDs := make(map[string]int64, len(hashes))
		binRows, err := tx.Query(ctx, `
			SELECT geo_bin_id, geometry_hash FROM gerrydb.geo_bins WHERE geometry_hash = ANY($1)
		`, hashes)
		if err != nil {
			return Error.Wrap(err)
		}
		func() {
			defer binRows.Close()
			for binRows.Next() {
				var id int64
				var hash []byte
				if scanErr := binRows.Scan(&id, &hash); scanErr != nil {
					err = Error.Wrap(scanErr)
					return
				}
				binIDs[string(hash)] = id
			}
			err = Error.Wrap(binRows.Err())
		}()
		if err != nil {
			return err
		}

		var unknown []string
		for i, entry := range opts.Geographies {
			if _, ok := binIDs[string(entry.GeometryHash)]; !ok {
				unknown = append(unknown, paths[i]+" ("+hex.EncodeToString(entry.GeometryHash)+")")
			}
		}
		if len(unknown) > 0 {
			return ErrBulkCreate.Wrap(&PathError{Reason: "unknown geometry hashes", Paths: unknown})
		}

		geoIDs := make([]int64, len(opts.Geographies))
		for i, entry := range opts.Geographies {
			var id int64
			var createdAt time.Time
			err := tx.QueryRow(ctx, `
				INSERT INTO gerrydb.geographies (namespace_id, path, meta_id)
				VALUES ($1, $2, $3)
				RETURNING geo_id, created_at
			`, opts.TargetNamespaceID, paths[i], opts.MetaID).Scan(&id, &createdAt)
			if err != nil {
				return Error.New("unable to insert geography: %w", err)
			}
			geoIDs[i] = id

			if _, err := tx.Exec(ctx, `
				INSERT INTO gerrydb.geo_versions (geo_id, geo_bin_id, import_id, valid_from)
				VALUES ($1, $2, $3, $4)
			`, id, binIDs[string(entry.GeometryHash)], opts.ImportID, now); err != nil {
				return Error.New("unable to insert geo version: %w", err)
			}

			created = append(created, Geography{
				ID:          id,
				NamespaceID: opts.TargetNamespaceID,
				Path:        paths[i],
				MetaID:      opts.MetaID,
				CreatedAt:   createdAt,
			})
		}

		if err := ensurePartitionsForGeos(ctx, tx, opts.TargetNamespaceID, geoIDs); err != nil {
			return err
		}
		return bumpETag(ctx, tx, CollectionGeographies, &opts.TargetNamespaceID)
	})
	if err != nil {
		return nil, err
	}

	mon.Meter("geography_fork").Mark(len(created))
	return created, nil
}

// GetGeography looks up a geography with its open version and bin. Returns
// nils when missing.
func (db *DB) GetGeography(ctx context.Context, namespaceID int64, path string) (_ *Geography, _ *GeoVersion, _ *GeoBin, err error) {
	defer mon.Task()(&ctx)(&err)

	var geo Geography
	var version GeoVersion
	var bin GeoBin
	err = db.pool.QueryRow(ctx, `
		SELECT g.geo_id, g.namespace_id, g.path, g.meta_id, g.created_at,
			v.geo_bin_id, v.import_id, v.valid_from, v.valid_to,
			b.geo_bin_id, b.geometry_hash, b.geography, b.internal_point
		FROM gerrydb.geographies g
		JOIN gerrydb.geo_versions v ON v.geo_id = g.geo_id AND v.valid_to IS NULL
		JOIN gerrydb.geo_bins b ON b.geo_bin_id = v.geo_bin_id
		WHERE g.namespace_id = $1 AND g.path = $2
	`, namespaceID, NormalizeGeoPath(path)).Scan(
		&geo.ID, &geo.NamespaceID, &geo.Path, &geo.MetaID, &geo.CreatedAt,
		&version.GeoBinID, &version.ImportID, &version.ValidFrom, &version.ValidTo,
		&bin.ID, &bin.GeometryHash, &bin.Geography, &bin.InternalPoint)
	if err != nil {
		if dbutil.IsNoRows(err) {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, Error.Wrap(err)
	}
	version.GeoID = geo.ID
	return &geo, &version, &bin, nil
}
