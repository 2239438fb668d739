// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mggg/gerrydb/private/dbutil"
)

// GeoSetVersion binds (layer, locality) to a set of geographies over a
// validity interval. At most one version per pair is open at a time.
type GeoSetVersion struct {
	ID        int64
	LayerID   int64
	LocID     int64
	MetaID    int64
	ValidFrom time.Time
	ValidTo   *time.Time
}

// GeoPointer names a geography by namespace and path.
type GeoPointer struct {
	NamespaceID int64
	Path        string
}

// MapLocality contains arguments for binding a locality to a layer through
// an ordered set of geographies.
type MapLocality struct {
	LayerID    int64
	LocalityID int64
	Geos       []GeoPointer
	MetaID     int64
}

// Verify verifies map-locality request fields.
func (opts *MapLocality) Verify() error {
	if opts.LayerID == 0 {
		return ErrInvalidRequest.New("LayerID missing")
	}
	if opts.LocalityID == 0 {
		return ErrInvalidRequest.New("LocalityID missing")
	}
	if opts.MetaID == 0 {
		return ErrInvalidRequest.New("MetaID missing")
	}
	if len(opts.Geos) == 0 {
		return ErrInvalidRequest.New("no geographies given")
	}
	namespaceID := opts.Geos[0].NamespaceID
	for _, geo := range opts.Geos {
		if err := ValidatePath(geo.Path); err != nil {
			return err
		}
		if geo.NamespaceID != namespaceID {
			return ErrCreateValue.New("geo sets cannot span namespaces")
		}
	}
	return nil
}

// MapLocality opens a new GeoSetVersion for (layer, locality). If the prior
// open version has exactly the same geography set, the call is a no-op and
// returns the existing version.
func (db *DB) MapLocality(ctx context.Context, opts MapLocality) (set GeoSetVersion, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return GeoSetVersion{}, err
	}

	now := time.Now().UTC()
	namespaceID := opts.Geos[0].NamespaceID

	err = db.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		paths := make([]string, len(opts.Geos))
		for i, geo := range opts.Geos {
			paths[i] = NormalizeGeoPath(geo.Path)
		}

		geoIDs := make(map[string]int64, len(paths))
		rows, err := tx.Query(ctx, `
			SELECT path, geo_id FROM gerrydb.geographies
			WHERE namespace_id = $1 AND path = ANY($2)
		`, namespaceID, paths)
		if err != nil {
			return Error.Wrap(err)
		}
		func() {
			defer rows.Close()
			for rows.Next() {
				var path string
				var id int64
				if scanErr := rows.Scan(&path, &id); scanErr != nil {
					err = Error.Wrap(scanErr)
					return
				}
				geoIDs[path] = id
			}
			err = Error.Wrap(rows.Err())
		}()
		if err != nil {
			return err
		}

		var missing []string
		ordered := make([]int64, 0, len(paths))
		members := make(map[int64]bool, len(paths))
		for _, path := range paths {
			id, ok := geoIDs[path]
			if !ok {
				missing = append(missing, path)
				continue
			}
			if !members[id] {
				members[id] = true
				ordered = append(ordered, id)
			}
		}
		if len(missing) > 0 {
			return ErrCreateValue.Wrap(&PathError{Reason: "geographies not found", Paths: missing})
		}

		var prior GeoSetVersion
		err = tx.QueryRow(ctx, `
			SELECT set_version_id, layer_id, loc_id, meta_id, valid_from, valid_to
			FROM gerrydb.geo_set_versions
			WHERE layer_id = $1 AND loc_id = $2 AND valid_to IS NULL
			FOR UPDATE
		`, opts.LayerID, opts.LocalityID).Scan(
			&prior.ID, &prior.LayerID, &prior.LocID, &prior.MetaID, &prior.ValidFrom, &prior.ValidTo)
		hasPrior := true
		if dbutil.IsNoRows(err) {
			hasPrior = false
		} else if err != nil {
			return Error.Wrap(err)
		}

		if hasPrior {
			idRows, err := tx.Query(ctx, `
				SELECT geo_id FROM gerrydb.geo_set_members WHERE set_version_id = $1
			`, prior.ID)
			if err != nil {
				return Error.Wrap(err)
			}
			priorIDs, err := collectIDs(idRows)
			if err != nil {
				return err
			}
			if sameIDSet(priorIDs, ordered) {
				set = prior
				return nil
			}
			if _, err := tx.Exec(ctx, `
				UPDATE gerrydb.geo_set_versions SET valid_to = $1 WHERE set_version_id = $2
			`, now, prior.ID); err != nil {
				return Error.Wrap(err)
			}
		}

		set = GeoSetVersion{
			LayerID:   opts.LayerID,
			LocID:     opts.LocalityID,
			MetaID:    opts.MetaID,
			ValidFrom: now,
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO gerrydb.geo_set_versions (layer_id, loc_id, meta_id, valid_from)
			VALUES ($1, $2, $3, $4)
			RETURNING set_version_id
		`, set.LayerID, set.LocID, set.MetaID, set.ValidFrom).Scan(&set.ID); err != nil {
			return Error.New("unable to insert geo set version: %w", err)
		}

		batch := &pgx.Batch{}
		for order, geoID := range ordered {
			batch.Queue(`
				INSERT INTO gerrydb.geo_set_members (set_version_id, geo_id, member_order)
				VALUES ($1, $2, $3)
			`, set.ID, geoID, order)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return Error.Wrap(err)
		}

		return bumpETag(ctx, tx, CollectionGeoLayers, &namespaceID)
	})
	if err != nil {
		return GeoSetVersion{}, err
	}

	mon.Meter("locality_map").Mark(1)
	return set, nil
}

func sameIDSet(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[int64]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if !set[id] {
			return false
		}
	}
	return true
}

// GetGeoSetVersion returns the set version for (layer, locality) open at
// the given time: valid_from <= at < valid_to. Returns nil when none.
func (db *DB) GetGeoSetVersion(ctx context.Context, layerID, locID int64, at time.Time) (_ *GeoSetVersion, err error) {
	defer mon.Task()(&ctx)(&err)

	var set GeoSetVersion
	err = db.pool.QueryRow(ctx, `
		SELECT set_version_id, layer_id, loc_id, meta_id, valid_from, valid_to
		FROM gerrydb.geo_set_versions
		WHERE layer_id = $1 AND loc_id = $2
			AND valid_from <= $3 AND (valid_to IS NULL OR valid_to > $3)
	`, layerID, locID, at).Scan(&set.ID, &set.LayerID, &set.LocID, &set.MetaID, &set.ValidFrom, &set.ValidTo)
	if dbutil.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &set, nil
}

// GeoSetMembers returns the ordered geography ids of a set version.
func (db *DB) GeoSetMembers(ctx context.Context, setVersionID int64) (_ []int64, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.pool.Query(ctx, `
		SELECT geo_id FROM gerrydb.geo_set_members
		WHERE set_version_id = $1 ORDER BY member_order
	`, setVersionID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return collectIDs(rows)
}
