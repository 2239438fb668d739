// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/mggg/gerrydb/private/dbutil"
)

// Locality is a named place in the locality forest.
type Locality struct {
	ID            int64
	CanonicalPath string
	Name          string
	ParentID      *int64
	DefaultProj   *string
	MetaID        int64
	Aliases       []string
}

// CreateLocality describes one locality in a bulk create.
type CreateLocality struct {
	CanonicalPath string
	Name          string
	ParentPath    *string
	DefaultProj   *string
	Aliases       []string
}

// CreateLocalities contains arguments for bulk locality creation.
type CreateLocalities struct {
	Localities []CreateLocality
	MetaID     int64
}

// Verify verifies bulk locality creation fields.
func (opts *CreateLocalities) Verify() error {
	if opts.MetaID == 0 {
		return ErrInvalidRequest.New("MetaID missing")
	}
	if len(opts.Localities) == 0 {
		return ErrInvalidRequest.New("no localities given")
	}
	seen := make(map[string]bool, len(opts.Localities))
	for _, loc := range opts.Localities {
		if err := ValidatePath(loc.CanonicalPath); err != nil {
			return err
		}
		path := NormalizePath(loc.CanonicalPath)
		if seen[path] {
			return ErrCreateValue.New("duplicate canonical path %q", path)
		}
		seen[path] = true
		if loc.Name == "" {
			return ErrInvalidRequest.New("locality %q has no name", path)
		}
		for _, alias := range loc.Aliases {
			if err := ValidatePath(alias); err != nil {
				return err
			}
		}
	}
	return nil
}

// CreateLocalities creates localities with canonical refs and aliases in one
// transaction. Parents may be pre-existing localities or other members of
// the same batch.
func (db *DB) CreateLocalities(ctx context.Context, opts CreateLocalities) (created []Locality, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return nil, err
	}

	err = db.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		created, err = db.createLocalities(ctx, tx, opts)
		if err != nil {
			return err
		}
		return bumpETag(ctx, tx, CollectionLocalities, nil)
	})
	if err != nil {
		return nil, err
	}

	mon.Meter("locality_create").Mark(len(created))
	return created, nil
}

func (db *DB) createLocalities(ctx context.Context, tx pgx.Tx, opts CreateLocalities) ([]Locality, error) {
	// collect every referenced path up front: one lookup for parents,
	// one uniqueness check for canonical paths and aliases
	batchPaths := make(map[string]int, len(opts.Localities))
	var parentPaths, allNewPaths []string
	for i, loc := range opts.Localities {
		path := NormalizePath(loc.CanonicalPath)
		batchPaths[path] = i
		allNewPaths = append(allNewPaths, path)
		for _, alias := range loc.Aliases {
			allNewPaths = append(allNewPaths, NormalizePath(alias))
		}
		if loc.ParentPath != nil {
			parentPaths = append(parentPaths, NormalizePath(*loc.ParentPath))
		}
	}

	var taken []string
	rows, err := tx.Query(ctx, `SELECT path FROM gerrydb.locality_refs WHERE path = ANY($1)`, allNewPaths)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	taken, err = collectStrings(rows)
	if err != nil {
		return nil, err
	}
	if len(taken) > 0 {
		return nil, ErrCreateValue.Wrap(&PathError{Reason: "locality paths already exist", Paths: taken})
	}

	existingParents := make(map[string]int64, len(parentPaths))
	if len(parentPaths) > 0 {
		rows, err := tx.Query(ctx, `
			SELECT path, loc_id FROM gerrydb.locality_refs
			WHERE path = ANY($1) AND loc_id IS NOT NULL
		`, parentPaths)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		defer rows.Close()
		for rows.Next() {
			var path string
			var id int64
			if err := rows.Scan(&path, &id); err != nil {
				return nil, Error.Wrap(err)
			}
			existingParents[path] = id
		}
		if err := rows.Err(); err != nil {
			return nil, Error.Wrap(err)
		}
	}

	// create locality rows in dependency order: parents either exist already
	// or appear earlier in the resolved order
	created := make([]Locality, len(opts.Localities))
	done := make([]bool, len(opts.Localities))
	locIDs := make(map[string]int64, len(opts.Localities))
	remaining := len(opts.Localities)

	for remaining > 0 {
		progress := false
		for i, loc := range opts.Localities {
			if done[i] {
				continue
			}
			path := NormalizePath(loc.CanonicalPath)

			var parentID *int64
			if loc.ParentPath != nil {
				parentPath := NormalizePath(*loc.ParentPath)
				if id, ok := existingParents[parentPath]; ok {
					parentID = &id
				} else if id, ok := locIDs[parentPath]; ok {
					parentID = &id
				} else if _, inBatch := batchPaths[parentPath]; inBatch {
					continue // parent comes later in this batch
				} else {
					return nil, ErrCreateValue.New("unknown parent %q for locality %q", parentPath, path)
				}
			}

			var refID int64
			err := tx.QueryRow(ctx, `
				INSERT INTO gerrydb.locality_refs (path, meta_id) VALUES ($1, $2)
				RETURNING ref_id
			`, path, opts.MetaID).Scan(&refID)
			if err != nil {
				return nil, Error.Wrap(err)
			}

			var locID int64
			err = tx.QueryRow(ctx, `
				INSERT INTO gerrydb.localities (canonical_ref_id, parent_id, name, default_proj, meta_id)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING loc_id
			`, refID, parentID, loc.Name, loc.DefaultProj, opts.MetaID).Scan(&locID)
			if err != nil {
				return nil, Error.Wrap(err)
			}

			// back-fill the canonical ref
			if _, err := tx.Exec(ctx, `
				UPDATE gerrydb.locality_refs SET loc_id = $1 WHERE ref_id = $2
			`, locID, refID); err != nil {
				return nil, Error.Wrap(err)
			}

			aliases := make([]string, 0, len(loc.Aliases))
			for _, alias := range loc.Aliases {
				aliasPath := NormalizePath(alias)
				if _, err := tx.Exec(ctx, `
					INSERT INTO gerrydb.locality_refs (path, loc_id, meta_id) VALUES ($1, $2, $3)
				`, aliasPath, locID, opts.MetaID); err != nil {
					return nil, Error.Wrap(err)
				}
				aliases = append(aliases, aliasPath)
			}

			locIDs[path] = locID
			created[i] = Locality{
				ID:            locID,
				CanonicalPath: path,
				Name:          loc.Name,
				ParentID:      parentID,
				DefaultProj:   loc.DefaultProj,
				MetaID:        opts.MetaID,
				Aliases:       aliases,
			}
			done[i] = true
			remaining--
			progress = true
		}
		if !progress {
			var stuck []string
			for i, loc := range opts.Localities {
				if !done[i] {
					stuck = append(stuck, NormalizePath(loc.CanonicalPath))
				}
			}
			return nil, ErrCreateValue.Wrap(&PathError{Reason: "unresolvable parents", Paths: stuck})
		}
	}
	return created, nil
}

// GetLocality resolves a locality by canonical path or alias. Returns nil
// when no ref matches.
func (db *DB) GetLocality(ctx context.Context, path string) (_ *Locality, err error) {
	defer mon.Task()(&ctx)(&err)

	var loc Locality
	err = db.pool.QueryRow(ctx, `
		SELECT l.loc_id, canonical.path, l.name, l.parent_id, l.default_proj, l.meta_id
		FROM gerrydb.locality_refs r
		JOIN gerrydb.localities l ON l.loc_id = r.loc_id
		JOIN gerrydb.locality_refs canonical ON canonical.ref_id = l.canonical_ref_id
		WHERE r.path = $1
	`, NormalizePath(path)).Scan(&loc.ID, &loc.CanonicalPath, &loc.Name, &loc.ParentID, &loc.DefaultProj, &loc.MetaID)
	if dbutil.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	loc.Aliases, err = db.localityAliases(ctx, loc.ID, loc.CanonicalPath)
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

// GetLocalityByID looks up a locality by surrogate id. Returns nil when
// missing.
func (db *DB) GetLocalityByID(ctx context.Context, locID int64) (_ *Locality, err error) {
	defer mon.Task()(&ctx)(&err)

	var loc Locality
	err = db.pool.QueryRow(ctx, `
		SELECT l.loc_id, canonical.path, l.name, l.parent_id, l.default_proj, l.meta_id
		FROM gerrydb.localities l
		JOIN gerrydb.locality_refs canonical ON canonical.ref_id = l.canonical_ref_id
		WHERE l.loc_id = $1
	`, locID).Scan(&loc.ID, &loc.CanonicalPath, &loc.Name, &loc.ParentID, &loc.DefaultProj, &loc.MetaID)
	if dbutil.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	loc.Aliases, err = db.localityAliases(ctx, loc.ID, loc.CanonicalPath)
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

// localityAliases derives the alias list from the ref table.
func (db *DB) localityAliases(ctx context.Context, locID int64, canonicalPath string) ([]string, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT path FROM gerrydb.locality_refs
		WHERE loc_id = $1 AND path <> $2
		ORDER BY path
	`, locID, canonicalPath)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return collectStrings(rows)
}

// ListLocalities returns every locality with its aliases.
func (db *DB) ListLocalities(ctx context.Context) (_ []Locality, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.pool.Query(ctx, `
		SELECT l.loc_id, canonical.path, l.name, l.parent_id, l.default_proj, l.meta_id
		FROM gerrydb.localities l
		JOIN gerrydb.locality_refs canonical ON canonical.ref_id = l.canonical_ref_id
		ORDER BY canonical.path
	`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var locs []Locality
	for rows.Next() {
		var loc Locality
		if err := rows.Scan(&loc.ID, &loc.CanonicalPath, &loc.Name, &loc.ParentID, &loc.DefaultProj, &loc.MetaID); err != nil {
			return nil, Error.Wrap(err)
		}
		locs = append(locs, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}

	for i := range locs {
		locs[i].Aliases, err = db.localityAliases(ctx, locs[i].ID, locs[i].CanonicalPath)
		if err != nil {
			return nil, err
		}
	}
	return locs, nil
}

// AddLocalityAliases contains arguments for patching a locality's aliases.
// Aliases can only be added, never removed.
type AddLocalityAliases struct {
	Path    string
	Aliases []string
	MetaID  int64
}

// Verify verifies alias patch fields.
func (opts *AddLocalityAliases) Verify() error {
	if opts.MetaID == 0 {
		return ErrInvalidRequest.New("MetaID missing")
	}
	if len(opts.Aliases) == 0 {
		return ErrInvalidRequest.New("no aliases given")
	}
	for _, alias := range opts.Aliases {
		if err := ValidatePath(alias); err != nil {
			return err
		}
	}
	return ValidatePath(opts.Path)
}

// AddLocalityAliases adds aliases to an existing locality.
func (db *DB) AddLocalityAliases(ctx context.Context, opts AddLocalityAliases) (_ *Locality, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return nil, err
	}

	loc, err := db.GetLocality(ctx, opts.Path)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		return nil, ErrNotFound.New("locality %q", opts.Path)
	}

	err = db.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, alias := range opts.Aliases {
			_, err := tx.Exec(ctx, `
				INSERT INTO gerrydb.locality_refs (path, loc_id, meta_id)
				VALUES ($1, $2, $3)
				ON CONFLICT (path) DO NOTHING
			`, NormalizePath(alias), loc.ID, opts.MetaID)
			if err != nil {
				return Error.Wrap(err)
			}
		}
		return bumpETag(ctx, tx, CollectionLocalities, nil)
	})
	if err != nil {
		return nil, err
	}

	return db.GetLocality(ctx, opts.Path)
}

func collectStrings(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, s)
	}
	return out, Error.Wrap(rows.Err())
}
