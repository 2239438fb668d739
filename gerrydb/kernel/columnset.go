// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/mggg/gerrydb/private/dbutil"
)

// ColumnSet groups columns by reference in a fixed order. Composition is
// immutable after creation.
type ColumnSet struct {
	ID          int64
	NamespaceID int64
	Path        string
	Description string
	MetaID      int64
	// RefPaths are the member ref paths in order; ColumnIDs the columns
	// they resolve to.
	RefPaths  []string
	ColumnIDs []int64
}

// CreateColumnSet contains arguments for creating a column set.
type CreateColumnSet struct {
	NamespaceID int64
	Path        string
	Description string
	ColumnPaths []string
	MetaID      int64
}

// Verify verifies create column set request fields.
func (opts *CreateColumnSet) Verify() error {
	if opts.NamespaceID == 0 {
		return ErrInvalidRequest.New("NamespaceID missing")
	}
	if opts.MetaID == 0 {
		return ErrInvalidRequest.New("MetaID missing")
	}
	if len(opts.ColumnPaths) == 0 {
		return ErrInvalidRequest.New("no columns given")
	}
	for _, path := range opts.ColumnPaths {
		if err := ValidatePath(path); err != nil {
			return err
		}
	}
	return ValidatePath(opts.Path)
}

// CreateColumnSet creates an ordered column grouping. Member refs must be
// distinct as columns: two aliases resolving to the same column are
// rejected.
func (db *DB) CreateColumnSet(ctx context.Context, opts CreateColumnSet) (set ColumnSet, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return ColumnSet{}, err
	}

	set = ColumnSet{
		NamespaceID: opts.NamespaceID,
		Path:        NormalizePath(opts.Path),
		Description: opts.Description,
		MetaID:      opts.MetaID,
	}

	err = db.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		set.RefPaths = nil
		set.ColumnIDs = nil

		type refInfo struct {
			refID int64
			colID int64
		}
		refs := make(map[string]refInfo, len(opts.ColumnPaths))
		paths := make([]string, len(opts.ColumnPaths))
		for i, path := range opts.ColumnPaths {
			paths[i] = NormalizePath(path)
		}

		rows, err := tx.Query(ctx, `
			SELECT path, ref_id, col_id FROM gerrydb.column_refs
			WHERE namespace_id = $1 AND path = ANY($2) AND col_id IS NOT NULL
		`, opts.NamespaceID, paths)
		if err != nil {
			return Error.Wrap(err)
		}
		func() {
			defer rows.Close()
			for rows.Next() {
				var path string
				var info refInfo
				if scanErr := rows.Scan(&path, &info.refID, &info.colID); scanErr != nil {
					err = Error.Wrap(scanErr)
					return
				}
				refs[path] = info
			}
			err = Error.Wrap(rows.Err())
		}()
		if err != nil {
			return err
		}

		var missing []string
		seenCols := make(map[int64]string, len(paths))
		for _, path := range paths {
			info, ok := refs[path]
			if !ok {
				missing = append(missing, path)
				continue
			}
			if first, dup := seenCols[info.colID]; dup {
				return ErrCreateValue.New("refs %q and %q resolve to the same column", first, path)
			}
			seenCols[info.colID] = path
		}
		if len(missing) > 0 {
			return ErrCreateValue.Wrap(&PathError{Reason: "columns not found", Paths: missing})
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO gerrydb.column_sets (namespace_id, path, description, meta_id)
			VALUES ($1, $2, $3, $4)
			RETURNING set_id
		`, set.NamespaceID, set.Path, set.Description, set.MetaID).Scan(&set.ID)
		if dbutil.IsUniqueViolation(err) {
			return ErrCreateValue.New("column set %q already exists in namespace", set.Path)
		}
		if err != nil {
			return Error.New("unable to insert column set: %w", err)
		}

		batch := &pgx.Batch{}
		for order, path := range paths {
			info := refs[path]
			batch.Queue(`
				INSERT INTO gerrydb.column_set_members (set_id, ref_id, member_order)
				VALUES ($1, $2, $3)
			`, set.ID, info.refID, order)
			set.RefPaths = append(set.RefPaths, path)
			set.ColumnIDs = append(set.ColumnIDs, info.colID)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return Error.Wrap(err)
		}

		return bumpETag(ctx, tx, CollectionColumnSets, &opts.NamespaceID)
	})
	if err != nil {
		return ColumnSet{}, err
	}

	mon.Meter("column_set_create").Mark(1)
	return set, nil
}

// GetColumnSet looks up a column set with its ordered members. Returns nil
// when missing.
func (db *DB) GetColumnSet(ctx context.Context, namespaceID int64, path string) (_ *ColumnSet, err error) {
	defer mon.Task()(&ctx)(&err)

	var set ColumnSet
	err = db.pool.QueryRow(ctx, `
		SELECT set_id, namespace_id, path, description, meta_id
		FROM gerrydb.column_sets
		WHERE namespace_id = $1 AND path = $2
	`, namespaceID, NormalizePath(path)).Scan(
		&set.ID, &set.NamespaceID, &set.Path, &set.Description, &set.MetaID)
	if dbutil.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	rows, err := db.pool.Query(ctx, `
		SELECT r.path, r.col_id
		FROM gerrydb.column_set_members m
		JOIN gerrydb.column_refs r ON r.ref_id = m.ref_id
		WHERE m.set_id = $1
		ORDER BY m.member_order
	`, set.ID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var refPath string
		var colID int64
		if err := rows.Scan(&refPath, &colID); err != nil {
			return nil, Error.Wrap(err)
		}
		set.RefPaths = append(set.RefPaths, refPath)
		set.ColumnIDs = append(set.ColumnIDs, colID)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	return &set, nil
}
