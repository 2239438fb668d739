// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/mggg/gerrydb/private/dbutil"
)

// DataColumn is a typed, kinded attribute. The canonical path and any
// aliases live in the column ref table; the alias list is derived, not
// stored.
type DataColumn struct {
	ID             int64
	NamespaceID    int64
	CanonicalRefID int64
	CanonicalPath  string
	Description    string
	SourceURL      *string
	Kind           ColumnKind
	Type           ColumnType
	MetaID         int64
	Aliases        []string
}

// CreateColumn contains arguments for creating a column.
type CreateColumn struct {
	NamespaceID int64
	Path        string
	Description string
	SourceURL   *string
	Kind        ColumnKind
	Type        ColumnType
	Aliases     []string
	MetaID      int64
}

// Verify verifies create column request fields.
func (opts *CreateColumn) Verify() error {
	if opts.NamespaceID == 0 {
		return ErrInvalidRequest.New("NamespaceID missing")
	}
	if opts.MetaID == 0 {
		return ErrInvalidRequest.New("MetaID missing")
	}
	if !ValidColumnKind(opts.Kind) {
		return ErrInvalidRequest.New("unknown column kind %q", opts.Kind)
	}
	if !ValidColumnType(opts.Type) {
		return ErrInvalidRequest.New("unknown column type %q", opts.Type)
	}
	for _, alias := range opts.Aliases {
		if err := ValidatePath(alias); err != nil {
			return err
		}
	}
	return ValidatePath(opts.Path)
}

// CreateColumn creates a column with its canonical ref and declaratively
// creates the column-value partition for its id. The ref <-> column cycle
// is broken arena-style: ref first with a null column pointer, then the
// column, then the back-fill.
func (db *DB) CreateColumn(ctx context.Context, opts CreateColumn) (col DataColumn, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return DataColumn{}, err
	}

	col = DataColumn{
		NamespaceID:   opts.NamespaceID,
		CanonicalPath: NormalizePath(opts.Path),
		Description:   opts.Description,
		SourceURL:     opts.SourceURL,
		Kind:          opts.Kind,
		Type:          opts.Type,
		MetaID:        opts.MetaID,
	}

	err = db.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO gerrydb.column_refs (namespace_id, path, meta_id)
			VALUES ($1, $2, $3)
			RETURNING ref_id
		`, col.NamespaceID, col.CanonicalPath, col.MetaID).Scan(&col.CanonicalRefID)
		if dbutil.IsUniqueViolation(err) {
			return ErrCreateValue.New("column ref %q already exists in namespace", col.CanonicalPath)
		}
		if err != nil {
			return Error.New("unable to insert column ref: %w", err)
		}

		if err := tx.QueryRow(ctx, `
			INSERT INTO gerrydb.columns (namespace_id, canonical_ref_id, description, source_url, kind, type, meta_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING col_id
		`, col.NamespaceID, col.CanonicalRefID, col.Description, col.SourceURL,
			string(col.Kind), string(col.Type), col.MetaID).Scan(&col.ID); err != nil {
			return Error.New("unable to insert column: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE gerrydb.column_refs SET col_id = $1 WHERE ref_id = $2
		`, col.ID, col.CanonicalRefID); err != nil {
			return Error.Wrap(err)
		}

		for _, alias := range opts.Aliases {
			aliasPath := NormalizePath(alias)
			if _, err := tx.Exec(ctx, `
				INSERT INTO gerrydb.column_refs (namespace_id, path, col_id, meta_id)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (namespace_id, path) DO NOTHING
			`, col.NamespaceID, aliasPath, col.ID, col.MetaID); err != nil {
				return Error.Wrap(err)
			}
			col.Aliases = append(col.Aliases, aliasPath)
		}

		if err := ensurePartitionsForColumn(ctx, tx, col.ID, col.NamespaceID); err != nil {
			return err
		}
		return bumpETag(ctx, tx, CollectionColumns, &col.NamespaceID)
	})
	if err != nil {
		return DataColumn{}, err
	}

	mon.Meter("column_create").Mark(1)
	return col, nil
}

// GetColumn resolves a column by canonical path or alias within a
// namespace. Returns nil when no ref matches.
func (db *DB) GetColumn(ctx context.Context, namespaceID int64, path string) (_ *DataColumn, err error) {
	defer mon.Task()(&ctx)(&err)

	var col DataColumn
	var kind, typ string
	err = db.pool.QueryRow(ctx, `
		SELECT c.col_id, c.namespace_id, c.canonical_ref_id, canonical.path,
			c.description, c.source_url, c.kind, c.type, c.meta_id
		FROM gerrydb.column_refs r
		JOIN gerrydb.columns c ON c.col_id = r.col_id
		JOIN gerrydb.column_refs canonical ON canonical.ref_id = c.canonical_ref_id
		WHERE r.namespace_id = $1 AND r.path = $2
	`, namespaceID, NormalizePath(path)).Scan(
		&col.ID, &col.NamespaceID, &col.CanonicalRefID, &col.CanonicalPath,
		&col.Description, &col.SourceURL, &kind, &typ, &col.MetaID)
	if dbutil.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	col.Kind, col.Type = ColumnKind(kind), ColumnType(typ)

	rows, err := db.pool.Query(ctx, `
		SELECT path FROM gerrydb.column_refs
		WHERE col_id = $1 AND path <> $2
		ORDER BY path
	`, col.ID, col.CanonicalPath)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	col.Aliases, err = collectStrings(rows)
	if err != nil {
		return nil, err
	}
	return &col, nil
}

// AddColumnAliases contains arguments for patching column aliases.
type AddColumnAliases struct {
	NamespaceID int64
	Path        string
	Aliases     []string
	MetaID      int64
}

// Verify verifies alias patch fields.
func (opts *AddColumnAliases) Verify() error {
	if opts.NamespaceID == 0 {
		return ErrInvalidRequest.New("NamespaceID missing")
	}
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

// AddColumnAliases adds aliases to an existing column; aliases that already
// exist are skipped idempotently.
func (db *DB) AddColumnAliases(ctx context.Context, opts AddColumnAliases) (_ *DataColumn, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return nil, err
	}

	col, err := db.GetColumn(ctx, opts.NamespaceID, opts.Path)
	if err != nil {
		return nil, err
	}
	if col == nil {
		return nil, ErrNotFound.New("column %q", opts.Path)
	}

	err = db.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, alias := range opts.Aliases {
			if _, err := tx.Exec(ctx, `
				INSERT INTO gerrydb.column_refs (namespace_id, path, col_id, meta_id)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (namespace_id, path) DO NOTHING
			`, opts.NamespaceID, NormalizePath(alias), col.ID, opts.MetaID); err != nil {
				return Error.Wrap(err)
			}
		}
		return bumpETag(ctx, tx, CollectionColumns, &opts.NamespaceID)
	})
	if err != nil {
		return nil, err
	}

	return db.GetColumn(ctx, opts.NamespaceID, opts.Path)
}

// ListColumns returns all columns in a namespace.
func (db *DB) ListColumns(ctx context.Context, namespaceID int64) (_ []DataColumn, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.pool.Query(ctx, `
		SELECT c.col_id, c.namespace_id, c.canonical_ref_id, canonical.path,
			c.description, c.source_url, c.kind, c.type, c.meta_id
		FROM gerrydb.columns c
		JOIN gerrydb.column_refs canonical ON canonical.ref_id = c.canonical_ref_id
		WHERE c.namespace_id = $1
		ORDER BY canonical.path
	`, namespaceID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var cols []DataColumn
	for rows.Next() {
		var col DataColumn
		var kind, typ string
		if err := rows.Scan(&col.ID, &col.NamespaceID, &col.CanonicalRefID, &col.CanonicalPath,
			&col.Description, &col.SourceURL, &kind, &typ, &col.MetaID); err != nil {
			return nil, Error.Wrap(err)
		}
		col.Kind, col.Type = ColumnKind(kind), ColumnType(typ)
		cols = append(cols, col)
	}
	return cols, Error.Wrap(rows.Err())
}
