// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mggg/gerrydb/private/dbutil"
)

// GeoImport identifies a batch of geography mutations for attribution.
type GeoImport struct {
	ID          int64
	UUID        uuid.UUID
	NamespaceID int64
	CreatedAt   time.Time
	CreatedBy   int64
	MetaID      int64
}

// CreateGeoImport contains arguments for opening an import batch.
type CreateGeoImport struct {
	NamespaceID int64
	CreatedBy   int64
	MetaID      int64
}

// Verify verifies create geo-import request fields.
func (opts *CreateGeoImport) Verify() error {
	switch {
	case opts.NamespaceID == 0:
		return ErrInvalidRequest.New("NamespaceID missing")
	case opts.CreatedBy == 0:
		return ErrInvalidRequest.New("CreatedBy missing")
	case opts.MetaID == 0:
		return ErrInvalidRequest.New("MetaID missing")
	}
	return nil
}

// CreateGeoImport opens an import batch in a namespace.
func (db *DB) CreateGeoImport(ctx context.Context, opts CreateGeoImport) (imp GeoImport, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return GeoImport{}, err
	}

	imp = GeoImport{
		UUID:        uuid.New(),
		NamespaceID: opts.NamespaceID,
		CreatedBy:   opts.CreatedBy,
		MetaID:      opts.MetaID,
	}
	err = db.pool.QueryRow(ctx, `
		INSERT INTO gerrydb.geo_imports (uuid, namespace_id, created_by, meta_id)
		VALUES ($1, $2, $3, $4)
		RETURNING import_id, created_at
	`, imp.UUID, imp.NamespaceID, imp.CreatedBy, imp.MetaID).Scan(&imp.ID, &imp.CreatedAt)
	if err != nil {
		return GeoImport{}, Error.New("unable to insert geo import: %w", err)
	}
	return imp, nil
}

// GetGeoImport looks up an import batch by UUID. Returns nil when missing.
func (db *DB) GetGeoImport(ctx context.Context, id uuid.UUID) (_ *GeoImport, err error) {
	defer mon.Task()(&ctx)(&err)

	var imp GeoImport
	err = db.pool.QueryRow(ctx, `
		SELECT import_id, uuid, namespace_id, created_at, created_by, meta_id
		FROM gerrydb.geo_imports WHERE uuid = $1
	`, id).Scan(&imp.ID, &imp.UUID, &imp.NamespaceID, &imp.CreatedAt, &imp.CreatedBy, &imp.MetaID)
	if dbutil.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &imp, nil
}

// ListGeoImports returns the import batches in a namespace, newest first.
func (db *DB) ListGeoImports(ctx context.Context, namespaceID int64) (_ []GeoImport, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.pool.Query(ctx, `
		SELECT import_id, uuid, namespace_id, created_at, created_by, meta_id
		FROM gerrydb.geo_imports WHERE namespace_id = $1
		ORDER BY created_at DESC
	`, namespaceID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var imports []GeoImport
	for rows.Next() {
		var imp GeoImport
		if err := rows.Scan(&imp.ID, &imp.UUID, &imp.NamespaceID, &imp.CreatedAt, &imp.CreatedBy, &imp.MetaID); err != nil {
			return nil, Error.Wrap(err)
		}
		imports = append(imports, imp)
	}
	return imports, Error.Wrap(rows.Err())
}
