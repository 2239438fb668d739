// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mggg/gerrydb/private/dbutil"
)

// Meta is an immutable object-metadata record. Every mutation in the kernel
// references one.
type Meta struct {
	ID        int64
	UUID      uuid.UUID
	Notes     string
	CreatedAt time.Time
	CreatedBy int64
}

// CreateMeta contains arguments for writing a metadata record.
type CreateMeta struct {
	Notes     string
	CreatedBy int64
}

// Verify verifies create meta request fields.
func (opts *CreateMeta) Verify() error {
	if opts.CreatedBy == 0 {
		return ErrInvalidRequest.New("CreatedBy missing")
	}
	return nil
}

// CreateMeta writes a metadata record attributed to a user.
func (db *DB) CreateMeta(ctx context.Context, opts CreateMeta) (meta Meta, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return Meta{}, err
	}

	meta = Meta{
		UUID:      uuid.New(),
		Notes:     opts.Notes,
		CreatedBy: opts.CreatedBy,
	}
	err = db.pool.QueryRow(ctx, `
		INSERT INTO gerrydb.meta (uuid, notes, created_by)
		VALUES ($1, $2, $3)
		RETURNING meta_id, created_at
	`, meta.UUID, meta.Notes, meta.CreatedBy).Scan(&meta.ID, &meta.CreatedAt)
	if err != nil {
		return Meta{}, Error.New("unable to insert meta: %w", err)
	}
	return meta, nil
}

// GetMeta looks up a metadata record by UUID. Returns nil when missing.
func (db *DB) GetMeta(ctx context.Context, id uuid.UUID) (_ *Meta, err error) {
	defer mon.Task()(&ctx)(&err)

	var meta Meta
	err = db.pool.QueryRow(ctx, `
		SELECT meta_id, uuid, notes, created_at, created_by
		FROM gerrydb.meta WHERE uuid = $1
	`, id).Scan(&meta.ID, &meta.UUID, &meta.Notes, &meta.CreatedAt, &meta.CreatedBy)
	if dbutil.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &meta, nil
}

// GetMetaByIDs fetches distinct metadata records by serial id.
func (db *DB) GetMetaByIDs(ctx context.Context, ids []int64) (_ map[int64]Meta, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.pool.Query(ctx, `
		SELECT meta_id, uuid, notes, created_at, created_by
		FROM gerrydb.meta WHERE meta_id = ANY($1)
	`, ids)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	metas := make(map[int64]Meta, len(ids))
	for rows.Next() {
		var meta Meta
		if err := rows.Scan(&meta.ID, &meta.UUID, &meta.Notes, &meta.CreatedAt, &meta.CreatedBy); err != nil {
			return nil, Error.Wrap(err)
		}
		metas[meta.ID] = meta
	}
	return metas, Error.Wrap(rows.Err())
}
