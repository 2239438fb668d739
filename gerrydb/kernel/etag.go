// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mggg/gerrydb/private/dbutil"
)

// Collection names for the ETag registry.
const (
	CollectionNamespaces    = "namespaces"
	CollectionLocalities    = "localities"
	CollectionGeoLayers     = "geo_layers"
	CollectionGeographies   = "geographies"
	CollectionColumns       = "columns"
	CollectionColumnSets    = "column_sets"
	CollectionPlans         = "plans"
	CollectionGraphs        = "graphs"
	CollectionViewTemplates = "view_templates"
	CollectionViews         = "views"
)

// bumpETag rewrites the ETag for (collection, namespace) inside a mutation's
// transaction. A nil namespaceID targets the global collection.
func bumpETag(ctx context.Context, tx pgx.Tx, collection string, namespaceID *int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO gerrydb.etags (collection, namespace_id, etag)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, coalesce(namespace_id, 0))
		DO UPDATE SET etag = excluded.etag
	`, collection, namespaceID, uuid.New())
	return Error.Wrap(err)
}

// GetETag returns the latest ETag for (collection, namespace), or nil when
// the collection has never been mutated.
func (db *DB) GetETag(ctx context.Context, collection string, namespaceID *int64) (_ *uuid.UUID, err error) {
	defer mon.Task()(&ctx)(&err)

	var etag uuid.UUID
	err = db.pool.QueryRow(ctx, `
		SELECT etag FROM gerrydb.etags
		WHERE collection = $1 AND coalesce(namespace_id, 0) = coalesce($2, 0)
	`, collection, namespaceID).Scan(&etag)
	if dbutil.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &etag, nil
}
