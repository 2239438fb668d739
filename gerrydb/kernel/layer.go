// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/mggg/gerrydb/private/dbutil"
)

// GeoLayer is a kind of geography, e.g. counties or blocks.
type GeoLayer struct {
	ID          int64
	NamespaceID int64
	Path        string
	Description string
	SourceURL   *string
	MetaID      int64
}

// CreateGeoLayer contains arguments for creating a layer.
type CreateGeoLayer struct {
	NamespaceID int64
	Path        string
	Description string
	SourceURL   *string
	MetaID      int64
}

// Verify verifies create layer request fields.
func (opts *CreateGeoLayer) Verify() error {
	if opts.NamespaceID == 0 {
		return ErrInvalidRequest.New("NamespaceID missing")
	}
	if opts.MetaID == 0 {
		return ErrInvalidRequest.New("MetaID missing")
	}
	return ValidatePath(opts.Path)
}

// CreateGeoLayer creates a geographic layer in a namespace.
func (db *DB) CreateGeoLayer(ctx context.Context, opts CreateGeoLayer) (layer GeoLayer, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return GeoLayer{}, err
	}

	layer = GeoLayer{
		NamespaceID: opts.NamespaceID,
		Path:        NormalizePath(opts.Path),
		Description: opts.Description,
		SourceURL:   opts.SourceURL,
		MetaID:      opts.MetaID,
	}
	err = db.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO gerrydb.geo_layers (namespace_id, path, description, source_url, meta_id)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING layer_id
		`, layer.NamespaceID, layer.Path, layer.Description, layer.SourceURL, layer.MetaID).Scan(&layer.ID)
		if dbutil.IsUniqueViolation(err) {
			return ErrCreateValue.New("layer %q already exists in namespace", layer.Path)
		}
		if err != nil {
			return Error.New("unable to insert layer: %w", err)
		}
		return bumpETag(ctx, tx, CollectionGeoLayers, &opts.NamespaceID)
	})
	if err != nil {
		return GeoLayer{}, err
	}
	return layer, nil
}

// GetGeoLayer looks up a layer by (namespace, path). Returns nil when
// missing.
func (db *DB) GetGeoLayer(ctx context.Context, namespaceID int64, path string) (_ *GeoLayer, err error) {
	defer mon.Task()(&ctx)(&err)

	var layer GeoLayer
	err = db.pool.QueryRow(ctx, `
		SELECT layer_id, namespace_id, path, description, source_url, meta_id
		FROM gerrydb.geo_layers
		WHERE namespace_id = $1 AND path = $2
	`, namespaceID, NormalizePath(path)).Scan(
		&layer.ID, &layer.NamespaceID, &layer.Path, &layer.Description, &layer.SourceURL, &layer.MetaID)
	if dbutil.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &layer, nil
}

// ListGeoLayers returns all layers in a namespace.
func (db *DB) ListGeoLayers(ctx context.Context, namespaceID int64) (_ []GeoLayer, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.pool.Query(ctx, `
		SELECT layer_id, namespace_id, path, description, source_url, meta_id
		FROM gerrydb.geo_layers WHERE namespace_id = $1 ORDER BY path
	`, namespaceID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var layers []GeoLayer
	for rows.Next() {
		var layer GeoLayer
		if err := rows.Scan(&layer.ID, &layer.NamespaceID, &layer.Path, &layer.Description, &layer.SourceURL, &layer.MetaID); err != nil {
			return nil, Error.Wrap(err)
		}
		layers = append(layers, layer)
	}
	return layers, Error.Wrap(rows.Err())
}
