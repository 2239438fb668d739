// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mggg/gerrydb/private/dbutil"
)

// Graph is a dual graph over the geographies of a GeoSetVersion. Edges are
// unordered pairs with optional JSON weights.
type Graph struct {
	ID           int64
	NamespaceID  int64
	Path         string
	SetVersionID int64
	Description  string
	SourceURL    *string
	MetaID       int64
	CreatedAt    time.Time
	Edges        []GraphEdge
}

// GraphEdge is one undirected edge. PathA < PathB is not guaranteed on the
// wire; storage normalizes by geo id.
type GraphEdge struct {
	PathA   string
	PathB   string
	Weights json.RawMessage
}

// CreateGraph contains arguments for creating a graph.
type CreateGraph struct {
	NamespaceID  int64
	Path         string
	SetVersionID int64
	Description  string
	SourceURL    *string
	Edges        []GraphEdge
	MetaID       int64
}

// Verify verifies create graph request fields.
func (opts *CreateGraph) Verify() error {
	if opts.NamespaceID == 0 {
		return ErrInvalidRequest.New("NamespaceID missing")
	}
	if opts.SetVersionID == 0 {
		return ErrInvalidRequest.New("SetVersionID missing")
	}
	if opts.MetaID == 0 {
		return ErrInvalidRequest.New("MetaID missing")
	}
	for _, edge := range opts.Edges {
		if err := ValidatePath(edge.PathA); err != nil {
			return err
		}
		if err := ValidatePath(edge.PathB); err != nil {
			return err
		}
	}
	return ValidatePath(opts.Path)
}

// CreateGraph creates a graph over a GeoSetVersion. Every edge endpoint must
// resolve to a member of the set; missing endpoints are reported together.
// Edges are stored with geo_id_1 < geo_id_2 so the unordered pair is unique.
func (db *DB) CreateGraph(ctx context.Context, opts CreateGraph) (graph Graph, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return Graph{}, err
	}

	graph = Graph{
		NamespaceID:  opts.NamespaceID,
		Path:         NormalizePath(opts.Path),
		SetVersionID: opts.SetVersionID,
		Description:  opts.Description,
		SourceURL:    opts.SourceURL,
		MetaID:       opts.MetaID,
	}

	err = db.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		graph.Edges = nil

		memberIDs := make(map[string]int64)
		rows, err := tx.Query(ctx, `
			SELECT g.path, g.geo_id
			FROM gerrydb.geo_set_members m
			JOIN gerrydb.geographies g ON g.geo_id = m.geo_id
			WHERE m.set_version_id = $1
		`, opts.SetVersionID)
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
				memberIDs[path] = id
			}
			err = Error.Wrap(rows.Err())
		}()
		if err != nil {
			return err
		}

		type storedEdge struct {
			a, b    int64
			weights json.RawMessage
		}
		var missing []string
		missingSeen := make(map[string]bool)
		edges := make([]storedEdge, 0, len(opts.Edges))
		seen := make(map[[2]int64]bool, len(opts.Edges))
		for _, edge := range opts.Edges {
			pathA, pathB := NormalizeGeoPath(edge.PathA), NormalizeGeoPath(edge.PathB)
			idA, okA := memberIDs[pathA]
			idB, okB := memberIDs[pathB]
			if !okA && !missingSeen[pathA] {
				missing = append(missing, pathA)
				missingSeen[pathA] = true
			}
			if !okB && !missingSeen[pathB] {
				missing = append(missing, pathB)
				missingSeen[pathB] = true
			}
			if !okA || !okB {
				continue
			}
			if idA > idB {
				idA, idB = idB, idA
				pathA, pathB = pathB, pathA
			}
			key := [2]int64{idA, idB}
			if seen[key] {
				continue
			}
			seen[key] = true
			edges = append(edges, storedEdge{a: idA, b: idB, weights: edge.Weights})
			graph.Edges = append(graph.Edges, GraphEdge{PathA: pathA, PathB: pathB, Weights: edge.Weights})
		}
		if len(missing) > 0 {
			return ErrCreateValue.Wrap(&PathError{
				Reason: "edge endpoints are not members of the geo set",
				Paths:  missing,
			})
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO gerrydb.graphs
				(namespace_id, path, set_version_id, description, source_url, meta_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING graph_id, created_at
		`, graph.NamespaceID, graph.Path, graph.SetVersionID, graph.Description,
			graph.SourceURL, graph.MetaID).Scan(&graph.ID, &graph.CreatedAt)
		if dbutil.IsUniqueViolation(err) {
			return ErrCreateValue.New("graph %q already exists in namespace", graph.Path)
		}
		if err != nil {
			return Error.New("unable to insert graph: %w", err)
		}

		batch := &pgx.Batch{}
		for _, edge := range edges {
			batch.Queue(`
				INSERT INTO gerrydb.graph_edges (graph_id, geo_id_1, geo_id_2, weights)
				VALUES ($1, $2, $3, $4)
			`, graph.ID, edge.a, edge.b, edge.weights)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return Error.Wrap(err)
		}

		return bumpETag(ctx, tx, CollectionGraphs, &opts.NamespaceID)
	})
	if err != nil {
		return Graph{}, err
	}

	mon.Meter("graph_create").Mark(1)
	return graph, nil
}

// GetGraph looks up a graph with its edges. Returns nil when missing.
func (db *DB) GetGraph(ctx context.Context, namespaceID int64, path string) (_ *Graph, err error) {
	defer mon.Task()(&ctx)(&err)

	var graph Graph
	err = db.pool.QueryRow(ctx, `
		SELECT graph_id, namespace_id, path, set_version_id, description, source_url, meta_id, created_at
		FROM gerrydb.graphs
		WHERE namespace_id = $1 AND path = $2
	`, namespaceID, NormalizePath(path)).Scan(
		&graph.ID, &graph.NamespaceID, &graph.Path, &graph.SetVersionID,
		&graph.Description, &graph.SourceURL, &graph.MetaID, &graph.CreatedAt)
	if dbutil.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	rows, err := db.pool.Query(ctx, `
		SELECT a.path, b.path, e.weights
		FROM gerrydb.graph_edges e
		JOIN gerrydb.geographies a ON a.geo_id = e.geo_id_1
		JOIN gerrydb.geographies b ON b.geo_id = e.geo_id_2
		WHERE e.graph_id = $1
		ORDER BY a.path, b.path
	`, graph.ID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var edge GraphEdge
		if err := rows.Scan(&edge.PathA, &edge.PathB, &edge.Weights); err != nil {
			return nil, Error.Wrap(err)
		}
		graph.Edges = append(graph.Edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	return &graph, nil
}
