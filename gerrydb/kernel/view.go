// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mggg/gerrydb/private/dbutil"
)

// View is an immutable snapshot pinned at a timestamp: a template version,
// a (locality, layer) geo set, and optionally a graph, resolved into a
// consistent cross-namespace column projection.
type View struct {
	ID                int64
	NamespaceID       int64
	Path              string
	TemplateVersionID int64
	LocID             int64
	LayerID           int64
	GraphID           *int64
	ValidAt           time.Time
	Proj              *string
	NumGeos           int
	// SetVersionID is the geo set in the view's own namespace; the full
	// accepted list (own plus compatible foreign sets) is SetVersionIDs.
	SetVersionID  int64
	SetVersionIDs []int64
	MetaID        int64
	CreatedAt     time.Time
	Columns       []ViewColumn
}

// ViewColumn is one resolved output column of a view. Alias is the
// human-readable output name: the column path when unique across the view,
// otherwise prefixed with the namespace.
type ViewColumn struct {
	ColID         int64
	NamespaceID   int64
	NamespacePath string
	Path          string
	Alias         string
	Kind          ColumnKind
	Type          ColumnType
}

// CreateView contains arguments for creating a view.
type CreateView struct {
	NamespaceID int64
	Path        string
	// TemplateNamespaceID defaults to NamespaceID when zero.
	TemplateNamespaceID int64
	TemplatePath        string
	LocalityID          int64
	LayerID             int64
	// GraphPath optionally names a graph in the view's namespace.
	GraphPath *string
	// ValidAt defaults to now; future instants are rejected.
	ValidAt *time.Time
	Proj    *string
	MetaID  int64
}

// Verify verifies create view request fields.
func (opts *CreateView) Verify() error {
	if opts.NamespaceID == 0 {
		return ErrInvalidRequest.New("NamespaceID missing")
	}
	if opts.LocalityID == 0 {
		return ErrInvalidRequest.New("LocalityID missing")
	}
	if opts.LayerID == 0 {
		return ErrInvalidRequest.New("LayerID missing")
	}
	if opts.MetaID == 0 {
		return ErrInvalidRequest.New("MetaID missing")
	}
	if err := ValidatePath(opts.TemplatePath); err != nil {
		return err
	}
	if opts.GraphPath != nil {
		if err := ValidatePath(*opts.GraphPath); err != nil {
			return err
		}
	}
	return ValidatePath(opts.Path)
}

// CreateView resolves and pins a snapshot. Resolution selects the template
// version valid at the pin time, expands its members into distinct columns,
// gathers every candidate geo set for (locality, layer) across the columns'
// namespaces, and accepts a foreign set only when its (path, geometry hash)
// multiset matches the view-namespace set exactly. Every column must then
// have a value open at the pin time for each geography.
func (db *DB) CreateView(ctx context.Context, opts CreateView) (view View, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return View{}, err
	}

	validAt := time.Now().UTC()
	if opts.ValidAt != nil {
		validAt = opts.ValidAt.UTC()
		if validAt.After(time.Now().UTC()) {
			return View{}, ErrCreateValue.New("valid_at is in the future")
		}
	}
	templateNS := opts.TemplateNamespaceID
	if templateNS == 0 {
		templateNS = opts.NamespaceID
	}

	view = View{
		NamespaceID: opts.NamespaceID,
		Path:        NormalizePath(opts.Path),
		LocID:       opts.LocalityID,
		LayerID:     opts.LayerID,
		ValidAt:     validAt,
		Proj:        opts.Proj,
		MetaID:      opts.MetaID,
	}

	err = db.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		view.Columns, view.SetVersionIDs = nil, nil

		// 1. template version covering the pin time
		err := tx.QueryRow(ctx, `
			SELECT v.template_version_id
			FROM gerrydb.view_templates t
			JOIN gerrydb.view_template_versions v ON v.template_id = t.template_id
			WHERE t.namespace_id = $1 AND t.path = $2
				AND v.valid_from <= $3 AND (v.valid_to IS NULL OR v.valid_to > $3)
		`, templateNS, NormalizePath(opts.TemplatePath), validAt).Scan(&view.TemplateVersionID)
		if dbutil.IsNoRows(err) {
			return ErrNotFound.New("no version of template %q valid at %s", opts.TemplatePath, validAt)
		}
		if err != nil {
			return Error.Wrap(err)
		}

		// 2. expand members into distinct columns with output aliases
		view.Columns, err = expandViewColumns(ctx, tx, view.TemplateVersionID)
		if err != nil {
			return err
		}
		if len(view.Columns) == 0 {
			return ErrCreateValue.New("template version has no columns")
		}

		// 3. candidate geo sets across the columns' namespaces plus our own
		candidateNS := map[int64]bool{opts.NamespaceID: true}
		for _, col := range view.Columns {
			candidateNS[col.NamespaceID] = true
		}
		candidates, err := candidateGeoSets(ctx, tx, opts.LayerID, opts.LocalityID, validAt, keysOf(candidateNS), opts.NamespaceID)
		if err != nil {
			return err
		}

		// 4. the view-namespace set is mandatory
		ownSet, ok := candidates[opts.NamespaceID]
		if !ok {
			return ErrNotFound.New("no geographies for locality and layer in namespace")
		}
		view.SetVersionID = ownSet
		view.SetVersionIDs = []int64{ownSet}

		ownShapes, err := setShapeHashes(ctx, tx, ownSet, validAt)
		if err != nil {
			return err
		}
		view.NumGeos = len(ownShapes)

		// 5. accept foreign sets only on exact geometry-hash agreement
		accepted := map[int64]int64{opts.NamespaceID: ownSet}
		var conflicts []string
		for nsID, setID := range candidates {
			if nsID == opts.NamespaceID {
				continue
			}
			shapes, err := setShapeHashes(ctx, tx, setID, validAt)
			if err != nil {
				return err
			}
			if sameShapeSet(ownShapes, shapes) {
				accepted[nsID] = setID
				view.SetVersionIDs = append(view.SetVersionIDs, setID)
				continue
			}
			for _, col := range view.Columns {
				if col.NamespaceID == nsID {
					conflicts = append(conflicts, col.NamespacePath+"/"+col.Path)
				}
			}
		}
		if len(conflicts) > 0 {
			return ErrViewConflict.Wrap(&ConflictError{Columns: conflicts})
		}

		// every column's namespace must have contributed an accepted set
		for _, col := range view.Columns {
			if _, ok := accepted[col.NamespaceID]; !ok {
				return ErrNotFound.New("no geographies for locality and layer in namespace %q", col.NamespacePath)
			}
		}

		// 6. value completeness per column at the pin time
		unionGeos, err := acceptedGeoIDs(ctx, tx, view.SetVersionIDs)
		if err != nil {
			return err
		}
		for _, col := range view.Columns {
			var actual int
			if err := tx.QueryRow(ctx, `
				SELECT count(*) FROM gerrydb.column_values
				WHERE col_id = $1 AND geo_id = ANY($2)
					AND valid_from <= $3 AND (valid_to IS NULL OR valid_to > $3)
			`, col.ColID, unionGeos, validAt).Scan(&actual); err != nil {
				return Error.Wrap(err)
			}
			if actual != view.NumGeos {
				return ErrCreateValue.Wrap(&ValueCountError{
					Column:   col.NamespacePath + "/" + col.Path,
					Actual:   actual,
					Expected: view.NumGeos,
				})
			}
		}

		// 7. optional graph: must sit on our set and predate the pin time
		if opts.GraphPath != nil {
			var graphID, graphSet int64
			var graphCreated time.Time
			err := tx.QueryRow(ctx, `
				SELECT graph_id, set_version_id, created_at FROM gerrydb.graphs
				WHERE namespace_id = $1 AND path = $2
			`, opts.NamespaceID, NormalizePath(*opts.GraphPath)).Scan(&graphID, &graphSet, &graphCreated)
			if dbutil.IsNoRows(err) {
				return ErrNotFound.New("graph %q", *opts.GraphPath)
			}
			if err != nil {
				return Error.Wrap(err)
			}
			if graphSet != ownSet {
				return ErrCreateValue.New("graph %q does not match the view's geo set", *opts.GraphPath)
			}
			if graphCreated.After(validAt) {
				return ErrCreateValue.New("graph %q was created after the view's pin time", *opts.GraphPath)
			}
			view.GraphID = &graphID
		}

		// 8. pin it
		err = tx.QueryRow(ctx, `
			INSERT INTO gerrydb.views
				(namespace_id, path, template_version_id, loc_id, layer_id, graph_id,
					valid_at, proj, num_geos, set_version_id, meta_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING view_id, created_at
		`, view.NamespaceID, view.Path, view.TemplateVersionID, view.LocID, view.LayerID,
			view.GraphID, view.ValidAt, view.Proj, view.NumGeos, view.SetVersionID,
			view.MetaID).Scan(&view.ID, &view.CreatedAt)
		if dbutil.IsUniqueViolation(err) {
			return ErrCreateValue.New("view %q already exists in namespace", view.Path)
		}
		if err != nil {
			return Error.New("unable to insert view: %w", err)
		}

		batch := &pgx.Batch{}
		for _, setID := range view.SetVersionIDs {
			batch.Queue(`
				INSERT INTO gerrydb.view_geo_set_versions (view_id, set_version_id)
				VALUES ($1, $2)
			`, view.ID, setID)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return Error.Wrap(err)
		}

		return bumpETag(ctx, tx, CollectionViews, &opts.NamespaceID)
	})
	if err != nil {
		return View{}, err
	}

	mon.Meter("view_create").Mark(1)
	return view, nil
}

// querier is satisfied by both pgx.Tx and *pgxpool.Pool.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// expandViewColumns flattens a template version's column and column-set
// members into an ordered, deduplicated column list with output aliases.
func expandViewColumns(ctx context.Context, q querier, templateVersionID int64) (_ []ViewColumn, err error) {
	rows, err := q.Query(ctx, `
		SELECT col_id, namespace_id, namespace, path, kind, type FROM (
			SELECT c.col_id, c.namespace_id, n.path AS namespace, canonical.path, c.kind, c.type,
				m.member_order, 0 AS sub_order
			FROM gerrydb.view_template_column_members m
			JOIN gerrydb.column_refs r ON r.ref_id = m.ref_id
			JOIN gerrydb.columns c ON c.col_id = r.col_id
			JOIN gerrydb.column_refs canonical ON canonical.ref_id = c.canonical_ref_id
			JOIN gerrydb.namespaces n ON n.namespace_id = c.namespace_id
			WHERE m.template_version_id = $1
			UNION ALL
			SELECT c.col_id, c.namespace_id, n.path AS namespace, canonical.path, c.kind, c.type,
				m.member_order, sm.member_order + 1 AS sub_order
			FROM gerrydb.view_template_set_members m
			JOIN gerrydb.column_set_members sm ON sm.set_id = m.set_id
			JOIN gerrydb.column_refs r ON r.ref_id = sm.ref_id
			JOIN gerrydb.columns c ON c.col_id = r.col_id
			JOIN gerrydb.column_refs canonical ON canonical.ref_id = c.canonical_ref_id
			JOIN gerrydb.namespaces n ON n.namespace_id = c.namespace_id
			WHERE m.template_version_id = $1
		) cols
		ORDER BY member_order, sub_order
	`, templateVersionID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var cols []ViewColumn
	seen := make(map[int64]bool)
	for rows.Next() {
		var col ViewColumn
		var kind, typ string
		if err := rows.Scan(&col.ColID, &col.NamespaceID, &col.NamespacePath, &col.Path, &kind, &typ); err != nil {
			return nil, Error.Wrap(err)
		}
		if seen[col.ColID] {
			continue
		}
		seen[col.ColID] = true
		col.Kind, col.Type = ColumnKind(kind), ColumnType(typ)
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}

	// alias by bare path when unique, namespace-qualified otherwise
	pathCount := make(map[string]int, len(cols))
	for _, col := range cols {
		pathCount[col.Path]++
	}
	for i := range cols {
		alias := cols[i].Path
		if pathCount[cols[i].Path] > 1 {
			alias = cols[i].NamespacePath + "__" + cols[i].Path
		}
		cols[i].Alias = strings.ReplaceAll(alias, "/", "__")
	}
	return cols, nil
}

// candidateGeoSets finds, per namespace, the geo set version open at the
// given time for the same (layer path, locality) as the requested layer.
// Foreign sets are only candidates when their namespace is public.
func candidateGeoSets(ctx context.Context, q querier, layerID, locID int64, at time.Time, namespaceIDs []int64, ownNS int64) (_ map[int64]int64, err error) {
	rows, err := q.Query(ctx, `
		SELECT l.namespace_id, s.set_version_id
		FROM gerrydb.geo_set_versions s
		JOIN gerrydb.geo_layers l ON l.layer_id = s.layer_id
		JOIN gerrydb.namespaces n ON n.namespace_id = l.namespace_id
		WHERE l.path = (SELECT path FROM gerrydb.geo_layers WHERE layer_id = $1)
			AND s.loc_id = $2
			AND s.valid_from <= $3 AND (s.valid_to IS NULL OR s.valid_to > $3)
			AND l.namespace_id = ANY($4)
			AND (n.public OR l.namespace_id = $5)
	`, layerID, locID, at, namespaceIDs, ownNS)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	sets := make(map[int64]int64)
	for rows.Next() {
		var nsID, setID int64
		if err := rows.Scan(&nsID, &setID); err != nil {
			return nil, Error.Wrap(err)
		}
		sets[nsID] = setID
	}
	return sets, Error.Wrap(rows.Err())
}

// setShapeHashes returns path -> geometry hash for a set's members as of
// the given time, using the geo version valid at that instant.
func setShapeHashes(ctx context.Context, q querier, setVersionID int64, at time.Time) (_ map[string]string, err error) {
	rows, err := q.Query(ctx, `
		SELECT g.path, encode(b.geometry_hash, 'hex')
		FROM gerrydb.geo_set_members m
		JOIN gerrydb.geographies g ON g.geo_id = m.geo_id
		JOIN gerrydb.geo_versions v ON v.geo_id = g.geo_id
			AND v.valid_from <= $2 AND (v.valid_to IS NULL OR v.valid_to > $2)
		JOIN gerrydb.geo_bins b ON b.geo_bin_id = v.geo_bin_id
		WHERE m.set_version_id = $1
	`, setVersionID, at)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	shapes := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, Error.Wrap(err)
		}
		shapes[path] = hash
	}
	return shapes, Error.Wrap(rows.Err())
}

func sameShapeSet(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for path, hash := range a {
		if b[path] != hash {
			return false
		}
	}
	return true
}

// acceptedGeoIDs unions the member geo ids of the accepted set versions.
func acceptedGeoIDs(ctx context.Context, q querier, setVersionIDs []int64) (_ []int64, err error) {
	rows, err := q.Query(ctx, `
		SELECT DISTINCT geo_id FROM gerrydb.geo_set_members
		WHERE set_version_id = ANY($1)
	`, setVersionIDs)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return collectIDs(rows)
}

func keysOf(set map[int64]bool) []int64 {
	keys := make([]int64, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	return keys
}

// GetView looks up a view with its resolved columns and accepted geo set
// versions. Returns nil when missing.
func (db *DB) GetView(ctx context.Context, namespaceID int64, path string) (_ *View, err error) {
	defer mon.Task()(&ctx)(&err)

	var view View
	err = db.pool.QueryRow(ctx, `
		SELECT view_id, namespace_id, path, template_version_id, loc_id, layer_id,
			graph_id, valid_at, proj, num_geos, set_version_id, meta_id, created_at
		FROM gerrydb.views
		WHERE namespace_id = $1 AND path = $2
	`, namespaceID, NormalizePath(path)).Scan(
		&view.ID, &view.NamespaceID, &view.Path, &view.TemplateVersionID,
		&view.LocID, &view.LayerID, &view.GraphID, &view.ValidAt, &view.Proj,
		&view.NumGeos, &view.SetVersionID, &view.MetaID, &view.CreatedAt)
	if dbutil.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	rows, err := db.pool.Query(ctx, `
		SELECT set_version_id FROM gerrydb.view_geo_set_versions WHERE view_id = $1
	`, view.ID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	view.SetVersionIDs, err = collectIDs(rows)
	if err != nil {
		return nil, err
	}

	view.Columns, err = expandViewColumns(ctx, db.pool, view.TemplateVersionID)
	if err != nil {
		return nil, err
	}
	return &view, nil
}
