// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// RenderPlan holds everything a render needs: two self-contained SQL
// statements for the bulk extractor plus sidecar data the coordinator
// injects into the output file afterwards.
type RenderPlan struct {
	View View

	// GeographyQuery selects one row per geography in the view's own set
	// with the shape bytes and one pivoted output column per view column.
	GeographyQuery string
	// InternalPointQuery selects the same rows projecting the internal
	// point instead of the full shape.
	InternalPointQuery string

	// Plans holds the assignments of every plan visible to this view.
	Plans []RenderPlanAssignments
	// GraphEdges is populated when the view pins a graph.
	GraphEdges []GraphEdge

	// GeoMeta maps geography path to its metadata pointer and the
	// valid_from of the shape version the view observes.
	GeoMeta map[string]RenderGeoMeta
	// Metas holds the distinct Meta rows referenced by GeoMeta.
	Metas map[int64]Meta
}

// RenderPlanAssignments is one visible plan flattened for the sidecar.
type RenderPlanAssignments struct {
	Path        string
	Assignments map[string]string
}

// RenderGeoMeta is the per-geography metadata slice of a render plan.
type RenderGeoMeta struct {
	MetaID    int64
	ValidFrom time.Time
}

// valueSlot names the column_values slot holding a column type's data.
func valueSlot(typ ColumnType) string {
	switch typ {
	case ColumnTypeInt:
		return "val_int"
	case ColumnTypeStr:
		return "val_str"
	case ColumnTypeBool:
		return "val_bool"
	default:
		return "val_float"
	}
}

// sqlTimestamp renders a literal for embedding in extractor SQL. The
// extractor runs outside our connection, so the statements carry no bind
// parameters.
func sqlTimestamp(t time.Time) string {
	return "'" + t.UTC().Format("2006-01-02 15:04:05.999999+00") + "'"
}

func sqlIDList(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}

// quoteIdent quotes an identifier for the extractor SQL; embedded double
// quotes are doubled per SQL rules, not backslash-escaped.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// BuildRenderPlan resolves a view into extractor SQL and sidecar data.
func (db *DB) BuildRenderPlan(ctx context.Context, view View) (_ *RenderPlan, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(view.SetVersionIDs) == 0 || len(view.Columns) == 0 {
		return nil, ErrRender.New("view is not fully resolved")
	}

	plan := &RenderPlan{View: view}
	plan.GeographyQuery = geographyQuery(view, "b.geography")
	plan.InternalPointQuery = geographyQuery(view, "b.internal_point")

	// the sidecar loads are independent and touch disjoint plan fields
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return db.loadVisiblePlans(groupCtx, plan) })
	group.Go(func() error { return db.loadGeoMeta(groupCtx, plan) })
	if view.GraphID != nil {
		group.Go(func() error { return db.loadGraphEdges(groupCtx, plan, *view.GraphID) })
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return plan, nil
}

// geographyQuery builds the extractor statement. Rows come from the view's
// own set; value sources span every accepted set, joined by geography path
// so identical shapes in foreign namespaces contribute their columns.
func geographyQuery(view View, shapeExpr string) string {
	at := sqlTimestamp(view.ValidAt)

	colIDs := make([]int64, len(view.Columns))
	pivots := make([]string, len(view.Columns))
	for i, col := range view.Columns {
		colIDs[i] = col.ColID
		pivots[i] = fmt.Sprintf(
			`max(cv.%s) FILTER (WHERE cv.col_id = %d) AS %s`,
			valueSlot(col.Type), col.ColID, quoteIdent(col.Alias),
		)
	}

	return fmt.Sprintf(`SELECT g.path AS path, %s AS geography%s
FROM gerrydb.geo_set_members m
JOIN gerrydb.geographies g ON g.geo_id = m.geo_id
JOIN gerrydb.geo_versions v ON v.geo_id = g.geo_id
	AND v.valid_from <= %s AND (v.valid_to IS NULL OR v.valid_to > %s)
JOIN gerrydb.geo_bins b ON b.geo_bin_id = v.geo_bin_id
LEFT JOIN (
	SELECT g2.path AS path, %s
	FROM gerrydb.column_values cv
	JOIN gerrydb.geographies g2 ON g2.geo_id = cv.geo_id
	WHERE cv.col_id IN (%s)
		AND cv.geo_id IN (
			SELECT geo_id FROM gerrydb.geo_set_members WHERE set_version_id IN (%s)
		)
		AND cv.valid_from <= %s AND (cv.valid_to IS NULL OR cv.valid_to > %s)
	GROUP BY g2.path
) vals ON vals.path = g.path
WHERE m.set_version_id = %d
ORDER BY m.member_order`,
		shapeExpr,
		prefixedAliases(view.Columns),
		at, at,
		strings.Join(pivots, ",\n\t\t"),
		sqlIDList(colIDs),
		sqlIDList(view.SetVersionIDs),
		at, at,
		view.SetVersionID,
	)
}

// prefixedAliases projects the pivoted columns out of the vals subquery.
func prefixedAliases(cols []ViewColumn) string {
	var b strings.Builder
	for _, col := range cols {
		fmt.Fprintf(&b, ", vals.%s", quoteIdent(col.Alias))
	}
	return b.String()
}

// loadVisiblePlans gathers every plan over the view's own set version that
// existed at the pin time and is either in the view's namespace or public.
func (db *DB) loadVisiblePlans(ctx context.Context, plan *RenderPlan) (err error) {
	view := plan.View
	rows, err := db.pool.Query(ctx, `
		SELECT p.plan_id, p.path
		FROM gerrydb.plans p
		JOIN gerrydb.namespaces n ON n.namespace_id = p.namespace_id
		WHERE p.set_version_id = $1 AND p.created_at <= $2
			AND (p.namespace_id = $3 OR n.public)
		ORDER BY p.path
	`, view.SetVersionID, view.ValidAt, view.NamespaceID)
	if err != nil {
		return Error.Wrap(err)
	}
	defer rows.Close()

	planIDs := make(map[int64]int)
	for rows.Next() {
		var id int64
		var path string
		if err := rows.Scan(&id, &path); err != nil {
			return Error.Wrap(err)
		}
		planIDs[id] = len(plan.Plans)
		plan.Plans = append(plan.Plans, RenderPlanAssignments{
			Path:        path,
			Assignments: make(map[string]string),
		})
	}
	if err := rows.Err(); err != nil {
		return Error.Wrap(err)
	}
	if len(planIDs) == 0 {
		return nil
	}

	assignRows, err := db.pool.Query(ctx, `
		SELECT a.plan_id, g.path, a.assignment
		FROM gerrydb.plan_assignments a
		JOIN gerrydb.geographies g ON g.geo_id = a.geo_id
		WHERE a.plan_id = ANY($1)
	`, keysOf64(planIDs))
	if err != nil {
		return Error.Wrap(err)
	}
	defer assignRows.Close()
	for assignRows.Next() {
		var id int64
		var geoPath, label string
		if err := assignRows.Scan(&id, &geoPath, &label); err != nil {
			return Error.Wrap(err)
		}
		plan.Plans[planIDs[id]].Assignments[geoPath] = label
	}
	return Error.Wrap(assignRows.Err())
}

func keysOf64(set map[int64]int) []int64 {
	keys := make([]int64, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	return keys
}

func (db *DB) loadGraphEdges(ctx context.Context, plan *RenderPlan, graphID int64) (err error) {
	rows, err := db.pool.Query(ctx, `
		SELECT a.path, b.path, e.weights
		FROM gerrydb.graph_edges e
		JOIN gerrydb.geographies a ON a.geo_id = e.geo_id_1
		JOIN gerrydb.geographies b ON b.geo_id = e.geo_id_2
		WHERE e.graph_id = $1
		ORDER BY a.path, b.path
	`, graphID)
	if err != nil {
		return Error.Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var edge GraphEdge
		if err := rows.Scan(&edge.PathA, &edge.PathB, &edge.Weights); err != nil {
			return Error.Wrap(err)
		}
		plan.GraphEdges = append(plan.GraphEdges, edge)
	}
	return Error.Wrap(rows.Err())
}

// loadGeoMeta collects per-geography meta pointers and the valid_from of
// the shape version the view observes, plus the distinct Meta rows.
func (db *DB) loadGeoMeta(ctx context.Context, plan *RenderPlan) (err error) {
	view := plan.View
	rows, err := db.pool.Query(ctx, `
		SELECT g.path, g.meta_id, v.valid_from
		FROM gerrydb.geo_set_members m
		JOIN gerrydb.geographies g ON g.geo_id = m.geo_id
		JOIN gerrydb.geo_versions v ON v.geo_id = g.geo_id
			AND v.valid_from <= $2 AND (v.valid_to IS NULL OR v.valid_to > $2)
		WHERE m.set_version_id = $1
	`, view.SetVersionID, view.ValidAt)
	if err != nil {
		return Error.Wrap(err)
	}
	defer rows.Close()

	plan.GeoMeta = make(map[string]RenderGeoMeta)
	metaIDs := make(map[int64]bool)
	for rows.Next() {
		var path string
		var gm RenderGeoMeta
		if err := rows.Scan(&path, &gm.MetaID, &gm.ValidFrom); err != nil {
			return Error.Wrap(err)
		}
		plan.GeoMeta[path] = gm
		metaIDs[gm.MetaID] = true
	}
	if err := rows.Err(); err != nil {
		return Error.Wrap(err)
	}

	plan.Metas, err = db.GetMetaByIDs(ctx, keysOf(metaIDs))
	return err
}
