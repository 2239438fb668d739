// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package render

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver for GeoPackage files
	"github.com/zeebo/errs"

	"github.com/mggg/gerrydb/gerrydb/kernel"
)

// ExtensionName registers the sidecar tables in the GeoPackage extension
// registry.
const ExtensionName = "mggg_gerrydb"

const extensionDefinition = "https://gerrydb.org/extensions/gerrydb"

// sidecar table names, keyed off the geography layer via gpkg_extensions.
const (
	tableViewMeta       = "gerrydb_view_meta"
	tableGeoMeta        = "gerrydb_geo_meta"
	tableGeoMetaXref    = "gerrydb_geo_meta_xref"
	tableGraphEdge      = "gerrydb_graph_edge"
	tableGraphNodeArea  = "gerrydb_graph_node_area"
	tablePlanAssignment = "gerrydb_plan_assignment"
)

// quoteIdent quotes a dynamic sqlite identifier; embedded double quotes are
// doubled per SQL rules, not backslash-escaped.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// injectSidecars validates the extractor output and writes the metadata
// tables into the GeoPackage. The file is opened directly with SQLite.
func injectSidecars(ctx context.Context, path string, plan *kernel.RenderPlan) (err error) {
	defer mon.Task()(&ctx)(&err)

	gpkg, err := sql.Open("sqlite3", path)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = Error.Wrap(errs.Combine(err, gpkg.Close())) }()

	view := plan.View
	if err := validateLayerCounts(ctx, gpkg, view); err != nil {
		return err
	}

	tx, err := gpkg.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err := writeViewMeta(ctx, tx, plan); err != nil {
		return err
	}
	if err := writeGeoMeta(ctx, tx, plan); err != nil {
		return err
	}
	if err := writeGraph(ctx, tx, plan); err != nil {
		return err
	}
	if err := writePlanAssignments(ctx, tx, plan); err != nil {
		return err
	}
	if err := registerExtensions(ctx, tx, view.Path); err != nil {
		return err
	}
	return Error.Wrap(tx.Commit())
}

// validateLayerCounts checks that both layers carry exactly num_geos rows.
func validateLayerCounts(ctx context.Context, gpkg *sql.DB, view kernel.View) error {
	for _, layer := range []string{view.Path, internalPointLayer(view.Path)} {
		var count int
		err := gpkg.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT count(*) FROM %s`, quoteIdent(layer))).Scan(&count)
		if err != nil {
			return kernel.ErrRender.New("layer %q is unreadable: %v", layer, err)
		}
		if count != view.NumGeos {
			return kernel.ErrRender.New(
				"layer %q has %d rows, expected %d", layer, count, view.NumGeos)
		}
	}
	return nil
}

// writeViewMeta stores view-level facts as a JSON key/value table.
func writeViewMeta(ctx context.Context, tx *sql.Tx, plan *kernel.RenderPlan) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE %q (key TEXT PRIMARY KEY, value TEXT NOT NULL)`, tableViewMeta)); err != nil {
		return Error.Wrap(err)
	}

	view := plan.View
	entries := map[string]any{
		"path":     view.Path,
		"valid_at": view.ValidAt,
		"num_geos": view.NumGeos,
		"proj":     view.Proj,
	}
	for key, value := range entries {
		encoded, err := json.Marshal(value)
		if err != nil {
			return Error.Wrap(err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %q (key, value) VALUES (?, ?)`, tableViewMeta),
			key, string(encoded)); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// writeGeoMeta stores the distinct Meta rows and the per-geography xref
// carrying meta pointers and shape valid_from timestamps.
func writeGeoMeta(ctx context.Context, tx *sql.Tx, plan *kernel.RenderPlan) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE %q (
			meta_id INTEGER PRIMARY KEY,
			uuid TEXT NOT NULL,
			notes TEXT NOT NULL,
			created_at TEXT NOT NULL,
			created_by INTEGER NOT NULL
		)`, tableGeoMeta)); err != nil {
		return Error.Wrap(err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE %q (
			path TEXT PRIMARY KEY,
			meta_id INTEGER NOT NULL,
			valid_from TEXT NOT NULL
		)`, tableGeoMetaXref)); err != nil {
		return Error.Wrap(err)
	}

	for _, meta := range plan.Metas {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %q (meta_id, uuid, notes, created_at, created_by)
			 VALUES (?, ?, ?, ?, ?)`, tableGeoMeta),
			meta.ID, meta.UUID.String(), meta.Notes, meta.CreatedAt, meta.CreatedBy); err != nil {
			return Error.Wrap(err)
		}
	}
	for path, gm := range plan.GeoMeta {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %q (path, meta_id, valid_from) VALUES (?, ?, ?)`, tableGeoMetaXref),
			path, gm.MetaID, gm.ValidFrom); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// writeGraph stores graph edges and the node-area table. Node areas are
// populated from the first area-kind column of the view when one exists.
func writeGraph(ctx context.Context, tx *sql.Tx, plan *kernel.RenderPlan) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE %q (
			path_1 TEXT NOT NULL,
			path_2 TEXT NOT NULL,
			weights TEXT,
			PRIMARY KEY (path_1, path_2)
		)`, tableGraphEdge)); err != nil {
		return Error.Wrap(err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE %q (path TEXT PRIMARY KEY, area REAL NOT NULL)`, tableGraphNodeArea)); err != nil {
		return Error.Wrap(err)
	}

	for _, edge := range plan.GraphEdges {
		var weights any
		if len(edge.Weights) > 0 {
			weights = string(edge.Weights)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %q (path_1, path_2, weights) VALUES (?, ?, ?)`, tableGraphEdge),
			edge.PathA, edge.PathB, weights); err != nil {
			return Error.Wrap(err)
		}
	}
	if len(plan.GraphEdges) == 0 {
		return nil
	}

	var areaAlias string
	for _, col := range plan.View.Columns {
		if col.Kind == kernel.ColumnKindArea {
			areaAlias = col.Alias
			break
		}
	}
	if areaAlias == "" {
		return nil
	}
	// the geography layer already carries the pivoted area column
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %q (path, area) SELECT path, %s FROM %s WHERE %s IS NOT NULL`,
		tableGraphNodeArea, quoteIdent(areaAlias), quoteIdent(plan.View.Path), quoteIdent(areaAlias)))
	return Error.Wrap(err)
}

// writePlanAssignments flattens the visible plans into one table with a
// column per plan.
func writePlanAssignments(ctx context.Context, tx *sql.Tx, plan *kernel.RenderPlan) error {
	cols := make([]string, 0, len(plan.Plans))
	for _, p := range plan.Plans {
		cols = append(cols, quoteIdent(p.Path)+" TEXT")
	}
	ddl := fmt.Sprintf(`CREATE TABLE %q (path TEXT PRIMARY KEY`, tablePlanAssignment)
	if len(cols) > 0 {
		ddl += ", " + strings.Join(cols, ", ")
	}
	ddl += ")"
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return Error.Wrap(err)
	}
	if len(plan.Plans) == 0 {
		return nil
	}

	paths := make(map[string]bool)
	for _, p := range plan.Plans {
		for path := range p.Assignments {
			paths[path] = true
		}
	}
	sorted := make([]string, 0, len(paths))
	for path := range paths {
		sorted = append(sorted, path)
	}
	sort.Strings(sorted)

	names := make([]string, 0, len(plan.Plans))
	marks := []string{"?"}
	for _, p := range plan.Plans {
		names = append(names, quoteIdent(p.Path))
		marks = append(marks, "?")
	}
	insert := fmt.Sprintf(`INSERT INTO %q (path, %s) VALUES (%s)`,
		tablePlanAssignment, strings.Join(names, ", "), strings.Join(marks, ", "))

	for _, path := range sorted {
		args := make([]any, 0, len(plan.Plans)+1)
		args = append(args, path)
		for _, p := range plan.Plans {
			if label, ok := p.Assignments[path]; ok {
				args = append(args, label)
			} else {
				args = append(args, nil)
			}
		}
		if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// registerExtensions records every sidecar table in gpkg_extensions with
// read-write scope.
func registerExtensions(ctx context.Context, tx *sql.Tx, layerPath string) error {
	for _, table := range []string{
		layerPath, internalPointLayer(layerPath),
		tableViewMeta, tableGeoMeta, tableGeoMetaXref,
		tableGraphEdge, tableGraphNodeArea, tablePlanAssignment,
	} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO gpkg_extensions (table_name, column_name, extension_name, definition, scope)
			VALUES (?, NULL, ?, ?, 'read-write')
		`, table, ExtensionName, extensionDefinition); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}
