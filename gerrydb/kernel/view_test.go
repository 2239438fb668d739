// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mggg/gerrydb/gerrydb/kernel"
	"github.com/mggg/gerrydb/gerrydb/kernel/kerneltest"
)

// addColumnWithValues creates an int column and writes one value per path.
func addColumnWithValues(ctx context.Context, t *testing.T, db *kernel.DB, w world, path string, values map[string]int) kernel.DataColumn {
	col, err := db.CreateColumn(ctx, kernel.CreateColumn{
		NamespaceID: w.NS.ID,
		Path:        path,
		Kind:        kernel.ColumnKindCount,
		Type:        kernel.ColumnTypeInt,
		MetaID:      w.MetaID,
	})
	require.NoError(t, err)

	var sets []kernel.SetColumnValue
	for geoPath, value := range values {
		sets = append(sets, kernel.SetColumnValue{GeoPath: geoPath, Value: value})
	}
	_, err = db.SetColumnValues(ctx, kernel.SetColumnValues{
		ColumnID:    col.ID,
		ColumnType:  col.Type,
		NamespaceID: w.NS.ID,
		Values:      sets,
		MetaID:      w.MetaID,
	})
	require.NoError(t, err)
	return col
}

func TestViewAcrossCompatibleNamespaces(t *testing.T) {
	kerneltest.Run(t, func(ctx context.Context, t *testing.T, db *kernel.DB) {
		// namespaces A and B hold byte-identical geographies
		a := buildWorld(ctx, t, db, "aa", true)
		b := buildWorld(ctx, t, db, "bb", true)
		// share the locality so both namespaces map the same one
		b.Loc = a.Loc

		squares := []kernel.GeographyInput{
			{Path: "g1", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 0, 0)}},
			{Path: "g2", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 1, 0)}},
		}
		a.addGeos(ctx, t, db, squares)
		b.addGeos(ctx, t, db, squares)
		a.mapAll(ctx, t, db, []string{"g1", "g2"})
		setB := b.mapAll(ctx, t, db, []string{"g1", "g2"})

		addColumnWithValues(ctx, t, db, a, "pop", map[string]int{"g1": 10, "g2": 20})
		addColumnWithValues(ctx, t, db, b, "vap", map[string]int{"g1": 7, "g2": 15})

		tmpl, err := db.CreateViewTemplate(ctx, kernel.CreateViewTemplate{
			NamespaceID: b.NS.ID,
			Path:        "pop-and-vap",
			Members: []kernel.TemplateMember{
				{Kind: kernel.TemplateMemberColumn, Namespace: "aa", Path: "pop"},
				{Kind: kernel.TemplateMemberColumn, Path: "vap"},
			},
			MetaID: b.MetaID,
		})
		require.NoError(t, err)
		require.Len(t, tmpl.Members, 2)

		view, err := db.CreateView(ctx, kernel.CreateView{
			NamespaceID:  b.NS.ID,
			Path:         "snapshot",
			TemplatePath: "pop-and-vap",
			LocalityID:   b.Loc.ID,
			LayerID:      b.Layer.ID,
			MetaID:       b.MetaID,
		})
		require.NoError(t, err)
		require.Equal(t, 2, view.NumGeos)
		require.Equal(t, setB.ID, view.SetVersionID)
		require.Len(t, view.SetVersionIDs, 2)
		require.Len(t, view.Columns, 2)

		// diverge A's g1: the same template no longer composes
		_, err = db.PatchGeographies(ctx, kernel.PatchGeographies{
			NamespaceID: a.NS.ID,
			Geographies: []kernel.GeographyInput{
				{Path: "g1", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 9, 9)}},
			},
			ImportID: a.Import.ID,
			MetaID:   a.MetaID,
		})
		require.NoError(t, err)

		_, err = db.CreateView(ctx, kernel.CreateView{
			NamespaceID:  b.NS.ID,
			Path:         "snapshot-2",
			TemplatePath: "pop-and-vap",
			LocalityID:   b.Loc.ID,
			LayerID:      b.Layer.ID,
			MetaID:       b.MetaID,
		})
		require.True(t, kernel.ErrViewConflict.Has(err))

		var conflict *kernel.ConflictError
		require.ErrorAs(t, err, &conflict)
		require.Contains(t, conflict.Columns, "aa/pop")
	})
}

func TestViewValueCompleteness(t *testing.T) {
	kerneltest.Run(t, func(ctx context.Context, t *testing.T, db *kernel.DB) {
		w := buildWorld(ctx, t, db, "atlantis", true)
		w.addGeos(ctx, t, db, []kernel.GeographyInput{
			{Path: "g1", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 0, 0)}},
			{Path: "g2", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 1, 0)}},
		})
		w.mapAll(ctx, t, db, []string{"g1", "g2"})

		// values for only one of two geographies
		addColumnWithValues(ctx, t, db, w, "pop", map[string]int{"g1": 10})

		_, err := db.CreateViewTemplate(ctx, kernel.CreateViewTemplate{
			NamespaceID: w.NS.ID,
			Path:        "pop-only",
			Members: []kernel.TemplateMember{
				{Kind: kernel.TemplateMemberColumn, Path: "pop"},
			},
			MetaID: w.MetaID,
		})
		require.NoError(t, err)

		_, err = db.CreateView(ctx, kernel.CreateView{
			NamespaceID:  w.NS.ID,
			Path:         "incomplete",
			TemplatePath: "pop-only",
			LocalityID:   w.Loc.ID,
			LayerID:      w.Layer.ID,
			MetaID:       w.MetaID,
		})
		require.True(t, kernel.ErrCreateValue.Has(err))

		var count *kernel.ValueCountError
		require.ErrorAs(t, err, &count)
		require.Equal(t, 1, count.Actual)
		require.Equal(t, 2, count.Expected)
	})
}

func TestViewPinning(t *testing.T) {
	kerneltest.Run(t, func(ctx context.Context, t *testing.T, db *kernel.DB) {
		w := buildWorld(ctx, t, db, "atlantis", true)
		w.addGeos(ctx, t, db, []kernel.GeographyInput{
			{Path: "g1", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 0, 0)}},
		})
		set := w.mapAll(ctx, t, db, []string{"g1"})
		addColumnWithValues(ctx, t, db, w, "pop", map[string]int{"g1": 10})

		_, err := db.CreateViewTemplate(ctx, kernel.CreateViewTemplate{
			NamespaceID: w.NS.ID,
			Path:        "pop-only",
			Members: []kernel.TemplateMember{
				{Kind: kernel.TemplateMemberColumn, Path: "pop"},
			},
			MetaID: w.MetaID,
		})
		require.NoError(t, err)

		graph, err := db.CreateGraph(ctx, kernel.CreateGraph{
			NamespaceID:  w.NS.ID,
			Path:         "dual",
			SetVersionID: set.ID,
			MetaID:       w.MetaID,
		})
		require.NoError(t, err)
		_ = graph

		// future pins are rejected outright
		future := time.Now().Add(time.Hour)
		_, err = db.CreateView(ctx, kernel.CreateView{
			NamespaceID:  w.NS.ID,
			Path:         "tomorrow",
			TemplatePath: "pop-only",
			LocalityID:   w.Loc.ID,
			LayerID:      w.Layer.ID,
			ValidAt:      &future,
			MetaID:       w.MetaID,
		})
		require.True(t, kernel.ErrCreateValue.Has(err))

		// pins before the template existed find no version
		past := time.Now().Add(-time.Hour)
		_, err = db.CreateView(ctx, kernel.CreateView{
			NamespaceID:  w.NS.ID,
			Path:         "yesterday",
			TemplatePath: "pop-only",
			LocalityID:   w.Loc.ID,
			LayerID:      w.Layer.ID,
			ValidAt:      &past,
			MetaID:       w.MetaID,
		})
		require.True(t, kernel.ErrNotFound.Has(err))

		graphPath := "dual"
		view, err := db.CreateView(ctx, kernel.CreateView{
			NamespaceID:  w.NS.ID,
			Path:         "pinned",
			TemplatePath: "pop-only",
			LocalityID:   w.Loc.ID,
			LayerID:      w.Layer.ID,
			GraphPath:    &graphPath,
			MetaID:       w.MetaID,
		})
		require.NoError(t, err)
		require.NotNil(t, view.GraphID)

		got, err := db.GetView(ctx, w.NS.ID, "pinned")
		require.NoError(t, err)
		require.Equal(t, view.ID, got.ID)
		require.Equal(t, view.NumGeos, got.NumGeos)
	})
}

func TestRenderPlan(t *testing.T) {
	kerneltest.Run(t, func(ctx context.Context, t *testing.T, db *kernel.DB) {
		w := buildWorld(ctx, t, db, "atlantis", true)
		w.addGeos(ctx, t, db, []kernel.GeographyInput{
			{Path: "g1", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 0, 0)}},
			{Path: "g2", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 1, 0)}},
		})
		set := w.mapAll(ctx, t, db, []string{"g1", "g2"})
		addColumnWithValues(ctx, t, db, w, "pop", map[string]int{"g1": 10, "g2": 20})

		_, err := db.CreatePlan(ctx, kernel.CreatePlan{
			NamespaceID:  w.NS.ID,
			Path:         "split",
			SetVersionID: set.ID,
			Assignments:  map[string]string{"g1": "1", "g2": "2"},
			MetaID:       w.MetaID,
		})
		require.NoError(t, err)

		_, err = db.CreateViewTemplate(ctx, kernel.CreateViewTemplate{
			NamespaceID: w.NS.ID,
			Path:        "pop-only",
			Members: []kernel.TemplateMember{
				{Kind: kernel.TemplateMemberColumn, Path: "pop"},
			},
			MetaID: w.MetaID,
		})
		require.NoError(t, err)

		view, err := db.CreateView(ctx, kernel.CreateView{
			NamespaceID:  w.NS.ID,
			Path:         "export",
			TemplatePath: "pop-only",
			LocalityID:   w.Loc.ID,
			LayerID:      w.Layer.ID,
			MetaID:       w.MetaID,
		})
		require.NoError(t, err)

		plan, err := db.BuildRenderPlan(ctx, view)
		require.NoError(t, err)
		require.Contains(t, plan.GeographyQuery, `"pop"`)
		require.Contains(t, plan.InternalPointQuery, "internal_point")
		require.Len(t, plan.Plans, 1)
		require.Equal(t, "split", plan.Plans[0].Path)
		require.Len(t, plan.GeoMeta, 2)
		require.Len(t, plan.Metas, 1)
	})
}

func TestViewPrivateNamespaceIsolation(t *testing.T) {
	kerneltest.Run(t, func(ctx context.Context, t *testing.T, db *kernel.DB) {
		// private namespaces with byte-identical geographies
		a := buildWorld(ctx, t, db, "aa", false)
		b := buildWorld(ctx, t, db, "bb", false)
		b.Loc = a.Loc

		squares := []kernel.GeographyInput{
			{Path: "g1", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 0, 0)}},
		}
		a.addGeos(ctx, t, db, squares)
		b.addGeos(ctx, t, db, squares)
		a.mapAll(ctx, t, db, []string{"g1"})
		setB := b.mapAll(ctx, t, db, []string{"g1"})

		addColumnWithValues(ctx, t, db, a, "pop", map[string]int{"g1": 10})
		addColumnWithValues(ctx, t, db, b, "vap", map[string]int{"g1": 7})

		// a member reaching into a private foreign namespace is reported as
		// missing, indistinguishable from a nonexistent column
		_, err := db.CreateViewTemplate(ctx, kernel.CreateViewTemplate{
			NamespaceID: b.NS.ID,
			Path:        "pop-and-vap",
			Members: []kernel.TemplateMember{
				{Kind: kernel.TemplateMemberColumn, Namespace: "aa", Path: "pop"},
				{Kind: kernel.TemplateMemberColumn, Path: "vap"},
			},
			MetaID: b.MetaID,
		})
		require.True(t, kernel.ErrCreateValue.Has(err))

		var pathErr *kernel.PathError
		require.ErrorAs(t, err, &pathErr)
		require.Contains(t, pathErr.Paths, "aa/pop")

		// composing over b's own column never accepts a's private set, even
		// though its geographies hash identically
		_, err = db.CreateViewTemplate(ctx, kernel.CreateViewTemplate{
			NamespaceID: b.NS.ID,
			Path:        "vap-only",
			Members: []kernel.TemplateMember{
				{Kind: kernel.TemplateMemberColumn, Path: "vap"},
			},
			MetaID: b.MetaID,
		})
		require.NoError(t, err)

		view, err := db.CreateView(ctx, kernel.CreateView{
			NamespaceID:  b.NS.ID,
			Path:         "snapshot",
			TemplatePath: "vap-only",
			LocalityID:   b.Loc.ID,
			LayerID:      b.Layer.ID,
			MetaID:       b.MetaID,
		})
		require.NoError(t, err)
		require.Equal(t, setB.ID, view.SetVersionID)
		require.Len(t, view.SetVersionIDs, 1)
	})
}
