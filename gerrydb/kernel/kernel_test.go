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

// world is the common fixture: a namespace with a layer, a locality, an
// open import batch, and helpers to add geographies and columns.
type world struct {
	UserID int64
	MetaID int64
	NS     kernel.Namespace
	Layer  kernel.GeoLayer
	Loc    kernel.Locality
	Import kernel.GeoImport
}

func buildWorld(ctx context.Context, t *testing.T, db *kernel.DB, nsPath string, public bool) world {
	userID, metaID := kerneltest.CreateUserAndMeta(ctx, t, db)
	ns := kerneltest.CreateNamespace(ctx, t, db, nsPath, public, userID, metaID)

	layer, err := db.CreateGeoLayer(ctx, kernel.CreateGeoLayer{
		NamespaceID: ns.ID,
		Path:        "counties",
		MetaID:      metaID,
	})
	require.NoError(t, err)

	locs, err := db.CreateLocalities(ctx, kernel.CreateLocalities{
		Localities: []kernel.CreateLocality{
			{CanonicalPath: nsPath + "-state", Name: "State of " + nsPath},
		},
		MetaID: metaID,
	})
	require.NoError(t, err)

	imp, err := db.CreateGeoImport(ctx, kernel.CreateGeoImport{
		NamespaceID: ns.ID,
		CreatedBy:   userID,
		MetaID:      metaID,
	})
	require.NoError(t, err)

	return world{
		UserID: userID, MetaID: metaID,
		NS: ns, Layer: layer, Loc: locs[0], Import: imp,
	}
}

func (w world) addGeos(ctx context.Context, t *testing.T, db *kernel.DB, geos []kernel.GeographyInput) []kernel.Geography {
	created, err := db.CreateGeographies(ctx, kernel.CreateGeographies{
		NamespaceID: w.NS.ID,
		Geographies: geos,
		ImportID:    w.Import.ID,
		MetaID:      w.MetaID,
	})
	require.NoError(t, err)
	return created
}

func (w world) mapAll(ctx context.Context, t *testing.T, db *kernel.DB, paths []string) kernel.GeoSetVersion {
	geos := make([]kernel.GeoPointer, len(paths))
	for i, path := range paths {
		geos[i] = kernel.GeoPointer{NamespaceID: w.NS.ID, Path: path}
	}
	set, err := db.MapLocality(ctx, kernel.MapLocality{
		LayerID:    w.Layer.ID,
		LocalityID: w.Loc.ID,
		Geos:       geos,
		MetaID:     w.MetaID,
	})
	require.NoError(t, err)
	return set
}

func TestNamespaceQuota(t *testing.T) {
	kerneltest.Run(t, func(ctx context.Context, t *testing.T, db *kernel.DB) {
		userID, metaID := kerneltest.CreateUserAndMeta(ctx, t, db)

		for i := 0; i < kernel.DefaultNamespaceQuota; i++ {
			_, err := db.CreateNamespace(ctx, kernel.CreateNamespace{
				Path:      "ns-" + string(rune('a'+i)),
				Public:    true,
				MetaID:    metaID,
				CreatedBy: userID,
			})
			require.NoError(t, err)
		}

		_, err := db.CreateNamespace(ctx, kernel.CreateNamespace{
			Path:      "one-too-many",
			Public:    true,
			MetaID:    metaID,
			CreatedBy: userID,
		})
		require.True(t, kernel.ErrCreateValue.Has(err))
	})
}

func TestLocalityForest(t *testing.T) {
	kerneltest.Run(t, func(ctx context.Context, t *testing.T, db *kernel.DB) {
		_, metaID := kerneltest.CreateUserAndMeta(ctx, t, db)

		// child precedes parent in the batch on purpose
		parent := "ma"
		created, err := db.CreateLocalities(ctx, kernel.CreateLocalities{
			Localities: []kernel.CreateLocality{
				{CanonicalPath: "ma/boston", Name: "Boston", ParentPath: &parent},
				{CanonicalPath: "ma", Name: "Massachusetts", Aliases: []string{"massachusetts"}},
			},
			MetaID: metaID,
		})
		require.NoError(t, err)
		require.Len(t, created, 2)

		// resolution through an alias returns the canonical locality
		loc, err := db.GetLocality(ctx, "massachusetts")
		require.NoError(t, err)
		require.NotNil(t, loc)
		require.Equal(t, "ma", loc.CanonicalPath)
		require.Contains(t, loc.Aliases, "massachusetts")

		boston, err := db.GetLocality(ctx, "ma/boston")
		require.NoError(t, err)
		require.NotNil(t, boston.ParentID)
		require.Equal(t, loc.ID, *boston.ParentID)

		// an unknown parent fails the whole batch
		ghost := "nowhere"
		_, err = db.CreateLocalities(ctx, kernel.CreateLocalities{
			Localities: []kernel.CreateLocality{
				{CanonicalPath: "orphan", Name: "Orphan", ParentPath: &ghost},
			},
			MetaID: metaID,
		})
		require.True(t, kernel.ErrCreateValue.Has(err))
	})
}

func TestGeographyDedup(t *testing.T) {
	kerneltest.Run(t, func(ctx context.Context, t *testing.T, db *kernel.DB) {
		w := buildWorld(ctx, t, db, "atlantis", true)
		square := kerneltest.UnitSquare(t, 0, 0)

		created := w.addGeos(ctx, t, db, []kernel.GeographyInput{
			{Path: "a", Shape: kernel.Shape{Geography: square}},
			{Path: "b", Shape: kernel.Shape{Geography: square}},
		})
		require.Len(t, created, 2)

		_, _, binA, err := db.GetGeography(ctx, w.NS.ID, "a")
		require.NoError(t, err)
		_, _, binB, err := db.GetGeography(ctx, w.NS.ID, "b")
		require.NoError(t, err)
		require.Equal(t, binA.ID, binB.ID)
	})
}

func TestPatchGeographies(t *testing.T) {
	kerneltest.Run(t, func(ctx context.Context, t *testing.T, db *kernel.DB) {
		w := buildWorld(ctx, t, db, "atlantis", true)
		w.addGeos(ctx, t, db, []kernel.GeographyInput{
			{Path: "a", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 0, 0)}},
		})

		_, before, _, err := db.GetGeography(ctx, w.NS.ID, "a")
		require.NoError(t, err)
		require.Nil(t, before.ValidTo)

		// emptying a shape requires the explicit opt-in
		_, err = db.PatchGeographies(ctx, kernel.PatchGeographies{
			NamespaceID: w.NS.ID,
			Geographies: []kernel.GeographyInput{{Path: "a"}},
			ImportID:    w.Import.ID,
			MetaID:      w.MetaID,
		})
		require.True(t, kernel.ErrBulkPatch.Has(err))

		patched, err := db.PatchGeographies(ctx, kernel.PatchGeographies{
			NamespaceID: w.NS.ID,
			Geographies: []kernel.GeographyInput{
				{Path: "a", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 5, 5)}},
			},
			ImportID: w.Import.ID,
			MetaID:   w.MetaID,
		})
		require.NoError(t, err)
		require.Len(t, patched, 1)

		_, after, _, err := db.GetGeography(ctx, w.NS.ID, "a")
		require.NoError(t, err)
		require.Nil(t, after.ValidTo)
		require.True(t, after.ValidFrom.After(before.ValidFrom))

		// patching an unknown path fails in bulk
		_, err = db.PatchGeographies(ctx, kernel.PatchGeographies{
			NamespaceID: w.NS.ID,
			Geographies: []kernel.GeographyInput{
				{Path: "ghost", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 1, 1)}},
			},
			ImportID: w.Import.ID,
			MetaID:   w.MetaID,
		})
		require.True(t, kernel.ErrBulkPatch.Has(err))
	})
}

func TestForkGeographies(t *testing.T) {
	kerneltest.Run(t, func(ctx context.Context, t *testing.T, db *kernel.DB) {
		source := buildWorld(ctx, t, db, "source", true)
		target := buildWorld(ctx, t, db, "target", true)

		shape := kernel.Shape{Geography: kerneltest.UnitSquare(t, 0, 0)}
		source.addGeos(ctx, t, db, []kernel.GeographyInput{{Path: "a", Shape: shape}})

		created, err := db.ForkGeographies(ctx, kernel.ForkGeographies{
			SourceNamespaceID: source.NS.ID,
			TargetNamespaceID: target.NS.ID,
			Geographies: []kernel.ForkEntry{
				{Path: "a", GeometryHash: shape.Hash()},
			},
			ImportID: target.Import.ID,
			MetaID:   target.MetaID,
		})
		require.NoError(t, err)
		require.Len(t, created, 1)

		_, _, sourceBin, err := db.GetGeography(ctx, source.NS.ID, "a")
		require.NoError(t, err)
		_, _, targetBin, err := db.GetGeography(ctx, target.NS.ID, "a")
		require.NoError(t, err)
		require.Equal(t, sourceBin.ID, targetBin.ID)

		// unknown hashes fail in bulk
		_, err = db.ForkGeographies(ctx, kernel.ForkGeographies{
			SourceNamespaceID: source.NS.ID,
			TargetNamespaceID: target.NS.ID,
			Geographies: []kernel.ForkEntry{
				{Path: "b", GeometryHash: []byte("not a real hash!")},
			},
			ImportID: target.Import.ID,
			MetaID:   target.MetaID,
		})
		require.True(t, kernel.ErrBulkCreate.Has(err))
	})
}

func TestMapLocality(t *testing.T) {
	kerneltest.Run(t, func(ctx context.Context, t *testing.T, db *kernel.DB) {
		w := buildWorld(ctx, t, db, "atlantis", true)
		w.addGeos(ctx, t, db, []kernel.GeographyInput{
			{Path: "a", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 0, 0)}},
			{Path: "b", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 1, 0)}},
		})

		first := w.mapAll(ctx, t, db, []string{"a", "b"})

		// the same membership is a no-op returning the open version
		again := w.mapAll(ctx, t, db, []string{"b", "a"})
		require.Equal(t, first.ID, again.ID)

		// a different membership closes the old version and opens a new one
		narrower := w.mapAll(ctx, t, db, []string{"a"})
		require.NotEqual(t, first.ID, narrower.ID)

		open, err := db.GetGeoSetVersion(ctx, w.Layer.ID, w.Loc.ID, time.Now().UTC())
		require.NoError(t, err)
		require.Equal(t, narrower.ID, open.ID)

		members, err := db.GeoSetMembers(ctx, narrower.ID)
		require.NoError(t, err)
		require.Len(t, members, 1)
	})
}

func TestColumnsAndPartitions(t *testing.T) {
	kerneltest.Run(t, func(ctx context.Context, t *testing.T, db *kernel.DB) {
		w := buildWorld(ctx, t, db, "atlantis", true)
		geos := w.addGeos(ctx, t, db, []kernel.GeographyInput{
			{Path: "a", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 0, 0)}},
		})

		col, err := db.CreateColumn(ctx, kernel.CreateColumn{
			NamespaceID: w.NS.ID,
			Path:        "total_pop",
			Kind:        kernel.ColumnKindCount,
			Type:        kernel.ColumnTypeInt,
			Aliases:     []string{"population"},
			MetaID:      w.MetaID,
		})
		require.NoError(t, err)

		exists, err := db.PartitionExists(ctx, kernel.ColumnPartitionName(col.ID))
		require.NoError(t, err)
		require.True(t, exists)
		exists, err = db.PartitionExists(ctx, kernel.GeoPartitionName(col.ID, geos[0].ID))
		require.NoError(t, err)
		require.True(t, exists)

		// a later geography gets its nested partition under the column
		more := w.addGeos(ctx, t, db, []kernel.GeographyInput{
			{Path: "b", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 1, 0)}},
		})
		exists, err = db.PartitionExists(ctx, kernel.GeoPartitionName(col.ID, more[0].ID))
		require.NoError(t, err)
		require.True(t, exists)

		// alias resolution
		byAlias, err := db.GetColumn(ctx, w.NS.ID, "population")
		require.NoError(t, err)
		require.NotNil(t, byAlias)
		require.Equal(t, col.ID, byAlias.ID)
		require.Equal(t, "total_pop", byAlias.CanonicalPath)
	})
}

func TestSetColumnValuesBitemporal(t *testing.T) {
	kerneltest.Run(t, func(ctx context.Context, t *testing.T, db *kernel.DB) {
		w := buildWorld(ctx, t, db, "atlantis", true)
		w.addGeos(ctx, t, db, []kernel.GeographyInput{
			{Path: "a", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 0, 0)}},
			{Path: "b", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 1, 0)}},
		})
		col, err := db.CreateColumn(ctx, kernel.CreateColumn{
			NamespaceID: w.NS.ID,
			Path:        "total_pop",
			Kind:        kernel.ColumnKindCount,
			Type:        kernel.ColumnTypeInt,
			MetaID:      w.MetaID,
		})
		require.NoError(t, err)

		write := func(a, b int) int {
			inserted, err := db.SetColumnValues(ctx, kernel.SetColumnValues{
				ColumnID:    col.ID,
				ColumnType:  col.Type,
				NamespaceID: w.NS.ID,
				MetaID:      w.MetaID,
				Values: []kernel.SetColumnValue{
					{GeoPath: "a", Value: a},
					{GeoPath: "b", Value: b},
				},
			})
			require.NoError(t, err)
			return inserted
		}

		require.Equal(t, 2, write(100, 200))
		// identical values write nothing
		require.Equal(t, 0, write(100, 200))
		// only the changed geography gets a new row
		require.Equal(t, 1, write(100, 250))

		members, err := db.GeoSetMembers(ctx, w.mapAll(ctx, t, db, []string{"a", "b"}).ID)
		require.NoError(t, err)
		open, err := db.OpenColumnValues(ctx, col.ID, members)
		require.NoError(t, err)
		require.Len(t, open, 2)
	})
}

func TestPlans(t *testing.T) {
	kerneltest.Run(t, func(ctx context.Context, t *testing.T, db *kernel.DB) {
		w := buildWorld(ctx, t, db, "atlantis", true)
		w.addGeos(ctx, t, db, []kernel.GeographyInput{
			{Path: "a", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 0, 0)}},
			{Path: "b", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 1, 0)}},
			{Path: "c", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 2, 0)}},
		})
		set := w.mapAll(ctx, t, db, []string{"a", "b", "c"})

		partial, err := db.CreatePlan(ctx, kernel.CreatePlan{
			NamespaceID:  w.NS.ID,
			Path:         "partial",
			SetVersionID: set.ID,
			Assignments:  map[string]string{"a": "1", "b": "1"},
			MetaID:       w.MetaID,
		})
		require.NoError(t, err)
		require.Equal(t, 1, partial.NumDistricts)
		require.False(t, partial.Complete)

		full, err := db.CreatePlan(ctx, kernel.CreatePlan{
			NamespaceID:  w.NS.ID,
			Path:         "full",
			SetVersionID: set.ID,
			Assignments:  map[string]string{"a": "1", "b": "2", "c": "2"},
			MetaID:       w.MetaID,
		})
		require.NoError(t, err)
		require.Equal(t, 2, full.NumDistricts)
		require.True(t, full.Complete)

		// assignments outside the set are an error
		_, err = db.CreatePlan(ctx, kernel.CreatePlan{
			NamespaceID:  w.NS.ID,
			Path:         "stray",
			SetVersionID: set.ID,
			Assignments:  map[string]string{"a": "1", "ghost": "2"},
			MetaID:       w.MetaID,
		})
		require.True(t, kernel.ErrCreateValue.Has(err))

		got, err := db.GetPlan(ctx, w.NS.ID, "full")
		require.NoError(t, err)
		require.Equal(t, full.Assignments, got.Assignments)
	})
}

func TestGraphs(t *testing.T) {
	kerneltest.Run(t, func(ctx context.Context, t *testing.T, db *kernel.DB) {
		w := buildWorld(ctx, t, db, "atlantis", true)
		w.addGeos(ctx, t, db, []kernel.GeographyInput{
			{Path: "a", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 0, 0)}},
			{Path: "b", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 1, 0)}},
		})
		set := w.mapAll(ctx, t, db, []string{"a", "b"})

		graph, err := db.CreateGraph(ctx, kernel.CreateGraph{
			NamespaceID:  w.NS.ID,
			Path:         "dual",
			SetVersionID: set.ID,
			Edges: []kernel.GraphEdge{
				{PathA: "b", PathB: "a", Weights: []byte(`{"shared_perim": 1.0}`)},
				// unordered duplicate of the same pair
				{PathA: "a", PathB: "b"},
			},
			MetaID: w.MetaID,
		})
		require.NoError(t, err)
		require.Len(t, graph.Edges, 1)

		_, err = db.CreateGraph(ctx, kernel.CreateGraph{
			NamespaceID:  w.NS.ID,
			Path:         "broken",
			SetVersionID: set.ID,
			Edges: []kernel.GraphEdge{
				{PathA: "a", PathB: "ghost"},
			},
			MetaID: w.MetaID,
		})
		require.True(t, kernel.ErrCreateValue.Has(err))

		got, err := db.GetGraph(ctx, w.NS.ID, "dual")
		require.NoError(t, err)
		require.Len(t, got.Edges, 1)
	})
}

func TestETags(t *testing.T) {
	kerneltest.Run(t, func(ctx context.Context, t *testing.T, db *kernel.DB) {
		w := buildWorld(ctx, t, db, "atlantis", true)

		before, err := db.GetETag(ctx, kernel.CollectionGeographies, &w.NS.ID)
		require.NoError(t, err)
		require.Nil(t, before)

		w.addGeos(ctx, t, db, []kernel.GeographyInput{
			{Path: "a", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 0, 0)}},
		})

		first, err := db.GetETag(ctx, kernel.CollectionGeographies, &w.NS.ID)
		require.NoError(t, err)
		require.NotNil(t, first)

		w.addGeos(ctx, t, db, []kernel.GeographyInput{
			{Path: "b", Shape: kernel.Shape{Geography: kerneltest.UnitSquare(t, 1, 0)}},
		})

		second, err := db.GetETag(ctx, kernel.CollectionGeographies, &w.NS.ID)
		require.NoError(t, err)
		require.NotEqual(t, *first, *second)
	})
}
