// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mggg/gerrydb/gerrydb/kernel"
)

type columnBody struct {
	Path        string   `json:"path"`
	Description string   `json:"description"`
	SourceURL   *string  `json:"source_url,omitempty"`
	Kind        string   `json:"kind"`
	Type        string   `json:"type"`
	Aliases     []string `json:"aliases,omitempty"`
}

func columnToBody(col kernel.DataColumn) columnBody {
	return columnBody{
		Path:        col.CanonicalPath,
		Description: col.Description,
		SourceURL:   col.SourceURL,
		Kind:        string(col.Kind),
		Type:        string(col.Type),
		Aliases:     col.Aliases,
	}
}

func (server *Server) createColumn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := server.resolveWritableNamespace(r, false)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	meta, err := server.requireMeta(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	var body columnBody
	if err := decodeJSON(r, &body); err != nil {
		server.respondError(w, r, err)
		return
	}

	col, err := server.db.CreateColumn(ctx, kernel.CreateColumn{
		NamespaceID: ns.ID,
		Path:        body.Path,
		Description: body.Description,
		SourceURL:   body.SourceURL,
		Kind:        kernel.ColumnKind(body.Kind),
		Type:        kernel.ColumnType(body.Type),
		Aliases:     body.Aliases,
		MetaID:      meta.ID,
	})
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respondJSON(w, http.StatusCreated, columnToBody(col))
}

func (server *Server) listColumns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := server.resolveNamespace(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	notModified, err := server.checkETag(w, r, kernel.CollectionColumns, &ns.ID)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if notModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	cols, err := server.db.ListColumns(ctx, ns.ID)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	bodies := make([]columnBody, len(cols))
	for i, col := range cols {
		bodies[i] = columnToBody(col)
	}
	server.respondJSON(w, http.StatusOK, bodies)
}

func (server *Server) getColumn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := server.resolveNamespace(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	path := mux.Vars(r)["path"]
	col, err := server.db.GetColumn(ctx, ns.ID, path)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if col == nil {
		server.respondError(w, r, kernel.ErrNotFound.New("column %q", path))
		return
	}
	server.respondJSON(w, http.StatusOK, columnToBody(*col))
}

func (server *Server) patchColumn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := server.resolveWritableNamespace(r, false)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	meta, err := server.requireMeta(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	var body struct {
		Aliases []string `json:"aliases"`
	}
	if err := decodeJSON(r, &body); err != nil {
		server.respondError(w, r, err)
		return
	}

	col, err := server.db.AddColumnAliases(ctx, kernel.AddColumnAliases{
		NamespaceID: ns.ID,
		Path:        mux.Vars(r)["path"],
		Aliases:     body.Aliases,
		MetaID:      meta.ID,
	})
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respondJSON(w, http.StatusOK, columnToBody(*col))
}

func (server *Server) setColumnValues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := server.resolveWritableNamespace(r, false)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	meta, err := server.requireMeta(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	path := mux.Vars(r)["path"]
	col, err := server.db.GetColumn(ctx, ns.ID, path)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if col == nil {
		server.respondError(w, r, kernel.ErrNotFound.New("column %q", path))
		return
	}

	var body struct {
		Values []struct {
			Path  string `json:"path"`
			Value any    `json:"value"`
		} `json:"values"`
	}
	if err := decodeJSON(r, &body); err != nil {
		server.respondError(w, r, err)
		return
	}

	values := make([]kernel.SetColumnValue, len(body.Values))
	for i, v := range body.Values {
		values[i] = kernel.SetColumnValue{GeoPath: v.Path, Value: v.Value}
	}
	inserted, err := server.db.SetColumnValues(ctx, kernel.SetColumnValues{
		ColumnID:    col.ID,
		ColumnType:  col.Type,
		NamespaceID: ns.ID,
		Values:      values,
		MetaID:      meta.ID,
	})
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respondJSON(w, http.StatusOK, map[string]any{"inserted": inserted})
}

type columnSetBody struct {
	Path        string   `json:"path"`
	Description string   `json:"description"`
	Columns     []string `json:"columns"`
}

func (server *Server) createColumnSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := server.resolveWritableNamespace(r, false)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	meta, err := server.requireMeta(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	var body columnSetBody
	if err := decodeJSON(r, &body); err != nil {
		server.respondError(w, r, err)
		return
	}

	set, err := server.db.CreateColumnSet(ctx, kernel.CreateColumnSet{
		NamespaceID: ns.ID,
		Path:        body.Path,
		Description: body.Description,
		ColumnPaths: body.Columns,
		MetaID:      meta.ID,
	})
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respondJSON(w, http.StatusCreated, columnSetBody{
		Path: set.Path, Description: set.Description, Columns: set.RefPaths,
	})
}

func (server *Server) getColumnSet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := server.resolveNamespace(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	path := mux.Vars(r)["path"]
	set, err := server.db.GetColumnSet(ctx, ns.ID, path)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if set == nil {
		server.respondError(w, r, kernel.ErrNotFound.New("column set %q", path))
		return
	}
	server.respondJSON(w, http.StatusOK, columnSetBody{
		Path: set.Path, Description: set.Description, Columns: set.RefPaths,
	})
}
