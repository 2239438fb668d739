// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mggg/gerrydb/gerrydb/auth"
	"github.com/mggg/gerrydb/gerrydb/kernel"
)

type localityBody struct {
	CanonicalPath string   `json:"canonical_path"`
	Name          string   `json:"name"`
	Parent        *string  `json:"parent,omitempty"`
	DefaultProj   *string  `json:"default_proj,omitempty"`
	Aliases       []string `json:"aliases,omitempty"`
}

func (server *Server) localityToBody(r *http.Request, loc kernel.Locality) (localityBody, error) {
	body := localityBody{
		CanonicalPath: loc.CanonicalPath,
		Name:          loc.Name,
		DefaultProj:   loc.DefaultProj,
		Aliases:       loc.Aliases,
	}
	if loc.ParentID != nil {
		parent, err := server.db.GetLocalityByID(r.Context(), *loc.ParentID)
		if err != nil {
			return body, err
		}
		if parent != nil {
			body.Parent = &parent.CanonicalPath
		}
	}
	return body, nil
}

func (server *Server) createLocalities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := requireGlobal(r, auth.ScopeLocalityWrite); err != nil {
		server.respondError(w, r, err)
		return
	}
	meta, err := server.requireMeta(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	var body struct {
		Localities []struct {
			CanonicalPath string   `json:"canonical_path"`
			Name          string   `json:"name"`
			Parent        *string  `json:"parent,omitempty"`
			DefaultProj   *string  `json:"default_proj,omitempty"`
			Aliases       []string `json:"aliases,omitempty"`
		} `json:"localities"`
	}
	if err := decodeJSON(r, &body); err != nil {
		server.respondError(w, r, err)
		return
	}

	opts := kernel.CreateLocalities{MetaID: meta.ID}
	for _, loc := range body.Localities {
		opts.Localities = append(opts.Localities, kernel.CreateLocality{
			CanonicalPath: loc.CanonicalPath,
			Name:          loc.Name,
			ParentPath:    loc.Parent,
			DefaultProj:   loc.DefaultProj,
			Aliases:       loc.Aliases,
		})
	}

	created, err := server.db.CreateLocalities(ctx, opts)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	bodies := make([]localityBody, 0, len(created))
	for _, loc := range created {
		converted, err := server.localityToBody(r, loc)
		if err != nil {
			server.respondError(w, r, err)
			return
		}
		bodies = append(bodies, converted)
	}
	server.respondJSON(w, http.StatusCreated, bodies)
}

func (server *Server) listLocalities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := requireGlobal(r, auth.ScopeLocalityRead); err != nil {
		server.respondError(w, r, err)
		return
	}
	notModified, err := server.checkETag(w, r, kernel.CollectionLocalities, nil)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if notModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	localities, err := server.db.ListLocalities(ctx)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	bodies := make([]localityBody, 0, len(localities))
	for _, loc := range localities {
		converted, err := server.localityToBody(r, loc)
		if err != nil {
			server.respondError(w, r, err)
			return
		}
		bodies = append(bodies, converted)
	}
	server.respondJSON(w, http.StatusOK, bodies)
}

func (server *Server) getLocality(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := requireGlobal(r, auth.ScopeLocalityRead); err != nil {
		server.respondError(w, r, err)
		return
	}

	path := mux.Vars(r)["path"]
	loc, err := server.db.GetLocality(ctx, path)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if loc == nil {
		server.respondError(w, r, kernel.ErrNotFound.New("locality %q", path))
		return
	}

	// aliases permanently redirect to the canonical path
	if kernel.NormalizePath(path) != loc.CanonicalPath {
		w.Header().Set("Location", "/api/v1/localities/"+loc.CanonicalPath)
		w.WriteHeader(http.StatusPermanentRedirect)
		return
	}

	body, err := server.localityToBody(r, *loc)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respondJSON(w, http.StatusOK, body)
}

func (server *Server) patchLocality(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := requireGlobal(r, auth.ScopeLocalityWrite); err != nil {
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

	loc, err := server.db.AddLocalityAliases(ctx, kernel.AddLocalityAliases{
		Path:    mux.Vars(r)["path"],
		Aliases: body.Aliases,
		MetaID:  meta.ID,
	})
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	converted, err := server.localityToBody(r, *loc)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respondJSON(w, http.StatusOK, converted)
}
