// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package api

import (
	"net/http"
	"time"

	"github.com/mggg/gerrydb/gerrydb/auth"
	"github.com/mggg/gerrydb/gerrydb/kernel"
)

type namespaceBody struct {
	Path        string    `json:"path"`
	Description string    `json:"description"`
	Public      bool      `json:"public"`
	CreatedAt   time.Time `json:"created_at"`
}

func namespaceToBody(ns kernel.Namespace) namespaceBody {
	return namespaceBody{
		Path:        ns.Path,
		Description: ns.Description,
		Public:      ns.Public,
		CreatedAt:   ns.CreatedAt,
	}
}

func (server *Server) createNamespace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := requireGlobal(r, auth.ScopeNamespaceCreate); err != nil {
		server.respondError(w, r, err)
		return
	}
	meta, err := server.requireMeta(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	var body struct {
		Path        string `json:"path"`
		Description string `json:"description"`
		Public      bool   `json:"public"`
	}
	if err := decodeJSON(r, &body); err != nil {
		server.respondError(w, r, err)
		return
	}

	user := requestUser(r)
	ns, err := server.db.CreateNamespace(ctx, kernel.CreateNamespace{
		Path:        body.Path,
		Description: body.Description,
		Public:      body.Public,
		MetaID:      meta.ID,
		CreatedBy:   user.ID,
		Unlimited:   requestScopes(r).HasGlobal(auth.ScopeAll),
	})
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	// the creator owns what they made
	if err := server.auth.EnsureNamespaceOwner(ctx, user.ID, ns.ID, meta.ID); err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respondJSON(w, http.StatusCreated, namespaceToBody(ns))
}

func (server *Server) listNamespaces(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	notModified, err := server.checkETag(w, r, kernel.CollectionNamespaces, nil)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if notModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	namespaces, err := server.db.ListNamespaces(ctx, requestScopes(r))
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	bodies := make([]namespaceBody, len(namespaces))
	for i, ns := range namespaces {
		bodies[i] = namespaceToBody(ns)
	}
	server.respondJSON(w, http.StatusOK, bodies)
}

func (server *Server) getNamespace(w http.ResponseWriter, r *http.Request) {
	ns, err := server.resolveNamespace(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respondJSON(w, http.StatusOK, namespaceToBody(*ns))
}
