// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mggg/gerrydb/gerrydb/auth"
	"github.com/mggg/gerrydb/gerrydb/kernel"
)

type metaBody struct {
	UUID      uuid.UUID `json:"uuid"`
	Notes     string    `json:"notes"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy int64     `json:"created_by"`
}

func metaToBody(meta kernel.Meta) metaBody {
	return metaBody{
		UUID:      meta.UUID,
		Notes:     meta.Notes,
		CreatedAt: meta.CreatedAt,
		CreatedBy: meta.CreatedBy,
	}
}

func (server *Server) createMeta(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := requireGlobal(r, auth.ScopeMetaWrite); err != nil {
		server.respondError(w, r, err)
		return
	}

	var body struct {
		Notes string `json:"notes"`
	}
	if err := decodeJSON(r, &body); err != nil {
		server.respondError(w, r, err)
		return
	}

	meta, err := server.db.CreateMeta(ctx, kernel.CreateMeta{
		Notes:     body.Notes,
		CreatedBy: requestUser(r).ID,
	})
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respondJSON(w, http.StatusCreated, metaToBody(meta))
}

func (server *Server) getMeta(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(mux.Vars(r)["uuid"])
	if err != nil {
		server.respondError(w, r, kernel.ErrInvalidRequest.New("malformed uuid"))
		return
	}
	meta, err := server.db.GetMeta(ctx, id)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if meta == nil {
		server.respondError(w, r, kernel.ErrNotFound.New("meta %s", id))
		return
	}

	// reading someone else's meta needs the scope; your own is always visible
	if meta.CreatedBy != requestUser(r).ID {
		if err := requireGlobal(r, auth.ScopeMetaRead); err != nil {
			server.respondError(w, r, err)
			return
		}
	}
	server.respondJSON(w, http.StatusOK, metaToBody(*meta))
}
