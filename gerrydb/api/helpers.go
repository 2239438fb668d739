// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mggg/gerrydb/gerrydb/auth"
	"github.com/mggg/gerrydb/gerrydb/kernel"
)

// resolveNamespace loads the {ns} route variable and applies the read leak
// guard: a namespace the caller cannot read is reported as absent, never as
// forbidden, so private namespace paths stay unguessable.
func (server *Server) resolveNamespace(r *http.Request) (*kernel.Namespace, error) {
	path := mux.Vars(r)["ns"]
	ns, err := server.db.GetNamespace(r.Context(), path)
	if err != nil {
		return nil, err
	}
	if ns == nil || !requestScopes(r).CanReadNamespace(ns.AuthNamespace()) {
		return nil, kernel.ErrNotFound.New("namespace %q", path)
	}
	return ns, nil
}

// resolveWritableNamespace additionally requires write scope. Derived
// entities (plans, graphs, views) accept write_derived instead.
func (server *Server) resolveWritableNamespace(r *http.Request, derived bool) (*kernel.Namespace, error) {
	ns, err := server.resolveNamespace(r)
	if err != nil {
		return nil, err
	}
	scopes := requestScopes(r)
	allowed := scopes.CanWriteNamespace(ns.AuthNamespace())
	if derived {
		allowed = scopes.CanWriteDerived(ns.AuthNamespace())
	}
	if !allowed {
		return nil, kernel.ErrForbidden.New("missing write scope on namespace %q", ns.Path)
	}
	return ns, nil
}

// requireMeta resolves the metadata header every write must carry; the
// meta row must belong to the caller so mutations cannot be attributed to
// another user.
func (server *Server) requireMeta(r *http.Request) (*kernel.Meta, error) {
	raw := r.Header.Get(headerMetaID)
	if raw == "" {
		return nil, kernel.ErrInvalidRequest.New("missing %s header", headerMetaID)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, kernel.ErrInvalidRequest.New("malformed %s header", headerMetaID)
	}
	meta, err := server.db.GetMeta(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, kernel.ErrNotFound.New("meta %s", id)
	}
	if meta.CreatedBy != requestUser(r).ID {
		return nil, kernel.ErrForbidden.New("meta %s belongs to another user", id)
	}
	return meta, nil
}

// requireGeoImport resolves the import header required on geography
// mutations; the import must live in the target namespace and belong to
// the caller.
func (server *Server) requireGeoImport(r *http.Request, ns *kernel.Namespace) (*kernel.GeoImport, error) {
	raw := r.Header.Get(headerGeoImportID)
	if raw == "" {
		return nil, kernel.ErrInvalidRequest.New("missing %s header", headerGeoImportID)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, kernel.ErrInvalidRequest.New("malformed %s header", headerGeoImportID)
	}
	imp, err := server.db.GetGeoImport(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if imp == nil || imp.NamespaceID != ns.ID {
		return nil, kernel.ErrNotFound.New("geo import %s", id)
	}
	if imp.CreatedBy != requestUser(r).ID {
		return nil, kernel.ErrForbidden.New("geo import %s belongs to another user", id)
	}
	return imp, nil
}

// requireGlobal enforces a non-namespaced scope.
func requireGlobal(r *http.Request, scope auth.Scope) error {
	if !requestScopes(r).HasGlobal(scope) {
		return kernel.ErrForbidden.New("missing scope %q", scope)
	}
	return nil
}

// checkETag handles conditional GETs: it always advertises the collection
// tag and reports whether the client's copy is still fresh.
func (server *Server) checkETag(w http.ResponseWriter, r *http.Request, collection string, namespaceID *int64) (notModified bool, err error) {
	tag, err := server.db.GetETag(r.Context(), collection, namespaceID)
	if err != nil || tag == nil {
		return false, err
	}
	quoted := `"` + tag.String() + `"`
	w.Header().Set("ETag", quoted)
	for _, candidate := range strings.Split(r.Header.Get("If-None-Match"), ",") {
		if strings.TrimSpace(candidate) == quoted {
			return true, nil
		}
	}
	return false, nil
}
