// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mggg/gerrydb/gerrydb/kernel"
)

type geoLayerBody struct {
	Path        string  `json:"path"`
	Description string  `json:"description"`
	SourceURL   *string `json:"source_url,omitempty"`
}

func (server *Server) createGeoLayer(w http.ResponseWriter, r *http.Request) {
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

	var body geoLayerBody
	if err := decodeJSON(r, &body); err != nil {
		server.respondError(w, r, err)
		return
	}

	layer, err := server.db.CreateGeoLayer(ctx, kernel.CreateGeoLayer{
		NamespaceID: ns.ID,
		Path:        body.Path,
		Description: body.Description,
		SourceURL:   body.SourceURL,
		MetaID:      meta.ID,
	})
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respondJSON(w, http.StatusCreated, geoLayerBody{
		Path: layer.Path, Description: layer.Description, SourceURL: layer.SourceURL,
	})
}

func (server *Server) listGeoLayers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := server.resolveNamespace(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	notModified, err := server.checkETag(w, r, kernel.CollectionGeoLayers, &ns.ID)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if notModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	layers, err := server.db.ListGeoLayers(ctx, ns.ID)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	bodies := make([]geoLayerBody, len(layers))
	for i, layer := range layers {
		bodies[i] = geoLayerBody{
			Path: layer.Path, Description: layer.Description, SourceURL: layer.SourceURL,
		}
	}
	server.respondJSON(w, http.StatusOK, bodies)
}

func (server *Server) getGeoLayer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := server.resolveNamespace(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	path := mux.Vars(r)["path"]
	layer, err := server.db.GetGeoLayer(ctx, ns.ID, path)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if layer == nil {
		server.respondError(w, r, kernel.ErrNotFound.New("geo layer %q", path))
		return
	}
	server.respondJSON(w, http.StatusOK, geoLayerBody{
		Path: layer.Path, Description: layer.Description, SourceURL: layer.SourceURL,
	})
}

func (server *Server) mapLocality(w http.ResponseWriter, r *http.Request) {
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
	layer, err := server.db.GetGeoLayer(ctx, ns.ID, path)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if layer == nil {
		server.respondError(w, r, kernel.ErrNotFound.New("geo layer %q", path))
		return
	}

	locPath := r.URL.Query().Get("locality")
	var body struct {
		Geographies []string `json:"geographies"`
	}
	if err := decodeJSON(r, &body); err != nil {
		server.respondError(w, r, err)
		return
	}

	loc, err := server.db.GetLocality(ctx, locPath)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if loc == nil {
		server.respondError(w, r, kernel.ErrNotFound.New("locality %q", locPath))
		return
	}

	geos := make([]kernel.GeoPointer, len(body.Geographies))
	for i, geoPath := range body.Geographies {
		geos[i] = kernel.GeoPointer{NamespaceID: ns.ID, Path: geoPath}
	}
	set, err := server.db.MapLocality(ctx, kernel.MapLocality{
		LayerID:    layer.ID,
		LocalityID: loc.ID,
		Geos:       geos,
		MetaID:     meta.ID,
	})
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respondJSON(w, http.StatusOK, map[string]any{
		"set_version_id": set.ID,
		"valid_from":     set.ValidFrom,
	})
}

type geoImportBody struct {
	UUID      uuid.UUID `json:"uuid"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy int64     `json:"created_by"`
}

func (server *Server) createGeoImport(w http.ResponseWriter, r *http.Request) {
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

	imp, err := server.db.CreateGeoImport(ctx, kernel.CreateGeoImport{
		NamespaceID: ns.ID,
		CreatedBy:   requestUser(r).ID,
		MetaID:      meta.ID,
	})
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respondJSON(w, http.StatusCreated, geoImportBody{
		UUID: imp.UUID, CreatedAt: imp.CreatedAt, CreatedBy: imp.CreatedBy,
	})
}

func (server *Server) listGeoImports(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := server.resolveNamespace(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	imports, err := server.db.ListGeoImports(ctx, ns.ID)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	bodies := make([]geoImportBody, len(imports))
	for i, imp := range imports {
		bodies[i] = geoImportBody{
			UUID: imp.UUID, CreatedAt: imp.CreatedAt, CreatedBy: imp.CreatedBy,
		}
	}
	server.respondJSON(w, http.StatusOK, bodies)
}

func (server *Server) getGeoImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := server.resolveNamespace(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	id, err := uuid.Parse(mux.Vars(r)["uuid"])
	if err != nil {
		server.respondError(w, r, kernel.ErrInvalidRequest.New("malformed uuid"))
		return
	}
	imp, err := server.db.GetGeoImport(ctx, id)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if imp == nil || imp.NamespaceID != ns.ID {
		server.respondError(w, r, kernel.ErrNotFound.New("geo import %s", id))
		return
	}
	server.respondJSON(w, http.StatusOK, geoImportBody{
		UUID: imp.UUID, CreatedAt: imp.CreatedAt, CreatedBy: imp.CreatedBy,
	})
}

// geographyPayload is the MessagePack wire form of one geography. WKB
// bytes pass through untouched.
type geographyPayload struct {
	Path          string `msgpack:"path"`
	Geography     []byte `msgpack:"geography"`
	InternalPoint []byte `msgpack:"internal_point"`
}

type geographiesRequest struct {
	Geographies []geographyPayload `msgpack:"geographies"`
}

func decodeMsgpack(r *http.Request, into any) error {
	if err := msgpack.NewDecoder(r.Body).Decode(into); err != nil {
		return kernel.ErrInvalidRequest.New("malformed msgpack body: %v", err)
	}
	return nil
}

func (server *Server) respondMsgpack(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/msgpack")
	w.WriteHeader(status)
	if err := msgpack.NewEncoder(w).Encode(body); err != nil {
		server.log.Error("unable to encode msgpack response")
	}
}

func geographyInputs(payloads []geographyPayload) []kernel.GeographyInput {
	inputs := make([]kernel.GeographyInput, len(payloads))
	for i, p := range payloads {
		inputs[i] = kernel.GeographyInput{
			Path: p.Path,
			Shape: kernel.Shape{
				Geography:     p.Geography,
				InternalPoint: p.InternalPoint,
			},
		}
	}
	return inputs
}

func (server *Server) createGeographies(w http.ResponseWriter, r *http.Request) {
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
	imp, err := server.requireGeoImport(r, ns)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	var body geographiesRequest
	if err := decodeMsgpack(r, &body); err != nil {
		server.respondError(w, r, err)
		return
	}

	created, err := server.db.CreateGeographies(ctx, kernel.CreateGeographies{
		NamespaceID: ns.ID,
		Geographies: geographyInputs(body.Geographies),
		ImportID:    imp.ID,
		MetaID:      meta.ID,
	})
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	paths := make([]string, len(created))
	for i, geo := range created {
		paths[i] = geo.Path
	}
	server.respondMsgpack(w, http.StatusCreated, map[string]any{"paths": paths})
}

func (server *Server) patchGeographies(w http.ResponseWriter, r *http.Request) {
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
	imp, err := server.requireGeoImport(r, ns)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	var body geographiesRequest
	if err := decodeMsgpack(r, &body); err != nil {
		server.respondError(w, r, err)
		return
	}

	patched, err := server.db.PatchGeographies(ctx, kernel.PatchGeographies{
		NamespaceID:     ns.ID,
		Geographies:     geographyInputs(body.Geographies),
		ImportID:        imp.ID,
		MetaID:          meta.ID,
		AllowEmptyPolys: r.URL.Query().Get("allow_empty_polys") == "true",
	})
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	paths := make([]string, len(patched))
	for i, geo := range patched {
		paths[i] = geo.Path
	}
	server.respondMsgpack(w, http.StatusOK, map[string]any{"paths": paths})
}

func (server *Server) forkGeographies(w http.ResponseWriter, r *http.Request) {
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
	imp, err := server.requireGeoImport(r, ns)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	var body struct {
		Source      string `msgpack:"source"`
		Geographies []struct {
			Path         string `msgpack:"path"`
			GeometryHash []byte `msgpack:"geometry_hash"`
		} `msgpack:"geographies"`
	}
	if err := decodeMsgpack(r, &body); err != nil {
		server.respondError(w, r, err)
		return
	}

	// the caller must be able to read the source namespace
	source, err := server.db.GetNamespace(ctx, body.Source)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if source == nil || !requestScopes(r).CanReadNamespace(source.AuthNamespace()) {
		server.respondError(w, r, kernel.ErrNotFound.New("namespace %q", body.Source))
		return
	}

	entries := make([]kernel.ForkEntry, len(body.Geographies))
	for i, geo := range body.Geographies {
		entries[i] = kernel.ForkEntry{Path: geo.Path, GeometryHash: geo.GeometryHash}
	}
	created, err := server.db.ForkGeographies(ctx, kernel.ForkGeographies{
		SourceNamespaceID: source.ID,
		TargetNamespaceID: ns.ID,
		Geographies:       entries,
		ImportID:          imp.ID,
		MetaID:            meta.ID,
	})
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	paths := make([]string, len(created))
	for i, geo := range created {
		paths[i] = geo.Path
	}
	server.respondMsgpack(w, http.StatusCreated, map[string]any{"paths": paths})
}

func (server *Server) getGeography(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := server.resolveNamespace(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	path := mux.Vars(r)["path"]
	geo, version, bin, err := server.db.GetGeography(ctx, ns.ID, path)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if geo == nil {
		server.respondError(w, r, kernel.ErrNotFound.New("geography %q", path))
		return
	}

	server.respondMsgpack(w, http.StatusOK, map[string]any{
		"path":           geo.Path,
		"geography":      bin.Geography,
		"internal_point": bin.InternalPoint,
		"geometry_hash":  bin.GeometryHash,
		"valid_from":     version.ValidFrom,
	})
}
