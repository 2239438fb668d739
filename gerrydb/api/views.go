// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mggg/gerrydb/gerrydb/kernel"
)

// resolveSetVersion maps a (locality, layer) pair in the request namespace
// to the geo set version valid right now.
func (server *Server) resolveSetVersion(r *http.Request, ns *kernel.Namespace, locality, layer string) (*kernel.GeoSetVersion, error) {
	ctx := r.Context()
	loc, err := server.db.GetLocality(ctx, locality)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		return nil, kernel.ErrNotFound.New("locality %q", locality)
	}
	lyr, err := server.db.GetGeoLayer(ctx, ns.ID, layer)
	if err != nil {
		return nil, err
	}
	if lyr == nil {
		return nil, kernel.ErrNotFound.New("geo layer %q", layer)
	}
	set, err := server.db.GetGeoSetVersion(ctx, lyr.ID, loc.ID, time.Now())
	if err != nil {
		return nil, err
	}
	if set == nil {
		return nil, kernel.ErrNotFound.New("no geographies for locality %q and layer %q", locality, layer)
	}
	return set, nil
}

type planBody struct {
	Path         string            `json:"path"`
	Locality     string            `json:"locality,omitempty"`
	Layer        string            `json:"layer,omitempty"`
	Description  string            `json:"description"`
	SourceURL    *string           `json:"source_url,omitempty"`
	Assignments  map[string]string `json:"assignments"`
	NumDistricts int               `json:"num_districts,omitempty"`
	Complete     bool              `json:"complete,omitempty"`
	CreatedAt    time.Time         `json:"created_at,omitempty"`
}

func planToBody(plan kernel.Plan) planBody {
	return planBody{
		Path:         plan.Path,
		Description:  plan.Description,
		SourceURL:    plan.SourceURL,
		Assignments:  plan.Assignments,
		NumDistricts: plan.NumDistricts,
		Complete:     plan.Complete,
		CreatedAt:    plan.CreatedAt,
	}
}

func (server *Server) createPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := server.resolveWritableNamespace(r, true)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	meta, err := server.requireMeta(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	var body planBody
	if err := decodeJSON(r, &body); err != nil {
		server.respondError(w, r, err)
		return
	}
	set, err := server.resolveSetVersion(r, ns, body.Locality, body.Layer)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	plan, err := server.db.CreatePlan(ctx, kernel.CreatePlan{
		NamespaceID:  ns.ID,
		Path:         body.Path,
		SetVersionID: set.ID,
		Assignments:  body.Assignments,
		Description:  body.Description,
		SourceURL:    body.SourceURL,
		MetaID:       meta.ID,
	})
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respondJSON(w, http.StatusCreated, planToBody(plan))
}

func (server *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := server.resolveNamespace(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	path := mux.Vars(r)["path"]
	plan, err := server.db.GetPlan(ctx, ns.ID, path)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if plan == nil {
		server.respondError(w, r, kernel.ErrNotFound.New("plan %q", path))
		return
	}
	server.respondJSON(w, http.StatusOK, planToBody(*plan))
}

type graphEdgeBody struct {
	PathA   string          `json:"path_a"`
	PathB   string          `json:"path_b"`
	Weights json.RawMessage `json:"weights,omitempty"`
}

type graphBody struct {
	Path        string          `json:"path"`
	Locality    string          `json:"locality,omitempty"`
	Layer       string          `json:"layer,omitempty"`
	Description string          `json:"description"`
	SourceURL   *string         `json:"source_url,omitempty"`
	Edges       []graphEdgeBody `json:"edges"`
	CreatedAt   time.Time       `json:"created_at,omitempty"`
}

func graphToBody(graph kernel.Graph) graphBody {
	body := graphBody{
		Path:        graph.Path,
		Description: graph.Description,
		SourceURL:   graph.SourceURL,
		CreatedAt:   graph.CreatedAt,
	}
	for _, edge := range graph.Edges {
		body.Edges = append(body.Edges, graphEdgeBody{
			PathA: edge.PathA, PathB: edge.PathB, Weights: edge.Weights,
		})
	}
	return body
}

func (server *Server) createGraph(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := server.resolveWritableNamespace(r, true)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	meta, err := server.requireMeta(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	var body graphBody
	if err := decodeJSON(r, &body); err != nil {
		server.respondError(w, r, err)
		return
	}
	set, err := server.resolveSetVersion(r, ns, body.Locality, body.Layer)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	edges := make([]kernel.GraphEdge, len(body.Edges))
	for i, edge := range body.Edges {
		edges[i] = kernel.GraphEdge{PathA: edge.PathA, PathB: edge.PathB, Weights: edge.Weights}
	}
	graph, err := server.db.CreateGraph(ctx, kernel.CreateGraph{
		NamespaceID:  ns.ID,
		Path:         body.Path,
		SetVersionID: set.ID,
		Description:  body.Description,
		SourceURL:    body.SourceURL,
		Edges:        edges,
		MetaID:       meta.ID,
	})
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respondJSON(w, http.StatusCreated, graphToBody(graph))
}

func (server *Server) getGraph(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := server.resolveNamespace(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	path := mux.Vars(r)["path"]
	graph, err := server.db.GetGraph(ctx, ns.ID, path)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if graph == nil {
		server.respondError(w, r, kernel.ErrNotFound.New("graph %q", path))
		return
	}
	server.respondJSON(w, http.StatusOK, graphToBody(*graph))
}

type templateMemberBody struct {
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Path      string `json:"path"`
}

type viewTemplateBody struct {
	Path        string               `json:"path"`
	Description string               `json:"description"`
	Members     []templateMemberBody `json:"members"`
	ValidFrom   time.Time            `json:"valid_from,omitempty"`
}

func templateToBody(tmpl kernel.ViewTemplate) viewTemplateBody {
	body := viewTemplateBody{
		Path:        tmpl.Path,
		Description: tmpl.Description,
		ValidFrom:   tmpl.Version.ValidFrom,
	}
	for _, member := range tmpl.Members {
		body.Members = append(body.Members, templateMemberBody{
			Kind: string(member.Kind), Namespace: member.Namespace, Path: member.Path,
		})
	}
	return body
}

func templateMembers(bodies []templateMemberBody) []kernel.TemplateMember {
	members := make([]kernel.TemplateMember, len(bodies))
	for i, member := range bodies {
		members[i] = kernel.TemplateMember{
			Kind:      kernel.TemplateMemberKind(member.Kind),
			Namespace: member.Namespace,
			Path:      member.Path,
		}
	}
	return members
}

func (server *Server) createViewTemplate(w http.ResponseWriter, r *http.Request) {
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

	var body viewTemplateBody
	if err := decodeJSON(r, &body); err != nil {
		server.respondError(w, r, err)
		return
	}

	tmpl, err := server.db.CreateViewTemplate(ctx, kernel.CreateViewTemplate{
		NamespaceID: ns.ID,
		Path:        body.Path,
		Description: body.Description,
		Members:     templateMembers(body.Members),
		MetaID:      meta.ID,
	})
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respondJSON(w, http.StatusCreated, templateToBody(tmpl))
}

func (server *Server) updateViewTemplate(w http.ResponseWriter, r *http.Request) {
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
		Members []templateMemberBody `json:"members"`
	}
	if err := decodeJSON(r, &body); err != nil {
		server.respondError(w, r, err)
		return
	}

	tmpl, err := server.db.UpdateViewTemplate(ctx, kernel.UpdateViewTemplate{
		NamespaceID: ns.ID,
		Path:        mux.Vars(r)["path"],
		Members:     templateMembers(body.Members),
		MetaID:      meta.ID,
	})
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respondJSON(w, http.StatusOK, templateToBody(tmpl))
}

func (server *Server) getViewTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := server.resolveNamespace(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	at := time.Now()
	if raw := r.URL.Query().Get("valid_at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			server.respondError(w, r, kernel.ErrInvalidRequest.New("malformed valid_at"))
			return
		}
		at = parsed
	}

	path := mux.Vars(r)["path"]
	tmpl, err := server.db.GetViewTemplate(ctx, ns.ID, path, at)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if tmpl == nil {
		server.respondError(w, r, kernel.ErrNotFound.New("view template %q", path))
		return
	}
	server.respondJSON(w, http.StatusOK, templateToBody(*tmpl))
}

type viewBody struct {
	Path      string     `json:"path"`
	Template  string     `json:"template"`
	Locality  string     `json:"locality"`
	Layer     string     `json:"layer"`
	Graph     *string    `json:"graph,omitempty"`
	ValidAt   *time.Time `json:"valid_at,omitempty"`
	Proj      *string    `json:"proj,omitempty"`
	NumGeos   int        `json:"num_geos,omitempty"`
	Columns   []string   `json:"columns,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitempty"`
}

func viewToBody(view kernel.View) viewBody {
	at := view.ValidAt
	body := viewBody{
		Path:      view.Path,
		ValidAt:   &at,
		Proj:      view.Proj,
		NumGeos:   view.NumGeos,
		CreatedAt: view.CreatedAt,
	}
	for _, col := range view.Columns {
		body.Columns = append(body.Columns, col.Alias)
	}
	return body
}

func (server *Server) createView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := server.resolveWritableNamespace(r, true)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	meta, err := server.requireMeta(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	var body viewBody
	if err := decodeJSON(r, &body); err != nil {
		server.respondError(w, r, err)
		return
	}

	loc, err := server.db.GetLocality(ctx, body.Locality)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if loc == nil {
		server.respondError(w, r, kernel.ErrNotFound.New("locality %q", body.Locality))
		return
	}
	layer, err := server.db.GetGeoLayer(ctx, ns.ID, body.Layer)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if layer == nil {
		server.respondError(w, r, kernel.ErrNotFound.New("geo layer %q", body.Layer))
		return
	}

	view, err := server.db.CreateView(ctx, kernel.CreateView{
		NamespaceID:  ns.ID,
		Path:         body.Path,
		TemplatePath: body.Template,
		LocalityID:   loc.ID,
		LayerID:      layer.ID,
		GraphPath:    body.Graph,
		ValidAt:      body.ValidAt,
		Proj:         body.Proj,
		MetaID:       meta.ID,
	})
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	server.respondJSON(w, http.StatusCreated, viewToBody(view))
}

func (server *Server) getView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := server.resolveNamespace(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	path := mux.Vars(r)["path"]
	view, err := server.db.GetView(ctx, ns.ID, path)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if view == nil {
		server.respondError(w, r, kernel.ErrNotFound.New("view %q", path))
		return
	}
	server.respondJSON(w, http.StatusOK, viewToBody(*view))
}

func (server *Server) renderView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns, err := server.resolveNamespace(r)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	path := mux.Vars(r)["path"]
	view, err := server.db.GetView(ctx, ns.ID, path)
	if err != nil {
		server.respondError(w, r, err)
		return
	}
	if view == nil {
		server.respondError(w, r, kernel.ErrNotFound.New("view %q", path))
		return
	}

	render, err := server.renderer.Render(ctx, *view, requestUser(r).ID)
	if err != nil {
		server.respondError(w, r, err)
		return
	}

	file, err := os.Open(render.Path)
	if err != nil {
		server.respondError(w, r, kernel.ErrRender.Wrap(err))
		return
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			server.log.Warn("unable to close render file", zap.Error(closeErr))
		}
	}()

	w.Header().Set("Content-Type", "application/geopackage+sqlite3")
	w.Header().Set("X-GerryDB-Render-ID", render.ID.String())
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, file); err != nil {
		server.log.Warn("render download interrupted", zap.Error(err))
	}
}
