// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

// Package api exposes the kernel over HTTP. Metadata rides on JSON; bulk
// geography payloads ride on MessagePack so WKB bytes stay opaque.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/mggg/gerrydb/gerrydb/auth"
	"github.com/mggg/gerrydb/gerrydb/kernel"
	"github.com/mggg/gerrydb/gerrydb/render"
)

var (
	mon = monkit.Package()

	// Error is the default api error class.
	Error = errs.Class("api")
)

// Config configures the HTTP server.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server serves the HTTP API.
type Server struct {
	log      *zap.Logger
	db       *kernel.DB
	auth     *auth.Service
	renderer *render.Coordinator
	config   Config

	server http.Server
}

// NewServer creates the API server with all routes registered.
func NewServer(log *zap.Logger, db *kernel.DB, authService *auth.Service, renderer *render.Coordinator, config Config) *Server {
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	server := &Server{
		log:      log,
		db:       db,
		auth:     authService,
		renderer: renderer,
		config:   config,
	}

	root := mux.NewRouter()
	router := root.PathPrefix("/api/v1").Subrouter()
	router.Use(server.withAuth)

	router.HandleFunc("/meta", server.createMeta).Methods(http.MethodPost)
	router.HandleFunc("/meta/{uuid}", server.getMeta).Methods(http.MethodGet)

	router.HandleFunc("/namespaces", server.createNamespace).Methods(http.MethodPost)
	router.HandleFunc("/namespaces", server.listNamespaces).Methods(http.MethodGet)
	router.HandleFunc("/namespaces/{ns}", server.getNamespace).Methods(http.MethodGet)

	router.HandleFunc("/localities", server.createLocalities).Methods(http.MethodPost)
	router.HandleFunc("/localities", server.listLocalities).Methods(http.MethodGet)
	router.HandleFunc("/localities/{path:.+}", server.getLocality).Methods(http.MethodGet)
	router.HandleFunc("/localities/{path:.+}", server.patchLocality).Methods(http.MethodPatch)

	router.HandleFunc("/layers/{ns}", server.createGeoLayer).Methods(http.MethodPost)
	router.HandleFunc("/layers/{ns}", server.listGeoLayers).Methods(http.MethodGet)
	router.HandleFunc("/layers/{ns}/{path}", server.getGeoLayer).Methods(http.MethodGet)
	router.HandleFunc("/layers/{ns}/{path}", server.mapLocality).Methods(http.MethodPut).
		Queries("locality", "{locality}")

	router.HandleFunc("/geo-imports/{ns}", server.createGeoImport).Methods(http.MethodPost)
	router.HandleFunc("/geo-imports/{ns}", server.listGeoImports).Methods(http.MethodGet)
	router.HandleFunc("/geo-imports/{ns}/{uuid}", server.getGeoImport).Methods(http.MethodGet)

	router.HandleFunc("/geographies/{ns}", server.createGeographies).Methods(http.MethodPost)
	router.HandleFunc("/geographies/{ns}", server.patchGeographies).Methods(http.MethodPatch)
	router.HandleFunc("/geographies/{ns}/fork", server.forkGeographies).Methods(http.MethodPost)
	router.HandleFunc("/geographies/{ns}/{path:.+}", server.getGeography).Methods(http.MethodGet)

	router.HandleFunc("/columns/{ns}", server.createColumn).Methods(http.MethodPost)
	router.HandleFunc("/columns/{ns}", server.listColumns).Methods(http.MethodGet)
	router.HandleFunc("/columns/{ns}/{path:.+}", server.getColumn).Methods(http.MethodGet)
	router.HandleFunc("/columns/{ns}/{path:.+}", server.patchColumn).Methods(http.MethodPatch)
	router.HandleFunc("/columns/{ns}/{path:.+}", server.setColumnValues).Methods(http.MethodPut)

	router.HandleFunc("/column-sets/{ns}", server.createColumnSet).Methods(http.MethodPost)
	router.HandleFunc("/column-sets/{ns}/{path}", server.getColumnSet).Methods(http.MethodGet)

	router.HandleFunc("/plans/{ns}", server.createPlan).Methods(http.MethodPost)
	router.HandleFunc("/plans/{ns}/{path}", server.getPlan).Methods(http.MethodGet)

	router.HandleFunc("/graphs/{ns}", server.createGraph).Methods(http.MethodPost)
	router.HandleFunc("/graphs/{ns}/{path}", server.getGraph).Methods(http.MethodGet)

	router.HandleFunc("/view-templates/{ns}", server.createViewTemplate).Methods(http.MethodPost)
	router.HandleFunc("/view-templates/{ns}/{path}", server.getViewTemplate).Methods(http.MethodGet)
	router.HandleFunc("/view-templates/{ns}/{path}", server.updateViewTemplate).Methods(http.MethodPost)

	router.HandleFunc("/views/{ns}", server.createView).Methods(http.MethodPost)
	router.HandleFunc("/views/{ns}/{path}", server.getView).Methods(http.MethodGet)
	router.HandleFunc("/views/{ns}/{path}/render", server.renderView).Methods(http.MethodGet)

	server.server = http.Server{
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server
}

// Run starts serving and blocks until ctx is canceled.
func (server *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", server.config.Address)
	if err != nil {
		return Error.Wrap(err)
	}
	server.log.Info("listening", zap.String("address", listener.Addr().String()))

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.server.Serve(listener) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.config.ShutdownTimeout)
		defer cancel()
		return Error.Wrap(server.server.Shutdown(shutdownCtx))
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return Error.Wrap(err)
	}
}

// request headers
const (
	headerAPIKey      = "X-API-Key"
	headerMetaID      = "X-GerryDB-Meta-ID"
	headerGeoImportID = "X-GerryDB-Geo-Import-ID"
)

type contextKey int

const (
	keyUser contextKey = iota
	keyScopes
)

// withAuth authenticates every request via the API key header and attaches
// the caller and their resolved scopes to the context.
func (server *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		user, err := server.auth.Authenticate(ctx, r.Header.Get(headerAPIKey))
		if err != nil {
			server.respondError(w, r, err)
			return
		}
		scopes, err := server.auth.ScopesFor(ctx, user.ID)
		if err != nil {
			server.respondError(w, r, err)
			return
		}
		ctx = contextWithUser(ctx, user)
		ctx = contextWithScopes(ctx, scopes)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func contextWithUser(ctx context.Context, user *auth.User) context.Context {
	return context.WithValue(ctx, keyUser, user)
}

func contextWithScopes(ctx context.Context, scopes *auth.ScopeSet) context.Context {
	return context.WithValue(ctx, keyScopes, scopes)
}

func requestUser(r *http.Request) *auth.User {
	user, _ := r.Context().Value(keyUser).(*auth.User)
	return user
}

func requestScopes(r *http.Request) *auth.ScopeSet {
	scopes, _ := r.Context().Value(keyScopes).(*auth.ScopeSet)
	return scopes
}

// respondJSON writes a JSON body with the given status.
func (server *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		server.log.Error("unable to encode response", zap.Error(err))
	}
}

type errorBody struct {
	Detail string `json:"detail"`
}

// respondError maps the kernel error taxonomy onto HTTP statuses.
func (server *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case auth.ErrInvalidAPIKey.Has(err):
		status = http.StatusUnauthorized
	case kernel.ErrForbidden.Has(err):
		status = http.StatusForbidden
	case kernel.ErrNotFound.Has(err):
		status = http.StatusNotFound
	case kernel.ErrInvalidRequest.Has(err):
		status = http.StatusBadRequest
	case kernel.ErrViewConflict.Has(err):
		status = http.StatusConflict
	case kernel.ErrCreateValue.Has(err), kernel.ErrBulkCreate.Has(err),
		kernel.ErrBulkPatch.Has(err), kernel.ErrColumnValueType.Has(err):
		status = http.StatusUnprocessableEntity
	case kernel.ErrRender.Has(err):
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		server.log.Error("internal error",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		server.respondJSON(w, status, errorBody{Detail: "internal error"})
		return
	}
	server.respondJSON(w, status, errorBody{Detail: err.Error()})
}

// decodeJSON reads a JSON request body.
func decodeJSON(r *http.Request, into any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return kernel.ErrInvalidRequest.New("malformed request body: %v", err)
	}
	return nil
}
