// Package api provides the HTTP surface of serve: health probes, metrics and
// the authenticated manual sync trigger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	pkgsync "github.com/stacklok/issuesync/internal/sync"
	"github.com/stacklok/issuesync/internal/sync/coordinator"
	"github.com/stacklok/issuesync/internal/versions"
	"github.com/stacklok/issuesync/internal/watermark"
)

// maxTriggerBody bounds the trigger request body
const maxTriggerBody = 64 << 10

// SyncTrigger starts runs and reports on them
type SyncTrigger interface {
	Trigger(since string) error
	Running() bool
	LastRun() *pkgsync.Run
}

// ReadinessChecker verifies the warehouse is reachable
type ReadinessChecker interface {
	Ping(ctx context.Context) error
}

// ServerOption configures the API server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares    []func(http.Handler) http.Handler
	token          string
	resolver       *watermark.Resolver
	metricsHandler http.Handler
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithTriggerToken enables the /api/v1 routes, authorized by token
func WithTriggerToken(token string) ServerOption {
	return func(cfg *serverConfig) {
		cfg.token = token
	}
}

// WithResolver sets the resolver used to reject invalid since overrides up front
func WithResolver(resolver *watermark.Resolver) ServerOption {
	return func(cfg *serverConfig) {
		if resolver != nil {
			cfg.resolver = resolver
		}
	}
}

// WithMetricsHandler serves h on /metrics
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.metricsHandler = h
	}
}

// routes holds the handler dependencies
type routes struct {
	trigger  SyncTrigger
	ready    ReadinessChecker
	resolver *watermark.Resolver
}

// NewServer creates and configures the HTTP router
func NewServer(trigger SyncTrigger, ready ReadinessChecker, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		resolver: watermark.NewResolver(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	rt := &routes{trigger: trigger, ready: ready, resolver: cfg.resolver}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/healthz", healthHandler)
	r.Get("/readyz", rt.readinessHandler)
	r.Get("/version", versionHandler)
	if cfg.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metricsHandler)
	}

	if cfg.token == "" {
		slog.Warn("No trigger token configured, manual sync endpoints are disabled")
		return r
	}

	r.Route("/api/v1/sync", func(r chi.Router) {
		r.Use(BearerTokenMiddleware(cfg.token))
		r.Post("/", rt.triggerHandler)
		r.Get("/last", rt.lastRunHandler)
	})

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// healthHandler handles GET /healthz
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, HealthResponse{Status: "healthy"}, http.StatusOK)
}

// readinessHandler handles GET /readyz
func (rt *routes) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if err := rt.ready.Ping(r.Context()); err != nil {
		slog.Warn("Readiness check failed", "error", err)
		writeErrorResponse(w, "warehouse not reachable", http.StatusServiceUnavailable)
		return
	}
	writeJSONResponse(w, ReadinessResponse{Status: "ready"}, http.StatusOK)
}

// versionHandler handles GET /version
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, versions.GetVersionInfo(), http.StatusOK)
}

// triggerHandler handles POST /api/v1/sync
func (rt *routes) triggerHandler(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	body := http.MaxBytesReader(w, r.Body, maxTriggerBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeErrorResponse(w, "request body must be a JSON object", http.StatusBadRequest)
		return
	}

	if req.Since != "" {
		if _, err := rt.resolver.Resolve(req.Since); err != nil {
			writeErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	switch err := rt.trigger.Trigger(req.Since); {
	case errors.Is(err, coordinator.ErrBusy):
		writeErrorResponse(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		slog.Error("Failed to trigger sync run", "error", err)
		writeErrorResponse(w, "sync runs are not being accepted", http.StatusServiceUnavailable)
		return
	}

	slog.Info("Manual sync run triggered",
		"since", req.Since,
		"remote_addr", r.RemoteAddr)
	writeJSONResponse(w, TriggerResponse{Status: "accepted", Since: req.Since}, http.StatusAccepted)
}

// lastRunHandler handles GET /api/v1/sync/last
func (rt *routes) lastRunHandler(w http.ResponseWriter, _ *http.Request) {
	last := rt.trigger.LastRun()
	running := rt.trigger.Running()
	if last == nil && !running {
		writeErrorResponse(w, "no sync run has finished yet", http.StatusNotFound)
		return
	}
	writeJSONResponse(w, LastRunResponse{Running: running, Run: last}, http.StatusOK)
}
