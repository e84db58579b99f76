// Package httpapi serves the repository over HTTP: live queries, counts,
// content reads, submissions, and identifier lookups.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/roach88/hashrepo/internal/blob"
	"github.com/roach88/hashrepo/internal/bus"
	"github.com/roach88/hashrepo/internal/ingest"
	"github.com/roach88/hashrepo/internal/metrics"
	"github.com/roach88/hashrepo/internal/session"
	"github.com/roach88/hashrepo/internal/store"
	"github.com/roach88/hashrepo/internal/stream"
)

// Options tunes request handling.
type Options struct {
	// Heartbeat is the live stream keep-alive interval.
	Heartbeat time.Duration
	// MaxLimit caps an explicit page size; 0 leaves it uncapped. A query
	// without a limit is never capped.
	MaxLimit int
}

// Deps are the components the server exposes.
type Deps struct {
	Store  *store.Store
	Blobs  *blob.Store
	Bus    *bus.Bus
	Ingest *ingest.Ingestor
}

// Server holds the handlers of the HTTP API.
type Server struct {
	store  *store.Store
	blobs  *blob.Store
	bus    *bus.Bus
	ingest *ingest.Ingestor
	auth   *session.Authenticator
	opts   Options
	logger *zap.Logger
}

// NewServer creates the HTTP API server.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = stream.DefaultHeartbeat
	}
	return &Server{
		store:  deps.Store,
		blobs:  deps.Blobs,
		bus:    deps.Bus,
		ingest: deps.Ingest,
		auth:   session.NewAuthenticator(deps.Store),
		opts:   opts,
		logger: logger,
	}
}

// Handler returns the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(jsonRecoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(s.logger))
	r.Use(metrics.Middleware())

	r.Get("/health", s.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(BasicAuthMiddleware(s.auth))
		r.Get("/query", s.Query)
		r.Get("/count", s.Count)
		r.Get("/content/{algorithm}/{digest}", s.Content)
		r.Post("/submit", s.Submit)
		r.Get("/lookup", s.Lookup)
	})
	return r
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
