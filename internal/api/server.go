// Package api exposes the analysis engine over HTTP: cluster and pattern
// reads, trend analysis, operator status transitions, and manual triggers.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/faultlinehq/faultline/internal/config"
)

// Server wraps the HTTP server and its lifecycle.
type Server struct {
	cfg        config.ServerConfig
	httpServer *http.Server
}

// NewServer constructs the HTTP server with all routes mounted.
func NewServer(cfg config.ServerConfig, handlers *Handlers) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	router.Get("/healthz", handlers.Health)

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/clusters", handlers.ListClusters)
		r.Get("/clusters/{id}", handlers.GetCluster)
		r.Get("/clusters/{id}/entries", handlers.ListClusterEntries)

		r.Get("/patterns", handlers.ListPatterns)
		r.Get("/patterns/{id}", handlers.GetPattern)
		r.Get("/patterns/{id}/trend", handlers.GetPatternTrend)
		r.Post("/patterns/{id}/status", handlers.UpdatePatternStatus)

		r.Get("/digest", handlers.GetDigest)
		r.Post("/analyze", handlers.TriggerAnalysis)
		r.Post("/alerts/test", handlers.TestAlert)
		r.Get("/source/health", handlers.SourceHealth)
	})

	return &Server{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:              cfg.Address,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start serves requests until Shutdown is invoked.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GracefulTimeout returns the configured graceful shutdown window.
func (s *Server) GracefulTimeout() time.Duration {
	if s.cfg.GracefulTimeout <= 0 {
		return 10 * time.Second
	}
	return s.cfg.GracefulTimeout
}
