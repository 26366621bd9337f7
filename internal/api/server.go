package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/batch"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/rulestore"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, runner batch.Runner, coordinator *batch.Coordinator, ruleStore *rulestore.Store, historyStore *history.Store, engine *rules.Engine, version string) *Server {
	handler := NewHandler(repo, cache, runner, coordinator, ruleStore, historyStore, engine, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Scoring
	router.Post("/assess", handler.Assess)

	// Assessment retrieval and audit trail
	router.Get("/assessments/{txID}", handler.GetAssessment)
	router.Get("/assessments/{txID}/audit", handler.GetAuditTrail)

	// Transaction retrieval
	router.Get("/transactions/{id}", handler.GetTransaction)

	// Batch scoring
	router.Post("/batches", handler.CreateBatch)
	router.Get("/batches/{id}", handler.GetBatch)
	router.Post("/batches/{id}/cancel", handler.CancelBatch)

	// Rule management
	router.Get("/rules", handler.ListRules)
	router.Get("/rules/{id}", handler.GetRule)
	router.Post("/rules", handler.CreateRule)
	router.Post("/rules/reload", handler.ReloadRules)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
