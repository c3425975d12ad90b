package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/claimdesk/internal/console"
	"github.com/opensource-finance/claimdesk/internal/domain"
	"github.com/opensource-finance/claimdesk/internal/telemetry"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, sessions *console.Manager, repo domain.Repository, cache domain.Cache, bus domain.EventBus, metrics *telemetry.Metrics, version string) *Server {
	handler := NewHandler(sessions, repo, cache, bus, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)             // CORS for browser clients
	router.Use(RecoverMiddleware)          // Recover from panics
	router.Use(TracingMiddleware)          // OpenTelemetry tracing
	router.Use(LoggingMiddleware)          // Request logging
	router.Use(MetricsMiddleware(metrics)) // Request counters
	router.Use(middleware.RealIP)          // Extract real IP
	router.Use(middleware.Compress(5))     // Gzip compression

	// Health endpoints (no session required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Session lifecycle
	router.Post("/sessions", handler.OpenSession)
	router.Delete("/sessions/{id}", handler.CloseSession)

	// Console routes (session required)
	router.Group(func(r chi.Router) {
		r.Use(SessionMiddleware(sessions))

		// Claim intake wizard
		r.Post("/forms", handler.OpenForm)
		r.Get("/forms/{id}", handler.GetForm)
		r.Post("/forms/{id}/next", handler.NextStep)
		r.Post("/forms/{id}/prev", handler.PrevStep)
		r.Post("/forms/{id}/submit", handler.SubmitForm)
		r.Post("/forms/{id}/acknowledge", handler.AcknowledgeForm)

		// Scored claims
		r.Get("/intelligence/{claimID}", handler.GetIntelligence)
		r.Get("/claims", handler.ListClaims)

		// Detection rules
		r.Get("/rules", handler.ListRules)
		r.Patch("/rules/{key}", handler.EditRule)
		r.Post("/rules/{key}/save", handler.SaveRule)
		r.Delete("/rules/{key}/edits", handler.DiscardRule)

		// Risk bands and other settings
		r.Get("/config", handler.ListConfig)
		r.Patch("/config/{key}", handler.EditConfig)
		r.Post("/config/{key}/save", handler.SaveConfig)
		r.Delete("/config/{key}/edits", handler.DiscardConfig)

		// Audit history
		r.Get("/audit", handler.ListAudit)
	})

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
