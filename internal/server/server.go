// Package server provides the HTTP server of a tsbucket node.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/devrev/pairdb/tsbucket/internal/config"
	"github.com/devrev/pairdb/tsbucket/internal/handler"
	"github.com/devrev/pairdb/tsbucket/internal/health"
	"github.com/devrev/pairdb/tsbucket/internal/metrics"
	"github.com/devrev/pairdb/tsbucket/internal/middleware"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	handlers    *handler.Handlers
	healthCheck *health.HealthCheck
	gatherer    prometheus.Gatherer
	metrics     *metrics.Metrics
	logger      *zap.Logger
	cfg         *config.Config
}

// NewServer creates a new HTTP server. gatherer and m may be nil when
// metrics are disabled.
func NewServer(
	cfg *config.Config,
	handlers *handler.Handlers,
	healthCheck *health.HealthCheck,
	gatherer prometheus.Gatherer,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()

	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		handlers:    handlers,
		healthCheck: healthCheck,
		gatherer:    gatherer,
		metrics:     m,
		logger:      logger,
		cfg:         cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger, s.metrics),
	}

	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.BurstSize,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	s.router.Use(middleware.Chain(middlewareChain...))

	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	if s.cfg.Metrics.Enabled && s.gatherer != nil {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).
			Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/collections", s.handlers.CreateCollection).Methods(http.MethodPost)
	v1.HandleFunc("/collections", s.handlers.ListCollections).Methods(http.MethodGet)
	v1.HandleFunc("/collections/{db}/{coll}", s.handlers.DropCollection).Methods(http.MethodDelete)
	v1.HandleFunc("/collections/{db}/{coll}/insert", s.handlers.Insert).Methods(http.MethodPost)
	v1.HandleFunc("/collections/{db}/{coll}/stats", s.handlers.Stats).Methods(http.MethodGet)
	v1.HandleFunc("/databases/{db}", s.handlers.DropDatabase).Methods(http.MethodDelete)
	v1.HandleFunc("/buckets/{id}/metadata", s.handlers.BucketMetadata).Methods(http.MethodGet)

	errorHandler := s.handlers.ErrorHandler()
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorHandler.WriteErrorResponse(w, http.StatusNotFound, handler.ErrorCodeNotFound, "endpoint not found", r.Header.Get("X-Request-ID"))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, handler.ErrorCodeMethodNotAllowed, "method not allowed", r.Header.Get("X-Request-ID"))
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}
