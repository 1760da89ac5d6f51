package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/davidbz/quillgate/internal/config"
	"github.com/davidbz/quillgate/internal/http/middleware"
	"github.com/davidbz/quillgate/internal/observability"
)

// Server represents the HTTP server.
type Server struct {
	config      config.ServerConfig
	handler     *Handler
	metrics     http.Handler
	middlewares middleware.Middleware
	srv         *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg *config.ServerConfig,
	handler *Handler,
	metrics *observability.Metrics,
	middlewares middleware.Middleware,
) *Server {
	s := &Server{
		config:      *cfg,
		handler:     handler,
		metrics:     metrics.Handler(),
		middlewares: middlewares,
	}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Routes(),
		ReadTimeout:       time.Duration(cfg.ReadTimeout) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.WriteTimeout) * time.Second,
	}
	return s
}

// Routes builds the routed handler with the middleware chain applied.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handler.HandleHealth)
	r.Handle("/metrics", s.metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/generate", s.handler.HandleGenerate)
		r.Get("/usage", s.handler.HandleUsage)
		r.Get("/ratelimit", s.handler.HandleRateLimit)
		r.Get("/cache/stats", s.handler.HandleCacheStats)
	})

	return s.middlewares(r)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	ctx := context.Background()
	observability.FromContext(ctx).Info("starting HTTP server", observability.Int("port", s.config.Port))

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	observability.FromContext(ctx).Info("shutting down HTTP server")

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}
