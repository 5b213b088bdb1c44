package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the health and status HTTP surface.
type Server struct {
	router  *chi.Mux
	handler *Handler
	config  domain.ServerConfig
}

// NewServer creates the router.
func NewServer(cfg domain.ServerConfig, handler *Handler) *Server {
	router := chi.NewRouter()

	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Get("/rules", handler.ListRules)
	router.Get("/rules/{name}", handler.GetRule)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Audit lookups, served only when a repository is configured.
	router.Get("/transactions/{id}", handler.GetScored)
	router.Get("/accounts/{id}/transactions", handler.ListAccountScored)
	router.Get("/deadletters", handler.ListDeadLetters)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *Server) String() string {
	return "http-server"
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
