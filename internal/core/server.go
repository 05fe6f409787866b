// Package core is the HTTP chassis shared by every pagehook endpoint: a chi
// router, the middleware chain, uniform JSON error responses and the health
// endpoint. Domain packages register their routes through the hooks on Server
// so that core never imports them.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"pagehook/internal/config"
)

// MetricsCollector records per-request HTTP telemetry.
type MetricsCollector interface {
	RecordRequest(method, route, status string, duration time.Duration)
}

// Server holds the router and everything the middleware chain needs.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	Metrics      MetricsCollector
	HealthProbes []HealthProbe

	// WebhookRoutes is mounted under Config.Webhook.PathPrefix. It owns the
	// middleware of that group, raw body capture included.
	WebhookRoutes func(r chi.Router)
	// Realtime serves WebSocket upgrades at Config.Realtime.Path.
	Realtime http.Handler
	// MetricsHandler serves the Prometheus scrape endpoint at /metrics.
	MetricsHandler http.Handler

	router *chi.Mux
}

// NewServer validates the mandatory dependencies and prepares an empty router.
// Callers set the route hooks and then call MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}

	return &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}, nil
}

// Handler returns the router for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the chi.Mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe runs an http.Server on the configured port until ctx is
// cancelled, then drains in-flight requests within ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	sc := s.Config.Server
	httpServer := &http.Server{
		Addr:              ":" + sc.Port,
		Handler:           s.router,
		ReadHeaderTimeout: sc.ReadHeaderTimeout,
		ReadTimeout:       sc.ReadTimeout,
		WriteTimeout:      sc.WriteTimeout,
		IdleTimeout:       sc.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.Logger.Info("http server shutting down", "timeout", sc.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
