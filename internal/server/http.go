package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joshp123/robobridge/internal/core"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPServer serves health, metrics, dashboards and plugin routes.
type HTTPServer struct {
	Server *http.Server
}

func NewHTTPServer(addr string, handler http.Handler) *HTTPServer {
	return &HTTPServer{Server: &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// ListenAndServe blocks until the server stops. A graceful shutdown is not
// an error.
func (s *HTTPServer) ListenAndServe() error {
	err := s.Server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.Server.Shutdown(ctx)
}

// NewRouter mounts the core endpoints and every plugin's HTTP routes.
func NewRouter(plugins []core.Plugin, registry *prometheus.Registry, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", HealthHandler)
	r.Get("/plugins", PluginsHandler(plugins))
	r.Handle("/metrics", MetricsHandler(registry, logger))
	mountDashboards(r, core.DashboardsMap(plugins))

	for _, p := range plugins {
		if registrant, ok := p.(core.HTTPRegistrant); ok {
			registrant.RegisterHTTP(r)
		}
	}
	return r
}
