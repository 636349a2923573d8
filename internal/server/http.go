package server

import (
	"context"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"monollm/internal/usage"
)

// DefaultBodySizeLimit caps request bodies when no limit is configured.
const DefaultBodySizeLimit = "10M"

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options
type Config struct {
	MasterKey       string // Optional: bearer token required on API routes
	MetricsEnabled  bool   // Whether to expose Prometheus metrics endpoint
	MetricsEndpoint string // HTTP path for metrics endpoint (default: /metrics)
	BodySizeLimit   string // Max request body size, echo syntax (default: 10M)

	// Gatherer serves the metrics endpoint. Nil means the default registry.
	Gatherer prometheus.Gatherer
	// Usage serves /v1/usage. Nil when the usage ledger is disabled.
	Usage usage.Reader
}

// New creates a new HTTP server over backend.
func New(backend Backend, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	handler := NewHandler(backend, cfg.Usage)

	authSkipPaths := []string{"/health"}

	metricsPath := "/metrics"
	if cfg.MetricsEnabled {
		if cfg.MetricsEndpoint != "" {
			// Normalize path to prevent traversal attacks
			metricsPath = path.Clean("/" + cfg.MetricsEndpoint)
		}
		// The metrics endpoint must not shadow an API route.
		if metricsPath == "/v1" || strings.HasPrefix(metricsPath, "/v1/") || metricsPath == "/health" {
			metricsPath = "/metrics"
		}
		authSkipPaths = append(authSkipPaths, metricsPath)
	}

	// Global middleware stack (order matters)
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.Recover())

	bodySizeLimit := DefaultBodySizeLimit
	if cfg.BodySizeLimit != "" {
		bodySizeLimit = cfg.BodySizeLimit
	}
	e.Use(middleware.BodyLimit(bodySizeLimit))

	if cfg.MasterKey != "" {
		e.Use(AuthMiddleware(cfg.MasterKey, authSkipPaths...))
	}

	// Public routes
	e.GET("/health", handler.Health)
	if cfg.MetricsEnabled {
		var h http.Handler
		if cfg.Gatherer != nil {
			h = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
		} else {
			h = promhttp.Handler()
		}
		e.GET(metricsPath, echo.WrapHandler(h))
	}

	// API routes
	e.GET("/v1/providers", handler.ListProviders)
	e.GET("/v1/models", handler.ListModels)
	e.GET("/v1/models/:model", handler.GetModel)
	e.POST("/v1/generate", handler.Generate)
	e.GET("/v1/usage", handler.UsageSummary)

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
