// Package app wires configuration into a running orchestrator with its
// optional cache, usage ledger, metrics and HTTP server, and tears them down
// in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"monollm/config"
	"monollm/internal/cache"
	"monollm/internal/observability"
	"monollm/internal/orchestrator"
	"monollm/internal/providers"
	"monollm/internal/server"
	"monollm/internal/usage"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config       *config.Config
	orchestrator *orchestrator.Orchestrator
	cache        cache.Cache
	usage        *usage.Result
	registry     *prometheus.Registry
	server       *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	// AppConfig is the loaded application configuration.
	AppConfig *config.Config

	// Factory builds one adapter per provider type.
	Factory *providers.ProviderFactory
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("factory is required")
	}

	appCfg := cfg.AppConfig
	app := &App{config: appCfg}

	var opts []orchestrator.Option
	if appCfg.Metrics.Enabled {
		app.registry = prometheus.NewRegistry()
		app.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, orchestrator.WithMetrics(observability.NewMetrics(app.registry)))
	}

	responseCache, err := cache.New(appCfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize response cache: %w", err)
	}
	if responseCache != nil {
		app.cache = responseCache
		opts = append(opts, orchestrator.WithCache(responseCache))
	}

	usageResult, err := usage.New(ctx, appCfg)
	if err != nil {
		closeErr := app.closeCache()
		if closeErr != nil {
			return nil, fmt.Errorf("failed to initialize usage tracking: %w (also: cache close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize usage tracking: %w", err)
	}
	app.usage = usageResult
	opts = append(opts, orchestrator.WithUsage(usageResult.Logger))

	orch, err := orchestrator.FromConfig(appCfg, cfg.Factory, opts...)
	if err != nil {
		closeErr := errors.Join(app.usage.Close(), app.closeCache())
		if closeErr != nil {
			return nil, fmt.Errorf("failed to initialize orchestrator: %w (also: close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}
	app.orchestrator = orch

	app.logStartupInfo()

	serverCfg := &server.Config{
		MasterKey:       appCfg.Server.MasterKey,
		MetricsEnabled:  appCfg.Metrics.Enabled,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
		BodySizeLimit:   appCfg.Server.BodySizeLimit,
		Usage:           usageResult.Reader,
	}
	if app.registry != nil {
		serverCfg.Gatherer = app.registry
	}
	app.server = server.New(orch, serverCfg)

	return app, nil
}

// Orchestrator returns the orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// UsageReader returns the usage summary reader, or nil when tracking is disabled.
func (a *App) UsageReader() usage.Reader {
	if a.usage == nil {
		return nil
	}
	return a.usage.Reader
}

// Handler returns the HTTP handler of the server.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order:
// the HTTP server, the orchestrator and its adapters, the response cache,
// then the usage ledger, which flushes pending entries.
//
// Shutdown is idempotent. It attempts every step and joins the failures.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Debug("shutting down application")

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if a.orchestrator != nil {
		if err := a.orchestrator.Close(); err != nil {
			slog.Error("orchestrator close error", "error", err)
			errs = append(errs, fmt.Errorf("orchestrator close: %w", err))
		}
	}

	if err := a.closeCache(); err != nil {
		slog.Error("cache close error", "error", err)
		errs = append(errs, fmt.Errorf("cache close: %w", err))
	}

	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			slog.Error("usage logger close error", "error", err)
			errs = append(errs, fmt.Errorf("usage close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Debug("application shutdown complete")
	return nil
}

func (a *App) closeCache() error {
	if a.cache == nil {
		return nil
	}
	err := a.cache.Close()
	a.cache = nil
	return err
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Metrics.Enabled {
		slog.Debug("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	}
	if cfg.Cache.Type != "" {
		slog.Debug("response cache enabled", "type", cfg.Cache.Type, "ttl_seconds", cfg.Cache.TTL)
	}
	if cfg.Usage.Enabled {
		slog.Debug("usage tracking enabled",
			"storage_type", cfg.Storage.Type,
			"buffer_size", cfg.Usage.BufferSize,
			"flush_interval", cfg.Usage.FlushInterval,
			"retention_days", cfg.Usage.RetentionDays,
		)
	}
}
