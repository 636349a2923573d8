package providers

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"monollm/config"
	"monollm/internal/core"
)

// InitResult holds the registry and the adapters that could be built.
type InitResult struct {
	Registry *Registry
	Adapters map[string]core.Adapter
}

// Close releases every adapter.
func (r *InitResult) Close() error {
	var errs []error
	for id, a := range r.Adapters {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// keylessTypes are adapter types that talk to local servers without credentials.
var keylessTypes = map[string]bool{"ollama": true}

// Init builds the registry from every declared provider and an adapter for
// each provider that has credentials. Providers without credentials, or whose
// adapter fails to build, are logged and skipped so the rest stay usable.
func Init(cfg *config.Config, factory *ProviderFactory, opts Options) (*InitResult, error) {
	if cfg == nil {
		return nil, core.NewConfigurationError("configuration is required", nil)
	}
	if factory == nil {
		return nil, core.NewConfigurationError("provider factory is required", nil)
	}

	res := &InitResult{
		Registry: NewRegistry(cfg.Providers),
		Adapters: make(map[string]core.Adapter, len(cfg.Providers)),
	}

	for _, p := range cfg.Providers {
		if !hasCredential(p) {
			slog.Warn("provider skipped: no API key configured", "provider", p.ID, "type", p.Type)
			continue
		}
		a, err := factory.Create(p, opts)
		if err != nil {
			slog.Warn("failed to initialize provider", "provider", p.ID, "type", p.Type, "error", err)
			continue
		}
		res.Adapters[p.ID] = a
		slog.Debug("provider initialized", "provider", p.ID, "type", p.Type, "models", len(p.Models))
	}

	slog.Info("providers configured",
		"declared", len(cfg.Providers),
		"available", len(res.Adapters),
		"models", res.Registry.ModelCount(),
	)
	return res, nil
}

func hasCredential(p config.ProviderConfig) bool {
	if keylessTypes[p.Type] {
		return true
	}
	key := strings.TrimSpace(p.APIKey)
	return key != "" && !strings.Contains(key, "${")
}
