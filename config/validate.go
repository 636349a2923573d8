package config

import (
	"errors"
	"fmt"
	"slices"

	"monollm/internal/core"
)

// AdapterTypes lists the adapter types a provider may declare.
var AdapterTypes = []string{"openai", "anthropic", "gemini", "ollama"}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: id is required", i))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("provider %q is declared more than once", p.ID))
		}
		seen[p.ID] = true

		if !slices.Contains(AdapterTypes, p.Type) {
			errs = append(errs, fmt.Errorf("provider %q: unknown type %q (valid: %v)", p.ID, p.Type, AdapterTypes))
		}

		models := make(map[string]bool, len(p.Models))
		for j, m := range p.Models {
			if m.ID == "" {
				errs = append(errs, fmt.Errorf("provider %q: models[%d]: id is required", p.ID, j))
				continue
			}
			if models[m.ID] {
				errs = append(errs, fmt.Errorf("provider %q: model %q is declared more than once", p.ID, m.ID))
			}
			models[m.ID] = true
			if m.MaxTokens < 0 {
				errs = append(errs, fmt.Errorf("provider %q: model %q: max_tokens must not be negative", p.ID, m.ID))
			}
		}
	}

	if c.Proxy.Enabled {
		if _, err := c.CoreProxy().URL(); err != nil {
			errs = append(errs, fmt.Errorf("proxy: %w", err))
		}
	}

	if c.Timeout.Connect <= 0 || c.Timeout.Read <= 0 || c.Timeout.Write <= 0 {
		errs = append(errs, errors.New("timeout: connect, read and write must be positive"))
	}

	switch c.Retry.Backoff {
	case core.BackoffLinear, core.BackoffExponential:
	default:
		errs = append(errs, fmt.Errorf("retry: unknown backoff %q (valid: linear, exponential)", c.Retry.Backoff))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry: max_attempts must be at least 1"))
	}
	if c.Retry.BackoffFactor < 0 {
		errs = append(errs, errors.New("retry: backoff_factor must not be negative"))
	}
	for _, s := range c.Retry.RetryOnStatus {
		if s < 100 || s > 599 {
			errs = append(errs, fmt.Errorf("retry: invalid status %d in retry_on_status", s))
		}
	}

	switch c.Cache.Type {
	case "", "none", "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache: unknown type %q (valid: memory, redis)", c.Cache.Type))
	}
	if c.Cache.Type == "redis" && c.Cache.Redis.URL == "" {
		errs = append(errs, errors.New("cache: redis.url is required for the redis cache"))
	}

	if c.Usage.Enabled {
		switch c.Storage.Type {
		case "sqlite", "postgresql", "mongodb":
		default:
			errs = append(errs, fmt.Errorf("storage: unknown type %q (valid: sqlite, postgresql, mongodb)", c.Storage.Type))
		}
	}

	return errors.Join(errs...)
}
