// Package providers provides the capability registry, request resolution and
// the factory that turns provider declarations into live adapters.
package providers

import (
	"fmt"
	"sort"
	"strings"

	"monollm/config"
	"monollm/internal/core"
	"monollm/internal/httpclient"
	"monollm/internal/llmclient"
)

// Options carries the settings shared by every adapter built by a factory.
type Options struct {
	// HTTP is the transport template: pool sizes, timeout phases and proxy.
	HTTP httpclient.ClientConfig

	// CircuitBreaker is applied per adapter. Nil disables it.
	CircuitBreaker *llmclient.CircuitBreakerConfig

	// Hooks observe every vendor call.
	Hooks llmclient.Hooks
}

// OptionsFromConfig derives adapter options from the shared config sections.
func OptionsFromConfig(cfg *config.Config, hooks llmclient.Hooks) Options {
	def := llmclient.DefaultConfig("", "")
	httpCfg := def.HTTP
	httpCfg.Timeout = cfg.CoreTimeout()
	httpCfg.Proxy = cfg.CoreProxy()
	return Options{
		HTTP:           httpCfg,
		CircuitBreaker: def.CircuitBreaker,
		Hooks:          hooks,
	}
}

// ClientConfig builds the llmclient configuration for one provider. The
// declared base URL wins over defaultBaseURL.
func (o Options) ClientConfig(p config.ProviderConfig, defaultBaseURL string) llmclient.Config {
	baseURL := strings.TrimRight(p.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return llmclient.Config{
		ProviderName:   p.ID,
		BaseURL:        baseURL,
		HTTP:           o.HTTP,
		CircuitBreaker: o.CircuitBreaker,
		Hooks:          o.Hooks,
	}
}

// Constructor builds an adapter for one provider declaration.
type Constructor func(cfg config.ProviderConfig, opts Options) (core.Adapter, error)

// Registration binds an adapter type to its constructor.
type Registration struct {
	Type string
	New  Constructor
}

// ProviderFactory maps adapter types to constructors.
type ProviderFactory struct {
	builders map[string]Constructor
}

// NewProviderFactory creates an empty factory.
func NewProviderFactory(regs ...Registration) *ProviderFactory {
	f := &ProviderFactory{builders: make(map[string]Constructor, len(regs))}
	for _, r := range regs {
		f.Add(r)
	}
	return f
}

// Add registers a constructor, replacing any previous one for the same type.
func (f *ProviderFactory) Add(r Registration) {
	f.builders[r.Type] = r.New
}

// Create instantiates the adapter declared by cfg.
func (f *ProviderFactory) Create(cfg config.ProviderConfig, opts Options) (core.Adapter, error) {
	builder, ok := f.builders[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
	return builder(cfg, opts)
}

// ListRegistered returns the registered adapter types in sorted order.
func (f *ProviderFactory) ListRegistered() []string {
	types := make([]string, 0, len(f.builders))
	for t := range f.builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
