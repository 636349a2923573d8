// Package orchestrator is the client facade: it resolves requests against
// the capability registry and dispatches them to provider adapters under the
// retry and timeout policy.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"monollm/config"
	"monollm/internal/cache"
	"monollm/internal/core"
	"monollm/internal/llmclient"
	"monollm/internal/observability"
	"monollm/internal/providers"
	"monollm/internal/retry"
	"monollm/internal/usage"
)

// Config holds the shared policies applied to every call.
type Config struct {
	Retry   core.RetryConfig
	Timeout core.TimeoutConfig
}

// DefaultConfig returns the default retry and timeout policies.
func DefaultConfig() Config {
	return Config{Retry: core.DefaultRetryConfig(), Timeout: core.DefaultTimeoutConfig()}
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

// WithCache enables the response cache for non-streaming calls.
func WithCache(c cache.Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithUsage records one ledger entry per generation.
func WithUsage(r usage.Recorder) Option {
	return func(o *Orchestrator) { o.usage = r }
}

// WithMetrics records generation metrics. FromConfig also attaches the
// per-request hooks to every adapter.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithSleep replaces the wait between retry attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// Orchestrator owns the live adapters. It is safe for concurrent use.
type Orchestrator struct {
	registry *providers.Registry
	resolver *providers.Resolver
	adapters map[string]core.Adapter
	config   Config
	policy   retry.Policy

	cache   cache.Cache
	usage   usage.Recorder
	metrics *observability.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	newID   func() string

	closed atomic.Bool
}

// New creates an orchestrator over registry and the live adapters, keyed by
// provider id. A provider declared in the registry without an adapter fails
// at request time with a ConfigurationError.
func New(cfg Config, registry *providers.Registry, adapters map[string]core.Adapter, opts ...Option) (*Orchestrator, error) {
	if registry == nil {
		return nil, core.NewConfigurationError("capability registry is required", nil)
	}
	o := &Orchestrator{
		registry: registry,
		adapters: make(map[string]core.Adapter, len(adapters)),
		config:   cfg,
		newID:    uuid.NewString,
	}
	for id, a := range adapters {
		if a != nil {
			o.adapters[id] = a
		}
	}
	for _, opt := range opts {
		opt(o)
	}

	o.resolver = providers.NewResolver(registry, func(id string) bool {
		_, ok := o.adapters[id]
		return ok
	})
	o.policy = o.retryPolicy(cfg.Retry)
	return o, nil
}

// FromConfig builds the registry and one adapter per provider with a
// credential. Providers without one are logged and left out.
func FromConfig(cfg *config.Config, factory *providers.ProviderFactory, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, core.NewConfigurationError("configuration is required", nil)
	}
	if err := cfg.Validate(); err != nil {
		if _, ok := core.AsError(err); ok {
			return nil, err
		}
		return nil, core.NewConfigurationError(err.Error(), err)
	}

	// Options are applied once here to find the metrics hooks.
	pre := &Orchestrator{}
	for _, opt := range opts {
		opt(pre)
	}
	var popts providers.Options
	if pre.metrics != nil {
		popts = providers.OptionsFromConfig(cfg, pre.metrics.Hooks())
	} else {
		popts = providers.OptionsFromConfig(cfg, llmclient.Hooks{})
	}

	res, err := providers.Init(cfg, factory, popts)
	if err != nil {
		return nil, err
	}
	return New(Config{Retry: cfg.CoreRetry(), Timeout: cfg.CoreTimeout()}, res.Registry, res.Adapters, opts...)
}

func (o *Orchestrator) retryPolicy(cfg core.RetryConfig) retry.Policy {
	p := retry.FromConfig(cfg)
	p.Sleep = o.sleep
	return p
}

func (o *Orchestrator) checkOpen() error {
	if o.closed.Load() {
		return core.NewConfigurationError("orchestrator is closed", nil)
	}
	return nil
}

// call is the request-scoped state of one generation.
type call struct {
	ctx       context.Context
	messages  []core.Message
	opts      *core.RequestOptions
	res       providers.Resolution
	adapter   core.Adapter
	requestID string
	started   time.Time
}

// prepare normalises the input, resolves the options and assigns the request id.
func (o *Orchestrator) prepare(ctx context.Context, in Input, opts core.RequestOptions, forceStream bool) (*call, error) {
	if err := o.checkOpen(); err != nil {
		return nil, err
	}
	messages, err := in.normalize()
	if err != nil {
		return nil, err
	}

	ro := opts.Clone()
	if forceStream {
		ro.Stream = true
	}
	res, err := o.resolver.Resolve(ro)
	if err != nil {
		slog.Debug("request rejected", "model", ro.Model, "provider", ro.Provider, "error", err)
		return nil, err
	}

	requestID := o.newID()
	if ro.Metadata == nil {
		ro.Metadata = make(map[string]any, 1)
	}
	ro.Metadata[core.RequestIDMetadataKey] = requestID
	ro.Provider = res.Provider
	ro.Model = res.Model

	return &call{
		ctx:       core.WithRequestID(ctx, requestID),
		messages:  messages,
		opts:      ro,
		res:       res,
		adapter:   o.adapters[res.Provider],
		requestID: requestID,
		started:   time.Now(),
	}, nil
}

// policyFor applies the per-request retry override.
func (o *Orchestrator) policyFor(opts *core.RequestOptions) retry.Policy {
	if opts.Retry != nil {
		return o.retryPolicy(*opts.Retry)
	}
	return o.policy
}

// readTimeout bounds each stream read.
func (o *Orchestrator) readTimeout(opts *core.RequestOptions) time.Duration {
	if opts.Timeout != nil && opts.Timeout.Read > 0 {
		return opts.Timeout.Read
	}
	return o.config.Timeout.Read
}

// wrapError tags errors that are not canonical with the provider and model.
func wrapError(err error, provider, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := core.AsError(err); ok {
		return err
	}
	return core.NewUnifiedError(provider, model, err)
}

// record reports the finished call to metrics, the ledger and the log.
func (o *Orchestrator) record(c *call, resp *core.LLMResponse, cached bool, err error) {
	provider, model := c.res.Provider, c.res.Model
	d := time.Since(c.started)

	o.metrics.ObserveGeneration(provider, model, c.opts.Stream, err)
	if err == nil && !cached && resp != nil {
		o.metrics.ObserveUsage(provider, model, resp.Usage)
	}
	if o.usage != nil {
		o.usage.Write(usage.NewEntry(usage.Generation{
			RequestID: c.requestID,
			Provider:  provider,
			Model:     model,
			Stream:    c.opts.Stream,
			Cached:    cached,
			Duration:  d,
			Response:  resp,
			Err:       err,
		}))
	}

	attrs := []any{
		"request_id", c.requestID,
		"provider", provider,
		"model", model,
		"stream", c.opts.Stream,
		"duration", d,
	}
	if errors.Is(err, core.ErrStreamAbandoned) {
		slog.Debug("stream abandoned", attrs...)
		return
	}
	if err != nil {
		slog.Warn("generation failed", append(attrs, "error", err)...)
		return
	}
	if resp != nil && resp.Usage != nil {
		attrs = append(attrs, "total_tokens", resp.Usage.TotalTokens)
	}
	slog.Debug("generation completed", append(attrs, "cached", cached)...)
}

// ListProviders returns every declared provider keyed by id.
func (o *Orchestrator) ListProviders() map[string]core.ProviderInfo {
	return o.registry.Providers()
}

// AvailableProviders returns the ids of providers with a live adapter, sorted.
func (o *Orchestrator) AvailableProviders() []string {
	ids := make([]string, 0, len(o.adapters))
	for id := range o.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListModels returns model declarations keyed by provider id, restricted to
// one provider when provider is non-empty.
func (o *Orchestrator) ListModels(provider string) (map[string]map[string]core.ModelInfo, error) {
	if err := o.checkOpen(); err != nil {
		return nil, err
	}
	return o.registry.Models(provider)
}

// GetModelInfo resolves model the same way a request would and returns the
// owning provider id with the declaration.
func (o *Orchestrator) GetModelInfo(model, provider string) (string, core.ModelInfo, error) {
	if err := o.checkOpen(); err != nil {
		return "", core.ModelInfo{}, err
	}
	providerID, _, info, err := o.registry.Lookup(model, provider)
	if err != nil {
		return "", core.ModelInfo{}, err
	}
	return providerID, info, nil
}

// Close releases every adapter. Later calls fail with a ConfigurationError.
// Calling Close again is a no-op.
func (o *Orchestrator) Close() error {
	if o.closed.Swap(true) {
		return nil
	}
	ids := o.AvailableProviders()
	var errs []error
	for _, id := range ids {
		if err := o.adapters[id].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	slog.Debug("orchestrator closed", "providers", len(ids))
	return errors.Join(errs...)
}
