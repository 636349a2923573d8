package providers

import (
	"fmt"

	"monollm/internal/core"
)

// Resolution is the outcome of resolving a request against the registry.
type Resolution struct {
	Provider      string
	Model         string
	Info          core.ModelInfo
	StreamingOnly bool
}

// Resolver validates request options against the capability registry and
// the set of providers that have a live adapter.
type Resolver struct {
	registry *Registry
	live     func(providerID string) bool
}

// NewResolver creates a resolver. live reports whether a provider has a live
// adapter; nil treats every declared provider as live.
func NewResolver(registry *Registry, live func(providerID string) bool) *Resolver {
	if live == nil {
		live = registry.HasProvider
	}
	return &Resolver{registry: registry, live: live}
}

// Resolve checks opts in a fixed order and returns the first failure:
// option ranges, model lookup, adapter availability, then temperature,
// streaming and thinking support. It never performs network calls.
func (r *Resolver) Resolve(opts *core.RequestOptions) (Resolution, error) {
	if opts == nil {
		return Resolution{}, core.NewValidationError("model", "", "model is required")
	}
	if err := opts.Validate(); err != nil {
		return Resolution{}, err
	}

	providerID, modelID, info, err := r.registry.Lookup(opts.Model, opts.Provider)
	if err != nil {
		return Resolution{}, err
	}

	if !r.live(providerID) {
		return Resolution{}, core.NewConfigurationError(
			fmt.Sprintf("Provider '%s' is not available. Check your API key configuration.", providerID), nil)
	}

	if opts.Temperature != nil && !info.SupportsTemperature {
		return Resolution{}, core.NewValidationError("temperature", *opts.Temperature,
			fmt.Sprintf("Model '%s' does not support temperature control", opts.Model))
	}
	if opts.Stream && !info.SupportsStreaming {
		return Resolution{}, core.NewValidationError("stream", opts.Stream,
			fmt.Sprintf("Model '%s' does not support streaming", opts.Model))
	}
	if opts.ShowThinking && !info.SupportsThinking {
		return Resolution{}, core.NewValidationError("show_thinking", opts.ShowThinking,
			fmt.Sprintf("Model '%s' does not support thinking steps", opts.Model))
	}

	return Resolution{
		Provider:      providerID,
		Model:         modelID,
		Info:          info,
		StreamingOnly: r.registry.StreamingOnly(providerID, modelID),
	}, nil
}
