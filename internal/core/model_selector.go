package core

import (
	"strings"
)

// ModelSelector is a normalized model routing selector.
// Model is always the bare model ID (without provider prefix).
type ModelSelector struct {
	Model    string
	Provider string
}

// QualifiedModel returns "provider/model" when Provider is set, or only model otherwise.
func (s ModelSelector) QualifiedModel() string {
	if s.Provider == "" {
		return s.Model
	}
	return s.Provider + "/" + s.Model
}

// ParseModelSelector normalizes model/provider routing input.
//
// Accepted forms:
//   - model only: "gpt-4o"
//   - model with prefix: "openai/gpt-4o"
//   - explicit provider hint: provider="openai", model="gpt-4o"
//
// A prefix is only split off when isProvider accepts it, so model ids that
// contain slashes ("meta-llama/Llama-3") still resolve. If the provider is
// present in both places, the values must match.
func ParseModelSelector(model, provider string, isProvider func(string) bool) (ModelSelector, error) {
	model = strings.TrimSpace(model)
	provider = strings.TrimSpace(provider)

	if model == "" {
		return ModelSelector{}, NewValidationError("model", model, "model is required")
	}

	if prefix, rest, ok := strings.Cut(model, "/"); ok && isProvider != nil {
		prefix = strings.TrimSpace(prefix)
		rest = strings.TrimSpace(rest)
		if prefix != "" && rest != "" && isProvider(prefix) {
			if provider != "" && provider != prefix {
				return ModelSelector{}, NewValidationError("provider", provider,
					"provider '"+provider+"' conflicts with model prefix '"+prefix+"'")
			}
			provider = prefix
			model = rest
		}
	}

	return ModelSelector{
		Model:    model,
		Provider: provider,
	}, nil
}
