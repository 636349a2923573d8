// Package builtin wires the reference adapters into a provider factory.
package builtin

import (
	"monollm/internal/providers"
	"monollm/internal/providers/anthropic"
	"monollm/internal/providers/gemini"
	"monollm/internal/providers/ollama"
	"monollm/internal/providers/openai"
)

// Registrations lists every built-in adapter type.
var Registrations = []providers.Registration{
	openai.Registration,
	anthropic.Registration,
	gemini.Registration,
	ollama.Registration,
}

// DefaultFactory returns a factory with every built-in adapter registered.
func DefaultFactory() *providers.ProviderFactory {
	return providers.NewProviderFactory(Registrations...)
}
