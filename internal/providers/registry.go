package providers

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	"monollm/config"
	"monollm/internal/core"
)

// Registry is the read-only capability catalog built from configuration.
// It never performs network calls and is safe for concurrent use.
type Registry struct {
	order         []string
	providers     map[string]core.ProviderInfo
	modelOrder    map[string][]string
	streamingOnly map[string]map[string]bool
}

// NewRegistry builds a registry from provider declarations. Declaration order
// decides which provider wins when several serve the same model id.
func NewRegistry(decls []config.ProviderConfig) *Registry {
	r := &Registry{
		order:         make([]string, 0, len(decls)),
		providers:     make(map[string]core.ProviderInfo, len(decls)),
		modelOrder:    make(map[string][]string, len(decls)),
		streamingOnly: make(map[string]map[string]bool),
	}
	for _, p := range decls {
		if _, dup := r.providers[p.ID]; dup {
			continue
		}
		r.order = append(r.order, p.ID)
		r.providers[p.ID] = p.Info()

		ids := make([]string, 0, len(p.Models))
		for _, m := range p.Models {
			ids = append(ids, m.ID)
			if p.StreamingOnly || m.StreamingOnly {
				if r.streamingOnly[p.ID] == nil {
					r.streamingOnly[p.ID] = make(map[string]bool)
				}
				r.streamingOnly[p.ID][m.ID] = true
			}
		}
		r.modelOrder[p.ID] = ids
	}
	return r
}

// HasProvider reports whether id is a declared provider.
func (r *Registry) HasProvider(id string) bool {
	_, ok := r.providers[id]
	return ok
}

// Lookup resolves a model id, optionally written as "provider/model", to the
// provider serving it. With a provider hint only that provider is searched.
// The returned model id never carries a provider prefix. A prefix naming a
// different provider than the hint is kept as part of the model id, so the
// lookup fails as ModelNotFound within the hinted provider.
func (r *Registry) Lookup(model, providerHint string) (providerID, modelID string, info core.ModelInfo, err error) {
	hint := strings.TrimSpace(providerHint)
	splits := func(prefix string) bool {
		return r.HasProvider(prefix) && (hint == "" || prefix == hint)
	}
	sel, err := core.ParseModelSelector(model, providerHint, splits)
	if err != nil {
		return "", "", core.ModelInfo{}, err
	}

	if sel.Provider != "" {
		p, ok := r.providers[sel.Provider]
		if !ok {
			e := core.NewModelNotFoundError(sel.Model, sel.Provider, r.ProviderIDs())
			e.Message = fmt.Sprintf("Provider '%s' not found", sel.Provider)
			return "", "", core.ModelInfo{}, e
		}
		mi, ok := p.Models[sel.Model]
		if !ok {
			return "", "", core.ModelInfo{}, core.NewModelNotFoundError(sel.Model, sel.Provider, r.modelIDs(sel.Provider))
		}
		return sel.Provider, sel.Model, mi, nil
	}

	for _, id := range r.order {
		if mi, ok := r.providers[id].Models[sel.Model]; ok {
			return id, sel.Model, mi, nil
		}
	}
	return "", "", core.ModelInfo{}, core.NewModelNotFoundError(sel.Model, "", r.Catalog())
}

// StreamingOnly reports whether the model can only be served by streaming.
func (r *Registry) StreamingOnly(providerID, modelID string) bool {
	return r.streamingOnly[providerID][modelID]
}

// Providers returns a copy of every provider declaration keyed by id.
func (r *Registry) Providers() map[string]core.ProviderInfo {
	out := make(map[string]core.ProviderInfo, len(r.providers))
	for id, p := range r.providers {
		p.Models = maps.Clone(p.Models)
		out[id] = p
	}
	return out
}

// ProviderIDs returns provider ids in declaration order.
func (r *Registry) ProviderIDs() []string {
	return append([]string(nil), r.order...)
}

// Models returns the models of one provider, or of every provider when id is
// empty, keyed by provider id.
func (r *Registry) Models(id string) (map[string]map[string]core.ModelInfo, error) {
	if id != "" {
		p, ok := r.providers[id]
		if !ok {
			e := core.NewModelNotFoundError("", id, r.ProviderIDs())
			e.Message = fmt.Sprintf("Provider '%s' not found", id)
			return nil, e
		}
		return map[string]map[string]core.ModelInfo{id: maps.Clone(p.Models)}, nil
	}
	out := make(map[string]map[string]core.ModelInfo, len(r.providers))
	for pid, p := range r.providers {
		out[pid] = maps.Clone(p.Models)
	}
	return out, nil
}

// Catalog returns every "provider/model" id in sorted order.
func (r *Registry) Catalog() []string {
	var ids []string
	for _, pid := range r.order {
		for _, m := range r.modelOrder[pid] {
			ids = append(ids, pid+"/"+m)
		}
	}
	sort.Strings(ids)
	return ids
}

// ModelCount returns the number of declared models across providers.
func (r *Registry) ModelCount() int {
	n := 0
	for _, ids := range r.modelOrder {
		n += len(ids)
	}
	return n
}

func (r *Registry) modelIDs(providerID string) []string {
	return append([]string(nil), r.modelOrder[providerID]...)
}
