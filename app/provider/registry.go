package provider

import (
	"sort"

	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
)

type Registry struct {
	providers map[types.ProviderID]Provider
	fallback  types.ProviderID
}

// NewRegistry indexes providers by ID. The first provider becomes the default
// used when a request does not name one.
func NewRegistry(providers ...Provider) *Registry {
	items := make(map[types.ProviderID]Provider, len(providers))
	var fallback types.ProviderID
	for _, p := range providers {
		if p == nil {
			continue
		}
		if fallback == "" {
			fallback = p.ID()
		}
		items[p.ID()] = p
	}
	return &Registry{providers: items, fallback: fallback}
}

func (r *Registry) WithDefault(id types.ProviderID) *Registry {
	if _, ok := r.providers[id]; ok {
		r.fallback = id
	}
	return r
}

func (r *Registry) Get(id types.ProviderID) (Provider, error) {
	provider, ok := r.providers[id]
	if !ok {
		return nil, ErrProviderNotSupported
	}
	return provider, nil
}

// Resolve parses a raw provider name; an empty name selects the default.
func (r *Registry) Resolve(raw string) (Provider, error) {
	if raw == "" {
		if r.fallback == "" {
			return nil, ErrProviderNotSupported
		}
		return r.Get(r.fallback)
	}
	id, ok := types.ParseProviderID(raw)
	if !ok {
		return nil, ErrProviderNotSupported
	}
	return r.Get(id)
}

func (r *Registry) Default() types.ProviderID {
	return r.fallback
}

func (r *Registry) IDs() []types.ProviderID {
	out := make([]types.ProviderID, 0, len(r.providers))
	for id := range r.providers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
