package providers

import "sort"

type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	registry := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, adapter := range adapters {
		registry.adapters[adapter.Name()] = adapter
	}
	return registry
}

func DefaultRegistry() *Registry {
	return NewRegistry(OpenAIAdapter{}, AnthropicAdapter{}, GeminiAdapter{}, UnknownAdapter{})
}

func (r *Registry) Get(name string) (Adapter, bool) {
	adapter, ok := r.adapters[name]
	return adapter, ok
}

// ForModel picks the adapter for the provider inferred from model, falling
// back to the unknown adapter.
func (r *Registry) ForModel(model string) Adapter {
	if adapter, ok := r.adapters[InferProvider(model)]; ok {
		return adapter
	}
	if adapter, ok := r.adapters[ProviderUnknown]; ok {
		return adapter
	}
	return UnknownAdapter{}
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
