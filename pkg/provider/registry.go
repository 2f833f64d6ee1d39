package provider

import (
	"fmt"
	"sync"

	"github.com/tickwise/quotagate/pkg/model"
)

// Registry manages provider adapters by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]DataProvider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]DataProvider),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p DataProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = p
	return nil
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (DataProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not found", name)
	}
	return p, nil
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// ProvidersFor returns every provider that serves the given operation.
func (r *Registry) ProvidersFor(op model.OpType) []DataProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []DataProvider
	for _, p := range r.providers {
		for _, supported := range p.Operations() {
			if supported == op {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// Operations returns the op-support map used to build routing rules.
func (r *Registry) Operations() map[string][]model.OpType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]model.OpType, len(r.providers))
	for name, p := range r.providers {
		out[name] = p.Operations()
	}
	return out
}
