package source

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory constructs an adapter from its spec.
type Factory func(ctx context.Context, spec Spec, opts Options) (Adapter, error)

// Registry maintains adapter factories keyed by adapter name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register registers a factory for the given adapter name.
func (r *Registry) Register(name string, factory Factory) {
	if factory == nil {
		panic("source factory required")
	}
	r.mu.Lock()
	r.factories[strings.ToLower(strings.TrimSpace(name))] = factory
	r.mu.Unlock()
}

// Create instantiates the adapter described by spec.
func (r *Registry) Create(ctx context.Context, spec Spec, opts Options) (Adapter, error) {
	name := strings.ToLower(strings.TrimSpace(spec.Adapter))
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source adapter %q not registered", spec.Adapter)
	}
	adapter, err := factory(ctx, spec, opts.normalize())
	if err != nil {
		return nil, fmt.Errorf("instantiate source %s(%s): %w", spec.ID, spec.Adapter, err)
	}
	return adapter, nil
}

// Names lists the registered adapter names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
