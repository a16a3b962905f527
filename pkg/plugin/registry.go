package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/hutch/pkg/types"
)

// Factory creates a fresh service instance. The returned value implements
// any subset of the hook interfaces.
type Factory func() any

// Registry holds the service factories compiled into this binary
type Registry struct {
	mu        sync.RWMutex
	factories map[types.ServiceKey]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[types.ServiceKey]Factory)}
}

// Register adds a factory for plugin:version.service
func (r *Registry) Register(plugin, version, service string, f Factory) error {
	key := types.ServiceKey{Plugin: plugin, Version: version, Service: service}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[key]; ok {
		return fmt.Errorf("service %s is already registered", key)
	}
	r.factories[key] = f
	return nil
}

// MustRegister is Register that panics on duplicates
func (r *Registry) MustRegister(plugin, version, service string, f Factory) {
	if err := r.Register(plugin, version, service, f); err != nil {
		panic(err)
	}
}

// Has reports whether a factory exists for key
func (r *Registry) Has(key types.ServiceKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[key]
	return ok
}

// New instantiates the service for key
func (r *Registry) New(key types.ServiceKey) (any, error) {
	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("service `%s` not found in plugin `%s`", key.Service, key.PluginKey())
	}
	return f(), nil
}

// Keys returns the registered services sorted by key
func (r *Registry) Keys() []types.ServiceKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]types.ServiceKey, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
