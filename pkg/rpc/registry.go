package rpc

import (
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/hutch/pkg/plugin"
	"github.com/cuemby/hutch/pkg/types"
)

// Endpoint is an RPC handler served by a plugin service on this node
type Endpoint struct {
	Path    string
	Plugin  string
	Service string
	Version string
	Handler plugin.Handler
}

// String returns the endpoint name as `plugin.service/path`
func (e *Endpoint) String() string {
	return e.Plugin + "." + e.Service + e.Path
}

type endpointKey struct {
	plugin  string
	service string
	path    string
}

// Registry is the node-local endpoint table
type Registry struct {
	mu        sync.RWMutex
	endpoints map[endpointKey]*Endpoint
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[endpointKey]*Endpoint)}
}

// Add registers ep. Registering the same handler and version again is a
// no-op and keeps the first registration; see handlerID for what counts as
// the same handler.
func (r *Registry) Add(ep Endpoint) error {
	switch {
	case ep.Path == "":
		return errorf(CodeInvalidEndpoint, "RPC route path cannot be empty")
	case !strings.HasPrefix(ep.Path, "/"):
		return errorf(CodeInvalidEndpoint, "RPC route path must start with '/', got '%s'", ep.Path)
	case ep.Plugin == "":
		return errorf(CodeInvalidEndpoint, "RPC route plugin name cannot be empty")
	case ep.Service == "":
		return errorf(CodeInvalidEndpoint, "RPC route service name cannot be empty")
	case ep.Version == "":
		return errorf(CodeInvalidEndpoint, "RPC route plugin version cannot be empty")
	case ep.Handler == nil:
		return errorf(CodeInvalidEndpoint, "RPC route handler cannot be nil")
	}

	key := endpointKey{plugin: ep.Plugin, service: ep.Service, path: ep.Path}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.endpoints[key]; ok {
		if cur.Version != ep.Version {
			return errorf(CodeInvalidEndpoint, "RPC endpoint `%s` is already registered with a different version", &ep)
		}
		if handlerID(cur.Handler) != handlerID(ep.Handler) {
			return errorf(CodeInvalidEndpoint, "RPC endpoint `%s` is already registered with a different handler", &ep)
		}
		return nil
	}
	r.endpoints[key] = &ep
	return nil
}

// handlerID identifies a handler by its code pointer. Closures built from
// one function literal share that pointer whatever they capture, so they
// compare equal here and a second one never replaces the first.
func handlerID(h plugin.Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// Lookup returns the endpoint of plugin.service/path
func (r *Registry) Lookup(pluginName, service, path string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[endpointKey{plugin: pluginName, service: service, path: path}]
	return ep, ok
}

// Remove unregisters one endpoint
func (r *Registry) Remove(pluginName, service, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, endpointKey{plugin: pluginName, service: service, path: path})
}

// Register implements runtime.Endpoints
func (r *Registry) Register(key types.ServiceKey, path string, h plugin.Handler) error {
	return r.Add(Endpoint{Path: path, Plugin: key.Plugin, Service: key.Service, Version: key.Version, Handler: h})
}

// UnregisterService implements runtime.Endpoints
func (r *Registry) UnregisterService(key types.ServiceKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, ep := range r.endpoints {
		if k.plugin == key.Plugin && k.service == key.Service && ep.Version == key.Version {
			delete(r.endpoints, k)
		}
	}
}

// List returns the registered endpoints sorted by name
func (r *Registry) List() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, *ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
