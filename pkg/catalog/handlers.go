package catalog

import (
	"context"

	"github.com/cuemby/hutch/pkg/transport"
	"github.com/cuemby/hutch/pkg/types"
)

// Transport methods served by every node for coordinated starts and stops
const (
	MethodStartServices = "catalog.start_services"
	MethodStopServices  = "catalog.stop_services"
)

// ServicesRequest names services of a plugin version on the receiving node.
// Index is the log index the receiver must have applied first.
type ServicesRequest struct {
	Plugin   string   `json:"plugin"`
	Version  string   `json:"version"`
	Services []string `json:"services,omitempty"`
	Index    uint64   `json:"index,omitempty"`
}

func (r *ServicesRequest) key() types.PluginKey {
	return types.PluginKey{Name: r.Plugin, Version: r.Version}
}

// ServiceHost starts and stops services on the local node
type ServiceHost interface {
	StartServices(ctx context.Context, key types.PluginKey, services []string, index uint64) error
	StopServices(ctx context.Context, key types.PluginKey, services []string)
}

// RegisterHandlers serves the start and stop methods of host on mux
func RegisterHandlers(mux *transport.Mux, host ServiceHost) {
	mux.Handle(MethodStartServices, transport.Typed(func(ctx context.Context, from string, req *ServicesRequest) (any, error) {
		return nil, host.StartServices(ctx, req.key(), req.Services, req.Index)
	}))
	mux.Handle(MethodStopServices, transport.Typed(func(ctx context.Context, from string, req *ServicesRequest) (any, error) {
		host.StopServices(ctx, req.key(), req.Services)
		return nil, nil
	}))
}
