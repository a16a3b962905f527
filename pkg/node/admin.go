package node

import (
	"context"
	"sort"
	"time"

	"github.com/cuemby/hutch/pkg/catalog"
	"github.com/cuemby/hutch/pkg/manager"
	"github.com/cuemby/hutch/pkg/rpc"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/transport"
	"github.com/cuemby/hutch/pkg/types"
)

// Admin methods served on the node transport. Any node accepts them.
const (
	MethodInstall         = "admin.install"
	MethodRemove          = "admin.remove"
	MethodEnable          = "admin.enable"
	MethodDisable         = "admin.disable"
	MethodAppendTier      = "admin.append_tier"
	MethodRemoveTier      = "admin.remove_tier"
	MethodUpdateConfig    = "admin.update_config"
	MethodGetConfig       = "admin.get_config"
	MethodListPlugins     = "admin.list_plugins"
	MethodGetPlugin       = "admin.get_plugin"
	MethodMigrateUp       = "admin.migrate_up"
	MethodMigrateDown     = "admin.migrate_down"
	MethodMigrationStatus = "admin.migration_status"
	MethodCallRPC         = "admin.rpc_call"
	MethodStatus          = "admin.status"
	MethodCreateToken     = "admin.create_token"
	MethodSetMaster       = "admin.set_master"
)

// PluginRequest names a plugin version and carries the options of the
// operation
type PluginRequest struct {
	Name           string        `json:"name"`
	Version        string        `json:"version"`
	IfNotExists    bool          `json:"if_not_exists,omitempty"`
	Migrate        bool          `json:"migrate,omitempty"`
	DropData       bool          `json:"drop_data,omitempty"`
	OnStartTimeout time.Duration `json:"on_start_timeout,omitempty"`
}

// TierRequest changes the tiers of a service
type TierRequest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Service string `json:"service"`
	Tier    string `json:"tier"`
}

// ConfigRequest reads or updates the configuration of a service
type ConfigRequest struct {
	Name    string         `json:"name"`
	Version string         `json:"version"`
	Service string         `json:"service"`
	Values  map[string]any `json:"values,omitempty"`
}

// PluginInfo describes an installed plugin version
type PluginInfo struct {
	Plugin     *types.Plugin        `json:"plugin"`
	Services   []*types.ServiceDef  `json:"services"`
	Migrations types.MigrationState `json:"migrations"`
}

// RPCCallRequest dispatches an RPC request from the receiving node
type RPCCallRequest struct {
	Request rpc.Request `json:"request"`
	Target  rpc.Target  `json:"target"`
}

// StatusResponse describes the receiving node and its view of the cluster
type StatusResponse struct {
	NodeID       string            `json:"node_id"`
	Tier         string            `json:"tier"`
	ReplicasetID string            `json:"replicaset_id"`
	Leader       string            `json:"leader,omitempty"`
	AppliedIndex uint64            `json:"applied_index"`
	Converged    bool              `json:"converged"`
	Failed       map[string]string `json:"failed,omitempty"`
	Services     []runtime.Status  `json:"services"`
	Nodes        []*types.Node     `json:"nodes"`
}

// MasterRequest designates the master of a replicaset
type MasterRequest struct {
	ReplicasetID string `json:"replicaset_id"`
	NodeID       string `json:"node_id"`
}

// TokenRequest asks for a join token valid for TTL
type TokenRequest struct {
	TTL time.Duration `json:"ttl"`
}

// TokenResponse carries a join token
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (n *Node) registerAdmin() {
	c := n.catalog
	n.mux.Handle(MethodInstall, transport.Typed(func(ctx context.Context, _ string, req *PluginRequest) (any, error) {
		return nil, c.Install(ctx, req.Name, req.Version, catalog.InstallOptions{IfNotExists: req.IfNotExists, Migrate: req.Migrate})
	}))
	n.mux.Handle(MethodRemove, transport.Typed(func(ctx context.Context, _ string, req *PluginRequest) (any, error) {
		return nil, c.Remove(ctx, req.Name, req.Version, catalog.RemoveOptions{DropData: req.DropData})
	}))
	n.mux.Handle(MethodEnable, transport.Typed(func(ctx context.Context, _ string, req *PluginRequest) (any, error) {
		return nil, c.Enable(ctx, req.Name, req.Version, catalog.EnableOptions{OnStartTimeout: req.OnStartTimeout})
	}))
	n.mux.Handle(MethodDisable, transport.Typed(func(ctx context.Context, _ string, req *PluginRequest) (any, error) {
		return nil, c.Disable(ctx, req.Name, req.Version)
	}))
	n.mux.Handle(MethodAppendTier, transport.Typed(func(ctx context.Context, _ string, req *TierRequest) (any, error) {
		return nil, c.AppendTier(ctx, req.Name, req.Version, req.Service, req.Tier)
	}))
	n.mux.Handle(MethodRemoveTier, transport.Typed(func(ctx context.Context, _ string, req *TierRequest) (any, error) {
		return nil, c.RemoveTier(ctx, req.Name, req.Version, req.Service, req.Tier)
	}))
	n.mux.Handle(MethodUpdateConfig, transport.Typed(func(ctx context.Context, _ string, req *ConfigRequest) (any, error) {
		return c.UpdateConfig(ctx, req.Name, req.Version, req.Service, req.Values)
	}))
	n.mux.Handle(MethodGetConfig, transport.Typed(func(ctx context.Context, _ string, req *ConfigRequest) (any, error) {
		return c.GetConfig(req.Name, req.Version, req.Service)
	}))
	n.mux.Handle(MethodListPlugins, transport.Typed(func(ctx context.Context, _ string, _ *struct{}) (any, error) {
		return c.List()
	}))
	n.mux.Handle(MethodGetPlugin, transport.Typed(func(ctx context.Context, _ string, req *PluginRequest) (any, error) {
		return n.pluginInfo(req.Name, req.Version)
	}))
	n.mux.Handle(MethodMigrateUp, transport.Typed(func(ctx context.Context, _ string, req *PluginRequest) (any, error) {
		return nil, n.migrations.Up(ctx, req.Name, req.Version)
	}))
	n.mux.Handle(MethodMigrateDown, transport.Typed(func(ctx context.Context, _ string, req *PluginRequest) (any, error) {
		return nil, n.migrations.Down(ctx, req.Name, req.Version)
	}))
	n.mux.Handle(MethodMigrationStatus, transport.Typed(func(ctx context.Context, _ string, req *PluginRequest) (any, error) {
		return n.migrations.Status(req.Name, req.Version)
	}))
	n.mux.Handle(MethodCallRPC, transport.Typed(func(ctx context.Context, _ string, req *RPCCallRequest) (any, error) {
		payload, err := n.router.Dispatch(ctx, &req.Request, req.Target)
		if err != nil {
			return nil, err
		}
		return &rpc.Response{Payload: payload}, nil
	}))
	n.mux.Handle(MethodStatus, transport.Typed(func(ctx context.Context, _ string, _ *struct{}) (any, error) {
		return n.Status()
	}))
	n.mux.Handle(MethodCreateToken, transport.Typed(func(ctx context.Context, _ string, req *TokenRequest) (any, error) {
		jt, err := n.tokens.GenerateToken(req.TTL)
		if err != nil {
			return nil, err
		}
		return &TokenResponse{Token: jt.Token, ExpiresAt: jt.ExpiresAt}, nil
	}))
	n.mux.Handle(MethodSetMaster, transport.Typed(func(ctx context.Context, _ string, req *MasterRequest) (any, error) {
		cmd, err := manager.NewCommand(manager.OpSetReplicasetMaster, manager.SetReplicasetMaster{
			ReplicasetID: req.ReplicasetID,
			MasterID:     req.NodeID,
		})
		if err != nil {
			return nil, err
		}
		_, err = n.Propose(ctx, cmd)
		return nil, err
	}))
}

func (n *Node) pluginInfo(name, version string) (*PluginInfo, error) {
	p, err := n.catalog.Get(name, version)
	if err != nil {
		return nil, err
	}
	svcs, err := n.catalog.Services(name, version)
	if err != nil {
		return nil, err
	}
	state, err := n.migrations.Status(name, version)
	if err != nil {
		return nil, err
	}
	return &PluginInfo{Plugin: p, Services: svcs, Migrations: state}, nil
}

// Status reports this node's view of itself and the cluster
func (n *Node) Status() (*StatusResponse, error) {
	applied, err := n.store.AppliedIndex()
	if err != nil {
		return nil, err
	}
	nodes, err := n.store.ListNodes()
	if err != nil {
		return nil, err
	}
	services := n.runtime.Running()
	sort.Slice(services, func(i, j int) bool { return services[i].Key.String() < services[j].Key.String() })

	resp := &StatusResponse{
		NodeID:       n.cfg.NodeID,
		Tier:         n.cfg.Tier,
		ReplicasetID: n.cfg.ReplicasetID,
		AppliedIndex: applied,
		Converged:    n.reconciler.Converged(),
		Services:     services,
		Nodes:        nodes,
	}
	if n.raft != nil {
		resp.Leader = n.raft.LeaderID()
	}
	if failed := n.reconciler.Failed(); len(failed) > 0 {
		resp.Failed = make(map[string]string, len(failed))
		for key, err := range failed {
			resp.Failed[key.String()] = err.Error()
		}
	}
	return resp, nil
}
