package client

import (
	"context"
	"time"

	"github.com/cuemby/hutch/pkg/node"
	"github.com/cuemby/hutch/pkg/rpc"
	"github.com/cuemby/hutch/pkg/transport"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/google/uuid"
)

// DefaultTimeout bounds each admin call
const DefaultTimeout = 30 * time.Second

// adminTarget is the node id the client dials; its resolver maps it to the
// configured address
const adminTarget = "admin"

// Client calls the admin methods of one node
type Client struct {
	transport transport.Transport
	target    string
	timeout   time.Duration
	closer    func() error
}

// NewClient connects to the node transport listening on addr
func NewClient(addr string) (*Client, error) {
	g := transport.NewGRPC("hutch-cli", transport.ResolverFunc(func(string) (string, error) {
		return addr, nil
	}))
	return &Client{
		transport: g,
		target:    adminTarget,
		timeout:   DefaultTimeout,
		closer:    g.Close,
	}, nil
}

// New creates a client calling nodeID over an existing transport
func New(tr transport.Transport, nodeID string) *Client {
	return &Client{transport: tr, target: nodeID, timeout: DefaultTimeout}
}

// WithTimeout sets the bound of each call
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.closer != nil {
		return c.closer()
	}
	return nil
}

func (c *Client) call(method string, req, resp any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.transport.Call(ctx, c.target, method, req, resp)
}

// InstallPlugin installs a plugin version from the node's plugin directory
func (c *Client) InstallPlugin(name, version string, ifNotExists, migrate bool) error {
	return c.call(node.MethodInstall, &node.PluginRequest{Name: name, Version: version, IfNotExists: ifNotExists, Migrate: migrate}, nil)
}

// RemovePlugin removes a disabled plugin version
func (c *Client) RemovePlugin(name, version string, dropData bool) error {
	return c.call(node.MethodRemove, &node.PluginRequest{Name: name, Version: version, DropData: dropData}, nil)
}

// EnablePlugin enables a plugin version on every node of its tiers
func (c *Client) EnablePlugin(name, version string, onStartTimeout time.Duration) error {
	return c.call(node.MethodEnable, &node.PluginRequest{Name: name, Version: version, OnStartTimeout: onStartTimeout}, nil)
}

// DisablePlugin disables a plugin version
func (c *Client) DisablePlugin(name, version string) error {
	return c.call(node.MethodDisable, &node.PluginRequest{Name: name, Version: version}, nil)
}

// ListPlugins returns every installed plugin version
func (c *Client) ListPlugins() ([]*types.Plugin, error) {
	var plugins []*types.Plugin
	if err := c.call(node.MethodListPlugins, &struct{}{}, &plugins); err != nil {
		return nil, err
	}
	return plugins, nil
}

// GetPlugin describes a plugin version
func (c *Client) GetPlugin(name, version string) (*node.PluginInfo, error) {
	var info node.PluginInfo
	if err := c.call(node.MethodGetPlugin, &node.PluginRequest{Name: name, Version: version}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// AppendTier assigns a service to a tier
func (c *Client) AppendTier(name, version, service, tier string) error {
	return c.call(node.MethodAppendTier, &node.TierRequest{Name: name, Version: version, Service: service, Tier: tier}, nil)
}

// RemoveTier unassigns a service from a tier
func (c *Client) RemoveTier(name, version, service, tier string) error {
	return c.call(node.MethodRemoveTier, &node.TierRequest{Name: name, Version: version, Service: service, Tier: tier}, nil)
}

// UpdateConfig merges values into the configuration of a service
func (c *Client) UpdateConfig(name, version, service string, values map[string]any) (*types.ServiceConfig, error) {
	var cfg types.ServiceConfig
	req := &node.ConfigRequest{Name: name, Version: version, Service: service, Values: values}
	if err := c.call(node.MethodUpdateConfig, req, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetConfig returns the committed configuration of a service
func (c *Client) GetConfig(name, version, service string) (*types.ServiceConfig, error) {
	var cfg types.ServiceConfig
	req := &node.ConfigRequest{Name: name, Version: version, Service: service}
	if err := c.call(node.MethodGetConfig, req, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MigrateUp applies the pending migrations of a plugin version
func (c *Client) MigrateUp(name, version string) error {
	return c.call(node.MethodMigrateUp, &node.PluginRequest{Name: name, Version: version}, nil)
}

// MigrateDown rolls back the migrations of a plugin version
func (c *Client) MigrateDown(name, version string) error {
	return c.call(node.MethodMigrateDown, &node.PluginRequest{Name: name, Version: version}, nil)
}

// MigrationStatus returns the migration state of a plugin version
func (c *Client) MigrationStatus(name, version string) (types.MigrationState, error) {
	var state types.MigrationState
	if err := c.call(node.MethodMigrationStatus, &node.PluginRequest{Name: name, Version: version}, &state); err != nil {
		return "", err
	}
	return state, nil
}

// CallRPC dispatches an RPC request from the connected node. An empty
// request id is generated.
func (c *Client) CallRPC(req rpc.Request, target rpc.Target) ([]byte, error) {
	if req.Context.RequestID == "" {
		req.Context.RequestID = uuid.NewString()
	}
	var resp rpc.Response
	if err := c.call(node.MethodCallRPC, &node.RPCCallRequest{Request: req, Target: target}, &resp); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Status describes the connected node
func (c *Client) Status() (*node.StatusResponse, error) {
	var status node.StatusResponse
	if err := c.call(node.MethodStatus, &struct{}{}, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CreateJoinToken asks the connected node for a join token valid for ttl
func (c *Client) CreateJoinToken(ttl time.Duration) (*node.TokenResponse, error) {
	var token node.TokenResponse
	if err := c.call(node.MethodCreateToken, &node.TokenRequest{TTL: ttl}, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// SetMaster makes nodeID the master of replicasetID
func (c *Client) SetMaster(replicasetID, nodeID string) error {
	return c.call(node.MethodSetMaster, &node.MasterRequest{ReplicasetID: replicasetID, NodeID: nodeID}, nil)
}
