package storage

import (
	"errors"

	"github.com/cuemby/hutch/pkg/types"
)

// ErrNotFound is returned by getters when the record does not exist
var ErrNotFound = errors.New("not found")

// Reader holds the read side of the replicated state
type Reader interface {
	// Catalog
	GetPlugin(name, version string) (*types.Plugin, error)
	ListPlugins() ([]*types.Plugin, error)
	GetService(key types.ServiceKey) (*types.ServiceDef, error)
	ListServices(name, version string) ([]*types.ServiceDef, error)

	// Configuration
	GetConfig(key types.ServiceKey) (*types.ServiceConfig, error)
	ListConfigs() ([]*types.ServiceConfig, error)

	// Routes
	GetRoute(key types.ServiceKey, nodeID string) (*types.Route, error)
	ListRoutes() ([]*types.Route, error)
	ListServiceRoutes(key types.ServiceKey) ([]*types.Route, error)

	// Migrations
	ListMigrations(plugin string) ([]*types.MigrationRecord, error)
	GetMigrationLock() (*types.MigrationLock, error)

	// Plugin operations
	GetPluginOp() (*types.PluginOp, error)

	// Cluster layout
	GetTier(name string) (*types.Tier, error)
	ListTiers() ([]*types.Tier, error)
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	GetReplicaset(id string) (*types.Replicaset, error)
	ListReplicasets() ([]*types.Replicaset, error)

	AppliedIndex() (uint64, error)
}

// Writer holds the write side of the replicated state. Only the FSM writes.
type Writer interface {
	PutPlugin(p *types.Plugin) error
	DeletePlugin(name, version string) error
	PutService(s *types.ServiceDef) error
	DeleteService(key types.ServiceKey) error

	PutConfig(c *types.ServiceConfig) error
	DeleteConfig(key types.ServiceKey) error

	PutRoute(r *types.Route) error
	DeleteRoute(key types.ServiceKey, nodeID string) error

	PutMigration(m *types.MigrationRecord) error
	DeleteMigration(plugin, file string) error
	PutMigrationLock(l *types.MigrationLock) error

	PutPluginOp(op *types.PluginOp) error
	DeletePluginOp() error

	PutTier(t *types.Tier) error
	PutNode(n *types.Node) error
	DeleteNode(id string) error
	PutReplicaset(rs *types.Replicaset) error

	SetAppliedIndex(index uint64) error
}

// Tx is a read-write transaction
type Tx interface {
	Reader
	Writer
}

// Store defines the interface for the node-local mirror of replicated state.
// Single reads go through the embedded Reader; View and Update give a
// consistent view across several records.
type Store interface {
	Reader

	View(fn func(r Reader) error) error
	Update(fn func(tx Tx) error) error

	// Snapshot dumps the full state; Restore replaces it
	Snapshot() (*Snapshot, error)
	Restore(snap *Snapshot) error

	Close() error
}

// Snapshot is a point-in-time copy of the whole replicated state
type Snapshot struct {
	Index       uint64
	Plugins     []*types.Plugin
	Services    []*types.ServiceDef
	Configs     []*types.ServiceConfig
	Routes      []*types.Route
	Migrations  []*types.MigrationRecord
	Lock        *types.MigrationLock
	PluginOp    *types.PluginOp
	Tiers       []*types.Tier
	Nodes       []*types.Node
	Replicasets []*types.Replicaset
}

// IsNotFound reports whether err wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
