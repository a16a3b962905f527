package framework

import (
	"context"
	"time"

	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/manager"
	"github.com/cuemby/hutch/pkg/migration"
	"github.com/cuemby/hutch/pkg/node"
	"github.com/cuemby/hutch/pkg/plugin"
	"github.com/cuemby/hutch/pkg/transport"
)

// ClusterConfig defines the configuration for a test cluster
type ClusterConfig struct {
	// Nodes are started in order by Start
	Nodes []NodeSpec
	// Tiers are declared by every node on startup
	Tiers []config.TierConfig
	// DataDir is the base directory for node data and plugin manifests
	DataDir string
	// KeepOnFailure keeps the data directory for debugging
	KeepOnFailure bool
	// OnStartTimeout bounds service start hooks during enable
	OnStartTimeout time.Duration
	// Version is reported by every node
	Version string
}

// NodeSpec places a node in the topology
type NodeSpec struct {
	ID           string
	Tier         string
	ReplicasetID string
}

// Cluster is an in-process cluster: every node shares one log and one
// network, and migrations run against one SQLite database
type Cluster struct {
	// Config is the cluster configuration
	Config *ClusterConfig
	// Nodes contains the started nodes in start order
	Nodes []*Node
	// Network connects the nodes and can simulate unreachable ones
	Network *transport.Network
	// Log is the replicated log of the cluster
	Log *manager.LocalLog
	// Plugins holds the service implementations available on every node
	Plugins *plugin.Registry
	// Recorder observes the hooks of services created by RegisterPlugin
	Recorder *Recorder
	// PluginDir holds the manifests written by WritePlugin
	PluginDir string
	// SQL is the database migrations run against
	SQL *migration.SQLExecutor

	ctx    context.Context
	cancel context.CancelFunc
}

// Node is a started cluster member
type Node struct {
	*node.Node
	// Spec is the topology of this node
	Spec NodeSpec
	// DataDir is the data directory for this node
	DataDir string
	// Client calls the admin methods of this node
	Client *Client
}

// TestingT is an interface matching testing.T
type TestingT interface {
	Logf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	FailNow()
	Failed() bool
	Name() string
	Helper()
	Cleanup(func())
}

// PluginSpec describes a test plugin version
type PluginSpec struct {
	Name        string
	Version     string
	Description string
	Services    []ServiceSpec
	Migrations  []Migration
}

// ServiceSpec describes a service of a test plugin
type ServiceSpec struct {
	Name     string
	Defaults map[string]any
	Schema   map[string]any
}

// Migration is a migration file of a test plugin
type Migration struct {
	Name string
	SQL  string
}
