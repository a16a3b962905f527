package framework

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/hutch/pkg/client"
	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/manager"
	"github.com/cuemby/hutch/pkg/migration"
	"github.com/cuemby/hutch/pkg/node"
	"github.com/cuemby/hutch/pkg/plugin"
	"github.com/cuemby/hutch/pkg/transport"
)

// DefaultClusterConfig returns the red/blue/green topology: two red nodes
// in replicaset r1, one blue node in r2 and one green node in r3
func DefaultClusterConfig() *ClusterConfig {
	dataDir := os.Getenv("HUTCH_TEST_DATA_DIR")

	return &ClusterConfig{
		Nodes: []NodeSpec{
			{ID: "i1", Tier: "red", ReplicasetID: "r1"},
			{ID: "i2", Tier: "red", ReplicasetID: "r1"},
			{ID: "i3", Tier: "blue", ReplicasetID: "r2"},
			{ID: "i4", Tier: "green", ReplicasetID: "r3"},
		},
		Tiers: []config.TierConfig{
			{Name: "red", BucketCount: 3000},
			{Name: "blue", BucketCount: 3000},
			{Name: "green", BucketCount: 3000},
		},
		DataDir:        dataDir,
		OnStartTimeout: 5 * time.Second,
		Version:        "test",
	}
}

// NewCluster creates a new test cluster with the given configuration
func NewCluster(cfg *ClusterConfig) (*Cluster, error) {
	if cfg == nil {
		cfg = DefaultClusterConfig()
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid cluster config: %w", err)
	}

	if cfg.DataDir == "" {
		dir, err := os.MkdirTemp("", "hutch-test-")
		if err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		cfg.DataDir = dir
	}
	pluginDir := filepath.Join(cfg.DataDir, "plugins")
	if err := os.MkdirAll(pluginDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create plugin dir: %w", err)
	}

	db, err := migration.OpenSQLite(filepath.Join(cfg.DataDir, "cluster.sqlite"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Cluster{
		Config:    cfg,
		Nodes:     make([]*Node, 0, len(cfg.Nodes)),
		Network:   transport.NewNetwork(),
		Log:       manager.NewLocalLog(),
		Plugins:   plugin.NewRegistry(),
		Recorder:  NewRecorder(),
		PluginDir: pluginDir,
		SQL:       db,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// NewTestCluster starts cfg and stops it when the test ends
func NewTestCluster(t TestingT, cfg *ClusterConfig) *Cluster {
	t.Helper()
	c, err := NewCluster(cfg)
	if err != nil {
		t.Fatalf("Failed to create cluster: %v", err)
	}
	t.Cleanup(func() {
		if t.Failed() && c.Config.KeepOnFailure {
			t.Logf("Keeping cluster data in %s", c.Config.DataDir)
			c.Stop()
			return
		}
		if err := c.Cleanup(); err != nil {
			t.Errorf("Failed to clean up cluster: %v", err)
		}
	})
	if err := c.Start(); err != nil {
		t.Fatalf("Failed to start cluster: %v", err)
	}
	return c
}

// Start starts every configured node in order
func (c *Cluster) Start() error {
	for _, spec := range c.Config.Nodes {
		if _, err := c.AddNode(spec); err != nil {
			return fmt.Errorf("failed to start %s: %w", spec.ID, err)
		}
	}
	return nil
}

// AddNode starts a node and registers it with the cluster. A node added
// after Log.Compact bootstraps from the snapshot.
func (c *Cluster) AddNode(spec NodeSpec) (*Node, error) {
	dataDir := filepath.Join(c.Config.DataDir, spec.ID)

	cfg := config.Default()
	cfg.NodeID = spec.ID
	cfg.Tier = spec.Tier
	cfg.ReplicasetID = spec.ReplicasetID
	cfg.DataDir = dataDir
	cfg.PluginDir = c.PluginDir
	cfg.Bootstrap = true
	cfg.Tiers = c.Config.Tiers
	cfg.Timeouts.OnStart = c.Config.OnStartTimeout
	cfg.Timeouts.Callback = c.Config.OnStartTimeout
	cfg.Timeouts.JobGrace = time.Second
	cfg.Timeouts.Heartbeat = 100 * time.Millisecond
	cfg.Timeouts.OfflineAfter = time.Second
	cfg.Timeouts.ReconcileInterval = 200 * time.Millisecond

	n, err := node.New(cfg, node.Options{
		Plugins:  c.Plugins,
		Version:  c.Config.Version,
		Local:    c.Log,
		Network:  c.Network,
		Executor: c.SQL,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()
	if err := n.Start(ctx); err != nil {
		n.Stop(context.Background())
		return nil, err
	}

	cli := client.New(c.Network.Join("cli-"+spec.ID, transport.NewMux()), spec.ID)
	member := &Node{Node: n, Spec: spec, DataDir: dataDir, Client: NewClient(cli)}
	c.Nodes = append(c.Nodes, member)
	return member, nil
}

// Node returns the started node with id
func (c *Cluster) Node(id string) (*Node, error) {
	for _, n := range c.Nodes {
		if n.ID() == id {
			return n, nil
		}
	}
	return nil, fmt.Errorf("node %s not found", id)
}

// MustNode returns the started node with id or panics
func (c *Cluster) MustNode(id string) *Node {
	n, err := c.Node(id)
	if err != nil {
		panic(err)
	}
	return n
}

// Client returns the admin client of the first node
func (c *Cluster) Client() *Client {
	return c.Nodes[0].Client
}

// KillNode makes a node unreachable without stopping it (simulates crash)
func (c *Cluster) KillNode(id string) error {
	if _, err := c.Node(id); err != nil {
		return err
	}
	c.Network.SetDown(id, true)
	return nil
}

// ReviveNode makes a killed node reachable again
func (c *Cluster) ReviveNode(id string) error {
	if _, err := c.Node(id); err != nil {
		return err
	}
	c.Network.SetDown(id, false)
	return nil
}

// StopNode stops a node and removes it from the cluster
func (c *Cluster) StopNode(id string) error {
	for i, n := range c.Nodes {
		if n.ID() == id {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			n.Stop(ctx)
			c.Nodes = append(c.Nodes[:i], c.Nodes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("node %s not found", id)
}

// Stop stops every node in reverse start order
func (c *Cluster) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i := len(c.Nodes) - 1; i >= 0; i-- {
		c.Nodes[i].Stop(ctx)
	}
	c.Nodes = nil
}

// Cleanup stops the cluster and removes its data
func (c *Cluster) Cleanup() error {
	c.Stop()

	if c.cancel != nil {
		c.cancel()
	}
	if err := c.SQL.Close(); err != nil {
		fmt.Printf("Warning: failed to close SQL executor: %v\n", err)
	}

	if !c.Config.KeepOnFailure {
		if err := os.RemoveAll(c.Config.DataDir); err != nil {
			return fmt.Errorf("failed to remove data dir: %w", err)
		}
	}
	return nil
}

// Converged reports whether every node has reconciled the latest state
func (c *Cluster) Converged() bool {
	for _, n := range c.Nodes {
		if !n.Reconciler().Converged() {
			return false
		}
	}
	return true
}

func validateConfig(cfg *ClusterConfig) error {
	if len(cfg.Nodes) == 0 {
		return fmt.Errorf("at least one node is required")
	}
	seen := make(map[string]bool)
	for _, n := range cfg.Nodes {
		if n.ID == "" || n.Tier == "" || n.ReplicasetID == "" {
			return fmt.Errorf("node %q needs id, tier and replicaset", n.ID)
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id %s", n.ID)
		}
		seen[n.ID] = true
	}
	if cfg.OnStartTimeout <= 0 {
		return fmt.Errorf("on start timeout must be positive")
	}
	return nil
}
