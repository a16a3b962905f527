package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/hutch/pkg/client"
	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/node"
	"github.com/cuemby/hutch/pkg/plugin"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// plugins holds the services compiled into this binary. Plugin packages
// register their factories from init functions.
var plugins = plugin.NewRegistry()

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hutch",
	Short: "Hutch - cluster-wide plugin orchestration",
	Long: `Hutch runs versioned plugins across a replicated, sharded cluster.

It installs and enables plugins cluster wide, assigns plugin services to
tiers, distributes configuration, applies schema migrations exactly once
and routes RPC calls between plugin services.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hutch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("addr", "127.0.0.1:7947", "Transport address of the node to manage")
	rootCmd.PersistentFlags().Duration("timeout", client.DefaultTimeout, "Bound of each admin call")

	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(pluginCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(migrationCmd)
	rootCmd.AddCommand(rpcCmd)
}

// newClient connects to the node named by the persistent flags
func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	c, err := client.NewClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %v", addr, err)
	}
	return c.WithTimeout(timeout), nil
}

// Node commands
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run and inspect nodes",
}

var nodeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a cluster node",
	Long: `Run a cluster node in the foreground.

The first node of a cluster is started with --bootstrap. Other nodes list
at least one member with --peer and present the cluster join token.

Examples:
  hutch node run --node-id i1 --bootstrap --join-token s3cret
  hutch node run --node-id i2 --rpc-addr 127.0.0.1:8947 --raft-addr 127.0.0.1:8946 \
    --peer i1=127.0.0.1:7947 --join-token s3cret`,
	RunE: runNode,
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := nodeConfig(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

	n, err := node.New(cfg, node.Options{Plugins: plugins, Version: Version})
	if err != nil {
		return fmt.Errorf("failed to create node: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		n.Stop(context.Background())
		return fmt.Errorf("failed to start node: %v", err)
	}

	fmt.Printf("✓ Node %s running (tier %s, transport %s)\n", cfg.NodeID, cfg.Tier, cfg.AdvertiseAddr())
	<-ctx.Done()

	fmt.Println("\nShutting down...")
	shutdown, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n.Stop(shutdown)
	fmt.Println("✓ Shutdown complete")
	return nil
}

// nodeConfig loads the configuration file, if any, and applies flag
// overrides
func nodeConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	cfg := config.Default()
	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	str("node-id", &cfg.NodeID)
	str("tier", &cfg.Tier)
	str("replicaset", &cfg.ReplicasetID)
	str("data-dir", &cfg.DataDir)
	str("plugin-dir", &cfg.PluginDir)
	str("raft-addr", &cfg.Raft.BindAddr)
	str("rpc-addr", &cfg.RPC.BindAddr)
	str("advertise-addr", &cfg.RPC.AdvertiseAddr)
	str("http-addr", &cfg.HTTP.BindAddr)
	str("join-token", &cfg.JoinToken)
	str("sql-driver", &cfg.SQL.Driver)
	str("sql-dsn", &cfg.SQL.DSN)
	str("log-level", &cfg.Log.Level)
	if flags.Changed("bootstrap") {
		cfg.Bootstrap, _ = flags.GetBool("bootstrap")
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON, _ = flags.GetBool("log-json")
	}
	if flags.Changed("peer") {
		peers, _ := flags.GetStringSlice("peer")
		cfg.Peers = nil
		for _, p := range peers {
			id, addr, ok := strings.Cut(p, "=")
			if !ok {
				return nil, fmt.Errorf("peer %q must be ID=ADDRESS", p)
			}
			cfg.Peers = append(cfg.Peers, config.Peer{ID: id, Address: addr})
		}
	}
	if cfg.ReplicasetID == "" {
		cfg.ReplicasetID = cfg.NodeID
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

var nodeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of the connected node",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		status, err := c.Status()
		if err != nil {
			return err
		}
		fmt.Printf("Node:          %s\n", status.NodeID)
		fmt.Printf("Tier:          %s\n", status.Tier)
		fmt.Printf("Replicaset:    %s\n", status.ReplicasetID)
		fmt.Printf("Leader:        %s\n", status.Leader)
		fmt.Printf("Applied index: %d\n", status.AppliedIndex)
		fmt.Printf("Converged:     %t\n", status.Converged)
		for key, msg := range status.Failed {
			fmt.Printf("  failed %s: %s\n", key, msg)
		}
		fmt.Println()
		fmt.Printf("%-40s %-10s %-8s %-8s\n", "SERVICE", "REVISION", "MASTER", "POISONED")
		for _, s := range status.Services {
			fmt.Printf("%-40s %-10d %-8t %-8t\n", s.Key, s.Revision, s.IsMaster, s.Poisoned)
		}
		return nil
	},
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes in the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		status, err := c.Status()
		if err != nil {
			return err
		}
		fmt.Printf("%-16s %-12s %-16s %-22s %-8s\n", "ID", "TIER", "REPLICASET", "ADDRESS", "STATUS")
		for _, n := range status.Nodes {
			fmt.Printf("%-16s %-12s %-16s %-22s %-8s\n", n.ID, n.Tier, n.ReplicasetID, n.Address, n.Status)
		}
		return nil
	},
}

func init() {
	nodeCmd.AddCommand(nodeRunCmd)
	nodeCmd.AddCommand(nodeStatusCmd)
	nodeCmd.AddCommand(nodeListCmd)

	f := nodeRunCmd.Flags()
	f.String("config", "", "YAML configuration file")
	f.String("node-id", "", "Unique node ID")
	f.String("tier", "default", "Tier of this node")
	f.String("replicaset", "", "Replicaset of this node (defaults to the node ID)")
	f.String("data-dir", "./data", "Data directory for cluster state")
	f.String("plugin-dir", "./plugins", "Directory holding plugin manifests and migrations")
	f.Bool("bootstrap", false, "Bootstrap a new cluster")
	f.String("raft-addr", "127.0.0.1:7946", "Address for Raft communication")
	f.String("rpc-addr", "127.0.0.1:7947", "Address for the node transport")
	f.String("advertise-addr", "", "Transport address advertised to other nodes")
	f.String("http-addr", "", "Address for metrics and status (empty disables)")
	f.StringSlice("peer", nil, "Known member as ID=ADDRESS (repeatable)")
	f.String("join-token", "", "Cluster join token")
	f.String("sql-driver", "sqlite", "Migration executor driver: sqlite or pgx")
	f.String("sql-dsn", "", "Migration executor DSN")
	f.String("log-level", "info", "Log level: debug, info, warn, error")
	f.Bool("log-json", false, "Log in JSON")
}

// Cluster commands
var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage the cluster",
}

var clusterJoinTokenCmd = &cobra.Command{
	Use:   "join-token",
	Short: "Generate a join token on the connected node",
	Long: `Generate a join token on the connected node.

Join requests are checked by the raft leader, so connect to the leader or
use the static join_token shared by every node's configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		token, err := c.CreateJoinToken(ttl)
		if err != nil {
			return err
		}
		fmt.Println(token.Token)
		fmt.Fprintf(os.Stderr, "Expires at %s\n", token.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var clusterSetMasterCmd = &cobra.Command{
	Use:   "set-master REPLICASET NODE",
	Short: "Designate the master of a replicaset",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.SetMaster(args[0], args[1]); err != nil {
			return fmt.Errorf("failed to set master: %w", err)
		}
		fmt.Printf("✓ %s is now master of %s\n", args[1], args[0])
		return nil
	},
}

func init() {
	clusterCmd.AddCommand(clusterJoinTokenCmd)
	clusterCmd.AddCommand(clusterSetMasterCmd)
	clusterJoinTokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
}
