package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/catalog"
	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/manager"
	"github.com/cuemby/hutch/pkg/membership"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/migration"
	"github.com/cuemby/hutch/pkg/plugin"
	"github.com/cuemby/hutch/pkg/reconciler"
	"github.com/cuemby/hutch/pkg/rpc"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/transport"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/rs/zerolog"
)

// Options carry what a node cannot read from its configuration
type Options struct {
	// Plugins holds the service implementations compiled into the binary
	Plugins *plugin.Registry

	// Version is reported by health checks and the version info procedure
	Version string

	// Local and Network run the node on an in-process log and network
	// instead of raft and gRPC. Both must be set together.
	Local   *manager.LocalLog
	Network *transport.Network

	// Executor overrides the SQL executor built from the configuration
	Executor migration.Executor
}

// Node is one cluster member with every component wired together
type Node struct {
	cfg    *config.Config
	opts   Options
	logger zerolog.Logger

	store      *storage.BoltStore
	fsm        *manager.FSM
	log        manager.Log
	raft       *manager.RaftLog
	tokens     *manager.TokenManager
	broker     *events.Broker
	mux        *transport.Mux
	transport  transport.Transport
	grpc       *transport.Server
	http       *http.Server
	endpoints  *rpc.Registry
	runtime    *runtime.Runtime
	reconciler *reconciler.Reconciler
	migrations *migration.Engine
	membership *membership.Monitor
	catalog    *catalog.Controller
	router     *rpc.Router
	collector  *manager.MetricsCollector
	health     *metrics.Health

	closeExecutor func() error

	stopOnce sync.Once
}

// New builds a node from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Node, error) {
	if (opts.Local == nil) != (opts.Network == nil) {
		return nil, errors.New("local log and network must be set together")
	}
	if opts.Plugins == nil {
		opts.Plugins = plugin.NewRegistry()
	}

	n := &Node{
		cfg:    cfg,
		opts:   opts,
		logger: log.WithNodeID(cfg.NodeID).With().Str("component", "node").Logger(),
		broker: events.NewBroker(),
		mux:    transport.NewMux(),
		tokens: manager.NewTokenManager(),
		health: metrics.NewHealth(opts.Version),
	}
	if cfg.JoinToken != "" {
		n.tokens.AddToken(cfg.JoinToken)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	n.store = store
	n.fsm = manager.NewFSM(store)

	if opts.Network != nil {
		n.transport = opts.Network.Join(cfg.NodeID, n.mux)
		n.log = opts.Local
	} else {
		n.transport = transport.NewGRPC(cfg.NodeID, transport.ResolverFunc(n.resolve))
		n.grpc = transport.NewServer(n.mux)
	}

	executor := opts.Executor
	if executor == nil {
		var closeFn func() error
		executor, closeFn, err = migration.Open(context.Background(), cfg.SQL.Driver, cfg.SQLDSN())
		if err != nil {
			store.Close()
			return nil, err
		}
		n.closeExecutor = closeFn
	}

	// The raft log is created in Start; components propose through n
	n.endpoints = rpc.NewRegistry()
	n.runtime = runtime.New(runtime.Config{
		NodeID:          cfg.NodeID,
		Registry:        opts.Plugins,
		Endpoints:       n.endpoints,
		Broker:          n.broker,
		CallbackTimeout: cfg.Timeouts.Callback,
		JobGrace:        cfg.Timeouts.JobGrace,
	})
	n.reconciler = reconciler.NewReconciler(reconciler.Config{
		NodeID:   cfg.NodeID,
		Store:    store,
		Log:      n,
		Runtime:  n.runtime,
		Interval: cfg.Timeouts.ReconcileInterval,
	})
	n.migrations = migration.NewEngine(migration.Config{
		NodeID:    cfg.NodeID,
		Log:       n,
		Store:     store,
		Executor:  executor,
		PluginDir: cfg.PluginDir,
		Broker:    n.broker,
	})
	n.membership = membership.NewMonitor(membership.Config{
		NodeID:       cfg.NodeID,
		Log:          n,
		Store:        store,
		Broker:       n.broker,
		Heartbeat:    cfg.Timeouts.Heartbeat,
		OfflineAfter: cfg.Timeouts.OfflineAfter,
		IsLeader:     n.isLeader,
	})
	n.catalog = catalog.NewController(catalog.Config{
		NodeID:         cfg.NodeID,
		Log:            n,
		Store:          store,
		Transport:      n.transport,
		Migrator:       n.migrations,
		Validator:      n.runtime,
		PluginDir:      cfg.PluginDir,
		OnStartTimeout: cfg.Timeouts.OnStart,
	})
	n.router = rpc.NewRouter(rpc.Config{
		NodeID:    cfg.NodeID,
		Store:     store,
		Transport: n.transport,
		Registry:  n.endpoints,
		Version:   opts.Version,
	})
	n.collector = manager.NewMetricsCollector(store, 0)

	n.fsm.Watch(n.reconciler.Observe)
	n.fsm.Watch(n.migrations.Observe)
	n.fsm.Watch(n.membership.Observe)

	catalog.RegisterHandlers(n.mux, n.reconciler)
	n.router.RegisterHandlers(n.mux)
	n.registerAdmin()

	if cfg.HTTP.BindAddr != "" {
		n.http = &http.Server{
			Addr:         cfg.HTTP.BindAddr,
			Handler:      n.httpHandler(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}
	return n, nil
}

var errStarting = errors.New("starting")

func (n *Node) checkLog() error {
	if n.raft != nil && n.raft.LeaderID() == "" {
		return errors.New("no raft leader")
	}
	return nil
}

func (n *Node) checkConverged() error {
	if !n.reconciler.Converged() {
		return errors.New("services not converged")
	}
	return nil
}

// checkServices reports failed starts and poisoned services
func (n *Node) checkServices() error {
	var bad []string
	for key, err := range n.reconciler.Failed() {
		bad = append(bad, fmt.Sprintf("%s failed to start: %v", key, err))
	}
	for _, st := range n.runtime.Running() {
		if st.Poisoned {
			bad = append(bad, st.Key.String()+" poisoned")
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return errors.New(strings.Join(bad, "; "))
}

// Propose implements manager.Log. It fails until the replicated log is up.
func (n *Node) Propose(ctx context.Context, cmd *manager.Command) (uint64, error) {
	if n.log == nil {
		return 0, manager.ErrUnavailable
	}
	return n.log.Propose(ctx, cmd)
}

// Start joins the cluster, registers this node and starts every loop.
// It returns once the node is registered.
func (n *Node) Start(ctx context.Context) error {
	for _, name := range []string{"log", "transport", "reconciler"} {
		n.health.Set(name, true, errStarting)
	}
	n.broker.Start()

	if n.grpc != nil {
		lis, err := net.Listen("tcp", n.cfg.RPC.BindAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", n.cfg.RPC.BindAddr, err)
		}
		go func() {
			if err := n.grpc.Serve(lis); err != nil {
				n.logger.Error().Err(err).Msg("Transport server stopped")
			}
		}()
		n.logger.Info().Str("addr", n.cfg.RPC.BindAddr).Msg("Transport listening")
	}
	n.health.Set("transport", true, nil)

	if err := n.startLog(ctx); err != nil {
		return err
	}
	n.health.Register("log", true, n.checkLog)

	if err := n.register(ctx); err != nil {
		return err
	}

	n.reconciler.Start()
	n.membership.Start()
	n.collector.Start()
	n.health.Register("reconciler", true, n.checkConverged)
	n.health.Register("services", false, n.checkServices)

	if err := n.migrations.ReleaseStale(ctx); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to release stale migration lock")
	}

	if n.http != nil {
		go func() {
			if err := n.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error().Err(err).Msg("HTTP server stopped")
			}
		}()
		n.logger.Info().Str("addr", n.cfg.HTTP.BindAddr).Msg("HTTP server listening")
	}

	n.logger.Info().Str("tier", n.cfg.Tier).Str("replicaset_id", n.cfg.ReplicasetID).Msg("Node started")
	return nil
}

func (n *Node) startLog(ctx context.Context) error {
	if n.opts.Local != nil {
		return n.opts.Local.Attach(n.fsm)
	}

	raftLog, err := manager.NewRaftLog(manager.RaftConfig{
		NodeID:       n.cfg.NodeID,
		BindAddr:     n.cfg.Raft.BindAddr,
		DataDir:      filepath.Join(n.cfg.DataDir, "raft"),
		Bootstrap:    n.cfg.Bootstrap,
		ApplyTimeout: n.cfg.Raft.ApplyTimeout,
		Tokens:       n.tokens,
	}, n.fsm)
	if err != nil {
		return err
	}
	raftLog.SetForwarder(n.transport)
	raftLog.RegisterHandlers(n.mux)
	n.raft = raftLog
	n.log = raftLog

	if !n.cfg.Bootstrap {
		peers := make([]string, 0, len(n.cfg.Peers))
		for _, p := range n.cfg.Peers {
			peers = append(peers, p.ID)
		}
		if err := n.retry(ctx, "join", func(ctx context.Context) error {
			return raftLog.Join(ctx, peers, n.cfg.JoinToken)
		}); err != nil {
			return err
		}
	}
	return raftLog.WaitForLeader(ctx)
}

// register declares the configured tiers and this node
func (n *Node) register(ctx context.Context) error {
	for _, t := range n.cfg.Tiers {
		tier := types.Tier{Name: t.Name, BucketCount: t.BucketCount}
		if tier.BucketCount == 0 {
			tier.BucketCount = manager.DefaultBucketCount
		}
		if _, err := n.store.GetTier(t.Name); err == nil {
			continue
		}
		if err := n.retry(ctx, "put tier", func(ctx context.Context) error {
			_, err := manager.Propose(ctx, n, manager.OpPutTier, manager.PutTier{Tier: tier})
			return err
		}); err != nil {
			return err
		}
	}

	now := time.Now()
	node := types.Node{
		ID:            n.cfg.NodeID,
		Tier:          n.cfg.Tier,
		ReplicasetID:  n.cfg.ReplicasetID,
		Address:       n.cfg.AdvertiseAddr(),
		RaftAddress:   n.cfg.Raft.BindAddr,
		Status:        types.NodeStatusOnline,
		LastHeartbeat: now,
		JoinedAt:      now,
	}
	return n.retry(ctx, "register node", func(ctx context.Context) error {
		_, err := manager.Propose(ctx, n, manager.OpRegisterNode, manager.RegisterNode{Node: node})
		return err
	})
}

// retry runs fn until it succeeds or ctx ends. Leader elections make the
// first proposals of a fresh cluster fail transiently.
func (n *Node) retry(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	backoff := 100 * time.Millisecond
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return fmt.Errorf("%s: %w", what, err)
		}
		n.logger.Debug().Err(err).Str("step", what).Dur("backoff", backoff).Msg("Retrying")
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w (last error: %v)", what, ctx.Err(), err)
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}

// retryable reports whether err may clear up on its own. Errors without a
// code come from an unreachable or unready peer.
func retryable(err error) bool {
	var coded interface{ ErrorCode() string }
	if !errors.As(err, &coded) {
		return true
	}
	switch manager.Code(coded.ErrorCode()) {
	case manager.CodeNotLeader, manager.CodeUnavailable:
		return true
	}
	return false
}

// Stop stops every loop and service on this node
func (n *Node) Stop(ctx context.Context) {
	n.stopOnce.Do(func() {
		n.logger.Info().Msg("Stopping node")
		if n.http != nil {
			_ = n.http.Shutdown(ctx)
		}
		n.collector.Stop()
		n.membership.Stop()
		n.reconciler.Stop()
		n.runtime.StopAll(ctx)

		if n.opts.Local != nil {
			n.opts.Local.Detach(n.fsm)
			n.opts.Network.Leave(n.cfg.NodeID)
		}
		if n.raft != nil {
			if err := n.raft.Shutdown(); err != nil {
				n.logger.Warn().Err(err).Msg("Failed to shut down raft")
			}
		}
		if n.grpc != nil {
			n.grpc.Stop()
		}
		n.broker.Stop()
		if n.closeExecutor != nil {
			if err := n.closeExecutor(); err != nil {
				n.logger.Warn().Err(err).Msg("Failed to close SQL executor")
			}
		}
		if err := n.store.Close(); err != nil {
			n.logger.Warn().Err(err).Msg("Failed to close store")
		}
	})
}

// resolve returns the transport address of a node: its registered address,
// or the configured peer address before it is registered
func (n *Node) resolve(nodeID string) (string, error) {
	if node, err := n.store.GetNode(nodeID); err == nil && node.Address != "" {
		return node.Address, nil
	}
	for _, p := range n.cfg.Peers {
		if p.ID == nodeID {
			return p.Address, nil
		}
	}
	return "", fmt.Errorf("unknown node %s", nodeID)
}

func (n *Node) isLeader() bool {
	if n.raft == nil {
		return true
	}
	return n.raft.IsLeader()
}

// ID returns the node id
func (n *Node) ID() string { return n.cfg.NodeID }

// Store returns the local mirror of the replicated state
func (n *Node) Store() storage.Store { return n.store }

// Catalog returns the operator-facing controller
func (n *Node) Catalog() *catalog.Controller { return n.catalog }

// Migrations returns the migration engine
func (n *Node) Migrations() *migration.Engine { return n.migrations }

// Router returns the RPC router
func (n *Node) Router() *rpc.Router { return n.router }

// Runtime returns the service runtime
func (n *Node) Runtime() *runtime.Runtime { return n.runtime }

// Reconciler returns the reconciler
func (n *Node) Reconciler() *reconciler.Reconciler { return n.reconciler }

// Membership returns the liveness monitor
func (n *Node) Membership() *membership.Monitor { return n.membership }

// Broker returns the node-local event broker
func (n *Node) Broker() *events.Broker { return n.broker }

// Tokens returns the join tokens accepted by this node
func (n *Node) Tokens() *manager.TokenManager { return n.tokens }
