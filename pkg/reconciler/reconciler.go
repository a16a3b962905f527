package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/manager"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/plugin"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultInterval is the period of full reconciliation passes
const DefaultInterval = 10 * time.Second

// Config configures a Reconciler
type Config struct {
	NodeID   string
	Store    storage.Reader
	Log      manager.Log
	Runtime  *runtime.Runtime
	Interval time.Duration
}

// Reconciler converges the services running on this node to the replicated
// target state
type Reconciler struct {
	cfg    Config
	logger zerolog.Logger

	// queue holds committed changes in log order; Observe never blocks
	qmu   sync.Mutex
	queue []manager.Change
	wake  chan struct{}

	// mu serializes reconciliation passes
	mu       sync.Mutex
	failed   map[types.ServiceKey]error
	restored bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// desired is a service this node should run
type desired struct {
	config *types.ServiceConfig
	info   plugin.Info
}

// NewReconciler creates a new reconciler. Observe must be registered as an
// FSM watcher.
func NewReconciler(cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Reconciler{
		cfg:    cfg,
		logger: log.WithComponent("reconciler").With().Str("node_id", cfg.NodeID).Logger(),
		wake:   make(chan struct{}, 1),
		failed: make(map[types.ServiceKey]error),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler and waits for the loop to exit
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// Observe queues a committed change
func (r *Reconciler) Observe(c manager.Change) {
	r.qmu.Lock()
	r.queue = append(r.queue, c)
	r.qmu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stopCh
		cancel()
	}()

	// Converge to whatever the store holds at startup
	r.Reconcile(ctx, true)

	for {
		select {
		case <-r.wake:
			r.drain(ctx)
		case <-ticker.C:
			r.Reconcile(ctx, false)
		case <-r.stopCh:
			return
		}
	}
}

// drain processes queued changes in order. Configuration changes are
// delivered one by one; anything else triggers a full pass afterwards.
func (r *Reconciler) drain(ctx context.Context) {
	r.qmu.Lock()
	changes := r.queue
	r.queue = nil
	r.qmu.Unlock()

	full := false
	for _, c := range changes {
		switch {
		case c.Restored:
			r.mu.Lock()
			r.restored = true
			r.mu.Unlock()
			full = true
		case c.Op == manager.OpUpdateConfig && c.Config != nil:
			r.deliverConfig(ctx, c.Config)
		case c.Op == manager.OpAcquireMigrationLock, c.Op == manager.OpReleaseMigrationLock,
			c.Op == manager.OpRecordMigration, c.Op == manager.OpDeleteMigration,
			c.Op == manager.OpNodeHeartbeat:
			// Migrations are never reconciled
		default:
			full = true
		}
	}
	if full {
		r.Reconcile(ctx, true)
	}
}

func (r *Reconciler) deliverConfig(ctx context.Context, cfg *types.ServiceConfig) {
	key := types.ServiceKey{Plugin: cfg.Plugin, Version: cfg.Version, Service: cfg.Service}
	if !r.cfg.Runtime.IsRunning(key) {
		return
	}
	if err := r.cfg.Runtime.ApplyConfig(ctx, key, cfg.Values, cfg.Revision); err != nil {
		r.logger.Warn().Err(err).Str("service", key.String()).Uint64("revision", cfg.Revision).
			Msg("Failed to apply configuration")
	}
	r.mirrorPoison(ctx, key)
}

// Reconcile performs one full reconciliation pass. Services that failed to
// start are retried only when retry is set.
func (r *Reconciler) Reconcile(ctx context.Context, retry bool) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	want, skip, err := r.desired()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to compute desired services")
		return
	}
	if retry {
		r.failed = make(map[types.ServiceKey]error)
	}

	// Stop extra services
	for _, key := range r.cfg.Runtime.Keys() {
		if _, ok := want[key]; ok || skip[key.PluginKey()] {
			continue
		}
		r.cfg.Runtime.Stop(ctx, key)
		delete(r.failed, key)
	}

	for key, d := range want {
		if !r.cfg.Runtime.IsRunning(key) {
			if _, failed := r.failed[key]; failed {
				continue
			}
			if err := r.cfg.Runtime.Start(ctx, key, d.config.Values, d.config.Revision, d.info); err != nil {
				r.logger.Warn().Err(err).Str("service", key.String()).Msg("Failed to start service")
				r.failed[key] = err
				r.setRoutePoison(ctx, key, true)
				continue
			}
		}

		// Revisions committed while a snapshot was being installed never
		// produced change notifications
		if r.restored && d.config.Revision > r.cfg.Runtime.Seen(key) {
			if err := r.cfg.Runtime.ApplyConfig(ctx, key, d.config.Values, d.config.Revision); err != nil {
				r.logger.Warn().Err(err).Str("service", key.String()).Msg("Failed to apply configuration")
			}
		}

		if st, ok := r.cfg.Runtime.Status(key); ok && st.IsMaster != d.info.IsMaster {
			if err := r.cfg.Runtime.SetMaster(ctx, key, d.info.IsMaster); err != nil {
				r.logger.Warn().Err(err).Str("service", key.String()).Msg("Leader change callback failed")
			}
		}
		r.mirrorPoison(ctx, key)
	}
	r.restored = false
}

// Converged reports whether the running services match the target state
func (r *Reconciler) Converged() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	want, skip, err := r.desired()
	if err != nil {
		return false
	}
	for _, key := range r.cfg.Runtime.Keys() {
		if _, ok := want[key]; !ok && !skip[key.PluginKey()] {
			return false
		}
	}
	for key, d := range want {
		if _, failed := r.failed[key]; failed {
			continue
		}
		st, ok := r.cfg.Runtime.Status(key)
		if !ok || st.IsMaster != d.info.IsMaster || r.cfg.Runtime.Seen(key) < d.config.Revision {
			return false
		}
		if route, err := r.cfg.Store.GetRoute(key, r.cfg.NodeID); err == nil && route.Poisoned != st.Poisoned {
			return false
		}
	}
	return true
}

// Failed returns the services whose last start failed
func (r *Reconciler) Failed() map[types.ServiceKey]error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[types.ServiceKey]error, len(r.failed))
	for k, v := range r.failed {
		out[k] = v
	}
	return out
}

// desired computes the services this node should run and the plugins that
// must be left alone because a cluster-wide operation is pending
func (r *Reconciler) desired() (map[types.ServiceKey]desired, map[types.PluginKey]bool, error) {
	want := make(map[types.ServiceKey]desired)
	skip := make(map[types.PluginKey]bool)

	node, err := r.cfg.Store.GetNode(r.cfg.NodeID)
	if storage.IsNotFound(err) {
		return want, skip, nil
	}
	if err != nil {
		return nil, nil, err
	}

	op, err := r.cfg.Store.GetPluginOp()
	if err != nil {
		return nil, nil, err
	}
	if op != nil && !op.Expired(time.Now()) {
		skip[types.PluginKey{Name: op.Plugin, Version: op.Version}] = true
	}

	isMaster := false
	if rs, err := r.cfg.Store.GetReplicaset(node.ReplicasetID); err == nil {
		isMaster = rs.MasterID == node.ID
	} else if !storage.IsNotFound(err) {
		return nil, nil, err
	}

	plugins, err := r.cfg.Store.ListPlugins()
	if err != nil {
		return nil, nil, err
	}
	for _, p := range plugins {
		if !p.Enabled || skip[p.Key()] {
			continue
		}
		svcs, err := r.cfg.Store.ListServices(p.Name, p.Version)
		if err != nil {
			return nil, nil, err
		}
		for _, svc := range svcs {
			if !svc.HasTier(node.Tier) {
				continue
			}
			cfg, err := r.cfg.Store.GetConfig(svc.Key())
			if storage.IsNotFound(err) {
				cfg = &types.ServiceConfig{Plugin: p.Name, Version: p.Version, Service: svc.Name}
			} else if err != nil {
				return nil, nil, err
			}
			want[svc.Key()] = desired{
				config: cfg,
				info:   r.info(node, svc.Key(), isMaster),
			}
		}
	}
	return want, skip, nil
}

func (r *Reconciler) info(node *types.Node, key types.ServiceKey, isMaster bool) plugin.Info {
	return plugin.Info{
		Plugin:       key.Plugin,
		Version:      key.Version,
		Service:      key.Service,
		NodeID:       node.ID,
		Tier:         node.Tier,
		ReplicasetID: node.ReplicasetID,
		IsMaster:     isMaster,
	}
}

// mirrorPoison publishes the local poison flag of key to its route
func (r *Reconciler) mirrorPoison(ctx context.Context, key types.ServiceKey) {
	r.setRoutePoison(ctx, key, r.cfg.Runtime.Poisoned(key))
}

func (r *Reconciler) setRoutePoison(ctx context.Context, key types.ServiceKey, poisoned bool) {
	route, err := r.cfg.Store.GetRoute(key, r.cfg.NodeID)
	if err != nil || route.Poisoned == poisoned {
		return
	}
	route.Poisoned = poisoned
	if _, err := manager.Propose(ctx, r.cfg.Log, manager.OpPutRoute, manager.PutRoute{Route: *route}); err != nil {
		r.logger.Warn().Err(err).Str("service", key.String()).Bool("poisoned", poisoned).Msg("Failed to publish route poison")
	}
}

// StartServices starts services of a plugin on this node ahead of the
// commit that enables them. index is the log index the caller observed;
// the local store catches up to it first. An empty services list starts
// every service of the plugin assigned to this node's tier.
func (r *Reconciler) StartServices(ctx context.Context, key types.PluginKey, services []string, index uint64) error {
	if err := r.waitApplied(ctx, index); err != nil {
		return err
	}

	node, err := r.cfg.Store.GetNode(r.cfg.NodeID)
	if err != nil {
		return fmt.Errorf("node %s is not registered: %w", r.cfg.NodeID, err)
	}
	isMaster := false
	if rs, err := r.cfg.Store.GetReplicaset(node.ReplicasetID); err == nil {
		isMaster = rs.MasterID == node.ID
	}

	for _, name := range r.serviceNames(key, services) {
		skey := types.ServiceKey{Plugin: key.Name, Version: key.Version, Service: name}
		cfg, err := r.cfg.Store.GetConfig(skey)
		if storage.IsNotFound(err) {
			cfg = &types.ServiceConfig{Plugin: key.Name, Version: key.Version, Service: name}
		} else if err != nil {
			return err
		}
		if err := r.cfg.Runtime.Start(ctx, skey, cfg.Values, cfg.Revision, r.info(node, skey, isMaster)); err != nil {
			return fmt.Errorf("service `%s`: %w", skey, err)
		}
	}
	return nil
}

// StopServices stops services of a plugin on this node. An empty services
// list stops every service of the plugin.
func (r *Reconciler) StopServices(ctx context.Context, key types.PluginKey, services []string) {
	if len(services) == 0 {
		for _, skey := range r.cfg.Runtime.Keys() {
			if skey.PluginKey() == key {
				r.cfg.Runtime.Stop(ctx, skey)
			}
		}
		return
	}
	for _, name := range services {
		r.cfg.Runtime.Stop(ctx, types.ServiceKey{Plugin: key.Name, Version: key.Version, Service: name})
	}
}

func (r *Reconciler) serviceNames(key types.PluginKey, services []string) []string {
	if len(services) > 0 {
		return services
	}
	node, err := r.cfg.Store.GetNode(r.cfg.NodeID)
	if err != nil {
		return nil
	}
	svcs, err := r.cfg.Store.ListServices(key.Name, key.Version)
	if err != nil {
		return nil
	}
	var names []string
	for _, svc := range svcs {
		if svc.HasTier(node.Tier) {
			names = append(names, svc.Name)
		}
	}
	return names
}

func (r *Reconciler) waitApplied(ctx context.Context, index uint64) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		applied, err := r.cfg.Store.AppliedIndex()
		if err != nil {
			return err
		}
		if applied >= index {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for log index %d (applied %d): %w", index, applied, ctx.Err())
		case <-ticker.C:
		}
	}
}
