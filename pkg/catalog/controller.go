package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/manager"
	"github.com/cuemby/hutch/pkg/manifest"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/transport"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultOnStartTimeout bounds the synchronous start of services on enable
// and topology changes
const DefaultOnStartTimeout = 10 * time.Second

// opSlack extends the deadline of a plugin operation past the start timeout
// so the coordinator can still commit or abort it
const opSlack = 5 * time.Second

var (
	ErrNotFound  = manager.ErrNotFound
	ErrExists    = manager.ErrExists
	ErrConflict  = manager.ErrConflict
	ErrInvalid   = manager.ErrInvalid
	ErrForbidden = manager.ErrForbidden
	ErrOpPending = manager.ErrOpPending
)

// InstallOptions modify Install
type InstallOptions struct {
	// IfNotExists turns installing an installed version into a no-op
	IfNotExists bool
	// Migrate applies the plugin migrations after install
	Migrate bool
}

// RemoveOptions modify Remove
type RemoveOptions struct {
	// DropData rolls back the plugin migrations before removing it
	DropData bool
}

// EnableOptions modify Enable
type EnableOptions struct {
	OnStartTimeout time.Duration
}

// Migrator applies and rolls back plugin migrations
type Migrator interface {
	Up(ctx context.Context, name, version string) error
	Down(ctx context.Context, name, version string) error
}

// Validator checks a configuration with the service's own validation hook
type Validator interface {
	Validate(ctx context.Context, key types.ServiceKey, cfg map[string]any) error
}

// Config configures a Controller
type Config struct {
	NodeID         string
	Log            manager.Log
	Store          storage.Reader
	Transport      transport.Transport
	Migrator       Migrator
	Validator      Validator
	PluginDir      string
	OnStartTimeout time.Duration
}

// Controller runs operator commands against the cluster catalog. Any node
// can coordinate; mutations go through the replicated log.
type Controller struct {
	cfg    Config
	logger zerolog.Logger
}

// NewController creates a Controller
func NewController(cfg Config) *Controller {
	if cfg.OnStartTimeout <= 0 {
		cfg.OnStartTimeout = DefaultOnStartTimeout
	}
	return &Controller{
		cfg:    cfg,
		logger: log.WithComponent("catalog").With().Str("node_id", cfg.NodeID).Logger(),
	}
}

func observe(op string, timer *metrics.Timer, err error) {
	timer.ObserveDurationVec(metrics.PluginOperationDuration, op)
	metrics.PluginOperationsTotal.WithLabelValues(op, metrics.Result(err)).Inc()
}

// Install installs name:version from its manifest
func (c *Controller) Install(ctx context.Context, name, version string, opts InstallOptions) (err error) {
	timer := metrics.NewTimer()
	defer func() { observe("install", timer, err) }()
	key := types.PluginKey{Name: name, Version: version}

	if _, err := c.cfg.Store.GetPlugin(name, version); err == nil {
		if !opts.IfNotExists {
			return manager.FromCode(string(manager.CodeExists), fmt.Sprintf("plugin `%s` is already installed", key))
		}
		return c.migrateAfterInstall(ctx, key, opts)
	} else if !storage.IsNotFound(err) {
		return err
	}

	m, err := manifest.Discover(c.cfg.PluginDir, name, version)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			return fmt.Errorf("no manifest found for plugin `%s`: %w", key, err)
		}
		return err
	}
	svcs, err := m.ServiceDefs()
	if err != nil {
		return err
	}
	defaults, err := m.Defaults()
	if err != nil {
		return err
	}

	_, err = manager.Propose(ctx, c.cfg.Log, manager.OpInstallPlugin, manager.InstallPlugin{
		Plugin:      m.Plugin(),
		Services:    svcs,
		Defaults:    defaults,
		IfNotExists: opts.IfNotExists,
		Now:         time.Now(),
	})
	if err != nil {
		return err
	}
	c.logger.Info().Str("plugin", key.String()).Int("services", len(svcs)).Msg("Plugin installed")

	return c.migrateAfterInstall(ctx, key, opts)
}

// migrateAfterInstall runs Up when requested; the plugin stays installed if
// it fails
func (c *Controller) migrateAfterInstall(ctx context.Context, key types.PluginKey, opts InstallOptions) error {
	if !opts.Migrate || c.cfg.Migrator == nil {
		return nil
	}
	return c.cfg.Migrator.Up(ctx, key.Name, key.Version)
}

// Remove removes an installed, disabled plugin version
func (c *Controller) Remove(ctx context.Context, name, version string, opts RemoveOptions) (err error) {
	timer := metrics.NewTimer()
	defer func() { observe("remove", timer, err) }()

	p, err := c.plugin(name, version)
	if err != nil {
		return err
	}
	if p.Enabled {
		return manager.FromCode(string(manager.CodeForbidden), "Remove of enabled plugin is forbidden")
	}
	if opts.DropData && len(p.Migrations) > 0 && c.cfg.Migrator != nil {
		if err := c.cfg.Migrator.Down(ctx, name, version); err != nil {
			return err
		}
	}

	if _, err := manager.Propose(ctx, c.cfg.Log, manager.OpRemovePlugin, manager.PluginRef{Name: name, Version: version}); err != nil {
		return err
	}
	c.logger.Info().Str("plugin", p.Key().String()).Msg("Plugin removed")
	return nil
}

// Enable enables name:version cluster wide. Services are started on every
// node of their tiers before the commit; any failure stops them again and
// leaves the plugin disabled.
func (c *Controller) Enable(ctx context.Context, name, version string, opts EnableOptions) (err error) {
	timer := metrics.NewTimer()
	defer func() { observe("enable", timer, err) }()
	timeout := opts.OnStartTimeout
	if timeout <= 0 {
		timeout = c.cfg.OnStartTimeout
	}

	p, err := c.plugin(name, version)
	if err != nil {
		return err
	}
	if err := c.checkEnable(p); err != nil {
		return err
	}

	svcs, err := c.cfg.Store.ListServices(name, version)
	if err != nil {
		return err
	}
	nodes, err := c.cfg.Store.ListNodes()
	if err != nil {
		return err
	}
	targets := make(map[string][]string)
	for _, node := range nodes {
		for _, svc := range svcs {
			if svc.HasTier(node.Tier) {
				targets[node.ID] = append(targets[node.ID], svc.Name)
			}
		}
	}

	op, index, err := c.beginOp(ctx, types.PluginOp{Kind: types.PluginOpEnable, Plugin: name, Version: version}, timeout)
	if err != nil {
		return err
	}

	if err := c.startOn(ctx, p.Key(), targets, index, timeout); err != nil {
		c.abort(ctx, op, p.Key(), targets)
		return fmt.Errorf("Error while enable the plugin: %w", err)
	}
	if _, err := manager.Propose(ctx, c.cfg.Log, manager.OpEnablePlugin, manager.EnablePlugin{Name: name, Version: version, OpID: op.ID}); err != nil {
		c.abort(ctx, op, p.Key(), targets)
		return err
	}

	c.logger.Info().Str("plugin", p.Key().String()).Int("nodes", len(targets)).Msg("Plugin enabled")
	return nil
}

func (c *Controller) checkEnable(p *types.Plugin) error {
	if p.Enabled {
		return manager.FromCode(string(manager.CodeConflict), fmt.Sprintf("plugin `%s` is already enabled", p.Key()))
	}
	plugins, err := c.cfg.Store.ListPlugins()
	if err != nil {
		return err
	}
	for _, other := range plugins {
		if other.Name == p.Name && other.Version != p.Version && other.Enabled {
			return manager.FromCode(string(manager.CodeConflict),
				fmt.Sprintf("another version of plugin `%s` is already enabled: %s", p.Name, other.Key()))
		}
	}
	applied, err := manager.AppliedMigrations(c.cfg.Store, p)
	if err != nil {
		return err
	}
	if applied < len(p.Migrations) {
		return manager.FromCode(string(manager.CodeInvalid),
			fmt.Sprintf("need to apply migrations first (applied %d/%d)", applied, len(p.Migrations)))
	}
	return nil
}

// Disable disables name:version. Routes are removed with the commit;
// services are then stopped best effort.
func (c *Controller) Disable(ctx context.Context, name, version string) (err error) {
	timer := metrics.NewTimer()
	defer func() { observe("disable", timer, err) }()

	p, err := c.plugin(name, version)
	if err != nil {
		return err
	}
	if !p.Enabled {
		return nil
	}

	targets := make(map[string][]string)
	routes, err := c.cfg.Store.ListRoutes()
	if err != nil {
		return err
	}
	for _, r := range routes {
		if r.Plugin == name && r.Version == version {
			targets[r.NodeID] = append(targets[r.NodeID], r.Service)
		}
	}

	if _, err := manager.Propose(ctx, c.cfg.Log, manager.OpDisablePlugin, manager.PluginRef{Name: name, Version: version}); err != nil {
		return err
	}
	c.stopOn(ctx, p.Key(), targets)
	c.logger.Info().Str("plugin", p.Key().String()).Msg("Plugin disabled")
	return nil
}

// AppendTier assigns tier to a service. For enabled plugins the service is
// started on the nodes of the tier before the commit.
func (c *Controller) AppendTier(ctx context.Context, name, version, service, tier string) (err error) {
	timer := metrics.NewTimer()
	defer func() { observe("append_tier", timer, err) }()

	key := types.ServiceKey{Plugin: name, Version: version, Service: service}
	p, svc, err := c.topologyTarget(key, tier)
	if err != nil {
		return err
	}
	if svc.HasTier(tier) {
		return nil
	}
	update := manager.UpdateTiers{Key: key, Tier: tier, Append: true}
	if !p.Enabled {
		_, err := manager.Propose(ctx, c.cfg.Log, manager.OpUpdateTiers, update)
		return err
	}

	targets, err := c.tierTargets(tier, service)
	if err != nil {
		return err
	}
	op, index, err := c.beginOp(ctx, types.PluginOp{
		Kind: types.PluginOpTopology, Plugin: name, Version: version, Service: service, Tier: tier,
	}, c.cfg.OnStartTimeout)
	if err != nil {
		return err
	}

	if err := c.startOn(ctx, p.Key(), targets, index, c.cfg.OnStartTimeout); err != nil {
		c.abort(ctx, op, p.Key(), targets)
		return fmt.Errorf("Error while update plugin topology: %w", err)
	}
	update.OpID = op.ID
	if _, err := manager.Propose(ctx, c.cfg.Log, manager.OpUpdateTiers, update); err != nil {
		c.abort(ctx, op, p.Key(), targets)
		return err
	}
	c.logger.Info().Str("service", key.String()).Str("tier", tier).Msg("Tier appended")
	return nil
}

// RemoveTier unassigns tier from a service and stops it on the nodes of
// that tier best effort
func (c *Controller) RemoveTier(ctx context.Context, name, version, service, tier string) (err error) {
	timer := metrics.NewTimer()
	defer func() { observe("remove_tier", timer, err) }()

	key := types.ServiceKey{Plugin: name, Version: version, Service: service}
	p, svc, err := c.topologyTarget(key, tier)
	if err != nil {
		return err
	}
	if !svc.HasTier(tier) {
		return nil
	}
	targets, err := c.tierTargets(tier, service)
	if err != nil {
		return err
	}

	if _, err := manager.Propose(ctx, c.cfg.Log, manager.OpUpdateTiers, manager.UpdateTiers{Key: key, Tier: tier}); err != nil {
		return err
	}
	if p.Enabled {
		c.stopOn(ctx, p.Key(), targets)
	}
	c.logger.Info().Str("service", key.String()).Str("tier", tier).Msg("Tier removed")
	return nil
}

func (c *Controller) topologyTarget(key types.ServiceKey, tier string) (*types.Plugin, *types.ServiceDef, error) {
	svc, err := c.cfg.Store.GetService(key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil, manager.FromCode(string(manager.CodeNotFound),
				fmt.Sprintf("Service `%s` for plugin `%s` not found", key.Service, key.PluginKey()))
		}
		return nil, nil, err
	}
	p, err := c.plugin(key.Plugin, key.Version)
	if err != nil {
		return nil, nil, err
	}
	if _, err := c.cfg.Store.GetTier(tier); err != nil {
		if storage.IsNotFound(err) {
			return nil, nil, manager.FromCode(string(manager.CodeNotFound), fmt.Sprintf("tier `%s` not found", tier))
		}
		return nil, nil, err
	}
	return p, svc, nil
}

// tierTargets maps every node of tier to service
func (c *Controller) tierTargets(tier, service string) (map[string][]string, error) {
	nodes, err := c.cfg.Store.ListNodes()
	if err != nil {
		return nil, err
	}
	targets := make(map[string][]string)
	for _, node := range nodes {
		if node.Tier == tier {
			targets[node.ID] = []string{service}
		}
	}
	return targets, nil
}

// UpdateConfig merges values into the committed configuration of a service,
// validates the result and commits it. The returned configuration carries
// the commit revision.
func (c *Controller) UpdateConfig(ctx context.Context, name, version, service string, values map[string]any) (cfg *types.ServiceConfig, err error) {
	timer := metrics.NewTimer()
	defer func() { observe("update_config", timer, err) }()

	key := types.ServiceKey{Plugin: name, Version: version, Service: service}
	svc, err := c.cfg.Store.GetService(key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, manager.FromCode(string(manager.CodeNotFound),
				fmt.Sprintf("Service `%s` for plugin `%s` not found", service, key.PluginKey()))
		}
		return nil, err
	}

	update, err := manifest.NormalizeValues(values)
	if err != nil {
		return nil, fmt.Errorf("New configuration validation error: %w", err)
	}
	var base map[string]any
	var revision uint64
	if cur, err := c.cfg.Store.GetConfig(key); err == nil {
		base, revision = cur.Values, cur.Revision
	} else if !storage.IsNotFound(err) {
		return nil, err
	}
	merged := types.MergeValues(base, update)

	if err := manifest.ValidateConfig(svc.Schema, merged); err != nil {
		return nil, fmt.Errorf("New configuration validation error: %w", err)
	}
	if c.cfg.Validator != nil {
		if err := c.cfg.Validator.Validate(ctx, key, merged); err != nil {
			return nil, fmt.Errorf("New configuration validation error: %w", err)
		}
	}

	index, err := manager.Propose(ctx, c.cfg.Log, manager.OpUpdateConfig, manager.UpdateConfig{
		Key:            key,
		Values:         merged,
		ExpectRevision: revision,
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("service", key.String()).Uint64("revision", index).Msg("Configuration updated")
	return &types.ServiceConfig{Plugin: name, Version: version, Service: service, Values: merged, Revision: index}, nil
}

// GetConfig returns the committed configuration of a service
func (c *Controller) GetConfig(name, version, service string) (*types.ServiceConfig, error) {
	key := types.ServiceKey{Plugin: name, Version: version, Service: service}
	cfg, err := c.cfg.Store.GetConfig(key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, manager.FromCode(string(manager.CodeNotFound),
				fmt.Sprintf("Service `%s` for plugin `%s` not found", service, key.PluginKey()))
		}
		return nil, err
	}
	return cfg, nil
}

// Get returns an installed plugin version
func (c *Controller) Get(name, version string) (*types.Plugin, error) {
	return c.plugin(name, version)
}

// List returns installed plugins sorted by name, then by semantic version
func (c *Controller) List() ([]*types.Plugin, error) {
	plugins, err := c.cfg.Store.ListPlugins()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(plugins, func(i, j int) bool {
		if plugins[i].Name != plugins[j].Name {
			return plugins[i].Name < plugins[j].Name
		}
		return manifest.CompareVersions(plugins[i].Version, plugins[j].Version) < 0
	})
	return plugins, nil
}

// Services returns the services of a plugin version
func (c *Controller) Services(name, version string) ([]*types.ServiceDef, error) {
	if _, err := c.plugin(name, version); err != nil {
		return nil, err
	}
	return c.cfg.Store.ListServices(name, version)
}

func (c *Controller) plugin(name, version string) (*types.Plugin, error) {
	p, err := c.cfg.Store.GetPlugin(name, version)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, manager.FromCode(string(manager.CodeNotFound),
				fmt.Sprintf("Plugin `%s` not found", types.PluginKey{Name: name, Version: version}))
		}
		return nil, err
	}
	return p, nil
}

// beginOp records a pending plugin operation and returns its commit index
func (c *Controller) beginOp(ctx context.Context, op types.PluginOp, timeout time.Duration) (*types.PluginOp, uint64, error) {
	now := time.Now()
	op.ID = uuid.NewString()
	op.Coordinator = c.cfg.NodeID
	op.StartedAt = now
	op.Deadline = now.Add(timeout + opSlack)

	index, err := manager.Propose(ctx, c.cfg.Log, manager.OpBeginPluginOp, manager.BeginPluginOp{Op: op, Now: now})
	if err != nil {
		return nil, 0, err
	}
	return &op, index, nil
}

// abort stops the services started for op and clears it
func (c *Controller) abort(ctx context.Context, op *types.PluginOp, key types.PluginKey, targets map[string][]string) {
	ctx = context.WithoutCancel(ctx)
	c.stopOn(ctx, key, targets)
	if _, err := manager.Propose(ctx, c.cfg.Log, manager.OpEndPluginOp, manager.EndPluginOp{ID: op.ID}); err != nil {
		c.logger.Warn().Err(err).Str("op", op.ID).Msg("Failed to clear plugin operation")
	}
}

// startOn starts services on every target node concurrently. The first
// failure is returned as "node <id>: <reason>".
func (c *Controller) startOn(ctx context.Context, key types.PluginKey, targets map[string][]string, index uint64, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, nodeID := range sortedNodes(targets) {
		nodeID := nodeID
		req := ServicesRequest{Plugin: key.Name, Version: key.Version, Services: targets[nodeID], Index: index}
		g.Go(func() error {
			if err := c.cfg.Transport.Call(gctx, nodeID, MethodStartServices, req, nil); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					err = fmt.Errorf("timeout after %s", timeout)
				}
				return fmt.Errorf("node %s: %w", nodeID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// stopOn stops services on every target node; failures are logged
func (c *Controller) stopOn(ctx context.Context, key types.PluginKey, targets map[string][]string) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OnStartTimeout)
	defer cancel()

	var g errgroup.Group
	for _, nodeID := range sortedNodes(targets) {
		nodeID := nodeID
		req := ServicesRequest{Plugin: key.Name, Version: key.Version, Services: targets[nodeID]}
		g.Go(func() error {
			if err := c.cfg.Transport.Call(ctx, nodeID, MethodStopServices, req, nil); err != nil {
				c.logger.Warn().Err(err).Str("plugin", key.String()).Str("target", nodeID).Msg("Failed to stop services")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func sortedNodes(targets map[string][]string) []string {
	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
