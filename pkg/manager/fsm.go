package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/hashicorp/raft"
)

// DefaultBucketCount is the bucket count of tiers created implicitly
const DefaultBucketCount = 3000

// Change describes one committed state change. Watchers receive changes in
// log order; Restored marks a full state replacement from a snapshot.
type Change struct {
	Index    uint64
	Op       string
	Plugin   types.PluginKey
	Service  string
	NodeID   string
	Config   *types.ServiceConfig
	Restored bool
}

// FSM implements the Raft Finite State Machine for the plugin catalog.
// It applies log entries to the local store and handles snapshots.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store

	watchMu  sync.RWMutex
	watchers []func(Change)
}

// NewFSM creates a new FSM instance
func NewFSM(store storage.Store) *FSM {
	return &FSM{
		store: store,
	}
}

// Store returns the store the FSM writes to
func (f *FSM) Store() storage.Store {
	return f.store
}

// Watch registers fn to be called after every successfully applied command
// and after every restore. fn runs on the apply path: it must not block and
// must not propose.
func (f *FSM) Watch(fn func(Change)) {
	f.watchMu.Lock()
	defer f.watchMu.Unlock()
	f.watchers = append(f.watchers, fn)
}

func (f *FSM) notify(change Change) {
	f.watchMu.RLock()
	defer f.watchMu.RUnlock()
	for _, fn := range f.watchers {
		fn(change)
	}
}

// Apply applies a Raft log entry to the FSM.
// This is called by Raft when a log entry is committed.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	f.mu.Lock()

	applied, err := f.store.AppliedIndex()
	if err != nil {
		f.mu.Unlock()
		return err
	}
	if log.Index != 0 && log.Index <= applied {
		// Already in the store; raft replays entries after a restart
		f.mu.Unlock()
		return nil
	}

	change := Change{Index: log.Index, Op: cmd.Op}
	err = f.store.Update(func(tx storage.Tx) error {
		if err := f.apply(tx, log.Index, &cmd, &change); err != nil {
			return err
		}
		return tx.SetAppliedIndex(log.Index)
	})
	if err != nil {
		if idxErr := f.store.Update(func(tx storage.Tx) error {
			return tx.SetAppliedIndex(log.Index)
		}); idxErr != nil {
			err = fmt.Errorf("%w (and failed to record applied index: %v)", err, idxErr)
		}
		f.mu.Unlock()
		metrics.CommandsApplied.WithLabelValues(cmd.Op, "rejected").Inc()
		return err
	}
	f.mu.Unlock()

	metrics.CommandsApplied.WithLabelValues(cmd.Op, "ok").Inc()
	metrics.AppliedIndex.Set(float64(log.Index))
	f.notify(change)
	return nil
}

func decode[T any](data json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errorf(CodeInvalid, "malformed command payload: %v", err)
	}
	return &v, nil
}

func (f *FSM) apply(tx storage.Tx, index uint64, cmd *Command, change *Change) error {
	switch cmd.Op {
	// Catalog operations
	case OpInstallPlugin:
		c, err := decode[InstallPlugin](cmd.Data)
		if err != nil {
			return err
		}
		change.Plugin = c.Plugin.Key()
		return applyInstall(tx, index, c)

	case OpRemovePlugin:
		c, err := decode[PluginRef](cmd.Data)
		if err != nil {
			return err
		}
		change.Plugin = types.PluginKey{Name: c.Name, Version: c.Version}
		return applyRemove(tx, c)

	case OpEnablePlugin:
		c, err := decode[EnablePlugin](cmd.Data)
		if err != nil {
			return err
		}
		change.Plugin = types.PluginKey{Name: c.Name, Version: c.Version}
		return applyEnable(tx, c)

	case OpDisablePlugin:
		c, err := decode[PluginRef](cmd.Data)
		if err != nil {
			return err
		}
		change.Plugin = types.PluginKey{Name: c.Name, Version: c.Version}
		return applyDisable(tx, c)

	// Plugin operations
	case OpBeginPluginOp:
		c, err := decode[BeginPluginOp](cmd.Data)
		if err != nil {
			return err
		}
		change.Plugin = types.PluginKey{Name: c.Op.Plugin, Version: c.Op.Version}
		cur, err := tx.GetPluginOp()
		if err != nil {
			return err
		}
		if cur != nil && !cur.Expired(c.Now) {
			return errorf(CodeOpPending, "another plugin operation is in progress: %s of %s:%s",
				cur.Kind, cur.Plugin, cur.Version)
		}
		return tx.PutPluginOp(&c.Op)

	case OpEndPluginOp:
		c, err := decode[EndPluginOp](cmd.Data)
		if err != nil {
			return err
		}
		cur, err := tx.GetPluginOp()
		if err != nil || cur == nil || cur.ID != c.ID {
			return err
		}
		change.Plugin = types.PluginKey{Name: cur.Plugin, Version: cur.Version}
		return tx.DeletePluginOp()

	// Topology operations
	case OpUpdateTiers:
		c, err := decode[UpdateTiers](cmd.Data)
		if err != nil {
			return err
		}
		change.Plugin = c.Key.PluginKey()
		change.Service = c.Key.Service
		return applyUpdateTiers(tx, c)

	case OpPutRoute:
		c, err := decode[PutRoute](cmd.Data)
		if err != nil {
			return err
		}
		change.Plugin = c.Route.ServiceKey().PluginKey()
		change.Service = c.Route.Service
		change.NodeID = c.Route.NodeID
		return applyPutRoute(tx, c)

	case OpDeleteRoute:
		c, err := decode[DeleteRoute](cmd.Data)
		if err != nil {
			return err
		}
		change.Plugin = c.Key.PluginKey()
		change.Service = c.Key.Service
		change.NodeID = c.NodeID
		return tx.DeleteRoute(c.Key, c.NodeID)

	// Configuration
	case OpUpdateConfig:
		c, err := decode[UpdateConfig](cmd.Data)
		if err != nil {
			return err
		}
		change.Plugin = c.Key.PluginKey()
		change.Service = c.Key.Service
		cfg, err := applyUpdateConfig(tx, index, c)
		if err != nil {
			return err
		}
		change.Config = cfg
		return nil

	// Migrations
	case OpAcquireMigrationLock:
		c, err := decode[AcquireMigrationLock](cmd.Data)
		if err != nil {
			return err
		}
		change.Plugin = types.PluginKey{Name: c.Plugin, Version: c.Version}
		change.NodeID = c.Node
		return applyAcquireLock(tx, c)

	case OpReleaseMigrationLock:
		c, err := decode[ReleaseMigrationLock](cmd.Data)
		if err != nil {
			return err
		}
		change.NodeID = c.Node
		if err := checkLockHolder(tx, c.Node); err != nil {
			return err
		}
		return tx.PutMigrationLock(&types.MigrationLock{})

	case OpRecordMigration:
		c, err := decode[RecordMigration](cmd.Data)
		if err != nil {
			return err
		}
		change.Plugin = types.PluginKey{Name: c.Record.Plugin, Version: c.Record.Version}
		change.NodeID = c.Node
		return applyRecordMigration(tx, c)

	case OpDeleteMigration:
		c, err := decode[DeleteMigration](cmd.Data)
		if err != nil {
			return err
		}
		change.Plugin = types.PluginKey{Name: c.Plugin}
		change.NodeID = c.Node
		if err := checkLockHolder(tx, c.Node); err != nil {
			return err
		}
		return tx.DeleteMigration(c.Plugin, c.File)

	// Cluster layout
	case OpPutTier:
		c, err := decode[PutTier](cmd.Data)
		if err != nil {
			return err
		}
		if c.Tier.Name == "" {
			return errorf(CodeInvalid, "tier name cannot be empty")
		}
		if c.Tier.BucketCount == 0 {
			c.Tier.BucketCount = DefaultBucketCount
		}
		return tx.PutTier(&c.Tier)

	case OpRegisterNode:
		c, err := decode[RegisterNode](cmd.Data)
		if err != nil {
			return err
		}
		change.NodeID = c.Node.ID
		return applyRegisterNode(tx, c)

	case OpNodeHeartbeat:
		c, err := decode[NodeHeartbeat](cmd.Data)
		if err != nil {
			return err
		}
		change.NodeID = c.NodeID
		node, err := tx.GetNode(c.NodeID)
		if err != nil {
			return nodeNotFound(c.NodeID, err)
		}
		node.LastHeartbeat = c.Now
		node.Status = types.NodeStatusOnline
		return tx.PutNode(node)

	case OpSetNodeStatus:
		c, err := decode[SetNodeStatus](cmd.Data)
		if err != nil {
			return err
		}
		change.NodeID = c.NodeID
		node, err := tx.GetNode(c.NodeID)
		if err != nil {
			return nodeNotFound(c.NodeID, err)
		}
		node.Status = c.Status
		return tx.PutNode(node)

	case OpPutReplicaset:
		c, err := decode[PutReplicaset](cmd.Data)
		if err != nil {
			return err
		}
		if c.Replicaset.ID == "" {
			return errorf(CodeInvalid, "replicaset id cannot be empty")
		}
		return tx.PutReplicaset(&c.Replicaset)

	case OpSetReplicasetMaster:
		c, err := decode[SetReplicasetMaster](cmd.Data)
		if err != nil {
			return err
		}
		change.NodeID = c.MasterID
		rs, err := tx.GetReplicaset(c.ReplicasetID)
		if err != nil {
			if storage.IsNotFound(err) {
				return errorf(CodeNotFound, "replicaset with replicaset_id %q not found", c.ReplicasetID)
			}
			return err
		}
		node, err := tx.GetNode(c.MasterID)
		if err != nil {
			return nodeNotFound(c.MasterID, err)
		}
		if node.ReplicasetID != rs.ID {
			return errorf(CodeInvalid, "node %s is not a member of replicaset %s", node.ID, rs.ID)
		}
		rs.MasterID = c.MasterID
		return tx.PutReplicaset(rs)

	default:
		return errorf(CodeInvalid, "unknown command: %s", cmd.Op)
	}
}

func pluginNotFound(key types.PluginKey, err error) error {
	if storage.IsNotFound(err) {
		return errorf(CodeNotFound, "Plugin `%s` not found", key)
	}
	return err
}

func serviceNotFound(key types.ServiceKey, err error) error {
	if storage.IsNotFound(err) {
		return errorf(CodeNotFound, "Service `%s` for plugin `%s` not found", key.Service, key.PluginKey())
	}
	return err
}

func nodeNotFound(id string, err error) error {
	if storage.IsNotFound(err) {
		return errorf(CodeNotFound, "instance with instance_id %q not found", id)
	}
	return err
}

// AppliedMigrations counts the migration files of p that have a record
func AppliedMigrations(r storage.Reader, p *types.Plugin) (int, error) {
	records, err := r.ListMigrations(p.Name)
	if err != nil {
		return 0, err
	}
	recorded := make(map[string]bool, len(records))
	for _, rec := range records {
		recorded[rec.File] = true
	}
	applied := 0
	for _, file := range p.Migrations {
		if recorded[file] {
			applied++
		}
	}
	return applied, nil
}

func applyInstall(tx storage.Tx, index uint64, c *InstallPlugin) error {
	key := c.Plugin.Key()
	if _, err := tx.GetPlugin(key.Name, key.Version); err == nil {
		if c.IfNotExists {
			return nil
		}
		return errorf(CodeExists, "plugin `%s` is already installed", key)
	} else if !storage.IsNotFound(err) {
		return err
	}

	p := c.Plugin
	p.Enabled = false
	p.InstalledAt = c.Now
	if err := tx.PutPlugin(&p); err != nil {
		return err
	}

	for _, svc := range c.Services {
		svc.Plugin = p.Name
		svc.Version = p.Version
		if err := tx.PutService(svc); err != nil {
			return err
		}
		cfg := &types.ServiceConfig{
			Plugin:   p.Name,
			Version:  p.Version,
			Service:  svc.Name,
			Values:   c.Defaults[svc.Name],
			Revision: index,
		}
		if err := tx.PutConfig(cfg); err != nil {
			return err
		}
	}
	return nil
}

func applyRemove(tx storage.Tx, c *PluginRef) error {
	key := types.PluginKey{Name: c.Name, Version: c.Version}
	p, err := tx.GetPlugin(c.Name, c.Version)
	if err != nil {
		return pluginNotFound(key, err)
	}
	if p.Enabled {
		return errorf(CodeForbidden, "Remove of enabled plugin is forbidden")
	}
	applied, err := AppliedMigrations(tx, p)
	if err != nil {
		return err
	}
	if applied > 0 {
		return errorf(CodeForbidden, "attempt to remove plugin `%s` with applied migrations (applied %d/%d)",
			key, applied, len(p.Migrations))
	}

	svcs, err := tx.ListServices(c.Name, c.Version)
	if err != nil {
		return err
	}
	for _, svc := range svcs {
		if err := deleteServiceRoutes(tx, svc.Key()); err != nil {
			return err
		}
		if err := tx.DeleteConfig(svc.Key()); err != nil {
			return err
		}
		if err := tx.DeleteService(svc.Key()); err != nil {
			return err
		}
	}
	return tx.DeletePlugin(c.Name, c.Version)
}

func applyEnable(tx storage.Tx, c *EnablePlugin) error {
	key := types.PluginKey{Name: c.Name, Version: c.Version}
	p, err := tx.GetPlugin(c.Name, c.Version)
	if err != nil {
		return pluginNotFound(key, err)
	}
	if p.Enabled {
		return errorf(CodeConflict, "plugin `%s` is already enabled", key)
	}

	plugins, err := tx.ListPlugins()
	if err != nil {
		return err
	}
	for _, other := range plugins {
		if other.Name == p.Name && other.Version != p.Version && other.Enabled {
			return errorf(CodeConflict, "another version of plugin `%s` is already enabled: %s", p.Name, other.Key())
		}
	}

	applied, err := AppliedMigrations(tx, p)
	if err != nil {
		return err
	}
	if applied < len(p.Migrations) {
		return errorf(CodeInvalid, "need to apply migrations first (applied %d/%d)", applied, len(p.Migrations))
	}

	if c.OpID != "" {
		if err := consumePluginOp(tx, c.OpID); err != nil {
			return err
		}
	}

	p.Enabled = true
	if err := tx.PutPlugin(p); err != nil {
		return err
	}

	svcs, err := tx.ListServices(p.Name, p.Version)
	if err != nil {
		return err
	}
	nodes, err := tx.ListNodes()
	if err != nil {
		return err
	}
	for _, svc := range svcs {
		for _, node := range nodes {
			if !svc.HasTier(node.Tier) {
				continue
			}
			if err := tx.PutRoute(&types.Route{Plugin: p.Name, Version: p.Version, Service: svc.Name, NodeID: node.ID}); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyDisable(tx storage.Tx, c *PluginRef) error {
	key := types.PluginKey{Name: c.Name, Version: c.Version}
	p, err := tx.GetPlugin(c.Name, c.Version)
	if err != nil {
		return pluginNotFound(key, err)
	}
	if !p.Enabled {
		return nil
	}
	p.Enabled = false
	if err := tx.PutPlugin(p); err != nil {
		return err
	}

	svcs, err := tx.ListServices(c.Name, c.Version)
	if err != nil {
		return err
	}
	for _, svc := range svcs {
		if err := deleteServiceRoutes(tx, svc.Key()); err != nil {
			return err
		}
	}
	return nil
}

func deleteServiceRoutes(tx storage.Tx, key types.ServiceKey) error {
	routes, err := tx.ListServiceRoutes(key)
	if err != nil {
		return err
	}
	for _, r := range routes {
		if err := tx.DeleteRoute(key, r.NodeID); err != nil {
			return err
		}
	}
	return nil
}

func consumePluginOp(tx storage.Tx, id string) error {
	cur, err := tx.GetPluginOp()
	if err != nil {
		return err
	}
	if cur == nil || cur.ID != id {
		return errorf(CodeConflict, "plugin operation %s is no longer pending", id)
	}
	return tx.DeletePluginOp()
}

func applyUpdateTiers(tx storage.Tx, c *UpdateTiers) error {
	svc, err := tx.GetService(c.Key)
	if err != nil {
		return serviceNotFound(c.Key, err)
	}
	if _, err := tx.GetTier(c.Tier); err != nil {
		if storage.IsNotFound(err) {
			return errorf(CodeNotFound, "tier `%s` not found", c.Tier)
		}
		return err
	}
	if c.OpID != "" {
		if err := consumePluginOp(tx, c.OpID); err != nil {
			return err
		}
	}

	if c.Append == svc.HasTier(c.Tier) {
		return nil
	}
	if c.Append {
		svc.Tiers = append(svc.Tiers, c.Tier)
	} else {
		tiers := svc.Tiers[:0]
		for _, t := range svc.Tiers {
			if t != c.Tier {
				tiers = append(tiers, t)
			}
		}
		svc.Tiers = tiers
	}
	if err := tx.PutService(svc); err != nil {
		return err
	}

	p, err := tx.GetPlugin(c.Key.Plugin, c.Key.Version)
	if err != nil {
		return pluginNotFound(c.Key.PluginKey(), err)
	}
	if !p.Enabled {
		return nil
	}

	nodes, err := tx.ListNodes()
	if err != nil {
		return err
	}
	for _, node := range nodes {
		if node.Tier != c.Tier {
			continue
		}
		if c.Append {
			err = tx.PutRoute(&types.Route{Plugin: c.Key.Plugin, Version: c.Key.Version, Service: c.Key.Service, NodeID: node.ID})
		} else {
			err = tx.DeleteRoute(c.Key, node.ID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// applyPutRoute ignores routes that no longer match the target state; they
// come from reconcilers racing with disable or topology changes
func applyPutRoute(tx storage.Tx, c *PutRoute) error {
	r := c.Route
	p, err := tx.GetPlugin(r.Plugin, r.Version)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}
	if !p.Enabled {
		return nil
	}
	svc, err := tx.GetService(r.ServiceKey())
	if err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}
	node, err := tx.GetNode(r.NodeID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}
	if !svc.HasTier(node.Tier) {
		return nil
	}
	return tx.PutRoute(&r)
}

func applyUpdateConfig(tx storage.Tx, index uint64, c *UpdateConfig) (*types.ServiceConfig, error) {
	if _, err := tx.GetService(c.Key); err != nil {
		return nil, serviceNotFound(c.Key, err)
	}
	var revision uint64
	cur, err := tx.GetConfig(c.Key)
	if err == nil {
		revision = cur.Revision
	} else if !storage.IsNotFound(err) {
		return nil, err
	}
	if revision != c.ExpectRevision {
		return nil, errorf(CodeConflict, "configuration of %s changed concurrently (revision %d, expected %d)",
			c.Key, revision, c.ExpectRevision)
	}

	cfg := &types.ServiceConfig{
		Plugin:   c.Key.Plugin,
		Version:  c.Key.Version,
		Service:  c.Key.Service,
		Values:   c.Values,
		Revision: index,
	}
	if err := tx.PutConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyAcquireLock(tx storage.Tx, c *AcquireMigrationLock) error {
	lock, err := tx.GetMigrationLock()
	if err != nil {
		return err
	}
	if lock.Held() {
		holder, err := tx.GetNode(lock.Holder)
		if err != nil && !storage.IsNotFound(err) {
			return err
		}
		// Forced release only when the holder is known to be offline
		if err == nil && holder.Online() {
			return errorf(CodeLockHeld, "lock already acquired by %s", lock.Holder)
		}
	}
	return tx.PutMigrationLock(&types.MigrationLock{
		Holder:     c.Node,
		Plugin:     c.Plugin,
		Version:    c.Version,
		Op:         c.Op,
		AcquiredAt: c.Now,
	})
}

func checkLockHolder(tx storage.Tx, node string) error {
	lock, err := tx.GetMigrationLock()
	if err != nil {
		return err
	}
	if lock.Holder != node {
		return errorf(CodeLockLost, "lock already released")
	}
	return nil
}

func applyRecordMigration(tx storage.Tx, c *RecordMigration) error {
	if err := checkLockHolder(tx, c.Node); err != nil {
		return err
	}
	records, err := tx.ListMigrations(c.Record.Plugin)
	if err != nil {
		return err
	}
	rec := c.Record
	rec.Seq = 1
	for _, r := range records {
		if r.File == rec.File {
			return errorf(CodeExists, "migration %s of plugin %s is already recorded", rec.File, rec.Plugin)
		}
		if r.Seq >= rec.Seq {
			rec.Seq = r.Seq + 1
		}
	}
	return tx.PutMigration(&rec)
}

func applyRegisterNode(tx storage.Tx, c *RegisterNode) error {
	node := c.Node
	if node.ID == "" {
		return errorf(CodeInvalid, "node id cannot be empty")
	}
	if node.Tier == "" {
		return errorf(CodeInvalid, "node %s has no tier", node.ID)
	}

	if existing, err := tx.GetNode(node.ID); err == nil {
		node.JoinedAt = existing.JoinedAt
	} else if !storage.IsNotFound(err) {
		return err
	}
	if node.Status == "" {
		node.Status = types.NodeStatusOnline
	}

	if _, err := tx.GetTier(node.Tier); storage.IsNotFound(err) {
		if err := tx.PutTier(&types.Tier{Name: node.Tier, BucketCount: DefaultBucketCount}); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if node.ReplicasetID != "" {
		rs, err := tx.GetReplicaset(node.ReplicasetID)
		switch {
		case storage.IsNotFound(err):
			rs = &types.Replicaset{ID: node.ReplicasetID, Tier: node.Tier, MasterID: node.ID}
		case err != nil:
			return err
		case rs.Tier != node.Tier:
			return errorf(CodeInvalid, "replicaset %s belongs to tier %s, node %s is in tier %s",
				rs.ID, rs.Tier, node.ID, node.Tier)
		case rs.MasterID == "":
			rs.MasterID = node.ID
		}
		if err := tx.PutReplicaset(rs); err != nil {
			return err
		}
	}

	return tx.PutNode(&node)
}

// Snapshot creates a point-in-time snapshot of the FSM.
// This is called periodically by Raft to compact the log.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap, err := f.store.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot store: %v", err)
	}
	return &fsmSnapshot{state: snap}, nil
}

// Restore replaces the FSM state with a snapshot.
// This is called when a node restarts or falls behind a compacted log.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap storage.Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	err := f.store.Restore(&snap)
	f.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to restore snapshot: %v", err)
	}

	metrics.AppliedIndex.Set(float64(snap.Index))
	f.notify(Change{Index: snap.Index, Restored: true})
	return nil
}

// fsmSnapshot is a point-in-time snapshot of cluster state
type fsmSnapshot struct {
	state *storage.Snapshot
}

// Persist writes the snapshot to the given SnapshotSink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.state); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *fsmSnapshot) Release() {}
