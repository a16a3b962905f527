package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/hutch/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketPlugins     = []byte("plugins")
	bucketServices    = []byte("services")
	bucketConfigs     = []byte("configs")
	bucketRoutes      = []byte("routes")
	bucketMigrations  = []byte("migrations")
	bucketTiers       = []byte("tiers")
	bucketNodes       = []byte("nodes")
	bucketReplicasets = []byte("replicasets")
	bucketMeta        = []byte("meta")

	allBuckets = [][]byte{
		bucketPlugins,
		bucketServices,
		bucketConfigs,
		bucketRoutes,
		bucketMigrations,
		bucketTiers,
		bucketNodes,
		bucketReplicasets,
		bucketMeta,
	}

	// Meta keys
	keyMigrationLock = []byte("migration_lock")
	keyPluginOp      = []byte("plugin_op")
	keyAppliedIndex  = []byte("applied_index")
)

const keySep = "\x00"

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hutch.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// View runs fn in a read-only transaction
func (s *BoltStore) View(fn func(r Reader) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Update runs fn in a read-write transaction
func (s *BoltStore) Update(fn func(tx Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Snapshot dumps every bucket into a Snapshot
func (s *BoltStore) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{}
	err := s.View(func(r Reader) error {
		var err error
		if snap.Index, err = r.AppliedIndex(); err != nil {
			return err
		}
		if snap.Plugins, err = r.ListPlugins(); err != nil {
			return err
		}
		if snap.Services, err = r.ListServices("", ""); err != nil {
			return err
		}
		if snap.Configs, err = r.ListConfigs(); err != nil {
			return err
		}
		if snap.Routes, err = r.ListRoutes(); err != nil {
			return err
		}
		if snap.Migrations, err = r.ListMigrations(""); err != nil {
			return err
		}
		if snap.Lock, err = r.GetMigrationLock(); err != nil {
			return err
		}
		if snap.PluginOp, err = r.GetPluginOp(); err != nil {
			return err
		}
		if snap.Tiers, err = r.ListTiers(); err != nil {
			return err
		}
		if snap.Nodes, err = r.ListNodes(); err != nil {
			return err
		}
		snap.Replicasets, err = r.ListReplicasets()
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Restore drops all state and loads snap in a single transaction
func (s *BoltStore) Restore(snap *Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if err := tx.DeleteBucket(bucket); err != nil && err != bolt.ErrBucketNotFound {
				return fmt.Errorf("failed to drop bucket %s: %w", bucket, err)
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		w := &boltTx{tx: tx}
		for _, p := range snap.Plugins {
			if err := w.PutPlugin(p); err != nil {
				return err
			}
		}
		for _, svc := range snap.Services {
			if err := w.PutService(svc); err != nil {
				return err
			}
		}
		for _, c := range snap.Configs {
			if err := w.PutConfig(c); err != nil {
				return err
			}
		}
		for _, r := range snap.Routes {
			if err := w.PutRoute(r); err != nil {
				return err
			}
		}
		for _, m := range snap.Migrations {
			if err := w.PutMigration(m); err != nil {
				return err
			}
		}
		if snap.Lock != nil {
			if err := w.PutMigrationLock(snap.Lock); err != nil {
				return err
			}
		}
		if snap.PluginOp != nil {
			if err := w.PutPluginOp(snap.PluginOp); err != nil {
				return err
			}
		}
		for _, t := range snap.Tiers {
			if err := w.PutTier(t); err != nil {
				return err
			}
		}
		for _, n := range snap.Nodes {
			if err := w.PutNode(n); err != nil {
				return err
			}
		}
		for _, rs := range snap.Replicasets {
			if err := w.PutReplicaset(rs); err != nil {
				return err
			}
		}
		return w.SetAppliedIndex(snap.Index)
	})
}

// Read helpers. Each runs in its own read transaction.

func (s *BoltStore) GetPlugin(name, version string) (p *types.Plugin, err error) {
	err = s.View(func(r Reader) error { p, err = r.GetPlugin(name, version); return err })
	return p, err
}

func (s *BoltStore) ListPlugins() (ps []*types.Plugin, err error) {
	err = s.View(func(r Reader) error { ps, err = r.ListPlugins(); return err })
	return ps, err
}

func (s *BoltStore) GetService(key types.ServiceKey) (svc *types.ServiceDef, err error) {
	err = s.View(func(r Reader) error { svc, err = r.GetService(key); return err })
	return svc, err
}

func (s *BoltStore) ListServices(name, version string) (svcs []*types.ServiceDef, err error) {
	err = s.View(func(r Reader) error { svcs, err = r.ListServices(name, version); return err })
	return svcs, err
}

func (s *BoltStore) GetConfig(key types.ServiceKey) (c *types.ServiceConfig, err error) {
	err = s.View(func(r Reader) error { c, err = r.GetConfig(key); return err })
	return c, err
}

func (s *BoltStore) ListConfigs() (cs []*types.ServiceConfig, err error) {
	err = s.View(func(r Reader) error { cs, err = r.ListConfigs(); return err })
	return cs, err
}

func (s *BoltStore) GetRoute(key types.ServiceKey, nodeID string) (rt *types.Route, err error) {
	err = s.View(func(r Reader) error { rt, err = r.GetRoute(key, nodeID); return err })
	return rt, err
}

func (s *BoltStore) ListRoutes() (rts []*types.Route, err error) {
	err = s.View(func(r Reader) error { rts, err = r.ListRoutes(); return err })
	return rts, err
}

func (s *BoltStore) ListServiceRoutes(key types.ServiceKey) (rts []*types.Route, err error) {
	err = s.View(func(r Reader) error { rts, err = r.ListServiceRoutes(key); return err })
	return rts, err
}

func (s *BoltStore) ListMigrations(plugin string) (ms []*types.MigrationRecord, err error) {
	err = s.View(func(r Reader) error { ms, err = r.ListMigrations(plugin); return err })
	return ms, err
}

func (s *BoltStore) GetMigrationLock() (l *types.MigrationLock, err error) {
	err = s.View(func(r Reader) error { l, err = r.GetMigrationLock(); return err })
	return l, err
}

func (s *BoltStore) GetPluginOp() (op *types.PluginOp, err error) {
	err = s.View(func(r Reader) error { op, err = r.GetPluginOp(); return err })
	return op, err
}

func (s *BoltStore) GetTier(name string) (t *types.Tier, err error) {
	err = s.View(func(r Reader) error { t, err = r.GetTier(name); return err })
	return t, err
}

func (s *BoltStore) ListTiers() (ts []*types.Tier, err error) {
	err = s.View(func(r Reader) error { ts, err = r.ListTiers(); return err })
	return ts, err
}

func (s *BoltStore) GetNode(id string) (n *types.Node, err error) {
	err = s.View(func(r Reader) error { n, err = r.GetNode(id); return err })
	return n, err
}

func (s *BoltStore) ListNodes() (ns []*types.Node, err error) {
	err = s.View(func(r Reader) error { ns, err = r.ListNodes(); return err })
	return ns, err
}

func (s *BoltStore) GetReplicaset(id string) (rs *types.Replicaset, err error) {
	err = s.View(func(r Reader) error { rs, err = r.GetReplicaset(id); return err })
	return rs, err
}

func (s *BoltStore) ListReplicasets() (rss []*types.Replicaset, err error) {
	err = s.View(func(r Reader) error { rss, err = r.ListReplicasets(); return err })
	return rss, err
}

func (s *BoltStore) AppliedIndex() (index uint64, err error) {
	err = s.View(func(r Reader) error { index, err = r.AppliedIndex(); return err })
	return index, err
}

// boltTx adapts a bolt transaction to Tx
type boltTx struct {
	tx *bolt.Tx
}

func joinKey(parts ...string) []byte {
	return []byte(strings.Join(parts, keySep))
}

func serviceKey(k types.ServiceKey) []byte {
	return joinKey(k.Plugin, k.Version, k.Service)
}

func routeKey(k types.ServiceKey, nodeID string) []byte {
	return joinKey(k.Plugin, k.Version, k.Service, nodeID)
}

func put(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func get[T any](b *bolt.Bucket, key []byte, what string) (*T, error) {
	data := b.Get(key)
	if data == nil {
		return nil, fmt.Errorf("%s %q: %w", what, strings.ReplaceAll(string(key), keySep, "/"), ErrNotFound)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// list decodes every value whose key starts with prefix. A nil prefix lists
// the whole bucket.
func list[T any](b *bolt.Bucket, prefix []byte) ([]*T, error) {
	var out []*T
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return nil, err
		}
		out = append(out, &item)
	}
	return out, nil
}

func prefixOf(parts ...string) []byte {
	var nonEmpty []string
	for _, p := range parts {
		if p == "" {
			break
		}
		nonEmpty = append(nonEmpty, p)
	}
	if len(nonEmpty) == 0 {
		return nil
	}
	return append(joinKey(nonEmpty...), keySep...)
}

// Plugin operations
func (t *boltTx) GetPlugin(name, version string) (*types.Plugin, error) {
	return get[types.Plugin](t.tx.Bucket(bucketPlugins), joinKey(name, version), "plugin")
}

func (t *boltTx) ListPlugins() ([]*types.Plugin, error) {
	return list[types.Plugin](t.tx.Bucket(bucketPlugins), nil)
}

func (t *boltTx) PutPlugin(p *types.Plugin) error {
	return put(t.tx.Bucket(bucketPlugins), joinKey(p.Name, p.Version), p)
}

func (t *boltTx) DeletePlugin(name, version string) error {
	return t.tx.Bucket(bucketPlugins).Delete(joinKey(name, version))
}

// Service operations
func (t *boltTx) GetService(key types.ServiceKey) (*types.ServiceDef, error) {
	return get[types.ServiceDef](t.tx.Bucket(bucketServices), serviceKey(key), "service")
}

func (t *boltTx) ListServices(name, version string) ([]*types.ServiceDef, error) {
	return list[types.ServiceDef](t.tx.Bucket(bucketServices), prefixOf(name, version))
}

func (t *boltTx) PutService(s *types.ServiceDef) error {
	return put(t.tx.Bucket(bucketServices), serviceKey(s.Key()), s)
}

func (t *boltTx) DeleteService(key types.ServiceKey) error {
	return t.tx.Bucket(bucketServices).Delete(serviceKey(key))
}

// Config operations
func (t *boltTx) GetConfig(key types.ServiceKey) (*types.ServiceConfig, error) {
	return get[types.ServiceConfig](t.tx.Bucket(bucketConfigs), serviceKey(key), "config")
}

func (t *boltTx) ListConfigs() ([]*types.ServiceConfig, error) {
	return list[types.ServiceConfig](t.tx.Bucket(bucketConfigs), nil)
}

func (t *boltTx) PutConfig(c *types.ServiceConfig) error {
	key := types.ServiceKey{Plugin: c.Plugin, Version: c.Version, Service: c.Service}
	return put(t.tx.Bucket(bucketConfigs), serviceKey(key), c)
}

func (t *boltTx) DeleteConfig(key types.ServiceKey) error {
	return t.tx.Bucket(bucketConfigs).Delete(serviceKey(key))
}

// Route operations
func (t *boltTx) GetRoute(key types.ServiceKey, nodeID string) (*types.Route, error) {
	return get[types.Route](t.tx.Bucket(bucketRoutes), routeKey(key, nodeID), "route")
}

func (t *boltTx) ListRoutes() ([]*types.Route, error) {
	return list[types.Route](t.tx.Bucket(bucketRoutes), nil)
}

func (t *boltTx) ListServiceRoutes(key types.ServiceKey) ([]*types.Route, error) {
	return list[types.Route](t.tx.Bucket(bucketRoutes), prefixOf(key.Plugin, key.Version, key.Service))
}

func (t *boltTx) PutRoute(r *types.Route) error {
	return put(t.tx.Bucket(bucketRoutes), routeKey(r.ServiceKey(), r.NodeID), r)
}

func (t *boltTx) DeleteRoute(key types.ServiceKey, nodeID string) error {
	return t.tx.Bucket(bucketRoutes).Delete(routeKey(key, nodeID))
}

// Migration operations
func (t *boltTx) ListMigrations(plugin string) ([]*types.MigrationRecord, error) {
	records, err := list[types.MigrationRecord](t.tx.Bucket(bucketMigrations), prefixOf(plugin))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Plugin != records[j].Plugin {
			return records[i].Plugin < records[j].Plugin
		}
		return records[i].Seq < records[j].Seq
	})
	return records, nil
}

func (t *boltTx) PutMigration(m *types.MigrationRecord) error {
	return put(t.tx.Bucket(bucketMigrations), joinKey(m.Plugin, m.File), m)
}

func (t *boltTx) DeleteMigration(plugin, file string) error {
	return t.tx.Bucket(bucketMigrations).Delete(joinKey(plugin, file))
}

func (t *boltTx) GetMigrationLock() (*types.MigrationLock, error) {
	lock, err := get[types.MigrationLock](t.tx.Bucket(bucketMeta), keyMigrationLock, "migration lock")
	if IsNotFound(err) {
		return &types.MigrationLock{}, nil
	}
	return lock, err
}

func (t *boltTx) PutMigrationLock(l *types.MigrationLock) error {
	return put(t.tx.Bucket(bucketMeta), keyMigrationLock, l)
}

// Plugin operation record
func (t *boltTx) GetPluginOp() (*types.PluginOp, error) {
	op, err := get[types.PluginOp](t.tx.Bucket(bucketMeta), keyPluginOp, "plugin op")
	if IsNotFound(err) {
		return nil, nil
	}
	return op, err
}

func (t *boltTx) PutPluginOp(op *types.PluginOp) error {
	return put(t.tx.Bucket(bucketMeta), keyPluginOp, op)
}

func (t *boltTx) DeletePluginOp() error {
	return t.tx.Bucket(bucketMeta).Delete(keyPluginOp)
}

// Cluster layout
func (t *boltTx) GetTier(name string) (*types.Tier, error) {
	return get[types.Tier](t.tx.Bucket(bucketTiers), []byte(name), "tier")
}

func (t *boltTx) ListTiers() ([]*types.Tier, error) {
	return list[types.Tier](t.tx.Bucket(bucketTiers), nil)
}

func (t *boltTx) PutTier(tier *types.Tier) error {
	return put(t.tx.Bucket(bucketTiers), []byte(tier.Name), tier)
}

func (t *boltTx) GetNode(id string) (*types.Node, error) {
	return get[types.Node](t.tx.Bucket(bucketNodes), []byte(id), "node")
}

func (t *boltTx) ListNodes() ([]*types.Node, error) {
	return list[types.Node](t.tx.Bucket(bucketNodes), nil)
}

func (t *boltTx) PutNode(n *types.Node) error {
	return put(t.tx.Bucket(bucketNodes), []byte(n.ID), n)
}

func (t *boltTx) DeleteNode(id string) error {
	return t.tx.Bucket(bucketNodes).Delete([]byte(id))
}

func (t *boltTx) GetReplicaset(id string) (*types.Replicaset, error) {
	return get[types.Replicaset](t.tx.Bucket(bucketReplicasets), []byte(id), "replicaset")
}

func (t *boltTx) ListReplicasets() ([]*types.Replicaset, error) {
	return list[types.Replicaset](t.tx.Bucket(bucketReplicasets), nil)
}

func (t *boltTx) PutReplicaset(rs *types.Replicaset) error {
	return put(t.tx.Bucket(bucketReplicasets), []byte(rs.ID), rs)
}

// Applied index
func (t *boltTx) AppliedIndex() (uint64, error) {
	data := t.tx.Bucket(bucketMeta).Get(keyAppliedIndex)
	if len(data) != 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(data), nil
}

func (t *boltTx) SetAppliedIndex(index uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, index)
	return t.tx.Bucket(bucketMeta).Put(keyAppliedIndex, buf)
}
