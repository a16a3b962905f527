package types

import (
	"fmt"
	"sort"
	"time"
)

// Plugin is one installed version of a plugin. The catalog holds at most one
// record per (Name, Version); presence of the record means installed.
type Plugin struct {
	Name        string
	Version     string
	Description string
	Services    []string // declared service names, manifest order
	Migrations  []string // migration files, apply order
	Enabled     bool
	InstalledAt time.Time
}

// Key returns the catalog key of the plugin
func (p *Plugin) Key() PluginKey {
	return PluginKey{Name: p.Name, Version: p.Version}
}

// PluginKey identifies a plugin version
type PluginKey struct {
	Name    string
	Version string
}

func (k PluginKey) String() string {
	return k.Name + ":" + k.Version
}

// ServiceDef is a service declared by a plugin version together with the
// tiers it is assigned to
type ServiceDef struct {
	Plugin      string
	Version     string
	Name        string
	Description string
	Schema      []byte // optional JSON schema for the service configuration
	Tiers       []string
}

// Key returns the service key
func (s *ServiceDef) Key() ServiceKey {
	return ServiceKey{Plugin: s.Plugin, Version: s.Version, Service: s.Name}
}

// HasTier reports whether the service is assigned to tier
func (s *ServiceDef) HasTier(tier string) bool {
	for _, t := range s.Tiers {
		if t == tier {
			return true
		}
	}
	return false
}

// ServiceKey identifies a service of a plugin version
type ServiceKey struct {
	Plugin  string
	Version string
	Service string
}

func (k ServiceKey) String() string {
	return fmt.Sprintf("%s:%s.%s", k.Plugin, k.Version, k.Service)
}

// PluginKey returns the plugin version the service belongs to
func (k ServiceKey) PluginKey() PluginKey {
	return PluginKey{Name: k.Plugin, Version: k.Version}
}

// Route records that a node runs (or converges toward running) a service
type Route struct {
	Plugin   string
	Version  string
	Service  string
	NodeID   string
	Poisoned bool
}

// ServiceKey returns the key of the routed service
func (r *Route) ServiceKey() ServiceKey {
	return ServiceKey{Plugin: r.Plugin, Version: r.Version, Service: r.Service}
}

// ServiceConfig is the committed configuration of a service. Revision is the
// log index of the commit that produced Values.
type ServiceConfig struct {
	Plugin   string
	Version  string
	Service  string
	Values   map[string]any
	Revision uint64
}

// Clone returns a deep copy of the configuration values
func (c *ServiceConfig) Clone() map[string]any {
	return CloneValues(c.Values)
}

// CloneValues deep-copies a configuration map
func CloneValues(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneValues(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	default:
		return val
	}
}

// MergeValues overlays update on base and returns a new map
func MergeValues(base, update map[string]any) map[string]any {
	out := CloneValues(base)
	if out == nil {
		out = make(map[string]any, len(update))
	}
	for k, v := range update {
		out[k] = cloneValue(v)
	}
	return out
}

// MigrationRecord is written once a migration file has been applied
type MigrationRecord struct {
	Plugin    string
	File      string
	Checksum  string // MD5 of the file contents, hex encoded
	Version   string // plugin version that applied the file
	Seq       int    // position of the file in the applied sequence
	AppliedAt time.Time
}

// MigrationOp is the kind of migration operation holding the lock
type MigrationOp string

const (
	MigrationOpUp   MigrationOp = "up"
	MigrationOpDown MigrationOp = "down"
)

// MigrationLock is the cluster-wide migration mutex. An empty Holder means
// the lock is free.
type MigrationLock struct {
	Holder     string
	Plugin     string
	Version    string
	Op         MigrationOp
	AcquiredAt time.Time
}

// Held reports whether any node holds the lock
func (l *MigrationLock) Held() bool {
	return l != nil && l.Holder != ""
}

// MigrationState is the migration state of one plugin version
type MigrationState string

const (
	MigrationStateNone        MigrationState = "no_migrations"
	MigrationStateNotApplied  MigrationState = "not_applied"
	MigrationStateApplying    MigrationState = "applying"
	MigrationStateApplied     MigrationState = "applied"
	MigrationStateRollingBack MigrationState = "rolling_back"
)

// PluginOpKind is the kind of cluster-wide plugin operation
type PluginOpKind string

const (
	PluginOpEnable   PluginOpKind = "enable"
	PluginOpTopology PluginOpKind = "topology"
)

// PluginOp is an in-flight cluster-wide plugin operation. Nodes leave the
// plugin alone while the operation is pending.
type PluginOp struct {
	ID          string
	Kind        PluginOpKind
	Plugin      string
	Version     string
	Service     string
	Tier        string
	Coordinator string
	StartedAt   time.Time
	Deadline    time.Time
}

// Expired reports whether the operation deadline passed at now
func (o *PluginOp) Expired(now time.Time) bool {
	return !o.Deadline.IsZero() && now.After(o.Deadline)
}

// Tier is a named partition of cluster nodes
type Tier struct {
	Name        string
	BucketCount uint64
}

// Node is a cluster member
type Node struct {
	ID            string
	Tier          string
	ReplicasetID  string
	Address       string // rpc transport address
	RaftAddress   string
	Status        NodeStatus
	LastHeartbeat time.Time
	JoinedAt      time.Time
}

// NodeStatus is the liveness state of a node as observed by the cluster
type NodeStatus string

const (
	NodeStatusOnline  NodeStatus = "online"
	NodeStatusOffline NodeStatus = "offline"
)

// Online reports whether the node is considered live
func (n *Node) Online() bool {
	return n.Status == NodeStatusOnline
}

// Replicaset is a group of nodes holding the same shard
type Replicaset struct {
	ID       string
	Tier     string
	MasterID string
}

// SortNodes orders nodes by id
func SortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}
