package manager

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/hutch/pkg/types"
)

// Command represents a state change operation in the replicated log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// NewCommand marshals data into a command
func NewCommand(op string, data any) (*Command, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s command: %w", op, err)
	}
	return &Command{Op: op, Data: raw}, nil
}

// Command ops
const (
	// Catalog
	OpInstallPlugin = "install_plugin"
	OpRemovePlugin  = "remove_plugin"
	OpEnablePlugin  = "enable_plugin"
	OpDisablePlugin = "disable_plugin"

	// Cluster-wide plugin operations
	OpBeginPluginOp = "begin_plugin_op"
	OpEndPluginOp   = "end_plugin_op"

	// Topology
	OpUpdateTiers = "update_tiers"
	OpPutRoute    = "put_route"
	OpDeleteRoute = "delete_route"

	// Configuration
	OpUpdateConfig = "update_config"

	// Migrations
	OpAcquireMigrationLock = "acquire_migration_lock"
	OpReleaseMigrationLock = "release_migration_lock"
	OpRecordMigration      = "record_migration"
	OpDeleteMigration      = "delete_migration"

	// Cluster layout
	OpPutTier             = "put_tier"
	OpRegisterNode        = "register_node"
	OpNodeHeartbeat       = "node_heartbeat"
	OpSetNodeStatus       = "set_node_status"
	OpPutReplicaset       = "put_replicaset"
	OpSetReplicasetMaster = "set_replicaset_master"
)

// InstallPlugin installs a plugin version with its services and default
// configuration
type InstallPlugin struct {
	Plugin      types.Plugin
	Services    []*types.ServiceDef
	Defaults    map[string]map[string]any // service name -> default config
	IfNotExists bool
	Now         time.Time
}

// PluginRef names a plugin version
type PluginRef struct {
	Name    string
	Version string
}

// EnablePlugin marks a plugin version enabled and creates its routes. OpID
// must name the pending plugin operation when set.
type EnablePlugin struct {
	Name    string
	Version string
	OpID    string
}

// BeginPluginOp records a cluster-wide plugin operation
type BeginPluginOp struct {
	Op  types.PluginOp
	Now time.Time
}

// EndPluginOp clears the pending plugin operation if it still matches ID
type EndPluginOp struct {
	ID string
}

// UpdateTiers appends or removes a tier of a service
type UpdateTiers struct {
	Key    types.ServiceKey
	Tier   string
	Append bool
	OpID   string
}

// PutRoute upserts a route of a running service
type PutRoute struct {
	Route types.Route
}

// DeleteRoute removes a route
type DeleteRoute struct {
	Key    types.ServiceKey
	NodeID string
}

// UpdateConfig replaces the committed configuration of a service.
// ExpectRevision must equal the revision the caller merged against.
type UpdateConfig struct {
	Key            types.ServiceKey
	Values         map[string]any
	ExpectRevision uint64
}

// AcquireMigrationLock takes the migration lock for Node
type AcquireMigrationLock struct {
	Node    string
	Plugin  string
	Version string
	Op      types.MigrationOp
	Now     time.Time
}

// ReleaseMigrationLock frees the lock if Node still holds it
type ReleaseMigrationLock struct {
	Node string
}

// RecordMigration stores a migration record; Node must hold the lock
type RecordMigration struct {
	Node   string
	Record types.MigrationRecord
}

// DeleteMigration drops a migration record; Node must hold the lock
type DeleteMigration struct {
	Node   string
	Plugin string
	File   string
}

// PutTier declares a tier
type PutTier struct {
	Tier types.Tier
}

// RegisterNode adds or refreshes a cluster member
type RegisterNode struct {
	Node types.Node
}

// NodeHeartbeat refreshes a member's liveness
type NodeHeartbeat struct {
	NodeID string
	Now    time.Time
}

// SetNodeStatus marks a member online or offline
type SetNodeStatus struct {
	NodeID string
	Status types.NodeStatus
}

// PutReplicaset declares a replicaset
type PutReplicaset struct {
	Replicaset types.Replicaset
}

// SetReplicasetMaster changes the designated master of a replicaset
type SetReplicasetMaster struct {
	ReplicasetID string
	MasterID     string
}
