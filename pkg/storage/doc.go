/*
Package storage provides the BoltDB-backed mirror of Hutch's replicated state.

Every node keeps a full copy of the catalog, topology, configuration,
migration and cluster layout records in a local bbolt file. The copy is only
written by the manager FSM while applying committed log entries, so all
nodes hold the same data at the same applied index. Everything else reads.

# Layout

	┌──────────────── <dataDir>/hutch.db ────────────────┐
	│ plugins      name/version                          │
	│ services     name/version/service                  │
	│ configs      name/version/service                  │
	│ routes       name/version/service/node             │
	│ migrations   plugin/file                           │
	│ tiers        tier                                  │
	│ nodes        node id                               │
	│ replicasets  replicaset id                         │
	│ meta         migration_lock, plugin_op,            │
	│              applied_index                         │
	└────────────────────────────────────────────────────┘

Key parts are joined with a NUL byte so prefix scans over "plugin/version/"
never match a plugin whose name merely starts with the same characters.
Values are JSON.

# Transactions

Single reads use the Reader methods on BoltStore, each in its own read
transaction. Use View when several records must be read consistently and
Update when a command touches several records at once:

	err := store.Update(func(tx storage.Tx) error {
		p.Enabled = true
		if err := tx.PutPlugin(p); err != nil {
			return err
		}
		return tx.PutRoute(route)
	})

# Snapshots

Snapshot dumps every record (and the applied index) into a Snapshot value;
Restore drops all buckets and reloads them in one transaction. The FSM uses
the pair for raft snapshots and for bootstrapping a node from a compacted log.
*/
package storage
