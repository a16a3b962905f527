/*
Package manager owns the replicated state of a hutch cluster.

Every change to the catalog, topology, configuration and migration records
is a Command proposed to a Log and applied by the FSM of every node, in the
same order, to its local storage.Store. Reads are served from the local
store; nothing reads through the log.

# Logs

Two Log implementations exist:

	RaftLog    hashicorp/raft with raft-boltdb log and stable stores and
	           file snapshots. Followers forward proposals to the leader
	           over the node transport ("meta.propose"). New nodes join
	           through any member ("meta.join") with a join token.

	LocalLog   an in-process totally ordered log shared by several FSMs.
	           It backs single-process clusters and tests, and supports
	           Compact to exercise snapshot restore.

Propose returns the index the command was committed at, or the error the
FSM returned for it. Components that must see their own write before going
on wait for that index to be applied locally.

# Commands

	install_plugin, remove_plugin, enable_plugin, disable_plugin
	begin_plugin_op, end_plugin_op
	update_tiers, put_route, delete_route
	update_config
	acquire_migration_lock, release_migration_lock
	record_migration, delete_migration
	put_tier, register_node, node_heartbeat, set_node_status
	put_replicaset, set_replicaset_master

Each command is validated inside the FSM against the state it applies to:
enabling a plugin whose migrations are not applied, or committing a
configuration against a stale revision, fails on every node alike.

# Changes

The FSM reports what each command changed through Watch. The reconciler,
the migration engine and the membership monitor subscribe to it:

	fsm.Watch(reconciler.Observe)

Watchers run on the apply path and must not block.

# Errors

Errors returned by the FSM and the controllers are *Error values carrying a
Code. They survive the transport, and errors.Is matches them by code:

	if errors.Is(err, manager.ErrNotFound) { ... }

# Join tokens

A TokenManager holds the tokens the raft leader accepts from joining nodes.
Tokens are random, may expire, and can be revoked. A token configured with
join_token never expires.
*/
package manager
