/*
Package reconciler converges the plugin services running on one node to the
target state held in the replicated store.

Every node runs one Reconciler. It is fed two ways:

	FSM.Watch ──► Observe ──► queue (log order) ──► drain
	                                                 │
	                   ┌─────────────────────────────┤
	                   │                             │
	          config change                   any other change
	                   │                       snapshot restore
	                   ▼                        periodic tick
	         Runtime.ApplyConfig                      │
	     (one call per revision)                      ▼
	                                           full pass (Reconcile)

A full pass computes the services this node should run (enabled plugins,
services assigned to the node's tier) and then:

  - stops services that are no longer wanted
  - starts missing services with their committed configuration
  - delivers configuration revisions missed while a snapshot was installed
  - calls OnLeaderChange where the replicaset master flipped
  - mirrors local poison into the node's route entry

Plugins with a pending cluster-wide operation are left alone; the
coordinating node drives them through StartServices and StopServices until
the operation commits or aborts. Services that failed to start are retried on
the next committed change, not on every tick. Migrations are never
reconciled.

Converged reports whether the node matches the target state; tests poll it.
*/
package reconciler
