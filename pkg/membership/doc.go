// Package membership tracks node liveness through the replicated store.
// Every node proposes heartbeats; stale nodes are marked offline. Status and
// master changes committed to the log are turned into node-local events.
package membership
