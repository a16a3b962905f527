/*
Package node wires every component of a cluster member together.

A Node owns the local store and FSM, the replicated log (raft, or an
in-process LocalLog for tests), the node transport, the service runtime,
the reconciler, the migration engine, the membership monitor, the catalog
controller and the RPC router. New builds them; Start joins the cluster,
registers the node and its tiers and starts every loop; Stop tears them
down in reverse.

Every node serves the admin methods (MethodInstall and the rest) on its
transport, so operators may talk to any member. When HTTP is configured
the node also serves Prometheus metrics, health endpoints and a read-only
JSON view of the cluster under /v1.
*/
package node
