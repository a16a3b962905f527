/*
Package runtime runs plugin services on one node.

The Runtime instantiates services from the plugin registry and drives their
lifecycle hooks:

	Start ──▶ OnConfigValidate ──▶ OnStart ──▶ running ──▶ jobs stopped ──▶ OnStop
	                                   │
	                                   └─ failure: jobs stopped, OnStop, endpoints removed

While running, ApplyConfig delivers each committed configuration revision
once through OnConfigChange, and SetMaster calls OnLeaderChange when the
node's mastership of its replicaset flips.

# Serialization

Every service instance has its own mutex. Hooks of one service never run
concurrently; hooks of different services do. Every hook runs under the
callback timeout and a panicking hook fails like one returning an error.

# Poison

A failing OnConfigChange or OnLeaderChange poisons the service on this node.
The service keeps running with its previous configuration. The next
successful call of the same hook clears that poison. Poisoned reports the
union over both hooks; the reconciler mirrors it into the route entry of the
service.

# Background jobs

Jobs started through plugin.Context.Jobs are owned by the instance. Stop
cancels them and waits up to the job grace period before calling OnStop.
*/
package runtime
