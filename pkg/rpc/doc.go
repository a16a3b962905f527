/*
Package rpc routes requests between plugin services across the cluster.

Services register endpoints under `plugin.service/path` in the node-local
Registry when they start and lose them when they stop. A Router resolves a
Target to one node and runs the request there:

	NodeID                    that node
	Any                       any node running the service
	ReplicasetID (+ToMaster)  a member, or the master, of the replicaset
	BucketID (+ToMaster)      the replicaset owning the bucket in this tier
	Tier + BucketID           the replicaset owning the bucket in that tier

When several nodes qualify the router prefers routes that are not poisoned,
then nodes other than the caller. Requests to other nodes travel over the
transport with the same request id and the remaining timeout. The receiving
node caches completed responses by request id and path for a short time.

Paths starting with `.proc_` name built-in procedures that every node serves
without registration.

Errors carry a Code that survives the transport, so callers can match them
with errors.Is against the Err* sentinels.
*/
package rpc
