/*
Package types defines the data model shared by every Hutch package.

The replicated catalog is made of a handful of record kinds, all owned by the
replicated metadata log and mirrored into every node's local store:

  - Plugin: one installed plugin version and its enabled flag
  - ServiceDef: a service of a plugin version and its assigned tiers
  - ServiceConfig: committed configuration of a service, with its revision
  - Route: a node running a service, with the advisory poison flag
  - MigrationRecord: a migration file applied for a plugin
  - MigrationLock: the single cluster-wide migration mutex
  - PluginOp: an in-flight enable or topology change
  - Tier, Node, Replicaset: cluster layout used for placement and routing

# Keys

Plugin versions are addressed by PluginKey ("name:version") and services by
ServiceKey ("name:version.service"). These string forms appear in log fields,
metric labels and error messages.

# Configuration values

Service configuration is an untyped map decoded from YAML or JSON. Use
CloneValues before handing a map to code that may mutate it, and MergeValues
to overlay a partial update onto the committed map.
*/
package types
