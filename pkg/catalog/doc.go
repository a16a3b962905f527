// Package catalog implements the operator commands of a cluster: plugin
// install, enable, disable and remove, tier assignment of services, and
// configuration updates.
//
// Enable and tier appends on enabled plugins are coordinated by the node
// that received the command. It records a pending plugin operation, starts
// the services on every affected node over the transport, and commits only
// when all of them started. Any failure stops the services again.
package catalog
