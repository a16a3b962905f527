package framework

import (
	"errors"
	"reflect"
	"strings"

	"github.com/cuemby/hutch/pkg/types"
)

// Assertions provides test assertion helpers
type Assertions struct {
	t TestingT
}

// NewAssertions creates a new Assertions instance
func NewAssertions(t TestingT) *Assertions {
	return &Assertions{t: t}
}

// ServiceRunning asserts that a service runs on each of nodeIDs
func (a *Assertions) ServiceRunning(cluster *Cluster, key types.ServiceKey, nodeIDs ...string) {
	a.t.Helper()

	for _, id := range nodeIDs {
		n, err := cluster.Node(id)
		if err != nil {
			a.t.Fatalf("Node %s: %v", id, err)
		}
		if !n.Runtime().IsRunning(key) {
			a.t.Fatalf("Service %s is not running on %s", key, id)
		}
	}
}

// ServiceNotRunning asserts that a service runs on none of nodeIDs
func (a *Assertions) ServiceNotRunning(cluster *Cluster, key types.ServiceKey, nodeIDs ...string) {
	a.t.Helper()

	for _, id := range nodeIDs {
		n, err := cluster.Node(id)
		if err != nil {
			a.t.Fatalf("Node %s: %v", id, err)
		}
		if n.Runtime().IsRunning(key) {
			a.t.Fatalf("Service %s is running on %s, expected it stopped", key, id)
		}
	}
}

// RoutesEqual asserts that every node sees exactly nodeIDs routing key
func (a *Assertions) RoutesEqual(cluster *Cluster, key types.ServiceKey, nodeIDs ...string) {
	a.t.Helper()

	want := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		want[id] = true
	}
	for _, n := range cluster.Nodes {
		routes, err := n.Store().ListRoutes()
		if err != nil {
			a.t.Fatalf("Failed to list routes on %s: %v", n.ID(), err)
		}
		got := make(map[string]bool)
		for _, r := range routes {
			if r.ServiceKey() == key {
				got[r.NodeID] = true
			}
		}
		if !reflect.DeepEqual(got, want) {
			a.t.Fatalf("Routes of %s on %s are %v, expected %v", key, n.ID(), got, want)
		}
	}
}

// PluginEnabled asserts the enabled flag of a plugin version
func (a *Assertions) PluginEnabled(client *Client, name, version string, enabled bool) {
	a.t.Helper()

	info, err := client.GetPlugin(name, version)
	if err != nil {
		a.t.Fatalf("Failed to get plugin %s:%s: %v", name, version, err)
	}
	if info.Plugin.Enabled != enabled {
		a.t.Fatalf("Plugin %s:%s enabled=%v, expected %v", name, version, info.Plugin.Enabled, enabled)
	}
}

// ConfigEquals asserts the committed configuration of a service
func (a *Assertions) ConfigEquals(client *Client, name, version, service string, expected map[string]any) {
	a.t.Helper()

	values, err := client.Config(name, version, service)
	if err != nil {
		a.t.Fatalf("Failed to get config of %s:%s.%s: %v", name, version, service, err)
	}
	if !reflect.DeepEqual(values, expected) {
		a.t.Fatalf("Config of %s:%s.%s is %v, expected %v", name, version, service, values, expected)
	}
}

// ErrorIs asserts that err matches target
func (a *Assertions) ErrorIs(err, target error) {
	a.t.Helper()

	if !errors.Is(err, target) {
		a.t.Fatalf("Error %v does not match %v", err, target)
	}
}

// ErrorContains asserts that err mentions substr
func (a *Assertions) ErrorContains(err error, substr string) {
	a.t.Helper()

	if err == nil {
		a.t.Fatalf("Expected error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		a.t.Fatalf("Error %q does not contain %q", err.Error(), substr)
	}
}
