package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/hutch/pkg/types"
)

// Waiter provides utilities for waiting on conditions with timeouts
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a new Waiter with the given timeout and polling interval
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{
		timeout:  timeout,
		interval: interval,
	}
}

// DefaultWaiter returns a waiter suited to in-process clusters (10s
// timeout, 50ms interval)
func DefaultWaiter() *Waiter {
	return NewWaiter(10*time.Second, 50*time.Millisecond)
}

// WaitFor waits for a condition to become true
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Check immediately
	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForServiceRunning waits for a service to run on a node
func (w *Waiter) WaitForServiceRunning(ctx context.Context, cluster *Cluster, nodeID string, key types.ServiceKey) error {
	return w.WaitFor(ctx, func() bool {
		n, err := cluster.Node(nodeID)
		return err == nil && n.Runtime().IsRunning(key)
	}, fmt.Sprintf("service %s to run on %s", key, nodeID))
}

// WaitForServiceStopped waits for a service to stop on a node
func (w *Waiter) WaitForServiceStopped(ctx context.Context, cluster *Cluster, nodeID string, key types.ServiceKey) error {
	return w.WaitFor(ctx, func() bool {
		n, err := cluster.Node(nodeID)
		return err == nil && !n.Runtime().IsRunning(key)
	}, fmt.Sprintf("service %s to stop on %s", key, nodeID))
}

// WaitForConverged waits for every node to reconcile the latest state
func (w *Waiter) WaitForConverged(ctx context.Context, cluster *Cluster) error {
	return w.WaitFor(ctx, cluster.Converged, "cluster to converge")
}

// WaitForConfigRevision waits for a node to deliver revision of a service
// configuration
func (w *Waiter) WaitForConfigRevision(ctx context.Context, cluster *Cluster, nodeID string, key types.ServiceKey, revision uint64) error {
	return w.WaitFor(ctx, func() bool {
		n, err := cluster.Node(nodeID)
		return err == nil && n.Runtime().Seen(key) >= revision
	}, fmt.Sprintf("service %s on %s to see config revision %d", key, nodeID, revision))
}

// WaitForNodeStatus waits for a node to reach status in the topology
func (w *Waiter) WaitForNodeStatus(ctx context.Context, cluster *Cluster, nodeID string, status types.NodeStatus) error {
	return w.WaitFor(ctx, func() bool {
		for _, n := range cluster.Nodes {
			node, err := n.Store().GetNode(nodeID)
			if err != nil || node.Status != status {
				return false
			}
		}
		return len(cluster.Nodes) > 0
	}, fmt.Sprintf("node %s to be %s", nodeID, status))
}

// WaitForNodeCount waits for a specific number of nodes to be registered
func (w *Waiter) WaitForNodeCount(ctx context.Context, client *Client, count int) error {
	return w.WaitFor(ctx, func() bool {
		status, err := client.Status()
		if err != nil {
			return false
		}
		return len(status.Nodes) == count
	}, fmt.Sprintf("cluster to have %d nodes", count))
}

// WaitForConditionWithRetry waits for a condition with exponential backoff retry
func (w *Waiter) WaitForConditionWithRetry(ctx context.Context, condition func() (bool, error), description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	interval := w.interval
	maxInterval := 2 * time.Second

	for {
		ok, err := condition()
		if err != nil {
			return fmt.Errorf("error checking condition '%s': %w", description, err)
		}

		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-time.After(interval):
			// Exponential backoff
			interval = interval * 2
			if interval > maxInterval {
				interval = maxInterval
			}
		}
	}
}

// PollUntil polls a condition until it returns true or context is cancelled
func PollUntil(ctx context.Context, interval time.Duration, condition func() bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Check immediately
	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// Retry retries an operation with exponential backoff
func Retry(ctx context.Context, attempts int, initialDelay time.Duration, operation func() error) error {
	var err error
	delay := initialDelay

	for i := 0; i < attempts; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
				delay = delay * 2
			}
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
}
