package membership

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/manager"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/rs/zerolog"
)

// Membership exposes node liveness as observed by the cluster
type Membership interface {
	IsOnline(nodeID string) bool
	// Subscribe delivers node.online, node.offline and
	// replicaset.master_changed events
	Subscribe() events.Subscriber
	Unsubscribe(sub events.Subscriber)
}

// Config configures a Monitor
type Config struct {
	NodeID       string
	Log          manager.Log
	Store        storage.Reader
	Broker       *events.Broker
	Heartbeat    time.Duration
	OfflineAfter time.Duration

	// IsLeader restricts offline marking to one node. Nil means every
	// monitor marks stale nodes.
	IsLeader func() bool
}

// Monitor proposes heartbeats for the local node, marks nodes with stale
// heartbeats offline, and turns committed status and master changes into
// events
type Monitor struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	status  map[string]types.NodeStatus
	masters map[string]string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. Observe must be registered as an FSM
// watcher.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = time.Second
	}
	if cfg.OfflineAfter == 0 {
		cfg.OfflineAfter = 5 * cfg.Heartbeat
	}
	return &Monitor{
		cfg:     cfg,
		logger:  log.WithComponent("membership"),
		status:  make(map[string]types.NodeStatus),
		masters: make(map[string]string),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the heartbeat and offline detection loop
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop stops the loop
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Heartbeat)
			if err := m.Heartbeat(ctx); err != nil {
				m.logger.Debug().Err(err).Msg("Heartbeat failed")
			}
			if m.cfg.IsLeader == nil || m.cfg.IsLeader() {
				if err := m.MarkStale(ctx, time.Now()); err != nil {
					m.logger.Warn().Err(err).Msg("Failed to mark stale nodes")
				}
			}
			cancel()
		case <-m.stopCh:
			return
		}
	}
}

// Heartbeat proposes a heartbeat for the local node
func (m *Monitor) Heartbeat(ctx context.Context) error {
	_, err := manager.Propose(ctx, m.cfg.Log, manager.OpNodeHeartbeat, manager.NodeHeartbeat{
		NodeID: m.cfg.NodeID,
		Now:    time.Now(),
	})
	return err
}

// MarkStale marks online nodes whose last heartbeat is older than
// OfflineAfter at now as offline
func (m *Monitor) MarkStale(ctx context.Context, now time.Time) error {
	nodes, err := m.cfg.Store.ListNodes()
	if err != nil {
		return err
	}
	for _, node := range nodes {
		if !node.Online() || node.ID == m.cfg.NodeID {
			continue
		}
		silence := now.Sub(node.LastHeartbeat)
		if node.LastHeartbeat.IsZero() || silence <= m.cfg.OfflineAfter {
			continue
		}
		m.logger.Warn().
			Str("node_id", node.ID).
			Dur("silence", silence).
			Msg("Node is offline (no heartbeat)")
		if err := m.SetStatus(ctx, node.ID, types.NodeStatusOffline); err != nil {
			m.logger.Error().Err(err).Str("node_id", node.ID).Msg("Failed to mark node offline")
		}
	}
	return nil
}

// SetStatus proposes a status change for a node
func (m *Monitor) SetStatus(ctx context.Context, nodeID string, status types.NodeStatus) error {
	_, err := manager.Propose(ctx, m.cfg.Log, manager.OpSetNodeStatus, manager.SetNodeStatus{
		NodeID: nodeID,
		Status: status,
	})
	return err
}

// IsOnline implements Membership. Unknown nodes are offline.
func (m *Monitor) IsOnline(nodeID string) bool {
	node, err := m.cfg.Store.GetNode(nodeID)
	if err != nil {
		return false
	}
	return node.Online()
}

// Subscribe implements Membership
func (m *Monitor) Subscribe() events.Subscriber {
	return m.cfg.Broker.Subscribe()
}

// Unsubscribe implements Membership
func (m *Monitor) Unsubscribe(sub events.Subscriber) {
	m.cfg.Broker.Unsubscribe(sub)
}

// Observe publishes events for committed liveness and mastership changes.
// It runs as an FSM watcher.
func (m *Monitor) Observe(c manager.Change) {
	switch {
	case c.Restored:
		m.resync()
	case c.Op == manager.OpRegisterNode, c.Op == manager.OpNodeHeartbeat, c.Op == manager.OpSetNodeStatus:
		if node, err := m.cfg.Store.GetNode(c.NodeID); err == nil {
			m.observeNode(node)
			if c.Op == manager.OpRegisterNode && node.ReplicasetID != "" {
				m.observeReplicaset(node.ReplicasetID)
			}
		}
	case c.Op == manager.OpSetReplicasetMaster, c.Op == manager.OpPutReplicaset:
		if node, err := m.cfg.Store.GetNode(c.NodeID); err == nil {
			m.observeReplicaset(node.ReplicasetID)
		} else {
			m.resyncReplicasets()
		}
	}
}

func (m *Monitor) resync() {
	nodes, err := m.cfg.Store.ListNodes()
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list nodes")
		return
	}
	for _, node := range nodes {
		m.observeNode(node)
	}
	m.resyncReplicasets()
}

func (m *Monitor) resyncReplicasets() {
	sets, err := m.cfg.Store.ListReplicasets()
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list replicasets")
		return
	}
	for _, rs := range sets {
		m.observeReplicaset(rs.ID)
	}
}

func (m *Monitor) observeNode(node *types.Node) {
	m.mu.Lock()
	prev, known := m.status[node.ID]
	m.status[node.ID] = node.Status
	m.mu.Unlock()

	if known && prev == node.Status {
		return
	}
	if !known && node.Online() {
		// First sighting of a live node is not a transition
		return
	}

	evType := events.EventNodeOnline
	if !node.Online() {
		evType = events.EventNodeOffline
	}
	m.cfg.Broker.Publish(&events.Event{
		Type:     evType,
		Message:  "node " + node.ID + " is " + string(node.Status),
		Metadata: map[string]string{"node_id": node.ID},
	})
}

func (m *Monitor) observeReplicaset(id string) {
	rs, err := m.cfg.Store.GetReplicaset(id)
	if err != nil {
		return
	}

	m.mu.Lock()
	prev, known := m.masters[id]
	m.masters[id] = rs.MasterID
	m.mu.Unlock()

	if !known || prev == rs.MasterID {
		return
	}
	m.logger.Info().
		Str("replicaset_id", id).
		Str("old_master", prev).
		Str("new_master", rs.MasterID).
		Msg("Replicaset master changed")
	m.cfg.Broker.Publish(&events.Event{
		Type:    events.EventMasterChanged,
		Message: "replicaset " + id + " master changed",
		Metadata: map[string]string{
			"replicaset_id": id,
			"old_master":    prev,
			"new_master":    rs.MasterID,
		},
	})
}
