package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/transport"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// Transport methods served by RaftLog on every node
const (
	MethodPropose = "meta.propose"
	MethodJoin    = "meta.join"
)

// Forwarder delivers a call to another node. Followers use it to hand
// proposals to the leader.
type Forwarder interface {
	Call(ctx context.Context, nodeID, method string, req, resp any) error
}

// RaftConfig holds configuration for creating a RaftLog
type RaftConfig struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool

	// InMemory keeps log, snapshots and transport in memory
	InMemory bool

	ApplyTimeout time.Duration

	// Tokens authenticates join requests. Nil accepts every request.
	Tokens *TokenManager
}

// RaftLog is the hashicorp/raft backed Log
type RaftLog struct {
	nodeID       string
	raft         *raft.Raft
	fsm          *FSM
	transport    raft.Transport
	forwarder    Forwarder
	tokens       *TokenManager
	applyTimeout time.Duration
	stopCh       chan struct{}
	logger       zerolog.Logger
}

// ProposeResult is the reply to a forwarded proposal
type ProposeResult struct {
	Index   uint64
	Code    Code
	Message string
}

// Err converts the result back into an error
func (r *ProposeResult) Err() error {
	if r.Code == "" && r.Message == "" {
		return nil
	}
	return &Error{Code: r.Code, Message: r.Message}
}

// NewProposeResult wraps the outcome of a local proposal
func NewProposeResult(index uint64, err error) *ProposeResult {
	res := &ProposeResult{Index: index}
	if err == nil {
		return res
	}
	var cmdErr *Error
	if errors.As(err, &cmdErr) {
		res.Code = cmdErr.Code
		res.Message = cmdErr.Message
	} else {
		res.Code = CodeUnavailable
		res.Message = err.Error()
	}
	return res
}

// JoinRequest asks the leader to add a voter
type JoinRequest struct {
	NodeID      string
	RaftAddress string
	Token       string
}

// NewRaftLog starts a raft instance over fsm
func NewRaftLog(cfg RaftConfig, fsm *FSM) (*RaftLog, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(cfg.NodeID)
	config.LogOutput = os.Stderr
	config.LogLevel = "WARN"

	// Tuned for LAN clusters: ~250ms heartbeats, elections within a second
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	var (
		logStore    raft.LogStore
		stableStore raft.StableStore
		snapshots   raft.SnapshotStore
		transport   raft.Transport
	)

	if cfg.InMemory {
		mem := raft.NewInmemStore()
		logStore, stableStore = mem, mem
		snapshots = raft.NewInmemSnapshotStore()
		_, transport = raft.NewInmemTransport(raft.ServerAddress(cfg.NodeID))
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %v", err)
		}

		addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve bind address: %v", err)
		}
		tcp, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %v", err)
		}
		transport = tcp

		snapshots, err = raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to create snapshot store: %v", err)
		}

		logs, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to create log store: %v", err)
		}
		stable, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to create stable store: %v", err)
		}
		logStore, stableStore = logs, stable
	}

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshots)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect raft state: %v", err)
	}

	r, err := raft.NewRaft(config, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %v", err)
	}

	if cfg.Bootstrap && !hasState {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      config.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			return nil, fmt.Errorf("failed to bootstrap cluster: %v", err)
		}
	}

	applyTimeout := cfg.ApplyTimeout
	if applyTimeout == 0 {
		applyTimeout = 5 * time.Second
	}

	l := &RaftLog{
		nodeID:       cfg.NodeID,
		raft:         r,
		fsm:          fsm,
		transport:    transport,
		tokens:       cfg.Tokens,
		applyTimeout: applyTimeout,
		stopCh:       make(chan struct{}),
		logger:       log.WithComponent("raft"),
	}
	go l.watchLeadership()
	return l, nil
}

func (l *RaftLog) watchLeadership() {
	for {
		select {
		case isLeader := <-l.raft.LeaderCh():
			if isLeader {
				metrics.RaftLeader.Set(1)
				l.logger.Info().Str("node_id", l.nodeID).Msg("Acquired raft leadership")
			} else {
				metrics.RaftLeader.Set(0)
				l.logger.Info().Str("node_id", l.nodeID).Msg("Lost raft leadership")
			}
		case <-l.stopCh:
			return
		}
	}
}

// SetForwarder sets the transport used to reach the leader
func (l *RaftLog) SetForwarder(f Forwarder) {
	l.forwarder = f
}

// Propose applies cmd through raft, forwarding to the leader when this node
// is a follower
func (l *RaftLog) Propose(ctx context.Context, cmd *Command) (uint64, error) {
	if l.raft.State() != raft.Leader {
		return l.forward(ctx, cmd)
	}

	index, err := l.apply(ctx, cmd)
	if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
		return l.forward(ctx, cmd)
	}
	return index, err
}

func (l *RaftLog) apply(ctx context.Context, cmd *Command) (uint64, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal command: %v", err)
	}

	timer := metrics.NewTimer()
	future := l.raft.Apply(data, l.applyTimeout)

	// Respect ctx while the future is pending
	done := make(chan struct{})
	go func() {
		_ = future.Error()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-done:
	}

	timer.ObserveDuration(metrics.RaftApplyDuration)
	if err := future.Error(); err != nil {
		return 0, err
	}
	return future.Index(), responseError(future.Response())
}

func (l *RaftLog) forward(ctx context.Context, cmd *Command) (uint64, error) {
	_, leaderID := l.raft.LeaderWithID()
	if leaderID == "" {
		return 0, errorf(CodeNotLeader, "no raft leader elected")
	}
	if string(leaderID) == l.nodeID || l.forwarder == nil {
		return 0, errorf(CodeNotLeader, "not the leader, current leader: %s", leaderID)
	}

	var res ProposeResult
	if err := l.forwarder.Call(ctx, string(leaderID), MethodPropose, cmd, &res); err != nil {
		return 0, fmt.Errorf("failed to forward %s to leader %s: %w", cmd.Op, leaderID, err)
	}
	if err := l.waitApplied(ctx, res.Index); err != nil {
		return res.Index, err
	}
	return res.Index, res.Err()
}

// waitApplied blocks until the local FSM has applied index
func (l *RaftLog) waitApplied(ctx context.Context, index uint64) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for l.raft.AppliedIndex() < index {
		select {
		case <-ctx.Done():
			return fmt.Errorf("entry %d not applied locally: %w", index, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// HandlePropose serves a proposal forwarded by a follower. It never forwards
// again.
func (l *RaftLog) HandlePropose(ctx context.Context, cmd *Command) *ProposeResult {
	if l.raft.State() != raft.Leader {
		return NewProposeResult(0, errorf(CodeNotLeader, "%s is not the leader", l.nodeID))
	}
	return NewProposeResult(l.apply(ctx, cmd))
}

// HandleJoin adds the requesting node as a voter after checking its token
func (l *RaftLog) HandleJoin(ctx context.Context, req *JoinRequest) error {
	if l.tokens != nil {
		if err := l.tokens.ValidateToken(req.Token); err != nil {
			l.logger.Warn().Str("voter_id", req.NodeID).Err(err).Msg("Rejected join request")
			return err
		}
	}
	return l.AddVoter(req.NodeID, req.RaftAddress)
}

// Join asks the leader among peers to add this node as a voter. Peers are
// tried in order until one accepts.
func (l *RaftLog) Join(ctx context.Context, peers []string, token string) error {
	if l.forwarder == nil {
		return errorf(CodeUnavailable, "no forwarder configured")
	}
	req := &JoinRequest{NodeID: l.nodeID, RaftAddress: string(l.transport.LocalAddr()), Token: token}
	var errs []error
	for _, peer := range peers {
		if peer == l.nodeID {
			continue
		}
		err := l.forwarder.Call(ctx, peer, MethodJoin, req, nil)
		if err == nil {
			l.logger.Info().Str("peer", peer).Msg("Joined cluster")
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", peer, err))
	}
	return fmt.Errorf("failed to join cluster: %w", errors.Join(errs...))
}

// RegisterHandlers serves proposal forwarding and joins on mux
func (l *RaftLog) RegisterHandlers(mux *transport.Mux) {
	mux.Handle(MethodPropose, transport.Typed(func(ctx context.Context, from string, cmd *Command) (any, error) {
		return l.HandlePropose(ctx, cmd), nil
	}))
	mux.Handle(MethodJoin, transport.Typed(func(ctx context.Context, from string, req *JoinRequest) (any, error) {
		return nil, l.HandleJoin(ctx, req)
	}))
}

// AddVoter adds a node to the raft configuration
func (l *RaftLog) AddVoter(nodeID, address string) error {
	if !l.IsLeader() {
		return errorf(CodeNotLeader, "not the leader, current leader: %s", l.LeaderID())
	}

	l.logger.Info().Str("voter_id", nodeID).Str("address", address).Msg("Adding voter")
	future := l.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %v", err)
	}
	return nil
}

// RemoveServer removes a node from the raft configuration
func (l *RaftLog) RemoveServer(nodeID string) error {
	if !l.IsLeader() {
		return errorf(CodeNotLeader, "not the leader")
	}
	future := l.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %v", err)
	}
	return nil
}

// IsLeader returns true if this node is the raft leader
func (l *RaftLog) IsLeader() bool {
	return l.raft.State() == raft.Leader
}

// LeaderID returns the id of the current raft leader
func (l *RaftLog) LeaderID() string {
	_, id := l.raft.LeaderWithID()
	return string(id)
}

// WaitForLeader blocks until a leader is known
func (l *RaftLog) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if l.LeaderID() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no raft leader: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stats returns raft statistics
func (l *RaftLog) Stats() map[string]interface{} {
	stats := make(map[string]interface{})
	stats["state"] = l.raft.State().String()
	stats["last_log_index"] = l.raft.LastIndex()
	stats["applied_index"] = l.raft.AppliedIndex()
	stats["leader"] = l.LeaderID()
	return stats
}

// Snapshot forces a raft snapshot, compacting the log
func (l *RaftLog) Snapshot() error {
	return l.raft.Snapshot().Error()
}

// Shutdown stops raft
func (l *RaftLog) Shutdown() error {
	close(l.stopCh)
	return l.raft.Shutdown().Error()
}
