package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// Log is the replicated metadata log. Propose returns once the command is
// committed and applied on the proposing node, with the commit index.
type Log interface {
	Propose(ctx context.Context, cmd *Command) (uint64, error)
}

// Propose marshals payload into an op command and proposes it
func Propose(ctx context.Context, l Log, op string, payload any) (uint64, error) {
	cmd, err := NewCommand(op, payload)
	if err != nil {
		return 0, err
	}
	return l.Propose(ctx, cmd)
}

// responseError converts an FSM response into an error
func responseError(resp interface{}) error {
	if resp == nil {
		return nil
	}
	if err, ok := resp.(error); ok {
		return err
	}
	return nil
}

// LocalLog is an in-process totally ordered log shared by several FSMs.
// It backs single-process clusters and tests: every attached FSM applies
// every entry in the same order, synchronously with Propose.
type LocalLog struct {
	mu          sync.Mutex
	index       uint64
	members     []*FSM
	entries     []*raft.Log // entries after the last compaction
	snapshot    []byte      // state at compactedAt
	compactedAt uint64
}

// NewLocalLog creates an empty log
func NewLocalLog() *LocalLog {
	return &LocalLog{}
}

// Attach adds an FSM to the log. A new member first restores the latest
// compaction snapshot, then replays the retained entries.
func (l *LocalLog) Attach(f *FSM) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.snapshot != nil {
		if err := f.Restore(io.NopCloser(bytes.NewReader(l.snapshot))); err != nil {
			return fmt.Errorf("failed to restore member: %w", err)
		}
	}
	for _, entry := range l.entries {
		f.Apply(entry)
	}
	l.members = append(l.members, f)
	return nil
}

// Detach removes an FSM; it stops receiving entries
func (l *LocalLog) Detach(f *FSM) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, m := range l.members {
		if m == f {
			l.members = append(l.members[:i], l.members[i+1:]...)
			return
		}
	}
}

// Propose appends cmd and applies it to every member
func (l *LocalLog) Propose(ctx context.Context, cmd *Command) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal command: %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.members) == 0 {
		return 0, errorf(CodeUnavailable, "log has no members")
	}

	l.index++
	entry := &raft.Log{Index: l.index, Term: 1, Type: raft.LogCommand, Data: data}
	l.entries = append(l.entries, entry)

	var resp interface{}
	for i, m := range l.members {
		r := m.Apply(entry)
		if i == 0 {
			resp = r
		}
	}
	return l.index, responseError(resp)
}

// Compact snapshots the first member and drops the retained entries, so
// later members bootstrap from the snapshot instead of replaying the log
func (l *LocalLog) Compact() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.members) == 0 {
		return errors.New("log has no members")
	}
	snap, err := l.members[0].Snapshot()
	if err != nil {
		return err
	}
	sink := &memorySink{}
	if err := snap.Persist(sink); err != nil {
		return err
	}
	l.snapshot = sink.Bytes()
	l.compactedAt = l.index
	l.entries = nil
	return nil
}

// Index returns the last committed index
func (l *LocalLog) Index() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.index
}

// memorySink is a raft.SnapshotSink over a buffer
type memorySink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memorySink) ID() string    { return "memory" }
func (s *memorySink) Close() error  { return nil }
func (s *memorySink) Cancel() error { s.cancelled = true; return nil }
