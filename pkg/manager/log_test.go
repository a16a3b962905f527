package manager

import (
	"context"
	"testing"

	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMember(t *testing.T) *FSM {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewFSM(store)
}

func TestLocalLogAppliesToAllMembers(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLog()

	_, err := Propose(ctx, l, OpPutTier, PutTier{Tier: types.Tier{Name: "default"}})
	assert.ErrorIs(t, err, ErrUnavailable)

	a, b := newMember(t), newMember(t)
	require.NoError(t, l.Attach(a))
	require.NoError(t, l.Attach(b))

	index, err := Propose(ctx, l, OpPutTier, PutTier{Tier: types.Tier{Name: "default"}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), index)

	for _, m := range []*FSM{a, b} {
		tier, err := m.Store().GetTier("default")
		require.NoError(t, err)
		assert.Equal(t, uint64(DefaultBucketCount), tier.BucketCount)
		applied, err := m.Store().AppliedIndex()
		require.NoError(t, err)
		assert.Equal(t, index, applied)
	}

	_, err = Propose(ctx, l, OpRemovePlugin, PluginRef{Name: "p", Version: "1.0.0"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, uint64(2), l.Index(), "rejected commands still take an index")
}

func TestLocalLogLateMemberReplays(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLog()
	require.NoError(t, l.Attach(newMember(t)))

	_, err := Propose(ctx, l, OpRegisterNode, RegisterNode{Node: types.Node{ID: "i1", Tier: "default", ReplicasetID: "r1"}})
	require.NoError(t, err)

	late := newMember(t)
	require.NoError(t, l.Attach(late))
	node, err := late.Store().GetNode("i1")
	require.NoError(t, err)
	assert.Equal(t, "r1", node.ReplicasetID)
}

func TestLocalLogCompactionBootstrapsFromSnapshot(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLog()
	require.NoError(t, l.Attach(newMember(t)))

	_, err := Propose(ctx, l, OpRegisterNode, RegisterNode{Node: types.Node{ID: "i1", Tier: "default"}})
	require.NoError(t, err)
	require.NoError(t, l.Compact())
	_, err = Propose(ctx, l, OpRegisterNode, RegisterNode{Node: types.Node{ID: "i2", Tier: "default"}})
	require.NoError(t, err)

	late := newMember(t)
	var restored bool
	late.Watch(func(c Change) {
		if c.Restored {
			restored = true
		}
	})
	require.NoError(t, l.Attach(late))
	assert.True(t, restored)

	nodes, err := late.Store().ListNodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestLocalLogDetach(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLog()
	a, b := newMember(t), newMember(t)
	require.NoError(t, l.Attach(a))
	require.NoError(t, l.Attach(b))
	l.Detach(b)

	_, err := Propose(ctx, l, OpPutTier, PutTier{Tier: types.Tier{Name: "t"}})
	require.NoError(t, err)

	_, err = b.Store().GetTier("t")
	assert.True(t, storage.IsNotFound(err))
}

func TestLocalLogCancelledContext(t *testing.T) {
	l := NewLocalLog()
	require.NoError(t, l.Attach(newMember(t)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Propose(ctx, l, OpPutTier, PutTier{Tier: types.Tier{Name: "t"}})
	assert.ErrorIs(t, err, context.Canceled)
}
