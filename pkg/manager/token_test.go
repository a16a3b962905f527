package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManager(t *testing.T) {
	tm := NewTokenManager()

	jt, err := tm.GenerateToken(time.Hour)
	require.NoError(t, err)
	assert.Len(t, jt.Token, 64)
	assert.NoError(t, tm.ValidateToken(jt.Token))

	err = tm.ValidateToken("nope")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.EqualError(t, err, "invalid join token")

	expired, err := tm.GenerateToken(-time.Second)
	require.NoError(t, err)
	assert.EqualError(t, tm.ValidateToken(expired.Token), "join token expired")

	tm.AddToken("static")
	assert.NoError(t, tm.ValidateToken("static"))
	assert.Len(t, tm.ListTokens(), 2)

	tm.CleanupExpiredTokens()
	tm.RevokeToken(jt.Token)
	assert.Error(t, tm.ValidateToken(jt.Token))
	tokens := tm.ListTokens()
	require.Len(t, tokens, 1)
	assert.Equal(t, "static", tokens[0].Token)
}

func TestRaftLogJoinRequiresToken(t *testing.T) {
	fsm := newMember(t)
	tokens := NewTokenManager()
	tokens.AddToken("secret")
	l, err := NewRaftLog(RaftConfig{NodeID: "node-1", Bootstrap: true, InMemory: true, Tokens: tokens}, fsm)
	require.NoError(t, err)
	t.Cleanup(func() { l.Shutdown() })

	err = l.HandleJoin(context.Background(), &JoinRequest{NodeID: "node-2", RaftAddress: "node-2", Token: "wrong"})
	assert.ErrorIs(t, err, ErrForbidden)
}
