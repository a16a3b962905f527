package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type echoRequest struct {
	Text string
}

type echoReply struct {
	Text string
	From string
}

type codedError struct{}

func (codedError) Error() string     { return "lock already released" }
func (codedError) ErrorCode() string { return "lock_released" }

func newTestMux() *Mux {
	mux := NewMux()
	mux.Handle("echo", Typed(func(ctx context.Context, from string, req *echoRequest) (any, error) {
		return &echoReply{Text: req.Text, From: from}, nil
	}))
	mux.Handle("fail", func(ctx context.Context, req *Request) (any, error) {
		return nil, codedError{}
	})
	mux.Handle("slow", func(ctx context.Context, req *Request) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	})
	mux.Handle("panic", func(ctx context.Context, req *Request) (any, error) {
		panic("boom")
	})
	return mux
}

// exercise runs the shared transport contract against tr
func exercise(t *testing.T, tr Transport, target string) {
	ctx := context.Background()

	t.Run("echo", func(t *testing.T) {
		var reply echoReply
		require.NoError(t, tr.Call(ctx, target, "echo", &echoRequest{Text: "hi"}, &reply))
		assert.Equal(t, "hi", reply.Text)
		assert.Equal(t, "caller", reply.From)
	})

	t.Run("coded error", func(t *testing.T) {
		err := tr.Call(ctx, target, "fail", nil, nil)
		var remote *RemoteError
		require.True(t, errors.As(err, &remote))
		assert.Equal(t, "lock_released", remote.Code)
		assert.Equal(t, "lock already released", remote.Message)
	})

	t.Run("unknown method", func(t *testing.T) {
		err := tr.Call(ctx, target, "nope", nil, nil)
		assert.ErrorIs(t, err, ErrUnknownMethod)
	})

	t.Run("deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		err := tr.Call(ctx, target, "slow", nil, nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestLocal(t *testing.T) {
	network := NewNetwork()
	network.Join("target", newTestMux())
	caller := network.Join("caller", NewMux())

	exercise(t, caller, "target")

	t.Run("unreachable", func(t *testing.T) {
		err := caller.Call(context.Background(), "ghost", "echo", nil, nil)
		assert.ErrorIs(t, err, ErrUnreachable)

		network.SetDown("target", true)
		err = caller.Call(context.Background(), "target", "echo", nil, nil)
		assert.ErrorIs(t, err, ErrUnreachable)

		network.SetDown("target", false)
		assert.NoError(t, caller.Call(context.Background(), "target", "echo", &echoRequest{}, nil))
	})
}

func TestGRPC(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(newTestMux())
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	resolver := ResolverFunc(func(nodeID string) (string, error) {
		if nodeID != "target" {
			return "", errors.New("unknown node")
		}
		return "bufnet", nil
	})
	client := NewGRPC("caller", resolver,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	t.Cleanup(func() { client.Close() })

	exercise(t, client, "target")

	t.Run("unresolvable", func(t *testing.T) {
		err := client.Call(context.Background(), "ghost", "echo", nil, nil)
		assert.ErrorIs(t, err, ErrUnreachable)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		err := client.Call(context.Background(), "target", "panic", nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "handler panicked")

		var reply echoReply
		require.NoError(t, client.Call(context.Background(), "target", "echo", &echoRequest{Text: "still up"}, &reply))
		assert.Equal(t, "still up", reply.Text)
	})
}
