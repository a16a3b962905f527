package rpc

import (
	"context"
	"testing"

	"github.com/cuemby/hutch/pkg/plugin"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ping(context.Context, *plugin.Request) ([]byte, error) { return []byte("pong"), nil }
func echo(_ context.Context, req *plugin.Request) ([]byte, error) {
	return req.Payload, nil
}

func TestRegistryAdd(t *testing.T) {
	tests := []struct {
		name    string
		ep      Endpoint
		wantErr string
	}{
		{
			name: "valid",
			ep:   Endpoint{Path: "/ping", Plugin: "p", Service: "s", Version: "0.1.0", Handler: ping},
		},
		{
			name:    "empty path",
			ep:      Endpoint{Plugin: "p", Service: "s", Version: "0.1.0", Handler: ping},
			wantErr: "RPC route path cannot be empty",
		},
		{
			name:    "relative path",
			ep:      Endpoint{Path: "bad-path", Plugin: "p", Service: "s", Version: "0.1.0", Handler: ping},
			wantErr: "RPC route path must start with '/', got 'bad-path'",
		},
		{
			name:    "empty plugin",
			ep:      Endpoint{Path: "/ping", Service: "s", Version: "0.1.0", Handler: ping},
			wantErr: "RPC route plugin name cannot be empty",
		},
		{
			name:    "empty service",
			ep:      Endpoint{Path: "/ping", Plugin: "p", Version: "0.1.0", Handler: ping},
			wantErr: "RPC route service name cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().Add(tt.ep)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidEndpoint)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestRegistryConflicts(t *testing.T) {
	r := NewRegistry()
	ep := Endpoint{Path: "/ping", Plugin: "p", Service: "s", Version: "0.1.0", Handler: ping}
	require.NoError(t, r.Add(ep))
	require.NoError(t, r.Add(ep), "identical registration is a no-op")

	other := ep
	other.Handler = echo
	err := r.Add(other)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RPC endpoint `p.s/ping` is already registered with a different handler")

	other = ep
	other.Version = "0.2.0"
	err = r.Add(other)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RPC endpoint `p.s/ping` is already registered with a different version")
}

func TestRegistrySameLiteralKeepsFirst(t *testing.T) {
	newHandler := func(prefix string) plugin.Handler {
		return func(_ context.Context, req *plugin.Request) ([]byte, error) {
			return []byte(prefix + string(req.Payload)), nil
		}
	}

	r := NewRegistry()
	key := types.ServiceKey{Plugin: "p", Version: "0.1.0", Service: "s"}
	require.NoError(t, r.Register(key, "/echo", newHandler("a:")))
	require.NoError(t, r.Register(key, "/echo", newHandler("b:")))

	ep, ok := r.Lookup("p", "s", "/echo")
	require.True(t, ok)
	out, err := ep.Handler(context.Background(), &plugin.Request{Payload: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, "a:x", string(out))
}

func TestRegistryUnregisterService(t *testing.T) {
	r := NewRegistry()
	key := types.ServiceKey{Plugin: "p", Version: "0.1.0", Service: "s"}
	require.NoError(t, r.Register(key, "/ping", ping))
	require.NoError(t, r.Register(key, "/echo", echo))
	require.NoError(t, r.Register(types.ServiceKey{Plugin: "p", Version: "0.1.0", Service: "other"}, "/ping", ping))
	assert.Len(t, r.List(), 3)

	r.UnregisterService(key)
	_, ok := r.Lookup("p", "s", "/ping")
	assert.False(t, ok)
	_, ok = r.Lookup("p", "other", "/ping")
	assert.True(t, ok)

	eps := r.List()
	require.Len(t, eps, 1)
	assert.Equal(t, "p.other/ping", eps[0].String())
}
