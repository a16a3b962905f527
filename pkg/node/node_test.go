package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/hutch/pkg/catalog"
	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/manager"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/migration"
	"github.com/cuemby/hutch/pkg/plugin"
	"github.com/cuemby/hutch/pkg/rpc"
	"github.com/cuemby/hutch/pkg/transport"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoManifest = `name: echo
version: 0.1.0
services:
  - name: main
    default_configuration:
      prefix: ">"
`

type echoService struct{}

func (echoService) OnStart(ctx *plugin.Context, cfg map[string]any) error {
	prefix := fmt.Sprint(cfg["prefix"])
	return ctx.RegisterRPC("/echo", func(_ context.Context, req *plugin.Request) ([]byte, error) {
		return []byte(prefix + string(req.Payload)), nil
	})
}

var echoMain = types.ServiceKey{Plugin: "echo", Version: "0.1.0", Service: "main"}

type testCluster struct {
	log       *manager.LocalLog
	network   *transport.Network
	plugins   *plugin.Registry
	pluginDir string
	db        *migration.SQLExecutor
	nodes     map[string]*Node
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()
	pluginDir := t.TempDir()
	dir := filepath.Join(pluginDir, "echo", "0.1.0")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(echoManifest), 0o644))

	db, err := migration.OpenSQLite(filepath.Join(t.TempDir(), "sql.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	plugins := plugin.NewRegistry()
	plugins.MustRegister("echo", "0.1.0", "main", func() any { return echoService{} })

	return &testCluster{
		log:       manager.NewLocalLog(),
		network:   transport.NewNetwork(),
		plugins:   plugins,
		pluginDir: pluginDir,
		db:        db,
		nodes:     make(map[string]*Node),
	}
}

func (c *testCluster) start(t *testing.T, id, tier, rs string) *Node {
	t.Helper()
	cfg := config.Default()
	cfg.NodeID = id
	cfg.Tier = tier
	cfg.ReplicasetID = rs
	cfg.DataDir = t.TempDir()
	cfg.PluginDir = c.pluginDir
	cfg.Bootstrap = true
	cfg.Tiers = []config.TierConfig{{Name: "default"}, {Name: "storage", BucketCount: 10}}
	cfg.Timeouts.Heartbeat = 100 * time.Millisecond
	cfg.Timeouts.OfflineAfter = time.Second
	cfg.Timeouts.ReconcileInterval = 100 * time.Millisecond

	n, err := New(cfg, Options{
		Plugins:  c.plugins,
		Version:  "test",
		Local:    c.log,
		Network:  c.network,
		Executor: c.db,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() { n.Stop(context.Background()) })
	c.nodes[id] = n
	return n
}

func TestNewRequiresLocalAndNetworkTogether(t *testing.T) {
	cfg := config.Default()
	cfg.NodeID = "i1"
	cfg.DataDir = t.TempDir()

	_, err := New(cfg, Options{Local: manager.NewLocalLog()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be set together")
}

func TestStartRegistersNodeAndTiers(t *testing.T) {
	c := newTestCluster(t)
	n1 := c.start(t, "i1", "default", "r1")
	c.start(t, "i2", "storage", "r2")

	nodes, err := n1.Store().ListNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "i1", nodes[0].ID)
	assert.Equal(t, types.NodeStatusOnline, nodes[0].Status)

	tier, err := n1.Store().GetTier("default")
	require.NoError(t, err)
	assert.Equal(t, uint64(manager.DefaultBucketCount), tier.BucketCount)

	tier, err = n1.Store().GetTier("storage")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), tier.BucketCount)

	rs, err := n1.Store().GetReplicaset("r2")
	require.NoError(t, err)
	assert.Equal(t, "i2", rs.MasterID)
}

func TestProposeBeforeStart(t *testing.T) {
	cfg := config.Default()
	cfg.NodeID = "i1"
	cfg.DataDir = t.TempDir()
	n, err := New(cfg, Options{Executor: noopExecutor{}})
	require.NoError(t, err)
	defer n.store.Close()

	_, err = n.Propose(context.Background(), &manager.Command{Op: manager.OpNodeHeartbeat})
	assert.True(t, errors.Is(err, manager.ErrUnavailable))
}

type noopExecutor struct{}

func (noopExecutor) Exec(context.Context, string) error { return nil }

func TestAdminEnableAndCall(t *testing.T) {
	c := newTestCluster(t)
	n1 := c.start(t, "i1", "default", "r1")
	c.start(t, "i2", "storage", "r2")
	ctx := context.Background()

	require.NoError(t, n1.Catalog().Install(ctx, "echo", "0.1.0", catalog.InstallOptions{}))
	require.NoError(t, n1.Catalog().AppendTier(ctx, "echo", "0.1.0", "main", "storage"))
	require.NoError(t, n1.Catalog().Enable(ctx, "echo", "0.1.0", catalog.EnableOptions{}))

	assert.False(t, n1.Runtime().IsRunning(echoMain))
	assert.True(t, c.nodes["i2"].Runtime().IsRunning(echoMain))

	payload, err := n1.Router().Dispatch(ctx, &rpc.Request{
		Path:    "/echo",
		Payload: []byte("hi"),
		Context: rpc.Context{RequestID: "r-1", Plugin: "echo", Service: "main", Version: "0.1.0", Timeout: time.Second},
	}, rpc.Target{Any: true})
	require.NoError(t, err)
	assert.Equal(t, ">hi", string(payload))

	status, err := n1.Status()
	require.NoError(t, err)
	assert.Equal(t, "i1", status.NodeID)
	assert.Len(t, status.Nodes, 2)
	assert.Empty(t, status.Services)

	status, err = c.nodes["i2"].Status()
	require.NoError(t, err)
	require.Len(t, status.Services, 1)
	assert.Equal(t, echoMain, status.Services[0].Key)
}

func TestCreateToken(t *testing.T) {
	c := newTestCluster(t)
	n1 := c.start(t, "i1", "default", "r1")

	tr := c.network.Join("cli", transport.NewMux())
	var resp TokenResponse
	err := tr.Call(context.Background(), "i1", MethodCreateToken, &TokenRequest{TTL: time.Hour}, &resp)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), resp.ExpiresAt, time.Minute)
	assert.NoError(t, n1.Tokens().ValidateToken(resp.Token))
}

func TestHTTPHandler(t *testing.T) {
	c := newTestCluster(t)
	n1 := c.start(t, "i1", "default", "r1")
	ctx := context.Background()
	require.NoError(t, n1.Catalog().Install(ctx, "echo", "0.1.0", catalog.InstallOptions{}))

	srv := httptest.NewServer(n1.httpHandler())
	defer srv.Close()

	tests := []struct {
		name string
		path string
		code int
	}{
		{name: "status", path: "/v1/status", code: http.StatusOK},
		{name: "plugins", path: "/v1/plugins", code: http.StatusOK},
		{name: "plugin", path: "/v1/plugins/echo/0.1.0", code: http.StatusOK},
		{name: "missing plugin", path: "/v1/plugins/echo/9.9.9", code: http.StatusNotFound},
		{name: "config", path: "/v1/plugins/echo/0.1.0/services/main/config", code: http.StatusOK},
		{name: "missing config", path: "/v1/plugins/echo/0.1.0/services/nope/config", code: http.StatusNotFound},
		{name: "routes", path: "/v1/routes", code: http.StatusOK},
		{name: "endpoints", path: "/v1/endpoints", code: http.StatusOK},
		{name: "metrics", path: "/metrics", code: http.StatusOK},
		{name: "live", path: "/live", code: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}

	resp, err := http.Get(srv.URL + "/v1/plugins/echo/0.1.0/services/main/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	var cfg types.ServiceConfig
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.Equal(t, ">", cfg.Values["prefix"])
}

func TestHealthFollowsConvergence(t *testing.T) {
	c := newTestCluster(t)
	n1 := c.start(t, "i1", "default", "r1")
	ctx := context.Background()
	require.NoError(t, n1.Catalog().Install(ctx, "echo", "0.1.0", catalog.InstallOptions{}))
	require.NoError(t, n1.Catalog().Enable(ctx, "echo", "0.1.0", catalog.EnableOptions{}))

	srv := httptest.NewServer(n1.httpHandler())
	defer srv.Close()

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var report metrics.HealthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, metrics.StatusHealthy, report.Status)
	assert.Equal(t, "test", report.Version)
	for _, name := range []string{"log", "transport", "reconciler", "services"} {
		assert.Equal(t, metrics.StatusHealthy, report.Components[name], name)
	}
	assert.True(t, n1.Runtime().IsRunning(echoMain))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "plain", err: errors.New("connection refused"), want: true},
		{name: "not leader", err: manager.ErrNotLeader, want: true},
		{name: "unavailable", err: fmt.Errorf("wrapped: %w", manager.ErrUnavailable), want: true},
		{name: "remote unavailable", err: &transport.RemoteError{Code: "unavailable", Message: "x"}, want: true},
		{name: "forbidden", err: manager.FromCode(string(manager.CodeForbidden), "invalid join token"), want: false},
		{name: "exists", err: manager.ErrExists, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.err))
		})
	}
}

func TestResolve(t *testing.T) {
	c := newTestCluster(t)
	n1 := c.start(t, "i1", "default", "r1")
	n1.cfg.Peers = []config.Peer{{ID: "seed", Address: "10.0.0.1:7947"}}

	addr, err := n1.resolve("i1")
	require.NoError(t, err)
	assert.Equal(t, n1.cfg.AdvertiseAddr(), addr)

	addr, err = n1.resolve("seed")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:7947", addr)

	_, err = n1.resolve("ghost")
	assert.Error(t, err)
}

func TestSetMaster(t *testing.T) {
	c := newTestCluster(t)
	n1 := c.start(t, "i1", "default", "r1")
	c.start(t, "i2", "default", "r1")
	c.start(t, "i3", "storage", "r2")
	tr := c.network.Join("cli", transport.NewMux())
	ctx := context.Background()

	require.NoError(t, tr.Call(ctx, "i3", MethodSetMaster, &MasterRequest{ReplicasetID: "r1", NodeID: "i2"}, nil))
	rs, err := n1.Store().GetReplicaset("r1")
	require.NoError(t, err)
	assert.Equal(t, "i2", rs.MasterID)

	err = tr.Call(ctx, "i1", MethodSetMaster, &MasterRequest{ReplicasetID: "r1", NodeID: "i3"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a member of replicaset r1")
}
