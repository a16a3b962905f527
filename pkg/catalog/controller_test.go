package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/hutch/pkg/manager"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/transport"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const weatherManifest = `name: weather
version: 0.1.0
services:
  - name: forecast
    default_configuration:
      city: Berlin
      days: 3
    config_schema:
      type: object
      properties:
        days:
          type: integer
          minimum: 1
  - name: archive
`

// fakeHost records start and stop requests of one node
type fakeHost struct {
	id      string
	mu      sync.Mutex
	started []string
	stopped []string
	fail    error
}

func (h *fakeHost) StartServices(ctx context.Context, key types.PluginKey, services []string, index uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail != nil {
		return h.fail
	}
	h.started = append(h.started, services...)
	return nil
}

func (h *fakeHost) StopServices(ctx context.Context, key types.PluginKey, services []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = append(h.stopped, services...)
}

func (h *fakeHost) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.started), len(h.stopped)
}

type fakeMigrator struct {
	ups, downs int
	err        error
}

func (m *fakeMigrator) Up(ctx context.Context, name, version string) error {
	m.ups++
	return m.err
}

func (m *fakeMigrator) Down(ctx context.Context, name, version string) error {
	m.downs++
	return m.err
}

type harness struct {
	ctl      *Controller
	store    *storage.BoltStore
	log      *manager.LocalLog
	hosts    map[string]*fakeHost
	migrator *fakeMigrator
}

// newHarness registers i1, i2 (red) and i3 (blue) and writes the weather
// manifest
func newHarness(t *testing.T) *harness {
	t.Helper()
	pluginDir := t.TempDir()
	dir := filepath.Join(pluginDir, "weather", "0.1.0")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(weatherManifest), 0o644))

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	l := manager.NewLocalLog()
	require.NoError(t, l.Attach(manager.NewFSM(store)))

	ctx := context.Background()
	network := transport.NewNetwork()
	hosts := make(map[string]*fakeHost)
	for _, n := range []types.Node{
		{ID: "i1", Tier: "red", ReplicasetID: "r1"},
		{ID: "i2", Tier: "red", ReplicasetID: "r1"},
		{ID: "i3", Tier: "blue", ReplicasetID: "r2"},
	} {
		_, err := manager.Propose(ctx, l, manager.OpRegisterNode, manager.RegisterNode{Node: n})
		require.NoError(t, err)
		host := &fakeHost{id: n.ID}
		mux := transport.NewMux()
		RegisterHandlers(mux, host)
		network.Join(n.ID, mux)
		hosts[n.ID] = host
	}

	migrator := &fakeMigrator{}
	ctl := NewController(Config{
		NodeID:         "i1",
		Log:            l,
		Store:          store,
		Transport:      network.Join("coordinator", transport.NewMux()),
		Migrator:       migrator,
		PluginDir:      pluginDir,
		OnStartTimeout: time.Second,
	})
	return &harness{ctl: ctl, store: store, log: l, hosts: hosts, migrator: migrator}
}

func (h *harness) install(t *testing.T) {
	t.Helper()
	require.NoError(t, h.ctl.Install(context.Background(), "weather", "0.1.0", InstallOptions{}))
}

func routeNodes(t *testing.T, store storage.Reader, service string) []string {
	t.Helper()
	routes, err := store.ListServiceRoutes(types.ServiceKey{Plugin: "weather", Version: "0.1.0", Service: service})
	require.NoError(t, err)
	var ids []string
	for _, r := range routes {
		ids = append(ids, r.NodeID)
	}
	sort.Strings(ids)
	return ids
}

func TestInstall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.install(t)

	p, err := h.ctl.Get("weather", "0.1.0")
	require.NoError(t, err)
	assert.False(t, p.Enabled)
	assert.Equal(t, []string{"forecast", "archive"}, p.Services)

	cfg, err := h.ctl.GetConfig("weather", "0.1.0", "forecast")
	require.NoError(t, err)
	assert.Equal(t, "Berlin", cfg.Values["city"])

	err = h.ctl.Install(ctx, "weather", "0.1.0", InstallOptions{})
	assert.ErrorIs(t, err, ErrExists)

	require.NoError(t, h.ctl.Install(ctx, "weather", "0.1.0", InstallOptions{IfNotExists: true, Migrate: true}))
	assert.Equal(t, 1, h.migrator.ups)

	err = h.ctl.Install(ctx, "weather", "9.9.9", InstallOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no manifest found for plugin `weather:9.9.9`")
}

func TestInstallMigrateFailureKeepsPlugin(t *testing.T) {
	h := newHarness(t)
	h.migrator.err = errors.New("boom")

	err := h.ctl.Install(context.Background(), "weather", "0.1.0", InstallOptions{Migrate: true})
	require.Error(t, err)
	_, err = h.ctl.Get("weather", "0.1.0")
	assert.NoError(t, err)
}

func TestEnableDisable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.install(t)
	require.NoError(t, h.ctl.AppendTier(ctx, "weather", "0.1.0", "forecast", "red"))
	require.NoError(t, h.ctl.AppendTier(ctx, "weather", "0.1.0", "archive", "blue"))

	require.NoError(t, h.ctl.Enable(ctx, "weather", "0.1.0", EnableOptions{}))
	for id, want := range map[string]int{"i1": 1, "i2": 1, "i3": 1} {
		started, _ := h.hosts[id].counts()
		assert.Equal(t, want, started, id)
	}
	assert.Equal(t, []string{"i1", "i2"}, routeNodes(t, h.store, "forecast"))
	assert.Equal(t, []string{"i3"}, routeNodes(t, h.store, "archive"))

	op, err := h.store.GetPluginOp()
	require.NoError(t, err)
	assert.Nil(t, op)

	err = h.ctl.Enable(ctx, "weather", "0.1.0", EnableOptions{})
	assert.ErrorIs(t, err, ErrConflict)

	err = h.ctl.Remove(ctx, "weather", "0.1.0", RemoveOptions{})
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, h.ctl.Disable(ctx, "weather", "0.1.0"))
	assert.Empty(t, routeNodes(t, h.store, "forecast"))
	for _, id := range []string{"i1", "i2", "i3"} {
		_, stopped := h.hosts[id].counts()
		assert.Equal(t, 1, stopped, id)
	}

	// Disabling twice is a no-op
	require.NoError(t, h.ctl.Disable(ctx, "weather", "0.1.0"))

	require.NoError(t, h.ctl.Remove(ctx, "weather", "0.1.0", RemoveOptions{DropData: true}))
	assert.Equal(t, 0, h.migrator.downs)
	_, err = h.ctl.Get("weather", "0.1.0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnableStartFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.install(t)
	require.NoError(t, h.ctl.AppendTier(ctx, "weather", "0.1.0", "forecast", "red"))
	h.hosts["i2"].fail = fmt.Errorf("port in use")

	err := h.ctl.Enable(ctx, "weather", "0.1.0", EnableOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Error while enable the plugin")
	assert.Contains(t, err.Error(), "node i2")
	assert.Contains(t, err.Error(), "port in use")

	p, err := h.ctl.Get("weather", "0.1.0")
	require.NoError(t, err)
	assert.False(t, p.Enabled)
	assert.Empty(t, routeNodes(t, h.store, "forecast"))

	_, stopped := h.hosts["i1"].counts()
	assert.Equal(t, 1, stopped)

	op, err := h.store.GetPluginOp()
	require.NoError(t, err)
	assert.Nil(t, op)

	// The operation was cleared so a retry can proceed
	h.hosts["i2"].fail = nil
	require.NoError(t, h.ctl.Enable(ctx, "weather", "0.1.0", EnableOptions{}))
}

func TestEnableUnreachableNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.install(t)
	require.NoError(t, h.ctl.AppendTier(ctx, "weather", "0.1.0", "archive", "blue"))

	_, err := manager.Propose(ctx, h.log, manager.OpRegisterNode, manager.RegisterNode{
		Node: types.Node{ID: "i4", Tier: "blue", ReplicasetID: "r2"},
	})
	require.NoError(t, err)

	err = h.ctl.Enable(ctx, "weather", "0.1.0", EnableOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrUnreachable)
}

func TestTopologyOfEnabledPlugin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.install(t)
	require.NoError(t, h.ctl.Enable(ctx, "weather", "0.1.0", EnableOptions{}))
	assert.Empty(t, routeNodes(t, h.store, "archive"))

	require.NoError(t, h.ctl.AppendTier(ctx, "weather", "0.1.0", "archive", "blue"))
	started, _ := h.hosts["i3"].counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, []string{"i3"}, routeNodes(t, h.store, "archive"))

	// Appending an assigned tier is a no-op
	require.NoError(t, h.ctl.AppendTier(ctx, "weather", "0.1.0", "archive", "blue"))
	started, _ = h.hosts["i3"].counts()
	assert.Equal(t, 1, started)

	require.NoError(t, h.ctl.RemoveTier(ctx, "weather", "0.1.0", "archive", "blue"))
	_, stopped := h.hosts["i3"].counts()
	assert.Equal(t, 1, stopped)
	assert.Empty(t, routeNodes(t, h.store, "archive"))
}

func TestTopologyErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.install(t)

	tests := []struct {
		name    string
		service string
		tier    string
		wantErr string
	}{
		{name: "unknown service", service: "radar", tier: "red", wantErr: "Service `radar` for plugin `weather:0.1.0` not found"},
		{name: "unknown tier", service: "forecast", tier: "purple", wantErr: "tier `purple` not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.ctl.AppendTier(ctx, "weather", "0.1.0", tt.service, tt.tier)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOneVersionEnabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.install(t)

	next := filepath.Join(h.ctl.cfg.PluginDir, "weather", "0.2.0")
	require.NoError(t, os.MkdirAll(next, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(next, "manifest.yaml"),
		[]byte("name: weather\nversion: 0.2.0\nservices:\n  - name: forecast\n"), 0o644))
	require.NoError(t, h.ctl.Install(ctx, "weather", "0.2.0", InstallOptions{}))

	require.NoError(t, h.ctl.Enable(ctx, "weather", "0.1.0", EnableOptions{}))
	err := h.ctl.Enable(ctx, "weather", "0.2.0", EnableOptions{})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "another version of plugin `weather` is already enabled")

	plugins, err := h.ctl.List()
	require.NoError(t, err)
	require.Len(t, plugins, 2)
	assert.Equal(t, "0.1.0", plugins[0].Version)
	assert.Equal(t, "0.2.0", plugins[1].Version)
}

func TestUpdateConfig(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.install(t)

	before, err := h.ctl.GetConfig("weather", "0.1.0", "forecast")
	require.NoError(t, err)

	cfg, err := h.ctl.UpdateConfig(ctx, "weather", "0.1.0", "forecast", map[string]any{"days": 5})
	require.NoError(t, err)
	assert.Greater(t, cfg.Revision, before.Revision)
	assert.Equal(t, "Berlin", cfg.Values["city"])

	stored, err := h.ctl.GetConfig("weather", "0.1.0", "forecast")
	require.NoError(t, err)
	assert.Equal(t, cfg.Revision, stored.Revision)
	assert.EqualValues(t, 5, stored.Values["days"])

	tests := []struct {
		name    string
		service string
		values  map[string]any
		wantErr string
	}{
		{name: "schema", service: "forecast", values: map[string]any{"days": 0}, wantErr: "New configuration validation error"},
		{name: "wrong type", service: "forecast", values: map[string]any{"days": "soon"}, wantErr: "New configuration validation error"},
		{name: "unknown service", service: "radar", values: map[string]any{"x": 1}, wantErr: "Service `radar` for plugin `weather:0.1.0` not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ctl.UpdateConfig(ctx, "weather", "0.1.0", tt.service, tt.values)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	unchanged, err := h.ctl.GetConfig("weather", "0.1.0", "forecast")
	require.NoError(t, err)
	assert.Equal(t, cfg.Revision, unchanged.Revision)
}

type rejectValidator struct{}

func (rejectValidator) Validate(ctx context.Context, key types.ServiceKey, cfg map[string]any) error {
	if cfg["city"] == "Atlantis" {
		return errors.New("city does not exist")
	}
	return nil
}

func TestUpdateConfigServiceValidator(t *testing.T) {
	h := newHarness(t)
	h.ctl.cfg.Validator = rejectValidator{}
	ctx := context.Background()
	h.install(t)

	_, err := h.ctl.UpdateConfig(ctx, "weather", "0.1.0", "forecast", map[string]any{"city": "Atlantis"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "city does not exist")

	_, err = h.ctl.UpdateConfig(ctx, "weather", "0.1.0", "forecast", map[string]any{"city": "Lima"})
	assert.NoError(t, err)
}

func TestEnableNeedsMigrations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dir := filepath.Join(h.ctl.cfg.PluginDir, "library", "1.0.0")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"),
		[]byte("name: library\nversion: 1.0.0\nservices:\n  - name: books\nmigration:\n  - 001_init.db\n"), 0o644))
	require.NoError(t, h.ctl.Install(ctx, "library", "1.0.0", InstallOptions{}))

	err := h.ctl.Enable(ctx, "library", "1.0.0", EnableOptions{})
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "need to apply migrations first (applied 0/1)")

	require.NoError(t, h.ctl.Remove(ctx, "library", "1.0.0", RemoveOptions{DropData: true}))
	assert.Equal(t, 1, h.migrator.downs)
}
