package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/hutch/pkg/manager"
	"github.com/cuemby/hutch/pkg/plugin"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var s1 = types.ServiceKey{Plugin: "p", Version: "0.1.0", Service: "s1"}

// counterService records lifecycle calls
type counterService struct {
	mu         sync.Mutex
	starts     int
	stops      int
	startCfg   map[string]any
	configs    []any
	leader     []bool
	failStart  bool
	failConfig bool
}

func (s *counterService) OnStart(ctx *plugin.Context, cfg map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if s.failStart {
		return errors.New("start refused")
	}
	s.startCfg = cfg
	return nil
}

func (s *counterService) OnStop(ctx *plugin.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *counterService) OnConfigChange(ctx *plugin.Context, newCfg, oldCfg map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs = append(s.configs, newCfg["n"])
	if s.failConfig {
		return errors.New("config refused")
	}
	return nil
}

func (s *counterService) OnLeaderChange(ctx *plugin.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leader = append(s.leader, ctx.IsMaster)
	return nil
}

func (s *counterService) set(fn func(s *counterService)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *counterService) snapshot() counterService {
	s.mu.Lock()
	defer s.mu.Unlock()
	return counterService{
		starts:   s.starts,
		stops:    s.stops,
		startCfg: s.startCfg,
		configs:  append([]any(nil), s.configs...),
		leader:   append([]bool(nil), s.leader...),
	}
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	log   *manager.LocalLog
	store *storage.BoltStore
	rt    *runtime.Runtime
	rec   *Reconciler
	svc   *counterService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, ctx: context.Background(), log: manager.NewLocalLog(), svc: &counterService{}}
	h.store, h.rt, h.rec = h.member("i1")
	return h
}

// member creates a store, runtime and reconciler for nodeID and attaches
// it to the log
func (h *harness) member(nodeID string) (*storage.BoltStore, *runtime.Runtime, *Reconciler) {
	h.t.Helper()
	store, err := storage.NewBoltStore(h.t.TempDir())
	require.NoError(h.t, err)
	h.t.Cleanup(func() { store.Close() })

	registry := plugin.NewRegistry()
	registry.MustRegister("p", "0.1.0", "s1", func() any { return h.svc })
	rt := runtime.New(runtime.Config{NodeID: nodeID, Registry: registry, CallbackTimeout: time.Second})
	h.t.Cleanup(func() { rt.StopAll(context.Background()) })

	rec := NewReconciler(Config{NodeID: nodeID, Store: store, Log: h.log, Runtime: rt, Interval: time.Hour})
	fsm := manager.NewFSM(store)
	fsm.Watch(rec.Observe)
	require.NoError(h.t, h.log.Attach(fsm))
	return store, rt, rec
}

func (h *harness) propose(op string, payload any) {
	h.t.Helper()
	_, err := manager.Propose(h.ctx, h.log, op, payload)
	require.NoError(h.t, err)
}

// setup registers i1 in tier red and installs p:0.1.0 with s1 on red
func (h *harness) setup() {
	h.propose(manager.OpRegisterNode, manager.RegisterNode{Node: types.Node{ID: "i1", Tier: "red", ReplicasetID: "r1"}})
	h.propose(manager.OpInstallPlugin, manager.InstallPlugin{
		Plugin:   types.Plugin{Name: "p", Version: "0.1.0", Services: []string{"s1"}},
		Services: []*types.ServiceDef{{Name: "s1"}},
		Defaults: map[string]map[string]any{"s1": {"n": float64(0)}},
		Now:      time.Now(),
	})
	h.propose(manager.OpUpdateTiers, manager.UpdateTiers{Key: s1, Tier: "red", Append: true})
}

func (h *harness) enable() {
	h.propose(manager.OpEnablePlugin, manager.EnablePlugin{Name: "p", Version: "0.1.0"})
}

func (h *harness) updateConfig(n float64) {
	h.t.Helper()
	cur, err := h.store.GetConfig(s1)
	require.NoError(h.t, err)
	h.propose(manager.OpUpdateConfig, manager.UpdateConfig{
		Key:            s1,
		Values:         map[string]any{"n": n},
		ExpectRevision: cur.Revision,
	})
}

func (h *harness) route() *types.Route {
	h.t.Helper()
	r, err := h.store.GetRoute(s1, "i1")
	require.NoError(h.t, err)
	return r
}

func TestReconcileStartsAndStops(t *testing.T) {
	h := newHarness(t)
	h.setup()
	h.rec.drain(h.ctx)
	assert.False(t, h.rt.IsRunning(s1), "disabled plugins do not run")
	assert.True(t, h.rec.Converged())

	h.enable()
	h.rec.drain(h.ctx)
	assert.True(t, h.rt.IsRunning(s1))
	assert.Equal(t, map[string]any{"n": float64(0)}, h.svc.snapshot().startCfg)
	assert.False(t, h.route().Poisoned)
	assert.True(t, h.rec.Converged())

	h.propose(manager.OpDisablePlugin, manager.PluginRef{Name: "p", Version: "0.1.0"})
	assert.False(t, h.rec.Converged())
	h.rec.drain(h.ctx)
	assert.False(t, h.rt.IsRunning(s1))
	assert.Equal(t, 1, h.svc.snapshot().stops)
	assert.True(t, h.rec.Converged())
}

func TestConfigDeliveredInOrder(t *testing.T) {
	h := newHarness(t)
	h.setup()
	h.enable()
	h.rec.drain(h.ctx)

	h.updateConfig(1)
	h.updateConfig(2)
	h.updateConfig(3)
	h.rec.drain(h.ctx)

	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, h.svc.snapshot().configs, "one callback per revision")
	st, ok := h.rt.Status(s1)
	require.True(t, ok)
	assert.Equal(t, float64(3), st.Config["n"])
	assert.True(t, h.rec.Converged())
}

func TestConfigFailurePoisonsRoute(t *testing.T) {
	h := newHarness(t)
	h.setup()
	h.enable()
	h.rec.drain(h.ctx)

	h.svc.set(func(s *counterService) { s.failConfig = true })
	h.updateConfig(1)
	h.rec.drain(h.ctx)
	assert.True(t, h.rt.IsRunning(s1), "service keeps running")
	assert.True(t, h.route().Poisoned)

	h.svc.set(func(s *counterService) { s.failConfig = false })
	h.updateConfig(2)
	h.rec.drain(h.ctx)
	assert.False(t, h.route().Poisoned)
	assert.True(t, h.rec.Converged())
}

func TestLeaderChange(t *testing.T) {
	h := newHarness(t)
	h.setup()
	h.propose(manager.OpRegisterNode, manager.RegisterNode{Node: types.Node{ID: "i2", Tier: "red", ReplicasetID: "r1"}})
	h.enable()
	h.rec.drain(h.ctx)

	st, ok := h.rt.Status(s1)
	require.True(t, ok)
	assert.True(t, st.IsMaster, "first node of the replicaset is master")

	h.propose(manager.OpSetReplicasetMaster, manager.SetReplicasetMaster{ReplicasetID: "r1", MasterID: "i2"})
	h.rec.drain(h.ctx)
	assert.Equal(t, []bool{false}, h.svc.snapshot().leader)

	// Unrelated changes do not fire the callback again
	h.updateConfig(1)
	h.rec.drain(h.ctx)
	assert.Equal(t, []bool{false}, h.svc.snapshot().leader)

	h.propose(manager.OpSetReplicasetMaster, manager.SetReplicasetMaster{ReplicasetID: "r1", MasterID: "i1"})
	h.rec.drain(h.ctx)
	assert.Equal(t, []bool{false, true}, h.svc.snapshot().leader)
}

func TestPendingOperationSkipsPlugin(t *testing.T) {
	h := newHarness(t)
	h.setup()
	h.enable()
	h.rec.drain(h.ctx)
	require.True(t, h.rt.IsRunning(s1))

	h.propose(manager.OpBeginPluginOp, manager.BeginPluginOp{
		Op:  types.PluginOp{ID: "op1", Kind: types.PluginOpTopology, Plugin: "p", Version: "0.1.0", Deadline: time.Now().Add(time.Minute)},
		Now: time.Now(),
	})
	h.propose(manager.OpDisablePlugin, manager.PluginRef{Name: "p", Version: "0.1.0"})
	h.rec.drain(h.ctx)
	assert.True(t, h.rt.IsRunning(s1), "plugin with a pending operation is left alone")

	h.propose(manager.OpEndPluginOp, manager.EndPluginOp{ID: "op1"})
	h.rec.drain(h.ctx)
	assert.False(t, h.rt.IsRunning(s1))
}

func TestFailedStartRetriedOnChange(t *testing.T) {
	h := newHarness(t)
	h.setup()
	h.svc.set(func(s *counterService) { s.failStart = true })
	h.enable()
	h.rec.drain(h.ctx)

	assert.False(t, h.rt.IsRunning(s1))
	assert.Contains(t, h.rec.Failed(), s1)
	assert.True(t, h.route().Poisoned)
	starts := h.svc.snapshot().starts

	h.rec.Reconcile(h.ctx, false)
	assert.Equal(t, starts, h.svc.snapshot().starts, "ticks do not retry failed starts")

	h.svc.set(func(s *counterService) { s.failStart = false })
	h.updateConfig(1)
	h.propose(manager.OpPutTier, manager.PutTier{Tier: types.Tier{Name: "blue"}})
	h.rec.drain(h.ctx)
	assert.True(t, h.rt.IsRunning(s1))
	assert.False(t, h.route().Poisoned)
	assert.Empty(t, h.rec.Failed())
}

func TestStartStopServices(t *testing.T) {
	h := newHarness(t)
	h.setup()

	require.NoError(t, h.rec.StartServices(h.ctx, s1.PluginKey(), nil, h.log.Index()))
	assert.True(t, h.rt.IsRunning(s1))

	h.rec.StopServices(h.ctx, s1.PluginKey(), nil)
	assert.False(t, h.rt.IsRunning(s1))

	ctx, cancel := context.WithTimeout(h.ctx, 50*time.Millisecond)
	defer cancel()
	err := h.rec.StartServices(ctx, s1.PluginKey(), nil, h.log.Index()+10)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSnapshotRestoreConverges(t *testing.T) {
	h := newHarness(t)
	h.setup()
	h.enable()
	h.updateConfig(1)
	h.updateConfig(2)
	require.NoError(t, h.log.Compact())

	// A fresh member of the same node id bootstraps from the snapshot
	store, rt, rec := h.member("i1")
	rec.drain(h.ctx)

	assert.True(t, rt.IsRunning(s1))
	st, ok := rt.Status(s1)
	require.True(t, ok)
	cfg, err := store.GetConfig(s1)
	require.NoError(t, err)
	assert.Equal(t, cfg.Revision, st.Revision)
	assert.Equal(t, float64(2), st.Config["n"])
	assert.True(t, rec.Converged())
}

func TestLoop(t *testing.T) {
	h := newHarness(t)
	h.rec.Start()
	defer h.rec.Stop()

	h.setup()
	h.enable()
	require.Eventually(t, func() bool { return h.rt.IsRunning(s1) && h.rec.Converged() }, 5*time.Second, 10*time.Millisecond)

	h.updateConfig(7)
	require.Eventually(t, func() bool {
		st, ok := h.rt.Status(s1)
		return ok && st.Config["n"] == float64(7)
	}, 5*time.Second, 10*time.Millisecond)
}
