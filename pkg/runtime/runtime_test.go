package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/hutch/pkg/plugin"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testService records hook calls and fails on demand
type testService struct {
	mu        sync.Mutex
	calls     map[string]int
	lastCfg   map[string]any
	isMaster  bool
	failStart bool
	failNext  map[string]bool
	startJob  bool
	jobRan    atomic.Bool
	jobDone   chan struct{}
	slowStart time.Duration
}

func (s *testService) record(hook string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[hook]++
	if s.failNext[hook] {
		return errors.New(hook + " failed")
	}
	return nil
}

func (s *testService) count(hook string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[hook]
}

func (s *testService) OnStart(ctx *plugin.Context, cfg map[string]any) error {
	if s.slowStart > 0 {
		select {
		case <-time.After(s.slowStart):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := s.record(HookStart); err != nil {
		return err
	}
	if s.startJob {
		if err := ctx.Jobs.Go("worker", func(jctx context.Context) error {
			s.jobRan.Store(true)
			<-jctx.Done()
			close(s.jobDone)
			return nil
		}); err != nil {
			return err
		}
	}
	if err := ctx.RegisterRPC("/ping", func(context.Context, *plugin.Request) ([]byte, error) { return nil, nil }); err != nil {
		return err
	}
	if s.failStart {
		return errors.New("start refused")
	}
	s.mu.Lock()
	s.lastCfg = cfg
	s.mu.Unlock()
	return nil
}

func (s *testService) OnStop(ctx *plugin.Context) error {
	return s.record(HookStop)
}

func (s *testService) OnConfigValidate(cfg map[string]any) error {
	if _, bad := cfg["invalid"]; bad {
		return errors.New("invalid key")
	}
	return nil
}

func (s *testService) OnConfigChange(ctx *plugin.Context, newCfg, oldCfg map[string]any) error {
	if err := s.record(HookConfigChange); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastCfg = newCfg
	s.mu.Unlock()
	return nil
}

func (s *testService) OnLeaderChange(ctx *plugin.Context) error {
	s.mu.Lock()
	s.isMaster = ctx.IsMaster
	s.mu.Unlock()
	return s.record(HookLeaderChange)
}

type recordingEndpoints struct {
	mu    sync.Mutex
	paths map[types.ServiceKey][]string
}

func (e *recordingEndpoints) Register(key types.ServiceKey, path string, h plugin.Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paths[key] = append(e.paths[key], path)
	return nil
}

func (e *recordingEndpoints) UnregisterService(key types.ServiceKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.paths, key)
}

func (e *recordingEndpoints) has(key types.ServiceKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.paths[key]) > 0
}

var key = types.ServiceKey{Plugin: "p", Version: "0.1.0", Service: "s1"}

func newRuntime(t *testing.T, svc *testService) (*Runtime, *recordingEndpoints) {
	t.Helper()
	if svc.calls == nil {
		svc.calls = make(map[string]int)
	}
	if svc.failNext == nil {
		svc.failNext = make(map[string]bool)
	}
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(key.Plugin, key.Version, key.Service, func() any { return svc }))

	endpoints := &recordingEndpoints{paths: make(map[types.ServiceKey][]string)}
	rt := New(Config{
		NodeID:          "i1",
		Registry:        reg,
		Endpoints:       endpoints,
		CallbackTimeout: 500 * time.Millisecond,
		JobGrace:        time.Second,
	})
	return rt, endpoints
}

func TestStartStop(t *testing.T) {
	svc := &testService{startJob: true, jobDone: make(chan struct{})}
	rt, endpoints := newRuntime(t, svc)
	ctx := context.Background()

	require.NoError(t, rt.Start(ctx, key, map[string]any{"foo": true}, 5, plugin.Info{}))
	assert.True(t, rt.IsRunning(key))
	assert.True(t, endpoints.has(key))

	// Starting again is a no-op
	require.NoError(t, rt.Start(ctx, key, nil, 6, plugin.Info{}))
	assert.Equal(t, 1, svc.count(HookStart))

	st, ok := rt.Status(key)
	require.True(t, ok)
	assert.Equal(t, uint64(5), st.Revision)
	assert.Equal(t, 1, st.Jobs)

	rt.Stop(ctx, key)
	assert.False(t, rt.IsRunning(key))
	assert.False(t, endpoints.has(key))
	assert.Equal(t, 1, svc.count(HookStop))

	select {
	case <-svc.jobDone:
	default:
		t.Fatal("background job was not cancelled before stop")
	}

	// Stopping a stopped service is a no-op
	rt.Stop(ctx, key)
	assert.Equal(t, 1, svc.count(HookStop))
}

func TestStartFailureRollsBack(t *testing.T) {
	svc := &testService{failStart: true}
	rt, endpoints := newRuntime(t, svc)

	err := rt.Start(context.Background(), key, nil, 1, plugin.Info{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start refused")
	assert.False(t, rt.IsRunning(key))
	assert.False(t, endpoints.has(key))
	assert.Equal(t, 1, svc.count(HookStop), "OnStop undoes partial start")
}

func TestStartFailureSkipsJobs(t *testing.T) {
	svc := &testService{failStart: true, startJob: true, jobDone: make(chan struct{})}
	rt, _ := newRuntime(t, svc)

	err := rt.Start(context.Background(), key, nil, 1, plugin.Info{})
	require.Error(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, svc.jobRan.Load(), "jobs registered by a failed OnStart never run")
}

func TestJobsStartAfterOnStart(t *testing.T) {
	svc := &testService{startJob: true, jobDone: make(chan struct{})}
	rt, _ := newRuntime(t, svc)
	ctx := context.Background()

	require.NoError(t, rt.Start(ctx, key, nil, 1, plugin.Info{}))
	require.Eventually(t, svc.jobRan.Load, time.Second, 10*time.Millisecond)
	rt.Stop(ctx, key)
}

func TestStopDuringStart(t *testing.T) {
	svc := &testService{slowStart: 300 * time.Millisecond}
	rt, endpoints := newRuntime(t, svc)

	started := make(chan error, 1)
	go func() { started <- rt.Start(context.Background(), key, nil, 1, plugin.Info{}) }()
	require.Eventually(t, func() bool { return len(rt.Keys()) == 1 }, time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	rt.Stop(stopCtx, key)
	cancel()

	err := <-started
	assert.ErrorIs(t, err, ErrStoppedWhileStarting)
	assert.Equal(t, 1, svc.count(HookStart))
	assert.Equal(t, 1, svc.count(HookStop), "the interrupted start is torn down")
	assert.False(t, rt.IsRunning(key))
	assert.False(t, endpoints.has(key))
	assert.Empty(t, rt.Keys())

	// A later start creates a fresh instance that Stop can reach
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx, key, nil, 2, plugin.Info{}))
	assert.Equal(t, 2, svc.count(HookStart))
	rt.Stop(ctx, key)
	assert.Equal(t, 2, svc.count(HookStop))
	assert.Empty(t, rt.Keys())
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	svc := &testService{}
	rt, _ := newRuntime(t, svc)

	err := rt.Start(context.Background(), key, map[string]any{"invalid": 1}, 1, plugin.Info{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid key")
	assert.Equal(t, 0, svc.count(HookStart))
}

func TestStartTimeout(t *testing.T) {
	svc := &testService{slowStart: 2 * time.Second}
	rt, _ := newRuntime(t, svc)

	err := rt.Start(context.Background(), key, nil, 1, plugin.Info{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, rt.IsRunning(key))
}

func TestStartUnknownService(t *testing.T) {
	rt, _ := newRuntime(t, &testService{})
	err := rt.Start(context.Background(), types.ServiceKey{Plugin: "p", Version: "0.1.0", Service: "nope"}, nil, 1, plugin.Info{})
	assert.Error(t, err)
}

func TestApplyConfigPoison(t *testing.T) {
	svc := &testService{}
	rt, _ := newRuntime(t, svc)
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx, key, map[string]any{"v": 1.0}, 1, plugin.Info{}))

	require.NoError(t, rt.ApplyConfig(ctx, key, map[string]any{"v": 2.0}, 2))
	assert.Equal(t, 1, svc.count(HookConfigChange))
	assert.False(t, rt.Poisoned(key))

	// Already delivered revisions are skipped
	require.NoError(t, rt.ApplyConfig(ctx, key, map[string]any{"v": 2.0}, 2))
	assert.Equal(t, 1, svc.count(HookConfigChange))

	svc.mu.Lock()
	svc.failNext[HookConfigChange] = true
	svc.mu.Unlock()
	require.Error(t, rt.ApplyConfig(ctx, key, map[string]any{"v": 3.0}, 3))
	assert.True(t, rt.Poisoned(key))
	assert.True(t, rt.IsRunning(key), "poisoned services keep running")

	st, _ := rt.Status(key)
	assert.Equal(t, uint64(2), st.Revision)
	assert.Equal(t, 2.0, st.Config["v"])
	assert.Equal(t, uint64(3), rt.Seen(key))

	svc.mu.Lock()
	svc.failNext[HookConfigChange] = false
	svc.mu.Unlock()
	require.NoError(t, rt.ApplyConfig(ctx, key, map[string]any{"v": 4.0}, 4))
	assert.False(t, rt.Poisoned(key))
	st, _ = rt.Status(key)
	assert.Equal(t, uint64(4), st.Revision)
}

func TestSetMaster(t *testing.T) {
	svc := &testService{}
	rt, _ := newRuntime(t, svc)
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx, key, nil, 1, plugin.Info{IsMaster: true}))

	// Unchanged mastership does not call the hook
	require.NoError(t, rt.SetMaster(ctx, key, true))
	assert.Equal(t, 0, svc.count(HookLeaderChange))

	require.NoError(t, rt.SetMaster(ctx, key, false))
	assert.Equal(t, 1, svc.count(HookLeaderChange))
	svc.mu.Lock()
	assert.False(t, svc.isMaster)
	svc.failNext[HookLeaderChange] = true
	svc.mu.Unlock()

	require.Error(t, rt.SetMaster(ctx, key, true))
	assert.True(t, rt.Poisoned(key))

	assert.ErrorIs(t, rt.SetMaster(ctx, types.ServiceKey{Plugin: "x"}, true), ErrNotRunning)
}

func TestValidate(t *testing.T) {
	svc := &testService{}
	rt, _ := newRuntime(t, svc)

	assert.NoError(t, rt.Validate(context.Background(), key, map[string]any{"ok": 1}))
	assert.Error(t, rt.Validate(context.Background(), key, map[string]any{"invalid": 1}))
	assert.False(t, rt.IsRunning(key), "validation does not start the service")
}

func TestRunningAndStopAll(t *testing.T) {
	svc := &testService{}
	rt, _ := newRuntime(t, svc)
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx, key, nil, 1, plugin.Info{}))

	running := rt.Running()
	require.Len(t, running, 1)
	assert.Equal(t, key, running[0].Key)

	rt.StopAll(ctx)
	assert.Empty(t, rt.Running())
}
