package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/plugin"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/rs/zerolog"
)

// Hook names used in metrics and poison tracking
const (
	HookStart          = "on_start"
	HookStop           = "on_stop"
	HookConfigValidate = "on_config_validate"
	HookConfigChange   = "on_config_change"
	HookLeaderChange   = "on_leader_change"
)

const (
	// DefaultCallbackTimeout bounds every hook invocation
	DefaultCallbackTimeout = 10 * time.Second

	// DefaultJobGrace bounds the wait for background jobs on stop
	DefaultJobGrace = 5 * time.Second
)

// ErrNotRunning is returned for operations on a service that is not running
var ErrNotRunning = errors.New("service is not running")

// ErrStoppedWhileStarting is returned by Start when Stop was called for the
// service before its start completed
var ErrStoppedWhileStarting = fmt.Errorf("%w: stopped while starting", ErrNotRunning)

// Endpoints is the node-local RPC endpoint table
type Endpoints interface {
	Register(key types.ServiceKey, path string, h plugin.Handler) error
	UnregisterService(key types.ServiceKey)
}

// Config configures a Runtime
type Config struct {
	NodeID          string
	Registry        *plugin.Registry
	Endpoints       Endpoints
	Broker          *events.Broker
	CallbackTimeout time.Duration
	JobGrace        time.Duration
}

type state int

const (
	stateStarting state = iota
	stateRunning
	stateStopped
)

// instance is one service running on this node. mu serializes its hooks.
type instance struct {
	mu       sync.Mutex
	state    state
	key      types.ServiceKey
	svc      any
	info     plugin.Info
	jobs     *plugin.Jobs
	config   map[string]any
	applied  uint64 // revision of config
	seen     uint64 // last revision delivered, successful or not
	poison   map[string]bool
	startErr error
	started  chan struct{}
	// stopRequested is set under Runtime.mu by a Stop that did not wait for
	// the start to finish; the start tears the instance down itself
	stopRequested bool
}

func (i *instance) poisoned() bool {
	for _, p := range i.poison {
		if p {
			return true
		}
	}
	return false
}

// Status describes a running service
type Status struct {
	Key      types.ServiceKey
	Revision uint64
	Config   map[string]any
	IsMaster bool
	Poisoned bool
	Jobs     int
}

// Runtime runs plugin services on this node
type Runtime struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.RWMutex
	instances map[types.ServiceKey]*instance
}

// New creates a Runtime
func New(cfg Config) *Runtime {
	if cfg.CallbackTimeout == 0 {
		cfg.CallbackTimeout = DefaultCallbackTimeout
	}
	if cfg.JobGrace == 0 {
		cfg.JobGrace = DefaultJobGrace
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = noEndpoints{}
	}
	return &Runtime{
		cfg:       cfg,
		logger:    log.WithComponent("runtime").With().Str("node_id", cfg.NodeID).Logger(),
		instances: make(map[types.ServiceKey]*instance),
	}
}

// Start starts a service with its committed configuration. Starting a
// running service is a no-op. On failure the service is stopped again:
// jobs are cancelled, OnStop undoes partial side effects and its endpoints
// are removed.
func (r *Runtime) Start(ctx context.Context, key types.ServiceKey, cfg map[string]any, revision uint64, info plugin.Info) error {
	r.mu.Lock()
	if inst, ok := r.instances[key]; ok {
		r.mu.Unlock()
		// Wait for a concurrent start to settle
		select {
		case <-inst.started:
		case <-ctx.Done():
			return ctx.Err()
		}
		return inst.startErr
	}
	inst := &instance{
		state:   stateStarting,
		key:     key,
		info:    info,
		poison:  make(map[string]bool),
		started: make(chan struct{}),
	}
	inst.mu.Lock()
	r.instances[key] = inst
	r.mu.Unlock()

	err := r.start(ctx, inst, cfg, revision)
	if err == nil && r.stopPending(inst) {
		r.teardown(inst)
		metrics.ServicesRunning.Dec()
		r.logger.Info().Str("service", key.String()).Msg("Service stopped while starting")
		r.publish(events.EventServiceStopped, key, "")
		err = ErrStoppedWhileStarting
	}
	if err != nil {
		inst.state = stateStopped
		inst.startErr = err
		r.forget(inst)
	} else {
		inst.state = stateRunning
	}
	close(inst.started)
	inst.mu.Unlock()
	return err
}

func (r *Runtime) stopPending(inst *instance) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return inst.stopRequested
}

// forget removes inst from the instance table unless it was replaced
func (r *Runtime) forget(inst *instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instances[inst.key] == inst {
		delete(r.instances, inst.key)
	}
}

func (r *Runtime) start(ctx context.Context, inst *instance, cfg map[string]any, revision uint64) error {
	logger := r.logger.With().Str("service", inst.key.String()).Logger()

	svc, err := r.cfg.Registry.New(inst.key)
	if err != nil {
		return err
	}
	inst.svc = svc
	inst.jobs = plugin.NewJobs(logger)

	if v, ok := svc.(plugin.ConfigValidator); ok {
		if err := r.call(ctx, HookConfigValidate, func(context.Context) error { return v.OnConfigValidate(types.CloneValues(cfg)) }); err != nil {
			return fmt.Errorf("configuration validation error: %w", err)
		}
	}

	if s, ok := svc.(plugin.Starter); ok {
		err := r.call(ctx, HookStart, func(hctx context.Context) error {
			return s.OnStart(r.hookContext(hctx, inst), types.CloneValues(cfg))
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Service failed to start, stopping it")
			r.teardown(inst)
			r.publish(events.EventServiceFailed, inst.key, err.Error())
			return err
		}
	}

	if err := inst.jobs.Launch(); err != nil {
		r.teardown(inst)
		return err
	}
	inst.config = types.CloneValues(cfg)
	inst.applied = revision
	inst.seen = revision
	metrics.ServicesRunning.Inc()
	logger.Info().Uint64("revision", revision).Msg("Service started")
	r.publish(events.EventServiceStarted, inst.key, "")
	return nil
}

// Stop stops a running service. Errors of OnStop and jobs that outlive the
// grace period are logged, never returned. A service still starting is
// marked for stop; if ctx expires first, the start tears it down when it
// completes.
func (r *Runtime) Stop(ctx context.Context, key types.ServiceKey) {
	r.mu.Lock()
	inst, ok := r.instances[key]
	if ok {
		inst.stopRequested = true
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	select {
	case <-inst.started:
	case <-ctx.Done():
		return
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	r.forget(inst)
	if inst.state != stateRunning {
		return
	}
	inst.state = stateStopped
	r.teardown(inst)
	metrics.ServicesRunning.Dec()
	r.logger.Info().Str("service", key.String()).Msg("Service stopped")
	r.publish(events.EventServiceStopped, key, "")
}

// teardown cancels jobs, calls OnStop and removes endpoints. Caller holds
// inst.mu.
func (r *Runtime) teardown(inst *instance) {
	logger := r.logger.With().Str("service", inst.key.String()).Logger()

	if inst.jobs != nil {
		if err := inst.jobs.Stop(r.cfg.JobGrace); err != nil {
			logger.Warn().Err(err).Msg("Background jobs did not stop in time")
		}
	}
	if s, ok := inst.svc.(plugin.Stopper); ok {
		err := r.call(context.Background(), HookStop, func(hctx context.Context) error {
			return s.OnStop(r.hookContext(hctx, inst))
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Service stop callback failed")
		}
	}
	r.cfg.Endpoints.UnregisterService(inst.key)
}

// StopAll stops every service
func (r *Runtime) StopAll(ctx context.Context) {
	for _, key := range r.Keys() {
		r.Stop(ctx, key)
	}
}

// ApplyConfig delivers a committed configuration revision to a running
// service. Revisions at or below the last delivered one are ignored. A
// failed delivery poisons the service and keeps the previous configuration
// as applied; a later successful delivery clears the poison.
func (r *Runtime) ApplyConfig(ctx context.Context, key types.ServiceKey, cfg map[string]any, revision uint64) error {
	inst, err := r.lockRunning(ctx, key)
	if err != nil {
		return err
	}
	defer inst.mu.Unlock()

	if revision <= inst.seen {
		return nil
	}
	inst.seen = revision

	changer, ok := inst.svc.(plugin.ConfigChanger)
	if ok {
		old := types.CloneValues(inst.config)
		err = r.call(ctx, HookConfigChange, func(hctx context.Context) error {
			return changer.OnConfigChange(r.hookContext(hctx, inst), types.CloneValues(cfg), old)
		})
	}
	r.setPoison(inst, HookConfigChange, err)
	if err != nil {
		return err
	}

	inst.config = types.CloneValues(cfg)
	inst.applied = revision
	r.publish(events.EventConfigApplied, key, "")
	return nil
}

// SetMaster updates the mastership of a running service and calls
// OnLeaderChange when it flipped
func (r *Runtime) SetMaster(ctx context.Context, key types.ServiceKey, isMaster bool) error {
	inst, err := r.lockRunning(ctx, key)
	if err != nil {
		return err
	}
	defer inst.mu.Unlock()

	if inst.info.IsMaster == isMaster {
		return nil
	}
	inst.info.IsMaster = isMaster

	if changer, ok := inst.svc.(plugin.LeaderChanger); ok {
		err = r.call(ctx, HookLeaderChange, func(hctx context.Context) error {
			return changer.OnLeaderChange(r.hookContext(hctx, inst))
		})
	}
	r.setPoison(inst, HookLeaderChange, err)
	return err
}

// Validate checks cfg with the OnConfigValidate hook of a fresh service
// instance. It does not need the service to run here.
func (r *Runtime) Validate(ctx context.Context, key types.ServiceKey, cfg map[string]any) error {
	svc, err := r.cfg.Registry.New(key)
	if err != nil {
		return err
	}
	v, ok := svc.(plugin.ConfigValidator)
	if !ok {
		return nil
	}
	return r.call(ctx, HookConfigValidate, func(context.Context) error {
		return v.OnConfigValidate(types.CloneValues(cfg))
	})
}

func (r *Runtime) lockRunning(ctx context.Context, key types.ServiceKey) (*instance, error) {
	r.mu.RLock()
	inst, ok := r.instances[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, key)
	}
	select {
	case <-inst.started:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	inst.mu.Lock()
	if inst.state != stateRunning {
		inst.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, key)
	}
	return inst, nil
}

func (r *Runtime) setPoison(inst *instance, hook string, err error) {
	was := inst.poisoned()
	inst.poison[hook] = err != nil
	now := inst.poisoned()
	if was == now {
		return
	}
	if now {
		r.logger.Warn().Err(err).Str("service", inst.key.String()).Str("hook", hook).Msg("Service poisoned")
		r.publish(events.EventRoutePoisoned, inst.key, err.Error())
	} else {
		r.logger.Info().Str("service", inst.key.String()).Str("hook", hook).Msg("Service poison cleared")
		r.publish(events.EventRouteHealed, inst.key, "")
	}
}

// call runs a hook under the callback timeout. Panics become errors.
func (r *Runtime) call(ctx context.Context, hook string, fn func(ctx context.Context) error) error {
	timer := metrics.NewTimer()
	hctx, cancel := context.WithTimeout(ctx, r.cfg.CallbackTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("%s panicked: %v", hook, p)
			}
		}()
		done <- fn(hctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-hctx.Done():
		err = fmt.Errorf("%s timed out: %w", hook, hctx.Err())
	}

	timer.ObserveDurationVec(metrics.CallbackDuration, hook)
	metrics.CallbacksTotal.WithLabelValues(hook, metrics.Result(err)).Inc()
	return err
}

func (r *Runtime) hookContext(ctx context.Context, inst *instance) *plugin.Context {
	routes := serviceRoutes{endpoints: r.cfg.Endpoints, key: inst.key}
	logger := log.WithService(inst.key.PluginKey().String(), inst.key.Service)
	return plugin.NewContext(ctx, inst.info, inst.jobs, routes, logger)
}

func (r *Runtime) publish(t events.EventType, key types.ServiceKey, msg string) {
	if r.cfg.Broker == nil {
		return
	}
	r.cfg.Broker.Publish(&events.Event{
		Type:    t,
		Message: msg,
		Metadata: map[string]string{
			"node_id": r.cfg.NodeID,
			"plugin":  key.Plugin,
			"version": key.Version,
			"service": key.Service,
		},
	})
}

// IsRunning reports whether key is running on this node
func (r *Runtime) IsRunning(key types.ServiceKey) bool {
	r.mu.RLock()
	inst, ok := r.instances[key]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case <-inst.started:
		return inst.startErr == nil
	default:
		return false
	}
}

// Poisoned reports whether the last callback of any kind failed for key
func (r *Runtime) Poisoned(key types.ServiceKey) bool {
	st, ok := r.Status(key)
	return ok && st.Poisoned
}

// Status returns the state of a running service
func (r *Runtime) Status(key types.ServiceKey) (Status, bool) {
	r.mu.RLock()
	inst, ok := r.instances[key]
	r.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	select {
	case <-inst.started:
	default:
		return Status{}, false
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != stateRunning {
		return Status{}, false
	}
	st := Status{
		Key:      key,
		Revision: inst.applied,
		Config:   types.CloneValues(inst.config),
		IsMaster: inst.info.IsMaster,
		Poisoned: inst.poisoned(),
	}
	if inst.jobs != nil {
		st.Jobs = inst.jobs.Count()
	}
	return st, true
}

// Seen returns the last configuration revision delivered to key
func (r *Runtime) Seen(key types.ServiceKey) uint64 {
	r.mu.RLock()
	inst, ok := r.instances[key]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	select {
	case <-inst.started:
	default:
		return 0
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.seen
}

// Keys returns the services present on this node sorted by key
func (r *Runtime) Keys() []types.ServiceKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]types.ServiceKey, 0, len(r.instances))
	for k := range r.instances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Running returns the status of every running service
func (r *Runtime) Running() []Status {
	var out []Status
	for _, key := range r.Keys() {
		if st, ok := r.Status(key); ok {
			out = append(out, st)
		}
	}
	return out
}

type serviceRoutes struct {
	endpoints Endpoints
	key       types.ServiceKey
}

func (s serviceRoutes) Register(path string, h plugin.Handler) error {
	return s.endpoints.Register(s.key, path, h)
}

type noEndpoints struct{}

func (noEndpoints) Register(types.ServiceKey, string, plugin.Handler) error { return nil }
func (noEndpoints) UnregisterService(types.ServiceKey)                      {}
