package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/manager"
	"github.com/cuemby/hutch/pkg/manifest"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrLockHeld matches "lock already acquired by <node>"
	ErrLockHeld = manager.ErrLockHeld

	// ErrLockReleased matches "lock already released": this node lost the
	// lock while working
	ErrLockReleased = manager.ErrLockLost

	// ErrInconsistent is returned when recorded migrations do not match the
	// migration list of the requested version
	ErrInconsistent = errors.New("inconsistent with previous version migration list")

	// ErrInProgress is returned when this node already runs a migration
	ErrInProgress = errors.New("migration already in progress on this node")
)

func lockReleased() error {
	return manager.FromCode(string(manager.CodeLockLost), "lock already released")
}

// Config configures an Engine
type Config struct {
	NodeID    string
	Log       manager.Log
	Store     storage.Reader
	Executor  Executor
	PluginDir string
	Broker    *events.Broker
}

// operation is the migration this node is running
type operation struct {
	plugin  string
	version string
	dir     types.MigrationOp
	cancel  context.CancelFunc

	index   atomic.Uint64 // commit index of our lock acquisition
	foreign atomic.Uint64 // highest index of another node's acquisition
	lost    atomic.Bool
}

// Engine applies and rolls back plugin migrations under the cluster-wide
// migration lock
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	active *operation
}

// NewEngine creates an Engine. Observe must be registered as an FSM watcher.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: log.WithComponent("migration").With().Str("node_id", cfg.NodeID).Logger(),
	}
}

// Up applies the migrations of name:version that are not applied yet. A
// failing statement rolls back every file applied by this call and the
// failing file itself before the error is returned.
func (e *Engine) Up(ctx context.Context, name, version string) (err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.MigrationDuration, "up")
		metrics.MigrationsTotal.WithLabelValues("up", metrics.Result(err)).Inc()
	}()

	p, files, err := e.load(name, version)
	if err != nil || len(files) == 0 {
		return err
	}

	op, opCtx, err := e.begin(ctx, p, types.MigrationOpUp)
	if err != nil {
		return err
	}
	defer e.finish(op)

	records, err := e.cfg.Store.ListMigrations(name)
	if err != nil {
		e.release(ctx, op)
		return err
	}
	if err := verify(files, records); err != nil {
		e.release(ctx, op)
		return err
	}

	logger := e.logger.With().Str("plugin", p.Key().String()).Logger()
	var applied []*File
	for _, f := range files[len(records):] {
		stmt, err := e.runSection(opCtx, op, f.Up, "up")
		if err != nil {
			if e.isLost(op) {
				logger.Warn().Str("file", f.Name).Msg("Migration lock lost, aborting without rollback")
				return lockReleased()
			}
			logger.Error().Err(err).Str("file", f.Name).Str("statement", stmt).Msg("Migration failed, rolling back")
			e.rollback(context.WithoutCancel(ctx), op, f, applied)
			e.release(context.WithoutCancel(ctx), op)
			return fmt.Errorf("Failed to apply `UP` command (file: %s) `%s`: %w", f.Name, stmt, err)
		}

		if err := e.checkLock(op); err != nil {
			return err
		}
		_, err = manager.Propose(ctx, e.cfg.Log, manager.OpRecordMigration, manager.RecordMigration{
			Node: e.cfg.NodeID,
			Record: types.MigrationRecord{
				Plugin:    name,
				File:      f.Name,
				Checksum:  f.Checksum,
				Version:   version,
				AppliedAt: time.Now(),
			},
		})
		if err != nil {
			if errors.Is(err, manager.ErrLockLost) {
				e.markLost(op)
			}
			return err
		}
		applied = append(applied, f)
		logger.Info().Str("file", f.Name).Msg("Migration applied")
	}

	e.publish(events.EventMigrationApplied, p.Key(), "")
	return e.release(ctx, op)
}

// Down rolls back every applied migration of name:version in reverse order
// and clears their records. Failing DOWN statements are logged and the
// remaining files are still rolled back.
func (e *Engine) Down(ctx context.Context, name, version string) (err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.MigrationDuration, "down")
		metrics.MigrationsTotal.WithLabelValues("down", metrics.Result(err)).Inc()
	}()

	p, files, err := e.load(name, version)
	if err != nil || len(files) == 0 {
		return err
	}

	op, opCtx, err := e.begin(ctx, p, types.MigrationOpDown)
	if err != nil {
		return err
	}
	defer e.finish(op)

	records, err := e.cfg.Store.ListMigrations(name)
	if err != nil {
		e.release(ctx, op)
		return err
	}
	recorded := make(map[string]bool, len(records))
	for _, r := range records {
		recorded[r.File] = true
	}

	for i := len(files) - 1; i >= 0; i-- {
		f := files[i]
		if !recorded[f.Name] {
			continue
		}
		if stmt, err := e.runSection(opCtx, op, f.Down, "down"); err != nil {
			if e.isLost(op) {
				return lockReleased()
			}
			e.logger.Warn().Err(err).Str("file", f.Name).Str("statement", stmt).Msg("Failed to apply `DOWN` command")
		}
		if err := e.forget(ctx, op, name, f.Name); err != nil {
			return err
		}
	}

	e.publish(events.EventMigrationReverted, p.Key(), "")
	return e.release(ctx, op)
}

// Status returns the migration state of name:version
func (e *Engine) Status(name, version string) (types.MigrationState, error) {
	p, err := e.cfg.Store.GetPlugin(name, version)
	if err != nil {
		return "", pluginNotFound(name, version, err)
	}
	if len(p.Migrations) == 0 {
		return types.MigrationStateNone, nil
	}
	lock, err := e.cfg.Store.GetMigrationLock()
	if err != nil {
		return "", err
	}
	if lock.Held() && lock.Plugin == name && lock.Version == version {
		if lock.Op == types.MigrationOpDown {
			return types.MigrationStateRollingBack, nil
		}
		return types.MigrationStateApplying, nil
	}
	applied, err := manager.AppliedMigrations(e.cfg.Store, p)
	if err != nil {
		return "", err
	}
	if applied == len(p.Migrations) {
		return types.MigrationStateApplied, nil
	}
	return types.MigrationStateNotApplied, nil
}

// ReleaseStale releases a lock this node holds from before a restart
func (e *Engine) ReleaseStale(ctx context.Context) error {
	e.mu.Lock()
	busy := e.active != nil
	e.mu.Unlock()
	if busy {
		return nil
	}

	lock, err := e.cfg.Store.GetMigrationLock()
	if err != nil || lock.Holder != e.cfg.NodeID {
		return err
	}
	e.logger.Warn().Str("plugin", lock.Plugin).Str("version", lock.Version).Msg("Releasing stale migration lock")
	_, err = manager.Propose(ctx, e.cfg.Log, manager.OpReleaseMigrationLock, manager.ReleaseMigrationLock{Node: e.cfg.NodeID})
	if errors.Is(err, manager.ErrLockLost) {
		return nil
	}
	return err
}

// Observe detects another node taking over the lock. It runs as an FSM
// watcher.
func (e *Engine) Observe(c manager.Change) {
	e.mu.Lock()
	op := e.active
	e.mu.Unlock()
	if op == nil {
		return
	}

	switch {
	case c.Op == manager.OpAcquireMigrationLock && c.NodeID != e.cfg.NodeID:
		if c.Index > op.foreign.Load() {
			op.foreign.Store(c.Index)
		}
		if idx := op.index.Load(); idx != 0 && c.Index > idx {
			e.markLost(op)
		}
	case c.Op == manager.OpSetNodeStatus && c.NodeID == e.cfg.NodeID:
		e.logger.Warn().Msg("Node status changed while holding the migration lock")
	case c.Restored:
		if lock, err := e.cfg.Store.GetMigrationLock(); err == nil && op.index.Load() != 0 && lock.Holder != e.cfg.NodeID {
			e.markLost(op)
		}
	}
}

func (e *Engine) load(name, version string) (*types.Plugin, []*File, error) {
	p, err := e.cfg.Store.GetPlugin(name, version)
	if err != nil {
		return nil, nil, pluginNotFound(name, version, err)
	}

	dir := filepath.Dir(manifest.Path(e.cfg.PluginDir, name, version))
	files := make([]*File, 0, len(p.Migrations))
	for _, file := range p.Migrations {
		if filepath.Ext(file) != manifest.MigrationExt {
			return nil, nil, fmt.Errorf("invalid extension of migration file `%s`, expected `%s`", file, manifest.MigrationExt)
		}
		content, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read migration file `%s`: %w", file, err)
		}
		f, err := ParseFile(file, content)
		if err != nil {
			return nil, nil, err
		}
		files = append(files, f)
	}
	return p, files, nil
}

func pluginNotFound(name, version string, err error) error {
	if storage.IsNotFound(err) {
		return manager.FromCode(string(manager.CodeNotFound),
			fmt.Sprintf("Plugin `%s` not found", types.PluginKey{Name: name, Version: version}))
	}
	return err
}

// verify checks that recorded migrations are a prefix of files with equal
// checksums
func verify(files []*File, records []*types.MigrationRecord) error {
	for i, rec := range records {
		if i >= len(files) || files[i].Name != rec.File || files[i].Checksum != rec.Checksum {
			name := rec.File
			if i < len(files) {
				name = files[i].Name
			}
			return fmt.Errorf("%w, reason: unknown migration files found in manifest migrations (mismatched file meta information for %s)",
				ErrInconsistent, name)
		}
	}
	return nil
}

// begin registers the operation and acquires the cluster-wide lock
func (e *Engine) begin(ctx context.Context, p *types.Plugin, dir types.MigrationOp) (*operation, context.Context, error) {
	opCtx, cancel := context.WithCancel(ctx)
	op := &operation{plugin: p.Name, version: p.Version, dir: dir, cancel: cancel}

	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		cancel()
		return nil, nil, ErrInProgress
	}
	e.active = op
	e.mu.Unlock()

	index, err := manager.Propose(ctx, e.cfg.Log, manager.OpAcquireMigrationLock, manager.AcquireMigrationLock{
		Node:    e.cfg.NodeID,
		Plugin:  p.Name,
		Version: p.Version,
		Op:      dir,
		Now:     time.Now(),
	})
	if err != nil {
		e.finish(op)
		return nil, nil, err
	}
	op.index.Store(index)
	if op.foreign.Load() > index {
		e.markLost(op)
	}
	e.logger.Info().Str("plugin", p.Key().String()).Str("op", string(dir)).Msg("Migration lock acquired")
	return op, opCtx, nil
}

func (e *Engine) finish(op *operation) {
	op.cancel()
	e.mu.Lock()
	if e.active == op {
		e.active = nil
	}
	e.mu.Unlock()
}

func (e *Engine) release(ctx context.Context, op *operation) error {
	if e.isLost(op) {
		return lockReleased()
	}
	_, err := manager.Propose(ctx, e.cfg.Log, manager.OpReleaseMigrationLock, manager.ReleaseMigrationLock{Node: e.cfg.NodeID})
	if err != nil {
		if errors.Is(err, manager.ErrLockLost) {
			e.markLost(op)
		}
		return err
	}
	return nil
}

func (e *Engine) markLost(op *operation) {
	if op.lost.Swap(true) {
		return
	}
	op.cancel()
	e.logger.Warn().Str("plugin", op.plugin).Str("version", op.version).Msg("Migration lock lost")
	e.publish(events.EventMigrationLockLost, types.PluginKey{Name: op.plugin, Version: op.version}, "")
}

func (e *Engine) isLost(op *operation) bool {
	return op.lost.Load()
}

// checkLock re-validates lock ownership from the local store
func (e *Engine) checkLock(op *operation) error {
	if e.isLost(op) {
		return lockReleased()
	}
	lock, err := e.cfg.Store.GetMigrationLock()
	if err != nil {
		return err
	}
	if lock.Holder != e.cfg.NodeID || op.foreign.Load() > op.index.Load() {
		e.markLost(op)
		return lockReleased()
	}
	return nil
}

// runSection executes statements in order and returns the failing one
func (e *Engine) runSection(ctx context.Context, op *operation, stmts []string, section string) (string, error) {
	for _, stmt := range stmts {
		if err := e.checkLock(op); err != nil {
			return stmt, err
		}
		err := e.cfg.Executor.Exec(ctx, stmt)
		metrics.MigrationStatementsTotal.WithLabelValues(section, metrics.Result(err)).Inc()
		if err != nil {
			return stmt, err
		}
	}
	return "", nil
}

// rollback runs DOWN of the failed file and of every file applied in this
// call in reverse order, then removes their records
func (e *Engine) rollback(ctx context.Context, op *operation, failed *File, applied []*File) {
	if stmt, err := e.runSection(ctx, op, failed.Down, "down"); err != nil {
		e.logger.Warn().Err(err).Str("file", failed.Name).Str("statement", stmt).Msg("Failed to apply `DOWN` command")
	}
	for i := len(applied) - 1; i >= 0; i-- {
		f := applied[i]
		if stmt, err := e.runSection(ctx, op, f.Down, "down"); err != nil {
			e.logger.Warn().Err(err).Str("file", f.Name).Str("statement", stmt).Msg("Failed to apply `DOWN` command")
		}
		if err := e.forget(ctx, op, op.plugin, f.Name); err != nil {
			e.logger.Error().Err(err).Str("file", f.Name).Msg("Failed to remove migration record")
		}
	}
}

func (e *Engine) forget(ctx context.Context, op *operation, plugin, file string) error {
	if err := e.checkLock(op); err != nil {
		return err
	}
	_, err := manager.Propose(ctx, e.cfg.Log, manager.OpDeleteMigration, manager.DeleteMigration{
		Node:   e.cfg.NodeID,
		Plugin: plugin,
		File:   file,
	})
	if errors.Is(err, manager.ErrLockLost) {
		e.markLost(op)
	}
	return err
}

func (e *Engine) publish(t events.EventType, key types.PluginKey, msg string) {
	if e.cfg.Broker == nil {
		return
	}
	e.cfg.Broker.Publish(&events.Event{
		Type:     t,
		Message:  msg,
		Metadata: map[string]string{"node_id": e.cfg.NodeID, "plugin": key.Name, "version": key.Version},
	})
}
