package framework

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/hutch/pkg/manifest"
	"github.com/cuemby/hutch/pkg/plugin"
	"gopkg.in/yaml.v3"
)

// WhoAmIPath is served by every recorded service; it answers with the id of
// the node that handled the request
const WhoAmIPath = "/whoami"

// WritePlugin writes the manifest and migration files of spec to the
// plugin directory
func (c *Cluster) WritePlugin(spec PluginSpec) error {
	dir := filepath.Dir(manifest.Path(c.PluginDir, spec.Name, spec.Version))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create plugin dir: %w", err)
	}

	m := manifest.Manifest{Name: spec.Name, Version: spec.Version, Description: spec.Description}
	for _, svc := range spec.Services {
		m.Services = append(m.Services, manifest.Service{
			Name:          svc.Name,
			DefaultConfig: svc.Defaults,
			ConfigSchema:  svc.Schema,
		})
	}
	for _, mig := range spec.Migrations {
		if err := os.WriteFile(filepath.Join(dir, mig.Name), []byte(mig.SQL), 0644); err != nil {
			return fmt.Errorf("failed to write migration %s: %w", mig.Name, err)
		}
		m.Migrations = append(m.Migrations, mig.Name)
	}

	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, manifest.FileName), data, 0644)
}

// RegisterPlugin writes spec and registers a recorded implementation for
// each of its services
func (c *Cluster) RegisterPlugin(spec PluginSpec) error {
	if err := c.WritePlugin(spec); err != nil {
		return err
	}
	for _, svc := range spec.Services {
		if err := c.Plugins.Register(spec.Name, spec.Version, svc.Name, c.Recorder.factory()); err != nil {
			return err
		}
	}
	return nil
}

// HookEvent is one hook call observed by the Recorder
type HookEvent struct {
	Hook     string
	NodeID   string
	Service  string
	IsMaster bool
	Config   map[string]any
}

// Recorder records hook calls of recorded services and injects failures
type Recorder struct {
	mu     sync.Mutex
	events []HookEvent
	fail   map[string]error
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{fail: make(map[string]error)}
}

// FailStart makes OnStart of service fail on nodeID until cleared with a
// nil error
func (r *Recorder) FailStart(nodeID, service string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, nodeID+"/"+service)
		return
	}
	r.fail[nodeID+"/"+service] = err
}

// Events returns the recorded hook calls matching hook, or all of them
// when hook is empty
func (r *Recorder) Events(hook string) []HookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []HookEvent
	for _, e := range r.events {
		if hook == "" || e.Hook == hook {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how often hook ran for service on nodeID
func (r *Recorder) Count(hook, nodeID, service string) int {
	n := 0
	for _, e := range r.Events(hook) {
		if e.NodeID == nodeID && e.Service == service {
			n++
		}
	}
	return n
}

func (r *Recorder) record(hook string, ctx *plugin.Context, cfg map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hook == "start" {
		if err := r.fail[ctx.NodeID+"/"+ctx.Service]; err != nil {
			return err
		}
	}
	r.events = append(r.events, HookEvent{
		Hook:     hook,
		NodeID:   ctx.NodeID,
		Service:  ctx.Service,
		IsMaster: ctx.IsMaster,
		Config:   cfg,
	})
	return nil
}

func (r *Recorder) factory() plugin.Factory {
	return func() any { return &recordedService{rec: r} }
}

// recordedService reports every hook to its recorder and serves WhoAmIPath
type recordedService struct {
	rec *Recorder
}

func (s *recordedService) OnStart(ctx *plugin.Context, cfg map[string]any) error {
	if err := s.rec.record("start", ctx, cfg); err != nil {
		return err
	}
	nodeID := ctx.NodeID
	return ctx.RegisterRPC(WhoAmIPath, func(context.Context, *plugin.Request) ([]byte, error) {
		return []byte(nodeID), nil
	})
}

func (s *recordedService) OnStop(ctx *plugin.Context) error {
	return s.rec.record("stop", ctx, nil)
}

func (s *recordedService) OnConfigChange(ctx *plugin.Context, newCfg, oldCfg map[string]any) error {
	return s.rec.record("config", ctx, newCfg)
}

func (s *recordedService) OnLeaderChange(ctx *plugin.Context) error {
	return s.rec.record("leader", ctx, nil)
}
