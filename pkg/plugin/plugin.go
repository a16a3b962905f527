package plugin

import (
	"context"

	"github.com/rs/zerolog"
)

// Hooks are optional: a service implements only the interfaces it needs

// Starter is called when the service starts on a node. Background jobs may
// be started from OnStart through ctx.Jobs.
type Starter interface {
	OnStart(ctx *Context, cfg map[string]any) error
}

// Stopper is called when the service stops. Errors are logged only.
type Stopper interface {
	OnStop(ctx *Context) error
}

// ConfigValidator checks a configuration before it is committed. It must
// not have side effects.
type ConfigValidator interface {
	OnConfigValidate(cfg map[string]any) error
}

// ConfigChanger is called once per committed configuration change
type ConfigChanger interface {
	OnConfigChange(ctx *Context, newCfg, oldCfg map[string]any) error
}

// LeaderChanger is called on the old and the new master of a replicaset
// when its master changes. ctx.IsMaster holds the new state.
type LeaderChanger interface {
	OnLeaderChange(ctx *Context) error
}

// Request is an RPC request delivered to an endpoint handler
type Request struct {
	RequestID string
	Path      string
	Payload   []byte

	// Caller identity
	Plugin  string
	Service string
	Version string
}

// Handler serves one RPC endpoint
type Handler func(ctx context.Context, req *Request) ([]byte, error)

// Registrar registers RPC endpoints of the service
type Registrar interface {
	Register(path string, h Handler) error
}

// Context is passed to every hook. It carries the hook deadline and the
// identity of the service instance.
type Context struct {
	context.Context

	Plugin       string
	Version      string
	Service      string
	NodeID       string
	Tier         string
	ReplicasetID string
	IsMaster     bool

	Jobs   *Jobs
	Logger zerolog.Logger

	routes Registrar
}

// NewContext builds a hook context. The runtime creates one per call.
func NewContext(ctx context.Context, info Info, jobs *Jobs, routes Registrar, logger zerolog.Logger) *Context {
	return &Context{
		Context:      ctx,
		Plugin:       info.Plugin,
		Version:      info.Version,
		Service:      info.Service,
		NodeID:       info.NodeID,
		Tier:         info.Tier,
		ReplicasetID: info.ReplicasetID,
		IsMaster:     info.IsMaster,
		Jobs:         jobs,
		Logger:       logger,
		routes:       routes,
	}
}

// Info identifies a service instance on a node
type Info struct {
	Plugin       string
	Version      string
	Service      string
	NodeID       string
	Tier         string
	ReplicasetID string
	IsMaster     bool
}

// RegisterRPC registers an RPC endpoint served by this service on this node
func (c *Context) RegisterRPC(path string, h Handler) error {
	return c.routes.Register(path, h)
}
