package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/plugin"
	"github.com/cuemby/hutch/pkg/sharding"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/transport"
	"github.com/cuemby/hutch/pkg/types"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// MethodDispatch is the transport method serving proxied RPC requests
const MethodDispatch = "rpc.dispatch"

// DefaultCacheTTL is how long completed responses are kept by request id
const DefaultCacheTTL = 30 * time.Second

// Context identifies the caller of an RPC request
type Context struct {
	RequestID string        `json:"request_id"`
	Plugin    string        `json:"plugin_name"`
	Service   string        `json:"service_name"`
	Version   string        `json:"plugin_version"`
	Timeout   time.Duration `json:"timeout"`
}

// Validate checks that every field is present
func (c *Context) Validate() error {
	switch {
	case c.RequestID == "":
		return errorf(CodeInvalidContext, "context must contain a request_id")
	case c.Plugin == "":
		return errorf(CodeInvalidContext, "context must contain a plugin_name")
	case c.Service == "":
		return errorf(CodeInvalidContext, "context must contain a service_name")
	case c.Version == "":
		return errorf(CodeInvalidContext, "context must contain a plugin_version")
	case c.Timeout <= 0:
		return errorf(CodeInvalidContext, "context must contain a positive timeout")
	}
	return nil
}

func (c *Context) serviceKey() types.ServiceKey {
	return types.ServiceKey{Plugin: c.Plugin, Version: c.Version, Service: c.Service}
}

// Request is an RPC request
type Request struct {
	Path    string  `json:"path"`
	Payload []byte  `json:"payload,omitempty"`
	Context Context `json:"context"`
}

// Target addresses the node that serves a request. Exactly one mode must be
// set: NodeID, Any, ReplicasetID, BucketID, or Tier together with BucketID.
// ToMaster selects the replicaset master in replicaset and bucket modes.
type Target struct {
	NodeID       string
	Any          bool
	ReplicasetID string
	BucketID     uint64
	Tier         string
	ToMaster     bool
}

// Addressing modes
const (
	ModeNode       = "node"
	ModeAny        = "any"
	ModeReplicaset = "replicaset"
	ModeBucket     = "bucket"
	ModeTierBucket = "tier_bucket"
)

// Mode returns the addressing mode of t
func (t Target) Mode() (string, error) {
	var modes []string
	if t.NodeID != "" {
		modes = append(modes, ModeNode)
	}
	if t.Any {
		modes = append(modes, ModeAny)
	}
	if t.ReplicasetID != "" {
		modes = append(modes, ModeReplicaset)
	}
	switch {
	case t.Tier != "" && t.BucketID == 0:
		return "", errorf(CodeInvalidTarget, "tier `%s` requires a bucket_id", t.Tier)
	case t.Tier != "":
		modes = append(modes, ModeTierBucket)
	case t.BucketID != 0:
		modes = append(modes, ModeBucket)
	}
	if len(modes) != 1 {
		return "", errorf(CodeInvalidTarget, "exactly one target must be specified, got %d", len(modes))
	}
	if t.ToMaster && modes[0] != ModeReplicaset && modes[0] != ModeBucket && modes[0] != ModeTierBucket {
		return "", errorf(CodeInvalidTarget, "to_master is only valid with replicaset or bucket targets")
	}
	return modes[0], nil
}

// Response is the reply of MethodDispatch
type Response struct {
	Payload []byte `json:"payload,omitempty"`
}

// Config configures a Router
type Config struct {
	NodeID    string
	Store     storage.Reader
	Transport transport.Transport
	Registry  *Registry
	CacheTTL  time.Duration

	// Version is reported by the version info procedure
	Version string
}

// Router dispatches RPC requests to plugin endpoints on any node
type Router struct {
	cfg    Config
	logger zerolog.Logger
	cache  *gocache.Cache
}

// NewRouter creates a Router
func NewRouter(cfg Config) *Router {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	return &Router{
		cfg:    cfg,
		logger: log.WithComponent("rpc").With().Str("node_id", cfg.NodeID).Logger(),
		cache:  gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
	}
}

// Registry returns the endpoint table of this node
func (r *Router) Registry() *Registry {
	return r.cfg.Registry
}

// RegisterHandlers serves MethodDispatch on mux
func (r *Router) RegisterHandlers(mux *transport.Mux) {
	mux.Handle(MethodDispatch, transport.Typed(func(ctx context.Context, from string, req *Request) (any, error) {
		payload, err := r.Serve(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Response{Payload: payload}, nil
	}))
}

// Dispatch resolves target and runs the request there. The request timeout
// bounds the whole call; proxied requests carry the remaining budget.
func (r *Router) Dispatch(ctx context.Context, req *Request, target Target) (payload []byte, err error) {
	mode, err := target.Mode()
	if err != nil {
		return nil, err
	}
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.RPCRequestDuration, mode)
		metrics.RPCRequestsTotal.WithLabelValues(mode, metrics.Result(err)).Inc()
	}()

	if err := req.Context.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, req.Context.Timeout)
	defer cancel()

	nodeID, err := r.resolve(req, target, mode)
	if err != nil {
		return nil, err
	}

	if nodeID == r.cfg.NodeID {
		return r.local(ctx, req)
	}
	deadline, _ := ctx.Deadline()
	fwd := *req
	fwd.Context.Timeout = time.Until(deadline)
	if fwd.Context.Timeout <= 0 {
		return nil, errorf(CodeTimeout, "timeout: no budget left for %s", nodeID)
	}

	r.logger.Debug().Str("request_id", req.Context.RequestID).Str("path", req.Path).
		Str("target", nodeID).Dur("budget", fwd.Context.Timeout).Msg("Forwarding RPC request")
	var resp Response
	if err := r.cfg.Transport.Call(ctx, nodeID, MethodDispatch, &fwd, &resp); err != nil {
		return nil, toError(err)
	}
	return resp.Payload, nil
}

// Serve runs a request on this node. Completed responses are cached by
// request id and path so a retried request does not run twice.
func (r *Router) Serve(ctx context.Context, req *Request) ([]byte, error) {
	if err := req.Context.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, req.Context.Timeout)
	defer cancel()

	cacheKey := req.Context.RequestID + "|" + req.Path
	if v, ok := r.cache.Get(cacheKey); ok {
		payload, _ := v.([]byte)
		return payload, nil
	}
	payload, err := r.local(ctx, req)
	if err != nil {
		return nil, err
	}
	r.cache.SetDefault(cacheKey, payload)
	return payload, nil
}

// local runs a request against the endpoint table of this node
func (r *Router) local(ctx context.Context, req *Request) ([]byte, error) {
	if isBuiltin(req.Path) {
		return r.builtin(req)
	}

	c := req.Context
	ep, ok := r.cfg.Registry.Lookup(c.Plugin, c.Service, req.Path)
	if !ok {
		return nil, errorf(CodeNoEndpoint, "no RPC endpoint `%s.%s%s` is registered", c.Plugin, c.Service, req.Path)
	}
	if ep.Version != c.Version {
		return nil, errorf(CodeIncompatibleVersion, "incompatible version (requestor: %s, handler: %s)", c.Version, ep.Version)
	}

	type result struct {
		payload []byte
		err     error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: errorf(CodeHandler, "RPC handler `%s` panicked: %v", ep, p)}
			}
		}()
		payload, err := ep.Handler(ctx, &plugin.Request{
			RequestID: c.RequestID,
			Path:      req.Path,
			Payload:   req.Payload,
			Plugin:    c.Plugin,
			Service:   c.Service,
			Version:   c.Version,
		})
		done <- result{payload: payload, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, errorf(CodeTimeout, "timeout: RPC `%s` did not complete: %v", ep, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, toError(res.err)
		}
		return res.payload, nil
	}
}

// resolve picks the node that serves req
func (r *Router) resolve(req *Request, target Target, mode string) (string, error) {
	key := req.Context.serviceKey()
	builtin := isBuiltin(req.Path)

	switch mode {
	case ModeNode:
		if _, err := r.node(target.NodeID); err != nil {
			return "", err
		}
		if !builtin {
			if _, err := r.cfg.Store.GetRoute(key, target.NodeID); err != nil {
				if storage.IsNotFound(err) {
					return "", notRunning(key, target.NodeID)
				}
				return "", err
			}
		}
		return target.NodeID, nil

	case ModeAny:
		nodes, err := r.cfg.Store.ListNodes()
		if err != nil {
			return "", err
		}
		ids := make([]string, 0, len(nodes))
		for _, n := range nodes {
			ids = append(ids, n.ID)
		}
		return r.choose(key, ids, builtin)

	case ModeReplicaset:
		return r.inReplicaset(key, target.ReplicasetID, target.ToMaster, builtin)

	case ModeBucket, ModeTierBucket:
		tier := target.Tier
		if tier == "" {
			self, err := r.node(r.cfg.NodeID)
			if err != nil {
				return "", err
			}
			tier = self.Tier
		}
		rsID, err := sharding.NewStatic(r.cfg.Store, tier).OwningReplicasetInTier(tier, target.BucketID)
		switch {
		case errors.Is(err, sharding.ErrTierNotFound):
			return "", errorf(CodeTierNotFound, "tier `%s` not found", tier)
		case errors.Is(err, sharding.ErrBucketNotFound):
			return "", errorf(CodeBucketNotFound, "Bucket %d cannot be found.", target.BucketID)
		case err != nil:
			return "", err
		}
		return r.inReplicaset(key, rsID, target.ToMaster, builtin)
	}
	return "", errorf(CodeInvalidTarget, "unknown target mode %s", mode)
}

func (r *Router) inReplicaset(key types.ServiceKey, rsID string, toMaster, builtin bool) (string, error) {
	rs, err := r.cfg.Store.GetReplicaset(rsID)
	if err != nil {
		if storage.IsNotFound(err) {
			return "", errorf(CodeReplicasetNotFound, "replicaset with replicaset_id %q not found", rsID)
		}
		return "", err
	}
	if toMaster {
		if rs.MasterID == "" {
			return "", errorf(CodeReplicasetNotFound, "replicaset %s has no master", rsID)
		}
		if !builtin {
			if _, err := r.cfg.Store.GetRoute(key, rs.MasterID); err != nil {
				if storage.IsNotFound(err) {
					return "", notRunning(key, rs.MasterID)
				}
				return "", err
			}
		}
		return rs.MasterID, nil
	}

	members, err := sharding.Members(r.cfg.Store, rsID)
	if err != nil {
		return "", err
	}
	ids := make([]string, 0, len(members))
	for _, n := range members {
		ids = append(ids, n.ID)
	}
	return r.choose(key, ids, builtin)
}

// choose picks among candidates that run key. Unpoisoned routes win over
// poisoned ones, then nodes other than this one win over this node.
func (r *Router) choose(key types.ServiceKey, candidates []string, builtin bool) (string, error) {
	if len(candidates) == 0 {
		return "", notRunning(key, "any instance")
	}
	if builtin {
		return pick(r.preferOthers(candidates)), nil
	}

	var healthy, poisoned []string
	for _, id := range candidates {
		route, err := r.cfg.Store.GetRoute(key, id)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return "", err
		}
		if route.Poisoned {
			poisoned = append(poisoned, id)
		} else {
			healthy = append(healthy, id)
		}
	}
	switch {
	case len(healthy) > 0:
		return pick(r.preferOthers(healthy)), nil
	case len(poisoned) > 0:
		return pick(r.preferOthers(poisoned)), nil
	case len(candidates) == 1:
		return "", notRunning(key, candidates[0])
	}
	return "", notRunning(key, "any instance")
}

func (r *Router) preferOthers(ids []string) []string {
	others := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != r.cfg.NodeID {
			others = append(others, id)
		}
	}
	if len(others) == 0 {
		return ids
	}
	return others
}

func pick(ids []string) string {
	return ids[rand.Intn(len(ids))]
}

func (r *Router) node(id string) (*types.Node, error) {
	n, err := r.cfg.Store.GetNode(id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, errorf(CodeNodeNotFound, "instance with instance_id %q not found", id)
		}
		return nil, err
	}
	return n, nil
}

func notRunning(key types.ServiceKey, where string) error {
	return errorf(CodeNotRunning, "service '%s' is not running on %s", key, where)
}

func isBuiltin(path string) bool {
	return strings.HasPrefix(path, ".proc_")
}

// String returns a short description of the target for logs
func (t Target) String() string {
	mode, err := t.Mode()
	if err != nil {
		return "invalid"
	}
	switch mode {
	case ModeNode:
		return "node " + t.NodeID
	case ModeReplicaset:
		return "replicaset " + t.ReplicasetID
	case ModeBucket:
		return fmt.Sprintf("bucket %d", t.BucketID)
	case ModeTierBucket:
		return fmt.Sprintf("bucket %d of tier %s", t.BucketID, t.Tier)
	}
	return mode
}
