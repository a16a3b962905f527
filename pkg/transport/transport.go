package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/metrics"
)

var (
	// ErrUnreachable is returned when the target node cannot be contacted
	ErrUnreachable = errors.New("node unreachable")

	// ErrUnknownMethod is returned when the target serves no such method
	ErrUnknownMethod = errors.New("unknown method")
)

// Transport delivers request/response calls between cluster nodes. req is
// encoded as JSON; the reply is decoded into resp when resp is non-nil.
type Transport interface {
	Call(ctx context.Context, nodeID, method string, req, resp any) error
}

// Resolver maps a node id to its dialable address
type Resolver interface {
	Address(nodeID string) (string, error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(nodeID string) (string, error)

// Address implements Resolver
func (f ResolverFunc) Address(nodeID string) (string, error) { return f(nodeID) }

// Request is an inbound call
type Request struct {
	From   string
	Method string
	Body   json.RawMessage
}

// Decode unmarshals the request body into v
func (r *Request) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &RemoteError{Code: "invalid", Message: fmt.Sprintf("malformed %s request: %v", r.Method, err)}
	}
	return nil
}

// Handler serves one method. The returned value is encoded as the reply.
type Handler func(ctx context.Context, req *Request) (any, error)

// Typed builds a Handler that decodes the body into a fresh *T
func Typed[T any](fn func(ctx context.Context, from string, req *T) (any, error)) Handler {
	return func(ctx context.Context, req *Request) (any, error) {
		var v T
		if err := req.Decode(&v); err != nil {
			return nil, err
		}
		return fn(ctx, req.From, &v)
	}
}

// RemoteError is an error returned by the remote handler. Code is preserved
// from handler errors that implement ErrorCode.
type RemoteError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string { return e.Message }

// ErrorCode returns the remote error code
func (e *RemoteError) ErrorCode() string { return e.Code }

// Is matches any error carrying the same code, so callers can compare with
// the sentinels of the package that produced the error
func (e *RemoteError) Is(target error) bool {
	c, ok := target.(coded)
	return ok && e.Code != "" && c.ErrorCode() == e.Code
}

type coded interface {
	ErrorCode() string
}

func toRemote(err error) *RemoteError {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote
	}
	re := &RemoteError{Message: err.Error()}
	var c coded
	if errors.As(err, &c) {
		re.Code = c.ErrorCode()
	}
	return re
}

// envelope is the wire format of requests and replies
type envelope struct {
	Method string          `json:"method,omitempty"`
	From   string          `json:"from,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// Mux dispatches inbound calls to method handlers
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMux creates an empty Mux
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Handle registers h for method, replacing any previous handler
func (m *Mux) Handle(method string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = h
}

// Methods returns the registered method names
func (m *Mux) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		out = append(out, name)
	}
	return out
}

// dispatch runs the handler of in.Method and builds the reply envelope
func (m *Mux) dispatch(ctx context.Context, in *envelope) *envelope {
	m.mu.RLock()
	h, ok := m.handlers[in.Method]
	m.mu.RUnlock()
	if !ok {
		return &envelope{Error: &RemoteError{Code: "unknown_method", Message: fmt.Sprintf("%s: %s", ErrUnknownMethod, in.Method)}}
	}

	out, err := h(ctx, &Request{From: in.From, Method: in.Method, Body: in.Body})
	if err != nil {
		return &envelope{Error: toRemote(err)}
	}
	if out == nil {
		return &envelope{}
	}
	body, err := json.Marshal(out)
	if err != nil {
		return &envelope{Error: &RemoteError{Message: fmt.Sprintf("failed to encode %s reply: %v", in.Method, err)}}
	}
	return &envelope{Body: body}
}

func encodeRequest(from, method string, req any) (*envelope, error) {
	env := &envelope{Method: method, From: from}
	if req != nil {
		body, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
		}
		env.Body = body
	}
	return env, nil
}

func decodeReply(method string, reply *envelope, resp any) error {
	if reply.Error != nil {
		if reply.Error.Code == "unknown_method" {
			return fmt.Errorf("%w: %s", ErrUnknownMethod, method)
		}
		return reply.Error
	}
	if resp == nil || len(reply.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Body, resp); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", method, err)
	}
	return nil
}

func observe(method string, start time.Time, err error) {
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrUnreachable):
		status = "unreachable"
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	default:
		status = "error"
	}
	metrics.TransportCallsTotal.WithLabelValues(method, status).Inc()
	metrics.TransportCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
