package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Network connects in-process endpoints. It backs single-process clusters
// and tests, and can simulate unreachable nodes.
type Network struct {
	mu        sync.RWMutex
	endpoints map[string]*Mux
	down      map[string]bool
}

// NewNetwork creates an empty in-process network
func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[string]*Mux),
		down:      make(map[string]bool),
	}
}

// Join attaches mux as nodeID and returns a Transport calling from nodeID
func (n *Network) Join(nodeID string, mux *Mux) *Local {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.endpoints[nodeID] = mux
	delete(n.down, nodeID)
	return &Local{network: n, self: nodeID}
}

// Leave detaches nodeID
func (n *Network) Leave(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, nodeID)
}

// SetDown makes calls to and from nodeID fail with ErrUnreachable
func (n *Network) SetDown(nodeID string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if down {
		n.down[nodeID] = true
	} else {
		delete(n.down, nodeID)
	}
}

func (n *Network) endpoint(from, to string) (*Mux, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.down[from] || n.down[to] {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	mux, ok := n.endpoints[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	return mux, nil
}

// Local is a Transport over a Network. Requests and replies go through the
// same JSON envelope as the gRPC transport.
type Local struct {
	network *Network
	self    string
}

// Call implements Transport
func (l *Local) Call(ctx context.Context, nodeID, method string, req, resp any) (err error) {
	start := time.Now()
	defer func() { observe(method, start, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	mux, err := l.network.endpoint(l.self, nodeID)
	if err != nil {
		return err
	}
	in, err := encodeRequest(l.self, method, req)
	if err != nil {
		return err
	}

	done := make(chan *envelope, 1)
	go func() { done <- mux.dispatch(ctx, in) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case reply := <-done:
		return decodeReply(method, reply, resp)
	}
}
