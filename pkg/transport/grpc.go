package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName = "hutch.transport.Transport"
	callMethod  = "/" + serviceName + "/Call"
)

// invoker is the server side of the transport service
type invoker interface {
	Invoke(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*invoker)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Call",
			Handler:    callHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hutch/transport.proto",
}

func callHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(invoker).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: callMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(invoker).Invoke(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Server serves a Mux over gRPC
type Server struct {
	mux  *Mux
	grpc *grpc.Server
}

// NewServer creates a gRPC server dispatching to mux
func NewServer(mux *Mux, opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(RecoveryInterceptor())}, opts...)
	s := &Server{
		mux:  mux,
		grpc: grpc.NewServer(opts...),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Invoke implements the transport service
func (s *Server) Invoke(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var env envelope
	if err := json.Unmarshal(in.GetValue(), &env); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed envelope: %v", err)
	}
	reply := s.mux.dispatch(ctx, &env)
	data, err := json.Marshal(reply)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode reply: %v", err)
	}
	return wrapperspb.Bytes(data), nil
}

// Serve accepts connections on lis until Stop is called
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Start listens on addr and serves in the calling goroutine
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the server
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// RecoveryInterceptor turns handler panics into Internal errors
func RecoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Logger.Error().
					Str("method", info.FullMethod).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("Transport handler panicked")
				err = status.Errorf(codes.Internal, "handler panicked: %v", r)
			}
		}()
		return handler(ctx, req)
	}
}

// GRPC is a Transport dialing peers over gRPC. Connections are cached per
// address.
type GRPC struct {
	self     string
	resolver Resolver
	opts     []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPC creates a gRPC transport calling from self. Without dial options
// connections are insecure.
func NewGRPC(self string, resolver Resolver, opts ...grpc.DialOption) *GRPC {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPC{
		self:     self,
		resolver: resolver,
		opts:     opts,
		conns:    make(map[string]*grpc.ClientConn),
	}
}

func (g *GRPC) conn(addr string) (*grpc.ClientConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.conns[addr]; ok {
		return c, nil
	}
	c, err := grpc.NewClient("passthrough:///"+addr, g.opts...)
	if err != nil {
		return nil, err
	}
	g.conns[addr] = c
	return c, nil
}

// Call implements Transport
func (g *GRPC) Call(ctx context.Context, nodeID, method string, req, resp any) (err error) {
	start := time.Now()
	defer func() { observe(method, start, err) }()

	addr, err := g.resolver.Address(nodeID)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, nodeID, err)
	}
	conn, err := g.conn(addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, nodeID, err)
	}

	in, err := encodeRequest(g.self, method, req)
	if err != nil {
		return err
	}
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}

	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, callMethod, wrapperspb.Bytes(data), out); err != nil {
		switch status.Code(err) {
		case codes.Unavailable:
			return fmt.Errorf("%w: %s: %v", ErrUnreachable, nodeID, err)
		case codes.DeadlineExceeded:
			return fmt.Errorf("%s to %s: %w", method, nodeID, context.DeadlineExceeded)
		case codes.Canceled:
			return fmt.Errorf("%s to %s: %w", method, nodeID, context.Canceled)
		}
		return err
	}

	var reply envelope
	if err := json.Unmarshal(out.GetValue(), &reply); err != nil {
		return fmt.Errorf("malformed reply from %s: %w", nodeID, err)
	}
	return decodeReply(method, &reply, resp)
}

// Close closes all cached connections
func (g *GRPC) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for addr, c := range g.conns {
		c.Close()
		delete(g.conns, addr)
	}
	return nil
}
