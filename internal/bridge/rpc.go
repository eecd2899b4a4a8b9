package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

const (
	jsonCodecName = "json"

	serviceName      = "apdn7.bridge.v1.Bridge"
	methodCall       = "/" + serviceName + "/Call"
	methodCallStream = "/" + serviceName + "/CallStream"
)

var registerCodecOnce sync.Once

type jsonCodec struct{}

func (jsonCodec) Name() string {
	return jsonCodecName
}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// EnsureJSONCodec registers the JSON codec used on the bridge channel.
func EnsureJSONCodec() {
	registerCodecOnce.Do(func() {
		encoding.RegisterCodec(jsonCodec{})
	})
}

// Request is the (method, params) envelope of one call.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response carries one result, or one item of a stream.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// UnaryFunc answers a unary call.
type UnaryFunc func(ctx context.Context, params json.RawMessage) (any, error)

// StreamFunc answers a streaming call by invoking send once per item.
type StreamFunc func(ctx context.Context, params json.RawMessage, send func(any) error) error

type bridgeServer interface {
	call(ctx context.Context, req *Request) (*Response, error)
	callStream(req *Request, stream grpc.ServerStream) error
}

// Server dispatches calls to handlers registered by method name.
type Server struct {
	mu      sync.RWMutex
	unary   map[string]UnaryFunc
	streams map[string]StreamFunc
	logger  *slog.Logger
}

// NewServer creates a server without handlers.
func NewServer(logger *slog.Logger) *Server {
	return &Server{
		unary:   make(map[string]UnaryFunc),
		streams: make(map[string]StreamFunc),
		logger:  logger.With("component", "bridge-rpc"),
	}
}

// Handle registers a unary method.
func (s *Server) Handle(method string, fn UnaryFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unary[method] = fn
}

// HandleStream registers a streaming method.
func (s *Server) HandleStream(method string, fn StreamFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[method] = fn
}

// Register attaches the service to a gRPC server.
func (s *Server) Register(registrar grpc.ServiceRegistrar) {
	EnsureJSONCodec()
	registrar.RegisterService(&bridgeServiceDesc, s)
}

func (s *Server) call(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.Method == "" {
		return nil, status.Error(codes.InvalidArgument, "method is required")
	}
	s.mu.RLock()
	fn, ok := s.unary[req.Method]
	s.mu.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown method %q", req.Method)
	}
	out, err := fn(ctx, req.Params)
	if err != nil {
		s.logger.Warn("call failed", "method", req.Method, "error", err)
		return nil, toStatus(err)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return &Response{Result: raw}, nil
}

func (s *Server) callStream(req *Request, stream grpc.ServerStream) error {
	if req == nil || req.Method == "" {
		return status.Error(codes.InvalidArgument, "method is required")
	}
	s.mu.RLock()
	fn, ok := s.streams[req.Method]
	s.mu.RUnlock()
	if !ok {
		return status.Errorf(codes.Unimplemented, "unknown stream method %q", req.Method)
	}
	err := fn(stream.Context(), req.Params, func(item any) error {
		raw, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode item: %w", err)
		}
		return stream.SendMsg(&Response{Result: raw})
	})
	if err != nil {
		s.logger.Warn("stream failed", "method", req.Method, "error", err)
		return toStatus(err)
	}
	return nil
}

// toStatus maps domain errors onto gRPC codes; fromStatus reverses it.
func toStatus(err error) error {
	var (
		nf *domain.NotFoundError
		ve *domain.ValidationError
		ce *domain.ConflictError
	)
	switch {
	case errors.As(err, &nf):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &ve):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &ce):
		return status.Error(codes.AlreadyExists, err.Error())
	case domain.IsTransient(err):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func fromStatus(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch st.Code() {
	case codes.NotFound:
		return domain.ErrNotFound("%s", st.Message())
	case codes.InvalidArgument:
		return domain.ErrValidation("%s", st.Message())
	case codes.AlreadyExists:
		return domain.ErrConflict("%s", st.Message())
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return domain.Transient(op, err)
	case codes.Canceled:
		return context.Canceled
	default:
		return fmt.Errorf("%s: %s", op, st.Message())
	}
}

var bridgeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*bridgeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "CallStream", Handler: callStreamHandler, ServerStreams: true},
	},
	Metadata: "apdn7/bridge/v1/bridge.proto",
}

func callHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(bridgeServer).call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCall}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(bridgeServer).call(ctx, req.(*Request))
	}
	return interceptor(ctx, in, info, handler)
}

func callStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(Request)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(bridgeServer).callStream(in, stream)
}

// Client calls a Bridge server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the Bridge at target ("host:port").
func Dial(target string) (*Client, error) {
	EnsureJSONCodec()
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 30*time.Second)
}

func newRequest(method string, params any) (*Request, error) {
	req := &Request{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		req.Params = raw
	}
	return req, nil
}

// Call invokes a unary method and decodes its result into out (which may
// be nil).
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	req, err := newRequest(method, params)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	resp := new(Response)
	if err := c.conn.Invoke(ctx, methodCall, req, resp); err != nil {
		return fromStatus(method, err)
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

// CallStream invokes a streaming method; each item is passed raw to fn.
// Returning an error from fn stops the stream.
func (c *Client) CallStream(ctx context.Context, method string, params any, fn func(json.RawMessage) error) error {
	req, err := newRequest(method, params)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := c.conn.NewStream(ctx, &bridgeServiceDesc.Streams[0], methodCallStream)
	if err != nil {
		return fromStatus(method, err)
	}
	if err := stream.SendMsg(req); err != nil {
		return fromStatus(method, err)
	}
	if err := stream.CloseSend(); err != nil {
		return fromStatus(method, err)
	}
	for {
		resp := new(Response)
		err := stream.RecvMsg(resp)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fromStatus(method, err)
		}
		if err := fn(resp.Result); err != nil {
			return err
		}
	}
}
