package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/log"
	"github.com/cuemby/failover/pkg/message"
)

const (
	serviceName   = "failover.transport.Transport"
	sendMethod    = "/" + serviceName + "/Send"
	requestMethod = "/" + serviceName + "/Request"
)

// transportServer is the server side of the envelope service. Envelopes
// travel as JSON inside BytesValue so no generated code is needed.
type transportServer interface {
	Send(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Request(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transportServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
		{MethodName: "Request", Handler: requestHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "failover/transport.proto",
}

func sendHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transportServer).Send(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func requestHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).Request(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: requestMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transportServer).Request(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCOptions configures a GRPCTransport
type GRPCOptions struct {
	// Address is advertised as the From of outgoing messages
	Address string
	// Dialer replaces the network dialer, e.g. with a bufconn listener in tests
	Dialer func(ctx context.Context, addr string) (net.Conn, error)
	// ServerOptions are appended to the transport's own server options
	ServerOptions []grpc.ServerOption
	// TLS secures both directions; nil means plaintext
	TLS *tls.Config
}

// GRPCTransport is a Transport over gRPC unary calls
type GRPCTransport struct {
	*dispatcher
	addr   string
	dialer func(ctx context.Context, addr string) (net.Conn, error)
	creds  credentials.TransportCredentials
	server *grpc.Server

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCTransport creates a transport; call Serve or Listen to accept messages
func NewGRPCTransport(opts GRPCOptions) *GRPCTransport {
	logger := log.WithComponent("transport").With().Str("address", opts.Address).Logger()
	t := &GRPCTransport{
		dispatcher: newDispatcher(logger),
		addr:       opts.Address,
		dialer:     opts.Dialer,
		creds:      insecure.NewCredentials(),
		conns:      make(map[string]*grpc.ClientConn),
	}

	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(LoggingInterceptor(logger), ClosedInterceptor(t.isClosed)),
	}
	if opts.TLS != nil {
		t.creds = credentials.NewTLS(opts.TLS)
		serverOpts = append(serverOpts, grpc.Creds(t.creds))
	}
	serverOpts = append(serverOpts, opts.ServerOptions...)
	t.server = grpc.NewServer(serverOpts...)
	t.server.RegisterService(&serviceDesc, &grpcServer{t: t})
	return t
}

// Listen starts serving on the transport's address in the background
func (t *GRPCTransport) Listen() error {
	lis, err := net.Listen("tcp", t.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", t.addr)
	}
	go func() {
		if err := t.Serve(lis); err != nil {
			t.logger.Error().Err(err).Msg("gRPC transport stopped")
		}
	}()
	t.logger.Info().Msg("gRPC transport listening")
	return nil
}

// Serve accepts connections on lis until Close
func (t *GRPCTransport) Serve(lis net.Listener) error {
	return t.server.Serve(lis)
}

func (t *GRPCTransport) Address() string {
	return t.addr
}

func (t *GRPCTransport) conn(target string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isClosed() {
		return nil, errors.Wrap(errcode.ErrObjectClosed, "transport")
	}
	if cc, ok := t.conns[target]; ok {
		return cc, nil
	}

	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(t.creds)}
	if t.dialer != nil {
		dialOpts = append(dialOpts, grpc.WithContextDialer(t.dialer))
	}
	cc, err := grpc.NewClient("passthrough:///"+target, dialOpts...)
	if err != nil {
		return nil, errors.Wrapf(errcode.ErrUnreachable, "failed to connect to %s: %v", target, err)
	}
	t.conns[target] = cc
	return cc, nil
}

func (t *GRPCTransport) envelope(msg *message.Message) (*wrapperspb.BytesValue, error) {
	out := msg.Clone()
	out.From = t.addr
	data, err := message.Marshal(out)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(data), nil
}

func (t *GRPCTransport) SendOneWay(ctx context.Context, target string, msg *message.Message) error {
	cc, err := t.conn(target)
	if err != nil {
		return err
	}
	in, err := t.envelope(msg)
	if err != nil {
		return err
	}
	countSent(msg)
	if err := cc.Invoke(ctx, sendMethod, in, new(emptypb.Empty)); err != nil {
		return fromStatus(target, err)
	}
	return nil
}

func (t *GRPCTransport) Request(ctx context.Context, target string, msg *message.Message) (*message.Message, error) {
	cc, err := t.conn(target)
	if err != nil {
		return nil, err
	}
	in, err := t.envelope(msg)
	if err != nil {
		return nil, err
	}
	countSent(msg)

	out := new(wrapperspb.BytesValue)
	if err := cc.Invoke(ctx, requestMethod, in, out); err != nil {
		return nil, fromStatus(target, err)
	}
	reply, err := message.Unmarshal(out.GetValue())
	if err != nil {
		return nil, err
	}
	return replyError(reply)
}

// Close stops the server and drops every client connection
func (t *GRPCTransport) Close() error {
	if !t.close() {
		return nil
	}
	t.server.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for target, cc := range t.conns {
		if err := cc.Close(); err != nil {
			t.logger.Debug().Err(err).Str("target", target).Msg("Failed to close connection")
		}
	}
	t.conns = make(map[string]*grpc.ClientConn)
	return nil
}

type grpcServer struct {
	t *GRPCTransport
}

func (s *grpcServer) Send(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	msg, err := message.Unmarshal(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rc := newOneWayContext(msg.From, msg, s.t.SendOneWay, s.t.logger)
	// the handler outlives the call
	go s.t.dispatch(context.Background(), msg, rc)
	return &emptypb.Empty{}, nil
}

func (s *grpcServer) Request(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	msg, err := message.Unmarshal(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rc := newRequestContext(msg.From, msg)
	go s.t.dispatch(ctx, msg, rc)

	reply, err := rc.wait(ctx)
	if err != nil {
		return nil, status.Error(codes.DeadlineExceeded, err.Error())
	}
	data, err := message.Marshal(reply)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(data), nil
}

// fromStatus maps a gRPC call failure onto the error taxonomy
func fromStatus(target string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return errors.Wrapf(errcode.ErrUnreachable, "%s: %v", target, err)
	}
	switch st.Code() {
	case codes.Unavailable:
		return errors.Wrapf(errcode.ErrUnreachable, "%s: %s", target, st.Message())
	case codes.DeadlineExceeded, codes.Canceled:
		return errors.Wrapf(errcode.ErrTimeout, "%s: %s", target, st.Message())
	case codes.InvalidArgument:
		return errors.Wrapf(errcode.ErrInvalidArgument, "%s: %s", target, st.Message())
	case codes.FailedPrecondition:
		return errors.Wrapf(errcode.ErrObjectClosed, "%s: %s", target, st.Message())
	}
	return errors.Errorf("%s: %s", target, st.Message())
}
