package testutil

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	reflectionpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Names understood by the Greeter's SayHello handler.
const (
	NameFail     = "fail"     // InvalidArgument with a BadRequest detail
	NameSlow     = "slow"     // replies after SlowDelay
	NameMismatch = "mismatch" // replies with bytes HelloReply cannot decode
)

// SlowDelay is how long SayHello takes for NameSlow.
const SlowDelay = 2 * time.Second

// ServedByHeader is set on every response.
const ServedByHeader = "x-served-by"

// Server is an in-process gRPC server implementing the Greeter and
// Kitchenware fixtures from runtime descriptors.
type Server struct {
	Addr  string
	Files *protoregistry.Files

	mu       sync.Mutex
	incoming []metadata.MD
	calls    int
}

// ServerOption configures StartServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	reflection bool
}

// WithReflection registers the v1 reflection service.
func WithReflection() ServerOption {
	return func(c *serverConfig) { c.reflection = true }
}

// StartServer starts a server on a loopback port. It is stopped when the
// test finishes.
func StartServer(t testing.TB, opts ...ServerOption) *Server {
	t.Helper()
	var cfg serverConfig
	for _, o := range opts {
		o(&cfg)
	}

	s := &Server{Files: Files(t, FileSet(t, GreeterFile, KitchenSinkFile))}
	gs := grpc.NewServer(grpc.UnaryInterceptor(s.record))
	gs.RegisterService(s.greeterDesc(t), nil)
	gs.RegisterService(s.kitchenwareDesc(t), nil)
	if cfg.reflection {
		reflectionpb.RegisterServerReflectionServer(gs, reflection.NewServerV1(reflection.ServerOptions{
			Services:           gs,
			DescriptorResolver: s.Files,
		}))
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.Addr = lis.Addr().String()
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return s
}

// UnusedAddress returns a loopback address nothing listens on.
func UnusedAddress(t testing.TB) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

// Incoming returns the metadata of every unary call received so far.
func (s *Server) Incoming() []metadata.MD {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]metadata.MD(nil), s.incoming...)
}

// Calls returns the number of unary calls received.
func (s *Server) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Server) record(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	s.mu.Lock()
	s.incoming = append(s.incoming, md.Copy())
	s.calls++
	s.mu.Unlock()
	_ = grpc.SetHeader(ctx, metadata.Pairs(ServedByHeader, "testutil"))
	return handler(ctx, req)
}

func (s *Server) message(t testing.TB, name string) protoreflect.MessageDescriptor {
	t.Helper()
	d, err := s.Files.FindDescriptorByName(protoreflect.FullName(name))
	require.NoError(t, err)
	return d.(protoreflect.MessageDescriptor)
}

func (s *Server) greeterDesc(t testing.TB) *grpc.ServiceDesc {
	request := s.message(t, "helloworld.HelloRequest")
	reply := s.message(t, "helloworld.HelloReply")
	everything := s.message(t, "testpb.Everything")

	sayHello := func(ctx context.Context, in *dynamicpb.Message) (proto.Message, error) {
		name := in.Get(request.Fields().ByName("name")).String()
		switch name {
		case NameFail:
			st, err := status.New(codes.InvalidArgument, "name is not allowed").WithDetails(&errdetails.BadRequest{
				FieldViolations: []*errdetails.BadRequest_FieldViolation{{Field: "name", Description: "must not be " + NameFail}},
			})
			if err != nil {
				return nil, err
			}
			return nil, st.Err()
		case NameSlow:
			select {
			case <-time.After(SlowDelay):
			case <-ctx.Done():
				return nil, status.FromContextError(ctx.Err()).Err()
			}
		case NameMismatch:
			out := dynamicpb.NewMessage(everything)
			out.Set(everything.Fields().ByName("f_double"), protoreflect.ValueOfFloat64(1))
			return out, nil
		}
		out := dynamicpb.NewMessage(reply)
		out.Set(reply.Fields().ByName("message"), protoreflect.ValueOfString("Hello "+name))
		return out, nil
	}

	return &grpc.ServiceDesc{
		ServiceName: "helloworld.Greeter",
		Methods: []grpc.MethodDesc{
			{MethodName: "SayHello", Handler: unaryHandler("/helloworld.Greeter/SayHello", request, sayHello)},
		},
		Streams: []grpc.StreamDesc{
			{StreamName: "SayHelloStream", Handler: unimplementedStream, ServerStreams: true},
		},
		Metadata: GreeterFile,
	}
}

func (s *Server) kitchenwareDesc(t testing.TB) *grpc.ServiceDesc {
	everything := s.message(t, "testpb.Everything")
	cook := func(_ context.Context, in *dynamicpb.Message) (proto.Message, error) {
		return in, nil
	}
	return &grpc.ServiceDesc{
		ServiceName: "testpb.Kitchenware",
		Methods: []grpc.MethodDesc{
			{MethodName: "Cook", Handler: unaryHandler("/testpb.Kitchenware/Cook", everything, cook)},
		},
		Streams: []grpc.StreamDesc{
			{StreamName: "Stream", Handler: unimplementedStream, ServerStreams: true},
		},
		Metadata: KitchenSinkFile,
	}
}

type dynamicHandler func(context.Context, *dynamicpb.Message) (proto.Message, error)

func unaryHandler(fullMethod string, input protoreflect.MessageDescriptor, fn dynamicHandler) grpc.MethodHandler {
	return func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := dynamicpb.NewMessage(input)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req any) (any, error) {
			return fn(ctx, req.(*dynamicpb.Message))
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{FullMethod: fullMethod}, call)
	}
}

func unimplementedStream(any, grpc.ServerStream) error {
	return status.Error(codes.Unimplemented, "streaming is not implemented")
}
