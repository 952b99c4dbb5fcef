package grpc

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"

	"github.com/shhac/burrow/internal/codec"
	"github.com/shhac/burrow/internal/domain"
	"github.com/shhac/burrow/internal/errors"
	"github.com/shhac/burrow/internal/message"
	"github.com/shhac/burrow/internal/registry"
	"github.com/shhac/burrow/internal/testutil"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	reg     *registry.Registry
	conns   *ConnectionManager
	invoker *Invoker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := registry.FromRaw(testutil.FileSet(t, testutil.GreeterFile, testutil.KitchenSinkFile))
	require.NoError(t, err)
	conns := NewConnectionManager(nopLogger())
	t.Cleanup(func() { _ = conns.Close() })
	return &fixture{reg: reg, conns: conns, invoker: NewInvoker(conns, nopLogger())}
}

func (f *fixture) method(t *testing.T, name string) *registry.MethodSchema {
	t.Helper()
	m, err := f.reg.FindMethod(name)
	require.NoError(t, err)
	return m
}

func (f *fixture) hello(t *testing.T, name string) *message.Message {
	t.Helper()
	req := message.New(f.reg, f.reg.MustMessage("helloworld.HelloRequest"))
	require.NoError(t, req.SetScalar(1, name))
	return req
}

func requireRPCError(t *testing.T, err error, reason errors.RPCReason) *errors.RPCError {
	t.Helper()
	require.Error(t, err)
	var rpcErr *errors.RPCError
	require.True(t, stderrors.As(err, &rpcErr), "want RPCError, got %T: %v", err, err)
	assert.Equal(t, reason, rpcErr.Reason, rpcErr.Error())
	return rpcErr
}

func TestInvokeUnary_Greeter(t *testing.T) {
	srv := testutil.StartServer(t)
	f := newFixture(t)

	res, err := f.invoker.InvokeUnary(context.Background(), domain.Connection{}, srv.Addr,
		f.method(t, "helloworld.Greeter/SayHello"), f.hello(t, "world"), nil)
	require.NoError(t, err)

	got, ok := res.Response.Get(1)
	require.True(t, ok)
	assert.Equal(t, "Hello world", got)
	assert.Equal(t, "helloworld.HelloReply", res.Response.Schema().FullName)
	assert.NotEmpty(t, res.CallID)
	assert.Equal(t, []string{"testutil"}, res.Headers.Get(testutil.ServedByHeader))
	assert.Positive(t, res.Duration)
}

func TestInvokeUnary_StatusError(t *testing.T) {
	srv := testutil.StartServer(t)
	f := newFixture(t)

	_, err := f.invoker.InvokeUnary(context.Background(), domain.Connection{}, srv.Addr,
		f.method(t, "/helloworld.Greeter/SayHello"), f.hello(t, testutil.NameFail), nil)

	rpcErr := requireRPCError(t, err, errors.RPCStatus)
	assert.Equal(t, codes.InvalidArgument, rpcErr.Code)
	assert.Equal(t, "name is not allowed", rpcErr.Message)
	assert.Equal(t, "/helloworld.Greeter/SayHello", rpcErr.Method)
	assert.Contains(t, rpcErr.Details, "must not be fail")
	assert.Equal(t, "rpc.status", errors.KindOf(err))
}

func TestInvokeUnary_Timeout(t *testing.T) {
	srv := testutil.StartServer(t)
	f := newFixture(t)

	conn := domain.Connection{Timeout: 200 * time.Millisecond}
	start := time.Now()
	_, err := f.invoker.InvokeUnary(context.Background(), conn, srv.Addr,
		f.method(t, "helloworld.Greeter.SayHello"), f.hello(t, testutil.NameSlow), nil)

	requireRPCError(t, err, errors.RPCTimeout)
	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.Less(t, time.Since(start), testutil.SlowDelay)
}

func TestInvokeUnary_InvalidAddress(t *testing.T) {
	f := newFixture(t)
	method := f.method(t, "helloworld.Greeter/SayHello")

	for _, addr := range []string{"", "   ", "localhost", "ftp://host:21", "host:99999"} {
		t.Run(addr, func(t *testing.T) {
			_, err := f.invoker.InvokeUnary(context.Background(), domain.Connection{}, addr, method, f.hello(t, "x"), nil)
			rpcErr := requireRPCError(t, err, errors.RPCInvalidAddress)
			assert.Equal(t, method.Path(), rpcErr.Method)
		})
	}
	assert.Zero(t, f.conns.Len(), "no connection attempted")
}

func TestInvokeUnary_ConnectFailed(t *testing.T) {
	f := newFixture(t)
	addr := testutil.UnusedAddress(t)

	conn := domain.Connection{Timeout: 5 * time.Second}
	_, err := f.invoker.InvokeUnary(context.Background(), conn, addr,
		f.method(t, "helloworld.Greeter/SayHello"), f.hello(t, "x"), nil)

	rpcErr := requireRPCError(t, err, errors.RPCConnectFailed)
	assert.Equal(t, addr, rpcErr.Address)
	assert.ErrorIs(t, err, errors.ErrConnectionFailed)
}

// silentListener accepts TCP connections and never answers the HTTP/2
// handshake, so the channel stays in CONNECTING.
func silentListener(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	accepted := make(chan net.Conn, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			c, err := lis.Accept()
			if err != nil {
				return
			}
			select {
			case accepted <- c:
			default:
				_ = c.Close()
			}
		}
	}()
	t.Cleanup(func() {
		_ = lis.Close()
		<-done
		close(accepted)
		for c := range accepted {
			_ = c.Close()
		}
	})
	return lis.Addr().String()
}

func TestInvokeUnary_TimeoutWhileConnecting(t *testing.T) {
	f := newFixture(t)
	addr := silentListener(t)

	conn := domain.Connection{Timeout: 300 * time.Millisecond}
	start := time.Now()
	_, err := f.invoker.InvokeUnary(context.Background(), conn, addr,
		f.method(t, "helloworld.Greeter/SayHello"), f.hello(t, "x"), nil)

	rpcErr := requireRPCError(t, err, errors.RPCTimeout)
	assert.Equal(t, addr, rpcErr.Address)
	assert.Equal(t, "/helloworld.Greeter/SayHello", rpcErr.Method)
	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.NotErrorIs(t, err, errors.ErrConnectionFailed)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestInvokeUnary_CanceledWhileConnecting(t *testing.T) {
	f := newFixture(t)
	addr := silentListener(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := f.invoker.InvokeUnary(ctx, domain.Connection{Timeout: 5 * time.Second}, addr,
		f.method(t, "helloworld.Greeter/SayHello"), f.hello(t, "x"), nil)

	rpcErr := requireRPCError(t, err, errors.RPCStatus)
	assert.Equal(t, codes.Canceled, rpcErr.Code)
}

func TestInvokeUnary_BearerSentOnce(t *testing.T) {
	srv := testutil.StartServer(t)
	f := newFixture(t)

	conn := domain.Connection{Metadata: map[string]string{
		"authorization": "Bearer default-token",
		"x-tenant":      "acme",
	}}
	md := map[string]string{"Authorization": domain.BearerAuth("abc.def.ghi")}

	_, err := f.invoker.InvokeUnary(context.Background(), conn, srv.Addr,
		f.method(t, "helloworld.Greeter/SayHello"), f.hello(t, "x"), md)
	require.NoError(t, err)

	incoming := srv.Incoming()
	require.Len(t, incoming, 1)
	assert.Equal(t, []string{"Bearer abc.def.ghi"}, incoming[0].Get("authorization"))
	assert.Equal(t, []string{"acme"}, incoming[0].Get("x-tenant"))
}

func TestInvokeUnary_NoMetadata(t *testing.T) {
	srv := testutil.StartServer(t)
	f := newFixture(t)

	_, err := f.invoker.InvokeUnary(context.Background(), domain.Connection{}, srv.Addr,
		f.method(t, "helloworld.Greeter/SayHello"), f.hello(t, "x"), nil)
	require.NoError(t, err)

	incoming := srv.Incoming()
	require.Len(t, incoming, 1)
	assert.Empty(t, incoming[0].Get("authorization"))
}

func TestInvokeUnary_StreamingRejected(t *testing.T) {
	srv := testutil.StartServer(t)
	f := newFixture(t)

	_, err := f.invoker.InvokeUnary(context.Background(), domain.Connection{}, srv.Addr,
		f.method(t, "helloworld.Greeter/SayHelloStream"), f.hello(t, "x"), nil)

	requireRPCError(t, err, errors.RPCUnsupported)
	assert.Zero(t, srv.Calls())
	assert.Zero(t, f.conns.Len())
}

func TestInvokeUnary_WrongRequestType(t *testing.T) {
	f := newFixture(t)
	req := message.New(f.reg, f.reg.MustMessage("testpb.Everything"))

	_, err := f.invoker.InvokeUnary(context.Background(), domain.Connection{}, "localhost:1",
		f.method(t, "helloworld.Greeter/SayHello"), req, nil)

	var fieldErr *errors.FieldAccessError
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, errors.FieldTypeMismatch, fieldErr.Reason)
}

func TestInvokeUnary_DecodeFailed(t *testing.T) {
	srv := testutil.StartServer(t)
	f := newFixture(t)

	_, err := f.invoker.InvokeUnary(context.Background(), domain.Connection{}, srv.Addr,
		f.method(t, "helloworld.Greeter/SayHello"), f.hello(t, testutil.NameMismatch), nil)

	requireRPCError(t, err, errors.RPCDecodeFailed)
	var decodeErr *errors.DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestInvokeUnary_KitchenSinkRoundTrip(t *testing.T) {
	srv := testutil.StartServer(t)
	f := newFixture(t)

	text := `{
		"f_double": 2.5,
		"f_int64": "-42",
		"f_uint64": "18446744073709551615",
		"f_sint32": -7,
		"f_bool": true,
		"f_string": "pasta",
		"f_bytes": "AAEC",
		"color": "GREEN",
		"nested": {"label": "outer", "child": {"label": "inner", "values": [1, 2]}},
		"numbers": [3, 1, 2],
		"tags": ["a", "b"],
		"counts": {"x": 1, "y": 2},
		"by_id": {"7": {"label": "seven"}},
		"text": "chosen",
		"maybe": 0,
		"palette": ["RED", "BLUE"],
		"unpacked": ["5", "6"]
	}`
	req, err := codec.FromText([]byte(text), f.reg.MustMessage("testpb.Everything"), f.reg)
	require.NoError(t, err)

	res, err := f.invoker.InvokeUnary(context.Background(), domain.Connection{}, srv.Addr,
		f.method(t, "testpb.Kitchenware/Cook"), req, nil)
	require.NoError(t, err)
	assert.True(t, message.Equal(req, res.Response),
		"sent:\n%s\nreceived:\n%s", codec.ToText(req), codec.ToText(res.Response))
}

func TestInvokeUnary_ReusesConnection(t *testing.T) {
	srv := testutil.StartServer(t)
	f := newFixture(t)
	method := f.method(t, "helloworld.Greeter/SayHello")

	g, ctx := errgroup.WithContext(context.Background())
	for range 8 {
		req := f.hello(t, "x")
		g.Go(func() error {
			_, err := f.invoker.InvokeUnary(ctx, domain.Connection{}, srv.Addr, method, req, nil)
			return err
		})
	}
	require.NoError(t, g.Wait())

	_, err := f.invoker.InvokeUnary(context.Background(), domain.Connection{}, "http://"+srv.Addr, method, f.hello(t, "x"), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, f.conns.Len())
	assert.Equal(t, 9, srv.Calls())
}

func TestInvokeUnary_AfterClose(t *testing.T) {
	srv := testutil.StartServer(t)
	f := newFixture(t)
	require.NoError(t, f.conns.Close())

	_, err := f.invoker.InvokeUnary(context.Background(), domain.Connection{}, srv.Addr,
		f.method(t, "helloworld.Greeter/SayHello"), f.hello(t, "x"), nil)
	requireRPCError(t, err, errors.RPCConnectFailed)
}

func TestHeaderMap(t *testing.T) {
	assert.Nil(t, HeaderMap(nil))
	got := HeaderMap(map[string][]string{"a": {"1", "2"}, "b": {"3"}})
	assert.Equal(t, map[string]string{"a": "1, 2", "b": "3"}, got)
}
