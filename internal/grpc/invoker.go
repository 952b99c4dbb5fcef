package grpc

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/shhac/burrow/internal/codec"
	"github.com/shhac/burrow/internal/domain"
	"github.com/shhac/burrow/internal/errors"
	"github.com/shhac/burrow/internal/message"
	"github.com/shhac/burrow/internal/registry"
	"github.com/shhac/burrow/internal/telemetry"
)

// maxLogBodyLen caps request and response bodies written to the log.
const maxLogBodyLen = 2048

// rawFrame is an already-encoded protobuf message.
type rawFrame []byte

// rawCodec passes message bytes through untouched, so the transport never
// needs to know message shapes.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch f := v.(type) {
	case rawFrame:
		return f, nil
	case *rawFrame:
		return *f, nil
	}
	return nil, fmt.Errorf("raw codec: cannot marshal %T", v)
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("raw codec: cannot unmarshal into %T", v)
	}
	*f = append((*f)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "proto" }

// Result is the outcome of a successful unary call.
type Result struct {
	CallID   string
	Response *message.Message
	Headers  metadata.MD
	Trailers metadata.MD
	Duration time.Duration
}

// Invoker performs unary calls from descriptors and raw bytes. It supports
// unary methods only; streaming methods are rejected before any I/O.
type Invoker struct {
	conns  *ConnectionManager
	logger *slog.Logger
	tracer trace.Tracer
}

// NewInvoker creates an invoker that takes connections from conns.
func NewInvoker(conns *ConnectionManager, logger *slog.Logger) *Invoker {
	return &Invoker{
		conns:  conns,
		logger: logger,
		tracer: telemetry.Tracer(),
	}
}

// InvokeUnary sends request to method at address and blocks until the
// response arrives or the connection's timeout elapses. Metadata from conn
// and md is merged with md taking precedence, so each key is sent once.
func (i *Invoker) InvokeUnary(
	ctx context.Context,
	conn domain.Connection,
	address string,
	method *registry.MethodSchema,
	request *message.Message,
	md map[string]string,
) (*Result, error) {
	path := method.Path()

	if !method.Unary() {
		return nil, &errors.RPCError{
			Reason:  errors.RPCUnsupported,
			Method:  path,
			Address: address,
			Err:     fmt.Errorf("%s methods cannot be called", method.StreamType()),
		}
	}
	if got := request.Schema().FullName; got != method.InputType {
		return nil, &errors.FieldAccessError{
			Reason:  errors.FieldTypeMismatch,
			Message: got,
			Detail:  fmt.Sprintf("%s expects %s", path, method.InputType),
		}
	}

	target, err := ParseAddress(address)
	if err != nil {
		if re, ok := err.(*errors.RPCError); ok {
			re.Method = path
		}
		return nil, err
	}
	settings := conn.TLS
	if target.TLS {
		settings = settings.WithTLS()
	}

	ctx, callID := telemetry.NewCallContext(ctx)
	ctx, cancel := context.WithTimeout(ctx, conn.EffectiveTimeout())
	defer cancel()

	ctx, span := i.tracer.Start(ctx, "grpc.client",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.RPCSystemGRPC,
			semconv.RPCServiceKey.String(method.Service),
			semconv.RPCMethodKey.String(method.Name),
			attribute.String("net.peer.name", target.Raw),
			attribute.String("burrow.call_id", callID),
		),
	)
	defer span.End()

	logger := i.logger.With(slog.String("call_id", callID), slog.String("method", path))
	logger.Debug("invoking unary RPC",
		slog.String("address", target.Raw),
		slog.String("request", truncateForLog(string(codec.ToCompactText(request)))),
	)

	cc, err := i.conns.Get(ctx, target, settings)
	if err != nil {
		if re, ok := err.(*errors.RPCError); ok {
			re.Method = path
		}
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "connect failed")
		return nil, err
	}

	if merged := domain.MergeMetadata(conn.Metadata, md); len(merged) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, metadata.New(merged))
	}

	var (
		respHeaders  metadata.MD
		respTrailers metadata.MD
		reply        rawFrame
	)
	start := time.Now()
	err = cc.Invoke(ctx, path, rawFrame(codec.Encode(request)), &reply,
		grpc.ForceCodec(rawCodec{}),
		grpc.Header(&respHeaders),
		grpc.Trailer(&respTrailers),
	)
	elapsed := time.Since(start)

	if err != nil {
		rpcErr := callError(ctx, path, target, err)
		span.RecordError(rpcErr)
		span.SetAttributes(attribute.String("grpc.code", status.Code(err).String()))
		span.SetStatus(otelcodes.Error, rpcErr.Error())
		logger.Error("RPC invocation failed",
			slog.Duration("duration", elapsed),
			slog.Any("error", rpcErr),
		)
		return nil, rpcErr
	}
	span.SetAttributes(attribute.String("grpc.code", codes.OK.String()))

	outSchema, err := request.Registry().ResolveMessage(method.OutputType)
	if err != nil {
		return nil, &errors.RPCError{Reason: errors.RPCDecodeFailed, Method: path, Address: target.Raw, Err: err}
	}
	resp, err := codec.Decode(reply, outSchema, request.Registry())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "decode failed")
		logger.Error("failed to decode response",
			slog.Int("bytes", len(reply)),
			slog.Any("error", err),
		)
		return nil, &errors.RPCError{Reason: errors.RPCDecodeFailed, Method: path, Address: target.Raw, Err: err}
	}

	logger.Debug("unary RPC completed",
		slog.Duration("duration", elapsed),
		slog.String("response", truncateForLog(string(codec.ToCompactText(resp)))),
	)

	return &Result{
		CallID:   callID,
		Response: resp,
		Headers:  respHeaders,
		Trailers: respTrailers,
		Duration: elapsed,
	}, nil
}

// callError maps a failed Invoke onto the error taxonomy.
func callError(ctx context.Context, path string, target Target, err error) *errors.RPCError {
	code := status.Code(err)
	if code == codes.DeadlineExceeded || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &errors.RPCError{
			Reason:  errors.RPCTimeout,
			Method:  path,
			Address: target.Raw,
			Err:     err,
		}
	}
	rpcErr := errors.FromStatus(path, err)
	rpcErr.Address = target.Raw
	return rpcErr
}

// truncateForLog shortens s to maxLogBodyLen bytes, noting the full size.
func truncateForLog(s string) string {
	if len(s) <= maxLogBodyLen {
		return s
	}
	var b strings.Builder
	b.WriteString(s[:maxLogBodyLen])
	fmt.Fprintf(&b, "... (%d bytes total)", len(s))
	return b.String()
}

// HeaderMap flattens metadata into single values, joining repeated values
// with ", ".
func HeaderMap(md metadata.MD) map[string]string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, vs := range md {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}
