package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	reflectionpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/shhac/burrow/internal/descriptor"
	"github.com/shhac/burrow/internal/errors"
)

var reflectionServices = map[string]bool{
	"grpc.reflection.v1alpha.ServerReflection": true,
	"grpc.reflection.v1.ServerReflection":      true,
}

// ReflectionClient downloads descriptors from a server that exposes the
// gRPC reflection service. Both v1 and v1alpha servers are supported.
type ReflectionClient struct {
	conn   *grpc.ClientConn
	logger *slog.Logger
}

// NewReflectionClient creates a reflection client for the given connection.
func NewReflectionClient(conn *grpc.ClientConn, logger *slog.Logger) *ReflectionClient {
	return &ReflectionClient{conn: conn, logger: logger}
}

// ListServices returns the names of the services the server advertises,
// excluding the reflection service itself.
func (r *ReflectionClient) ListServices(ctx context.Context) ([]string, error) {
	client := r.newClient(ctx)
	defer client.Reset()
	return r.listServices(client)
}

// FetchDescriptorSet downloads the file of every advertised service along
// with its transitive imports. The result is normalized the same way as
// descriptors loaded from disk. Services that cannot be resolved are skipped
// with a warning.
func (r *ReflectionClient) FetchDescriptorSet(ctx context.Context) (*descriptorpb.FileDescriptorSet, error) {
	client := r.newClient(ctx)
	defer client.Reset()

	names, err := r.listServices(client)
	if err != nil {
		return nil, err
	}

	var (
		resolved []*desc.FileDescriptor
		raw      []*descriptorpb.FileDescriptorProto
		failed   int
	)
	for _, name := range names {
		sd, err := client.ResolveService(name)
		if err == nil {
			resolved = append(resolved, sd.GetFile())
			continue
		}
		r.logger.Warn("standard resolution failed, trying lenient resolve",
			slog.String("service", name),
			slog.Any("error", err),
		)
		files, lenientErr := r.lenientFetch(ctx, name)
		if lenientErr != nil {
			r.logger.Warn("lenient resolution also failed",
				slog.String("service", name),
				slog.Any("error", lenientErr),
			)
			failed++
			continue
		}
		raw = append(raw, files...)
	}

	if len(resolved) == 0 && len(raw) == 0 && len(names) > 0 {
		return nil, &errors.DescriptorLoadError{
			Reason: errors.LoadInvalidSet,
			Path:   r.conn.Target(),
			Err:    fmt.Errorf("%w: no service could be resolved", errors.ErrReflectionUnavailable),
		}
	}

	var files []*descriptorpb.FileDescriptorProto
	if len(resolved) > 0 {
		files = append(files, desc.ToFileDescriptorSet(resolved...).GetFile()...)
	}
	files = append(files, raw...)

	set, missing := descriptor.Normalize(files, r.logger)
	if len(missing) > 0 {
		r.logger.Warn("server did not provide every imported file", slog.Any("missing", missing))
	}
	r.logger.Info("fetched descriptors via reflection",
		slog.Int("services", len(names)),
		slog.Int("files", len(set.GetFile())),
		slog.Int("errors", failed),
	)
	return set, nil
}

func (r *ReflectionClient) newClient(ctx context.Context) *grpcreflect.Client {
	client := grpcreflect.NewClientAuto(ctx, r.conn)
	client.AllowFallbackResolver(protoregistry.GlobalFiles, protoregistry.GlobalTypes)
	client.AllowMissingFileDescriptors()
	return client
}

func (r *ReflectionClient) listServices(client *grpcreflect.Client) ([]string, error) {
	all, err := client.ListServices()
	if err != nil {
		r.logger.Error("failed to list services", slog.Any("error", err))
		return nil, fmt.Errorf("%w: %w", errors.ErrReflectionUnavailable, err)
	}
	names := make([]string, 0, len(all))
	for _, name := range all {
		if reflectionServices[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// lenientFetch speaks the raw reflection protocol: it asks for the file that
// declares service, then for each import that is neither in the response
// nor registered locally.
func (r *ReflectionClient) lenientFetch(ctx context.Context, service string) ([]*descriptorpb.FileDescriptorProto, error) {
	stream, err := reflectionpb.NewServerReflectionClient(r.conn).ServerReflectionInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("open reflection stream: %w", err)
	}
	defer func() { _ = stream.CloseSend() }()

	seen := map[string]bool{}
	requested := map[string]bool{}
	var files []*descriptorpb.FileDescriptorProto
	collect := func(req *reflectionpb.ServerReflectionRequest) error {
		if err := stream.Send(req); err != nil {
			return fmt.Errorf("send reflection request: %w", err)
		}
		resp, err := stream.Recv()
		if err != nil {
			return fmt.Errorf("receive reflection response: %w", err)
		}
		fdResp := resp.GetFileDescriptorResponse()
		if fdResp == nil {
			if errResp := resp.GetErrorResponse(); errResp != nil {
				return fmt.Errorf("reflection error: %s", errResp.GetErrorMessage())
			}
			return fmt.Errorf("unexpected reflection response type")
		}
		for _, b := range fdResp.GetFileDescriptorProto() {
			fd := &descriptorpb.FileDescriptorProto{}
			if err := proto.Unmarshal(b, fd); err != nil {
				r.logger.Warn("failed to unmarshal file descriptor", slog.Any("error", err))
				continue
			}
			if !seen[fd.GetName()] {
				seen[fd.GetName()] = true
				files = append(files, fd)
			}
		}
		return nil
	}

	if err := collect(&reflectionpb.ServerReflectionRequest{
		MessageRequest: &reflectionpb.ServerReflectionRequest_FileContainingSymbol{FileContainingSymbol: service},
	}); err != nil {
		return nil, err
	}

	for i := 0; i < len(files); i++ {
		for _, dep := range files[i].GetDependency() {
			if seen[dep] || requested[dep] {
				continue
			}
			if _, err := protoregistry.GlobalFiles.FindFileByPath(dep); err == nil {
				continue
			}
			requested[dep] = true
			if err := collect(&reflectionpb.ServerReflectionRequest{
				MessageRequest: &reflectionpb.ServerReflectionRequest_FileByFilename{FileByFilename: dep},
			}); err != nil {
				r.logger.Debug("failed to fetch dependency file",
					slog.String("dep", dep),
					slog.Any("error", err),
				)
			}
		}
	}
	return files, nil
}
