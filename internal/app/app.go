package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/shhac/burrow/internal/codec"
	"github.com/shhac/burrow/internal/descriptor"
	"github.com/shhac/burrow/internal/domain"
	"github.com/shhac/burrow/internal/errors"
	"github.com/shhac/burrow/internal/grpc"
	"github.com/shhac/burrow/internal/message"
	"github.com/shhac/burrow/internal/registry"
	"github.com/shhac/burrow/internal/storage"
	"github.com/shhac/burrow/internal/telemetry"
)

// reflectionTimeout bounds descriptor download when loading via reflection.
const reflectionTimeout = 30 * time.Second

// Client is the composition root: it owns one descriptor registry, one
// connection configuration and the connections made on their behalf.
type Client struct {
	logger  *slog.Logger
	set     *descriptorpb.FileDescriptorSet
	reg     *registry.Registry
	conn    domain.Connection
	conns   *grpc.ConnectionManager
	invoker *grpc.Invoker
	storage storage.Repository

	shutdownTracing func(context.Context) error
}

// Option customizes New.
type Option func(*options)

type options struct {
	repo storage.Repository
}

// WithRepository replaces the on-disk descriptor store.
func WithRepository(repo storage.Repository) Option {
	return func(o *options) { o.repo = repo }
}

// New loads descriptors from the configured sources (or from the default
// server via reflection), links them and prepares the connection settings.
func New(ctx context.Context, cfg *Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.repo == nil {
		path, err := cfg.StorageDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine storage path: %w", err)
		}
		o.repo = storage.NewFileStore(path, logger)
	}

	logger.Info("initializing burrow client",
		slog.Bool("debug", cfg.Debug),
		slog.Bool("reflection", cfg.Reflection),
	)

	shutdown, err := telemetry.Setup(ctx, cfg.Otel.Endpoint, cfg.Otel.Service)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	c := &Client{
		logger:          logger,
		conn:            cfg.Connection(),
		conns:           grpc.NewConnectionManager(logger),
		storage:         o.repo,
		shutdownTracing: shutdown,
	}
	c.invoker = grpc.NewInvoker(c.conns, logger)

	if err := c.load(ctx, cfg); err != nil {
		_ = c.Close()
		return nil, err
	}

	logger.Info("client initialized",
		slog.Int("files", len(c.set.GetFile())),
		slog.Int("services", len(c.reg.ListServices())),
	)
	return c, nil
}

func (c *Client) load(ctx context.Context, cfg *Config) error {
	var (
		set *descriptorpb.FileDescriptorSet
		err error
	)
	switch {
	case cfg.Reflection:
		set, err = c.fetchViaReflection(ctx)
	case len(cfg.Saved) > 0:
		set, err = c.loadWithSaved(ctx, cfg)
	default:
		set, err = descriptor.Load(ctx, cfg.Source(), c.logger)
	}
	if err != nil {
		return err
	}

	reg, err := registry.FromRaw(set)
	if err != nil {
		return err
	}
	c.set, c.reg = set, reg
	return nil
}

func (c *Client) fetchViaReflection(ctx context.Context) (*descriptorpb.FileDescriptorSet, error) {
	target, err := grpc.ParseAddress(c.conn.DefaultAddress)
	if err != nil {
		return nil, err
	}
	settings := c.conn.TLS
	if target.TLS {
		settings = settings.WithTLS()
	}
	ctx, cancel := context.WithTimeout(ctx, reflectionTimeout)
	defer cancel()

	cc, err := c.conns.Get(ctx, target, settings)
	if err != nil {
		return nil, err
	}
	return grpc.NewReflectionClient(cc, c.logger).FetchDescriptorSet(ctx)
}

// loadWithSaved combines stored sets with any configured sources.
func (c *Client) loadWithSaved(ctx context.Context, cfg *Config) (*descriptorpb.FileDescriptorSet, error) {
	var files []*descriptorpb.FileDescriptorProto
	for _, name := range cfg.Saved {
		set, err := c.storage.LoadDescriptorSet(name)
		if err != nil {
			return nil, &errors.DescriptorLoadError{Reason: errors.LoadMissingFile, Path: name, Err: err}
		}
		files = append(files, set.GetFile()...)
	}
	if src := cfg.Source(); !src.Empty() {
		set, err := descriptor.Load(ctx, src, c.logger)
		if err != nil {
			return nil, err
		}
		files = append(files, set.GetFile()...)
	}

	set, missing := descriptor.Normalize(files, c.logger)
	if len(missing) > 0 {
		return nil, &errors.DescriptorLoadError{
			Reason: errors.LoadImportUnresolved,
			Path:   missing[0],
			Err:    fmt.Errorf("imported file not found in saved descriptor sets"),
		}
	}
	return set, nil
}

// Registry returns the linked descriptors.
func (c *Client) Registry() *registry.Registry { return c.reg }

// ListServices returns every service in declaration order.
func (c *Client) ListServices() []domain.Service {
	services := c.reg.ListServices()
	out := make([]domain.Service, 0, len(services))
	for _, s := range services {
		out = append(out, domain.Service{
			Name:     s.Name,
			FullName: s.FullName,
			Methods:  methodViews(s.Methods),
		})
	}
	return out
}

// ListMethods returns the methods of service in declaration order.
func (c *Client) ListMethods(service string) ([]domain.Method, error) {
	methods, err := c.reg.ListMethods(service)
	if err != nil {
		return nil, err
	}
	return methodViews(methods), nil
}

func methodViews(methods []*registry.MethodSchema) []domain.Method {
	out := make([]domain.Method, 0, len(methods))
	for _, m := range methods {
		out = append(out, domain.Method{
			Name:           m.Name,
			FullName:       m.FullName,
			Path:           m.Path(),
			InputType:      m.InputType,
			OutputType:     m.OutputType,
			IsClientStream: m.ClientStreaming,
			IsServerStream: m.ServerStreaming,
		})
	}
	return out
}

// Method looks up a method by pkg.Service/Method, /pkg.Service/Method or
// pkg.Service.Method.
func (c *Client) Method(name string) (*registry.MethodSchema, error) {
	return c.reg.FindMethod(name)
}

// BuildDefaultRequest returns a default-populated request for method.
func (c *Client) BuildDefaultRequest(method string) (*message.Message, error) {
	m, err := c.reg.FindMethod(method)
	if err != nil {
		return nil, err
	}
	schema, err := c.reg.ResolveMessage(m.InputType)
	if err != nil {
		return nil, err
	}
	return message.New(c.reg, schema), nil
}

// RequestTemplate returns the default request for method as editable text.
func (c *Client) RequestTemplate(method string) (string, error) {
	req, err := c.BuildDefaultRequest(method)
	if err != nil {
		return "", err
	}
	return string(codec.ToText(req)), nil
}

// ParseRequest parses editable text into a request for method.
func (c *Client) ParseRequest(method, text string) (*message.Message, error) {
	m, err := c.reg.FindMethod(method)
	if err != nil {
		return nil, err
	}
	schema, err := c.reg.ResolveMessage(m.InputType)
	if err != nil {
		return nil, err
	}
	return codec.FromText([]byte(text), schema, c.reg)
}

// DefaultAddress returns the configured default server address.
func (c *Client) DefaultAddress() string { return c.conn.DefaultAddress }

// CallUnary invokes method with request. An empty address selects the
// default address; md is merged over the configured headers.
func (c *Client) CallUnary(ctx context.Context, address, method string, request *message.Message, md map[string]string) (*grpc.Result, error) {
	m, err := c.reg.FindMethod(method)
	if err != nil {
		return nil, err
	}
	if address == "" {
		address = c.conn.DefaultAddress
	}
	return c.invoker.InvokeUnary(ctx, c.conn, address, m, request, md)
}

// CallUnaryText parses req.Body, invokes the method and renders the reply
// as editable text.
func (c *Client) CallUnaryText(ctx context.Context, req domain.Request) (*domain.Response, error) {
	request, err := c.ParseRequest(req.Method, req.Body)
	if err != nil {
		return nil, err
	}
	res, err := c.CallUnary(ctx, req.Address, req.Method, request, req.Metadata)
	if err != nil {
		return nil, err
	}
	return &domain.Response{
		CallID:   res.CallID,
		Body:     string(codec.ToText(res.Response)),
		Headers:  grpc.HeaderMap(res.Headers),
		Duration: res.Duration,
	}, nil
}

// Describe renders a file, service, method, message or enum as proto source.
func (c *Client) Describe(symbol string) (string, error) {
	return descriptor.Describe(c.set, symbol)
}

// Descriptors returns the raw descriptor set the registry was built from.
func (c *Client) Descriptors() *descriptorpb.FileDescriptorSet { return c.set }

// ExportDescriptors writes the loaded descriptors to path as a protoset.
func (c *Client) ExportDescriptors(path string) error {
	if err := storage.ExportFile(path, c.set); err != nil {
		return err
	}
	c.logger.Info("exported descriptors", slog.String("path", path))
	return nil
}

// SaveDescriptors stores the loaded descriptors under name for later use
// through the "saved" configuration key.
func (c *Client) SaveDescriptors(name string) error {
	return c.storage.SaveDescriptorSet(name, c.set)
}

// SavedDescriptors lists the stored descriptor set names.
func (c *Client) SavedDescriptors() ([]string, error) {
	return c.storage.ListDescriptorSets()
}

// Close closes every connection and flushes pending spans.
func (c *Client) Close() error {
	errs := []error{c.conns.Close()}
	if c.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, c.shutdownTracing(ctx))
	}
	return stderrors.Join(errs...)
}
