package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/shhac/burrow/internal/domain"
	"github.com/shhac/burrow/internal/errors"
)

// ConnectionManager keeps one client connection per (target, TLS settings)
// pair and hands it out to every call for that pair.
type ConnectionManager struct {
	logger *slog.Logger
	extra  []grpc.DialOption

	mu     sync.RWMutex
	conns  map[string]*grpc.ClientConn
	closed bool

	group singleflight.Group
}

// NewConnectionManager creates a new connection manager. Extra dial options
// are appended to the defaults for every connection.
func NewConnectionManager(logger *slog.Logger, extra ...grpc.DialOption) *ConnectionManager {
	return &ConnectionManager{
		logger: logger,
		extra:  extra,
		conns:  make(map[string]*grpc.ClientConn),
	}
}

// Get returns a ready connection for target, establishing it on first use.
// Concurrent first uses of the same pair share a single dial.
func (m *ConnectionManager) Get(ctx context.Context, target Target, settings domain.TLSSettings) (*grpc.ClientConn, error) {
	key := target.Dial + "|" + settings.Key()

	m.mu.RLock()
	conn, ok := m.conns[key]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, m.connectError(target, stderrors.New("connection manager closed"))
	}
	if ok && conn.GetState() == connectivity.TransientFailure {
		m.logger.Debug("discarding failed connection", slog.String("address", target.Raw))
		m.evict(key, conn)
		ok = false
	}

	if !ok {
		v, err, _ := m.group.Do(key, func() (any, error) {
			m.mu.RLock()
			existing, ok := m.conns[key]
			m.mu.RUnlock()
			if ok {
				return existing, nil
			}
			created, err := m.dial(target, settings)
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.closed {
				_ = created.Close()
				return nil, stderrors.New("connection manager closed")
			}
			m.conns[key] = created
			return created, nil
		})
		if err != nil {
			m.logger.Error("failed to create gRPC client",
				slog.String("address", target.Raw),
				slog.Any("error", err),
			)
			return nil, m.connectError(target, err)
		}
		conn = v.(*grpc.ClientConn)
	}

	if err := ensureReady(ctx, conn); err != nil {
		m.logger.Warn("connection not ready",
			slog.String("address", target.Raw),
			slog.String("state", conn.GetState().String()),
			slog.Any("error", err),
		)
		switch {
		case stderrors.Is(err, context.DeadlineExceeded):
			return nil, &errors.RPCError{Reason: errors.RPCTimeout, Address: target.Raw, Err: err}
		case stderrors.Is(err, context.Canceled):
			rpcErr := errors.FromStatus("", status.FromContextError(err).Err())
			rpcErr.Address = target.Raw
			return nil, rpcErr
		}
		return nil, m.connectError(target, err)
	}
	return conn, nil
}

// Len returns the number of cached connections.
func (m *ConnectionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Close closes every cached connection. Later calls to Get fail.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*grpc.ClientConn)
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for key, conn := range conns {
		if err := conn.Close(); err != nil {
			m.logger.Warn("failed to close connection", slog.String("key", key), slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	if len(conns) > 0 {
		m.logger.Info("gRPC connections closed", slog.Int("count", len(conns)))
	}
	return stderrors.Join(errs...)
}

func (m *ConnectionManager) dial(target Target, settings domain.TLSSettings) (*grpc.ClientConn, error) {
	// Keepalive parameters for long-lived interactive sessions
	kaParams := keepalive.ClientParameters{
		Time:                10 * time.Second, // Ping every 10s
		Timeout:             3 * time.Second,  // Wait 3s for ping ack
		PermitWithoutStream: true,             // Keep alive even when idle
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(kaParams),
	}

	if settings.Enabled {
		creds, err := transportCredentials(settings)
		if err != nil {
			return nil, err
		}
		if settings.SkipVerify {
			m.logger.Warn("using insecure TLS connection (skipping certificate verification)",
				slog.String("address", target.Raw))
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, m.extra...)

	conn, err := grpc.NewClient(target.Dial, opts...)
	if err != nil {
		return nil, err
	}
	m.logger.Info("gRPC connection created",
		slog.String("address", target.Raw),
		slog.Bool("tls", settings.Enabled),
	)
	return conn, nil
}

func transportCredentials(settings domain.TLSSettings) (credentials.TransportCredentials, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: settings.SkipVerify,
		ServerName:         settings.ServerName,
	}
	if settings.CAFile != "" {
		pem, err := os.ReadFile(settings.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", settings.CAFile)
		}
		cfg.RootCAs = pool
	}
	if settings.CertFile != "" || settings.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(settings.CertFile, settings.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(cfg), nil
}

func (m *ConnectionManager) evict(key string, conn *grpc.ClientConn) {
	m.mu.Lock()
	if m.conns[key] == conn {
		delete(m.conns, key)
	}
	m.mu.Unlock()
	if err := conn.Close(); err != nil {
		m.logger.Debug("failed to close evicted connection", slog.Any("error", err))
	}
}

// ensureReady drives conn towards READY and waits for it. The first
// transient failure is reported as unreachable.
func ensureReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return stderrors.New("connection is shut down")
		case connectivity.TransientFailure:
			return stderrors.New("server unreachable")
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

func (m *ConnectionManager) connectError(target Target, err error) error {
	return &errors.RPCError{
		Reason:  errors.RPCConnectFailed,
		Address: target.Raw,
		Err:     err,
	}
}
