package grpc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/connectivity"

	"github.com/shhac/burrow/internal/domain"
	"github.com/shhac/burrow/internal/testutil"
)

func TestConnectionManager_ReusePerTLSSettings(t *testing.T) {
	srv := testutil.StartServer(t)
	m := NewConnectionManager(nopLogger())
	t.Cleanup(func() { _ = m.Close() })

	target, err := ParseAddress(srv.Addr)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := m.Get(ctx, target, domain.TLSSettings{})
	require.NoError(t, err)
	second, err := m.Get(ctx, target, domain.TLSSettings{})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, connectivity.Ready, first.GetState())
	assert.Equal(t, 1, m.Len())

	// A plaintext server cannot complete a TLS handshake.
	short, cancelShort := context.WithTimeout(context.Background(), time.Second)
	defer cancelShort()
	_, err = m.Get(short, target, domain.TLSSettings{Enabled: true, SkipVerify: true})
	require.Error(t, err)
	assert.Equal(t, 2, m.Len())
}

func TestConnectionManager_Close(t *testing.T) {
	srv := testutil.StartServer(t)
	m := NewConnectionManager(nopLogger())

	target, err := ParseAddress(srv.Addr)
	require.NoError(t, err)
	cc, err := m.Get(context.Background(), target, domain.TLSSettings{})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.Zero(t, m.Len())
	assert.Equal(t, connectivity.Shutdown, cc.GetState())

	_, err = m.Get(context.Background(), target, domain.TLSSettings{})
	require.Error(t, err)
}

func TestTransportCredentials_Errors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))

	tests := []struct {
		name     string
		settings domain.TLSSettings
		wantErr  string
	}{
		{"missing CA file", domain.TLSSettings{Enabled: true, CAFile: filepath.Join(dir, "nope.pem")}, "read CA certificate"},
		{"CA without certificates", domain.TLSSettings{Enabled: true, CAFile: garbage}, "no certificates found"},
		{"key without certificate", domain.TLSSettings{Enabled: true, KeyFile: garbage}, "load client certificate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := transportCredentials(tt.settings)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	creds, err := transportCredentials(domain.TLSSettings{Enabled: true, ServerName: "api.internal"})
	require.NoError(t, err)
	assert.Equal(t, "tls", creds.Info().SecurityProtocol)
}
