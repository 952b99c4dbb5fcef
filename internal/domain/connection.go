package domain

import "time"

// DefaultTimeout bounds a unary call when the configuration sets none.
const DefaultTimeout = 30 * time.Second

// Connection holds the settings shared by every call a client makes. It is
// treated as immutable once built.
type Connection struct {
	DefaultAddress string
	Timeout        time.Duration

	// Metadata is attached to every call; per-call headers override it.
	Metadata map[string]string

	TLS TLSSettings
}

// TLSSettings holds detailed TLS configuration
type TLSSettings struct {
	Enabled    bool
	SkipVerify bool   // Skip TLS certificate verification (insecure)
	ServerName string // Override the name used for certificate verification
	CAFile     string // Path to CA certificate
	CertFile   string // Path to client certificate (mTLS)
	KeyFile    string // Path to client key (mTLS)
}

// EffectiveTimeout returns Timeout, or DefaultTimeout when unset.
func (c Connection) EffectiveTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// WithTLS returns a copy of s with TLS forced on. Used when the address
// scheme demands TLS.
func (s TLSSettings) WithTLS() TLSSettings {
	s.Enabled = true
	return s
}

// Key identifies the settings for connection reuse.
func (s TLSSettings) Key() string {
	if !s.Enabled {
		return "plaintext"
	}
	key := "tls"
	if s.SkipVerify {
		key += "+insecure"
	}
	return key + "|" + s.ServerName + "|" + s.CAFile + "|" + s.CertFile + "|" + s.KeyFile
}
