package app

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/shhac/burrow/internal/descriptor"
	"github.com/shhac/burrow/internal/domain"
	"github.com/shhac/burrow/internal/storage"
)

// EnvPrefix prefixes every environment override, e.g. BURROW_SERVER_TIMEOUT.
const EnvPrefix = "BURROW"

// Config holds application-wide configuration.
type Config struct {
	// Debug enables debug logging and additional diagnostics
	Debug bool `mapstructure:"debug"`

	// StoragePath is the directory where saved descriptor sets live
	StoragePath string `mapstructure:"storage_path"`
	LogFile     string `mapstructure:"log_file"`

	Includes   []string `mapstructure:"includes"`
	Files      []string `mapstructure:"files"`
	Protosets  []string `mapstructure:"protosets"`
	Saved      []string `mapstructure:"saved"`
	Reflection bool     `mapstructure:"reflection"`

	Server  ServerConfig      `mapstructure:"server"`
	Headers map[string]string `mapstructure:"headers"`
	Auth    AuthConfig        `mapstructure:"auth"`
	Otel    OtelConfig        `mapstructure:"otel"`
}

// ServerConfig is the target server section.
type ServerConfig struct {
	DefaultAddress string        `mapstructure:"default_address"`
	Timeout        time.Duration `mapstructure:"timeout"`
	TLS            TLSConfig     `mapstructure:"tls"`
}

// TLSConfig mirrors domain.TLSSettings.
type TLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	SkipVerify bool   `mapstructure:"skip_verify"`
	ServerName string `mapstructure:"server_name"`
	CAFile     string `mapstructure:"ca_file"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
}

// AuthConfig holds caller-supplied credentials. At most one may be set.
type AuthConfig struct {
	Bearer string `mapstructure:"bearer"`
	Basic  string `mapstructure:"basic"`
}

// OtelConfig enables tracing export when Endpoint is set.
type OtelConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Service  string `mapstructure:"service"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Timeout: domain.DefaultTimeout},
		Otel:   OtelConfig{Service: "burrow"},
	}
}

// SetDefaults registers every key on v so that environment overrides reach
// Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("debug", d.Debug)
	v.SetDefault("storage_path", "")
	v.SetDefault("log_file", "")
	v.SetDefault("includes", []string{})
	v.SetDefault("files", []string{})
	v.SetDefault("protosets", []string{})
	v.SetDefault("saved", []string{})
	v.SetDefault("reflection", false)
	v.SetDefault("server.default_address", "")
	v.SetDefault("server.timeout", d.Server.Timeout)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.skip_verify", false)
	v.SetDefault("server.tls.server_name", "")
	v.SetDefault("server.tls.ca_file", "")
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("headers", map[string]string{})
	v.SetDefault("auth.bearer", "")
	v.SetDefault("auth.basic", "")
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.service", d.Otel.Service)
}

// ConfigDir returns $BURROW_CONFIG_DIR, or the default storage path.
func ConfigDir() (string, error) {
	if dir := os.Getenv(EnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	return storage.DefaultStoragePath()
}

// LoadConfig reads configuration from, in increasing precedence: defaults,
// config.{json,yaml,toml} in the config directory (or configFile when set),
// a .env file in the working directory, BURROW_* environment variables and
// flags already bound on v.
func LoadConfig(v *viper.Viper, configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		dir, err := ConfigDir()
		if err != nil {
			return nil, fmt.Errorf("determine config directory: %w", err)
		}
		v.SetConfigName("config")
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !stderrors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	if c.Auth.Bearer != "" && c.Auth.Basic != "" {
		return fmt.Errorf("config: auth.bearer and auth.basic are mutually exclusive")
	}
	if c.Server.Timeout < 0 {
		return fmt.Errorf("config: server.timeout must not be negative")
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("config: server.tls.cert_file and server.tls.key_file must be set together")
	}
	if c.Reflection && c.Server.DefaultAddress == "" {
		return fmt.Errorf("config: reflection requires server.default_address")
	}
	return nil
}

// Source returns the descriptor sources named by the configuration.
func (c *Config) Source() descriptor.Source {
	return descriptor.Source{
		ImportPaths: c.Includes,
		Files:       c.Files,
		Protosets:   c.Protosets,
	}
}

// Connection builds the connection settings shared by every call. Configured
// credentials become the authorization header.
func (c *Config) Connection() domain.Connection {
	md := domain.MergeMetadata(c.Headers)
	switch {
	case c.Auth.Bearer != "":
		md = domain.MergeMetadata(md, map[string]string{domain.AuthorizationKey: domain.BearerAuth(c.Auth.Bearer)})
	case c.Auth.Basic != "":
		md = domain.MergeMetadata(md, map[string]string{domain.AuthorizationKey: domain.BasicAuth(c.Auth.Basic)})
	}
	return domain.Connection{
		DefaultAddress: c.Server.DefaultAddress,
		Timeout:        c.Server.Timeout,
		Metadata:       md,
		TLS: domain.TLSSettings{
			Enabled:    c.Server.TLS.Enabled,
			SkipVerify: c.Server.TLS.SkipVerify,
			ServerName: c.Server.TLS.ServerName,
			CAFile:     c.Server.TLS.CAFile,
			CertFile:   c.Server.TLS.CertFile,
			KeyFile:    c.Server.TLS.KeyFile,
		},
	}
}

// StorageDir resolves StoragePath against the default.
func (c *Config) StorageDir() (string, error) {
	if c.StoragePath != "" {
		return filepath.Clean(c.StoragePath), nil
	}
	return storage.DefaultStoragePath()
}
