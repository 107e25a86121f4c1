package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server    *ServerConfig    `json:"server,omitempty" toml:"server,omitempty"`
	Protocols *ProtocolsConfig `json:"protocols,omitempty" toml:"protocols,omitempty"`
	Logging   *LoggingConfig   `json:"logging,omitempty" toml:"logging,omitempty"`
	Metrics   *MetricsConfig   `json:"metrics,omitempty" toml:"metrics,omitempty"`
}

// ServerConfig holds listener and lifecycle settings.
type ServerConfig struct {
	// BindAddress is the host:port the TCP listener binds. The QUIC
	// listener, when HTTP/3 is enabled, binds the same host:port over UDP.
	BindAddress *string `json:"bind_address,omitempty" toml:"bind_address,omitempty"`
	TLSCertFile string  `json:"tls_cert_file,omitempty" toml:"tls_cert_file,omitempty"`
	TLSKeyFile  string  `json:"tls_key_file,omitempty" toml:"tls_key_file,omitempty"`

	HandshakeTimeout        *string `json:"handshake_timeout,omitempty" toml:"handshake_timeout,omitempty"`                 // e.g., "10s"
	IdleTimeout             *string `json:"idle_timeout,omitempty" toml:"idle_timeout,omitempty"`                           // e.g., "5m"
	RequestTimeout          *string `json:"request_timeout,omitempty" toml:"request_timeout,omitempty"`                     // e.g., "1m"; "0" disables
	GracefulShutdownTimeout *string `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"` // e.g., "30s"
}

// ProtocolsConfig holds per-protocol enable flags and the negotiated limits
// advertised to peers.
type ProtocolsConfig struct {
	EnableHTTP1 *bool `json:"enable_http1,omitempty" toml:"enable_http1,omitempty"`
	EnableHTTP2 *bool `json:"enable_http2,omitempty" toml:"enable_http2,omitempty"`
	EnableHTTP3 *bool `json:"enable_http3,omitempty" toml:"enable_http3,omitempty"`

	MaxConcurrentStreams        *uint32 `json:"max_concurrent_streams,omitempty" toml:"max_concurrent_streams,omitempty"`
	InitialStreamWindowSize     *uint32 `json:"initial_stream_window_size,omitempty" toml:"initial_stream_window_size,omitempty"`
	InitialConnectionWindowSize *uint32 `json:"initial_connection_window_size,omitempty" toml:"initial_connection_window_size,omitempty"`
	MaxFrameSize                *uint32 `json:"max_frame_size,omitempty" toml:"max_frame_size,omitempty"`
	MaxHeaderListSize           *uint32 `json:"max_header_list_size,omitempty" toml:"max_header_list_size,omitempty"`
	MaxRequestBodyBytes         *int64  `json:"max_request_body_bytes,omitempty" toml:"max_request_body_bytes,omitempty"`

	// PipelineDepth bounds how many fully received HTTP/1.1 requests may sit
	// unprocessed behind the one currently being answered.
	PipelineDepth *int `json:"pipeline_depth,omitempty" toml:"pipeline_depth,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target         string   `json:"target,omitempty" toml:"target,omitempty"` // "stdout", "stderr", or a file path
	TrustedProxies []string `json:"trusted_proxies,omitempty" toml:"trusted_proxies,omitempty"`
	RealIPHeader   *string  `json:"real_ip_header,omitempty" toml:"real_ip_header,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target string `json:"target,omitempty" toml:"target,omitempty"` // "stdout", "stderr", or a file path
}

// MetricsConfig configures the optional metrics listener.
type MetricsConfig struct {
	Enabled     *bool   `json:"enabled,omitempty" toml:"enabled,omitempty"`
	BindAddress *string `json:"bind_address,omitempty" toml:"bind_address,omitempty"`
}

// Defaults applied by LoadConfig for fields the file leaves unset.
const (
	DefaultBindAddress                 = ":8443"
	DefaultHandshakeTimeout            = 10 * time.Second
	DefaultIdleTimeout                 = 5 * time.Minute
	DefaultRequestTimeout              = time.Minute
	DefaultGracefulShutdownTimeout     = 30 * time.Second
	DefaultMaxConcurrentStreams        = uint32(128)
	DefaultInitialStreamWindowSize     = uint32(1 << 20)
	DefaultInitialConnectionWindowSize = uint32(1 << 20)
	DefaultMaxFrameSize                = uint32(1 << 14)
	DefaultMaxHeaderListSize           = uint32(16 << 10)
	DefaultMaxRequestBodyBytes         = int64(10 << 20)
	DefaultPipelineDepth               = 8
	DefaultMetricsBindAddress          = ":9091"
)

// LoadConfig reads, parses, defaults and validates a configuration file.
// The format is chosen by extension: ".toml" or ".json"; any other extension
// is tried as TOML first, then JSON.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration file %s: %w", path, err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := decodeTOML(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing TOML configuration %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON configuration %s: %w", path, err)
		}
	default:
		if tomlErr := decodeTOML(data, cfg); tomlErr != nil {
			cfg = &Config{}
			if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
				return nil, fmt.Errorf("parsing configuration %s: not valid TOML (%v) nor JSON (%v)", path, tomlErr, jsonErr)
			}
		}
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validating configuration %s: %w", path, err)
	}
	return cfg, nil
}

func decodeTOML(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown configuration keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// ApplyDefaults fills every nil optional field with its documented default.
// After it returns, all pointer fields of Server, Protocols, Logging and
// Metrics are non-nil.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	s := cfg.Server
	if s.BindAddress == nil {
		s.BindAddress = strPtr(DefaultBindAddress)
	}
	if s.HandshakeTimeout == nil {
		s.HandshakeTimeout = strPtr(DefaultHandshakeTimeout.String())
	}
	if s.IdleTimeout == nil {
		s.IdleTimeout = strPtr(DefaultIdleTimeout.String())
	}
	if s.RequestTimeout == nil {
		s.RequestTimeout = strPtr(DefaultRequestTimeout.String())
	}
	if s.GracefulShutdownTimeout == nil {
		s.GracefulShutdownTimeout = strPtr(DefaultGracefulShutdownTimeout.String())
	}

	if cfg.Protocols == nil {
		cfg.Protocols = &ProtocolsConfig{}
	}
	p := cfg.Protocols
	if p.EnableHTTP1 == nil {
		p.EnableHTTP1 = boolPtr(true)
	}
	if p.EnableHTTP2 == nil {
		p.EnableHTTP2 = boolPtr(true)
	}
	if p.EnableHTTP3 == nil {
		p.EnableHTTP3 = boolPtr(true)
	}
	if p.MaxConcurrentStreams == nil {
		p.MaxConcurrentStreams = uint32Ptr(DefaultMaxConcurrentStreams)
	}
	if p.InitialStreamWindowSize == nil {
		p.InitialStreamWindowSize = uint32Ptr(DefaultInitialStreamWindowSize)
	}
	if p.InitialConnectionWindowSize == nil {
		p.InitialConnectionWindowSize = uint32Ptr(DefaultInitialConnectionWindowSize)
	}
	if p.MaxFrameSize == nil {
		p.MaxFrameSize = uint32Ptr(DefaultMaxFrameSize)
	}
	if p.MaxHeaderListSize == nil {
		p.MaxHeaderListSize = uint32Ptr(DefaultMaxHeaderListSize)
	}
	if p.MaxRequestBodyBytes == nil {
		p.MaxRequestBodyBytes = int64Ptr(DefaultMaxRequestBodyBytes)
	}
	if p.PipelineDepth == nil {
		p.PipelineDepth = intPtr(DefaultPipelineDepth)
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	l := cfg.Logging
	if l.LogLevel == "" {
		l.LogLevel = LogLevelInfo
	}
	if l.AccessLog == nil {
		l.AccessLog = &AccessLogConfig{}
	}
	if l.AccessLog.Enabled == nil {
		l.AccessLog.Enabled = boolPtr(true)
	}
	if l.AccessLog.Target == "" {
		l.AccessLog.Target = "stdout"
	}
	if l.ErrorLog == nil {
		l.ErrorLog = &ErrorLogConfig{}
	}
	if l.ErrorLog.Target == "" {
		l.ErrorLog.Target = "stderr"
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{}
	}
	m := cfg.Metrics
	if m.Enabled == nil {
		m.Enabled = boolPtr(false)
	}
	if m.BindAddress == nil {
		m.BindAddress = strPtr(DefaultMetricsBindAddress)
	}
}

// Validate checks a defaulted Config for values the server cannot run with.
func Validate(cfg *Config) error {
	s := cfg.Server
	if *s.BindAddress == "" {
		return fmt.Errorf("server.bind_address cannot be empty")
	}
	if s.TLSCertFile == "" {
		return fmt.Errorf("server.tls_cert_file is required")
	}
	if s.TLSKeyFile == "" {
		return fmt.Errorf("server.tls_key_file is required")
	}
	for key, val := range map[string]*string{
		"server.handshake_timeout":         s.HandshakeTimeout,
		"server.idle_timeout":              s.IdleTimeout,
		"server.request_timeout":           s.RequestTimeout,
		"server.graceful_shutdown_timeout": s.GracefulShutdownTimeout,
	} {
		if _, err := ParseDuration(*val); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	p := cfg.Protocols
	if !*p.EnableHTTP1 && !*p.EnableHTTP2 && !*p.EnableHTTP3 {
		return fmt.Errorf("protocols: at least one protocol must be enabled")
	}
	if *p.MaxConcurrentStreams == 0 {
		return fmt.Errorf("protocols.max_concurrent_streams must be positive")
	}
	if *p.InitialStreamWindowSize > 1<<31-1 {
		return fmt.Errorf("protocols.initial_stream_window_size exceeds 2^31-1")
	}
	if *p.InitialConnectionWindowSize > 1<<31-1 {
		return fmt.Errorf("protocols.initial_connection_window_size exceeds 2^31-1")
	}
	if *p.MaxFrameSize < 1<<14 || *p.MaxFrameSize > 1<<24-1 {
		return fmt.Errorf("protocols.max_frame_size must be within [16384, 16777215]")
	}
	if *p.MaxRequestBodyBytes < 0 {
		return fmt.Errorf("protocols.max_request_body_bytes cannot be negative")
	}
	if *p.PipelineDepth < 1 {
		return fmt.Errorf("protocols.pipeline_depth must be at least 1")
	}

	switch cfg.Logging.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level: unknown level %q", cfg.Logging.LogLevel)
	}
	return nil
}

// ParseDuration parses a duration string such as "30s" or "5m". "0" is
// accepted and means disabled where the consuming component documents so.
func ParseDuration(s string) (time.Duration, error) {
	if s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q cannot be negative", s)
	}
	return d, nil
}

// MustDuration returns the parsed duration of a validated config field.
// It panics on malformed input and is meant for fields Validate has accepted.
func MustDuration(s string) time.Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}

func strPtr(s string) *string    { return &s }
func boolPtr(b bool) *bool       { return &b }
func uint32Ptr(v uint32) *uint32 { return &v }
func int64Ptr(v int64) *int64    { return &v }
func intPtr(v int) *int          { return &v }
