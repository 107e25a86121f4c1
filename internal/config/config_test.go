package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeTempFile creates a file with the given content under t.TempDir and
// returns its path.
func writeTempFile(t *testing.T, content string, ext string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config"+ext)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}
	return path
}

const minimalTOML = `
[server]
tls_cert_file = "cert.pem"
tls_key_file = "key.pem"
`

func TestLoadConfig_EmptyPath(t *testing.T) {
	_, err := LoadConfig("")
	require.ErrorContains(t, err, "configuration file path cannot be empty")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.ErrorContains(t, err, "reading configuration file")
}

func TestLoadConfig_MinimalTOMLDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeTempFile(t, minimalTOML, ".toml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := *cfg.Server.BindAddress; got != DefaultBindAddress {
		t.Errorf("BindAddress = %q, want %q", got, DefaultBindAddress)
	}
	if got := MustDuration(*cfg.Server.IdleTimeout); got != DefaultIdleTimeout {
		t.Errorf("IdleTimeout = %v, want %v", got, DefaultIdleTimeout)
	}
	if !*cfg.Protocols.EnableHTTP1 || !*cfg.Protocols.EnableHTTP2 || !*cfg.Protocols.EnableHTTP3 {
		t.Errorf("expected all protocols enabled by default, got %+v", cfg.Protocols)
	}
	if got := *cfg.Protocols.MaxConcurrentStreams; got != DefaultMaxConcurrentStreams {
		t.Errorf("MaxConcurrentStreams = %d, want %d", got, DefaultMaxConcurrentStreams)
	}
	if cfg.Logging.LogLevel != LogLevelInfo {
		t.Errorf("LogLevel = %q, want %q", cfg.Logging.LogLevel, LogLevelInfo)
	}
	if *cfg.Metrics.Enabled {
		t.Error("metrics should default to disabled")
	}
}

func TestLoadConfig_TOMLOverrides(t *testing.T) {
	content := `
[server]
bind_address = "127.0.0.1:9443"
tls_cert_file = "cert.pem"
tls_key_file = "key.pem"
idle_timeout = "90s"
request_timeout = "0"

[protocols]
enable_http3 = false
max_concurrent_streams = 16
pipeline_depth = 2

[logging]
log_level = "DEBUG"
`
	cfg, err := LoadConfig(writeTempFile(t, content, ".toml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := *cfg.Server.BindAddress; got != "127.0.0.1:9443" {
		t.Errorf("BindAddress = %q", got)
	}
	if got := MustDuration(*cfg.Server.IdleTimeout); got != 90*time.Second {
		t.Errorf("IdleTimeout = %v, want 90s", got)
	}
	if got := MustDuration(*cfg.Server.RequestTimeout); got != 0 {
		t.Errorf("RequestTimeout = %v, want 0 (disabled)", got)
	}
	if *cfg.Protocols.EnableHTTP3 {
		t.Error("EnableHTTP3 should be false")
	}
	if got := *cfg.Protocols.MaxConcurrentStreams; got != 16 {
		t.Errorf("MaxConcurrentStreams = %d, want 16", got)
	}
	if got := *cfg.Protocols.PipelineDepth; got != 2 {
		t.Errorf("PipelineDepth = %d, want 2", got)
	}
	if cfg.Logging.LogLevel != LogLevelDebug {
		t.Errorf("LogLevel = %q, want DEBUG", cfg.Logging.LogLevel)
	}
}

func TestLoadConfig_JSON(t *testing.T) {
	content := `{
  "server": {
    "bind_address": ":8444",
    "tls_cert_file": "cert.pem",
    "tls_key_file": "key.pem"
  },
  "protocols": {"enable_http1": false}
}`
	cfg, err := LoadConfig(writeTempFile(t, content, ".json"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := *cfg.Server.BindAddress; got != ":8444" {
		t.Errorf("BindAddress = %q", got)
	}
	if *cfg.Protocols.EnableHTTP1 {
		t.Error("EnableHTTP1 should be false")
	}
}

func TestLoadConfig_AutoDetect(t *testing.T) {
	cfg, err := LoadConfig(writeTempFile(t, minimalTOML, ".conf"))
	if err != nil {
		t.Fatalf("auto-detect TOML failed: %v", err)
	}
	if cfg.Server.TLSCertFile != "cert.pem" {
		t.Errorf("TLSCertFile = %q", cfg.Server.TLSCertFile)
	}

	jsonContent := `{"server": {"tls_cert_file": "c", "tls_key_file": "k"}}`
	if _, err := LoadConfig(writeTempFile(t, jsonContent, ".cfg")); err != nil {
		t.Fatalf("auto-detect JSON failed: %v", err)
	}
}

func TestLoadConfig_UnknownTOMLKey(t *testing.T) {
	content := minimalTOML + "\n[server_extras]\nnope = 1\n"
	_, err := LoadConfig(writeTempFile(t, content, ".toml"))
	require.ErrorContains(t, err, "unknown configuration keys")
}

func TestLoadConfig_ValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing cert",
			content: "[server]\ntls_key_file = \"k\"\n",
			wantErr: "tls_cert_file is required",
		},
		{
			name:    "missing key",
			content: "[server]\ntls_cert_file = \"c\"\n",
			wantErr: "tls_key_file is required",
		},
		{
			name:    "bad duration",
			content: "[server]\ntls_cert_file = \"c\"\ntls_key_file = \"k\"\nidle_timeout = \"soon\"\n",
			wantErr: "invalid duration",
		},
		{
			name:    "all protocols disabled",
			content: minimalTOML + "[protocols]\nenable_http1 = false\nenable_http2 = false\nenable_http3 = false\n",
			wantErr: "at least one protocol",
		},
		{
			name:    "zero streams",
			content: minimalTOML + "[protocols]\nmax_concurrent_streams = 0\n",
			wantErr: "max_concurrent_streams",
		},
		{
			name:    "frame size too small",
			content: minimalTOML + "[protocols]\nmax_frame_size = 1024\n",
			wantErr: "max_frame_size",
		},
		{
			name:    "bad log level",
			content: minimalTOML + "[logging]\nlog_level = \"LOUD\"\n",
			wantErr: "unknown level",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeTempFile(t, tc.content, ".toml"))
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestLoadConfig_NegativeDuration(t *testing.T) {
	content := `
[server]
tls_cert_file = "c"
tls_key_file = "k"
graceful_shutdown_timeout = "-5s"
`
	_, err := LoadConfig(writeTempFile(t, content, ".toml"))
	require.ErrorContains(t, err, "cannot be negative")
}

func TestParseDuration(t *testing.T) {
	if d, err := ParseDuration("0"); err != nil || d != 0 {
		t.Errorf("ParseDuration(0) = %v, %v", d, err)
	}
	if d, err := ParseDuration("1m30s"); err != nil || d != 90*time.Second {
		t.Errorf("ParseDuration(1m30s) = %v, %v", d, err)
	}
	if _, err := ParseDuration("fast"); err == nil {
		t.Error("ParseDuration(fast) should fail")
	}
}
