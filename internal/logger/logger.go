package logger

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/DrSloth/scuffle/internal/config"
)

// LogFields carries structured key/value pairs attached to a single log event.
type LogFields map[string]interface{}

// proxySet is the pre-parsed trusted_proxies list, split into single
// addresses and prefixes.
type proxySet struct {
	addrs    []netip.Addr
	prefixes []netip.Prefix
}

func (s proxySet) contains(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, a := range s.addrs {
		if a == addr {
			return true
		}
	}
	for _, p := range s.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Logger owns the error log and the access log. Error events are structured
// zerolog events filtered by the configured level; access events are
// unconditional level-less records, one per completed request.
type Logger struct {
	errLog        zerolog.Logger
	accessLog     zerolog.Logger
	accessEnabled bool
	realIPHeader  string
	proxies       proxySet
	files         []*reopenableFile
}

// AccessEntry describes one completed request for the access log.
type AccessEntry struct {
	RemoteAddr   string // direct peer, host:port
	ForwardedFor string // raw value of the configured real-IP header, if any
	Protocol     string // "HTTP/1.1", "HTTP/2.0", "HTTP/3.0"
	Method       string
	Target       string
	Status       int
	BytesSent    int64
	Duration     time.Duration
	ConnectionID string
	StreamID     uint64
	UserAgent    string
	Referer      string
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		cfg = &config.LoggingConfig{}
		config.ApplyDefaults(&config.Config{Logging: cfg})
	}

	l := &Logger{}

	errTarget := "stderr"
	if cfg.ErrorLog != nil && cfg.ErrorLog.Target != "" {
		errTarget = cfg.ErrorLog.Target
	}
	errW, err := l.openTarget(errTarget)
	if err != nil {
		return nil, fmt.Errorf("opening error log target: %w", err)
	}
	l.errLog = zerolog.New(errW).With().Timestamp().Logger().Level(zerologLevel(cfg.LogLevel))

	accTarget := "stdout"
	if cfg.AccessLog != nil {
		if cfg.AccessLog.Target != "" {
			accTarget = cfg.AccessLog.Target
		}
		l.accessEnabled = cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled
		if cfg.AccessLog.RealIPHeader != nil {
			l.realIPHeader = *cfg.AccessLog.RealIPHeader
		}
		proxies, err := parseTrustedProxies(cfg.AccessLog.TrustedProxies)
		if err != nil {
			l.closeFiles()
			return nil, err
		}
		l.proxies = proxies
	} else {
		l.accessEnabled = true
	}
	accW, err := l.openTarget(accTarget)
	if err != nil {
		l.closeFiles()
		return nil, fmt.Errorf("opening access log target: %w", err)
	}
	l.accessLog = zerolog.New(accW).With().Timestamp().Logger()

	return l, nil
}

// NewTestLogger returns a debug-level logger writing both logs to out.
func NewTestLogger(out io.Writer) *Logger {
	return &Logger{
		errLog:        zerolog.New(out).With().Timestamp().Logger().Level(zerolog.DebugLevel),
		accessLog:     zerolog.New(out).With().Timestamp().Logger(),
		accessEnabled: true,
	}
}

// NewDiscardLogger returns a logger that drops everything.
func NewDiscardLogger() *Logger {
	return &Logger{
		errLog:    zerolog.Nop(),
		accessLog: zerolog.Nop(),
	}
}

func zerologLevel(lvl config.LogLevel) zerolog.Level {
	switch lvl {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelInfo:
		return zerolog.InfoLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// openTarget resolves "stdout", "stderr" or a file path into a writer.
// File targets are tracked for CloseLogFiles/ReopenLogFiles.
func (l *Logger) openTarget(target string) (io.Writer, error) {
	switch target {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		f, err := newReopenableFile(target)
		if err != nil {
			return nil, err
		}
		l.files = append(l.files, f)
		return f, nil
	}
}

// Debug logs a debug-level event.
func (l *Logger) Debug(msg string, fields ...LogFields) {
	l.log(l.errLog.Debug(), msg, fields)
}

// Info logs an info-level event.
func (l *Logger) Info(msg string, fields ...LogFields) {
	l.log(l.errLog.Info(), msg, fields)
}

// Warn logs a warning-level event.
func (l *Logger) Warn(msg string, fields ...LogFields) {
	l.log(l.errLog.Warn(), msg, fields)
}

// Error logs an error-level event.
func (l *Logger) Error(msg string, fields ...LogFields) {
	l.log(l.errLog.Error(), msg, fields)
}

func (l *Logger) log(ev *zerolog.Event, msg string, fields []LogFields) {
	for _, f := range fields {
		ev = ev.Fields(map[string]interface{}(f))
	}
	ev.Msg(msg)
}

// Access writes one access log record for a completed request.
func (l *Logger) Access(entry *AccessEntry) {
	if !l.accessEnabled || entry == nil {
		return
	}
	host, port := splitRemoteAddr(entry.RemoteAddr)
	resolved := resolveRealClientIP(host, entry.ForwardedFor, l.realIPHeader, l.proxies)

	ev := l.accessLog.Log().
		Str("remote_addr", resolved).
		Str("remote_port", port).
		Str("protocol", entry.Protocol).
		Str("method", entry.Method).
		Str("uri", entry.Target).
		Int("status", entry.Status).
		Int64("resp_bytes", entry.BytesSent).
		Int64("duration_ms", entry.Duration.Milliseconds()).
		Str("conn_id", entry.ConnectionID).
		Uint64("stream_id", entry.StreamID)
	if entry.UserAgent != "" {
		ev = ev.Str("user_agent", entry.UserAgent)
	}
	if entry.Referer != "" {
		ev = ev.Str("referer", entry.Referer)
	}
	ev.Send()
}

// CloseLogFiles closes any file-backed log targets.
func (l *Logger) CloseLogFiles() {
	l.closeFiles()
}

func (l *Logger) closeFiles() {
	for _, f := range l.files {
		f.Close()
	}
}

// ReopenLogFiles reopens file-backed targets, for use after log rotation.
func (l *Logger) ReopenLogFiles() error {
	for _, f := range l.files {
		if err := f.Reopen(); err != nil {
			return err
		}
	}
	return nil
}

// splitRemoteAddr splits "host:port", tolerating bare IPs and opaque strings.
func splitRemoteAddr(remoteAddr string) (host, port string) {
	h, p, err := net.SplitHostPort(remoteAddr)
	if err == nil {
		return h, p
	}
	if ip := net.ParseIP(remoteAddr); ip != nil {
		return ip.String(), "0"
	}
	return remoteAddr, "0"
}

func parseTrustedProxies(entries []string) (proxySet, error) {
	var set proxySet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
		case strings.Contains(entry, "/"):
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return proxySet{}, fmt.Errorf("trusted_proxies entry %q: %w", entry, err)
			}
			set.prefixes = append(set.prefixes, prefix.Masked())
		default:
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				return proxySet{}, fmt.Errorf("trusted_proxies entry %q: %w", entry, err)
			}
			set.addrs = append(set.addrs, addr.Unmap())
		}
	}
	return set, nil
}

// resolveRealClientIP walks the forwarded-for chain right to left and returns
// the first address not belonging to a trusted proxy. A malformed chain, or a
// chain consisting only of trusted hops, falls back to the direct peer.
func resolveRealClientIP(directPeerIP, forwardedFor, realIPHeader string, trusted proxySet) string {
	if realIPHeader == "" || forwardedFor == "" {
		return directPeerIP
	}
	directAddr, err := netip.ParseAddr(directPeerIP)
	if err != nil || !trusted.contains(directAddr) {
		return directPeerIP
	}
	hops := strings.Split(forwardedFor, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		addr, err := netip.ParseAddr(hop)
		if err != nil {
			return directPeerIP
		}
		if !trusted.contains(addr) {
			return hop
		}
	}
	return directPeerIP
}

// reopenableFile is a file-backed log writer whose handle can be swapped out
// under a running logger when the file is rotated away.
type reopenableFile struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func newReopenableFile(path string) (*reopenableFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", path, err)
	}
	return &reopenableFile{path: path, file: f}, nil
}

func (w *reopenableFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, os.ErrClosed
	}
	return w.file.Write(p)
}

func (w *reopenableFile) Reopen() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopening log file %s: %w", w.path, err)
	}
	if w.file != nil {
		w.file.Close()
	}
	w.file = f
	return nil
}

func (w *reopenableFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
