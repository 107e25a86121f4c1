// Package server binds the transport listeners, negotiates the application
// protocol per connection, and hands each connection to the matching
// protocol adapter. It also coordinates graceful shutdown across all open
// connections.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/DrSloth/scuffle/internal/config"
	"github.com/DrSloth/scuffle/internal/http1"
	"github.com/DrSloth/scuffle/internal/http2"
	"github.com/DrSloth/scuffle/internal/http3"
	"github.com/DrSloth/scuffle/internal/logger"
	"github.com/DrSloth/scuffle/internal/metrics"
	"github.com/DrSloth/scuffle/internal/web"
)

// ALPN protocol identifiers, in server preference order.
const (
	alpnH2    = "h2"
	alpnHTTP1 = "http/1.1"
	alpnH3    = "h3"
)

// protocolConn is the lifecycle every protocol adapter's Connection exposes.
type protocolConn interface {
	Serve(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Done() <-chan struct{}
}

// Server owns the TCP and QUIC listeners and the set of live connections.
type Server struct {
	cfg        *config.Config
	log        *logger.Logger
	metrics    *metrics.Metrics
	dispatcher *web.Dispatcher

	tlsConf   *tls.Config
	h3Conf    *tls.Config
	h1Cfg     http1.Config
	h2Cfg     http2.Config
	h3Cfg     http3.Config
	hsTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	tcpLn    net.Listener
	quicLn   *quic.Listener
	conns    map[protocolConn]struct{}
	draining bool

	acceptWG sync.WaitGroup
}

// NewServer wires a Server from a validated configuration. handler receives
// every dispatched request regardless of protocol.
func NewServer(cfg *config.Config, handler web.Handler, lg *logger.Logger, m *metrics.Metrics) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if m == nil {
		m = metrics.NewNop()
	}

	cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS key pair: %w", err)
	}

	p := cfg.Protocols
	var nextProtos []string
	if *p.EnableHTTP2 {
		nextProtos = append(nextProtos, alpnH2)
	}
	if *p.EnableHTTP1 {
		nextProtos = append(nextProtos, alpnHTTP1)
	}

	s := &Server{
		cfg:     cfg,
		log:     lg,
		metrics: m,
		dispatcher: web.NewDispatcher(handler,
			config.MustDuration(*cfg.Server.RequestTimeout), lg, m),
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			NextProtos:   nextProtos,
		},
		h3Conf: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS13,
			NextProtos:   []string{alpnH3},
		},
		h1Cfg: http1.Config{
			PipelineDepth:       *p.PipelineDepth,
			MaxRequestBodyBytes: *p.MaxRequestBodyBytes,
			MaxHeaderBytes:      int(*p.MaxHeaderListSize),
			IdleTimeout:         config.MustDuration(*cfg.Server.IdleTimeout),
		},
		h2Cfg: http2.Config{
			MaxConcurrentStreams:        *p.MaxConcurrentStreams,
			InitialStreamWindowSize:     *p.InitialStreamWindowSize,
			InitialConnectionWindowSize: *p.InitialConnectionWindowSize,
			MaxFrameSize:                *p.MaxFrameSize,
			MaxHeaderListSize:           *p.MaxHeaderListSize,
			IdleTimeout:                 config.MustDuration(*cfg.Server.IdleTimeout),
		},
		h3Cfg: http3.Config{
			MaxFieldSectionSize:   uint64(*p.MaxHeaderListSize),
			QPACKMaxTableCapacity: 4096,
			QPACKBlockedStreams:   16,
		},
		hsTimeout: config.MustDuration(*cfg.Server.HandshakeTimeout),
		conns:     make(map[protocolConn]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Start binds the listeners and launches the accept loops. It returns once
// the server is accepting; bind failures are returned immediately.
func (s *Server) Start() error {
	addr := *s.cfg.Server.BindAddress
	p := s.cfg.Protocols

	if *p.EnableHTTP1 || *p.EnableHTTP2 {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("binding TCP listener on %s: %w", addr, err)
		}
		s.mu.Lock()
		s.tcpLn = ln
		s.mu.Unlock()
		s.log.Info("TCP listener bound", logger.LogFields{
			"address":   ln.Addr().String(),
			"protocols": s.tlsConf.NextProtos,
		})
		s.acceptWG.Add(1)
		go s.acceptTCP(ln)
	}

	if *p.EnableHTTP3 {
		udpAddr := addr
		if s.tcpLn != nil {
			// Mirror the resolved TCP port so ":0" binds both listeners
			// on the same port number where possible.
			udpAddr = s.tcpLn.Addr().String()
		}
		ln, err := quic.ListenAddr(udpAddr, s.h3Conf, &quic.Config{
			MaxIdleTimeout:     config.MustDuration(*s.cfg.Server.IdleTimeout),
			MaxIncomingStreams: int64(*p.MaxConcurrentStreams),
		})
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("binding QUIC listener on %s: %w", udpAddr, err)
		}
		s.mu.Lock()
		s.quicLn = ln
		s.mu.Unlock()
		s.log.Info("QUIC listener bound", logger.LogFields{
			"address": ln.Addr().String(),
		})
		s.acceptWG.Add(1)
		go s.acceptQUIC(ln)
	}
	return nil
}

// Addr reports the bound TCP address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

// QUICAddr reports the bound UDP address, or nil when HTTP/3 is disabled.
func (s *Server) QUICAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quicLn == nil {
		return nil
	}
	return s.quicLn.Addr()
}

func (s *Server) acceptTCP(ln net.Listener) {
	defer s.acceptWG.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", logger.LogFields{"error": err.Error()})
			continue
		}
		go s.serveTCPConn(nc)
	}
}

// serveTCPConn drives the TLS handshake and routes the connection to the
// adapter the negotiated protocol selects.
func (s *Server) serveTCPConn(nc net.Conn) {
	tlsConn := tls.Server(nc, s.tlsConf)

	hsCtx := s.ctx
	if s.hsTimeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(s.ctx, s.hsTimeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		s.metrics.HandshakeFailuresTotal.WithLabelValues("tls").Inc()
		s.log.Debug("TLS handshake failed", logger.LogFields{
			"remote_addr": nc.RemoteAddr().String(),
			"error":       err.Error(),
		})
		_ = nc.Close()
		return
	}

	connID := uuid.NewString()
	var (
		conn  protocolConn
		proto string
	)
	switch negotiated := tlsConn.ConnectionState().NegotiatedProtocol; negotiated {
	case alpnH2:
		conn = http2.NewConnection(tlsConn, s.h2Cfg, s.dispatcher, s.log, s.metrics, connID)
		proto = metrics.ProtoHTTP2
	case alpnHTTP1, "":
		// Absent ALPN falls back to HTTP/1.1 when enabled.
		if !*s.cfg.Protocols.EnableHTTP1 {
			s.metrics.HandshakeFailuresTotal.WithLabelValues("alpn").Inc()
			s.log.Debug("no ALPN overlap", logger.LogFields{
				"remote_addr": nc.RemoteAddr().String(),
			})
			_ = tlsConn.Close()
			return
		}
		conn = http1.NewConnection(tlsConn, s.h1Cfg, s.dispatcher, s.log, s.metrics, connID)
		proto = metrics.ProtoHTTP1
	default:
		s.metrics.HandshakeFailuresTotal.WithLabelValues("alpn").Inc()
		_ = tlsConn.Close()
		return
	}
	s.serveConn(conn, proto, connID, nc.RemoteAddr())
}

func (s *Server) acceptQUIC(ln *quic.Listener) {
	defer s.acceptWG.Done()
	for {
		qc, err := ln.Accept(s.ctx)
		if err != nil {
			return
		}
		connID := uuid.NewString()
		conn := http3.NewConnection(http3.WrapQUICConn(qc), s.h3Cfg, s.dispatcher, s.log, s.metrics, connID)
		go s.serveConn(conn, metrics.ProtoHTTP3, connID, qc.RemoteAddr())
	}
}

// serveConn registers the connection with the drain tracker and runs it to
// completion.
func (s *Server) serveConn(conn protocolConn, proto, connID string, remote net.Addr) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		shutCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = conn.Shutdown(shutCtx)
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	s.metrics.ConnectionsOpenedTotal.WithLabelValues(proto).Inc()
	s.metrics.ConnectionsActive.WithLabelValues(proto).Inc()
	s.log.Debug("connection accepted", logger.LogFields{
		"conn_id":     connID,
		"protocol":    proto,
		"remote_addr": remote.String(),
	})

	err := conn.Serve(s.ctx)

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.metrics.ConnectionsActive.WithLabelValues(proto).Dec()
	s.metrics.ConnectionsClosedTotal.WithLabelValues(proto).Inc()
	if err != nil {
		s.log.Debug("connection ended with error", logger.LogFields{
			"conn_id":  connID,
			"protocol": proto,
			"error":    err.Error(),
		})
	}
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	tcpLn, quicLn := s.tcpLn, s.quicLn
	s.mu.Unlock()
	if tcpLn != nil {
		_ = tcpLn.Close()
	}
	if quicLn != nil {
		_ = quicLn.Close()
	}
}

// Shutdown stops accepting, asks every open connection to drain, and waits
// for them to finish. When ctx expires first, remaining connections are
// aborted.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	open := make([]protocolConn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	s.closeListeners()
	s.log.Info("shutting down", logger.LogFields{"open_connections": len(open)})

	var wg sync.WaitGroup
	for _, c := range open {
		wg.Add(1)
		go func(c protocolConn) {
			defer wg.Done()
			_ = c.Shutdown(ctx)
			<-c.Done()
		}(c)
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}

	// Cut off anything still running and stop the accept loops.
	s.cancel()
	s.acceptWG.Wait()
	return err
}
