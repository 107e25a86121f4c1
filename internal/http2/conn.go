// Package http2 implements the server side of the HTTP/2 protocol adapter:
// frame codec, HPACK, connection and stream state machines, flow control and
// priority bookkeeping. A Connection owns one negotiated TLS session whose
// ALPN selected "h2" and translates its frames into canonical web.Requests.
package http2

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/DrSloth/scuffle/internal/logger"
	"github.com/DrSloth/scuffle/internal/metrics"
	"github.com/DrSloth/scuffle/internal/web"
)

// ClientPreface is the fixed byte sequence every HTTP/2 client connection
// starts with (RFC 7540, Section 3.5).
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// Default settings values (RFC 7540, Section 6.5.2).
const (
	DefaultSettingsHeaderTableSize uint32 = 4096

	// settingsAckTimeout bounds how long we wait for the peer to acknowledge
	// our SETTINGS frame before treating the connection as broken.
	settingsAckTimeout = 10 * time.Second

	// finalFlushTimeout bounds how long the closing GOAWAY and any queued
	// frames may wait on a peer that stopped reading.
	finalFlushTimeout = time.Second
)

// Config carries the negotiable limits a Connection advertises and enforces.
// Zero values fall back to the protocol defaults.
type Config struct {
	MaxConcurrentStreams uint32
	// InitialStreamWindowSize is our SETTINGS_INITIAL_WINDOW_SIZE: the
	// receive window granted to each new stream.
	InitialStreamWindowSize uint32
	// InitialConnectionWindowSize is the connection-level receive window we
	// grow to (via WINDOW_UPDATE) right after the preface when it exceeds the
	// protocol default of 65,535.
	InitialConnectionWindowSize uint32
	MaxFrameSize                uint32
	MaxHeaderListSize           uint32
	IdleTimeout                 time.Duration
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = 100
	}
	if cfg.InitialStreamWindowSize == 0 {
		cfg.InitialStreamWindowSize = DefaultInitialWindowSize
	}
	if cfg.InitialConnectionWindowSize == 0 {
		cfg.InitialConnectionWindowSize = DefaultInitialWindowSize
	}
	if cfg.MaxFrameSize < MinAllowedFrameSize {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.MaxHeaderListSize == 0 {
		cfg.MaxHeaderListSize = 16 << 10
	}
	return cfg
}

// peerSettings caches the peer's most recently applied SETTINGS values.
type peerSettings struct {
	headerTableSize      uint32
	initialWindowSize    uint32
	maxFrameSize         uint32
	maxConcurrentStreams uint32
	maxHeaderListSize    uint32
}

// headerAssembly tracks a header block in flight: a HEADERS frame without
// END_HEADERS followed by CONTINUATION frames. While one is active no other
// frame may arrive on the connection (RFC 7540, Section 6.10).
type headerAssembly struct {
	streamID  uint32
	fragments [][]byte
	totalSize uint32
	endStream bool
	prio      *streamDependencyInfo
}

// Connection owns one HTTP/2 session: its settings, streams, flow control
// and the single writer goroutine that serializes all outgoing frames.
type Connection struct {
	id         string
	netConn    net.Conn
	br         *bufio.Reader
	cfg        Config
	dispatcher *web.Dispatcher
	log        *logger.Logger
	metrics    *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	writer *frameWriter

	// encMu serializes HPACK encoding with write ordering: header blocks must
	// reach the wire in the order they were encoded.
	encMu sync.Mutex
	hpack *HpackAdapter

	connFC       *ConnectionFlowControlManager
	priorityTree *PriorityTree

	mu                    sync.Mutex
	streams               map[uint32]*Stream
	highestClientStreamID uint32 // highest stream id the client has opened
	lastProcessedStreamID uint32 // advertised in GOAWAY
	activeStreamCount     uint32 // peer-initiated streams not yet closed
	peer                  peerSettings
	goAwaySent            bool
	goAwayReceived        bool
	draining              bool
	closeErr              *ConnectionError

	assembly *headerAssembly

	settingsAckMu    sync.Mutex
	settingsAckTimer *time.Timer

	streamsIdle chan struct{} // signalled when activeStreamCount drops to 0
	done        chan struct{}
}

// NewConnection wraps an accepted, ALPN-negotiated "h2" connection. Serve
// must be called to run it.
func NewConnection(nc net.Conn, cfg Config, d *web.Dispatcher, lg *logger.Logger, m *metrics.Metrics, connID string) *Connection {
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           connID,
		netConn:      nc,
		br:           bufio.NewReaderSize(nc, 32<<10),
		cfg:          cfg.withDefaults(),
		dispatcher:   d,
		log:          lg,
		metrics:      m,
		ctx:          ctx,
		cancel:       cancel,
		connFC:       NewConnectionFlowControlManager(),
		priorityTree: NewPriorityTree(),
		streams:      make(map[uint32]*Stream),
		peer: peerSettings{
			headerTableSize:      DefaultSettingsHeaderTableSize,
			initialWindowSize:    DefaultInitialWindowSize,
			maxFrameSize:         DefaultMaxFrameSize,
			maxConcurrentStreams: 0xffffffff,
			maxHeaderListSize:    0xffffffff,
		},
		streamsIdle: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	c.hpack = NewHpackAdapter(DefaultSettingsHeaderTableSize)
	c.writer = newFrameWriter(nc, c.cancel)
	return c
}

// Serve runs the connection until the peer closes, a fatal protocol error
// occurs, or ctx is cancelled. It always closes the underlying net.Conn
// before returning.
func (c *Connection) Serve(ctx context.Context) error {
	defer close(c.done)
	defer c.teardown()

	go func() {
		select {
		case <-ctx.Done():
			c.cancel()
		case <-c.ctx.Done():
		}
		// Unblock the reader so Serve can observe the cancellation.
		_ = c.netConn.SetReadDeadline(time.Now())
	}()

	if err := c.readPreface(); err != nil {
		c.log.Debug("http2: bad client preface", logger.LogFields{"conn_id": c.id, "error": err.Error()})
		return err
	}

	c.writer.start()

	if err := c.sendInitialSettings(); err != nil {
		return err
	}

	for {
		if err := c.setReadDeadline(); err != nil {
			return c.fatal(NewConnectionErrorWithCause(ErrCodeInternalError, "setting read deadline", err))
		}
		frame, err := ReadFrame(c.br)
		if err != nil {
			if se := (&StreamError{}); errors.As(err, &se) {
				c.resetStream(se.StreamID, se.Code, true)
				continue
			}
			return c.handleReadError(err)
		}
		if err := c.handleFrame(frame); err != nil {
			if se := (&StreamError{}); errors.As(err, &se) {
				c.resetStream(se.StreamID, se.Code, true)
				continue
			}
			return c.fatal(err)
		}
	}
}

// Done is closed once Serve has returned and the connection is fully torn
// down.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) readPreface() error {
	if d := c.cfg.IdleTimeout; d > 0 {
		_ = c.netConn.SetReadDeadline(time.Now().Add(d))
	}
	buf := make([]byte, len(ClientPreface))
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return fmt.Errorf("reading client preface: %w", err)
	}
	if string(buf) != ClientPreface {
		return NewConnectionError(ErrCodeProtocolError, "invalid client connection preface")
	}
	return nil
}

func (c *Connection) sendInitialSettings() error {
	settings := []Setting{
		{ID: SettingHeaderTableSize, Value: DefaultSettingsHeaderTableSize},
		{ID: SettingEnablePush, Value: 0},
		{ID: SettingMaxConcurrentStreams, Value: c.cfg.MaxConcurrentStreams},
		{ID: SettingInitialWindowSize, Value: c.cfg.InitialStreamWindowSize},
		{ID: SettingMaxFrameSize, Value: c.cfg.MaxFrameSize},
		{ID: SettingMaxHeaderListSize, Value: c.cfg.MaxHeaderListSize},
	}
	sf := &SettingsFrame{
		FrameHeader: FrameHeader{Type: FrameSettings, Length: uint32(len(settings) * settingEntrySize)},
		Settings:    settings,
	}
	frames := []Frame{sf}
	if c.cfg.InitialConnectionWindowSize > DefaultInitialWindowSize {
		delta := c.cfg.InitialConnectionWindowSize - DefaultInitialWindowSize
		frames = append(frames, &WindowUpdateFrame{
			FrameHeader:         FrameHeader{Type: FrameWindowUpdate, StreamID: 0, Length: 4},
			WindowSizeIncrement: delta,
		})
	}
	if err := c.writer.enqueue(c.ctx, frames...); err != nil {
		return err
	}
	c.armSettingsAckTimer()
	return nil
}

func (c *Connection) armSettingsAckTimer() {
	c.settingsAckMu.Lock()
	defer c.settingsAckMu.Unlock()
	if c.settingsAckTimer != nil {
		c.settingsAckTimer.Stop()
	}
	c.settingsAckTimer = time.AfterFunc(settingsAckTimeout, func() {
		c.log.Warn("http2: peer did not acknowledge SETTINGS in time", logger.LogFields{"conn_id": c.id})
		_ = c.fatal(NewConnectionError(ErrCodeSettingsTimeout, "SETTINGS not acknowledged"))
	})
}

func (c *Connection) stopSettingsAckTimer() {
	c.settingsAckMu.Lock()
	defer c.settingsAckMu.Unlock()
	if c.settingsAckTimer != nil {
		c.settingsAckTimer.Stop()
		c.settingsAckTimer = nil
	}
}

// setReadDeadline arms the idle timeout while the connection has no live
// streams; a connection with in-flight requests is not idle.
func (c *Connection) setReadDeadline() error {
	if c.cfg.IdleTimeout <= 0 {
		return nil
	}
	c.mu.Lock()
	active := c.activeStreamCount
	c.mu.Unlock()
	if active == 0 {
		return c.netConn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	}
	return c.netConn.SetReadDeadline(time.Time{})
}

func (c *Connection) handleReadError(err error) error {
	c.mu.Lock()
	closeErr := c.closeErr
	c.mu.Unlock()
	if closeErr != nil {
		// The connection is already terminating; the read failure is a
		// side effect, not a new error.
		if closeErr.Code == ErrCodeNoError {
			return nil
		}
		return closeErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if c.ctx.Err() != nil {
			return c.fatalQuiet(NewConnectionError(ErrCodeNoError, "connection context cancelled"))
		}
		c.log.Debug("http2: idle timeout, closing connection", logger.LogFields{"conn_id": c.id})
		return c.fatalQuiet(NewConnectionError(ErrCodeNoError, "idle timeout"))
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return c.fatalQuiet(NewConnectionErrorWithCause(ErrCodeNoError, "peer closed the connection", err))
	}
	if ce := (&ConnectionError{}); errors.As(err, &ce) {
		// The frame codec rejected the frame outright (bad length, bad flags).
		return c.fatal(err)
	}
	return c.fatal(NewConnectionErrorWithCause(ErrCodeProtocolError, "reading frame", err))
}

func (c *Connection) handleFrame(frame Frame) error {
	fh := frame.Header()
	if fh.Length > c.cfg.MaxFrameSize {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("frame of %d bytes exceeds SETTINGS_MAX_FRAME_SIZE %d", fh.Length, c.cfg.MaxFrameSize))
	}

	// While a header block is being assembled only CONTINUATION frames for
	// the same stream are legal.
	c.mu.Lock()
	assembling := c.assembly != nil
	c.mu.Unlock()
	if assembling && fh.Type != FrameContinuation {
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("%s frame received while a header block is incomplete", fh.Type))
	}

	switch f := frame.(type) {
	case *DataFrame:
		return c.handleData(f)
	case *HeadersFrame:
		return c.handleHeaders(f)
	case *ContinuationFrame:
		return c.handleContinuation(f)
	case *SettingsFrame:
		return c.handleSettings(f)
	case *WindowUpdateFrame:
		return c.handleWindowUpdate(f)
	case *RSTStreamFrame:
		return c.handleRSTStream(f)
	case *PingFrame:
		return c.handlePing(f)
	case *GoAwayFrame:
		return c.handleGoAway(f)
	case *PriorityFrame:
		return c.handlePriority(f)
	case *PushPromiseFrame:
		return NewConnectionError(ErrCodeProtocolError, "client sent PUSH_PROMISE")
	default:
		// Unknown frame types are ignored (RFC 7540, Section 4.1).
		return nil
	}
}

func (c *Connection) handleData(f *DataFrame) error {
	streamID := f.Header().StreamID
	if streamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "DATA frame on stream 0")
	}
	// Padding counts against flow control too (RFC 7540, Section 6.1).
	flowLen := f.Header().Length
	if err := c.connFC.DataReceived(flowLen); err != nil {
		return err
	}

	s, ok := c.lookupStream(streamID)
	if !ok {
		c.creditConnWindow(flowLen)
		c.mu.Lock()
		known := streamID <= c.highestClientStreamID
		c.mu.Unlock()
		if known {
			// Only RST_STREAM, WINDOW_UPDATE and PRIORITY may trail a closed
			// stream; DATA there poisons the whole connection.
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("DATA frame on closed stream %d", streamID))
		}
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("DATA frame on idle stream %d", streamID))
	}

	if err := s.handleData(f, flowLen); err != nil {
		if se := (&StreamError{}); errors.As(err, &se) {
			// The stream will never consume these bytes.
			c.creditConnWindow(flowLen)
		}
		return err
	}
	return nil
}

func (c *Connection) handleHeaders(f *HeadersFrame) error {
	fh := f.Header()
	if fh.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "HEADERS frame on stream 0")
	}
	if fh.StreamID%2 == 0 {
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("client opened even-numbered stream %d", fh.StreamID))
	}

	var prio *streamDependencyInfo
	if fh.Flags&FlagHeadersPriority != 0 {
		if f.StreamDependency == fh.StreamID {
			return NewStreamError(fh.StreamID, ErrCodeProtocolError, "stream depends on itself")
		}
		prio = &streamDependencyInfo{
			StreamDependency: f.StreamDependency,
			Weight:           f.Weight,
			Exclusive:        f.Exclusive,
		}
	}

	if uint32(len(f.HeaderBlockFragment)) > c.cfg.MaxHeaderListSize {
		return NewConnectionError(ErrCodeEnhanceYourCalm, "header block exceeds SETTINGS_MAX_HEADER_LIST_SIZE")
	}

	asm := &headerAssembly{
		streamID:  fh.StreamID,
		fragments: [][]byte{f.HeaderBlockFragment},
		totalSize: uint32(len(f.HeaderBlockFragment)),
		endStream: fh.Flags&FlagHeadersEndStream != 0,
		prio:      prio,
	}
	if fh.Flags&FlagHeadersEndHeaders != 0 {
		return c.finishHeaderBlock(asm)
	}
	c.mu.Lock()
	c.assembly = asm
	c.mu.Unlock()
	return nil
}

func (c *Connection) handleContinuation(f *ContinuationFrame) error {
	c.mu.Lock()
	asm := c.assembly
	c.mu.Unlock()
	if asm == nil {
		return NewConnectionError(ErrCodeProtocolError, "CONTINUATION without a preceding HEADERS")
	}
	if f.Header().StreamID != asm.streamID {
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("CONTINUATION on stream %d while assembling stream %d", f.Header().StreamID, asm.streamID))
	}
	asm.totalSize += uint32(len(f.HeaderBlockFragment))
	if asm.totalSize > c.cfg.MaxHeaderListSize {
		return NewConnectionError(ErrCodeEnhanceYourCalm, "header block exceeds SETTINGS_MAX_HEADER_LIST_SIZE")
	}
	asm.fragments = append(asm.fragments, f.HeaderBlockFragment)
	if f.Header().Flags&FlagContinuationEndHeaders == 0 {
		return nil
	}
	c.mu.Lock()
	c.assembly = nil
	c.mu.Unlock()
	return c.finishHeaderBlock(asm)
}

// finishHeaderBlock decodes a complete header block and routes it: a new
// stream id starts a request, an existing stream receives trailers. HPACK
// decoding always runs, even for refused streams, because the dynamic table
// is connection-wide state.
func (c *Connection) finishHeaderBlock(asm *headerAssembly) error {
	c.mu.Lock()
	c.assembly = nil
	c.mu.Unlock()

	c.hpack.ResetDecoderState()
	for _, frag := range asm.fragments {
		if err := c.hpack.DecodeFragment(frag); err != nil {
			return NewConnectionErrorWithCause(ErrCodeCompressionError, "HPACK decode failed", err)
		}
	}
	decoded, err := c.hpack.FinishDecoding()
	if err != nil {
		return NewConnectionErrorWithCause(ErrCodeCompressionError, "HPACK decode failed", err)
	}

	var uncompressed uint32
	for _, hf := range decoded {
		uncompressed += uint32(len(hf.Name)) + uint32(len(hf.Value)) + 32
	}
	if uncompressed > c.cfg.MaxHeaderListSize {
		return NewConnectionError(ErrCodeEnhanceYourCalm, "decoded header list exceeds SETTINGS_MAX_HEADER_LIST_SIZE")
	}

	fields := make([]web.HeaderField, len(decoded))
	for i, hf := range decoded {
		fields[i] = web.HeaderField{Name: hf.Name, Value: hf.Value}
	}

	if s, ok := c.lookupStream(asm.streamID); ok {
		return s.handleTrailers(fields, asm.endStream)
	}

	c.mu.Lock()
	if asm.streamID <= c.highestClientStreamID {
		c.mu.Unlock()
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("HEADERS on closed or reused stream %d", asm.streamID))
	}
	c.highestClientStreamID = asm.streamID
	if c.draining {
		c.mu.Unlock()
		// Streams above the advertised last id are refused during drain.
		c.resetStream(asm.streamID, ErrCodeRefusedStream, false)
		return nil
	}
	if c.activeStreamCount >= c.cfg.MaxConcurrentStreams {
		c.mu.Unlock()
		// HPACK state is already updated; refusing the stream is safe.
		c.resetStream(asm.streamID, ErrCodeRefusedStream, false)
		return nil
	}
	c.activeStreamCount++
	c.lastProcessedStreamID = asm.streamID
	peerInitialWindow := c.peer.initialWindowSize
	c.mu.Unlock()

	s := newStream(c, asm.streamID, c.cfg.InitialStreamWindowSize, peerInitialWindow)
	c.mu.Lock()
	c.streams[asm.streamID] = s
	c.mu.Unlock()

	// Self-dependency was rejected in handleHeaders, so AddStream cannot
	// fail here in a way that matters for the request.
	_ = c.priorityTree.AddStream(asm.streamID, asm.prio)

	return s.acceptRequest(fields, asm.endStream)
}

func (c *Connection) handleSettings(f *SettingsFrame) error {
	fh := f.Header()
	if fh.StreamID != 0 {
		return NewConnectionError(ErrCodeProtocolError, "SETTINGS frame on a non-zero stream")
	}
	if fh.Flags&FlagSettingsAck != 0 {
		if fh.Length != 0 {
			return NewConnectionError(ErrCodeFrameSizeError, "SETTINGS ACK with a payload")
		}
		c.stopSettingsAckTimer()
		return nil
	}
	if fh.Length%settingEntrySize != 0 {
		return NewConnectionError(ErrCodeFrameSizeError, "SETTINGS payload not a multiple of 6")
	}

	// Validate before applying: settings apply atomically at the frame
	// boundary or not at all.
	for _, st := range f.Settings {
		switch st.ID {
		case SettingEnablePush:
			if st.Value > 1 {
				return NewConnectionError(ErrCodeProtocolError, "SETTINGS_ENABLE_PUSH must be 0 or 1")
			}
		case SettingInitialWindowSize:
			if st.Value > MaxWindowSize {
				return NewConnectionError(ErrCodeFlowControlError, "SETTINGS_INITIAL_WINDOW_SIZE exceeds 2^31-1")
			}
		case SettingMaxFrameSize:
			if st.Value < MinAllowedFrameSize || st.Value > MaxAllowedFrameSize {
				return NewConnectionError(ErrCodeProtocolError, "SETTINGS_MAX_FRAME_SIZE out of range")
			}
		}
	}

	c.mu.Lock()
	var windowDelta *uint32
	var tableSize *uint32
	for _, st := range f.Settings {
		switch st.ID {
		case SettingHeaderTableSize:
			v := st.Value
			tableSize = &v
			c.peer.headerTableSize = st.Value
		case SettingInitialWindowSize:
			v := st.Value
			windowDelta = &v
			c.peer.initialWindowSize = st.Value
		case SettingMaxFrameSize:
			c.peer.maxFrameSize = st.Value
		case SettingMaxConcurrentStreams:
			c.peer.maxConcurrentStreams = st.Value
		case SettingMaxHeaderListSize:
			c.peer.maxHeaderListSize = st.Value
		}
	}
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	if tableSize != nil {
		c.encMu.Lock()
		c.hpack.SetMaxEncoderDynamicTableSize(*tableSize)
		c.encMu.Unlock()
	}
	if windowDelta != nil {
		// Rebase every open stream's send window (RFC 7540, Section 6.9.2).
		for _, s := range streams {
			if err := s.fc.HandlePeerSettingsInitialWindowSizeChange(*windowDelta); err != nil {
				return err
			}
		}
	}

	ack := &SettingsFrame{FrameHeader: FrameHeader{Type: FrameSettings, Flags: FlagSettingsAck}}
	return c.writer.enqueue(c.ctx, ack)
}

func (c *Connection) handleWindowUpdate(f *WindowUpdateFrame) error {
	streamID := f.Header().StreamID
	if streamID == 0 {
		if f.WindowSizeIncrement == 0 {
			return NewConnectionError(ErrCodeProtocolError, "connection WINDOW_UPDATE with zero increment")
		}
		return c.connFC.HandleWindowUpdateFromPeer(f.WindowSizeIncrement)
	}
	s, ok := c.lookupStream(streamID)
	if !ok {
		c.mu.Lock()
		known := streamID <= c.highestClientStreamID
		c.mu.Unlock()
		if known {
			// WINDOW_UPDATE racing a just-closed stream is harmless.
			return nil
		}
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("WINDOW_UPDATE on idle stream %d", streamID))
	}
	return s.fc.HandleWindowUpdateFromPeer(f.WindowSizeIncrement)
}

func (c *Connection) handleRSTStream(f *RSTStreamFrame) error {
	streamID := f.Header().StreamID
	if streamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "RST_STREAM on stream 0")
	}
	s, ok := c.lookupStream(streamID)
	if !ok {
		c.mu.Lock()
		known := streamID <= c.highestClientStreamID
		c.mu.Unlock()
		if known {
			return nil
		}
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("RST_STREAM on idle stream %d", streamID))
	}
	s.resetByPeer(f.ErrorCode)
	return nil
}

func (c *Connection) handlePing(f *PingFrame) error {
	if f.Header().StreamID != 0 {
		return NewConnectionError(ErrCodeProtocolError, "PING on a non-zero stream")
	}
	if f.Header().Flags&FlagPingAck != 0 {
		return nil
	}
	ack := &PingFrame{
		FrameHeader: FrameHeader{Type: FramePing, Flags: FlagPingAck, Length: 8},
		OpaqueData:  f.OpaqueData,
	}
	return c.writer.enqueue(c.ctx, ack)
}

func (c *Connection) handleGoAway(f *GoAwayFrame) error {
	c.mu.Lock()
	c.goAwayReceived = true
	c.draining = true
	active := c.activeStreamCount
	c.mu.Unlock()
	c.log.Debug("http2: GOAWAY received", logger.LogFields{
		"conn_id":        c.id,
		"last_stream_id": f.LastStreamID,
		"error_code":     f.ErrorCode.String(),
	})
	if f.ErrorCode != ErrCodeNoError {
		return c.fatalQuiet(NewConnectionError(f.ErrorCode, "peer sent GOAWAY"))
	}
	if active == 0 {
		return c.fatalQuiet(NewConnectionError(ErrCodeNoError, "peer is going away"))
	}
	// Let in-flight streams finish; the reader keeps running for their
	// WINDOW_UPDATE and RST_STREAM frames.
	return nil
}

func (c *Connection) handlePriority(f *PriorityFrame) error {
	if f.Header().StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "PRIORITY frame on stream 0")
	}
	return c.priorityTree.ProcessPriorityFrame(f)
}

// Shutdown drains the connection: new streams are refused, a GOAWAY
// advertises the last stream that will be processed, and in-flight streams
// run to completion. When ctx expires remaining streams are reset and the
// connection closes.
func (c *Connection) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.goAwaySent {
		c.mu.Unlock()
		return nil
	}
	c.goAwaySent = true
	c.draining = true
	last := c.lastProcessedStreamID
	active := c.activeStreamCount
	c.mu.Unlock()

	// First GOAWAY with the maximum stream id tells the peer to stop opening
	// streams while requests already in flight race the final GOAWAY
	// (RFC 7540, Section 6.8).
	_ = c.writer.enqueue(c.ctx, &GoAwayFrame{
		FrameHeader:  FrameHeader{Type: FrameGoAway, Length: 8},
		LastStreamID: MaxWindowSize,
		ErrorCode:    ErrCodeNoError,
	})
	_ = c.writer.enqueue(c.ctx, &GoAwayFrame{
		FrameHeader:  FrameHeader{Type: FrameGoAway, Length: 8},
		LastStreamID: last,
		ErrorCode:    ErrCodeNoError,
	})

	if active > 0 {
		select {
		case <-c.allStreamsDone():
		case <-ctx.Done():
			// Hard deadline. Expire any write stalled on a peer that stopped
			// reading before aborting streams, so their RST_STREAM enqueues
			// cannot block behind it.
			_ = c.netConn.SetWriteDeadline(time.Now())
			c.abortAllStreams(ErrCodeCancel)
		case <-c.ctx.Done():
		}
	}
	return c.fatalQuiet(NewConnectionError(ErrCodeNoError, "shutdown complete"))
}

func (c *Connection) allStreamsDone() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		for {
			c.mu.Lock()
			n := c.activeStreamCount
			c.mu.Unlock()
			if n == 0 {
				return
			}
			select {
			case <-c.streamsIdle:
			case <-c.ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (c *Connection) abortAllStreams(code ErrorCode) {
	c.mu.Lock()
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()
	for _, s := range streams {
		s.resetLocal(code, "connection shutting down")
	}
}

// fatal terminates the connection with a GOAWAY carrying the error code.
func (c *Connection) fatal(err error) error {
	ce := (&ConnectionError{})
	if !errors.As(err, &ce) {
		ce = NewConnectionErrorWithCause(ErrCodeInternalError, "internal error", err)
	}
	if ce.Code != ErrCodeNoError {
		c.log.Warn("http2: connection error", logger.LogFields{
			"conn_id": c.id,
			"code":    ce.Code.String(),
			"error":   ce.Error(),
		})
	}
	return c.terminate(ce)
}

// fatalQuiet closes the connection for an expected lifecycle reason.
func (c *Connection) fatalQuiet(ce *ConnectionError) error {
	return c.terminate(ce)
}

func (c *Connection) terminate(ce *ConnectionError) error {
	c.mu.Lock()
	if c.closeErr != nil {
		prev := c.closeErr
		c.mu.Unlock()
		if prev.Code == ErrCodeNoError {
			return nil
		}
		return prev
	}
	c.closeErr = ce
	alreadySent := c.goAwaySent
	c.goAwaySent = true
	last := c.lastProcessedStreamID
	c.mu.Unlock()

	if !alreadySent || ce.Code != ErrCodeNoError {
		// The write deadline caps the wait for the writer mutex too: a flush
		// stalled on an unresponsive peer errors out instead of holding
		// termination hostage.
		_ = c.netConn.SetWriteDeadline(time.Now().Add(finalFlushTimeout))
		goAway := GenerateGoAwayFrame(last, ce.Code, "", ce)
		_ = c.writer.enqueueAndFlush(goAway)
	}
	c.cancel()
	if ce.Code == ErrCodeNoError {
		return nil
	}
	return ce
}

func (c *Connection) teardown() {
	c.stopSettingsAckTimer()
	c.abortAllStreams(ErrCodeCancel)
	c.connFC.Close(errors.New("connection closed"))
	// Queued frames get one bounded flush; after that the transport closes
	// under the writer regardless of the peer.
	_ = c.netConn.SetWriteDeadline(time.Now().Add(finalFlushTimeout))
	c.writer.close()
	_ = c.netConn.Close()
	c.cancel()
}

func (c *Connection) lookupStream(id uint32) (*Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[id]
	return s, ok
}

// streamClosed removes a finished stream and wakes the drain waiter when the
// last one goes. Calling it for an already-removed stream is a no-op.
func (c *Connection) streamClosed(id uint32) {
	c.mu.Lock()
	_, present := c.streams[id]
	if present {
		delete(c.streams, id)
		if c.activeStreamCount > 0 {
			c.activeStreamCount--
		}
	}
	idle := c.activeStreamCount == 0
	c.mu.Unlock()

	if !present {
		return
	}
	_ = c.priorityTree.RemoveStream(id)
	if idle {
		select {
		case c.streamsIdle <- struct{}{}:
		default:
		}
	}
}

// resetStream emits RST_STREAM and tears the stream down. byPeerFault marks
// resets provoked by peer misbehavior for metrics.
func (c *Connection) resetStream(id uint32, code ErrorCode, byPeerFault bool) {
	if s, ok := c.lookupStream(id); ok {
		s.teardown(NewStreamError(id, code, "stream reset"))
		c.streamClosed(id)
	}
	_ = c.writer.enqueue(c.ctx, GenerateRSTStreamFrame(id, code, nil))
	c.dispatcher.ObserveReset(web.ProtocolHTTP2, byPeerFault)
}

// creditConnWindow immediately returns receive-window credit for bytes that
// will never be consumed by a stream (discarded DATA on closed streams).
func (c *Connection) creditConnWindow(n uint32) {
	if n == 0 {
		return
	}
	increment, err := c.connFC.ApplicationConsumedData(n)
	if err != nil || increment == 0 {
		return
	}
	_ = c.writer.enqueue(c.ctx, &WindowUpdateFrame{
		FrameHeader:         FrameHeader{Type: FrameWindowUpdate, StreamID: 0, Length: 4},
		WindowSizeIncrement: increment,
	})
}

// writeHeaderBlock HPACK-encodes fields and enqueues the HEADERS frame plus
// any CONTINUATION frames as one atomic batch. The encoder mutex keeps
// encode order and wire order identical, which HPACK requires.
func (c *Connection) writeHeaderBlock(streamID uint32, fields []web.HeaderField, endStream bool) error {
	c.encMu.Lock()
	block, err := c.hpack.Encode(webToHpackFields(fields))
	if err != nil {
		c.encMu.Unlock()
		return NewStreamErrorWithCause(streamID, ErrCodeInternalError, "HPACK encode failed", err)
	}

	c.mu.Lock()
	maxFrame := int(c.peer.maxFrameSize)
	c.mu.Unlock()

	frames := make([]Frame, 0, 1)
	first := true
	for {
		chunk := block
		if len(chunk) > maxFrame {
			chunk = block[:maxFrame]
		}
		block = block[len(chunk):]
		last := len(block) == 0

		if first {
			var flags Flags
			if endStream {
				flags |= FlagHeadersEndStream
			}
			if last {
				flags |= FlagHeadersEndHeaders
			}
			frames = append(frames, &HeadersFrame{
				FrameHeader:         FrameHeader{Type: FrameHeaders, Flags: flags, StreamID: streamID, Length: uint32(len(chunk))},
				HeaderBlockFragment: chunk,
			})
			first = false
		} else {
			var flags Flags
			if last {
				flags |= FlagContinuationEndHeaders
			}
			frames = append(frames, &ContinuationFrame{
				FrameHeader:         FrameHeader{Type: FrameContinuation, Flags: flags, StreamID: streamID, Length: uint32(len(chunk))},
				HeaderBlockFragment: chunk,
			})
		}
		if last {
			break
		}
	}
	err = c.writer.enqueue(c.ctx, frames...)
	c.encMu.Unlock()
	return err
}

func (c *Connection) writeData(streamID uint32, data []byte, endStream bool) error {
	var flags Flags
	if endStream {
		flags |= FlagDataEndStream
	}
	return c.writer.enqueue(c.ctx, &DataFrame{
		FrameHeader: FrameHeader{Type: FrameData, Flags: flags, StreamID: streamID, Length: uint32(len(data))},
		Data:        data,
	})
}

func (c *Connection) maxFramePayload() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer.maxFrameSize
}
