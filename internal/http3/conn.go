package http3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/qpack"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/DrSloth/scuffle/internal/logger"
	"github.com/DrSloth/scuffle/internal/metrics"
	"github.com/DrSloth/scuffle/internal/web"
)

// Session is the slice of the QUIC connection surface the adapter needs.
// Production code wraps *quic.Conn; tests substitute in-memory fakes.
type Session interface {
	AcceptStream(ctx context.Context) (RequestStream, error)
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)
	OpenUniStream() (SendStream, error)
	CloseWithError(code ErrCode, reason string) error
	RemoteAddr() net.Addr
}

// RequestStream is a client-initiated bidirectional stream.
type RequestStream interface {
	io.Reader
	io.Writer
	Close() error
	StreamID() uint64
	CancelRead(code ErrCode)
	CancelWrite(code ErrCode)
}

// ReceiveStream is the read side of a peer-initiated unidirectional stream.
type ReceiveStream interface {
	io.Reader
	StreamID() uint64
	CancelRead(code ErrCode)
}

// SendStream is the write side of a locally opened unidirectional stream.
type SendStream interface {
	io.Writer
	Close() error
	StreamID() uint64
	CancelWrite(code ErrCode)
}

// WrapQUICConn adapts a *quic.Conn to the Session interface.
func WrapQUICConn(conn *quic.Conn) Session {
	return &quicSession{conn: conn}
}

type quicSession struct {
	conn *quic.Conn
}

func (s *quicSession) AcceptStream(ctx context.Context) (RequestStream, error) {
	str, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicRequestStream{str}, nil
}

func (s *quicSession) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	str, err := s.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicReceiveStream{str}, nil
}

func (s *quicSession) OpenUniStream() (SendStream, error) {
	str, err := s.conn.OpenUniStream()
	if err != nil {
		return nil, err
	}
	return &quicSendStream{str}, nil
}

func (s *quicSession) CloseWithError(code ErrCode, reason string) error {
	return s.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (s *quicSession) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

type quicRequestStream struct{ *quic.Stream }

func (s *quicRequestStream) StreamID() uint64        { return uint64(s.Stream.StreamID()) }
func (s *quicRequestStream) CancelRead(code ErrCode) { s.Stream.CancelRead(quic.StreamErrorCode(code)) }
func (s *quicRequestStream) CancelWrite(code ErrCode) {
	s.Stream.CancelWrite(quic.StreamErrorCode(code))
}

type quicReceiveStream struct{ *quic.ReceiveStream }

func (s *quicReceiveStream) StreamID() uint64        { return uint64(s.ReceiveStream.StreamID()) }
func (s *quicReceiveStream) CancelRead(code ErrCode) {
	s.ReceiveStream.CancelRead(quic.StreamErrorCode(code))
}

type quicSendStream struct{ *quic.SendStream }

func (s *quicSendStream) StreamID() uint64 { return uint64(s.SendStream.StreamID()) }
func (s *quicSendStream) CancelWrite(code ErrCode) {
	s.SendStream.CancelWrite(quic.StreamErrorCode(code))
}

// Config carries the tunable limits of an HTTP/3 connection.
type Config struct {
	// MaxFieldSectionSize bounds the encoded size of a request's field
	// section. Zero selects the default of 64 KiB.
	MaxFieldSectionSize uint64
	// QPACKMaxTableCapacity is the dynamic table size offered to the peer's
	// encoder. Zero disables the dynamic table.
	QPACKMaxTableCapacity uint64
	// QPACKBlockedStreams is the number of streams the peer may leave
	// blocked on undelivered table insertions.
	QPACKBlockedStreams uint64
}

func (c Config) withDefaults() Config {
	if c.MaxFieldSectionSize == 0 {
		c.MaxFieldSectionSize = 64 << 10
	}
	return c
}

// Connection serves HTTP/3 on one QUIC connection: it bootstraps the control
// and QPACK streams, demultiplexes unidirectional streams, and runs each
// request stream through the dispatcher.
type Connection struct {
	id         string
	sess       Session
	cfg        Config
	dispatcher *web.Dispatcher
	log        *logger.Logger
	metrics    *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	decoder *qpackDecoder

	// decStrMu serializes Section Acknowledgments on our decoder stream.
	decStrMu  sync.Mutex
	decStream SendStream

	ctrlMu       sync.Mutex
	peerControl  bool
	peerEncoder  bool
	peerDecoder  bool
	peerSettings settings

	streamsMu       sync.Mutex
	activeStreams   int
	// nextUnprocessed is the lowest request stream ID the peer should not
	// expect a response for, advertised in GOAWAY.
	nextUnprocessed uint64
	draining        bool
	goAwaySent      bool
	streamsIdle     chan struct{}
	ctrlStream      SendStream

	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection prepares an HTTP/3 connection over an established QUIC
// session. Serve must be called to start it.
func NewConnection(sess Session, cfg Config, d *web.Dispatcher, lg *logger.Logger, m *metrics.Metrics, connID string) *Connection {
	cfg = cfg.withDefaults()
	c := &Connection{
		id:          connID,
		sess:        sess,
		cfg:         cfg,
		dispatcher:  d,
		log:         lg,
		metrics:     m,
		decoder:     newQPACKDecoder(cfg.QPACKMaxTableCapacity, int(cfg.QPACKBlockedStreams)),
		streamsIdle: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Done is closed once the connection has fully shut down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Serve bootstraps the control and QPACK decoder streams and then accepts
// request streams until the session ends.
func (c *Connection) Serve(ctx context.Context) error {
	defer c.closeDone()
	defer c.cancel()

	go func() {
		select {
		case <-ctx.Done():
			c.closeConn(ErrCodeNoError, "server shutting down")
		case <-c.ctx.Done():
		}
	}()

	if err := c.bootstrap(); err != nil {
		c.closeConn(ErrCodeInternalError, "stream bootstrap failed")
		return err
	}

	go c.acceptUniStreams()

	for {
		str, err := c.sess.AcceptStream(c.ctx)
		if err != nil {
			// Session gone; connection-level errors were already reported
			// via CloseWithError.
			return nil
		}
		c.streamsMu.Lock()
		if c.draining {
			c.streamsMu.Unlock()
			str.CancelRead(ErrCodeRequestRejected)
			str.CancelWrite(ErrCodeRequestRejected)
			continue
		}
		if str.StreamID()+4 > c.nextUnprocessed {
			c.nextUnprocessed = str.StreamID() + 4
		}
		c.activeStreams++
		c.streamsMu.Unlock()
		go c.serveRequestStream(str)
	}
}

// bootstrap opens our control stream (carrying SETTINGS) and the QPACK
// decoder stream. We never emit encoder instructions, so no encoder stream
// is opened (RFC 9204, Section 4.2).
func (c *Connection) bootstrap() error {
	ctrl, err := c.sess.OpenUniStream()
	if err != nil {
		return fmt.Errorf("open control stream: %w", err)
	}
	buf := quicvarint.Append(nil, streamTypeControl)
	buf = appendSettings(buf,
		[2]uint64{settingMaxFieldSectionSize, c.cfg.MaxFieldSectionSize},
		[2]uint64{settingQPACKMaxTableCapacity, c.cfg.QPACKMaxTableCapacity},
		[2]uint64{settingQPACKBlockedStreams, c.cfg.QPACKBlockedStreams},
	)
	if _, err := ctrl.Write(buf); err != nil {
		return fmt.Errorf("write SETTINGS: %w", err)
	}
	c.streamsMu.Lock()
	c.ctrlStream = ctrl
	c.streamsMu.Unlock()

	dec, err := c.sess.OpenUniStream()
	if err != nil {
		return fmt.Errorf("open decoder stream: %w", err)
	}
	if _, err := dec.Write(quicvarint.Append(nil, streamTypeQPACKDecoder)); err != nil {
		return fmt.Errorf("write decoder stream type: %w", err)
	}
	c.decStrMu.Lock()
	c.decStream = dec
	c.decStrMu.Unlock()
	return nil
}

// acceptUniStreams demultiplexes incoming unidirectional streams by their
// type varint.
func (c *Connection) acceptUniStreams() {
	for {
		str, err := c.sess.AcceptUniStream(c.ctx)
		if err != nil {
			return
		}
		go c.handleUniStream(str)
	}
}

func (c *Connection) handleUniStream(str ReceiveStream) {
	streamType, err := quicvarint.Read(quicvarint.NewReader(str))
	if err != nil {
		return
	}
	switch streamType {
	case streamTypeControl:
		if !c.markCriticalStream(&c.peerControl) {
			c.closeConn(ErrCodeStreamCreationError, "duplicate control stream")
			return
		}
		c.runControlStream(str)
	case streamTypeQPACKEncoder:
		if !c.markCriticalStream(&c.peerEncoder) {
			c.closeConn(ErrCodeStreamCreationError, "duplicate QPACK encoder stream")
			return
		}
		c.runEncoderStream(str)
	case streamTypeQPACKDecoder:
		if !c.markCriticalStream(&c.peerDecoder) {
			c.closeConn(ErrCodeStreamCreationError, "duplicate QPACK decoder stream")
			return
		}
		c.runDecoderStream(str)
	case streamTypePush:
		// Clients cannot push (RFC 9114, Section 6.2.2).
		c.closeConn(ErrCodeStreamCreationError, "client-initiated push stream")
	default:
		str.CancelRead(ErrCodeStreamCreationError)
	}
}

func (c *Connection) markCriticalStream(flag *bool) bool {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()
	if *flag {
		return false
	}
	*flag = true
	return true
}

// runControlStream enforces the SETTINGS-first rule and then consumes
// control frames for the life of the connection.
func (c *Connection) runControlStream(str ReceiveStream) {
	r := quicvarint.NewReader(str)
	hdr, err := readFrameHeader(r)
	if err != nil {
		c.closeConn(ErrCodeClosedCriticalStream, "control stream ended")
		return
	}
	if hdr.Type != frameTypeSettings {
		c.closeConn(ErrCodeMissingSettings, "first control frame is not SETTINGS")
		return
	}
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		c.closeConn(ErrCodeClosedCriticalStream, "control stream ended")
		return
	}
	s, err := parseSettings(payload)
	if err != nil {
		c.abort(err)
		return
	}
	c.ctrlMu.Lock()
	c.peerSettings = s
	c.ctrlMu.Unlock()

	for {
		hdr, err := readFrameHeader(r)
		if err != nil {
			c.closeConn(ErrCodeClosedCriticalStream, "control stream ended")
			return
		}
		switch hdr.Type {
		case frameTypeGoAway:
			id, err := quicvarint.Read(r)
			if err != nil {
				c.closeConn(ErrCodeFrameError, "truncated GOAWAY")
				return
			}
			c.log.Info("http3: peer is going away", logger.LogFields{
				"conn_id":   c.id,
				"stream_id": id,
			})
			c.startDraining()
		case frameTypeCancelPush, frameTypeMaxPushID:
			if err := skipFrame(str, hdr.Length); err != nil {
				c.closeConn(ErrCodeClosedCriticalStream, "control stream ended")
				return
			}
		case frameTypeData, frameTypeHeaders, frameTypeSettings, frameTypePushPromise:
			c.closeConn(ErrCodeFrameUnexpected, "frame type 0x%x on control stream", hdr.Type)
			return
		default:
			if err := skipFrame(str, hdr.Length); err != nil {
				c.closeConn(ErrCodeClosedCriticalStream, "control stream ended")
				return
			}
		}
	}
}

// runEncoderStream feeds the peer's encoder instructions into the QPACK
// decoder, buffering instructions split across reads.
func (c *Connection) runEncoderStream(str ReceiveStream) {
	var pending []byte
	buf := make([]byte, 4<<10)
	for {
		n, err := str.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			consumed, perr := c.decoder.processEncoderData(pending)
			if perr != nil {
				c.abort(perr)
				return
			}
			pending = pending[consumed:]
		}
		if err != nil {
			c.decoder.fail(newConnError(ErrCodeClosedCriticalStream, "encoder stream ended"))
			c.closeConn(ErrCodeClosedCriticalStream, "encoder stream ended")
			return
		}
	}
}

// runDecoderStream drains the peer's decoder instructions. We only emit
// static references, so Section Acknowledgments and Insert Count Increments
// from the peer carry no state to update.
func (c *Connection) runDecoderStream(str ReceiveStream) {
	buf := make([]byte, 1<<10)
	for {
		if _, err := str.Read(buf); err != nil {
			c.closeConn(ErrCodeClosedCriticalStream, "decoder stream ended")
			return
		}
	}
}

// serveRequestStream reads one request off a bidirectional stream, dispatches
// it, and streams the response back.
func (c *Connection) serveRequestStream(str RequestStream) {
	defer c.streamDone()
	if err := c.handleRequest(str); err != nil {
		var se *streamError
		if errors.As(err, &se) {
			str.CancelRead(se.code)
			str.CancelWrite(se.code)
			c.dispatcher.ObserveReset(web.ProtocolHTTP3, false)
			c.log.Debug("http3: request stream aborted", logger.LogFields{
				"conn_id":   c.id,
				"stream_id": str.StreamID(),
				"error":     err.Error(),
			})
			return
		}
		// Closing the connection implicitly resets every stream.
		code := ErrCodeInternalError
		var ce *connError
		if errors.As(err, &ce) {
			code = ce.code
		}
		str.CancelRead(code)
		str.CancelWrite(code)
		c.abort(err)
	}
}

func (c *Connection) streamDone() {
	c.streamsMu.Lock()
	c.activeStreams--
	idle := c.activeStreams == 0 && c.draining
	c.streamsMu.Unlock()
	if idle {
		select {
		case c.streamsIdle <- struct{}{}:
		default:
		}
	}
}

func (c *Connection) handleRequest(str RequestStream) error {
	r := quicvarint.NewReader(str)

	// Frames of unknown types may precede HEADERS and are ignored.
	var hdr frameHeader
	for {
		var err error
		hdr, err = readFrameHeader(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil // peer reset or closed before sending a request
			}
			return newStreamError(ErrCodeRequestIncomplete, "read frame: %v", err)
		}
		switch hdr.Type {
		case frameTypeHeaders:
		case frameTypeData:
			return newConnError(ErrCodeFrameUnexpected, "DATA before HEADERS")
		case frameTypeSettings, frameTypeGoAway, frameTypeCancelPush, frameTypeMaxPushID, frameTypePushPromise:
			return newConnError(ErrCodeFrameUnexpected, "frame type 0x%x on request stream", hdr.Type)
		default:
			if err := skipFrame(str, hdr.Length); err != nil {
				return newStreamError(ErrCodeRequestIncomplete, "skip frame: %v", err)
			}
			continue
		}
		break
	}

	if hdr.Length > c.cfg.MaxFieldSectionSize {
		return newStreamError(ErrCodeExcessiveLoad, "field section of %d bytes exceeds limit", hdr.Length)
	}
	block := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, block); err != nil {
		return newStreamError(ErrCodeRequestIncomplete, "read HEADERS: %v", err)
	}
	fields, ric, err := c.decoder.decodeFieldSection(block)
	if err != nil {
		return err
	}
	if ric > 0 {
		if err := c.ackSection(str.StreamID()); err != nil {
			return err
		}
	}

	webFields := make([]web.HeaderField, len(fields))
	for i, f := range fields {
		webFields[i] = web.HeaderField{Name: f.Name, Value: f.Value}
	}
	req, err := web.AssembleRequest(webFields)
	if err != nil {
		return newStreamError(ErrCodeMessageError, "malformed request: %v", err)
	}
	req.Protocol = web.ProtocolHTTP3
	req.RemoteAddr = c.sess.RemoteAddr().String()
	req.ConnectionID = c.id
	req.StreamID = str.StreamID()

	body := &requestBody{conn: c, str: str, r: r, declared: req.ContentLength}
	req.Body = body

	start := time.Now()
	resp, err := c.dispatcher.Dispatch(c.ctx, req)
	if err != nil {
		if errors.Is(err, web.ErrHandlerTimeout) {
			resp = web.ErrorResponse(503, "handler timed out", req.Headers)
		} else {
			return newStreamError(ErrCodeRequestCancelled, "handler aborted")
		}
	}

	status, bytesSent, err := c.writeResponse(str, req, resp)
	if err != nil {
		return newStreamError(ErrCodeRequestCancelled, "response streaming failed: %v", err)
	}
	c.dispatcher.Observe(req, status, bytesSent, time.Since(start))

	if err := str.Close(); err != nil {
		return newStreamError(ErrCodeInternalError, "close stream: %v", err)
	}
	// A request body the client is still sending gets cut off once the
	// response is complete (RFC 9114, Section 4.1).
	if !body.done {
		str.CancelRead(ErrCodeNoError)
	}
	return nil
}

// ackSection emits a Section Acknowledgment on our decoder stream. Required
// whenever a decoded section referenced the dynamic table (RFC 9204,
// Section 4.4.1).
func (c *Connection) ackSection(streamID uint64) error {
	c.decStrMu.Lock()
	defer c.decStrMu.Unlock()
	if c.decStream == nil {
		return newConnError(ErrCodeInternalError, "decoder stream not open")
	}
	_, err := c.decStream.Write(appendSectionAck(nil, streamID))
	if err != nil {
		return newConnError(ErrCodeInternalError, "decoder stream write: %v", err)
	}
	return nil
}

// writeResponse encodes the response field section and streams the body as
// DATA frames.
func (c *Connection) writeResponse(str RequestStream, req *web.Request, resp *web.Response) (status int, bytesSent int64, err error) {
	status = resp.Status

	var headerBuf bytes.Buffer
	enc := qpack.NewEncoder(&headerBuf)
	for _, f := range responseFields(resp) {
		if err := enc.WriteField(qpack.HeaderField{Name: f.Name, Value: f.Value}); err != nil {
			return status, 0, err
		}
	}
	if err := enc.Close(); err != nil {
		return status, 0, err
	}

	frame := appendFrame(nil, frameTypeHeaders, headerBuf.Bytes())
	if _, err := str.Write(frame); err != nil {
		return status, 0, err
	}

	suppressBody := req.Method == "HEAD" || status == 204 || status == 304 || (status >= 100 && status < 200)
	body := resp.BodyOrEmpty()
	defer body.Close()
	if suppressBody {
		return status, 0, nil
	}

	chunk := make([]byte, 16<<10)
	for {
		n, rerr := body.Read(chunk)
		if n > 0 {
			if _, werr := str.Write(appendFrame(nil, frameTypeData, chunk[:n])); werr != nil {
				return status, bytesSent, werr
			}
			bytesSent += int64(n)
		}
		if rerr != nil {
			if rerr != io.EOF {
				return status, bytesSent, rerr
			}
			return status, bytesSent, nil
		}
	}
}

// responseFields flattens a Response into the h3 field section: :status
// first, then the ordered headers, with date and content-length filled in
// when absent.
func responseFields(resp *web.Response) []field {
	fields := make([]field, 0, len(resp.Headers)+3)
	fields = append(fields, field{Name: ":status", Value: fmt.Sprintf("%d", resp.Status)})
	hasDate := false
	hasLength := false
	for _, hf := range resp.Headers {
		name := web.LowerName(hf.Name)
		switch name {
		case "date":
			hasDate = true
		case "content-length":
			hasLength = true
		case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
			continue
		}
		fields = append(fields, field{Name: name, Value: hf.Value})
	}
	if !hasDate {
		fields = append(fields, field{Name: "date", Value: time.Now().UTC().Format(imfFixdate)})
	}
	if !hasLength && resp.ContentLength >= 0 {
		fields = append(fields, field{Name: "content-length", Value: fmt.Sprintf("%d", resp.ContentLength)})
	}
	return fields
}

const imfFixdate = "Mon, 02 Jan 2006 15:04:05 GMT"

// requestBody reads DATA frames off the request stream on demand. Trailer
// field sections are validated and dropped.
type requestBody struct {
	conn     *Connection
	str      RequestStream
	r        quicvarint.Reader
	declared int64
	received int64
	remain   uint64 // unread bytes of the current DATA frame
	done     bool
	err      error
}

func (b *requestBody) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if b.done {
		return 0, io.EOF
	}
	for b.remain == 0 {
		hdr, err := readFrameHeader(b.r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, b.finish()
			}
			b.err = err
			return 0, err
		}
		switch hdr.Type {
		case frameTypeData:
			b.remain = hdr.Length
			b.received += int64(hdr.Length)
			if b.declared >= 0 && b.received > b.declared {
				return 0, b.fail(newStreamError(ErrCodeMessageError, "request body exceeds declared content-length"))
			}
		case frameTypeHeaders:
			if err := b.readTrailers(hdr.Length); err != nil {
				return 0, b.fail(err)
			}
			return 0, b.finish()
		case frameTypeSettings, frameTypeGoAway, frameTypeCancelPush, frameTypeMaxPushID, frameTypePushPromise:
			return 0, b.fail(newConnError(ErrCodeFrameUnexpected, "frame type 0x%x on request stream", hdr.Type))
		default:
			if err := skipFrame(b.str, hdr.Length); err != nil {
				b.err = err
				return 0, err
			}
		}
	}
	want := uint64(len(p))
	if want > b.remain {
		want = b.remain
	}
	n, err := b.str.Read(p[:want])
	b.remain -= uint64(n)
	if err != nil {
		if errors.Is(err, io.EOF) && b.remain > 0 {
			err = b.fail(newStreamError(ErrCodeRequestIncomplete, "stream ended inside DATA frame"))
		}
		b.err = err
		return n, err
	}
	return n, nil
}

// finish validates the total body length once the stream ends cleanly.
func (b *requestBody) finish() error {
	b.done = true
	if b.declared >= 0 && b.received != b.declared {
		return b.fail(newStreamError(ErrCodeMessageError, "request body shorter than declared content-length"))
	}
	return io.EOF
}

func (b *requestBody) fail(err error) error {
	b.err = err
	var se *streamError
	if errors.As(err, &se) {
		b.str.CancelRead(se.code)
		b.conn.dispatcher.ObserveReset(web.ProtocolHTTP3, false)
	} else {
		b.conn.abort(err)
	}
	return err
}

// readTrailers decodes and discards a trailer section, enforcing the no
// pseudo-header rule.
func (b *requestBody) readTrailers(length uint64) error {
	if length > b.conn.cfg.MaxFieldSectionSize {
		return newStreamError(ErrCodeExcessiveLoad, "trailer section of %d bytes exceeds limit", length)
	}
	block := make([]byte, length)
	if _, err := io.ReadFull(b.r, block); err != nil {
		return newStreamError(ErrCodeRequestIncomplete, "read trailers: %v", err)
	}
	fields, ric, err := b.conn.decoder.decodeFieldSection(block)
	if err != nil {
		return err
	}
	if ric > 0 {
		if err := b.conn.ackSection(b.str.StreamID()); err != nil {
			return err
		}
	}
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			return newStreamError(ErrCodeMessageError, "pseudo-header in trailer section")
		}
	}
	return nil
}

func (b *requestBody) Close() error {
	if !b.done && b.err == nil {
		b.str.CancelRead(ErrCodeNoError)
		b.done = true
	}
	return nil
}

// abort tears the connection down over a protocol violation.
func (c *Connection) abort(err error) {
	var ce *connError
	if errors.As(err, &ce) {
		c.closeConn(ce.code, "%s", ce.msg)
		return
	}
	c.closeConn(ErrCodeInternalError, "%s", err.Error())
}

func (c *Connection) closeConn(code ErrCode, format string, args ...interface{}) {
	if code != ErrCodeNoError {
		c.log.Debug("http3: closing connection", logger.LogFields{
			"conn_id": c.id,
			"code":    code.String(),
			"error":   fmt.Sprintf(format, args...),
		})
	}
	c.decoder.fail(newConnError(code, "connection closed"))
	_ = c.sess.CloseWithError(code, fmt.Sprintf(format, args...))
	c.cancel()
}

func (c *Connection) closeDone() {
	c.closeOnce.Do(func() { close(c.done) })
}

// startDraining marks the connection as refusing new request streams.
func (c *Connection) startDraining() {
	c.streamsMu.Lock()
	c.draining = true
	c.streamsMu.Unlock()
}

// Shutdown drains the connection gracefully: a GOAWAY tells the peer which
// streams will be processed, in-flight requests run to completion, and the
// session closes once they finish or ctx expires.
func (c *Connection) Shutdown(ctx context.Context) error {
	c.streamsMu.Lock()
	c.draining = true
	idle := c.activeStreams == 0
	var ctrl SendStream
	if !c.goAwaySent {
		c.goAwaySent = true
		ctrl = c.ctrlStream
	}
	// GOAWAY carries the first request stream ID we will not process.
	next := c.nextUnprocessed
	c.streamsMu.Unlock()

	if ctrl != nil {
		payload := quicvarint.Append(nil, next)
		if _, err := ctrl.Write(appendFrame(nil, frameTypeGoAway, payload)); err != nil {
			c.closeConn(ErrCodeNoError, "shutdown")
			return err
		}
	}

	if !idle {
		select {
		case <-c.streamsIdle:
		case <-ctx.Done():
			c.closeConn(ErrCodeNoError, "shutdown deadline reached")
			return ctx.Err()
		case <-c.ctx.Done():
		}
	}
	c.closeConn(ErrCodeNoError, "shutdown complete")
	return nil
}
