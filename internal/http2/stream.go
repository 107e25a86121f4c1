package http2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2/hpack"

	"github.com/DrSloth/scuffle/internal/logger"
	"github.com/DrSloth/scuffle/internal/metrics"
	"github.com/DrSloth/scuffle/internal/web"
)

// StreamState is the subset of RFC 7540 stream states a push-less server
// moves through.
type StreamState int

const (
	StreamStateOpen StreamState = iota
	StreamStateHalfClosedRemote
	StreamStateHalfClosedLocal
	StreamStateClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamStateOpen:
		return "Open"
	case StreamStateHalfClosedRemote:
		return "HalfClosedRemote"
	case StreamStateHalfClosedLocal:
		return "HalfClosedLocal"
	case StreamStateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("StreamState(%d)", int(s))
	}
}

// Stream is one client-initiated HTTP/2 stream: it buffers incoming DATA for
// the handler's body reader and runs the handler in its own goroutine.
type Stream struct {
	id   uint32
	conn *Connection
	fc   *StreamFlowControlManager

	ctx    context.Context
	cancel context.CancelFunc

	body *bodyBuffer

	mu            sync.Mutex
	state         StreamState
	declaredLen   int64
	receivedBytes int64
	consumedBytes int64
	resetDone     bool
}

func newStream(c *Connection, id uint32, ourInitialWindow, peerInitialWindow uint32) *Stream {
	ctx, cancel := context.WithCancel(c.ctx)
	return &Stream{
		id:          id,
		conn:        c,
		fc:          NewStreamFlowControlManager(id, ourInitialWindow, peerInitialWindow),
		ctx:         ctx,
		cancel:      cancel,
		body:        newBodyBuffer(),
		state:       StreamStateOpen,
		declaredLen: -1,
	}
}

// State reports the current stream state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// acceptRequest validates the decoded header block, builds the canonical
// request and starts the handler goroutine. A returned StreamError makes the
// connection reset this stream.
func (s *Stream) acceptRequest(fields []web.HeaderField, endStream bool) error {
	req, err := web.AssembleRequest(fields)
	if err != nil {
		return NewStreamErrorWithCause(s.id, ErrCodeProtocolError, "malformed request", err)
	}
	declared, err := web.DeclaredContentLength(req.Headers)
	if err != nil {
		return NewStreamErrorWithCause(s.id, ErrCodeProtocolError, "invalid content-length", err)
	}

	req.Protocol = web.ProtocolHTTP2
	req.RemoteAddr = s.conn.netConn.RemoteAddr().String()
	req.ConnectionID = s.conn.id
	req.StreamID = uint64(s.id)
	req.ContentLength = declared

	s.mu.Lock()
	s.declaredLen = declared
	if endStream {
		if declared > 0 {
			s.mu.Unlock()
			return NewStreamError(s.id, ErrCodeProtocolError,
				"END_STREAM on HEADERS but content-length declares a body")
		}
		s.state = StreamStateHalfClosedRemote
		s.body.closeWrite(nil)
		req.Body = web.NoBody
		req.ContentLength = 0
	} else {
		req.Body = &requestBody{s: s}
	}
	s.mu.Unlock()

	go s.run(req)
	return nil
}

// handleData buffers a DATA frame for the body reader. flowLen is the
// flow-controlled length including padding; the caller has already charged
// it against the connection window.
func (s *Stream) handleData(f *DataFrame, flowLen uint32) error {
	s.mu.Lock()
	if s.state != StreamStateOpen && s.state != StreamStateHalfClosedLocal {
		s.mu.Unlock()
		return NewStreamError(s.id, ErrCodeStreamClosed, "DATA after end of stream")
	}
	s.mu.Unlock()

	if err := s.fc.DataReceived(flowLen); err != nil {
		return err
	}

	s.mu.Lock()
	s.receivedBytes += int64(len(f.Data))
	if s.declaredLen >= 0 && s.receivedBytes > s.declaredLen {
		s.mu.Unlock()
		return NewStreamError(s.id, ErrCodeProtocolError, "request body exceeds declared content-length")
	}
	endStream := f.Header().Flags&FlagDataEndStream != 0
	if endStream {
		if s.declaredLen >= 0 && s.receivedBytes != s.declaredLen {
			s.mu.Unlock()
			return NewStreamError(s.id, ErrCodeProtocolError, "request body shorter than declared content-length")
		}
		if s.state == StreamStateOpen {
			s.state = StreamStateHalfClosedRemote
		} else {
			s.state = StreamStateClosed
		}
	}
	s.mu.Unlock()

	// Padding is never handed to the application; return its window credit
	// right away.
	if pad := flowLen - uint32(len(f.Data)); pad > 0 {
		s.creditReceiveWindow(pad)
	}

	if len(f.Data) > 0 {
		s.body.write(f.Data)
	}
	if endStream {
		s.body.closeWrite(nil)
	}
	return nil
}

// handleTrailers processes a trailing header block. Trailer fields are
// validated and then dropped; the canonical request does not carry trailers.
func (s *Stream) handleTrailers(fields []web.HeaderField, endStream bool) error {
	if !endStream {
		return NewStreamError(s.id, ErrCodeProtocolError, "trailer block without END_STREAM")
	}
	s.mu.Lock()
	if s.state != StreamStateOpen && s.state != StreamStateHalfClosedLocal {
		s.mu.Unlock()
		return NewStreamError(s.id, ErrCodeStreamClosed, "trailers after end of stream")
	}
	if s.declaredLen >= 0 && s.receivedBytes != s.declaredLen {
		s.mu.Unlock()
		return NewStreamError(s.id, ErrCodeProtocolError, "request body shorter than declared content-length")
	}
	if s.state == StreamStateOpen {
		s.state = StreamStateHalfClosedRemote
	} else {
		s.state = StreamStateClosed
	}
	s.mu.Unlock()

	for _, hf := range fields {
		if strings.HasPrefix(hf.Name, ":") {
			return NewStreamError(s.id, ErrCodeProtocolError, "pseudo-header in trailer block")
		}
	}
	s.body.closeWrite(nil)
	return nil
}

// run drives one request through the dispatcher and streams the response.
func (s *Stream) run(req *web.Request) {
	start := time.Now()
	resp, err := s.conn.dispatcher.Dispatch(s.ctx, req)
	if err != nil {
		s.finishWithError(req, err, start)
		return
	}

	status, bytesSent, err := s.writeResponse(req, resp)
	if err != nil {
		s.conn.log.Debug("http2: response streaming failed", logger.LogFields{
			"conn_id":   s.conn.id,
			"stream_id": s.id,
			"error":     err.Error(),
		})
		s.resetLocal(ErrCodeInternalError, "response body failed")
		return
	}

	s.conn.dispatcher.Observe(req, status, bytesSent, time.Since(start))
	s.finishClean()
}

func (s *Stream) finishWithError(req *web.Request, err error, start time.Time) {
	if errors.Is(err, web.ErrHandlerTimeout) {
		// Headers were not sent yet; a 503 is still possible.
		resp := web.ErrorResponse(503, "handler timed out", req.Headers)
		status, bytesSent, werr := s.writeResponse(req, resp)
		if werr == nil {
			s.conn.dispatcher.Observe(req, status, bytesSent, time.Since(start))
			s.finishClean()
			return
		}
	}
	s.resetLocal(ErrCodeCancel, "handler aborted")
}

// finishClean ends a stream whose response was fully written. A request body
// the client is still sending gets cut off with RST_STREAM(NO_ERROR)
// (RFC 9113, Section 8.1).
func (s *Stream) finishClean() {
	s.mu.Lock()
	bodyOpen := s.state == StreamStateOpen || s.state == StreamStateHalfClosedLocal
	s.mu.Unlock()
	if bodyOpen {
		_ = s.conn.writer.enqueue(s.conn.ctx, GenerateRSTStreamFrame(s.id, ErrCodeNoError, nil))
	}
	s.teardown(nil)
	s.conn.streamClosed(s.id)
}

// writeResponse emits the response headers and streams the body under flow
// control.
func (s *Stream) writeResponse(req *web.Request, resp *web.Response) (status int, bytesSent int64, err error) {
	status = resp.Status
	s.mu.Lock()
	gone := s.resetDone
	s.mu.Unlock()
	if gone {
		return status, 0, errors.New("stream already closed")
	}
	fields := responseFields(resp)

	suppressBody := req.Method == "HEAD" || status == 204 || status == 304 || (status >= 100 && status < 200)

	body := resp.BodyOrEmpty()
	defer body.Close()

	if suppressBody {
		if err := s.conn.writeHeaderBlock(s.id, fields, true); err != nil {
			return status, 0, err
		}
		s.markLocalClosed()
		return status, 0, nil
	}

	if err := s.conn.writeHeaderBlock(s.id, fields, false); err != nil {
		return status, 0, err
	}

	chunk := make([]byte, dataChunkSize(s.conn.maxFramePayload()))
	ended := false
	for {
		n, rerr := body.Read(chunk)
		if n > 0 {
			end := rerr == io.EOF
			// The granted window may be smaller than the chunk; send what
			// the peer allows and loop for the rest.
			for off := 0; off < n; {
				granted, aerr := s.acquireSendSpace(uint32(n - off))
				if aerr != nil {
					return status, bytesSent, aerr
				}
				last := end && off+int(granted) == n
				if werr := s.conn.writeData(s.id, chunk[off:off+int(granted)], last); werr != nil {
					return status, bytesSent, werr
				}
				off += int(granted)
				bytesSent += int64(granted)
			}
			ended = end
		}
		if rerr != nil {
			if rerr != io.EOF {
				return status, bytesSent, rerr
			}
			break
		}
	}
	if !ended {
		if err := s.conn.writeData(s.id, nil, true); err != nil {
			return status, bytesSent, err
		}
	}
	s.markLocalClosed()
	return status, bytesSent, nil
}

func (s *Stream) markLocalClosed() {
	s.mu.Lock()
	if s.state == StreamStateOpen {
		s.state = StreamStateHalfClosedLocal
	} else if s.state == StreamStateHalfClosedRemote {
		s.state = StreamStateClosed
	}
	s.mu.Unlock()
}

// acquireSendSpace blocks until at least one byte of both the stream and
// connection send windows is granted, returning the granted size (at most
// want). Exhaustion is counted per scope before blocking.
func (s *Stream) acquireSendSpace(want uint32) (uint32, error) {
	if s.fc.GetStreamSendAvailable() <= 0 {
		s.conn.metrics.WindowExhaustionsTotal.
			WithLabelValues(metrics.ProtoHTTP2, metrics.ScopeStream).Inc()
	}
	granted, err := s.fc.AcquireSendSpaceUpTo(want)
	if err != nil {
		return 0, err
	}
	if s.conn.connFC.GetConnectionSendAvailable() <= 0 {
		s.conn.metrics.WindowExhaustionsTotal.
			WithLabelValues(metrics.ProtoHTTP2, metrics.ScopeConnection).Inc()
	}
	connGranted, err := s.conn.connFC.AcquireSendSpaceUpTo(granted)
	if err != nil {
		return 0, err
	}
	if connGranted < granted {
		// Give back stream credit the connection window could not match.
		s.fc.ReleaseSendSpace(granted - connGranted)
	}
	return connGranted, nil
}

// creditReceiveWindow acknowledges consumed receive-window bytes on both
// levels, emitting WINDOW_UPDATE frames when the managers cross their
// thresholds.
func (s *Stream) creditReceiveWindow(n uint32) {
	if n == 0 {
		return
	}
	if increment, err := s.fc.ApplicationConsumedData(n); err == nil && increment > 0 {
		_ = s.conn.writer.enqueue(s.conn.ctx, &WindowUpdateFrame{
			FrameHeader:         FrameHeader{Type: FrameWindowUpdate, StreamID: s.id, Length: 4},
			WindowSizeIncrement: increment,
		})
	}
	s.conn.creditConnWindow(n)
}

// resetByPeer handles an incoming RST_STREAM: the handler's context is
// cancelled and the stream disappears without a response.
func (s *Stream) resetByPeer(code ErrorCode) {
	s.conn.log.Debug("http2: stream reset by peer", logger.LogFields{
		"conn_id":   s.conn.id,
		"stream_id": s.id,
		"code":      code.String(),
	})
	s.conn.dispatcher.ObserveReset(web.ProtocolHTTP2, true)
	s.teardown(NewStreamError(s.id, code, "stream reset by peer"))
	s.conn.streamClosed(s.id)
}

// resetLocal aborts the stream with an outgoing RST_STREAM.
func (s *Stream) resetLocal(code ErrorCode, msg string) {
	s.mu.Lock()
	already := s.resetDone
	s.mu.Unlock()
	if already {
		return
	}
	_ = s.conn.writer.enqueue(s.conn.ctx, GenerateRSTStreamFrame(s.id, code, nil))
	s.conn.dispatcher.ObserveReset(web.ProtocolHTTP2, false)
	s.teardown(NewStreamError(s.id, code, msg))
	s.conn.streamClosed(s.id)
}

// teardown releases everything the stream holds. Safe to call more than
// once.
func (s *Stream) teardown(err error) {
	s.mu.Lock()
	if s.resetDone {
		s.mu.Unlock()
		return
	}
	s.resetDone = true
	s.state = StreamStateClosed
	unconsumed := s.receivedBytes - s.consumedBytes
	s.mu.Unlock()

	s.cancel()
	if err == nil {
		err = errors.New("stream closed")
	}
	s.body.closeWrite(err)
	s.fc.Close(err)
	// Bytes the handler never read still occupy the connection window.
	if unconsumed > 0 {
		s.conn.creditConnWindow(uint32(unconsumed))
	}
}

// requestBody adapts the stream's body buffer into the request's
// io.ReadCloser, crediting receive windows as the handler consumes bytes.
type requestBody struct {
	s *Stream
}

func (rb *requestBody) Read(p []byte) (int, error) {
	n, err := rb.s.body.read(p)
	if n > 0 {
		rb.s.mu.Lock()
		rb.s.consumedBytes += int64(n)
		rb.s.mu.Unlock()
		rb.s.creditReceiveWindow(uint32(n))
	}
	return n, err
}

func (rb *requestBody) Close() error {
	// Unread bytes get their window credit back in teardown.
	rb.s.body.closeRead(errors.New("request body closed by handler"))
	return nil
}

// bodyBuffer is an in-memory pipe between the connection reader and the
// handler's body reads. Its size is naturally bounded by the stream receive
// window because credit only returns after a read.
type bodyBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	eof    bool
	err    error
	rclose error
}

func newBodyBuffer() *bodyBuffer {
	b := &bodyBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *bodyBuffer) write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.eof || b.rclose != nil {
		return
	}
	b.buf.Write(p)
	b.cond.Broadcast()
}

// closeWrite ends the writable side: a nil error means clean EOF.
func (b *bodyBuffer) closeWrite(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.eof {
		return
	}
	b.eof = true
	b.err = err
	b.cond.Broadcast()
}

func (b *bodyBuffer) closeRead(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rclose == nil {
		b.rclose = err
	}
	b.buf.Reset()
	b.cond.Broadcast()
}

func (b *bodyBuffer) read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.rclose != nil {
			return 0, b.rclose
		}
		if b.buf.Len() > 0 {
			return b.buf.Read(p)
		}
		if b.eof {
			if b.err != nil {
				return 0, b.err
			}
			return 0, io.EOF
		}
		b.cond.Wait()
	}
}

// responseFields flattens a Response into the h2 field section: :status
// first, then the ordered headers, with date and content-length filled in
// when absent.
func responseFields(resp *web.Response) []web.HeaderField {
	fields := make([]web.HeaderField, 0, len(resp.Headers)+3)
	fields = append(fields, web.HeaderField{Name: ":status", Value: fmt.Sprintf("%d", resp.Status)})
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
			// Connection-specific headers never appear in h2 field sections.
			continue
		}
		fields = append(fields, web.HeaderField{Name: name, Value: hf.Value})
	}
	if !hasDate {
		fields = append(fields, web.HeaderField{Name: "date", Value: time.Now().UTC().Format(imfFixdate)})
	}
	if !hasLength && resp.ContentLength >= 0 {
		fields = append(fields, web.HeaderField{Name: "content-length", Value: fmt.Sprintf("%d", resp.ContentLength)})
	}
	return fields
}

// imfFixdate is the IMF-fixdate layout used for Date headers.
const imfFixdate = "Mon, 02 Jan 2006 15:04:05 GMT"

func dataChunkSize(maxFramePayload uint32) uint32 {
	const most = 16 << 10
	if maxFramePayload > most {
		return most
	}
	return maxFramePayload
}

func webToHpackFields(fields []web.HeaderField) []hpack.HeaderField {
	out := make([]hpack.HeaderField, len(fields))
	for i, f := range fields {
		out[i] = hpack.HeaderField{Name: f.Name, Value: f.Value}
	}
	return out
}
