package http1

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DrSloth/scuffle/internal/logger"
	"github.com/DrSloth/scuffle/internal/metrics"
	"github.com/DrSloth/scuffle/internal/web"
)

// Config carries the HTTP/1.1 adapter limits. Zero values fall back to the
// defaults below.
type Config struct {
	// PipelineDepth is the number of pipelined requests that may be in
	// flight before the reader stops accepting more.
	PipelineDepth int
	// MaxRequestBodyBytes bounds the fully buffered request body.
	MaxRequestBodyBytes int64
	// MaxHeaderBytes bounds the request line plus header block.
	MaxHeaderBytes int
	IdleTimeout    time.Duration
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.PipelineDepth <= 0 {
		cfg.PipelineDepth = 8
	}
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = 10 << 20
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = 64 << 10
	}
	return cfg
}

// job is one pipeline slot: the writer waits on resp and emits the result
// in arrival order.
type job struct {
	req        *web.Request
	resp       chan *web.Response
	start      time.Time
	closeAfter bool
}

// Connection serves HTTP/1.1 on one accepted connection. Pipelined requests
// are each fully buffered, dispatched on their own goroutine, and answered
// strictly in arrival order by a single writer.
type Connection struct {
	id         string
	netConn    net.Conn
	br         *bufio.Reader
	bw         *bufio.Writer
	cfg        Config
	dispatcher *web.Dispatcher
	log        *logger.Logger
	metrics    *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	jobs    chan *job
	pending atomic.Int32
	reqSeq  uint64

	draining atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection wraps an accepted cleartext or ALPN "http/1.1" connection.
func NewConnection(nc net.Conn, cfg Config, d *web.Dispatcher, lg *logger.Logger, m *metrics.Metrics, connID string) *Connection {
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cfg = cfg.withDefaults()
	return &Connection{
		id:         connID,
		netConn:    nc,
		br:         bufio.NewReaderSize(nc, 16<<10),
		bw:         bufio.NewWriterSize(nc, 16<<10),
		cfg:        cfg,
		dispatcher: d,
		log:        lg,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		jobs:       make(chan *job, cfg.PipelineDepth),
		done:       make(chan struct{}),
	}
}

// Serve runs the connection until the peer closes, a parse error occurs, or
// ctx is cancelled. It always closes the underlying net.Conn.
func (c *Connection) Serve(ctx context.Context) error {
	defer close(c.done)
	defer c.closeConn()

	go func() {
		select {
		case <-ctx.Done():
			c.cancel()
		case <-c.ctx.Done():
		}
		_ = c.netConn.SetReadDeadline(time.Now())
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	err := c.readLoop()
	close(c.jobs)
	<-writerDone
	return err
}

// Done is closed once Serve has returned.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Shutdown stops reading new requests; responses already in the pipeline
// are still written, the last one carrying Connection: close. When ctx
// expires first the connection is closed immediately.
func (c *Connection) Shutdown(ctx context.Context) error {
	c.draining.Store(true)
	_ = c.netConn.SetReadDeadline(time.Now())
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		c.cancel()
		<-c.done
		return ctx.Err()
	}
}

func (c *Connection) closeConn() {
	c.closeOnce.Do(func() {
		_ = c.netConn.Close()
		c.cancel()
	})
}

func (c *Connection) readLoop() error {
	for {
		if c.draining.Load() || c.ctx.Err() != nil {
			return nil
		}
		if d := c.cfg.IdleTimeout; d > 0 && c.pending.Load() == 0 {
			_ = c.netConn.SetReadDeadline(time.Now().Add(d))
		}

		head, err := parseRequestHead(c.br, c.cfg.MaxHeaderBytes)
		if err != nil {
			return c.finishRead(err)
		}
		_ = c.netConn.SetReadDeadline(time.Time{})
		if c.ctx.Err() != nil {
			return nil
		}

		// An interim 100 Continue may only be written when no earlier
		// response is still pending, otherwise it would jump the queue.
		if head.expects100 && c.pending.Load() == 0 {
			if err := c.writeContinue(); err != nil {
				return err
			}
		}

		body, err := readBody(c.br, head, c.cfg.MaxRequestBodyBytes)
		if err != nil {
			return c.finishRead(err)
		}

		req, perr := c.assembleRequest(head, body)
		if perr != nil {
			return c.finishRead(perr)
		}

		j := &job{
			req:        req,
			resp:       make(chan *web.Response, 1),
			start:      time.Now(),
			closeAfter: head.wantsClose,
		}
		c.pending.Add(1)
		go c.dispatch(j)

		select {
		case c.jobs <- j:
		case <-c.ctx.Done():
			return nil
		}
		if head.wantsClose {
			return nil
		}
	}
}

// finishRead converts a read-side failure into a final pipelined response
// when one is still possible.
func (c *Connection) finishRead(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		// Idle timeout or shutdown wake-up between requests.
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	var pe *parseError
	if errors.As(err, &pe) {
		c.log.Debug("http1: rejecting malformed request", logger.LogFields{
			"conn_id": c.id,
			"status":  pe.status,
			"reason":  pe.reason,
		})
		if pe.malformed {
			// Broken request-line or header syntax: close without a
			// response rather than guess at what the peer meant.
			return nil
		}
		j := &job{
			resp:       make(chan *web.Response, 1),
			start:      time.Now(),
			closeAfter: true,
		}
		j.resp <- web.ErrorResponse(pe.status, pe.reason, nil)
		c.pending.Add(1)
		select {
		case c.jobs <- j:
		case <-c.ctx.Done():
		}
		return nil
	}
	return err
}

func (c *Connection) assembleRequest(head *requestHead, body []byte) (*web.Request, *parseError) {
	if head.target != "*" && !strings.HasPrefix(head.target, "/") {
		// Absolute-form targets are a proxy concern; an origin server only
		// accepts origin-form and the OPTIONS asterisk.
		return nil, badRequest("unsupported request target %q", head.target)
	}
	if head.method == "CONNECT" {
		return nil, &parseError{status: 501, reason: "CONNECT is not supported"}
	}

	c.reqSeq++
	req := &web.Request{
		Method:        head.method,
		Scheme:        "https",
		Authority:     head.headers.Get("host"),
		Path:          head.target,
		Protocol:      web.ProtocolHTTP1,
		Headers:       head.headers,
		Body:          web.BytesBody(body),
		ContentLength: int64(len(body)),
		RemoteAddr:    c.netConn.RemoteAddr().String(),
		ConnectionID:  c.id,
		StreamID:      c.reqSeq,
	}
	if head.contentLength < 0 && !head.chunked {
		req.ContentLength = 0
	}
	return req, nil
}

func (c *Connection) dispatch(j *job) {
	resp, err := c.dispatcher.Dispatch(c.ctx, j.req)
	if err != nil {
		if errors.Is(err, web.ErrHandlerTimeout) {
			resp = web.ErrorResponse(503, "handler timed out", j.req.Headers)
		} else {
			// The connection is going away; give the writer something to
			// finish the slot with.
			resp = web.ErrorResponse(500, "", j.req.Headers)
		}
	}
	j.resp <- resp
}

// writeLoop emits responses in pipeline order.
func (c *Connection) writeLoop() {
	for j := range c.jobs {
		var resp *web.Response
		select {
		case resp = <-j.resp:
		case <-c.ctx.Done():
			return
		}

		last := j.closeAfter || c.lastInPipeline()
		err := c.writeResponse(j, resp, last)
		c.pending.Add(-1)
		if err != nil {
			c.log.Debug("http1: write failed", logger.LogFields{"conn_id": c.id, "error": err.Error()})
			c.cancel()
			return
		}
		if last {
			c.cancel()
			return
		}
	}
}

// lastInPipeline reports whether the connection is draining with no further
// requests to read, making the next response the final one.
func (c *Connection) lastInPipeline() bool {
	return c.draining.Load() && c.pending.Load() == 1
}

func (c *Connection) writeContinue() error {
	if _, err := io.WriteString(c.bw, "HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
		return err
	}
	return c.bw.Flush()
}

// writeResponse serializes one response. final marks the last response on
// the connection and adds Connection: close.
func (c *Connection) writeResponse(j *job, resp *web.Response, final bool) error {
	body := resp.BodyOrEmpty()
	defer body.Close()

	suppressBody := resp.Status == 204 || resp.Status == 304 ||
		(j.req != nil && j.req.Method == "HEAD")

	chunked := resp.ContentLength < 0 && !suppressBody && bodyAllowed(resp.Status)

	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP/1.1 %d %s\r\n", resp.Status, statusText(resp.Status))

	hasDate := false
	hasLength := false
	for _, hf := range resp.Headers {
		name := web.LowerName(hf.Name)
		switch name {
		case "date":
			hasDate = true
		case "content-length":
			hasLength = true
			if chunked {
				continue
			}
		case "connection", "keep-alive", "transfer-encoding":
			// The adapter owns connection management and framing headers.
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\r\n", name, hf.Value)
	}
	if !hasDate {
		fmt.Fprintf(&sb, "date: %s\r\n", time.Now().UTC().Format(imfFixdate))
	}
	if chunked {
		sb.WriteString("transfer-encoding: chunked\r\n")
	} else if !hasLength && resp.ContentLength >= 0 && bodyAllowed(resp.Status) {
		fmt.Fprintf(&sb, "content-length: %d\r\n", resp.ContentLength)
	}
	if final {
		sb.WriteString("connection: close\r\n")
	}
	sb.WriteString(crlf)

	if _, err := io.WriteString(c.bw, sb.String()); err != nil {
		return err
	}

	var bytesSent int64
	if !suppressBody && bodyAllowed(resp.Status) {
		var err error
		if chunked {
			bytesSent, err = c.writeChunkedBody(body)
		} else {
			bytesSent, err = io.Copy(c.bw, body)
		}
		if err != nil {
			return err
		}
	}
	if err := c.bw.Flush(); err != nil {
		return err
	}

	if j.req != nil {
		c.dispatcher.Observe(j.req, resp.Status, bytesSent, time.Since(j.start))
	}
	return nil
}

func (c *Connection) writeChunkedBody(body io.Reader) (int64, error) {
	var total int64
	buf := make([]byte, 16<<10)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := fmt.Fprintf(c.bw, "%x\r\n", n); err != nil {
				return total, err
			}
			if _, err := c.bw.Write(buf[:n]); err != nil {
				return total, err
			}
			if _, err := io.WriteString(c.bw, crlf); err != nil {
				return total, err
			}
			total += int64(n)
		}
		if rerr != nil {
			if rerr != io.EOF {
				// Mid-stream producer failure: the chunked coding lets us
				// abort without a terminal chunk so the client sees a
				// truncated body instead of a silently complete one.
				return total, rerr
			}
			break
		}
	}
	if _, err := io.WriteString(c.bw, "0\r\n\r\n"); err != nil {
		return total, err
	}
	return total, nil
}

func bodyAllowed(status int) bool {
	if status >= 100 && status < 200 {
		return false
	}
	return status != 204 && status != 304
}

// imfFixdate is the IMF-fixdate layout used for Date headers.
const imfFixdate = "Mon, 02 Jan 2006 15:04:05 GMT"

var statusTexts = map[int]string{
	200: "OK",
	201: "Created",
	204: "No Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	413: "Content Too Large",
	417: "Expectation Failed",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	503: "Service Unavailable",
	505: "HTTP Version Not Supported",
}

func statusText(status int) string {
	if text, ok := statusTexts[status]; ok {
		return text
	}
	return "Status " + strconv.Itoa(status)
}
