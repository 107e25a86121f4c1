package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/DrSloth/scuffle/internal/logger"
	"github.com/DrSloth/scuffle/internal/metrics"
)

// Handler is the external handler contract: a request in, a response out.
// The response body may be produced incrementally; long-running work must
// watch ctx and abort when it is cancelled.
type Handler interface {
	ServeRequest(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// ServeRequest calls f.
func (f HandlerFunc) ServeRequest(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// ErrHandlerTimeout is returned by Dispatch when the handler did not produce
// a response within the configured per-request timeout. The caller resets the
// stream and discards any late response.
var ErrHandlerTimeout = errors.New("handler did not respond within the request timeout")

// Dispatcher invokes the application handler for validated requests and
// records the outcome in metrics and the access log. One Dispatcher is shared
// by every connection of a server.
type Dispatcher struct {
	handler Handler
	timeout time.Duration
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a Dispatcher. timeout 0 disables the per-request
// deadline. A nil handler serves 404 for every request.
func NewDispatcher(handler Handler, timeout time.Duration, lg *logger.Logger, m *metrics.Metrics) *Dispatcher {
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Dispatcher{handler: handler, timeout: timeout, log: lg, metrics: m}
}

// Timeout returns the configured per-request timeout.
func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

type dispatchResult struct {
	resp *Response
	err  error
}

// Dispatch runs the handler for req. It returns a non-nil response, or an
// error when the request was cancelled or timed out before the handler
// produced one. Handler errors and panics are converted to 500 responses and
// never escalate to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	if d.handler == nil {
		return ErrorResponse(http.StatusNotFound, "", req.Headers), nil
	}

	handlerCtx := ctx
	var cancel context.CancelFunc
	if d.timeout > 0 {
		handlerCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	resultCh := make(chan dispatchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("handler panicked", logger.LogFields{
					"panic":     fmt.Sprint(r),
					"method":    req.Method,
					"path":      req.Path,
					"stream_id": req.StreamID,
					"stack":     string(debug.Stack()),
				})
				resultCh <- dispatchResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		resp, err := d.handler.ServeRequest(handlerCtx, req)
		resultCh <- dispatchResult{resp: resp, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			d.log.Error("handler returned an error", logger.LogFields{
				"error":     res.err.Error(),
				"method":    req.Method,
				"path":      req.Path,
				"stream_id": req.StreamID,
			})
			return ErrorResponse(http.StatusInternalServerError, "", req.Headers), nil
		}
		if res.resp == nil {
			return ErrorResponse(http.StatusInternalServerError, "", req.Headers), nil
		}
		return res.resp, nil
	case <-handlerCtx.Done():
		// The handler goroutine drains into the buffered channel; its late
		// result is discarded.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrHandlerTimeout
	}
}

// Observe records a completed exchange: request count, duration histogram
// and one access log record. bytesSent counts response body bytes that
// reached the wire.
func (d *Dispatcher) Observe(req *Request, status int, bytesSent int64, duration time.Duration) {
	proto := protoLabel(req.Protocol)
	d.metrics.RequestsTotal.WithLabelValues(proto, metrics.StatusClass(status)).Inc()
	d.metrics.RequestDurationSeconds.WithLabelValues(proto).Observe(duration.Seconds())

	d.log.Access(&logger.AccessEntry{
		RemoteAddr:   req.RemoteAddr,
		ForwardedFor: req.Headers.Get("x-forwarded-for"),
		Protocol:     req.Protocol,
		Method:       req.Method,
		Target:       req.Path,
		Status:       status,
		BytesSent:    bytesSent,
		Duration:     duration,
		ConnectionID: req.ConnectionID,
		StreamID:     req.StreamID,
		UserAgent:    req.Headers.Get("user-agent"),
		Referer:      req.Headers.Get("referer"),
	})
}

// ObserveReset records a stream that was aborted before a response completed.
func (d *Dispatcher) ObserveReset(protocol string, byPeer bool) {
	initiator := metrics.ResetByLocal
	if byPeer {
		initiator = metrics.ResetByPeer
	}
	d.metrics.StreamResetsTotal.WithLabelValues(protoLabel(protocol), initiator).Inc()
}

func protoLabel(protocol string) string {
	switch protocol {
	case ProtocolHTTP2:
		return metrics.ProtoHTTP2
	case ProtocolHTTP3:
		return metrics.ProtoHTTP3
	default:
		return metrics.ProtoHTTP1
	}
}
