package web

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrSloth/scuffle/internal/logger"
	"github.com/DrSloth/scuffle/internal/metrics"
)

func newTestDispatcher(h Handler, timeout time.Duration) *Dispatcher {
	return NewDispatcher(h, timeout, logger.NewDiscardLogger(), metrics.NewNop())
}

func testRequest() *Request {
	return &Request{
		Method:   "GET",
		Scheme:   "https",
		Path:     "/",
		Protocol: ProtocolHTTP2,
		Body:     NoBody,
	}
}

func TestDispatchReturnsHandlerResponse(t *testing.T) {
	d := newTestDispatcher(HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return TextResponse(201, "made"), nil
	}), 0)

	resp, err := d.Dispatch(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 201, resp.Status)
}

func TestDispatchNilHandlerServes404(t *testing.T) {
	d := newTestDispatcher(nil, 0)
	resp, err := d.Dispatch(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 404, resp.Status)
}

func TestDispatchHandlerErrorBecomes500(t *testing.T) {
	d := newTestDispatcher(HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return nil, errors.New("backend exploded")
	}), 0)

	resp, err := d.Dispatch(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 500, resp.Status)
}

func TestDispatchNilResponseBecomes500(t *testing.T) {
	d := newTestDispatcher(HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return nil, nil
	}), 0)

	resp, err := d.Dispatch(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 500, resp.Status)
}

func TestDispatchRecoversPanic(t *testing.T) {
	d := newTestDispatcher(HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		panic("boom")
	}), 0)

	resp, err := d.Dispatch(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 500, resp.Status)
}

func TestDispatchTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	d := newTestDispatcher(HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		<-release
		return TextResponse(200, "late"), nil
	}), 10*time.Millisecond)

	_, err := d.Dispatch(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrHandlerTimeout)
}

func TestDispatchPropagatesCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	d := newTestDispatcher(HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		<-release
		return TextResponse(200, "late"), nil
	}), 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Dispatch(ctx, testRequest())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatchHandlerSeesDeadline(t *testing.T) {
	d := newTestDispatcher(HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		_, ok := ctx.Deadline()
		require.True(t, ok, "handler context is missing the request deadline")
		return TextResponse(200, "ok"), nil
	}), time.Minute)

	resp, err := d.Dispatch(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}
