package http1

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrSloth/scuffle/internal/logger"
	"github.com/DrSloth/scuffle/internal/metrics"
	"github.com/DrSloth/scuffle/internal/web"
)

const testTimeout = 5 * time.Second

type connFixture struct {
	client net.Conn
	br     *bufio.Reader
	conn   *Connection
}

func newConnFixture(t *testing.T, handler web.Handler, cfg Config) *connFixture {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	require.NoError(t, clientEnd.SetDeadline(time.Now().Add(testTimeout)))

	disp := web.NewDispatcher(handler, 0, logger.NewDiscardLogger(), metrics.NewNop())
	conn := NewConnection(serverEnd, cfg, disp, logger.NewDiscardLogger(), metrics.NewNop(), "test-conn")
	go func() { _ = conn.Serve(context.Background()) }()

	t.Cleanup(func() {
		_ = clientEnd.Close()
		select {
		case <-conn.Done():
		case <-time.After(testTimeout):
			t.Error("connection did not shut down")
		}
	})
	return &connFixture{client: clientEnd, br: bufio.NewReader(clientEnd), conn: conn}
}

func (f *connFixture) send(t *testing.T, raw string) {
	t.Helper()
	_, err := io.WriteString(f.client, raw)
	require.NoError(t, err)
}

type clientResponse struct {
	status  int
	headers map[string]string
	body    string
}

// readResponse parses one response off the wire, decoding chunked or
// content-length framing.
func (f *connFixture) readResponse(t *testing.T) clientResponse {
	t.Helper()
	statusLine, err := f.br.ReadString('\n')
	require.NoError(t, err)
	parts := strings.SplitN(strings.TrimRight(statusLine, "\r\n"), " ", 3)
	require.GreaterOrEqual(t, len(parts), 2, "bad status line %q", statusLine)
	status, err := strconv.Atoi(parts[1])
	require.NoError(t, err)

	headers := make(map[string]string)
	for {
		line, err := f.br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		require.True(t, ok, "bad header line %q", line)
		headers[strings.ToLower(name)] = strings.TrimSpace(value)
	}

	resp := clientResponse{status: status, headers: headers}
	if te, ok := headers["transfer-encoding"]; ok && te == "chunked" {
		var body strings.Builder
		for {
			sizeLine, err := f.br.ReadString('\n')
			require.NoError(t, err)
			size, err := strconv.ParseUint(strings.TrimRight(sizeLine, "\r\n"), 16, 32)
			require.NoError(t, err)
			if size == 0 {
				_, err = f.br.ReadString('\n')
				require.NoError(t, err)
				break
			}
			chunk := make([]byte, size+2)
			_, err = io.ReadFull(f.br, chunk)
			require.NoError(t, err)
			body.Write(chunk[:size])
		}
		resp.body = body.String()
		return resp
	}
	if cl, ok := headers["content-length"]; ok {
		n, err := strconv.Atoi(cl)
		require.NoError(t, err)
		body := make([]byte, n)
		_, err = io.ReadFull(f.br, body)
		require.NoError(t, err)
		resp.body = string(body)
	}
	return resp
}

func pathHandler() web.Handler {
	return web.HandlerFunc(func(ctx context.Context, req *web.Request) (*web.Response, error) {
		return web.TextResponse(200, "path="+req.Path), nil
	})
}

func echoBodyHandler() web.Handler {
	return web.HandlerFunc(func(ctx context.Context, req *web.Request) (*web.Response, error) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		return web.BytesResponse(200, "application/octet-stream", body), nil
	})
}

func TestConnectionKeepAliveServesSequentialRequests(t *testing.T) {
	fx := newConnFixture(t, pathHandler(), Config{})

	fx.send(t, "GET /first HTTP/1.1\r\nHost: example.test\r\n\r\n")
	resp := fx.readResponse(t)
	assert.Equal(t, 200, resp.status)
	assert.Equal(t, "path=/first", resp.body)
	assert.NotContains(t, resp.headers, "connection")

	fx.send(t, "GET /second HTTP/1.1\r\nHost: example.test\r\n\r\n")
	resp = fx.readResponse(t)
	assert.Equal(t, 200, resp.status)
	assert.Equal(t, "path=/second", resp.body)
}

func TestConnectionPipelinedResponsesKeepRequestOrder(t *testing.T) {
	var once sync.Once
	secondStarted := make(chan struct{})
	handler := web.HandlerFunc(func(ctx context.Context, req *web.Request) (*web.Response, error) {
		switch req.Path {
		case "/one":
			// Finish only after the later request is already being handled,
			// proving ordering comes from the writer, not the handlers.
			select {
			case <-secondStarted:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case "/two":
			once.Do(func() { close(secondStarted) })
		}
		return web.TextResponse(200, req.Path), nil
	})
	fx := newConnFixture(t, handler, Config{})

	fx.send(t, "GET /one HTTP/1.1\r\nHost: a\r\n\r\nGET /two HTTP/1.1\r\nHost: a\r\n\r\n")

	first := fx.readResponse(t)
	second := fx.readResponse(t)
	assert.Equal(t, "/one", first.body)
	assert.Equal(t, "/two", second.body)
}

func TestConnectionReadsContentLengthBody(t *testing.T) {
	fx := newConnFixture(t, echoBodyHandler(), Config{})

	fx.send(t, "POST /echo HTTP/1.1\r\nHost: a\r\nContent-Length: 11\r\n\r\nhello world")
	resp := fx.readResponse(t)
	assert.Equal(t, 200, resp.status)
	assert.Equal(t, "hello world", resp.body)
}

func TestConnectionReadsChunkedBody(t *testing.T) {
	fx := newConnFixture(t, echoBodyHandler(), Config{})

	fx.send(t, "POST /echo HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"6\r\nhello \r\n5\r\nworld\r\n0\r\n\r\n")
	resp := fx.readResponse(t)
	assert.Equal(t, 200, resp.status)
	assert.Equal(t, "hello world", resp.body)
}

func TestConnectionWritesChunkedResponse(t *testing.T) {
	handler := web.HandlerFunc(func(ctx context.Context, req *web.Request) (*web.Response, error) {
		return web.StreamResponse(200, web.ReaderBody(strings.NewReader("streamed body")), -1), nil
	})
	fx := newConnFixture(t, handler, Config{})

	fx.send(t, "GET /stream HTTP/1.1\r\nHost: a\r\n\r\n")
	resp := fx.readResponse(t)
	assert.Equal(t, 200, resp.status)
	assert.Equal(t, "chunked", resp.headers["transfer-encoding"])
	assert.Equal(t, "streamed body", resp.body)
}

func TestConnectionHonorsExpectContinue(t *testing.T) {
	fx := newConnFixture(t, echoBodyHandler(), Config{})

	fx.send(t, "POST /echo HTTP/1.1\r\nHost: a\r\nContent-Length: 4\r\nExpect: 100-continue\r\n\r\n")
	interim := fx.readResponse(t)
	require.Equal(t, 100, interim.status)

	fx.send(t, "data")
	resp := fx.readResponse(t)
	assert.Equal(t, 200, resp.status)
	assert.Equal(t, "data", resp.body)
}

func TestConnectionRejectsOldProtocolVersion(t *testing.T) {
	fx := newConnFixture(t, pathHandler(), Config{})

	fx.send(t, "GET / HTTP/1.0\r\nHost: a\r\n\r\n")
	resp := fx.readResponse(t)
	assert.Equal(t, 505, resp.status)
	assert.Equal(t, "close", resp.headers["connection"])

	_, err := fx.br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestConnectionRejectsSmugglingHeaders(t *testing.T) {
	fx := newConnFixture(t, pathHandler(), Config{})

	fx.send(t, "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 4\r\nTransfer-Encoding: chunked\r\n\r\n")
	_, err := fx.br.ReadByte()
	assert.ErrorIs(t, err, io.EOF, "smuggling-shaped head must close without a response")
}

func TestConnectionRequiresHostHeader(t *testing.T) {
	fx := newConnFixture(t, pathHandler(), Config{})

	fx.send(t, "GET / HTTP/1.1\r\n\r\n")
	_, err := fx.br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestConnectionClosesSilentlyOnMalformedRequestLine(t *testing.T) {
	fx := newConnFixture(t, pathHandler(), Config{})

	fx.send(t, "GARBAGE\r\n\r\n")
	_, err := fx.br.ReadByte()
	assert.ErrorIs(t, err, io.EOF, "no status line may be written for a malformed request line")
}

func TestConnectionAnswersOversizedHeaderBlock(t *testing.T) {
	fx := newConnFixture(t, pathHandler(), Config{MaxHeaderBytes: 128})

	fx.send(t, "GET / HTTP/1.1\r\nHost: a\r\nx-filler: "+strings.Repeat("v", 256)+"\r\n\r\n")
	resp := fx.readResponse(t)
	assert.Equal(t, 431, resp.status)
	assert.Equal(t, "close", resp.headers["connection"])
}

func TestConnectionSuppressesHeadBody(t *testing.T) {
	fx := newConnFixture(t, pathHandler(), Config{})

	fx.send(t, "HEAD /x HTTP/1.1\r\nHost: a\r\n\r\n")

	statusLine, err := fx.br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, statusLine, "200")
	var contentLength string
	for {
		line, err := fx.br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok && strings.EqualFold(name, "content-length") {
			contentLength = strings.TrimSpace(value)
		}
	}
	// The declared length survives; the body itself does not. A fresh
	// request on the same connection must parse cleanly right after.
	assert.Equal(t, strconv.Itoa(len("path=/x")), contentLength)

	fx.send(t, "GET /after HTTP/1.1\r\nHost: a\r\n\r\n")
	resp := fx.readResponse(t)
	assert.Equal(t, "path=/after", resp.body)
}

func TestConnectionClosesWhenAsked(t *testing.T) {
	fx := newConnFixture(t, pathHandler(), Config{})

	fx.send(t, "GET / HTTP/1.1\r\nHost: a\r\nConnection: close\r\n\r\n")
	resp := fx.readResponse(t)
	assert.Equal(t, 200, resp.status)
	assert.Equal(t, "close", resp.headers["connection"])

	_, err := fx.br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestConnectionShutdownFinishesInFlightRequest(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	handler := web.HandlerFunc(func(ctx context.Context, req *web.Request) (*web.Response, error) {
		close(started)
		select {
		case <-release:
			return web.TextResponse(200, "drained"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	fx := newConnFixture(t, handler, Config{})

	fx.send(t, "GET /slow HTTP/1.1\r\nHost: a\r\n\r\n")
	<-started

	shutdownDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		shutdownDone <- fx.conn.Shutdown(ctx)
	}()

	close(release)
	resp := fx.readResponse(t)
	assert.Equal(t, 200, resp.status)
	assert.Equal(t, "drained", resp.body)
	assert.Equal(t, "close", resp.headers["connection"])
	require.NoError(t, <-shutdownDone)
}

func TestParseRequestHeadRejectsBadFraming(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		status int
	}{
		{"negative content-length", "GET / HTTP/1.1\r\nHost: a\r\nContent-Length: -5\r\n\r\n", 400},
		{"non-numeric content-length", "GET / HTTP/1.1\r\nHost: a\r\nContent-Length: abc\r\n\r\n", 400},
		{"space before colon", "GET / HTTP/1.1\r\nHost : a\r\n\r\n", 400},
		{"unknown transfer coding", "GET / HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: gzip\r\n\r\n", 501},
		{"duplicate host", "GET / HTTP/1.1\r\nHost: a\r\nHost: b\r\n\r\n", 400},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseRequestHead(bufio.NewReader(strings.NewReader(tc.raw)), 64<<10)
			var pe *parseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.status, pe.status)
		})
	}
}

func TestParseRequestHeadAcceptsChunkedWithExtensions(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n"
	head, err := parseRequestHead(bufio.NewReader(strings.NewReader(raw)), 64<<10)
	require.NoError(t, err)
	require.True(t, head.chunked)

	body, err := readBody(bufio.NewReader(strings.NewReader("3;ext=1\r\nabc\r\n0\r\n\r\n")), head, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(body))
}

func TestReadBodyEnforcesLimit(t *testing.T) {
	raw := fmt.Sprintf("POST / HTTP/1.1\r\nHost: a\r\nContent-Length: %d\r\n\r\n", 100)
	head, err := parseRequestHead(bufio.NewReader(strings.NewReader(raw)), 64<<10)
	require.NoError(t, err)

	_, err = readBody(bufio.NewReader(strings.NewReader(strings.Repeat("x", 100))), head, 10)
	var pe *parseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 413, pe.status)
}
