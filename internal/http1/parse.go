// Package http1 implements the HTTP/1.1 protocol adapter: a hand-written
// request parser, pipelined request handling with strictly ordered
// responses, and chunked or content-length response framing.
package http1

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/DrSloth/scuffle/internal/web"
)

// parseError describes a request that could not be parsed. Policy failures
// (oversized head or body, unsupported version, coding or expectation) are
// answered with status before the connection closes; malformed syntax closes
// the connection without a response.
type parseError struct {
	status    int
	reason    string
	malformed bool
}

func (e *parseError) Error() string { return e.reason }

func badRequest(format string, args ...interface{}) *parseError {
	return &parseError{status: 400, reason: fmt.Sprintf(format, args...), malformed: true}
}

// requestHead is a parsed request line plus header block, before body
// framing is resolved.
type requestHead struct {
	method  string
	target  string
	proto   string
	headers web.Headers

	contentLength int64 // -1 when absent
	chunked       bool
	expects100    bool
	wantsClose    bool
}

const (
	maxRequestLineBytes = 8 << 10
	crlf                = "\r\n"
)

var errLineTooLong = badRequest("request line exceeds %d bytes", maxRequestLineBytes)

// readLine reads one CRLF-terminated line, enforcing the per-line limit.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		if len(line) >= maxRequestLineBytes {
			return "", errLineTooLong
		}
		return "", err
	}
	if len(line) > maxRequestLineBytes {
		return "", errLineTooLong
	}
	if !strings.HasSuffix(line, crlf) {
		return "", badRequest("header line not terminated by CRLF")
	}
	return line[:len(line)-2], nil
}

// parseRequestHead reads and validates the request line and header fields.
// maxHeaderBytes bounds the total size of the head.
func parseRequestHead(br *bufio.Reader, maxHeaderBytes int) (*requestHead, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, err
	}
	total := len(line)

	method, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, badRequest("malformed request line")
	}
	target, proto, ok := strings.Cut(rest, " ")
	if !ok || method == "" || target == "" {
		return nil, badRequest("malformed request line")
	}
	if !validToken(method) {
		return nil, badRequest("invalid method token")
	}
	if !strings.HasPrefix(proto, "HTTP/") {
		return nil, badRequest("malformed protocol version")
	}
	if proto != "HTTP/1.1" {
		return nil, &parseError{status: 505, reason: fmt.Sprintf("unsupported protocol version %q", proto)}
	}

	head := &requestHead{
		method:        method,
		target:        target,
		proto:         proto,
		contentLength: -1,
	}

	for {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		total += len(line)
		if total > maxHeaderBytes {
			return nil, &parseError{status: 431, reason: "request header block too large"}
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" {
			return nil, badRequest("malformed header field")
		}
		// Whitespace between the name and colon smuggles fields past
		// intermediaries (RFC 9112, Section 5.1).
		if strings.TrimRight(name, " \t") != name {
			return nil, badRequest("whitespace before header colon")
		}
		if !validToken(name) {
			return nil, badRequest("invalid header field name %q", name)
		}
		head.headers.Add(web.LowerName(name), strings.Trim(value, " \t"))
	}

	if err := resolveFraming(head); err != nil {
		return nil, err
	}
	return head, nil
}

// resolveFraming decides how the request body is delimited and validates
// the framing headers (RFC 9112, Section 6).
func resolveFraming(head *requestHead) error {
	hostValues := head.headers.Values("host")
	if len(hostValues) != 1 {
		return badRequest("exactly one Host header is required")
	}

	te := head.headers.Values("transfer-encoding")
	cl := head.headers.Values("content-length")
	if len(te) > 0 && len(cl) > 0 {
		// Classic request-smuggling vector; reject outright.
		return badRequest("both Transfer-Encoding and Content-Length present")
	}
	if len(te) > 0 {
		if len(te) != 1 || !strings.EqualFold(strings.TrimSpace(te[0]), "chunked") {
			return &parseError{status: 501, reason: "unsupported transfer coding"}
		}
		head.chunked = true
	}
	if len(cl) > 0 {
		first := strings.TrimSpace(cl[0])
		for _, v := range cl[1:] {
			if strings.TrimSpace(v) != first {
				return badRequest("conflicting Content-Length values")
			}
		}
		n, err := strconv.ParseInt(first, 10, 64)
		if err != nil || n < 0 || hasSign(first) {
			return badRequest("invalid Content-Length %q", first)
		}
		head.contentLength = n
	}

	for _, v := range head.headers.Values("connection") {
		for _, opt := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(opt), "close") {
				head.wantsClose = true
			}
		}
	}
	for _, v := range head.headers.Values("expect") {
		if strings.EqualFold(strings.TrimSpace(v), "100-continue") {
			head.expects100 = true
		} else if strings.TrimSpace(v) != "" {
			return &parseError{status: 417, reason: "unsupported expectation"}
		}
	}
	return nil
}

func hasSign(s string) bool {
	return strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-")
}

// readBody fully buffers the request body. limit bounds the accepted size;
// exceeding it yields a 413.
func readBody(br *bufio.Reader, head *requestHead, limit int64) ([]byte, error) {
	switch {
	case head.chunked:
		return readChunkedBody(br, limit)
	case head.contentLength > 0:
		if head.contentLength > limit {
			return nil, &parseError{status: 413, reason: "declared request body exceeds the limit"}
		}
		body := make([]byte, head.contentLength)
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, err
		}
		return body, nil
	default:
		return nil, nil
	}
}

// readChunkedBody decodes a chunked transfer coding (RFC 9112, Section 7.1).
// Trailer fields are consumed and discarded.
func readChunkedBody(br *bufio.Reader, limit int64) ([]byte, error) {
	var body []byte
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		// Chunk extensions are tolerated and ignored.
		sizeStr, _, _ := strings.Cut(line, ";")
		size, err := strconv.ParseUint(strings.TrimSpace(sizeStr), 16, 63)
		if err != nil {
			return nil, badRequest("invalid chunk size %q", sizeStr)
		}
		if size == 0 {
			break
		}
		if int64(len(body))+int64(size) > limit {
			return nil, &parseError{status: 413, reason: "chunked request body exceeds the limit"}
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(br, chunk); err != nil {
			return nil, err
		}
		body = append(body, chunk...)
		if err := expectCRLF(br); err != nil {
			return nil, err
		}
	}
	// Trailer section: zero or more header lines up to the terminating
	// empty line.
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return body, nil
		}
	}
}

func expectCRLF(br *bufio.Reader) error {
	var buf [2]byte
	if _, err := io.ReadFull(br, buf[:]); err != nil {
		return err
	}
	if buf[0] != '\r' || buf[1] != '\n' {
		return badRequest("chunk data not terminated by CRLF")
	}
	return nil
}

// validToken reports whether s is a valid RFC 9110 token.
func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}
	return true
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}
