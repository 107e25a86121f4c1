package web

import (
	"io"
	"strconv"
)

// Response is the canonical response a handler returns. The Body producer is
// drained by the protocol adapter's streamer in window-sized chunks.
type Response struct {
	Status  int
	Headers Headers

	// Body may be nil for an empty body. It is read exactly once.
	Body io.ReadCloser
	// ContentLength is the body length when known in advance, or -1. A -1
	// length makes HTTP/1.1 use chunked transfer-coding; HTTP/2 and HTTP/3
	// simply end the stream after the last chunk.
	ContentLength int64
}

// NewResponse returns an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{Status: status, Body: NoBody, ContentLength: 0}
}

// TextResponse returns a text/plain response with a buffered body.
func TextResponse(status int, body string) *Response {
	return BytesResponse(status, "text/plain; charset=utf-8", []byte(body))
}

// BytesResponse returns a response with a fully buffered body and known
// length.
func BytesResponse(status int, contentType string, body []byte) *Response {
	resp := &Response{
		Status:        status,
		Body:          BytesBody(body),
		ContentLength: int64(len(body)),
	}
	if contentType != "" {
		resp.Headers.Add("content-type", contentType)
	}
	resp.Headers.Add("content-length", strconv.FormatInt(int64(len(body)), 10))
	return resp
}

// StreamResponse returns a response whose body is produced incrementally.
// Pass contentLength -1 when the total size is unknown.
func StreamResponse(status int, body io.ReadCloser, contentLength int64) *Response {
	if body == nil {
		body = NoBody
	}
	return &Response{Status: status, Body: body, ContentLength: contentLength}
}

// BodyOrEmpty returns the response body, substituting NoBody for nil.
func (r *Response) BodyOrEmpty() io.ReadCloser {
	if r.Body == nil {
		return NoBody
	}
	return r.Body
}
