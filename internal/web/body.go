package web

import (
	"bytes"
	"io"
)

// Bodies are finite, non-restartable chunk sequences exposed as
// io.ReadCloser: io.EOF is the explicit end marker, any other error is the
// explicit failure terminal. A body is read at most once.

// NoBody is an empty body with a no-op Close.
var NoBody io.ReadCloser = noBody{}

type noBody struct{}

func (noBody) Read([]byte) (int, error) { return 0, io.EOF }
func (noBody) Close() error             { return nil }

// BytesBody returns a body that yields b and then io.EOF.
func BytesBody(b []byte) io.ReadCloser {
	return &bytesBody{r: bytes.NewReader(b)}
}

type bytesBody struct {
	r *bytes.Reader
}

func (b *bytesBody) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *bytesBody) Close() error               { return nil }

// ReaderBody adapts an arbitrary reader into a body. If r already implements
// io.Closer its Close is kept, otherwise Close is a no-op.
func ReaderBody(r io.Reader) io.ReadCloser {
	if rc, ok := r.(io.ReadCloser); ok {
		return rc
	}
	return readCloser{r}
}

type readCloser struct {
	io.Reader
}

func (readCloser) Close() error { return nil }

// ErrBody returns a body whose first Read fails with err. It lets tests and
// handlers model a producer that dies before yielding any chunk.
func ErrBody(err error) io.ReadCloser {
	return &errBody{err: err}
}

type errBody struct {
	err error
}

func (b *errBody) Read([]byte) (int, error) { return 0, b.err }
func (b *errBody) Close() error             { return nil }
