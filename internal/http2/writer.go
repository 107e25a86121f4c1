package http2

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
)

// errWriterClosed reports a write attempted after the connection's writer
// shut down.
var errWriterClosed = errors.New("http2: connection writer closed")

// frameWriter is the single goroutine that owns the outgoing half of a
// connection. All frames funnel through enqueue; a batch is written
// contiguously, which keeps HEADERS and their CONTINUATION frames adjacent
// on the wire.
type frameWriter struct {
	bw      *bufio.Writer
	onError context.CancelFunc

	ch chan []Frame

	mu      sync.Mutex // guards closed, err and direct writes
	closed  bool
	started bool
	err     error

	done chan struct{}
}

func newFrameWriter(w io.Writer, onError context.CancelFunc) *frameWriter {
	return &frameWriter{
		bw:      bufio.NewWriterSize(w, 32<<10),
		onError: onError,
		ch:      make(chan []Frame, 64),
		done:    make(chan struct{}),
	}
}

// start launches the run loop. It must be called at most once, before close.
func (fw *frameWriter) start() {
	fw.mu.Lock()
	fw.started = true
	fw.mu.Unlock()
	go fw.run()
}

func (fw *frameWriter) run() {
	defer close(fw.done)
	for batch := range fw.ch {
		if err := fw.writeBatch(batch); err != nil {
			fw.fail(err)
			// Keep draining so enqueuers are not blocked forever.
			for range fw.ch {
			}
			return
		}
	}
}

func (fw *frameWriter) writeBatch(batch []Frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.err != nil {
		return fw.err
	}
	for _, f := range batch {
		if err := WriteFrame(fw.bw, f); err != nil {
			return err
		}
	}
	return fw.bw.Flush()
}

// enqueue queues frames as one contiguous batch. It blocks when the queue is
// full, which backpressures frame producers onto the peer's read rate.
func (fw *frameWriter) enqueue(ctx context.Context, frames ...Frame) error {
	fw.mu.Lock()
	if fw.closed || fw.err != nil {
		err := fw.err
		fw.mu.Unlock()
		if err == nil {
			err = errWriterClosed
		}
		return err
	}
	fw.mu.Unlock()

	select {
	case fw.ch <- frames:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-fw.done:
		return errWriterClosed
	}
}

// enqueueAndFlush writes one frame directly, bypassing the queue. It exists
// for the final GOAWAY during teardown, when the run loop may already be
// gone.
func (fw *frameWriter) enqueueAndFlush(f Frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.err != nil {
		return fw.err
	}
	if err := WriteFrame(fw.bw, f); err != nil {
		fw.err = err
		return err
	}
	return fw.bw.Flush()
}

func (fw *frameWriter) fail(err error) {
	fw.mu.Lock()
	if fw.err == nil {
		fw.err = err
	}
	fw.mu.Unlock()
	fw.onError()
}

// close stops accepting frames and waits for queued ones to hit the wire.
func (fw *frameWriter) close() {
	fw.mu.Lock()
	if fw.closed {
		started := fw.started
		fw.mu.Unlock()
		if started {
			<-fw.done
		}
		return
	}
	fw.closed = true
	started := fw.started
	fw.mu.Unlock()
	close(fw.ch)
	if started {
		<-fw.done
	}
}
