package http2

import (
	"fmt"
	"sync"
)

// MaxWindowSize is the largest value a flow control window may reach
// (RFC 9113 section 6.9.1).
const MaxWindowSize = (1 << 31) - 1

// FlowControlWindow is the send window for one stream or for the connection.
// It tracks how much data this endpoint may still send; senders block in
// Acquire until the peer grants credit.
type FlowControlWindow struct {
	mu   sync.Mutex
	cond *sync.Cond

	available int64

	// Used by UpdateInitialWindowSize to compute rebasing deltas. For streams
	// this is the peer's SETTINGS_INITIAL_WINDOW_SIZE, for the connection
	// DefaultInitialWindowSize.
	initialWindowSize uint32

	closed bool
	err    error

	isConnection bool
	streamID     uint32
}

// NewFlowControlWindow creates a send window. For stream windows initialSize
// is the peer's SETTINGS_INITIAL_WINDOW_SIZE; the connection window always
// starts at DefaultInitialWindowSize with streamID 0.
func NewFlowControlWindow(initialSize uint32, isConn bool, streamID uint32) *FlowControlWindow {
	if initialSize > MaxWindowSize {
		initialSize = MaxWindowSize
	}
	fcw := &FlowControlWindow{
		available:         int64(initialSize),
		initialWindowSize: initialSize,
		isConnection:      isConn,
		streamID:          streamID,
	}
	fcw.cond = sync.NewCond(&fcw.mu)
	return fcw
}

// Available returns the current send window. It is negative after a
// SETTINGS_INITIAL_WINDOW_SIZE decrease rebased the window below zero.
func (fcw *FlowControlWindow) Available() int64 {
	fcw.mu.Lock()
	defer fcw.mu.Unlock()
	return fcw.available
}

// Acquire blocks until n bytes of send window are available and claims them.
// Blocked callers are released by Increase, UpdateInitialWindowSize or Close.
// n must be positive; zero-length DATA frames consume no window and must not
// reach this method.
func (fcw *FlowControlWindow) Acquire(n uint32) error {
	if n == 0 {
		return fmt.Errorf("cannot acquire zero bytes from flow control window")
	}

	fcw.mu.Lock()
	defer fcw.mu.Unlock()

	for {
		if fcw.err != nil {
			return fcw.err
		}
		if fcw.closed {
			return fmt.Errorf("flow control window (conn: %v, stream: %d) is closed", fcw.isConnection, fcw.streamID)
		}

		if fcw.available < 0 {
			// Window driven negative without a recorded cause.
			var e error
			msg := fmt.Sprintf("flow control: window is negative (%d) (conn: %v, stream: %d)", fcw.available, fcw.isConnection, fcw.streamID)
			if fcw.isConnection {
				e = NewConnectionError(ErrCodeFlowControlError, msg)
			} else {
				e = NewStreamError(fcw.streamID, ErrCodeFlowControlError, msg)
			}
			fcw.setErrorLocked(e) // Ensure fcw.err is set
			return fcw.err
		}

		if fcw.available >= int64(n) {
			fcw.available -= int64(n)
			return nil
		}

		// Not enough space, wait for WINDOW_UPDATE or settings change.
		fcw.cond.Wait()
	}
}

// AcquireUpTo acquires between 1 and 'n' bytes, blocking only until some
// window space exists. It lets a sender make partial progress when the peer
// grants credit in pieces smaller than the caller's chunk.
func (fcw *FlowControlWindow) AcquireUpTo(n uint32) (uint32, error) {
	if n == 0 {
		return 0, fmt.Errorf("cannot acquire zero bytes from flow control window")
	}

	fcw.mu.Lock()
	defer fcw.mu.Unlock()

	for {
		if fcw.err != nil {
			return 0, fcw.err
		}
		if fcw.closed {
			return 0, fmt.Errorf("flow control window (conn: %v, stream: %d) is closed", fcw.isConnection, fcw.streamID)
		}
		if fcw.available > 0 {
			take := int64(n)
			if take > fcw.available {
				take = fcw.available
			}
			fcw.available -= take
			return uint32(take), nil
		}
		fcw.cond.Wait()
	}
}

// Release returns unused credit taken by AcquireUpTo, for the case where the
// companion window granted less.
func (fcw *FlowControlWindow) Release(n uint32) {
	if n == 0 {
		return
	}
	fcw.mu.Lock()
	defer fcw.mu.Unlock()
	if fcw.closed || fcw.err != nil {
		return
	}
	fcw.available += int64(n)
	if fcw.available > MaxWindowSize {
		fcw.available = MaxWindowSize
	}
	fcw.cond.Broadcast()
}

// Increase grows the send window after a WINDOW_UPDATE from the peer. A zero
// increment on a stream window is a PROTOCOL_ERROR; on the connection window
// it is a no-op. Overflow past MaxWindowSize marks the window terminally
// errored (RFC 9113 section 6.9.1).
func (fcw *FlowControlWindow) Increase(increment uint32) error {
	fcw.mu.Lock()
	defer fcw.mu.Unlock()

	if fcw.err != nil {
		return fcw.err
	}
	if fcw.closed {
		return fmt.Errorf("flow control window (conn: %v, stream: %d) is closed", fcw.isConnection, fcw.streamID)
	}

	if increment == 0 {
		if !fcw.isConnection {
			return NewStreamError(fcw.streamID, ErrCodeProtocolError, "WINDOW_UPDATE increment cannot be 0 for a stream")
		}
		return nil
	}

	newSize := fcw.available + int64(increment)
	if newSize > MaxWindowSize {
		var err error
		msg := fmt.Sprintf("flow control window (conn: %v, stream: %d) would overflow: current %d + increment %d = %d > max %d",
			fcw.isConnection, fcw.streamID, fcw.available, increment, newSize, MaxWindowSize)
		if fcw.isConnection {
			err = NewConnectionError(ErrCodeFlowControlError, msg)
		} else {
			err = NewStreamError(fcw.streamID, ErrCodeFlowControlError, msg)
		}
		fcw.setErrorLocked(err)
		return err
	}

	fcw.available = newSize
	fcw.cond.Broadcast()
	return nil
}

// UpdateInitialWindowSize rebases a stream window after the peer changes
// SETTINGS_INITIAL_WINDOW_SIZE. The delta may drive the window negative. A
// resulting window above MaxWindowSize is a connection error of type
// FLOW_CONTROL_ERROR (RFC 9113 section 6.9.2); the window is left unchanged
// and the connection must terminate. Connection windows are unaffected by
// this setting.
func (fcw *FlowControlWindow) UpdateInitialWindowSize(newInitialSize uint32) error {
	if fcw.isConnection {
		return nil
	}

	fcw.mu.Lock()
	defer fcw.mu.Unlock()

	if fcw.err != nil {
		return fcw.err
	}
	if fcw.closed {
		return fmt.Errorf("flow control window (conn: %v, stream: %d) is closed", fcw.isConnection, fcw.streamID)
	}

	if newInitialSize > MaxWindowSize {
		return NewConnectionError(ErrCodeFlowControlError,
			fmt.Sprintf("peer's SETTINGS_INITIAL_WINDOW_SIZE value %d exceeds MaxWindowSize %d", newInitialSize, MaxWindowSize))
	}

	delta := int64(newInitialSize) - int64(fcw.initialWindowSize)
	newAvailable := fcw.available + delta
	if newAvailable > MaxWindowSize {
		return NewConnectionError(ErrCodeFlowControlError,
			fmt.Sprintf("applying SETTINGS_INITIAL_WINDOW_SIZE delta %d (new_init %d, old_init %d) to stream %d window (current %d) would result in %d, exceeding max %d",
				delta, newInitialSize, fcw.initialWindowSize, fcw.streamID, fcw.available, newAvailable, MaxWindowSize))
	}

	fcw.available = newAvailable
	fcw.initialWindowSize = newInitialSize

	if delta > 0 {
		fcw.cond.Broadcast()
	}
	return nil
}

// ConnectionFlowControlManager manages both directions of connection-level flow control
// (stream 0). The send side is the window the peer grants us via WINDOW_UPDATE; the
// receive side tracks how much the peer may still send before we must grant more via
// our own WINDOW_UPDATE frames.
//
// The connection-level window is not affected by SETTINGS_INITIAL_WINDOW_SIZE (RFC 7540, 6.9.2);
// it always starts at DefaultInitialWindowSize and changes only via WINDOW_UPDATE.
type ConnectionFlowControlManager struct {
	sendWindow *FlowControlWindow // Window for data WE send; grown by peer's WINDOW_UPDATE(0).

	receiveWindowMu          sync.Mutex
	currentReceiveWindowSize int64  // How much the peer may still send us.
	windowUpdateThreshold    uint32 // Send WINDOW_UPDATE once consumed-but-unannounced bytes reach this.
	bytesConsumedTotal       uint64 // Total bytes the application has consumed.
	lastWindowUpdateSentAt   uint64 // Value of bytesConsumedTotal when we last announced a WINDOW_UPDATE.
	totalBytesReceived       uint64 // Total DATA payload bytes received (including padding).
}

// NewConnectionFlowControlManager creates a manager with both windows at
// DefaultInitialWindowSize (65,535 octets, RFC 7540, 6.9.1).
func NewConnectionFlowControlManager() *ConnectionFlowControlManager {
	initialSize := DefaultInitialWindowSize
	cfcm := &ConnectionFlowControlManager{
		sendWindow:               NewFlowControlWindow(initialSize, true, 0),
		currentReceiveWindowSize: int64(initialSize),
		windowUpdateThreshold:    initialSize / 2,
	}
	if cfcm.windowUpdateThreshold == 0 && initialSize > 0 {
		cfcm.windowUpdateThreshold = 1
	}
	return cfcm
}

// AcquireSendSpace blocks until n bytes of connection send window are available and
// claims them. Acquiring zero bytes is a no-op: a zero-length DATA frame is permitted
// and consumes no flow control window (RFC 7540, 6.9.1).
func (cfcm *ConnectionFlowControlManager) AcquireSendSpace(n uint32) error {
	if n == 0 {
		return nil
	}
	return cfcm.sendWindow.Acquire(n)
}

// AcquireSendSpaceUpTo acquires between 1 and n bytes of connection send
// window, blocking only until some space exists.
func (cfcm *ConnectionFlowControlManager) AcquireSendSpaceUpTo(n uint32) (uint32, error) {
	return cfcm.sendWindow.AcquireUpTo(n)
}

// ReleaseSendSpace returns unused connection send window credit.
func (cfcm *ConnectionFlowControlManager) ReleaseSendSpace(n uint32) {
	cfcm.sendWindow.Release(n)
}

// HandleWindowUpdateFromPeer applies a WINDOW_UPDATE received on stream 0.
func (cfcm *ConnectionFlowControlManager) HandleWindowUpdateFromPeer(increment uint32) error {
	return cfcm.sendWindow.Increase(increment)
}

// DataReceived accounts for n bytes of DATA payload arriving from the peer.
// Exceeding the advertised receive window is a connection error of type
// FLOW_CONTROL_ERROR (RFC 7540, 6.9). The window is left unchanged on error.
func (cfcm *ConnectionFlowControlManager) DataReceived(n uint32) error {
	if n == 0 {
		return nil
	}
	cfcm.receiveWindowMu.Lock()
	defer cfcm.receiveWindowMu.Unlock()

	if int64(n) > cfcm.currentReceiveWindowSize {
		return NewConnectionError(ErrCodeFlowControlError,
			fmt.Sprintf("connection flow control error: received %d bytes, but receive window only has %d available",
				n, cfcm.currentReceiveWindowSize))
	}
	cfcm.currentReceiveWindowSize -= int64(n)
	cfcm.totalBytesReceived += uint64(n)
	return nil
}

// ApplicationConsumedData records that the application consumed n received bytes,
// restoring that much receive window. It returns a non-zero increment when a
// WINDOW_UPDATE frame should now be sent to the peer, batching small consumptions
// until windowUpdateThreshold is reached.
func (cfcm *ConnectionFlowControlManager) ApplicationConsumedData(n uint32) (uint32, error) {
	if n == 0 {
		return 0, nil
	}
	cfcm.receiveWindowMu.Lock()
	defer cfcm.receiveWindowMu.Unlock()

	if n > MaxWindowSize {
		return 0, NewConnectionError(ErrCodeInternalError,
			fmt.Sprintf("application consumed %d bytes in one call, which exceeds MaxWindowSize %d", n, MaxWindowSize))
	}

	pendingIncrement := cfcm.bytesConsumedTotal + uint64(n) - cfcm.lastWindowUpdateSentAt
	if pendingIncrement > MaxWindowSize {
		return 0, NewConnectionError(ErrCodeInternalError,
			fmt.Sprintf("calculated connection WINDOW_UPDATE increment %d exceeds MaxWindowSize %d", pendingIncrement, MaxWindowSize))
	}

	newReceiveWindowSize := cfcm.currentReceiveWindowSize + int64(n)
	if newReceiveWindowSize > MaxWindowSize {
		return 0, NewConnectionError(ErrCodeInternalError,
			fmt.Sprintf("connection receive window effective size would become %d, which would exceed MaxWindowSize %d", newReceiveWindowSize, MaxWindowSize))
	}

	cfcm.bytesConsumedTotal += uint64(n)
	cfcm.currentReceiveWindowSize = newReceiveWindowSize

	if pendingIncrement >= uint64(cfcm.windowUpdateThreshold) {
		cfcm.lastWindowUpdateSentAt = cfcm.bytesConsumedTotal
		return uint32(pendingIncrement), nil
	}
	return 0, nil
}

// GetConnectionSendAvailable returns the current connection send window.
func (cfcm *ConnectionFlowControlManager) GetConnectionSendAvailable() int64 {
	return cfcm.sendWindow.Available()
}

// GetConnectionReceiveAvailable returns the current connection receive window.
func (cfcm *ConnectionFlowControlManager) GetConnectionReceiveAvailable() int64 {
	cfcm.receiveWindowMu.Lock()
	defer cfcm.receiveWindowMu.Unlock()
	return cfcm.currentReceiveWindowSize
}

// Close terminates the send window, waking any senders blocked in AcquireSendSpace
// with err.
func (cfcm *ConnectionFlowControlManager) Close(err error) {
	cfcm.sendWindow.Close(err)
}

// StreamFlowControlManager manages both directions of flow control for one stream.
// The send window starts at the peer's SETTINGS_INITIAL_WINDOW_SIZE; the receive
// window starts at our own. Both may later be rebased when the respective
// SETTINGS_INITIAL_WINDOW_SIZE changes (RFC 7540, 6.9.2).
type StreamFlowControlManager struct {
	streamID   uint32
	sendWindow *FlowControlWindow // Window for data WE send on this stream.

	receiveWindowMu                   sync.Mutex
	currentReceiveWindowSize          int64  // How much the peer may still send on this stream.
	effectiveInitialReceiveWindowSize uint32 // Our SETTINGS_INITIAL_WINDOW_SIZE as currently applied.
	windowUpdateThreshold             uint32
	bytesConsumedTotal                uint64
	lastWindowUpdateSentAt            uint64
	totalBytesReceived                uint64
}

// NewStreamFlowControlManager creates a manager for streamID.
// ourInitialWindowSize is the SETTINGS_INITIAL_WINDOW_SIZE we advertised (receive side);
// peerInitialWindowSize is the one the peer advertised (send side).
func NewStreamFlowControlManager(streamID uint32, ourInitialWindowSize, peerInitialWindowSize uint32) *StreamFlowControlManager {
	sfcm := &StreamFlowControlManager{
		streamID:                          streamID,
		sendWindow:                        NewFlowControlWindow(peerInitialWindowSize, false, streamID),
		currentReceiveWindowSize:          int64(ourInitialWindowSize),
		effectiveInitialReceiveWindowSize: ourInitialWindowSize,
		windowUpdateThreshold:             ourInitialWindowSize / 2,
	}
	if sfcm.windowUpdateThreshold == 0 && ourInitialWindowSize > 0 {
		sfcm.windowUpdateThreshold = 1
	}
	return sfcm
}

// AcquireSendSpace blocks until n bytes of stream send window are available and
// claims them. Zero-byte acquisition is a no-op (zero-length DATA frames consume
// no window).
func (sfcm *StreamFlowControlManager) AcquireSendSpace(n uint32) error {
	if n == 0 {
		return nil
	}
	return sfcm.sendWindow.Acquire(n)
}

// AcquireSendSpaceUpTo acquires between 1 and n bytes of this stream's send
// window, blocking only until some space exists.
func (sfcm *StreamFlowControlManager) AcquireSendSpaceUpTo(n uint32) (uint32, error) {
	return sfcm.sendWindow.AcquireUpTo(n)
}

// ReleaseSendSpace returns unused stream send window credit.
func (sfcm *StreamFlowControlManager) ReleaseSendSpace(n uint32) {
	sfcm.sendWindow.Release(n)
}

// HandleWindowUpdateFromPeer applies a WINDOW_UPDATE received for this stream.
// A zero increment on a stream is a PROTOCOL_ERROR (RFC 7540, 6.9), surfaced by
// the underlying window as a StreamError.
func (sfcm *StreamFlowControlManager) HandleWindowUpdateFromPeer(increment uint32) error {
	if sfcm.streamID == 0 {
		return NewConnectionError(ErrCodeInternalError,
			"StreamFlowControlManager.HandleWindowUpdateFromPeer called for stream ID 0")
	}
	return sfcm.sendWindow.Increase(increment)
}

// DataReceived accounts for n bytes of DATA payload arriving on this stream.
// Exceeding the advertised window is a stream error of type FLOW_CONTROL_ERROR.
// The window is left unchanged on error.
func (sfcm *StreamFlowControlManager) DataReceived(n uint32) error {
	if n == 0 {
		return nil
	}
	sfcm.receiveWindowMu.Lock()
	defer sfcm.receiveWindowMu.Unlock()

	if int64(n) > sfcm.currentReceiveWindowSize {
		return NewStreamError(sfcm.streamID, ErrCodeFlowControlError,
			fmt.Sprintf("stream %d flow control error: received %d bytes, but receive window only has %d available",
				sfcm.streamID, n, sfcm.currentReceiveWindowSize))
	}
	sfcm.currentReceiveWindowSize -= int64(n)
	sfcm.totalBytesReceived += uint64(n)
	return nil
}

// ApplicationConsumedData records that the application consumed n bytes from this
// stream, restoring receive window. Returns the WINDOW_UPDATE increment to send
// once consumed-but-unannounced bytes reach the threshold, else 0.
func (sfcm *StreamFlowControlManager) ApplicationConsumedData(n uint32) (uint32, error) {
	if n == 0 {
		return 0, nil
	}
	sfcm.receiveWindowMu.Lock()
	defer sfcm.receiveWindowMu.Unlock()

	if n > MaxWindowSize {
		return 0, NewStreamError(sfcm.streamID, ErrCodeInternalError,
			fmt.Sprintf("application consumed %d bytes in one call for stream %d, which exceeds MaxWindowSize %d", n, sfcm.streamID, MaxWindowSize))
	}

	pendingIncrement := sfcm.bytesConsumedTotal + uint64(n) - sfcm.lastWindowUpdateSentAt
	if pendingIncrement > MaxWindowSize {
		return 0, NewStreamError(sfcm.streamID, ErrCodeInternalError,
			fmt.Sprintf("calculated stream %d WINDOW_UPDATE increment %d exceeds MaxWindowSize %d", sfcm.streamID, pendingIncrement, MaxWindowSize))
	}

	newReceiveWindowSize := sfcm.currentReceiveWindowSize + int64(n)
	if newReceiveWindowSize > MaxWindowSize {
		return 0, NewStreamError(sfcm.streamID, ErrCodeInternalError,
			fmt.Sprintf("internal: stream %d receive window effective size would become %d, which would exceed MaxWindowSize %d", sfcm.streamID, newReceiveWindowSize, MaxWindowSize))
	}

	sfcm.bytesConsumedTotal += uint64(n)
	sfcm.currentReceiveWindowSize = newReceiveWindowSize

	if pendingIncrement >= uint64(sfcm.windowUpdateThreshold) {
		sfcm.lastWindowUpdateSentAt = sfcm.bytesConsumedTotal
		return uint32(pendingIncrement), nil
	}
	return 0, nil
}

// HandlePeerSettingsInitialWindowSizeChange rebases the send window after the peer
// changes SETTINGS_INITIAL_WINDOW_SIZE. The delta applies to all open streams and
// may drive the window negative (RFC 7540, 6.9.2).
func (sfcm *StreamFlowControlManager) HandlePeerSettingsInitialWindowSizeChange(newPeerInitialSize uint32) error {
	if newPeerInitialSize > MaxWindowSize {
		// RFC 7540, 6.5.2: values above 2^31-1 MUST be treated as a connection
		// error of type FLOW_CONTROL_ERROR.
		return NewConnectionError(ErrCodeFlowControlError,
			fmt.Sprintf("peer's SETTINGS_INITIAL_WINDOW_SIZE value %d exceeds MaxWindowSize %d", newPeerInitialSize, MaxWindowSize))
	}
	return sfcm.sendWindow.UpdateInitialWindowSize(newPeerInitialSize)
}

// HandleOurSettingsInitialWindowSizeChange rebases the receive window after WE
// change SETTINGS_INITIAL_WINDOW_SIZE (and the peer has acknowledged it).
func (sfcm *StreamFlowControlManager) HandleOurSettingsInitialWindowSizeChange(newOurInitialSize uint32) error {
	if newOurInitialSize > MaxWindowSize {
		return NewConnectionError(ErrCodeInternalError,
			fmt.Sprintf("internal error: newOurInitialSize %d exceeds MaxWindowSize %d", newOurInitialSize, MaxWindowSize))
	}

	sfcm.receiveWindowMu.Lock()
	defer sfcm.receiveWindowMu.Unlock()

	delta := int64(newOurInitialSize) - int64(sfcm.effectiveInitialReceiveWindowSize)
	newReceiveWindowSize := sfcm.currentReceiveWindowSize + delta
	if newReceiveWindowSize > MaxWindowSize {
		return NewConnectionError(ErrCodeFlowControlError,
			fmt.Sprintf("adjusting stream %d receive window by delta %d (new initial %d, old initial %d) would result in %d, exceeding MaxWindowSize %d",
				sfcm.streamID, delta, newOurInitialSize, sfcm.effectiveInitialReceiveWindowSize, newReceiveWindowSize, MaxWindowSize))
	}

	sfcm.currentReceiveWindowSize = newReceiveWindowSize
	sfcm.effectiveInitialReceiveWindowSize = newOurInitialSize
	sfcm.windowUpdateThreshold = newOurInitialSize / 2
	if sfcm.windowUpdateThreshold == 0 && newOurInitialSize > 0 {
		sfcm.windowUpdateThreshold = 1
	}
	return nil
}

// GetStreamSendAvailable returns the current stream send window.
func (sfcm *StreamFlowControlManager) GetStreamSendAvailable() int64 {
	return sfcm.sendWindow.Available()
}

// GetStreamReceiveAvailable returns the current stream receive window.
func (sfcm *StreamFlowControlManager) GetStreamReceiveAvailable() int64 {
	sfcm.receiveWindowMu.Lock()
	defer sfcm.receiveWindowMu.Unlock()
	return sfcm.currentReceiveWindowSize
}

// Close terminates the send window, waking any senders blocked in AcquireSendSpace
// with err.
func (sfcm *StreamFlowControlManager) Close(err error) {
	sfcm.sendWindow.Close(err)
}

// setErrorLocked records the first terminal error, closes the window and
// wakes all waiters. Caller holds fcw.mu.
func (fcw *FlowControlWindow) setErrorLocked(err error) {
	if fcw.err == nil {
		fcw.err = err
		fcw.closed = true
		fcw.cond.Broadcast()
	}
}

// Close marks the window closed and wakes all waiters. err may be nil for a
// graceful closure; a prior terminal error is kept.
func (fcw *FlowControlWindow) Close(err error) {
	fcw.mu.Lock()
	defer fcw.mu.Unlock()

	if !fcw.closed {
		fcw.closed = true
		if fcw.err == nil {
			fcw.err = err
		}
		fcw.cond.Broadcast()
	}
}
