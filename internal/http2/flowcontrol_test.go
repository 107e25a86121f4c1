package http2

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowControlWindowAcquireImmediate(t *testing.T) {
	w := NewFlowControlWindow(100, false, 1)
	require.NoError(t, w.Acquire(60))
	assert.Equal(t, int64(40), w.Available())
	require.NoError(t, w.Acquire(40))
	assert.Zero(t, w.Available())
}

func TestFlowControlWindowAcquireBlocksUntilIncrease(t *testing.T) {
	w := NewFlowControlWindow(10, false, 1)
	require.NoError(t, w.Acquire(10))

	acquired := make(chan error, 1)
	go func() { acquired <- w.Acquire(5) }()

	select {
	case err := <-acquired:
		t.Fatalf("Acquire returned %v before credit was granted", err)
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, w.Increase(5))
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not observe the WINDOW_UPDATE")
	}
	assert.Zero(t, w.Available())
}

func TestFlowControlWindowAcquireZeroIsError(t *testing.T) {
	w := NewFlowControlWindow(10, false, 1)
	assert.Error(t, w.Acquire(0))
}

func TestFlowControlWindowAcquireUpToTakesPartial(t *testing.T) {
	w := NewFlowControlWindow(7, false, 1)
	got, err := w.AcquireUpTo(100)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), got)
	assert.Zero(t, w.Available())
}

func TestFlowControlWindowAcquireUpToBlocksWhenEmpty(t *testing.T) {
	w := NewFlowControlWindow(0, false, 1)

	type result struct {
		n   uint32
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := w.AcquireUpTo(100)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		t.Fatalf("AcquireUpTo returned (%d, %v) with an empty window", r.n, r.err)
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, w.Increase(3))
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, uint32(3), r.n)
	case <-time.After(time.Second):
		t.Fatal("AcquireUpTo did not wake on Increase")
	}
}

func TestFlowControlWindowReleaseReturnsCredit(t *testing.T) {
	w := NewFlowControlWindow(10, false, 1)
	require.NoError(t, w.Acquire(10))
	w.Release(4)
	assert.Equal(t, int64(4), w.Available())
}

func TestFlowControlWindowIncreaseOverflow(t *testing.T) {
	w := NewFlowControlWindow(MaxWindowSize, false, 3)
	err := w.Increase(1)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeFlowControlError, se.Code)
	assert.Equal(t, uint32(3), se.StreamID)

	// The window is terminally errored afterwards.
	assert.Error(t, w.Acquire(1))
}

func TestFlowControlWindowConnectionIncreaseOverflow(t *testing.T) {
	w := NewFlowControlWindow(MaxWindowSize, true, 0)
	err := w.Increase(1)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeFlowControlError, ce.Code)
}

func TestFlowControlWindowZeroIncrement(t *testing.T) {
	stream := NewFlowControlWindow(10, false, 5)
	err := stream.Increase(0)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeProtocolError, se.Code)

	conn := NewFlowControlWindow(10, true, 0)
	assert.NoError(t, conn.Increase(0))
	assert.Equal(t, int64(10), conn.Available())
}

func TestFlowControlWindowUpdateInitialWindowSize(t *testing.T) {
	w := NewFlowControlWindow(100, false, 1)
	require.NoError(t, w.Acquire(30))

	// Rebasing to a larger initial size adds the delta to the balance.
	require.NoError(t, w.UpdateInitialWindowSize(150))
	assert.Equal(t, int64(120), w.Available())

	// Rebasing down can push the window negative; the balance stays owed.
	require.NoError(t, w.UpdateInitialWindowSize(10))
	assert.Equal(t, int64(-20), w.Available())
}

func TestFlowControlWindowUpdateInitialWindowSizeIgnoredForConnection(t *testing.T) {
	w := NewFlowControlWindow(DefaultInitialWindowSize, true, 0)
	require.NoError(t, w.UpdateInitialWindowSize(1))
	assert.Equal(t, int64(DefaultInitialWindowSize), w.Available())
}

func TestFlowControlWindowCloseWakesWaiters(t *testing.T) {
	w := NewFlowControlWindow(0, false, 1)
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- w.Acquire(1)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	w.Close(nil)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.Error(t, err)
	}
}

func TestConnectionFlowControlDefaults(t *testing.T) {
	m := NewConnectionFlowControlManager()
	assert.Equal(t, int64(DefaultInitialWindowSize), m.GetConnectionSendAvailable())
	assert.Equal(t, int64(DefaultInitialWindowSize), m.GetConnectionReceiveAvailable())
}

func TestConnectionFlowControlZeroAcquireIsNoop(t *testing.T) {
	m := NewConnectionFlowControlManager()
	require.NoError(t, m.AcquireSendSpace(0))
	assert.Equal(t, int64(DefaultInitialWindowSize), m.GetConnectionSendAvailable())
}

func TestConnectionFlowControlDataReceivedOverrun(t *testing.T) {
	m := NewConnectionFlowControlManager()
	require.NoError(t, m.DataReceived(DefaultInitialWindowSize))
	assert.Zero(t, m.GetConnectionReceiveAvailable())

	err := m.DataReceived(1)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeFlowControlError, ce.Code)
	// The failed read must not have consumed window.
	assert.Zero(t, m.GetConnectionReceiveAvailable())
}

func TestConnectionFlowControlConsumptionBatchesWindowUpdates(t *testing.T) {
	m := NewConnectionFlowControlManager()
	threshold := DefaultInitialWindowSize / 2
	require.NoError(t, m.DataReceived(DefaultInitialWindowSize))

	// Below the threshold nothing is announced.
	inc, err := m.ApplicationConsumedData(threshold - 1)
	require.NoError(t, err)
	assert.Zero(t, inc)

	// Crossing the threshold flushes everything consumed so far.
	inc, err = m.ApplicationConsumedData(1)
	require.NoError(t, err)
	assert.Equal(t, threshold, inc)

	// The counter restarts after a flush.
	inc, err = m.ApplicationConsumedData(1)
	require.NoError(t, err)
	assert.Zero(t, inc)
}

func TestConnectionFlowControlCloseUnblocksSenders(t *testing.T) {
	m := NewConnectionFlowControlManager()
	require.NoError(t, m.AcquireSendSpace(DefaultInitialWindowSize))

	done := make(chan error, 1)
	go func() { done <- m.AcquireSendSpace(1) }()
	time.Sleep(20 * time.Millisecond)
	m.Close(NewConnectionError(ErrCodeNoError, "shutting down"))

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("sender still blocked after Close")
	}
}

func TestStreamFlowControlInitialWindows(t *testing.T) {
	m := NewStreamFlowControlManager(7, 1000, 2000)
	assert.Equal(t, int64(2000), m.GetStreamSendAvailable())
	assert.Equal(t, int64(1000), m.GetStreamReceiveAvailable())
}

func TestStreamFlowControlDataReceivedOverrunIsStreamError(t *testing.T) {
	m := NewStreamFlowControlManager(7, 10, 10)
	err := m.DataReceived(11)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeFlowControlError, se.Code)
	assert.Equal(t, uint32(7), se.StreamID)
	assert.Equal(t, int64(10), m.GetStreamReceiveAvailable())
}

func TestStreamFlowControlZeroWindowUpdateIsProtocolError(t *testing.T) {
	m := NewStreamFlowControlManager(7, 10, 10)
	err := m.HandleWindowUpdateFromPeer(0)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeProtocolError, se.Code)
}

func TestStreamFlowControlPeerInitialWindowChangeRebasesSendWindow(t *testing.T) {
	m := NewStreamFlowControlManager(7, 100, 100)
	require.NoError(t, m.AcquireSendSpace(40))

	require.NoError(t, m.HandlePeerSettingsInitialWindowSizeChange(50))
	assert.Equal(t, int64(10), m.GetStreamSendAvailable())

	require.NoError(t, m.HandlePeerSettingsInitialWindowSizeChange(30))
	assert.Equal(t, int64(-10), m.GetStreamSendAvailable())
}

func TestStreamFlowControlPeerInitialWindowAboveMaxRejected(t *testing.T) {
	m := NewStreamFlowControlManager(7, 100, 100)
	err := m.HandlePeerSettingsInitialWindowSizeChange(MaxWindowSize + 1)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeFlowControlError, ce.Code)
}

func TestStreamFlowControlOurInitialWindowChangeRebasesReceiveWindow(t *testing.T) {
	m := NewStreamFlowControlManager(7, 100, 100)
	require.NoError(t, m.DataReceived(60))
	assert.Equal(t, int64(40), m.GetStreamReceiveAvailable())

	require.NoError(t, m.HandleOurSettingsInitialWindowSizeChange(200))
	assert.Equal(t, int64(140), m.GetStreamReceiveAvailable())
}

func TestStreamFlowControlConsumptionBatchesWindowUpdates(t *testing.T) {
	m := NewStreamFlowControlManager(7, 100, 100)
	require.NoError(t, m.DataReceived(100))

	inc, err := m.ApplicationConsumedData(49)
	require.NoError(t, err)
	assert.Zero(t, inc)

	inc, err = m.ApplicationConsumedData(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(50), inc)
	assert.Equal(t, int64(50), m.GetStreamReceiveAvailable())
}

func TestStreamFlowControlWindowUpdateForStreamZeroRejected(t *testing.T) {
	m := NewStreamFlowControlManager(0, 100, 100)
	err := m.HandleWindowUpdateFromPeer(10)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeInternalError, ce.Code)
}
