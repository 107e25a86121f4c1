package http2_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DrSloth/scuffle/internal/http2"
)

// roundTrip writes f, asserts the on-wire length, and parses it back.
func roundTrip(t *testing.T, f http2.Frame) http2.Frame {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, http2.WriteFrame(&buf, f))
	require.Equal(t, http2.FrameHeaderLen+int(f.PayloadLen()), buf.Len())

	parsed, err := http2.ReadFrame(&buf)
	require.NoError(t, err)
	require.Zero(t, buf.Len(), "frame bytes not fully consumed")
	assert.Equal(t, f.Header().Type, parsed.Header().Type)
	assert.Equal(t, f.Header().Flags, parsed.Header().Flags)
	assert.Equal(t, f.Header().StreamID, parsed.Header().StreamID)
	assert.Equal(t, f.PayloadLen(), parsed.Header().Length)
	return parsed
}

func TestFrameHeaderRoundTrip(t *testing.T) {
	fh := http2.FrameHeader{Length: 12345, Type: http2.FrameHeaders, Flags: 0x25, StreamID: 0x7ABCDEF0}
	var buf bytes.Buffer
	_, err := fh.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, http2.FrameHeaderLen, buf.Len())

	parsed, err := http2.ReadFrameHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, fh.Length, parsed.Length)
	assert.Equal(t, fh.Type, parsed.Type)
	assert.Equal(t, fh.Flags, parsed.Flags)
	assert.Equal(t, fh.StreamID, parsed.StreamID)
}

func TestFrameHeaderMasksReservedBit(t *testing.T) {
	fh := http2.FrameHeader{Type: http2.FrameData, StreamID: 0xFFFFFFFF}
	var buf bytes.Buffer
	_, err := fh.WriteTo(&buf)
	require.NoError(t, err)
	assert.Zero(t, buf.Bytes()[5]&0x80, "reserved bit must be written as zero")

	parsed, err := http2.ReadFrameHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7FFFFFFF), parsed.StreamID)
}

func TestReadFrameHeaderTruncated(t *testing.T) {
	_, err := http2.ReadFrameHeader(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)

	_, err = http2.ReadFrameHeader(bytes.NewReader([]byte{0, 0, 1, 0}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDataFrameRoundTrip(t *testing.T) {
	f := &http2.DataFrame{
		FrameHeader: http2.FrameHeader{Type: http2.FrameData, Flags: http2.FlagDataEndStream, StreamID: 1},
		Data:        []byte("hello body"),
	}
	parsed := roundTrip(t, f).(*http2.DataFrame)
	assert.Equal(t, f.Data, parsed.Data)
}

func TestDataFramePaddedRoundTrip(t *testing.T) {
	f := &http2.DataFrame{
		FrameHeader: http2.FrameHeader{Type: http2.FrameData, Flags: http2.FlagDataPadded, StreamID: 3},
		PadLength:   4,
		Data:        []byte("abc"),
		Padding:     make([]byte, 4),
	}
	parsed := roundTrip(t, f).(*http2.DataFrame)
	assert.Equal(t, f.Data, parsed.Data)
	assert.Equal(t, uint8(4), parsed.PadLength)
	assert.Len(t, parsed.Padding, 4)
}

func TestDataFrameOnStreamZeroRejected(t *testing.T) {
	f := &http2.DataFrame{
		FrameHeader: http2.FrameHeader{Type: http2.FrameData, StreamID: 0},
		Data:        []byte("x"),
	}
	var buf bytes.Buffer
	require.NoError(t, http2.WriteFrame(&buf, f))

	_, err := http2.ReadFrame(&buf)
	var ce *http2.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http2.ErrCodeProtocolError, ce.Code)
}

func TestDataFramePaddingOverflowRejected(t *testing.T) {
	// Header declares a 3 octet payload, pad length byte claims 200 octets.
	raw := []byte{
		0, 0, 3,
		byte(http2.FrameData),
		byte(http2.FlagDataPadded),
		0, 0, 0, 1,
		200, 'a', 'b',
	}
	_, err := http2.ReadFrame(bytes.NewReader(raw))
	var ce *http2.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http2.ErrCodeProtocolError, ce.Code)
}

func TestHeadersFrameRoundTrip(t *testing.T) {
	f := &http2.HeadersFrame{
		FrameHeader: http2.FrameHeader{
			Type:     http2.FrameHeaders,
			Flags:    http2.FlagHeadersEndHeaders | http2.FlagHeadersEndStream,
			StreamID: 5,
		},
		HeaderBlockFragment: []byte{0x82, 0x86, 0x84},
	}
	parsed := roundTrip(t, f).(*http2.HeadersFrame)
	assert.Equal(t, f.HeaderBlockFragment, parsed.HeaderBlockFragment)
}

func TestHeadersFrameWithPriorityAndPadding(t *testing.T) {
	f := &http2.HeadersFrame{
		FrameHeader: http2.FrameHeader{
			Type:     http2.FrameHeaders,
			Flags:    http2.FlagHeadersEndHeaders | http2.FlagHeadersPriority | http2.FlagHeadersPadded,
			StreamID: 7,
		},
		PadLength:           2,
		Exclusive:           true,
		StreamDependency:    3,
		Weight:              200,
		HeaderBlockFragment: []byte{0x82},
		Padding:             make([]byte, 2),
	}
	parsed := roundTrip(t, f).(*http2.HeadersFrame)
	assert.True(t, parsed.Exclusive)
	assert.Equal(t, uint32(3), parsed.StreamDependency)
	assert.Equal(t, uint8(200), parsed.Weight)
	assert.Equal(t, f.HeaderBlockFragment, parsed.HeaderBlockFragment)
}

func TestPriorityFrameRoundTrip(t *testing.T) {
	f := &http2.PriorityFrame{
		FrameHeader:      http2.FrameHeader{Type: http2.FramePriority, StreamID: 9},
		StreamDependency: 1,
		Weight:           15,
	}
	parsed := roundTrip(t, f).(*http2.PriorityFrame)
	assert.Equal(t, uint32(1), parsed.StreamDependency)
	assert.Equal(t, uint8(15), parsed.Weight)
}

func TestPriorityFrameWrongLength(t *testing.T) {
	raw := []byte{
		0, 0, 4,
		byte(http2.FramePriority),
		0,
		0, 0, 0, 9,
		0, 0, 0, 1,
	}
	_, err := http2.ReadFrame(bytes.NewReader(raw))
	var se *http2.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http2.ErrCodeFrameSizeError, se.Code)
	assert.Equal(t, uint32(9), se.StreamID)

	// On stream 0 the same defect is a connection error.
	raw[8] = 0
	_, err = http2.ReadFrame(bytes.NewReader(raw))
	var ce *http2.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http2.ErrCodeFrameSizeError, ce.Code)
}

func TestRSTStreamFrameRoundTrip(t *testing.T) {
	f := &http2.RSTStreamFrame{
		FrameHeader: http2.FrameHeader{Type: http2.FrameRSTStream, StreamID: 11},
		ErrorCode:   http2.ErrCodeCancel,
	}
	parsed := roundTrip(t, f).(*http2.RSTStreamFrame)
	assert.Equal(t, http2.ErrCodeCancel, parsed.ErrorCode)
}

func TestRSTStreamFrameWrongLength(t *testing.T) {
	raw := []byte{
		0, 0, 3,
		byte(http2.FrameRSTStream),
		0,
		0, 0, 0, 11,
		0, 0, 8,
	}
	_, err := http2.ReadFrame(bytes.NewReader(raw))
	var ce *http2.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http2.ErrCodeFrameSizeError, ce.Code)
}

func TestSettingsFrameRoundTrip(t *testing.T) {
	f := &http2.SettingsFrame{
		FrameHeader: http2.FrameHeader{Type: http2.FrameSettings},
		Settings: []http2.Setting{
			{ID: http2.SettingInitialWindowSize, Value: 1 << 20},
			{ID: http2.SettingMaxFrameSize, Value: 32768},
		},
	}
	parsed := roundTrip(t, f).(*http2.SettingsFrame)
	assert.Equal(t, f.Settings, parsed.Settings)
}

func TestSettingsAckHasNoPayload(t *testing.T) {
	f := &http2.SettingsFrame{
		FrameHeader: http2.FrameHeader{Type: http2.FrameSettings, Flags: http2.FlagSettingsAck},
		Settings:    []http2.Setting{{ID: http2.SettingEnablePush, Value: 0}},
	}
	assert.Zero(t, f.PayloadLen())
	var buf bytes.Buffer
	require.NoError(t, http2.WriteFrame(&buf, f))
	assert.Equal(t, http2.FrameHeaderLen, buf.Len())
}

func TestSettingsAckWithPayloadRejected(t *testing.T) {
	raw := []byte{
		0, 0, 6,
		byte(http2.FrameSettings),
		byte(http2.FlagSettingsAck),
		0, 0, 0, 0,
		0, 1, 0, 0, 0, 0,
	}
	_, err := http2.ReadFrame(bytes.NewReader(raw))
	var ce *http2.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http2.ErrCodeFrameSizeError, ce.Code)
}

func TestSettingsLengthNotMultipleOfSix(t *testing.T) {
	raw := []byte{
		0, 0, 5,
		byte(http2.FrameSettings),
		0,
		0, 0, 0, 0,
		0, 1, 0, 0, 0,
	}
	_, err := http2.ReadFrame(bytes.NewReader(raw))
	var ce *http2.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http2.ErrCodeFrameSizeError, ce.Code)
}

func TestPushPromiseFrameRoundTrip(t *testing.T) {
	f := &http2.PushPromiseFrame{
		FrameHeader: http2.FrameHeader{
			Type:     http2.FramePushPromise,
			Flags:    http2.FlagPushPromiseEndHeaders,
			StreamID: 13,
		},
		PromisedStreamID:    2,
		HeaderBlockFragment: []byte{0x82},
	}
	parsed := roundTrip(t, f).(*http2.PushPromiseFrame)
	assert.Equal(t, uint32(2), parsed.PromisedStreamID)
	assert.Equal(t, f.HeaderBlockFragment, parsed.HeaderBlockFragment)
}

func TestPingFrameRoundTrip(t *testing.T) {
	f := &http2.PingFrame{
		FrameHeader: http2.FrameHeader{Type: http2.FramePing, Flags: http2.FlagPingAck},
		OpaqueData:  [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	parsed := roundTrip(t, f).(*http2.PingFrame)
	assert.Equal(t, f.OpaqueData, parsed.OpaqueData)
}

func TestPingFrameWrongLength(t *testing.T) {
	raw := []byte{
		0, 0, 7,
		byte(http2.FramePing),
		0,
		0, 0, 0, 0,
		1, 2, 3, 4, 5, 6, 7,
	}
	_, err := http2.ReadFrame(bytes.NewReader(raw))
	var ce *http2.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http2.ErrCodeFrameSizeError, ce.Code)
}

func TestGoAwayFrameRoundTrip(t *testing.T) {
	f := &http2.GoAwayFrame{
		FrameHeader:         http2.FrameHeader{Type: http2.FrameGoAway},
		LastStreamID:        17,
		ErrorCode:           http2.ErrCodeEnhanceYourCalm,
		AdditionalDebugData: []byte("slow down"),
	}
	parsed := roundTrip(t, f).(*http2.GoAwayFrame)
	assert.Equal(t, uint32(17), parsed.LastStreamID)
	assert.Equal(t, http2.ErrCodeEnhanceYourCalm, parsed.ErrorCode)
	assert.Equal(t, []byte("slow down"), parsed.AdditionalDebugData)
}

func TestGoAwayFrameTooShort(t *testing.T) {
	raw := []byte{
		0, 0, 4,
		byte(http2.FrameGoAway),
		0,
		0, 0, 0, 0,
		0, 0, 0, 17,
	}
	_, err := http2.ReadFrame(bytes.NewReader(raw))
	var ce *http2.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http2.ErrCodeFrameSizeError, ce.Code)
}

func TestWindowUpdateFrameRoundTrip(t *testing.T) {
	f := &http2.WindowUpdateFrame{
		FrameHeader:         http2.FrameHeader{Type: http2.FrameWindowUpdate, StreamID: 19},
		WindowSizeIncrement: 65535,
	}
	parsed := roundTrip(t, f).(*http2.WindowUpdateFrame)
	assert.Equal(t, uint32(65535), parsed.WindowSizeIncrement)
}

func TestWindowUpdateFrameWrongLength(t *testing.T) {
	raw := []byte{
		0, 0, 5,
		byte(http2.FrameWindowUpdate),
		0,
		0, 0, 0, 19,
		0, 0, 0, 1, 0,
	}
	_, err := http2.ReadFrame(bytes.NewReader(raw))
	var ce *http2.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http2.ErrCodeFrameSizeError, ce.Code)
}

func TestContinuationFrameRoundTrip(t *testing.T) {
	f := &http2.ContinuationFrame{
		FrameHeader: http2.FrameHeader{
			Type:     http2.FrameContinuation,
			Flags:    http2.FlagContinuationEndHeaders,
			StreamID: 21,
		},
		HeaderBlockFragment: []byte{0x82, 0x84},
	}
	parsed := roundTrip(t, f).(*http2.ContinuationFrame)
	assert.Equal(t, f.HeaderBlockFragment, parsed.HeaderBlockFragment)
}

func TestContinuationFrameOnStreamZeroRejected(t *testing.T) {
	raw := []byte{
		0, 0, 1,
		byte(http2.FrameContinuation),
		0,
		0, 0, 0, 0,
		0x82,
	}
	_, err := http2.ReadFrame(bytes.NewReader(raw))
	var ce *http2.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http2.ErrCodeProtocolError, ce.Code)
}

func TestUnknownFrameTypeIsParsedNotRejected(t *testing.T) {
	raw := []byte{
		0, 0, 3,
		0x42,
		0x0F,
		0, 0, 0, 23,
		0xAA, 0xBB, 0xCC,
	}
	f, err := http2.ReadFrame(bytes.NewReader(raw))
	require.NoError(t, err)
	uf, ok := f.(*http2.UnknownFrame)
	require.True(t, ok)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, uf.Payload)
	assert.Equal(t, uint32(23), uf.StreamID)
}

func TestWriteFrameRecomputesHeaderLength(t *testing.T) {
	f := &http2.DataFrame{
		FrameHeader: http2.FrameHeader{Type: http2.FrameData, StreamID: 1, Length: 999},
		Data:        []byte("four"),
	}
	var buf bytes.Buffer
	require.NoError(t, http2.WriteFrame(&buf, f))
	assert.Equal(t, uint32(4), f.Header().Length)

	parsed, err := http2.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), parsed.Header().Length)
}
