package http2

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "NO_ERROR", ErrCodeNoError.String())
	assert.Equal(t, "PROTOCOL_ERROR", ErrCodeProtocolError.String())
	assert.Equal(t, "ENHANCE_YOUR_CALM", ErrCodeEnhanceYourCalm.String())
	assert.Equal(t, "HTTP_1_1_REQUIRED", ErrCodeHTTP11Required.String())
	assert.Equal(t, "UNKNOWN_ERROR_CODE_255", ErrorCode(255).String())
}

func TestStreamErrorMessage(t *testing.T) {
	e := NewStreamError(5, ErrCodeProtocolError, "header after END_STREAM")
	assert.Equal(t, "http2: stream 5 reset with PROTOCOL_ERROR: header after END_STREAM", e.Error())
}

func TestStreamErrorUnwrap(t *testing.T) {
	cause := errors.New("short read")
	e := NewStreamErrorWithCause(3, ErrCodeInternalError, "body copy failed", cause)
	assert.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "short read")
}

func TestConnectionErrorMessage(t *testing.T) {
	e := NewConnectionError(ErrCodeFrameSizeError, "SETTINGS length not a multiple of 6")
	e.LastStreamID = 7
	assert.Equal(t,
		"http2: connection error FRAME_SIZE_ERROR (last stream 7): SETTINGS length not a multiple of 6",
		e.Error())
}

func TestConnectionErrorUnwrap(t *testing.T) {
	cause := errors.New("tls: bad record")
	e := NewConnectionErrorWithCause(ErrCodeProtocolError, "read failed", cause)
	assert.ErrorIs(t, e, cause)
}

func TestGenerateRSTStreamFrame(t *testing.T) {
	t.Run("explicit arguments", func(t *testing.T) {
		f := GenerateRSTStreamFrame(9, ErrCodeCancel, nil)
		assert.Equal(t, FrameRSTStream, f.Type)
		assert.Equal(t, uint32(9), f.StreamID)
		assert.Equal(t, uint32(4), f.Length)
		assert.Equal(t, ErrCodeCancel, f.ErrorCode)
	})

	t.Run("stream error overrides", func(t *testing.T) {
		se := NewStreamError(11, ErrCodeFlowControlError, "window overflow")
		f := GenerateRSTStreamFrame(9, ErrCodeCancel, se)
		assert.Equal(t, uint32(11), f.StreamID)
		assert.Equal(t, ErrCodeFlowControlError, f.ErrorCode)
	})

	t.Run("zero stream id in error keeps argument", func(t *testing.T) {
		se := NewStreamError(0, ErrCodeRefusedStream, "refused")
		f := GenerateRSTStreamFrame(9, ErrCodeCancel, se)
		assert.Equal(t, uint32(9), f.StreamID)
		assert.Equal(t, ErrCodeRefusedStream, f.ErrorCode)
	})

	t.Run("non stream error is ignored", func(t *testing.T) {
		f := GenerateRSTStreamFrame(9, ErrCodeCancel, errors.New("unrelated"))
		assert.Equal(t, uint32(9), f.StreamID)
		assert.Equal(t, ErrCodeCancel, f.ErrorCode)
	})
}

func TestGenerateGoAwayFrame(t *testing.T) {
	t.Run("explicit arguments", func(t *testing.T) {
		f := GenerateGoAwayFrame(15, ErrCodeNoError, "draining", nil)
		assert.Equal(t, FrameGoAway, f.Type)
		assert.Equal(t, uint32(0), f.StreamID)
		assert.Equal(t, uint32(15), f.LastStreamID)
		assert.Equal(t, ErrCodeNoError, f.ErrorCode)
		assert.Equal(t, []byte("draining"), f.AdditionalDebugData)
		assert.Equal(t, uint32(8+len("draining")), f.Length)
	})

	t.Run("connection error overrides", func(t *testing.T) {
		ce := NewConnectionError(ErrCodeProtocolError, "bad preface")
		ce.LastStreamID = 3
		f := GenerateGoAwayFrame(15, ErrCodeNoError, "ignored", ce)
		assert.Equal(t, uint32(3), f.LastStreamID)
		assert.Equal(t, ErrCodeProtocolError, f.ErrorCode)
		assert.Equal(t, []byte("bad preface"), f.AdditionalDebugData)
	})

	t.Run("debug data beats message", func(t *testing.T) {
		ce := NewConnectionError(ErrCodeInternalError, "msg")
		ce.DebugData = []byte("detail")
		f := GenerateGoAwayFrame(0, ErrCodeNoError, "", ce)
		assert.Equal(t, []byte("detail"), f.AdditionalDebugData)
	})

	t.Run("empty error falls back to argument", func(t *testing.T) {
		ce := &ConnectionError{Code: ErrCodeNoError}
		f := GenerateGoAwayFrame(0, ErrCodeProtocolError, "fallback", ce)
		require.Equal(t, []byte("fallback"), f.AdditionalDebugData)
		assert.Equal(t, ErrCodeNoError, f.ErrorCode)
	})
}
