package http2

import "fmt"

// ErrorCode is an HTTP/2 error code (RFC 9113 section 7). The same codes are
// carried by RST_STREAM and GOAWAY.
type ErrorCode uint32

const (
	ErrCodeNoError            ErrorCode = 0x0
	ErrCodeProtocolError      ErrorCode = 0x1
	ErrCodeInternalError      ErrorCode = 0x2
	ErrCodeFlowControlError   ErrorCode = 0x3
	ErrCodeSettingsTimeout    ErrorCode = 0x4
	ErrCodeStreamClosed       ErrorCode = 0x5
	ErrCodeFrameSizeError     ErrorCode = 0x6
	ErrCodeRefusedStream      ErrorCode = 0x7
	ErrCodeCancel             ErrorCode = 0x8
	ErrCodeCompressionError   ErrorCode = 0x9
	ErrCodeConnectError       ErrorCode = 0xa
	ErrCodeEnhanceYourCalm    ErrorCode = 0xb
	ErrCodeInadequateSecurity ErrorCode = 0xc
	ErrCodeHTTP11Required     ErrorCode = 0xd
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeNoError:            "NO_ERROR",
	ErrCodeProtocolError:      "PROTOCOL_ERROR",
	ErrCodeInternalError:      "INTERNAL_ERROR",
	ErrCodeFlowControlError:   "FLOW_CONTROL_ERROR",
	ErrCodeSettingsTimeout:    "SETTINGS_TIMEOUT",
	ErrCodeStreamClosed:       "STREAM_CLOSED",
	ErrCodeFrameSizeError:     "FRAME_SIZE_ERROR",
	ErrCodeRefusedStream:      "REFUSED_STREAM",
	ErrCodeCancel:             "CANCEL",
	ErrCodeCompressionError:   "COMPRESSION_ERROR",
	ErrCodeConnectError:       "CONNECT_ERROR",
	ErrCodeEnhanceYourCalm:    "ENHANCE_YOUR_CALM",
	ErrCodeInadequateSecurity: "INADEQUATE_SECURITY",
	ErrCodeHTTP11Required:     "HTTP_1_1_REQUIRED",
}

func (e ErrorCode) String() string {
	if name, ok := errorCodeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_ERROR_CODE_%d", uint32(e))
}

// StreamError terminates a single stream with RST_STREAM. The rest of the
// connection keeps running.
type StreamError struct {
	StreamID uint32
	Code     ErrorCode
	Msg      string
	Cause    error
}

func (e *StreamError) Error() string {
	s := fmt.Sprintf("http2: stream %d reset with %s: %s", e.StreamID, e.Code, e.Msg)
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *StreamError) Unwrap() error { return e.Cause }

// NewStreamError creates a StreamError.
func NewStreamError(streamID uint32, code ErrorCode, msg string) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Msg: msg}
}

// NewStreamErrorWithCause creates a StreamError wrapping an underlying error.
func NewStreamErrorWithCause(streamID uint32, code ErrorCode, msg string, cause error) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Msg: msg, Cause: cause}
}

// ConnectionError terminates the whole connection with GOAWAY. DebugData, when
// set, is carried as the GOAWAY additional debug data; it must not contain
// anything security-sensitive.
type ConnectionError struct {
	LastStreamID uint32
	Code         ErrorCode
	Msg          string
	Cause        error
	DebugData    []byte
}

func (e *ConnectionError) Error() string {
	s := fmt.Sprintf("http2: connection error %s (last stream %d): %s", e.Code, e.LastStreamID, e.Msg)
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// NewConnectionError creates a ConnectionError.
func NewConnectionError(code ErrorCode, msg string) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg}
}

// NewConnectionErrorWithCause creates a ConnectionError wrapping an underlying
// error.
func NewConnectionErrorWithCause(code ErrorCode, msg string, cause error) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg, Cause: cause}
}

// GenerateRSTStreamFrame builds the RST_STREAM frame for a stream teardown.
// When err is a *StreamError its code wins, and its stream ID wins when
// non-zero; otherwise the explicit arguments are used.
func GenerateRSTStreamFrame(streamID uint32, errCode ErrorCode, err error) *RSTStreamFrame {
	code := errCode
	id := streamID
	if se, ok := err.(*StreamError); ok {
		code = se.Code
		if se.StreamID != 0 {
			id = se.StreamID
		}
	}
	return &RSTStreamFrame{
		FrameHeader: FrameHeader{
			Type:     FrameRSTStream,
			StreamID: id,
			Length:   4,
		},
		ErrorCode: code,
	}
}

// GenerateGoAwayFrame builds the GOAWAY frame for a connection teardown. When
// err is a *ConnectionError its fields win; the debug data falls back from the
// error's DebugData to its Msg to the debugStr argument.
func GenerateGoAwayFrame(lastStreamID uint32, errCode ErrorCode, debugStr string, err error) *GoAwayFrame {
	code := errCode
	last := lastStreamID
	debug := []byte(debugStr)
	if ce, ok := err.(*ConnectionError); ok {
		code = ce.Code
		last = ce.LastStreamID
		if len(ce.DebugData) > 0 {
			debug = ce.DebugData
		} else if ce.Msg != "" {
			debug = []byte(ce.Msg)
		}
	}
	return &GoAwayFrame{
		FrameHeader: FrameHeader{
			Type:   FrameGoAway,
			Length: 8 + uint32(len(debug)),
		},
		LastStreamID:        last,
		ErrorCode:           code,
		AdditionalDebugData: debug,
	}
}
