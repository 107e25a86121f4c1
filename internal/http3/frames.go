// Package http3 implements the server side of the HTTP/3 protocol adapter
// on top of a QUIC connection: stream type demultiplexing, the varint frame
// codec, and a QPACK decoder with dynamic-table support.
package http3

import (
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// HTTP/3 frame types (RFC 9114, Section 7.2).
const (
	frameTypeData        uint64 = 0x0
	frameTypeHeaders     uint64 = 0x1
	frameTypeCancelPush  uint64 = 0x3
	frameTypeSettings    uint64 = 0x4
	frameTypePushPromise uint64 = 0x5
	frameTypeGoAway      uint64 = 0x7
	frameTypeMaxPushID   uint64 = 0xd
)

// Unidirectional stream types (RFC 9114, Section 6.2; RFC 9204, Section 4.2).
const (
	streamTypeControl      uint64 = 0x00
	streamTypePush         uint64 = 0x01
	streamTypeQPACKEncoder uint64 = 0x02
	streamTypeQPACKDecoder uint64 = 0x03
)

// SETTINGS identifiers (RFC 9114, Section 7.2.4.1; RFC 9204, Section 5).
const (
	settingQPACKMaxTableCapacity uint64 = 0x01
	settingMaxFieldSectionSize   uint64 = 0x06
	settingQPACKBlockedStreams   uint64 = 0x07
)

// ErrCode is an HTTP/3 or QPACK application error code (RFC 9114,
// Section 8.1; RFC 9204, Section 6).
type ErrCode uint64

const (
	ErrCodeNoError               ErrCode = 0x100
	ErrCodeGeneralProtocolError  ErrCode = 0x101
	ErrCodeInternalError         ErrCode = 0x102
	ErrCodeStreamCreationError   ErrCode = 0x103
	ErrCodeClosedCriticalStream  ErrCode = 0x104
	ErrCodeFrameUnexpected       ErrCode = 0x105
	ErrCodeFrameError            ErrCode = 0x106
	ErrCodeExcessiveLoad         ErrCode = 0x107
	ErrCodeIDError               ErrCode = 0x108
	ErrCodeSettingsError         ErrCode = 0x109
	ErrCodeMissingSettings       ErrCode = 0x10a
	ErrCodeRequestRejected       ErrCode = 0x10b
	ErrCodeRequestCancelled      ErrCode = 0x10c
	ErrCodeRequestIncomplete     ErrCode = 0x10d
	ErrCodeMessageError          ErrCode = 0x10e
	ErrCodeQPACKDecompression    ErrCode = 0x200
	ErrCodeQPACKEncoderStream    ErrCode = 0x201
	ErrCodeQPACKDecoderStream    ErrCode = 0x202
)

func (c ErrCode) String() string {
	switch c {
	case ErrCodeNoError:
		return "H3_NO_ERROR"
	case ErrCodeGeneralProtocolError:
		return "H3_GENERAL_PROTOCOL_ERROR"
	case ErrCodeInternalError:
		return "H3_INTERNAL_ERROR"
	case ErrCodeStreamCreationError:
		return "H3_STREAM_CREATION_ERROR"
	case ErrCodeClosedCriticalStream:
		return "H3_CLOSED_CRITICAL_STREAM"
	case ErrCodeFrameUnexpected:
		return "H3_FRAME_UNEXPECTED"
	case ErrCodeFrameError:
		return "H3_FRAME_ERROR"
	case ErrCodeExcessiveLoad:
		return "H3_EXCESSIVE_LOAD"
	case ErrCodeIDError:
		return "H3_ID_ERROR"
	case ErrCodeSettingsError:
		return "H3_SETTINGS_ERROR"
	case ErrCodeMissingSettings:
		return "H3_MISSING_SETTINGS"
	case ErrCodeRequestRejected:
		return "H3_REQUEST_REJECTED"
	case ErrCodeRequestCancelled:
		return "H3_REQUEST_CANCELLED"
	case ErrCodeRequestIncomplete:
		return "H3_REQUEST_INCOMPLETE"
	case ErrCodeMessageError:
		return "H3_MESSAGE_ERROR"
	case ErrCodeQPACKDecompression:
		return "QPACK_DECOMPRESSION_FAILED"
	case ErrCodeQPACKEncoderStream:
		return "QPACK_ENCODER_STREAM_ERROR"
	case ErrCodeQPACKDecoderStream:
		return "QPACK_DECODER_STREAM_ERROR"
	default:
		return fmt.Sprintf("H3 error 0x%x", uint64(c))
	}
}

// connError terminates the whole HTTP/3 connection.
type connError struct {
	code ErrCode
	msg  string
}

func (e *connError) Error() string { return fmt.Sprintf("%s: %s", e.code, e.msg) }

func newConnError(code ErrCode, format string, args ...interface{}) *connError {
	return &connError{code: code, msg: fmt.Sprintf(format, args...)}
}

// streamError aborts a single request stream.
type streamError struct {
	code ErrCode
	msg  string
}

func (e *streamError) Error() string { return fmt.Sprintf("%s: %s", e.code, e.msg) }

func newStreamError(code ErrCode, format string, args ...interface{}) *streamError {
	return &streamError{code: code, msg: fmt.Sprintf(format, args...)}
}

// frameHeader is the type/length prefix of an HTTP/3 frame.
type frameHeader struct {
	Type   uint64
	Length uint64
}

// readFrameHeader reads the next frame's type and length varints.
func readFrameHeader(r quicvarint.Reader) (frameHeader, error) {
	typ, err := quicvarint.Read(r)
	if err != nil {
		return frameHeader{}, err
	}
	length, err := quicvarint.Read(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return frameHeader{}, err
	}
	return frameHeader{Type: typ, Length: length}, nil
}

// skipFrame discards the payload of a frame we do not process.
func skipFrame(r io.Reader, length uint64) error {
	_, err := io.CopyN(io.Discard, r, int64(length))
	return err
}

// appendFrame serializes a frame with the given payload.
func appendFrame(b []byte, typ uint64, payload []byte) []byte {
	b = quicvarint.Append(b, typ)
	b = quicvarint.Append(b, uint64(len(payload)))
	return append(b, payload...)
}

// settings is a parsed SETTINGS payload.
type settings map[uint64]uint64

// parseSettings decodes a SETTINGS frame payload. Duplicate identifiers and
// reserved HTTP/2 settings are connection errors (RFC 9114, Section 7.2.4).
func parseSettings(payload []byte) (settings, error) {
	s := make(settings)
	r := newByteReader(payload)
	for r.Len() > 0 {
		id, err := quicvarint.Read(r)
		if err != nil {
			return nil, newConnError(ErrCodeFrameError, "truncated SETTINGS identifier")
		}
		value, err := quicvarint.Read(r)
		if err != nil {
			return nil, newConnError(ErrCodeFrameError, "truncated SETTINGS value")
		}
		if id >= 0x02 && id <= 0x05 {
			return nil, newConnError(ErrCodeSettingsError, "reserved HTTP/2 setting 0x%x", id)
		}
		if _, dup := s[id]; dup {
			return nil, newConnError(ErrCodeSettingsError, "duplicate setting 0x%x", id)
		}
		s[id] = value
	}
	return s, nil
}

// appendSettings serializes a SETTINGS frame including its header.
func appendSettings(b []byte, pairs ...[2]uint64) []byte {
	var payload []byte
	for _, p := range pairs {
		payload = quicvarint.Append(payload, p[0])
		payload = quicvarint.Append(payload, p[1])
	}
	return appendFrame(b, frameTypeSettings, payload)
}

// byteReader adapts a byte slice to quicvarint.Reader with a remaining-length
// check.
type byteReader struct {
	buf []byte
	off int
}

func newByteReader(b []byte) *byteReader { return &byteReader{buf: b} }

func (r *byteReader) Len() int { return len(r.buf) - r.off }

func (r *byteReader) ReadByte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, io.EOF
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.off >= len(r.buf) {
		return 0, io.EOF
	}
	n := copy(p, r.buf[r.off:])
	r.off += n
	return n, nil
}
