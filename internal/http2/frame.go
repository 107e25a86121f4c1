package http2

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType identifies an HTTP/2 frame (RFC 9113 section 6).
type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameRSTStream    FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

var frameTypeNames = map[FrameType]string{
	FrameData:         "DATA",
	FrameHeaders:      "HEADERS",
	FramePriority:     "PRIORITY",
	FrameRSTStream:    "RST_STREAM",
	FrameSettings:     "SETTINGS",
	FramePushPromise:  "PUSH_PROMISE",
	FramePing:         "PING",
	FrameGoAway:       "GOAWAY",
	FrameWindowUpdate: "WINDOW_UPDATE",
	FrameContinuation: "CONTINUATION",
}

func (t FrameType) String() string {
	if name, ok := frameTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_FRAME_TYPE_%d", uint8(t))
}

// Flags is the 8-bit flags field of a frame header. Flag meanings depend on
// the frame type.
type Flags uint8

const (
	FlagDataEndStream Flags = 0x1
	FlagDataPadded    Flags = 0x8

	FlagHeadersEndStream  Flags = 0x1
	FlagHeadersEndHeaders Flags = 0x4
	FlagHeadersPadded     Flags = 0x8
	FlagHeadersPriority   Flags = 0x20

	FlagSettingsAck Flags = 0x1

	FlagPingAck Flags = 0x1

	FlagContinuationEndHeaders Flags = 0x4

	FlagPushPromiseEndHeaders Flags = 0x4
	FlagPushPromisePadded     Flags = 0x8
)

// SettingID identifies a SETTINGS parameter (RFC 9113 section 6.5.2).
type SettingID uint16

const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

var settingIDNames = map[SettingID]string{
	SettingHeaderTableSize:      "SETTINGS_HEADER_TABLE_SIZE",
	SettingEnablePush:           "SETTINGS_ENABLE_PUSH",
	SettingMaxConcurrentStreams: "SETTINGS_MAX_CONCURRENT_STREAMS",
	SettingInitialWindowSize:    "SETTINGS_INITIAL_WINDOW_SIZE",
	SettingMaxFrameSize:         "SETTINGS_MAX_FRAME_SIZE",
	SettingMaxHeaderListSize:    "SETTINGS_MAX_HEADER_LIST_SIZE",
}

func (s SettingID) String() string {
	if name, ok := settingIDNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_SETTING_ID_%d", uint16(s))
}

const (
	// FrameHeaderLen is the fixed length of the frame header.
	FrameHeaderLen = 9

	// SETTINGS_MAX_FRAME_SIZE must stay within [2^14, 2^24-1].
	DefaultMaxFrameSize uint32 = 1 << 14
	MinAllowedFrameSize uint32 = 1 << 14
	MaxAllowedFrameSize uint32 = (1 << 24) - 1

	DefaultInitialWindowSize uint32 = 65535
	DefaultEnablePush        uint32 = 1
)

// FrameHeader is the 9-octet header common to all frames. The reserved bit of
// the stream identifier is masked off on read and zeroed on write.
type FrameHeader struct {
	Length   uint32
	Type     FrameType
	Flags    Flags
	StreamID uint32
	raw      [FrameHeaderLen]byte
}

// ReadFrameHeader reads the fixed header from r.
func ReadFrameHeader(r io.Reader) (FrameHeader, error) {
	var fh FrameHeader
	if _, err := io.ReadFull(r, fh.raw[:]); err != nil {
		return FrameHeader{}, err
	}
	fh.Length = uint32(fh.raw[0])<<16 | uint32(fh.raw[1])<<8 | uint32(fh.raw[2])
	fh.Type = FrameType(fh.raw[3])
	fh.Flags = Flags(fh.raw[4])
	fh.StreamID = binary.BigEndian.Uint32(fh.raw[5:]) & 0x7FFFFFFF
	return fh, nil
}

// WriteTo serializes the header to w.
func (fh *FrameHeader) WriteTo(w io.Writer) (int64, error) {
	fh.raw[0] = byte(fh.Length >> 16)
	fh.raw[1] = byte(fh.Length >> 8)
	fh.raw[2] = byte(fh.Length)
	fh.raw[3] = byte(fh.Type)
	fh.raw[4] = byte(fh.Flags)
	binary.BigEndian.PutUint32(fh.raw[5:9], fh.StreamID&0x7FFFFFFF)
	n, err := w.Write(fh.raw[:])
	return int64(n), err
}

// Frame is one parsed or to-be-written HTTP/2 frame.
type Frame interface {
	Header() *FrameHeader
	ParsePayload(r io.Reader, header FrameHeader) error
	WritePayload(w io.Writer) (int64, error)
	PayloadLen() uint32
}

// DataFrame carries request or response body octets (RFC 9113 section 6.1).
type DataFrame struct {
	FrameHeader
	PadLength uint8
	Data      []byte
	Padding   []byte
}

func (f *DataFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *DataFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if header.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "received DATA on stream 0")
	}

	dataLen := header.Length
	if f.Flags&FlagDataPadded != 0 {
		if header.Length == 0 {
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("padded DATA frame on stream %d has zero-length payload", header.StreamID))
		}
		var padLen [1]byte
		if _, err := io.ReadFull(r, padLen[:]); err != nil {
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("DATA frame on stream %d truncated before pad length: %v", header.StreamID, err))
		}
		f.PadLength = padLen[0]
		if uint32(f.PadLength)+1 > header.Length {
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("DATA frame on stream %d declares %d padding octets in a %d octet payload",
					header.StreamID, f.PadLength, header.Length))
		}
		dataLen = header.Length - 1 - uint32(f.PadLength)
	} else {
		f.PadLength = 0
	}

	f.Data = make([]byte, dataLen)
	if _, err := io.ReadFull(r, f.Data); err != nil {
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("reading DATA payload on stream %d: %v", header.StreamID, err))
	}

	if f.Flags&FlagDataPadded != 0 {
		f.Padding = make([]byte, f.PadLength)
		if _, err := io.ReadFull(r, f.Padding); err != nil {
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("reading DATA padding on stream %d: %v", header.StreamID, err))
		}
	} else {
		f.Padding = nil
	}
	return nil
}

func (f *DataFrame) WritePayload(w io.Writer) (int64, error) {
	var total int64
	if f.Flags&FlagDataPadded != 0 {
		n, err := w.Write([]byte{f.PadLength})
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	n, err := w.Write(f.Data)
	total += int64(n)
	if err != nil {
		return total, err
	}
	if f.Flags&FlagDataPadded != 0 {
		n, err = w.Write(f.Padding)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (f *DataFrame) PayloadLen() uint32 {
	length := uint32(len(f.Data))
	if f.Flags&FlagDataPadded != 0 {
		length += 1 + uint32(f.PadLength)
	}
	return length
}

// HeadersFrame opens a stream with a header block fragment (RFC 9113
// section 6.2). Priority fields are parsed but only advisory.
type HeadersFrame struct {
	FrameHeader
	PadLength           uint8
	Exclusive           bool
	StreamDependency    uint32
	Weight              uint8
	HeaderBlockFragment []byte
	Padding             []byte
}

func (f *HeadersFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *HeadersFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	remaining := f.Length
	consumed := uint32(0)

	if f.Flags&FlagHeadersPadded != 0 {
		var padLen [1]byte
		if _, err := io.ReadFull(r, padLen[:]); err != nil {
			return fmt.Errorf("reading pad length: %w", err)
		}
		f.PadLength = padLen[0]
		remaining--
		consumed++
		if uint32(f.PadLength) > remaining {
			return fmt.Errorf("pad length %d exceeds remaining payload length %d", f.PadLength, remaining)
		}
	}

	if f.Flags&FlagHeadersPriority != 0 {
		if remaining < 5 {
			return fmt.Errorf("payload too short for priority fields: %d", remaining)
		}
		var prio [5]byte
		if _, err := io.ReadFull(r, prio[:]); err != nil {
			return fmt.Errorf("reading priority fields: %w", err)
		}
		dep := binary.BigEndian.Uint32(prio[0:4])
		f.Exclusive = dep>>31 == 1
		f.StreamDependency = dep & 0x7FFFFFFF
		f.Weight = prio[4]
		remaining -= 5
		consumed += 5
	}

	fragLen := remaining
	if f.Flags&FlagHeadersPadded != 0 {
		fragLen -= uint32(f.PadLength)
	}
	f.HeaderBlockFragment = make([]byte, fragLen)
	if _, err := io.ReadFull(r, f.HeaderBlockFragment); err != nil {
		return fmt.Errorf("reading header block fragment: %w", err)
	}
	consumed += fragLen

	if f.Flags&FlagHeadersPadded != 0 {
		f.Padding = make([]byte, f.PadLength)
		if _, err := io.ReadFull(r, f.Padding); err != nil {
			return fmt.Errorf("reading padding: %w", err)
		}
		consumed += uint32(f.PadLength)
	}

	if consumed != f.Length {
		return fmt.Errorf("HEADERS payload accounting mismatch: header declares %d, consumed %d", f.Length, consumed)
	}
	return nil
}

func (f *HeadersFrame) WritePayload(w io.Writer) (int64, error) {
	var total int64
	if f.Flags&FlagHeadersPadded != 0 {
		n, err := w.Write([]byte{f.PadLength})
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	if f.Flags&FlagHeadersPriority != 0 {
		var prio [5]byte
		dep := f.StreamDependency
		if f.Exclusive {
			dep |= 1 << 31
		}
		binary.BigEndian.PutUint32(prio[0:4], dep)
		prio[4] = f.Weight
		n, err := w.Write(prio[:])
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	n, err := w.Write(f.HeaderBlockFragment)
	total += int64(n)
	if err != nil {
		return total, err
	}
	if f.Flags&FlagHeadersPadded != 0 {
		n, err = w.Write(f.Padding)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (f *HeadersFrame) PayloadLen() uint32 {
	length := uint32(len(f.HeaderBlockFragment))
	if f.Flags&FlagHeadersPadded != 0 {
		length += 1 + uint32(f.PadLength)
	}
	if f.Flags&FlagHeadersPriority != 0 {
		length += 5
	}
	return length
}

// PriorityFrame carries advisory stream priority (RFC 9113 section 6.3).
type PriorityFrame struct {
	FrameHeader
	Exclusive        bool
	StreamDependency uint32
	Weight           uint8
}

func (f *PriorityFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *PriorityFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if f.Length != 5 {
		msg := fmt.Sprintf("PRIORITY frame payload must be 5 bytes, got %d", f.Length)
		if header.StreamID == 0 {
			return NewConnectionError(ErrCodeFrameSizeError, msg)
		}
		return NewStreamError(header.StreamID, ErrCodeFrameSizeError, msg)
	}
	var payload [5]byte
	if _, err := io.ReadFull(r, payload[:]); err != nil {
		return fmt.Errorf("reading PRIORITY payload: %w", err)
	}
	dep := binary.BigEndian.Uint32(payload[0:4])
	f.Exclusive = dep>>31 == 1
	f.StreamDependency = dep & 0x7FFFFFFF
	f.Weight = payload[4]
	return nil
}

func (f *PriorityFrame) WritePayload(w io.Writer) (int64, error) {
	var payload [5]byte
	dep := f.StreamDependency
	if f.Exclusive {
		dep |= 1 << 31
	}
	binary.BigEndian.PutUint32(payload[0:4], dep)
	payload[4] = f.Weight
	n, err := w.Write(payload[:])
	return int64(n), err
}

func (f *PriorityFrame) PayloadLen() uint32 { return 5 }

// RSTStreamFrame tears down a single stream (RFC 9113 section 6.4).
type RSTStreamFrame struct {
	FrameHeader
	ErrorCode ErrorCode
}

func (f *RSTStreamFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *RSTStreamFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if f.Length != 4 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("RST_STREAM frame payload must be 4 bytes, got %d", f.Length))
	}
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("reading RST_STREAM error code: %w", err)
	}
	f.ErrorCode = ErrorCode(binary.BigEndian.Uint32(buf[:]))
	return nil
}

func (f *RSTStreamFrame) WritePayload(w io.Writer) (int64, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(f.ErrorCode))
	n, err := w.Write(buf[:])
	return int64(n), err
}

func (f *RSTStreamFrame) PayloadLen() uint32 { return 4 }

// Setting is one SETTINGS parameter.
type Setting struct {
	ID    SettingID
	Value uint32
}

const settingEntrySize = 6

// SettingsFrame carries connection configuration (RFC 9113 section 6.5).
type SettingsFrame struct {
	FrameHeader
	Settings []Setting
}

func (f *SettingsFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *SettingsFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if f.Flags&FlagSettingsAck != 0 && f.Length != 0 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("SETTINGS ACK frame must have a payload length of 0, got %d", f.Length))
	}
	if f.Length%settingEntrySize != 0 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("SETTINGS frame payload length %d is not a multiple of %d", f.Length, settingEntrySize))
	}

	buf := make([]byte, f.Length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("reading SETTINGS payload: %w", err)
	}

	n := int(f.Length) / settingEntrySize
	f.Settings = make([]Setting, 0, n)
	for i := 0; i < n; i++ {
		off := i * settingEntrySize
		f.Settings = append(f.Settings, Setting{
			ID:    SettingID(binary.BigEndian.Uint16(buf[off : off+2])),
			Value: binary.BigEndian.Uint32(buf[off+2 : off+6]),
		})
	}
	return nil
}

func (f *SettingsFrame) WritePayload(w io.Writer) (int64, error) {
	if f.Flags&FlagSettingsAck != 0 {
		return 0, nil
	}
	var total int64
	buf := make([]byte, settingEntrySize)
	for _, s := range f.Settings {
		binary.BigEndian.PutUint16(buf[0:2], uint16(s.ID))
		binary.BigEndian.PutUint32(buf[2:6], s.Value)
		n, err := w.Write(buf)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (f *SettingsFrame) PayloadLen() uint32 {
	if f.Flags&FlagSettingsAck != 0 {
		return 0
	}
	return uint32(len(f.Settings) * settingEntrySize)
}

// PushPromiseFrame reserves a server-pushed stream (RFC 9113 section 6.6).
// This server never sends one; clients must not either, and the connection
// layer rejects them. The codec still parses the frame so the violation can
// be reported precisely.
type PushPromiseFrame struct {
	FrameHeader
	PadLength           uint8
	PromisedStreamID    uint32
	HeaderBlockFragment []byte
	Padding             []byte
}

func (f *PushPromiseFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *PushPromiseFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if header.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "received PUSH_PROMISE on stream 0")
	}
	remaining := f.Length
	consumed := uint32(0)

	if f.Flags&FlagPushPromisePadded != 0 {
		var padLen [1]byte
		if _, err := io.ReadFull(r, padLen[:]); err != nil {
			return fmt.Errorf("reading pad length: %w", err)
		}
		f.PadLength = padLen[0]
		remaining--
		consumed++
		if uint32(f.PadLength) > remaining {
			return fmt.Errorf("pad length %d exceeds remaining payload length %d", f.PadLength, remaining)
		}
	}

	if remaining < 4 {
		return fmt.Errorf("payload too short for promised stream ID: %d", remaining)
	}
	var idBuf [4]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return fmt.Errorf("reading promised stream ID: %w", err)
	}
	f.PromisedStreamID = binary.BigEndian.Uint32(idBuf[:]) & 0x7FFFFFFF
	remaining -= 4
	consumed += 4

	fragLen := remaining
	if f.Flags&FlagPushPromisePadded != 0 {
		fragLen -= uint32(f.PadLength)
	}
	f.HeaderBlockFragment = make([]byte, fragLen)
	if _, err := io.ReadFull(r, f.HeaderBlockFragment); err != nil {
		return fmt.Errorf("reading header block fragment: %w", err)
	}
	consumed += fragLen

	if f.Flags&FlagPushPromisePadded != 0 {
		f.Padding = make([]byte, f.PadLength)
		if _, err := io.ReadFull(r, f.Padding); err != nil {
			return fmt.Errorf("reading padding: %w", err)
		}
		consumed += uint32(f.PadLength)
	}

	if consumed != f.Length {
		return fmt.Errorf("PUSH_PROMISE payload accounting mismatch: header declares %d, consumed %d", f.Length, consumed)
	}
	return nil
}

func (f *PushPromiseFrame) WritePayload(w io.Writer) (int64, error) {
	var total int64
	if f.Flags&FlagPushPromisePadded != 0 {
		n, err := w.Write([]byte{f.PadLength})
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], f.PromisedStreamID&0x7FFFFFFF)
	n, err := w.Write(idBuf[:])
	total += int64(n)
	if err != nil {
		return total, err
	}
	n, err = w.Write(f.HeaderBlockFragment)
	total += int64(n)
	if err != nil {
		return total, err
	}
	if f.Flags&FlagPushPromisePadded != 0 {
		n, err = w.Write(f.Padding)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (f *PushPromiseFrame) PayloadLen() uint32 {
	length := 4 + uint32(len(f.HeaderBlockFragment))
	if f.Flags&FlagPushPromisePadded != 0 {
		length += 1 + uint32(f.PadLength)
	}
	return length
}

// PingFrame measures liveness and round-trip time (RFC 9113 section 6.7).
type PingFrame struct {
	FrameHeader
	OpaqueData [8]byte
}

func (f *PingFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *PingFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if f.Length != 8 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("PING frame payload must be 8 bytes, got %d", f.Length))
	}
	if _, err := io.ReadFull(r, f.OpaqueData[:]); err != nil {
		return fmt.Errorf("reading PING opaque data: %w", err)
	}
	return nil
}

func (f *PingFrame) WritePayload(w io.Writer) (int64, error) {
	n, err := w.Write(f.OpaqueData[:])
	return int64(n), err
}

func (f *PingFrame) PayloadLen() uint32 { return 8 }

// GoAwayFrame starts connection shutdown (RFC 9113 section 6.8).
type GoAwayFrame struct {
	FrameHeader
	LastStreamID        uint32
	ErrorCode           ErrorCode
	AdditionalDebugData []byte
}

func (f *GoAwayFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *GoAwayFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if f.Length < 8 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("GOAWAY frame payload must be at least 8 bytes, got %d", f.Length))
	}
	var fixed [8]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return fmt.Errorf("reading GOAWAY fixed part: %w", err)
	}
	f.LastStreamID = binary.BigEndian.Uint32(fixed[0:4]) & 0x7FFFFFFF
	f.ErrorCode = ErrorCode(binary.BigEndian.Uint32(fixed[4:8]))

	f.AdditionalDebugData = make([]byte, f.Length-8)
	if _, err := io.ReadFull(r, f.AdditionalDebugData); err != nil {
		return fmt.Errorf("reading GOAWAY debug data: %w", err)
	}
	return nil
}

func (f *GoAwayFrame) WritePayload(w io.Writer) (int64, error) {
	var total int64
	var fixed [8]byte
	binary.BigEndian.PutUint32(fixed[0:4], f.LastStreamID&0x7FFFFFFF)
	binary.BigEndian.PutUint32(fixed[4:8], uint32(f.ErrorCode))
	n, err := w.Write(fixed[:])
	total += int64(n)
	if err != nil {
		return total, err
	}
	if len(f.AdditionalDebugData) > 0 {
		n, err = w.Write(f.AdditionalDebugData)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (f *GoAwayFrame) PayloadLen() uint32 {
	return 8 + uint32(len(f.AdditionalDebugData))
}

// WindowUpdateFrame grants flow-control credit (RFC 9113 section 6.9). A zero
// increment is structurally valid here; the stream and connection layers
// reject it with the error the protocol requires for their level.
type WindowUpdateFrame struct {
	FrameHeader
	WindowSizeIncrement uint32
}

func (f *WindowUpdateFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *WindowUpdateFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if f.Length != 4 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("WINDOW_UPDATE frame payload must be 4 bytes, got %d", f.Length))
	}
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("reading WINDOW_UPDATE increment: %w", err)
	}
	f.WindowSizeIncrement = binary.BigEndian.Uint32(buf[:]) & 0x7FFFFFFF
	return nil
}

func (f *WindowUpdateFrame) WritePayload(w io.Writer) (int64, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], f.WindowSizeIncrement&0x7FFFFFFF)
	n, err := w.Write(buf[:])
	return int64(n), err
}

func (f *WindowUpdateFrame) PayloadLen() uint32 { return 4 }

// ContinuationFrame continues a header block (RFC 9113 section 6.10).
type ContinuationFrame struct {
	FrameHeader
	HeaderBlockFragment []byte
}

func (f *ContinuationFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *ContinuationFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if header.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "received CONTINUATION on stream 0")
	}
	f.HeaderBlockFragment = make([]byte, f.Length)
	if _, err := io.ReadFull(r, f.HeaderBlockFragment); err != nil {
		return fmt.Errorf("reading CONTINUATION header block fragment: %w", err)
	}
	return nil
}

func (f *ContinuationFrame) WritePayload(w io.Writer) (int64, error) {
	n, err := w.Write(f.HeaderBlockFragment)
	return int64(n), err
}

func (f *ContinuationFrame) PayloadLen() uint32 {
	return uint32(len(f.HeaderBlockFragment))
}

// UnknownFrame holds a frame of unrecognized type. Unknown types must be
// ignored, not rejected, so the payload is consumed and kept opaque.
type UnknownFrame struct {
	FrameHeader
	Payload []byte
}

func (f *UnknownFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *UnknownFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	f.Payload = make([]byte, f.Length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return fmt.Errorf("reading unknown frame payload: %w", err)
	}
	return nil
}

func (f *UnknownFrame) WritePayload(w io.Writer) (int64, error) {
	n, err := w.Write(f.Payload)
	return int64(n), err
}

func (f *UnknownFrame) PayloadLen() uint32 {
	return uint32(len(f.Payload))
}

// ReadFrame reads one complete frame from r. Protocol violations detectable
// at the codec level come back as *ConnectionError or *StreamError; anything
// else is an I/O error wrapped with the frame type.
func ReadFrame(r io.Reader) (Frame, error) {
	fh, err := ReadFrameHeader(r)
	if err != nil {
		return nil, err
	}

	var frame Frame
	switch fh.Type {
	case FrameData:
		frame = &DataFrame{}
	case FrameHeaders:
		frame = &HeadersFrame{}
	case FramePriority:
		frame = &PriorityFrame{}
	case FrameRSTStream:
		frame = &RSTStreamFrame{}
	case FrameSettings:
		frame = &SettingsFrame{}
	case FramePushPromise:
		frame = &PushPromiseFrame{}
	case FramePing:
		frame = &PingFrame{}
	case FrameGoAway:
		frame = &GoAwayFrame{}
	case FrameWindowUpdate:
		frame = &WindowUpdateFrame{}
	case FrameContinuation:
		frame = &ContinuationFrame{}
	default:
		frame = &UnknownFrame{}
	}

	if err := frame.ParsePayload(r, fh); err != nil {
		switch err.(type) {
		case *StreamError, *ConnectionError:
			return nil, err
		}
		return nil, fmt.Errorf("parsing %s payload: %w", fh.Type, err)
	}
	return frame, nil
}

// WriteFrame writes one complete frame to w. The header length is recomputed
// from the payload so callers cannot send a header that disagrees with the
// body.
func WriteFrame(w io.Writer, f Frame) error {
	header := f.Header()
	header.Length = f.PayloadLen()

	if _, err := header.WriteTo(w); err != nil {
		return fmt.Errorf("writing frame header for %s (length %d): %w", header.Type, header.Length, err)
	}

	written, err := f.WritePayload(w)
	if err != nil {
		return fmt.Errorf("writing %s payload (declared length %d): %w", header.Type, header.Length, err)
	}
	if uint32(written) != header.Length {
		return fmt.Errorf("internal: %s payload length mismatch: declared %d, wrote %d", header.Type, header.Length, written)
	}
	return nil
}
