package http2

import (
	"bytes"
	"fmt"

	"golang.org/x/net/http2/hpack"
)

// HpackAdapter owns the HPACK state of one connection: an encoder for
// response header blocks and a decoder for request header blocks. HPACK is
// stateful, so the adapter must only ever see one connection's traffic, in
// order.
type HpackAdapter struct {
	encoder       *hpack.Encoder
	decoder       *hpack.Decoder
	encodeBuf     bytes.Buffer
	decodedFields []hpack.HeaderField
	maxTableSize  uint32
}

// NewHpackAdapter creates an adapter whose encoder and decoder both start
// with the given dynamic table size. The decoder side stays at the size we
// advertise in SETTINGS_HEADER_TABLE_SIZE; the encoder side follows the
// peer's setting via SetMaxEncoderDynamicTableSize.
func NewHpackAdapter(initialMaxTableSize uint32) *HpackAdapter {
	a := &HpackAdapter{maxTableSize: initialMaxTableSize}
	a.encoder = hpack.NewEncoder(&a.encodeBuf)
	a.encoder.SetMaxDynamicTableSize(initialMaxTableSize)
	a.decoder = hpack.NewDecoder(initialMaxTableSize, func(hf hpack.HeaderField) {
		a.decodedFields = append(a.decodedFields, hf)
	})
	return a
}

// DecodeFragment feeds one header block fragment to the decoder. Fields
// decoded so far accumulate until FinishDecoding returns them. HEADERS plus
// any CONTINUATION fragments of the same block are fed in arrival order.
func (h *HpackAdapter) DecodeFragment(fragment []byte) error {
	if _, err := h.decoder.Write(fragment); err != nil {
		return fmt.Errorf("hpack: decoding header block fragment: %w", err)
	}
	return nil
}

// FinishDecoding closes the current header block and returns its fields,
// resetting the accumulation state for the next block. A close error still
// returns the fields decoded before the error.
func (h *HpackAdapter) FinishDecoding() ([]hpack.HeaderField, error) {
	err := h.decoder.Close()
	fields := h.decodedFields
	h.decodedFields = nil
	if err != nil {
		return fields, fmt.Errorf("hpack: closing header block: %w", err)
	}
	return fields, nil
}

// ResetDecoderState drops fields accumulated from an aborted header block.
// The decoder's dynamic table is untouched.
func (h *HpackAdapter) ResetDecoderState() {
	h.decodedFields = nil
}

// SetMaxDecoderDynamicTableSize resizes the decoding table. This follows the
// SETTINGS_HEADER_TABLE_SIZE value we advertise.
func (h *HpackAdapter) SetMaxDecoderDynamicTableSize(size uint32) {
	h.decoder.SetMaxDynamicTableSize(size)
	h.maxTableSize = size
}

// SetMaxEncoderDynamicTableSize caps the encoding table. This follows the
// peer's SETTINGS_HEADER_TABLE_SIZE, which the encoder must not exceed.
func (h *HpackAdapter) SetMaxEncoderDynamicTableSize(size uint32) {
	h.encoder.SetMaxDynamicTableSize(size)
}

// Encode encodes fields into one header block and returns a copy of the
// bytes. Empty names are rejected before any field reaches the encoder;
// WriteField mutates the dynamic table, so validation cannot run mid-block.
func (h *HpackAdapter) Encode(fields []hpack.HeaderField) ([]byte, error) {
	for _, hf := range fields {
		if hf.Name == "" {
			return nil, fmt.Errorf("hpack: empty header field name (value %q)", hf.Value)
		}
	}
	h.encodeBuf.Reset()
	for _, hf := range fields {
		if err := h.encoder.WriteField(hf); err != nil {
			return nil, fmt.Errorf("hpack: encoding field %q: %w", hf.Name, err)
		}
	}
	out := make([]byte, h.encodeBuf.Len())
	copy(out, h.encodeBuf.Bytes())
	return out, nil
}
