package http3

import (
	"bytes"
	"errors"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameHeaderRoundTrip(t *testing.T) {
	payload := []byte("hello")
	buf := appendFrame(nil, frameTypeData, payload)

	r := quicvarint.NewReader(bytes.NewReader(buf))
	hdr, err := readFrameHeader(r)
	require.NoError(t, err)
	assert.Equal(t, frameTypeData, hdr.Type)
	assert.Equal(t, uint64(len(payload)), hdr.Length)

	rest := make([]byte, hdr.Length)
	_, err = r.Read(rest)
	require.NoError(t, err)
	assert.Equal(t, payload, rest)
}

func TestParseSettings(t *testing.T) {
	buf := appendSettings(nil,
		[2]uint64{settingMaxFieldSectionSize, 16384},
		[2]uint64{settingQPACKMaxTableCapacity, 4096},
	)
	r := quicvarint.NewReader(bytes.NewReader(buf))
	hdr, err := readFrameHeader(r)
	require.NoError(t, err)
	require.Equal(t, frameTypeSettings, hdr.Type)

	payload := make([]byte, hdr.Length)
	_, err = r.Read(payload)
	require.NoError(t, err)

	s, err := parseSettings(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(16384), s[settingMaxFieldSectionSize])
	assert.Equal(t, uint64(4096), s[settingQPACKMaxTableCapacity])
}

func TestParseSettingsRejectsDuplicates(t *testing.T) {
	var payload []byte
	payload = quicvarint.Append(payload, settingMaxFieldSectionSize)
	payload = quicvarint.Append(payload, 100)
	payload = quicvarint.Append(payload, settingMaxFieldSectionSize)
	payload = quicvarint.Append(payload, 200)

	_, err := parseSettings(payload)
	var ce *connError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrCodeSettingsError, ce.code)
}

func TestParseSettingsRejectsReservedIdentifiers(t *testing.T) {
	// 0x02-0x05 are HTTP/2 settings that must not reappear in HTTP/3.
	var payload []byte
	payload = quicvarint.Append(payload, 0x03)
	payload = quicvarint.Append(payload, 1)

	_, err := parseSettings(payload)
	var ce *connError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrCodeSettingsError, ce.code)
}

func TestParseSettingsRejectsTruncatedPayload(t *testing.T) {
	var payload []byte
	payload = quicvarint.Append(payload, settingQPACKBlockedStreams)
	// Value varint missing.

	_, err := parseSettings(payload)
	var ce *connError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrCodeFrameError, ce.code)
}
