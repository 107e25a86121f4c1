package http3

import (
	"errors"
	"sync"

	"golang.org/x/net/http2/hpack"
)

// field is a decoded header field line.
type field struct {
	Name  string
	Value string
}

func (f field) size() uint64 { return uint64(len(f.Name)+len(f.Value)) + 32 }

// qpackStaticTable is the static table from RFC 9204, Appendix A.
// Indices are zero-based.
var qpackStaticTable = []field{
	{":authority", ""},
	{":path", "/"},
	{"age", "0"},
	{"content-disposition", ""},
	{"content-length", "0"},
	{"cookie", ""},
	{"date", ""},
	{"etag", ""},
	{"if-modified-since", ""},
	{"if-none-match", ""},
	{"last-modified", ""},
	{"link", ""},
	{"location", ""},
	{"referer", ""},
	{"set-cookie", ""},
	{":method", "CONNECT"},
	{":method", "DELETE"},
	{":method", "GET"},
	{":method", "HEAD"},
	{":method", "OPTIONS"},
	{":method", "POST"},
	{":method", "PUT"},
	{":scheme", "http"},
	{":scheme", "https"},
	{":status", "103"},
	{":status", "200"},
	{":status", "304"},
	{":status", "404"},
	{":status", "503"},
	{"accept", "*/*"},
	{"accept", "application/dns-message"},
	{"accept-encoding", "gzip, deflate, br"},
	{"accept-ranges", "bytes"},
	{"access-control-allow-headers", "cache-control"},
	{"access-control-allow-headers", "content-type"},
	{"access-control-allow-origin", "*"},
	{"cache-control", "max-age=0"},
	{"cache-control", "max-age=2592000"},
	{"cache-control", "max-age=604800"},
	{"cache-control", "no-cache"},
	{"cache-control", "no-store"},
	{"cache-control", "public, max-age=31536000"},
	{"content-encoding", "br"},
	{"content-encoding", "gzip"},
	{"content-type", "application/dns-message"},
	{"content-type", "application/javascript"},
	{"content-type", "application/json"},
	{"content-type", "application/x-www-form-urlencoded"},
	{"content-type", "image/gif"},
	{"content-type", "image/jpeg"},
	{"content-type", "image/png"},
	{"content-type", "text/css"},
	{"content-type", "text/html; charset=utf-8"},
	{"content-type", "text/plain"},
	{"content-type", "text/plain;charset=utf-8"},
	{"range", "bytes=0-"},
	{"strict-transport-security", "max-age=31536000"},
	{"strict-transport-security", "max-age=31536000; includesubdomains"},
	{"strict-transport-security", "max-age=31536000; includesubdomains; preload"},
	{"vary", "accept-encoding"},
	{"vary", "origin"},
	{"x-content-type-options", "nosniff"},
	{"x-xss-protection", "1; mode=block"},
	{":status", "100"},
	{":status", "204"},
	{":status", "206"},
	{":status", "302"},
	{":status", "400"},
	{":status", "403"},
	{":status", "421"},
	{":status", "425"},
	{":status", "500"},
	{"accept-language", ""},
	{"access-control-allow-credentials", "FALSE"},
	{"access-control-allow-credentials", "TRUE"},
	{"access-control-allow-headers", "*"},
	{"access-control-allow-methods", "get"},
	{"access-control-allow-methods", "get, post, options"},
	{"access-control-allow-methods", "options"},
	{"access-control-expose-headers", "content-length"},
	{"access-control-request-headers", "content-type"},
	{"access-control-request-method", "get"},
	{"access-control-request-method", "post"},
	{"alt-svc", "clear"},
	{"authorization", ""},
	{"content-security-policy", "script-src 'none'; object-src 'none'; base-uri 'none'"},
	{"early-data", "1"},
	{"expect-ct", ""},
	{"forwarded", ""},
	{"if-range", ""},
	{"origin", ""},
	{"purpose", "prefetch"},
	{"server", ""},
	{"timing-allow-origin", "*"},
	{"upgrade-insecure-requests", "1"},
	{"user-agent", ""},
	{"x-forwarded-for", ""},
	{"x-frame-options", "deny"},
	{"x-frame-options", "sameorigin"},
}

// errNeedMore signals an instruction that is split across stream reads.
var errNeedMore = errors.New("incomplete instruction")

// qpackDecoder decodes field sections using the dynamic table the peer's
// encoder stream populates. Sections referencing entries that have not
// arrived yet block until the Required Insert Count is satisfied.
type qpackDecoder struct {
	mu   sync.Mutex
	cond *sync.Cond

	// maxCapacity is the limit we advertised in
	// SETTINGS_QPACK_MAX_TABLE_CAPACITY.
	maxCapacity uint64
	// maxBlocked is the limit we advertised in SETTINGS_QPACK_BLOCKED_STREAMS.
	maxBlocked int

	capacity    uint64
	size        uint64
	entries     []field
	dropped     uint64 // entries evicted from the front
	insertCount uint64

	blocked int
	failed  error
}

func newQPACKDecoder(maxCapacity uint64, maxBlocked int) *qpackDecoder {
	d := &qpackDecoder{maxCapacity: maxCapacity, maxBlocked: maxBlocked}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// fail unblocks all pending sections with the given error.
func (d *qpackDecoder) fail(err error) {
	d.mu.Lock()
	if d.failed == nil {
		d.failed = err
	}
	d.cond.Broadcast()
	d.mu.Unlock()
}

// entryAt returns the dynamic table entry with the given absolute index.
func (d *qpackDecoder) entryAt(abs uint64) (field, error) {
	if abs >= d.insertCount || abs < d.dropped {
		return field{}, newConnError(ErrCodeQPACKDecompression, "dynamic table index %d out of range", abs)
	}
	return d.entries[abs-d.dropped], nil
}

func (d *qpackDecoder) insert(f field) error {
	sz := f.size()
	if sz > d.capacity {
		return newConnError(ErrCodeQPACKEncoderStream, "entry larger than table capacity")
	}
	for d.size+sz > d.capacity {
		evicted := d.entries[0]
		d.entries = d.entries[1:]
		d.dropped++
		d.size -= evicted.size()
	}
	d.entries = append(d.entries, f)
	d.size += sz
	d.insertCount++
	return nil
}

func (d *qpackDecoder) setCapacity(capacity uint64) error {
	if capacity > d.maxCapacity {
		return newConnError(ErrCodeQPACKEncoderStream, "capacity %d exceeds advertised maximum %d", capacity, d.maxCapacity)
	}
	for d.size > capacity {
		evicted := d.entries[0]
		d.entries = d.entries[1:]
		d.dropped++
		d.size -= evicted.size()
	}
	d.capacity = capacity
	return nil
}

// processEncoderData consumes as many complete encoder instructions from b as
// possible and returns the number of bytes consumed. The caller buffers the
// remainder until more stream data arrives.
func (d *qpackDecoder) processEncoderData(b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	consumed := 0
	for consumed < len(b) {
		n, err := d.processInstruction(b[consumed:])
		if errors.Is(err, errNeedMore) {
			break
		}
		if err != nil {
			return consumed, err
		}
		consumed += n
	}
	d.cond.Broadcast()
	return consumed, nil
}

// processInstruction parses a single encoder instruction (RFC 9204,
// Section 4.3). Called with d.mu held.
func (d *qpackDecoder) processInstruction(b []byte) (int, error) {
	switch {
	case b[0]&0x80 != 0: // Insert With Name Reference
		static := b[0]&0x40 != 0
		idx, n, err := readPrefixedInt(b, 6)
		if err != nil {
			return 0, err
		}
		var name string
		if static {
			if idx >= uint64(len(qpackStaticTable)) {
				return 0, newConnError(ErrCodeQPACKEncoderStream, "static name index %d out of range", idx)
			}
			name = qpackStaticTable[idx].Name
		} else {
			if idx >= d.insertCount-d.dropped {
				return 0, newConnError(ErrCodeQPACKEncoderStream, "dynamic name index %d out of range", idx)
			}
			// Relative to the most recent insertion.
			abs := d.insertCount - 1 - idx
			ent, err := d.entryAt(abs)
			if err != nil {
				return 0, newConnError(ErrCodeQPACKEncoderStream, "referenced name evicted")
			}
			name = ent.Name
		}
		value, vn, err := readPrefixedString(b[n:], 7)
		if err != nil {
			return 0, err
		}
		return n + vn, d.insert(field{Name: name, Value: value})

	case b[0]&0x40 != 0: // Insert With Literal Name
		name, n, err := readPrefixedString(b, 5)
		if err != nil {
			return 0, err
		}
		value, vn, err := readPrefixedString(b[n:], 7)
		if err != nil {
			return 0, err
		}
		return n + vn, d.insert(field{Name: name, Value: value})

	case b[0]&0x20 != 0: // Set Dynamic Table Capacity
		capacity, n, err := readPrefixedInt(b, 5)
		if err != nil {
			return 0, err
		}
		return n, d.setCapacity(capacity)

	default: // Duplicate
		idx, n, err := readPrefixedInt(b, 5)
		if err != nil {
			return 0, err
		}
		if idx >= d.insertCount-d.dropped {
			return 0, newConnError(ErrCodeQPACKEncoderStream, "duplicate index %d out of range", idx)
		}
		ent, err := d.entryAt(d.insertCount - 1 - idx)
		if err != nil {
			return 0, newConnError(ErrCodeQPACKEncoderStream, "duplicated entry evicted")
		}
		return n, d.insert(ent)
	}
}

// decodeFieldSection decodes an encoded field section (RFC 9204, Section 4.5),
// blocking until the section's Required Insert Count has been received. It
// returns the decoded fields and the Required Insert Count; a nonzero count
// obliges the caller to send a Section Acknowledgment.
func (d *qpackDecoder) decodeFieldSection(b []byte) ([]field, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	encodedRIC, n, err := readPrefixedInt(b, 8)
	if err != nil {
		return nil, 0, newStreamError(ErrCodeQPACKDecompression, "truncated section prefix")
	}
	ric, err := d.reconstructInsertCount(encodedRIC)
	if err != nil {
		return nil, 0, err
	}
	if ric > d.insertCount {
		if d.maxBlocked > 0 && d.blocked >= d.maxBlocked {
			return nil, 0, newStreamError(ErrCodeQPACKDecompression, "too many blocked streams")
		}
		d.blocked++
		for ric > d.insertCount && d.failed == nil {
			d.cond.Wait()
		}
		d.blocked--
		if d.failed != nil {
			return nil, 0, d.failed
		}
	}
	b = b[n:]
	if len(b) == 0 {
		return nil, 0, newStreamError(ErrCodeQPACKDecompression, "missing Delta Base")
	}
	sign := b[0]&0x80 != 0
	delta, n, err := readPrefixedInt(b, 7)
	if err != nil {
		return nil, 0, newStreamError(ErrCodeQPACKDecompression, "truncated Delta Base")
	}
	var base uint64
	if sign {
		if delta+1 > ric {
			return nil, 0, newStreamError(ErrCodeQPACKDecompression, "negative Base")
		}
		base = ric - delta - 1
	} else {
		base = ric + delta
	}
	b = b[n:]

	var fields []field
	for len(b) > 0 {
		f, n, err := d.decodeFieldLine(b, base)
		if err != nil {
			if errors.Is(err, errNeedMore) {
				err = newStreamError(ErrCodeQPACKDecompression, "truncated field line")
			}
			return nil, 0, err
		}
		fields = append(fields, f)
		b = b[n:]
	}
	return fields, ric, nil
}

// decodeFieldLine parses one field line representation. Called with d.mu held.
func (d *qpackDecoder) decodeFieldLine(b []byte, base uint64) (field, int, error) {
	switch {
	case b[0]&0x80 != 0: // Indexed Field Line
		static := b[0]&0x40 != 0
		idx, n, err := readPrefixedInt(b, 6)
		if err != nil {
			return field{}, 0, err
		}
		if static {
			if idx >= uint64(len(qpackStaticTable)) {
				return field{}, 0, newStreamError(ErrCodeQPACKDecompression, "static index %d out of range", idx)
			}
			return qpackStaticTable[idx], n, nil
		}
		if idx+1 > base {
			return field{}, 0, newStreamError(ErrCodeQPACKDecompression, "relative index %d under Base %d", idx, base)
		}
		f, err := d.entryAt(base - 1 - idx)
		return f, n, err

	case b[0]&0x40 != 0: // Literal Field Line With Name Reference
		static := b[0]&0x10 != 0
		idx, n, err := readPrefixedInt(b, 4)
		if err != nil {
			return field{}, 0, err
		}
		var name string
		if static {
			if idx >= uint64(len(qpackStaticTable)) {
				return field{}, 0, newStreamError(ErrCodeQPACKDecompression, "static name index %d out of range", idx)
			}
			name = qpackStaticTable[idx].Name
		} else {
			if idx+1 > base {
				return field{}, 0, newStreamError(ErrCodeQPACKDecompression, "relative name index %d under Base %d", idx, base)
			}
			ent, err := d.entryAt(base - 1 - idx)
			if err != nil {
				return field{}, 0, err
			}
			name = ent.Name
		}
		value, vn, err := readPrefixedString(b[n:], 7)
		if err != nil {
			return field{}, 0, err
		}
		return field{Name: name, Value: value}, n + vn, nil

	case b[0]&0x20 != 0: // Literal Field Line With Literal Name
		name, n, err := readPrefixedString(b, 3)
		if err != nil {
			return field{}, 0, err
		}
		value, vn, err := readPrefixedString(b[n:], 7)
		if err != nil {
			return field{}, 0, err
		}
		return field{Name: name, Value: value}, n + vn, nil

	case b[0]&0x10 != 0: // Indexed Field Line With Post-Base Index
		idx, n, err := readPrefixedInt(b, 4)
		if err != nil {
			return field{}, 0, err
		}
		f, err := d.entryAt(base + idx)
		return f, n, err

	default: // Literal Field Line With Post-Base Name Reference
		idx, n, err := readPrefixedInt(b, 3)
		if err != nil {
			return field{}, 0, err
		}
		ent, err := d.entryAt(base + idx)
		if err != nil {
			return field{}, 0, err
		}
		value, vn, err := readPrefixedString(b[n:], 7)
		if err != nil {
			return field{}, 0, err
		}
		return field{Name: ent.Name, Value: value}, n + vn, nil
	}
}

// reconstructInsertCount recovers the Required Insert Count from its encoded
// form (RFC 9204, Section 4.5.1.1). Called with d.mu held.
func (d *qpackDecoder) reconstructInsertCount(encoded uint64) (uint64, error) {
	if encoded == 0 {
		return 0, nil
	}
	maxEntries := d.maxCapacity / 32
	fullRange := 2 * maxEntries
	if encoded > fullRange {
		return 0, newStreamError(ErrCodeQPACKDecompression, "Required Insert Count %d outside range", encoded)
	}
	maxValue := d.insertCount + maxEntries
	maxWrapped := (maxValue / fullRange) * fullRange
	ric := maxWrapped + encoded - 1
	if ric > maxValue {
		if ric <= fullRange {
			return 0, newStreamError(ErrCodeQPACKDecompression, "Required Insert Count underflow")
		}
		ric -= fullRange
	}
	if ric == 0 {
		return 0, newStreamError(ErrCodeQPACKDecompression, "Required Insert Count is zero")
	}
	return ric, nil
}

// appendSectionAck serializes a Section Acknowledgment decoder instruction
// (RFC 9204, Section 4.4.1).
func appendSectionAck(b []byte, streamID uint64) []byte {
	return appendPrefixedInt(b, 0x80, 7, streamID)
}

// readPrefixedInt decodes a QPACK prefix integer with the given prefix width.
// It returns the value and the number of bytes consumed.
func readPrefixedInt(b []byte, prefix uint8) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, errNeedMore
	}
	mask := uint64(1)<<prefix - 1
	v := uint64(b[0]) & mask
	if v < mask {
		return v, 1, nil
	}
	n := 1
	var shift uint
	for {
		if n >= len(b) {
			return 0, 0, errNeedMore
		}
		if shift > 56 {
			return 0, 0, newConnError(ErrCodeQPACKDecompression, "prefix integer overflow")
		}
		c := b[n]
		n++
		v += uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, n, nil
		}
		shift += 7
	}
}

// appendPrefixedInt encodes v as a prefix integer, OR-ing pattern into the
// first byte's high bits.
func appendPrefixedInt(b []byte, pattern byte, prefix uint8, v uint64) []byte {
	mask := uint64(1)<<prefix - 1
	if v < mask {
		return append(b, pattern|byte(v))
	}
	b = append(b, pattern|byte(mask))
	v -= mask
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

// readPrefixedString decodes a length-prefixed string whose first byte
// carries an H (Huffman) bit just above the length prefix.
func readPrefixedString(b []byte, prefix uint8) (string, int, error) {
	if len(b) == 0 {
		return "", 0, errNeedMore
	}
	huffman := b[0]&(1<<prefix) != 0
	length, n, err := readPrefixedInt(b, prefix)
	if err != nil {
		return "", 0, err
	}
	if uint64(len(b)-n) < length {
		return "", 0, errNeedMore
	}
	raw := b[n : n+int(length)]
	if huffman {
		s, err := hpack.HuffmanDecodeToString(raw)
		if err != nil {
			return "", 0, newConnError(ErrCodeQPACKDecompression, "huffman decode: %v", err)
		}
		return s, n + int(length), nil
	}
	return string(raw), n + int(length), nil
}
