package web

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Protocol tags carried on Request.Protocol.
const (
	ProtocolHTTP1 = "HTTP/1.1"
	ProtocolHTTP2 = "HTTP/2.0"
	ProtocolHTTP3 = "HTTP/3.0"
)

// Request is one canonical request, assembled by a protocol adapter.
type Request struct {
	Method    string
	Scheme    string
	Authority string
	// Path is the request target in origin form, including any query.
	Path     string
	Protocol string

	Headers Headers

	// Body never is nil; an empty body is NoBody. The body is finite and
	// not restartable.
	Body io.ReadCloser
	// ContentLength is the declared body length, or -1 when unknown.
	ContentLength int64

	RemoteAddr   string
	ConnectionID string
	// StreamID is the protocol-visible stream id; HTTP/1.1 adapters use a
	// per-connection sequence number.
	StreamID uint64
}

// MalformedRequestError reports a request that failed protocol validation
// before reaching the dispatcher.
type MalformedRequestError struct {
	Reason string
}

func (e *MalformedRequestError) Error() string {
	return "malformed request: " + e.Reason
}

func malformed(format string, args ...interface{}) error {
	return &MalformedRequestError{Reason: fmt.Sprintf(format, args...)}
}

// pseudo-header names shared by the HTTP/2 and HTTP/3 field-section rules.
const (
	pseudoMethod    = ":method"
	pseudoScheme    = ":scheme"
	pseudoAuthority = ":authority"
	pseudoPath      = ":path"
)

// connection-specific headers are forbidden in HTTP/2 and HTTP/3 field
// sections (RFC 9113 §8.2.2, RFC 9114 §4.2).
var connectionSpecificHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// AssembleRequest validates a decoded HTTP/2 or HTTP/3 field section and
// builds the canonical Request from it. Both protocols share the same rules:
// pseudo-headers precede regular fields, each pseudo-header appears at most
// once, names are lowercase, and connection-specific headers are absent.
// The caller fills Body, ContentLength (via DeclaredContentLength), Protocol
// and the addressing fields afterwards.
func AssembleRequest(fields []HeaderField) (*Request, error) {
	req := &Request{Body: NoBody, ContentLength: -1}
	seenPseudo := map[string]bool{}
	inRegular := false

	for _, f := range fields {
		if f.Name == "" {
			return nil, malformed("empty header name")
		}
		if strings.HasPrefix(f.Name, ":") {
			if inRegular {
				return nil, malformed("pseudo-header %s after regular header", f.Name)
			}
			if seenPseudo[f.Name] {
				return nil, malformed("duplicate pseudo-header %s", f.Name)
			}
			seenPseudo[f.Name] = true
			switch f.Name {
			case pseudoMethod:
				req.Method = f.Value
			case pseudoScheme:
				req.Scheme = f.Value
			case pseudoAuthority:
				req.Authority = f.Value
			case pseudoPath:
				req.Path = f.Value
			default:
				return nil, malformed("unknown pseudo-header %s", f.Name)
			}
			continue
		}
		inRegular = true
		if hasUpperASCII(f.Name) {
			return nil, malformed("uppercase header name %q", f.Name)
		}
		if connectionSpecificHeaders[f.Name] {
			return nil, malformed("connection-specific header %q", f.Name)
		}
		if f.Name == "te" && !strings.EqualFold(f.Value, "trailers") {
			return nil, malformed("te header with value other than trailers")
		}
		req.Headers.Add(f.Name, f.Value)
	}

	if req.Method == "" {
		return nil, malformed("missing :method")
	}
	if req.Method == "CONNECT" {
		// The front-end terminates requests itself and has nothing to
		// tunnel to.
		return nil, malformed("CONNECT is not supported")
	}
	if req.Scheme == "" {
		return nil, malformed("missing :scheme")
	}
	if req.Path == "" {
		return nil, malformed("missing :path")
	}
	if req.Path != "*" && !strings.HasPrefix(req.Path, "/") {
		return nil, malformed("path %q is not in origin form", req.Path)
	}
	if req.Path == "*" && req.Method != "OPTIONS" {
		return nil, malformed("asterisk path on non-OPTIONS request")
	}

	if host := req.Headers.Get("host"); host != "" {
		if req.Authority == "" {
			req.Authority = host
		} else if host != req.Authority {
			return nil, malformed("host header %q disagrees with :authority %q", host, req.Authority)
		}
	}

	length, err := DeclaredContentLength(req.Headers)
	if err != nil {
		return nil, err
	}
	req.ContentLength = length
	return req, nil
}

// DeclaredContentLength extracts a validated Content-Length from headers.
// Returns -1 when no Content-Length is present. Multiple fields (or a single
// comma-separated field) must agree, per RFC 9110 §8.6.
func DeclaredContentLength(headers Headers) (int64, error) {
	values := headers.Values("content-length")
	if len(values) == 0 {
		return -1, nil
	}
	var result int64 = -1
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			n, err := parseContentLength(part)
			if err != nil {
				return 0, err
			}
			if result >= 0 && n != result {
				return 0, malformed("conflicting content-length values %d and %d", result, n)
			}
			result = n
		}
	}
	return result, nil
}

func parseContentLength(s string) (int64, error) {
	if s == "" {
		return 0, malformed("empty content-length value")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, malformed("invalid content-length %q", s)
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, malformed("content-length %q overflows", s)
	}
	return n, nil
}

func hasUpperASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if 'A' <= s[i] && s[i] <= 'Z' {
			return true
		}
	}
	return false
}
