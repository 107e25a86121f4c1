// Package web defines the canonical request/response model shared by the
// HTTP/1.1, HTTP/2 and HTTP/3 protocol adapters, and the dispatcher that
// hands requests to the application handler. Adapters translate their wire
// formats into these types; nothing protocol-specific leaks past this
// package.
package web

import "strings"

// HeaderField is a single name/value pair. Name comparisons are
// case-insensitive; the canonical wire form for HTTP/2 and HTTP/3 is
// lowercase.
type HeaderField struct {
	Name  string
	Value string
}

// Headers is an ordered header list. Duplicate names are preserved in the
// order they were added, as required for headers like Set-Cookie.
type Headers []HeaderField

// Get returns the value of the first field matching name, or "".
func (h Headers) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns all values for name, in order.
func (h Headers) Values(name string) []string {
	var vals []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// Has reports whether at least one field matches name.
func (h Headers) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Add appends a field to the end of the list.
func (h *Headers) Add(name, value string) {
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// Set replaces every field matching name with a single field holding value.
// The replacement keeps the position of the first match; if none matched, the
// field is appended.
func (h *Headers) Set(name, value string) {
	out := (*h)[:0]
	replaced := false
	for _, f := range *h {
		if strings.EqualFold(f.Name, name) {
			if !replaced {
				out = append(out, HeaderField{Name: name, Value: value})
				replaced = true
			}
			continue
		}
		out = append(out, f)
	}
	if !replaced {
		out = append(out, HeaderField{Name: name, Value: value})
	}
	*h = out
}

// Del removes every field matching name.
func (h *Headers) Del(name string) {
	out := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	*h = out
}

// Clone returns a copy that can be mutated independently.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// LowerName returns the ASCII-lowercased form of a header name, the form
// HPACK and QPACK encode on the wire.
func LowerName(name string) string {
	for i := 0; i < len(name); i++ {
		if c := name[i]; 'A' <= c && c <= 'Z' {
			return strings.ToLower(name)
		}
	}
	return name
}
