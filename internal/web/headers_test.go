package web

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeadersOrderAndDuplicates(t *testing.T) {
	var h Headers
	h.Add("set-cookie", "a=1")
	h.Add("content-type", "text/plain")
	h.Add("set-cookie", "b=2")

	assert.Equal(t, "a=1", h.Get("Set-Cookie"))
	assert.Equal(t, []string{"a=1", "b=2"}, h.Values("set-cookie"))
	assert.True(t, h.Has("CONTENT-TYPE"))
	assert.False(t, h.Has("authorization"))
}

func TestHeadersSetReplacesInPlace(t *testing.T) {
	var h Headers
	h.Add("a", "1")
	h.Add("b", "2")
	h.Add("a", "3")

	h.Set("A", "9")
	assert.Equal(t, Headers{{"A", "9"}, {"b", "2"}}, h)

	h.Set("c", "4")
	assert.Equal(t, "4", h.Get("c"))
}

func TestHeadersDel(t *testing.T) {
	var h Headers
	h.Add("x", "1")
	h.Add("y", "2")
	h.Add("X", "3")

	h.Del("x")
	assert.Equal(t, Headers{{"y", "2"}}, h)
}

func TestHeadersCloneIsIndependent(t *testing.T) {
	var h Headers
	h.Add("k", "v")
	c := h.Clone()
	c.Set("k", "changed")
	assert.Equal(t, "v", h.Get("k"))

	assert.Nil(t, Headers(nil).Clone())
}

func TestLowerName(t *testing.T) {
	assert.Equal(t, "content-type", LowerName("Content-Type"))
	already := "content-type"
	assert.Equal(t, already, LowerName(already))
}
