package base

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderLookupNormalization(t *testing.T) {
	var h Header
	h.Add("Content-Length", "10")

	for _, name := range []string{
		"Content-Length",
		"content-length",
		"CONTENT-LENGTH",
		"Content_Length",
		"-Content-Length",
		"-content_length",
	} {
		v, ok := h.Get(name)
		require.True(t, ok, name)
		require.Equal(t, "10", v, name)
		require.True(t, h.IsSet(name), name)
	}

	_, ok := h.Get("Content")
	require.False(t, ok)
}

func TestHeaderOrderPreserved(t *testing.T) {
	var h Header
	h.Add("CSeq", "1")
	h.Add("Session", "ABC")
	h.Add("WWW-Authenticate", "Digest")
	h.Add("WWW-Authenticate", "Basic")

	require.Equal(t, 4, h.Len())

	name, value := h.At(0)
	require.Equal(t, "CSeq", name)
	require.Equal(t, "1", value)

	name, value = h.At(3)
	require.Equal(t, "WWW-Authenticate", name)
	require.Equal(t, "Basic", value)

	require.Equal(t,
		"CSeq: 1\r\nSession: ABC\r\nWWW-Authenticate: Digest\r\nWWW-Authenticate: Basic\r\n",
		string(h.Marshal()))
}

func TestHeaderOccurrences(t *testing.T) {
	var h Header
	h.Add("Via", "first")
	h.Add("Via", "second")

	v, ok := h.GetN("via", 2)
	require.True(t, ok)
	require.Equal(t, "second", v)

	_, ok = h.GetN("via", 3)
	require.False(t, ok)

	h.SetN("Via", "replaced", 2)
	v, _ = h.GetN("via", 2)
	require.Equal(t, "replaced", v)

	// a missing occurrence appends.
	h.SetN("Via", "third", 5)
	v, ok = h.GetN("via", 3)
	require.True(t, ok)
	require.Equal(t, "third", v)

	require.True(t, h.RemoveN("via", 1))
	v, _ = h.Get("Via")
	require.Equal(t, "replaced", v)
	require.False(t, h.RemoveN("via", 9))
}

func TestHeaderSetAppendsWhenAbsent(t *testing.T) {
	var h Header
	h.Set("Session", "XYZ")
	v, ok := h.Get("session")
	require.True(t, ok)
	require.Equal(t, "XYZ", v)
}

func TestHeaderMarshalEmptyValue(t *testing.T) {
	var h Header
	h.Add("Require", "")
	require.Equal(t, "Require:\r\n", string(h.Marshal()))
}
