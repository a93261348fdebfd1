package base

import (
	"strings"
)

// normalizeHeaderName returns the lookup form of a header name. Lookups
// ignore case, underscores and dashes, so that "Content_length" and
// "-content-length" both reach "contentlength", the form of "Content-Length".
func normalizeHeaderName(name string) string {
	name = strings.TrimPrefix(name, "-")
	name = strings.ReplaceAll(name, "_", "")
	name = strings.ReplaceAll(name, "-", "")
	return strings.ToLower(name)
}

type headerEntry struct {
	name  string
	value string
}

// Header is an ordered list of RTSP header name/value pairs.
// Insertion order and original casing are preserved; lookups are performed
// on normalized names.
type Header struct {
	entries []headerEntry
	index   map[string][]int
}

func (h *Header) appendIndex(name string, pos int) {
	if h.index == nil {
		h.index = make(map[string][]int)
	}
	key := normalizeHeaderName(name)
	h.index[key] = append(h.index[key], pos)
}

func (h *Header) rebuildIndex() {
	h.index = make(map[string][]int)
	for i, e := range h.entries {
		h.appendIndex(e.name, i)
	}
}

// Add appends a header, keeping any existing occurrences of the same name.
func (h *Header) Add(name string, value string) {
	h.entries = append(h.entries, headerEntry{name: name, value: value})
	h.appendIndex(name, len(h.entries)-1)
}

// Get returns the value of the first occurrence of name.
func (h *Header) Get(name string) (string, bool) {
	return h.GetN(name, 1)
}

// GetN returns the value of the n-th occurrence of name. n starts at 1.
func (h *Header) GetN(name string, n int) (string, bool) {
	positions := h.index[normalizeHeaderName(name)]
	if n < 1 || n > len(positions) {
		return "", false
	}
	return h.entries[positions[n-1]].value, true
}

// Set overwrites the first occurrence of name, or appends if absent.
func (h *Header) Set(name string, value string) {
	h.SetN(name, value, 1)
}

// SetN overwrites the n-th occurrence of name, or appends if that
// occurrence does not exist.
func (h *Header) SetN(name string, value string, n int) {
	positions := h.index[normalizeHeaderName(name)]
	if n >= 1 && n <= len(positions) {
		h.entries[positions[n-1]].value = value
		return
	}
	h.Add(name, value)
}

// RemoveN removes the n-th occurrence of name. It reports whether an
// occurrence was removed.
func (h *Header) RemoveN(name string, n int) bool {
	positions := h.index[normalizeHeaderName(name)]
	if n < 1 || n > len(positions) {
		return false
	}
	pos := positions[n-1]
	h.entries = append(h.entries[:pos], h.entries[pos+1:]...)
	h.rebuildIndex()
	return true
}

// IsSet reports whether at least one occurrence of name exists.
func (h *Header) IsSet(name string) bool {
	return len(h.index[normalizeHeaderName(name)]) > 0
}

// Len returns the number of entries.
func (h *Header) Len() int {
	return len(h.entries)
}

// At returns the entry at position i in insertion order.
func (h *Header) At(i int) (string, string) {
	e := h.entries[i]
	return e.name, e.value
}

func (h *Header) marshalSize() int {
	n := 0
	for _, e := range h.entries {
		n += len(e.name) + 1 + len(e.value) + 2
		if e.value != "" {
			n++
		}
	}
	return n
}

func (h *Header) marshalTo(buf []byte) int {
	pos := 0
	for _, e := range h.entries {
		pos += copy(buf[pos:], e.name)
		buf[pos] = ':'
		pos++
		if e.value != "" {
			buf[pos] = ' '
			pos++
			pos += copy(buf[pos:], e.value)
		}
		pos += copy(buf[pos:], "\r\n")
	}
	return pos
}

// Marshal encodes the header block in insertion order, one
// "Name: Value\r\n" line per entry. An entry with an empty value keeps its
// "Name:" line.
func (h *Header) Marshal() []byte {
	buf := make([]byte, h.marshalSize())
	h.marshalTo(buf)
	return buf
}
