// Package headers contains RTSP header value parsers.
package headers

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Session errors.
var (
	ErrSessionValueMissing  = errors.New("value not provided")
	ErrSessionInvalidKeyVal = errors.New("invalid key-value pair")
)

// Session is a Session header.
type Session struct {
	// session id
	Session string

	// (optional) a timeout in seconds
	Timeout *uint
}

func keyValParse(s string, separator byte) (map[string]string, error) {
	ret := make(map[string]string)

	for _, kv := range strings.Split(s, string(separator)) {
		kv = strings.Trim(kv, " ")
		if kv == "" {
			continue
		}

		i := strings.IndexByte(kv, '=')
		if i < 0 {
			return nil, fmt.Errorf("%w (%q)", ErrSessionInvalidKeyVal, kv)
		}

		ret[kv[:i]] = kv[i+1:]
	}

	return ret, nil
}

// Read decodes a Session header value.
func (h *Session) Read(v string) error {
	if v == "" {
		return ErrSessionValueMissing
	}

	i := strings.IndexByte(v, ';')
	if i < 0 {
		h.Session = v
		return nil
	}

	h.Session = v[:i]

	kvs, err := keyValParse(strings.TrimLeft(v[i+1:], " "), ';')
	if err != nil {
		return err
	}

	for k, kv := range kvs {
		if k == "timeout" {
			iv, err := strconv.ParseUint(kv, 10, 64)
			if err != nil {
				return err
			}
			uiv := uint(iv)
			h.Timeout = &uiv
		}
	}

	return nil
}

// Write encodes a Session header value.
func (h Session) Write() string {
	ret := h.Session

	if h.Timeout != nil {
		ret += ";timeout=" + strconv.FormatUint(uint64(*h.Timeout), 10)
	}

	return ret
}
