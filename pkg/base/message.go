package base

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

const (
	rtspMaxStartLineLength  = 1024
	rtspMaxHeaderLineLength = 2048
	rtspMaxHeaderCount      = 128
	rtspMaxContentLength    = 128 * 1024
)

var rtspVersionRegexp = regexp.MustCompile(`^RTSP/\d+\.\d+$`)

// splitStartLine splits a start line on spaces, into at most three tokens.
func splitStartLine(line string) []string {
	return strings.SplitN(line, " ", 3)
}

// Errors.
var (
	ErrLineToLong               = errors.New("line too long")
	ErrLineMissingCR            = errors.New(`line does not end with '\r\n'`)
	ErrMalformedStartLine       = errors.New("malformed start line")
	ErrHeaderWithoutColon       = errors.New("header line without colon")
	ErrHeaderCountExceeds       = fmt.Errorf("header count exceeds %d", rtspMaxHeaderCount)
	ErrContinuationWithoutField = errors.New("continuation line without a preceding header")
	ErrBodyContentLengthInvalid = errors.New("invalid Content-Length")
	ErrBodyContentLengthToBig   = fmt.Errorf("Content-Length exceeds %d", rtspMaxContentLength)
)

// readLine reads one CRLF-terminated line, without the terminator.
func readLine(rb *bufio.Reader, max int) (string, error) {
	for i := 1; i <= max; i++ {
		byts, err := rb.Peek(i)
		if err != nil {
			return "", err
		}

		if byts[len(byts)-1] == '\n' {
			if _, err := rb.Discard(len(byts)); err != nil {
				return "", err
			}
			if len(byts) < 2 || byts[len(byts)-2] != '\r' {
				return "", ErrLineMissingCR
			}
			return string(byts[:len(byts)-2]), nil
		}
	}
	return "", fmt.Errorf("%w: %d", ErrLineToLong, max)
}

// readHeader reads a header block up to and including its terminating empty
// line. A line beginning with a space or tab continues the previous value.
func readHeader(rb *bufio.Reader) (*Header, error) {
	var h Header

	for {
		line, err := readLine(rb, rtspMaxHeaderLineLength)
		if err != nil {
			return nil, err
		}

		if line == "" {
			return &h, nil
		}

		if h.Len() >= rtspMaxHeaderCount {
			return nil, ErrHeaderCountExceeds
		}

		if line[0] == ' ' || line[0] == '\t' {
			// folded continuation of the previous value.
			if h.Len() == 0 {
				return nil, ErrContinuationWithoutField
			}
			name, value := h.At(h.Len() - 1)
			h.SetN(name, value+" "+strings.TrimLeft(line, " \t"), headerLastN(&h, name))
			continue
		}

		i := strings.IndexByte(line, ':')
		if i < 0 {
			return nil, fmt.Errorf("%w (%q)", ErrHeaderWithoutColon, line)
		}

		name := line[:i]
		value := strings.TrimLeft(line[i+1:], " ")
		h.Add(name, value)
	}
}

// headerLastN returns the occurrence number of the last entry with name.
func headerLastN(h *Header, name string) int {
	n := 0
	for i := 0; i < h.Len(); i++ {
		en, _ := h.At(i)
		if normalizeHeaderName(en) == normalizeHeaderName(name) {
			n++
		}
	}
	return n
}

// UnfoldValue collapses the line breaks of a folded header value.
func UnfoldValue(v string) string {
	v = strings.ReplaceAll(v, "\r\n ", " ")
	v = strings.ReplaceAll(v, "\r\n\t", " ")
	return v
}

// ContentLength returns the value of the Content-Length header, or zero when
// absent.
func ContentLength(h *Header) (int, error) {
	cl, ok := h.Get("Content-Length")
	if !ok {
		return 0, nil
	}

	n, err := strconv.Atoi(strings.TrimSpace(cl))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w (%q)", ErrBodyContentLengthInvalid, cl)
	}
	if n > rtspMaxContentLength {
		return 0, fmt.Errorf("%w (it's %d)", ErrBodyContentLengthToBig, n)
	}
	return n, nil
}

func readBody(h *Header, rb *bufio.Reader) ([]byte, error) {
	cl, err := ContentLength(h)
	if err != nil {
		return nil, err
	}
	if cl == 0 {
		return nil, nil
	}

	body := make([]byte, cl)
	if _, err := io.ReadFull(rb, body); err != nil {
		return nil, err
	}
	return body, nil
}

// ParseStartLine interprets a start line and returns a *Request or a
// *Response with only the start-line fields populated. The first token
// matching "RTSP/x.y" means a Response; the third token matching it means a
// server-initiated Request; anything else is malformed.
func ParseStartLine(line string) (interface{}, error) {
	parts := splitStartLine(line)

	switch {
	case rtspVersionRegexp.MatchString(parts[0]):
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w (%q)", ErrMalformedStartLine, line)
		}

		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("%w (%q)", ErrResponseStatusCodeInvalid, parts[1])
		}

		res := &Response{
			Version:    parts[0][len("RTSP/"):],
			StatusCode: StatusCode(code),
		}
		if len(parts) == 3 {
			res.Reason = parts[2]
		}
		return res, nil

	case len(parts) == 3 && rtspVersionRegexp.MatchString(parts[2]):
		return &Request{
			Method:  Method(parts[0]),
			URL:     parts[1],
			Version: parts[2][len("RTSP/"):],
		}, nil
	}

	return nil, fmt.Errorf("%w (%q)", ErrMalformedStartLine, line)
}

// ParseHeaderBlock parses a complete header block, including its terminating
// empty line.
func ParseHeaderBlock(block []byte) (*Header, error) {
	return readHeader(bufio.NewReader(bytes.NewReader(block)))
}

// ReadMessage reads a Request, a Response or an InterleavedFrame, using the
// start line to discriminate. The first token matching "RTSP/x.y" means a
// Response; the third token matching it means a server-initiated Request.
func ReadMessage(rb *bufio.Reader) (interface{}, error) {
	byts, err := rb.Peek(1)
	if err != nil {
		return nil, err
	}

	if byts[0] == InterleavedFrameMagicByte {
		var f InterleavedFrame
		err := f.Read(rb)
		return &f, err
	}

	line, err := readLine(rb, rtspMaxStartLineLength)
	if err != nil {
		return nil, err
	}

	parts := splitStartLine(line)

	switch {
	case rtspVersionRegexp.MatchString(parts[0]):
		var res Response
		err := res.readFromLine(parts, rb)
		return &res, err

	case len(parts) == 3 && rtspVersionRegexp.MatchString(parts[2]):
		var req Request
		err := req.readFromLine(parts, rb)
		return &req, err
	}

	return nil, fmt.Errorf("%w (%q)", ErrMalformedStartLine, line)
}
