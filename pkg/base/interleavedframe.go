package base

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// InterleavedFrameMagicByte is the first byte of an interleaved frame.
const InterleavedFrameMagicByte = 0x24

// InterleavedFrame is a binary frame multiplexed onto a RTSP/TCP connection.
// Servers use it to deliver RTP/RTCP packets on the control connection.
type InterleavedFrame struct {
	// Channel ID.
	Channel int
	Payload []byte
}

// ErrInvalidMagicByte invalid magic byte.
var ErrInvalidMagicByte = errors.New("invalid magic byte")

// Read decodes an interleaved frame.
func (f *InterleavedFrame) Read(rb *bufio.Reader) error {
	var header [4]byte
	if _, err := io.ReadFull(rb, header[:]); err != nil {
		return err
	}

	if header[0] != InterleavedFrameMagicByte {
		return fmt.Errorf("%w (0x%.2x)", ErrInvalidMagicByte, header[0])
	}

	f.Channel = int(header[1])
	f.Payload = make([]byte, binary.BigEndian.Uint16(header[2:]))

	_, err := io.ReadFull(rb, f.Payload)
	return err
}

// Marshal encodes an interleaved frame.
func (f InterleavedFrame) Marshal() ([]byte, error) {
	buf := make([]byte, 4+len(f.Payload))
	buf[0] = InterleavedFrameMagicByte
	buf[1] = byte(f.Channel)
	binary.BigEndian.PutUint16(buf[2:], uint16(len(f.Payload)))
	copy(buf[4:], f.Payload)
	return buf, nil
}
