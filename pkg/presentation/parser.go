package presentation

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"rtspkit/pkg/base"
	"rtspkit/pkg/socket"
)

// startLineChunk and headerChunk bound how much one parse step may pull from
// the socket while the message boundary is still unknown. Anything read past
// the boundary is given back through the pushback buffer.
const (
	startLineChunk = 128
	headerChunk    = 1024
)

var crlf = []byte("\r\n")

type parsePhase int

const (
	phaseStartLine parsePhase = iota
	phaseHeaders
	phaseBody
	phaseFrame
)

// parseState is the per-connection incremental parse state.
type parseState struct {
	phase parsePhase

	startBuf  []byte
	headerBuf []byte
	frameBuf  []byte

	req *base.Request
	res *base.Response

	body          []byte
	contentLength int
}

func (ps *parseState) reset() {
	*ps = parseState{}
}

// handleReadable feeds available bytes to the parser. After the first read
// it keeps stepping while pushback remains, so that bytes given back by one
// stage are consumed by the next without waiting for another readiness
// event.
func (p *Presentation) handleReadable(s *socket.Socket) {
	first := true
	for {
		if !first && s.Pushback() == 0 {
			return
		}
		if !p.readStep(s) {
			return
		}
		first = false
	}
}

// readStep advances the parser by one read. It reports whether stepping may
// continue.
func (p *Presentation) readStep(s *socket.Socket) bool {
	switch p.parse.phase {
	case phaseStartLine:
		return p.stepStartLine(s)
	case phaseHeaders:
		return p.stepHeaders(s)
	case phaseBody:
		return p.stepBody(s)
	case phaseFrame:
		return p.stepFrame(s)
	}
	return false
}

func (p *Presentation) read(s *socket.Socket, n int) ([]byte, bool) {
	buf := make([]byte, n)
	got, err := s.ReadNonblocking(buf)
	if err != nil {
		p.readFailed(s, err)
		return nil, false
	}
	if got == 0 {
		if p.conf.Kind == socket.KindStream {
			p.readFailed(s, ErrConnectionClosed)
		}
		return nil, false
	}
	return buf[:got], true
}

func (p *Presentation) stepStartLine(s *socket.Socket) bool {
	byts, ok := p.read(s, startLineChunk)
	if !ok {
		return false
	}
	p.parse.startBuf = append(p.parse.startBuf, byts...)

	// binary frames share the connection with messages. The bytes go back to
	// the pushback buffer so that the frame phase consumes them right away.
	if p.parse.startBuf[0] == base.InterleavedFrameMagicByte {
		s.Unread(p.parse.startBuf)
		p.parse.startBuf = nil
		p.parse.phase = phaseFrame
		return true
	}

	i := bytes.Index(p.parse.startBuf, crlf)
	if i < 0 {
		if len(p.parse.startBuf) > startLineChunk*8 {
			p.parseFailed(fmt.Errorf("%w (no line terminator)", base.ErrMalformedStartLine))
		}
		return true
	}

	line := string(p.parse.startBuf[:i])
	s.Unread(p.parse.startBuf[i+2:])
	p.parse.startBuf = nil

	msg, err := base.ParseStartLine(line)
	if err != nil {
		p.parseFailed(err)
		return true
	}

	switch m := msg.(type) {
	case *base.Response:
		p.parse.res = m
		p.state = StateReceivingResponse
		// the head active request is answered; stop retransmitting it.
		if len(p.active) > 0 {
			p.active[0].acknowledged = true
		}
	case *base.Request:
		p.parse.req = m
		p.state = StateReceivingRequest
	}

	p.parse.phase = phaseHeaders
	return true
}

func (p *Presentation) stepHeaders(s *socket.Socket) bool {
	if end := p.headerBlockEnd(); end < 0 {
		byts, ok := p.read(s, headerChunk)
		if !ok {
			return false
		}
		p.parse.headerBuf = append(p.parse.headerBuf, byts...)
	}

	end := p.headerBlockEnd()
	if end < 0 {
		return true
	}

	s.Unread(p.parse.headerBuf[end:])
	block := p.parse.headerBuf[:end]
	p.parse.headerBuf = nil

	header, err := base.ParseHeaderBlock(block)
	if err != nil {
		p.parseFailed(err)
		return true
	}

	cl, err := base.ContentLength(header)
	if err != nil {
		p.parseFailed(err)
		return true
	}

	if p.parse.res != nil {
		p.parse.res.Header = *header
	} else {
		p.parse.req.Header = *header
	}

	p.parse.contentLength = cl
	p.parse.phase = phaseBody

	if cl == 0 {
		p.finalizeMessage()
	}
	return true
}

// headerBlockEnd returns the length of the complete header block including
// its terminating empty line, or -1 when the terminator has not arrived.
func (p *Presentation) headerBlockEnd() int {
	if bytes.HasPrefix(p.parse.headerBuf, crlf) {
		return 2
	}
	if i := bytes.Index(p.parse.headerBuf, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	return -1
}

func (p *Presentation) stepBody(s *socket.Socket) bool {
	remaining := p.parse.contentLength - len(p.parse.body)

	chunk := p.conf.BufferSize
	if remaining < chunk {
		chunk = remaining
	}

	byts, ok := p.read(s, chunk)
	if !ok {
		return false
	}
	p.parse.body = append(p.parse.body, byts...)

	if len(p.parse.body) >= p.parse.contentLength {
		p.finalizeMessage()
	}
	return true
}

func (p *Presentation) stepFrame(s *socket.Socket) bool {
	need := 4 - len(p.parse.frameBuf)
	if need <= 0 {
		total := 4 + int(binary.BigEndian.Uint16(p.parse.frameBuf[2:4]))
		need = total - len(p.parse.frameBuf)
	}

	if need > 0 {
		byts, ok := p.read(s, need)
		if !ok {
			return false
		}
		p.parse.frameBuf = append(p.parse.frameBuf, byts...)
	}

	if len(p.parse.frameBuf) < 4 {
		return true
	}

	total := 4 + int(binary.BigEndian.Uint16(p.parse.frameBuf[2:4]))
	if len(p.parse.frameBuf) < total {
		return true
	}

	frame := &base.InterleavedFrame{
		Channel: int(p.parse.frameBuf[1]),
		Payload: p.parse.frameBuf[4:total],
	}
	s.Unread(p.parse.frameBuf[total:])
	p.parse.reset()
	p.deliverFrame(frame)
	return true
}

// finalizeMessage delivers the assembled message and clears the parse state.
func (p *Presentation) finalizeMessage() {
	res := p.parse.res
	req := p.parse.req

	if res != nil {
		res.Body = p.parse.body
		p.parse.reset()
		p.deliverResponse(res)
		return
	}

	req.Body = p.parse.body
	p.parse.reset()
	p.deliverServerRequest(req)
}

// parseFailed records a protocol error, fails the head active request when
// one is awaiting a response and keeps the connection open.
func (p *Presentation) parseFailed(err error) {
	awaitingResponse := p.parse.res != nil || p.parse.req == nil
	p.parse.reset()

	if awaitingResponse && len(p.active) > 0 {
		p.failHead(err)
		if len(p.active) == 0 && p.state == StateReceivingResponse {
			p.state = StateInitialized
		}
		return
	}

	if p.conf.OnError != nil {
		p.conf.OnError(err, p)
	}
}

// readFailed handles a failed or closed read. The head active request is
// failed when one is awaiting a response; the connection is torn down.
func (p *Presentation) readFailed(s *socket.Socket, err error) {
	parsingRequest := p.parse.req != nil
	p.parse.reset()

	if parsingRequest {
		if p.conf.OnError != nil {
			p.conf.OnError(err, p)
		}
	} else {
		p.failHead(err)
	}

	p.failAll(err)
	s.Disconnect()
	p.state = StateUninitialized
}

// receiveBlocking reads messages until a full response is assembled.
// Interleaved frames and server-initiated requests arriving first are
// delivered to their callbacks. On a datagram transport, one retransmission
// is performed when the first wait for readability times out.
func (p *Presentation) receiveBlocking(wire []byte) (*base.Response, error) {
	br := bufio.NewReaderSize(blockingReader{p}, p.conf.BufferSize)

	if _, err := br.Peek(1); err != nil {
		if !errors.Is(err, socket.ErrReadTimedOut) || p.conf.Kind != socket.KindDatagram {
			return nil, err
		}

		// one retransmission, then resume reading.
		if err := p.sock.WriteBlocking(wire, p.conf.Timeout); err != nil {
			return nil, err
		}
		if _, err := br.Peek(1); err != nil {
			return nil, err
		}
	}

	for {
		msg, err := base.ReadMessage(br)
		if err != nil {
			return nil, err
		}

		switch m := msg.(type) {
		case *base.Response:
			// bytes read past the response belong to the next message.
			if n := br.Buffered(); n > 0 {
				rest, _ := br.Peek(n)
				p.sock.Unread(rest)
			}
			return m, nil

		case *base.Request:
			p.deliverServerRequest(m)

		case *base.InterleavedFrame:
			p.deliverFrame(m)
		}
	}
}

type blockingReader struct {
	p *Presentation
}

func (r blockingReader) Read(buf []byte) (int, error) {
	return r.p.sock.ReadBlocking(buf, r.p.conf.Timeout)
}
