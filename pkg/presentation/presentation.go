// Package presentation implements the client-side RTSP protocol engine:
// one Presentation per resource, owning one transport connection, a request
// pipeline and an incremental response parser, plus the Session lifecycle
// on top of it.
package presentation

import (
	"errors"
	"fmt"
	"time"

	"rtspkit/pkg/base"
	"rtspkit/pkg/eventloop"
	"rtspkit/pkg/socket"

	"github.com/pion/rtp/v2"
)

const (
	defaultTimeout    = 60 * time.Second
	defaultBufferSize = 4096

	// defaultAccept is attached to DESCRIBE requests without an Accept header.
	defaultAccept = "application/sdp, application/rtsl, application/mheg"
)

// State is the lifecycle state of a Presentation.
type State int

// Presentation states.
const (
	StateUninitialized State = iota
	StateInitializing
	StateInitialized
	StateSendingRequest
	StateReceivingResponse
	StateReceivingRequest
	StateSendingResponse
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateSendingRequest:
		return "sendingRequest"
	case StateReceivingResponse:
		return "receivingResponse"
	case StateReceivingRequest:
		return "receivingRequest"
	case StateSendingResponse:
		return "sendingResponse"
	}
	return "unknown"
}

// Errors.
var (
	ErrNotInitialized   = errors.New("presentation is not initialized")
	ErrTerminated       = errors.New("presentation terminated")
	ErrConnectionClosed = errors.New("connection closed by peer")
)

// Outcome is the tagged completion of a request: either a response or an
// error, never both.
type Outcome struct {
	Response     *base.Response
	Err          error
	Presentation *Presentation
}

// Completion receives the outcome of a request.
type Completion func(Outcome)

// outstanding is a dispatched request awaiting its response, or a submitted
// request awaiting dispatch.
type outstanding struct {
	req  *base.Request
	data []byte
	done Completion
	cseq int

	sent         time.Time
	acknowledged bool
}

func (o *outstanding) complete(out Outcome) {
	if o.done != nil {
		o.done(out)
	}
}

// Config configures a Presentation.
type Config struct {
	// event loop driving the presentation. Nil means blocking mode.
	Loop *eventloop.Loop

	Kind socket.Kind
	Host string
	Port int

	// presentation URI, substituted when a request's URI is "*".
	URI string

	// per-call timeout and UDP retransmission budget. Defaults to 60s.
	Timeout time.Duration

	// read chunk size for response bodies. Defaults to 4096.
	BufferSize int

	// drain the whole pending queue into a single write per dispatch.
	Pipelining bool

	// invoked with server-initiated requests.
	OnServerRequest func(*Presentation, *base.Request)

	// invoked with RTP packets decoded from interleaved frames.
	OnFrame func(*Presentation, int, *rtp.Packet)

	// invoked with presentation-level failures that have no request to fail,
	// and with every network error the socket records.
	OnError func(error, *Presentation)
}

// Presentation is a client endpoint for one RTSP resource.
// It is driven either by an event loop or by blocking calls, never both.
type Presentation struct {
	conf Config
	sock *socket.Socket

	state State
	cseq  int

	pendingRequests  []*outstanding
	pendingResponses [][]byte
	active           []*outstanding

	parse parseState

	now func() time.Time
}

// New returns a Presentation for the given peer. Connect must be called
// before requests are submitted.
func New(conf Config) *Presentation {
	if conf.Kind == 0 {
		conf.Kind = socket.KindStream
	}
	if conf.Timeout == 0 {
		conf.Timeout = defaultTimeout
	}
	if conf.BufferSize == 0 {
		conf.BufferSize = defaultBufferSize
	}

	p := &Presentation{
		conf: conf,
		now:  time.Now,
	}
	p.sock = socket.New(conf.Kind, conf.Host, conf.Port)
	p.bindSocket(p.sock)
	return p
}

func (p *Presentation) bindSocket(s *socket.Socket) {
	s.OnConnectable = func(s *socket.Socket) {
		p.state = StateInitializing
		s.ConnectNonblocking(p.conf.Timeout, p.onConnected, p.onConnectFailed) //nolint:errcheck
	}
	s.OnReadable = p.handleReadable
	s.OnWritable = p.handleWritable
	s.OnNetworkError = func(_ *socket.Socket, err error) {
		if p.conf.OnError != nil {
			p.conf.OnError(err, p)
		}
	}
}

// SetClock replaces the time source. Used by tests.
func (p *Presentation) SetClock(now func() time.Time) {
	p.now = now
	p.sock.SetClock(now)
}

// State returns the lifecycle state.
func (p *Presentation) State() State {
	return p.state
}

// URI returns the presentation URI.
func (p *Presentation) URI() string {
	return p.conf.URI
}

// Socket returns the owned socket.
func (p *Presentation) Socket() *socket.Socket {
	return p.sock
}

// Pipelining reports whether pipelining is enabled.
func (p *Presentation) Pipelining() bool {
	return p.conf.Pipelining
}

// SetPipelining toggles pipelining.
func (p *Presentation) SetPipelining(on bool) {
	p.conf.Pipelining = on
}

// Connect establishes the transport connection. In event-driven mode the
// socket is queued on the loop and connects asynchronously; in blocking mode
// the call returns once connected.
func (p *Presentation) Connect() error {
	if p.conf.Loop != nil {
		p.state = StateInitializing
		p.conf.Loop.AddSocket(p.sock)
		return nil
	}

	if err := p.sock.ConnectBlocking(p.conf.Timeout); err != nil {
		p.state = StateUninitialized
		return err
	}
	p.state = StateInitialized
	return nil
}

func (p *Presentation) onConnected(*socket.Socket) {
	p.state = StateInitialized
}

func (p *Presentation) onConnectFailed(_ *socket.Socket, err error) {
	p.failAll(err)
	p.state = StateUninitialized
}

// Terminate disconnects the socket, removes it from the event loop and moves
// the presentation to Uninitialized. In-flight completions are not invoked.
func (p *Presentation) Terminate() {
	if p.conf.Loop != nil {
		p.conf.Loop.RemoveSocket(p.sock)
	}

	// suppress callbacks registered on the socket.
	p.sock.OnConnectable = nil
	p.sock.OnReadable = nil
	p.sock.OnWritable = nil
	p.sock.OnNetworkError = nil
	p.sock.Disconnect()

	p.pendingRequests = nil
	p.pendingResponses = nil
	p.active = nil
	p.parse.reset()
	p.state = StateUninitialized
}

// failAll fails every submitted and in-flight request.
func (p *Presentation) failAll(err error) {
	active := p.active
	pending := p.pendingRequests
	p.active = nil
	p.pendingRequests = nil

	for _, o := range active {
		o.complete(Outcome{Err: err, Presentation: p})
	}
	for _, o := range pending {
		o.complete(Outcome{Err: err, Presentation: p})
	}
}

// failHead pops the head of the active queue and fails it. Without an
// active request the error surfaces through the error callback.
func (p *Presentation) failHead(err error) {
	if len(p.active) == 0 {
		if p.conf.OnError != nil {
			p.conf.OnError(err, p)
		}
		return
	}

	head := p.active[0]
	p.active = p.active[1:]
	head.complete(Outcome{Err: err, Presentation: p})
}

// nextCSeq allocates the next sequence number. The counter starts at 1 and
// is strictly monotonic per presentation.
func (p *Presentation) nextCSeq() int {
	p.cseq++
	return p.cseq
}

// prepare fills in the request defaults: URI substitution and CSeq.
func (p *Presentation) prepare(req *base.Request) *outstanding {
	if req.URL == "" || req.URL == "*" {
		req.URL = p.conf.URI
	}

	o := &outstanding{req: req}

	if v, ok := req.Header.Get("CSeq"); ok {
		fmt.Sscanf(v, "%d", &o.cseq) //nolint:errcheck
	} else {
		o.cseq = p.nextCSeq()
		req.Header.Set("CSeq", fmt.Sprintf("%d", o.cseq))
	}
	return o
}

// SendRequest submits a request. In event-driven mode it queues the request
// and returns immediately; the outcome is delivered to done. In blocking
// mode it performs the round trip and delivers the outcome before returning.
func (p *Presentation) SendRequest(req *base.Request, done Completion) error {
	if p.conf.Loop == nil {
		return p.sendRequestBlocking(req, done)
	}

	if p.state == StateUninitialized {
		return ErrNotInitialized
	}

	o := p.prepare(req)
	o.done = done
	data, err := req.Marshal()
	if err != nil {
		return err
	}
	o.data = data

	p.pendingRequests = append(p.pendingRequests, o)
	return nil
}

// SendResponse submits a response to a server-initiated request.
func (p *Presentation) SendResponse(res *base.Response) error {
	data, err := res.Marshal()
	if err != nil {
		return err
	}

	if p.conf.Loop == nil {
		return p.sock.WriteBlocking(data, p.conf.Timeout)
	}

	p.pendingResponses = append(p.pendingResponses, data)
	p.state = StateSendingResponse
	return nil
}

// handleWritable runs one writer dispatch cycle: drain one pending response,
// retransmit timed-out datagram requests, then dispatch pending requests.
func (p *Presentation) handleWritable(s *socket.Socket) {
	if len(p.pendingResponses) > 0 {
		data := p.pendingResponses[0]
		p.pendingResponses = p.pendingResponses[1:]
		if err := s.WriteNonblocking(data); err == nil && len(p.pendingResponses) == 0 {
			p.state = StateInitialized
		}
		return
	}

	if p.conf.Kind == socket.KindDatagram {
		p.retransmit(s)
	}

	p.dispatchPending(s)
}

// retransmit re-sends every active request that has not been acknowledged
// within the round-trip budget.
func (p *Presentation) retransmit(s *socket.Socket) {
	now := p.now()
	for _, o := range p.active {
		if o.acknowledged || now.Sub(o.sent) <= p.conf.Timeout {
			continue
		}
		if err := s.WriteNonblocking(o.data); err != nil {
			return
		}
		o.sent = now
	}
}

// dispatchPending serialises pending requests: the whole queue in one write
// under pipelining, otherwise one request that then waits for its response.
func (p *Presentation) dispatchPending(s *socket.Socket) {
	if len(p.pendingRequests) == 0 {
		return
	}

	if !p.conf.Pipelining {
		if len(p.active) > 0 {
			return
		}

		o := p.pendingRequests[0]
		p.pendingRequests = p.pendingRequests[1:]
		p.dispatch(s, []*outstanding{o}, o.data)
		return
	}

	batch := p.pendingRequests
	p.pendingRequests = nil

	var data []byte
	for _, o := range batch {
		data = append(data, o.data...)
	}
	p.dispatch(s, batch, data)
}

func (p *Presentation) dispatch(s *socket.Socket, batch []*outstanding, data []byte) {
	p.state = StateSendingRequest

	if err := s.WriteNonblocking(data); err != nil {
		for _, o := range batch {
			o.complete(Outcome{Err: err, Presentation: p})
		}
		p.state = StateInitialized
		return
	}

	now := p.now()
	for _, o := range batch {
		o.sent = now
		p.active = append(p.active, o)
	}
	p.state = StateReceivingResponse
}

// deliverResponse matches a parsed response with the head of the active
// queue.
func (p *Presentation) deliverResponse(res *base.Response) {
	if len(p.active) == 0 {
		// a response nobody asked for.
		if p.conf.OnError != nil {
			p.conf.OnError(fmt.Errorf("unmatched response (%d %s)", res.StatusCode, res.Reason), p)
		}
		return
	}

	head := p.active[0]
	p.active = p.active[1:]

	if len(p.active) == 0 && p.state == StateReceivingResponse {
		p.state = StateInitialized
	}

	head.complete(Outcome{Response: res, Presentation: p})
}

// deliverServerRequest hands a server-initiated request to the registered
// callback. It also advances the sequence counter so that subsequent
// client-issued requests stay above the server's.
func (p *Presentation) deliverServerRequest(req *base.Request) {
	p.nextCSeq()

	prev := p.state
	p.state = StateReceivingRequest
	if p.conf.OnServerRequest != nil {
		p.conf.OnServerRequest(p, req)
	}
	if p.state == StateReceivingRequest {
		p.state = prev
	}
}

// deliverFrame decodes an interleaved frame and hands the packet to the
// registered callback. Undecodable frames are dropped.
func (p *Presentation) deliverFrame(f *base.InterleavedFrame) {
	if p.conf.OnFrame == nil {
		return
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(f.Payload); err != nil {
		return
	}
	p.conf.OnFrame(p, f.Channel, &pkt)
}
