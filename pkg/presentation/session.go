package presentation

import (
	"time"

	"rtspkit/pkg/base"
	"rtspkit/pkg/eventloop"
	"rtspkit/pkg/headers"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

// Session states.
const (
	SessionInactive SessionState = iota
	SessionReady
	SessionPlaying
	SessionPaused
	SessionRecording
)

func (s SessionState) String() string {
	switch s {
	case SessionInactive:
		return "inactive"
	case SessionReady:
		return "ready"
	case SessionPlaying:
		return "playing"
	case SessionPaused:
		return "paused"
	case SessionRecording:
		return "recording"
	}
	return "unknown"
}

type bufferedRequest struct {
	req  *base.Request
	done Completion
}

// Session is a server-identified session within a Presentation, created by
// SETUP. Requests submitted before the server assigns an id are buffered and
// drained, in submission order, once SETUP completes.
type Session struct {
	p   *Presentation
	uri string

	state   SessionState
	id      string
	timeout *uint

	buffered []bufferedRequest

	keepalive   bool
	keepaliveID eventloop.AfterID
}

// SetupSession builds an Inactive session and submits its SETUP request.
// The response's Session header activates the session.
func (p *Presentation) SetupSession(uri string, transport string, done Completion) (*Session, error) {
	ss := &Session{p: p, uri: uri}

	req := &base.Request{Method: base.Setup, URL: uri}
	if transport != "" {
		req.Header.Add("Transport", transport)
	}

	err := p.SendRequest(req, func(out Outcome) {
		ss.onSetup(out)
		if done != nil {
			done(out)
		}
	})
	if err != nil {
		return nil, err
	}
	return ss, nil
}

// State returns the session state.
func (ss *Session) State() SessionState {
	return ss.state
}

// ID returns the server-assigned session id, or "" while Inactive.
func (ss *Session) ID() string {
	return ss.id
}

// URI returns the session URI.
func (ss *Session) URI() string {
	return ss.uri
}

// Presentation returns the parent presentation.
func (ss *Session) Presentation() *Presentation {
	return ss.p
}

func (ss *Session) onSetup(out Outcome) {
	if out.Err != nil || !out.Response.Ok() {
		return
	}

	v, ok := out.Response.Header.Get("Session")
	if !ok {
		return
	}

	var h headers.Session
	if err := h.Read(v); err != nil {
		return
	}

	ss.id = h.Session
	ss.timeout = h.Timeout
	ss.state = SessionReady
	ss.scheduleKeepalive()
	ss.drain()
}

func (ss *Session) drain() {
	buffered := ss.buffered
	ss.buffered = nil
	for _, b := range buffered {
		ss.submit(b.req, b.done) //nolint:errcheck
	}
}

// Submit sends a request within the session, annotated with the Session
// header. While the session is Inactive the request is buffered instead.
func (ss *Session) Submit(req *base.Request, done Completion) error {
	if ss.state == SessionInactive {
		ss.buffered = append(ss.buffered, bufferedRequest{req: req, done: done})
		return nil
	}
	return ss.submit(req, done)
}

func (ss *Session) submit(req *base.Request, done Completion) error {
	req.Header.Set("Session", ss.id)
	return ss.p.SendRequest(req, done)
}

// BufferedCount returns the number of requests waiting for SETUP.
func (ss *Session) BufferedCount() int {
	return len(ss.buffered)
}

func (ss *Session) transition(method base.Method, target SessionState, done Completion) error {
	req := &base.Request{Method: method, URL: ss.uri}
	return ss.Submit(req, func(out Outcome) {
		if out.Err == nil && out.Response.Ok() {
			ss.state = target
			if target == SessionInactive {
				ss.cancelKeepalive()
			}
		}
		if done != nil {
			done(out)
		}
	})
}

// Play starts playback; on success the session moves to Playing.
func (ss *Session) Play(done Completion) error {
	return ss.transition(base.Play, SessionPlaying, done)
}

// Pause pauses delivery; on success the session moves to Paused.
func (ss *Session) Pause(done Completion) error {
	return ss.transition(base.Pause, SessionPaused, done)
}

// Record starts recording; on success the session moves to Recording.
func (ss *Session) Record(done Completion) error {
	return ss.transition(base.Record, SessionRecording, done)
}

// Teardown ends the session; on success it returns to Inactive.
func (ss *Session) Teardown(done Completion) error {
	return ss.transition(base.Teardown, SessionInactive, done)
}

// scheduleKeepalive arms a periodic GET_PARAMETER at half the timeout the
// server advertised in its Session header.
func (ss *Session) scheduleKeepalive() {
	loop := ss.p.conf.Loop
	if loop == nil || ss.timeout == nil || *ss.timeout == 0 {
		return
	}

	interval := time.Duration(*ss.timeout) * time.Second / 2
	ss.keepalive = true

	var fire func()
	fire = func() {
		if !ss.keepalive {
			return
		}
		req := &base.Request{Method: base.GetParameter, URL: ss.uri}
		ss.submit(req, nil) //nolint:errcheck
		ss.keepaliveID = loop.ScheduleAfter(interval, fire)
	}
	ss.keepaliveID = loop.ScheduleAfter(interval, fire)
}

func (ss *Session) cancelKeepalive() {
	if !ss.keepalive {
		return
	}
	ss.keepalive = false
	if loop := ss.p.conf.Loop; loop != nil {
		loop.CancelAfter(ss.keepaliveID)
	}
}
