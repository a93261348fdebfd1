package presentation

import (
	"rtspkit/pkg/base"
)

// Do performs a blocking round trip: it writes the request, then reads
// start line, headers and body until a full response is assembled.
// Only valid in blocking mode.
func (p *Presentation) Do(req *base.Request) (*base.Response, error) {
	if p.state == StateUninitialized {
		return nil, ErrNotInitialized
	}

	p.prepare(req)
	data, err := req.Marshal()
	if err != nil {
		return nil, err
	}

	p.state = StateSendingRequest
	if err := p.sock.WriteBlocking(data, p.conf.Timeout); err != nil {
		p.state = StateInitialized
		return nil, err
	}

	p.state = StateReceivingResponse
	res, err := p.receiveBlocking(data)
	p.state = StateInitialized
	return res, err
}

func (p *Presentation) sendRequestBlocking(req *base.Request, done Completion) error {
	res, err := p.Do(req)
	if err != nil {
		if done != nil {
			done(Outcome{Err: err, Presentation: p})
		}
		return err
	}
	if done != nil {
		done(Outcome{Response: res, Presentation: p})
	}
	return nil
}

// Describe submits a DESCRIBE request. A default Accept header is attached
// when the caller did not set one.
func (p *Presentation) Describe(uri string, done Completion) error {
	req := &base.Request{Method: base.Describe, URL: uri}
	req.Header.Add("Accept", defaultAccept)
	return p.SendRequest(req, done)
}

// Announce submits an ANNOUNCE request carrying a session description.
func (p *Presentation) Announce(uri string, description []byte, done Completion) error {
	req := &base.Request{Method: base.Announce, URL: uri, Body: description}
	if len(description) > 0 {
		req.Header.Add("Content-Type", "application/sdp")
	}
	return p.SendRequest(req, done)
}

// Options submits an OPTIONS request.
func (p *Presentation) Options(uri string, done Completion) error {
	return p.SendRequest(&base.Request{Method: base.Options, URL: uri}, done)
}

// GetParameter submits a GET_PARAMETER request. With an empty parameter the
// request doubles as a keepalive.
func (p *Presentation) GetParameter(uri string, parameter string, done Completion) error {
	req := &base.Request{Method: base.GetParameter, URL: uri}
	if parameter != "" {
		req.Header.Add("Content-Type", "text/parameters")
		req.Body = []byte(parameter + "\r\n")
	}
	return p.SendRequest(req, done)
}

// SetParameter submits a SET_PARAMETER request.
func (p *Presentation) SetParameter(uri string, name string, value string, done Completion) error {
	req := &base.Request{Method: base.SetParameter, URL: uri}
	req.Header.Add("Content-Type", "text/parameters")
	req.Body = []byte(name + ": " + value + "\r\n")
	return p.SendRequest(req, done)
}
