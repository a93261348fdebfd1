// Package rtspkit is a client-side RTSP 1.0 engine: a non-blocking event
// loop driving many concurrent presentations over TCP or UDP, with a
// blocking façade over the same wire layer.
package rtspkit

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rtspkit/pkg/base"
	"rtspkit/pkg/eventloop"
	"rtspkit/pkg/log"
	"rtspkit/pkg/presentation"
	"rtspkit/pkg/sdp"
	"rtspkit/pkg/socket"
	"rtspkit/pkg/status"

	psdp "github.com/pion/sdp/v3"
)

const defaultRTSPPort = 554

// Errors.
var (
	ErrBadURL         = errors.New("invalid presentation url")
	ErrDescribeFailed = errors.New("describe failed")
)

// Client is the top-level façade: it owns the event loop, the error and
// warning sinks and the open presentations.
type Client struct {
	conf Config
	loop *eventloop.Loop

	presentations []*presentation.Presentation

	logger      *log.Logger
	lastError   string
	lastWarning string
}

// New returns a Client for the given configuration. A nil configuration
// means defaults.
func New(conf *Config) (*Client, error) {
	if conf == nil {
		conf = &Config{}
	}
	conf.withDefaults()
	if err := conf.validate(); err != nil {
		return nil, err
	}

	c := &Client{conf: *conf}
	if conf.Interface == InterfaceEventDriven {
		c.loop = eventloop.New(conf.MaxActiveConnections)
	}
	return c, nil
}

// Loop returns the event loop, or nil in blocking mode.
func (c *Client) Loop() *eventloop.Loop {
	return c.loop
}

// SetLogger attaches a logger fed by the error and warning sinks.
func (c *Client) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// Error records an error and feeds the sink when it is enabled.
func (c *Client) Error(msg string) {
	c.lastError = msg
	if c.logger != nil {
		c.logger.Error().Src("client").Msg(msg)
	}
	if c.conf.UseErrorCallback && c.conf.ErrorCallback != nil {
		c.conf.ErrorCallback(msg)
	}
}

// Warn records a warning and feeds the sink when it is enabled.
func (c *Client) Warn(msg string) {
	c.lastWarning = msg
	if c.logger != nil {
		c.logger.Warn().Src("client").Msg(msg)
	}
	if c.conf.UseWarningCallback && c.conf.WarningCallback != nil {
		c.conf.WarningCallback(msg)
	}
}

// LastError returns the last recorded error string.
func (c *Client) LastError() string {
	return c.lastError
}

// LastWarning returns the last recorded warning string.
func (c *Client) LastWarning() string {
	return c.lastWarning
}

// target is a parsed presentation URL.
type target struct {
	kind socket.Kind
	host string
	port int
	uri  string
}

// parseTarget maps a presentation URL to a transport and peer.
// "rtsp" means stream, "rtspu" datagram; a missing scheme means "rtsp"; any
// other scheme produces a warning and is attempted as stream.
func (c *Client) parseTarget(rawURL string) (*target, error) {
	if !strings.Contains(rawURL, "://") {
		rawURL = "rtsp://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("%w (%q)", ErrBadURL, rawURL)
	}

	kind := socket.KindStream
	switch u.Scheme {
	case "rtsp":
	case "rtspu":
		kind = socket.KindDatagram
	default:
		c.Warn(fmt.Sprintf("unsupported scheme %q, trying stream transport", u.Scheme))
	}

	port := defaultRTSPPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w (%q)", ErrBadURL, rawURL)
		}
	}

	return &target{
		kind: kind,
		host: u.Hostname(),
		port: port,
		uri:  rawURL,
	}, nil
}

// OpenPresentation connects a presentation for the given URL. In
// event-driven mode the connect completes asynchronously on the loop; in
// blocking mode the call returns once connected.
func (c *Client) OpenPresentation(rawURL string, conf presentation.Config) (*presentation.Presentation, error) {
	tgt, err := c.parseTarget(rawURL)
	if err != nil {
		c.Error(err.Error())
		return nil, err
	}

	conf.Loop = c.loop
	conf.Kind = tgt.kind
	conf.Host = tgt.host
	conf.Port = tgt.port
	conf.URI = tgt.uri
	if conf.Timeout == 0 {
		conf.Timeout = time.Duration(c.conf.Timeout) * time.Second
	}
	if conf.BufferSize == 0 {
		conf.BufferSize = c.conf.BufferSize
	}
	if !conf.Pipelining {
		conf.Pipelining = c.conf.Pipelining
	}
	if conf.OnError == nil {
		conf.OnError = func(err error, _ *presentation.Presentation) {
			c.Error(err.Error())
		}
	}

	p := presentation.New(conf)
	if err := p.Connect(); err != nil {
		c.Error(err.Error())
		return nil, err
	}

	c.presentations = append(c.presentations, p)
	return p, nil
}

// ClosePresentation terminates a presentation and forgets it.
func (c *Client) ClosePresentation(p *presentation.Presentation) {
	p.Terminate()
	for i, known := range c.presentations {
		if known == p {
			c.presentations = append(c.presentations[:i], c.presentations[i+1:]...)
			return
		}
	}
}

// Cycle runs one event loop cycle. Only valid in event-driven mode.
func (c *Client) Cycle() int {
	return c.loop.Cycle()
}

// Run cycles the event loop until no work remains.
func (c *Client) Run() {
	c.loop.Run()
}

// Counters samples the engine gauges, for use with the status package.
func (c *Client) Counters() status.Counters {
	counters := status.Counters{
		Presentations: len(c.presentations),
	}
	if c.loop != nil {
		counters.ActiveSockets = c.loop.ActiveCount()
		counters.PendingSockets = c.loop.PendingCount()
		counters.ScheduledCallbacks = c.loop.ScheduledCount()
	}
	return counters
}

// DescribeSDP performs a blocking DESCRIBE and parses the returned session
// description. Only valid in blocking mode.
func (c *Client) DescribeSDP(p *presentation.Presentation) (*psdp.SessionDescription, error) {
	req := &base.Request{Method: base.Describe, URL: "*"}
	req.Header.Add("Accept", "application/sdp")

	res, err := p.Do(req)
	if err != nil {
		c.Error(err.Error())
		return nil, err
	}
	if !res.Ok() {
		err := fmt.Errorf("%w: %d %s", ErrDescribeFailed, res.StatusCode, res.Reason)
		c.Error(err.Error())
		return nil, err
	}

	return sdp.Parse(res)
}
