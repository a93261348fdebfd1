// Package socket implements a unified TCP/UDP endpoint with
// readiness-driven callbacks, blocking and non-blocking I/O and a pushback
// buffer for boundary-straddling reads.
package socket

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Kind is the transport kind of a socket. The values are the numeric
// socket-type constants, so comparisons are numeric.
type Kind int

// Transport kinds.
const (
	KindStream   Kind = unix.SOCK_STREAM
	KindDatagram Kind = unix.SOCK_DGRAM
)

// State is the connection state of a socket.
type State int

// Socket states.
const (
	StateDisconnected State = iota
	StateConnectable
	StateConnecting
	StateConnected
	StateReadable
	StateReading
	StateWritable
	StateWriting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnectable:
		return "connectable"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReadable:
		return "readable"
	case StateReading:
		return "reading"
	case StateWritable:
		return "writable"
	case StateWriting:
		return "writing"
	}
	return "unknown"
}

// Errors.
var (
	ErrReadTimedOut    = errors.New("Read timed out")
	ErrWriteTimedOut   = errors.New("Write timed out")
	ErrConnectTimedOut = errors.New("Connect timed out")
	ErrNotConnected    = errors.New("not connected")
	ErrHostNotResolved = errors.New("host could not be resolved")
)

// ShortWriteError data was only partially written.
type ShortWriteError struct {
	Written int
	Total   int
}

func (e ShortWriteError) Error() string {
	return fmt.Sprintf("Data partially written (%d of %d bytes)", e.Written, e.Total)
}

// Socket is a single TCP or UDP endpoint addressed by host and port.
// It is not safe for concurrent use; an event loop drives it from one
// goroutine.
type Socket struct {
	fd   int
	kind Kind
	host string
	port int

	state           State
	lastActive      time.Time
	connectDeadline time.Time
	pushback        []byte
	lastError       string

	// invoked when the event loop admits the socket.
	OnConnectable func(*Socket)

	// invoked once per cycle when the socket is writable.
	OnWritable func(*Socket)

	// invoked once per cycle when the socket is readable.
	OnReadable func(*Socket)

	// invoked whenever a network error is recorded.
	OnNetworkError func(*Socket, error)

	onConnectSuccess func(*Socket)
	onConnectFailure func(*Socket, error)

	now func() time.Time
}

// New returns a disconnected socket for the given transport and peer.
func New(kind Kind, host string, port int) *Socket {
	return &Socket{
		fd:   -1,
		kind: kind,
		host: host,
		port: port,
		now:  time.Now,
	}
}

// FromFd wraps an already-connected file descriptor. Used by tests and by
// callers that dial through other means.
func FromFd(fd int, kind Kind) *Socket {
	return &Socket{
		fd:    fd,
		kind:  kind,
		state: StateConnected,
		now:   time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (s *Socket) SetClock(now func() time.Time) {
	s.now = now
}

// Fd returns the file descriptor, or -1 when disconnected.
func (s *Socket) Fd() int {
	return s.fd
}

// Kind returns the transport kind.
func (s *Socket) Kind() Kind {
	return s.kind
}

// Host returns the peer host.
func (s *Socket) Host() string {
	return s.host
}

// Port returns the peer port.
func (s *Socket) Port() int {
	return s.port
}

// State returns the connection state.
func (s *Socket) State() State {
	return s.state
}

// SetState sets the connection state.
func (s *Socket) SetState(state State) {
	s.state = state
}

// LastActive returns the time of the last network activity.
func (s *Socket) LastActive() time.Time {
	return s.lastActive
}

// LastError returns the last recorded network error string.
func (s *Socket) LastError() string {
	return s.lastError
}

func (s *Socket) touch() {
	s.lastActive = s.now()
}

func (s *Socket) recordError(err error) error {
	s.lastError = err.Error()
	if s.OnNetworkError != nil {
		s.OnNetworkError(s, err)
	}
	return err
}

func (s *Socket) sockaddr() (unix.Sockaddr, error) {
	ip := net.ParseIP(s.host)
	if ip == nil {
		ips, err := net.LookupIP(s.host)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrHostNotResolved, s.host, err)
		}
		for _, candidate := range ips {
			if candidate.To4() != nil {
				ip = candidate
				break
			}
		}
		if ip == nil {
			return nil, fmt.Errorf("%w: %q: no IPv4 address", ErrHostNotResolved, s.host)
		}
	}

	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: s.port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}

	sa := &unix.SockaddrInet6{Port: s.port}
	copy(sa.Addr[:], ip.To16())
	return sa, nil
}

func (s *Socket) open() error {
	domain := unix.AF_INET
	if ip := net.ParseIP(s.host); ip != nil && ip.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, int(s.kind), 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	s.fd = fd
	return nil
}

// Connectable marks the socket admitted and invokes the on-connectable
// callback, which normally starts a connect.
func (s *Socket) Connectable() {
	s.state = StateConnectable
	if s.OnConnectable != nil {
		s.OnConnectable(s)
	}
}

// Readable marks the socket readable and invokes the readable callback.
func (s *Socket) Readable() {
	s.state = StateReadable
	if s.OnReadable != nil {
		s.OnReadable(s)
	}
}

// Writable marks the socket writable and invokes the writable callback.
func (s *Socket) Writable() {
	s.state = StateWritable
	if s.OnWritable != nil {
		s.OnWritable(s)
	}
}

// ConnectBlocking opens the socket and connects, waiting up to timeout.
func (s *Socket) ConnectBlocking(timeout time.Duration) error {
	if err := s.startConnect(timeout); err != nil {
		return err
	}

	if s.state == StateConnected {
		return nil
	}

	ok, err := waitReadiness(s.fd, false, timeout)
	if err != nil {
		s.Disconnect()
		return s.recordError(fmt.Errorf("select: %w", err))
	}
	if !ok {
		s.Disconnect()
		return s.recordError(ErrConnectTimedOut)
	}

	return s.FinishConnect()
}

// ConnectNonblocking opens the socket and starts an asynchronous connect.
// The event loop completes it by calling FinishConnect on writability, or
// FailConnect when the deadline passes.
func (s *Socket) ConnectNonblocking(
	timeout time.Duration,
	onSuccess func(*Socket),
	onFailure func(*Socket, error),
) error {
	s.onConnectSuccess = onSuccess
	s.onConnectFailure = onFailure

	err := s.startConnect(timeout)
	if err != nil {
		if onFailure != nil {
			onFailure(s, err)
		}
		return err
	}

	if s.state == StateConnected && onSuccess != nil {
		onSuccess(s)
	}
	return nil
}

// startConnect opens the fd in non-blocking mode and issues connect(2).
// Afterwards the state is either Connected (immediate success, fd back in
// blocking mode) or Connecting.
func (s *Socket) startConnect(timeout time.Duration) error {
	if s.fd == -1 {
		if err := s.open(); err != nil {
			return s.recordError(err)
		}
	}

	sa, err := s.sockaddr()
	if err != nil {
		s.Disconnect()
		return s.recordError(err)
	}

	// non-blocking mode must be set before connect(2).
	if err := unix.SetNonblock(s.fd, true); err != nil {
		s.Disconnect()
		return s.recordError(fmt.Errorf("set nonblock: %w", err))
	}

	s.touch()
	s.connectDeadline = s.now().Add(timeout)

	err = unix.Connect(s.fd, sa)
	switch {
	case err == nil:
		// datagram sockets and loopback connects succeed immediately.
		if err := unix.SetNonblock(s.fd, false); err != nil {
			s.Disconnect()
			return s.recordError(fmt.Errorf("set blocking: %w", err))
		}
		s.state = StateConnected
		return nil

	case errors.Is(err, unix.EINPROGRESS):
		s.state = StateConnecting
		return nil
	}

	s.Disconnect()
	return s.recordError(fmt.Errorf("connect to %s:%d: %w", s.host, s.port, err))
}

// FinishConnect confirms an in-progress connect after the fd reported
// writability. On success the fd is switched back to blocking mode so that
// higher layers see plain byte counts.
func (s *Socket) FinishConnect() error {
	soErr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && soErr != 0 {
		err = unix.Errno(soErr)
	}
	if err == nil && !s.peerPresent() {
		err = ErrNotConnected
	}
	if err != nil {
		err = s.recordError(fmt.Errorf("connect to %s:%d: %w", s.host, s.port, err))
		s.Disconnect()
		if s.onConnectFailure != nil {
			s.onConnectFailure(s, err)
		}
		return err
	}

	if err := unix.SetNonblock(s.fd, false); err != nil {
		s.Disconnect()
		return s.recordError(fmt.Errorf("set blocking: %w", err))
	}

	s.state = StateConnected
	s.touch()
	if s.onConnectSuccess != nil {
		s.onConnectSuccess(s)
	}
	return nil
}

// ConnectExpired reports whether an in-progress connect passed its deadline.
func (s *Socket) ConnectExpired(now time.Time) bool {
	return s.state == StateConnecting && now.After(s.connectDeadline)
}

// FailConnect aborts an in-progress connect.
func (s *Socket) FailConnect() {
	err := s.recordError(ErrConnectTimedOut)
	s.Disconnect()
	if s.onConnectFailure != nil {
		s.onConnectFailure(s, err)
	}
}

// IsConnected reports whether the socket is connected to a peer.
func (s *Socket) IsConnected() bool {
	return s.state != StateDisconnected && s.peerPresent()
}

func (s *Socket) peerPresent() bool {
	if s.fd == -1 {
		return false
	}
	_, err := unix.Getpeername(s.fd)
	return err == nil
}

// Unread prepends byts to the pushback buffer. The next read consumes the
// pushback buffer before touching the descriptor.
func (s *Socket) Unread(byts []byte) {
	if len(byts) == 0 {
		return
	}
	s.pushback = append(append([]byte{}, byts...), s.pushback...)
}

// Pushback returns the number of unconsumed pushback bytes.
func (s *Socket) Pushback() int {
	return len(s.pushback)
}

func (s *Socket) drainPushback(buf []byte) int {
	n := copy(buf, s.pushback)
	s.pushback = s.pushback[n:]
	return n
}

func (s *Socket) sysRead(buf []byte) (int, error) {
	for {
		var n int
		var err error
		if s.kind == KindDatagram {
			// return the datagram length, not a truncated count.
			n, _, err = unix.Recvfrom(s.fd, buf, 0)
		} else {
			n, err = unix.Read(s.fd, buf)
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return n, err
	}
}

// ReadBlocking reads into buf, waiting for readiness up to timeout.
// The pushback buffer is drained first.
func (s *Socket) ReadBlocking(buf []byte, timeout time.Duration) (int, error) {
	if len(s.pushback) > 0 {
		return s.drainPushback(buf), nil
	}
	if s.state == StateDisconnected {
		return 0, s.recordError(ErrNotConnected)
	}

	ok, err := waitReadiness(s.fd, true, timeout)
	if err != nil {
		return 0, s.recordError(fmt.Errorf("select: %w", err))
	}
	if !ok {
		return 0, s.recordError(ErrReadTimedOut)
	}

	return s.ReadNonblocking(buf)
}

// ReadNonblocking reads whatever is immediately available into buf.
// The pushback buffer is drained first.
func (s *Socket) ReadNonblocking(buf []byte) (int, error) {
	if len(s.pushback) > 0 {
		return s.drainPushback(buf), nil
	}
	if s.state == StateDisconnected {
		return 0, s.recordError(ErrNotConnected)
	}

	n, err := s.sysRead(buf)
	if err != nil {
		return 0, s.recordError(fmt.Errorf("read: %w", err))
	}
	s.touch()
	return n, nil
}

func (s *Socket) sysWrite(byts []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, byts)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return n, err
	}
}

// WriteBlocking writes byts, waiting for writability up to timeout.
// A short write is a network error; callers never resume partial writes.
func (s *Socket) WriteBlocking(byts []byte, timeout time.Duration) error {
	if s.state == StateDisconnected {
		return s.recordError(ErrNotConnected)
	}

	ok, err := waitReadiness(s.fd, false, timeout)
	if err != nil {
		return s.recordError(fmt.Errorf("select: %w", err))
	}
	if !ok {
		return s.recordError(ErrWriteTimedOut)
	}

	return s.WriteNonblocking(byts)
}

// WriteNonblocking writes byts without waiting for writability.
func (s *Socket) WriteNonblocking(byts []byte) error {
	if s.state == StateDisconnected {
		return s.recordError(ErrNotConnected)
	}

	n, err := s.sysWrite(byts)
	if err != nil {
		return s.recordError(fmt.Errorf("write: %w", err))
	}
	if n != len(byts) {
		return s.recordError(ShortWriteError{Written: n, Total: len(byts)})
	}
	s.touch()
	return nil
}

// Disconnect closes the descriptor and moves the socket to Disconnected.
func (s *Socket) Disconnect() {
	if s.fd != -1 {
		unix.Close(s.fd)
		s.fd = -1
	}
	s.touch()
	s.state = StateDisconnected
}

// waitReadiness waits until fd is readable (read=true) or writable, up to
// timeout. It reports whether the fd became ready.
func waitReadiness(fd int, read bool, timeout time.Duration) (bool, error) {
	var set unix.FdSet
	set.Set(fd)

	tv := unix.NsecToTimeval(timeout.Nanoseconds())

	for {
		var n int
		var err error
		if read {
			n, err = unix.Select(fd+1, &set, nil, nil, &tv)
		} else {
			n, err = unix.Select(fd+1, nil, &set, nil, &tv)
		}
		if errors.Is(err, unix.EINTR) {
			set.Zero()
			set.Set(fd)
			continue
		}
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}
}
