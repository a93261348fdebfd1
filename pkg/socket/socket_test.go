package socket

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T, kind Kind) (*Socket, *Socket) {
	fds, err := unix.Socketpair(unix.AF_UNIX, int(kind), 0)
	require.NoError(t, err)

	a := FromFd(fds[0], kind)
	b := FromFd(fds[1], kind)
	t.Cleanup(func() {
		a.Disconnect()
		b.Disconnect()
	})
	return a, b
}

func TestReadBlocking(t *testing.T) {
	a, b := socketPair(t, KindStream)

	require.NoError(t, b.WriteNonblocking([]byte("hello")))

	buf := make([]byte, 16)
	n, err := a.ReadBlocking(buf, time.Second)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestReadBlockingTimeout(t *testing.T) {
	a, _ := socketPair(t, KindStream)

	buf := make([]byte, 16)
	_, err := a.ReadBlocking(buf, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrReadTimedOut)
	require.Equal(t, ErrReadTimedOut.Error(), a.LastError())
}

func TestPushback(t *testing.T) {
	a, b := socketPair(t, KindStream)

	require.NoError(t, b.WriteNonblocking([]byte("headerbody")))

	buf := make([]byte, 10)
	n, err := a.ReadBlocking(buf, time.Second)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	// give back everything after the boundary.
	a.Unread(buf[6:10])
	require.Equal(t, 4, a.Pushback())

	// the pushback buffer is consumed before any new system read.
	require.NoError(t, b.WriteNonblocking([]byte("tail")))
	n, err = a.ReadBlocking(buf, time.Second)
	require.NoError(t, err)
	require.Equal(t, "body", string(buf[:n]))

	n, err = a.ReadBlocking(buf, time.Second)
	require.NoError(t, err)
	require.Equal(t, "tail", string(buf[:n]))
}

func TestUnreadPrepends(t *testing.T) {
	a, _ := socketPair(t, KindStream)

	a.Unread([]byte("ab"))
	a.Unread([]byte("cd"))

	buf := make([]byte, 4)
	n, err := a.ReadNonblocking(buf)
	require.NoError(t, err)
	require.Equal(t, "cdab", string(buf[:n]))
}

func TestDatagramReadLength(t *testing.T) {
	a, b := socketPair(t, KindDatagram)

	require.NoError(t, b.WriteNonblocking([]byte("one")))
	require.NoError(t, b.WriteNonblocking([]byte("twotwo")))

	buf := make([]byte, 64)
	n, err := a.ReadBlocking(buf, time.Second)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = a.ReadBlocking(buf, time.Second)
	require.NoError(t, err)
	require.Equal(t, 6, n)
}

func TestDisconnect(t *testing.T) {
	a, _ := socketPair(t, KindStream)

	require.True(t, a.IsConnected())
	a.Disconnect()
	require.False(t, a.IsConnected())
	require.Equal(t, StateDisconnected, a.State())
	require.Equal(t, -1, a.Fd())

	_, err := a.ReadNonblocking(make([]byte, 1))
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, a.WriteNonblocking([]byte("x")), ErrNotConnected)
}

func TestConnectBlocking(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port

	s := New(KindStream, "127.0.0.1", port)
	require.Equal(t, KindStream, s.Kind())

	err = s.ConnectBlocking(time.Second)
	require.NoError(t, err)
	defer s.Disconnect()

	require.Equal(t, StateConnected, s.State())
	require.True(t, s.IsConnected())

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, s.WriteBlocking([]byte("ping"), time.Second))

	buf := make([]byte, 4)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	s := New(KindStream, "127.0.0.1", port)

	var failed error
	err = s.ConnectNonblocking(time.Second,
		nil,
		func(_ *Socket, err error) { failed = err })

	// the refusal surfaces either at connect(2) or at FinishConnect.
	if err == nil && s.State() == StateConnecting {
		_, serr := waitReadiness(s.Fd(), false, time.Second)
		require.NoError(t, serr)
		err = s.FinishConnect()
	}
	require.Error(t, err)
	require.Error(t, failed)
	require.Equal(t, StateDisconnected, s.State())
	require.NotEmpty(t, s.LastError())
}

func TestConnectNonblocking(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port

	s := New(KindStream, "127.0.0.1", port)

	var succeeded bool
	err = s.ConnectNonblocking(time.Second,
		func(*Socket) { succeeded = true },
		nil)
	require.NoError(t, err)
	defer s.Disconnect()

	if s.State() == StateConnecting {
		ok, err := waitReadiness(s.Fd(), false, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.FinishConnect())
	}

	require.True(t, succeeded)
	require.Equal(t, StateConnected, s.State())
}

func TestConnectExpired(t *testing.T) {
	s := New(KindStream, "127.0.0.1", 1)
	s.SetState(StateConnecting)
	s.connectDeadline = time.Now().Add(-time.Second)
	require.True(t, s.ConnectExpired(time.Now()))
}
