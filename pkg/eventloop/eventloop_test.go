package eventloop

import (
	"testing"
	"time"

	"rtspkit/pkg/socket"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func mockClock(start time.Time) (func() time.Time, func(time.Duration)) {
	cur := start
	return func() time.Time { return cur },
		func(d time.Duration) { cur = cur.Add(d) }
}

func connectedSocket(t *testing.T) (*socket.Socket, *socket.Socket) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	a := socket.FromFd(fds[0], socket.KindStream)
	b := socket.FromFd(fds[1], socket.KindStream)
	a.OnConnectable = func(s *socket.Socket) { s.SetState(socket.StateConnected) }
	t.Cleanup(func() {
		a.Disconnect()
		b.Disconnect()
	})
	return a, b
}

func TestScheduleAfter(t *testing.T) {
	now, advance := mockClock(time.Unix(1000, 0))

	l := New(0)
	l.SetClock(now)

	var invoked []string
	idA := l.ScheduleAfter(100*time.Millisecond, func() { invoked = append(invoked, "A") })
	idB := l.ScheduleAfter(50*time.Millisecond, func() { invoked = append(invoked, "B") })
	require.NotEqual(t, idA, idB)

	require.True(t, l.CancelAfter(idB))
	require.False(t, l.CancelAfter(idB))

	advance(200 * time.Millisecond)

	require.Equal(t, 1, l.Cycle())
	require.Equal(t, []string{"A"}, invoked)
	require.Equal(t, 0, l.Cycle())
	require.Equal(t, []string{"A"}, invoked)
}

func TestScheduleAfterOnePerCycle(t *testing.T) {
	now, advance := mockClock(time.Unix(1000, 0))

	l := New(0)
	l.SetClock(now)

	var invoked []string
	l.ScheduleAfter(20*time.Millisecond, func() { invoked = append(invoked, "second") })
	l.ScheduleAfter(10*time.Millisecond, func() { invoked = append(invoked, "first") })

	advance(time.Second)

	l.Cycle()
	require.Equal(t, []string{"first"}, invoked)
	l.Cycle()
	require.Equal(t, []string{"first", "second"}, invoked)
}

func TestScheduledPanicIsolated(t *testing.T) {
	now, advance := mockClock(time.Unix(1000, 0))

	l := New(0)
	l.SetClock(now)

	var invoked bool
	l.ScheduleAfter(time.Millisecond, func() { panic("boom") })
	l.ScheduleAfter(2*time.Millisecond, func() { invoked = true })

	advance(time.Second)

	require.NotPanics(t, func() { l.Cycle() })
	l.Cycle()
	require.True(t, invoked)
}

func TestAdmissionCapacity(t *testing.T) {
	l := New(2)

	a1, _ := connectedSocket(t)
	a2, _ := connectedSocket(t)
	a3, _ := connectedSocket(t)

	l.AddSocket(a1)
	l.AddSocket(a2)
	l.AddSocket(a3)
	require.Equal(t, 3, l.PendingCount())

	l.Cycle()
	require.Equal(t, 2, l.ActiveCount())
	require.Equal(t, 1, l.PendingCount())

	// capacity frees up when a socket leaves the loop.
	l.RemoveSocket(a1)
	l.Cycle()
	require.Equal(t, 2, l.ActiveCount())
	require.Equal(t, 0, l.PendingCount())

	l.RemoveSocket(a2)
	l.RemoveSocket(a3)
	require.Equal(t, 0, l.ActiveCount())
}

func TestFailedAdmissionNotActivated(t *testing.T) {
	l := New(0)

	s := socket.New(socket.KindStream, "127.0.0.1", 1)
	// on-connectable does nothing, so the socket never reports
	// Connecting or Connected.
	l.AddSocket(s)

	l.Cycle()
	require.Equal(t, 0, l.ActiveCount())
	require.Equal(t, 0, l.PendingCount())
}

func TestReadableWritableDispatch(t *testing.T) {
	l := New(0)

	a, b := connectedSocket(t)

	var readable, writable int
	buf := make([]byte, 16)
	a.OnReadable = func(s *socket.Socket) {
		readable++
		s.ReadNonblocking(buf) //nolint:errcheck
	}
	a.OnWritable = func(*socket.Socket) { writable++ }

	l.AddSocket(a)
	l.Cycle()
	require.Equal(t, 0, readable)
	require.Equal(t, 1, writable)

	require.NoError(t, b.WriteNonblocking([]byte("data")))

	l.Cycle()
	require.Equal(t, 1, readable)
	require.Equal(t, 2, writable)

	// no new data; only writability fires.
	l.Cycle()
	require.Equal(t, 1, readable)
	require.Equal(t, 3, writable)
}

func TestDisconnectedSocketEvicted(t *testing.T) {
	l := New(0)

	a, b := connectedSocket(t)
	a.OnReadable = func(s *socket.Socket) {
		// peer closed; reading returns zero bytes.
		n, err := s.ReadNonblocking(make([]byte, 1))
		require.NoError(t, err)
		require.Equal(t, 0, n)
		s.Disconnect()
	}

	l.AddSocket(a)
	l.Cycle()
	require.Equal(t, 1, l.ActiveCount())

	b.Disconnect()

	l.Cycle()
	require.Equal(t, 0, l.ActiveCount())
}

func TestHooks(t *testing.T) {
	l := New(0)

	progress := true
	l.AddHook(func() bool { return progress })
	l.AddHook(func() bool { return false })

	require.Equal(t, 1, l.Cycle())
	progress = false
	require.Equal(t, 0, l.Cycle())
}

func TestRun(t *testing.T) {
	l := New(0)

	var invoked bool
	l.ScheduleAfter(5*time.Millisecond, func() { invoked = true })

	done := make(chan struct{})
	go func() {
		l.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not terminate")
	}
	require.True(t, invoked)
}
