// Package eventloop implements a single-threaded readiness multiplexer over
// a bounded set of sockets, with an admission queue and scheduled callbacks.
package eventloop

import (
	"container/heap"
	"sort"
	"time"

	"rtspkit/pkg/socket"

	"golang.org/x/sys/unix"
)

const defaultMaxConnections = 12

// AfterID is the opaque handle of a scheduled callback.
type AfterID int

// Hook is invoked once per cycle. It reports whether it made progress.
type Hook func() bool

type after struct {
	id  AfterID
	due time.Time
	cb  func()
}

// afterQueue is a min-heap of scheduled callbacks ordered by due time.
type afterQueue []*after

func (q afterQueue) Len() int      { return len(q) }
func (q afterQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q afterQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].id < q[j].id
	}
	return q[i].due.Before(q[j].due)
}

func (q *afterQueue) Push(x interface{}) {
	*q = append(*q, x.(*after))
}

func (q *afterQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Loop multiplexes sockets by readiness and dispatches scheduled callbacks.
// It is single-threaded and cooperative: all methods must be called from the
// same goroutine.
type Loop struct {
	maxConnections int

	admission []*socket.Socket
	active    map[int]*socket.Socket

	readSet   unix.FdSet
	writeSet  unix.FdSet
	exceptSet unix.FdSet

	afters      afterQueue
	nextAfterID AfterID

	hooks    []Hook
	activity int

	now func() time.Time
}

// New returns a Loop admitting at most maxConnections sockets at a time.
func New(maxConnections int) *Loop {
	if maxConnections <= 0 {
		maxConnections = defaultMaxConnections
	}
	return &Loop{
		maxConnections: maxConnections,
		active:         make(map[int]*socket.Socket),
		now:            time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (l *Loop) SetClock(now func() time.Time) {
	l.now = now
}

// AddSocket appends s to the admission queue.
func (l *Loop) AddSocket(s *socket.Socket) {
	l.admission = append(l.admission, s)
}

// RemoveSocket deletes s from the active set, or from the admission queue
// when it has not been admitted yet.
func (l *Loop) RemoveSocket(s *socket.Socket) {
	if fd := s.Fd(); fd != -1 {
		if l.active[fd] == s {
			l.evict(fd)
			return
		}
	}

	// a disconnected socket no longer knows its descriptor.
	for fd, active := range l.active {
		if active == s {
			l.evict(fd)
			return
		}
	}

	for i, pending := range l.admission {
		if pending == s {
			l.admission = append(l.admission[:i], l.admission[i+1:]...)
			return
		}
	}
}

func (l *Loop) admit(s *socket.Socket) {
	fd := s.Fd()
	l.active[fd] = s
	l.readSet.Set(fd)
	l.writeSet.Set(fd)
	l.exceptSet.Set(fd)
}

func (l *Loop) evict(fd int) {
	delete(l.active, fd)
	l.readSet.Clear(fd)
	l.writeSet.Clear(fd)
	l.exceptSet.Clear(fd)
}

// ActiveCount returns the size of the active set.
func (l *Loop) ActiveCount() int {
	return len(l.active)
}

// PendingCount returns the length of the admission queue.
func (l *Loop) PendingCount() int {
	return len(l.admission)
}

// ScheduledCount returns the number of scheduled callbacks.
func (l *Loop) ScheduledCount() int {
	return len(l.afters)
}

// ScheduleAfter schedules cb to run delay from now and returns its handle.
func (l *Loop) ScheduleAfter(delay time.Duration, cb func()) AfterID {
	l.nextAfterID++
	id := l.nextAfterID
	heap.Push(&l.afters, &after{
		id:  id,
		due: l.now().Add(delay),
		cb:  cb,
	})
	return id
}

// CancelAfter removes the scheduled callback with the given handle.
// It reports whether the callback was still scheduled.
func (l *Loop) CancelAfter(id AfterID) bool {
	for i, a := range l.afters {
		if a.id == id {
			heap.Remove(&l.afters, i)
			return true
		}
	}
	return false
}

// AddHook registers a callback invoked once per cycle.
func (l *Loop) AddHook(h Hook) {
	l.hooks = append(l.hooks, h)
}

// runAfter invokes a scheduled callback, isolating a panic to the callback.
func runAfter(cb func()) {
	defer func() {
		recover() //nolint:errcheck
	}()
	cb()
}

// dispatchAfters pops and invokes at most one due scheduled callback.
func (l *Loop) dispatchAfters() {
	if len(l.afters) == 0 {
		return
	}
	if l.afters[0].due.After(l.now()) {
		return
	}

	a := heap.Pop(&l.afters).(*after)
	runAfter(a.cb)
	l.activity++
}

// admitPending shifts sockets from the admission queue into the active set
// while there is capacity.
func (l *Loop) admitPending() {
	for len(l.active) < l.maxConnections && len(l.admission) > 0 {
		s := l.admission[0]
		l.admission = l.admission[1:]

		s.Connectable()

		switch s.State() {
		case socket.StateConnecting, socket.StateConnected:
			l.admit(s)
		}
	}
}

// activeFds returns the active descriptors in ascending order, so that
// dispatch order is stable within a cycle.
func (l *Loop) activeFds() []int {
	fds := make([]int, 0, len(l.active))
	for fd := range l.active {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	return fds
}

// pollActive polls readiness across the active set with a zero timeout and
// dispatches at most one readable and one writable event per socket.
func (l *Loop) pollActive() {
	if len(l.active) == 0 {
		return
	}

	fds := l.activeFds()
	maxFd := fds[len(fds)-1]

	// select(2) mutates its sets; poll on copies.
	readReady := l.readSet
	writeReady := l.writeSet
	exceptReady := l.exceptSet
	tv := unix.Timeval{}

	_, err := unix.Select(maxFd+1, &readReady, &writeReady, &exceptReady, &tv)
	if err != nil {
		// readiness polling never raises; treat every error as no readiness.
		readReady.Zero()
		writeReady.Zero()
		exceptReady.Zero()
	}

	now := l.now()

	for _, fd := range fds {
		s := l.active[fd]
		if s == nil {
			continue
		}

		if s.State() == socket.StateConnecting {
			switch {
			case writeReady.IsSet(fd) || exceptReady.IsSet(fd):
				s.FinishConnect() //nolint:errcheck
				l.activity++
			case s.ConnectExpired(now):
				s.FailConnect()
				l.activity++
			}
		}

		if s.State() == socket.StateDisconnected {
			l.evict(fd)
			continue
		}

		if s.IsConnected() && readReady.IsSet(fd) {
			s.Readable()
			l.activity++
		}

		if s.State() == socket.StateDisconnected {
			l.evict(fd)
			continue
		}

		if s.IsConnected() && writeReady.IsSet(fd) {
			s.Writable()
			l.activity++
		}

		if s.State() == socket.StateDisconnected {
			l.evict(fd)
		}
	}
}

// Cycle runs one cycle and returns the number of events produced.
func (l *Loop) Cycle() int {
	pre := l.activity

	l.dispatchAfters()
	l.admitPending()
	l.pollActive()

	for _, h := range l.hooks {
		if h() {
			l.activity++
		}
	}

	return l.activity - pre
}

// Done reports whether no work remains.
func (l *Loop) Done() bool {
	return len(l.admission) == 0 && len(l.active) == 0 && len(l.afters) == 0
}

// Run cycles until the admission queue, the active set and the scheduled
// list are all empty. Idle cycles yield the processor instead of spinning.
func (l *Loop) Run() {
	for !l.Done() {
		if l.Cycle() != 0 {
			continue
		}

		// nothing happened; sleep until the next scheduled callback or for
		// a short poll interval, whichever is sooner.
		idle := 10 * time.Millisecond
		if len(l.afters) > 0 {
			if until := l.afters[0].due.Sub(l.now()); until < idle {
				idle = until
			}
		}
		if idle > 0 {
			time.Sleep(idle)
		}
	}
}
