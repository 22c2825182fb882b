// Package netutil carries the small accept-loop and timer helpers used
// by the stream server and the stream transport. The
// stoppable listener is adapted from xiqingping-birpc/stoppablelisten,
// generalized from a TCP-only net.TCPListener wrapper to any
// net.Listener (so it also serves TLS and UNIX domain listeners).
package netutil

import (
	"errors"
	"net"
	"sync"
	"time"
)

// ErrStopped is returned by Accept after Stop has been called.
var ErrStopped = errors.New("netutil: listener stopped")

// StoppableListener wraps a net.Listener with a cooperative Stop: Accept
// polls with a short deadline so a Stop call is noticed promptly instead
// of blocking forever in the underlying Accept.
type StoppableListener struct {
	net.Listener

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
}

// deadliner is implemented by *net.TCPListener and *net.UnixListener,
// but not by every net.Listener (e.g. the one tls.NewListener returns);
// it is optional, checked with a type assertion.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// New wraps l. Unlike the teacher's TCP-only version, any net.Listener
// is accepted; listeners that don't support SetDeadline simply block in
// Accept until the next connection or error, and Stop still prevents
// future Accept calls from returning successfully.
func New(l net.Listener) *StoppableListener {
	return &StoppableListener{
		Listener: l,
		stopCh:   make(chan struct{}),
	}
}

// Accept blocks until a new connection arrives, Stop is called, or the
// underlying listener errors.
func (sl *StoppableListener) Accept() (net.Conn, error) {
	dl, canDeadline := sl.Listener.(deadliner)

	for {
		if canDeadline {
			_ = dl.SetDeadline(time.Now().Add(time.Second))
		}

		conn, err := sl.Listener.Accept()

		select {
		case <-sl.stopCh:
			if conn != nil {
				conn.Close()
			}
			return nil, ErrStopped
		default:
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && canDeadline {
				continue
			}
			return nil, err
		}

		return conn, nil
	}
}

// Stop causes the next (or in-flight) Accept to return ErrStopped.
func (sl *StoppableListener) Stop() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.stopped {
		return
	}
	sl.stopped = true
	close(sl.stopCh)
}

// IdleTimer resets on every Reset call and fires fn once if it is not
// reset again within d. It backs the stream transport's idle timeout
// (spec.md §4.3) and is deliberately simpler than time.Timer.Reset's
// documented footguns: Stop+drain is handled internally.
type IdleTimer struct {
	d  time.Duration
	fn func()

	mu    sync.Mutex
	timer *time.Timer
	live  bool
}

// NewIdleTimer creates a timer that calls fn after d of inactivity. If d
// is zero, the timer never fires (spec.md §8 "waitTimeout set to
// zero/none means no timeout fires").
func NewIdleTimer(d time.Duration, fn func()) *IdleTimer {
	it := &IdleTimer{d: d, fn: fn}
	if d > 0 {
		it.timer = time.AfterFunc(d, fn)
		it.live = true
	}
	return it
}

// Reset restarts the idle window. No-op if the timer is disabled (d==0).
func (it *IdleTimer) Reset() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.d <= 0 || it.timer == nil {
		return
	}
	it.timer.Reset(it.d)
}

// Stop permanently disarms the timer.
func (it *IdleTimer) Stop() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.timer != nil {
		it.timer.Stop()
	}
}
