package netutil_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakm/msgpackrpc/netutil"
)

func TestStoppableListenerAcceptsConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	sl := netutil.New(ln)
	defer sl.Stop()

	go func() {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err == nil {
			conn.Close()
		}
	}()

	conn, err := sl.Accept()
	require.NoError(t, err)
	conn.Close()
}

func TestStoppableListenerStopUnblocksAccept(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	sl := netutil.New(ln)

	doneCh := make(chan error, 1)
	go func() {
		_, err := sl.Accept()
		doneCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	sl.Stop()

	select {
	case err := <-doneCh:
		assert.ErrorIs(t, err, netutil.ErrStopped)
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not unblock Accept")
	}
}

func TestStoppableListenerStopIsIdempotent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	sl := netutil.New(ln)
	sl.Stop()
	assert.NotPanics(t, func() { sl.Stop() })
}

func TestIdleTimerFiresAfterInactivity(t *testing.T) {
	fired := make(chan struct{})
	it := netutil.NewIdleTimer(30*time.Millisecond, func() { close(fired) })
	defer it.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("idle timer never fired")
	}
}

func TestIdleTimerResetPostponesExpiry(t *testing.T) {
	fired := make(chan struct{})
	it := netutil.NewIdleTimer(80*time.Millisecond, func() { close(fired) })
	defer it.Stop()

	time.Sleep(40 * time.Millisecond)
	it.Reset()

	select {
	case <-fired:
		t.Fatal("timer fired before the reset window elapsed")
	case <-time.After(40 * time.Millisecond):
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired after reset")
	}
}

func TestIdleTimerZeroDurationNeverFires(t *testing.T) {
	fired := make(chan struct{})
	it := netutil.NewIdleTimer(0, func() { close(fired) })
	defer it.Stop()

	select {
	case <-fired:
		t.Fatal("a zero-duration idle timer must never fire")
	case <-time.After(100 * time.Millisecond):
	}
}
