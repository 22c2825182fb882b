package client_test

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakm/msgpackrpc/client"
	"github.com/jakm/msgpackrpc/transport"
)

func pipeDialer(t *testing.T) (client.Dialer, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return func(ctx context.Context) (net.Conn, error) { return a, nil }, b
}

func TestReconnectorCallsOnConnectOnSuccess(t *testing.T) {
	dial, peer := pipeDialer(t)
	defer peer.Close()

	connectedCh := make(chan *transport.Stream, 1)
	r := client.NewReconnector(dial,
		func(s *transport.Stream) { connectedCh <- s },
		func(error) {},
	)
	go r.Run(context.Background())
	defer r.Stop()

	select {
	case s := <-connectedCh:
		require.NotNil(t, s)
	case <-time.After(time.Second):
		t.Fatal("onConnect never called")
	}
}

func TestReconnectorMaxRetriesZeroFailsAfterFirstAttempt(t *testing.T) {
	var attempts int32
	dial := func(ctx context.Context) (net.Conn, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("dial refused")
	}

	lostCh := make(chan error, 1)
	r := client.NewReconnector(dial, nil, func(err error) { lostCh <- err }, client.WithMaxRetries(0))
	go r.Run(context.Background())
	defer r.Stop()

	select {
	case err := <-lostCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("onLost never called")
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestReconnectorStopEndsTheLoop(t *testing.T) {
	dial := func(ctx context.Context) (net.Conn, error) {
		return nil, errors.New("always fails")
	}
	r := client.NewReconnector(dial, nil, func(error) {}, client.WithMaxDelay(10*time.Millisecond))
	go r.Run(context.Background())

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never returned")
	}
}
