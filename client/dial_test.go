package client_test

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakm/msgpackrpc"
	"github.com/jakm/msgpackrpc/client"
	"github.com/jakm/msgpackrpc/server"
)

func TestConnectDialsAndServesRequests(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	d := server.New()
	d.RegisterFunc("echo", func(params []interface{}) (interface{}, error) {
		return params[0], nil
	})
	streamServer := d.ListenStream(ln, nil)
	defer streamServer.Close()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h, err := client.Connect(ctx, host, port, client.DialOptions{})
	require.NoError(t, err)
	defer h.Disconnect()

	fut, err := h.CreateRequest(ctx, "echo", "hello")
	require.NoError(t, err)

	result, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", result)
}

func TestConnectDisconnectStopsReconnecting(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var accepts int32
	acceptedCh := make(chan net.Conn, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&accepts, 1)
			acceptedCh <- conn
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h, err := client.Connect(ctx, host, port, client.DialOptions{MaxDelay: 20 * time.Millisecond})
	require.NoError(t, err)

	var serverConn net.Conn
	select {
	case serverConn = <-acceptedCh:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the initial connection")
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&accepts))

	// Disconnect must stop the Reconnector before it gets a chance to
	// dial again, not just drop the current stream.
	h.Disconnect()
	serverConn.Close()

	select {
	case <-acceptedCh:
		t.Fatal("Disconnect did not stop the Reconnector from dialing again")
	case <-time.After(300 * time.Millisecond):
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&accepts))

	_, err = h.WaitForConnection(context.Background())
	assert.ErrorIs(t, err, msgpackrpc.ErrConnection)
}
