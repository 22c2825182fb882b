package transport_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakm/msgpackrpc"
	"github.com/jakm/msgpackrpc/transport"
)

func listenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	return conn
}

func TestDatagramRequestResponseRoundTrip(t *testing.T) {
	serverConn := listenUDP(t)
	clientConn := listenUDP(t)

	server := transport.NewDatagram(serverConn, transport.WithDatagramResolver(echoResolver()))
	client := transport.NewDatagram(clientConn)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	fut, err := client.CreateRequest("echo", "ping", serverConn.LocalAddr())
	require.NoError(t, err)

	result, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ping", result)
}

func TestDatagramWaitTimeoutFailsOnlyThatRequest(t *testing.T) {
	clientConn := listenUDP(t)
	client := transport.NewDatagram(clientConn, transport.WithDatagramWaitTimeout(30*time.Millisecond))
	t.Cleanup(func() { client.Close() })

	// Nothing listens on this address, so no response ever arrives and
	// the per-request timer must fire.
	unused := listenUDP(t)
	target := unused.LocalAddr()
	unused.Close()

	fut, err := client.CreateRequest("whatever", nil, target)
	require.NoError(t, err)

	_, err = fut.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, msgpackrpc.ErrTimeout)
}

func TestDatagramConnectedPeerIgnoresWriteTarget(t *testing.T) {
	serverConn := listenUDP(t)
	clientConn := listenUDP(t)

	server := transport.NewDatagram(serverConn, transport.WithDatagramResolver(echoResolver()))
	client := transport.NewDatagram(clientConn, transport.WithConnectedPeer(serverConn.LocalAddr()))
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	fut, err := client.CreateRequest("echo", "bound", nil)
	require.NoError(t, err)

	result, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bound", result)
}
