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

// NewMulticast only needs a net.PacketConn, so these tests exercise the
// aggregation logic over plain UDP sockets rather than a joined
// multicast group, which keeps them independent of the host's multicast
// routing.
func newMulticastResponder(t *testing.T, reply interface{}) (m *transport.Multicast, addr net.Addr) {
	t.Helper()
	conn := listenUDP(t)
	addr = conn.LocalAddr()
	resolver := msgpackrpc.ResolverFunc(func(method string) (msgpackrpc.Handler, bool) {
		if method != "ping" {
			return nil, false
		}
		return func(_ uint32, _ []interface{}, _ msgpackrpc.Peer, _ *msgpackrpc.Engine) *msgpackrpc.Future {
			return msgpackrpc.Resolved(reply, nil)
		}, true
	})
	m = transport.NewMulticast(conn, transport.WithMulticastResolver(resolver))
	t.Cleanup(func() { m.Close() })
	return m, addr
}

func TestMulticastCallAggregatesResponse(t *testing.T) {
	_, addrA := newMulticastResponder(t, "a")

	callerConn := listenUDP(t)
	caller := transport.NewMulticast(callerConn, transport.WithMulticastWaitWindow(150*time.Millisecond))
	t.Cleanup(func() { caller.Close() })

	fut, err := caller.Call("ping", nil, addrA)
	require.NoError(t, err)

	result, err := fut.Wait(context.Background())
	require.NoError(t, err)
	responses, ok := result.([]interface{})
	require.True(t, ok)
	require.Len(t, responses, 1)
	assert.Equal(t, "a", responses[0])
}

func TestMulticastCallWithNoRespondersResolvesEmpty(t *testing.T) {
	callerConn := listenUDP(t)
	caller := transport.NewMulticast(callerConn, transport.WithMulticastWaitWindow(30*time.Millisecond))
	t.Cleanup(func() { caller.Close() })

	unused := listenUDP(t)
	target := unused.LocalAddr()
	unused.Close()

	fut, err := caller.Call("ping", nil, target)
	require.NoError(t, err)

	result, err := fut.Wait(context.Background())
	require.NoError(t, err)
	responses, ok := result.([]interface{})
	require.True(t, ok)
	assert.Empty(t, responses)
}

func TestMulticastNotificationReachesResolver(t *testing.T) {
	received := make(chan []interface{}, 1)
	conn := listenUDP(t)
	resolver := msgpackrpc.ResolverFunc(func(method string) (msgpackrpc.Handler, bool) {
		if method != "notify" {
			return nil, false
		}
		return func(_ uint32, params []interface{}, _ msgpackrpc.Peer, _ *msgpackrpc.Engine) *msgpackrpc.Future {
			received <- params
			return msgpackrpc.Resolved(nil, nil)
		}, true
	})
	listener := transport.NewMulticast(conn, transport.WithMulticastResolver(resolver))
	t.Cleanup(func() { listener.Close() })

	senderConn := listenUDP(t)
	sender := transport.NewMulticast(senderConn)
	t.Cleanup(func() { sender.Close() })

	require.NoError(t, sender.CreateNotification("notify", "hi", conn.LocalAddr()))

	select {
	case params := <-received:
		require.Len(t, params, 1)
		assert.Equal(t, "hi", params[0])
	case <-time.After(time.Second):
		t.Fatal("notification never arrived")
	}
}
