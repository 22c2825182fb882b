package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakm/msgpackrpc"
	"github.com/jakm/msgpackrpc/client"
	"github.com/jakm/msgpackrpc/transport"
)

func TestSingleConnectionHandlerQueuesRequestsUntilConnected(t *testing.T) {
	h := client.NewSingleConnectionHandler()

	resultCh := make(chan error, 1)
	go func() {
		_, err := h.CreateRequest(context.Background(), "echo", "hi")
		resultCh <- err
	}()

	// No connection yet: the goroutine above must still be blocked.
	select {
	case err := <-resultCh:
		t.Fatalf("CreateRequest returned before any connection existed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	server := transport.NewStream(serverSide, transport.WithStreamResolver(
		msgpackrpc.ResolverFunc(func(method string) (msgpackrpc.Handler, bool) {
			if method != "echo" {
				return nil, false
			}
			return func(_ uint32, params []interface{}, _ msgpackrpc.Peer, _ *msgpackrpc.Engine) *msgpackrpc.Future {
				return msgpackrpc.Resolved(params[0], nil)
			}, true
		}),
	))
	defer server.Close()

	h.OnConnect(transport.NewStream(clientSide))

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("CreateRequest never unblocked after OnConnect")
	}
}

func TestSingleConnectionHandlerOnLostRejectsWaiters(t *testing.T) {
	h := client.NewSingleConnectionHandler()

	errCh := make(chan error, 1)
	go func() {
		_, err := h.CreateRequest(context.Background(), "echo", "hi")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	h.OnLost(msgpackrpc.ErrConnection)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, msgpackrpc.ErrConnection)
	case <-time.After(time.Second):
		t.Fatal("waiter was never rejected")
	}
}

func TestSingleConnectionHandlerContextCancellation(t *testing.T) {
	h := client.NewSingleConnectionHandler()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.CreateRequest(ctx, "echo", "hi")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
