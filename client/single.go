package client

import (
	"context"
	"sync"

	"github.com/jakm/msgpackrpc"
	"github.com/jakm/msgpackrpc/transport"
)

// SingleConnectionHandler fronts one reconnecting stream. Requests and
// notifications issued while no connection is established block until
// a connection is made or the handler is permanently disconnected,
// mirroring handler.py's SimpleConnectionHandler.
type SingleConnectionHandler struct {
	mu       sync.Mutex
	stream   *transport.Stream
	closed   bool
	waiters  []chan struct{}
	stoppers []func()
}

// NewSingleConnectionHandler builds an unconnected handler; pass its
// OnConnect/OnLost methods to a Reconnector.
func NewSingleConnectionHandler() *SingleConnectionHandler {
	return &SingleConnectionHandler{}
}

// bindReconnector records stop so Disconnect can end its retry loop.
// Called by the dial.go Connect* helpers right after starting the
// Reconnector that feeds this handler.
func (h *SingleConnectionHandler) bindReconnector(stop func()) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		stop()
		return
	}
	h.stoppers = append(h.stoppers, stop)
	h.mu.Unlock()
}

// OnConnect installs a newly established stream and wakes anyone
// blocked waiting for one. A connection that lands after Disconnect
// (a Reconnector attempt racing the stop signal) is closed immediately
// instead of being installed, so Disconnect's "no live connections"
// guarantee holds regardless of that race.
func (h *SingleConnectionHandler) OnConnect(s *transport.Stream) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.Close()
		return
	}
	h.stream = s
	waiters := h.waiters
	h.waiters = nil
	h.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// OnLost handles a Reconnector's onLost callback. While a stream is
// installed, the call reports that stream's loss: the stream is dropped
// and later callers wait for the Reconnector's next connection. With no
// stream installed, the call reports that the Reconnector gave up
// dialing: the handler is marked permanently disconnected and every
// waiter is woken with a connection error.
func (h *SingleConnectionHandler) OnLost(error) {
	h.mu.Lock()
	if h.stream != nil {
		h.stream = nil
		h.mu.Unlock()
		return
	}
	h.closed = true
	waiters := h.waiters
	h.waiters = nil
	h.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// WaitForConnection blocks until a connection is available, returning
// it, or until ctx ends or the handler is permanently disconnected.
func (h *SingleConnectionHandler) WaitForConnection(ctx context.Context) (*transport.Stream, error) {
	h.mu.Lock()
	if h.stream != nil {
		s := h.stream
		h.mu.Unlock()
		return s, nil
	}
	if h.closed {
		h.mu.Unlock()
		return nil, msgpackrpc.ErrConnection
	}
	ch := make(chan struct{})
	h.waiters = append(h.waiters, ch)
	h.mu.Unlock()

	select {
	case <-ch:
		h.mu.Lock()
		s, closed := h.stream, h.closed
		h.mu.Unlock()
		if s == nil || closed {
			return nil, msgpackrpc.ErrConnection
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CreateRequest blocks until a connection is available (or ctx ends)
// and issues the request on it.
//
// Possible errors: msgpackrpc.ErrConnection (all connection attempts
// failed or the handler was disconnected), a *msgpackrpc.Error of Kind
// KindResponse (remote method returned an error value), KindTimeout, or
// ctx.Err().
func (h *SingleConnectionHandler) CreateRequest(ctx context.Context, method string, params interface{}) (*msgpackrpc.Future, error) {
	s, err := h.WaitForConnection(ctx)
	if err != nil {
		return nil, err
	}
	fut, _, err := s.Engine().CreateRequest(method, params, nil)
	return fut, err
}

// CreateNotification blocks until a connection is available (or ctx
// ends) and sends the notification on it.
func (h *SingleConnectionHandler) CreateNotification(ctx context.Context, method string, params interface{}) error {
	s, err := h.WaitForConnection(ctx)
	if err != nil {
		return err
	}
	return s.Engine().CreateNotification(method, params, nil)
}

// Disconnect stops any Reconnector feeding this handler, closes the
// current connection if any, and permanently marks the handler closed.
// Idempotent: calling it again is a no-op.
func (h *SingleConnectionHandler) Disconnect() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	s := h.stream
	h.stream = nil
	h.closed = true
	waiters := h.waiters
	h.waiters = nil
	stoppers := h.stoppers
	h.stoppers = nil
	h.mu.Unlock()

	for _, stop := range stoppers {
		stop()
	}
	if s != nil {
		s.Close()
	}
	for _, w := range waiters {
		close(w)
	}
}
