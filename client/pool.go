package client

import (
	"context"
	"sync"

	"github.com/jakm/msgpackrpc"
	"github.com/jakm/msgpackrpc/transport"
)

// PooledConnectionHandler fronts a fixed-size pool of reconnecting
// streams (handler.py's PooledConnectionHandler). In shared mode (the
// default) a checked-out stream is returned to the queue immediately,
// so many callers interleave requests on it concurrently; in isolated
// mode a stream is held until its request's response arrives (or the
// notification is sent), so at most one request is ever in flight on it
// at a time.
type PooledConnectionHandler struct {
	isolated bool
	queue    chan *transport.Stream

	mu           sync.Mutex
	conns        []*transport.Stream
	closed       bool
	connWaiters  []chan struct{}
	emptyWaiters []chan struct{}
	stoppers     []func()
}

// NewPooledConnectionHandler builds an empty pool with room for
// poolsize connections; pass OnConnect/OnLost to poolsize Reconnectors.
func NewPooledConnectionHandler(poolsize int, isolated bool) *PooledConnectionHandler {
	return &PooledConnectionHandler{
		isolated: isolated,
		queue:    make(chan *transport.Stream, poolsize),
	}
}

// bindReconnector records stop so Disconnect can end its retry loop.
// Called by the dial.go Connect* helpers once per pool slot, right
// after starting the Reconnector that feeds this handler.
func (h *PooledConnectionHandler) bindReconnector(stop func()) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		stop()
		return
	}
	h.stoppers = append(h.stoppers, stop)
	h.mu.Unlock()
}

// OnConnect enqueues a newly established connection. A connection that
// lands after Disconnect (a Reconnector attempt racing the stop signal)
// is closed immediately instead of being enqueued, so Disconnect's
// "no live connections" guarantee holds regardless of that race.
func (h *PooledConnectionHandler) OnConnect(s *transport.Stream) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.Close()
		return
	}
	h.conns = append(h.conns, s)
	waiters := h.connWaiters
	h.connWaiters = nil
	h.mu.Unlock()

	h.queue <- s

	for _, w := range waiters {
		close(w)
	}
}

// OnLost is a no-op placeholder for a Reconnector's onLost callback.
// Dead streams are not identified here (Reconnector's onLost only
// carries the failure reason, not which stream); instead they are
// filtered out lazily at checkout time via Stream.Connected(), matching
// handler.py's "Discarding dead connection" log branch. Pool-size
// accounting is pruned on Disconnect rather than per-loss.
func (h *PooledConnectionHandler) OnLost(error) {}

// WaitForConnection blocks until at least one pool connection is
// available, or until ctx ends or the pool is permanently disconnected.
func (h *PooledConnectionHandler) WaitForConnection(ctx context.Context) error {
	h.mu.Lock()
	if len(h.conns) > 0 {
		h.mu.Unlock()
		return nil
	}
	if h.closed {
		h.mu.Unlock()
		return msgpackrpc.ErrConnection
	}
	ch := make(chan struct{})
	h.connWaiters = append(h.connWaiters, ch)
	h.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *PooledConnectionHandler) checkout(ctx context.Context) (*transport.Stream, error) {
	for {
		select {
		case s := <-h.queue:
			if !s.Connected() {
				continue
			}
			return s, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// CreateRequest checks out a connection (blocking until one is
// available), issues the request, and returns it to the pool —
// immediately in shared mode, or once the response resolves in isolated
// mode.
func (h *PooledConnectionHandler) CreateRequest(ctx context.Context, method string, params interface{}) (*msgpackrpc.Future, error) {
	s, err := h.checkout(ctx)
	if err != nil {
		return nil, err
	}

	fut, _, err := s.Engine().CreateRequest(method, params, nil)
	if err != nil {
		h.queue <- s
		return nil, err
	}

	if h.isolated {
		fut.AddCallback(func(interface{}, error) { h.queue <- s })
	} else {
		h.queue <- s
	}
	return fut, nil
}

// CreateNotification checks out a connection, sends the notification,
// and returns the connection immediately (there is no response to wait
// for, so shared and isolated modes behave the same).
func (h *PooledConnectionHandler) CreateNotification(ctx context.Context, method string, params interface{}) error {
	s, err := h.checkout(ctx)
	if err != nil {
		return err
	}
	defer func() { h.queue <- s }()
	return s.Engine().CreateNotification(method, params, nil)
}

// WaitForEmptyPool blocks until Disconnect has cleared the pool (used by
// Disconnect's callers to know shutdown is complete), or ctx ends.
// Connections lost one by one stay counted until Disconnect, so losing
// every connection without a Disconnect does not end the wait.
func (h *PooledConnectionHandler) WaitForEmptyPool(ctx context.Context) error {
	h.mu.Lock()
	if len(h.conns) == 0 {
		h.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	h.emptyWaiters = append(h.emptyWaiters, ch)
	h.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops every Reconnector feeding this pool, closes every
// known connection, and marks the pool closed. Idempotent: calling it
// again is a no-op.
func (h *PooledConnectionHandler) Disconnect() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	conns := h.conns
	h.conns = nil
	h.closed = true
	waiters := h.emptyWaiters
	h.emptyWaiters = nil
	stoppers := h.stoppers
	h.stoppers = nil
	h.mu.Unlock()

	for _, stop := range stoppers {
		stop()
	}
	for _, c := range conns {
		c.Close()
	}
	for _, w := range waiters {
		close(w)
	}
}
