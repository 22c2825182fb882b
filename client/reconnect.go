// Package client provides the connection-handling layer described in
// spec.md §5-6: a Reconnector dials with exponential backoff and hands
// each established stream to a handler (SingleConnectionHandler or
// PooledConnectionHandler), which queues caller requests while no
// connection is available. The dial.go helpers wire these together the
// way client.py's connect()/connect_pool()/connect_UDP()/
// connect_multicast()/connect_UNIX() do.
package client

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/jakm/msgpackrpc/transport"
)

// Dialer opens one connection attempt. Reconnector calls it repeatedly
// under backoff until more than maxRetries consecutive failures accrue
// (the first attempt plus maxRetries retries) or ctx is done.
type Dialer func(ctx context.Context) (net.Conn, error)

// ReconnectOption configures a Reconnector.
type ReconnectOption func(*reconnectConfig)

type reconnectConfig struct {
	maxRetries int
	maxDelay   time.Duration
	streamOpts []transport.StreamOption
	log        *zap.Logger
}

// WithMaxRetries caps consecutive dial failures before the Reconnector
// gives up permanently. 0 means the very first failed attempt is fatal
// (spec.md §8 "maxRetries=0 fails the first-connect waiter immediately
// after one failed attempt"); negative means unlimited, matching
// factory.py's ReconnectingClientFactory when maxRetries is left unset.
// client.py's connect() passes 5, which is this package's default too.
func WithMaxRetries(n int) ReconnectOption { return func(c *reconnectConfig) { c.maxRetries = n } }

// WithMaxDelay caps the exponential backoff interval; factory.py's
// MsgpackClientFactory.maxDelay is 12 seconds, the default here.
func WithMaxDelay(d time.Duration) ReconnectOption { return func(c *reconnectConfig) { c.maxDelay = d } }

// WithStreamOptions passes options through to every transport.NewStream call.
func WithStreamOptions(opts ...transport.StreamOption) ReconnectOption {
	return func(c *reconnectConfig) { c.streamOpts = append(c.streamOpts, opts...) }
}

// WithReconnectLogger installs a *zap.Logger.
func WithReconnectLogger(l *zap.Logger) ReconnectOption { return func(c *reconnectConfig) { c.log = l } }

// Reconnector owns one slot of a connection (or connection pool): it
// dials, wraps the result in a transport.Stream, hands it to onConnect,
// waits for it to die, reports the reason via onLost, and dials again —
// mirroring ReconnectingClientFactory's clientConnectionFailed/Lost loop.
type Reconnector struct {
	dial      Dialer
	onConnect func(*transport.Stream)
	onLost    func(error)
	cfg       reconnectConfig
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewReconnector builds a Reconnector. Call Run in its own goroutine.
func NewReconnector(dial Dialer, onConnect func(*transport.Stream), onLost func(error), opts ...ReconnectOption) *Reconnector {
	cfg := reconnectConfig{maxRetries: 5, maxDelay: 12 * time.Second, log: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Reconnector{
		dial:      dial,
		onConnect: onConnect,
		onLost:    onLost,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run dials in a loop until Stop is called, ctx is done, or more than
// maxRetries consecutive dial failures accrue. It blocks.
func (r *Reconnector) Run(ctx context.Context) {
	defer close(r.stoppedCh)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.MaxInterval = r.cfg.maxDelay

	failures := 0
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := r.dial(ctx)
		if err != nil {
			failures++
			r.cfg.log.Debug("dial failed", zap.Error(err), zap.Int("failures", failures))
			if r.cfg.maxRetries >= 0 && failures > r.cfg.maxRetries {
				if r.onLost != nil {
					r.onLost(err)
				}
				return
			}
			wait := bo.NextBackOff()
			select {
			case <-time.After(wait):
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		failures = 0
		bo.Reset()

		stream := transport.NewStream(conn, r.cfg.streamOpts...)
		if r.onConnect != nil {
			r.onConnect(stream)
		}

		select {
		case <-stream.Done():
			if r.onLost != nil {
				r.onLost(stream.Err())
			}
		case <-r.stopCh:
			stream.Close()
			return
		case <-ctx.Done():
			stream.Close()
			return
		}
	}
}

// Stop requests the reconnect loop to exit and waits for it to do so.
func (r *Reconnector) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	<-r.stoppedCh
}
