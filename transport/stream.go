package transport

import (
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/jakm/msgpackrpc"
	"github.com/jakm/msgpackrpc/netutil"
	"github.com/jakm/msgpackrpc/wire"
)

// Stream wraps a reliable, ordered byte-stream connection (TCP, TLS or
// UNIX domain) per spec.md §4.3. It maintains an idle-timeout timer
// reset on every inbound read; expiry fails all pending requests with a
// timeout error and closes the connection, mirroring
// protocol.py's policies.TimeoutMixin.timeoutConnection.
type Stream struct {
	conn   net.Conn
	engine *msgpackrpc.Engine
	log    *zap.Logger

	idle *netutil.IdleTimer

	connected atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
	closeMu   sync.Mutex
}

// StreamOption configures a Stream.
type StreamOption func(*streamConfig)

type streamConfig struct {
	idleTimeout time.Duration
	sendErrors  bool
	useTuples   bool
	log         *zap.Logger
	resolver    msgpackrpc.Resolver
}

// WithIdleTimeout sets the idle timeout (spec.md §6 waitTimeout). Zero
// (the default) disables it.
func WithIdleTimeout(d time.Duration) StreamOption {
	return func(c *streamConfig) { c.idleTimeout = d }
}

// WithStreamSendErrors enables verbose server error responses.
func WithStreamSendErrors(enabled bool) StreamOption {
	return func(c *streamConfig) { c.sendErrors = enabled }
}

// WithStreamTupleArrays selects the immutable nested-array representation.
func WithStreamTupleArrays() StreamOption {
	return func(c *streamConfig) { c.useTuples = true }
}

// WithStreamLogger installs a *zap.Logger.
func WithStreamLogger(l *zap.Logger) StreamOption {
	return func(c *streamConfig) { c.log = l }
}

// WithStreamResolver installs the inbound-method resolver.
func WithStreamResolver(r msgpackrpc.Resolver) StreamOption {
	return func(c *streamConfig) { c.resolver = r }
}

// NewStream wraps conn and starts its read loop in a background
// goroutine. The returned Stream's Engine is ready to use immediately;
// Err() reports how the stream eventually terminated.
func NewStream(conn net.Conn, opts ...StreamOption) *Stream {
	cfg := streamConfig{log: zap.NewNop(), resolver: msgpackrpc.NoMethods}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Stream{
		conn: conn,
		log:  cfg.log,
		done: make(chan struct{}),
	}
	s.connected.Store(true)

	var codecOpts []wire.Option
	if cfg.useTuples {
		codecOpts = append(codecOpts, wire.WithTupleArrays())
	}

	engineOpts := []msgpackrpc.Option{
		msgpackrpc.WithResolver(cfg.resolver),
		msgpackrpc.WithSendErrors(cfg.sendErrors),
		msgpackrpc.WithLogger(cfg.log),
	}
	s.engine = msgpackrpc.NewEngine(wire.New(codecOpts...), s, engineOpts...)

	s.idle = netutil.NewIdleTimer(cfg.idleTimeout, func() {
		s.terminate(msgpackrpc.ErrTimeout)
	})

	go s.readLoop()

	return s
}

// Engine returns the engine driving this stream.
func (s *Stream) Engine() *msgpackrpc.Engine { return s.engine }

// Done is closed once the stream has terminated, locally or remotely.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the reason the stream terminated; valid only after Done()
// is closed.
func (s *Stream) Err() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeErr
}

// Close closes the underlying connection and shuts the engine down with
// a connection-closed reason. Idempotent.
func (s *Stream) Close() error {
	s.terminate(msgpackrpc.ErrConnection)
	return nil
}

func (s *Stream) terminate(reason error) {
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		s.idle.Stop()
		s.closeMu.Lock()
		s.closeErr = reason
		s.closeMu.Unlock()
		s.engine.Shutdown(reason)
		_ = s.conn.Close()
		close(s.done)
	})
}

func (s *Stream) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.idle.Reset()
			if derr := s.engine.OnBytes(buf[:n], nil); derr != nil {
				s.log.Debug("stream decode error", zap.Error(derr))
			}
		}
		if err != nil {
			s.terminate(msgpackrpc.ErrConnection)
			return
		}
	}
}

// Write implements msgpackrpc.Writer.
func (s *Stream) Write(data []byte, _ msgpackrpc.Peer) error {
	if !s.connected.Load() {
		return msgpackrpc.ErrConnection
	}
	_, err := s.conn.Write(data)
	if err != nil {
		s.terminate(msgpackrpc.ErrConnection)
		return err
	}
	return nil
}

// Connected implements msgpackrpc.Writer.
func (s *Stream) Connected() bool { return s.connected.Load() }
