package transport

import (
	"errors"
	"net"
	"syscall"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/jakm/msgpackrpc"
	"github.com/jakm/msgpackrpc/wire"
)

// Datagram wraps an unreliable datagram socket (spec.md §4.4). Because
// there is no connection-level liveness, every request gets its own
// timer instead of relying on an idle timeout: on send, a goroutine is
// armed for waitTimeout and fails the request if no response arrives in
// time; the timer exits quietly if the response (or any other
// resolution) beats it.
type Datagram struct {
	conn        net.PacketConn
	engine      *msgpackrpc.Engine
	log         *zap.Logger
	connectedTo net.Addr // nil when not bound to a single peer
	waitTimeout time.Duration

	connected atomic.Bool
	closeOnce chan struct{}
}

// DatagramOption configures a Datagram transport.
type DatagramOption func(*datagramConfig)

type datagramConfig struct {
	waitTimeout time.Duration
	sendErrors  bool
	useTuples   bool
	log         *zap.Logger
	resolver    msgpackrpc.Resolver
	connectedTo net.Addr
}

func WithDatagramWaitTimeout(d time.Duration) DatagramOption {
	return func(c *datagramConfig) { c.waitTimeout = d }
}

func WithDatagramSendErrors(enabled bool) DatagramOption {
	return func(c *datagramConfig) { c.sendErrors = enabled }
}

func WithDatagramTupleArrays() DatagramOption {
	return func(c *datagramConfig) { c.useTuples = true }
}

func WithDatagramLogger(l *zap.Logger) DatagramOption {
	return func(c *datagramConfig) { c.log = l }
}

func WithDatagramResolver(r msgpackrpc.Resolver) DatagramOption {
	return func(c *datagramConfig) { c.resolver = r }
}

// WithConnectedPeer restricts the transport to a single remote peer
// (spec.md §4.4 "a connected peer may be bound at startup"); Write
// ignores the peer argument and always targets addr.
func WithConnectedPeer(addr net.Addr) DatagramOption {
	return func(c *datagramConfig) { c.connectedTo = addr }
}

// NewDatagram wraps conn (typically a *net.UDPConn from net.ListenUDP or
// net.DialUDP) and starts its read loop.
func NewDatagram(conn net.PacketConn, opts ...DatagramOption) *Datagram {
	cfg := datagramConfig{log: zap.NewNop(), resolver: msgpackrpc.NoMethods}
	for _, opt := range opts {
		opt(&cfg)
	}

	d := &Datagram{
		conn:        conn,
		log:         cfg.log,
		connectedTo: cfg.connectedTo,
		waitTimeout: cfg.waitTimeout,
		closeOnce:   make(chan struct{}),
	}
	d.connected.Store(true)

	var codecOpts []wire.Option
	if cfg.useTuples {
		codecOpts = append(codecOpts, wire.WithTupleArrays())
	}
	d.engine = msgpackrpc.NewEngine(wire.New(codecOpts...), d,
		msgpackrpc.WithResolver(cfg.resolver),
		msgpackrpc.WithSendErrors(cfg.sendErrors),
		msgpackrpc.WithLogger(cfg.log),
	)

	go d.readLoop()

	return d
}

// Engine returns the engine driving this datagram transport.
func (d *Datagram) Engine() *msgpackrpc.Engine { return d.engine }

// Close stops the read loop and shuts the engine down.
func (d *Datagram) Close() error {
	select {
	case <-d.closeOnce:
		return nil
	default:
	}
	close(d.closeOnce)
	d.connected.Store(false)
	d.engine.Shutdown(msgpackrpc.ErrConnection)
	return d.conn.Close()
}

// CreateRequest sends a request and arms a per-request timer for
// waitTimeout (if non-zero); expiry fails the request with
// msgpackrpc.ErrTimeout, never affecting any other in-flight request on
// this transport (spec.md §5 "Datagram transport: one per-request
// timer; expiry cancels only that request").
func (d *Datagram) CreateRequest(method string, params interface{}, peer net.Addr) (*msgpackrpc.Future, error) {
	target := d.target(peer)
	fut, msgid, err := d.engine.CreateRequest(method, params, AddrPeer{target})
	if err != nil {
		return nil, err
	}

	if d.waitTimeout > 0 {
		go func() {
			select {
			case <-fut.Done():
			case <-time.After(d.waitTimeout):
				d.engine.FailPending(msgid, msgpackrpc.ErrTimeout)
			}
		}()
	}

	return fut, nil
}

// CreateNotification sends a fire-and-forget notification.
func (d *Datagram) CreateNotification(method string, params interface{}, peer net.Addr) error {
	target := d.target(peer)
	return d.engine.CreateNotification(method, params, AddrPeer{target})
}

func (d *Datagram) target(peer net.Addr) net.Addr {
	if d.connectedTo != nil {
		return d.connectedTo
	}
	return peer
}

func (d *Datagram) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := d.conn.ReadFrom(buf)
		if n > 0 {
			var peer msgpackrpc.Peer
			if d.connectedTo == nil {
				peer = AddrPeer{addr}
			}
			if derr := d.engine.OnBytes(buf[:n], peer); derr != nil {
				d.log.Debug("datagram decode error", zap.Error(derr))
			}
		}
		if err != nil {
			if isRefused(err) {
				// "ICMP port unreachable"-equivalent: fail every
				// currently pending request, but the socket stays
				// usable (spec.md §4.4).
				d.engine.FailAllPending(&msgpackrpc.Error{Kind: msgpackrpc.KindConnection, Msg: "connection refused"})
				continue
			}
			select {
			case <-d.closeOnce:
				return
			default:
			}
			d.log.Debug("datagram read error, stopping", zap.Error(err))
			return
		}
	}
}

func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// Write implements msgpackrpc.Writer.
func (d *Datagram) Write(data []byte, peer msgpackrpc.Peer) error {
	if !d.connected.Load() {
		return msgpackrpc.ErrConnection
	}
	if d.connectedTo != nil {
		// A socket from net.DialUDP is already connected, and WriteTo
		// on it fails with net.ErrWriteToConnected.
		if c, ok := d.conn.(net.Conn); ok && c.RemoteAddr() != nil {
			_, err := c.Write(data)
			return err
		}
	}
	addr := d.peerAddr(peer)
	if addr == nil {
		return errors.New("transport: datagram write has no destination address")
	}
	_, err := d.conn.WriteTo(data, addr)
	return err
}

func (d *Datagram) peerAddr(peer msgpackrpc.Peer) net.Addr {
	if d.connectedTo != nil {
		return d.connectedTo
	}
	if ap, ok := peer.(AddrPeer); ok {
		return ap.Addr
	}
	return nil
}

// Connected implements msgpackrpc.Writer.
func (d *Datagram) Connected() bool { return d.connected.Load() }
