package transport

import (
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jakm/msgpackrpc"
	"github.com/jakm/msgpackrpc/msgpackrpclog"
	"github.com/jakm/msgpackrpc/wire"
)

// Multicast extends the datagram transport to collect multiple
// responses per request within a fixed wait window (spec.md §4.5).
// Unlike Datagram it does not let the engine's own pending table
// resolve requests: a multicast request can legitimately draw several
// responses from several group members, so Multicast tracks its own
// per-msgid aggregate and never calls Engine.CreateRequest. Inbound
// bytes are decoded once via Engine.DecodeBytes and then routed by
// this package: response-tagged messages feed the aggregate, anything
// else (an inbound request or notification from another group member)
// goes through Engine.Dispatch so the normal resolver/arity/dedup path
// still applies to multicast servers.
type Multicast struct {
	conn   net.PacketConn
	engine *msgpackrpc.Engine
	log    *zap.Logger

	waitWindow time.Duration

	mu         sync.Mutex
	aggregates map[uint32]*aggregate

	closeOnce sync.Once
	closeCh   chan struct{}
}

type aggregate struct {
	future    *msgpackrpc.Future
	responses []interface{}
	timer     *time.Timer
}

// MulticastOption configures a Multicast transport.
type MulticastOption func(*multicastConfig)

type multicastConfig struct {
	waitWindow time.Duration
	sendErrors bool
	useTuples  bool
	log        *zap.Logger
	resolver   msgpackrpc.Resolver
}

func WithMulticastWaitWindow(d time.Duration) MulticastOption {
	return func(c *multicastConfig) { c.waitWindow = d }
}

func WithMulticastSendErrors(enabled bool) MulticastOption {
	return func(c *multicastConfig) { c.sendErrors = enabled }
}

func WithMulticastTupleArrays() MulticastOption {
	return func(c *multicastConfig) { c.useTuples = true }
}

func WithMulticastLogger(l *zap.Logger) MulticastOption {
	return func(c *multicastConfig) { c.log = l }
}

func WithMulticastResolver(r msgpackrpc.Resolver) MulticastOption {
	return func(c *multicastConfig) { c.resolver = r }
}

// JoinMulticast joins group on iface (nil means the system picks the
// default interface) with the given ttl and returns a ready-to-use
// Multicast transport. group must be a UDP multicast address
// (224.0.0.0/4 or an IPv6 equivalent).
func JoinMulticast(group *net.UDPAddr, iface *net.Interface, ttl int, opts ...MulticastOption) (*Multicast, error) {
	conn, err := net.ListenMulticastUDP("udp", iface, group)
	if err != nil {
		return nil, &msgpackrpc.Error{Kind: msgpackrpc.KindConnection, Msg: "join multicast group", Payload: err}
	}
	if ttl > 0 {
		// net.UDPConn has no multicast TTL setter; set the socket option.
		if rc, serr := conn.SyscallConn(); serr == nil {
			_ = rc.Control(func(fd uintptr) {
				if group.IP.To4() != nil {
					_ = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_MULTICAST_TTL, ttl)
				} else {
					_ = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IPV6, syscall.IPV6_MULTICAST_HOPS, ttl)
				}
			})
		}
	}
	return NewMulticast(conn, opts...), nil
}

// NewMulticast wraps an already-joined multicast *net.UDPConn (or any
// net.PacketConn configured for multicast) and starts its read loop.
func NewMulticast(conn net.PacketConn, opts ...MulticastOption) *Multicast {
	cfg := multicastConfig{
		waitWindow: time.Second,
		log:        zap.NewNop(),
		resolver:   msgpackrpc.NoMethods,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Multicast{
		conn:       conn,
		log:        cfg.log,
		waitWindow: cfg.waitWindow,
		aggregates: make(map[uint32]*aggregate),
		closeCh:    make(chan struct{}),
	}

	var codecOpts []wire.Option
	if cfg.useTuples {
		codecOpts = append(codecOpts, wire.WithTupleArrays())
	}
	m.engine = msgpackrpc.NewEngine(wire.New(codecOpts...), m,
		msgpackrpc.WithResolver(cfg.resolver),
		msgpackrpc.WithSendErrors(cfg.sendErrors),
		msgpackrpc.WithLogger(cfg.log),
	)

	go m.readLoop()

	return m
}

// Engine returns the engine driving this multicast transport. Inbound
// requests/notifications from other group members dispatch through it
// normally; responses to requests sent via Call never pass through its
// pending table.
func (m *Multicast) Engine() *msgpackrpc.Engine { return m.engine }

// Close stops the read loop, fails any in-flight aggregates and shuts
// the engine down.
func (m *Multicast) Close() error {
	m.closeOnce.Do(func() {
		close(m.closeCh)
		m.mu.Lock()
		for msgid, agg := range m.aggregates {
			agg.timer.Stop()
			agg.future.Reject(msgpackrpc.ErrConnection)
			delete(m.aggregates, msgid)
		}
		m.mu.Unlock()
		m.engine.Shutdown(msgpackrpc.ErrConnection)
	})
	return m.conn.Close()
}

// Call broadcasts method to the multicast group and returns a Future
// that resolves once waitWindow has elapsed, with the collected slice
// of responses (possibly empty, never an error purely for having fewer
// than expected — silence from some members is normal for a multicast
// call). A request that cannot be sent is reported through Call's error
// return; the Future itself is rejected only if the transport is closed
// before the window elapses.
func (m *Multicast) Call(method string, params interface{}, group net.Addr) (*msgpackrpc.Future, error) {
	msgid, err := m.engine.SendRequestRaw(method, params, AddrPeer{group})
	if err != nil {
		return nil, err
	}

	fut := msgpackrpc.NewFuture()
	agg := &aggregate{future: fut}

	m.mu.Lock()
	m.aggregates[msgid] = agg
	m.mu.Unlock()

	agg.timer = time.AfterFunc(m.waitWindow, func() {
		m.mu.Lock()
		a, ok := m.aggregates[msgid]
		if ok {
			delete(m.aggregates, msgid)
		}
		m.mu.Unlock()
		if ok {
			a.future.Resolve(a.responses)
		}
	})

	return fut, nil
}

// CreateNotification broadcasts a fire-and-forget notification to the group.
func (m *Multicast) CreateNotification(method string, params interface{}, group net.Addr) error {
	return m.engine.CreateNotification(method, params, AddrPeer{group})
}

func (m *Multicast) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := m.conn.ReadFrom(buf)
		if n > 0 {
			m.handlePacket(buf[:n], AddrPeer{addr})
		}
		if err != nil {
			select {
			case <-m.closeCh:
				return
			default:
			}
			m.log.Debug("multicast read error, stopping", zap.Error(err))
			return
		}
	}
}

func (m *Multicast) handlePacket(data []byte, peer msgpackrpc.Peer) {
	messages, err := m.engine.DecodeBytes(data)
	if err != nil {
		m.log.Debug("multicast decode error", zap.Error(err))
		return
	}

	for _, raw := range messages {
		tag, ok := msgpackrpc.MessageTag(raw)
		if !ok {
			continue
		}

		if tag == msgpackrpc.MsgTypeResponse {
			m.handleResponse(raw)
			continue
		}

		if derr := m.engine.Dispatch(raw, peer); derr != nil {
			m.log.Debug("multicast dispatch error", zap.Error(derr))
		}
	}
}

// handleResponse routes a response-tagged message to its aggregate,
// bypassing the engine's pending table entirely. A response arriving
// after the window already closed (or for a msgid this transport never
// requested) is dropped silently.
func (m *Multicast) handleResponse(raw interface{}) {
	arr, ok := raw.([]interface{})
	if !ok || len(arr) != 4 {
		return
	}
	msgid, ok := decodeMsgID(arr[1])
	if !ok {
		return
	}

	m.mu.Lock()
	agg, ok := m.aggregates[msgid]
	if ok {
		agg.responses = append(agg.responses, arr[3])
	}
	m.mu.Unlock()

	if !ok {
		m.log.Debug("dropping multicast response for unknown or expired msgid", msgpackrpclog.MsgID(msgid))
	}
}

// Write implements msgpackrpc.Writer. It carries Call's requests (via
// Engine.SendRequestRaw), CreateNotification's notifications, and the
// engine's responses to inbound requests from other group members.
func (m *Multicast) Write(data []byte, peer msgpackrpc.Peer) error {
	ap, ok := peer.(AddrPeer)
	if !ok || ap.Addr == nil {
		return msgpackrpc.ErrConnection
	}
	_, err := m.conn.WriteTo(data, ap.Addr)
	return err
}

// Connected implements msgpackrpc.Writer; multicast sockets have no
// connection-level liveness, so this is always true once joined.
func (m *Multicast) Connected() bool { return true }

// decodeMsgID recovers a msgid from a decoded MessagePack value, which
// may surface as any of msgpack's integer representations depending on
// the encoded width.
func decodeMsgID(v interface{}) (uint32, bool) {
	switch n := v.(type) {
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint32(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint32(n), true
	case uint64:
		return uint32(n), true
	case uint32:
		return n, true
	case int32:
		if n < 0 {
			return 0, false
		}
		return uint32(n), true
	default:
		return 0, false
	}
}
