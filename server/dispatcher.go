// Package server implements the listener side of spec.md §5: a
// Dispatcher resolves inbound wire method names to handlers (explicit
// registration, or reflection over a Go value's "Remote"-prefixed
// methods in the style of birpc.go's getRPCMethodsOfType / server.py's
// "exposes all methods that start with 'remote_'"), and the Listen*
// helpers accept connections and bind each one to the same Dispatcher.
package server

import (
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"

	"github.com/jakm/msgpackrpc"
	"github.com/jakm/msgpackrpc/msgpackrpclog"
	"github.com/jakm/msgpackrpc/netutil"
	"github.com/jakm/msgpackrpc/transport"
)

// HandlerFunc is a wire method that does not need the msgid or calling
// peer. This is the common case and the one RegisterService produces.
type HandlerFunc func(params []interface{}) (interface{}, error)

// HandlerFuncWithMsgID is a wire method that needs the msgid of the
// request it is answering (e.g. to correlate an asynchronous reply sent
// out of band later). Registering through RegisterFuncWithMsgID is the
// explicit opt-in spec.md §9 calls for, instead of injecting the msgid
// into every handler via reflection.
type HandlerFuncWithMsgID func(msgid uint32, params []interface{}) (interface{}, error)

// HandlerFuncWithConn is a wire method that needs to know which
// connection is calling it, e.g. the Pub/Sub subscribe method recording
// who to publish to later. engine identifies the connection (always the
// same *Engine for every call made over one stream connection); peer
// additionally disambiguates callers on a shared-engine transport
// (datagram, multicast).
type HandlerFuncWithConn func(params []interface{}, peer msgpackrpc.Peer, engine *msgpackrpc.Engine) (interface{}, error)

// Dispatcher resolves wire method names to handlers and implements
// msgpackrpc.Resolver; install it on every transport that should accept
// inbound requests via the corresponding WithXxxResolver option.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]msgpackrpc.Handler
	log      *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger installs a *zap.Logger on the Dispatcher.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// New builds an empty Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{handlers: make(map[string]msgpackrpc.Handler), log: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func settle(fut *msgpackrpc.Future, result interface{}, err error) {
	if err != nil {
		fut.Reject(err)
		return
	}
	fut.Resolve(result)
}

// guard recovers a panicking registered fn (e.g. a wrong-arity call
// indexing past the end of params, the Go equivalent of a Python
// TypeError) and settles fut with an invalid-request error instead of
// letting the panic cross into the engine's dispatch goroutine.
func guard(method string, fut *msgpackrpc.Future, call func()) {
	defer func() {
		if r := recover(); r != nil {
			fut.Reject(&msgpackrpc.Error{Kind: msgpackrpc.KindInvalidRequest, Msg: fmt.Sprintf("method %q panicked: %v", method, r)})
		}
	}()
	call()
}

// RegisterFunc registers method.
func (d *Dispatcher) RegisterFunc(method string, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = func(_ uint32, params []interface{}, _ msgpackrpc.Peer, _ *msgpackrpc.Engine) *msgpackrpc.Future {
		fut := msgpackrpc.NewFuture()
		guard(method, fut, func() {
			result, err := fn(params)
			settle(fut, result, err)
		})
		return fut
	}
}

// RegisterFuncWithMsgID registers method, passing it the request's msgid.
func (d *Dispatcher) RegisterFuncWithMsgID(method string, fn HandlerFuncWithMsgID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = func(msgid uint32, params []interface{}, _ msgpackrpc.Peer, _ *msgpackrpc.Engine) *msgpackrpc.Future {
		fut := msgpackrpc.NewFuture()
		guard(method, fut, func() {
			result, err := fn(msgid, params)
			settle(fut, result, err)
		})
		return fut
	}
}

// RegisterFuncWithConn registers method, passing it the calling peer
// and the Engine the call arrived on.
func (d *Dispatcher) RegisterFuncWithConn(method string, fn HandlerFuncWithConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = func(_ uint32, params []interface{}, peer msgpackrpc.Peer, engine *msgpackrpc.Engine) *msgpackrpc.Future {
		fut := msgpackrpc.NewFuture()
		guard(method, fut, func() {
			result, err := fn(params, peer, engine)
			settle(fut, result, err)
		})
		return fut
	}
}

// RegisterService exposes every exported method of receiver whose name
// starts with "Remote" and has the signature
// func([]interface{}) (interface{}, error); the wire method name is the
// rest of the Go method name with its first letter lower-cased (e.g.
// RemoteSum becomes "sum"). It returns an error if receiver exposes no
// such method, mirroring getRPCMethodsOfType's "has no exported methods
// of suitable type" check.
func (d *Dispatcher) RegisterService(receiver interface{}) error {
	t := reflect.TypeOf(receiver)
	v := reflect.ValueOf(receiver)

	registered := 0
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if !strings.HasPrefix(m.Name, "Remote") || m.Name == "Remote" {
			continue
		}
		fn, ok := v.Method(i).Interface().(func([]interface{}) (interface{}, error))
		if !ok {
			d.log.Warn("skipping method with unsupported signature",
				msgpackrpclog.Method(m.Name), zap.String("type", t.String()))
			continue
		}
		name := wireName(strings.TrimPrefix(m.Name, "Remote"))
		d.RegisterFunc(name, fn)
		registered++
	}
	if registered == 0 {
		return fmt.Errorf("server: %T exposes no Remote-prefixed method of the expected signature", receiver)
	}
	return nil
}

func wireName(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

// Resolve implements msgpackrpc.Resolver.
func (d *Dispatcher) Resolve(method string) (msgpackrpc.Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[method]
	return h, ok
}

// ListenStream accepts connections on l (wrapped in a
// netutil.StoppableListener so Close can interrupt a blocked Accept)
// and binds each one to this Dispatcher via transport.NewStream,
// mirroring server.py's getStreamFactory for TCP/TLS/UNIX listeners.
// onAccept, if non-nil, is invoked with every new *transport.Stream.
func (d *Dispatcher) ListenStream(l net.Listener, onAccept func(*transport.Stream), opts ...transport.StreamOption) *StreamServer {
	s := &StreamServer{
		listener: netutil.New(l),
		accept:   onAccept,
		opts:     append([]transport.StreamOption{transport.WithStreamResolver(d)}, opts...),
		log:      d.log,
	}
	go s.acceptLoop()
	return s
}

// StreamServer accepts stream connections and binds each to a shared
// Dispatcher; call Close to stop accepting and unblock Accept.
type StreamServer struct {
	listener *netutil.StoppableListener
	accept   func(*transport.Stream)
	opts     []transport.StreamOption
	log      *zap.Logger
}

// Close stops accepting new connections.
func (s *StreamServer) Close() error {
	s.listener.Stop()
	return nil
}

func (s *StreamServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if err == netutil.ErrStopped {
				return
			}
			s.log.Debug("stream server accept error", zap.Error(err))
			continue
		}
		stream := transport.NewStream(conn, s.opts...)
		if s.accept != nil {
			s.accept(stream)
		}
	}
}

// ListenDatagram wraps conn with this Dispatcher as its resolver,
// mirroring server.py's getDatagramProtocol.
func (d *Dispatcher) ListenDatagram(conn net.PacketConn, opts ...transport.DatagramOption) *transport.Datagram {
	allOpts := append([]transport.DatagramOption{transport.WithDatagramResolver(d)}, opts...)
	return transport.NewDatagram(conn, allOpts...)
}

// ListenMulticast joins group with this Dispatcher as its resolver,
// mirroring server.py's getMulticastProtocol.
func (d *Dispatcher) ListenMulticast(group *net.UDPAddr, iface *net.Interface, ttl int, opts ...transport.MulticastOption) (*transport.Multicast, error) {
	allOpts := append([]transport.MulticastOption{transport.WithMulticastResolver(d)}, opts...)
	return transport.JoinMulticast(group, iface, ttl, allOpts...)
}
