package msgpackrpc

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/jakm/msgpackrpc/msgpackrpclog"
)

// Writer is the transport-facing half of the engine's contract: given
// encoded bytes and an optional peer (nil on connection-oriented
// transports), send them on the wire. Connected reports whether a
// request may be sent right now; CreateRequest/CreateNotification fail
// fast against it rather than queuing (spec.md §4.2 "fails immediately
// ... if the underlying transport reports not connected").
type Writer interface {
	Write(data []byte, peer Peer) error
	Connected() bool
}

type pendingEntry struct {
	future *Future
	peer   Peer
}

// Engine is the transport-agnostic request/response correlation and
// dispatch core of spec.md §4.2. One Engine is owned by one logical
// connection (a stream socket, a connected datagram socket, or one
// "requester" side of an unconnected/multicast datagram socket); it is
// the Go analogue of birpc.Endpoint, generalized from JSON/net-rpc-style
// calls to MessagePack-RPC's three wire tuple shapes.
type Engine struct {
	codec    Codec
	writer   Writer
	resolver Resolver
	log      *zap.Logger

	sendErrors bool

	msgID atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint32]*pendingEntry

	incomingMu sync.Mutex
	incoming   map[string]struct{}

	running sync.WaitGroup
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithResolver installs the inbound-method resolver. Engines that never
// serve requests (pure clients) can omit this; NoMethods is the default.
func WithResolver(r Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithSendErrors enables verbose diagnostics in outbound error responses
// (spec.md §6 sendErrors).
func WithSendErrors(enabled bool) Option {
	return func(e *Engine) { e.sendErrors = enabled }
}

// WithLogger installs a *zap.Logger; the default is zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine builds an Engine bound to codec (wire framing) and writer
// (transport send + liveness check).
func NewEngine(codec Codec, writer Writer, opts ...Option) *Engine {
	e := &Engine{
		codec:    codec,
		writer:   writer,
		resolver: NoMethods,
		log:      zap.NewNop(),
		pending:  make(map[uint32]*pendingEntry),
		incoming: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func peerKey(peer Peer, msgid uint32) string {
	if peer == nil {
		return fmt.Sprintf("%d", msgid)
	}
	return fmt.Sprintf("%s/%d", peer.String(), msgid)
}

// CreateRequest allocates the next msgid, encodes and writes a request
// tuple, registers a pending entry, and returns a Future that resolves
// when the matching response arrives (or is failed by the caller via
// FailPending, e.g. on timeout or transport loss). peer is nil on
// connection-oriented and connected-datagram transports.
func (e *Engine) CreateRequest(method string, params interface{}, peer Peer) (*Future, uint32, error) {
	if !e.writer.Connected() {
		return nil, 0, ErrConnection
	}

	msgid := e.msgID.Inc()
	arr := normalizeParams(params)
	data, err := e.codec.Encode([]interface{}{int(MsgTypeRequest), msgid, method, arr})
	if err != nil {
		return nil, 0, newErr(KindSerialization, "encode request %s: %v", method, err)
	}

	fut := NewFuture()
	e.pendingMu.Lock()
	e.pending[msgid] = &pendingEntry{future: fut, peer: peer}
	e.pendingMu.Unlock()

	if err := e.writer.Write(data, peer); err != nil {
		e.pendingMu.Lock()
		delete(e.pending, msgid)
		e.pendingMu.Unlock()
		return nil, 0, newErr(KindConnection, "write request %s: %v", method, err)
	}

	return fut, msgid, nil
}

// CreateNotification encodes and writes a fire-and-forget notification.
// No pending entry is created; per spec.md §8 no pending-table entry
// exists after a notification send.
func (e *Engine) CreateNotification(method string, params interface{}, peer Peer) error {
	if !e.writer.Connected() {
		return ErrConnection
	}

	arr := normalizeParams(params)
	data, err := e.codec.Encode([]interface{}{int(MsgTypeNotification), method, arr})
	if err != nil {
		return newErr(KindSerialization, "encode notification %s: %v", method, err)
	}
	if err := e.writer.Write(data, peer); err != nil {
		return newErr(KindConnection, "write notification %s: %v", method, err)
	}
	return nil
}

func normalizeParams(params interface{}) []interface{} {
	switch p := params.(type) {
	case nil:
		return []interface{}{}
	case []interface{}:
		return p
	default:
		return []interface{}{p}
	}
}

// FailPending fails the pending request for msgid, if one is still
// outstanding, and removes it from the table. It is a no-op if the
// request already resolved or was never registered (e.g. a late
// datagram timeout racing a response). Transports call this to drive
// per-request and idle timeouts (spec.md §4.3, §4.4).
func (e *Engine) FailPending(msgid uint32, err error) {
	e.pendingMu.Lock()
	entry, ok := e.pending[msgid]
	if ok {
		delete(e.pending, msgid)
	}
	e.pendingMu.Unlock()

	if ok {
		entry.future.Reject(err)
	}
}

// FailAllPending fails every outstanding pending request with reason and
// empties the pending table, per Engine.Shutdown / spec.md §4.2 "idle ->
// active -> idle" sweep on transport closure.
func (e *Engine) FailAllPending(reason error) {
	e.pendingMu.Lock()
	entries := e.pending
	e.pending = make(map[uint32]*pendingEntry)
	e.pendingMu.Unlock()

	for _, entry := range entries {
		entry.future.Reject(reason)
	}
}

// Shutdown fails all pending entries with reason. Callers (transports)
// still need to close the underlying socket themselves.
func (e *Engine) Shutdown(reason error) {
	e.FailAllPending(reason)
}

// Wait blocks until every in-flight inbound-request goroutine spawned by
// OnBytes has finished responding. Used by a server's graceful shutdown.
func (e *Engine) Wait() {
	e.running.Wait()
}

// SendRequestRaw allocates a msgid, encodes and writes a request, but
// registers no pending entry of its own. It exists for the multicast
// transport (spec.md §4.5), which tracks its own per-msgid aggregate
// buffer instead of the engine's usual single-response pending table.
func (e *Engine) SendRequestRaw(method string, params interface{}, peer Peer) (uint32, error) {
	if !e.writer.Connected() {
		return 0, ErrConnection
	}
	msgid := e.msgID.Inc()
	arr := normalizeParams(params)
	data, err := e.codec.Encode([]interface{}{int(MsgTypeRequest), msgid, method, arr})
	if err != nil {
		return 0, newErr(KindSerialization, "encode request %s: %v", method, err)
	}
	if err := e.writer.Write(data, peer); err != nil {
		return 0, newErr(KindConnection, "write request %s: %v", method, err)
	}
	return msgid, nil
}

// DecodeBytes decodes data via the engine's own codec without
// dispatching. It lets a transport that needs to classify messages
// itself (multicast, to separate its own aggregated responses from
// ordinary inbound traffic) reuse the engine's codec instance.
func (e *Engine) DecodeBytes(data []byte) ([]interface{}, error) {
	return e.codec.Feed(data)
}

// Dispatch processes one already-decoded message against this engine's
// resolver and pending table, exactly as OnBytes would for a message the
// codec just produced. Exported so a transport that decodes bytes
// itself (see DecodeBytes) can still reuse the engine's dispatch logic.
func (e *Engine) Dispatch(raw interface{}, peer Peer) error {
	return e.dispatch(raw, peer)
}

// MessageTag returns the leading tag of a decoded message tuple, for
// transports that need to classify a message before deciding whether to
// hand it to Dispatch (see the multicast transport).
func MessageTag(raw interface{}) (MsgType, bool) {
	arr, ok := raw.([]interface{})
	if !ok || len(arr) == 0 {
		return 0, false
	}
	tag, ok := toInt(arr[0])
	if !ok {
		return 0, false
	}
	return MsgType(tag), true
}

// OnBytes feeds data into the codec and dispatches every message that
// becomes available. peer is the datagram/multicast sender, or nil on a
// connection-oriented transport.
func (e *Engine) OnBytes(data []byte, peer Peer) error {
	msgs, err := e.codec.Feed(data)
	if err != nil {
		e.log.Debug("decode failed", zap.Error(err))
		if e.sendErrors {
			return newErr(KindInvalidData, "decode: %v", err)
		}
		return nil
	}

	for _, raw := range msgs {
		if derr := e.dispatch(raw, peer); derr != nil {
			if e.sendErrors {
				return derr
			}
			e.log.Debug("dispatch failed", zap.Error(derr))
		}
	}
	return nil
}

func (e *Engine) dispatch(raw interface{}, peer Peer) error {
	arr, ok := raw.([]interface{})
	if !ok || len(arr) == 0 {
		return newErr(KindInvalidData, "decoded value is not a non-empty array")
	}

	tag, ok := toInt(arr[0])
	if !ok {
		return newErr(KindInvalidData, "message tag is not an integer")
	}

	switch MsgType(tag) {
	case MsgTypeRequest:
		return e.handleRequest(arr, peer)
	case MsgTypeResponse:
		return e.handleResponse(arr)
	case MsgTypeNotification:
		return e.handleNotification(arr, peer)
	default:
		return newErr(KindInvalidData, "undefined message type %d", tag)
	}
}

func (e *Engine) handleRequest(arr []interface{}, peer Peer) error {
	if len(arr) != 4 {
		return newErr(KindInvalidData, "incorrect request length: expected 4, got %d", len(arr))
	}
	msgid, ok := toUint32(arr[1])
	if !ok {
		return newErr(KindInvalidData, "request msgid is not an integer")
	}
	method, ok := arr[2].(string)
	if !ok {
		return newErr(KindInvalidData, "request method is not a string")
	}
	params, ok := arr[3].([]interface{})
	if !ok {
		if arr[3] == nil {
			params = nil
		} else {
			return newErr(KindInvalidData, "request params is not an array")
		}
	}

	key := peerKey(peer, msgid)
	e.incomingMu.Lock()
	if _, dup := e.incoming[key]; dup {
		e.incomingMu.Unlock()
		return e.respondError(msgid, peer, fmt.Sprintf("Request with msgid '%d' already exists", msgid))
	}
	e.incoming[key] = struct{}{}
	e.incomingMu.Unlock()

	e.running.Add(1)
	go func() {
		defer e.running.Done()
		defer func() {
			e.incomingMu.Lock()
			delete(e.incoming, key)
			e.incomingMu.Unlock()
		}()
		e.callAndRespond(msgid, method, params, peer)
	}()
	return nil
}

// callAndRespond invokes the resolved handler and replies with its
// result. A handler that panics (e.g. indexing a too-short params slice
// on a wrong-arity call, the Go analogue of a Python TypeError) is
// recovered here and turned into an invalid-request error response,
// matching defer.maybeDeferred's synchronous-exception-to-errback
// behavior in the original: a bad call degrades that one request, it
// never takes down the engine.
func (e *Engine) callAndRespond(msgid uint32, method string, params []interface{}, peer Peer) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("handler panicked", msgpackrpclog.Method(method), zap.Any("recover", r))
			e.sendResponse(msgid, peer, nil, fmt.Sprintf("method %q panicked: %v", method, r))
		}
	}()

	handler, found := e.resolver.Resolve(method)
	if !found {
		e.sendResponse(msgid, peer, nil, fmt.Sprintf("Client attempted to call unimplemented method: %s", method))
		return
	}

	fut := handler(msgid, params, peer, e)
	// Block until the response is written, so the caller's incoming-table
	// entry and Wait accounting last until then.
	sent := make(chan struct{})
	fut.AddCallback(func(result interface{}, err error) {
		defer close(sent)
		if err != nil {
			e.sendResponse(msgid, peer, nil, e.describeError(err))
			return
		}
		e.sendResponse(msgid, peer, result, nil)
	})
	<-sent
}

// describeError renders a user-method failure for the error slot. With
// sendErrors, the full %+v (which, for wrapped errors, includes the
// chain) is sent; otherwise just Error().
func (e *Engine) describeError(err error) string {
	if e.sendErrors {
		return fmt.Sprintf("%+v", err)
	}
	return err.Error()
}

func (e *Engine) sendResponse(msgid uint32, peer Peer, result interface{}, errVal interface{}) {
	data, err := e.codec.Encode([]interface{}{int(MsgTypeResponse), msgid, errVal, result})
	if err != nil {
		// Second attempt: report the encode failure itself as the
		// error slot (spec.md §4.2 "Encoder failure on response
		// path").
		data, err = e.codec.Encode([]interface{}{int(MsgTypeResponse), msgid, fmt.Sprintf("serialization failed: %v", err), nil})
		if err != nil {
			e.log.Warn("response re-encode failed, response not sent", msgpackrpclog.MsgID(msgid), zap.Error(err))
			// Writer has no close operation: this writes an empty
			// payload and the connection stays open.
			_ = e.writer.Write(nil, peer)
			return
		}
	}
	if werr := e.writer.Write(data, peer); werr != nil {
		fields := []zap.Field{msgpackrpclog.MsgID(msgid), zap.Error(werr)}
		if peer != nil {
			fields = append(fields, msgpackrpclog.PeerField(peer.String()))
		}
		e.log.Debug("failed to write response, peer likely gone", fields...)
	}
}

func (e *Engine) respondError(msgid uint32, peer Peer, message string) error {
	e.sendResponse(msgid, peer, nil, message)
	return newErr(KindInvalidRequest, "%s", message)
}

func (e *Engine) handleResponse(arr []interface{}) error {
	if len(arr) != 4 {
		return newErr(KindInvalidResponse, "incorrect response length: expected 4, got %d", len(arr))
	}
	msgid, ok := toUint32(arr[1])
	if !ok {
		return newErr(KindInvalidResponse, "response msgid is not an integer")
	}
	errVal := arr[2]
	result := arr[3]

	e.pendingMu.Lock()
	entry, found := e.pending[msgid]
	if found {
		delete(e.pending, msgid)
	}
	e.pendingMu.Unlock()

	if !found {
		// Late or unknown-msgid response: spec.md §9 open question,
		// resolved as silent drop with a debug log.
		e.log.Debug("dropping response for unknown msgid", msgpackrpclog.MsgID(msgid))
		return nil
	}

	if errVal != nil {
		entry.future.Reject(NewResponseError(errVal))
	} else {
		entry.future.Resolve(result)
	}
	return nil
}

func (e *Engine) handleNotification(arr []interface{}, peer Peer) error {
	if len(arr) != 3 {
		// Decode/dispatch failures on notifications are logged and
		// dropped, never surfaced (spec.md §4.2).
		e.log.Debug("malformed notification dropped", zap.Int("len", len(arr)))
		return nil
	}
	method, ok := arr[1].(string)
	if !ok {
		e.log.Debug("notification method is not a string")
		return nil
	}
	params, _ := arr[2].([]interface{})

	handler, found := e.resolver.Resolve(method)
	if !found {
		e.log.Debug("notification for unknown method dropped", msgpackrpclog.Method(method))
		return nil
	}

	e.running.Add(1)
	go func() {
		defer e.running.Done()
		defer func() {
			if r := recover(); r != nil {
				e.log.Warn("notification handler panicked", msgpackrpclog.Method(method), zap.Any("recover", r))
			}
		}()
		fut := handler(0, params, peer, e)
		fut.AddCallback(func(interface{}, error) {})
	}()
	return nil
}

func toInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	default:
		return 0, false
	}
}

func toUint32(v interface{}) (uint32, bool) {
	n, ok := toInt(v)
	if !ok || n < 0 {
		return 0, false
	}
	return uint32(n), true
}
