package msgpackrpc

// Handler is the uniform shape every registered RPC method is adapted
// to before it reaches the Engine. The msgid, calling peer and the
// Engine the request arrived on are always passed; callers that never
// asked for any of them (the common case) simply ignore the argument.
// The Engine reference is what lets a Pub/Sub-style handler remember
// which connection to notify later (peer alone is nil on a
// connection-oriented transport, where it is the Engine identity, not
// the peer, that distinguishes callers). This is the explicit opt-in
// design note from spec.md §9 taken literally: no reflection over
// parameter names happens anywhere; which of these arguments a method
// sees is chosen by how it is registered (see package server).
type Handler func(msgid uint32, params []interface{}, peer Peer, engine *Engine) *Future

// Resolver looks up a wire method name. It is implemented by
// package server's Dispatcher; the engine never knows about "remote_"
// prefixes or registries, only about resolved Handlers.
type Resolver interface {
	Resolve(method string) (Handler, bool)
}

// ResolverFunc adapts a plain function to a Resolver, handy for tests and
// trivial single-method servers.
type ResolverFunc func(method string) (Handler, bool)

func (f ResolverFunc) Resolve(method string) (Handler, bool) { return f(method) }

// NoMethods is a Resolver that resolves nothing; used as an engine's
// default resolver on connections that never accept inbound requests
// (pure clients).
var NoMethods Resolver = ResolverFunc(func(string) (Handler, bool) { return nil, false })
