package server

import (
	"fmt"
	"sync"

	"github.com/jakm/msgpackrpc"
)

// Publisher adds subscribe/unsubscribe/publish semantics on top of a
// Dispatcher, mirroring server.py's MsgpackRPCPubServer: remote_
// subscribe and remote_unsubscribe record interest per topic, and
// Publish sends a "publish" notification to every subscriber of a
// topic, dropping (and unsubscribing) any subscriber whose send fails
// the way _PublishIfConnected does on ConnectionError.
//
// Duplicate subscriptions to the same topic by the same connection are
// deduped (server.py's own remote_subscribe has a literal "@todo:
// return error if already subscribed" marking this undecided; this
// port resolves it by dedup since a peer resubscribing is far more
// likely to be a retry than a request for duplicate delivery).
type Publisher struct {
	*Dispatcher

	mu     sync.Mutex
	topics map[string]map[string]*subscriber
}

type subscriber struct {
	engine *msgpackrpc.Engine
	peer   msgpackrpc.Peer
}

// NewPublisher builds a Publisher and registers its subscribe/
// unsubscribe wire methods on the embedded Dispatcher.
func NewPublisher(opts ...Option) *Publisher {
	p := &Publisher{
		Dispatcher: New(opts...),
		topics:     make(map[string]map[string]*subscriber),
	}
	p.RegisterFuncWithConn("subscribe", p.remoteSubscribe)
	p.RegisterFuncWithConn("unsubscribe", p.remoteUnsubscribe)
	return p
}

// connKey identifies one logical connection. A stream connection gets
// its own dedicated Engine and peer is always nil there, so the
// engine's identity alone distinguishes it; a datagram or multicast
// transport shares a single Engine across many senders, so peer.String()
// is what distinguishes them.
func connKey(engine *msgpackrpc.Engine, peer msgpackrpc.Peer) string {
	if peer == nil {
		return fmt.Sprintf("%p", engine)
	}
	return fmt.Sprintf("%p/%s", engine, peer.String())
}

func (p *Publisher) remoteSubscribe(params []interface{}, peer msgpackrpc.Peer, engine *msgpackrpc.Engine) (interface{}, error) {
	topic, ok := firstString(params)
	if !ok {
		return nil, msgpackrpc.NewResponseError("subscribe requires a topic argument")
	}

	key := connKey(engine, peer)

	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.topics[topic]
	if !ok {
		set = make(map[string]*subscriber)
		p.topics[topic] = set
	}
	if _, already := set[key]; already {
		return 0, nil // dedup
	}
	set[key] = &subscriber{engine: engine, peer: peer}
	return 0, nil
}

func (p *Publisher) remoteUnsubscribe(params []interface{}, peer msgpackrpc.Peer, engine *msgpackrpc.Engine) (interface{}, error) {
	topic, ok := firstString(params)
	if !ok {
		return nil, msgpackrpc.NewResponseError("unsubscribe requires a topic argument")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if set, ok := p.topics[topic]; ok {
		delete(set, connKey(engine, peer))
	}
	return 0, nil
}

// Publish sends a "publish" notification carrying (topic, params) to
// every current subscriber of topic. It snapshots the subscriber set
// before sending so a subscribe/unsubscribe racing with Publish never
// sees a partial iteration, then prunes any subscriber whose send
// failed (peer disconnected).
func (p *Publisher) Publish(topic string, params interface{}) {
	p.mu.Lock()
	set, ok := p.topics[topic]
	if !ok || len(set) == 0 {
		p.mu.Unlock()
		return
	}
	snapshot := make([]*subscriber, 0, len(set))
	for _, sub := range set {
		snapshot = append(snapshot, sub)
	}
	p.mu.Unlock()

	var deadKeys []string
	for _, sub := range snapshot {
		if err := sub.engine.CreateNotification("publish", []interface{}{topic, params}, sub.peer); err != nil {
			deadKeys = append(deadKeys, connKey(sub.engine, sub.peer))
		}
	}

	if len(deadKeys) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.topics[topic]; ok {
		for _, k := range deadKeys {
			delete(set, k)
		}
	}
}

func firstString(params []interface{}) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	s, ok := params[0].(string)
	return s, ok
}
