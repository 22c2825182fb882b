// Package transport implements the stream, datagram and multicast
// adaptors of spec.md §4.3-4.5: each wraps a raw socket and feeds bytes
// to an *msgpackrpc.Engine, implementing msgpackrpc.Writer so the engine
// can hand encoded bytes back for sending.
package transport

import (
	"net"

	"github.com/jakm/msgpackrpc"
)

// AddrPeer adapts a net.Addr to msgpackrpc.Peer for datagram and
// multicast transports, where the same Engine serves many senders and
// the engine needs a stable per-message identity (spec.md §3
// PendingRequest.peer?, §4.4).
type AddrPeer struct {
	net.Addr
}

func (p AddrPeer) String() string {
	if p.Addr == nil {
		return ""
	}
	return p.Addr.String()
}

// readBufferSize is the read buffer size of every transport's read loop.
// For streams it has no bearing on correctness (the codec re-assembles
// partial messages) and only bounds how much is copied per syscall; for
// datagram and multicast reads it is the largest packet read whole.
const readBufferSize = 64 * 1024
