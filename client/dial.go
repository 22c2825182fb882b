package client

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/jakm/msgpackrpc/transport"
)

// DialOptions configures the Connect* helpers below; the zero value
// matches client.py's connect() defaults (maxRetries=5, no explicit
// timeouts).
type DialOptions struct {
	ConnectTimeout time.Duration
	WaitTimeout    time.Duration // idle timeout; forwarded to transport.WithIdleTimeout
	MaxRetries     int           // 0 means "use the default of 5", matching connect()
	MaxDelay       time.Duration // 0 means "use the default of 12s", matching factory.py's maxDelay

	// UseTLS selects a TLS dial (client.py's connect(ssl=True, ...)).
	// TLSConfig, if nil, then defaults to an empty *tls.Config{}
	// (client.py builds a default ssl.CertificateOptions() when the
	// caller passes ssl=True but no explicit options).
	UseTLS        bool
	TLSConfig     *tls.Config
	StreamOptions []transport.StreamOption
}

func (o DialOptions) tlsConfig() *tls.Config {
	if !o.UseTLS {
		return nil
	}
	if o.TLSConfig != nil {
		return o.TLSConfig
	}
	return &tls.Config{}
}

func (o DialOptions) reconnectOptions() []ReconnectOption {
	var opts []ReconnectOption
	if o.MaxRetries > 0 {
		opts = append(opts, WithMaxRetries(o.MaxRetries))
	}
	if o.MaxDelay > 0 {
		opts = append(opts, WithMaxDelay(o.MaxDelay))
	}

	streamOpts := o.StreamOptions
	if o.WaitTimeout > 0 {
		streamOpts = append(streamOpts, transport.WithIdleTimeout(o.WaitTimeout))
	}
	if len(streamOpts) > 0 {
		opts = append(opts, WithStreamOptions(streamOpts...))
	}
	return opts
}

func streamDialer(network, addr string, o DialOptions) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: o.ConnectTimeout}
		if tlsCfg := o.tlsConfig(); tlsCfg != nil {
			// tls.DialWithDialer has no context variant; ConnectTimeout
			// on the embedded net.Dialer still bounds the TCP handshake.
			return tls.DialWithDialer(&d, network, addr, tlsCfg)
		}
		return d.DialContext(ctx, network, addr)
	}
}

// Connect dials a single reconnecting TCP (or TLS, with UseTLS set)
// connection, mirroring client.py's connect(). It blocks until the
// first connection succeeds or ctx ends.
func Connect(ctx context.Context, host string, port int, opts DialOptions) (*SingleConnectionHandler, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	h := NewSingleConnectionHandler()
	r := NewReconnector(streamDialer("tcp", addr, opts), h.OnConnect, h.OnLost, opts.reconnectOptions()...)
	h.bindReconnector(r.Stop)
	go r.Run(ctx)

	if _, err := h.WaitForConnection(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// ConnectPool dials poolsize reconnecting TCP (or TLS) connections and
// returns a handler fronting the pool, mirroring client.py's
// connect_pool(). It blocks until at least one connection succeeds or
// ctx ends.
func ConnectPool(ctx context.Context, host string, port int, poolsize int, isolated bool, opts DialOptions) (*PooledConnectionHandler, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	h := NewPooledConnectionHandler(poolsize, isolated)
	for i := 0; i < poolsize; i++ {
		r := NewReconnector(streamDialer("tcp", addr, opts), h.OnConnect, h.OnLost, opts.reconnectOptions()...)
		h.bindReconnector(r.Stop)
		go r.Run(ctx)
	}

	if err := h.WaitForConnection(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// ConnectUnix dials a single reconnecting UNIX domain socket connection,
// mirroring client.py's connect_UNIX().
func ConnectUnix(ctx context.Context, path string, opts DialOptions) (*SingleConnectionHandler, error) {
	h := NewSingleConnectionHandler()
	r := NewReconnector(streamDialer("unix", path, opts), h.OnConnect, h.OnLost, opts.reconnectOptions()...)
	h.bindReconnector(r.Stop)
	go r.Run(ctx)

	if _, err := h.WaitForConnection(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// ConnectUDP opens a connected UDP socket to host:port, mirroring
// client.py's connect_UDP(). waitTimeout arms a per-request timer (zero
// disables it).
func ConnectUDP(host string, port int, waitTimeout time.Duration, opts ...transport.DatagramOption) (*transport.Datagram, error) {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}

	allOpts := append([]transport.DatagramOption{
		transport.WithConnectedPeer(raddr),
		transport.WithDatagramWaitTimeout(waitTimeout),
	}, opts...)
	return transport.NewDatagram(conn, allOpts...), nil
}

// ConnectMulticast joins a multicast group, mirroring client.py's
// connect_multicast(). waitWindow is how long Multicast.Call aggregates
// responses for before resolving.
func ConnectMulticast(group string, port int, ttl int, waitWindow time.Duration, opts ...transport.MulticastOption) (*transport.Multicast, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(group, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}

	allOpts := append([]transport.MulticastOption{
		transport.WithMulticastWaitWindow(waitWindow),
	}, opts...)
	return transport.JoinMulticast(addr, nil, ttl, allOpts...)
}
