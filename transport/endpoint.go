// Package transport implements C4: the encrypted, NAT-traversed transport
// primitive. It wraps a libp2p host the same way node.New wires one up in
// the teacher (identity from a keystore, a connection manager, a
// connection gater, uPnP port mapping, DHT-backed routing) but exposes
// the narrower Endpoint surface spec.md §4.4 asks for instead of the
// teacher's full exchange.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/net/conngater"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	"github.com/myelnet/beam/ticket"
	"github.com/rs/zerolog/log"
)

// ALPN is the protocol identifier the blob-transfer wire protocol
// (spec.md §6) registers itself under.
const ALPN = protocol.ID("/beam/transfer/1.0")

// RelayMode controls whether and how this Endpoint uses relay transport.
type RelayMode int

const (
	// RelayDisabled never uses a relay; only direct connections succeed.
	RelayDisabled RelayMode = iota
	// RelayDefault uses the host's built-in public relay discovery.
	RelayDefault
	// RelayCustom pins a single relay multiaddr.
	RelayCustom
)

// Options configures Bind.
type Options struct {
	SecretKey crypto.PrivKey
	ALPNs     []protocol.ID
	Relay     RelayMode
	RelayAddr multiaddr.Multiaddr // required when Relay == RelayCustom
	BindAddrs []multiaddr.Multiaddr
}

// ConnectErrorKind classifies why Connect failed, per spec.md §4.4.
type ConnectErrorKind int

const (
	DNSLookupFailed ConnectErrorKind = iota
	NoRelayReachable
	HandshakeTimeout
	PeerRejected
)

// ConnectError is the sub-cause attached to a failed Connect, matching the
// Connect error kind's "surfaced with sub-cause" policy in spec.md §7.
type ConnectError struct {
	Kind  ConnectErrorKind
	Cause error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("transport: connect failed (%v): %v", e.Kind, e.Cause)
}
func (e *ConnectError) Unwrap() error { return e.Cause }

// ErrBind wraps any failure to construct the libp2p host (spec.md §7
// EndpointBind).
var ErrBind = errors.New("transport: bind failed")

// Addr is the Endpoint's currently known addressable form.
type Addr = ticket.Addr

// Endpoint binds a local socket set and manages one peer identity's
// connections, per spec.md §4.4.
type Endpoint struct {
	host host.Host
	dht  *dht.IpfsDHT
	alpn []protocol.ID

	mu      sync.RWMutex
	relayed []string // relay URLs reported by Addr; nothing in this package fills it, so it stays empty
}

// Bind constructs an Endpoint: a libp2p host identified by opts.SecretKey,
// with NAT port mapping, connection management, optional relay, and
// DHT-backed routing for peer-id-only discovery.
func Bind(ctx context.Context, opts Options) (*Endpoint, error) {
	if opts.SecretKey == nil {
		return nil, fmt.Errorf("%w: missing secret key", ErrBind)
	}

	cm, err := connmgr.NewConnManager(20, 60, connmgr.WithGracePeriod(20*time.Second))
	if err != nil {
		return nil, fmt.Errorf("%w: connection manager: %v", ErrBind, err)
	}

	libp2pOpts := []libp2p.Option{
		libp2p.Identity(opts.SecretKey),
		libp2p.ConnectionManager(cm),
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
	}
	if len(opts.BindAddrs) > 0 {
		libp2pOpts = append(libp2pOpts, libp2p.ListenAddrs(opts.BindAddrs...))
	}

	var kdht *dht.IpfsDHT
	libp2pOpts = append(libp2pOpts, libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
		var err error
		kdht, err = dht.New(ctx, h, dht.Mode(dht.ModeAutoServer))
		return kdht, err
	}))

	switch opts.Relay {
	case RelayDisabled:
		libp2pOpts = append(libp2pOpts, libp2p.DisableRelay())
	case RelayDefault:
		libp2pOpts = append(libp2pOpts, libp2p.EnableRelay(), libp2p.EnableAutoRelayWithStaticRelays(nil))
	case RelayCustom:
		if opts.RelayAddr == nil {
			return nil, fmt.Errorf("%w: custom relay mode requires RelayAddr", ErrBind)
		}
		info, err := peer.AddrInfoFromP2pAddr(opts.RelayAddr)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid relay addr: %v", ErrBind, err)
		}
		libp2pOpts = append(libp2pOpts, libp2p.EnableRelay(), libp2p.EnableAutoRelayWithStaticRelays([]peer.AddrInfo{*info}))
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBind, err)
	}

	alpns := opts.ALPNs
	if len(alpns) == 0 {
		alpns = []protocol.ID{ALPN}
	}

	e := &Endpoint{host: h, dht: kdht, alpn: alpns}
	if kdht != nil {
		go func() {
			if err := kdht.Bootstrap(ctx); err != nil {
				log.Debug().Err(err).Msg("transport: dht bootstrap")
			}
		}()
	}
	return e, nil
}

// Host exposes the underlying libp2p host for callers that need lower
// level access (provider's stream handler, fetcher's stream opener).
func (e *Endpoint) Host() host.Host { return e.host }

// PeerID is this endpoint's identity, equivalently the Ticket peer id.
func (e *Endpoint) PeerID() peer.ID { return e.host.ID() }

// Addr reports the endpoint's currently known addressable form. It may be
// empty immediately after Bind and fill in as NAT traversal completes.
func (e *Endpoint) Addr() Addr {
	e.mu.RLock()
	relays := append([]string(nil), e.relayed...)
	e.mu.RUnlock()

	var a Addr
	if pub := e.host.Peerstore().PubKey(e.host.ID()); pub != nil {
		if raw, err := RawPeerID(pub); err == nil {
			a.PeerID = raw
		}
	}
	a.RelayURLs = relays
	for _, ma := range e.host.Addrs() {
		a.DirectAddrs = append(a.DirectAddrs, ma.String())
	}
	return a
}

// WaitForReady blocks until Addr() is populated with at least one direct
// address or relay, or timeout elapses.
func (e *Endpoint) WaitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		a := e.Addr()
		if !a.Empty() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("transport: endpoint not ready after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Connect opens a stream to the peer described by addr, trying direct
// addresses first and falling back to the DHT for peer-id-only addressing,
// per spec.md §4.4/§4.6.
func (e *Endpoint) Connect(ctx context.Context, addr Addr, alpn protocol.ID) (network.Stream, error) {
	pid, err := PeerIDFromAddr(addr)
	if err != nil {
		return nil, &ConnectError{Kind: DNSLookupFailed, Cause: err}
	}

	info := peer.AddrInfo{ID: pid}
	for _, s := range addr.DirectAddrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			continue
		}
		info.Addrs = append(info.Addrs, ma)
	}

	if len(info.Addrs) == 0 {
		if e.dht == nil {
			return nil, &ConnectError{Kind: DNSLookupFailed, Cause: errors.New("no addresses and no DHT configured")}
		}
		resolved, err := e.dht.FindPeer(ctx, pid)
		if err != nil {
			return nil, &ConnectError{Kind: DNSLookupFailed, Cause: err}
		}
		info = resolved
	}

	e.host.Peerstore().AddAddrs(info.ID, info.Addrs, time.Hour)
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := e.host.Connect(connectCtx, info); err != nil {
		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
			return nil, &ConnectError{Kind: HandshakeTimeout, Cause: err}
		}
		return nil, &ConnectError{Kind: NoRelayReachable, Cause: err}
	}

	s, err := e.host.NewStream(ctx, info.ID, alpn)
	if err != nil {
		return nil, &ConnectError{Kind: PeerRejected, Cause: err}
	}
	return s, nil
}

// Accept returns a channel of inbound streams for alpn, used by the
// provider to serve requests.
func (e *Endpoint) Accept(alpn protocol.ID) <-chan network.Stream {
	ch := make(chan network.Stream, 16)
	e.host.SetStreamHandler(alpn, func(s network.Stream) {
		select {
		case ch <- s:
		default:
			s.Reset()
		}
	})
	return ch
}

// Close shuts down the host and any DHT instance.
func (e *Endpoint) Close() error {
	if e.dht != nil {
		_ = e.dht.Close()
	}
	return e.host.Close()
}
