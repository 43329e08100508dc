package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

func bindLoopback(t *testing.T, ctx context.Context) *Endpoint {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)

	addr, err := multiaddr.NewMultiaddr("/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)

	ep, err := Bind(ctx, Options{
		SecretKey: priv,
		Relay:     RelayDisabled,
		BindAddrs: []multiaddr.Multiaddr{addr},
	})
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	return ep
}

func TestConnectAndExchangeStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sender := bindLoopback(t, ctx)
	receiver := bindLoopback(t, ctx)

	require.NoError(t, sender.WaitForReady(ctx, 10*time.Second))
	require.NoError(t, receiver.WaitForReady(ctx, 10*time.Second))

	accept := receiver.Accept(ALPN)

	addr := receiver.Addr()
	addr.RelayURLs = nil // force the direct-address path

	s, err := sender.Connect(ctx, addr, ALPN)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case inbound := <-accept:
		buf := make([]byte, 4)
		_, err := io.ReadFull(inbound, buf)
		require.NoError(t, err)
		require.Equal(t, "ping", string(buf))
		inbound.Close()
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for inbound stream")
	}
}

func TestConnectFailsWithoutAddresses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender := bindLoopback(t, ctx)

	var addr Addr
	for i := range addr.PeerID {
		addr.PeerID[i] = byte(i + 1)
	}

	_, err := sender.Connect(ctx, addr, ALPN)
	require.Error(t, err)
}
