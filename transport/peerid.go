package transport

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/myelnet/beam/ticket"
)

// PeerIDFromAddr reconstructs a libp2p peer.ID from the raw Ed25519 public
// key carried in a ticket.Addr.
func PeerIDFromAddr(addr ticket.Addr) (peer.ID, error) {
	pub, err := crypto.UnmarshalEd25519PublicKey(addr.PeerID[:])
	if err != nil {
		return "", fmt.Errorf("transport: bad peer id: %w", err)
	}
	return peer.IDFromPublicKey(pub)
}

// RawPeerID extracts the 32-byte Ed25519 public key backing id.
func RawPeerID(pub crypto.PubKey) ([ticket.PeerIDSize]byte, error) {
	var out [ticket.PeerIDSize]byte
	raw, err := pub.Raw()
	if err != nil {
		return out, err
	}
	if len(raw) != ticket.PeerIDSize {
		return out, fmt.Errorf("transport: unexpected public key length %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
