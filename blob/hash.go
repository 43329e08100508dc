package blob

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ipfs/go-cid"
	mbase "github.com/multiformats/go-multibase"
	mh "github.com/multiformats/go-multihash"
)

// rawMultihashCode is a locally-scoped multicodec used only to wrap a raw
// blake3-256 digest inside a CID so it can ride go-cid's multibase
// rendering; it is never sent to another implementation that cares about
// multicodec semantics, only used for the "CID-style multibase string"
// wire rendering spec.md §3 calls for.
const rawMultihashCode = 0x1e // blake3 code reserved in the multicodec table

// Size is the fixed digest length of a Hash.
const Size = 32

// Hash is a 32-byte blake3 tree digest identifying a Blob or Collection.
// Equality and ordering are byte-wise, matching spec.md §3.
type Hash [Size]byte

// Zero reports whether h is the zero hash (used as a not-present sentinel).
func (h Hash) Zero() bool { return h == Hash{} }

// Bytes returns a copy of the digest bytes.
func (h Hash) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, h[:])
	return b
}

// String renders the lowercase hex form.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Less orders hashes byte-wise. (Collection entries are sorted by name,
// not by hash.)
func (h Hash) Less(other Hash) bool {
	for i := range h {
		if h[i] != other[i] {
			return h[i] < other[i]
		}
	}
	return false
}

// Multibase renders the CID-style multibase string form: a multihash
// wrapping the raw digest, base32-lower encoded, matching how other pack
// members (go-cid/go-multibase/go-multihash) render content addresses.
func (h Hash) Multibase() (string, error) {
	digest, err := mh.Encode(h[:], rawMultihashCode)
	if err != nil {
		return "", fmt.Errorf("blob: encode multihash: %w", err)
	}
	c := cid.NewCidV1(cid.Raw, digest)
	return c.StringOfBase(mbase.Base32)
}

// HashFromHex parses the lowercase hex rendering produced by String.
func HashFromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("blob: invalid hex hash: %w", err)
	}
	if len(b) != Size {
		return Hash{}, fmt.Errorf("blob: hash must be %d bytes, got %d", Size, len(b))
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// HashFromMultibase parses the CID-style rendering produced by Multibase.
func HashFromMultibase(s string) (Hash, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return Hash{}, fmt.Errorf("blob: invalid multibase hash: %w", err)
	}
	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return Hash{}, fmt.Errorf("blob: invalid multihash: %w", err)
	}
	if len(decoded.Digest) != Size {
		return Hash{}, fmt.Errorf("blob: hash must be %d bytes, got %d", Size, len(decoded.Digest))
	}
	var h Hash
	copy(h[:], decoded.Digest)
	return h, nil
}

// HashBytes computes the root of b's outboard Merkle tree (blob/merkle.go):
// b is split into ChunkSize leaves, each leaf-hashed with domain
// separation from internal nodes, and reduced bottom-up to a single root.
// A buffer of one chunk or fewer has a root equal to its own leaf hash.
// This is what satisfies spec.md §8 invariant 1 (add_bytes(b).hash =
// blake3_tree(b).root) in a way that also yields a per-chunk inclusion
// proof, not just a flat digest.
func HashBytes(b []byte) Hash {
	n := (len(b) + ChunkSize - 1) / ChunkSize
	if n <= 1 {
		return leafHash(b)
	}
	leaves := make([]Hash, n)
	for i := 0; i < n; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(b) {
			end = len(b)
		}
		leaves[i] = leafHash(b[start:end])
	}
	return merkleRoot(leaves)
}

// MarshalJSON renders the hash as a lowercase hex string, keeping Merkle
// proofs and other wire payloads that embed a Hash human-readable.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON parses the hex string form produced by MarshalJSON.
func (h *Hash) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := HashFromHex(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
