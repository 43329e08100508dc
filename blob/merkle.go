package blob

import "lukechampine.com/blake3"

// ProofStep is one sibling hash on the path from a leaf to a blob's root.
// It travels over the wire alongside chunk bytes so a receiver can check a
// chunk against the root hash it already trusts (from a Ticket) without
// re-downloading the whole blob.
type ProofStep struct {
	Sibling Hash `json:"sibling"`
	Left    bool `json:"left"` // true if Sibling is the left-hand node
}

// Domain bytes keep a leaf hash from ever colliding with an internal node
// hash over the same bytes.
const (
	leafDomain byte = 0x00
	nodeDomain byte = 0x01
)

// asHashes copies an outboard's raw leaf array into the named Hash type
// merkleRoot/merkleProof operate on.
func asHashes(leaves [][Size]byte) []Hash {
	out := make([]Hash, len(leaves))
	for i, l := range leaves {
		out[i] = Hash(l)
	}
	return out
}

func leafHash(chunk []byte) Hash {
	h := blake3.New(Size, nil)
	h.Write([]byte{leafDomain})
	h.Write(chunk)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func nodeHash(left, right Hash) Hash {
	h := blake3.New(Size, nil)
	h.Write([]byte{nodeDomain})
	h.Write(left[:])
	h.Write(right[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// merkleLevels builds every level of the binary tree over leaves, bottom
// up. A level with no sibling for its last node promotes that node
// unchanged to the next level rather than hashing it with itself.
func merkleLevels(leaves []Hash) [][]Hash {
	if len(leaves) == 0 {
		return [][]Hash{{}}
	}
	levels := [][]Hash{leaves}
	level := leaves
	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, nodeHash(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		levels = append(levels, next)
		level = next
	}
	return levels
}

// merkleRoot reduces leaves to their single root hash. With no leaves
// (an empty blob) the root is the leaf hash of empty data, the same value
// HashBytes gives for an empty buffer.
func merkleRoot(leaves []Hash) Hash {
	levels := merkleLevels(leaves)
	last := levels[len(levels)-1]
	if len(last) == 0 {
		return leafHash(nil)
	}
	return last[0]
}

// merkleProof returns the sibling path from leaf index i up to the root,
// in bottom-to-top order.
func merkleProof(leaves []Hash, i int) []ProofStep {
	levels := merkleLevels(leaves)
	var proof []ProofStep
	idx := i
	for l := 0; l < len(levels)-1; l++ {
		level := levels[l]
		switch {
		case idx%2 == 0 && idx+1 < len(level):
			proof = append(proof, ProofStep{Sibling: level[idx+1], Left: false})
		case idx%2 == 1:
			proof = append(proof, ProofStep{Sibling: level[idx-1], Left: true})
		}
		idx /= 2
	}
	return proof
}

// verifyProof recomputes the root by folding proof into leaf and compares
// it against want, rejecting any chunk that does not actually belong to
// the blob identified by want.
func verifyProof(leaf Hash, proof []ProofStep, want Hash) bool {
	cur := leaf
	for _, step := range proof {
		if step.Left {
			cur = nodeHash(step.Sibling, cur)
		} else {
			cur = nodeHash(cur, step.Sibling)
		}
	}
	return cur == want
}
