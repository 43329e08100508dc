package blob

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddBytesStatusExportRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	data := []byte("hello, beam")
	tag, err := s.AddBytes(ctx, data, nil, "greeting")
	require.NoError(t, err)
	require.Equal(t, HashBytes(data), tag.Hash)

	status, err := s.Status(tag.Hash)
	require.NoError(t, err)
	require.Equal(t, Complete, status)

	target := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, s.Export(ctx, tag.Hash, target, Copy, nil, "greeting"))

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestExportRefusesUnknownHash(t *testing.T) {
	s := openTestStore(t)
	var missing Hash
	copy(missing[:], []byte("not-a-real-hash-at-all-00000000"))
	err := s.Export(context.Background(), missing, filepath.Join(t.TempDir(), "x"), Copy, nil, "x")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExportRefusesOverwrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	data := []byte("payload")
	tag, err := s.AddBytes(ctx, data, nil, "f")
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, s.Export(ctx, tag.Hash, target, Copy, nil, "f"))
	err = s.Export(ctx, tag.Hash, target, Copy, nil, "f")
	require.Error(t, err) // O_EXCL refuses a second export onto the same path
}

func TestMissingRangesForUnknownHash(t *testing.T) {
	s := openTestStore(t)
	var h Hash
	copy(h[:], []byte("00000000000000000000000000000001"))
	spec, err := s.MissingRanges(h, ChunkSize*3+10)
	require.NoError(t, err)
	require.Len(t, spec.Chunks, 4)
}

func TestPutVerifiedChunkRejectsMismatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Three chunks, imported the normal way, give us a real root and a
	// real proof for each leaf to exercise against.
	data := append(append(bytes.Repeat([]byte{'a'}, ChunkSize), bytes.Repeat([]byte{'b'}, ChunkSize)...), bytes.Repeat([]byte{'c'}, 100)...)
	tag, err := s.AddBytes(ctx, data, nil, "multi")
	require.NoError(t, err)
	root := tag.Hash

	proof, err := s.Proof(root, 1)
	require.NoError(t, err)

	// The correct chunk 1 bytes, with their real proof, verify.
	chunk1 := data[ChunkSize : 2*ChunkSize]
	require.NoError(t, s.PutVerifiedChunk(ctx, root, int64(len(data)), 1, chunk1, proof))

	// Tampered data under the same (now stale) proof does not verify
	// against root — this is the actual integrity guarantee, not just
	// self-consistency between two writes.
	tampered := append([]byte(nil), chunk1...)
	tampered[0] ^= 0xff
	err = s.PutVerifiedChunk(ctx, root, int64(len(data)), 1, tampered, proof)
	require.ErrorIs(t, err, ErrHashMismatch)

	// A forged proof borrowed from a different chunk index doesn't make
	// the tampered data verify either.
	otherProof, err := s.Proof(root, 2)
	require.NoError(t, err)
	err = s.PutVerifiedChunk(ctx, root, int64(len(data)), 1, tampered, otherProof)
	require.ErrorIs(t, err, ErrHashMismatch)
}

func TestTagsSortedByName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.AddBytes(ctx, []byte("b"), nil, "b")
	require.NoError(t, err)
	_, err = s.AddBytes(ctx, []byte("a"), nil, "a")
	require.NoError(t, err)

	tags := s.Tags()
	require.GreaterOrEqual(t, len(tags), 2)
	for i := 1; i < len(tags); i++ {
		require.Less(t, tags[i-1].Name, tags[i].Name)
	}
}

func TestHashBytesDeterministic(t *testing.T) {
	a := HashBytes([]byte("same input"))
	b := HashBytes([]byte("same input"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, HashBytes([]byte("different input")))
}

func TestHashHexRoundTrip(t *testing.T) {
	h := HashBytes([]byte("round trip me"))
	parsed, err := HashFromHex(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)
}

func TestHashMultibaseRoundTrip(t *testing.T) {
	h := HashBytes([]byte("multibase me"))
	mb, err := h.Multibase()
	require.NoError(t, err)
	parsed, err := HashFromMultibase(mb)
	require.NoError(t, err)
	require.Equal(t, h, parsed)
}
