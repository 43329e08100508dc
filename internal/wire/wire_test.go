package wire

import (
	"bytes"
	"testing"

	"github.com/myelnet/beam/blob"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{Kind: RequestChunk, Hash: "deadbeef", Index: 7}
	require.NoError(t, WriteRequest(&buf, req))

	got, err := ReadRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, req, got)
}

func TestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("chunk data")
	require.NoError(t, WriteResponse(&buf, "", payload))

	got, err := ReadResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestResponseErrorCarriesNoPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, "not found", nil))

	_, err := ReadResponse(&buf)
	require.ErrorContains(t, err, "not found")
	require.Equal(t, 0, buf.Len())
}

func TestSizeResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSizeResponse(&buf, "", 4096))

	size, err := ReadSizeResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(4096), size)
}

func TestChunkResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	var sibling blob.Hash
	copy(sibling[:], []byte("sibling-hash-000000000000000000"))
	proof := []blob.ProofStep{{Sibling: sibling, Left: true}}
	require.NoError(t, WriteChunkResponse(&buf, "", []byte("chunk data"), proof))

	data, gotProof, err := ReadChunkResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, []byte("chunk data"), data)
	require.Equal(t, proof, gotProof)
}

func TestChunkResponseErrorCarriesNoPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteChunkResponse(&buf, "unknown hash", nil, nil))

	_, _, err := ReadChunkResponse(&buf)
	require.ErrorContains(t, err, "unknown hash")
}

func TestFrameTooLargeRejected(t *testing.T) {
	var buf bytes.Buffer
	big := make([]byte, maxFrameSize+1)
	err := writeFrame(&buf, big)
	require.Error(t, err)
}
