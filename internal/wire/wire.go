// Package wire implements the request/response framing providers and
// fetchers exchange over a transport.Endpoint stream, grounded on the
// length-prefixed CBOR request/response framing exchange/replication.go
// uses for its Request/Response voucher pair — here a flat JSON envelope
// since there is no CBOR code-generation tooling in this module's
// dependency set and goccy/go-json already covers every other on-disk
// JSON need.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/myelnet/beam/blob"
)

const maxFrameSize = 64 << 20 // generous ceiling against a hostile peer

// RequestKind distinguishes the three things a fetcher can ask for.
type RequestKind uint8

const (
	// RequestManifest asks for the full bytes of a blob (used for the
	// Collection blob itself, which has no outboard chunk addressing on
	// the wire — it is small enough to send whole).
	RequestManifest RequestKind = iota
	// RequestChunk asks for one ChunkSize-sized slice of a blob.
	RequestChunk
	// RequestSize asks for a blob's total size without transferring its
	// content, used to size a Raw-format download before chunking it.
	RequestSize
)

// Request is the control message a fetcher sends before each chunk or
// manifest pull.
type Request struct {
	Kind  RequestKind
	Hash  string // hex-encoded blob.Hash
	Index int    // meaningful only for RequestChunk
}

// Response header precedes the payload bytes. A non-empty Err means no
// payload follows.
type Response struct {
	Err  string
	Size int64
}

func writeFrame(w io.Writer, b []byte) error {
	if len(b) > maxFrameSize {
		return fmt.Errorf("wire: frame too large (%d bytes)", len(b))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("wire: frame too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteRequest sends req as a length-prefixed JSON frame.
func WriteRequest(w io.Writer, req Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return writeFrame(w, b)
}

// ReadRequest reads one Request frame.
func ReadRequest(r io.Reader) (Request, error) {
	b, err := readFrame(r)
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(b, &req); err != nil {
		return Request{}, fmt.Errorf("wire: decode request: %w", err)
	}
	return req, nil
}

// WriteResponse sends the response header followed by the payload, unless
// errMsg is non-empty, in which case no payload frame follows.
func WriteResponse(w io.Writer, errMsg string, payload []byte) error {
	hdr := Response{Err: errMsg, Size: int64(len(payload))}
	b, err := json.Marshal(hdr)
	if err != nil {
		return err
	}
	if err := writeFrame(w, b); err != nil {
		return err
	}
	if errMsg != "" {
		return nil
	}
	return writeFrame(w, payload)
}

// ReadResponse reads the header and, absent an error, its payload.
func ReadResponse(r io.Reader) ([]byte, error) {
	b, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	var hdr Response
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, fmt.Errorf("wire: decode response header: %w", err)
	}
	if hdr.Err != "" {
		return nil, fmt.Errorf("wire: peer error: %s", hdr.Err)
	}
	return readFrame(r)
}

// ChunkPayload is the JSON body of a RequestChunk response: the chunk's
// bytes plus the Merkle inclusion proof a fetcher needs to check it
// against the blob's root hash before writing it via blob.Store's
// PutVerifiedChunk.
type ChunkPayload struct {
	Data  []byte           `json:"data"`
	Proof []blob.ProofStep `json:"proof"`
}

// WriteChunkResponse sends a chunk response carrying both the chunk's
// bytes and its Merkle proof, the chunked analogue of WriteResponse.
func WriteChunkResponse(w io.Writer, errMsg string, data []byte, proof []blob.ProofStep) error {
	if errMsg != "" {
		return WriteResponse(w, errMsg, nil)
	}
	payload, err := json.Marshal(ChunkPayload{Data: data, Proof: proof})
	if err != nil {
		return err
	}
	return WriteResponse(w, "", payload)
}

// ReadChunkResponse reads a chunk response written by WriteChunkResponse.
func ReadChunkResponse(r io.Reader) ([]byte, []blob.ProofStep, error) {
	raw, err := ReadResponse(r)
	if err != nil {
		return nil, nil, err
	}
	var payload ChunkPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, nil, fmt.Errorf("wire: decode chunk payload: %w", err)
	}
	return payload.Data, payload.Proof, nil
}

// WriteSizeResponse answers a RequestSize with just the header, no
// payload frame.
func WriteSizeResponse(w io.Writer, errMsg string, size int64) error {
	hdr := Response{Err: errMsg, Size: size}
	b, err := json.Marshal(hdr)
	if err != nil {
		return err
	}
	return writeFrame(w, b)
}

// ReadSizeResponse reads a RequestSize's header-only response.
func ReadSizeResponse(r io.Reader) (int64, error) {
	b, err := readFrame(r)
	if err != nil {
		return 0, err
	}
	var hdr Response
	if err := json.Unmarshal(b, &hdr); err != nil {
		return 0, fmt.Errorf("wire: decode response header: %w", err)
	}
	if hdr.Err != "" {
		return 0, fmt.Errorf("wire: peer error: %s", hdr.Err)
	}
	return hdr.Size, nil
}
