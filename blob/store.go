// Package blob implements C1: a disk-backed, content-addressed map from
// Hash to (data, outboard, status), grounded on the datastore/blockstore
// combination node.New wires up in the teacher (badger-backed datastore,
// an ipfs-blockstore on top) but repurposed to store blake3-chunked
// content instead of filecoin/unixfs DAGs.
package blob

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	badgerds "github.com/ipfs/go-ds-badger"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	mh "github.com/multiformats/go-multihash"
	"github.com/myelnet/beam/progress"
)

var (
	// ErrNotFound is returned by Export, ReadAll and Proof when the hash is
	// unknown; Status reports an unknown hash as Missing instead.
	ErrNotFound = errors.New("blob: not found")
	// ErrIncomplete is returned by Export when the blob is not Complete.
	ErrIncomplete = errors.New("blob: incomplete")
	// ErrHashMismatch is returned when a written chunk fails verification.
	// It corresponds to the HashMismatch kind in spec.md §7.
	ErrHashMismatch = errors.New("blob: hash mismatch")
)

// ChunkSize is the unit of outboard verification and resumable transfer.
// Chosen independent of blake3's own internal 1024-byte chunking; it only
// governs how finely this store tracks "which ranges are present".
const ChunkSize = 256 * 1024

// Status is the three-way state of a Hash in the store (spec.md §3).
type Status int

const (
	Missing Status = iota
	Partial
	Complete
)

func (s Status) String() string {
	switch s {
	case Missing:
		return "missing"
	case Partial:
		return "partial"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Mode selects how AddPath/Export move bytes relative to the caller's
// filesystem, per spec.md §4.1.
type Mode int

const (
	// Copy always duplicates bytes into/out of the store.
	Copy Mode = iota
	// TryReference records the original file's path in the outboard
	// record on import. The bytes are still copied into the store, and
	// Export writes them out the same way as under Copy; no file is
	// referenced in place.
	TryReference
)

// Tag is a named pin protecting a Hash from future garbage collection.
type Tag struct {
	Name string
	Hash Hash
}

// outboard is the persisted record of one root hash's chunk layout and
// presence bitmap.
type outboard struct {
	Size      int64    `json:"size"`
	ChunkSize int64    `json:"chunk_size"`
	Leaves    [][Size]byte `json:"leaves"`
	Present   []bool   `json:"present"`
	SourcePath string  `json:"source_path,omitempty"` // set when Mode==TryReference
}

func (o *outboard) complete() bool {
	if o.Size == 0 {
		return true // zero-length blobs have no chunks and are trivially complete
	}
	for _, p := range o.Present {
		if !p {
			return false
		}
	}
	return len(o.Present) > 0
}

func (o *outboard) partial() bool {
	for _, p := range o.Present {
		if p {
			return true
		}
	}
	return false
}

// Store is the disk-backed content-addressed blob store. It owns its
// directory exclusively (spec.md §3 Ownership); nothing else may touch it.
type Store struct {
	dir string
	ds  datastore.Batching
	bs  blockstore.Blockstore

	mu   sync.RWMutex
	tags map[string]Hash
}

// Open creates or reattaches to a blob store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: mkdir store dir: %w", err)
	}
	dsopts := badgerds.DefaultOptions
	dsopts.SyncWrites = false
	dsopts.Truncate = true
	ds, err := badgerds.NewDatastore(filepath.Join(dir, "meta"), &dsopts)
	if err != nil {
		return nil, fmt.Errorf("blob: open datastore: %w", err)
	}
	s := &Store{
		dir:  dir,
		ds:   ds,
		bs:   blockstore.NewBlockstore(ds),
		tags: make(map[string]Hash),
	}
	s.loadTags()
	return s, nil
}

// Close releases the underlying datastore.
func (s *Store) Close() error {
	if closer, ok := s.ds.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func outboardKey(h Hash) datastore.Key {
	return datastore.NewKey("/outboard/" + h.String())
}

func tagKey(name string) datastore.Key {
	return datastore.NewKey("/tags/" + name)
}

func chunkCID(leaf [Size]byte) cid.Cid {
	digest, _ := mh.Encode(leaf[:], rawMultihashCode)
	return cid.NewCidV1(cid.Raw, digest)
}

func (s *Store) loadOutboard(h Hash) (*outboard, error) {
	raw, err := s.ds.Get(context.Background(), outboardKey(h))
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var ob outboard
	if err := json.Unmarshal(raw, &ob); err != nil {
		return nil, fmt.Errorf("blob: decode outboard record: %w", err)
	}
	return &ob, nil
}

func (s *Store) saveOutboard(h Hash, ob *outboard) error {
	raw, err := json.Marshal(ob)
	if err != nil {
		return err
	}
	return s.ds.Put(context.Background(), outboardKey(h), raw)
}

func (s *Store) loadTags() {
	res, err := s.ds.Query(context.Background(), query.Query{Prefix: "/tags"})
	if err != nil {
		return
	}
	defer res.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for entry := range res.Next() {
		if entry.Error != nil {
			continue
		}
		name := entry.Key[len("/tags/"):]
		var h Hash
		copy(h[:], entry.Value)
		s.tags[name] = h
	}
}

// Status reports the three-way presence state of h.
func (s *Store) Status(h Hash) (Status, error) {
	ob, err := s.loadOutboard(h)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Missing, nil
		}
		return Missing, err
	}
	if ob.complete() {
		return Complete, nil
	}
	if ob.partial() {
		return Partial, nil
	}
	return Missing, nil
}

// RangeSpec describes, as a list of chunk indices, the byte ranges this
// store still needs for h — the "machine-readable request spec" of
// spec.md §4.1's `missing()`.
type RangeSpec struct {
	Hash      Hash
	ChunkSize int64
	Size      int64
	Chunks    []int // indices of chunks not yet verified present
}

// MissingRanges returns what must still be fetched for h. If h is unknown
// entirely, every chunk implied by size is reported missing.
func (s *Store) MissingRanges(h Hash, knownSize int64) (RangeSpec, error) {
	ob, err := s.loadOutboard(h)
	if errors.Is(err, ErrNotFound) {
		n := int((knownSize + ChunkSize - 1) / ChunkSize)
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return RangeSpec{Hash: h, ChunkSize: ChunkSize, Size: knownSize, Chunks: idx}, nil
	}
	if err != nil {
		return RangeSpec{}, err
	}
	var idx []int
	for i, present := range ob.Present {
		if !present {
			idx = append(idx, i)
		}
	}
	return RangeSpec{Hash: h, ChunkSize: ob.ChunkSize, Size: ob.Size, Chunks: idx}, nil
}

// AddBytes imports in-memory data, satisfying spec.md §4.1 add_bytes.
func (s *Store) AddBytes(ctx context.Context, data []byte, bus *progress.Bus, name string) (Tag, error) {
	return s.addReader(ctx, bytesReaderAt(data), int64(len(data)), "", Copy, bus, name)
}

// AddPath imports a single regular file from the filesystem, satisfying
// spec.md §4.1 add_path.
func (s *Store) AddPath(ctx context.Context, path string, mode Mode, bus *progress.Bus, name string) (Tag, error) {
	f, err := os.Open(path)
	if err != nil {
		emitImportError(bus, name, err)
		return Tag{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		emitImportError(bus, name, err)
		return Tag{}, err
	}
	return s.addReader(ctx, f, info.Size(), path, mode, bus, name)
}

type sizerReaderAt interface {
	io.ReaderAt
}

func bytesReaderAt(b []byte) io.ReaderAt {
	return readerAtBytes(b)
}

type readerAtBytes []byte

func (b readerAtBytes) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// addReader streams src through the hash primitive in ChunkSize pieces,
// writing each hashed chunk into the blockstore and then saving the
// outboard presence record. It emits an import FileStarted event carrying
// the size, a FileProgress event per chunk, then FileCompleted and Done,
// or an Error event on failure.
func (s *Store) addReader(ctx context.Context, src sizerReaderAt, size int64, sourcePath string, mode Mode, bus *progress.Bus, name string) (Tag, error) {
	if bus != nil {
		bus.Emit(progress.Event{Import: &progress.ImportEvent{Name: name, File: &progress.ImportFileStarted{Name: name, Size: size}}})
	}

	nChunks := int((size + ChunkSize - 1) / ChunkSize)
	if size == 0 {
		nChunks = 0
	}
	leaves := make([][Size]byte, nChunks)
	present := make([]bool, nChunks)

	buf := make([]byte, ChunkSize)
	var offset int64
	for i := 0; i < nChunks; i++ {
		n, err := src.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			emitImportError(bus, name, err)
			return Tag{}, fmt.Errorf("blob: read chunk %d: %w", i, err)
		}
		chunk := buf[:n]
		leaf := leafHash(chunk)
		leaves[i] = leaf
		b := blockFromBytes(chunk, leaf)
		if err := s.bs.Put(ctx, b); err != nil {
			emitImportError(bus, name, err)
			return Tag{}, fmt.Errorf("blob: write chunk %d: %w", i, err)
		}
		present[i] = true
		offset += int64(n)
		if bus != nil {
			bus.Emit(progress.Event{Import: &progress.ImportEvent{Name: name, Progress: &progress.ImportFileProgress{Name: name, Offset: offset}}})
		}
	}
	digest := merkleRoot(asHashes(leaves))

	ob := &outboard{Size: size, ChunkSize: ChunkSize, Leaves: leaves, Present: present}
	if mode == TryReference && sourcePath != "" {
		ob.SourcePath = sourcePath
	}
	if err := s.saveOutboard(digest, ob); err != nil {
		emitImportError(bus, name, err)
		return Tag{}, err
	}

	tag := s.NewTag(digest)
	if bus != nil {
		bus.Emit(progress.Event{Import: &progress.ImportEvent{Name: name, Completed: &progress.ImportFileCompleted{Name: name}}})
		bus.Emit(progress.Event{Import: &progress.ImportEvent{Name: name, Done: &progress.ImportDone{TotalSize: size}}})
	}
	return tag, nil
}

func blockFromBytes(data []byte, leaf [Size]byte) blocks.Block {
	return rawBlock{c: chunkCID(leaf), data: append([]byte(nil), data...)}
}

type rawBlock struct {
	c    cid.Cid
	data []byte
}

func (b rawBlock) Cid() cid.Cid    { return b.c }
func (b rawBlock) RawData() []byte { return b.data }
func (b rawBlock) String() string  { return b.c.String() }
func (b rawBlock) Loggable() map[string]interface{} {
	return map[string]interface{}{"block": b.c.String()}
}

func emitImportError(bus *progress.Bus, name string, err error) {
	if bus != nil {
		bus.Emit(progress.Event{Import: &progress.ImportEvent{Name: name, Error: err}})
	}
}

func emitExportError(bus *progress.Bus, name string, err error) {
	if bus != nil {
		bus.Emit(progress.Event{Export: &progress.ExportEvent{Name: name, Error: err}})
	}
}

// Export writes a Complete blob's content to targetPath, per spec.md
// §4.1's export operation.
func (s *Store) Export(ctx context.Context, h Hash, targetPath string, mode Mode, bus *progress.Bus, name string) error {
	ob, err := s.loadOutboard(h)
	if err != nil {
		emitExportError(bus, name, err)
		return err
	}
	if !ob.complete() {
		emitExportError(bus, name, ErrIncomplete)
		return ErrIncomplete
	}
	if bus != nil {
		bus.Emit(progress.Event{Export: &progress.ExportEvent{Name: name, File: &progress.ExportFileStarted{Name: name, Size: ob.Size}}})
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		emitExportError(bus, name, err)
		return err
	}
	f, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		emitExportError(bus, name, err)
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	var offset int64
	for i, leaf := range ob.Leaves {
		blk, err := s.bs.Get(ctx, chunkCID(leaf))
		if err != nil {
			emitExportError(bus, name, err)
			return fmt.Errorf("blob: read chunk %d: %w", i, err)
		}
		if _, err := w.Write(blk.RawData()); err != nil {
			emitExportError(bus, name, err)
			return err
		}
		offset += int64(len(blk.RawData()))
		if bus != nil {
			bus.Emit(progress.Event{Export: &progress.ExportEvent{Name: name, Progress: &progress.ExportFileProgress{Name: name, Offset: offset}}})
		}
	}
	if err := w.Flush(); err != nil {
		emitExportError(bus, name, err)
		return err
	}
	if bus != nil {
		bus.Emit(progress.Event{Export: &progress.ExportEvent{Name: name, Completed: &progress.ExportFileCompleted{Name: name}}})
		bus.Emit(progress.Event{Export: &progress.ExportEvent{Name: name, Done: &struct{}{}}})
	}
	return nil
}

// PutVerifiedChunk writes one network-received chunk after checking that
// proof, the chunk's Merkle inclusion proof, actually resolves to h — the
// blob's root hash — rather than trusting whatever the sender claims. It
// is the primitive package fetcher's chunked download loop calls back
// into per chunk; spec.md §4.1 describes the whole streaming operation as
// C1's responsibility, but since it also needs the transport connection
// (C4) the orchestration loop lives in fetcher (see DESIGN.md).
func (s *Store) PutVerifiedChunk(ctx context.Context, h Hash, totalSize int64, i int, data []byte, proof []ProofStep) error {
	ob, err := s.loadOutboard(h)
	if errors.Is(err, ErrNotFound) {
		n := int((totalSize + ChunkSize - 1) / ChunkSize)
		ob = &outboard{Size: totalSize, ChunkSize: ChunkSize, Leaves: make([][Size]byte, n), Present: make([]bool, n)}
	} else if err != nil {
		return err
	}
	if i < 0 || i >= len(ob.Present) {
		return fmt.Errorf("blob: chunk index %d out of range", i)
	}
	leaf := leafHash(data)
	if !verifyProof(leaf, proof, h) {
		return fmt.Errorf("%w: chunk %d does not verify against the blob's root hash", ErrHashMismatch, i)
	}
	if ob.Present[i] && ob.Leaves[i] != leaf {
		// Resuming into a slot that already has a different verified leaf
		// should never happen; treat it as corruption rather than silently
		// overwrite.
		return fmt.Errorf("%w: chunk %d already verified with a different leaf", ErrHashMismatch, i)
	}
	ob.Leaves[i] = leaf
	ob.Present[i] = true
	b := blockFromBytes(data, leaf)
	if err := s.bs.Put(ctx, b); err != nil {
		return err
	}
	return s.saveOutboard(h, ob)
}

// Proof returns the Merkle inclusion proof for chunk index i of h, derived
// from the outboard's stored leaf hashes. A provider calls this to attach
// proof to the chunk it serves; see internal/wire's chunk response.
func (s *Store) Proof(h Hash, i int) ([]ProofStep, error) {
	ob, err := s.loadOutboard(h)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(ob.Leaves) {
		return nil, fmt.Errorf("blob: chunk index %d out of range", i)
	}
	return merkleProof(asHashes(ob.Leaves), i), nil
}

// NewTag pins h under a tag named by h's hex form; pinning the same hash
// again reuses that tag.
func (s *Store) NewTag(h Hash) Tag {
	name := h.String()
	s.mu.Lock()
	s.tags[name] = h
	s.mu.Unlock()
	_ = s.ds.Put(context.Background(), tagKey(name), h[:])
	return Tag{Name: name, Hash: h}
}

// NamedTag pins h under an explicit name, replacing any prior tag of that
// name. Collection.Store uses this to make the Collection's tag the one
// stable handle that transitively protects every member blob.
func (s *Store) NamedTag(name string, h Hash) Tag {
	s.mu.Lock()
	s.tags[name] = h
	s.mu.Unlock()
	_ = s.ds.Put(context.Background(), tagKey(name), h[:])
	return Tag{Name: name, Hash: h}
}

// DropTag removes the pin. The referenced blob is not deleted here; this
// store does not implement an active GC sweep (out of spec scope); it
// only tracks which hashes remain pinned.
func (s *Store) DropTag(name string) {
	s.mu.Lock()
	delete(s.tags, name)
	s.mu.Unlock()
	_ = s.ds.Delete(context.Background(), tagKey(name))
}

// Tags lists every currently pinned tag, sorted by name for determinism.
func (s *Store) Tags() []Tag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tag, 0, len(s.tags))
	for name, h := range s.tags {
		out = append(out, Tag{Name: name, Hash: h})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ReadAll loads a Complete blob fully into memory; used for small blobs
// such as a Collection's own serialized bytes.
func (s *Store) ReadAll(ctx context.Context, h Hash) ([]byte, error) {
	ob, err := s.loadOutboard(h)
	if err != nil {
		return nil, err
	}
	if !ob.complete() {
		return nil, ErrIncomplete
	}
	out := make([]byte, 0, ob.Size)
	for i, leaf := range ob.Leaves {
		blk, err := s.bs.Get(ctx, chunkCID(leaf))
		if err != nil {
			return nil, fmt.Errorf("blob: read chunk %d: %w", i, err)
		}
		out = append(out, blk.RawData()...)
	}
	return out, nil
}
