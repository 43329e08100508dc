// Package collection implements C2: an ordered (name, Hash) manifest
// stored as a blob of its own, the same "small fixed record, hand-rolled
// wire encoding" approach the teacher takes for on-the-wire voucher
// structs in exchange/replication.go (Request's CBOR framing) — here a
// flat length-prefixed binary layout since CBOR code generation buys
// nothing for two fixed shapes.
package collection

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/myelnet/beam/blob"
	"github.com/myelnet/beam/progress"
)

var (
	// ErrInvalidName is returned when a path component violates spec.md §3.
	ErrInvalidName = errors.New("collection: invalid name")
	// ErrDuplicateName is returned by FromEntries when two entries share a name.
	ErrDuplicateName = errors.New("collection: duplicate name")
	// ErrMalformed is returned by Load when the decoded bytes are structurally invalid.
	ErrMalformed = errors.New("collection: malformed collection blob")
)

const magic = "BEAMCOL1"

// Entry is one (name, hash) member of a Collection.
type Entry struct {
	Name string
	Hash blob.Hash
	Size int64
}

// Collection is an ordered, deduplicated list of Entries — spec.md §3.
type Collection struct {
	entries []Entry
}

// ValidateName checks one collection name against spec.md §3: a
// slash-separated relative path whose components are non-empty, contain
// neither '/' nor '\' nor NUL, and are not "." or "..".
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" {
			return fmt.Errorf("%w: %q has an empty path component", ErrInvalidName, name)
		}
		if strings.ContainsAny(part, "\\\x00") {
			return fmt.Errorf("%w: %q contains a disallowed character", ErrInvalidName, name)
		}
		if part == "." || part == ".." {
			return fmt.Errorf("%w: %q contains a relative path component", ErrInvalidName, name)
		}
	}
	return nil
}

// FromEntries builds a Collection from an unordered set of entries,
// validating names and sorting lexicographically by byte value, as
// spec.md §3 requires at store time. A zero-entry Collection is legal.
func FromEntries(entries []Entry) (*Collection, error) {
	out := make([]Entry, len(entries))
	copy(out, entries)
	seen := make(map[string]struct{}, len(out))
	for _, e := range out {
		if err := ValidateName(e.Name); err != nil {
			return nil, err
		}
		if _, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return &Collection{entries: out}, nil
}

// Iter returns the entries in stored order.
func (c *Collection) Iter() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len reports the number of entries.
func (c *Collection) Len() int { return len(c.entries) }

// PayloadSize sums the sizes of every member blob (excluding the
// Collection blob itself).
func (c *Collection) PayloadSize() int64 {
	var total int64
	for _, e := range c.entries {
		total += e.Size
	}
	return total
}

// Names returns just the name column, in stored order.
func (c *Collection) Names() []string {
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Name
	}
	return out
}

// encode renders the deterministic wire form:
// magic | uint32(count) | per-entry: uint32(len(name)) | name | 32-byte hash | uint64(size)
func (c *Collection) encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(magic)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(c.entries)))
	buf.Write(hdr[:])
	for _, e := range c.entries {
		var nameLen [4]byte
		binary.BigEndian.PutUint32(nameLen[:], uint32(len(e.Name)))
		buf.Write(nameLen[:])
		buf.WriteString(e.Name)
		buf.Write(e.Hash[:])
		var size [8]byte
		binary.BigEndian.PutUint64(size[:], uint64(e.Size))
		buf.Write(size[:])
	}
	return buf.Bytes()
}

func decode(b []byte) (*Collection, error) {
	if len(b) < len(magic)+4 || string(b[:len(magic)]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	r := b[len(magic):]
	count := binary.BigEndian.Uint32(r[:4])
	r = r[4:]
	entries := make([]Entry, 0, count)
	seen := make(map[string]struct{}, count)
	for i := uint32(0); i < count; i++ {
		if len(r) < 4 {
			return nil, fmt.Errorf("%w: truncated name length", ErrMalformed)
		}
		nameLen := binary.BigEndian.Uint32(r[:4])
		r = r[4:]
		if uint64(len(r)) < uint64(nameLen)+blob.Size+8 {
			return nil, fmt.Errorf("%w: truncated entry", ErrMalformed)
		}
		name := string(r[:nameLen])
		r = r[nameLen:]
		if err := ValidateName(name); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrMalformed, name)
		}
		seen[name] = struct{}{}
		var h blob.Hash
		copy(h[:], r[:blob.Size])
		r = r[blob.Size:]
		size := int64(binary.BigEndian.Uint64(r[:8]))
		r = r[8:]
		entries = append(entries, Entry{Name: name, Hash: h, Size: size})
	}
	if len(r) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	for i := 1; i < len(entries); i++ {
		if !(entries[i-1].Name < entries[i].Name) {
			return nil, fmt.Errorf("%w: entries not sorted", ErrMalformed)
		}
	}
	return &Collection{entries: entries}, nil
}

// Store serializes c deterministically, writes it as a blob, and returns
// the tag pinning the resulting root hash plus the root hash itself.
// store.NamedTag is used so the Collection's tag is the single handle
// that transitively protects every member blob for as long as it lives.
func Store(ctx context.Context, c *Collection, store *blob.Store, bus *progress.Bus) (blob.Tag, blob.Hash, error) {
	raw := c.encode()
	root := blob.HashBytes(raw)
	// AddBytes already computes and pins the hash; re-tag under a stable
	// name derived from the root so callers can look it up without
	// remembering the AddBytes-assigned tag name.
	if _, err := store.AddBytes(ctx, raw, bus, "collection:"+root.String()); err != nil {
		return blob.Tag{}, blob.Hash{}, err
	}
	tag := store.NamedTag("collection:"+root.String(), root)
	return tag, root, nil
}

// Load reads the Collection blob by hash and decodes it. A structurally
// invalid payload is a fatal decode error per spec.md §4.2.
func Load(ctx context.Context, h blob.Hash, store *blob.Store) (*Collection, error) {
	raw, err := store.ReadAll(ctx, h)
	if err != nil {
		return nil, err
	}
	return decode(raw)
}
