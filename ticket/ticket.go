// Package ticket implements C3: the opaque, user-visible wire form
// encoding {peer_id, addressing hints, root hash, format}. Encoding uses
// multiformats/go-multibase exactly as the rest of the content-addressing
// stack renders itself (blob.Hash.Multibase, go-cid) so a ticket reads as
// one more multibase-prefixed token in the same family.
package ticket

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	mbase "github.com/multiformats/go-multibase"
	"github.com/myelnet/beam/blob"
)

// Format selects whether Hash addresses a single blob or a Collection.
type Format uint8

const (
	// Raw means Hash addresses a single blob directly.
	Raw Format = iota
	// HashSeq means Hash addresses a Collection blob. The core always
	// produces HashSeq for multi-file transfers; Raw is accepted on input.
	HashSeq
)

// Hint selects which addressing fields a Ticket carries, letting the
// sender control what a receiver learns (spec.md §4.3).
type Hint uint8

const (
	// IdOnly carries only the peer id; the fetcher must resolve the peer
	// through an external discovery mechanism.
	IdOnly Hint = iota
	// RelayOnly carries the peer id and relay URLs.
	RelayOnly
	// AddressesOnly carries the peer id and direct UDP/TCP addresses.
	AddressesOnly
	// RelayAndAddresses carries both; this is the default.
	RelayAndAddresses
)

// PeerIDSize is the raw Ed25519 public key length used as a peer id.
const PeerIDSize = 32

// Addr is the peer addressing block a Ticket carries.
type Addr struct {
	PeerID      [PeerIDSize]byte
	RelayURLs   []string
	DirectAddrs []string // multiaddr string form, e.g. "/ip4/10.0.0.5/tcp/4242"
}

// Filter returns a copy of a keeping only the fields hint allows.
func (a Addr) Filter(hint Hint) Addr {
	out := Addr{PeerID: a.PeerID}
	switch hint {
	case RelayOnly:
		out.RelayURLs = append([]string(nil), a.RelayURLs...)
	case AddressesOnly:
		out.DirectAddrs = append([]string(nil), a.DirectAddrs...)
	case RelayAndAddresses:
		out.RelayURLs = append([]string(nil), a.RelayURLs...)
		out.DirectAddrs = append([]string(nil), a.DirectAddrs...)
	case IdOnly:
		// neither field set
	}
	return out
}

// Empty reports whether a carries neither relay nor direct addressing,
// the condition under which a Fetcher must fall back to peer-id discovery.
func (a Addr) Empty() bool {
	return len(a.RelayURLs) == 0 && len(a.DirectAddrs) == 0
}

// Ticket is the value type decoded from / encoded to the wire string.
// Copies are unrestricted (spec.md §3 Ownership).
type Ticket struct {
	Addr   Addr
	Hash   blob.Hash
	Format Format
}

// receivePrefix is the optional leading command text tickets tolerate,
// e.g. when a user pastes `receive beam:...` verbatim.
const receivePrefix = "receive "

const wireVersion = 1

// ErrInvalidTicket is returned when the string fails to parse.
var ErrInvalidTicket = errors.New("ticket: invalid ticket")

// ErrUnsupportedFormat is returned when the decoded format byte is not
// one of the two accepted values.
var ErrUnsupportedFormat = errors.New("ticket: unsupported format")

// New builds a Ticket, applying hint to addr before storing it — the
// sender selects the hint set at creation time per spec.md §4.3.
func New(addr Addr, hash blob.Hash, format Format, hint Hint) Ticket {
	return Ticket{Addr: addr.Filter(hint), Hash: hash, Format: format}
}

func writeLPString(buf *bytes.Buffer, s string) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

func readLPString(r *bytes.Reader) (string, error) {
	var l [4]byte
	if _, err := r.Read(l[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(l[:])
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil && n > 0 {
		return "", err
	}
	return string(buf), nil
}

// String renders the ticket to its wire form: "beam:" followed by a
// multibase-encoded payload of {version, format, peer_id, addr block, hash}.
func (t Ticket) String() string {
	var buf bytes.Buffer
	buf.WriteByte(wireVersion)
	buf.WriteByte(byte(t.Format))
	buf.Write(t.Addr.PeerID[:])

	var relayCount [4]byte
	binary.BigEndian.PutUint32(relayCount[:], uint32(len(t.Addr.RelayURLs)))
	buf.Write(relayCount[:])
	for _, u := range t.Addr.RelayURLs {
		writeLPString(&buf, u)
	}
	var addrCount [4]byte
	binary.BigEndian.PutUint32(addrCount[:], uint32(len(t.Addr.DirectAddrs)))
	buf.Write(addrCount[:])
	for _, a := range t.Addr.DirectAddrs {
		writeLPString(&buf, a)
	}
	buf.Write(t.Hash[:])

	encoded, err := mbase.Encode(mbase.Base32, buf.Bytes())
	if err != nil {
		// Base32 encoding of arbitrary bytes cannot fail; keep the panic
		// local and obvious rather than threading an unreachable error.
		panic(fmt.Sprintf("ticket: multibase encode: %v", err))
	}
	return "beam:" + encoded
}

// Parse decodes a wire string back into a Ticket, forming a round-trip
// with String per spec.md §4.3: parse(new(a,h,f).to_string()) = (a,h,f).
// Surrounding whitespace and an optional leading "receive " are stripped;
// parsing is otherwise case-sensitive.
func Parse(s string) (Ticket, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, receivePrefix)
	s = strings.TrimSpace(s)

	const wirePrefix = "beam:"
	if !strings.HasPrefix(s, wirePrefix) {
		return Ticket{}, fmt.Errorf("%w: missing beam: prefix", ErrInvalidTicket)
	}
	_, payload, err := mbase.Decode(s[len(wirePrefix):])
	if err != nil {
		return Ticket{}, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}

	r := bytes.NewReader(payload)
	version, err := r.ReadByte()
	if err != nil || version != wireVersion {
		return Ticket{}, fmt.Errorf("%w: unsupported wire version", ErrInvalidTicket)
	}
	formatByte, err := r.ReadByte()
	if err != nil {
		return Ticket{}, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	format := Format(formatByte)
	if format != Raw && format != HashSeq {
		return Ticket{}, fmt.Errorf("%w: format %d", ErrUnsupportedFormat, formatByte)
	}

	var t Ticket
	t.Format = format
	if _, err := r.Read(t.Addr.PeerID[:]); err != nil {
		return Ticket{}, fmt.Errorf("%w: truncated peer id", ErrInvalidTicket)
	}

	var relayCount [4]byte
	if _, err := r.Read(relayCount[:]); err != nil {
		return Ticket{}, fmt.Errorf("%w: truncated relay count", ErrInvalidTicket)
	}
	for i := uint32(0); i < binary.BigEndian.Uint32(relayCount[:]); i++ {
		u, err := readLPString(r)
		if err != nil {
			return Ticket{}, fmt.Errorf("%w: truncated relay url", ErrInvalidTicket)
		}
		t.Addr.RelayURLs = append(t.Addr.RelayURLs, u)
	}
	var addrCount [4]byte
	if _, err := r.Read(addrCount[:]); err != nil {
		return Ticket{}, fmt.Errorf("%w: truncated addr count", ErrInvalidTicket)
	}
	for i := uint32(0); i < binary.BigEndian.Uint32(addrCount[:]); i++ {
		a, err := readLPString(r)
		if err != nil {
			return Ticket{}, fmt.Errorf("%w: truncated direct addr", ErrInvalidTicket)
		}
		t.Addr.DirectAddrs = append(t.Addr.DirectAddrs, a)
	}
	if _, err := r.Read(t.Hash[:]); err != nil {
		return Ticket{}, fmt.Errorf("%w: truncated hash", ErrInvalidTicket)
	}
	if r.Len() != 0 {
		return Ticket{}, fmt.Errorf("%w: trailing bytes", ErrInvalidTicket)
	}
	return t, nil
}
