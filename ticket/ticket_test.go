package ticket

import (
	"strings"
	"testing"

	"github.com/myelnet/beam/blob"
	"github.com/stretchr/testify/require"
)

func testAddr() Addr {
	var a Addr
	for i := range a.PeerID {
		a.PeerID[i] = byte(i)
	}
	a.RelayURLs = []string{"relay.example.com:443"}
	a.DirectAddrs = []string{"10.0.0.5:4242", "192.168.1.9:4242"}
	return a
}

func TestStringParseRoundTrip(t *testing.T) {
	hash := blob.HashBytes([]byte("content"))
	tk := New(testAddr(), hash, HashSeq, RelayAndAddresses)

	s := tk.String()
	require.True(t, strings.HasPrefix(s, "beam:"))

	parsed, err := Parse(s)
	require.NoError(t, err)
	require.Equal(t, tk, parsed)
}

func TestParseToleratesReceivePrefixAndWhitespace(t *testing.T) {
	hash := blob.HashBytes([]byte("content"))
	tk := New(testAddr(), hash, Raw, IdOnly)

	decorated := "  receive " + tk.String() + "  "
	parsed, err := Parse(decorated)
	require.NoError(t, err)
	require.Equal(t, tk, parsed)
}

func TestHintFiltersAddr(t *testing.T) {
	a := testAddr()

	idOnly := a.Filter(IdOnly)
	require.True(t, idOnly.Empty())

	relayOnly := a.Filter(RelayOnly)
	require.Equal(t, a.RelayURLs, relayOnly.RelayURLs)
	require.Empty(t, relayOnly.DirectAddrs)

	addrOnly := a.Filter(AddressesOnly)
	require.Equal(t, a.DirectAddrs, addrOnly.DirectAddrs)
	require.Empty(t, addrOnly.RelayURLs)
}

func TestParseRejectsBadPrefix(t *testing.T) {
	_, err := Parse("not-a-ticket")
	require.ErrorIs(t, err, ErrInvalidTicket)
}

func TestParseRejectsUnsupportedFormat(t *testing.T) {
	hash := blob.HashBytes([]byte("x"))
	tk := New(testAddr(), hash, Raw, RelayAndAddresses)
	tk.Format = Format(200) // not Raw or HashSeq
	_, err := Parse(tk.String())
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}
