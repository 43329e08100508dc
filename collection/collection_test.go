package collection

import (
	"context"
	"testing"

	"github.com/myelnet/beam/blob"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	valid := []string{"a", "dir/b.txt", "a/b/c"}
	for _, n := range valid {
		require.NoError(t, ValidateName(n), n)
	}
	invalid := []string{"", "a//b", "../a", "a/../b", "a\\b", "."}
	for _, n := range invalid {
		require.Error(t, ValidateName(n), n)
	}
}

func TestFromEntriesSortsAndSumsSizes(t *testing.T) {
	entries := []Entry{
		{Name: "zebra", Hash: blob.HashBytes([]byte("z")), Size: 1},
		{Name: "apple", Hash: blob.HashBytes([]byte("a")), Size: 2},
		{Name: "mango", Hash: blob.HashBytes([]byte("m")), Size: 3},
	}
	c, err := FromEntries(entries)
	require.NoError(t, err)
	require.Equal(t, []string{"apple", "mango", "zebra"}, c.Names())
	require.Equal(t, int64(6), c.PayloadSize())
}

func TestFromEntriesRejectsDuplicate(t *testing.T) {
	entries := []Entry{
		{Name: "a", Hash: blob.HashBytes([]byte("1")), Size: 1},
		{Name: "a", Hash: blob.HashBytes([]byte("2")), Size: 1},
	}
	_, err := FromEntries(entries)
	require.ErrorIs(t, err, ErrDuplicateName)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c, err := FromEntries([]Entry{
		{Name: "a.txt", Hash: blob.HashBytes([]byte("1")), Size: 10},
		{Name: "dir/b.txt", Hash: blob.HashBytes([]byte("2")), Size: 20},
	})
	require.NoError(t, err)

	raw := c.encode()
	decoded, err := decode(raw)
	require.NoError(t, err)
	require.Equal(t, c.Iter(), decoded.Iter())
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	_, err := decode([]byte("not a collection"))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	c, err := FromEntries([]Entry{{Name: "a", Hash: blob.HashBytes([]byte("x")), Size: 1}})
	require.NoError(t, err)
	raw := append(c.encode(), 0xFF)
	_, err = decode(raw)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestStoreLoadRoundTrip(t *testing.T) {
	store, err := blob.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	c, err := FromEntries([]Entry{
		{Name: "one.txt", Hash: blob.HashBytes([]byte("one")), Size: 3},
		{Name: "two.txt", Hash: blob.HashBytes([]byte("two")), Size: 3},
	})
	require.NoError(t, err)

	_, root, err := Store(ctx, c, store, nil)
	require.NoError(t, err)

	loaded, err := Load(ctx, root, store)
	require.NoError(t, err)
	require.Equal(t, c.Iter(), loaded.Iter())
}
