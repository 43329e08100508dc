package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateGetList(t *testing.T) {
	r := NewRegistry()
	t1, _ := r.Create(Send, "/tmp/a")
	t2, _ := r.Create(Receive, "/tmp/b")

	got, ok := r.Get(t1.ID)
	require.True(t, ok)
	require.Equal(t, Send, got.Kind)

	list := r.List()
	require.Len(t, list, 2)
	ids := map[string]bool{t1.ID.String(): true, t2.ID.String(): true}
	for _, tr := range list {
		require.True(t, ids[tr.ID.String()])
	}
}

func TestHandleUpdateMutatesRegistryCopy(t *testing.T) {
	r := NewRegistry()
	_, handle := r.Create(Send, "/tmp/a")

	handle.Update(func(t *Transfer) {
		t.Status = StatusCompleted
		t.BytesDone = 42
	})

	snap, ok := r.Get(handle.id)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, snap.Status)
	require.Equal(t, int64(42), snap.BytesDone)
}

func TestAbortClosesChannelOnce(t *testing.T) {
	r := NewRegistry()
	transfer, handle := r.Create(Send, "/tmp/a")

	select {
	case <-handle.Aborted():
		t.Fatal("should not be aborted yet")
	default:
	}

	transfer.Abort()
	transfer.Abort() // must not panic on double-close

	select {
	case <-handle.Aborted():
	default:
		t.Fatal("expected aborted channel to be closed")
	}
}

func TestClearRemovesTransfer(t *testing.T) {
	r := NewRegistry()
	transfer, _ := r.Create(Send, "/tmp/a")
	r.Clear(transfer.ID)

	_, ok := r.Get(transfer.ID)
	require.False(t, ok)
}

func TestAbortedOnUnknownHandleIsAlreadyClosed(t *testing.T) {
	r := NewRegistry()
	transfer, handle := r.Create(Send, "/tmp/a")
	r.Clear(transfer.ID)

	select {
	case <-handle.Aborted():
	default:
		t.Fatal("expected a closed channel for a cleared transfer")
	}
}
