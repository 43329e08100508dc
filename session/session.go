// Package session implements the Transfer registry of spec.md §3/§5: a
// map from a fresh UUID to a session-local record, exclusively owned by
// the registry and mutated only by the pipeline task that owns each
// record, guarded by a single-writer-many-reader lock the way the
// teacher's node struct guards nd.tx/nd.sQuote/nd.lastRef.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes a send session from a receive session.
type Kind int

const (
	Send Kind = iota
	Receive
)

// Status is the coarse lifecycle state surfaced to UIs; the detailed
// per-kind state machines live in provider/fetcher, this is their
// last-published projection.
type Status int

const (
	StatusInit Status = iota
	StatusRunning
	StatusCompleted
	StatusError
	StatusCancelled
)

// Transfer is the session-local record described in spec.md §3.
type Transfer struct {
	ID          uuid.UUID
	Kind        Kind
	Path        string
	Status      Status
	ErrorText   string
	Ticket      string
	BytesDone   int64
	BytesTotal  int64
	FilesDone   int
	FilesTotal  int
	CreatedAt   time.Time

	abort chan struct{}
	once  sync.Once
}

// Abort signals the owning pipeline task to cancel. Safe to call more
// than once; firing it after Completed is a no-op for the pipeline.
func (t *Transfer) Abort() {
	t.once.Do(func() { close(t.abort) })
}

// Aborted returns a channel closed when Abort has been called.
func (t *Transfer) Aborted() <-chan struct{} { return t.abort }

// Handle is the weak reference a pipeline task holds: enough to publish
// status updates, not enough to delete the record from the registry.
type Handle struct {
	registry *Registry
	id       uuid.UUID
}

// Update mutates the transfer's mutable fields under the registry lock.
func (h Handle) Update(fn func(t *Transfer)) {
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	if t, ok := h.registry.transfers[h.id]; ok {
		fn(t)
	}
}

// Aborted exposes the transfer's abort channel without granting delete
// rights.
func (h Handle) Aborted() <-chan struct{} {
	h.registry.mu.RLock()
	defer h.registry.mu.RUnlock()
	if t, ok := h.registry.transfers[h.id]; ok {
		return t.Aborted()
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Registry is the per-session map of Transfer records. External readers
// snapshot-read under a read lock and must never hold it across an await,
// per spec.md §5.
type Registry struct {
	mu        sync.RWMutex
	transfers map[uuid.UUID]*Transfer
}

// NewRegistry allocates an empty registry.
func NewRegistry() *Registry {
	return &Registry{transfers: make(map[uuid.UUID]*Transfer)}
}

// Create inserts a new Transfer record and returns both a pointer to that
// record itself (not a copy; its ID and Abort are what callers use) and
// the Handle its owning pipeline task should retain.
func (r *Registry) Create(kind Kind, path string) (*Transfer, Handle) {
	t := &Transfer{
		ID:        uuid.New(),
		Kind:      kind,
		Path:      path,
		Status:    StatusInit,
		CreatedAt: time.Now(),
		abort:     make(chan struct{}),
	}
	r.mu.Lock()
	r.transfers[t.ID] = t
	r.mu.Unlock()
	return t, Handle{registry: r, id: t.ID}
}

// Get returns a snapshot copy of the transfer, if present.
func (r *Registry) Get(id uuid.UUID) (Transfer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transfers[id]
	if !ok {
		return Transfer{}, false
	}
	return *t, true
}

// List returns a snapshot of every transfer currently registered.
func (r *Registry) List() []Transfer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Transfer, 0, len(r.transfers))
	for _, t := range r.transfers {
		out = append(out, *t)
	}
	return out
}

// Clear removes a transfer record explicitly; the registry, not the
// pipeline, owns deletion (spec.md §3 Ownership).
func (r *Registry) Clear(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transfers, id)
}
