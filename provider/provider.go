// Package provider implements C5: the sender side state machine of
// spec.md §4.5. It imports a path into a blob store, builds a Collection
// (a one-entry Collection for a single file), mints a Ticket, and serves chunk
// requests over a transport.Endpoint — grounded on node.New's
// Add/Pack/Push pipeline in popn.go (parallel import, a Notify callback
// per stage) and exchange/replication.go's stream-serving loop.
package provider

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/myelnet/beam/blob"
	"github.com/myelnet/beam/collection"
	"github.com/myelnet/beam/internal/wire"
	"github.com/myelnet/beam/internal/workdir"
	"github.com/myelnet/beam/progress"
	"github.com/myelnet/beam/session"
	"github.com/myelnet/beam/ticket"
	"github.com/myelnet/beam/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// SendArgs configures a single send operation, per spec.md §4.5.
type SendArgs struct {
	Path string
	Hint ticket.Hint
	// WorkBase is the parent directory the send's working directory is
	// created under; defaults to os.TempDir when empty.
	WorkBase string
}

// SendResult is returned once the Collection has been
// imported and the Ticket is ready to hand to a receiver. The provider
// keeps serving requests after returning this; callers use the Transfer
// handle to observe completion or cancel.
type SendResult struct {
	Ticket  ticket.Ticket
	Handle  session.Handle
	Transfer uuid.UUID
}

// Provider owns one Endpoint and the blob stores backing every active
// send session on it.
type Provider struct {
	ep       *transport.Endpoint
	registry *session.Registry
	bus      *progress.Bus

	connCounter uint64
	reqCounter  uint64
}

// New wraps an already-bound Endpoint. The caller retains ownership of
// ep's lifecycle.
func New(ep *transport.Endpoint, registry *session.Registry, bus *progress.Bus) *Provider {
	return &Provider{ep: ep, registry: registry, bus: bus}
}

// activeSend is the state a running send session keeps alive for the
// lifetime of its serving loop.
type activeSend struct {
	store  *blob.Store
	root   blob.Hash
	format ticket.Format
	work   *workdir.Dir
}

// Send imports args.Path, builds a Ticket for it, and begins serving
// requests in the background. It returns once the import completes and
// the Ticket is ready; serving continues until ctx is cancelled or the
// Transfer is aborted.
func (p *Provider) Send(ctx context.Context, args SendArgs) (SendResult, error) {
	base := args.WorkBase
	if base == "" {
		base = os.TempDir()
	}
	work, err := workdir.NewSend(base)
	if err != nil {
		return SendResult{}, fmt.Errorf("provider: %w", err)
	}

	store, err := blob.Open(filepath.Join(work.Path, "store"))
	if err != nil {
		work.Remove()
		return SendResult{}, fmt.Errorf("provider: open store: %w", err)
	}

	transfer, handle := p.registry.Create(session.Send, args.Path)
	handle.Update(func(t *session.Transfer) { t.Status = session.StatusRunning })

	root, format, err := p.importPath(ctx, store, args.Path)
	if err != nil {
		store.Close()
		work.Remove()
		handle.Update(func(t *session.Transfer) {
			t.Status = session.StatusError
			t.ErrorText = err.Error()
		})
		return SendResult{}, err
	}

	addr := p.ep.Addr()
	tk := ticket.New(addr, root, format, args.Hint)

	handle.Update(func(t *session.Transfer) {
		t.Status = session.StatusRunning
		t.Ticket = tk.String()
	})

	as := &activeSend{store: store, root: root, format: format, work: work}
	go p.serve(ctx, as, handle)

	return SendResult{Ticket: tk, Handle: handle, Transfer: transfer.ID}, nil
}

// importPath always produces a HashSeq Collection, a single entry for a
// lone file or one per regular file under a directory, mirroring popn.go's
// Add-then-Pack sequence.
func (p *Provider) importPath(ctx context.Context, store *blob.Store, path string) (blob.Hash, ticket.Format, error) {
	info, err := os.Stat(path)
	if err != nil {
		return blob.Hash{}, 0, fmt.Errorf("provider: stat %s: %w", path, err)
	}

	if !info.IsDir() {
		logDetectedType(path)
		name := filepath.Base(path)
		tag, err := store.AddPath(ctx, path, blob.Copy, p.bus, name)
		if err != nil {
			return blob.Hash{}, 0, err
		}
		// A lone file still goes out as a one-entry Collection, not a bare
		// Raw blob, so the receiver has a name to export under instead of
		// falling back to the hex hash (spec.md §8 Scenario 1).
		col, err := collection.FromEntries([]collection.Entry{{Name: name, Hash: tag.Hash, Size: info.Size()}})
		if err != nil {
			return blob.Hash{}, 0, err
		}
		_, root, err := collection.Store(ctx, col, store, p.bus)
		if err != nil {
			return blob.Hash{}, 0, err
		}
		return root, ticket.HashSeq, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return blob.Hash{}, 0, fmt.Errorf("provider: walk %s: %w", path, err)
	}

	if p.bus != nil {
		p.bus.Emit(progress.Event{Import: &progress.ImportEvent{Started: &progress.ImportStarted{TotalFiles: len(files)}}})
	}

	entries := make([]collection.Entry, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			rel, err := filepath.Rel(filepath.Dir(path), f)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			logDetectedType(f)
			tag, err := store.AddPath(gctx, f, blob.Copy, p.bus, rel)
			if err != nil {
				return err
			}
			fi, err := os.Stat(f)
			if err != nil {
				return err
			}
			entries[i] = collection.Entry{Name: rel, Hash: tag.Hash, Size: fi.Size()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return blob.Hash{}, 0, fmt.Errorf("provider: import %s: %w", path, err)
	}

	col, err := collection.FromEntries(entries)
	if err != nil {
		return blob.Hash{}, 0, err
	}
	_, root, err := collection.Store(ctx, col, store, p.bus)
	if err != nil {
		return blob.Hash{}, 0, err
	}
	return root, ticket.HashSeq, nil
}

// logDetectedType sniffs a file's content type purely for operator
// visibility; it has no bearing on import correctness or the wire
// format, unlike spec.md's hash-addressed content model.
func logDetectedType(path string) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return
	}
	log.Debug().Str("path", path).Str("type", mt.String()).Msg("provider: importing")
}

// serve accepts inbound streams and dispatches them to handleStream until
// the transfer's abort channel closes or ctx is done. Each stream is one
// connection's worth of requests, per exchange/replication.go's
// one-goroutine-per-stream pattern.
func (p *Provider) serve(ctx context.Context, as *activeSend, handle session.Handle) {
	defer as.store.Close()
	defer as.work.Remove()

	streams := p.ep.Accept(transport.ALPN)
	for {
		select {
		case <-ctx.Done():
			handle.Update(func(t *session.Transfer) { t.Status = session.StatusCancelled })
			return
		case <-handle.Aborted():
			handle.Update(func(t *session.Transfer) { t.Status = session.StatusCancelled })
			return
		case s, ok := <-streams:
			if !ok {
				return
			}
			connID := atomic.AddUint64(&p.connCounter, 1)
			if p.bus != nil {
				p.bus.Emit(progress.Event{Connection: &progress.ConnectionEvent{
					ClientConnected: &progress.ClientConnected{PeerID: s.Conn().RemotePeer().String(), ConnID: connID},
				}})
			}
			go p.handleStream(as, s, connID)
		}
	}
}

func (p *Provider) handleStream(as *activeSend, s network.Stream, connID uint64) {
	defer s.Close()
	defer func() {
		if p.bus != nil {
			p.bus.Emit(progress.Event{Connection: &progress.ConnectionEvent{
				ConnectionClosed: &progress.ConnectionClosed{ConnID: connID},
			}})
		}
	}()

	for {
		req, err := wire.ReadRequest(s)
		if err != nil {
			return
		}
		reqID := atomic.AddUint64(&p.reqCounter, 1)

		h, err := blob.HashFromHex(req.Hash)
		if err != nil {
			wire.WriteResponse(s, err.Error(), nil)
			continue
		}

		if req.Kind == wire.RequestManifest {
			data, err := as.store.ReadAll(context.Background(), h)
			if err != nil {
				wire.WriteResponse(s, err.Error(), nil)
				continue
			}
			wire.WriteResponse(s, "", data)
			continue
		}

		if req.Kind == wire.RequestSize {
			ob, err := as.store.Status(h)
			if err != nil || ob == blob.Missing {
				wire.WriteSizeResponse(s, fmt.Sprintf("unknown hash %s", req.Hash), 0)
				continue
			}
			size, err := as.blobSize(h)
			if err != nil {
				wire.WriteSizeResponse(s, err.Error(), 0)
				continue
			}
			wire.WriteSizeResponse(s, "", size)
			continue
		}

		if p.bus != nil {
			p.bus.Emit(progress.Event{Connection: &progress.ConnectionEvent{
				RequestStarted: &progress.RequestStarted{ConnID: connID, ReqID: reqID, Hash: req.Hash},
			}})
		}
		data, err := as.readChunk(h, req.Index)
		if err != nil {
			wire.WriteResponse(s, err.Error(), nil)
			continue
		}
		proof, err := as.store.Proof(h, req.Index)
		if err != nil {
			wire.WriteResponse(s, err.Error(), nil)
			continue
		}
		if err := wire.WriteChunkResponse(s, "", data, proof); err != nil {
			return
		}
		if p.bus != nil {
			p.bus.Emit(progress.Event{Connection: &progress.ConnectionEvent{
				RequestCompleted: &progress.RequestCompleted{ConnID: connID, ReqID: reqID},
			}})
		}
	}
}

// blobSize reports the total size of a known hash via its outboard
// record, without reading any chunk content.
func (as *activeSend) blobSize(h blob.Hash) (int64, error) {
	spec, err := as.store.MissingRanges(h, 0)
	if err != nil {
		return 0, err
	}
	return spec.Size, nil
}

// readChunk reads one ChunkSize slice of a Complete blob. A provider only
// ever serves chunks of blobs it has fully imported, per spec.md §4.6.
func (as *activeSend) readChunk(h blob.Hash, index int) ([]byte, error) {
	full, err := as.store.ReadAll(context.Background(), h)
	if err != nil {
		return nil, err
	}
	start := index * blob.ChunkSize
	if start >= len(full) {
		return nil, fmt.Errorf("provider: chunk index %d out of range", index)
	}
	end := start + blob.ChunkSize
	if end > len(full) {
		end = len(full)
	}
	return full[start:end], nil
}
