// Package progress implements the single typed event stream (§4.7 of the
// design) shared by the blob store, the provider and the fetcher. It
// mirrors the notify-callback-over-pointer-union shape node.Notify used in
// the exchange this project grew out of: one envelope struct per category,
// each field a pointer to an optional variant.
package progress

import (
	"github.com/hannahhoward/go-pubsub"
	"github.com/rs/zerolog/log"
)

// Event is the single sum type flowing through a transfer's progress bus.
// Exactly one top-level field is set.
type Event struct {
	Import     *ImportEvent
	Export     *ExportEvent
	Download   *DownloadEvent
	Connection *ConnectionEvent
	Discovery  *DiscoveryEvent
}

// DiscoveryEvent reports LAN device-table and ticket-handoff transitions
// (spec.md §4.8). Exactly one field is set per event.
type DiscoveryEvent struct {
	DeviceDiscovered *DeviceSnapshot
	DeviceUpdated    *DeviceSnapshot
	DeviceExpired    *DeviceSnapshot
	TicketReceived   *TicketReceived
}

// DeviceSnapshot is the device-table row at the moment of the event.
type DeviceSnapshot struct {
	Fingerprint string
	Alias       string
	DeviceType  string
	IP          string
	HTTPPort    int
	LastSeenMs  int64
	Available   bool
}

// TicketReceived reports an inbound ticket push over the LAN HTTP surface.
type TicketReceived struct {
	From    string
	Ticket  string
	Message string
}

// ImportEvent reports progress for one import of a named entry into the
// blob store. Exactly one field is set per event.
type ImportEvent struct {
	Name      string
	Started   *ImportStarted
	File      *ImportFileStarted
	Progress  *ImportFileProgress
	Completed *ImportFileCompleted
	Done      *ImportDone
	Error     error
}

type ImportStarted struct{ TotalFiles int }
type ImportFileStarted struct {
	Name string
	Size int64
}
type ImportFileProgress struct {
	Name   string
	Offset int64
}
type ImportFileCompleted struct{ Name string }
type ImportDone struct{ TotalSize int64 }

// ExportEvent mirrors ImportEvent for the write-out side.
type ExportEvent struct {
	Name      string
	Started   *ExportStarted
	File      *ExportFileStarted
	Progress  *ExportFileProgress
	Completed *ExportFileCompleted
	Done      *struct{}
	Error     error
}

type ExportStarted struct{ TotalFiles int }
type ExportFileStarted struct {
	Name string
	Size int64
}
type ExportFileProgress struct {
	Name   string
	Offset int64
}
type ExportFileCompleted struct{ Name string }

// DownloadEvent reports the receiver's state machine transitions.
type DownloadEvent struct {
	Connecting   bool
	GettingSizes bool
	Metadata     *DownloadMetadata
	Downloading  *Downloading
	Completed    bool
}

type DownloadMetadata struct {
	TotalSize int64
	FileCount int
	Names     []string
}

type Downloading struct {
	Offset int64
	Total  int64
}

// ConnectionEvent reports provider-side connection and request lifecycle.
type ConnectionEvent struct {
	ClientConnected   *ClientConnected
	ConnectionClosed  *ConnectionClosed
	RequestStarted    *RequestStarted
	RequestProgress   *RequestProgress
	RequestCompleted  *RequestCompleted
}

type ClientConnected struct {
	PeerID string
	ConnID uint64
}
type ConnectionClosed struct{ ConnID uint64 }
type RequestStarted struct {
	ConnID uint64
	ReqID  uint64
	Hash   string
	Size   int64
}
type RequestProgress struct {
	ConnID uint64
	ReqID  uint64
	Offset int64
}
type RequestCompleted struct {
	ConnID uint64
	ReqID  uint64
}

// isTerminal reports whether e is one of the events §4.7 forbids dropping:
// Completed variants, FileCompleted, ConnectionClosed and RequestCompleted,
// plus import and export Error events.
func (e Event) isTerminal() bool {
	switch {
	case e.Import != nil:
		return e.Import.Completed != nil || e.Import.Done != nil || e.Import.Error != nil
	case e.Export != nil:
		return e.Export.Completed != nil || e.Export.Done != nil || e.Export.Error != nil
	case e.Download != nil:
		return e.Download.Completed
	case e.Connection != nil:
		return e.Connection.ConnectionClosed != nil || e.Connection.RequestCompleted != nil
	}
	return false
}

// subscriberConverter adapts a func(Event) subscriber to go-pubsub's
// reflection based dispatch.
func subscriberConverter(event interface{}, subscriberFn interface{}) error {
	evt, ok := event.(Event)
	if !ok {
		return nil
	}
	fn, ok := subscriberFn.(func(Event))
	if !ok {
		return nil
	}
	fn(evt)
	return nil
}

// Bus is a bounded, per-transfer progress channel with fan-out to any
// number of additional subscribers (UIs, loggers, test harnesses).
type Bus struct {
	ch chan Event
	ps *pubsub.PubSub
}

// MinCapacity is the smallest channel depth the contract in §4.7/§5 allows;
// NewBus clamps below this so terminal events always have room to drain.
const MinCapacity = 32

// NewBus allocates a progress bus with the given channel capacity (clamped
// to at least MinCapacity).
func NewBus(capacity int) *Bus {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	return &Bus{
		ch: make(chan Event, capacity),
		ps: pubsub.New(subscriberConverter),
	}
}

// Subscribe registers fn to receive every event published on the bus. The
// returned function unsubscribes.
func (b *Bus) Subscribe(fn func(Event)) func() {
	sub := b.ps.Subscribe(fn)
	return func() { sub.Unsubscribe() }
}

// Emit publishes e. A terminal event (see isTerminal) blocks until the
// bounded channel has room. A non-terminal event is dropped from the
// channel if it is full, per §4.7's backpressure contract; subscribers
// added via Subscribe still see it.
func (b *Bus) Emit(e Event) {
	b.ps.Publish(e)
	if e.isTerminal() {
		b.ch <- e
		return
	}
	select {
	case b.ch <- e:
	default:
		log.Debug().Interface("event", e).Msg("progress channel full, dropping")
	}
}

// Events returns the channel consumers should range over.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Close releases the bus. No further events may be emitted.
func (b *Bus) Close() {
	b.ps.Shutdown()
	close(b.ch)
}
