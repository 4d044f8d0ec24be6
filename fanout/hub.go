// Package fanout pushes the greenhouse snapshot to live real-time clients.
//
// Architecture:
//   - The Hub tracks connected clients; Register/Unregister guard the set with one mutex
//   - Broadcast serialises the envelope once and appends it to every open client's outbox
//   - One writer goroutine per client drains its outbox in FIFO order
//   - A failed write closes and removes that client only
//
// Message envelope:
//
//	{"type":"initial"|"update","data":<snapshot>}
//
// Ordering:
//   - A client's initial message is queued under the same lock that inserts it
//     into the set, so no update can overtake it.
//   - Snapshot versions are tracked hub-wide and per client; a payload that is
//     not newer than what a client already holds is skipped.
//
// Known limitation: outboxes are unbounded and there is no backpressure. A
// stalled client's queue grows until its sink's write deadline fails.
package fanout

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"ghbridge/internal/ratelimit"
	"ghbridge/snapshot"
	"ghbridge/stats"

	jsoniter "github.com/json-iterator/go"
)

var (
	// ErrClientSink wraps a write failure on a single client.
	ErrClientSink = errors.New("client sink error")
	// ErrHubClosed is returned by Register after Close.
	ErrHubClosed = errors.New("fan-out hub closed")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageKind is the envelope "type" field.
type MessageKind string

const (
	KindInitial MessageKind = "initial"
	KindUpdate  MessageKind = "update"
)

// Envelope is the wire message sent to real-time clients.
type Envelope struct {
	Type MessageKind       `json:"type"`
	Data snapshot.Snapshot `json:"data"`
}

// Encode serialises an envelope.
func Encode(kind MessageKind, snap snapshot.Snapshot) ([]byte, error) {
	data, err := json.Marshal(Envelope{Type: kind, Data: snap})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", kind, err)
	}
	return data, nil
}

// Outcome tags the result of offering a payload to one client.
type Outcome uint8

const (
	Delivered Outcome = iota + 1
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// Skip reasons.
const (
	ReasonNotOpen = "client not open"
	ReasonStale   = "client already holds a newer snapshot"
)

// Delivery is the per-client result of a broadcast. Delivered means queued
// on the client's outbox; the write itself happens on the client's goroutine.
type Delivery struct {
	ClientID uint64
	Outcome  Outcome
	Reason   string
}

// Report summarises one Broadcast call.
type Report struct {
	Version    uint64
	Stale      bool // the hub already broadcast this or a newer version
	Bytes      int
	Deliveries []Delivery
}

// Count returns how many deliveries have the given outcome.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, d := range r.Deliveries {
		if d.Outcome == o {
			n++
		}
	}
	return n
}

// Hub represents the set of connected real-time clients.
//
// Thread Safety:
//   - mu protects clients, nextID, lastVersion, closed and every client's lastVersion
//   - Register, Broadcast, Notify and Unregister may be called from any goroutine
type Hub struct {
	store       *snapshot.Store
	tracker     *stats.Tracker
	mu          sync.Mutex
	clients     map[uint64]*Client
	nextID      uint64
	lastVersion uint64
	closed      bool
	sinkLog     *ratelimit.Counter
}

// NewHub creates a hub serving snapshots from store.
func NewHub(store *snapshot.Store, tracker *stats.Tracker) *Hub {
	return &Hub{
		store:   store,
		tracker: tracker,
		clients: make(map[uint64]*Client),
		sinkLog: ratelimit.NewCounter(10 * time.Second),
	}
}

// Purpose: Track a new client and queue its initial snapshot.
// Key aspects: Initial message is queued before the client is visible to
// Broadcast; the snapshot is read under the hub lock.
// Upstream: WebSocketHandler.ServeHTTP.
// Downstream: snapshot.Store.Read, Client.writeLoop.
func (h *Hub) Register(sink Sink, remote string) (*Client, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	snap := h.store.Read()
	data, err := Encode(KindInitial, snap)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	h.nextID++
	c := newClient(h, h.nextID, sink, remote)
	c.lastVersion = snap.Version
	c.enqueue(data)
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()

	h.tracker.ClientConnected(1)
	go c.writeLoop()
	log.Printf("Realtime: client %d connected from %s (%d connected)", c.id, remote, total)
	return c, nil
}

// Purpose: Offer a snapshot to every tracked client as an update.
// Key aspects: Serialises once; skips closed clients and clients already
// holding this version; never blocks on a client.
// Upstream: bus.Client and control.Commander via Notify.
// Downstream: Client.enqueue, stats.Tracker.RecordBroadcast.
func (h *Hub) Broadcast(snap snapshot.Snapshot) Report {
	report := Report{Version: snap.Version}

	h.mu.Lock()
	if snap.Version <= h.lastVersion && h.lastVersion != 0 {
		h.mu.Unlock()
		report.Stale = true
		return report
	}
	data, err := Encode(KindUpdate, snap)
	if err != nil {
		h.mu.Unlock()
		log.Printf("Realtime: %v", err)
		return report
	}
	h.lastVersion = snap.Version
	report.Bytes = len(data)
	report.Deliveries = make([]Delivery, 0, len(h.clients))
	for _, c := range h.clients {
		d := Delivery{ClientID: c.id}
		switch {
		case !c.open():
			d.Outcome, d.Reason = Skipped, ReasonNotOpen
		case snap.Version <= c.lastVersion:
			d.Outcome, d.Reason = Skipped, ReasonStale
		default:
			c.lastVersion = snap.Version
			c.enqueue(data)
			d.Outcome = Delivered
		}
		report.Deliveries = append(report.Deliveries, d)
	}
	h.mu.Unlock()

	h.tracker.RecordBroadcast(report.Bytes, report.Count(Delivered), report.Count(Skipped))
	return report
}

// Notify broadcasts snap; it satisfies the bus and control notifier interfaces.
func (h *Hub) Notify(snap snapshot.Snapshot) {
	h.Broadcast(snap)
}

// Unregister removes a client and closes its sink. Safe to call repeatedly.
func (h *Hub) Unregister(c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	_, tracked := h.clients[c.id]
	delete(h.clients, c.id)
	total := len(h.clients)
	h.mu.Unlock()

	c.close()
	if tracked {
		h.tracker.ClientConnected(-1)
		log.Printf("Realtime: client %d disconnected (%d connected)", c.id, total)
	}
}

// fail isolates a client whose sink rejected a write.
func (h *Hub) fail(c *Client, err error) {
	h.tracker.IncrementSinkFailure()
	if total, ok := h.sinkLog.Inc(); ok {
		log.Printf("Realtime: dropping client %d (%s): %v (sink failures=%d)",
			c.id, c.remote, fmt.Errorf("%w: %v", ErrClientSink, err), total)
	}
	h.Unregister(c)
}

// Count returns the number of tracked clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[uint64]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
		h.tracker.ClientConnected(-1)
	}
	if len(clients) > 0 {
		log.Printf("Realtime: closed %d clients", len(clients))
	}
}

const (
	clientOpen int32 = iota
	clientClosed
)

// Client represents one connected real-time client.
type Client struct {
	id          uint64
	remote      string
	hub         *Hub
	sink        Sink
	state       atomic.Int32
	lastVersion uint64 // guarded by hub.mu

	mu     sync.Mutex
	outbox [][]byte
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newClient(h *Hub, id uint64, sink Sink, remote string) *Client {
	return &Client{
		id:     id,
		remote: remote,
		hub:    h,
		sink:   sink,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ID returns the hub-assigned client id.
func (c *Client) ID() uint64 {
	return c.id
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) open() bool {
	return c.state.Load() == clientOpen
}

// enqueue appends to the outbox and wakes the writer without blocking.
func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	c.outbox = append(c.outbox, data)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) drain() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := c.outbox
	c.outbox = nil
	return batch
}

// writeLoop delivers queued messages in order until the client closes or a write fails.
func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for batch := c.drain(); len(batch) > 0; batch = c.drain() {
			for _, msg := range batch {
				if !c.open() {
					return
				}
				if err := c.sink.WriteMessage(msg); err != nil {
					c.hub.fail(c, err)
					return
				}
			}
		}
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		c.state.Store(clientClosed)
		close(c.done)
		// The peer may already be gone; a close error carries no information.
		_ = c.sink.Close()
	})
}
