// Package stats tracks bridge counters (bus ingest, command publishes, real-time
// fan-out) for the /api/stats endpoint and the periodic console line.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Tracker holds bridge counters. All methods are safe on a nil receiver so
// components can run without stats in tests.
type Tracker struct {
	// counters live in sync.Map + atomic.Uint64 so per-message increments don't fight over a mutex
	readingCounts  sync.Map // climate field -> *atomic.Uint64
	commandCounts  sync.Map // actuator -> *atomic.Uint64
	start          atomic.Int64
	busMessages    atomic.Uint64
	unknownTopics  atomic.Uint64
	decodeErrors   atomic.Uint64
	actuatorEchoes atomic.Uint64
	publishes      atomic.Uint64
	publishErrors  atomic.Uint64
	broadcasts     atomic.Uint64
	broadcastBytes atomic.Uint64
	deliveries     atomic.Uint64
	skips          atomic.Uint64
	sinkFailures   atomic.Uint64
	clients        atomic.Int64
}

// Counts is a point-in-time copy of every counter.
type Counts struct {
	UptimeSeconds  int64             `json:"uptimeSeconds"`
	BusMessages    uint64            `json:"busMessages"`
	Readings       map[string]uint64 `json:"readings"`
	UnknownTopics  uint64            `json:"unknownTopics"`
	DecodeErrors   uint64            `json:"decodeErrors"`
	ActuatorEchoes uint64            `json:"actuatorEchoes"`
	Commands       map[string]uint64 `json:"commands"`
	Publishes      uint64            `json:"publishes"`
	PublishErrors  uint64            `json:"publishErrors"`
	Broadcasts     uint64            `json:"broadcasts"`
	BroadcastBytes uint64            `json:"broadcastBytes"`
	Deliveries     uint64            `json:"deliveries"`
	Skips          uint64            `json:"skips"`
	SinkFailures   uint64            `json:"sinkFailures"`
	Clients        int64             `json:"clients"`
}

// NewTracker creates a new stats tracker
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// IncrementBusMessage counts one inbound bus message of any kind.
func (t *Tracker) IncrementBusMessage() {
	if t != nil {
		t.busMessages.Add(1)
	}
}

// IncrementReading counts an applied climate reading.
func (t *Tracker) IncrementReading(field string) {
	if t != nil {
		incrementCounter(&t.readingCounts, field)
	}
}

// IncrementUnknownTopic counts a message on a topic outside the known table.
func (t *Tracker) IncrementUnknownTopic() {
	if t != nil {
		t.unknownTopics.Add(1)
	}
}

// IncrementDecodeError counts a payload that could not be decoded.
func (t *Tracker) IncrementDecodeError() {
	if t != nil {
		t.decodeErrors.Add(1)
	}
}

// IncrementActuatorEcho counts an actuator state observed on the bus.
func (t *Tracker) IncrementActuatorEcho() {
	if t != nil {
		t.actuatorEchoes.Add(1)
	}
}

// IncrementCommand counts an accepted actuator command.
func (t *Tracker) IncrementCommand(actuator string) {
	if t != nil {
		incrementCounter(&t.commandCounts, actuator)
	}
}

// RecordPublish counts an outbound publish attempt.
func (t *Tracker) RecordPublish(err error) {
	if t == nil {
		return
	}
	t.publishes.Add(1)
	if err != nil {
		t.publishErrors.Add(1)
	}
}

// RecordBroadcast counts one serialised envelope and its per-client outcomes.
func (t *Tracker) RecordBroadcast(size int, delivered, skipped int) {
	if t == nil {
		return
	}
	t.broadcasts.Add(1)
	t.broadcastBytes.Add(uint64(size))
	t.deliveries.Add(uint64(delivered))
	t.skips.Add(uint64(skipped))
}

// IncrementSinkFailure counts a client dropped after a failed write.
func (t *Tracker) IncrementSinkFailure() {
	if t != nil {
		t.sinkFailures.Add(1)
	}
}

// ClientConnected adjusts the live client gauge.
func (t *Tracker) ClientConnected(delta int64) {
	if t != nil {
		t.clients.Add(delta)
	}
}

// GetUptime returns how long the tracker has been running
func (t *Tracker) GetUptime() time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(time.Unix(0, t.start.Load()))
}

// Snapshot returns a copy of every counter.
func (t *Tracker) Snapshot() Counts {
	if t == nil {
		return Counts{Readings: map[string]uint64{}, Commands: map[string]uint64{}}
	}
	return Counts{
		UptimeSeconds:  int64(t.GetUptime() / time.Second),
		BusMessages:    t.busMessages.Load(),
		Readings:       copyCounts(&t.readingCounts),
		UnknownTopics:  t.unknownTopics.Load(),
		DecodeErrors:   t.decodeErrors.Load(),
		ActuatorEchoes: t.actuatorEchoes.Load(),
		Commands:       copyCounts(&t.commandCounts),
		Publishes:      t.publishes.Load(),
		PublishErrors:  t.publishErrors.Load(),
		Broadcasts:     t.broadcasts.Load(),
		BroadcastBytes: t.broadcastBytes.Load(),
		Deliveries:     t.deliveries.Load(),
		Skips:          t.skips.Load(),
		SinkFailures:   t.sinkFailures.Load(),
		Clients:        t.clients.Load(),
	}
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	c := t.Snapshot()
	return []string{
		fmt.Sprintf("Bus: %s messages, %s unknown, %s decode errors, %s actuator echoes (up %s)",
			humanize.Comma(int64(c.BusMessages)),
			humanize.Comma(int64(c.UnknownTopics)),
			humanize.Comma(int64(c.DecodeErrors)),
			humanize.Comma(int64(c.ActuatorEchoes)),
			formatUptime(time.Duration(c.UptimeSeconds)*time.Second)),
		formatCounts("Readings", c.Readings),
		formatCounts("Commands", c.Commands) +
			fmt.Sprintf(" | publishes=%s failed=%s", humanize.Comma(int64(c.Publishes)), humanize.Comma(int64(c.PublishErrors))),
		fmt.Sprintf("Realtime: %d clients, %s broadcasts (%s), %s delivered, %s skipped, %s sink failures",
			c.Clients,
			humanize.Comma(int64(c.Broadcasts)),
			humanize.Bytes(c.BroadcastBytes),
			humanize.Comma(int64(c.Deliveries)),
			humanize.Comma(int64(c.Skips)),
			humanize.Comma(int64(c.SinkFailures))),
	}
}

func formatUptime(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	return strings.TrimSuffix(humanize.RelTime(time.Now().Add(-d), time.Now(), "", ""), " ")
}

func formatCounts(label string, counts map[string]uint64) string {
	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	if len(counts) == 0 {
		builder.WriteString("(none)")
		return builder.String()
	}
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%s", key, humanize.Comma(int64(counts[key])))
	}
	return builder.String()
}

func copyCounts(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
