package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ghbridge/snapshot"
	"ghbridge/stats"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type recordingNotifier struct {
	mu    sync.Mutex
	snaps []snapshot.Snapshot
}

func (n *recordingNotifier) Notify(s snapshot.Snapshot) {
	n.mu.Lock()
	n.snaps = append(n.snaps, s)
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.snaps)
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	payload string
}

// fakeMQTT is an in-memory mqtt.Client that records subscriptions and publishes.
type fakeMQTT struct {
	mu         sync.Mutex
	connected  bool
	subscribed []string
	publishes  []published
}

func (f *fakeMQTT) IsConnected() bool      { return f.connected }
func (f *fakeMQTT) IsConnectionOpen() bool { return f.connected }
func (f *fakeMQTT) Connect() mqtt.Token    { return doneToken{} }
func (f *fakeMQTT) Disconnect(uint)        { f.connected = false }
func (f *fakeMQTT) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes = append(f.publishes, published{topic: topic, payload: string(payload.([]byte))})
	return doneToken{}
}
func (f *fakeMQTT) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	return doneToken{}
}
func (f *fakeMQTT) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken{}
}
func (f *fakeMQTT) Unsubscribe(...string) mqtt.Token        { return doneToken{} }
func (f *fakeMQTT) AddRoute(string, mqtt.MessageHandler)    {}
func (f *fakeMQTT) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

type testMessage struct {
	topic   string
	payload []byte
}

func (m testMessage) Duplicate() bool   { return false }
func (m testMessage) Qos() byte         { return 0 }
func (m testMessage) Retained() bool    { return false }
func (m testMessage) Topic() string     { return m.topic }
func (m testMessage) MessageID() uint16 { return 0 }
func (m testMessage) Payload() []byte   { return m.payload }
func (m testMessage) Ack()              {}

func newTestClient(echo bool) (*Client, *snapshot.Store, *recordingNotifier) {
	store := snapshot.New()
	notifier := &recordingNotifier{}
	c := NewClient(Options{
		Root:              "aau_gh",
		Store:             store,
		Notifier:          notifier,
		Tracker:           stats.NewTracker(),
		TrackActuatorEcho: echo,
	})
	return c, store, notifier
}

func TestTemperatureMessageUpdatesSnapshotAndBroadcasts(t *testing.T) {
	c, store, notifier := newTestClient(true)
	at := time.Date(2026, time.May, 4, 8, 30, 0, 0, time.UTC)
	c.now = func() time.Time { return at }

	c.handleMessage(nil, testMessage{topic: "aau_gh/climate/getTemperature", payload: []byte("23.5")})

	snap := store.Read()
	if v, ok := snap.Reading(snapshot.FieldTemperature); !ok || v != 23.5 {
		t.Fatalf("expected temperature 23.5, got %v (ok=%v)", v, ok)
	}
	if got, ok := snap.LastUpdate(); !ok || !got.Equal(at) {
		t.Fatalf("expected lastUpdate %s, got %s", at, got)
	}
	if notifier.count() != 1 {
		t.Fatalf("expected one broadcast, got %d", notifier.count())
	}
	if v, _ := notifier.snaps[0].Reading(snapshot.FieldTemperature); v != 23.5 {
		t.Fatalf("expected broadcast to carry 23.5, got %v", v)
	}
}

func TestLastValueWinsAcrossSequence(t *testing.T) {
	c, store, _ := newTestClient(true)
	base := time.Date(2026, time.May, 4, 8, 0, 0, 0, time.UTC)
	tick := 0
	c.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	seq := []struct {
		topic   string
		payload string
	}{
		{"aau_gh/climate/getLux", "10"},
		{"aau_gh/climate/getUV", "3.2"},
		{"aau_gh/climate/getLux", "55.5"},
		{"aau_gh/climate/getSoilMoisture", "41"},
	}
	for _, m := range seq {
		c.apply(m.topic, []byte(m.payload))
	}

	snap := store.Read()
	if v, _ := snap.Reading(snapshot.FieldLux); v != 55.5 {
		t.Fatalf("expected lux 55.5, got %v", v)
	}
	if v, _ := snap.Reading(snapshot.FieldUV); v != 3.2 {
		t.Fatalf("expected uv 3.2, got %v", v)
	}
	if got, _ := snap.LastUpdate(); !got.Equal(base.Add(4 * time.Second)) {
		t.Fatalf("expected lastUpdate of the fourth message, got %s", got)
	}
}

func TestUnknownTopicLeavesSnapshotUntouched(t *testing.T) {
	c, store, notifier := newTestClient(true)
	before := store.Read()

	c.apply("aau_gh/climate/getHumidity", []byte("50"))
	c.apply("other_root/climate/getTemperature", []byte("20"))

	after := store.Read()
	if after.Version != before.Version {
		t.Fatalf("expected no mutation, version %d -> %d", before.Version, after.Version)
	}
	if _, ok := after.LastUpdate(); ok {
		t.Fatalf("unknown topics must not set lastUpdate")
	}
	if notifier.count() != 0 {
		t.Fatalf("expected no broadcast, got %d", notifier.count())
	}
	if got := c.Health().UnknownTopics; got != 2 {
		t.Fatalf("expected 2 unknown topics counted, got %d", got)
	}
}

func TestMalformedPayloadIsSkipped(t *testing.T) {
	c, store, notifier := newTestClient(true)
	c.apply("aau_gh/climate/getPressure", []byte("1013.2"))

	for _, payload := range []string{"abc", "", "NaN", "+Inf", "12,5"} {
		c.apply("aau_gh/climate/getPressure", []byte(payload))
	}

	if v, _ := store.Read().Reading(snapshot.FieldPressure); v != 1013.2 {
		t.Fatalf("expected pressure to keep 1013.2, got %v", v)
	}
	if notifier.count() != 1 {
		t.Fatalf("expected only the valid reading to broadcast, got %d", notifier.count())
	}
	if got := c.Health().DecodeErrors; got != 5 {
		t.Fatalf("expected 5 decode errors, got %d", got)
	}
}

func TestActuatorEcho(t *testing.T) {
	c, store, notifier := newTestClient(true)

	c.apply("aau_gh/manager/ventilation", []byte("on"))
	c.apply("aau_gh/manager/ventilation", []byte("on"))

	snap := store.Read()
	if snap.Manager.Ventilation != snapshot.StateOn {
		t.Fatalf("expected ventilation on, got %q", snap.Manager.Ventilation)
	}
	if _, ok := snap.LastUpdate(); ok {
		t.Fatalf("actuator echo must not set lastUpdate")
	}
	if notifier.count() != 1 {
		t.Fatalf("expected a single broadcast for the change, got %d", notifier.count())
	}
}

func TestActuatorEchoDisabled(t *testing.T) {
	c, store, notifier := newTestClient(false)
	c.apply("aau_gh/manager/lightbulb", []byte("on"))
	if store.Read().Manager.Lightbulb != snapshot.StateOff || notifier.count() != 0 {
		t.Fatalf("expected echo to be ignored when disabled")
	}
}

func TestStoppedClientIgnoresMessages(t *testing.T) {
	c, store, _ := newTestClient(true)
	c.Stop()
	c.apply("aau_gh/climate/getRain", []byte("12"))
	if _, ok := store.Read().Reading(snapshot.FieldRain); ok {
		t.Fatalf("expected stopped client to ignore messages")
	}
}

func TestPublishWhileDisconnected(t *testing.T) {
	c, _, _ := newTestClient(true)
	err := c.Publish(context.Background(), "aau_gh/manager/irrigation", []byte("on"))
	if !errors.Is(err, ErrBusUnavailable) {
		t.Fatalf("expected ErrBusUnavailable, got %v", err)
	}
}

func TestReconnectKeepsSnapshotAndStatus(t *testing.T) {
	c, store, _ := newTestClient(true)
	fake := &fakeMQTT{connected: true}
	c.client = fake

	c.onConnect(fake)
	if !c.Connected() {
		t.Fatalf("expected connected after onConnect")
	}
	if len(fake.subscribed) != 1 || fake.subscribed[0] != "aau_gh/#" {
		t.Fatalf("expected subscription to aau_gh/#, got %v", fake.subscribed)
	}
	c.apply("aau_gh/climate/getAltitude", []byte("112"))
	before := store.Read()

	c.onConnectionLost(fake, errors.New("broker went away"))
	if c.Connected() {
		t.Fatalf("expected disconnected after connection loss")
	}
	c.onConnect(fake)
	if !c.Connected() {
		t.Fatalf("expected connected after reconnect")
	}
	after := store.Read()
	if v, _ := after.Reading(snapshot.FieldAltitude); v != 112 || after.Version != before.Version {
		t.Fatalf("expected snapshot to persist across reconnect, got %+v", after)
	}
	if len(fake.subscribed) != 2 {
		t.Fatalf("expected resubscribe on reconnect, got %v", fake.subscribed)
	}
}

func TestPublishIsFireAndForget(t *testing.T) {
	c, _, _ := newTestClient(true)
	fake := &fakeMQTT{connected: true}
	c.client = fake
	c.connected.Store(true)

	for i := 0; i < 2; i++ {
		if err := c.Publish(context.Background(), "aau_gh/manager/irrigation", []byte("on")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.publishes) != 2 {
		t.Fatalf("expected two publishes, got %d", len(fake.publishes))
	}
	if fake.publishes[0] != (published{topic: "aau_gh/manager/irrigation", payload: "on"}) {
		t.Fatalf("unexpected publish: %+v", fake.publishes[0])
	}
}

func TestConnectUnreachableBrokerTimesOut(t *testing.T) {
	c := NewClient(Options{
		Broker:         "tcp://127.0.0.1:1",
		Root:           "aau_gh",
		ConnectTimeout: 300 * time.Millisecond,
		Tracker:        stats.NewTracker(),
	})
	defer c.Stop()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := c.Publish(context.Background(), "aau_gh/manager/lightbulb", []byte("on")); !errors.Is(err, ErrBusUnavailable) {
				t.Errorf("expected ErrBusUnavailable while connecting, got %v", err)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	start := time.Now()
	err := c.Connect(context.Background())
	elapsed := time.Since(start)
	close(stop)
	wg.Wait()

	if !errors.Is(err, ErrBusUnavailable) {
		t.Fatalf("expected ErrBusUnavailable, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("expected Connect to return near the connect timeout, took %s", elapsed)
	}
	if c.Connected() {
		t.Fatalf("expected client to report disconnected")
	}
}

func TestConnectAfterStopIsRejected(t *testing.T) {
	c, _, _ := newTestClient(true)
	c.Stop()
	if err := c.Connect(context.Background()); !errors.Is(err, ErrBusUnavailable) {
		t.Fatalf("expected ErrBusUnavailable after Stop, got %v", err)
	}
}

func TestClientIDHasRandomSuffix(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := clientID("greenhouse_backend")
		if len(id) != len("greenhouse_backend_")+16 || id[:19] != "greenhouse_backend_" {
			t.Fatalf("unexpected client id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate client id %q", id)
		}
		seen[id] = true
	}
}
