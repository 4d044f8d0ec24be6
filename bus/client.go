// Package bus implements the MQTT side of the bridge.
//
// The client connects to the broker, subscribes to the whole topic namespace
// below a fixed root (<root>/#), folds climate readings into the shared
// snapshot store, and pushes every resulting snapshot to the real-time fan-out.
// It also publishes actuator commands for the control package.
//
// MQTT Topic Structure:
//
//	<root>/climate/getTemperature  ->  climate.temperature (decimal text)
//	<root>/climate/getLux          ->  climate.lux
//	<root>/manager/<actuator>      <-  "on" | "off" (commands, optionally echoed back)
//
// Features:
//   - Fixed-interval reconnect (1s by default) with a bounded connect timeout (4s)
//   - Connection loss never terminates the process; the last snapshot keeps serving
//   - Malformed payloads are logged and skipped instead of corrupting the snapshot
//   - Unknown topics are counted and logged at a throttled rate
package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"ghbridge/internal/ratelimit"
	"ghbridge/snapshot"
	"ghbridge/stats"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrBusUnavailable reports that the broker could not be reached.
var ErrBusUnavailable = errors.New("bus unavailable")

const (
	defaultConnectTimeout    = 4 * time.Second
	defaultReconnectInterval = time.Second
	defaultKeepAlive         = 60 * time.Second
	disconnectQuiesceMs      = 250
	noisyLogInterval         = 30 * time.Second
)

// Notifier receives every snapshot produced by a bus-driven mutation.
type Notifier interface {
	Notify(snapshot.Snapshot)
}

// Options configures the bus client.
type Options struct {
	Broker            string
	ClientIDPrefix    string
	Username          string
	Password          string
	Root              string
	QoS               byte
	ConnectTimeout    time.Duration
	ReconnectInterval time.Duration
	KeepAlive         time.Duration
	TrackActuatorEcho bool
	Store             *snapshot.Store
	Notifier          Notifier
	Tracker           *stats.Tracker
}

// Client represents the bridge's MQTT connection.
//
// Thread Safety:
//   - paho invokes the message handler on its router goroutine in arrival order
//   - client is assigned once in NewClient and never replaced
//   - connected/lastClimate are atomics read by the status endpoint and health monitor
//   - Publish may be called from any goroutine
type Client struct {
	opts        Options
	topics      Topics
	client      mqtt.Client
	store       *snapshot.Store
	notifier    Notifier
	tracker     *stats.Tracker
	connected   atomic.Bool
	stopped     atomic.Bool
	started     atomic.Bool
	lastClimate atomic.Int64 // unix nanos of the last applied climate reading
	unknownLog  *ratelimit.Counter
	decodeLog   *ratelimit.Counter
	publishLog  *ratelimit.Counter
	now         func() time.Time
	stopOnce    sync.Once
}

// HealthSnapshot is a point-in-time view used by the health monitor.
type HealthSnapshot struct {
	Connected     bool
	LastClimateAt time.Time
	UnknownTopics uint64
	DecodeErrors  uint64
}

// NewClient creates a bus client. Connect must be called to start it.
func NewClient(opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnectInterval
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.Store == nil {
		opts.Store = snapshot.New()
	}
	c := &Client{
		opts:       opts,
		topics:     NewTopics(opts.Root),
		store:      opts.Store,
		notifier:   opts.Notifier,
		tracker:    opts.Tracker,
		unknownLog: ratelimit.NewCounter(noisyLogInterval),
		decodeLog:  ratelimit.NewCounter(noisyLogInterval),
		publishLog: ratelimit.NewCounter(noisyLogInterval),
		now:        time.Now,
	}
	// The paho client is built here, not in Connect, so the field never
	// changes once other goroutines can see the Client.
	c.client = mqtt.NewClient(c.clientOptions())
	return c
}

// clientID appends a random suffix so two bridges sharing a prefix never
// evict each other on the broker.
func clientID(prefix string) string {
	return fmt.Sprintf("%s_%016x", prefix, rand.Uint64())
}

func (c *Client) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.opts.Broker)
	opts.SetClientID(clientID(c.opts.ClientIDPrefix))
	if c.opts.Username != "" {
		opts.SetUsername(c.opts.Username)
		opts.SetPassword(c.opts.Password)
	}
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)

	opts.SetKeepAlive(c.opts.KeepAlive)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(c.opts.ConnectTimeout)

	// Fixed backoff: min and max reconnect interval are the same.
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(c.opts.ReconnectInterval)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.opts.ReconnectInterval)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		log.Printf("MQTT: reconnecting to %s...", c.opts.Broker)
	})
	return opts
}

// Topics returns the topic table the client subscribes and publishes under.
func (c *Client) Topics() Topics {
	return c.topics
}

// Purpose: Open the broker connection and arm background reconnects.
// Key aspects: Waits at most ConnectTimeout; on timeout paho keeps retrying
// every ReconnectInterval and the error is informational only.
// Upstream: main startup.
// Downstream: mqtt.Client.Connect, onConnect.
func (c *Client) Connect(ctx context.Context) error {
	if c.stopped.Load() {
		return fmt.Errorf("%w: client stopped", ErrBusUnavailable)
	}
	c.started.Store(true)
	log.Printf("Connecting to MQTT broker at %s...", c.opts.Broker)

	token := c.client.Connect()
	timer := time.NewTimer(c.opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			log.Printf("MQTT: connection failed: %v", err)
			return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
		}
		return nil
	case <-timer.C:
		log.Printf("MQTT: connection to %s timed out after %s; retrying every %s in the background",
			c.opts.Broker, c.opts.ConnectTimeout, c.opts.ReconnectInterval)
		return fmt.Errorf("%w: connect timeout after %s", ErrBusUnavailable, c.opts.ConnectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onConnect is called when connection is established
func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	topic := c.topics.Subscription()
	log.Printf("MQTT: connected, subscribing to %s", topic)

	token := client.Subscribe(topic, c.opts.QoS, c.handleMessage)
	if token.Wait() && token.Error() != nil {
		log.Printf("MQTT: failed to subscribe to %s: %v", topic, token.Error())
		return
	}
	log.Printf("MQTT: subscribed to %s", topic)
}

// onConnectionLost is called when connection is lost
func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	log.Printf("MQTT: connection lost: %v (reconnecting every %s, serving last snapshot)", err, c.opts.ReconnectInterval)
}

// handleMessage adapts paho's callback onto apply.
func (c *Client) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	c.apply(msg.Topic(), msg.Payload())
}

// Purpose: Fold one inbound message into the snapshot and push the result.
// Key aspects: Unknown topics and malformed payloads never mutate the store.
// Upstream: handleMessage (paho router goroutine).
// Downstream: snapshot.Store, Notifier.Notify, stats.Tracker.
func (c *Client) apply(topic string, payload []byte) {
	if c.stopped.Load() {
		return
	}
	c.tracker.IncrementBusMessage()

	route := c.topics.Resolve(topic)
	switch route.Kind {
	case RouteClimate:
		value, err := ParseReading(payload)
		if err != nil {
			c.tracker.IncrementDecodeError()
			if total, ok := c.decodeLog.Inc(); ok {
				log.Printf("MQTT: skipping %s: %v (decode errors=%d)", topic, err, total)
			}
			return
		}
		now := c.now()
		snap, err := c.store.MergeClimate(route.Field, value, now)
		if err != nil {
			log.Printf("MQTT: merge %s failed: %v", topic, err)
			return
		}
		c.lastClimate.Store(now.UnixNano())
		c.tracker.IncrementReading(route.Field.String())
		c.notify(snap)

	case RouteActuator:
		// Our own command publishes come back through <root>/#.
		if !c.opts.TrackActuatorEcho {
			return
		}
		state, err := ParseActuatorState(payload)
		if err != nil {
			c.tracker.IncrementDecodeError()
			if total, ok := c.decodeLog.Inc(); ok {
				log.Printf("MQTT: skipping %s: %v (decode errors=%d)", topic, err, total)
			}
			return
		}
		c.tracker.IncrementActuatorEcho()
		snap, changed, err := c.store.SetActuator(route.Actuator, state)
		if err != nil {
			log.Printf("MQTT: actuator %s update failed: %v", route.Actuator, err)
			return
		}
		if changed {
			c.notify(snap)
		}

	default:
		c.tracker.IncrementUnknownTopic()
		if total, ok := c.unknownLog.Inc(); ok {
			log.Printf("MQTT: ignoring unknown topic %s = %s (unknown topics=%d)", topic, truncatePayload(string(payload)), total)
		}
	}
}

func (c *Client) notify(snap snapshot.Snapshot) {
	if c.notifier != nil {
		c.notifier.Notify(snap)
	}
}

// Purpose: Publish a payload without waiting for broker acknowledgment.
// Key aspects: Fails fast with ErrBusUnavailable when offline; delivery errors
// surface only in the log.
// Upstream: control.Commander.SetActuator.
// Downstream: mqtt.Client.Publish.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.stopped.Load() || !c.Connected() {
		return fmt.Errorf("%w: publish %s: not connected", ErrBusUnavailable, topic)
	}
	token := c.client.Publish(topic, c.opts.QoS, false, payload)
	go func() {
		if !token.WaitTimeout(c.opts.ConnectTimeout) {
			return
		}
		if err := token.Error(); err != nil {
			if total, ok := c.publishLog.Inc(); ok {
				log.Printf("MQTT: publish %s failed: %v (publish failures=%d)", topic, err, total)
			}
		}
	}()
	return nil
}

// Connected reports whether the client is connected
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Health returns the connection and ingest state for the health monitor.
func (c *Client) Health() HealthSnapshot {
	h := HealthSnapshot{
		Connected:     c.Connected(),
		UnknownTopics: c.unknownLog.Total(),
		DecodeErrors:  c.decodeLog.Total(),
	}
	if last := c.lastClimate.Load(); last > 0 {
		h.LastClimateAt = time.Unix(0, last).UTC()
	}
	return h
}

// Stop stops accepting messages and closes the broker connection.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		log.Println("Stopping MQTT client...")
		c.stopped.Store(true)
		if c.started.Load() {
			if c.client.IsConnected() {
				if token := c.client.Unsubscribe(c.topics.Subscription()); !token.WaitTimeout(time.Second) {
					log.Printf("MQTT: unsubscribe timed out")
				}
			}
			// Disconnect also cancels any pending connect retry.
			c.client.Disconnect(disconnectQuiesceMs)
		}
		c.connected.Store(false)
		log.Println("MQTT client stopped")
	})
}
