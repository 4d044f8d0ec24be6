// Package control implements the actuator command path: validate, republish
// on the bus, and write the optimistic state into the snapshot store.
package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"ghbridge/internal/ratelimit"
	"ghbridge/snapshot"
	"ghbridge/stats"
)

var (
	// ErrInvalidArgument rejects a command before any side effect.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnknownActuator rejects a command for an actuator the bridge does not manage.
	ErrUnknownActuator = fmt.Errorf("%w: unknown actuator", ErrInvalidArgument)
)

// Publisher sends a payload on the bus without waiting for acknowledgment.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Notifier receives snapshots changed by a command.
type Notifier interface {
	Notify(snapshot.Snapshot)
}

// TopicFunc maps an actuator onto its outbound command topic.
type TopicFunc func(snapshot.Actuator) string

// ParseActuator accepts exactly the wire names lightbulb, ventilation,
// irrigation and automation.
func ParseActuator(name string) (snapshot.Actuator, error) {
	for _, a := range snapshot.Actuators() {
		if string(a) == name {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownActuator, name)
}

// ParseState accepts exactly "on" or "off".
func ParseState(state string) (snapshot.State, error) {
	s := snapshot.State(state)
	if !s.Valid() {
		return "", fmt.Errorf("%w: state must be \"on\" or \"off\" (got %q)", ErrInvalidArgument, state)
	}
	return s, nil
}

// Options configures a Commander.
type Options struct {
	Store     *snapshot.Store
	Publisher Publisher
	Topic     TopicFunc
	// Notifier is told about changed snapshots when PushOnCommand is set.
	Notifier      Notifier
	PushOnCommand bool
	Tracker       *stats.Tracker
}

// Commander applies actuator commands.
type Commander struct {
	store         *snapshot.Store
	publisher     Publisher
	topic         TopicFunc
	notifier      Notifier
	pushOnCommand bool
	tracker       *stats.Tracker
	publishLog    *ratelimit.Counter
}

// NewCommander creates a Commander.
func NewCommander(opts Options) *Commander {
	return &Commander{
		store:         opts.Store,
		publisher:     opts.Publisher,
		topic:         opts.Topic,
		notifier:      opts.Notifier,
		pushOnCommand: opts.PushOnCommand,
		tracker:       opts.Tracker,
		publishLog:    ratelimit.NewCounter(30 * time.Second),
	}
}

// Purpose: Validate and apply one actuator command.
// Key aspects: Rejects before side effects; publish is fire-and-forget and
// never deduplicated; a publish failure does not undo the optimistic write.
// Upstream: api control handler.
// Downstream: Publisher.Publish, snapshot.Store.SetActuator, Notifier.Notify.
func (c *Commander) SetActuator(ctx context.Context, name, state string) (snapshot.State, error) {
	actuator, err := ParseActuator(name)
	if err != nil {
		return "", err
	}
	accepted, err := ParseState(state)
	if err != nil {
		return "", err
	}

	topic := c.topic(actuator)
	pubErr := c.publisher.Publish(ctx, topic, []byte(accepted))
	c.tracker.RecordPublish(pubErr)
	if pubErr != nil {
		if total, ok := c.publishLog.Inc(); ok {
			log.Printf("Control: %s=%s not published: %v (failures=%d)", actuator, accepted, pubErr, total)
		}
	}

	snap, changed, err := c.store.SetActuator(actuator, accepted)
	if err != nil {
		return "", err
	}
	c.tracker.IncrementCommand(string(actuator))
	log.Printf("Control: %s -> %s (published to %s)", actuator, accepted, topic)

	if changed && c.pushOnCommand && c.notifier != nil {
		c.notifier.Notify(snap)
	}
	return accepted, nil
}
