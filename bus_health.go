package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"ghbridge/bus"
)

const busHealthLogPrefix = "Bus Health: "

type busHealthState struct {
	connected   bool
	idle        bool
	initialized bool
}

// Purpose: Periodically log broker health transitions with low noise.
// Key aspects: Logs only when the connected or idle state changes.
// Upstream: main startup after the bus client is created.
// Downstream: bus.Client.Health, log.Printf.
func startBusHealthMonitor(ctx context.Context, interval, idleAfter time.Duration, probe func() bus.HealthSnapshot) {
	if probe == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		var state busHealthState
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var line string
				state, line = checkBusHealth(state, probe(), idleAfter, time.Now().UTC())
				if line != "" {
					log.Print(busHealthLogPrefix + line)
				}
			}
		}
	}()
}

// checkBusHealth returns the next state and a line to log, or "" when nothing changed.
func checkBusHealth(prev busHealthState, snap bus.HealthSnapshot, idleAfter time.Duration, now time.Time) (busHealthState, string) {
	idle := busIsIdle(snap, idleAfter, now)
	next := busHealthState{connected: snap.Connected, idle: idle, initialized: true}
	if prev.initialized && prev.connected == next.connected && prev.idle == next.idle {
		return prev, ""
	}
	return next, formatBusHealthLine(snap, idle, now)
}

func busIsIdle(snap bus.HealthSnapshot, idleAfter time.Duration, now time.Time) bool {
	if snap.LastClimateAt.IsZero() {
		return true
	}
	return now.Sub(snap.LastClimateAt) > idleAfter
}

func formatBusHealthLine(snap bus.HealthSnapshot, idle bool, now time.Time) string {
	var b strings.Builder
	if snap.Connected {
		b.WriteString("broker connected")
	} else {
		b.WriteString("broker disconnected")
	}
	if idle {
		b.WriteString(" idle")
	} else {
		b.WriteString(" active")
	}
	b.WriteString(" last_reading=")
	b.WriteString(ageString(now, snap.LastClimateAt))
	if snap.UnknownTopics > 0 || snap.DecodeErrors > 0 {
		b.WriteString(fmt.Sprintf(" unknown_topics=%d decode_errors=%d", snap.UnknownTopics, snap.DecodeErrors))
	}
	return b.String()
}

func ageString(now time.Time, at time.Time) string {
	if at.IsZero() {
		return "never"
	}
	age := now.Sub(at)
	if age < time.Second {
		return "0s"
	}
	return age.Truncate(time.Second).String()
}
