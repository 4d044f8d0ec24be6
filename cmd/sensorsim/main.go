package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"ghbridge/bus"
	"ghbridge/snapshot"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// sensorsim plays the part of the greenhouse controller: it publishes a
// random walk of climate readings under the topic root and logs the actuator
// commands it receives. Useful for exercising the bridge without hardware.
func main() {
	var (
		broker   = flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
		root     = flag.String("root", "aau_gh", "topic root")
		interval = flag.Duration("interval", 2*time.Second, "time between reading rounds")
		runFor   = flag.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
		garbage  = flag.Float64("garbage", 0, "fraction of readings replaced by malformed payloads")
		seed     = flag.Int64("seed", time.Now().UTC().UnixNano(), "random seed")
	)
	flag.Parse()

	if *interval <= 0 {
		log.Fatalf("interval must be >0 (got %s)", interval.String())
	}
	if *garbage < 0 || *garbage > 1 {
		log.Fatalf("garbage must be within [0,1] (got %.2f)", *garbage)
	}

	topics := bus.NewTopics(*root)
	var received uint64

	opts := mqtt.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("gh_sensorsim_%x", time.Now().UnixNano()))
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Printf("sensorsim: connected to %s", *broker)
		filter := topics.Root() + "/manager/#"
		token := c.Subscribe(filter, 0, func(_ mqtt.Client, msg mqtt.Message) {
			atomic.AddUint64(&received, 1)
			log.Printf("sensorsim: command %s = %s", msg.Topic(), msg.Payload())
		})
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("sensorsim: subscribe %s failed: %v", filter, token.Error())
		}
	})
	client := mqtt.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		log.Fatalf("sensorsim: connect to %s failed: %v", *broker, token.Error())
	}
	defer client.Disconnect(250)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *runFor > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, *runFor)
		defer stop()
	}

	rng := rand.New(rand.NewSource(*seed))
	walk := newClimateWalk(rng)
	var sent, malformed uint64

	log.Printf("sensorsim: publishing under %s every %s", topics.Root(), interval.String())
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("sensorsim: sent=%d malformed=%d commands_received=%d", sent, malformed, atomic.LoadUint64(&received))
			return
		case <-ticker.C:
			for _, field := range snapshot.ClimateFields() {
				payload := strconv.FormatFloat(walk.step(field), 'f', 2, 64)
				if rng.Float64() < *garbage {
					payload = "not-a-number"
					malformed++
				}
				client.Publish(topics.Climate(field), 0, false, payload)
				sent++
			}
		}
	}
}

type walkRange struct {
	min, max, step float64
}

// climateRanges keeps simulated readings inside plausible greenhouse values.
var climateRanges = map[snapshot.ClimateField]walkRange{
	snapshot.FieldTemperature:  {min: 10, max: 40, step: 0.3},
	snapshot.FieldPressure:     {min: 980, max: 1040, step: 0.5},
	snapshot.FieldAltitude:     {min: 0, max: 60, step: 0.2},
	snapshot.FieldSoilTemp:     {min: 8, max: 35, step: 0.2},
	snapshot.FieldSoilMoisture: {min: 0, max: 100, step: 1.5},
	snapshot.FieldUV:           {min: 0, max: 11, step: 0.2},
	snapshot.FieldRain:         {min: 0, max: 1, step: 0.1},
	snapshot.FieldLux:          {min: 0, max: 50000, step: 500},
}

type climateWalk struct {
	rng    *rand.Rand
	values map[snapshot.ClimateField]float64
}

func newClimateWalk(rng *rand.Rand) *climateWalk {
	w := &climateWalk{rng: rng, values: make(map[snapshot.ClimateField]float64, len(climateRanges))}
	for field, r := range climateRanges {
		w.values[field] = r.min + rng.Float64()*(r.max-r.min)
	}
	return w
}

func (w *climateWalk) step(field snapshot.ClimateField) float64 {
	r := climateRanges[field]
	v := w.values[field] + (w.rng.Float64()*2-1)*r.step
	if v < r.min {
		v = r.min
	}
	if v > r.max {
		v = r.max
	}
	w.values[field] = v
	return v
}
