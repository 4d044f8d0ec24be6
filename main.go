// Program ghbridge bridges the greenhouse MQTT bus to a REST API and a
// WebSocket stream for the dashboard.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ghbridge/api"
	"ghbridge/bus"
	"ghbridge/config"
	"ghbridge/control"
	"ghbridge/fanout"
	"ghbridge/snapshot"
	"ghbridge/stats"
)

const (
	defaultConfigPath = "data/config/bridge.yaml"
	envConfigPath     = "GHB_CONFIG"
)

// Version will be set at build time
var Version = "dev"

// loadConfig resolves the YAML path from the environment and loads it.
// A missing file is not an error; defaults and environment variables apply.
func loadConfig() (*config.Config, error) {
	path := defaultConfigPath
	if envPath := strings.TrimSpace(os.Getenv(envConfigPath)); envPath != "" {
		path = envPath
	}
	return config.Load(path)
}

// Purpose: Program entrypoint; wires the store, bus, fan-out, and HTTP surface.
// Key aspects: Only an HTTP bind failure is fatal; the broker may come and go.
// Upstream: OS process start.
// Downstream: bus.Client, control.Commander, fanout.Hub, api.Server.
func main() {
	log.SetFlags(0)
	logOut, err := setupLogging(config.LoggingConfig{ConsoleTimestamps: "auto"}, os.Stdout)
	if err != nil {
		log.Fatalf("Logging setup failed: %v", err)
	}
	log.SetOutput(logOut)

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	if cfg.Logging.Enabled || cfg.Logging.ConsoleTimestamps != "auto" {
		fileOut, err := setupLogging(cfg.Logging, os.Stdout)
		if err != nil {
			log.Printf("Warning: file logging disabled: %v", err)
		}
		log.SetOutput(fileOut)
		_ = logOut.Close()
		logOut = fileOut
	}
	defer logOut.Close()

	log.Printf("Greenhouse bridge v%s starting...", Version)
	cfg.Print()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := snapshot.New()
	tracker := stats.NewTracker()
	hub := fanout.NewHub(store, tracker)

	busClient := bus.NewClient(bus.Options{
		Broker:            cfg.MQTT.Broker,
		ClientIDPrefix:    cfg.MQTT.ClientIDPrefix,
		Username:          cfg.MQTT.Username,
		Password:          cfg.MQTT.Password,
		Root:              cfg.MQTT.Root,
		QoS:               byte(cfg.MQTT.QoS),
		ConnectTimeout:    time.Duration(cfg.MQTT.ConnectTimeoutMs) * time.Millisecond,
		ReconnectInterval: time.Duration(cfg.MQTT.ReconnectIntervalMs) * time.Millisecond,
		KeepAlive:         time.Duration(cfg.MQTT.KeepAliveSeconds) * time.Second,
		TrackActuatorEcho: cfg.MQTT.TrackEcho(),
		Store:             store,
		Notifier:          hub,
		Tracker:           tracker,
	})

	topics := busClient.Topics()
	commander := control.NewCommander(control.Options{
		Store:         store,
		Publisher:     busClient,
		Topic:         topics.Command,
		Notifier:      hub,
		PushOnCommand: cfg.Control.PushOnCommand(),
		Tracker:       tracker,
	})

	server := api.NewServer(api.Options{
		Listen:       cfg.HTTP.Listen,
		CORSOrigin:   cfg.HTTP.CORSOrigin,
		RealtimePath: cfg.Realtime.Path,
		Store:        store,
		Commander:    commander,
		Bus:          busClient,
		Realtime: fanout.NewWebSocketHandler(hub, fanout.WebSocketOptions{
			WriteTimeout:  time.Duration(cfg.Realtime.WriteTimeoutSeconds) * time.Second,
			PingInterval:  time.Duration(cfg.Realtime.PingIntervalSeconds) * time.Second,
			AllowedOrigin: cfg.HTTP.CORSOrigin,
		}),
		Tracker: tracker,
	})
	if err := server.Start(); err != nil {
		log.Fatalf("%v", err)
	}

	if err := busClient.Connect(ctx); err != nil {
		if errors.Is(err, bus.ErrBusUnavailable) {
			log.Printf("MQTT: %v; serving cached data while reconnecting", err)
		} else {
			log.Printf("MQTT: connect failed: %v", err)
		}
	}

	startBusHealthMonitor(ctx,
		time.Duration(cfg.Health.IntervalSeconds)*time.Second,
		time.Duration(cfg.Health.IdleThresholdSeconds)*time.Second,
		busClient.Health)
	go displayStats(ctx, time.Duration(cfg.Stats.DisplayIntervalSeconds)*time.Second, tracker)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Printf("Bridge is running. REST on %s/api, realtime on %s", cfg.HTTP.Listen, cfg.Realtime.Path)
	log.Println("---")

	sig := <-sigChan
	log.Printf("Received signal: %v", sig)
	log.Println("Shutting down gracefully...")
	cancel()

	// Stop the bus first so no new updates race the HTTP shutdown.
	busClient.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownTimeoutSeconds)*time.Second)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: HTTP shutdown: %v", err)
	}
	shutdownCancel()

	hub.Close()
	log.Println("Bridge stopped")
}

// Purpose: Periodically log the counter summary.
// Key aspects: Runs until ctx is cancelled; interval <= 0 disables it.
// Upstream: main startup.
// Downstream: stats.Tracker.SnapshotLines, runtimeSampler.
func displayStats(ctx context.Context, interval time.Duration, tracker *stats.Tracker) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var sampler runtimeSampler
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, line := range tracker.SnapshotLines() {
				log.Print(line)
			}
			log.Print(sampler.sample())
		}
	}
}
