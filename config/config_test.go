package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.LoadedFrom != "" {
		t.Fatalf("expected no LoadedFrom, got %q", cfg.LoadedFrom)
	}
	if cfg.HTTP.Listen != ":3001" {
		t.Fatalf("expected default listen :3001, got %q", cfg.HTTP.Listen)
	}
	if cfg.MQTT.Root != "aau_gh" {
		t.Fatalf("expected default root aau_gh, got %q", cfg.MQTT.Root)
	}
	if cfg.MQTT.ConnectTimeoutMs != 4000 || cfg.MQTT.ReconnectIntervalMs != 1000 {
		t.Fatalf("unexpected mqtt timings: %+v", cfg.MQTT)
	}
	if !cfg.MQTT.TrackEcho() || !cfg.Control.PushOnCommand() {
		t.Fatalf("expected echo tracking and push-on-command to default on")
	}
}

func TestLoadMergesYAMLAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	body := `server:
  name: "North House"
http:
  listen: ":8080"
mqtt:
  broker: "mqtt://broker.local"
  root: "/farm/"
  qos: 1
control:
  broadcast_on_command: false
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write bridge.yaml: %v", err)
	}
	t.Setenv("PORT", "9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.LoadedFrom != path {
		t.Fatalf("expected LoadedFrom=%s, got %s", path, cfg.LoadedFrom)
	}
	if cfg.Server.Name != "North House" {
		t.Fatalf("expected server.name from yaml, got %q", cfg.Server.Name)
	}
	if cfg.HTTP.Listen != ":9090" {
		t.Fatalf("expected PORT to override listen, got %q", cfg.HTTP.Listen)
	}
	if cfg.MQTT.Broker != "tcp://broker.local:1883" {
		t.Fatalf("expected normalised broker, got %q", cfg.MQTT.Broker)
	}
	if cfg.MQTT.Root != "farm" {
		t.Fatalf("expected trimmed root, got %q", cfg.MQTT.Root)
	}
	if cfg.Control.PushOnCommand() {
		t.Fatalf("expected broadcast_on_command=false from yaml")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("mqtt: [\n"), 0o644); err != nil {
		t.Fatalf("write bad.yaml: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidateRejectsWildcardRoot(t *testing.T) {
	cfg := Config{MQTT: MQTTConfig{Root: "aau_gh/#"}}
	cfg.Normalize()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected wildcard root to be rejected")
	}
}

func TestValidateRejectsRealtimePathUnderAPI(t *testing.T) {
	cfg := Config{Realtime: RealtimeConfig{Path: "api/ws"}}
	cfg.Normalize()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected realtime path under /api to be rejected")
	}
}

func TestNormalizeBroker(t *testing.T) {
	cases := map[string]string{
		"":                          "tcp://broker.hivemq.com:1883",
		"mqtt://broker.hivemq.com":  "tcp://broker.hivemq.com:1883",
		"mqtts://secure.example":    "ssl://secure.example:8883",
		"10.0.0.5":                  "tcp://10.0.0.5:1883",
		"tcp://10.0.0.5:1884":       "tcp://10.0.0.5:1884",
		"ws://broker.example:8000/": "ws://broker.example:8000/",
	}
	for in, want := range cases {
		if got := normalizeBroker(in); got != want {
			t.Fatalf("normalizeBroker(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConsoleTimestampsDefaultAndValidation(t *testing.T) {
	var cfg Config
	cfg.Normalize()
	if cfg.Logging.ConsoleTimestamps != "auto" {
		t.Fatalf("expected auto console timestamps, got %q", cfg.Logging.ConsoleTimestamps)
	}
	cfg.Logging.ConsoleTimestamps = " Always "
	cfg.Normalize()
	if err := cfg.Validate(); err != nil || cfg.Logging.ConsoleTimestamps != "always" {
		t.Fatalf("expected normalized always, got %q err=%v", cfg.Logging.ConsoleTimestamps, err)
	}
	cfg.Logging.ConsoleTimestamps = "sometimes"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid console_timestamps to be rejected")
	}
}
