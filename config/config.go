// Package config loads the bridge configuration.
//
// Sources, lowest precedence first:
//   - built-in defaults (Normalize)
//   - a YAML file (optional; a missing file means defaults)
//   - a .env file in the working directory (optional)
//   - process environment (PORT, MQTT_BROKER, MQTT_ROOT, ...)
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen             = ":3001"
	defaultBroker             = "tcp://broker.hivemq.com:1883"
	defaultRoot               = "aau_gh"
	defaultClientIDPrefix     = "greenhouse_backend"
	defaultConnectTimeoutMs   = 4000
	defaultReconnectMs        = 1000
	defaultKeepAliveSeconds   = 60
	defaultRealtimePath       = "/ws"
	defaultWriteTimeoutSec    = 10
	defaultPingIntervalSec    = 30
	defaultShutdownTimeoutSec = 5
	defaultHealthIntervalSec  = 30
	defaultIdleThresholdSec   = 120
	defaultStatsIntervalSec   = 60
	defaultLogRetentionDays   = 7
	defaultLogDir             = "data/logs"
)

// Config represents the complete bridge configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	HTTP     HTTPConfig     `yaml:"http"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Control  ControlConfig  `yaml:"control"`
	Health   HealthConfig   `yaml:"health"`
	Stats    StatsConfig    `yaml:"stats"`
	Logging  LoggingConfig  `yaml:"logging"`

	// LoadedFrom records the YAML path that was read ("" when only defaults/env apply).
	LoadedFrom string `yaml:"-"`
}

// ServerConfig contains general settings
type ServerConfig struct {
	Name string `yaml:"name"`
}

// HTTPConfig contains the REST/WebSocket listener settings
type HTTPConfig struct {
	Listen                 string `yaml:"listen" env:"HTTP_LISTEN"`
	Port                   int    `yaml:"-" env:"PORT"`
	CORSOrigin             string `yaml:"cors_origin" env:"CORS_ORIGIN"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
}

// MQTTConfig contains broker settings
type MQTTConfig struct {
	Broker              string `yaml:"broker" env:"MQTT_BROKER"`
	Root                string `yaml:"root" env:"MQTT_ROOT"`
	ClientIDPrefix      string `yaml:"client_id_prefix" env:"MQTT_CLIENT_ID_PREFIX"`
	Username            string `yaml:"username" env:"MQTT_USERNAME"`
	Password            string `yaml:"password" env:"MQTT_PASSWORD"`
	QoS                 int    `yaml:"qos"`
	ConnectTimeoutMs    int    `yaml:"connect_timeout_ms"`
	ReconnectIntervalMs int    `yaml:"reconnect_interval_ms"`
	KeepAliveSeconds    int    `yaml:"keepalive_seconds"`
	// TrackActuatorEcho folds <root>/manager/* messages back into the snapshot.
	TrackActuatorEcho *bool `yaml:"track_actuator_echo"`
}

// RealtimeConfig contains WebSocket fan-out settings
type RealtimeConfig struct {
	Path                string `yaml:"path"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	PingIntervalSeconds int    `yaml:"ping_interval_seconds"`
}

// ControlConfig contains command publisher settings
type ControlConfig struct {
	// BroadcastOnCommand pushes an update to real-time clients after a command changes state.
	BroadcastOnCommand *bool `yaml:"broadcast_on_command"`
}

// HealthConfig controls the bus health monitor
type HealthConfig struct {
	IntervalSeconds      int `yaml:"interval_seconds"`
	IdleThresholdSeconds int `yaml:"idle_threshold_seconds"`
}

// StatsConfig controls the periodic stats line
type StatsConfig struct {
	DisplayIntervalSeconds int `yaml:"display_interval_seconds"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
	// ConsoleTimestamps is "auto" (only when stdout is a terminal), "always", or "never".
	ConsoleTimestamps string `yaml:"console_timestamps" env:"LOG_CONSOLE_TIMESTAMPS"`
}

// Purpose: Build the effective configuration from file, .env, and environment.
// Key aspects: A missing YAML file or .env is not an error; env wins over file.
// Upstream: main startup.
// Downstream: yaml.Unmarshal, godotenv.Load, env.Parse, Normalize, Validate.
func Load(path string) (*Config, error) {
	var cfg Config
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
			cfg.LoadedFrom = path
		case errors.Is(err, os.ErrNotExist):
			log.Printf("Config: %s not found, using defaults and environment", path)
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. Unset variables leave
// the file values in place.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(&cfg.HTTP); err != nil {
		return fmt.Errorf("parse http env: %w", err)
	}
	if err := env.Parse(&cfg.MQTT); err != nil {
		return fmt.Errorf("parse mqtt env: %w", err)
	}
	if err := env.Parse(&cfg.Logging); err != nil {
		return fmt.Errorf("parse logging env: %w", err)
	}
	return nil
}

// Normalize fills defaults and canonicalises broker URLs and topic roots.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Server.Name) == "" {
		c.Server.Name = "greenhouse-bridge"
	}

	if c.HTTP.Port > 0 {
		c.HTTP.Listen = fmt.Sprintf(":%d", c.HTTP.Port)
	}
	if strings.TrimSpace(c.HTTP.Listen) == "" {
		c.HTTP.Listen = defaultListen
	}
	if strings.TrimSpace(c.HTTP.CORSOrigin) == "" {
		c.HTTP.CORSOrigin = "*"
	}
	if c.HTTP.ShutdownTimeoutSeconds <= 0 {
		c.HTTP.ShutdownTimeoutSeconds = defaultShutdownTimeoutSec
	}

	c.MQTT.Broker = normalizeBroker(c.MQTT.Broker)
	c.MQTT.Root = strings.Trim(strings.TrimSpace(c.MQTT.Root), "/")
	if c.MQTT.Root == "" {
		c.MQTT.Root = defaultRoot
	}
	if strings.TrimSpace(c.MQTT.ClientIDPrefix) == "" {
		c.MQTT.ClientIDPrefix = defaultClientIDPrefix
	}
	if c.MQTT.ConnectTimeoutMs <= 0 {
		c.MQTT.ConnectTimeoutMs = defaultConnectTimeoutMs
	}
	if c.MQTT.ReconnectIntervalMs <= 0 {
		c.MQTT.ReconnectIntervalMs = defaultReconnectMs
	}
	if c.MQTT.KeepAliveSeconds <= 0 {
		c.MQTT.KeepAliveSeconds = defaultKeepAliveSeconds
	}
	if c.MQTT.TrackActuatorEcho == nil {
		c.MQTT.TrackActuatorEcho = boolPtr(true)
	}

	if strings.TrimSpace(c.Realtime.Path) == "" {
		c.Realtime.Path = defaultRealtimePath
	}
	if !strings.HasPrefix(c.Realtime.Path, "/") {
		c.Realtime.Path = "/" + c.Realtime.Path
	}
	if c.Realtime.WriteTimeoutSeconds <= 0 {
		c.Realtime.WriteTimeoutSeconds = defaultWriteTimeoutSec
	}
	if c.Realtime.PingIntervalSeconds <= 0 {
		c.Realtime.PingIntervalSeconds = defaultPingIntervalSec
	}

	if c.Control.BroadcastOnCommand == nil {
		c.Control.BroadcastOnCommand = boolPtr(true)
	}

	if c.Health.IntervalSeconds <= 0 {
		c.Health.IntervalSeconds = defaultHealthIntervalSec
	}
	if c.Health.IdleThresholdSeconds <= 0 {
		c.Health.IdleThresholdSeconds = defaultIdleThresholdSec
	}
	if c.Stats.DisplayIntervalSeconds <= 0 {
		c.Stats.DisplayIntervalSeconds = defaultStatsIntervalSec
	}
	if strings.TrimSpace(c.Logging.Dir) == "" {
		c.Logging.Dir = defaultLogDir
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = defaultLogRetentionDays
	}
	c.Logging.ConsoleTimestamps = strings.ToLower(strings.TrimSpace(c.Logging.ConsoleTimestamps))
	if c.Logging.ConsoleTimestamps == "" {
		c.Logging.ConsoleTimestamps = "auto"
	}
}

// Validate rejects settings the bridge cannot run with.
func (c *Config) Validate() error {
	if strings.ContainsAny(c.MQTT.Root, "#+") {
		return fmt.Errorf("mqtt.root %q must not contain wildcards", c.MQTT.Root)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2 (got %d)", c.MQTT.QoS)
	}
	if c.Realtime.Path == "/api" || strings.HasPrefix(c.Realtime.Path, "/api/") {
		return fmt.Errorf("realtime.path %q collides with the REST routes", c.Realtime.Path)
	}
	switch c.Logging.ConsoleTimestamps {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("logging.console_timestamps must be auto, always, or never (got %q)", c.Logging.ConsoleTimestamps)
	}
	return nil
}

// TrackEcho reports whether bus actuator messages update the snapshot.
func (c MQTTConfig) TrackEcho() bool {
	return c.TrackActuatorEcho == nil || *c.TrackActuatorEcho
}

// PushOnCommand reports whether commands trigger a real-time update.
func (c ControlConfig) PushOnCommand() bool {
	return c.BroadcastOnCommand == nil || *c.BroadcastOnCommand
}

// Print displays the configuration
func (c *Config) Print() {
	source := c.LoadedFrom
	if source == "" {
		source = "defaults/environment"
	}
	log.Printf("Config: %s (source: %s)", c.Server.Name, source)
	log.Printf("HTTP: listen %s (realtime path %s, CORS origin %s)", c.HTTP.Listen, c.Realtime.Path, c.HTTP.CORSOrigin)
	log.Printf("MQTT: %s root=%s/# qos=%d connect_timeout=%dms reconnect=%dms echo=%t",
		c.MQTT.Broker, c.MQTT.Root, c.MQTT.QoS, c.MQTT.ConnectTimeoutMs, c.MQTT.ReconnectIntervalMs, c.MQTT.TrackEcho())
	log.Printf("Control: broadcast_on_command=%t", c.Control.PushOnCommand())
	if c.Logging.Enabled {
		log.Printf("Logging: %s (retention %d days)", c.Logging.Dir, c.Logging.RetentionDays)
	}
}

// normalizeBroker maps the mqtt:// and mqtts:// schemes used by JavaScript
// clients onto paho's tcp:// and ssl://, and adds a scheme and port when missing.
func normalizeBroker(raw string) string {
	broker := strings.TrimSpace(raw)
	if broker == "" {
		return defaultBroker
	}
	switch {
	case strings.HasPrefix(broker, "mqtt://"):
		broker = "tcp://" + strings.TrimPrefix(broker, "mqtt://")
	case strings.HasPrefix(broker, "mqtts://"):
		broker = "ssl://" + strings.TrimPrefix(broker, "mqtts://")
	case !strings.Contains(broker, "://"):
		broker = "tcp://" + broker
	}
	scheme, hostport, _ := strings.Cut(broker, "://")
	if (scheme == "tcp" || scheme == "ssl") && !strings.Contains(hostport, ":") {
		port := "1883"
		if scheme == "ssl" {
			port = "8883"
		}
		broker = scheme + "://" + hostport + ":" + port
	}
	return broker
}

func boolPtr(v bool) *bool {
	return &v
}
