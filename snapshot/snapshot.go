// Package snapshot holds the single in-memory aggregate of the latest
// greenhouse sensor readings and actuator states.
//
// The Store is created once in main and handed by pointer to every component
// that reads or mutates it (bus subscriber, command publisher, fan-out hub).
// All access goes through the Store's lock; Read hands out deep copies so a
// caller never observes a half-applied merge.
package snapshot

import (
	"fmt"
	"strings"
	"time"
)

// ClimateField identifies one sensor reading in the climate block.
type ClimateField uint8

const (
	FieldTemperature ClimateField = iota
	FieldPressure
	FieldAltitude
	FieldSoilTemp
	FieldSoilMoisture
	FieldUV
	FieldRain
	FieldLux
)

var climateFieldNames = [...]string{
	FieldTemperature:  "temperature",
	FieldPressure:     "pressure",
	FieldAltitude:     "altitude",
	FieldSoilTemp:     "soilTemp",
	FieldSoilMoisture: "soilMoisture",
	FieldUV:           "uv",
	FieldRain:         "rain",
	FieldLux:          "lux",
}

// ClimateFields lists every climate field in wire order.
func ClimateFields() []ClimateField {
	return []ClimateField{
		FieldTemperature, FieldPressure, FieldAltitude, FieldSoilTemp,
		FieldSoilMoisture, FieldUV, FieldRain, FieldLux,
	}
}

// String returns the JSON key used for the field.
func (f ClimateField) String() string {
	if int(f) < len(climateFieldNames) {
		return climateFieldNames[f]
	}
	return fmt.Sprintf("ClimateField(%d)", uint8(f))
}

// Actuator names a controllable device line. The value doubles as the JSON
// key in the manager block and the last segment of the command topic.
type Actuator string

const (
	ActuatorLight       Actuator = "lightbulb"
	ActuatorVentilation Actuator = "ventilation"
	ActuatorIrrigation  Actuator = "irrigation"
	ActuatorAutomation  Actuator = "automation"
)

// Actuators lists every actuator in wire order.
func Actuators() []Actuator {
	return []Actuator{ActuatorLight, ActuatorVentilation, ActuatorIrrigation, ActuatorAutomation}
}

// State is the binary state of an actuator.
type State string

const (
	StateOn  State = "on"
	StateOff State = "off"
)

// Valid reports whether s is one of the two accepted literals.
func (s State) Valid() bool {
	return s == StateOn || s == StateOff
}

// timestampLayout matches JavaScript's Date.toISOString (UTC, millisecond precision).
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp is a wall-clock instant rendered as an ISO-8601 UTC string.
type Timestamp struct {
	time.Time
}

// MarshalJSON renders the instant in UTC with millisecond precision.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(timestampLayout) + `"`), nil
}

// UnmarshalJSON accepts the millisecond layout and plain RFC 3339.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	parsed, err := time.Parse(timestampLayout, raw)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", raw, err)
		}
	}
	t.Time = parsed.UTC()
	return nil
}

// Climate carries the latest sensor readings. A nil field has not been
// observed since process start.
type Climate struct {
	Temperature  *float64   `json:"temperature"`
	Pressure     *float64   `json:"pressure"`
	Altitude     *float64   `json:"altitude"`
	SoilTemp     *float64   `json:"soilTemp"`
	SoilMoisture *float64   `json:"soilMoisture"`
	UV           *float64   `json:"uv"`
	Rain         *float64   `json:"rain"`
	Lux          *float64   `json:"lux"`
	LastUpdate   *Timestamp `json:"lastUpdate"`
}

// Manager carries the actuator states.
type Manager struct {
	Lightbulb   State `json:"lightbulb"`
	Ventilation State `json:"ventilation"`
	Irrigation  State `json:"irrigation"`
	Automation  State `json:"automation"`
}

// Snapshot is the full aggregated state. Version increases on every
// effective mutation and is not part of the wire shape.
type Snapshot struct {
	Climate Climate `json:"climate"`
	Manager Manager `json:"manager"`
	Version uint64  `json:"-"`
}

// Initial returns the process-start snapshot: every reading absent, every
// actuator off.
func Initial() Snapshot {
	return Snapshot{
		Manager: Manager{
			Lightbulb:   StateOff,
			Ventilation: StateOff,
			Irrigation:  StateOff,
			Automation:  StateOff,
		},
	}
}

// Reading returns the value of a climate field and whether it has been observed.
func (s Snapshot) Reading(field ClimateField) (float64, bool) {
	p := s.Climate.slot(field)
	if p == nil || *p == nil {
		return 0, false
	}
	return **p, true
}

// Actuator returns the state of the named actuator.
func (s Snapshot) Actuator(name Actuator) State {
	if p := s.Manager.slot(name); p != nil {
		return *p
	}
	return ""
}

// LastUpdate returns the instant of the most recent climate write.
func (s Snapshot) LastUpdate() (time.Time, bool) {
	if s.Climate.LastUpdate == nil {
		return time.Time{}, false
	}
	return s.Climate.LastUpdate.Time, true
}

func (c *Climate) slot(field ClimateField) **float64 {
	switch field {
	case FieldTemperature:
		return &c.Temperature
	case FieldPressure:
		return &c.Pressure
	case FieldAltitude:
		return &c.Altitude
	case FieldSoilTemp:
		return &c.SoilTemp
	case FieldSoilMoisture:
		return &c.SoilMoisture
	case FieldUV:
		return &c.UV
	case FieldRain:
		return &c.Rain
	case FieldLux:
		return &c.Lux
	}
	return nil
}

func (m *Manager) slot(name Actuator) *State {
	switch name {
	case ActuatorLight:
		return &m.Lightbulb
	case ActuatorVentilation:
		return &m.Ventilation
	case ActuatorIrrigation:
		return &m.Irrigation
	case ActuatorAutomation:
		return &m.Automation
	}
	return nil
}

// clone deep-copies the pointer fields so the result shares nothing with s.
func (s Snapshot) clone() Snapshot {
	out := s
	for _, field := range ClimateFields() {
		src := s.Climate.slot(field)
		if *src == nil {
			continue
		}
		v := **src
		*out.Climate.slot(field) = &v
	}
	if s.Climate.LastUpdate != nil {
		ts := *s.Climate.LastUpdate
		out.Climate.LastUpdate = &ts
	}
	return out
}
