package bus

import (
	"strings"

	"ghbridge/snapshot"
)

// RouteKind classifies an inbound topic.
type RouteKind uint8

const (
	RouteUnknown RouteKind = iota
	RouteClimate
	RouteActuator
)

// Route is the decoded destination of an inbound topic.
type Route struct {
	Kind     RouteKind
	Field    snapshot.ClimateField
	Actuator snapshot.Actuator
}

// climateSuffixes maps topic suffixes below the root onto climate fields.
var climateSuffixes = map[string]snapshot.ClimateField{
	"climate/getTemperature":  snapshot.FieldTemperature,
	"climate/getPressure":     snapshot.FieldPressure,
	"climate/getAltitude":     snapshot.FieldAltitude,
	"climate/getSoilTemp":     snapshot.FieldSoilTemp,
	"climate/getSoilMoisture": snapshot.FieldSoilMoisture,
	"climate/getUV":           snapshot.FieldUV,
	"climate/getRain":         snapshot.FieldRain,
	"climate/getLux":          snapshot.FieldLux,
}

const managerSegment = "manager/"

// Topics builds and resolves topic names below a fixed root.
type Topics struct {
	root string
}

// NewTopics returns the topic table for root (without trailing slash).
func NewTopics(root string) Topics {
	return Topics{root: strings.Trim(root, "/")}
}

// Root returns the configured root.
func (t Topics) Root() string {
	return t.root
}

// Subscription returns the multi-level wildcard covering the whole root.
func (t Topics) Subscription() string {
	return t.root + "/#"
}

// Command returns the outbound topic for an actuator command.
func (t Topics) Command(name snapshot.Actuator) string {
	return t.root + "/" + managerSegment + string(name)
}

// Climate returns the inbound topic carrying a climate field.
func (t Topics) Climate(field snapshot.ClimateField) string {
	for suffix, f := range climateSuffixes {
		if f == field {
			return t.root + "/" + suffix
		}
	}
	return ""
}

// Resolve maps a full topic onto its route. Topics outside the root or not
// in the table resolve to RouteUnknown.
func (t Topics) Resolve(topic string) Route {
	suffix, ok := strings.CutPrefix(topic, t.root+"/")
	if !ok {
		return Route{}
	}
	if field, ok := climateSuffixes[suffix]; ok {
		return Route{Kind: RouteClimate, Field: field}
	}
	if name, ok := strings.CutPrefix(suffix, managerSegment); ok {
		for _, a := range snapshot.Actuators() {
			if string(a) == name {
				return Route{Kind: RouteActuator, Actuator: a}
			}
		}
	}
	return Route{}
}
