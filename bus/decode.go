package bus

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"ghbridge/snapshot"
)

// ErrDecode marks a payload that could not be turned into a snapshot value.
var ErrDecode = errors.New("decode error")

// ParseReading decodes a climate payload: a decimal number as ASCII text.
// NaN and infinities are rejected so a corrupt sensor never reaches the snapshot.
func ParseReading(payload []byte) (float64, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return 0, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrDecode, truncatePayload(text))
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q is not a finite number", ErrDecode, truncatePayload(text))
	}
	return v, nil
}

// ParseActuatorState decodes an actuator echo payload ("on" or "off").
func ParseActuatorState(payload []byte) (snapshot.State, error) {
	state := snapshot.State(strings.TrimSpace(string(payload)))
	if !state.Valid() {
		return "", fmt.Errorf("%w: actuator state %q", ErrDecode, truncatePayload(string(state)))
	}
	return state, nil
}

func truncatePayload(s string) string {
	const max = 32
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
