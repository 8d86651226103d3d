package sensors

import (
	"encoding/json"
)

// Kind names a sensor event on the wire.
type Kind string

const (
	LineLeft      Kind = "lir"
	LineRight     Kind = "rir"
	Pressed       Kind = "pressed"
	DoublePressed Kind = "double_pressed"
	Released      Kind = "released"
	Held          Kind = "held"
	InRange       Kind = "in_range"
	OutOfRange    Kind = "out_of_range"
	// Poll carries the current distance when nothing else happened.
	Poll Kind = "sonar"
)

// Event is one observed hardware transition. Value is a bool for the
// line sensors and the button, a distance in meters otherwise.
type Event struct {
	Kind  Kind
	Value any
}

// MarshalJSON encodes the event as a [kind, value] pair.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Kind, e.Value})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &e.Kind); err != nil {
		return err
	}
	switch e.Kind {
	case InRange, OutOfRange, Poll:
		var d float64
		if err := json.Unmarshal(pair[1], &d); err != nil {
			return err
		}
		e.Value = d
	default:
		var b bool
		if err := json.Unmarshal(pair[1], &b); err != nil {
			return err
		}
		e.Value = b
	}
	return nil
}
