package motion

import (
	"fmt"

	"lautenbacher.net/robotd/util"
)

// Below this magnitude the motors do not turn.
const deadZone = 0.2

// Compensation holds the per side scale factors, index 0 is left.
type Compensation struct {
	Forward  [2]float64
	Backward [2]float64
}

func (c Compensation) factor(s float64, side int) float64 {
	if s > 0 {
		return c.Forward[side]
	}
	return c.Backward[side]
}

// RealSpeed turns a user speed pair into motor values: each side is scaled
// by its compensation factor, then (0, 1] is stretched onto (0.2, 1] so the
// dead zone is skipped. 0 stays 0. A side that its factor pushes past full
// power is out of range.
func (c Compensation) RealSpeed(s [2]float64) ([2]float64, error) {
	var out [2]float64
	for i, v := range s {
		v *= c.factor(v, i)
		if v < -1 || v > 1 {
			return out, fmt.Errorf("%w: speed %v exceeds full power after compensation", ErrOutOfRange, s[i])
		}
		switch {
		case v > 0:
			v = v*(1-deadZone) + deadZone
		case v < 0:
			v = v*(1-deadZone) - deadZone
		}
		out[i] = util.Clamp(v, -1, 1)
	}
	return out, nil
}

// MappedSpeed is the inverse of RealSpeed.
func (c Compensation) MappedSpeed(s [2]float64) [2]float64 {
	var out [2]float64
	for i, v := range s {
		switch {
		case v > 0:
			v = (v - deadZone) / (1 - deadZone)
		case v < 0:
			v = (v + deadZone) / (1 - deadZone)
		}
		if v != 0 {
			v /= c.factor(v, i)
		}
		out[i] = util.Clamp(v, -1, 1)
	}
	return out
}
