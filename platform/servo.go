package platform

import (
	"fmt"
	"math"
	"sync"

	"lautenbacher.net/robotd/config"
)

const maxDuty = 0xFFFF

// Servo maps a position fraction in [0, 1], or an angle within the
// actuation range, to a pulse width on a DutyChannel.
type Servo struct {
	mu         sync.Mutex
	ch         DutyChannel
	minPulse   float64
	maxPulse   float64
	minDuty    float64
	dutyRange  float64
	startAngle float64
	endAngle   float64
	// fraction is the last commanded position. Relax keeps it for readback,
	// SetFraction(nil) clears it.
	fraction *float64
	enabled  bool
}

// NewServo configures ch from cfg. The output stays off until a position is
// set.
func NewServo(ch DutyChannel, cfg config.ServoChannelConfig) (*Servo, error) {
	s := &Servo{ch: ch}
	if err := s.SetPulseRange(cfg.MinPulse, cfg.MaxPulse); err != nil {
		return nil, err
	}
	if err := s.SetActuationRange(cfg.StartAngle, cfg.EndAngle); err != nil {
		return nil, err
	}
	return s, nil
}

// SetPulseRange changes the pulse widths in microseconds that correspond to
// fraction 0 and 1. min may be larger than max for a mirrored servo.
func (s *Servo) SetPulseRange(minPulse, maxPulse float64) error {
	period := 1e6 / s.ch.Frequency()
	if minPulse < 0 || maxPulse < 0 || minPulse > period || maxPulse > period || minPulse == maxPulse {
		return fmt.Errorf("%w: pulse range [%v, %v] with period %vus", ErrOutOfRange, minPulse, maxPulse, period)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minPulse, s.maxPulse = minPulse, maxPulse
	s.minDuty = math.Trunc(minPulse * s.ch.Frequency() / 1e6 * maxDuty)
	s.dutyRange = math.Trunc(maxPulse*s.ch.Frequency()/1e6*maxDuty - s.minDuty)
	if s.enabled && s.fraction != nil {
		return s.write(*s.fraction)
	}
	return nil
}

func (s *Servo) PulseRange() (minPulse, maxPulse float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minPulse, s.maxPulse
}

// SetActuationRange maps [start, end] degrees onto fraction [0, 1].
func (s *Servo) SetActuationRange(start, end float64) error {
	if start == end {
		return fmt.Errorf("%w: empty actuation range", ErrOutOfRange)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startAngle, s.endAngle = start, end
	return nil
}

func (s *Servo) ActuationRange() (start, end float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startAngle, s.endAngle
}

func (s *Servo) write(f float64) error {
	duty := s.minDuty + math.Trunc(f*s.dutyRange)
	return s.ch.SetDuty(uint16(min(max(duty, 0), maxDuty)))
}

// Fraction returns the commanded position, or nil if none is set.
func (s *Servo) Fraction() *float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fraction == nil {
		return nil
	}
	f := *s.fraction
	return &f
}

// SetFraction moves the servo. nil switches the output off and forgets the
// position.
func (s *Servo) SetFraction(f *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f == nil {
		s.fraction = nil
		s.enabled = false
		return s.ch.SetDuty(0)
	}
	v := *f
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: fraction %v must be 0 to 1", ErrOutOfRange, v)
	}
	if err := s.write(v); err != nil {
		return err
	}
	s.fraction = &v
	s.enabled = true
	return nil
}

// Angle returns the commanded angle, or nil if no position is set.
func (s *Servo) Angle() *float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fraction == nil {
		return nil
	}
	a := (s.endAngle-s.startAngle)*(*s.fraction) + s.startAngle
	return &a
}

// SetAngle moves the servo to an angle within the actuation range. nil
// behaves like SetFraction(nil).
func (s *Servo) SetAngle(a *float64) error {
	if a == nil {
		return s.SetFraction(nil)
	}
	start, end := s.ActuationRange()
	if !s.InAngleRange(*a) {
		return fmt.Errorf("%w: angle %v must be %v to %v", ErrOutOfRange, *a, start, end)
	}
	f := (*a - start) / (end - start)
	return s.SetFraction(&f)
}

// InAngleRange reports whether a lies within the actuation range.
func (s *Servo) InAngleRange(a float64) bool {
	start, end := s.ActuationRange()
	return (start <= a && a <= end) || (start >= a && a >= end)
}

// Relax switches the output off but keeps the last position for readback.
func (s *Servo) Relax() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
	return s.ch.SetDuty(0)
}

// Relaxed reports whether the output is off.
func (s *Servo) Relaxed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.enabled
}
