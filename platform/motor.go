package platform

import (
	"fmt"
	"math"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// pwmMotor drives one H-bridge channel: the forward pin carries the duty for
// positive values, the backward pin for negative ones.
type pwmMotor struct {
	mu       sync.Mutex
	forward  gpio.PinOut
	backward gpio.PinOut
	freq     physic.Frequency
	value    float64
	closed   bool
}

func newPWMMotor(forward, backward gpio.PinOut, freq physic.Frequency) (*pwmMotor, error) {
	m := &pwmMotor{forward: forward, backward: backward, freq: freq}
	if err := m.SetValue(0); err != nil {
		return nil, err
	}
	return m, nil
}

func dutyOf(v float64) gpio.Duty {
	return gpio.Duty(math.Round(math.Abs(v) * float64(gpio.DutyMax)))
}

func (m *pwmMotor) Value() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

func (m *pwmMotor) SetValue(v float64) error {
	if math.IsNaN(v) || v < -1 || v > 1 {
		return fmt.Errorf("%w: motor value %v must be -1 to 1", ErrOutOfRange, v)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("motor on %s is closed", m.forward)
	}

	var err error
	switch {
	case v > 0:
		if err = m.backward.Out(gpio.Low); err == nil {
			err = m.forward.PWM(dutyOf(v), m.freq)
		}
	case v < 0:
		if err = m.forward.Out(gpio.Low); err == nil {
			err = m.backward.PWM(dutyOf(v), m.freq)
		}
	default:
		err = m.forward.Out(gpio.Low)
		if err2 := m.backward.Out(gpio.Low); err == nil {
			err = err2
		}
	}
	if err != nil {
		return fmt.Errorf("failed to drive motor: %w", err)
	}
	m.value = v
	return nil
}

// Close stops the motor and halts both pins. Closing twice is a no-op.
func (m *pwmMotor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.value = 0
	err := m.forward.Out(gpio.Low)
	if err2 := m.backward.Out(gpio.Low); err == nil {
		err = err2
	}
	m.forward.Halt()
	m.backward.Halt()
	return err
}
