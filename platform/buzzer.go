package platform

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// Tone range of the piezo buzzer, one octave around A4.
const (
	MinTone = 220.0
	MaxTone = 880.0
)

func checkTone(hz float64) error {
	if hz < MinTone || hz > MaxTone {
		return fmt.Errorf("%w: tone %vHz must be %v to %vHz", ErrOutOfRange, hz, MinTone, MaxTone)
	}
	return nil
}

type pwmBuzzer struct {
	mu     sync.Mutex
	pin    gpio.PinOut
	closed bool
}

func newPWMBuzzer(pin gpio.PinOut) (*pwmBuzzer, error) {
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("failed to init buzzer on %s: %w", pin, err)
	}
	return &pwmBuzzer{pin: pin}, nil
}

// Play starts a square wave at hz. 0 stops the buzzer.
func (b *pwmBuzzer) Play(hz float64) error {
	if hz == 0 {
		return b.Stop()
	}
	if err := checkTone(hz); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("buzzer is closed")
	}
	return b.pin.PWM(gpio.DutyHalf, physic.Frequency(hz*float64(physic.Hertz)))
}

func (b *pwmBuzzer) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	return b.pin.Out(gpio.Low)
}

func (b *pwmBuzzer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.pin.Out(gpio.Low)
	b.pin.Halt()
	return err
}
