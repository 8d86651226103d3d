package platform

import (
	"errors"

	"lautenbacher.net/robotd/config"
)

// ErrOutOfRange is returned for values outside a device's domain.
var ErrOutOfRange = errors.New("value out of range")

// Platform abstracts the robot hardware from the simulation used on a
// development machine.
type Platform interface {
	// Start opens the buses shared by all devices.
	Start() error

	// Stop releases everything Start opened.
	Stop()

	// ServoChannel returns one output of the 16 channel servo board.
	ServoChannel(channel int) (DutyChannel, error)

	NewMotor(pins config.MotorPins) (Motor, error)
	NewButton(cfg config.ButtonConfig) (Input, error)
	NewLineSensor(pin int, cfg config.LineSensorConfig) (Input, error)
	NewRangeSensor(cfg config.SonarConfig) (*RangeSensor, error)
	NewBuzzer(cfg config.BuzzerConfig) (Buzzer, error)

	// Screen is opened by Start and lives as long as the platform.
	Screen() Screen
}

// DutyChannel is a PWM output with a 16 bit duty cycle.
type DutyChannel interface {
	SetDuty(duty uint16) error
	Duty() uint16
	// Frequency is the PWM frequency in Hz.
	Frequency() float64
}

// Motor is one side of the drive train; value is in [-1, 1].
type Motor interface {
	Value() float64
	SetValue(v float64) error
	Close() error
}

// Input is a debounced binary input that reports changes through a
// callback running on the input's own goroutine.
type Input interface {
	Value() bool
	SetOnChange(fn func(active bool))
	Close() error
}

// Buzzer plays a square wave tone.
type Buzzer interface {
	Play(hz float64) error
	Stop() error
	Close() error
}

// Screen is a RGB565 framebuffer.
type Screen interface {
	Size() (width, height int)
	// Block writes big endian RGB565 pixel data into the inclusive window
	// (x0, y0)-(x1, y1).
	Block(x0, y0, x1, y1 int, data []byte) error
	Fill(color uint16, x, y, w, h int) error
	Pixel(x, y int, color uint16) error
	Close() error
}
