package platform

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/pca9685"
)

const servoChannels = 16

// servoKit owns the PCA9685 board. Its channels outlive sessions so the
// backlight keeps working between them.
type servoKit struct {
	bus      i2c.BusCloser
	dev      *pca9685.Dev
	freq     float64
	mu       sync.Mutex
	channels [servoChannels]*pcaChannel
}

func openServoKit(busName string, addr uint16, freq int) (*servoKit, error) {
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("failed to open i2c bus %q: %w", busName, err)
	}
	if addr == 0 {
		addr = pca9685.I2CAddr
	}
	dev, err := pca9685.NewI2C(bus, addr)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("failed to open pca9685 at %#x: %w", addr, err)
	}
	if err := dev.SetPwmFreq(physic.Frequency(freq) * physic.Hertz); err != nil {
		bus.Close()
		return nil, fmt.Errorf("failed to set pwm frequency: %w", err)
	}
	return &servoKit{bus: bus, dev: dev, freq: float64(freq)}, nil
}

func (k *servoKit) channel(index int) (DutyChannel, error) {
	if index < 0 || index >= servoChannels {
		return nil, fmt.Errorf("%w: servo channel must be 0-%d, got %d", ErrOutOfRange, servoChannels-1, index)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.channels[index] == nil {
		k.channels[index] = &pcaChannel{kit: k, index: index}
	}
	return k.channels[index], nil
}

func (k *servoKit) close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, ch := range k.channels {
		if ch != nil {
			_ = k.dev.SetFullOff(ch.index)
		}
	}
	return k.bus.Close()
}

type pcaChannel struct {
	kit   *servoKit
	index int
	mu    sync.Mutex
	duty  uint16
}

// SetDuty converts the 16 bit duty to the board's 12 bit resolution.
func (c *pcaChannel) SetDuty(duty uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	switch duty {
	case 0:
		err = c.kit.dev.SetFullOff(c.index)
	case maxDuty:
		err = c.kit.dev.SetFullOn(c.index)
	default:
		err = c.kit.dev.SetPwm(c.index, 0, gpio.Duty(duty>>4))
	}
	if err != nil {
		return fmt.Errorf("servo channel %d: %w", c.index, err)
	}
	c.duty = duty
	return nil
}

func (c *pcaChannel) Duty() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duty
}

func (c *pcaChannel) Frequency() float64 {
	return c.kit.freq
}
