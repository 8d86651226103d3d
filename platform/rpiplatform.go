package platform

import (
	"fmt"
	"log/slog"

	"github.com/stianeikeland/go-rpio/v4"
	"lautenbacher.net/robotd/config"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// RaspberryPiPlatform talks to the real robot: periph for PWM, edges, I2C
// and SPI, go-rpio for the timing critical range sensor.
type RaspberryPiPlatform struct {
	config *config.Config
	kit    *servoKit
	screen Screen
}

func NewRaspberryPiPlatform(conf *config.Config) *RaspberryPiPlatform {
	return &RaspberryPiPlatform{config: conf}
}

func (s *RaspberryPiPlatform) Start() error {
	slog.Info("Initialise GPIO, I2C and SPI...")
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to init periph: %w", err)
	}
	if err := rpio.Open(); err != nil {
		return fmt.Errorf("failed to open rpio: %w", err)
	}

	var err error
	servoCfg := s.config.Servo
	s.kit, err = openServoKit(servoCfg.I2CBus, servoCfg.Address, servoCfg.Frequency)
	if err != nil {
		rpio.Close()
		return err
	}

	screenCfg := s.config.Screen
	port, err := spireg.Open(screenCfg.SPIPort)
	if err != nil {
		s.Stop()
		return fmt.Errorf("failed to open spi: %w", err)
	}
	dc, err := outPin(screenCfg.DC)
	if err != nil {
		port.Close()
		s.Stop()
		return err
	}
	rst, err := outPin(screenCfg.RST)
	if err != nil {
		port.Close()
		s.Stop()
		return err
	}
	s.screen, err = newST7789(port, physic.Frequency(screenCfg.Frequency)*physic.Hertz, dc, rst,
		screenCfg.Width, screenCfg.Height, screenCfg.XOffset, screenCfg.YOffset)
	if err != nil {
		port.Close()
		s.Stop()
		return err
	}
	return nil
}

func (s *RaspberryPiPlatform) Stop() {
	if s.screen != nil {
		if err := s.screen.Close(); err != nil {
			slog.Error("Error closing screen", "error", err)
		}
		s.screen = nil
	}
	if s.kit != nil {
		if err := s.kit.close(); err != nil {
			slog.Error("Error closing servo board", "error", err)
		}
		s.kit = nil
	}
	if err := rpio.Close(); err != nil {
		slog.Error("Error closing rpio", "error", err)
	}
}

func pinByNumber(n int) (gpio.PinIO, error) {
	pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", n))
	if pin == nil {
		return nil, fmt.Errorf("failed to find pin %d", n)
	}
	return pin, nil
}

func outPin(n int) (gpio.PinIO, error) {
	pin, err := pinByNumber(n)
	if err != nil {
		return nil, err
	}
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("failed to set pin %d to output: %w", n, err)
	}
	return pin, nil
}

func (s *RaspberryPiPlatform) ServoChannel(channel int) (DutyChannel, error) {
	return s.kit.channel(channel)
}

func (s *RaspberryPiPlatform) NewMotor(pins config.MotorPins) (Motor, error) {
	fwd, err := outPin(pins.Forward)
	if err != nil {
		return nil, err
	}
	bwd, err := outPin(pins.Backward)
	if err != nil {
		return nil, err
	}
	return newPWMMotor(fwd, bwd, physic.Frequency(s.config.Motor.PWMFrequency)*physic.Hertz)
}

func (s *RaspberryPiPlatform) NewButton(cfg config.ButtonConfig) (Input, error) {
	pin, err := pinByNumber(cfg.Pin)
	if err != nil {
		return nil, err
	}
	in, err := newEdgeInput(pin, cfg.Debounce)
	if err != nil {
		return nil, fmt.Errorf("failed to watch button on pin %d: %w", cfg.Pin, err)
	}
	return in, nil
}

func (s *RaspberryPiPlatform) NewLineSensor(pin int, cfg config.LineSensorConfig) (Input, error) {
	p, err := pinByNumber(pin)
	if err != nil {
		return nil, err
	}
	in, err := newSampledInput(p, cfg.SampleRate, cfg.SmoothingSize)
	if err != nil {
		return nil, fmt.Errorf("failed to sample line sensor on pin %d: %w", pin, err)
	}
	return in, nil
}

func (s *RaspberryPiPlatform) NewRangeSensor(cfg config.SonarConfig) (*RangeSensor, error) {
	r := newRangeSensor(newRPIOMeter(cfg.Trigger, cfg.Echo, cfg.SinglePin), cfg)
	r.start()
	return r, nil
}

func (s *RaspberryPiPlatform) NewBuzzer(cfg config.BuzzerConfig) (Buzzer, error) {
	pin, err := outPin(cfg.Pin)
	if err != nil {
		return nil, err
	}
	return newPWMBuzzer(pin)
}

func (s *RaspberryPiPlatform) Screen() Screen {
	return s.screen
}
