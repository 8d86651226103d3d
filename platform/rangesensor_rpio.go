package platform

import (
	"time"

	"github.com/stianeikeland/go-rpio/v4"
)

const (
	triggerPulse       = 10 * time.Microsecond
	singlePinSettle    = 2 * time.Microsecond
	echoStartTimeout   = time.Millisecond
	singlePinEchoStart = 10 * time.Millisecond
	echoEndTimeout     = 40 * time.Millisecond
)

// busyWait spins for d. time.Sleep cannot do microseconds.
func busyWait(d time.Duration) {
	for start := time.Now(); time.Since(start) < d; {
	}
}

// rpioMeter bit-bangs an HC-SR04 style sensor through memory mapped GPIO.
// With trigger == echo the pin is switched between output and input for
// every ping.
type rpioMeter struct {
	trigger      rpio.Pin
	echo         rpio.Pin
	singlePin    bool
	startTimeout time.Duration
}

func newRPIOMeter(trigger, echo int, singlePin bool) *rpioMeter {
	m := &rpioMeter{
		trigger:      rpio.Pin(trigger),
		echo:         rpio.Pin(echo),
		singlePin:    singlePin,
		startTimeout: echoStartTimeout,
	}
	if singlePin {
		m.echo = m.trigger
		m.startTimeout = singlePinEchoStart
		return m
	}
	m.trigger.Output()
	m.trigger.Low()
	m.echo.Input()
	return m
}

func (m *rpioMeter) ping() {
	if m.singlePin {
		m.trigger.Output()
		m.trigger.Low()
		busyWait(singlePinSettle)
	}
	m.trigger.High()
	busyWait(triggerPulse)
	m.trigger.Low()
	if m.singlePin {
		m.echo.Input()
		m.echo.PullUp()
	}
}

func (m *rpioMeter) Measure() (time.Duration, bool) {
	m.ping()

	triggered := time.Now()
	start := triggered
	for m.echo.Read() == rpio.Low {
		start = time.Now()
		if start.Sub(triggered) > m.startTimeout {
			return 0, false
		}
	}
	for m.echo.Read() == rpio.High {
		if time.Since(start) > echoEndTimeout {
			return 0, false
		}
	}
	return time.Since(start), true
}

func (m *rpioMeter) Close() error {
	m.trigger.Low()
	m.trigger.Input()
	return nil
}
