package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nathan-osman/go-sunrise"
	"lautenbacher.net/robotd/config"
	"lautenbacher.net/robotd/platform"
)

// Idle owns the button and the buzzer while no session is active. A press
// lights the screen for a while, holding the button long enough powers
// the robot off.
type Idle struct {
	conf      config.IdleConfig
	button    platform.Input
	buzzer    platform.Buzzer
	backlight *platform.Servo
	run       func(cmd string) error
	now       func() time.Time

	mu       sync.Mutex
	lightOff *time.Timer
	powerOff *time.Timer
	shutdown *time.Timer
	closed   bool
}

func startIdle(plat platform.Platform, conf *config.Config, backlight *platform.Servo, run func(string) error) (*Idle, error) {
	button, err := plat.NewButton(conf.Button)
	if err != nil {
		return nil, err
	}
	buzzer, err := plat.NewBuzzer(conf.Buzzer)
	if err != nil {
		button.Close()
		return nil, err
	}
	i := &Idle{
		conf:      conf.Idle,
		button:    button,
		buzzer:    buzzer,
		backlight: backlight,
		run:       run,
		now:       time.Now,
	}
	button.SetOnChange(i.onButton)
	slog.Debug("Idle mode started")
	return i, nil
}

// brightness is the backlight level for the time of day at the configured
// place. Without a place it is always day.
func (i *Idle) brightness() float64 {
	if i.conf.Latitude == 0 && i.conf.Longitude == 0 {
		return i.conf.DayBrightness
	}
	now := i.now().UTC()
	rise, set := sunrise.SunriseSunset(i.conf.Latitude, i.conf.Longitude, now.Year(), now.Month(), now.Day())
	if now.After(rise) && now.Before(set) {
		return i.conf.DayBrightness
	}
	return i.conf.NightBrightness
}

func (i *Idle) onButton(pressed bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	if !pressed {
		stopTimer(&i.powerOff)
		return
	}

	level := i.brightness()
	if err := i.backlight.SetFraction(&level); err != nil {
		slog.Error("Error lighting the screen", "error", err)
	}
	stopTimer(&i.lightOff)
	i.lightOff = time.AfterFunc(i.conf.LightUpTime, i.darken)

	stopTimer(&i.powerOff)
	if i.conf.PowerOffHold > 0 && i.conf.PowerOffCommand != "" {
		i.powerOff = time.AfterFunc(i.conf.PowerOffHold, i.beginPowerOff)
	}
}

func (i *Idle) darken() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	if err := i.backlight.SetFraction(nil); err != nil {
		slog.Error("Error darkening the screen", "error", err)
	}
}

func (i *Idle) beginPowerOff() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed || i.shutdown != nil {
		return
	}
	slog.Info("Button held, powering off", "delay", i.conf.PowerOffDelay)
	if err := i.buzzer.Play(440); err != nil {
		slog.Error("Error sounding the buzzer", "error", err)
	}
	time.AfterFunc(300*time.Millisecond, func() { i.buzzer.Stop() })
	i.shutdown = time.AfterFunc(i.conf.PowerOffDelay, func() {
		if err := i.run(i.conf.PowerOffCommand); err != nil {
			slog.Error("Power off command failed", "command", i.conf.PowerOffCommand, "error", err)
		}
	})
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// Close releases the button and the buzzer and switches the screen off. A
// pending power off still happens.
func (i *Idle) Close() error {
	i.button.SetOnChange(nil)
	i.mu.Lock()
	i.closed = true
	stopTimer(&i.lightOff)
	stopTimer(&i.powerOff)
	i.mu.Unlock()

	return errors.Join(
		i.backlight.SetFraction(nil),
		i.buzzer.Close(),
		i.button.Close(),
	)
}
