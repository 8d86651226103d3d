package session

import (
	"fmt"
	"time"

	"lautenbacher.net/robotd/config"
	"lautenbacher.net/robotd/motion"
)

// withConfig runs fn on the live configuration record.
func (s *Session) withConfig(fn func(c *config.Config)) {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	fn(s.server.config)
}

// CalibrateMotor sets the compensation factors of one direction, forward
// or backward. SaveConfig persists them.
func (s *Session) CalibrateMotor(direction string, left, right float64) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.motion.CalibrateMotor(direction, left, right); err != nil {
		return err
	}
	comp := s.motion.Compensation()
	s.withConfig(func(c *config.Config) {
		c.Motor.Forward = comp.Forward[:]
		c.Motor.Backward = comp.Backward[:]
	})
	return nil
}

// CalibrateServo changes the pulse range of the servo on channel. A nil
// bound keeps its current value.
func (s *Session) CalibrateServo(channel int, minPulse, maxPulse *float64) error {
	if err := s.check(); err != nil {
		return err
	}
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	for _, e := range s.server.servos.entries(&s.server.config.Servo) {
		if e.cfg.Channel != channel {
			continue
		}
		lo, hi := e.servo.PulseRange()
		if minPulse != nil {
			lo = *minPulse
		}
		if maxPulse != nil {
			hi = *maxPulse
		}
		if err := e.servo.SetPulseRange(lo, hi); err != nil {
			return err
		}
		e.cfg.MinPulse, e.cfg.MaxPulse = lo, hi
		return nil
	}
	return fmt.Errorf("%w: no servo on channel %d", motion.ErrOutOfRange, channel)
}

// PulseRange returns the pulse range of the servo on channel.
func (s *Session) PulseRange(channel int) (minPulse, maxPulse float64, err error) {
	if err := s.check(); err != nil {
		return 0, 0, err
	}
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	for _, e := range s.server.servos.entries(&s.server.config.Servo) {
		if e.cfg.Channel == channel {
			minPulse, maxPulse = e.servo.PulseRange()
			return minPulse, maxPulse, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: no servo on channel %d", motion.ErrOutOfRange, channel)
}

func (s *Session) DoublePressMaxInterval() (time.Duration, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.hub.DoublePressMaxInterval(), nil
}

func (s *Session) SetDoublePressMaxInterval(d time.Duration) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.hub.SetDoublePressMaxInterval(d); err != nil {
		return err
	}
	s.withConfig(func(c *config.Config) { c.Button.DoublePressMaxInterval = d })
	return nil
}

func (s *Session) HoldTime() (time.Duration, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.hub.HoldTime(), nil
}

func (s *Session) SetHoldTime(d time.Duration) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.hub.SetHoldTime(d); err != nil {
		return err
	}
	s.withConfig(func(c *config.Config) { c.Button.HoldTime = d })
	return nil
}

func (s *Session) HoldRepeat() (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	return s.hub.HoldRepeat(), nil
}

func (s *Session) SetHoldRepeat(repeat bool) error {
	if err := s.check(); err != nil {
		return err
	}
	s.hub.SetHoldRepeat(repeat)
	s.withConfig(func(c *config.Config) { c.Button.HoldRepeat = repeat })
	return nil
}

func (s *Session) ThresholdDistance() (float64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.ranger.Threshold(), nil
}

func (s *Session) SetThresholdDistance(d float64) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.ranger.SetThreshold(d); err != nil {
		return err
	}
	s.withConfig(func(c *config.Config) { c.Sonar.ThresholdDistance = d })
	return nil
}

func (s *Session) MaxDistance() (float64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.ranger.MaxDistance(), nil
}

func (s *Session) SetMaxDistance(d float64) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.ranger.SetMaxDistance(d); err != nil {
		return err
	}
	s.withConfig(func(c *config.Config) { c.Sonar.MaxDistance = d })
	return nil
}

func (s *Session) audioControls() (mic, speaker string) {
	s.withConfig(func(c *config.Config) {
		mic, speaker = c.Audio.MicrophoneControl, c.Audio.SpeakerControl
	})
	return mic, speaker
}

func (s *Session) MicrophoneVolume() (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	control, _ := s.audioControls()
	return s.server.opts.Mixer.Volume(control)
}

func (s *Session) SetMicrophoneVolume(percent int) error {
	if err := s.check(); err != nil {
		return err
	}
	control, _ := s.audioControls()
	return s.server.opts.Mixer.SetVolume(control, percent)
}

func (s *Session) SpeakerVolume() (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	_, control := s.audioControls()
	return s.server.opts.Mixer.Volume(control)
}

func (s *Session) SetSpeakerVolume(percent int) error {
	if err := s.check(); err != nil {
		return err
	}
	_, control := s.audioControls()
	return s.server.opts.Mixer.SetVolume(control, percent)
}

// GetEnv returns the value stored under key, nil if there is none.
func (s *Session) GetEnv(key string) (any, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	v, _ := s.server.Env().Get(key)
	return v, nil
}

func (s *Session) SetEnv(key string, value any) error {
	if err := s.check(); err != nil {
		return err
	}
	s.server.Env().Set(key, value)
	return nil
}

// DelEnv removes key and reports whether it existed.
func (s *Session) DelEnv(key string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	return s.server.Env().Delete(key), nil
}

func (s *Session) SaveEnv() error {
	if err := s.check(); err != nil {
		return err
	}
	return s.server.Env().Save()
}

func (s *Session) SaveConfig() error {
	if err := s.check(); err != nil {
		return err
	}
	return s.server.SaveConfig()
}
