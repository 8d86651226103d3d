package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"lautenbacher.net/robotd/config"
	"lautenbacher.net/robotd/media"
	"lautenbacher.net/robotd/platform"
	"lautenbacher.net/robotd/sensors"
)

var (
	// ErrBusy is returned by Enter while another session is active.
	ErrBusy = errors.New("robot is busy with another session")
	// ErrClosed is returned by every session operation after Close.
	ErrClosed = errors.New("session closed")
)

// Monitor watches the robot, e.g. the terminal viewer. Its methods are
// called from device goroutines and must not block.
type Monitor interface {
	Distance(d float64)
	Actuator(name string, value float64)
	Event(ev sensors.Event)
	Session(id string, active bool)
}

// Options carry the collaborators of a Server. Nil fields get the
// production default.
type Options struct {
	ConfigFile string
	Env        *config.Env
	Audio      media.AudioDriver
	Camera     media.CameraDriver
	Mixer      *media.Mixer
	Monitor    Monitor
	// RunCommand runs a shell command line, for the power off.
	RunCommand func(cmd string) error
}

// Server holds everything that outlives a session: configuration,
// environment, the servo channels with their calibration and the idle
// mode. At most one Session exists at a time.
type Server struct {
	platform platform.Platform
	opts     Options
	bus      *media.AudioBus

	// lock is held for the whole life of a session.
	lock sync.Mutex

	mu      sync.Mutex
	config  *config.Config
	pending *config.Config
	servos  servoSet
	idle    *Idle
	active  *Session
	started bool
}

type servoSet struct {
	leftArm, rightArm, head, backlight, speakerPower *platform.Servo
}

type servoEntry struct {
	servo *platform.Servo
	cfg   *config.ServoChannelConfig
}

// entries pairs every servo with its record in conf.
func (s servoSet) entries(conf *config.ServoConfig) []servoEntry {
	return []servoEntry{
		{s.leftArm, &conf.LeftArm},
		{s.rightArm, &conf.RightArm},
		{s.head, &conf.Head},
		{s.backlight, &conf.Backlight},
		{s.speakerPower, &conf.SpeakerPower},
	}
}

func NewServer(conf *config.Config, plat platform.Platform, opts Options) *Server {
	if opts.Env == nil {
		opts.Env = config.NewEnv("")
	}
	if opts.Audio == nil {
		opts.Audio = media.NewAudioDriver()
	}
	if opts.Camera == nil {
		opts.Camera = media.NewCameraDriver()
	}
	if opts.Mixer == nil {
		opts.Mixer = media.NewMixer()
	}
	if opts.RunCommand == nil {
		opts.RunCommand = runShell
	}
	return &Server{
		platform: plat,
		opts:     opts,
		bus:      media.NewAudioBus(),
		config:   conf,
	}
}

func runShell(cmd string) error {
	c := exec.Command("sh", "-c", cmd)
	c.Stdout, c.Stderr = os.Stdout, os.Stderr
	return c.Run()
}

// Start opens the hardware, sets up the servo channels, beeps and enters
// idle mode.
func (s *Server) Start() error {
	if err := s.platform.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openServosLocked(); err != nil {
		s.platform.Stop()
		return err
	}
	s.started = true
	s.beepLocked()
	s.startIdleLocked()
	return nil
}

func (s *Server) openServosLocked() error {
	open := func(cfg config.ServoChannelConfig) (*platform.Servo, error) {
		ch, err := s.platform.ServoChannel(cfg.Channel)
		if err != nil {
			return nil, err
		}
		return platform.NewServo(ch, cfg)
	}
	sc := s.config.Servo
	var err error
	var set servoSet
	if set.leftArm, err = open(sc.LeftArm); err != nil {
		return fmt.Errorf("left arm servo: %w", err)
	}
	if set.rightArm, err = open(sc.RightArm); err != nil {
		return fmt.Errorf("right arm servo: %w", err)
	}
	if set.head, err = open(sc.Head); err != nil {
		return fmt.Errorf("head servo: %w", err)
	}
	if set.backlight, err = open(sc.Backlight); err != nil {
		return fmt.Errorf("backlight: %w", err)
	}
	if set.speakerPower, err = open(sc.SpeakerPower); err != nil {
		return fmt.Errorf("speaker power: %w", err)
	}
	s.servos = set
	return nil
}

// beepLocked plays a short C4 to tell the daemon is up.
func (s *Server) beepLocked() {
	b, err := s.platform.NewBuzzer(s.config.Buzzer)
	if err != nil {
		slog.Warn("No startup beep", "error", err)
		return
	}
	if err := b.Play(261.63); err != nil {
		slog.Warn("No startup beep", "error", err)
	}
	time.Sleep(300 * time.Millisecond)
	if err := b.Close(); err != nil {
		slog.Error("Error closing buzzer", "error", err)
	}
}

func (s *Server) startIdleLocked() {
	if !s.config.Idle.Enabled || s.idle != nil {
		return
	}
	idle, err := startIdle(s.platform, s.config, s.servos.backlight, s.opts.RunCommand)
	if err != nil {
		slog.Error("Failed to start idle mode", "error", err)
		return
	}
	s.idle = idle
}

func (s *Server) stopIdleLocked() {
	if s.idle == nil {
		return
	}
	if err := s.idle.Close(); err != nil {
		slog.Error("Error leaving idle mode", "error", err)
	}
	s.idle = nil
}

// Stop ends an active session and idle mode and releases the hardware.
func (s *Server) Stop() {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopIdleLocked()
	if !s.started {
		return
	}
	for _, e := range s.servos.entries(&s.config.Servo) {
		if err := e.servo.Relax(); err != nil {
			slog.Error("Error relaxing servo", "error", err)
		}
	}
	s.platform.Stop()
	s.started = false
}

// Enter starts a session. It never waits: while a session is active it
// fails with ErrBusy at once.
func (s *Server) Enter() (*Session, error) {
	if !s.lock.TryLock() {
		return nil, ErrBusy
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.lock.Unlock()
		return nil, errors.New("hardware not started")
	}
	s.stopIdleLocked()
	s.applyPendingLocked()

	sess, err := newSession(s)
	if err != nil {
		s.startIdleLocked()
		s.lock.Unlock()
		return nil, err
	}
	s.active = sess
	if m := s.opts.Monitor; m != nil {
		m.Session(sess.ID, true)
	}
	slog.Info("Session started", "session", sess.ID)
	return sess, nil
}

// release is the last step of Session.Close.
func (s *Server) release(sess *Session) {
	s.mu.Lock()
	if s.active == sess {
		s.active = nil
	}
	s.applyPendingLocked()
	s.startIdleLocked()
	s.mu.Unlock()
	if m := s.opts.Monitor; m != nil {
		m.Session(sess.ID, false)
	}
	slog.Info("Session ended", "session", sess.ID)
	s.lock.Unlock()
}

// Active reports whether a session holds the robot.
func (s *Server) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Config returns a copy of the current configuration.
func (s *Server) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.Clone()
}

// Reload replaces the configuration, e.g. after the file changed on disk.
// While a session is active the change waits until it ends.
func (s *Server) Reload(conf *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = conf
	if s.active == nil {
		s.stopIdleLocked()
		s.applyPendingLocked()
		if s.started {
			s.startIdleLocked()
		}
	}
}

func (s *Server) applyPendingLocked() {
	if s.pending == nil {
		return
	}
	s.config, s.pending = s.pending, nil
	if !s.started {
		return
	}
	for _, e := range s.servos.entries(&s.config.Servo) {
		if err := e.servo.SetPulseRange(e.cfg.MinPulse, e.cfg.MaxPulse); err != nil {
			slog.Error("Failed to apply servo pulse range", "channel", e.cfg.Channel, "error", err)
		}
		if err := e.servo.SetActuationRange(e.cfg.StartAngle, e.cfg.EndAngle); err != nil {
			slog.Error("Failed to apply servo angle range", "channel", e.cfg.Channel, "error", err)
		}
	}
	slog.Info("Applied new configuration")
}

// SaveConfig writes the configuration, calibration included, to the
// config file.
func (s *Server) SaveConfig() error {
	if s.opts.ConfigFile == "" {
		return errors.New("no config file to save to")
	}
	return s.Config().Save(s.opts.ConfigFile)
}

// Env is the environment store shared by all sessions.
func (s *Server) Env() *config.Env {
	return s.opts.Env
}
