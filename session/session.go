package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"lautenbacher.net/robotd/config"
	"lautenbacher.net/robotd/media"
	"lautenbacher.net/robotd/motion"
	"lautenbacher.net/robotd/platform"
	"lautenbacher.net/robotd/sensors"
)

// Session is one controller's exclusive hold on the robot. All hardware
// it opens is closed again by Close.
type Session struct {
	ID     string
	server *Server

	motion  *motion.Controller
	hub     *sensors.Hub
	ranger  *platform.RangeSensor
	button  platform.Input
	left    platform.Input
	right   platform.Input
	buzzer  platform.Buzzer
	screen  platform.Screen
	mic     *media.Microphone
	speaker *media.Speaker
	camera  *media.Camera

	// ctx ends when the session closes and cancels every running call.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[int]func()
	nextID  int

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// closers collects what newSession opened so a failure halfway can undo it.
type closers []func() error

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			slog.Error("Error closing device after failed session start", "error", err)
		}
	}
}

// newSession opens the session hardware. Called with the server mutex held.
func newSession(srv *Server) (_ *Session, err error) {
	conf := srv.config
	plat := srv.platform
	var opened closers
	defer func() {
		if err != nil {
			opened.close()
		}
	}()

	s := &Session{
		ID:      uuid.NewString(),
		server:  srv,
		screen:  plat.Screen(),
		streams: make(map[int]func()),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	leftMotor, err := plat.NewMotor(conf.Motor.Left)
	if err != nil {
		return nil, fmt.Errorf("left motor: %w", err)
	}
	opened = append(opened, leftMotor.Close)
	rightMotor, err := plat.NewMotor(conf.Motor.Right)
	if err != nil {
		return nil, fmt.Errorf("right motor: %w", err)
	}
	opened = append(opened, rightMotor.Close)

	if s.button, err = plat.NewButton(conf.Button); err != nil {
		return nil, fmt.Errorf("button: %w", err)
	}
	opened = append(opened, s.button.Close)
	if s.left, err = plat.NewLineSensor(conf.LineSensor.Left, conf.LineSensor); err != nil {
		return nil, fmt.Errorf("left line sensor: %w", err)
	}
	opened = append(opened, s.left.Close)
	if s.right, err = plat.NewLineSensor(conf.LineSensor.Right, conf.LineSensor); err != nil {
		return nil, fmt.Errorf("right line sensor: %w", err)
	}
	opened = append(opened, s.right.Close)
	if s.ranger, err = plat.NewRangeSensor(conf.Sonar); err != nil {
		return nil, fmt.Errorf("range sensor: %w", err)
	}
	opened = append(opened, s.ranger.Close)
	if s.buzzer, err = plat.NewBuzzer(conf.Buzzer); err != nil {
		return nil, fmt.Errorf("buzzer: %w", err)
	}
	opened = append(opened, s.buzzer.Close)

	servos := srv.servos
	s.motion = motion.NewController(conf, leftMotor, rightMotor,
		motion.Arms{Left: servos.leftArm, Right: servos.rightArm}, servos.head, servos.backlight)
	s.hub = sensors.NewHub(conf.Button, s.button, s.left, s.right, s.ranger)
	s.mic = media.NewMicrophone(srv.opts.Audio, srv.bus, conf.Audio)
	s.speaker = media.NewSpeaker(srv.opts.Audio, srv.bus, conf.Audio, servos.speakerPower)
	s.camera = media.NewCamera(srv.opts.Camera, conf.Camera)

	if m := srv.opts.Monitor; m != nil {
		s.ranger.SetOnReading(m.Distance)
		s.motion.SetObserver(m.Actuator)
		s.hub.SetTap(m.Event)
	}

	// idle defaults: arms and head free, screen dark and barely lit
	if err := s.motion.Stop(); err != nil {
		return nil, err
	}
	if s.screen != nil {
		w, h := s.screen.Size()
		if err := s.screen.Fill(0, 0, 0, w, h); err != nil {
			return nil, fmt.Errorf("screen: %w", err)
		}
	}
	if _, err := s.motion.Backlight(s.ctx, motion.Set(motion.Value(0.05))); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) check() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// bind derives a context that also ends when the session closes.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// register remembers a stream's close function so Close can end it. A
// stream that arrives after Close is closed at once.
func (s *Session) register(closeFn func()) (unregister func(), err error) {
	s.mu.Lock()
	if s.streams == nil {
		s.mu.Unlock()
		closeFn()
		return nil, ErrClosed
	}
	id := s.nextID
	s.nextID++
	s.streams[id] = closeFn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.streams, id)
		s.mu.Unlock()
	}, nil
}

// Close stops every motor and servo, closes all devices and releases the
// robot for the next session. Every step runs even if an earlier one
// fails; failures are logged and joined into the result. Closing twice is
// harmless.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()

		s.mu.Lock()
		streams := s.streams
		s.streams = nil
		s.mu.Unlock()
		for _, closeFn := range streams {
			closeFn()
		}

		var errs []error
		step := func(what string, err error) {
			if err != nil {
				slog.Error("Error closing session device", "session", s.ID, "device", what, "error", err)
				errs = append(errs, err)
			}
		}
		step("motion", s.motion.Close())
		s.hub.Close()
		step("range sensor", s.ranger.Close())
		step("button", s.button.Close())
		step("left line sensor", s.left.Close())
		step("right line sensor", s.right.Close())
		step("buzzer", s.buzzer.Close())
		step("camera", s.camera.Close())
		servos := s.server.servos
		step("backlight", servos.backlight.SetFraction(nil))
		step("speaker power", servos.speakerPower.SetFraction(nil))
		s.closeErr = errors.Join(errs...)

		s.server.release(s)
	})
	return s.closeErr
}

// Speed returns the current speed of both sides.
func (s *Session) Speed() ([2]float64, error) {
	if err := s.check(); err != nil {
		return [2]float64{}, err
	}
	return s.motion.Speed(), nil
}

// SetSpeed ramps to speed; with a duration it stops again afterwards.
func (s *Session) SetSpeed(ctx context.Context, speed [2]float64, duration time.Duration) error {
	if err := s.check(); err != nil {
		return err
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.motion.SetSpeed(ctx, speed, duration)
}

func (s *Session) Lift(ctx context.Context, req motion.Request) (*float64, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.motion.Lift(ctx, req)
}

func (s *Session) Head(ctx context.Context, req motion.Request) (*float64, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.motion.Head(ctx, req)
}

func (s *Session) Backlight(ctx context.Context, req motion.Request) (*float64, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.motion.Backlight(ctx, req)
}

// Stop halts the motors and relaxes the arms and the head.
func (s *Session) Stop() error {
	if err := s.check(); err != nil {
		return err
	}
	return s.motion.Stop()
}

func (s *Session) screenOrErr() (platform.Screen, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if s.screen == nil {
		return nil, errors.New("no screen")
	}
	return s.screen, nil
}

// Display writes RGB565 pixel data into the window (x0, y0)-(x1, y1).
func (s *Session) Display(data []byte, x0, y0, x1, y1 int) error {
	scr, err := s.screenOrErr()
	if err != nil {
		return err
	}
	return scr.Block(x0, y0, x1, y1, data)
}

func (s *Session) Fill(color uint16, x, y, w, h int) error {
	scr, err := s.screenOrErr()
	if err != nil {
		return err
	}
	return scr.Fill(color, x, y, w, h)
}

func (s *Session) Pixel(x, y int, color uint16) error {
	scr, err := s.screenOrErr()
	if err != nil {
		return err
	}
	return scr.Pixel(x, y, color)
}

// Tone plays freq, 0 stops. With a duration the buzzer stops afterwards.
func (s *Session) Tone(ctx context.Context, freq float64, duration time.Duration) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.buzzer.Play(freq); err != nil {
		return err
	}
	if duration <= 0 || freq == 0 {
		return nil
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	t := time.NewTimer(duration)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	return s.buzzer.Stop()
}

// Play plays every frequency received until the channel closes.
func (s *Session) Play(ctx context.Context, tones <-chan float64) error {
	if err := s.check(); err != nil {
		return err
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	defer s.buzzer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case freq, ok := <-tones:
			if !ok {
				return nil
			}
			if err := s.buzzer.Play(freq); err != nil {
				return err
			}
		}
	}
}

// SensorStream is an event stream that ends with the session.
type SensorStream struct {
	*sensors.Stream
	unregister func()
}

func (st *SensorStream) Close() {
	st.unregister()
	st.Stream.Close()
}

// SensorData opens a new event stream, replacing an earlier one.
func (s *Session) SensorData(updateRate float64) (*SensorStream, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	st, err := s.hub.Open(updateRate)
	if err != nil {
		return nil, err
	}
	unregister, err := s.register(st.Close)
	if err != nil {
		return nil, err
	}
	return &SensorStream{Stream: st, unregister: unregister}, nil
}

// MediaStream is a camera or microphone stream that ends with the session.
type MediaStream struct {
	*media.BlockStream
	unregister func()
}

func (st *MediaStream) Close() {
	st.unregister()
	st.BlockStream.Close()
}

func (s *Session) wrap(bs *media.BlockStream, err error) (*MediaStream, error) {
	if err != nil {
		return nil, err
	}
	unregister, err := s.register(bs.Close)
	if err != nil {
		return nil, err
	}
	return &MediaStream{BlockStream: bs, unregister: unregister}, nil
}

func (s *Session) Camera(r media.Resolution) (*MediaStream, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.wrap(s.camera.Stream(s.ctx, r))
}

func (s *Session) Capture(ctx context.Context, opts media.CaptureOptions) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.camera.Capture(ctx, opts)
}

// AudioFormat is the block format for sampleRate and dtype. A blockSize of
// zero uses the configured block duration.
func (s *Session) AudioFormat(sampleRate int, dtype string, blockSize int) media.Format {
	var f media.Format
	s.withConfig(func(c *config.Config) { f = media.FormatFor(c.Audio, sampleRate, dtype, blockSize) })
	return f
}

func (s *Session) Microphone(f media.Format) (*MediaStream, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.wrap(s.mic.Stream(s.ctx, f))
}

// Speaker plays the blocks received until the channel closes.
func (s *Session) Speaker(ctx context.Context, f media.Format, blocks <-chan []byte) error {
	if err := s.check(); err != nil {
		return err
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.speaker.Play(ctx, f, blocks)
}

// Distance returns the last range sensor reading in meters.
func (s *Session) Distance() (float64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.ranger.Distance(), nil
}
