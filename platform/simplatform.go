package platform

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lautenbacher.net/robotd/config"
)

// SimPlatform stands in for the robot on a development machine. Inputs and
// the distance can be driven from the viewer or from tests.
type SimPlatform struct {
	config *config.Config
	screen *SimScreen

	mu       sync.Mutex
	channels map[int]*SimDutyChannel
	button   *SimInput
	lines    map[int]*SimInput
	buzzer   *SimBuzzer
	distance float64
}

func NewSimPlatform(conf *config.Config) *SimPlatform {
	return &SimPlatform{
		config:   conf,
		channels: make(map[int]*SimDutyChannel),
		lines:    make(map[int]*SimInput),
		distance: conf.Sonar.MaxDistance,
	}
}

func (s *SimPlatform) Start() error {
	slog.Info("Starting simulated hardware")
	s.screen = NewSimScreen(s.config.Screen.Width, s.config.Screen.Height)
	return nil
}

func (s *SimPlatform) Stop() {
	slog.Info("Stopping simulated hardware")
}

func (s *SimPlatform) ServoChannel(channel int) (DutyChannel, error) {
	if channel < 0 || channel >= servoChannels {
		return nil, fmt.Errorf("%w: servo channel must be 0-%d, got %d", ErrOutOfRange, servoChannels-1, channel)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channel]
	if !ok {
		ch = NewSimDutyChannel(float64(s.config.Servo.Frequency))
		s.channels[channel] = ch
	}
	return ch, nil
}

func (s *SimPlatform) NewMotor(pins config.MotorPins) (Motor, error) {
	return &SimMotor{}, nil
}

func (s *SimPlatform) NewButton(cfg config.ButtonConfig) (Input, error) {
	in := &SimInput{}
	s.mu.Lock()
	s.button = in
	s.mu.Unlock()
	return in, nil
}

func (s *SimPlatform) NewLineSensor(pin int, cfg config.LineSensorConfig) (Input, error) {
	in := &SimInput{}
	s.mu.Lock()
	s.lines[pin] = in
	s.mu.Unlock()
	return in, nil
}

func (s *SimPlatform) NewRangeSensor(cfg config.SonarConfig) (*RangeSensor, error) {
	r := newRangeSensor(&simMeter{platform: s}, cfg)
	r.start()
	return r, nil
}

func (s *SimPlatform) NewBuzzer(cfg config.BuzzerConfig) (Buzzer, error) {
	b := &SimBuzzer{}
	s.mu.Lock()
	s.buzzer = b
	s.mu.Unlock()
	return b, nil
}

func (s *SimPlatform) Screen() Screen {
	return s.screen
}

// SetButton presses (true) or releases the most recently opened button.
func (s *SimPlatform) SetButton(pressed bool) {
	s.mu.Lock()
	b := s.button
	s.mu.Unlock()
	if b != nil {
		b.Set(pressed)
	}
}

// ToggleLine flips the line sensor on pin and returns its new state.
func (s *SimPlatform) ToggleLine(pin int) bool {
	s.mu.Lock()
	in := s.lines[pin]
	s.mu.Unlock()
	if in == nil {
		return false
	}
	v := !in.Value()
	in.Set(v)
	return v
}

// SetDistance sets what the simulated range sensor measures next.
func (s *SimPlatform) SetDistance(d float64) {
	s.mu.Lock()
	s.distance = max(d, 0)
	s.mu.Unlock()
}

func (s *SimPlatform) Distance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.distance
}

type simMeter struct {
	platform *SimPlatform
}

func (m *simMeter) Measure() (time.Duration, bool) {
	d := m.platform.Distance()
	return time.Duration(d / halfSpeedOfSound * float64(time.Second)), true
}

func (m *simMeter) Close() error { return nil }

// SimDutyChannel records the duty it was given.
type SimDutyChannel struct {
	mu   sync.Mutex
	freq float64
	duty uint16
}

func NewSimDutyChannel(freq float64) *SimDutyChannel {
	return &SimDutyChannel{freq: freq}
}

func (c *SimDutyChannel) SetDuty(duty uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.duty = duty
	return nil
}

func (c *SimDutyChannel) Duty() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duty
}

func (c *SimDutyChannel) Frequency() float64 {
	return c.freq
}

// SimMotor records its value.
type SimMotor struct {
	mu     sync.Mutex
	value  float64
	closed bool
}

func (m *SimMotor) Value() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

func (m *SimMotor) SetValue(v float64) error {
	if v < -1 || v > 1 {
		return fmt.Errorf("%w: motor value %v must be -1 to 1", ErrOutOfRange, v)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = v
	return nil
}

func (m *SimMotor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = 0
	m.closed = true
	return nil
}

func (m *SimMotor) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SimInput is an Input whose state is set by the caller.
type SimInput struct {
	mu       sync.Mutex
	value    bool
	onChange func(bool)
	closed   bool
}

func (in *SimInput) Value() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.value
}

func (in *SimInput) SetOnChange(fn func(bool)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.onChange = fn
}

// Set changes the state and runs the change callback, like an edge would.
func (in *SimInput) Set(v bool) {
	in.mu.Lock()
	if in.closed || in.value == v {
		in.mu.Unlock()
		return
	}
	in.value = v
	fn := in.onChange
	in.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}

func (in *SimInput) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	in.onChange = nil
	return nil
}

// SimBuzzer remembers the tone it plays, 0 when silent.
type SimBuzzer struct {
	mu   sync.Mutex
	tone float64
}

func (b *SimBuzzer) Play(hz float64) error {
	if hz != 0 {
		if err := checkTone(hz); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tone = hz
	return nil
}

func (b *SimBuzzer) Stop() error {
	return b.Play(0)
}

func (b *SimBuzzer) Close() error {
	return b.Stop()
}

func (b *SimBuzzer) Tone() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tone
}

// SimScreen is an in-memory RGB565 framebuffer.
type SimScreen struct {
	mu     sync.Mutex
	width  int
	height int
	pixels []uint16
}

func NewSimScreen(width, height int) *SimScreen {
	return &SimScreen{width: width, height: height, pixels: make([]uint16, width*height)}
}

func (s *SimScreen) Size() (int, int) {
	return s.width, s.height
}

func (s *SimScreen) Block(x0, y0, x1, y1 int, data []byte) error {
	if x0 < 0 || y0 < 0 || x1 >= s.width || y1 >= s.height || x0 > x1 || y0 > y1 {
		return fmt.Errorf("%w: window (%d,%d)-(%d,%d) outside %dx%d", ErrOutOfRange, x0, y0, x1, y1, s.width, s.height)
	}
	w := x1 - x0 + 1
	if want := w * (y1 - y0 + 1) * 2; len(data) != want {
		return fmt.Errorf("%w: got %d bytes of pixel data, want %d", ErrOutOfRange, len(data), want)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < len(data)/2; i++ {
		x, y := x0+i%w, y0+i/w
		s.pixels[y*s.width+x] = binary.BigEndian.Uint16(data[2*i:])
	}
	return nil
}

func (s *SimScreen) Fill(color uint16, x, y, w, h int) error {
	if w <= 0 || h <= 0 {
		return nil
	}
	return s.Block(x, y, x+w-1, y+h-1, solid(color, w*h))
}

func (s *SimScreen) Pixel(x, y int, color uint16) error {
	return s.Block(x, y, x, y, solid(color, 1))
}

func (s *SimScreen) At(x, y int) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pixels[y*s.width+x]
}

func (s *SimScreen) Close() error { return nil }
