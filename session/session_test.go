package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lautenbacher.net/robotd/config"
	"lautenbacher.net/robotd/media"
	"lautenbacher.net/robotd/motion"
	"lautenbacher.net/robotd/platform"
	"lautenbacher.net/robotd/sensors"
)

type noAudio struct{}

func (noAudio) OpenCapture(string, media.Format, func([]byte)) (media.AudioStream, error) {
	return nil, media.ErrUnsupported
}

func (noAudio) OpenPlayback(string, media.Format, func([]byte)) (media.AudioStream, error) {
	return nil, media.ErrUnsupported
}

type noCamera struct{}

func (noCamera) Open(int, media.Resolution) (media.FrameSource, error) {
	return nil, media.ErrUnsupported
}

type recordingMonitor struct {
	mu       sync.Mutex
	sessions []bool
	events   []sensors.Event
}

func (m *recordingMonitor) Distance(float64)         {}
func (m *recordingMonitor) Actuator(string, float64) {}

func (m *recordingMonitor) Event(ev sensors.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *recordingMonitor) Session(id string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, active)
}

type commands struct {
	mu  sync.Mutex
	ran []string
}

func (c *commands) run(cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ran = append(c.ran, cmd)
	return nil
}

func (c *commands) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ran...)
}

type fixture struct {
	srv      *Server
	plat     *platform.SimPlatform
	conf     *config.Config
	monitor  *recordingMonitor
	commands *commands
}

func newFixture(t *testing.T, tweak func(*config.Config)) *fixture {
	t.Helper()
	conf := config.Default()
	conf.Idle.PowerOffHold = time.Hour
	if tweak != nil {
		tweak(conf)
	}
	f := &fixture{
		plat:     platform.NewSimPlatform(conf),
		conf:     conf,
		monitor:  &recordingMonitor{},
		commands: &commands{},
	}
	f.srv = NewServer(conf, f.plat, Options{
		Env:        config.NewEnv(t.TempDir() + "/env.yml"),
		Audio:      noAudio{},
		Camera:     noCamera{},
		Monitor:    f.monitor,
		RunCommand: f.commands.run,
	})
	require.NoError(t, f.srv.Start())
	t.Cleanup(f.srv.Stop)
	return f
}

func (f *fixture) duty(t *testing.T, channel int) uint16 {
	t.Helper()
	ch, err := f.plat.ServoChannel(channel)
	require.NoError(t, err)
	return ch.Duty()
}

func TestEnterIsExclusive(t *testing.T) {
	f := newFixture(t, nil)

	first, err := f.srv.Enter()
	require.NoError(t, err)
	assert.True(t, f.srv.Active())

	start := time.Now()
	_, err = f.srv.Enter()
	assert.ErrorIs(t, err, ErrBusy)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "a busy robot refuses at once")

	require.NoError(t, first.Close())
	assert.False(t, f.srv.Active())

	second, err := f.srv.Enter()
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	require.NoError(t, second.Close())

	f.monitor.mu.Lock()
	assert.Equal(t, []bool{true, false, true, false}, f.monitor.sessions)
	f.monitor.mu.Unlock()
}

func TestEnterSetsIdleDefaults(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.srv.Enter()
	require.NoError(t, err)
	defer s.Close()

	lit, err := s.Backlight(context.Background(), motion.QueryRequest())
	require.NoError(t, err)
	assert.InDelta(t, 0.05, *lit, 1e-9)
	assert.NotZero(t, f.duty(t, f.conf.Servo.Backlight.Channel))

	speed, err := s.Speed()
	require.NoError(t, err)
	assert.Equal(t, [2]float64{0, 0}, speed)
	assert.Zero(t, f.duty(t, f.conf.Servo.Head.Channel), "head starts relaxed")
}

func TestCloseReleasesEverything(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.srv.Enter()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Lift(ctx, motion.Set(motion.Value(0.5)))
	require.NoError(t, err)
	_, err = s.Head(ctx, motion.Set(motion.Value(10)))
	require.NoError(t, err)
	assert.NotZero(t, f.duty(t, f.conf.Servo.RightArm.Channel))

	stream, err := s.SensorData(0)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "closing twice is harmless")

	for _, ch := range []int{
		f.conf.Servo.LeftArm.Channel,
		f.conf.Servo.RightArm.Channel,
		f.conf.Servo.Head.Channel,
		f.conf.Servo.Backlight.Channel,
		f.conf.Servo.SpeakerPower.Channel,
	} {
		assert.Zero(t, f.duty(t, ch), "channel %d", ch)
	}

	for {
		_, err := stream.Next(ctx)
		if err != nil {
			assert.ErrorIs(t, err, sensors.ErrStreamClosed)
			break
		}
	}

	_, err = s.Lift(ctx, motion.QueryRequest())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Stop(), ErrClosed)
	_, err = s.Distance()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStreamOpenedDuringCloseIsClosed(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.srv.Enter()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	closed := false
	_, err = s.register(func() { closed = true })
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, closed)
}

func TestCloseCancelsRunningCalls(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.srv.Enter()
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- s.Tone(context.Background(), 440, time.Hour) }()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, s.Close())
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("tone did not stop with the session")
	}
}

func TestSensorEventsReachStreamAndMonitor(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.srv.Enter()
	require.NoError(t, err)
	defer s.Close()

	stream, err := s.SensorData(0)
	require.NoError(t, err)
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, sensors.Event{Kind: sensors.LineLeft, Value: false}, first)

	f.plat.ToggleLine(f.conf.LineSensor.Left)
	var ev sensors.Event
	for ev.Kind != sensors.LineLeft || ev.Value != true {
		ev, err = stream.Next(ctx)
		require.NoError(t, err)
	}

	f.monitor.mu.Lock()
	assert.Contains(t, f.monitor.events, ev)
	f.monitor.mu.Unlock()
}

func TestSettingsUpdateConfig(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.srv.Enter()
	require.NoError(t, err)
	defer s.Close()

	head := f.conf.Servo.Head.Channel
	require.NoError(t, s.CalibrateServo(head, motion.Value(1100), nil))
	lo, hi, err := s.PulseRange(head)
	require.NoError(t, err)
	assert.Equal(t, 1100.0, lo)
	assert.Equal(t, 1800.0, hi)
	assert.Equal(t, 1100.0, f.srv.Config().Servo.Head.MinPulse)
	assert.ErrorIs(t, s.CalibrateServo(7, motion.Value(1000), nil), motion.ErrOutOfRange)

	require.NoError(t, s.CalibrateMotor("backward", 0.8, 0.9))
	assert.Equal(t, []float64{0.8, 0.9}, f.srv.Config().Motor.Backward)

	require.NoError(t, s.SetThresholdDistance(0.5))
	assert.Equal(t, 0.5, f.srv.Config().Sonar.ThresholdDistance)
	assert.ErrorIs(t, s.SetMaxDistance(0.2), platform.ErrOutOfRange, "below the threshold")

	require.NoError(t, s.SetHoldRepeat(true))
	repeat, err := s.HoldRepeat()
	require.NoError(t, err)
	assert.True(t, repeat)

	require.NoError(t, s.SetEnv("name", "cozmo"))
	v, err := s.GetEnv("name")
	require.NoError(t, err)
	assert.Equal(t, "cozmo", v)
	require.NoError(t, s.SaveEnv())
	deleted, err := s.DelEnv("name")
	require.NoError(t, err)
	assert.True(t, deleted)
	v, err = s.GetEnv("name")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestReloadWaitsForSessionEnd(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.srv.Enter()
	require.NoError(t, err)

	changed := config.Default()
	changed.Sonar.ThresholdDistance = 0.6
	f.srv.Reload(changed)
	assert.Equal(t, 0.3, f.srv.Config().Sonar.ThresholdDistance)

	require.NoError(t, s.Close())
	assert.Equal(t, 0.6, f.srv.Config().Sonar.ThresholdDistance)
}

func TestIdleButton(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Idle.LightUpTime = time.Hour
		c.Idle.PowerOffHold = 20 * time.Millisecond
		c.Idle.PowerOffDelay = 0
		c.Idle.PowerOffCommand = "true"
	})
	backlight := f.conf.Servo.Backlight.Channel
	assert.Zero(t, f.duty(t, backlight))

	f.plat.SetButton(true)
	assert.NotZero(t, f.duty(t, backlight), "a press lights the screen")

	assert.Eventually(t, func() bool {
		return len(f.commands.list()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"true"}, f.commands.list())
	f.plat.SetButton(false)
}

func TestIdleReleasedDuringSession(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Idle.PowerOffHold = 10 * time.Millisecond
		c.Idle.PowerOffDelay = 0
	})
	s, err := f.srv.Enter()
	require.NoError(t, err)

	f.plat.SetButton(true)
	time.Sleep(50 * time.Millisecond)
	f.plat.SetButton(false)
	assert.Empty(t, f.commands.list(), "the session owns the button")

	require.NoError(t, s.Close())
}

func TestScreenAndBuzzer(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.srv.Enter()
	require.NoError(t, err)
	defer s.Close()
	scr := f.plat.Screen().(*platform.SimScreen)

	require.NoError(t, s.Fill(0xf800, 0, 0, 4, 4))
	assert.Equal(t, uint16(0xf800), scr.At(3, 3))
	require.NoError(t, s.Pixel(1, 1, 0x07e0))
	assert.Equal(t, uint16(0x07e0), scr.At(1, 1))
	require.NoError(t, s.Display([]byte{0x00, 0x1f, 0xff, 0xff}, 10, 10, 11, 10))
	assert.Equal(t, uint16(0x001f), scr.At(10, 10))
	assert.Equal(t, uint16(0xffff), scr.At(11, 10))
	assert.ErrorIs(t, s.Display([]byte{0}, 0, 0, 0, 0), platform.ErrOutOfRange)

	require.NoError(t, s.Tone(context.Background(), 440, 0))
	assert.ErrorIs(t, s.Tone(context.Background(), 50, 0), platform.ErrOutOfRange)

	d, err := s.Distance()
	require.NoError(t, err)
	assert.LessOrEqual(t, d, f.conf.Sonar.MaxDistance)
}
