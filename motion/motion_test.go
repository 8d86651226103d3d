package motion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lautenbacher.net/robotd/config"
	"lautenbacher.net/robotd/platform"
)

type recorder struct {
	mu     sync.Mutex
	values map[string][]float64
	waits  []time.Duration
}

func (r *recorder) observe(name string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[name] = append(r.values[name], v)
}

func (r *recorder) wait(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return context.Cause(ctx)
}

func (r *recorder) get(name string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.values[name]...)
}

func (r *recorder) waitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waits)
}

func newServo(t *testing.T, cfg config.ServoChannelConfig) *platform.Servo {
	t.Helper()
	s, err := platform.NewServo(platform.NewSimDutyChannel(50), cfg)
	require.NoError(t, err)
	return s
}

func newTestController(t *testing.T) (*Controller, *recorder, *platform.SimMotor, *platform.SimMotor) {
	t.Helper()
	conf := config.Default()
	left, right := &platform.SimMotor{}, &platform.SimMotor{}
	arms := Arms{Left: newServo(t, conf.Servo.LeftArm), Right: newServo(t, conf.Servo.RightArm)}
	c := NewController(conf, left, right, arms, newServo(t, conf.Servo.Head), newServo(t, conf.Servo.Backlight))
	rec := &recorder{values: make(map[string][]float64)}
	c.SetObserver(rec.observe)
	c.wait = rec.wait
	return c, rec, left, right
}

func TestSpeedMappingRoundTrip(t *testing.T) {
	comps := []Compensation{
		{Forward: [2]float64{1, 1}, Backward: [2]float64{1, 1}},
		{Forward: [2]float64{0.9, 1}, Backward: [2]float64{1, 0.85}},
	}
	for _, comp := range comps {
		zero, err := comp.RealSpeed([2]float64{0, 0})
		require.NoError(t, err)
		assert.Equal(t, [2]float64{0, 0}, zero)
		for s := 0.01; s <= 1; s += 0.01 {
			for _, sign := range []float64{1, -1} {
				in := [2]float64{sign * s, sign * s}
				motor, err := comp.RealSpeed(in)
				require.NoError(t, err)
				out := comp.MappedSpeed(motor)
				assert.InDelta(t, in[0], out[0], 1e-6)
				assert.InDelta(t, in[1], out[1], 1e-6)
			}
		}
	}
}

func TestRealSpeedSkipsDeadZone(t *testing.T) {
	comp := Compensation{Forward: [2]float64{1, 1}, Backward: [2]float64{1, 1}}
	rs, err := comp.RealSpeed([2]float64{0.01, -0.01})
	require.NoError(t, err)
	assert.Greater(t, rs[0], deadZone)
	assert.Less(t, rs[1], -deadZone)
	rs, err = comp.RealSpeed([2]float64{1, -1})
	require.NoError(t, err)
	assert.Equal(t, [2]float64{1, -1}, rs)
}

func TestRealSpeedBoostedSide(t *testing.T) {
	comp := Compensation{Forward: [2]float64{1.1, 1}, Backward: [2]float64{1, 1}}

	in := [2]float64{0.9, 0.9}
	rs, err := comp.RealSpeed(in)
	require.NoError(t, err)
	out := comp.MappedSpeed(rs)
	assert.InDelta(t, in[0], out[0], 1e-9)
	assert.InDelta(t, in[1], out[1], 1e-9)

	_, err = comp.RealSpeed([2]float64{0.95, 0.95})
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = comp.RealSpeed([2]float64{-1, -1})
	assert.NoError(t, err, "backward is not boosted")
}

func TestSetSpeedRampsAndStops(t *testing.T) {
	c, rec, left, right := newTestController(t)

	require.NoError(t, c.SetSpeed(context.Background(), [2]float64{1, 1}, 2*time.Second))

	assert.Equal(t, []float64{0.5, 1, 0.5, 0}, rec.get("left motor"))
	assert.Equal(t, []float64{0.5, 1, 0.5, 0}, rec.get("right motor"))
	assert.Equal(t, 0.0, left.Value())
	assert.Equal(t, 0.0, right.Value())
	// two ramp pauses plus the hold
	assert.Equal(t, []time.Duration{150 * time.Millisecond, 2 * time.Second, 150 * time.Millisecond}, rec.waits)
}

func TestSetSpeedSnapsPartialStep(t *testing.T) {
	c, rec, left, _ := newTestController(t)

	require.NoError(t, c.SetSpeed(context.Background(), [2]float64{0.5, 0}, 0))

	motor, err := c.Compensation().RealSpeed([2]float64{0.5, 0})
	require.NoError(t, err)
	want := motor[0]
	assert.Equal(t, []float64{0.5, want}, rec.get("left motor"))
	assert.Empty(t, rec.get("right motor"))
	assert.Equal(t, want, left.Value())
	assert.InDelta(t, 0.5, c.Speed()[0], 1e-9)
}

func TestSetSpeedRejectsOutOfRange(t *testing.T) {
	c, rec, _, _ := newTestController(t)

	assert.ErrorIs(t, c.SetSpeed(context.Background(), [2]float64{1.5, 0}, 0), ErrOutOfRange)
	assert.ErrorIs(t, c.SetSpeed(context.Background(), [2]float64{0, 0}, -time.Second), ErrOutOfRange)
	require.NoError(t, c.CalibrateMotor("forward", 1.1, 1))
	assert.ErrorIs(t, c.SetSpeed(context.Background(), [2]float64{1, 1}, 0), ErrOutOfRange)
	assert.Empty(t, rec.get("left motor"))
}

func TestLiftTrajectoryEndsExactlyOnTarget(t *testing.T) {
	c, rec, _, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.Lift(ctx, Set(Value(0)))
	require.NoError(t, err)
	assert.Equal(t, 0, rec.waitCount(), "an unpositioned servo jumps")

	got, err := c.Lift(ctx, SetOver(Value(0.7), time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0.7, *got)

	values := rec.get("lift")
	require.Len(t, values, 51)
	assert.Equal(t, 50, rec.waitCount())
	assert.Equal(t, 0.7, values[len(values)-1])
	for i := 2; i < len(values); i++ {
		assert.Greater(t, values[i], values[i-1])
	}
	assert.Equal(t, 0.7, *c.arms.Left.Fraction())
	assert.Equal(t, 0.7, *c.arms.Right.Fraction())
}

func TestHeadTrajectoryWithRate(t *testing.T) {
	c, rec, _, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.Head(ctx, Set(Value(-20)))
	require.NoError(t, err)

	// 40 degrees at 20 degrees per second: 2 s, 100 steps
	_, err = c.Head(ctx, SetAt(Value(20), 20))
	require.NoError(t, err)
	assert.Equal(t, 100, rec.waitCount())
	values := rec.get("head")
	assert.Equal(t, 20.0, values[len(values)-1])

	got, err := c.Head(ctx, QueryRequest())
	require.NoError(t, err)
	assert.InDelta(t, 20, *got, 1e-9)
}

func TestMoveValidation(t *testing.T) {
	c, rec, _, _ := newTestController(t)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() (*float64, error)
	}{
		{"lift above 1", func() (*float64, error) { return c.Lift(ctx, Set(Value(1.1))) }},
		{"lift negative", func() (*float64, error) { return c.Lift(ctx, SetOver(Value(-0.1), time.Second)) }},
		{"head outside range", func() (*float64, error) { return c.Head(ctx, Set(Value(45))) }},
		{"zero rate", func() (*float64, error) { return c.Lift(ctx, SetAt(Value(0.5), 0)) }},
		{"rate above max", func() (*float64, error) { return c.Lift(ctx, SetAt(Value(0.5), 51)) }},
		{"backlight above 1", func() (*float64, error) { return c.Backlight(ctx, Set(Value(2))) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.run()
			assert.ErrorIs(t, err, ErrOutOfRange)
		})
	}
	assert.Empty(t, rec.get("lift"))
	assert.Empty(t, rec.get("head"))
}

func TestRelaxedServoJumps(t *testing.T) {
	c, rec, _, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.Lift(ctx, Set(Value(0.2)))
	require.NoError(t, err)
	require.NoError(t, c.Stop())
	assert.True(t, c.arms.Left.Relaxed())

	_, err = c.Lift(ctx, SetOver(Value(0.8), time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, rec.waitCount())
	assert.Equal(t, 0.8, *c.arms.Right.Fraction())
}

func TestNilTargetSwitchesOff(t *testing.T) {
	c, _, _, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.Backlight(ctx, Set(Value(0.5)))
	require.NoError(t, err)
	_, err = c.Backlight(ctx, Set(nil))
	require.NoError(t, err)

	got, err := c.Backlight(ctx, QueryRequest())
	require.NoError(t, err)
	assert.Equal(t, 0.0, *got)
	assert.True(t, c.backlight.Relaxed())
}

func TestNewerCommandSupersedes(t *testing.T) {
	c, _, _, _ := newTestController(t)
	ctx := context.Background()
	_, err := c.Head(ctx, Set(Value(0)))
	require.NoError(t, err)

	started := make(chan struct{})
	var once sync.Once
	c.wait = func(ctx context.Context, d time.Duration) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return context.Cause(ctx)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := c.Head(ctx, SetOver(Value(30), 10*time.Second))
		errc <- err
	}()
	<-started

	_, err = c.Head(ctx, Set(Value(-10)))
	require.NoError(t, err)
	assert.NoError(t, <-errc, "a superseded move is not an error")
	assert.Equal(t, -10.0, *c.head.Angle())
}

func TestCancelledMoveReportsError(t *testing.T) {
	c, _, _, _ := newTestController(t)
	_, err := c.Lift(context.Background(), Set(Value(0)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := c.Lift(ctx, SetOver(Value(1), time.Second))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0.0, *got, "stops where it is")
}

func TestStopRelaxesEverything(t *testing.T) {
	c, _, left, right := newTestController(t)
	ctx := context.Background()
	require.NoError(t, left.SetValue(0.6))
	require.NoError(t, right.SetValue(-0.6))
	_, err := c.Head(ctx, Set(Value(10)))
	require.NoError(t, err)
	_, err = c.Lift(ctx, Set(Value(0.5)))
	require.NoError(t, err)

	require.NoError(t, c.Stop())

	assert.Equal(t, 0.0, left.Value())
	assert.Equal(t, 0.0, right.Value())
	assert.True(t, c.head.Relaxed())
	assert.True(t, c.arms.Left.Relaxed())
	assert.True(t, c.arms.Right.Relaxed())
	assert.Equal(t, 0.5, *c.arms.Left.Fraction(), "position is kept for readback")

	require.NoError(t, c.Close())
	assert.True(t, left.Closed())
	assert.True(t, right.Closed())
}

func TestCalibrateMotor(t *testing.T) {
	c, _, _, _ := newTestController(t)

	require.NoError(t, c.CalibrateMotor("forward", 0.9, 1))
	assert.Equal(t, [2]float64{0.9, 1}, c.Compensation().Forward)

	assert.ErrorIs(t, c.CalibrateMotor("backward", 0, 1), ErrOutOfRange)
	assert.ErrorIs(t, c.CalibrateMotor("sideways", 1, 1), ErrOutOfRange)
	assert.Equal(t, [2]float64{1, 1}, c.Compensation().Backward)
}
