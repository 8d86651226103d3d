package motion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"lautenbacher.net/robotd/config"
	"lautenbacher.net/robotd/platform"
)

// ErrOutOfRange is returned for a speed, position or rate outside its
// domain. Nothing moves when it is returned.
var ErrOutOfRange = errors.New("value out of range")

// errSuperseded cancels a movement that a newer command on the same
// actuator replaced.
var errSuperseded = errors.New("superseded by a newer command")

// Arms is the pair of lift servos moved in tandem.
type Arms struct {
	Left  *platform.Servo
	Right *platform.Servo
}

// Controller owns the drive motors and the arm, head and backlight servos
// for one session.
type Controller struct {
	left, right platform.Motor
	arms        Arms
	head        *platform.Servo
	backlight   *platform.Servo

	updateRate   float64
	rampStep     float64
	rampInterval time.Duration

	mu   sync.Mutex
	comp Compensation

	drive, lift, pan, light track

	// wait sleeps between steps; replaced in tests.
	wait func(ctx context.Context, d time.Duration) error
	// observe, if set, sees every value written to an actuator.
	observe func(name string, value float64)
}

func NewController(conf *config.Config, left, right platform.Motor, arms Arms, head, backlight *platform.Servo) *Controller {
	c := &Controller{
		left:         left,
		right:        right,
		arms:         arms,
		head:         head,
		backlight:    backlight,
		updateRate:   conf.Servo.UpdateRate,
		rampStep:     conf.Motor.RampStep,
		rampInterval: conf.Motor.RampInterval,
		wait:         sleep,
	}
	copy(c.comp.Forward[:], conf.Motor.Forward)
	copy(c.comp.Backward[:], conf.Motor.Backward)
	return c
}

// SetObserver installs a function that sees every actuator write.
func (c *Controller) SetObserver(fn func(name string, value float64)) {
	c.observe = fn
}

func (c *Controller) notify(name string, v float64) {
	if c.observe != nil {
		c.observe(name, v)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// track serializes the movements of one actuator group: beginning a new
// movement cancels the running one and waits until it has stopped.
type track struct {
	mu     sync.Mutex
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func (t *track) begin(ctx context.Context) (context.Context, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel(errSuperseded)
		<-t.done
	}
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	t.cancel, t.done = cancel, done
	return ctx, func() {
		cancel(nil)
		close(done)
		t.mu.Lock()
		if t.done == done {
			t.cancel, t.done = nil, nil
		}
		t.mu.Unlock()
	}
}

func (t *track) interrupt() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel != nil {
		cancel(errSuperseded)
		<-done
	}
}

// settle turns the cancellation of a superseded movement into success.
func settle(ctx context.Context, err error) error {
	if err != nil && errors.Is(context.Cause(ctx), errSuperseded) {
		return nil
	}
	return err
}

// Compensation returns the current motor compensation table.
func (c *Controller) Compensation() Compensation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.comp
}

// CalibrateMotor replaces the compensation factors for one direction,
// "forward" or "backward".
func (c *Controller) CalibrateMotor(direction string, left, right float64) error {
	for _, f := range []float64{left, right} {
		if !(f > 0) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: compensation factor %v must be a positive number", ErrOutOfRange, f)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch direction {
	case "forward":
		c.comp.Forward = [2]float64{left, right}
	case "backward":
		c.comp.Backward = [2]float64{left, right}
	default:
		return fmt.Errorf("%w: direction must be forward or backward, got %q", ErrOutOfRange, direction)
	}
	return nil
}

// Speed returns the current speed pair in user units.
func (c *Controller) Speed() [2]float64 {
	return c.Compensation().MappedSpeed([2]float64{c.left.Value(), c.right.Value()})
}

// SetSpeed ramps both motors to speed. With a positive duration it then
// holds for that long and ramps back to zero before returning.
func (c *Controller) SetSpeed(ctx context.Context, speed [2]float64, duration time.Duration) error {
	for _, s := range speed {
		if math.IsNaN(s) || s < -1 || s > 1 {
			return fmt.Errorf("%w: speed %v must be -1 to 1", ErrOutOfRange, s)
		}
	}
	if duration < 0 {
		return fmt.Errorf("%w: negative duration", ErrOutOfRange)
	}

	target, err := c.Compensation().RealSpeed(speed)
	if err != nil {
		return err
	}

	ctx, end := c.drive.begin(ctx)
	defer end()

	if err := c.ramp(ctx, target); err != nil {
		return settle(ctx, err)
	}
	if duration == 0 {
		return nil
	}
	if err := c.wait(ctx, duration); err != nil {
		return settle(ctx, err)
	}
	return settle(ctx, c.ramp(ctx, [2]float64{}))
}

// ramp steps each motor toward its target by at most rampStep per
// interval, snapping on the final partial step.
func (c *Controller) ramp(ctx context.Context, target [2]float64) error {
	motors := [2]platform.Motor{c.left, c.right}
	names := [2]string{"left motor", "right motor"}
	for {
		moved := false
		for i, m := range motors {
			cur := m.Value()
			inc := target[i] - cur
			if inc == 0 {
				continue
			}
			next := target[i]
			if math.Abs(inc) >= c.rampStep {
				next = cur + math.Copysign(c.rampStep, inc)
			}
			if err := m.SetValue(next); err != nil {
				return err
			}
			c.notify(names[i], next)
			moved = true
		}
		if !moved {
			return nil
		}
		if c.left.Value() == target[0] && c.right.Value() == target[1] {
			return nil
		}
		if err := c.wait(ctx, c.rampInterval); err != nil {
			return err
		}
	}
}

// axis is one servo trajectory target: the arms in tandem, the head or the
// backlight.
type axis struct {
	name    string
	lo, hi  float64
	get     func() *float64
	set     func(*float64) error
	relaxed func() bool
}

func (c *Controller) armsAxis() axis {
	return axis{
		name: "lift",
		lo:   0,
		hi:   1,
		get:  c.arms.Right.Fraction,
		set: func(v *float64) error {
			if err := c.arms.Right.SetFraction(v); err != nil {
				return err
			}
			return c.arms.Left.SetFraction(v)
		},
		relaxed: c.arms.Right.Relaxed,
	}
}

func (c *Controller) headAxis() axis {
	start, end := c.head.ActuationRange()
	return axis{
		name:    "head",
		lo:      min(start, end),
		hi:      max(start, end),
		get:     c.head.Angle,
		set:     c.head.SetAngle,
		relaxed: c.head.Relaxed,
	}
}

func (c *Controller) backlightAxis() axis {
	return axis{
		name:    "backlight",
		lo:      0,
		hi:      1,
		get:     c.backlight.Fraction,
		set:     c.backlight.SetFraction,
		relaxed: c.backlight.Relaxed,
	}
}

// Lift queries or moves both arms; positions are fractions in [0, 1].
func (c *Controller) Lift(ctx context.Context, req Request) (*float64, error) {
	return c.move(ctx, &c.lift, c.armsAxis(), req)
}

// Head queries or moves the head; positions are angles in degrees.
func (c *Controller) Head(ctx context.Context, req Request) (*float64, error) {
	return c.move(ctx, &c.pan, c.headAxis(), req)
}

// Backlight queries or fades the screen backlight in [0, 1]. Off reads
// as 0.
func (c *Controller) Backlight(ctx context.Context, req Request) (*float64, error) {
	v, err := c.move(ctx, &c.light, c.backlightAxis(), req)
	if req.Kind == Query && v == nil && err == nil {
		return Value(0), nil
	}
	return v, err
}

func (c *Controller) validate(ax axis, req Request) error {
	if req.Kind == Query || req.Target == nil {
		return nil
	}
	t := *req.Target
	if math.IsNaN(t) || t < ax.lo || t > ax.hi {
		return fmt.Errorf("%w: %s must be %v to %v, got %v", ErrOutOfRange, ax.name, ax.lo, ax.hi, t)
	}
	switch req.Kind {
	case SetWithRate:
		maxRate := (ax.hi - ax.lo) * c.updateRate
		if !(req.Rate > 0) || req.Rate > maxRate {
			return fmt.Errorf("%w: %s rate must be in (0, %v], got %v", ErrOutOfRange, ax.name, maxRate, req.Rate)
		}
	case SetWithDuration:
		if req.Duration < 0 {
			return fmt.Errorf("%w: negative duration", ErrOutOfRange)
		}
	}
	return nil
}

// move runs a request on an axis. A timed move interpolates linearly in
// int(duration * update rate) steps, one per tick, and always writes the
// exact target last. An axis that is off or has no position jumps.
func (c *Controller) move(ctx context.Context, tr *track, ax axis, req Request) (*float64, error) {
	if err := c.validate(ax, req); err != nil {
		return nil, err
	}
	if req.Kind == Query {
		return ax.get(), nil
	}

	ctx, end := tr.begin(ctx)
	defer end()

	target := req.Target
	start := ax.get()
	if target == nil || req.Kind == SetImmediate || start == nil || ax.relaxed() {
		return target, c.apply(ax, target)
	}

	delta := *target - *start
	duration := req.Duration
	if req.Kind == SetWithRate {
		duration = time.Duration(math.Abs(delta) / req.Rate * float64(time.Second))
	}
	steps := int(duration.Seconds() * c.updateRate)
	if steps == 0 || delta == 0 {
		return target, c.apply(ax, target)
	}

	interval := time.Duration(float64(time.Second) / c.updateRate)
	for i := 1; i <= steps; i++ {
		if err := c.wait(ctx, interval); err != nil {
			slog.Debug("Movement stopped", "axis", ax.name, "step", i, "of", steps, "reason", err)
			return ax.get(), settle(ctx, err)
		}
		v := *target
		if i < steps {
			v = *start + delta*float64(i)/float64(steps)
		}
		if err := c.apply(ax, &v); err != nil {
			return ax.get(), err
		}
	}
	return target, nil
}

func (c *Controller) apply(ax axis, v *float64) error {
	if err := ax.set(v); err != nil {
		return err
	}
	if v != nil {
		c.notify(ax.name, *v)
	} else {
		c.notify(ax.name, math.NaN())
	}
	return nil
}

// Stop interrupts every movement, stops both motors and relaxes the arms
// and the head. Every step is attempted even if an earlier one fails.
func (c *Controller) Stop() error {
	c.drive.interrupt()
	c.lift.interrupt()
	c.pan.interrupt()

	var errs []error
	for _, m := range []platform.Motor{c.left, c.right} {
		errs = append(errs, m.SetValue(0))
	}
	errs = append(errs, c.arms.Left.Relax(), c.arms.Right.Relax(), c.head.Relax())
	c.notify("left motor", 0)
	c.notify("right motor", 0)
	return errors.Join(errs...)
}

// Close stops everything and releases the motors.
func (c *Controller) Close() error {
	c.light.interrupt()
	return errors.Join(c.Stop(), c.left.Close(), c.right.Close())
}
