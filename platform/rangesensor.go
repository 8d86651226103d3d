package platform

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"lautenbacher.net/robotd/config"
)

// Half the speed of sound in m/s: the ping travels there and back.
const halfSpeedOfSound = 343.0 / 2

const rangeSensorJoinTimeout = 3 * time.Second

// echoMeter times one ping. ok is false when no echo was seen in time.
type echoMeter interface {
	Measure() (roundTrip time.Duration, ok bool)
	Close() error
}

// RangeSensor measures the distance to the nearest obstacle on a dedicated
// goroutine locked to its OS thread and reports threshold crossings.
type RangeSensor struct {
	meter    echoMeter
	interval time.Duration

	mu          sync.Mutex
	distance    float64
	maxDistance float64
	threshold   float64
	onInRange   func(float64)
	onOutRange  func(float64)
	onReading   func(float64)

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newRangeSensor(meter echoMeter, cfg config.SonarConfig) *RangeSensor {
	return &RangeSensor{
		meter:       meter,
		interval:    cfg.Interval,
		distance:    cfg.MaxDistance,
		maxDistance: cfg.MaxDistance,
		threshold:   cfg.ThresholdDistance,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (r *RangeSensor) start() {
	go r.run()
}

func (r *RangeSensor) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if rt, ok := r.meter.Measure(); ok {
				r.update(rt.Seconds() * halfSpeedOfSound)
			}
		}
	}
}

// update stores a new reading and fires the callback for a threshold
// crossing. Readings equal to the threshold never fire.
func (r *RangeSensor) update(d float64) {
	r.mu.Lock()
	d = min(d, r.maxDistance)
	last := r.distance
	r.distance = d
	var fn func(float64)
	switch {
	case d > r.threshold && r.threshold > last:
		fn = r.onOutRange
	case d < r.threshold && r.threshold < last:
		fn = r.onInRange
	}
	reading := r.onReading
	r.mu.Unlock()
	if reading != nil {
		reading(d)
	}
	if fn != nil {
		fn(d)
	}
}

// SetCallbacks installs the threshold crossing handlers. They run on the
// sensor goroutine and must not block.
func (r *RangeSensor) SetCallbacks(inRange, outOfRange func(distance float64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onInRange, r.onOutRange = inRange, outOfRange
}

// SetOnReading installs a handler called with every successful reading.
func (r *RangeSensor) SetOnReading(fn func(distance float64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReading = fn
}

// Distance returns the last measured distance in meters.
func (r *RangeSensor) Distance() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.distance
}

func (r *RangeSensor) MaxDistance() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxDistance
}

func (r *RangeSensor) SetMaxDistance(d float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d <= 0 || d < r.threshold {
		return fmt.Errorf("%w: max distance %v must be positive and not below threshold %v", ErrOutOfRange, d, r.threshold)
	}
	r.maxDistance = d
	r.distance = min(r.distance, d)
	return nil
}

func (r *RangeSensor) Threshold() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threshold
}

func (r *RangeSensor) SetThreshold(d float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d < 0 || d > r.maxDistance {
		return fmt.Errorf("%w: threshold %v must be 0 to %v", ErrOutOfRange, d, r.maxDistance)
	}
	r.threshold = d
	return nil
}

// Close stops the measuring goroutine. If it does not stop within a few
// seconds (a pin stuck mid ping) it is left behind and logged.
func (r *RangeSensor) Close() error {
	r.closeOnce.Do(func() {
		close(r.stop)
		select {
		case <-r.done:
			r.closeErr = r.meter.Close()
		case <-time.After(rangeSensorJoinTimeout):
			slog.Warn("Range sensor goroutine did not stop, leaking it", "timeout", rangeSensorJoinTimeout)
		}
	})
	return r.closeErr
}
