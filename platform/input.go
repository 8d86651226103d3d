package platform

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
)

const edgePollTimeout = 100 * time.Millisecond

// gpioInput is an active low input with pull-up. A watcher goroutine
// either waits for edges (button) or samples at a fixed rate and smooths
// the readings (line sensors).
type gpioInput struct {
	pin       gpio.PinIn
	debounce  time.Duration
	mu        sync.Mutex
	value     bool
	onChange  func(bool)
	smoother  *smoother
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (in *gpioInput) Value() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.value
}

func (in *gpioInput) SetOnChange(fn func(bool)) {
	in.mu.Lock()
	in.onChange = fn
	in.mu.Unlock()
}

// Close stops the watcher and halts the pin. Closing twice is a no-op.
func (in *gpioInput) Close() error {
	var err error
	in.closeOnce.Do(func() {
		close(in.stop)
		in.wg.Wait()
		err = in.pin.Halt()
	})
	return err
}

func (in *gpioInput) set(active bool) {
	in.mu.Lock()
	if in.value == active {
		in.mu.Unlock()
		return
	}
	in.value = active
	fn := in.onChange
	in.mu.Unlock()
	if fn != nil {
		fn(active)
	}
}

// newEdgeInput watches pin for edges with a debounce period.
func newEdgeInput(pin gpio.PinIn, debounce time.Duration) (*gpioInput, error) {
	if err := pin.In(gpio.PullUp, gpio.BothEdges); err != nil {
		return nil, err
	}
	in := &gpioInput{
		pin:      pin,
		debounce: debounce,
		value:    pin.Read() == gpio.Low,
		stop:     make(chan struct{}),
	}
	in.wg.Add(1)
	go in.watchEdges()
	return in, nil
}

func (in *gpioInput) watchEdges() {
	defer in.wg.Done()
	for {
		select {
		case <-in.stop:
			slog.Debug("Ending edge watcher", "pin", in.pin.String())
			return
		default:
		}
		if !in.pin.WaitForEdge(edgePollTimeout) {
			continue
		}
		if in.debounce > 0 {
			time.Sleep(in.debounce)
		}
		in.set(in.pin.Read() == gpio.Low)
	}
}

// newSampledInput reads pin every interval and reports the majority of the
// last size readings.
func newSampledInput(pin gpio.PinIn, interval time.Duration, size int) (*gpioInput, error) {
	if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, err
	}
	first := 0
	if pin.Read() == gpio.Low {
		first = 1
	}
	in := &gpioInput{
		pin:      pin,
		smoother: newSmoother(size, first),
		stop:     make(chan struct{}),
	}
	in.value = first == 1
	in.wg.Add(1)
	go in.watchSamples(interval)
	return in, nil
}

func (in *gpioInput) sample() bool {
	v := 0
	if in.pin.Read() == gpio.Low {
		v = 1
	}
	return in.smoother.add(v) >= 0.5
}

func (in *gpioInput) watchSamples(interval time.Duration) {
	defer in.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-in.stop:
			slog.Debug("Ending sampler", "pin", in.pin.String())
			return
		case <-ticker.C:
			in.set(in.sample())
		}
	}
}

// smoother is a moving average over a ring of the last readings.
type smoother struct {
	values []int
	index  int
	sum    int
}

func newSmoother(size, initial int) *smoother {
	s := &smoother{values: make([]int, max(size, 1))}
	for i := range s.values {
		s.values[i] = initial
		s.sum += initial
	}
	return s
}

func (s *smoother) add(value int) float64 {
	s.sum = s.sum - s.values[s.index] + value
	s.values[s.index] = value
	s.index = (s.index + 1) % len(s.values)
	return math.Round(float64(s.sum)/float64(len(s.values))*100) / 100
}
