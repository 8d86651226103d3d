package sensors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"lautenbacher.net/robotd/config"
	"lautenbacher.net/robotd/platform"
)

var (
	// ErrStreamClosed is returned by Next once the stream was closed or
	// replaced by a newer one.
	ErrStreamClosed = errors.New("sensor stream closed")
	ErrOutOfRange   = errors.New("value out of range")
)

// Ranger is the part of the range sensor the hub listens to.
type Ranger interface {
	Distance() float64
	SetCallbacks(inRange, outOfRange func(distance float64))
}

// Hub fans the callbacks of the line sensors, the button and the range
// sensor into one ordered event stream. Callbacks run on the devices' own
// goroutines and only ever append to the active stream; with no stream
// open their events are dropped.
type Hub struct {
	button      platform.Input
	left, right platform.Input
	ranger      Ranger

	mu                  sync.Mutex
	stream              *Stream
	doublePressInterval time.Duration
	holdTime            time.Duration
	holdRepeat          bool
	lastPress           time.Time
	holdTimer           *time.Timer
	holdGen             int
	tap                 func(Event)
	closed              bool

	now func() time.Time
}

// NewHub wires the device callbacks into the hub.
func NewHub(cfg config.ButtonConfig, button, left, right platform.Input, ranger Ranger) *Hub {
	h := &Hub{
		button:              button,
		left:                left,
		right:               right,
		ranger:              ranger,
		doublePressInterval: cfg.DoublePressMaxInterval,
		holdTime:            cfg.HoldTime,
		holdRepeat:          cfg.HoldRepeat,
		now:                 time.Now,
	}
	left.SetOnChange(func(v bool) { h.deliver(Event{LineLeft, v}) })
	right.SetOnChange(func(v bool) { h.deliver(Event{LineRight, v}) })
	button.SetOnChange(h.onButton)
	ranger.SetCallbacks(
		func(d float64) { h.deliver(Event{InRange, d}) },
		func(d float64) { h.deliver(Event{OutOfRange, d}) },
	)
	return h
}

// SetTap installs a function that sees every event, streamed or not. It
// runs with the hub locked and must neither block nor call the hub.
func (h *Hub) SetTap(fn func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tap = fn
}

func (h *Hub) deliver(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliverLocked(ev)
}

// deliverLocked hands ev on while h.mu is held, so events reach the stream
// in the order the hub saw them.
func (h *Hub) deliverLocked(ev Event) {
	if h.tap != nil {
		h.tap(ev)
	}
	if h.stream != nil {
		h.stream.push(ev)
	}
}

func (h *Hub) onButton(pressed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !pressed {
		h.stopHoldLocked()
		h.deliverLocked(Event{Released, false})
		return
	}

	now := h.now()
	kind := Pressed
	if !h.lastPress.IsZero() && now.Sub(h.lastPress) <= h.doublePressInterval {
		kind = DoublePressed
	}
	h.lastPress = now
	h.stopHoldLocked()
	h.startHoldLocked()
	h.deliverLocked(Event{kind, true})
}

func (h *Hub) stopHoldLocked() {
	h.holdGen++
	if h.holdTimer != nil {
		h.holdTimer.Stop()
		h.holdTimer = nil
	}
}

func (h *Hub) startHoldLocked() {
	if h.closed || h.holdTime <= 0 {
		return
	}
	gen := h.holdGen
	h.holdTimer = time.AfterFunc(h.holdTime, func() { h.onHeld(gen) })
}

func (h *Hub) onHeld(gen int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if gen != h.holdGen {
		return
	}
	h.holdTimer = nil
	if h.holdRepeat {
		h.startHoldLocked()
	}
	h.deliverLocked(Event{Held, true})
}

// Open starts a new event stream and makes it the active one. An earlier
// stream is closed. With a positive updateRate, Next synthesizes a Poll
// event after 1/updateRate seconds without activity. The current line and
// button states are queued first.
func (h *Hub) Open(updateRate float64) (*Stream, error) {
	if updateRate < 0 {
		return nil, fmt.Errorf("%w: update rate %v must not be negative", ErrOutOfRange, updateRate)
	}
	s := &Stream{hub: h, notify: make(chan struct{}, 1)}
	if updateRate > 0 {
		s.timeout = time.Duration(float64(time.Second) / updateRate)
	}
	s.push(Event{LineLeft, h.left.Value()})
	s.push(Event{LineRight, h.right.Value()})
	s.push(Event{Pressed, h.button.Value()})

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrStreamClosed
	}
	old := h.stream
	h.stream = s
	h.mu.Unlock()

	if old != nil {
		slog.Debug("Replacing sensor stream")
		old.close()
	}
	return s, nil
}

func (h *Hub) detach(s *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stream == s {
		h.stream = nil
	}
}

// Distance returns the last range sensor reading.
func (h *Hub) Distance() float64 {
	return h.ranger.Distance()
}

func (h *Hub) DoublePressMaxInterval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doublePressInterval
}

func (h *Hub) SetDoublePressMaxInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: double press interval %v must be positive", ErrOutOfRange, d)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.doublePressInterval = d
	return nil
}

func (h *Hub) HoldTime() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.holdTime
}

func (h *Hub) SetHoldTime(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: hold time %v must be positive", ErrOutOfRange, d)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.holdTime = d
	return nil
}

func (h *Hub) HoldRepeat() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.holdRepeat
}

func (h *Hub) SetHoldRepeat(repeat bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.holdRepeat = repeat
}

// Close detaches the device callbacks and ends the active stream. The
// devices themselves are closed by their owner.
func (h *Hub) Close() {
	h.left.SetOnChange(nil)
	h.right.SetOnChange(nil)
	h.button.SetOnChange(nil)
	h.ranger.SetCallbacks(nil, nil)

	h.mu.Lock()
	h.closed = true
	h.stopHoldLocked()
	s := h.stream
	h.stream = nil
	h.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// Stream is one consumer's view of the hub. It is not restartable: after
// Close, or after the hub opened a newer stream, Next fails with
// ErrStreamClosed.
type Stream struct {
	hub     *Hub
	timeout time.Duration

	mu     sync.Mutex
	events deque.Deque[Event]
	closed bool
	notify chan struct{}
}

func (s *Stream) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events.PushBack(ev)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Stream) pop() (Event, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events.Len() > 0 {
		return s.events.PopFront(), true, s.closed
	}
	return Event{}, false, s.closed
}

// Next returns the next event in arrival order. A queued event always wins
// over the poll timeout, which restarts on every call. If ctx ends the
// stream is closed before the error is returned.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	var timeout <-chan time.Time
	if s.timeout > 0 {
		t := time.NewTimer(s.timeout)
		defer t.Stop()
		timeout = t.C
	}
	for {
		ev, ok, closed := s.pop()
		if ok {
			return ev, nil
		}
		if closed {
			return Event{}, ErrStreamClosed
		}
		select {
		case <-ctx.Done():
			s.Close()
			return Event{}, ctx.Err()
		case <-s.notify:
		case <-timeout:
			if ev, ok, _ := s.pop(); ok {
				return ev, nil
			}
			return Event{Poll, s.hub.Distance()}, nil
		}
	}
}

func (s *Stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.events.Clear()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Close detaches the stream from the hub first, so no callback can reach
// it afterwards, then drops any unread events.
func (s *Stream) Close() {
	s.hub.detach(s)
	s.close()
}
