package util

import (
	"sync"
)

// notifier is a size-1 wake-up signal: any number of signals before the
// consumer wakes up collapse into one.
type notifier struct {
	ch chan struct{}
}

func newNotifier() notifier {
	return notifier{ch: make(chan struct{}, 1)}
}

func (n notifier) signal() {
	select {
	case n.ch <- struct{}{}:
	default:
		// already pending
	}
}

// AtomicEvent holds the latest value of a fast-changing reading (e.g. the
// range sensor distance) for a slow consumer such as a UI. Only the most
// recent value is retained and Send never blocks.
type AtomicEvent[T any] struct {
	mu     sync.Mutex
	value  T
	notify notifier
}

// NewAtomicEvent creates a new AtomicEvent instance.
func NewAtomicEvent[T any]() *AtomicEvent[T] {
	return &AtomicEvent[T]{notify: newNotifier()}
}

// Send replaces the current value and signals the consumer.
func (ae *AtomicEvent[T]) Send(event T) {
	ae.mu.Lock()
	ae.value = event
	ae.mu.Unlock()
	ae.notify.signal()
}

// Channel returns the notification channel for use in select statements.
func (ae *AtomicEvent[T]) Channel() <-chan struct{} {
	return ae.notify.ch
}

// Value returns the latest value.
func (ae *AtomicEvent[T]) Value() T {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	return ae.value
}

// HasPending reports whether a notification is waiting to be consumed.
func (ae *AtomicEvent[T]) HasPending() bool {
	return len(ae.notify.ch) > 0
}

// AtomicMapEvent collects the latest value per key (e.g. per actuator)
// until the consumer takes them with ConsumeValues.
type AtomicMapEvent[T any] struct {
	mu     sync.Mutex
	value  map[string]T
	notify notifier
}

// NewAtomicMapEvent creates a new AtomicMapEvent instance.
func NewAtomicMapEvent[T any]() *AtomicMapEvent[T] {
	return &AtomicMapEvent[T]{
		value:  make(map[string]T),
		notify: newNotifier(),
	}
}

// Send stores event under key, replacing an unconsumed earlier value.
func (ae *AtomicMapEvent[T]) Send(key string, event T) {
	ae.mu.Lock()
	ae.value[key] = event
	ae.mu.Unlock()
	ae.notify.signal()
}

// Channel returns the notification channel for use in select statements.
func (ae *AtomicMapEvent[T]) Channel() <-chan struct{} {
	return ae.notify.ch
}

// ConsumeValues returns all values sent since the last call and clears
// them, together with any pending notification.
func (ae *AtomicMapEvent[T]) ConsumeValues() map[string]T {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	ret := ae.value
	ae.value = make(map[string]T, len(ret))
	select {
	case <-ae.notify.ch:
	default:
	}
	return ret
}

// HasPending reports whether a notification is waiting to be consumed.
func (ae *AtomicMapEvent[T]) HasPending() bool {
	return len(ae.notify.ch) > 0
}
