package media

import (
	"context"
	"sync"
)

// AudioBus arbitrates the sound card between the microphone and the
// speaker. Only one of them holds it at a time. A speaker asking for the
// bus preempts the microphone, which gives it up at its next block
// boundary and waits until no speaker is left.
type AudioBus struct {
	sem chan struct{}

	mu       sync.Mutex
	speakers int
	// preempt is closed while a speaker waits for or holds the bus.
	preempt chan struct{}
	// resume is closed while no speaker waits for or holds the bus.
	resume chan struct{}
}

func NewAudioBus() *AudioBus {
	resume := make(chan struct{})
	close(resume)
	return &AudioBus{
		sem:     make(chan struct{}, 1),
		preempt: make(chan struct{}),
		resume:  resume,
	}
}

// Speaker takes the bus for playback, preempting a running microphone.
// The returned function gives it back.
func (b *AudioBus) Speaker(ctx context.Context) (release func(), err error) {
	b.mu.Lock()
	b.speakers++
	if b.speakers == 1 {
		close(b.preempt)
		b.resume = make(chan struct{})
	}
	b.mu.Unlock()

	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		b.speakerDone()
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-b.sem
			b.speakerDone()
		})
	}, nil
}

func (b *AudioBus) speakerDone() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.speakers--
	if b.speakers == 0 {
		b.preempt = make(chan struct{})
		close(b.resume)
	}
}

// Microphone takes the bus for capture once no speaker wants it. The
// microphone must release the bus as soon as preempted is closed.
func (b *AudioBus) Microphone(ctx context.Context) (preempted <-chan struct{}, release func(), err error) {
	for {
		b.mu.Lock()
		if b.speakers > 0 {
			resume := b.resume
			b.mu.Unlock()
			select {
			case <-resume:
				continue
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}
		preempt := b.preempt
		b.mu.Unlock()

		select {
		case b.sem <- struct{}{}:
			var once sync.Once
			return preempt, func() { once.Do(func() { <-b.sem }) }, nil
		case <-preempt:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// Busy reports whether a speaker waits for or holds the bus.
func (b *AudioBus) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.speakers > 0
}
