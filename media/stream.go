package media

import (
	"context"
	"errors"
	"sync"

	"lautenbacher.net/robotd/util"
)

var (
	// ErrStreamClosed is returned by Next after Close.
	ErrStreamClosed = errors.New("media stream closed")
	ErrOutOfRange   = errors.New("value out of range")
	// ErrUnsupported is returned when the build lacks a driver.
	ErrUnsupported = errors.New("not supported by this build")
)

// BlockStream delivers the blocks a capture goroutine produces. The queue
// between them overwrites the oldest unread block when full, so a slow
// consumer sees the freshest data with gaps, never out of order.
type BlockStream struct {
	queue  *util.RingQueue[[]byte]
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// startStream runs produce on its own goroutine until ctx ends or produce
// returns. Its error is reported by Next once the queue is drained.
func startStream(ctx context.Context, capacity int, produce func(ctx context.Context, q *util.RingQueue[[]byte]) error) *BlockStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &BlockStream{
		queue:  util.NewRingQueue[[]byte](capacity),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		err := produce(ctx, s.queue)
		if err != nil && ctx.Err() == nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
		s.queue.Close()
	}()
	return s
}

// Next waits for the next block. If the producer failed its error is
// returned, after which the stream is finished.
func (s *BlockStream) Next(ctx context.Context) ([]byte, error) {
	b, err := s.queue.Pop(ctx)
	if errors.Is(err, util.ErrQueueClosed) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return nil, s.err
		}
		return nil, ErrStreamClosed
	}
	return b, err
}

// Dropped returns how many blocks were overwritten before being read.
func (s *BlockStream) Dropped() int {
	return s.queue.Dropped()
}

// Close stops the producer and waits for it to finish.
func (s *BlockStream) Close() {
	s.cancel()
	<-s.done
}
