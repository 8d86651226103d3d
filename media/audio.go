package media

import (
	"context"
	"fmt"
	"log/slog"

	"lautenbacher.net/robotd/config"
	"lautenbacher.net/robotd/util"
)

// Format describes mono raw PCM blocks.
type Format struct {
	SampleRate int
	// Dtype is int16, int32 or float32, little endian.
	Dtype string
	// BlockSize is the number of frames per block.
	BlockSize int
}

// FormatFor returns the format at the given sample rate. A blockSize of
// zero means the configured block duration.
func FormatFor(cfg config.AudioConfig, sampleRate int, dtype string, blockSize int) Format {
	if blockSize == 0 {
		blockSize = int(cfg.BlockDuration.Seconds() * float64(sampleRate))
	}
	return Format{
		SampleRate: sampleRate,
		Dtype:      dtype,
		BlockSize:  blockSize,
	}
}

func (f Format) SampleSize() int {
	switch f.Dtype {
	case "int16":
		return 2
	case "int32", "float32":
		return 4
	default:
		return 0
	}
}

// BlockBytes is the length of one block.
func (f Format) BlockBytes() int {
	return f.BlockSize * f.SampleSize()
}

func (f Format) Validate() error {
	if f.SampleSize() == 0 {
		return fmt.Errorf("%w: unknown sample type %q", ErrOutOfRange, f.Dtype)
	}
	if f.SampleRate < 8000 || f.SampleRate > 48000 {
		return fmt.Errorf("%w: sample rate %d must be 8000 to 48000", ErrOutOfRange, f.SampleRate)
	}
	if f.BlockSize <= 0 {
		return fmt.Errorf("%w: block size %d must be positive", ErrOutOfRange, f.BlockSize)
	}
	return nil
}

// AudioStream is an open callback stream on the sound card.
type AudioStream interface {
	Start() error
	Stop() error
	Close() error
}

// AudioDriver opens callback streams. The callbacks run on the driver's
// own thread once per block and must not block.
type AudioDriver interface {
	// OpenCapture calls onBlock with every recorded block. The slice is
	// owned by the callee.
	OpenCapture(device string, f Format, onBlock func(block []byte)) (AudioStream, error)
	// OpenPlayback calls fill whenever the card needs the next block.
	OpenPlayback(device string, f Format, fill func(out []byte)) (AudioStream, error)
}

// Microphone records blocks into an overwriting queue. It gives up the
// audio bus whenever the speaker wants it and carries on afterwards.
type Microphone struct {
	driver    AudioDriver
	bus       *AudioBus
	device    string
	queueSize int
}

func NewMicrophone(driver AudioDriver, bus *AudioBus, cfg config.AudioConfig) *Microphone {
	return &Microphone{driver: driver, bus: bus, device: cfg.InputDevice, queueSize: cfg.QueueSize}
}

// Stream starts recording. Closing the stream stops and joins the
// recording goroutine.
func (m *Microphone) Stream(ctx context.Context, f Format) (*BlockStream, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return startStream(ctx, m.queueSize, func(ctx context.Context, q *util.RingQueue[[]byte]) error {
		for {
			preempted, release, err := m.bus.Microphone(ctx)
			if err != nil {
				return nil
			}
			err = m.capture(ctx, preempted, f, q)
			release()
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("Microphone paused for the speaker")
		}
	}), nil
}

func (m *Microphone) capture(ctx context.Context, preempted <-chan struct{}, f Format, q *util.RingQueue[[]byte]) error {
	stream, err := m.driver.OpenCapture(m.device, f, func(block []byte) { q.Push(block) })
	if err != nil {
		return fmt.Errorf("failed to open microphone: %w", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start microphone: %w", err)
	}
	select {
	case <-ctx.Done():
	case <-preempted:
	}
	return stream.Stop()
}

// Switch is an output that can be turned on and off by fraction, like the
// speaker power channel of the servo board.
type Switch interface {
	SetFraction(f *float64) error
}

// Speaker plays client supplied blocks.
type Speaker struct {
	driver AudioDriver
	bus    *AudioBus
	device string
	power  Switch
}

func NewSpeaker(driver AudioDriver, bus *AudioBus, cfg config.AudioConfig, power Switch) *Speaker {
	return &Speaker{driver: driver, bus: bus, device: cfg.OutputDevice, power: power}
}

// Play takes the audio bus, switches the amplifier on and plays blocks
// until the channel is closed or ctx ends. Blocks are played back to back
// whatever their length. When no block is ready the card gets silence, so
// a slow sender never stalls the driver thread.
func (s *Speaker) Play(ctx context.Context, f Format, blocks <-chan []byte) error {
	if err := f.Validate(); err != nil {
		return err
	}
	release, err := s.bus.Speaker(ctx)
	if err != nil {
		return err
	}
	defer release()

	on := 1.0
	if err := s.power.SetFraction(&on); err != nil {
		return fmt.Errorf("failed to power the speaker: %w", err)
	}
	defer func() {
		if err := s.power.SetFraction(nil); err != nil {
			slog.Error("Error powering off the speaker", "error", err)
		}
	}()

	finished := make(chan struct{})
	var ended bool
	// pending is the part of the last block the card has not taken yet
	var pending []byte
	fill := func(out []byte) {
		n := 0
	loop:
		for n < len(out) {
			if len(pending) == 0 {
				if ended {
					break
				}
				select {
				case b, ok := <-blocks:
					if !ok {
						ended = true
						close(finished)
						break loop
					}
					pending = b
					continue
				default:
					break loop
				}
			}
			c := copy(out[n:], pending)
			pending = pending[c:]
			n += c
		}
		clear(out[n:])
	}

	stream, err := s.driver.OpenPlayback(s.device, f, fill)
	if err != nil {
		return fmt.Errorf("failed to open speaker: %w", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start speaker: %w", err)
	}
	select {
	case <-finished:
	case <-ctx.Done():
	}
	if err := stream.Stop(); err != nil {
		return err
	}
	return ctx.Err()
}
