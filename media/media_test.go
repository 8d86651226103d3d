package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lautenbacher.net/robotd/config"
	"lautenbacher.net/robotd/util"
)

type fakeAudio struct {
	mu            sync.Mutex
	capturing     int
	playing       int
	captureStarts int
	overlap       bool
	played        [][]byte
}

type fakeAudioStream struct {
	audio *fakeAudio
	input bool
	f     Format
	io    func([]byte)
	stop  chan struct{}
	done  chan struct{}
}

func (a *fakeAudio) OpenCapture(device string, f Format, onBlock func([]byte)) (AudioStream, error) {
	return &fakeAudioStream{audio: a, input: true, f: f, io: onBlock}, nil
}

func (a *fakeAudio) OpenPlayback(device string, f Format, fill func([]byte)) (AudioStream, error) {
	return &fakeAudioStream{audio: a, f: f, io: fill}, nil
}

func (a *fakeAudio) state() (capturing, playing, starts int, overlap bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capturing, a.playing, a.captureStarts, a.overlap
}

func (s *fakeAudioStream) Start() error {
	a := s.audio
	a.mu.Lock()
	if s.input {
		a.capturing++
		a.captureStarts++
	} else {
		a.playing++
	}
	if a.capturing > 0 && a.playing > 0 {
		a.overlap = true
	}
	a.mu.Unlock()

	s.stop, s.done = make(chan struct{}), make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for seq := 0; ; seq++ {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
			}
			b := make([]byte, s.f.BlockBytes())
			if s.input {
				b[0] = byte(seq)
				s.io(b)
				continue
			}
			s.io(b)
			a.mu.Lock()
			a.played = append(a.played, b)
			a.mu.Unlock()
		}
	}()
	return nil
}

func (s *fakeAudioStream) Stop() error {
	close(s.stop)
	<-s.done
	a := s.audio
	a.mu.Lock()
	defer a.mu.Unlock()
	if s.input {
		a.capturing--
	} else {
		a.playing--
	}
	return nil
}

func (s *fakeAudioStream) Close() error { return nil }

type fakeSwitch struct {
	mu     sync.Mutex
	states []bool
}

func (s *fakeSwitch) SetFraction(f *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, f != nil && *f > 0)
	return nil
}

func testFormat() Format {
	return Format{SampleRate: 16000, Dtype: "int16", BlockSize: 4}
}

func nextBlock(t *testing.T, s *BlockStream) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := s.Next(ctx)
	require.NoError(t, err)
	return b
}

func TestSpeakerPreemptsMicrophone(t *testing.T) {
	cfg := config.Default().Audio
	drv := &fakeAudio{}
	bus := NewAudioBus()
	power := &fakeSwitch{}
	mic := NewMicrophone(drv, bus, cfg)
	speaker := NewSpeaker(drv, bus, cfg, power)

	s, err := mic.Stream(context.Background(), testFormat())
	require.NoError(t, err)
	defer s.Close()
	nextBlock(t, s)

	blocks := make(chan []byte)
	errc := make(chan error, 1)
	go func() { errc <- speaker.Play(context.Background(), testFormat(), blocks) }()

	assert.Eventually(t, func() bool {
		capturing, playing, _, _ := drv.state()
		return playing == 1 && capturing == 0
	}, time.Second, time.Millisecond)

	blocks <- []byte{1, 2, 3, 4, 5, 6, 7, 8}
	blocks <- []byte{9, 9}
	close(blocks)
	require.NoError(t, <-errc)

	assert.Eventually(t, func() bool {
		capturing, _, starts, _ := drv.state()
		return capturing == 1 && starts == 2
	}, time.Second, time.Millisecond, "the microphone resumes")
	for range 6 {
		nextBlock(t, s)
	}

	_, _, _, overlap := drv.state()
	assert.False(t, overlap, "microphone and speaker never share the bus")
	assert.Equal(t, []bool{true, false}, power.states)
}

func TestSpeakerPlaysLongBlocksWhole(t *testing.T) {
	drv := &fakeAudio{}
	speaker := NewSpeaker(drv, NewAudioBus(), config.Default().Audio, &fakeSwitch{})

	blocks := make(chan []byte)
	errc := make(chan error, 1)
	go func() { errc <- speaker.Play(context.Background(), testFormat(), blocks) }()

	blocks <- []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	blocks <- []byte{17, 18, 19, 20}
	close(blocks)
	require.NoError(t, <-errc)

	drv.mu.Lock()
	defer drv.mu.Unlock()
	var played []byte
	for _, b := range drv.played {
		for _, v := range b {
			if v != 0 {
				played = append(played, v)
			}
		}
	}
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}, played)
}

func TestSpeakerPlaysSilenceBetweenBlocks(t *testing.T) {
	drv := &fakeAudio{}
	speaker := NewSpeaker(drv, NewAudioBus(), config.Default().Audio, &fakeSwitch{})

	blocks := make(chan []byte)
	errc := make(chan error, 1)
	go func() { errc <- speaker.Play(context.Background(), testFormat(), blocks) }()

	time.Sleep(5 * time.Millisecond)
	blocks <- []byte{1, 2, 3, 4, 5, 6, 7, 8}
	time.Sleep(5 * time.Millisecond)
	close(blocks)
	require.NoError(t, <-errc)

	drv.mu.Lock()
	defer drv.mu.Unlock()
	var data, silent int
	for _, b := range drv.played {
		assert.Len(t, b, 8)
		if b[0] == 0 {
			silent++
		} else {
			data++
			assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, b)
		}
	}
	assert.Equal(t, 1, data)
	assert.Positive(t, silent)
}

func TestSpeakerStopsOnCancel(t *testing.T) {
	drv := &fakeAudio{}
	power := &fakeSwitch{}
	speaker := NewSpeaker(drv, NewAudioBus(), config.Default().Audio, power)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := speaker.Play(ctx, testFormat(), make(chan []byte))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []bool{true, false}, power.states)
}

func TestBlockStreamKeepsNewest(t *testing.T) {
	filled := make(chan struct{})
	s := startStream(context.Background(), 2, func(ctx context.Context, q *util.RingQueue[[]byte]) error {
		for i := 1; i <= 5; i++ {
			q.Push([]byte{byte(i)})
		}
		close(filled)
		<-ctx.Done()
		return nil
	})
	<-filled

	assert.Equal(t, []byte{4}, nextBlock(t, s))
	assert.Equal(t, []byte{5}, nextBlock(t, s))
	assert.Equal(t, 3, s.Dropped())

	s.Close()
	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestBlockStreamReportsProducerError(t *testing.T) {
	boom := errors.New("boom")
	s := startStream(context.Background(), 2, func(ctx context.Context, q *util.RingQueue[[]byte]) error {
		q.Push([]byte{1})
		return boom
	})
	defer s.Close()

	assert.Equal(t, []byte{1}, nextBlock(t, s))
	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, boom)
}

type fakeCamera struct {
	mu     sync.Mutex
	opens  int
	closes int
	frame  int
}

type fakeSource struct{ cam *fakeCamera }

func (c *fakeCamera) Open(device int, r Resolution) (FrameSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	return fakeSource{c}, nil
}

func (s fakeSource) Read() ([]byte, error) {
	time.Sleep(time.Millisecond)
	s.cam.mu.Lock()
	defer s.cam.mu.Unlock()
	s.cam.frame++
	return []byte(fmt.Sprintf("frame %d", s.cam.frame)), nil
}

func (s fakeSource) Close() error {
	s.cam.mu.Lock()
	defer s.cam.mu.Unlock()
	s.cam.closes++
	return nil
}

func newTestCamera(drv CameraDriver) *Camera {
	c := NewCamera(drv, config.Default().Camera)
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func TestCameraStream(t *testing.T) {
	drv := &fakeCamera{}
	c := newTestCamera(drv)

	_, err := c.Stream(context.Background(), Resolution{Width: 0, Height: 240, Framerate: 10})
	assert.ErrorIs(t, err, ErrOutOfRange)

	s, err := c.Stream(context.Background(), Resolution{Width: 320, Height: 240, Framerate: 10})
	require.NoError(t, err)
	first := nextBlock(t, s)
	second := nextBlock(t, s)
	assert.NotEqual(t, first, second)

	s.Close()
	assert.Equal(t, 1, drv.opens)
	assert.Equal(t, 1, drv.closes, "closing the stream releases the camera")
}

func TestCaptureStandby(t *testing.T) {
	drv := &fakeCamera{}
	c := newTestCamera(drv)
	opts := CaptureOptions{Resolution: Resolution{Width: 640, Height: 480, Framerate: 5}, Standby: true}

	_, err := c.Capture(context.Background(), opts)
	require.NoError(t, err)
	_, err = c.Capture(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, drv.opens, "standby keeps the camera open")
	assert.Equal(t, 0, drv.closes)

	opts.Standby = false
	opts.Width = 320
	_, err = c.Capture(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, drv.opens, "a new resolution reopens")
	assert.Equal(t, 2, drv.closes)

	require.NoError(t, c.Close())
}

func TestMixer(t *testing.T) {
	var calls [][]string
	m := &Mixer{run: func(args ...string) ([]byte, error) {
		calls = append(calls, args)
		return []byte("Simple mixer control 'Boost',0\n  Mono: Capture 40 [63%] [on]\n"), nil
	}}

	v, err := m.Volume("Boost")
	require.NoError(t, err)
	assert.Equal(t, 63, v)

	require.NoError(t, m.SetVolume("Speaker", 80))
	assert.Equal(t, []string{"set", "Speaker", "80%"}, calls[1])

	assert.ErrorIs(t, m.SetVolume("Speaker", 101), ErrOutOfRange)
	assert.Len(t, calls, 2)
}

func TestFormat(t *testing.T) {
	f := FormatFor(config.Default().Audio, 16000, "int16", 0)
	assert.Equal(t, 1600, f.BlockSize)
	assert.Equal(t, 3200, f.BlockBytes())
	require.NoError(t, f.Validate())

	assert.Equal(t, 256, FormatFor(config.Default().Audio, 16000, "int16", 256).BlockSize)
	assert.ErrorIs(t, FormatFor(config.Default().Audio, 16000, "int16", -1).Validate(), ErrOutOfRange)

	f.Dtype = "int8"
	assert.ErrorIs(t, f.Validate(), ErrOutOfRange)
}
