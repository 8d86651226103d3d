//go:build cgo

package media

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

var (
	paMutex sync.Mutex
	paUsers int
)

func paAcquire() error {
	paMutex.Lock()
	defer paMutex.Unlock()
	if paUsers == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize portaudio: %w", err)
		}
		slog.Debug("PortAudio initialized")
	}
	paUsers++
	return nil
}

func paRelease() {
	paMutex.Lock()
	defer paMutex.Unlock()
	paUsers--
	if paUsers == 0 {
		if err := portaudio.Terminate(); err != nil {
			slog.Error("Failed to terminate portaudio", "error", err)
		}
	}
}

// PortAudioDriver opens mono streams on the named devices, or the default
// ones for an empty name.
type PortAudioDriver struct{}

func NewAudioDriver() AudioDriver {
	return PortAudioDriver{}
}

func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("could not list audio devices: %w", err)
	}
	for _, d := range devices {
		channels := d.MaxOutputChannels
		if input {
			channels = d.MaxInputChannels
		}
		if channels > 0 && strings.Contains(strings.ToLower(d.Name), strings.ToLower(name)) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no audio device matching %q", name)
}

func (PortAudioDriver) OpenCapture(device string, f Format, onBlock func([]byte)) (AudioStream, error) {
	return openStream(device, true, f, func(buf []byte) { onBlock(buf) })
}

func (PortAudioDriver) OpenPlayback(device string, f Format, fill func([]byte)) (AudioStream, error) {
	return openStream(device, false, f, fill)
}

func openStream(device string, input bool, f Format, io func([]byte)) (AudioStream, error) {
	if err := paAcquire(); err != nil {
		return nil, err
	}
	dev, err := findDevice(device, input)
	if err != nil {
		paRelease()
		return nil, err
	}
	params := portaudio.StreamParameters{
		SampleRate:      float64(f.SampleRate),
		FramesPerBuffer: f.BlockSize,
	}
	sp := portaudio.StreamDeviceParameters{Device: dev, Channels: 1}
	if input {
		sp.Latency = dev.DefaultLowInputLatency
		params.Input = sp
	} else {
		sp.Latency = dev.DefaultLowOutputLatency
		params.Output = sp
	}

	stream, err := portaudio.OpenStream(params, callback(input, f, io))
	if err != nil {
		paRelease()
		return nil, fmt.Errorf("failed to open %s: %w", dev.Name, err)
	}
	return &paStream{Stream: stream}, nil
}

// callback adapts io to the sample typed callback portaudio expects.
// Capture gets a fresh block each time, playback fills a scratch buffer.
func callback(input bool, f Format, io func([]byte)) any {
	buf := make([]byte, f.BlockBytes())
	switch f.Dtype {
	case "int16":
		if input {
			return func(in []int16) {
				b := make([]byte, 2*len(in))
				for i, s := range in {
					binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
				}
				io(b)
			}
		}
		return func(out []int16) {
			buf = grow(buf, 2*len(out))
			io(buf)
			for i := range out {
				out[i] = int16(binary.LittleEndian.Uint16(buf[2*i:]))
			}
		}
	case "int32":
		if input {
			return func(in []int32) {
				b := make([]byte, 4*len(in))
				for i, s := range in {
					binary.LittleEndian.PutUint32(b[4*i:], uint32(s))
				}
				io(b)
			}
		}
		return func(out []int32) {
			buf = grow(buf, 4*len(out))
			io(buf)
			for i := range out {
				out[i] = int32(binary.LittleEndian.Uint32(buf[4*i:]))
			}
		}
	default:
		if input {
			return func(in []float32) {
				b := make([]byte, 4*len(in))
				for i, s := range in {
					binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(s))
				}
				io(b)
			}
		}
		return func(out []float32) {
			buf = grow(buf, 4*len(out))
			io(buf)
			for i := range out {
				out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
			}
		}
	}
}

func grow(buf []byte, n int) []byte {
	if cap(buf) < n {
		return make([]byte, n)
	}
	return buf[:n]
}

type paStream struct {
	*portaudio.Stream
	once sync.Once
}

func (s *paStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.Stream.Close()
		paRelease()
	})
	return err
}
