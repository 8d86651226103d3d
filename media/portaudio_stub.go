//go:build !cgo

package media

import (
	"log/slog"
)

type noAudioDriver struct{}

// NewAudioDriver returns a driver that refuses every stream: audio needs
// cgo.
func NewAudioDriver() AudioDriver {
	slog.Warn("Audio support is disabled in this build (requires CGO)")
	return noAudioDriver{}
}

func (noAudioDriver) OpenCapture(string, Format, func([]byte)) (AudioStream, error) {
	return nil, ErrUnsupported
}

func (noAudioDriver) OpenPlayback(string, Format, func([]byte)) (AudioStream, error) {
	return nil, ErrUnsupported
}
