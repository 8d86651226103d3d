//go:build !gocv

package media

import (
	"log/slog"
)

type noCameraDriver struct{}

// NewCameraDriver returns a driver without a camera. Build with the gocv
// tag for OpenCV capture.
func NewCameraDriver() CameraDriver {
	slog.Warn("Camera support is disabled in this build (build with -tags gocv)")
	return noCameraDriver{}
}

func (noCameraDriver) Open(int, Resolution) (FrameSource, error) {
	return nil, ErrUnsupported
}
