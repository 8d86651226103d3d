//go:build gocv

package media

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

type gocvDriver struct{}

// NewCameraDriver returns the OpenCV backed camera driver.
func NewCameraDriver() CameraDriver {
	return gocvDriver{}
}

func (gocvDriver) Open(device int, r Resolution) (FrameSource, error) {
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, err
	}
	vc.Set(gocv.VideoCaptureFrameWidth, float64(r.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(r.Height))
	vc.Set(gocv.VideoCaptureFPS, r.Framerate)
	return &gocvSource{vc: vc, img: gocv.NewMat()}, nil
}

type gocvSource struct {
	vc  *gocv.VideoCapture
	img gocv.Mat
}

func (s *gocvSource) Read() ([]byte, error) {
	if ok := s.vc.Read(&s.img); !ok || s.img.Empty() {
		return nil, errors.New("no frame")
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, s.img)
	if err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

func (s *gocvSource) Close() error {
	return errors.Join(s.img.Close(), s.vc.Close())
}
