package media

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"lautenbacher.net/robotd/config"
	"lautenbacher.net/robotd/util"
)

// Resolution is a capture mode.
type Resolution struct {
	Width     int
	Height    int
	Framerate float64
}

func (r Resolution) Validate() error {
	if r.Width <= 0 || r.Height <= 0 || r.Width > 1920 || r.Height > 1080 {
		return fmt.Errorf("%w: resolution %dx%d", ErrOutOfRange, r.Width, r.Height)
	}
	if r.Framerate <= 0 || r.Framerate > 90 {
		return fmt.Errorf("%w: framerate %v must be in (0, 90]", ErrOutOfRange, r.Framerate)
	}
	return nil
}

// FrameSource is an open camera delivering JPEG stills. Read blocks until
// the next frame.
type FrameSource interface {
	Read() ([]byte, error)
	Close() error
}

// CameraDriver opens the camera device.
type CameraDriver interface {
	Open(device int, r Resolution) (FrameSource, error)
}

// CaptureOptions tune a single still capture.
type CaptureOptions struct {
	Resolution
	// Delay waits before taking the picture, after the warm up.
	Delay time.Duration
	// Standby keeps the camera open for the next capture.
	Standby bool
}

// Camera streams frames and takes stills. Only one of them runs at a time.
type Camera struct {
	driver    CameraDriver
	device    int
	queueSize int
	warmUp    time.Duration

	mu      sync.Mutex
	standby FrameSource
	mode    Resolution
	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewCamera(driver CameraDriver, cfg config.CameraConfig) *Camera {
	return &Camera{
		driver:    driver,
		device:    cfg.Device,
		queueSize: cfg.QueueSize,
		warmUp:    cfg.WarmUp,
		sleep:     sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// open returns the standby source if it matches r, or opens and warms up
// a new one.
func (c *Camera) open(ctx context.Context, r Resolution) (FrameSource, error) {
	if c.standby != nil {
		src := c.standby
		c.standby = nil
		if c.mode == r {
			return src, nil
		}
		src.Close()
	}
	src, err := c.driver.Open(c.device, r)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera %d: %w", c.device, err)
	}
	if err := c.sleep(ctx, c.warmUp); err != nil {
		src.Close()
		return nil, err
	}
	return src, nil
}

// Stream captures continuously on a goroutine locked to its OS thread
// until the stream is closed.
func (c *Camera) Stream(ctx context.Context, r Resolution) (*BlockStream, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return startStream(ctx, c.queueSize, func(ctx context.Context, q *util.RingQueue[[]byte]) error {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		c.mu.Lock()
		defer c.mu.Unlock()
		src, err := c.open(ctx, r)
		if err != nil {
			return err
		}
		defer src.Close()

		slog.Debug("Camera streaming", "width", r.Width, "height", r.Height, "framerate", r.Framerate)
		for ctx.Err() == nil {
			frame, err := src.Read()
			if err != nil {
				return fmt.Errorf("camera read: %w", err)
			}
			q.Push(frame)
		}
		return nil
	}), nil
}

// Capture takes one still.
func (c *Camera) Capture(ctx context.Context, opts CaptureOptions) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	src, err := c.open(ctx, opts.Resolution)
	if err != nil {
		return nil, err
	}
	keep := false
	defer func() {
		if !keep {
			src.Close()
		}
	}()
	if err := c.sleep(ctx, opts.Delay); err != nil {
		return nil, err
	}
	frame, err := src.Read()
	if err != nil {
		return nil, fmt.Errorf("camera read: %w", err)
	}
	if opts.Standby {
		keep = true
		c.standby, c.mode = src, opts.Resolution
	}
	return frame, nil
}

// Close releases a camera kept in standby.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.standby == nil {
		return nil
	}
	err := c.standby.Close()
	c.standby = nil
	return err
}
