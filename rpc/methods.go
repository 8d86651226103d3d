package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lautenbacher.net/robotd/media"
	"lautenbacher.net/robotd/motion"
	"lautenbacher.net/robotd/sensors"
	"lautenbacher.net/robotd/session"
)

var errBadArgs = errors.New("bad arguments")

// request is one running call.
type request struct {
	ctx  context.Context
	sess *session.Session
	args json.RawMessage
	// in carries the client stream items of play and speaker.
	in <-chan json.RawMessage
	// emit sends a server stream item.
	emit func(item any) error
}

func (r *request) decode(v any) error {
	if len(r.args) == 0 || string(r.args) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.args, v); err != nil {
		return fmt.Errorf("%w: %v", errBadArgs, err)
	}
	return nil
}

type handler func(r *request) (any, error)

var methods = map[string]handler{
	"session_id": func(r *request) (any, error) { return r.sess.ID, nil },
	"speed":      withArgs(speed),
	"lift":       servoMethod((*session.Session).Lift),
	"head":       servoMethod((*session.Session).Head),
	"backlight":  servoMethod((*session.Session).Backlight),
	"stop":       func(r *request) (any, error) { return nil, r.sess.Stop() },
	"distance":   func(r *request) (any, error) { return r.sess.Distance() },

	"display": withArgs(func(r *request, a displayArgs) (any, error) {
		return nil, r.sess.Display(a.Data, a.X0, a.Y0, a.X1, a.Y1)
	}),
	"fill": withArgs(func(r *request, a fillArgs) (any, error) {
		return nil, r.sess.Fill(a.Color, a.X, a.Y, a.W, a.H)
	}),
	"pixel": withArgs(func(r *request, a pixelArgs) (any, error) {
		return nil, r.sess.Pixel(a.X, a.Y, a.Color)
	}),
	"tone": withArgs(func(r *request, a toneArgs) (any, error) {
		return nil, r.sess.Tone(r.ctx, a.Frequency, seconds(a.Duration))
	}),
	"play": play,

	"sensor_data": withArgs(sensorData),
	"camera":      withArgs(camera),
	"capture":     withArgs(capture),
	"microphone":  withArgs(microphone),
	"speaker":     withArgs(speaker),

	"calibrate_motor": withArgs(func(r *request, a calibrateMotorArgs) (any, error) {
		return nil, r.sess.CalibrateMotor(a.Direction, a.Left, a.Right)
	}),
	"calibrate_servo": withArgs(calibrateServo),

	"double_press_max_interval": durationProperty(
		(*session.Session).DoublePressMaxInterval, (*session.Session).SetDoublePressMaxInterval),
	"hold_time": durationProperty(
		(*session.Session).HoldTime, (*session.Session).SetHoldTime),
	"hold_repeat": property(
		(*session.Session).HoldRepeat, (*session.Session).SetHoldRepeat),
	"threshold_distance": property(
		(*session.Session).ThresholdDistance, (*session.Session).SetThresholdDistance),
	"max_distance": property(
		(*session.Session).MaxDistance, (*session.Session).SetMaxDistance),
	"microphone_volume": property(
		(*session.Session).MicrophoneVolume, (*session.Session).SetMicrophoneVolume),
	"speaker_volume": property(
		(*session.Session).SpeakerVolume, (*session.Session).SetSpeakerVolume),

	"get_env": withArgs(func(r *request, a envArgs) (any, error) {
		return r.sess.GetEnv(a.Key)
	}),
	"set_env": withArgs(func(r *request, a envArgs) (any, error) {
		return nil, r.sess.SetEnv(a.Key, a.Value)
	}),
	"del_env": withArgs(func(r *request, a envArgs) (any, error) {
		return r.sess.DelEnv(a.Key)
	}),
	"save_env":    func(r *request) (any, error) { return nil, r.sess.SaveEnv() },
	"save_config": func(r *request) (any, error) { return nil, r.sess.SaveConfig() },
}

func withArgs[A any](fn func(r *request, a A) (any, error)) handler {
	return func(r *request) (any, error) {
		var a A
		if err := r.decode(&a); err != nil {
			return nil, err
		}
		return fn(r, a)
	}
}

type valueArgs[T any] struct {
	Value *T `json:"value"`
}

// property reads a setting, setting it first when a value is given.
func property[T any](get func(*session.Session) (T, error), set func(*session.Session, T) error) handler {
	return withArgs(func(r *request, a valueArgs[T]) (any, error) {
		if a.Value != nil {
			if err := set(r.sess, *a.Value); err != nil {
				return nil, err
			}
		}
		return get(r.sess)
	})
}

// durationProperty is a property in seconds.
func durationProperty(get func(*session.Session) (time.Duration, error), set func(*session.Session, time.Duration) error) handler {
	return property(
		func(s *session.Session) (float64, error) {
			d, err := get(s)
			return d.Seconds(), err
		},
		func(s *session.Session, v float64) error {
			return set(s, seconds(v))
		})
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

type speedArgs struct {
	Speed    *[2]float64 `json:"speed"`
	Duration float64     `json:"duration"`
}

func speed(r *request, a speedArgs) (any, error) {
	if a.Speed == nil {
		return r.sess.Speed()
	}
	return nil, r.sess.SetSpeed(r.ctx, *a.Speed, seconds(a.Duration))
}

// servoArgs without a value is a query; a null value switches the output
// off.
type servoArgs struct {
	Value    json.RawMessage `json:"value"`
	Duration *float64        `json:"duration"`
	Rate     *float64        `json:"rate"`
}

func (a servoArgs) request() (motion.Request, error) {
	if len(a.Value) == 0 {
		return motion.QueryRequest(), nil
	}
	var target *float64
	if err := json.Unmarshal(a.Value, &target); err != nil {
		return motion.Request{}, fmt.Errorf("%w: value: %v", errBadArgs, err)
	}
	switch {
	case a.Duration != nil && a.Rate != nil:
		return motion.Request{}, fmt.Errorf("%w: duration and rate exclude each other", errBadArgs)
	case a.Duration != nil:
		return motion.SetOver(target, seconds(*a.Duration)), nil
	case a.Rate != nil:
		return motion.SetAt(target, *a.Rate), nil
	default:
		return motion.Set(target), nil
	}
}

func servoMethod(move func(*session.Session, context.Context, motion.Request) (*float64, error)) handler {
	return withArgs(func(r *request, a servoArgs) (any, error) {
		req, err := a.request()
		if err != nil {
			return nil, err
		}
		return move(r.sess, r.ctx, req)
	})
}

type displayArgs struct {
	Data []byte `json:"data"`
	X0   int    `json:"x0"`
	Y0   int    `json:"y0"`
	X1   int    `json:"x1"`
	Y1   int    `json:"y1"`
}

type fillArgs struct {
	Color uint16 `json:"color"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	W     int    `json:"w"`
	H     int    `json:"h"`
}

type pixelArgs struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color uint16 `json:"color"`
}

type toneArgs struct {
	Frequency float64 `json:"frequency"`
	Duration  float64 `json:"duration"`
}

type calibrateMotorArgs struct {
	Direction string  `json:"direction"`
	Left      float64 `json:"left"`
	Right     float64 `json:"right"`
}

type calibrateServoArgs struct {
	Channel  int      `json:"channel"`
	MinPulse *float64 `json:"min_pulse"`
	MaxPulse *float64 `json:"max_pulse"`
}

func calibrateServo(r *request, a calibrateServoArgs) (any, error) {
	if err := r.sess.CalibrateServo(a.Channel, a.MinPulse, a.MaxPulse); err != nil {
		return nil, err
	}
	lo, hi, err := r.sess.PulseRange(a.Channel)
	if err != nil {
		return nil, err
	}
	return [2]float64{lo, hi}, nil
}

type envArgs struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type sensorArgs struct {
	UpdateRate float64 `json:"update_rate"`
}

// sensorData streams events until the call is cancelled or a newer
// stream replaces this one.
func sensorData(r *request, a sensorArgs) (any, error) {
	st, err := r.sess.SensorData(a.UpdateRate)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	for {
		ev, err := st.Next(r.ctx)
		if errors.Is(err, sensors.ErrStreamClosed) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if err := r.emit(ev); err != nil {
			return nil, err
		}
	}
}

// drain sends every block of st as a stream item.
func drain(r *request, st *session.MediaStream) (any, error) {
	defer st.Close()
	for {
		b, err := st.Next(r.ctx)
		if errors.Is(err, media.ErrStreamClosed) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if err := r.emit(b); err != nil {
			return nil, err
		}
	}
}

type resolutionArgs struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Framerate float64 `json:"framerate"`
}

func (a resolutionArgs) resolution() media.Resolution {
	return media.Resolution{Width: a.Width, Height: a.Height, Framerate: a.Framerate}
}

func camera(r *request, a resolutionArgs) (any, error) {
	st, err := r.sess.Camera(a.resolution())
	if err != nil {
		return nil, err
	}
	return drain(r, st)
}

type captureArgs struct {
	resolutionArgs
	Delay   float64 `json:"delay"`
	Standby bool    `json:"standby"`
}

func capture(r *request, a captureArgs) (any, error) {
	return r.sess.Capture(r.ctx, media.CaptureOptions{
		Resolution: a.resolution(),
		Delay:      seconds(a.Delay),
		Standby:    a.Standby,
	})
}

type audioArgs struct {
	SampleRate int    `json:"sample_rate"`
	Dtype      string `json:"dtype"`
	// BlockSize in frames; zero means the configured block duration.
	BlockSize int `json:"block_size"`
}

func (a audioArgs) format(s *session.Session) media.Format {
	return s.AudioFormat(a.SampleRate, a.Dtype, a.BlockSize)
}

func microphone(r *request, a audioArgs) (any, error) {
	st, err := r.sess.Microphone(a.format(r.sess))
	if err != nil {
		return nil, err
	}
	return drain(r, st)
}

func speaker(r *request, a audioArgs) (any, error) {
	blocks, stop := items[[]byte](r.ctx, r.in)
	err := r.sess.Speaker(r.ctx, a.format(r.sess), blocks)
	return nil, errors.Join(err, stop())
}

func play(r *request) (any, error) {
	tones, stop := items[float64](r.ctx, r.in)
	err := r.sess.Play(r.ctx, tones)
	return nil, errors.Join(err, stop())
}

// items decodes client stream items until the client ends the stream.
// The returned channel closes at the end or on a malformed item, whose
// error stop returns. stop must be called once.
func items[T any](ctx context.Context, in <-chan json.RawMessage) (<-chan T, func() error) {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan T)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				errc <- nil
				return
			case raw, ok := <-in:
				if !ok {
					errc <- nil
					return
				}
				var v T
				if err := json.Unmarshal(raw, &v); err != nil {
					errc <- fmt.Errorf("%w: stream item: %v", errBadArgs, err)
					return
				}
				select {
				case out <- v:
				case <-ctx.Done():
					errc <- nil
					return
				}
			}
		}
	}()
	return out, func() error {
		cancel()
		return <-errc
	}
}
