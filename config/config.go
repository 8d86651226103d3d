package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure reported by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete daemon configuration.
type Config struct {
	Motor      MotorConfig      `yaml:"Motor"`
	Servo      ServoConfig      `yaml:"Servo"`
	Button     ButtonConfig     `yaml:"Button"`
	LineSensor LineSensorConfig `yaml:"LineSensor"`
	Sonar      SonarConfig      `yaml:"Sonar"`
	Buzzer     BuzzerConfig     `yaml:"Buzzer"`
	Screen     ScreenConfig     `yaml:"Screen"`
	Audio      AudioConfig      `yaml:"Audio"`
	Camera     CameraConfig     `yaml:"Camera"`
	Idle       IdleConfig       `yaml:"Idle"`
	Server     ServerConfig     `yaml:"Server"`
	Logging    LoggingConfig    `yaml:"Logging"`
}

// MotorPins are the two PWM pins of one H-bridge channel.
type MotorPins struct {
	Forward  int `yaml:"Forward"`
	Backward int `yaml:"Backward"`
}

type MotorConfig struct {
	Left         MotorPins     `yaml:"Left"`
	Right        MotorPins     `yaml:"Right"`
	PWMFrequency int           `yaml:"PWMFrequency"`
	RampStep     float64       `yaml:"RampStep"`
	RampInterval time.Duration `yaml:"RampInterval"`
	// Compensation factors per side, [left, right].
	Forward  []float64 `yaml:"Forward"`
	Backward []float64 `yaml:"Backward"`
}

type ServoChannelConfig struct {
	Channel    int     `yaml:"Channel"`
	MinPulse   float64 `yaml:"MinPulse"`
	MaxPulse   float64 `yaml:"MaxPulse"`
	StartAngle float64 `yaml:"StartAngle"`
	EndAngle   float64 `yaml:"EndAngle"`
}

type ServoConfig struct {
	I2CBus       string             `yaml:"I2CBus"`
	Address      uint16             `yaml:"Address"`
	Frequency    int                `yaml:"Frequency"`
	UpdateRate   float64            `yaml:"UpdateRate"`
	LeftArm      ServoChannelConfig `yaml:"LeftArm"`
	RightArm     ServoChannelConfig `yaml:"RightArm"`
	Head         ServoChannelConfig `yaml:"Head"`
	Backlight    ServoChannelConfig `yaml:"Backlight"`
	SpeakerPower ServoChannelConfig `yaml:"SpeakerPower"`
}

type ButtonConfig struct {
	Pin                    int           `yaml:"Pin"`
	DoublePressMaxInterval time.Duration `yaml:"DoublePressMaxInterval"`
	HoldTime               time.Duration `yaml:"HoldTime"`
	HoldRepeat             bool          `yaml:"HoldRepeat"`
	Debounce               time.Duration `yaml:"Debounce"`
}

type LineSensorConfig struct {
	Left          int           `yaml:"Left"`
	Right         int           `yaml:"Right"`
	SmoothingSize int           `yaml:"SmoothingSize"`
	SampleRate    time.Duration `yaml:"SampleRate"`
}

type SonarConfig struct {
	Trigger int `yaml:"Trigger"`
	Echo    int `yaml:"Echo"`
	// SinglePin drives trigger and echo over the Trigger pin alone.
	SinglePin         bool          `yaml:"SinglePin"`
	MaxDistance       float64       `yaml:"MaxDistance"`
	ThresholdDistance float64       `yaml:"ThresholdDistance"`
	Interval          time.Duration `yaml:"Interval"`
}

type BuzzerConfig struct {
	Pin int `yaml:"Pin"`
}

type ScreenConfig struct {
	SPIPort   string `yaml:"SPIPort"`
	Frequency int    `yaml:"Frequency"`
	DC        int    `yaml:"DC"`
	RST       int    `yaml:"RST"`
	Width     int    `yaml:"Width"`
	Height    int    `yaml:"Height"`
	XOffset   int    `yaml:"XOffset"`
	YOffset   int    `yaml:"YOffset"`
}

type AudioConfig struct {
	InputDevice       string        `yaml:"InputDevice"`
	OutputDevice      string        `yaml:"OutputDevice"`
	SampleRate        int           `yaml:"SampleRate"`
	BlockDuration     time.Duration `yaml:"BlockDuration"`
	QueueSize         int           `yaml:"QueueSize"`
	MicrophoneControl string        `yaml:"MicrophoneControl"`
	SpeakerControl    string        `yaml:"SpeakerControl"`
}

type CameraConfig struct {
	Device    int           `yaml:"Device"`
	QueueSize int           `yaml:"QueueSize"`
	WarmUp    time.Duration `yaml:"WarmUp"`
}

type IdleConfig struct {
	Enabled         bool          `yaml:"Enabled"`
	LightUpTime     time.Duration `yaml:"LightUpTime"`
	DayBrightness   float64       `yaml:"DayBrightness"`
	NightBrightness float64       `yaml:"NightBrightness"`
	Latitude        float64       `yaml:"Latitude"`
	Longitude       float64       `yaml:"Longitude"`
	PowerOffHold    time.Duration `yaml:"PowerOffHold"`
	PowerOffDelay   time.Duration `yaml:"PowerOffDelay"`
	PowerOffCommand string        `yaml:"PowerOffCommand"`
}

type ServerConfig struct {
	Listen  string `yaml:"Listen"`
	EnvFile string `yaml:"EnvFile"`
}

type LogConfig struct {
	Level  string `yaml:"Level"`
	Format string `yaml:"Format"`
	File   string `yaml:"File"`
}

type LoggingConfig struct {
	Viewer LogConfig `yaml:"Viewer"`
	Daemon LogConfig `yaml:"Daemon"`
}

// Default returns the configuration of the stock robot.
func Default() *Config {
	return &Config{
		Motor: MotorConfig{
			Left:         MotorPins{Forward: 20, Backward: 21},
			Right:        MotorPins{Forward: 19, Backward: 26},
			PWMFrequency: 100,
			RampStep:     0.5,
			RampInterval: 150 * time.Millisecond,
			Forward:      []float64{1, 1},
			Backward:     []float64{1, 1},
		},
		Servo: ServoConfig{
			Address:      0x40,
			Frequency:    50,
			UpdateRate:   50,
			LeftArm:      ServoChannelConfig{Channel: 15, MinPulse: 600, MaxPulse: 1800, StartAngle: 0, EndAngle: 180},
			RightArm:     ServoChannelConfig{Channel: 0, MinPulse: 2400, MaxPulse: 1200, StartAngle: 0, EndAngle: 180},
			Head:         ServoChannelConfig{Channel: 8, MinPulse: 1200, MaxPulse: 1800, StartAngle: -30, EndAngle: 30},
			Backlight:    ServoChannelConfig{Channel: 1, MinPulse: 0, MaxPulse: 2000, StartAngle: 0, EndAngle: 1},
			SpeakerPower: ServoChannelConfig{Channel: 2, MinPulse: 0, MaxPulse: 20000, StartAngle: 0, EndAngle: 1},
		},
		Button: ButtonConfig{
			Pin:                    16,
			DoublePressMaxInterval: 500 * time.Millisecond,
			HoldTime:               time.Second,
			Debounce:               20 * time.Millisecond,
		},
		LineSensor: LineSensorConfig{
			Left:          5,
			Right:         6,
			SmoothingSize: 3,
			SampleRate:    100 * time.Millisecond,
		},
		Sonar: SonarConfig{
			Trigger:           17,
			Echo:              27,
			MaxDistance:       1,
			ThresholdDistance: 0.3,
			Interval:          100 * time.Millisecond,
		},
		Buzzer: BuzzerConfig{Pin: 13},
		Screen: ScreenConfig{
			Frequency: 24000000,
			DC:        25,
			RST:       24,
			Width:     240,
			Height:    135,
			XOffset:   40,
			YOffset:   53,
		},
		Audio: AudioConfig{
			SampleRate:        16000,
			BlockDuration:     100 * time.Millisecond,
			QueueSize:         5,
			MicrophoneControl: "Boost",
			SpeakerControl:    "Speaker",
		},
		Camera: CameraConfig{
			QueueSize: 2,
			WarmUp:    2 * time.Second,
		},
		Idle: IdleConfig{
			Enabled:         true,
			LightUpTime:     5 * time.Second,
			DayBrightness:   0.1,
			NightBrightness: 0.02,
			PowerOffHold:    5 * time.Second,
			PowerOffDelay:   5 * time.Second,
			PowerOffCommand: "sudo poweroff",
		},
		Server: ServerConfig{
			Listen:  ":80",
			EnvFile: "env.yml",
		},
		Logging: LoggingConfig{
			Viewer: LogConfig{Level: "INFO", Format: "text"},
			Daemon: LogConfig{Level: "INFO", Format: "text"},
		},
	}
}

// ReadConfig decodes the YAML file on top of the defaults and validates
// the result.
func ReadConfig(cfile string) (*Config, error) {
	data, err := os.ReadFile(cfile)
	if err != nil {
		return nil, fmt.Errorf("can't read config file %s: %w", cfile, err)
	}
	conf := Default()
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("can't decode config file %s: %w", cfile, err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(cfile string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(cfile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", cfile, err)
	}
	return nil
}

// Clone returns a deep copy, so sessions can calibrate without racing a
// concurrent reload.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Motor.Forward = append([]float64(nil), c.Motor.Forward...)
	cp.Motor.Backward = append([]float64(nil), c.Motor.Backward...)
	return &cp
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func validFactor(f float64) bool {
	return f > 0 && !math.IsInf(f, 0) && !math.IsNaN(f)
}

// Validate checks the invariants every component relies on.
func (c *Config) Validate() error {
	for name, v := range map[string][]float64{"Forward": c.Motor.Forward, "Backward": c.Motor.Backward} {
		if len(v) != 2 {
			return invalid("Motor.%s must have exactly 2 factors, got %d", name, len(v))
		}
		for i, f := range v {
			if !validFactor(f) {
				return invalid("Motor.%s[%d] must be a positive finite number, got %v", name, i, f)
			}
		}
	}
	if c.Motor.RampStep <= 0 || c.Motor.RampStep > 2 {
		return invalid("Motor.RampStep must be in (0, 2], got %v", c.Motor.RampStep)
	}
	if c.Motor.RampInterval <= 0 {
		return invalid("Motor.RampInterval must be positive")
	}
	if c.Servo.Frequency <= 0 {
		return invalid("Servo.Frequency must be positive")
	}
	if c.Servo.UpdateRate <= 0 {
		return invalid("Servo.UpdateRate must be positive")
	}
	servos := map[string]ServoChannelConfig{
		"LeftArm":      c.Servo.LeftArm,
		"RightArm":     c.Servo.RightArm,
		"Head":         c.Servo.Head,
		"Backlight":    c.Servo.Backlight,
		"SpeakerPower": c.Servo.SpeakerPower,
	}
	used := make(map[int]string, len(servos))
	for name, s := range servos {
		if s.Channel < 0 || s.Channel > 15 {
			return invalid("Servo.%s.Channel must be between 0 and 15, got %d", name, s.Channel)
		}
		if other, ok := used[s.Channel]; ok {
			return invalid("Servo.%s and Servo.%s share channel %d", name, other, s.Channel)
		}
		used[s.Channel] = name
		if s.MinPulse < 0 || s.MaxPulse < 0 || s.MinPulse == s.MaxPulse {
			return invalid("Servo.%s pulse range [%v, %v] is empty or negative", name, s.MinPulse, s.MaxPulse)
		}
		if s.StartAngle == s.EndAngle {
			return invalid("Servo.%s angle range is empty", name)
		}
	}
	if c.Button.DoublePressMaxInterval < 0 || c.Button.HoldTime <= 0 {
		return invalid("Button timings must be positive")
	}
	if c.Sonar.MaxDistance <= 0 {
		return invalid("Sonar.MaxDistance must be positive")
	}
	if c.Sonar.ThresholdDistance < 0 || c.Sonar.ThresholdDistance > c.Sonar.MaxDistance {
		return invalid("Sonar.ThresholdDistance must be between 0 and %v", c.Sonar.MaxDistance)
	}
	if c.Sonar.Interval <= 0 {
		return invalid("Sonar.Interval must be positive")
	}
	if c.Audio.QueueSize < 2 || c.Audio.QueueSize > 5 {
		return invalid("Audio.QueueSize must be between 2 and 5, got %d", c.Audio.QueueSize)
	}
	if c.Camera.QueueSize < 2 || c.Camera.QueueSize > 5 {
		return invalid("Camera.QueueSize must be between 2 and 5, got %d", c.Camera.QueueSize)
	}
	if c.Audio.SampleRate <= 0 || c.Audio.BlockDuration <= 0 {
		return invalid("Audio.SampleRate and Audio.BlockDuration must be positive")
	}
	for name, b := range map[string]float64{"DayBrightness": c.Idle.DayBrightness, "NightBrightness": c.Idle.NightBrightness} {
		if b < 0 || b > 1 {
			return invalid("Idle.%s must be between 0 and 1, got %v", name, b)
		}
	}
	if c.Idle.Latitude < -90 || c.Idle.Latitude > 90 || c.Idle.Longitude < -180 || c.Idle.Longitude > 180 {
		return invalid("Idle latitude/longitude out of range")
	}
	return nil
}
