package config

// RuntimeConfig is the part of the configuration that may be changed
// through the web API while the daemon runs. Pins, buses and the servo
// board are left out.
type RuntimeConfig struct {
	Button ButtonConfig `yaml:"Button" json:"Button"`
	Sonar  SonarConfig  `yaml:"Sonar" json:"Sonar"`
	Idle   IdleConfig   `yaml:"Idle" json:"Idle"`
}

func (c *Config) Runtime() RuntimeConfig {
	return RuntimeConfig{Button: c.Button, Sonar: c.Sonar, Idle: c.Idle}
}

// ApplyRuntime merges rc into c. Pin assignments and the power-off
// command are kept from c.
func (c *Config) ApplyRuntime(rc RuntimeConfig) {
	pin := c.Button.Pin
	c.Button = rc.Button
	c.Button.Pin = pin

	trig, echo, single := c.Sonar.Trigger, c.Sonar.Echo, c.Sonar.SinglePin
	c.Sonar = rc.Sonar
	c.Sonar.Trigger, c.Sonar.Echo, c.Sonar.SinglePin = trig, echo, single

	cmd := c.Idle.PowerOffCommand
	c.Idle = rc.Idle
	c.Idle.PowerOffCommand = cmd
}
