package media

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
)

// Mixer reads and sets ALSA mixer controls through amixer.
type Mixer struct {
	run func(args ...string) ([]byte, error)
}

func NewMixer() *Mixer {
	return &Mixer{run: func(args ...string) ([]byte, error) {
		return exec.Command("amixer", args...).Output()
	}}
}

// Volume returns the first percentage amixer reports for control.
func (m *Mixer) Volume(control string) (int, error) {
	out, err := m.run("get", control)
	if err != nil {
		return 0, fmt.Errorf("amixer get %s: %w", control, err)
	}
	start := bytes.IndexByte(out, '[')
	end := bytes.IndexByte(out, '%')
	if start < 0 || end < start {
		return 0, fmt.Errorf("amixer get %s: no volume in %q", control, out)
	}
	return strconv.Atoi(string(out[start+1 : end]))
}

// SetVolume sets control to percent, 0 to 100.
func (m *Mixer) SetVolume(control string, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("%w: volume %d must be 0 to 100", ErrOutOfRange, percent)
	}
	if _, err := m.run("set", control, fmt.Sprintf("%d%%", percent)); err != nil {
		return fmt.Errorf("amixer set %s: %w", control, err)
	}
	return nil
}
