package platform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
)

func TestEdgeInput_ReportsPressAndRelease(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO16", Num: 16, EdgesChan: make(chan gpio.Level)}
	in, err := newEdgeInput(pin, 0)
	require.NoError(t, err)
	defer in.Close()
	assert.False(t, in.Value(), "pull-up reads high, which is released")

	changes := make(chan bool, 4)
	in.SetOnChange(func(v bool) { changes <- v })

	pin.EdgesChan <- gpio.Low
	pin.EdgesChan <- gpio.High

	for _, want := range []bool{true, false} {
		select {
		case got := <-changes:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatal("missing change")
		}
	}
}

func TestEdgeInput_CloseStopsWatcher(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO16", EdgesChan: make(chan gpio.Level)}
	in, err := newEdgeInput(pin, 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		in.Close()
		in.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
}

func TestSampledInput_Smooths(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO5", EdgesChan: make(chan gpio.Level)}
	in, err := newSampledInput(pin, 5*time.Millisecond, 3)
	require.NoError(t, err)
	defer in.Close()

	changes := make(chan bool, 4)
	in.SetOnChange(func(v bool) { changes <- v })

	require.NoError(t, pin.Out(gpio.Low))
	select {
	case got := <-changes:
		assert.True(t, got)
	case <-time.After(time.Second):
		t.Fatal("line never detected")
	}
}

func TestSmoother(t *testing.T) {
	s := newSmoother(3, 0)
	assert.Equal(t, 0.33, s.add(1))
	assert.Equal(t, 0.67, s.add(1))
	assert.Equal(t, 1.0, s.add(1))
	assert.Equal(t, 0.67, s.add(0))
}

func TestPWMMotor(t *testing.T) {
	fwd := &gpiotest.Pin{N: "GPIO20"}
	bwd := &gpiotest.Pin{N: "GPIO21"}
	m, err := newPWMMotor(fwd, bwd, 100*physic.Hertz)
	require.NoError(t, err)

	require.NoError(t, m.SetValue(0.5))
	assert.Equal(t, gpio.DutyHalf, fwd.D)
	assert.Equal(t, 100*physic.Hertz, fwd.F)
	assert.Equal(t, gpio.Low, bwd.L)

	require.NoError(t, m.SetValue(-1))
	assert.Equal(t, gpio.DutyMax, bwd.D)
	assert.Equal(t, gpio.Low, fwd.L)
	assert.Equal(t, -1.0, m.Value())

	assert.ErrorIs(t, m.SetValue(1.5), ErrOutOfRange)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, 0.0, m.Value())
	assert.Error(t, m.SetValue(0.1))
}

func TestPWMBuzzer(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO13"}
	b, err := newPWMBuzzer(pin)
	require.NoError(t, err)

	require.NoError(t, b.Play(440))
	assert.Equal(t, gpio.DutyHalf, pin.D)
	assert.Equal(t, 440*physic.Hertz, pin.F)

	assert.ErrorIs(t, b.Play(5000), ErrOutOfRange)

	require.NoError(t, b.Play(0))
	assert.Equal(t, gpio.Low, pin.L)
	require.NoError(t, b.Close())
	require.NoError(t, b.Stop())
}

func TestSimScreen(t *testing.T) {
	s := NewSimScreen(10, 5)
	require.NoError(t, s.Fill(0xF800, 2, 1, 3, 2))
	assert.Equal(t, uint16(0xF800), s.At(2, 1))
	assert.Equal(t, uint16(0xF800), s.At(4, 2))
	assert.Equal(t, uint16(0), s.At(5, 2))

	require.NoError(t, s.Block(0, 0, 1, 0, []byte{0x12, 0x34, 0xAB, 0xCD}))
	assert.Equal(t, uint16(0x1234), s.At(0, 0))
	assert.Equal(t, uint16(0xABCD), s.At(1, 0))

	assert.ErrorIs(t, s.Pixel(10, 0, 1), ErrOutOfRange)
	assert.ErrorIs(t, s.Block(0, 0, 1, 0, []byte{1}), ErrOutOfRange)
}
