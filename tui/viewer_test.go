package tui

import (
	"math"
	"testing"

	"github.com/gammazero/deque"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lautenbacher.net/robotd/config"
	"lautenbacher.net/robotd/platform"
	"lautenbacher.net/robotd/sensors"
)

func history(values ...float64) *deque.Deque[float64] {
	var q deque.Deque[float64]
	for _, v := range values {
		q.PushBack(v)
	}
	return &q
}

func TestCalculateStats(t *testing.T) {
	stats := calculateStats(history(0.5, 0.1, 0.3, 0.4, 0.2))

	assert.Equal(t, 0.1, stats.min)
	assert.Equal(t, 0.5, stats.max)
	assert.InDelta(t, 0.3, stats.mean, 1e-9)
	assert.Equal(t, 0.3, stats.median)
	assert.InDelta(t, math.Sqrt(0.02), stats.stdDev, 1e-9)
}

func TestCalculateStats_Empty(t *testing.T) {
	assert.Equal(t, distanceStats{}, calculateStats(history()))
}

func TestCalculateStats_EvenLength(t *testing.T) {
	stats := calculateStats(history(0.1, 0.2, 0.3, 0.4))
	assert.InDelta(t, 0.25, stats.median, 1e-9)
}

func TestHistoryIsBounded(t *testing.T) {
	v := NewViewer(config.Default(), nil, func() {})
	for i := range maxDistanceHistory + 20 {
		v.record(float64(i))
	}
	assert.Equal(t, maxDistanceHistory, v.history.Len())
	assert.Equal(t, 20.0, v.history.Front())
}

func TestRender(t *testing.T) {
	v := NewViewer(config.Default(), nil, func() {})
	assert.Contains(t, v.render(), "Session:[-] idle")

	v.Session("abc", true)
	for range maxEventHistory + 1 {
		v.Event(sensors.Event{Kind: sensors.Pressed, Value: true})
	}
	v.Event(sensors.Event{Kind: sensors.InRange, Value: 0.25})
	v.positions["head"] = 12.5
	v.positions["lift"] = math.NaN()

	text := v.render()
	assert.Contains(t, text, "abc")
	assert.Contains(t, text, "in_range")
	assert.Contains(t, text, "12.50")
	assert.Contains(t, text, "off")
	assert.Equal(t, maxEventHistory, v.events.Len())

	v.Session("abc", false)
	assert.Contains(t, v.render(), "Session:[-] idle")
}

func TestSimulationKeys(t *testing.T) {
	conf := config.Default()
	sim := platform.NewSimPlatform(conf)
	left, err := sim.NewLineSensor(conf.LineSensor.Left, conf.LineSensor)
	require.NoError(t, err)
	button, err := sim.NewButton(conf.Button)
	require.NoError(t, err)
	v := NewViewer(conf, sim, func() {})

	assert.False(t, v.handleKey('1'))
	assert.True(t, left.Value())

	v.handleKey('-')
	assert.InDelta(t, conf.Sonar.MaxDistance-distanceStep, sim.Distance(), 1e-9)
	v.handleKey('+')
	v.handleKey('+')
	assert.InDelta(t, conf.Sonar.MaxDistance, sim.Distance(), 1e-9, "capped at max distance")

	v.handleKey('h')
	assert.True(t, button.Value())
	v.handleKey('h')
	assert.False(t, button.Value())

	assert.True(t, v.handleKey('q'))
}

func TestKeysWithoutSimulation(t *testing.T) {
	v := NewViewer(config.Default(), nil, func() {})
	assert.False(t, v.handleKey('1'))
	assert.True(t, v.handleKey('Q'))
}
