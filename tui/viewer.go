// Package tui is a terminal dashboard for the daemon: range sensor
// statistics, actuator positions, the latest sensor events and, in
// simulation, keys that play the robot's inputs.
package tui

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"lautenbacher.net/robotd/config"
	"lautenbacher.net/robotd/platform"
	"lautenbacher.net/robotd/sensors"
	"lautenbacher.net/robotd/util"
)

const (
	maxDistanceHistory = 500
	maxEventHistory    = 8
	viewerTitle        = " robotd "
	distanceStep       = 0.05
	clickTime          = 100 * time.Millisecond
)

// Viewer shows what the robot does. Its Monitor methods never block; the
// screen is redrawn from its own goroutine.
type Viewer struct {
	app  *tview.Application
	view *tview.TextView
	sim  *platform.SimPlatform
	conf *config.Config
	quit func()

	distance  *util.AtomicEvent[float64]
	actuators *util.AtomicMapEvent[float64]
	changed   *util.AtomicEvent[struct{}]

	// only touched by the redraw goroutine
	history   deque.Deque[float64]
	positions map[string]float64

	mu      sync.Mutex
	events  deque.Deque[string]
	session string
	held    bool
}

// NewViewer returns a viewer. With sim set the keys b, h, 1, 2, + and -
// drive the simulated inputs. quit is called when q is hit.
func NewViewer(conf *config.Config, sim *platform.SimPlatform, quit func()) *Viewer {
	v := &Viewer{
		app:       tview.NewApplication(),
		sim:       sim,
		conf:      conf,
		quit:      quit,
		distance:  util.NewAtomicEvent[float64](),
		actuators: util.NewAtomicMapEvent[float64](),
		changed:   util.NewAtomicEvent[struct{}](),
		positions: make(map[string]float64),
	}
	v.history.Grow(maxDistanceHistory)
	return v
}

func (v *Viewer) Distance(d float64) {
	v.distance.Send(d)
}

func (v *Viewer) Actuator(name string, value float64) {
	v.actuators.Send(name, value)
}

func (v *Viewer) Event(ev sensors.Event) {
	v.mu.Lock()
	if v.events.Len() == maxEventHistory {
		v.events.PopFront()
	}
	v.events.PushBack(fmt.Sprintf("%s %-14s %v", time.Now().Format("15:04:05.000"), ev.Kind, ev.Value))
	v.mu.Unlock()
	v.changed.Send(struct{}{})
}

func (v *Viewer) Session(id string, active bool) {
	v.mu.Lock()
	if active {
		v.session = id
	} else {
		v.session = ""
	}
	v.mu.Unlock()
	v.changed.Send(struct{}{})
}

// Run shows the dashboard until ctx ends or q is hit.
func (v *Viewer) Run(ctx context.Context) error {
	v.setupUI()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				v.app.Stop()
				return
			case <-v.distance.Channel():
				v.record(v.distance.Value())
			case <-v.actuators.Channel():
				maps.Copy(v.positions, v.actuators.ConsumeValues())
			case <-v.changed.Channel():
			}
			text := v.render()
			v.app.QueueUpdateDraw(func() { v.view.SetText(text) })
		}
	}()

	if err := v.app.Run(); err != nil {
		return fmt.Errorf("viewer: %w", err)
	}
	slog.Info("Viewer stopped")
	return nil
}

func (v *Viewer) record(d float64) {
	if v.history.Len() == maxDistanceHistory {
		v.history.PopFront()
	}
	v.history.PushBack(d)
}

func (v *Viewer) setupUI() {
	v.view = tview.NewTextView()
	v.view.SetDynamicColors(true)
	v.view.SetTextAlign(tview.AlignLeft)
	v.view.SetBackgroundColor(tcell.ColorDarkSlateGray)
	v.view.SetBorder(true).SetTitle(viewerTitle).SetTitleColor(tcell.ColorLightBlue)
	v.view.SetText(v.render())

	var introText strings.Builder
	if v.sim != nil {
		introText.WriteString("[#ff0000]Simulation:[-] [blue]b[-] click, [blue]h[-] hold/release, " +
			"[blue]1[-]/[blue]2[-] line sensors, [blue]+[-]/[blue]-[-] distance\n")
	} else {
		introText.WriteString("Displaying the real robot.\n")
	}
	introText.WriteString("Hit [#ff0000]q[-] to exit")

	intro := tview.NewTextView()
	intro.SetBorder(true).SetTitle(" Keys ").SetTitleColor(tcell.ColorLightBlue)
	intro.SetText(introText.String())
	intro.SetTextAlign(tview.AlignCenter)
	intro.SetDynamicColors(true)
	intro.SetBackgroundColor(tcell.ColorDarkSlateGray)

	layout := tview.NewFlex().SetDirection(tview.FlexRow)
	layout.AddItem(intro, 4, 1, false)
	layout.AddItem(v.view, 0, 1, true)

	v.app.SetRoot(layout, true).SetFocus(v.view)
	v.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if v.handleKey(event.Rune()) {
			v.app.Stop()
			v.quit()
		}
		return event
	})
}

// handleKey acts on a key press and reports whether the user wants to
// quit.
func (v *Viewer) handleKey(key rune) bool {
	switch key {
	case 'q', 'Q':
		return true
	}
	if v.sim == nil {
		return false
	}
	switch key {
	case 'b':
		v.sim.SetButton(true)
		time.AfterFunc(clickTime, func() { v.sim.SetButton(false) })
	case 'h':
		v.mu.Lock()
		v.held = !v.held
		held := v.held
		v.mu.Unlock()
		v.sim.SetButton(held)
	case '1':
		v.sim.ToggleLine(v.conf.LineSensor.Left)
	case '2':
		v.sim.ToggleLine(v.conf.LineSensor.Right)
	case '+':
		v.sim.SetDistance(math.Min(v.sim.Distance()+distanceStep, v.conf.Sonar.MaxDistance))
	case '-':
		v.sim.SetDistance(v.sim.Distance() - distanceStep)
	}
	return false
}

// render builds the dashboard text. Called from the redraw goroutine or
// before the app runs.
func (v *Viewer) render() string {
	var buf strings.Builder

	v.mu.Lock()
	session := v.session
	events := make([]string, v.events.Len())
	for i := range v.events.Len() {
		events[i] = v.events.At(i)
	}
	v.mu.Unlock()

	if session == "" {
		buf.WriteString("[yellow]Session:[-] idle\n\n")
	} else {
		fmt.Fprintf(&buf, "[yellow]Session:[-] %s\n\n", session)
	}

	stats := calculateStats(&v.history)
	fmt.Fprintf(&buf, "[yellow]Distance[-] [min|mean|max] [%4.2f|%4.2f|%4.2f] m  median %4.2f  std dev %5.3f  (%d samples)\n\n",
		stats.min, stats.mean, stats.max, stats.median, stats.stdDev, v.history.Len())

	buf.WriteString("[yellow]Actuators[-]\n")
	for _, name := range slices.Sorted(maps.Keys(v.positions)) {
		value := v.positions[name]
		if math.IsNaN(value) {
			fmt.Fprintf(&buf, "  [blue]%-12s[-] off\n", name)
		} else {
			fmt.Fprintf(&buf, "  [blue]%-12s[-] %7.2f\n", name, value)
		}
	}

	buf.WriteString("\n[yellow]Events[-]\n")
	for _, line := range events {
		fmt.Fprintf(&buf, "  %s\n", line)
	}
	return buf.String()
}
