package perception

import "time"

// Cadence gates inference to at most once per interval. The first check is
// always due and a check exactly on the boundary counts as due.
type Cadence struct {
	interval time.Duration
	last     time.Time
	primed   bool
}

// NewCadence returns a gate for the given interval. A non-positive interval
// makes every frame due.
func NewCadence(interval time.Duration) *Cadence {
	return &Cadence{interval: interval}
}

// Due reports whether an inference should run at now.
func (c *Cadence) Due(now time.Time) bool {
	return !c.primed || now.Sub(c.last) >= c.interval
}

// Mark records an inference at now.
func (c *Cadence) Mark(now time.Time) {
	c.last = now
	c.primed = true
}

// Last returns the time of the most recent inference.
func (c *Cadence) Last() (time.Time, bool) { return c.last, c.primed }

// FPSMeter measures frame rate over a rolling window. The window opens on
// the first observed frame and counts the frames that arrive after it; once
// it has lasted at least the window length the rate is published and the
// window restarts at that frame.
type FPSMeter struct {
	window time.Duration
	start  time.Time
	frames int
	fps    float64
	open   bool
}

// DefaultFPSWindow is the averaging window for FPSMeter.
const DefaultFPSWindow = time.Second

// NewFPSMeter returns a meter with the given window, or DefaultFPSWindow.
func NewFPSMeter(window time.Duration) *FPSMeter {
	if window <= 0 {
		window = DefaultFPSWindow
	}
	return &FPSMeter{window: window}
}

// Observe counts a frame at now and reports whether a new rate was published.
func (m *FPSMeter) Observe(now time.Time) (float64, bool) {
	if !m.open {
		m.start = now
		m.frames = 0
		m.open = true
		return m.fps, false
	}
	m.frames++
	elapsed := now.Sub(m.start)
	if elapsed < m.window {
		return m.fps, false
	}
	m.fps = float64(m.frames) / elapsed.Seconds()
	m.start = now
	m.frames = 0
	return m.fps, true
}

// FPS returns the last published rate.
func (m *FPSMeter) FPS() float64 { return m.fps }
