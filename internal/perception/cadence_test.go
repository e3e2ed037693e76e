package perception

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCadence(t *testing.T) {
	c := NewCadence(500 * time.Millisecond)
	assert.True(t, c.Due(epoch), "first check is always due")

	_, primed := c.Last()
	assert.False(t, primed)

	c.Mark(epoch)
	assert.False(t, c.Due(epoch.Add(499*time.Millisecond)))
	assert.True(t, c.Due(epoch.Add(500*time.Millisecond)), "boundary counts as due")

	last, primed := c.Last()
	assert.True(t, primed)
	assert.Equal(t, epoch, last)
}

func TestCadence_ZeroIntervalAlwaysDue(t *testing.T) {
	c := NewCadence(0)
	c.Mark(epoch)
	assert.True(t, c.Due(epoch))
}

func TestFPSMeter(t *testing.T) {
	m := NewFPSMeter(0)
	frame := func(k int) time.Time { return epoch.Add(time.Duration(k) * time.Second / 30) }

	for k := 0; k < 30; k++ {
		fps, published := m.Observe(frame(k))
		assert.False(t, published, "frame %d", k)
		assert.Zero(t, fps)
	}

	fps, published := m.Observe(frame(30))
	assert.True(t, published)
	assert.InDelta(t, 30.0, fps, 1e-9)

	// The next window starts at frame 30.
	_, published = m.Observe(frame(45))
	assert.False(t, published)
	assert.InDelta(t, 30.0, m.FPS(), 1e-9)

	fps, published = m.Observe(epoch.Add(2 * time.Second))
	assert.True(t, published)
	assert.InDelta(t, 2.0, fps, 1e-9)
}

func TestTimingWindow(t *testing.T) {
	w := newTimingWindow(3)
	for _, d := range []time.Duration{time.Second, 400 * time.Millisecond, 600 * time.Millisecond, 500 * time.Millisecond} {
		w.addInterval(d)
	}
	w.addLatency(10 * time.Millisecond)
	w.addLatency(30 * time.Millisecond)

	s := w.summary()
	assert.Equal(t, 2, s.Samples)
	assert.InDelta(t, float64(500*time.Millisecond), float64(s.MeanInterval), float64(time.Microsecond))
	assert.InDelta(t, float64(100*time.Millisecond), float64(s.StdDevInterval), float64(time.Microsecond))
	assert.InDelta(t, float64(20*time.Millisecond), float64(s.MeanLatency), float64(time.Microsecond))
	assert.InDelta(t, float64(30*time.Millisecond), float64(s.MaxLatency), float64(time.Microsecond))
}

func TestTimingWindow_Empty(t *testing.T) {
	assert.Equal(t, CadenceStats{}, newTimingWindow(4).summary())
}
