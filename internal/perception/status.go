package perception

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/vision.relay/internal/dispatch"
)

// Status is the loop's view after a frame, the data an on-screen overlay
// would show.
type Status struct {
	At         time.Time        `json:"at"`
	Frames     uint64           `json:"frames"`
	FPS        float64          `json:"fps"`
	ShowFPS    bool             `json:"show_fps"`
	Label      string           `json:"label"`
	Confidence float64          `json:"confidence"`
	Command    dispatch.Command `json:"command"`
	Device     bool             `json:"device"`
	Inferences uint64           `json:"inferences"`
	Dispatches uint64           `json:"dispatches"`
	Errors     uint64           `json:"errors"`
	// Fresh is set when this frame ran an inference.
	Fresh bool `json:"-"`
}

// Overlay renders the status as the text lines an annotated preview shows.
func (s Status) Overlay() []string {
	lines := []string{
		"Prediction: " + s.Label,
		fmt.Sprintf("Confidence: %.2f", s.Confidence),
	}
	if s.Device && s.Command != dispatch.NoOp {
		lines = append(lines, "Controller: Sending "+s.Command.Payload())
	}
	if s.ShowFPS {
		lines = append(lines, fmt.Sprintf("FPS: %.1f", s.FPS))
	}
	return lines
}

// Event describes one inference and what was dispatched for it.
type Event struct {
	At         time.Time
	Frame      uint64
	Label      dispatch.Label
	Confidence float64
	Command    dispatch.Command
	Latency    time.Duration
	// Err is the classification or dispatch error, if any.
	Err error
}

// Renderer receives the status after every frame.
type Renderer interface {
	Render(Status)
}

// Observer receives every inference event.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f.
func (f ObserverFunc) Observe(e Event) { f(e) }

// TextRenderer logs the overlay for headless runs. It writes only on frames
// that ran an inference.
type TextRenderer struct {
	Log zerolog.Logger
}

// Render logs s when it carries a fresh inference.
func (r TextRenderer) Render(s Status) {
	if !s.Fresh {
		return
	}
	ev := r.Log.Info().
		Str("label", s.Label).
		Float64("confidence", s.Confidence).
		Stringer("command", s.Command)
	if s.ShowFPS {
		ev = ev.Float64("fps", s.FPS)
	}
	ev.Strs("overlay", s.Overlay()).Msg("inference")
}
