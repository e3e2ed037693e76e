package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/rs/zerolog"
	"tailscale.com/tsweb"

	"github.com/banshee-data/vision.relay/internal/perception"
	"github.com/banshee-data/vision.relay/internal/version"
)

// History keeps the most recent inference events for the debug chart.
type History struct {
	mu     sync.Mutex
	events []perception.Event
	size   int
}

// NewHistory keeps up to size events.
func NewHistory(size int) *History {
	if size <= 0 {
		size = 240
	}
	return &History{size: size}
}

// Observe implements perception.Observer.
func (h *History) Observe(ev perception.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	if len(h.events) > h.size {
		h.events = h.events[len(h.events)-h.size:]
	}
}

// Events returns a copy, oldest first.
func (h *History) Events() []perception.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]perception.Event(nil), h.events...)
}

// Debug serves the relay's debug pages. Session and Metrics may be nil.
type Debug struct {
	Loop    LoopSource
	Session SessionSource
	History *History
	Metrics *Metrics
}

type statusResponse struct {
	Version string                  `json:"version"`
	State   string                  `json:"state"`
	Loop    perception.Status       `json:"loop"`
	Cadence perception.CadenceStats `json:"cadence"`
	Session any                     `json:"session,omitempty"`
}

func (d *Debug) status() statusResponse {
	resp := statusResponse{
		Version: version.String(),
		State:   d.Loop.State().String(),
		Loop:    d.Loop.Status(),
		Cadence: d.Loop.Stats(),
	}
	if d.Session != nil {
		resp.Session = d.Session.Snapshot()
	}
	return resp
}

// AttachAdminRoutes mounts the status, chart and metrics routes.
func (d *Debug) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Loop", func() any {
		st := d.Loop.Status()
		return fmt.Sprintf("%s, %d frames, %d inferences, last %q", d.Loop.State(), st.Frames, st.Inferences, st.Label)
	})
	if d.Session != nil {
		debug.KVFunc("Controller", func() any {
			snap := d.Session.Snapshot()
			return fmt.Sprintf("%s %s (responding=%t)", snap.State, snap.Device, snap.Responding)
		})
	}

	debug.Handle("status", "Loop and controller status (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(d.status())
	}))

	if d.History != nil {
		debug.Handle("cadence", "Recent inference confidence and latency (chart)", http.HandlerFunc(d.handleCadence))
	}
	if d.Metrics != nil {
		mux.Handle("/metrics", d.Metrics.Handler())
	}
}

func (d *Debug) handleCadence(w http.ResponseWriter, r *http.Request) {
	events := d.History.Events()

	x := make([]string, 0, len(events))
	confidence := make([]opts.LineData, 0, len(events))
	latency := make([]opts.LineData, 0, len(events))
	for _, ev := range events {
		x = append(x, ev.At.Format("15:04:05.000"))
		confidence = append(confidence, opts.LineData{Value: ev.Confidence, Name: ev.Label.String()})
		latency = append(latency, opts.LineData{Value: float64(ev.Latency) / float64(time.Millisecond)})
	}

	stats := d.Loop.Stats()
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Relay cadence", Width: "100%", Height: "640px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Recent inferences",
			Subtitle: fmt.Sprintf("n=%d mean interval=%s jitter=%s", len(events), stats.MeanInterval, stats.StdDevInterval),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "confidence", Min: 0, Max: 1}),
	)
	line.SetXAxis(x).
		AddSeries("confidence", confidence).
		AddSeries("latency (ms)", latency)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// Flush keeps server-sent event routes streaming through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLogger logs every request to the debug server.
func RequestLogger(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		event := log.Debug()
		if rec.status >= 500 {
			event = log.Error()
		} else if rec.status >= 400 {
			event = log.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Int("bytes", rec.bytes).
			Msg("http_request")
	})
}
