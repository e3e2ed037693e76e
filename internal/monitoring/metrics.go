package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/vision.relay/internal/dispatch"
	"github.com/banshee-data/vision.relay/internal/perception"
	"github.com/banshee-data/vision.relay/internal/session"
)

const namespace = "relay"

// SessionSource reports the controller link.
type SessionSource interface {
	Snapshot() session.Snapshot
}

// LoopSource reports the perception loop.
type LoopSource interface {
	Status() perception.Status
	Stats() perception.CadenceStats
	State() perception.State
}

// DispatchSource reports dispatcher counters.
type DispatchSource interface {
	Counts() dispatch.Counts
}

// Metrics is the relay's prometheus registry. Event counters are fed by
// Observe; everything else is read from snapshots at scrape time.
type Metrics struct {
	reg        *prometheus.Registry
	inferences *prometheus.CounterVec
	commands   *prometheus.CounterVec
	errors     prometheus.Counter
	latency    prometheus.Histogram
}

// NewMetrics returns a registry with the Go and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		inferences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "perception",
			Name:      "inferences_total",
			Help:      "Inferences by label kind.",
		}, []string{"kind"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "perception",
			Name:      "commands_total",
			Help:      "Commands chosen by the loop.",
		}, []string{"command"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "perception",
			Name:      "errors_total",
			Help:      "Inferences that failed to classify or dispatch.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "perception",
			Name:      "inference_duration_seconds",
			Help:      "Classifier round trip time.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inferences, m.commands, m.errors, m.latency,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe implements perception.Observer.
func (m *Metrics) Observe(ev perception.Event) {
	m.latency.Observe(ev.Latency.Seconds())
	if ev.Err != nil {
		m.errors.Inc()
		return
	}
	m.inferences.WithLabelValues(ev.Label.Kind.String()).Inc()
	m.commands.WithLabelValues(ev.Command.String()).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// WatchSession exports the controller link state.
func (m *Metrics) WatchSession(s SessionSource) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "connected",
			Help: "1 while the serial port is open.",
		}, func() float64 { return boolGauge(s.Snapshot().State.Open()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "responding",
			Help: "1 when the controller answered the handshake.",
		}, func() float64 { return boolGauge(s.Snapshot().Responding) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "connects_total",
			Help: "Successful port opens.",
		}, func() float64 { return float64(s.Snapshot().Connects) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "writes_total",
			Help: "Commands written to the controller.",
		}, func() float64 { return float64(s.Snapshot().Writes) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "write_failures_total",
			Help: "Writes that failed and dropped the link.",
		}, func() float64 { return float64(s.Snapshot().WriteFailures) }),
	)
}

// WatchLoop exports frame counters and cadence timing.
func (m *Metrics) WatchLoop(l LoopSource) {
	m.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "perception", Name: "frames_total",
			Help: "Frames read from the capture source.",
		}, func() float64 { return float64(l.Status().Frames) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "perception", Name: "fps",
			Help: "Most recent measured frame rate.",
		}, func() float64 { return l.Status().FPS }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "perception", Name: "interval_mean_seconds",
			Help: "Mean time between recent inferences.",
		}, func() float64 { return l.Stats().MeanInterval.Seconds() }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "perception", Name: "interval_stddev_seconds",
			Help: "Jitter of the time between recent inferences.",
		}, func() float64 { return l.Stats().StdDevInterval.Seconds() }),
	)
}

// WatchDispatcher exports dispatcher outcomes.
func (m *Metrics) WatchDispatcher(d DispatchSource) {
	desc := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Subsystem: "dispatch", Name: name, Help: help}
	}
	m.reg.MustRegister(
		prometheus.NewCounterFunc(desc("sent_total", "Commands written."),
			func() float64 { return float64(d.Counts().Sent) }),
		prometheus.NewCounterFunc(desc("skipped_total", "Labels that needed no write."),
			func() float64 { return float64(d.Counts().Skipped) }),
		prometheus.NewCounterFunc(desc("unknown_total", "Labels with no command."),
			func() float64 { return float64(d.Counts().Unknown) }),
		prometheus.NewCounterFunc(desc("failed_total", "Writes that failed."),
			func() float64 { return float64(d.Counts().Failed) }),
	)
}
