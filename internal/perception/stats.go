package perception

import (
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// CadenceStats summarises recent inference timing.
type CadenceStats struct {
	Samples        int           `json:"samples"`
	MeanInterval   time.Duration `json:"mean_interval"`
	StdDevInterval time.Duration `json:"stddev_interval"`
	MeanLatency    time.Duration `json:"mean_latency"`
	MaxLatency     time.Duration `json:"max_latency"`
}

// timingWindow keeps the most recent inference intervals and latencies, in
// seconds, for jitter statistics.
type timingWindow struct {
	size      int
	intervals []float64
	latencies []float64
}

func newTimingWindow(size int) *timingWindow {
	return &timingWindow{size: size}
}

func (w *timingWindow) addInterval(d time.Duration) {
	w.intervals = appendBounded(w.intervals, d.Seconds(), w.size)
}

func (w *timingWindow) addLatency(d time.Duration) {
	w.latencies = appendBounded(w.latencies, d.Seconds(), w.size)
}

func appendBounded(xs []float64, x float64, size int) []float64 {
	xs = append(xs, x)
	if len(xs) > size {
		xs = xs[len(xs)-size:]
	}
	return xs
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (w *timingWindow) summary() CadenceStats {
	var out CadenceStats
	out.Samples = len(w.latencies)
	if len(w.intervals) > 0 {
		mean, std := stat.MeanStdDev(w.intervals, nil)
		out.MeanInterval = seconds(mean)
		if len(w.intervals) > 1 {
			out.StdDevInterval = seconds(std)
		}
	}
	if len(w.latencies) > 0 {
		out.MeanLatency = seconds(stat.Mean(w.latencies, nil))
		out.MaxLatency = seconds(floats.Max(w.latencies))
	}
	return out
}
