package monitoring

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vision.relay/internal/dispatch"
	"github.com/banshee-data/vision.relay/internal/perception"
	"github.com/banshee-data/vision.relay/internal/session"
)

type fakeSession struct{ snap session.Snapshot }

func (f *fakeSession) Snapshot() session.Snapshot { return f.snap }

type fakeLoop struct {
	status perception.Status
	stats  perception.CadenceStats
	state  perception.State
}

func (f *fakeLoop) Status() perception.Status { return f.status }
func (f *fakeLoop) Stats() perception.CadenceStats { return f.stats }
func (f *fakeLoop) State() perception.State { return f.state }

type fakeDispatcher struct{ counts dispatch.Counts }

func (f *fakeDispatcher) Counts() dispatch.Counts { return f.counts }

func event(label string, latency time.Duration, err error) perception.Event {
	l := dispatch.ParseLabel(label)
	return perception.Event{Label: l, Command: dispatch.CommandFor(l), Confidence: 0.9, Latency: latency, Err: err}
}

func TestMetrics_Observe(t *testing.T) {
	m := NewMetrics()
	m.Observe(event("Good", 20*time.Millisecond, nil))
	m.Observe(event("Good", 30*time.Millisecond, nil))
	m.Observe(event("Nothing", 10*time.Millisecond, nil))
	m.Observe(event("Bad", 10*time.Millisecond, errors.New("write failed")))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.inferences.WithLabelValues("activate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inferences.WithLabelValues("idle")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("on")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors))
	assert.Equal(t, 1, testutil.CollectAndCount(m.latency))
}

func TestMetrics_Watch(t *testing.T) {
	sess := &fakeSession{snap: session.Snapshot{State: session.StateResponding, Responding: true, Connects: 2, Writes: 7, WriteFailures: 1}}
	loop := &fakeLoop{status: perception.Status{Frames: 300, FPS: 29.5}, stats: perception.CadenceStats{MeanInterval: 500 * time.Millisecond}}
	disp := &fakeDispatcher{counts: dispatch.Counts{Sent: 7, Skipped: 3, Unknown: 1, Failed: 1}}

	m := NewMetrics()
	m.WatchSession(sess)
	m.WatchLoop(loop)
	m.WatchDispatcher(disp)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	for _, want := range []string{
		"relay_session_connected 1",
		"relay_session_responding 1",
		"relay_session_connects_total 2",
		"relay_session_writes_total 7",
		"relay_session_write_failures_total 1",
		"relay_perception_frames_total 300",
		"relay_perception_fps 29.5",
		"relay_perception_interval_mean_seconds 0.5",
		"relay_dispatch_sent_total 7",
		"relay_dispatch_skipped_total 3",
		"relay_dispatch_unknown_total 1",
		"relay_dispatch_failed_total 1",
		"go_goroutines",
	} {
		assert.True(t, strings.Contains(body, want), "missing %q", want)
	}

	sess.snap = session.Snapshot{State: session.StateDisconnected}
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "relay_session_connected 0")
}
