package classify

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vision.relay/internal/capture"
)

func TestParseLabels(t *testing.T) {
	labels, err := ParseLabels(strings.NewReader("0 Good\n1 Bad\n\n2 Nothing at all\nbogus line\nx Name\n"))
	require.NoError(t, err)

	want := Labels{0: "Good", 1: "Bad", 2: "Nothing at all"}
	if diff := cmp.Diff(want, labels); diff != "" {
		t.Errorf("ParseLabels() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "Bad", labels.Name(1))
	assert.Equal(t, "Class 7", labels.Name(7))
}

func TestLoadLabels_Missing(t *testing.T) {
	_, err := LoadLabels("/nonexistent/labels.txt")
	assert.ErrorContains(t, err, "labels file")
}

func TestBest(t *testing.T) {
	labels := Labels{0: "Good", 1: "Bad", 2: "Nothing"}
	res, ok := Best([]float64{0.1, 0.7, 0.2}, labels)
	require.True(t, ok)
	assert.Equal(t, "Bad", res.Label)
	assert.Equal(t, 1, res.Index)
	assert.InDelta(t, 0.7, res.Confidence, 1e-9)

	// ties keep the first index
	res, _ = Best([]float64{0.5, 0.5}, labels)
	assert.Equal(t, 0, res.Index)

	_, ok = Best(nil, labels)
	assert.False(t, ok)
}

// fakeWorker serves the worker protocol over pipes.
type fakeWorker struct {
	reqR  *io.PipeReader
	respW *io.PipeWriter
}

func newWorkerPair(t *testing.T, timeout time.Duration, labels Labels) (*WorkerClassifier, *fakeWorker) {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	t.Cleanup(func() {
		reqR.Close()
		respW.Close()
	})
	c := NewWorkerClient(reqW, respR, labels, timeout, zerolog.Nop())
	return c, &fakeWorker{reqR: reqR, respW: respW}
}

// serve answers n requests using fn.
func (f *fakeWorker) serve(n int, fn func(request) response) <-chan []request {
	seen := make(chan []request, 1)
	go func() {
		var reqs []request
		defer func() { seen <- reqs }()
		for range n {
			var req request
			if err := readMessage(f.reqR, &req); err != nil {
				return
			}
			reqs = append(reqs, req)
			if err := writeMessage(f.respW, fn(req)); err != nil {
				return
			}
		}
	}()
	return seen
}

func TestWorkerClassifier_RoundTrip(t *testing.T) {
	c, worker := newWorkerPair(t, time.Second, Labels{0: "Good", 1: "Bad", 2: "Nothing"})
	seen := worker.serve(2, func(req request) response {
		if string(req.Image) == "bad-frame" {
			return response{Seq: req.Seq, Scores: []float64{0.05, 0.9, 0.05}}
		}
		return response{Seq: req.Seq, Scores: []float64{0.8, 0.1, 0.1}, TimingMS: 12}
	})

	res, err := c.Classify(context.Background(), capture.Frame{Format: "jpeg", Data: []byte("good-frame")})
	require.NoError(t, err)
	assert.Equal(t, "Good", res.Label)
	assert.InDelta(t, 0.8, res.Confidence, 1e-9)

	res, err = c.Classify(context.Background(), capture.Frame{Format: "jpeg", Data: []byte("bad-frame")})
	require.NoError(t, err)
	assert.Equal(t, "Bad", res.Label)

	reqs := <-seen
	require.Len(t, reqs, 2)
	assert.Equal(t, []uint64{1, 2}, []uint64{reqs[0].Seq, reqs[1].Seq})
	assert.Equal(t, "jpeg", reqs[0].Format)
}

func TestWorkerClassifier_WorkerError(t *testing.T) {
	c, worker := newWorkerPair(t, time.Second, nil)
	worker.serve(2, func(req request) response {
		if req.Seq == 1 {
			return response{Seq: req.Seq, Error: "decode failed"}
		}
		return response{Seq: req.Seq, Scores: []float64{1}}
	})

	_, err := c.Classify(context.Background(), capture.Frame{})
	assert.ErrorContains(t, err, "decode failed")

	// an error reply keeps the stream usable
	res, err := c.Classify(context.Background(), capture.Frame{})
	require.NoError(t, err)
	assert.Equal(t, "Class 0", res.Label)
}

func TestWorkerClassifier_TimeoutBreaksClient(t *testing.T) {
	c, worker := newWorkerPair(t, 50*time.Millisecond, nil)
	go func() {
		var req request
		_ = readMessage(worker.reqR, &req) // never answers
	}()

	_, err := c.Classify(context.Background(), capture.Frame{})
	assert.ErrorContains(t, err, "timed out")

	_, err = c.Classify(context.Background(), capture.Frame{})
	assert.ErrorContains(t, err, "timed out", "client stays broken after a timeout")
}

func TestWorkerClassifier_SeqMismatch(t *testing.T) {
	c, worker := newWorkerPair(t, time.Second, nil)
	worker.serve(1, func(req request) response {
		return response{Seq: req.Seq + 10, Scores: []float64{1}}
	})

	_, err := c.Classify(context.Background(), capture.Frame{})
	assert.ErrorContains(t, err, "seq 11, want 1")
}

func TestWorkerClassifier_Closed(t *testing.T) {
	c, _ := newWorkerPair(t, time.Second, nil)
	require.NoError(t, c.Close())
	_, err := c.Classify(context.Background(), capture.Frame{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStartWorker_Errors(t *testing.T) {
	_, err := StartWorker(context.Background(), WorkerConfig{}, nil, zerolog.Nop())
	assert.ErrorContains(t, err, "command is required")

	_, err = StartWorker(context.Background(), WorkerConfig{Command: "/nonexistent/worker"}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestScriptedClassifier(t *testing.T) {
	s := NewScriptedLabels("Good", "Nothing", "Bad")
	var got []string
	for range 4 {
		res, err := s.Classify(context.Background(), capture.Frame{})
		require.NoError(t, err)
		got = append(got, res.Label)
	}
	assert.Equal(t, []string{"Good", "Nothing", "Bad", "Good"}, got)
	assert.Equal(t, 4, s.Calls())

	require.NoError(t, s.Close())
	_, err := s.Classify(context.Background(), capture.Frame{})
	assert.ErrorIs(t, err, ErrClosed)
}
