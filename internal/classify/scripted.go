package classify

import (
	"context"
	"sync"

	"github.com/banshee-data/vision.relay/internal/capture"
)

// ScriptedClassifier replays a fixed sequence of results, cycling when it
// reaches the end. It stands in for the model in dev mode and tests.
type ScriptedClassifier struct {
	mu      sync.Mutex
	script  []Result
	next    int
	calls   int
	closed  bool
	Latency func() // called on every Classify, e.g. to advance a mock clock
}

// NewScripted returns a classifier cycling through results.
func NewScripted(results ...Result) *ScriptedClassifier {
	return &ScriptedClassifier{script: results}
}

// NewScriptedLabels cycles through names with full confidence.
func NewScriptedLabels(names ...string) *ScriptedClassifier {
	results := make([]Result, len(names))
	for i, name := range names {
		results[i] = Result{Label: name, Index: i, Confidence: 1}
	}
	return NewScripted(results...)
}

// Classify returns the next scripted result.
func (s *ScriptedClassifier) Classify(ctx context.Context, _ capture.Frame) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Result{}, ErrClosed
	}
	s.calls++
	if s.Latency != nil {
		s.Latency()
	}
	if len(s.script) == 0 {
		return Result{Label: "Nothing"}, nil
	}
	r := s.script[s.next%len(s.script)]
	s.next++
	return r, nil
}

// Calls is the number of Classify calls so far.
func (s *ScriptedClassifier) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Close marks the classifier closed.
func (s *ScriptedClassifier) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
