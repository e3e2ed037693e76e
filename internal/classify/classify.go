// Package classify wraps the image classifier behind a small interface. The
// model itself runs out of process.
package classify

import (
	"context"
	"errors"

	"github.com/banshee-data/vision.relay/internal/capture"
)

// ErrClosed is returned by classifiers after Close.
var ErrClosed = errors.New("classifier closed")

// Result is the top-scoring class for one frame.
type Result struct {
	Label      string
	Index      int
	Confidence float64
	// Scores holds the raw per-class scores when the backend reports them.
	Scores []float64
}

// Classifier labels a frame.
type Classifier interface {
	Classify(ctx context.Context, frame capture.Frame) (Result, error)
	Close() error
}

// Best picks the highest score, resolving its name through labels.
func Best(scores []float64, labels Labels) (Result, bool) {
	if len(scores) == 0 {
		return Result{}, false
	}
	best := 0
	for i, s := range scores {
		if s > scores[best] {
			best = i
		}
	}
	return Result{
		Label:      labels.Name(best),
		Index:      best,
		Confidence: scores[best],
		Scores:     scores,
	}, true
}
