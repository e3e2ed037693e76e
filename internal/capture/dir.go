package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/banshee-data/vision.relay/internal/timeutil"
)

// DirSource replays the images in a directory in name order. It backs dev
// mode and offline evaluation of a classifier.
type DirSource struct {
	files    []string
	loop     bool
	interval time.Duration
	clock    timeutil.Clock

	idx  int
	seq  uint64
	last time.Time
}

// DirOption customises a DirSource.
type DirOption func(*DirSource)

// WithLoop restarts from the first image instead of returning io.EOF.
func WithLoop() DirOption { return func(d *DirSource) { d.loop = true } }

// WithFPS paces Next to at most fps frames per second.
func WithFPS(fps int) DirOption {
	return func(d *DirSource) {
		if fps > 0 {
			d.interval = time.Second / time.Duration(fps)
		}
	}
}

// WithDirClock replaces the clock used for pacing and timestamps.
func WithDirClock(c timeutil.Clock) DirOption { return func(d *DirSource) { d.clock = c } }

// OpenDir lists the .jpg, .jpeg and .png files in dir.
func OpenDir(dir string, opts ...DirOption) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("open frame directory: %w", err)
	}
	d := &DirSource{clock: timeutil.RealClock{}}
	for _, e := range entries {
		if e.IsDir() || formatOf(e.Name()) == "" {
			continue
		}
		d.files = append(d.files, filepath.Join(dir, e.Name()))
	}
	if len(d.files) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}
	slices.Sort(d.files)
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func formatOf(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "jpeg"
	case ".png":
		return "png"
	default:
		return ""
	}
}

// Len is the number of images in one pass.
func (d *DirSource) Len() int { return len(d.files) }

// Next returns the next image.
func (d *DirSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if d.idx >= len(d.files) {
		if !d.loop {
			return Frame{}, io.EOF
		}
		d.idx = 0
	}

	if d.interval > 0 && !d.last.IsZero() {
		if wait := d.interval - d.clock.Since(d.last); wait > 0 {
			d.clock.Sleep(wait)
		}
	}

	path := d.files[d.idx]
	d.idx++
	data, err := os.ReadFile(path)
	if err != nil {
		return Frame{}, fmt.Errorf("read frame: %w", err)
	}
	d.seq++
	d.last = d.clock.Now()
	return Frame{Seq: d.seq, At: d.last, Format: formatOf(path), Data: data}, nil
}

// Close is a no-op.
func (d *DirSource) Close() error { return nil }
