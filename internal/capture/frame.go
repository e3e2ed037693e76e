// Package capture supplies frames to the perception loop.
package capture

import (
	"context"
	"time"
)

// Frame is one encoded image.
type Frame struct {
	Seq    uint64
	At     time.Time
	Format string // "jpeg" or "png"
	Data   []byte
}

// Source yields frames until it returns io.EOF. Next blocks until a frame is
// ready. Close releases the underlying device or process and is safe to call
// more than once.
type Source interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}
