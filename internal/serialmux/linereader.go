package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/vision.relay/internal/timeutil"
)

// ErrReadTimeout is returned by ReadLine when no complete line arrived before
// the deadline.
var ErrReadTimeout = errors.New("serial read timed out")

// DefaultPollInterval bounds each individual port read so callers regain
// control often enough to honour deadlines and cancellation.
const DefaultPollInterval = 100 * time.Millisecond

// MaxLineLength caps the buffered partial line. Longer lines are dropped up
// to their terminating newline.
const MaxLineLength = 4096

// LineReader reads newline-terminated lines from a serial port using bounded
// reads. Partial lines are buffered across calls.
type LineReader struct {
	port     SerialPorter
	clock    timeutil.Clock
	log      zerolog.Logger
	buf      []byte
	chunk    []byte
	skipping bool
}

// NewLineReader wraps port. A nil clock uses the wall clock.
func NewLineReader(port SerialPorter, clock timeutil.Clock, log zerolog.Logger) *LineReader {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &LineReader{
		port:  port,
		clock: clock,
		log:   log,
		chunk: make([]byte, 256),
	}
}

// Discard drops any buffered partial input.
func (r *LineReader) Discard() {
	r.buf = r.buf[:0]
	r.skipping = false
}

// ReadLine returns the next complete line with surrounding whitespace and
// invalid UTF-8 removed. It returns ErrReadTimeout once timeout has elapsed
// without a full line, and the port error if a read fails.
func (r *LineReader) ReadLine(timeout time.Duration) (string, error) {
	deadline := r.clock.Now().Add(timeout)
	timed, canTimeout := r.port.(TimeoutSerialPorter)

	for {
		if line, ok := r.takeLine(); ok {
			return line, nil
		}

		remaining := deadline.Sub(r.clock.Now())
		if remaining <= 0 {
			return "", ErrReadTimeout
		}

		wait := min(remaining, DefaultPollInterval)
		if canTimeout {
			if err := timed.SetReadTimeout(wait); err != nil {
				return "", err
			}
		}

		n, err := r.port.Read(r.chunk)
		if n > 0 {
			r.fill(r.chunk[:n])
			continue
		}
		if err != nil {
			return "", err
		}
		if !canTimeout {
			// the port returned immediately without data, so pace the poll ourselves
			r.clock.Sleep(wait)
		}
	}
}

func (r *LineReader) fill(data []byte) {
	if r.skipping {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return
		}
		data = data[idx+1:]
		r.skipping = false
	}
	r.buf = append(r.buf, data...)
	if len(r.buf) > MaxLineLength && bytes.IndexByte(r.buf, '\n') < 0 {
		r.log.Debug().Int("bytes", len(r.buf)).Msg("discarding overlong serial line")
		r.buf = r.buf[:0]
		r.skipping = true
	}
}

func (r *LineReader) takeLine() (string, bool) {
	idx := bytes.IndexByte(r.buf, '\n')
	if idx < 0 {
		return "", false
	}
	raw := string(r.buf[:idx])
	r.buf = append(r.buf[:0], r.buf[idx+1:]...)
	return strings.TrimSpace(strings.ToValidUTF8(raw, "")), true
}
