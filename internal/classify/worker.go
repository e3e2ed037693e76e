package classify

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/vision.relay/internal/capture"
)

// DefaultWorkerTimeout bounds one classification round trip.
const DefaultWorkerTimeout = 2 * time.Second

// WorkerConfig describes the model worker process. The worker reads
// length-prefixed msgpack requests on stdin and answers each with one
// response on stdout.
type WorkerConfig struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// WorkerClassifier talks to an out-of-process model.
type WorkerClassifier struct {
	labels  Labels
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	w      io.Writer
	r      io.Reader
	seq    uint64
	broken error

	cmd    *exec.Cmd
	stdin  io.Closer
	cancel context.CancelFunc

	closeOnce sync.Once
}

// NewWorkerClient speaks the worker protocol over an existing pipe pair.
func NewWorkerClient(w io.Writer, r io.Reader, labels Labels, timeout time.Duration, log zerolog.Logger) *WorkerClassifier {
	if timeout <= 0 {
		timeout = DefaultWorkerTimeout
	}
	return &WorkerClassifier{labels: labels, timeout: timeout, log: log, w: w, r: r}
}

// StartWorker spawns the worker process.
func StartWorker(ctx context.Context, cfg WorkerConfig, labels Labels, log zerolog.Logger) (*WorkerClassifier, error) {
	if cfg.Command == "" {
		return nil, errors.New("worker command is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start classifier worker: %w", err)
	}
	log.Info().Int("pid", cmd.Process.Pid).Str("command", cfg.Command).Msg("classifier worker spawned")

	c := NewWorkerClient(stdin, bufio.NewReader(stdout), labels, cfg.Timeout, log)
	c.cmd = cmd
	c.stdin = stdin
	c.cancel = cancel
	go c.logStderr(stderr)
	return c, nil
}

func (c *WorkerClassifier) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.log.Debug().Str("worker", scanner.Text()).Msg("classifier stderr")
	}
}

// Classify sends frame to the worker and waits for its scores.
func (c *WorkerClassifier) Classify(ctx context.Context, frame capture.Frame) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return Result{}, c.broken
	}
	c.seq++
	seq := c.seq

	type outcome struct {
		resp response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		o.err = writeMessage(c.w, request{Seq: seq, Format: frame.Format, Image: frame.Data})
		if o.err == nil {
			o.err = readMessage(c.r, &o.resp)
		}
		done <- o
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var o outcome
	select {
	case o = <-done:
	case <-timer.C:
		c.fail(fmt.Errorf("classifier worker timed out after %s", c.timeout))
		return Result{}, c.broken
	case <-ctx.Done():
		c.fail(fmt.Errorf("classifier call abandoned: %w", ctx.Err()))
		return Result{}, ctx.Err()
	}

	if o.err != nil {
		c.fail(fmt.Errorf("classifier worker: %w", o.err))
		return Result{}, c.broken
	}
	if o.resp.Seq != seq {
		c.fail(fmt.Errorf("classifier worker answered seq %d, want %d", o.resp.Seq, seq))
		return Result{}, c.broken
	}
	if o.resp.Error != "" {
		return Result{}, fmt.Errorf("classifier worker: %s", o.resp.Error)
	}
	res, ok := Best(o.resp.Scores, c.labels)
	if !ok {
		return Result{}, errors.New("classifier worker returned no scores")
	}
	c.log.Debug().Uint64("seq", seq).Float64("timing_ms", o.resp.TimingMS).Str("label", res.Label).Msg("classified")
	return res, nil
}

// fail marks the stream unusable; a half-read response cannot be resynced.
func (c *WorkerClassifier) fail(err error) {
	c.broken = err
	c.log.Error().Err(err).Msg("classifier worker unusable")
	go c.Close()
}

// Close stops the worker process, if this client owns one.
func (c *WorkerClassifier) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.broken == nil {
			c.broken = ErrClosed
		}
		c.mu.Unlock()

		if c.stdin != nil {
			c.stdin.Close()
		}
		if c.cmd == nil {
			return
		}
		done := make(chan error, 1)
		go func() { done <- c.cmd.Wait() }()
		select {
		case err = <-done:
		case <-time.After(2 * time.Second):
			c.log.Warn().Msg("classifier worker did not exit, killing")
			c.cancel()
			err = <-done
		}
		c.cancel()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = nil
		}
	})
	return err
}
