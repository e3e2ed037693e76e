// Package perception runs the capture, classify and dispatch loop on a
// wall-clock cadence that is independent of the frame rate.
package perception

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/vision.relay/internal/capture"
	"github.com/banshee-data/vision.relay/internal/classify"
	"github.com/banshee-data/vision.relay/internal/dispatch"
	"github.com/banshee-data/vision.relay/internal/timeutil"
)

var (
	ErrNoSource     = errors.New("no frame source")
	ErrNoClassifier = errors.New("no classifier")
	ErrAlreadyRun   = errors.New("perception loop already started")
)

// DefaultInterval is the time between inferences.
const DefaultInterval = 500 * time.Millisecond

// State is the loop lifecycle.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Dispatcher sends the command for a label.
type Dispatcher interface {
	Dispatch(ctx context.Context, l dispatch.Label) (dispatch.Command, error)
}

// Disconnecter is the part of the session the loop releases on exit.
type Disconnecter interface {
	Disconnect() error
}

// Config controls loop pacing.
type Config struct {
	// Interval between inferences. Defaults to DefaultInterval.
	Interval time.Duration
	// ShowFPS enables frame-rate accounting.
	ShowFPS bool
	// FPSWindow defaults to one second.
	FPSWindow time.Duration
	// StatsWindow is the number of recent inferences kept for timing
	// statistics. Defaults to 120.
	StatsWindow int
}

// Option customises a Loop.
type Option func(*Loop)

// WithDispatcher routes labels to the controller.
func WithDispatcher(d Dispatcher) Option { return func(l *Loop) { l.dispatcher = d } }

// WithSession makes the loop disconnect s when it stops.
func WithSession(s Disconnecter) Option { return func(l *Loop) { l.session = s } }

// WithClock replaces the wall clock.
func WithClock(c timeutil.Clock) Option { return func(l *Loop) { l.clock = c } }

// WithLogger sets the loop logger.
func WithLogger(log zerolog.Logger) Option { return func(l *Loop) { l.log = log } }

// WithRenderer receives the status after every frame.
func WithRenderer(r Renderer) Option { return func(l *Loop) { l.renderer = r } }

// WithObserver receives every inference event. It may be given more than once.
func WithObserver(o Observer) Option {
	return func(l *Loop) { l.observers = append(l.observers, o) }
}

// Loop is a single-use perception loop.
type Loop struct {
	cfg        Config
	source     capture.Source
	classifier classify.Classifier
	dispatcher Dispatcher
	session    Disconnecter
	clock      timeutil.Clock
	log        zerolog.Logger
	renderer   Renderer
	observers  []Observer

	started  atomic.Bool
	state    atomic.Int32
	quit     chan struct{}
	quitOnce sync.Once

	mu     sync.Mutex
	status Status
	timing *timingWindow
}

// New builds a loop reading from source and classifying with classifier.
// Either may be nil; Run then fails its start checks.
func New(cfg Config, source capture.Source, classifier classify.Classifier, opts ...Option) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = 120
	}
	l := &Loop{
		cfg:        cfg,
		source:     source,
		classifier: classifier,
		clock:      timeutil.RealClock{},
		log:        zerolog.Nop(),
		quit:       make(chan struct{}),
		timing:     newTimingWindow(cfg.StatsWindow),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.status = Status{Label: "Waiting...", ShowFPS: cfg.ShowFPS, Device: l.session != nil}
	return l
}

// State returns the lifecycle state.
func (l *Loop) State() State { return State(l.state.Load()) }

// Status returns the status after the most recent frame.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Stats summarises recent inference timing.
func (l *Loop) Stats() CadenceStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timing.summary()
}

// Quit asks Run to return after the current frame.
func (l *Loop) Quit() {
	l.quitOnce.Do(func() { close(l.quit) })
}

// Run reads frames until the source ends, ctx is cancelled or Quit is
// called. The source is closed and the session disconnected on every exit
// path. End of stream and Quit return nil; cancellation returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	defer l.shutdown()

	if l.source == nil {
		return ErrNoSource
	}
	if l.classifier == nil {
		return ErrNoClassifier
	}

	l.state.Store(int32(StateRunning))
	l.log.Info().Dur("interval", l.cfg.Interval).Bool("fps", l.cfg.ShowFPS).Msg("perception loop started")

	cadence := NewCadence(l.cfg.Interval)
	meter := NewFPSMeter(l.cfg.FPSWindow)
	var frames uint64

	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("perception loop interrupted")
			return ctx.Err()
		case <-l.quit:
			l.log.Info().Msg("quit requested")
			return nil
		default:
		}

		frame, err := l.source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				l.log.Info().Uint64("frames", frames).Msg("end of stream")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read frame: %w", err)
		}
		frames++

		now := l.clock.Now()
		fps := meter.FPS()
		if l.cfg.ShowFPS {
			fps, _ = meter.Observe(now)
		}

		var ev *Event
		if cadence.Due(now) {
			e := l.infer(ctx, frame, frames, cadence)
			ev = &e
		}

		st := l.record(now, frames, fps, ev)
		if l.renderer != nil {
			l.renderer.Render(st)
		}
	}
}

// infer classifies frame and dispatches the result.
func (l *Loop) infer(ctx context.Context, frame capture.Frame, n uint64, cadence *Cadence) Event {
	prev, primed := cadence.Last()
	start := l.clock.Now()
	res, err := l.classifier.Classify(ctx, frame)
	done := l.clock.Now()
	cadence.Mark(done)

	l.mu.Lock()
	if primed {
		l.timing.addInterval(done.Sub(prev))
	}
	l.timing.addLatency(done.Sub(start))
	l.mu.Unlock()

	ev := Event{At: done, Frame: n, Latency: done.Sub(start), Command: dispatch.NoOp}
	if err != nil {
		ev.Err = err
		l.log.Error().Err(err).Uint64("frame", n).Msg("classification failed")
		l.notify(ev)
		return ev
	}

	ev.Label = dispatch.ParseLabel(res.Label)
	ev.Confidence = res.Confidence
	ev.Command = dispatch.CommandFor(ev.Label)

	if l.dispatcher != nil {
		cmd, err := l.dispatcher.Dispatch(ctx, ev.Label)
		ev.Command = cmd
		// Unknown labels are already logged by the dispatcher.
		if err != nil && !errors.Is(err, dispatch.ErrUnknownLabel) {
			ev.Err = err
			l.log.Warn().Err(err).Str("label", ev.Label.String()).Msg("dispatch failed")
		}
	}
	l.notify(ev)
	return ev
}

func (l *Loop) notify(ev Event) {
	for _, o := range l.observers {
		o.Observe(ev)
	}
}

func (l *Loop) record(now time.Time, frames uint64, fps float64, ev *Event) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := &l.status
	st.At = now
	st.Frames = frames
	st.FPS = fps
	st.Fresh = ev != nil
	if ev != nil {
		st.Inferences++
		if ev.Err != nil {
			st.Errors++
		}
		if ev.Label.Text != "" || ev.Label.Kind != dispatch.Unknown {
			st.Label = ev.Label.String()
			st.Confidence = ev.Confidence
		}
		st.Command = ev.Command
		if l.dispatcher != nil && ev.Command != dispatch.NoOp && ev.Err == nil {
			st.Dispatches++
		}
	}
	return *st
}

func (l *Loop) shutdown() {
	l.state.Store(int32(StateStopped))
	if l.source != nil {
		if err := l.source.Close(); err != nil {
			l.log.Warn().Err(err).Msg("closing frame source")
		}
	}
	if l.session != nil {
		if err := l.session.Disconnect(); err != nil {
			l.log.Warn().Err(err).Msg("disconnecting controller")
		}
	}
	st := l.Status()
	l.log.Info().
		Uint64("frames", st.Frames).
		Uint64("inferences", st.Inferences).
		Uint64("dispatches", st.Dispatches).
		Msg("perception loop stopped")
}
