package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/vision.relay/internal/capture"
	"github.com/banshee-data/vision.relay/internal/classify"
	"github.com/banshee-data/vision.relay/internal/config"
	"github.com/banshee-data/vision.relay/internal/dispatch"
	"github.com/banshee-data/vision.relay/internal/journal"
	"github.com/banshee-data/vision.relay/internal/monitoring"
	"github.com/banshee-data/vision.relay/internal/perception"
	"github.com/banshee-data/vision.relay/internal/serialmux"
	"github.com/banshee-data/vision.relay/internal/session"
	"github.com/banshee-data/vision.relay/internal/timeutil"
)

// devSource is the ffmpeg test pattern used in dev mode when no source was
// chosen.
const devSource = "testsrc=size=640x480:rate=30"

// devScript is the label sequence replayed by the dev classifier.
var devScript = []string{"Good", "Nothing", "Bad", "Nothing"}

const shutdownTimeout = 5 * time.Second

// env carries the host collaborators so tests can substitute them.
type env struct {
	// factory opens the controller port. Nil selects the simulated
	// controller.
	factory serialmux.SerialPortFactory
	locator session.Locator
	clock   timeutil.Clock
	stdin   io.Reader
	goos    string
	dev     bool
}

// relay is one assembled perception pipeline.
type relay struct {
	cfg     *config.Config
	env     env
	log     zerolog.Logger
	httpLog zerolog.Logger

	classifier classify.Classifier
	session    *session.Session
	dispatcher *dispatch.Dispatcher
	loop       *perception.Loop
	journal    *journal.Journal
	history    *monitoring.History
	metrics    *monitoring.Metrics
	listener   net.Listener
	server     *http.Server
}

// build opens every collaborator and connects to the controller. Any
// failure here is fatal for the process; partially opened resources are
// released before returning.
func build(ctx context.Context, cfg *config.Config, loggers *monitoring.Loggers, e env) (_ *relay, err error) {
	if e.clock == nil {
		e.clock = timeutil.RealClock{}
	}
	r := &relay{
		cfg:     cfg,
		env:     e,
		log:     loggers.Root(),
		httpLog: loggers.For(monitoring.ComponentHTTP),
		history: monitoring.NewHistory(0),
		metrics: monitoring.NewMetrics(),
	}

	var cleanup []func()
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
		}
	}()

	r.classifier, err = openClassifier(ctx, cfg, e, loggers.For(monitoring.ComponentClassify))
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, func() { r.classifier.Close() })

	src, err := openSource(ctx, cfg, e, loggers.For(monitoring.ComponentCapture))
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, func() { src.Close() })

	if cfg.Serial.Enabled {
		r.session, err = r.connect(ctx, loggers.For(monitoring.ComponentSession))
		if err != nil {
			return nil, err
		}
		if r.session != nil {
			cleanup = append(cleanup, func() { r.session.Disconnect() })
			r.dispatcher = dispatch.New(r.session, loggers.For(monitoring.ComponentDispatch))
		}
	} else {
		r.log.Info().Msg("controller disabled, predictions are not sent")
	}

	if cfg.Journal.Path != "" {
		jlog := loggers.For(monitoring.ComponentJournal)
		r.journal, err = journal.Open(cfg.Journal.Path, journal.WithClock(e.clock), journal.WithLogger(jlog))
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, func() { r.journal.Close() })
		run := journal.Run{Source: cfg.Capture.Source, Interval: cfg.Loop.Interval.Duration}
		if r.session != nil {
			run.Device = r.session.Snapshot().Device
		}
		if _, err = r.journal.Begin(ctx, run); err != nil {
			return nil, err
		}
	}

	plog := loggers.For(monitoring.ComponentPerception)
	opts := []perception.Option{
		perception.WithClock(e.clock),
		perception.WithLogger(plog),
		perception.WithRenderer(perception.TextRenderer{Log: plog}),
		perception.WithObserver(r.history),
		perception.WithObserver(r.metrics),
	}
	if r.journal != nil {
		opts = append(opts, perception.WithObserver(r.journal))
	}
	if r.session != nil {
		opts = append(opts, perception.WithSession(r.session), perception.WithDispatcher(r.dispatcher))
	}
	r.loop = perception.New(cfg.Perception(), src, r.classifier, opts...)

	r.metrics.WatchLoop(r.loop)
	if r.session != nil {
		r.metrics.WatchSession(r.session)
		r.metrics.WatchDispatcher(r.dispatcher)
	}

	if cfg.Debug.Listen != "" {
		h, err := r.handler()
		if err != nil {
			return nil, err
		}
		r.listener, err = net.Listen("tcp", cfg.Debug.Listen)
		if err != nil {
			return nil, fmt.Errorf("debug listener: %w", err)
		}
		r.server = &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	}
	return r, nil
}

func openClassifier(ctx context.Context, cfg *config.Config, e env, log zerolog.Logger) (classify.Classifier, error) {
	if e.dev && cfg.Classifier.Worker == "" {
		log.Info().Strs("script", devScript).Msg("using scripted classifier")
		return classify.NewScriptedLabels(devScript...), nil
	}
	labels, err := classify.LoadLabels(cfg.Classifier.Labels)
	if err != nil {
		return nil, fmt.Errorf("classifier unavailable: %w", err)
	}
	c, err := classify.StartWorker(ctx, cfg.Worker(), labels, log)
	if err != nil {
		return nil, fmt.Errorf("classifier unavailable: %w", err)
	}
	return c, nil
}

func openSource(ctx context.Context, cfg *config.Config, e env, log zerolog.Logger) (capture.Source, error) {
	if cfg.Capture.Dir {
		opts := []capture.DirOption{capture.WithFPS(cfg.Capture.FPS), capture.WithDirClock(e.clock)}
		if cfg.Capture.Loop {
			opts = append(opts, capture.WithLoop())
		}
		d, err := capture.OpenDir(cfg.Capture.Source, opts...)
		if err != nil {
			return nil, fmt.Errorf("capture source unavailable: %w", err)
		}
		log.Info().Str("dir", cfg.Capture.Source).Int("frames", d.Len()).Msg("replaying image directory")
		return d, nil
	}

	fc := cfg.FFmpeg()
	if e.dev && fc.Input == config.Default().Capture.Source && fc.InputFormat == "" {
		fc.Input, fc.InputFormat = devSource, "lavfi"
	}
	fc = fc.Resolve(e.goos)
	s, err := capture.StartFFmpeg(ctx, fc, log)
	if err != nil {
		return nil, fmt.Errorf("capture source unavailable: %w", err)
	}
	return s, nil
}

// connect opens the controller link. With allow_silent a failed connect is
// logged and the relay continues without a controller (nil session).
func (r *relay) connect(ctx context.Context, log zerolog.Logger) (*session.Session, error) {
	scfg, err := r.cfg.Session()
	if err != nil {
		return nil, err
	}
	factory := r.env.factory
	if factory == nil {
		factory = serialmux.NewSimulatedDeviceFactory(scfg.ReadyToken)
		scfg.SettleDelay = -1
		if scfg.Port == "" {
			scfg.Port = "sim0"
		}
	}

	opts := []session.Option{session.WithClock(r.env.clock), session.WithLogger(log)}
	if r.env.locator != nil {
		opts = append(opts, session.WithLocator(r.env.locator))
	}
	s := session.New(scfg, factory, opts...)
	if err := s.Connect(ctx); err != nil {
		if !r.cfg.Serial.AllowSilent {
			return nil, fmt.Errorf("controller unavailable: %w", err)
		}
		log.Warn().Err(err).Msg("controller unavailable, continuing without it")
		s.Disconnect()
		return nil, nil
	}
	snap := s.Snapshot()
	if !snap.Responding {
		log.Warn().Str("device", snap.Device).Msg("controller connected but did not answer the handshake")
	}
	return s, nil
}

// handler returns the debug HTTP surface.
func (r *relay) handler() (http.Handler, error) {
	mux := http.NewServeMux()
	d := &monitoring.Debug{Loop: r.loop, History: r.history, Metrics: r.metrics}
	if r.session != nil {
		d.Session = r.session
	}
	d.AttachAdminRoutes(mux)
	if r.journal != nil {
		if err := r.journal.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return monitoring.RequestLogger(r.httpLog, mux), nil
}

// run drives the loop until the source ends, the user quits or ctx is
// cancelled, then releases everything build opened. The loop itself closes
// the source and the controller link.
func (r *relay) run(ctx context.Context) error {
	defer r.classifier.Close()

	if r.server != nil {
		go func() {
			if err := r.server.Serve(r.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.log.Error().Err(err).Msg("debug server failed")
			}
		}()
		monitoring.Logf("Debug pages on http://%s/debug/", r.listener.Addr())
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := r.server.Shutdown(shutdownCtx); err != nil {
				r.log.Warn().Err(err).Msg("debug server shutdown")
			}
		}()
	}

	if r.cfg.Loop.Interactive && r.env.stdin != nil {
		go r.watchQuit(ctx)
		monitoring.Logf("Type q and Enter to quit")
	}

	err := r.loop.Run(ctx)
	r.closeJournal()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchQuit stops the loop when a line starting with q arrives on stdin.
func (r *relay) watchQuit(ctx context.Context) {
	scanner := bufio.NewScanner(r.env.stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(scanner.Text())), "q") {
			r.loop.Quit()
			return
		}
	}
}

func (r *relay) closeJournal() {
	if r.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.journal.End(ctx); err != nil {
		r.log.Warn().Err(err).Msg("journal end")
	}
	if summary, err := r.journal.Summary(ctx); err == nil && len(summary) > 0 {
		monitoring.Logf("Inferences by label:")
		for _, c := range summary {
			monitoring.Logf("%-12s %d", c.Label, c.Count)
		}
	}
	if err := r.journal.Close(); err != nil {
		r.log.Warn().Err(err).Msg("journal close")
	}
	r.journal = nil
}
