// Package monitoring holds the relay's logging, metrics and debug pages.
package monitoring

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Logf is the package-level printf logger used for user-facing lines in the
// command-line tools. It defaults to log.Printf but may be replaced by
// SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Components that get their own logger and level.
const (
	ComponentPortscan   = "portscan"
	ComponentSession    = "session"
	ComponentDispatch   = "dispatch"
	ComponentPerception = "perception"
	ComponentCapture    = "capture"
	ComponentClassify   = "classify"
	ComponentJournal    = "journal"
	ComponentHTTP       = "http"
)

// LogOptions configures NewLoggers.
type LogOptions struct {
	// Level is the default level name.
	Level string
	// Format is "auto", "console" or "json". Auto picks console on a terminal.
	Format string
	// Levels overrides Level per component.
	Levels map[string]string
	// Out defaults to os.Stderr.
	Out io.Writer
	// App is attached to every entry when set.
	App string
}

// Loggers hands out per-component loggers sharing one writer.
type Loggers struct {
	root   zerolog.Logger
	level  zerolog.Level
	levels map[string]zerolog.Level
}

// NewLoggers builds the root logger. Component loggers inherit its writer.
func NewLoggers(opts LogOptions) (*Loggers, error) {
	if opts.Level == "" {
		opts.Level = "info"
	}
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	levels := make(map[string]zerolog.Level, len(opts.Levels))
	lowest := level
	for component, name := range opts.Levels {
		l, err := zerolog.ParseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("log level for %s: %w", component, err)
		}
		levels[strings.ToLower(component)] = l
		lowest = min(lowest, l)
	}
	// Per-logger levels cannot go below the global one.
	if lowest < zerolog.GlobalLevel() {
		zerolog.SetGlobalLevel(lowest)
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if useConsole(opts.Format, out) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if opts.App != "" {
		ctx = ctx.Str("app", opts.App)
	}
	return &Loggers{root: ctx.Logger().Level(level), level: level, levels: levels}, nil
}

func useConsole(format string, out io.Writer) bool {
	switch format {
	case "console":
		return true
	case "json":
		return false
	}
	f, ok := out.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// Root returns the logger at the default level.
func (l *Loggers) Root() zerolog.Logger { return l.root }

// For returns the logger for component, tagged with its name.
func (l *Loggers) For(component string) zerolog.Logger {
	level, ok := l.levels[component]
	if !ok {
		level = l.level
	}
	return l.root.Level(level).With().Str("component", component).Logger()
}

// Printf adapts the root logger to the Logf signature.
func (l *Loggers) Printf(format string, v ...interface{}) {
	l.root.Info().Msgf(format, v...)
}
