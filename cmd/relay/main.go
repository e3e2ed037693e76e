// Command relay classifies camera frames at a fixed cadence and drives the
// serial controller from the predicted label.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/banshee-data/vision.relay/internal/monitoring"
	"github.com/banshee-data/vision.relay/internal/portscan"
	"github.com/banshee-data/vision.relay/internal/serialmux"
	"github.com/banshee-data/vision.relay/internal/timeutil"
	"github.com/banshee-data/vision.relay/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a .toml or .yaml config file")
	source      = flag.String("source", "", "Camera index, video file or stream URL")
	sourceDir   = flag.String("source-dir", "", "Replay the images in this directory instead of a camera")
	worker      = flag.String("worker", "", "Classifier worker command line")
	labels      = flag.String("labels", "", "Labels file, one \"<index> <name>\" per line")
	interval    = flag.Duration("interval", 0, "Inference interval (e.g. 500ms)")
	noFPS       = flag.Bool("no-fps", false, "Do not measure or report the frame rate")
	noDevice    = flag.Bool("no-device", false, "Run without the serial controller")
	allowSilent = flag.Bool("allow-silent", false, "Keep running when the controller is missing or does not answer")
	port        = flag.String("port", "", "Controller serial port (auto-detect when empty)")
	baud        = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	interactive = flag.Bool("interactive", true, "Quit when q is typed on stdin")
	listen      = flag.String("listen", "", "Debug HTTP listen address (disabled when empty)")
	journalPath = flag.String("journal", "", "Record inferences to this sqlite file")
	devMode     = flag.Bool("dev", false, "Use a simulated controller, a scripted classifier and a test video source")
	logLevel    = flag.String("log-level", "", "Log level, overrides the config file")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := applyFlags(cfg, visitedFlags()); err != nil {
		log.Fatalf("flags: %v", err)
	}

	loggers, err := monitoring.NewLoggers(monitoring.LogOptions{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Levels: cfg.Log.Levels,
		App:    "relay",
	})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	loggers.Root().Info().Str("version", version.String()).Msg("relay starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host := env{
		locator: portscan.NewLocator(nil, loggers.For(monitoring.ComponentPortscan)),
		clock:   timeutil.RealClock{},
		stdin:   os.Stdin,
		goos:    runtime.GOOS,
		dev:     *devMode,
	}
	if !*devMode {
		host.factory = serialmux.NewRealSerialPortFactory()
	}
	r, err := build(ctx, cfg, loggers, host)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	if err := r.run(ctx); err != nil {
		log.Fatalf("relay: %v", err)
	}
}

// visitedFlags returns the names of the flags given on the command line.
func visitedFlags() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}
