// Command serialctl exercises the controller link without the camera: it
// lists candidate ports, sends a single command or monitors the device while
// forwarding commands typed on stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/vision.relay/internal/dispatch"
	"github.com/banshee-data/vision.relay/internal/monitoring"
	"github.com/banshee-data/vision.relay/internal/portscan"
	"github.com/banshee-data/vision.relay/internal/serialmux"
	"github.com/banshee-data/vision.relay/internal/session"
	"github.com/banshee-data/vision.relay/internal/timeutil"
	"github.com/banshee-data/vision.relay/internal/version"
)

var (
	listPorts   = flag.Bool("list", false, "List serial ports and exit")
	sendCmd     = flag.String("send", "", "Command to send: 0 (off) or 1 (on)")
	port        = flag.String("port", "", "Controller serial port (auto-detect when empty)")
	baud        = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	dataBits    = flag.Int("data-bits", 8, "Serial data bits (5-8)")
	stopBits    = flag.Int("stop-bits", 1, "Serial stop bits (1 or 2)")
	parity      = flag.String("parity", "N", "Serial parity: N, E or O")
	monitor     = flag.Bool("monitor", false, "Keep the port open, print device lines and read commands from stdin")
	listen      = flag.String("listen", "", "Serve the serial debug routes on this address while monitoring")
	devMode     = flag.Bool("dev", false, "Talk to a simulated controller")
	logLevel    = flag.String("log-level", "warn", "Log level for diagnostics")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

const (
	settleDelay = 2 * time.Second
	replyWait   = 500 * time.Millisecond
	joinTimeout = time.Second
)

// tool carries the collaborators so tests can swap the port and clock.
type tool struct {
	factory serialmux.SerialPortFactory
	locator *portscan.Locator
	clock   timeutil.Clock
	stdin   io.Reader
	log     zerolog.Logger
	line    serialmux.PortOptions
	listen  string
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if err := validateFlags(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	monitoring.SetLogger(func(format string, v ...interface{}) {
		fmt.Printf(format+"\n", v...)
	})
	loggers, err := monitoring.NewLoggers(monitoring.LogOptions{Level: *logLevel, Format: "console", App: "serialctl"})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}

	t := &tool{
		factory: serialmux.NewRealSerialPortFactory(),
		locator: portscan.NewLocator(nil, loggers.For(monitoring.ComponentPortscan)),
		clock:   timeutil.RealClock{},
		stdin:   os.Stdin,
		log:     loggers.Root(),
		line:    lineOptions(),
		listen:  *listen,
	}
	if *devMode {
		t.factory = serialmux.NewSimulatedDeviceFactory(session.DefaultReadyToken)
		if *port == "" {
			*port = "sim0"
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *listPorts {
		if err := t.list(); err != nil {
			log.Fatalf("list ports: %v", err)
		}
		return
	}
	if err := t.run(ctx, *port, *sendCmd, *monitor); err != nil {
		log.Fatalf("serialctl: %v", err)
	}
}

// validateFlags enforces that exactly one of --list and --send is given.
func validateFlags() error {
	if *listPorts && *sendCmd != "" {
		return errors.New("--list and --send are mutually exclusive")
	}
	if !*listPorts && *sendCmd == "" {
		return errors.New("one of --list or --send is required")
	}
	if *sendCmd != "" {
		if _, ok := parseCommand(*sendCmd); !ok {
			return fmt.Errorf("--send must be 0 or 1, got %q", *sendCmd)
		}
	}
	if *listen != "" && !*monitor {
		return errors.New("--listen requires --monitor")
	}
	if _, err := lineOptions().Normalize(); err != nil {
		return fmt.Errorf("line settings: %w", err)
	}
	return nil
}

func lineOptions() serialmux.PortOptions {
	return serialmux.PortOptions{BaudRate: *baud, DataBits: *dataBits, StopBits: *stopBits, Parity: *parity}
}

func parseCommand(s string) (dispatch.Command, bool) {
	cmd, ok := dispatch.ParseCommand(strings.TrimSpace(s))
	if !ok || cmd == dispatch.NoOp {
		return dispatch.NoOp, false
	}
	return cmd, true
}

func (t *tool) list() error {
	candidates, err := t.locator.List()
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		monitoring.Logf("No serial ports found")
		return nil
	}
	monitoring.Logf("Available serial ports:")
	for _, c := range candidates {
		monitoring.Logf("  %s", c)
	}
	if c, tier, err := t.locator.Locate(); err == nil {
		monitoring.Logf("Controller candidate: %s (%s)", c.DeviceID, tier)
	}
	return nil
}

func (t *tool) resolvePort(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	c, tier, err := t.locator.Locate()
	if err != nil {
		return "", err
	}
	if tier == portscan.TierSingleton {
		monitoring.Logf("Controller not identified explicitly, using the only available port: %s", c.DeviceID)
	} else {
		monitoring.Logf("Controller found on port %s", c.DeviceID)
	}
	return c.DeviceID, nil
}

// run opens the port, waits for the board to settle and sends command. In
// monitor mode it then keeps the port open until stdin says exit or ctx ends.
func (t *tool) run(ctx context.Context, explicitPort, command string, monitorMode bool) error {
	cmd, ok := parseCommand(command)
	if !ok {
		return fmt.Errorf("invalid command %q", command)
	}
	device, err := t.resolvePort(explicitPort)
	if err != nil {
		return err
	}

	mode, err := t.line.Mode()
	if err != nil {
		return err
	}
	p, err := t.factory.Open(device, mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", device, err)
	}
	mux := serialmux.NewSerialMux(p)
	mux.SetLogger(t.log)
	monitoring.Logf("Connected to %s at %d baud", device, mode.BaudRate)

	t.clock.Sleep(settleDelay)

	monitoring.Logf("Sending command: %s", cmd.Payload())
	if err := mux.SendCommand(cmd.Payload()); err != nil {
		mux.Close()
		return err
	}

	if !monitorMode {
		t.clock.Sleep(replyWait)
		reader := serialmux.NewLineReader(p, t.clock, t.log)
		if line, err := reader.ReadLine(serialmux.DefaultPollInterval); err == nil && line != "" {
			monitoring.Logf("Device reply: %s", line)
		}
		err := mux.Close()
		monitoring.Logf("Connection closed")
		return err
	}
	return t.monitor(ctx, mux)
}

func (t *tool) monitor(ctx context.Context, mux *serialmux.SerialMux[serialmux.SerialPorter]) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.log.Error().Err(err).Msg("serial monitor stopped")
		}
	}()

	id, lines := mux.Subscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for line := range lines {
			monitoring.Logf("Device: %s", line)
		}
	}()

	var server *http.Server
	if t.listen != "" {
		httpMux := http.NewServeMux()
		mux.AttachAdminRoutes(httpMux)
		server = &http.Server{Addr: t.listen, Handler: monitoring.RequestLogger(t.log, httpMux)}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.log.Error().Err(err).Msg("debug server failed")
			}
		}()
		monitoring.Logf("Debug routes on http://%s/debug/", t.listen)
	}

	monitoring.Logf("Monitor mode. Type 0 or 1 and Enter to send, exit to quit.")
	t.readCommands(ctx, mux)

	cancel()
	if server != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), joinTimeout)
		server.Shutdown(shutdownCtx)
		done()
	}
	mux.Unsubscribe(id)

	joined := make(chan struct{})
	go func() {
		wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(joinTimeout):
		t.log.Warn().Msg("serial reader did not stop in time")
	}
	err := mux.Close()
	monitoring.Logf("Connection closed")
	return err
}

// readCommands forwards 0 and 1 lines to the device until exit, quit, EOF or
// cancellation.
func (t *tool) readCommands(ctx context.Context, mux *serialmux.SerialMux[serialmux.SerialPorter]) {
	input := make(chan string)
	go func() {
		defer close(input)
		scanner := bufio.NewScanner(t.stdin)
		for scanner.Scan() {
			select {
			case input <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("Interrupted")
			return
		case text, ok := <-input:
			if !ok {
				return
			}
			text = strings.TrimSpace(text)
			switch strings.ToLower(text) {
			case "exit", "quit":
				return
			}
			cmd, valid := parseCommand(text)
			if !valid {
				monitoring.Logf("Invalid command. Use 0 or 1, or exit to quit.")
				continue
			}
			if err := mux.SendCommand(cmd.Payload()); err != nil {
				monitoring.Logf("Send failed: %v", err)
				continue
			}
			monitoring.Logf("Command sent: %s", cmd.Payload())
		}
	}
}
