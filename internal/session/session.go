// Package session owns the serial link to the controller: locating the port,
// opening it, verifying the firmware with a ping handshake and writing
// commands with reconnect-on-failure.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/vision.relay/internal/portscan"
	"github.com/banshee-data/vision.relay/internal/serialmux"
	"github.com/banshee-data/vision.relay/internal/timeutil"
)

// Config holds the link parameters. Zero values are replaced by the defaults
// listed on each field.
type Config struct {
	// Port is an explicit device id. Empty means locate it on Connect.
	Port string
	// Mode is the line setting. Nil means 9600 8N1.
	Mode *serialmux.SerialPortMode
	// ReadTimeout is applied to the port after open. Defaults to 1s.
	ReadTimeout time.Duration
	// SettleDelay is waited after open because most boards reset when the
	// port opens. Defaults to 2s.
	SettleDelay time.Duration
	// Attempts is the number of pings sent during verification. Defaults to 3.
	Attempts int
	// AttemptWindow bounds how long each ping waits for the ready token.
	// Defaults to 1s.
	AttemptWindow time.Duration
	// ReplyWait is how long Send waits before draining one reply line from a
	// responding device. Defaults to 500ms.
	ReplyWait time.Duration
	// Ping defaults to "ping".
	Ping string
	// ReadyToken is searched for in device lines. Defaults to "Arduino ready".
	ReadyToken string
	// RequireResponding turns a silent device into a Connect failure.
	RequireResponding bool
}

const (
	DefaultSettleDelay   = 2 * time.Second
	DefaultAttempts      = 3
	DefaultAttemptWindow = time.Second
	DefaultReplyWait     = 500 * time.Millisecond
	DefaultReadTimeout   = time.Second
	DefaultPing          = "ping"
	DefaultReadyToken    = "Arduino ready"
)

func (c Config) withDefaults() Config {
	if c.Mode == nil {
		c.Mode = serialmux.DefaultSerialPortMode()
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	} else if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.AttemptWindow <= 0 {
		c.AttemptWindow = DefaultAttemptWindow
	}
	if c.ReplyWait <= 0 {
		c.ReplyWait = DefaultReplyWait
	}
	if c.Ping == "" {
		c.Ping = DefaultPing
	}
	if c.ReadyToken == "" {
		c.ReadyToken = DefaultReadyToken
	}
	return c
}

// Locator finds the controller port when none is configured.
type Locator interface {
	Locate() (portscan.Candidate, portscan.Tier, error)
}

// Snapshot is a point-in-time copy of the session state for status pages.
type Snapshot struct {
	State         State     `json:"state"`
	Device        string    `json:"device,omitempty"`
	Responding    bool      `json:"responding"`
	Connects      uint64    `json:"connects"`
	Writes        uint64    `json:"writes"`
	WriteFailures uint64    `json:"write_failures"`
	LastReply     string    `json:"last_reply,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	ConnectedAt   time.Time `json:"connected_at,omitzero"`
}

// Option customises a Session.
type Option func(*Session)

// WithLocator sets the locator used when Config.Port is empty.
func WithLocator(l Locator) Option {
	return func(s *Session) { s.locator = l }
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c timeutil.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// Session is the single owner of the controller's serial port.
//
// Connect, Send and Disconnect are serialised; Snapshot may be called from
// any goroutine and never waits on serial I/O.
type Session struct {
	cfg     Config
	factory serialmux.SerialPortFactory
	locator Locator
	clock   timeutil.Clock
	log     zerolog.Logger

	// opMu serialises operations that touch the port.
	opMu   sync.Mutex
	port   serialmux.SerialPorter
	reader *serialmux.LineReader
	// located is a discovered device id reused by later reconnects.
	located string

	mu   sync.Mutex
	snap Snapshot
}

// New creates a disconnected Session that opens ports through factory.
func New(cfg Config, factory serialmux.SerialPortFactory, opts ...Option) *Session {
	s := &Session{
		cfg:     cfg.withDefaults(),
		factory: factory,
		clock:   timeutil.RealClock{},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snap.Device = s.cfg.Port
	return s
}

// Config returns the effective configuration.
func (s *Session) Config() Config { return s.cfg }

// Snapshot returns the current state and counters.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.Snapshot().State
}

// Responding reports whether the last handshake received the ready token.
func (s *Session) Responding() bool {
	return s.Snapshot().Responding
}

func (s *Session) update(fn func(*Snapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.update(func(snap *Snapshot) {
		snap.State = st
		if st != StateResponding {
			snap.Responding = false
		}
	})
}

func (s *Session) recordError(err error) {
	s.update(func(snap *Snapshot) { snap.LastError = err.Error() })
}

// Connect opens and verifies the port. It returns nil immediately when a port
// is already open.
func (s *Session) Connect(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) error {
	if s.port != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.update(func(snap *Snapshot) { snap.Connects++ })

	device, err := s.resolveDevice()
	if err != nil {
		s.recordError(err)
		s.setState(StateDisconnected)
		return err
	}

	s.update(func(snap *Snapshot) {
		snap.State = StateOpening
		snap.Device = device
	})
	s.log.Info().Str("device", device).Int("baud", s.cfg.Mode.BaudRate).Msg("opening serial port")

	port, err := s.factory.Open(device, s.cfg.Mode)
	if err != nil {
		// a located device may have re-enumerated under another name
		if s.cfg.Port == "" {
			s.located = ""
		}
		err = fmt.Errorf("%w: %s: %w", ErrOpenFailed, device, err)
		s.log.Error().Err(err).Msg("open failed")
		s.recordError(err)
		s.setState(StateDisconnected)
		return err
	}
	if t, ok := port.(serialmux.TimeoutSerialPorter); ok {
		if err := t.SetReadTimeout(s.cfg.ReadTimeout); err != nil {
			s.log.Warn().Err(err).Msg("could not set read timeout")
		}
	}
	s.port = port
	s.reader = serialmux.NewLineReader(port, s.clock, s.log)

	s.clock.Sleep(s.cfg.SettleDelay)
	if err := ctx.Err(); err != nil {
		s.closeLocked()
		s.setState(StateDisconnected)
		return err
	}

	s.setState(StateVerifying)
	responding := s.verify()

	if !responding && s.cfg.RequireResponding {
		s.closeLocked()
		s.setState(StateFailed)
		err := fmt.Errorf("%w on %s after %d attempts", ErrHandshakeTimeout, device, s.cfg.Attempts)
		s.log.Error().Err(err).Msg("check the physical connection and the controller firmware")
		s.recordError(err)
		return err
	}

	now := s.clock.Now()
	s.update(func(snap *Snapshot) {
		snap.ConnectedAt = now
		snap.Responding = responding
		if responding {
			snap.State = StateResponding
		} else {
			snap.State = StateSilent
		}
	})
	if responding {
		s.log.Info().Str("device", device).Msg("connected and controller is responding")
	} else {
		s.log.Warn().Str("device", device).Msg("serial port is open but controller is not responding")
	}
	return nil
}

func (s *Session) resolveDevice() (string, error) {
	if s.cfg.Port != "" {
		return s.cfg.Port, nil
	}
	if s.located != "" {
		return s.located, nil
	}
	if s.locator == nil {
		return "", fmt.Errorf("%w: no port configured and discovery disabled", ErrDiscoveryFailed)
	}
	c, _, err := s.locator.Locate()
	if err != nil {
		s.log.Error().Err(err).Msg("could not find controller, check the connection")
		return "", fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}
	s.located = c.DeviceID
	return c.DeviceID, nil
}

// verify pings the device until it answers with the ready token or the
// attempts run out. Total time is bounded by Attempts * AttemptWindow.
func (s *Session) verify() bool {
	if r, ok := s.port.(serialmux.InputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			s.log.Debug().Err(err).Msg("reset input buffer")
		}
	}
	s.reader.Discard()

	s.log.Info().Msg("verifying controller")
	ping := s.cfg.Ping + "\n"
	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		if err := s.writeLocked(ping); err != nil {
			s.log.Error().Err(err).Int("attempt", attempt).Msg("ping failed")
			return false
		}

		deadline := s.clock.Now().Add(s.cfg.AttemptWindow)
		for {
			remaining := deadline.Sub(s.clock.Now())
			if remaining <= 0 {
				break
			}
			line, err := s.reader.ReadLine(remaining)
			if errors.Is(err, serialmux.ErrReadTimeout) {
				break
			}
			if err != nil {
				s.log.Error().Err(err).Msg("read failed during verification")
				return false
			}
			switch serialmux.ClassifyReply(line, s.cfg.ReadyToken) {
			case serialmux.ReplyReady:
				s.update(func(snap *Snapshot) { snap.LastReply = line })
				return true
			case serialmux.ReplyOther:
				s.log.Info().Str("response", line).Msg("response received")
			}
		}
	}
	s.log.Warn().Int("attempts", s.cfg.Attempts).Msg("controller did not respond to ping")
	return false
}

func (s *Session) writeLocked(data string) error {
	n, err := s.port.Write([]byte(data))
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(data))
	}
	if d, ok := s.port.(serialmux.Drainer); ok {
		if err := d.Drain(); err != nil {
			return fmt.Errorf("drain: %w", err)
		}
	}
	return nil
}

// Send writes payload followed by a newline, connecting first when no port is
// open. A write failure closes the port; the next Send reconnects.
func (s *Session) Send(ctx context.Context, payload string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if s.port == nil {
		if err := s.connectLocked(ctx); err != nil {
			return err
		}
	}

	responding := s.Responding()
	if s.cfg.RequireResponding && !responding {
		return ErrNotResponding
	}

	data := payload
	if !strings.HasSuffix(data, "\n") {
		data += "\n"
	}
	if err := s.writeLocked(data); err != nil {
		s.closeLocked()
		s.setState(StateDisconnected)
		err = fmt.Errorf("%w: %w", ErrWriteFailed, err)
		s.update(func(snap *Snapshot) {
			snap.WriteFailures++
			snap.LastError = err.Error()
		})
		s.log.Error().Err(err).Bool("disconnect", serialmux.IsDisconnectError(err)).Msg("error sending command")
		return err
	}
	s.update(func(snap *Snapshot) { snap.Writes++ })
	s.log.Debug().Str("command", payload).Msg("command sent")

	if responding {
		s.clock.Sleep(s.cfg.ReplyWait)
		line, err := s.reader.ReadLine(serialmux.DefaultPollInterval)
		switch {
		case err == nil:
			s.update(func(snap *Snapshot) { snap.LastReply = line })
			s.log.Debug().Str("response", line).Msg("response from controller")
		case errors.Is(err, serialmux.ErrReadTimeout):
		default:
			// the command went out; the broken link is picked up on the next Send
			s.log.Warn().Err(err).Msg("reading reply failed, closing port")
			s.closeLocked()
			s.setState(StateDisconnected)
		}
	}
	return nil
}

// Disconnect closes the port if open. It is safe to call repeatedly.
func (s *Session) Disconnect() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	wasOpen := s.port != nil
	err := s.closeLocked()
	s.setState(StateDisconnected)
	if wasOpen {
		s.log.Info().Msg("disconnected from controller")
	}
	return err
}

func (s *Session) closeLocked() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.reader = nil
	return err
}
