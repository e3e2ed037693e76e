package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrUnknownLabel is returned for labels with no command. Nothing is sent.
var ErrUnknownLabel = errors.New("unknown label")

// Sender transmits one command line. *session.Session implements it.
type Sender interface {
	Send(ctx context.Context, payload string) error
}

// Counts tallies dispatch outcomes.
type Counts struct {
	Sent    uint64 `json:"sent"`
	Skipped uint64 `json:"skipped"`
	Unknown uint64 `json:"unknown"`
	Failed  uint64 `json:"failed"`
}

// Dispatcher turns labels into commands. A nil Sender runs dry: commands are
// decided and logged but never written.
type Dispatcher struct {
	sender Sender
	log    zerolog.Logger

	mu     sync.Mutex
	counts Counts
}

// New returns a Dispatcher writing through sender.
func New(sender Sender, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{sender: sender, log: log}
}

// Counts returns the outcome tallies so far.
func (d *Dispatcher) Counts() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts
}

func (d *Dispatcher) count(fn func(*Counts)) {
	d.mu.Lock()
	fn(&d.counts)
	d.mu.Unlock()
}

// Dispatch sends the command for l. Idle labels return NoOp and a nil error
// without touching the sender, so they never trigger a reconnect.
func (d *Dispatcher) Dispatch(ctx context.Context, l Label) (Command, error) {
	cmd := CommandFor(l)

	switch l.Kind {
	case Idle:
		d.log.Debug().Str("label", l.String()).Msg("no command sent")
		d.count(func(c *Counts) { c.Skipped++ })
		return NoOp, nil
	case Unknown:
		d.log.Warn().Str("label", l.String()).Msg("unknown label, no command sent")
		d.count(func(c *Counts) { c.Unknown++ })
		return NoOp, fmt.Errorf("%w: %q", ErrUnknownLabel, l.Text)
	}

	if d.sender == nil {
		d.log.Info().Str("label", l.String()).Str("command", cmd.Payload()).Msg("no device, command not sent")
		d.count(func(c *Counts) { c.Skipped++ })
		return cmd, nil
	}

	d.log.Info().Str("label", l.String()).Str("command", cmd.Payload()).Msg("sending command")
	if err := d.sender.Send(ctx, cmd.Payload()); err != nil {
		d.count(func(c *Counts) { c.Failed++ })
		return cmd, fmt.Errorf("dispatch %s: %w", cmd, err)
	}
	d.count(func(c *Counts) { c.Sent++ })
	return cmd, nil
}

// DispatchText parses a raw label then dispatches it.
func (d *Dispatcher) DispatchText(ctx context.Context, text string) (Command, error) {
	return d.Dispatch(ctx, ParseLabel(text))
}
