package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vision.relay/internal/serialmux"
	"github.com/banshee-data/vision.relay/internal/session"
	"github.com/banshee-data/vision.relay/internal/timeutil"
)

type recordingSender struct {
	payloads []string
	err      error
}

func (r *recordingSender) Send(_ context.Context, payload string) error {
	r.payloads = append(r.payloads, payload)
	return r.err
}

func TestParseLabel(t *testing.T) {
	tests := []struct {
		in   string
		want Label
	}{
		{"Good", Label{Kind: Activate, Text: "Good"}},
		{" bom ", Label{Kind: Activate, Text: "bom"}},
		{"Bad", Label{Kind: Deactivate, Text: "Bad"}},
		{"RUIM", Label{Kind: Deactivate, Text: "RUIM"}},
		{"Nothing", Label{Kind: Idle, Text: "Nothing"}},
		{"Nada", Label{Kind: Idle, Text: "Nada"}},
		{"Maybe", Label{Kind: Unknown, Text: "Maybe"}},
		{"", Label{Kind: Unknown}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, ParseLabel(tt.in)); diff != "" {
			t.Errorf("ParseLabel(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestCommandFor(t *testing.T) {
	assert.Equal(t, TurnOn, CommandFor(ParseLabel("Good")))
	assert.Equal(t, TurnOff, CommandFor(ParseLabel("Bad")))
	assert.Equal(t, NoOp, CommandFor(ParseLabel("Nothing")))
	assert.Equal(t, NoOp, CommandFor(ParseLabel("Cat")))

	assert.Equal(t, "1", TurnOn.Payload())
	assert.Equal(t, "0", TurnOff.Payload())
	assert.Empty(t, NoOp.Payload())
	assert.Equal(t, "none", NoOp.String())

	cmd, ok := ParseCommand("1")
	assert.True(t, ok)
	assert.Equal(t, TurnOn, cmd)
	_, ok = ParseCommand("2")
	assert.False(t, ok)
}

func TestDispatch_Sequence(t *testing.T) {
	sender := &recordingSender{}
	d := New(sender, zerolog.Nop())
	ctx := context.Background()

	for _, text := range []string{"Good", "Nothing", "Bad", "Nada", "Bom"} {
		_, err := d.DispatchText(ctx, text)
		require.NoError(t, err, text)
	}

	if diff := cmp.Diff([]string{"1", "0", "1"}, sender.payloads); diff != "" {
		t.Errorf("payloads mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, Counts{Sent: 3, Skipped: 2}, d.Counts())
}

func TestDispatch_UnknownLabel(t *testing.T) {
	sender := &recordingSender{}
	d := New(sender, zerolog.Nop())

	cmd, err := d.DispatchText(context.Background(), "Unsure")
	assert.ErrorIs(t, err, ErrUnknownLabel)
	assert.Equal(t, NoOp, cmd)
	assert.Empty(t, sender.payloads)
	assert.Equal(t, uint64(1), d.Counts().Unknown)
}

func TestDispatch_SendError(t *testing.T) {
	boom := errors.New("link down")
	d := New(&recordingSender{err: boom}, zerolog.Nop())

	cmd, err := d.DispatchText(context.Background(), "Bad")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, TurnOff, cmd)
	assert.Equal(t, uint64(1), d.Counts().Failed)
}

func TestDispatch_DryRun(t *testing.T) {
	d := New(nil, zerolog.Nop())
	cmd, err := d.DispatchText(context.Background(), "Good")
	require.NoError(t, err)
	assert.Equal(t, TurnOn, cmd)
	assert.Equal(t, uint64(1), d.Counts().Skipped)
}

func newSession(t *testing.T) (*session.Session, *serialmux.TestableSerialPort, *serialmux.MockSerialPortFactory) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	port := serialmux.NewTestableSerialPort()
	port.Clock = clock
	port.Responder = func(written []byte) []byte {
		if string(written) == "ping\n" {
			return []byte("Arduino ready\n")
		}
		return nil
	}
	factory := serialmux.NewMockSerialPortFactory(port)
	s := session.New(session.Config{Port: "/dev/ttyACM0"}, factory, session.WithClock(clock))
	return s, port, factory
}

func TestDispatch_WireBytesThroughSession(t *testing.T) {
	s, port, _ := newSession(t)
	require.NoError(t, s.Connect(context.Background()))
	d := New(s, zerolog.Nop())

	_, err := d.DispatchText(context.Background(), "Good")
	require.NoError(t, err)
	_, err = d.DispatchText(context.Background(), "Bad")
	require.NoError(t, err)

	assert.Equal(t, "ping\n1\n0\n", string(port.GetWrittenData()))
}

func TestDispatch_IdleNeverWritesOrReconnects(t *testing.T) {
	s, port, factory := newSession(t)
	d := New(s, zerolog.Nop())

	for range 10 {
		cmd, err := d.DispatchText(context.Background(), "Nothing")
		require.NoError(t, err)
		assert.Equal(t, NoOp, cmd)
	}

	assert.Zero(t, factory.Opens(), "idle labels must not open the port")
	assert.Empty(t, port.GetWrittenData())
	assert.Equal(t, session.StateDisconnected, s.State())
}
