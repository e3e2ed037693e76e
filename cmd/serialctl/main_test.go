package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vision.relay/internal/monitoring"
	"github.com/banshee-data/vision.relay/internal/portscan"
	"github.com/banshee-data/vision.relay/internal/serialmux"
	"github.com/banshee-data/vision.relay/internal/timeutil"
)

// captureOutput redirects monitoring.Logf for the duration of a test.
func captureOutput(t *testing.T) func() string {
	t.Helper()
	var mu sync.Mutex
	var lines []string
	original := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.Logf = original })
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		return strings.Join(lines, "\n")
	}
}

func simulatedPort(t *testing.T) *serialmux.TestableSerialPort {
	t.Helper()
	p, err := serialmux.NewSimulatedDeviceFactory("Arduino ready").Open("sim0", nil)
	require.NoError(t, err)
	return p.(*serialmux.TestableSerialPort)
}

func newTool(factory serialmux.SerialPortFactory, clock timeutil.Clock, candidates ...portscan.Candidate) *tool {
	return &tool{
		factory: factory,
		locator: portscan.NewLocator(portscan.StaticCatalog(candidates), zerolog.Nop()),
		clock:   clock,
		stdin:   strings.NewReader(""),
		log:     zerolog.Nop(),
		line:    serialmux.PortOptions{BaudRate: 9600},
	}
}

func setFlags(t *testing.T, list bool, send string, mon bool, addr string) {
	t.Helper()
	oldList, oldSend, oldMon, oldListen := *listPorts, *sendCmd, *monitor, *listen
	*listPorts, *sendCmd, *monitor, *listen = list, send, mon, addr
	t.Cleanup(func() { *listPorts, *sendCmd, *monitor, *listen = oldList, oldSend, oldMon, oldListen })
}

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, 9600, *baud)
	assert.Equal(t, "", *port)
	assert.False(t, *monitor)
	assert.False(t, *devMode)
}

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name    string
		list    bool
		send    string
		monitor bool
		listen  string
		wantErr string
	}{
		{name: "list", list: true},
		{name: "send on", send: "1"},
		{name: "send off with monitor", send: "0", monitor: true, listen: ":8090"},
		{name: "neither", wantErr: "required"},
		{name: "both", list: true, send: "1", wantErr: "mutually exclusive"},
		{name: "bad command", send: "2", wantErr: "must be 0 or 1"},
		{name: "listen without monitor", send: "1", listen: ":8090", wantErr: "requires --monitor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setFlags(t, tt.list, tt.send, tt.monitor, tt.listen)
			err := validateFlags()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestList(t *testing.T) {
	out := captureOutput(t)
	tl := newTool(nil, timeutil.NewMockClock(time.Unix(0, 0)),
		portscan.Candidate{DeviceID: "/dev/ttyS0", Descriptor: "ttyS0", HardwareID: "n/a"},
		portscan.Candidate{DeviceID: "/dev/ttyACM0", Descriptor: "Arduino Uno", HardwareID: "USB VID:PID=2341:0043"},
	)
	require.NoError(t, tl.list())
	assert.Contains(t, out(), "/dev/ttyACM0: Arduino Uno (hwid: USB VID:PID=2341:0043)")
	assert.Contains(t, out(), "Controller candidate: /dev/ttyACM0")
}

func TestList_Empty(t *testing.T) {
	out := captureOutput(t)
	require.NoError(t, newTool(nil, timeutil.NewMockClock(time.Unix(0, 0))).list())
	assert.Contains(t, out(), "No serial ports found")
}

func TestRun_SendWaitsForSettleAndPrintsReply(t *testing.T) {
	out := captureOutput(t)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	p := simulatedPort(t)
	p.Clock = clock
	factory := &serialmux.MockSerialPortFactory{Port: p}

	tl := newTool(factory, clock, portscan.Candidate{DeviceID: "/dev/ttyACM0", Descriptor: "Arduino Uno"})
	require.NoError(t, tl.run(context.Background(), "", "1", false))

	assert.Equal(t, "1\n", string(p.GetWrittenData()))
	assert.True(t, p.IsClosed())
	assert.Equal(t, "/dev/ttyACM0", factory.LastCall().Path)
	assert.Equal(t, 9600, factory.LastCall().Mode.BaudRate)
	assert.Equal(t, []time.Duration{settleDelay, replyWait}, clock.Sleeps())
	assert.Contains(t, out(), "Device reply: LED ON")
}

func TestRun_ExplicitPortSkipsDiscovery(t *testing.T) {
	captureOutput(t)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	p := simulatedPort(t)
	p.Clock = clock
	factory := &serialmux.MockSerialPortFactory{Port: p}

	tl := newTool(factory, clock)
	require.NoError(t, tl.run(context.Background(), "COM3", "0", false))
	assert.Equal(t, "COM3", factory.LastCall().Path)
	assert.Equal(t, "0\n", string(p.GetWrittenData()))
}

func TestRun_NoPort(t *testing.T) {
	tl := newTool(&serialmux.MockSerialPortFactory{}, timeutil.NewMockClock(time.Unix(0, 0)))
	err := tl.run(context.Background(), "", "1", false)
	assert.ErrorIs(t, err, portscan.ErrNoMatch)
}

func TestRun_OpenError(t *testing.T) {
	factory := &serialmux.MockSerialPortFactory{Error: errors.New("permission denied")}
	tl := newTool(factory, timeutil.NewMockClock(time.Unix(0, 0)))
	err := tl.run(context.Background(), "/dev/ttyACM0", "1", false)
	assert.ErrorContains(t, err, "permission denied")
}

func TestRun_WriteError(t *testing.T) {
	p := serialmux.NewTestableSerialPort()
	p.SetWriteError(errors.New("broken pipe"))
	tl := newTool(&serialmux.MockSerialPortFactory{Port: p}, timeutil.NewMockClock(time.Unix(0, 0)))
	err := tl.run(context.Background(), "/dev/ttyACM0", "1", false)
	assert.ErrorIs(t, err, serialmux.ErrWriteFailed)
	assert.True(t, p.IsClosed())
}

func TestRun_MonitorForwardsStdin(t *testing.T) {
	out := captureOutput(t)
	p := simulatedPort(t)
	tl := newTool(&serialmux.MockSerialPortFactory{Port: p}, timeutil.NewMockClock(time.Unix(0, 0)))
	tl.stdin = strings.NewReader("0\nbogus\n 1 \nexit\n0\n")

	done := make(chan error, 1)
	go func() { done <- tl.run(context.Background(), "/dev/ttyACM0", "1", true) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not return")
	}

	assert.Equal(t, "1\n0\n1\n", string(p.GetWrittenData()), "lines after exit are ignored")
	assert.True(t, p.IsClosed())
	text := out()
	assert.Contains(t, text, "Invalid command")
	assert.Contains(t, text, "Command sent: 0")
	assert.Contains(t, text, "Connection closed")
}

func TestRun_MonitorStopsOnCancel(t *testing.T) {
	captureOutput(t)
	p := simulatedPort(t)
	tl := newTool(&serialmux.MockSerialPortFactory{Port: p}, timeutil.NewMockClock(time.Unix(0, 0)))
	blocked, w := io.Pipe()
	defer w.Close()
	tl.stdin = blocked

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tl.run(ctx, "/dev/ttyACM0", "1", true) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not return after cancel")
	}
	assert.True(t, p.IsClosed())
}

func TestValidateFlags_LineSettings(t *testing.T) {
	setFlags(t, false, "1", false, "")
	old := *parity
	t.Cleanup(func() { *parity = old })

	*parity = "mark"
	assert.ErrorContains(t, validateFlags(), "unsupported parity")

	*parity = "even"
	assert.NoError(t, validateFlags())
}

func TestRun_OpensWithLineSettings(t *testing.T) {
	captureOutput(t)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	p := simulatedPort(t)
	p.Clock = clock
	factory := &serialmux.MockSerialPortFactory{Port: p}

	tl := newTool(factory, clock)
	tl.line = serialmux.PortOptions{BaudRate: 19200, DataBits: 7, StopBits: 2, Parity: "E"}
	require.NoError(t, tl.run(context.Background(), "COM3", "1", false))

	want := &serialmux.SerialPortMode{BaudRate: 19200, DataBits: 7, Parity: serialmux.EvenParity, StopBits: serialmux.TwoStopBits}
	assert.Equal(t, want, factory.LastCall().Mode)
}

func TestRun_InvalidLineSettings(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	factory := &serialmux.MockSerialPortFactory{Port: simulatedPort(t)}

	tl := newTool(factory, clock)
	tl.line = serialmux.PortOptions{DataBits: 9}
	assert.ErrorContains(t, tl.run(context.Background(), "COM3", "1", false), "invalid data bits")
	assert.Zero(t, factory.Opens())
}
