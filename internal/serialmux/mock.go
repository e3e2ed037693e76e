package serialmux

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/vision.relay/internal/timeutil"
)

// ErrMockPortClosed is returned by TestableSerialPort after Close.
var ErrMockPortClosed = errors.New("serial port closed")

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// It provides fine-grained control over reads, writes, errors, and latency, and
// behaves like a serial port with a read timeout: an empty read returns (0, nil).
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// Responder, when set, is called with every successful write and its
	// result is queued as device output. It simulates firmware replies.
	Responder func(written []byte) []byte

	// Clock, when set, is advanced by ReadTimeout on every empty read to
	// simulate the port blocking until its timeout elapses.
	Clock *timeutil.MockClock

	// WriteError is returned by every Write call while set
	WriteError error

	// ReadError is returned by the next Read call if set
	ReadError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// CloseCalls records the number of Close calls
	CloseCalls int

	// ReadCalls records the number of Read calls
	ReadCalls int

	// WriteCalls records the number of Write calls
	WriteCalls int

	// DrainCalls records the number of Drain calls
	DrainCalls int

	// ResetCalls records the number of ResetInputBuffer calls
	ResetCalls int

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	// readCond is used to signal blocked readers
	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
		ReadTimeout: DefaultPollInterval,
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read reads from the read buffer, optionally simulating timeouts and errors.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()

	t.ReadCalls++

	if t.Closed {
		t.mu.Unlock()
		return 0, ErrMockPortClosed
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		t.mu.Unlock()
		return 0, err
	}

	// If blocking reads are enabled and buffer is empty, wait for data
	if t.BlockReads {
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			t.readCond.Wait()
		}
		if t.Closed {
			t.mu.Unlock()
			return 0, ErrMockPortClosed
		}
	}

	if t.ReadBuffer.Len() > 0 {
		n, err = t.ReadBuffer.Read(p)
		t.mu.Unlock()
		return n, err
	}

	timeout := t.ReadTimeout
	clock := t.Clock
	t.mu.Unlock()

	// Empty buffer: behave like a port whose read timeout expired.
	if clock != nil {
		clock.Advance(timeout)
	} else {
		time.Sleep(min(timeout, emptyReadSleep))
	}
	return 0, nil
}

// emptyReadSleep caps the wall-clock pause of an empty read without a mock
// clock so tests stay fast.
const emptyReadSleep = 5 * time.Millisecond

// Write writes to the write buffer, optionally simulating errors and replies.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, ErrMockPortClosed
	}

	if t.WriteError != nil {
		return 0, t.WriteError
	}

	n, err = t.WriteBuffer.Write(p)
	if t.Responder != nil {
		if reply := t.Responder(p); len(reply) > 0 {
			t.ReadBuffer.Write(reply)
			t.readCond.Broadcast()
		}
	}
	return n, err
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.CloseCalls++
	t.readCond.Broadcast() // Wake up any blocked readers

	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// ResetInputBuffer implements InputResetter.
func (t *TestableSerialPort) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ResetCalls++
	t.ReadBuffer.Reset()
	return nil
}

// Drain implements Drainer.
func (t *TestableSerialPort) Drain() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.DrainCalls++
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Signal() // Wake up a blocked reader
}

// SetWriteError sets or clears the error returned by Write.
func (t *TestableSerialPort) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteError = err
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]byte, t.WriteBuffer.Len())
	copy(out, t.WriteBuffer.Bytes())
	return out
}

// IsClosed reports whether Close has been called.
func (t *TestableSerialPort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.Closed
}

// Writes returns the number of Write calls.
func (t *TestableSerialPort) Writes() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.WriteCalls
}

// Reset clears all buffers and resets state.
func (t *TestableSerialPort) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Reset()
	t.WriteBuffer.Reset()
	t.ReadCalls = 0
	t.WriteCalls = 0
	t.DrainCalls = 0
	t.ResetCalls = 0
	t.CloseCalls = 0
	t.Closed = false
	t.ReadError = nil
	t.WriteError = nil
	t.CloseError = nil
}

// MockSerialPortFactory implements SerialPortFactory for testing.
type MockSerialPortFactory struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port SerialPorter

	// Ports, when non-empty, are returned in order by successive Open calls
	// before falling back to Port.
	Ports []SerialPorter

	// Error is returned by Open if set
	Error error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Mode *SerialPortMode
}

// NewMockSerialPortFactory creates a new MockSerialPortFactory.
func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockSerialPortFactory) Open(path string, mode *SerialPortMode) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{
		Path: path,
		Mode: mode,
	})

	if f.Error != nil {
		return nil, f.Error
	}

	if len(f.Ports) > 0 {
		port := f.Ports[0]
		f.Ports = f.Ports[1:]
		return port, nil
	}

	return f.Port, nil
}

// SetError sets or clears the error returned by Open.
func (f *MockSerialPortFactory) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Error = err
}

// Opens returns the number of Open calls.
func (f *MockSerialPortFactory) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.OpenCalls)
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}

// Reset clears all recorded calls.
func (f *MockSerialPortFactory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = nil
	f.Error = nil
}
