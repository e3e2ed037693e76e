package serialmux

import (
	"strings"
)

// SimulatedDeviceFactory opens in-memory ports that answer like the
// controller firmware: a ping is acknowledged with the ready token and the
// activate/deactivate commands are echoed as a state line. It backs the
// --dev mode of the binaries.
type SimulatedDeviceFactory struct {
	ReadyToken string
	// Silent suppresses all replies, modelling firmware without the
	// ping handler.
	Silent bool
}

// NewSimulatedDeviceFactory returns a factory for simulated controllers.
func NewSimulatedDeviceFactory(readyToken string) *SimulatedDeviceFactory {
	return &SimulatedDeviceFactory{ReadyToken: readyToken}
}

// Open returns a fresh simulated port. Path and mode are ignored.
func (f *SimulatedDeviceFactory) Open(path string, mode *SerialPortMode) (SerialPorter, error) {
	port := NewTestableSerialPort()
	if !f.Silent {
		port.Responder = f.respond
	}
	return port, nil
}

func (f *SimulatedDeviceFactory) respond(written []byte) []byte {
	switch strings.TrimSpace(string(written)) {
	case "ping":
		return []byte(f.ReadyToken + "\r\n")
	case "1":
		return []byte("LED ON\r\n")
	case "0":
		return []byte("LED OFF\r\n")
	default:
		return nil
	}
}
