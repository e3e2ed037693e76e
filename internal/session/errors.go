package session

import "errors"

var (
	// ErrDiscoveryFailed means no port was configured and none could be located.
	ErrDiscoveryFailed = errors.New("could not find controller serial port")
	// ErrOpenFailed means the OS refused to open the port.
	ErrOpenFailed = errors.New("failed to open serial port")
	// ErrHandshakeTimeout means the device never sent its ready token while a
	// responding device was required.
	ErrHandshakeTimeout = errors.New("controller did not answer ping")
	// ErrNotResponding is returned by Send when a responding device is
	// required and the open session is silent.
	ErrNotResponding = errors.New("controller is not responding")
	// ErrWriteFailed wraps a failed or short write. The session is closed and
	// the next Send reconnects.
	ErrWriteFailed = errors.New("failed to write to controller")
)
