package session

// State is the lifecycle position of a Session.
type State int

const (
	StateDisconnected State = iota
	StateOpening
	StateVerifying
	// StateResponding means the port is open and the handshake succeeded.
	StateResponding
	// StateSilent means the port is open but the device never answered.
	StateSilent
	// StateFailed means a required handshake failed and the port was closed.
	// The next Connect or Send starts over.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateOpening:
		return "opening"
	case StateVerifying:
		return "verifying"
	case StateResponding:
		return "responding"
	case StateSilent:
		return "silent"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Open reports whether a session in this state holds a port handle.
func (s State) Open() bool {
	return s != StateDisconnected && s != StateFailed
}

// MarshalText renders the state name in JSON status documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
