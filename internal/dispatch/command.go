package dispatch

// Command is what the controller is told to do.
type Command int

const (
	NoOp Command = iota
	TurnOn
	TurnOff
)

func (c Command) String() string {
	switch c {
	case TurnOn:
		return "on"
	case TurnOff:
		return "off"
	default:
		return "none"
	}
}

// Payload is the command's line on the wire without the terminator. NoOp has
// no payload.
func (c Command) Payload() string {
	switch c {
	case TurnOn:
		return "1"
	case TurnOff:
		return "0"
	default:
		return ""
	}
}

// CommandFor returns the command a label maps to.
func CommandFor(l Label) Command {
	switch l.Kind {
	case Activate:
		return TurnOn
	case Deactivate:
		return TurnOff
	default:
		return NoOp
	}
}

// ParseCommand accepts the raw payloads typed into diagnostic tools.
func ParseCommand(s string) (Command, bool) {
	switch s {
	case "1":
		return TurnOn, true
	case "0":
		return TurnOff, true
	default:
		return NoOp, false
	}
}

// MarshalText renders the command name in status documents.
func (c Command) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}
