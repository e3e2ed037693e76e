package serialmux

import "strings"

// Reply classifies a line received from the controller.
type Reply int

const (
	// ReplyEmpty is a blank line or line noise that decoded to nothing.
	ReplyEmpty Reply = iota
	// ReplyReady contains the firmware's ready token.
	ReplyReady
	// ReplyOther is any other diagnostic output.
	ReplyOther
)

func (r Reply) String() string {
	switch r {
	case ReplyReady:
		return "ready"
	case ReplyOther:
		return "other"
	default:
		return "empty"
	}
}

// ClassifyReply inspects a line read from the device. The ready token is
// matched as a substring so firmware may prefix or suffix it with its own
// text. An empty token never matches.
func ClassifyReply(line, readyToken string) Reply {
	line = strings.TrimSpace(line)
	if line == "" {
		return ReplyEmpty
	}
	if readyToken != "" && strings.Contains(line, readyToken) {
		return ReplyReady
	}
	return ReplyOther
}
