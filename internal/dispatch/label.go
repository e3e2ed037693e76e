// Package dispatch maps classifier labels onto controller commands and sends
// them over the session.
package dispatch

import "strings"

// Kind is the closed set of label meanings.
type Kind int

const (
	// Unknown is any label the relay has no command for.
	Unknown Kind = iota
	Activate
	Deactivate
	Idle
)

func (k Kind) String() string {
	switch k {
	case Activate:
		return "activate"
	case Deactivate:
		return "deactivate"
	case Idle:
		return "idle"
	default:
		return "unknown"
	}
}

// Label is a classifier output decided once at the classification boundary.
// Text keeps the original label for logging.
type Label struct {
	Kind Kind
	Text string
}

// labelKinds maps model class names, English and Portuguese, onto kinds.
var labelKinds = map[string]Kind{
	"good":    Activate,
	"bom":     Activate,
	"bad":     Deactivate,
	"ruim":    Deactivate,
	"nothing": Idle,
	"nada":    Idle,
}

// ParseLabel classifies a model class name. Matching ignores case and
// surrounding whitespace.
func ParseLabel(text string) Label {
	text = strings.TrimSpace(text)
	return Label{Kind: labelKinds[strings.ToLower(text)], Text: text}
}

func (l Label) String() string {
	if l.Text != "" {
		return l.Text
	}
	return l.Kind.String()
}
