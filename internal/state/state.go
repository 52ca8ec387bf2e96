package state

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a simulator. The numeric values mirror the
// status codes reported by the platform device layer; Unknown is -1.
type State int

const (
	Unknown      State = -1
	Creating     State = 0
	Shutdown     State = 1
	Booting      State = 2
	Booted       State = 3
	ShuttingDown State = 4
)

// Known lists every state the platform can report, in numeric order.
var Known = []State{Creating, Shutdown, Booting, Booted, ShuttingDown}

func (s State) String() string {
	switch s {
	case Creating:
		return "creating"
	case Shutdown:
		return "shutdown"
	case Booting:
		return "booting"
	case Booted:
		return "booted"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// IsKnown reports whether s is one of the five platform states.
func (s State) IsKnown() bool {
	return s >= Creating && s <= ShuttingDown
}

// FromRaw maps a raw platform status code to a State.
// Unrecognized codes map to Unknown.
func FromRaw(code int) State {
	s := State(code)
	if s.IsKnown() {
		return s
	}
	return Unknown
}

// Parse converts the String form (case-insensitive, '-' or '_' separated) back to a State.
func Parse(v string) (State, error) {
	n := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(v)), "-", "_")
	switch n {
	case "creating":
		return Creating, nil
	case "shutdown":
		return Shutdown, nil
	case "booting":
		return Booting, nil
	case "booted":
		return Booted, nil
	case "shutting_down", "shuttingdown":
		return ShuttingDown, nil
	case "unknown":
		return Unknown, nil
	}
	return Unknown, fmt.Errorf("invalid state %q", v)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// successor holds the single forward transition out of each known state.
var successor = map[State]State{
	Creating:     Shutdown,
	Shutdown:     Booting,
	Booting:      Booted,
	Booted:       ShuttingDown,
	ShuttingDown: Shutdown,
}

// Allowed reports whether from -> to is a defined transition.
// Any state may move to Unknown; Unknown may only leave through re-synchronization
// to a known state.
func Allowed(from, to State) bool {
	if from == to {
		return false
	}
	if to == Unknown {
		return true
	}
	if !to.IsKnown() {
		return false
	}
	if from == Unknown {
		return true
	}
	next, ok := successor[from]
	return ok && next == to
}

