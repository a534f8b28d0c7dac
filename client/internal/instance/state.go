package instance

import "fmt"

// State is the value of the shared cell
type State byte

const (
	// StateIdle is written by the primary when it claims the cell
	StateIdle State = '0'
	// StateKillRequest asks the instance owning the cell to step back
	StateKillRequest State = '-'
	// StateAckHidden acknowledges the cell while the local surface is hidden
	StateAckHidden State = 'H'
	// StateAckShown acknowledges the cell while the local surface is visible
	StateAckShown State = 'S'
)

// stateFromByte maps a raw cell byte to a State. A zeroed cell reads as idle.
func stateFromByte(b byte) State {
	if b == 0 {
		return StateIdle
	}
	return State(b)
}

func ackFor(visible bool) State {
	if visible {
		return StateAckShown
	}
	return StateAckHidden
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateKillRequest:
		return "kill-request"
	case StateAckHidden:
		return "ack-hidden"
	case StateAckShown:
		return "ack-shown"
	default:
		return fmt.Sprintf("unknown(%#x)", byte(s))
	}
}

// Role is the outcome of claiming the shared cell
type Role int

const (
	RolePrimary Role = iota + 1
	RoleSecondary
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	default:
		return "unknown"
	}
}
