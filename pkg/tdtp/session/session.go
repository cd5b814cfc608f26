// Package session names the states a single TDTP connection moves
// through, for logging and diagnostics. The wire protocol itself never
// serializes this value; it exists so server-side handlers can log
// state transitions the way a caller debugging a stuck connection would
// want to see them.
package session

import "fmt"

// State is a TDTP connection's position in its lifecycle.
type State uint8

const (
	// StateAwaitingConnType is the state immediately after accept,
	// before the first byte (CONN_DATA or CONN_STAT) has been read.
	StateAwaitingConnType State = iota
	// StateData is the non-blocking duplex data loop.
	StateData
	// StateStatus is the one-shot status request/response exchange.
	StateStatus
	// StateClosing is writing the terminal error/EXIT frames.
	StateClosing
	// StateClosed is the terminal state; the socket is shut down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingConnType:
		return "awaiting_conn_type"
	case StateData:
		return "data"
	case StateStatus:
		return "status"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}
