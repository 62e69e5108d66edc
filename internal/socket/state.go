package socket

// State is the connection lifecycle state. Exactly one value holds at
// any time; transitions are driven by transport events, environment
// signals, and explicit Connect/Disconnect calls.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateError
	StateReconnecting
	StateOffline
	StatePaused
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	case StateReconnecting:
		return "reconnecting"
	case StateOffline:
		return "offline"
	case StatePaused:
		return "paused"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state requires an explicit Connect to
// leave.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}
