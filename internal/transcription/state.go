package transcription

// ConnectionState tracks the lifecycle of the transcription socket.
// Transitions are monotonic except Closed/Errored, which reset to
// Disconnected when a fresh connection attempt begins.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateErrored
)

// String returns the human-readable name of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}
