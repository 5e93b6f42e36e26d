package session

// State is the connection state of one relay session.
//
//	CONNECTING -> READY -> STREAMING <-> READY -> CLOSING -> CLOSED
//
// READY doubles as the idle-connected state after end_stream. ERROR is
// entered when the upstream connect fails; only a new init leaves it. CLOSED
// with the client still attached means the upstream ended the conversation,
// and init may start a new one.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateStreaming
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateStreaming:
		return "STREAMING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// connected reports whether the upstream handle is live.
func (s State) connected() bool {
	return s == StateReady || s == StateStreaming
}

// canInit reports whether an init message is accepted in s.
func (s State) canInit() bool {
	switch s {
	case StateConnecting, StateReady, StateError, StateClosed:
		return true
	default:
		return false
	}
}
