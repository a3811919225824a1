package realtime

// State is the lifecycle state of one [Transport] connection.
type State int32

const (
	// StateIdle is the state before the first Connect.
	StateIdle State = iota
	// StateConnecting covers the WebSocket handshake.
	StateConnecting
	// StateOpen means the socket is up and the session init was sent.
	StateOpen
	// StateSessionReady means the backend confirmed the session. Audio frames
	// are only sent in this state.
	StateSessionReady
	// StateClosing is entered by an intentional Disconnect.
	StateClosing
	// StateClosed follows every connection end.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateSessionReady:
		return "session-ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// active reports whether a connection exists or is being established.
func (s State) active() bool {
	return s == StateConnecting || s == StateOpen || s == StateSessionReady
}
