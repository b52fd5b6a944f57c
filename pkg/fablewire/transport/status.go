package transport

// Status is the connection lifecycle state. It is owned exclusively by Conn;
// other components observe it through listeners or the session store mirror
// but never mutate it. Reconnecting is the single source of truth for "a
// reconnection sequence is in flight" - there is no separate boolean flag.
type Status int

const (
	// StatusDisconnected means no channel is open and none is being opened.
	StatusDisconnected Status = iota

	// StatusConnecting means the initial two-phase handshake is in progress.
	StatusConnecting

	// StatusConnected means the server confirmed the channel is usable.
	StatusConnected

	// StatusReconnecting means an automatic reconnection sequence is running.
	StatusReconnecting

	// StatusError is terminal for the session: the retry budget is exhausted
	// or the handshake failed. Only an explicit Connect leaves this state.
	StatusError
)

// String returns the status name as mirrored into the session store.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// live reports whether a socket is open or being opened in this state.
func (s Status) live() bool {
	return s == StatusConnecting || s == StatusConnected || s == StatusReconnecting
}
