package engine

// ConnectionState is the lifecycle phase of the voice session.
type ConnectionState int

const (
	// StateDisconnected is the idle state: no session, no devices held.
	StateDisconnected ConnectionState = iota

	// StateConnecting covers device acquisition and the transport handshake.
	StateConnecting

	// StateConnected means audio is flowing in both directions.
	StateConnected

	// StateError is a terminal-per-session failure state. A new Connect
	// starts over from scratch.
	StateError
)

// String implements fmt.Stringer, mainly for logs and state-change events.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
