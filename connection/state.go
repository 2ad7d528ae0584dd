// Package connection drives the client connection lifecycle: dialing
// the relay, running the transport handshake, pairing or
// authenticating, and keeping the secure channel alive with automatic
// reconnection.
package connection

// State is the connection state machine position.
type State int

const (
	// StateDisconnected is the idle state, entered initially and after
	// explicit disconnect, logout, or a fatal auth failure.
	StateDisconnected State = iota
	// StateConnecting covers transport dialing.
	StateConnecting
	// StateHandshaking covers the Noise XX round trips.
	StateHandshaking
	// StatePairing is entered by unpaired devices after the handshake.
	StatePairing
	// StateAuthenticating covers the login exchange for paired devices.
	StateAuthenticating
	// StateConnected is the steady state: secure channel live, reader
	// and writer loops running.
	StateConnected
	// StateReconnecting is the backoff wait between automatic retry
	// attempts.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StatePairing:
		return "pairing"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
