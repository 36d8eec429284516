package transport

import "fmt"

// State identifies the transport session's position in its lifecycle.
type State uint8

const (
	// StateDisconnected is the resting state before Connect and after Close.
	StateDisconnected State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateHandshakePending means the socket is up and the cryptographic
	// handshake is completing.
	StateHandshakePending
	// StateActive means messages flow; keepalive and history sync run.
	StateActive
	// StateReconnecting means the connection dropped and backoff attempts
	// are in progress.
	StateReconnecting
	// StateDegraded means reconnect attempts are exhausted; the session
	// falls back to pull-based history fetch.
	StateDegraded
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshakePending:
		return "handshake_pending"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}
