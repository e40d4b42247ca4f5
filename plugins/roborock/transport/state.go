package transport

// ConnState is the lifecycle of a stream connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateHandshaking
	StateReady
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}
