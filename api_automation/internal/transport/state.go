package transport

// State is the lifecycle of one workspace's push connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateClosed       State = "closed"
)
