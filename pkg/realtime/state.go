package realtime

// State describes the lifecycle phase of a realtime connection. Both the
// transport and the Manager report one of these values.
type State int32

const (
	// Disconnected means no transport is active.
	Disconnected State = iota
	// Connecting means an initial dial is in progress.
	Connecting
	// Connected means the transport is established and receiving events.
	Connected
	// Reconnecting means the transport lost its link and is redialing.
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
