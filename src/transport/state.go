package transport

// State is the lifecycle state of the transport's current connection.
type State int32

const (
	Idle State = iota
	Connecting
	AwaitingHandshake
	Subscribed
	Closing
	Closed
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case AwaitingHandshake:
		return "awaiting-handshake"
	case Subscribed:
		return "subscribed"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// canConnect reports whether Connect may start without tearing down an
// existing connection first.
func (s State) canConnect() bool {
	return s == Idle || s == Closed
}

// terminal reports whether the connection in this state no longer runs.
func (s State) terminal() bool {
	return s == Closing || s == Closed || s == Errored
}
