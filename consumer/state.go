package consumer

// State is the lifecycle state of a consumer
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateChannelOpening
	StateChannelOpen
	StateConsuming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateChannelOpening:
		return "channel_opening"
	case StateChannelOpen:
		return "channel_open"
	case StateConsuming:
		return "consuming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen
func (s State) Terminal() bool {
	return s == StateClosed
}
