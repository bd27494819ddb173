package live

// State is the lifecycle state of the live session.
type State int

const (
	// StateIdle means no session has been opened yet, or the previous one
	// was discarded by Reset.
	StateIdle State = iota

	// StateConnecting means the dial is in flight or the engine has not yet
	// acknowledged the setup.
	StateConnecting

	// StateOpen means the engine acknowledged the session.
	StateOpen

	// StateClosed means either side closed the session.
	StateClosed

	// StateError means the transport failed. Only Reset recovers.
	StateError
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Live reports whether the session may carry media.
func (s State) Live() bool {
	return s == StateConnecting || s == StateOpen
}
