package link

// State is the radio-level connectivity of a peer link.
type State int

const (
	// StateUnknown is the zero value and never reported.
	StateUnknown State = iota

	// StateDiscovered means the peer was seen by scanning but no link exists.
	StateDiscovered

	// StateConnecting means a link is being established.
	StateConnecting

	// StateConnected means the link is up and can carry bytes.
	StateConnected

	// StateDisconnected means the link is down.
	StateDisconnected
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "Discovered"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the state is a defined value.
func (s State) IsValid() bool {
	return s >= StateDiscovered && s <= StateDisconnected
}

// EventKind identifies the payload of an Event.
type EventKind int

const (
	// EventLinkState reports a link-state change (Event.State, Event.Err).
	EventLinkState EventKind = iota + 1

	// EventData delivers bytes received from the peer (Event.Data).
	EventData
)

// String returns a human-readable name for the event kind.
func (k EventKind) String() string {
	switch k {
	case EventLinkState:
		return "LinkState"
	case EventData:
		return "Data"
	default:
		return "Unknown"
	}
}
