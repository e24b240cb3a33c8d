// Package session implements the peer session layer: the registry of known
// peers and the per-peer negotiation that turns a raw link into an
// authenticated, encrypted channel.
//
// Every peer moves through
//
//	NoSession → AwaitingPeerKey → KeyExchanged → Ready
//
// with Failed reachable from any non-terminal state. A link dropping resets
// the peer to NoSession and wipes its key material; results of work that was
// in flight for the old session are discarded.
package session

// State is the cryptographic session state of a peer.
type State int

const (
	// StateNoSession means no handshake has started on the current link.
	StateNoSession State = iota

	// StateAwaitingPeerKey means the local public key was sent and the
	// peer's key has not been processed yet.
	StateAwaitingPeerKey

	// StateKeyExchanged means the session key was derived but the peer has
	// not yet confirmed it.
	StateKeyExchanged

	// StateReady means the session key is installed and traffic may flow.
	StateReady

	// StateFailed means negotiation failed. Terminal until the link
	// reconnects or a new session is started explicitly.
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateNoSession:
		return "NoSession"
	case StateAwaitingPeerKey:
		return "AwaitingPeerKey"
	case StateKeyExchanged:
		return "KeyExchanged"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the state is a defined value.
func (s State) IsValid() bool {
	return s >= StateNoSession && s <= StateFailed
}

// IsHandshaking returns true while a handshake is in flight.
func (s State) IsHandshaking() bool {
	return s == StateAwaitingPeerKey || s == StateKeyExchanged
}

// CanTransition reports whether from → to is a legal state change.
// Resets to NoSession are always legal.
func CanTransition(from, to State) bool {
	if to == StateNoSession {
		return true
	}
	switch from {
	case StateNoSession:
		return to == StateAwaitingPeerKey || to == StateFailed
	case StateAwaitingPeerKey:
		return to == StateKeyExchanged || to == StateFailed
	case StateKeyExchanged:
		return to == StateReady || to == StateFailed
	case StateReady:
		return to == StateFailed
	case StateFailed:
		return to == StateAwaitingPeerKey
	}
	return false
}
