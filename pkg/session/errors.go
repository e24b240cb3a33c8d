package session

import "errors"

// Session package errors.
var (
	// ErrNoSuchPeer is returned when the peer ID is unknown to the registry.
	ErrNoSuchPeer = errors.New("session: no such peer")

	// ErrSessionNotReady is returned when sending to a peer whose session is
	// not Ready. Nothing is transmitted.
	ErrSessionNotReady = errors.New("session: session not ready")

	// ErrNotConnected is returned when starting a session on a peer without a
	// connected link.
	ErrNotConnected = errors.New("session: link not connected")

	// ErrHandshakeTimeout is reported when a handshake does not complete
	// within Params.HandshakeTimeout.
	ErrHandshakeTimeout = errors.New("session: handshake timed out")

	// ErrConfirmationFailed is reported when the peer's key confirmation does
	// not authenticate under the derived key.
	ErrConfirmationFailed = errors.New("session: key confirmation failed")

	// ErrStaleSession is returned when the session was reset while an
	// operation was in flight. The result was discarded.
	ErrStaleSession = errors.New("session: session reset during operation")

	// ErrUnexpectedMessage is reported when a message type is not valid in
	// the peer's current state. The message is dropped.
	ErrUnexpectedMessage = errors.New("session: unexpected message for state")

	// ErrRegistryFull is returned when the registry tracks MaxPeers records.
	ErrRegistryFull = errors.New("session: registry full")

	// ErrClosed is returned after the registry was closed.
	ErrClosed = errors.New("session: registry closed")

	// ErrInvalidConfig is returned by NewRegistry for a missing identity or
	// transport.
	ErrInvalidConfig = errors.New("session: invalid config")
)
