package link

import "errors"

// Link errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed transport.
	ErrClosed = errors.New("link: closed")

	// ErrLinkUnavailable is returned when a link to the peer cannot be
	// established (peer unreachable, not advertising, dial refused).
	ErrLinkUnavailable = errors.New("link: unavailable")

	// ErrLinkFailure is returned or reported when an established link breaks.
	ErrLinkFailure = errors.New("link: failure")

	// ErrNotConnected is returned when sending to a peer without a link.
	ErrNotConnected = errors.New("link: not connected")

	// ErrAlreadyConnected is returned by Connect when a link already exists.
	ErrAlreadyConnected = errors.New("link: already connected")

	// ErrInvalidPeer is returned for an empty or otherwise unusable peer ID.
	ErrInvalidPeer = errors.New("link: invalid peer ID")

	// ErrMessageTooLarge is returned when a message exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("link: message too large")

	// ErrNotSupported is returned when the transport lacks a capability
	// (e.g. advertising without a configured advertiser).
	ErrNotSupported = errors.New("link: operation not supported")
)
