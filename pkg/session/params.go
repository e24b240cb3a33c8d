package session

import (
	"fmt"
	"time"
)

const (
	// DefaultHandshakeTimeout bounds AwaitingPeerKey and KeyExchanged.
	DefaultHandshakeTimeout = 30 * time.Second

	// MinHandshakeTimeout is the smallest accepted handshake timeout.
	MinHandshakeTimeout = time.Millisecond

	// MaxHandshakeTimeout is the largest accepted handshake timeout.
	MaxHandshakeTimeout = 10 * time.Minute

	// DefaultMaxPeers is the default number of peer records a registry holds.
	DefaultMaxPeers = 64
)

// Params controls session negotiation.
type Params struct {
	// HandshakeTimeout bounds the time from sending the local key until the
	// session is Ready. Zero uses DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// Confirm requires the peer to prove it derived the same key (an
	// encrypted empty Confirm message) before the session becomes Ready.
	// Without it a session is Ready as soon as the key is derived.
	Confirm bool

	// MaxMessages bounds encryptions under one session key.
	// Zero uses the random-nonce bound of the cipher engine.
	MaxMessages uint64
}

// DefaultParams returns the default negotiation parameters: confirmation on,
// 30 second handshake timeout.
func DefaultParams() Params {
	return Params{
		HandshakeTimeout: DefaultHandshakeTimeout,
		Confirm:          true,
	}
}

// WithDefaults returns a copy with zero fields replaced by defaults.
// Confirm is left as given.
func (p Params) WithDefaults() Params {
	if p.HandshakeTimeout == 0 {
		p.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return p
}

// Validate checks that the parameters are within limits.
func (p Params) Validate() error {
	if p.HandshakeTimeout < MinHandshakeTimeout || p.HandshakeTimeout > MaxHandshakeTimeout {
		return fmt.Errorf("%w: handshake timeout %v out of range", ErrInvalidConfig, p.HandshakeTimeout)
	}
	return nil
}
