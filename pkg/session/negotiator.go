package session

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/backkem/meshtalk/pkg/cipher"
	"github.com/backkem/meshtalk/pkg/crypto"
	"github.com/backkem/meshtalk/pkg/message"
)

// Identity is the key agreement capability the negotiator needs.
// *identity.Identity implements it.
type Identity interface {
	PublicKeyBytes() []byte
	DeriveSharedSecret(remotePublicKey []byte) ([]byte, error)
}

// Negotiator performs the cryptographic steps of the session handshake.
// It holds no per-peer state and is safe for concurrent use; the Registry
// owns the state machine and calls into the Negotiator outside its lock.
//
// Both sides send their static public key with a fresh random nonce. The
// session key is HKDF over the ECDH secret, salted with both keys and both
// nonces, so every handshake between the same two devices yields a new key.
type Negotiator struct {
	identity     Identity
	localKey     []byte
	rand         io.Reader
	engineConfig cipher.EngineConfig
}

// NewNegotiator creates a negotiator for the local identity.
func NewNegotiator(id Identity, params Params) (*Negotiator, error) {
	return newNegotiator(id, params, rand.Reader)
}

func newNegotiator(id Identity, params Params, r io.Reader) (*Negotiator, error) {
	if id == nil {
		return nil, fmt.Errorf("%w: nil identity", ErrInvalidConfig)
	}
	localKey := id.PublicKeyBytes()
	if len(localKey) != message.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrInvalidConfig, len(localKey))
	}
	return &Negotiator{
		identity:     id,
		localKey:     localKey,
		rand:         r,
		engineConfig: cipher.EngineConfig{MaxMessages: params.MaxMessages},
	}, nil
}

// Offer starts a handshake. It returns the encoded HandshakeKey message and
// the nonce it carries, which the caller keeps for Derive.
func (n *Negotiator) Offer() (offer, nonce []byte, err error) {
	nonce, err = crypto.RandomBytesFrom(n.rand, message.HandshakeNonceSize)
	if err != nil {
		return nil, nil, fmt.Errorf("session: handshake nonce: %w", err)
	}
	offer, err = message.NewHandshakeKey(n.localKey, nonce).Encode()
	if err != nil {
		return nil, nil, fmt.Errorf("session: encode local key: %w", err)
	}
	return offer, nonce, nil
}

// Derive runs key agreement against the peer's HandshakeKey and returns a
// cipher engine holding the derived session key. Intermediate secrets are
// wiped before returning.
func (n *Negotiator) Derive(localNonce []byte, remote *message.Envelope) (*cipher.Engine, error) {
	secret, err := n.identity.DeriveSharedSecret(remote.Payload)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(secret)

	key, err := crypto.DeriveSessionKey(secret,
		crypto.HandshakePart{PublicKey: n.localKey, Nonce: localNonce},
		crypto.HandshakePart{PublicKey: remote.Payload, Nonce: remote.Nonce},
	)
	if err != nil {
		return nil, fmt.Errorf("session: key derivation: %w", err)
	}
	defer crypto.Zeroize(key)

	return cipher.NewEngineWithConfig(key, n.engineConfig)
}

// Confirm returns an encoded Confirm message sealed under engine.
func (n *Negotiator) Confirm(engine *cipher.Engine) ([]byte, error) {
	nonce, tag, err := engine.Encrypt(nil)
	if err != nil {
		return nil, err
	}
	return message.NewConfirm(nonce, tag).Encode()
}

// Verify checks that a peer's Confirm authenticates under engine.
func (n *Negotiator) Verify(engine *cipher.Engine, env *message.Envelope) error {
	if _, err := engine.Decrypt(env.Nonce, env.Payload); err != nil {
		return fmt.Errorf("%w: %v", ErrConfirmationFailed, err)
	}
	return nil
}
