// Package identity holds the device's long-term P-256 key pair.
//
// An Identity is generated once at process start and is read-only afterwards,
// so a single instance may be shared by every peer session. The private key
// never leaves this package: callers get the encoded public key and the result
// of ECDH against a remote public key.
package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/backkem/meshtalk/pkg/crypto"
)

// PublicKeySize is the length of an encoded public key.
const PublicKeySize = crypto.P256PublicKeySizeBytes

// Identity errors.
var (
	// ErrKeyGenerationFailed is returned when the randomness source cannot
	// produce a key pair. The process cannot proceed without an identity.
	ErrKeyGenerationFailed = errors.New("identity: key generation failed")

	// ErrInvalidRemoteKey is returned when remote public key bytes do not
	// decode to a valid point on the curve.
	ErrInvalidRemoteKey = errors.New("identity: invalid remote public key")

	// ErrDestroyed is returned after Destroy has been called.
	ErrDestroyed = errors.New("identity: destroyed")
)

// Identity is a long-term asymmetric key pair.
type Identity struct {
	mu        sync.RWMutex
	keyPair   *crypto.P256KeyPair
	publicKey []byte
}

// Generate creates a fresh identity from crypto/rand.
func Generate() (*Identity, error) {
	return GenerateFrom(rand.Reader)
}

// GenerateFrom creates a fresh identity reading randomness from r.
func GenerateFrom(r io.Reader) (*Identity, error) {
	kp, err := crypto.P256GenerateKeyPairFrom(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	return &Identity{
		keyPair:   kp,
		publicKey: kp.P256PublicKey(),
	}, nil
}

// PublicKeyBytes returns a copy of the encoded public key
// (0x04 || X || Y, 65 bytes).
func (id *Identity) PublicKeyBytes() []byte {
	id.mu.RLock()
	defer id.mu.RUnlock()
	out := make([]byte, len(id.publicKey))
	copy(out, id.publicKey)
	return out
}

// Fingerprint returns a short hex fingerprint of the public key.
func (id *Identity) Fingerprint() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return crypto.Fingerprint(id.publicKey)
}

// DeriveSharedSecret runs ECDH between the local private key and the
// remote public key and returns the raw 32-byte shared secret.
//
// The caller owns the returned slice and should zeroize it once the session
// key has been derived.
func (id *Identity) DeriveSharedSecret(remotePublicKey []byte) ([]byte, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if id.keyPair == nil {
		return nil, ErrDestroyed
	}
	secret, err := crypto.P256ECDH(id.keyPair, remotePublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRemoteKey, err)
	}
	return secret, nil
}

// Destroy drops the private key. Subsequent DeriveSharedSecret calls fail
// with ErrDestroyed.
func (id *Identity) Destroy() {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.keyPair = nil
}
