package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// P-256 constants.
const (
	// P256GroupSizeBytes is the group (scalar) size in bytes.
	P256GroupSizeBytes = 32

	// P256PublicKeySizeBytes is the uncompressed public key size.
	// Format: 0x04 || X (32 bytes) || Y (32 bytes) = 65 bytes
	P256PublicKeySizeBytes = 65

	// P256SharedSecretSizeBytes is the ECDH output size (x-coordinate).
	P256SharedSecretSizeBytes = 32
)

// P256 errors.
var (
	ErrInvalidPublicKey = errors.New("crypto: invalid P-256 public key")
	ErrEmptySecret      = errors.New("crypto: empty shared secret")
)

// P256KeyPair represents a P-256 key pair used for ECDH.
type P256KeyPair struct {
	private *ecdh.PrivateKey
}

// P256GenerateKeyPair generates a new P-256 key pair from crypto/rand.
func P256GenerateKeyPair() (*P256KeyPair, error) {
	return P256GenerateKeyPairFrom(rand.Reader)
}

// P256GenerateKeyPairFrom generates a new P-256 key pair reading randomness
// from r.
func P256GenerateKeyPairFrom(r io.Reader) (*P256KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDH key: %w", err)
	}
	return &P256KeyPair{private: priv}, nil
}

// P256KeyPairFromPrivateKey creates a key pair from an existing private key scalar.
func P256KeyPairFromPrivateKey(privateKey []byte) (*P256KeyPair, error) {
	if len(privateKey) != P256GroupSizeBytes {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", P256GroupSizeBytes, len(privateKey))
	}
	priv, err := ecdh.P256().NewPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &P256KeyPair{private: priv}, nil
}

// P256PublicKey returns the public key in uncompressed format (65 bytes).
func (kp *P256KeyPair) P256PublicKey() []byte {
	return kp.private.PublicKey().Bytes()
}

// P256ParsePublicKey decodes an uncompressed public key and checks that it is
// a valid point on the curve.
func P256ParsePublicKey(publicKey []byte) (*ecdh.PublicKey, error) {
	if len(publicKey) != P256PublicKeySizeBytes {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, P256PublicKeySizeBytes, len(publicKey))
	}
	if publicKey[0] != 0x04 {
		return nil, fmt.Errorf("%w: must be in uncompressed format (starting with 0x04)", ErrInvalidPublicKey)
	}
	pub, err := ecdh.P256().NewPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

// P256ValidatePublicKey validates that a public key is valid and on the curve.
func P256ValidatePublicKey(publicKey []byte) error {
	_, err := P256ParsePublicKey(publicKey)
	return err
}

// P256ECDH computes the ECDH shared secret.
//
// Returns the 32-byte shared secret (x-coordinate of the shared point).
func P256ECDH(keyPair *P256KeyPair, peerPublicKey []byte) ([]byte, error) {
	peerPub, err := P256ParsePublicKey(peerPublicKey)
	if err != nil {
		return nil, err
	}
	secret, err := keyPair.private.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: ECDH computation failed: %v", ErrInvalidPublicKey, err)
	}
	return secret, nil
}
