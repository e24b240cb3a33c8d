// Package crypto provides the cryptographic primitives used by meshtalk
// sessions: SHA-256, HKDF-SHA256, P-256 ECDH and AES-256-GCM.
//
// Higher layers (pkg/identity, pkg/cipher) wrap these with session
// semantics; nothing in this package keeps state.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA-256 constants.
const (
	// SHA256LenBytes is the SHA-256 output length in bytes.
	SHA256LenBytes = 32

	// FingerprintBytes is the number of digest bytes kept in a fingerprint.
	FingerprintBytes = 8
)

// Fingerprint returns a short hex fingerprint of a public key.
//
// It hashes with SHA-256 and keeps the first FingerprintBytes bytes
// (16 hex chars). Fingerprints are for display and discovery only.
func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:FingerprintBytes])
}
