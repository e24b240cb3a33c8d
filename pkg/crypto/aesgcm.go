// AES-GCM authenticated encryption.
//
// Sessions use AES-256-GCM with a 96-bit nonce and a 128-bit tag, no
// associated data.

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

// AES-GCM constants.
const (
	// SymmetricKeySize is the AES-256 key size in bytes.
	SymmetricKeySize = 32

	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12

	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

// Errors
var (
	ErrAESGCMInvalidKeySize = errors.New("aesgcm: invalid key size, must be 32 bytes")
)

// NewAESGCM returns an AES-256-GCM AEAD for key.
func NewAESGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != SymmetricKeySize {
		return nil, ErrAESGCMInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
