package crypto

import (
	"fmt"
	"io"
)

// MaxRandomNonces is the number of encryptions allowed under one key when
// nonces are drawn at random (NIST SP 800-38D, section 8.3).
const MaxRandomNonces uint64 = 1 << 32

// RandomNonceFrom returns a fresh NonceSize nonce read from r.
func RandomNonceFrom(r io.Reader) ([]byte, error) {
	return RandomBytesFrom(r, NonceSize)
}

// RandomBytesFrom returns n bytes read from r.
func RandomBytesFrom(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return b, nil
}
