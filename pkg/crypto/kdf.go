package crypto

import (
	"bytes"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFSHA256 derives key material using HKDF-SHA256 (RFC 5869).
//
// Parameters:
//   - inputKey: Input keying material (IKM)
//   - salt: Optional salt value (can be nil or empty)
//   - info: Optional context/application-specific info (can be nil or empty)
//   - length: Number of bytes to derive
func HKDFSHA256(inputKey, salt, info []byte, length int) ([]byte, error) {
	reader := hkdf.New(sha256.New, inputKey, salt, info)
	result := make([]byte, length)
	if _, err := io.ReadFull(reader, result); err != nil {
		return nil, err
	}
	return result, nil
}

// SessionKeyInfo is the HKDF info string bound into every session key.
var SessionKeyInfo = []byte("meshtalk session v1")

// HandshakePart is one side's contribution to a session: its public key and
// the random nonce it sent with it.
type HandshakePart struct {
	PublicKey []byte
	Nonce     []byte
}

// SessionSalt returns the HKDF salt for a session between two parties.
//
// The parts are ordered bytewise by public key before hashing so both ends
// compute the same salt regardless of which side they are on. The nonces make
// every handshake between the same two key pairs yield a different salt.
func SessionSalt(a, b HandshakePart) []byte {
	if bytes.Compare(a.PublicKey, b.PublicKey) > 0 ||
		(bytes.Equal(a.PublicKey, b.PublicKey) && bytes.Compare(a.Nonce, b.Nonce) > 0) {
		a, b = b, a
	}
	h := sha256.New()
	h.Write(a.PublicKey)
	h.Write(a.Nonce)
	h.Write(b.PublicKey)
	h.Write(b.Nonce)
	return h.Sum(nil)
}

// DeriveSessionKey turns a raw ECDH shared secret into a SymmetricKeySize
// AES-256 key bound to both handshake parts.
func DeriveSessionKey(sharedSecret []byte, local, remote HandshakePart) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, ErrEmptySecret
	}
	salt := SessionSalt(local, remote)
	return HKDFSHA256(sharedSecret, salt, SessionKeyInfo, SymmetricKeySize)
}
