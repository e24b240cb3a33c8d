package cipher

import "errors"

// Cipher errors.
var (
	// ErrAuthenticationFailed is returned when the AEAD tag does not verify.
	// The message must be treated as tampered or corrupt; no plaintext is
	// returned.
	ErrAuthenticationFailed = errors.New("cipher: authentication failed")

	// ErrMalformedCiphertext is returned when the ciphertext is too short to
	// contain an authentication tag.
	ErrMalformedCiphertext = errors.New("cipher: malformed ciphertext")

	// ErrInvalidKey is returned when a session key has the wrong length.
	ErrInvalidKey = errors.New("cipher: invalid key length")

	// ErrInvalidNonce is returned when a nonce has the wrong length.
	ErrInvalidNonce = errors.New("cipher: invalid nonce length")

	// ErrKeyExhausted is returned when the per-key encryption budget has been
	// used up. The session must be re-established.
	ErrKeyExhausted = errors.New("cipher: key usage limit reached")

	// ErrEngineClosed is returned after Zeroize.
	ErrEngineClosed = errors.New("cipher: engine closed")
)
