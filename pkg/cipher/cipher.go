// Package cipher implements the session Cipher Engine: AES-256-GCM
// authenticated encryption of opaque payloads under a per-peer session key.
//
// Every encryption draws a fresh 96-bit nonce from a cryptographically random
// source and no associated data is used. The Engine type additionally enforces
// a usage budget per key so random nonces stay within the GCM collision bound
// for the lifetime of a session.
//
// Nothing in this package logs or retains plaintext, keys, or nonces.
package cipher

import (
	stdcipher "crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
	"sync"

	"github.com/backkem/meshtalk/pkg/crypto"
)

// Size constants re-exported for callers that frame ciphertexts.
const (
	KeySize   = crypto.SymmetricKeySize
	NonceSize = crypto.NonceSize
	TagSize   = crypto.TagSize
)

// Encrypt seals plaintext under key with a fresh random nonce.
// It returns the nonce and ciphertext||tag; both must be transmitted.
func Encrypt(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	return seal(aead, rand.Reader, plaintext)
}

// Decrypt verifies and opens ciphertext||tag under key and nonce.
func Decrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return open(aead, nonce, ciphertext)
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Rand is the nonce source. Default: crypto/rand.
	Rand io.Reader

	// MaxMessages bounds the number of encryptions under the key.
	// Default: crypto.MaxRandomNonces.
	MaxMessages uint64
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	if c.MaxMessages == 0 {
		c.MaxMessages = crypto.MaxRandomNonces
	}
	return c
}

// Engine encrypts and decrypts under a single session key.
// It is safe for concurrent use.
type Engine struct {
	config EngineConfig

	mu     sync.Mutex
	key    []byte
	aead   stdcipher.AEAD
	sealed uint64
}

// NewEngine creates an engine for key with default settings.
// The key is copied; the caller may wipe its own slice afterwards.
func NewEngine(key []byte) (*Engine, error) {
	return NewEngineWithConfig(key, EngineConfig{})
}

// NewEngineWithConfig creates an engine for key.
func NewEngineWithConfig(key []byte, config EngineConfig) (*Engine, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Engine{
		config: config.withDefaults(),
		key:    k,
		aead:   aead,
	}, nil
}

// Encrypt seals plaintext with a fresh nonce.
func (e *Engine) Encrypt(plaintext []byte) (nonce, ciphertext []byte, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.aead == nil {
		return nil, nil, ErrEngineClosed
	}
	if e.sealed >= e.config.MaxMessages {
		return nil, nil, ErrKeyExhausted
	}
	nonce, ciphertext, err = seal(e.aead, e.config.Rand, plaintext)
	if err != nil {
		return nil, nil, err
	}
	e.sealed++
	return nonce, ciphertext, nil
}

// Decrypt verifies and opens ciphertext||tag.
func (e *Engine) Decrypt(nonce, ciphertext []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.aead == nil {
		return nil, ErrEngineClosed
	}
	return open(e.aead, nonce, ciphertext)
}

// Sealed returns the number of successful encryptions under the key.
func (e *Engine) Sealed() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sealed
}

// Zeroize wipes the key and disarms the engine.
func (e *Engine) Zeroize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	crypto.Zeroize(e.key)
	e.key = nil
	e.aead = nil
}

func newAEAD(key []byte) (stdcipher.AEAD, error) {
	aead, err := crypto.NewAESGCM(key)
	if errors.Is(err, crypto.ErrAESGCMInvalidKeySize) {
		return nil, ErrInvalidKey
	}
	return aead, err
}

func seal(aead stdcipher.AEAD, r io.Reader, plaintext []byte) ([]byte, []byte, error) {
	nonce, err := crypto.RandomNonceFrom(r)
	if err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

func open(aead stdcipher.AEAD, nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonce
	}
	if len(ciphertext) < TagSize {
		return nil, ErrMalformedCiphertext
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}
