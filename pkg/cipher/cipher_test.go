package cipher

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := testKey(t)

	for _, pt := range [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0xab}, 4096),
	} {
		nonce, ct, err := Encrypt(key, pt)
		require.NoError(t, err)
		assert.Len(t, nonce, NonceSize)
		assert.Len(t, ct, len(pt)+TagSize)

		got, err := Decrypt(key, nonce, ct)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(pt, got))
	}
}

func TestEncrypt_NonceNonDeterministic(t *testing.T) {
	key := testKey(t)
	pt := []byte("same plaintext")

	n1, c1, err := Encrypt(key, pt)
	require.NoError(t, err)
	n2, c2, err := Encrypt(key, pt)
	require.NoError(t, err)

	assert.NotEqual(t, n1, n2)
	assert.NotEqual(t, c1, c2)
}

func TestDecrypt_Tampering(t *testing.T) {
	key := testKey(t)
	nonce, ct, err := Encrypt(key, []byte("attack at dawn"))
	require.NoError(t, err)

	for i := range ct {
		bad := append([]byte(nil), ct...)
		bad[i] ^= 0x01
		pt, err := Decrypt(key, nonce, bad)
		assert.ErrorIs(t, err, ErrAuthenticationFailed, "ciphertext byte %d", i)
		assert.Nil(t, pt)
	}

	for i := range nonce {
		bad := append([]byte(nil), nonce...)
		bad[i] ^= 0x01
		pt, err := Decrypt(key, bad, ct)
		assert.ErrorIs(t, err, ErrAuthenticationFailed, "nonce byte %d", i)
		assert.Nil(t, pt)
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	nonce, ct, err := Encrypt(testKey(t), []byte("x"))
	require.NoError(t, err)
	_, err = Decrypt(testKey(t), nonce, ct)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestDecrypt_Malformed(t *testing.T) {
	key := testKey(t)
	nonce := make([]byte, NonceSize)

	_, err := Decrypt(key, nonce, make([]byte, TagSize-1))
	assert.ErrorIs(t, err, ErrMalformedCiphertext)

	_, err = Decrypt(key, nonce[:4], make([]byte, TagSize))
	assert.ErrorIs(t, err, ErrInvalidNonce)
}

func TestInvalidKey(t *testing.T) {
	_, _, err := Encrypt(make([]byte, 16), []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewEngine(nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestEngine(t *testing.T) {
	key := testKey(t)
	e, err := NewEngine(key)
	require.NoError(t, err)

	// Engine keeps its own copy of the key.
	for i := range key {
		key[i] = 0
	}

	nonce, ct, err := e.Encrypt([]byte("hi"))
	require.NoError(t, err)
	pt, err := e.Decrypt(nonce, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), pt)
	assert.Equal(t, uint64(1), e.Sealed())

	e.Zeroize()
	_, _, err = e.Encrypt([]byte("hi"))
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = e.Decrypt(nonce, ct)
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngine_KeyExhausted(t *testing.T) {
	e, err := NewEngineWithConfig(testKey(t), EngineConfig{MaxMessages: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _, err := e.Encrypt([]byte("x"))
		require.NoError(t, err)
	}
	_, _, err = e.Encrypt([]byte("x"))
	assert.ErrorIs(t, err, ErrKeyExhausted)
}

func TestEngine_InteroperatesWithPackageFuncs(t *testing.T) {
	key := testKey(t)
	e, err := NewEngine(key)
	require.NoError(t, err)

	nonce, ct, err := e.Encrypt([]byte("interop"))
	require.NoError(t, err)
	pt, err := Decrypt(key, nonce, ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("interop"), pt)
}
