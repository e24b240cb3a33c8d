package message

import "errors"

// Message layer errors.
var (
	// Envelope decoding errors
	ErrMessageTooShort     = errors.New("message: data too short")
	ErrUnsupportedVersion  = errors.New("message: unsupported envelope version")
	ErrUnknownType         = errors.New("message: unknown envelope type")
	ErrInvalidPublicKey    = errors.New("message: handshake key has invalid length")
	ErrInvalidNonce        = errors.New("message: invalid nonce length")
	ErrUnexpectedPayload   = errors.New("message: confirm envelope carries a payload")
	ErrMessageTooLong      = errors.New("message: exceeds maximum size")
	ErrStreamReadFailed    = errors.New("message: failed to read from stream")
	ErrInvalidLengthPrefix = errors.New("message: invalid length prefix")
)

// Envelope format constants.
const (
	// Version is the only supported envelope format version.
	Version uint8 = 1

	// HeaderSize is the size of the version/type byte.
	HeaderSize = 1

	// NonceSize is the AEAD nonce carried by Data and Confirm envelopes.
	NonceSize = 12

	// HandshakeNonceSize is the per-handshake random value carried by
	// HandshakeKey envelopes.
	HandshakeNonceSize = 16

	// TagSize is the AEAD authentication tag at the end of a ciphertext.
	TagSize = 16

	// PublicKeySize is the encoded public key carried by HandshakeKey envelopes.
	PublicKeySize = 65

	// MaxMessageSize bounds a complete encoded envelope.
	MaxMessageSize = 64 * 1024

	// MaxPlaintextSize is the largest application payload that fits a Data
	// envelope.
	MaxPlaintextSize = MaxMessageSize - HeaderSize - NonceSize - TagSize

	// LengthPrefixSize is the size of the stream length prefix.
	LengthPrefixSize = 4
)

// version/type byte layout.
const (
	versionShift       = 4
	typeMask     uint8 = 0x0F
)
