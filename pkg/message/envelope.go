// Package message implements the on-wire envelope exchanged over peer links.
//
// An envelope is one of:
//
//	HandshakeKey: hdr || handshake nonce (16) || public key (65)
//	Data:         hdr || nonce (12) || ciphertext||tag (>= 16)
//	Confirm:      hdr || nonce (12) || tag (16)
//
// where hdr is a single byte carrying the format version in the high nibble
// and the envelope type in the low nibble. The framer is purely structural:
// it checks lengths but never interprets keys or ciphertext.
//
// Stream links (TCP) additionally wrap each envelope in a 4-byte
// little-endian length prefix, see StreamWriter and StreamReader.
package message

import "fmt"

// Type identifies the kind of envelope.
type Type uint8

const (
	// TypeUnknown is the zero value and never valid on the wire.
	TypeUnknown Type = iota

	// TypeHandshakeKey carries the sender's raw public key.
	TypeHandshakeKey

	// TypeData carries an encrypted application payload.
	TypeData

	// TypeConfirm carries an encrypted empty payload proving that the
	// sender derived the session key.
	TypeConfirm
)

// String returns a human-readable name for the type.
func (t Type) String() string {
	switch t {
	case TypeHandshakeKey:
		return "HandshakeKey"
	case TypeData:
		return "Data"
	case TypeConfirm:
		return "Confirm"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// IsValid returns true if the type is a defined value.
func (t Type) IsValid() bool {
	return t == TypeHandshakeKey || t == TypeData || t == TypeConfirm
}

// IsHandshake returns true for envelope types handled by the session
// negotiator.
func (t Type) IsHandshake() bool {
	return t == TypeHandshakeKey || t == TypeConfirm
}

// Envelope is a decoded wire message.
type Envelope struct {
	Type    Type
	Nonce   []byte // handshake nonce, or AEAD nonce
	Payload []byte // public key, or ciphertext||tag
}

// NewHandshakeKey builds a HandshakeKey envelope. The nonce is fresh for
// every handshake and is bound into the derived session key.
func NewHandshakeKey(publicKey, nonce []byte) *Envelope {
	return &Envelope{Type: TypeHandshakeKey, Nonce: nonce, Payload: publicKey}
}

// NewData builds a Data envelope.
func NewData(nonce, ciphertext []byte) *Envelope {
	return &Envelope{Type: TypeData, Nonce: nonce, Payload: ciphertext}
}

// NewConfirm builds a Confirm envelope from the tag of an empty-payload seal.
func NewConfirm(nonce, tag []byte) *Envelope {
	return &Envelope{Type: TypeConfirm, Nonce: nonce, Payload: tag}
}

// Size returns the encoded size of the envelope.
func (e *Envelope) Size() int {
	return HeaderSize + len(e.Nonce) + len(e.Payload)
}

// Validate checks the structural constraints for the envelope's type.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeHandshakeKey:
		if len(e.Nonce) != HandshakeNonceSize {
			return ErrInvalidNonce
		}
		if len(e.Payload) != PublicKeySize {
			return ErrInvalidPublicKey
		}
	case TypeData:
		if len(e.Nonce) != NonceSize {
			return ErrInvalidNonce
		}
		if len(e.Payload) < TagSize {
			return ErrMessageTooShort
		}
	case TypeConfirm:
		if len(e.Nonce) != NonceSize {
			return ErrInvalidNonce
		}
		if len(e.Payload) < TagSize {
			return ErrMessageTooShort
		}
		if len(e.Payload) > TagSize {
			return ErrUnexpectedPayload
		}
	default:
		return ErrUnknownType
	}
	if e.Size() > MaxMessageSize {
		return ErrMessageTooLong
	}
	return nil
}

// Encode serializes the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, e.Size())
	buf[0] = Version<<versionShift | uint8(e.Type)&typeMask
	offset := HeaderSize
	offset += copy(buf[offset:], e.Nonce)
	copy(buf[offset:], e.Payload)
	return buf, nil
}

// Decode parses an envelope from wire data.
// The returned envelope does not alias data.
func Decode(data []byte) (*Envelope, error) {
	if len(data) < HeaderSize {
		return nil, ErrMessageTooShort
	}
	if len(data) > MaxMessageSize {
		return nil, ErrMessageTooLong
	}
	if v := data[0] >> versionShift; v != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}

	e := &Envelope{Type: Type(data[0] & typeMask)}
	body := data[HeaderSize:]

	switch e.Type {
	case TypeHandshakeKey:
		if len(body) < HandshakeNonceSize {
			return nil, ErrMessageTooShort
		}
		e.Nonce = clone(body[:HandshakeNonceSize])
		e.Payload = clone(body[HandshakeNonceSize:])
	case TypeData, TypeConfirm:
		if len(body) < NonceSize+TagSize {
			return nil, ErrMessageTooShort
		}
		e.Nonce = clone(body[:NonceSize])
		e.Payload = clone(body[NonceSize:])
	default:
		return nil, ErrUnknownType
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// PeekType returns the envelope type without decoding the body.
func PeekType(data []byte) (Type, error) {
	if len(data) < HeaderSize {
		return TypeUnknown, ErrMessageTooShort
	}
	if data[0]>>versionShift != Version {
		return TypeUnknown, ErrUnsupportedVersion
	}
	t := Type(data[0] & typeMask)
	if !t.IsValid() {
		return TypeUnknown, ErrUnknownType
	}
	return t, nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
