package discovery

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/backkem/meshtalk/pkg/crypto"
)

// TXT record keys.
const (
	// TXTKeyVersion is the protocol version key.
	TXTKeyVersion = "v"

	// TXTKeyFingerprint is the identity fingerprint key.
	TXTKeyFingerprint = "fp"

	// TXTKeyName is the optional display name key.
	TXTKeyName = "n"
)

// ProtocolVersion is the advertised protocol version.
const ProtocolVersion = 1

// MaxNameLength is the maximum display name length carried in TXT records.
const MaxNameLength = 32

// PeerTXT is the TXT payload of a meshtalk advertisement.
type PeerTXT struct {
	// Version is the protocol version (ProtocolVersion).
	Version int

	// Fingerprint is the hex fingerprint of the identity public key.
	Fingerprint string

	// Name is an optional display name.
	Name string
}

// NewPeerTXT builds the TXT payload for an identity public key.
func NewPeerTXT(identityPublicKey []byte, name string) PeerTXT {
	txt := PeerTXT{Version: ProtocolVersion, Name: name}
	if len(identityPublicKey) > 0 {
		txt.Fingerprint = crypto.Fingerprint(identityPublicKey)
	}
	return txt
}

// Encode returns the TXT records as "key=value" strings.
func (t *PeerTXT) Encode() []string {
	records := []string{
		TXTKeyVersion + "=" + strconv.Itoa(t.Version),
	}
	if t.Fingerprint != "" {
		records = append(records, TXTKeyFingerprint+"="+t.Fingerprint)
	}
	if t.Name != "" {
		name := t.Name
		if len(name) > MaxNameLength {
			name = name[:MaxNameLength]
		}
		records = append(records, TXTKeyName+"="+name)
	}
	return records
}

// Validate checks the payload.
func (t *PeerTXT) Validate() error {
	if t.Version != ProtocolVersion {
		return ErrUnsupportedVersion
	}
	if t.Fingerprint != "" {
		if len(t.Fingerprint) != 2*crypto.FingerprintBytes {
			return ErrInvalidTXTRecord
		}
		if _, err := hex.DecodeString(t.Fingerprint); err != nil {
			return ErrInvalidTXTRecord
		}
	}
	if len(t.Name) > MaxNameLength {
		return ErrInvalidTXTRecord
	}
	return nil
}

// ParseTXT parses raw TXT record strings into a map.
func ParseTXT(records []string) map[string]string {
	result := make(map[string]string)
	for _, record := range records {
		if idx := strings.IndexByte(record, '='); idx > 0 {
			key := record[:idx]
			value := record[idx+1:]
			result[key] = value
		}
	}
	return result
}

// ParsePeerTXT parses and validates raw TXT records.
func ParsePeerTXT(records []string) (*PeerTXT, error) {
	m := ParseTXT(records)

	v, ok := m[TXTKeyVersion]
	if !ok {
		return nil, ErrInvalidTXTRecord
	}
	version, err := strconv.Atoi(v)
	if err != nil {
		return nil, ErrInvalidTXTRecord
	}

	txt := &PeerTXT{
		Version:     version,
		Fingerprint: strings.ToLower(m[TXTKeyFingerprint]),
		Name:        m[TXTKeyName],
	}
	if err := txt.Validate(); err != nil {
		return nil, err
	}
	return txt, nil
}
