package session

import (
	"time"

	"github.com/backkem/meshtalk/pkg/cipher"
	"github.com/backkem/meshtalk/pkg/crypto"
	"github.com/backkem/meshtalk/pkg/link"
	"github.com/backkem/meshtalk/pkg/message"
)

// Metadata is what discovery reported about a peer.
type Metadata struct {
	Name        string
	RSSI        int
	Fingerprint string
}

// Snapshot is a point-in-time copy of a peer record.
type Snapshot struct {
	PeerID    link.PeerID
	LinkState link.State
	State     State

	// Err is the reason for StateFailed.
	Err error

	Metadata Metadata

	// RemotePublicKey is set once the peer's key was received.
	RemotePublicKey []byte

	// HasSessionKey is true if and only if State is StateReady.
	HasSessionKey bool

	// Epoch increments every time session material is reset.
	Epoch uint64

	// MessagesSent counts encryptions under the current session key.
	MessagesSent uint64

	UpdatedAt time.Time
}

// RemoteFingerprint returns the fingerprint of the peer's public key, or ""
// before it was received.
func (s Snapshot) RemoteFingerprint() string {
	if len(s.RemotePublicKey) == 0 {
		return ""
	}
	return crypto.Fingerprint(s.RemotePublicKey)
}

// peerRecord is the registry's state for one peer. All fields are guarded
// by Registry.mu.
type peerRecord struct {
	id        link.PeerID
	linkState link.State
	state     State
	err       error
	metadata  Metadata
	remoteKey []byte

	// localNonce is the nonce sent with our HandshakeKey for this epoch.
	localNonce []byte

	// pending holds the derived key until the peer confirms it; engine holds
	// the installed session key and is non-nil exactly when state is Ready.
	pending *cipher.Engine
	engine  *cipher.Engine

	// earlyConfirm is a Confirm that arrived before the local derivation
	// finished.
	earlyConfirm *message.Envelope

	// deriving is set while key agreement runs outside the lock.
	deriving bool

	epoch   uint64
	timer   *time.Timer
	updated time.Time
}

// wipe zeroizes all session material and invalidates in-flight work.
func (rec *peerRecord) wipe() {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	if rec.pending != nil {
		rec.pending.Zeroize()
		rec.pending = nil
	}
	if rec.engine != nil {
		rec.engine.Zeroize()
		rec.engine = nil
	}
	if rec.remoteKey != nil {
		crypto.Zeroize(rec.remoteKey)
		rec.remoteKey = nil
	}
	if rec.localNonce != nil {
		crypto.Zeroize(rec.localNonce)
		rec.localNonce = nil
	}
	rec.earlyConfirm = nil
	rec.deriving = false
	rec.epoch++
}

// evictable reports whether the record carries nothing worth keeping.
func (rec *peerRecord) evictable() bool {
	return rec.state == StateNoSession &&
		(rec.linkState == link.StateDiscovered || rec.linkState == link.StateDisconnected)
}

func (rec *peerRecord) snapshot() Snapshot {
	s := Snapshot{
		PeerID:        rec.id,
		LinkState:     rec.linkState,
		State:         rec.state,
		Err:           rec.err,
		Metadata:      rec.metadata,
		HasSessionKey: rec.engine != nil,
		Epoch:         rec.epoch,
		UpdatedAt:     rec.updated,
	}
	if rec.remoteKey != nil {
		s.RemotePublicKey = make([]byte, len(rec.remoteKey))
		copy(s.RemotePublicKey, rec.remoteKey)
	}
	if rec.engine != nil {
		s.MessagesSent = rec.engine.Sealed()
	}
	return s
}
