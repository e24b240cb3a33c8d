package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/backkem/meshtalk/pkg/cipher"
	"github.com/backkem/meshtalk/pkg/crypto"
	"github.com/backkem/meshtalk/pkg/link"
	"github.com/backkem/meshtalk/pkg/message"
	"github.com/pion/logging"
)

// Sender transmits bytes to a peer over its link. link.Transport implements it.
type Sender interface {
	Send(peer link.PeerID, data []byte) error
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Identity is the local key pair. Required.
	Identity Identity

	// Transport carries handshake and data messages. Required.
	Transport Sender

	// Params controls negotiation. Start from DefaultParams().
	Params Params

	// Observer receives state changes, messages and per-peer errors (optional).
	Observer Observer

	// MaxPeers bounds the number of records.
	// Default: DefaultMaxPeers
	MaxPeers int

	// LoggerFactory for creating loggers (optional).
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration.
func (c *RegistryConfig) Validate() error {
	if c.Identity == nil {
		return fmt.Errorf("%w: identity is required", ErrInvalidConfig)
	}
	if c.Transport == nil {
		return fmt.Errorf("%w: transport is required", ErrInvalidConfig)
	}
	return c.Params.WithDefaults().Validate()
}

// Registry tracks every known peer and drives its session negotiation.
//
// All record mutations happen under a single lock. Key agreement,
// encryption, decryption and transport I/O run outside it; their results
// are committed only if the record's epoch is unchanged, so work started for
// a session that has since been reset is discarded.
type Registry struct {
	params     Params
	maxPeers   int
	negotiator *Negotiator
	transport  Sender
	notify     *notifier
	log        logging.LeveledLogger

	mu     sync.Mutex
	peers  map[link.PeerID]*peerRecord
	closed bool
}

// NewRegistry creates a registry.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	params := config.Params.WithDefaults()

	negotiator, err := NewNegotiator(config.Identity, params)
	if err != nil {
		return nil, err
	}

	maxPeers := config.MaxPeers
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}

	r := &Registry{
		params:     params,
		maxPeers:   maxPeers,
		negotiator: negotiator,
		transport:  config.Transport,
		notify:     newNotifier(config.Observer),
		peers:      make(map[link.PeerID]*peerRecord),
	}
	if config.LoggerFactory != nil {
		r.log = config.LoggerFactory.NewLogger("session")
	}
	return r, nil
}

// Params returns the effective negotiation parameters.
func (r *Registry) Params() Params {
	return r.params
}

// OnPeerDiscovered records a peer seen by scanning. An existing record keeps
// its link state unless it was Disconnected.
func (r *Registry) OnPeerDiscovered(peer link.PeerID, md Metadata) error {
	if peer == "" {
		return link.ErrInvalidPeer
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	rec, err := r.getOrCreate(peer)
	if err != nil {
		return err
	}
	rec.metadata = md
	if rec.linkState == link.StateUnknown || rec.linkState == link.StateDisconnected {
		rec.linkState = link.StateDiscovered
	}
	rec.updated = time.Now()
	return nil
}

// OnLinkStateChanged applies a link-state change. Disconnected resets the
// session and wipes its material; Connected starts the handshake.
func (r *Registry) OnLinkStateChanged(peer link.PeerID, state link.State) {
	if peer == "" || !state.IsValid() {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	rec, err := r.getOrCreate(peer)
	if err != nil {
		r.pushError(peer, fmt.Errorf("session: link %s: %w", state, err))
		r.mu.Unlock()
		if r.log != nil {
			r.log.Warnf("peer %s: dropping link state %s: %v", peer, state, err)
		}
		return
	}

	prev := rec.linkState
	rec.linkState = state
	rec.updated = time.Now()
	if r.log != nil && prev != state {
		r.log.Debugf("peer %s: link %s -> %s", peer, prev, state)
	}

	var offer []byte
	switch state {
	case link.StateDisconnected:
		r.reset(rec)
	case link.StateConnected:
		if rec.state == StateNoSession || rec.state == StateFailed {
			offer = r.beginHandshake(rec)
		}
	}
	r.mu.Unlock()

	if offer != nil {
		r.sendHandshake(peer, offer)
	}
}

// OnLinkFailure records a transport failure for peer: the link is treated as
// Disconnected and err is reported.
func (r *Registry) OnLinkFailure(peer link.PeerID, err error) {
	r.OnLinkStateChanged(peer, link.StateDisconnected)
	if err != nil {
		r.reportError(peer, err)
	}
}

// StartSession starts a handshake on a connected peer. It is a no-op while a
// handshake is in flight or the session is Ready.
func (r *Registry) StartSession(peer link.PeerID) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	rec := r.peers[peer]
	if rec == nil {
		r.mu.Unlock()
		return ErrNoSuchPeer
	}
	if rec.linkState != link.StateConnected {
		r.mu.Unlock()
		return ErrNotConnected
	}
	var offer []byte
	if rec.state == StateNoSession || rec.state == StateFailed {
		offer = r.beginHandshake(rec)
	}
	r.mu.Unlock()

	if offer != nil {
		r.sendHandshake(peer, offer)
	}
	return nil
}

// Session returns a snapshot of peer's record.
func (r *Registry) Session(peer link.PeerID) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.peers[peer]
	if rec == nil {
		return Snapshot{}, ErrNoSuchPeer
	}
	return rec.snapshot(), nil
}

// Peers returns snapshots of all records ordered by peer ID.
func (r *Registry) Peers() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.peers))
	for _, rec := range r.peers {
		out = append(out, rec.snapshot())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Forget wipes and removes peer's record.
func (r *Registry) Forget(peer link.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.peers[peer]
	if rec == nil {
		return ErrNoSuchPeer
	}
	rec.wipe()
	delete(r.peers, peer)
	return nil
}

// Send encrypts plaintext under peer's session key and transmits it.
// It fails with ErrSessionNotReady, without transmitting anything, unless
// the session is Ready.
func (r *Registry) Send(peer link.PeerID, plaintext []byte) error {
	if len(plaintext) > message.MaxPlaintextSize {
		return message.ErrMessageTooLong
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	rec := r.peers[peer]
	if rec == nil {
		r.mu.Unlock()
		return ErrNoSuchPeer
	}
	if rec.state != StateReady || rec.engine == nil {
		state := rec.state
		r.mu.Unlock()
		return fmt.Errorf("%w: peer %s is %s", ErrSessionNotReady, peer, state)
	}
	engine, epoch := rec.engine, rec.epoch
	r.mu.Unlock()

	nonce, ciphertext, err := engine.Encrypt(plaintext)
	if err != nil {
		switch {
		case errors.Is(err, cipher.ErrKeyExhausted):
			r.mu.Lock()
			if rec.epoch == epoch {
				r.fail(rec, cipher.ErrKeyExhausted)
			}
			r.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrSessionNotReady, err)
		case errors.Is(err, cipher.ErrEngineClosed):
			return ErrStaleSession
		}
		return fmt.Errorf("session: encrypt for %s: %w", peer, err)
	}

	data, err := message.NewData(nonce, ciphertext).Encode()
	if err != nil {
		return err
	}

	r.mu.Lock()
	stale := rec.epoch != epoch
	r.mu.Unlock()
	if stale {
		return ErrStaleSession
	}

	if err := r.transport.Send(peer, data); err != nil {
		return fmt.Errorf("session: send to %s: %w", peer, err)
	}
	return nil
}

// Receive processes one raw message from peer. Problems are reported to the
// Observer as peer errors; they never affect other peers.
func (r *Registry) Receive(peer link.PeerID, raw []byte) {
	env, err := message.Decode(raw)
	if err != nil {
		if t, perr := message.PeekType(raw); perr == nil && t == message.TypeData {
			err = fmt.Errorf("%w: %w", cipher.ErrMalformedCiphertext, err)
		}
		r.reportError(peer, fmt.Errorf("session: malformed message: %w", err))
		return
	}

	switch env.Type {
	case message.TypeHandshakeKey:
		r.receiveKey(peer, env)
	case message.TypeConfirm:
		r.receiveConfirm(peer, env)
	case message.TypeData:
		r.receiveData(peer, env)
	}
}

// Close wipes all session material and stops notifications.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, rec := range r.peers {
		rec.wipe()
		rec.state = StateNoSession
	}
	r.mu.Unlock()

	r.notify.close()
	return nil
}

// lookup returns the record for an inbound message, reporting why it is
// unusable otherwise. Must hold r.mu.
func (r *Registry) lookup(peer link.PeerID, t message.Type) *peerRecord {
	if r.closed {
		return nil
	}
	rec := r.peers[peer]
	if rec == nil {
		r.pushError(peer, fmt.Errorf("%w: %s from unknown peer", ErrNoSuchPeer, t))
		return nil
	}
	if rec.linkState == link.StateDisconnected {
		r.pushError(peer, fmt.Errorf("%w: %s on disconnected link", ErrUnexpectedMessage, t))
		return nil
	}
	return rec
}

func (r *Registry) receiveKey(peer link.PeerID, env *message.Envelope) {
	r.mu.Lock()
	rec := r.lookup(peer, env.Type)
	if rec == nil {
		r.mu.Unlock()
		return
	}

	var offer []byte
	switch {
	case rec.state == StateNoSession:
		// The peer's key can overtake our own Connected event.
		offer = r.beginHandshake(rec)
	case rec.state == StateFailed:
		r.pushError(peer, fmt.Errorf("%w: %s in %s", ErrUnexpectedMessage, env.Type, rec.state))
		r.mu.Unlock()
		return
	case rec.state != StateAwaitingPeerKey || rec.deriving:
		r.mu.Unlock()
		if r.log != nil {
			r.log.Debugf("peer %s: ignoring duplicate handshake key", peer)
		}
		return
	}

	if rec.state != StateAwaitingPeerKey {
		// beginHandshake failed the record.
		r.mu.Unlock()
		return
	}
	rec.deriving = true
	rec.remoteKey = append([]byte(nil), env.Payload...)
	localNonce := append([]byte(nil), rec.localNonce...)
	epoch := rec.epoch
	r.mu.Unlock()

	if offer != nil {
		r.sendHandshake(peer, offer)
	}

	engine, err := r.negotiator.Derive(localNonce, env)
	crypto.Zeroize(localNonce)

	r.mu.Lock()
	if r.closed || r.peers[peer] != rec || rec.epoch != epoch {
		r.mu.Unlock()
		if engine != nil {
			engine.Zeroize()
		}
		if r.log != nil {
			r.log.Debugf("peer %s: discarding stale key agreement", peer)
		}
		return
	}
	rec.deriving = false
	if err != nil {
		r.fail(rec, err)
		r.mu.Unlock()
		return
	}

	r.setState(rec, StateKeyExchanged, nil)
	rec.pending = engine
	early := rec.earlyConfirm
	rec.earlyConfirm = nil
	r.mu.Unlock()

	// A Confirm is sent in both modes so peers requiring confirmation can
	// complete against peers that do not. It goes out before the session
	// can become Ready here, so it precedes any Data on the link.
	confirm, err := r.negotiator.Confirm(engine)
	if err != nil {
		if !errors.Is(err, cipher.ErrEngineClosed) {
			r.reportError(peer, fmt.Errorf("session: build confirm: %w", err))
		}
		return
	}
	if err := r.transport.Send(peer, confirm); err != nil {
		r.reportError(peer, fmt.Errorf("session: send confirm: %w", err))
	}

	if !r.params.Confirm {
		r.mu.Lock()
		if !r.closed && r.peers[peer] == rec && rec.epoch == epoch && rec.pending == engine {
			r.install(rec, engine)
		}
		r.mu.Unlock()
	}

	if early != nil {
		r.verifyConfirm(peer, early)
	}
}

func (r *Registry) receiveConfirm(peer link.PeerID, env *message.Envelope) {
	r.mu.Lock()
	rec := r.lookup(peer, env.Type)
	if rec == nil {
		r.mu.Unlock()
		return
	}

	switch rec.state {
	case StateAwaitingPeerKey:
		rec.earlyConfirm = env
		r.mu.Unlock()
		return
	case StateKeyExchanged:
		r.mu.Unlock()
		r.verifyConfirm(peer, env)
		return
	case StateReady:
		r.mu.Unlock()
		return
	}
	r.pushError(peer, fmt.Errorf("%w: %s in %s", ErrUnexpectedMessage, env.Type, rec.state))
	r.mu.Unlock()
}

// verifyConfirm checks the peer's Confirm against the pending key and
// installs it on success.
func (r *Registry) verifyConfirm(peer link.PeerID, env *message.Envelope) {
	r.mu.Lock()
	rec := r.peers[peer]
	if r.closed || rec == nil || rec.state != StateKeyExchanged || rec.pending == nil {
		r.mu.Unlock()
		return
	}
	pending, epoch := rec.pending, rec.epoch
	r.mu.Unlock()

	err := r.negotiator.Verify(pending, env)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.peers[peer] != rec || rec.epoch != epoch || rec.pending != pending {
		return
	}
	if err != nil {
		r.fail(rec, err)
		return
	}
	r.install(rec, pending)
}

func (r *Registry) receiveData(peer link.PeerID, env *message.Envelope) {
	r.mu.Lock()
	rec := r.lookup(peer, env.Type)
	if rec == nil {
		r.mu.Unlock()
		return
	}
	var engine *cipher.Engine
	switch {
	case rec.state == StateReady && rec.engine != nil:
		engine = rec.engine
	case rec.state == StateKeyExchanged && rec.pending != nil:
		// The peer may trust the key without waiting for our Confirm. Data
		// that authenticates under the pending key confirms it as well.
		engine = rec.pending
	default:
		r.pushError(peer, fmt.Errorf("%w: %s in %s", ErrUnexpectedMessage, env.Type, rec.state))
		r.mu.Unlock()
		return
	}
	epoch := rec.epoch
	r.mu.Unlock()

	plaintext, err := engine.Decrypt(env.Nonce, env.Payload)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.peers[peer] != rec || rec.epoch != epoch {
		return
	}
	if err != nil {
		if r.log != nil {
			r.log.Debugf("peer %s: dropping message: %v", peer, err)
		}
		r.pushError(peer, fmt.Errorf("session: decrypt: %w", err))
		return
	}
	if rec.state == StateKeyExchanged && rec.pending == engine {
		if r.log != nil {
			r.log.Debugf("peer %s: data confirmed pending key", peer)
		}
		r.install(rec, engine)
	}
	r.notify.push(notification{kind: notifyMessage, peer: peer, data: plaintext})
}

// getOrCreate returns peer's record, creating it if needed. When the
// registry is full an idle record is evicted. Must hold r.mu.
func (r *Registry) getOrCreate(peer link.PeerID) (*peerRecord, error) {
	if rec, ok := r.peers[peer]; ok {
		return rec, nil
	}
	if len(r.peers) >= r.maxPeers && !r.evictIdle() {
		return nil, ErrRegistryFull
	}
	rec := &peerRecord{
		id:      peer,
		state:   StateNoSession,
		updated: time.Now(),
	}
	r.peers[peer] = rec
	return rec, nil
}

// evictIdle drops the least recently updated idle record. Must hold r.mu.
func (r *Registry) evictIdle() bool {
	var victim *peerRecord
	for _, rec := range r.peers {
		if rec.evictable() && (victim == nil || rec.updated.Before(victim.updated)) {
			victim = rec
		}
	}
	if victim == nil {
		return false
	}
	victim.wipe()
	delete(r.peers, victim.id)
	if r.log != nil {
		r.log.Debugf("evicted idle peer %s", victim.id)
	}
	return true
}

// beginHandshake moves rec to AwaitingPeerKey and arms the handshake timer.
// It returns the message to send, or nil if the record failed instead.
// Must hold r.mu.
func (r *Registry) beginHandshake(rec *peerRecord) []byte {
	if rec.state == StateFailed {
		rec.wipe()
	}
	offer, nonce, err := r.negotiator.Offer()
	if err != nil {
		r.fail(rec, err)
		return nil
	}
	rec.localNonce = nonce
	r.setState(rec, StateAwaitingPeerKey, nil)

	epoch := rec.epoch
	rec.timer = time.AfterFunc(r.params.HandshakeTimeout, func() {
		r.handshakeTimeout(rec, epoch)
	})
	return offer
}

func (r *Registry) sendHandshake(peer link.PeerID, offer []byte) {
	if err := r.transport.Send(peer, offer); err != nil {
		r.reportError(peer, fmt.Errorf("session: send handshake key: %w", err))
	}
}

func (r *Registry) handshakeTimeout(rec *peerRecord, epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.peers[rec.id] != rec || rec.epoch != epoch || !rec.state.IsHandshaking() {
		return
	}
	if r.log != nil {
		r.log.Warnf("peer %s: handshake timed out in %s", rec.id, rec.state)
	}
	r.fail(rec, ErrHandshakeTimeout)
}

// install makes engine the session key and marks the session Ready.
// Must hold r.mu.
func (r *Registry) install(rec *peerRecord, engine *cipher.Engine) {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	rec.pending = nil
	rec.engine = engine
	r.setState(rec, StateReady, nil)
}

// reset returns rec to NoSession. Must hold r.mu.
func (r *Registry) reset(rec *peerRecord) {
	rec.wipe()
	r.setState(rec, StateNoSession, nil)
}

// fail moves rec to Failed. Must hold r.mu.
func (r *Registry) fail(rec *peerRecord, err error) {
	rec.wipe()
	if r.log != nil {
		r.log.Warnf("peer %s: session failed: %v", rec.id, err)
	}
	r.setState(rec, StateFailed, err)
}

// setState commits a state change and queues its notification.
// Must hold r.mu.
func (r *Registry) setState(rec *peerRecord, to State, err error) {
	from := rec.state
	if from == to && err == nil {
		return
	}
	if !CanTransition(from, to) && r.log != nil {
		r.log.Warnf("peer %s: unexpected transition %s -> %s", rec.id, from, to)
	}
	rec.state = to
	rec.err = err
	rec.updated = time.Now()

	if r.log != nil {
		r.log.Debugf("peer %s: session %s -> %s", rec.id, from, to)
	}
	r.notify.push(notification{
		kind: notifyState,
		change: StateChange{
			PeerID: rec.id,
			From:   from,
			To:     to,
			Err:    err,
			Epoch:  rec.epoch,
		},
	})
}

func (r *Registry) reportError(peer link.PeerID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.pushError(peer, err)
	}
}

// pushError queues a peer error. Must hold r.mu.
func (r *Registry) pushError(peer link.PeerID, err error) {
	r.notify.push(notification{kind: notifyError, peer: peer, err: err})
}
