package mesh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/backkem/meshtalk/pkg/identity"
	"github.com/backkem/meshtalk/pkg/link"
	"github.com/backkem/meshtalk/pkg/session"
	"github.com/pion/logging"
)

// Node is a device taking part in secure peer sessions.
// It owns the session registry and drives it from the transport's events.
type Node struct {
	config       NodeConfig
	identity     *identity.Identity
	ownsIdentity bool
	transport    link.Transport
	registry     *session.Registry
	log          logging.LeveledLogger

	messages    *stream[ReceivedMessage]
	sessions    *stream[SessionEvent]
	errors      *stream[PeerError]
	discoveries *stream[link.Discovery]

	mu     sync.RWMutex
	state  NodeState
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a node with the given configuration.
// The node is created but not started. Call Start() to begin operation.
// Key generation failure is fatal and returned as identity.ErrKeyGenerationFailed.
func NewNode(config NodeConfig) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	n := &Node{
		config:    config,
		identity:  config.Identity,
		transport: config.Transport,
		state:     NodeStateInitialized,
	}
	if config.LoggerFactory != nil {
		n.log = config.LoggerFactory.NewLogger("mesh")
	}

	if n.identity == nil {
		id, err := identity.Generate()
		if err != nil {
			return nil, err
		}
		n.identity = id
		n.ownsIdentity = true
	}

	size := config.EventBufferSize
	n.messages = newStream[ReceivedMessage]("message", size, n.log)
	n.sessions = newStream[SessionEvent]("session", size, n.log)
	n.errors = newStream[PeerError]("error", size, n.log)
	n.discoveries = newStream[link.Discovery]("discovery", size, n.log)

	registry, err := session.NewRegistry(session.RegistryConfig{
		Identity:  n.identity,
		Transport: config.Transport,
		Params:    *config.Params,
		MaxPeers:  config.MaxPeers,
		Observer: session.ObserverFuncs{
			OnStateChanged: n.onStateChanged,
			OnMessage:      n.onMessage,
			OnError:        n.onError,
		},
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	n.registry = registry

	return n, nil
}

// Start begins consuming link events. Links, handshakes and messages are
// processed until Stop is called or ctx is cancelled.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.state.CanStart() {
		if n.state == NodeStateRunning {
			return ErrAlreadyStarted
		}
		return ErrAlreadyStopped
	}

	n.ctx, n.cancel = context.WithCancel(ctx)
	events := n.transport.Events()

	n.wg.Add(1)
	go n.run(events)

	n.state = NodeStateRunning
	if n.log != nil {
		n.log.Infof("node started, fingerprint=%s", n.identity.Fingerprint())
	}
	return nil
}

// Stop closes the transport, wipes all session keys and closes the event
// streams.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.state.CanStop() {
		state := n.state
		n.mu.Unlock()
		if state == NodeStateStopped {
			return ErrAlreadyStopped
		}
		return ErrNotStarted
	}
	n.state = NodeStateStopped
	n.cancel()
	n.mu.Unlock()

	err := n.transport.Close()
	n.wg.Wait()
	n.registry.Close()

	n.messages.close()
	n.sessions.close()
	n.errors.close()
	n.discoveries.close()

	if n.ownsIdentity {
		n.identity.Destroy()
	}

	if n.log != nil {
		n.log.Info("node stopped")
	}
	return err
}

// State returns the current node state.
func (n *Node) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Name returns the configured device name.
func (n *Node) Name() string {
	return n.config.Name
}

// ServiceID returns the service the node advertises and scans for.
func (n *Node) ServiceID() string {
	return n.config.ServiceID
}

// OwnPublicKey returns the encoded identity public key.
func (n *Node) OwnPublicKey() []byte {
	return n.identity.PublicKeyBytes()
}

// Fingerprint returns the short fingerprint of the identity public key.
func (n *Node) Fingerprint() string {
	return n.identity.Fingerprint()
}

// Advertise makes the node discoverable until ctx is cancelled or the node
// stops.
func (n *Node) Advertise(ctx context.Context) error {
	ctx, err := n.scoped(ctx, false)
	if err != nil {
		return err
	}
	return n.transport.StartAdvertising(ctx, n.config.ServiceID, n.identity.PublicKeyBytes())
}

// Scan records advertising peers in the registry and forwards them to
// Discoveries until ctx is cancelled or the node stops.
func (n *Node) Scan(ctx context.Context) error {
	ctx, err := n.scoped(ctx, true)
	if err != nil {
		return err
	}
	found, err := n.transport.StartScanning(ctx, n.config.ServiceID)
	if err != nil {
		n.wg.Done()
		return err
	}

	go func() {
		defer n.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-found:
				if !ok {
					return
				}
				n.onDiscovered(d)
			}
		}
	}()
	return nil
}

// Connect establishes a link to peer. The session handshake starts as soon
// as the link is up.
func (n *Node) Connect(ctx context.Context, peer link.PeerID) error {
	if err := n.requireRunning(); err != nil {
		return err
	}
	return n.transport.Connect(ctx, peer)
}

// Disconnect tears down the link to peer, which resets its session.
func (n *Node) Disconnect(peer link.PeerID) error {
	if err := n.requireRunning(); err != nil {
		return err
	}
	return n.transport.Disconnect(peer)
}

// StartSession starts a handshake on an already connected peer.
func (n *Node) StartSession(peer link.PeerID) error {
	if err := n.requireRunning(); err != nil {
		return err
	}
	return n.registry.StartSession(peer)
}

// SendMessage encrypts plaintext for peer and sends it. It fails with
// session.ErrSessionNotReady unless the session is Ready.
func (n *Node) SendMessage(peer link.PeerID, plaintext []byte) error {
	if err := n.requireRunning(); err != nil {
		return err
	}
	return n.registry.Send(peer, plaintext)
}

// Broadcast sends plaintext to every peer with a Ready session and returns
// the peers it was delivered to.
func (n *Node) Broadcast(plaintext []byte) ([]link.PeerID, error) {
	if err := n.requireRunning(); err != nil {
		return nil, err
	}
	var sent []link.PeerID
	var errs []error
	for _, s := range n.registry.Peers() {
		if s.State != session.StateReady {
			continue
		}
		if err := n.registry.Send(s.PeerID, plaintext); err != nil {
			errs = append(errs, PeerError{PeerID: s.PeerID, Err: err})
			continue
		}
		sent = append(sent, s.PeerID)
	}
	return sent, errors.Join(errs...)
}

// Session returns a snapshot of peer's session.
func (n *Node) Session(peer link.PeerID) (session.Snapshot, error) {
	return n.registry.Session(peer)
}

// Peers returns snapshots of all known peers.
func (n *Node) Peers() []session.Snapshot {
	return n.registry.Peers()
}

// Messages returns decrypted messages from peers.
func (n *Node) Messages() <-chan ReceivedMessage {
	return n.messages.ch
}

// SessionEvents returns session state changes.
func (n *Node) SessionEvents() <-chan SessionEvent {
	return n.sessions.ch
}

// Errors returns per-peer failures.
func (n *Node) Errors() <-chan PeerError {
	return n.errors.ch
}

// Discoveries returns peers found by Scan.
func (n *Node) Discoveries() <-chan link.Discovery {
	return n.discoveries.ch
}

// Registry returns the node's session registry.
// Exposed for testing and advanced use cases.
func (n *Node) Registry() *session.Registry {
	return n.registry
}

// LoggerFactory returns the node's logger factory.
// Returns nil if no logger factory was configured.
func (n *Node) LoggerFactory() logging.LoggerFactory {
	return n.config.LoggerFactory
}

func (n *Node) run(events <-chan link.Event) {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.handleEvent(ev)
		}
	}
}

func (n *Node) handleEvent(ev link.Event) {
	switch ev.Kind {
	case link.EventLinkState:
		if n.log != nil {
			n.log.Debugf("link %s: %s", ev.PeerID, ev.State)
		}
		if ev.State == link.StateDisconnected && ev.Err != nil {
			n.registry.OnLinkFailure(ev.PeerID, ev.Err)
			return
		}
		n.registry.OnLinkStateChanged(ev.PeerID, ev.State)
	case link.EventData:
		n.registry.Receive(ev.PeerID, ev.Data)
	}
}

func (n *Node) onDiscovered(d link.Discovery) {
	err := n.registry.OnPeerDiscovered(d.PeerID, session.Metadata{
		Name:        d.Name,
		RSSI:        d.RSSI,
		Fingerprint: d.Fingerprint,
	})
	if err != nil {
		if n.log != nil {
			n.log.Warnf("discovered %s: %v", d.PeerID, err)
		}
		n.errors.push(PeerError{PeerID: d.PeerID, Err: err})
		return
	}
	n.discoveries.push(d)
}

func (n *Node) onStateChanged(change session.StateChange) {
	if n.log != nil {
		if change.Err != nil {
			n.log.Infof("session %s: %s -> %s: %v", change.PeerID, change.From, change.To, change.Err)
		} else {
			n.log.Infof("session %s: %s -> %s", change.PeerID, change.From, change.To)
		}
	}
	n.sessions.push(SessionEvent{
		PeerID: change.PeerID,
		From:   change.From,
		State:  change.To,
		Err:    change.Err,
	})
}

func (n *Node) onMessage(peer link.PeerID, plaintext []byte) {
	n.messages.push(ReceivedMessage{
		PeerID:     peer,
		Data:       plaintext,
		ReceivedAt: time.Now(),
	})
}

func (n *Node) onError(peer link.PeerID, err error) {
	if n.log != nil {
		n.log.Debugf("peer %s: %v", peer, err)
	}
	n.errors.push(PeerError{PeerID: peer, Err: err})
}

func (n *Node) requireRunning() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.state != NodeStateRunning {
		return ErrNotStarted
	}
	return nil
}

// scoped returns a context cancelled with ctx or when the node stops. With
// track set, a goroutine is registered with the node's wait group.
func (n *Node) scoped(ctx context.Context, track bool) (context.Context, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.state != NodeStateRunning {
		return nil, ErrNotStarted
	}
	if track {
		n.wg.Add(1)
	}
	ctx, cancel := context.WithCancel(ctx)
	context.AfterFunc(n.ctx, cancel)
	return ctx, nil
}
