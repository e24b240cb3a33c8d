// Package link defines the peer-link capability consumed by the session core
// and provides two implementations of it.
//
// A Transport advertises, scans, connects to peers and moves opaque byte
// messages over direct links. Everything the core needs to know about the
// radio (or network) is delivered through a single ordered event stream:
// link-state changes and received bytes for each peer. Events for one peer
// are delivered in the order they happened; in particular a Connected event
// always precedes the first Data event of that link.
//
// PipeNetwork is an in-memory network of endpoints for tests and simulation.
// TCP carries links over TCP connections with length-prefixed framing and
// delegates discovery to an Advertiser/Scanner (see pkg/discovery).
package link

import (
	"context"
	"sync"

	"github.com/backkem/meshtalk/pkg/message"
	"github.com/pion/logging"
)

// MaxMessageSize is the largest message a link carries.
const MaxMessageSize = message.MaxMessageSize

// DefaultEventBufferSize is the default capacity of a transport's event channel.
const DefaultEventBufferSize = 256

// PeerID is a stable opaque identifier for a remote device (a link-layer
// address).
type PeerID string

// Discovery is a peer seen while scanning.
type Discovery struct {
	PeerID      PeerID
	ServiceID   string
	Name        string
	RSSI        int
	Fingerprint string // short fingerprint of the advertised identity key
}

// Event is a link-state change or a received message.
type Event struct {
	PeerID PeerID
	Kind   EventKind

	// State and Err are set for EventLinkState. Err is non-nil when the
	// transition was caused by a failure (ErrLinkFailure, ErrLinkUnavailable).
	State State
	Err   error

	// Data is set for EventData.
	Data []byte
}

// Transport is the abstract peer-link capability.
type Transport interface {
	// StartAdvertising makes this device discoverable under serviceID until
	// ctx is cancelled.
	StartAdvertising(ctx context.Context, serviceID string, identityPublicKey []byte) error

	// StartScanning streams peers advertising serviceID until ctx is
	// cancelled, then closes the channel.
	StartScanning(ctx context.Context, serviceID string) (<-chan Discovery, error)

	// Connect establishes a link to peer.
	Connect(ctx context.Context, peer PeerID) error

	// Disconnect tears down the link to peer.
	Disconnect(peer PeerID) error

	// Send transmits one message to peer.
	Send(peer PeerID, data []byte) error

	// Events returns the ordered event stream. It is closed by Close.
	Events() <-chan Event

	// Close tears down all links and releases resources.
	Close() error
}

// emitter serializes events onto a transport's channel.
// Emission blocks while the consumer is behind and gives up once the
// emitter is closed, so no goroutine can send on a closed channel.
type emitter struct {
	ch      chan Event
	closeCh chan struct{}
	log     logging.LeveledLogger

	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

func newEmitter(size int, log logging.LeveledLogger) *emitter {
	if size <= 0 {
		size = DefaultEventBufferSize
	}
	return &emitter{
		ch:      make(chan Event, size),
		closeCh: make(chan struct{}),
		log:     log,
	}
}

func (e *emitter) emit(ev Event) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	select {
	case e.ch <- ev:
		return true
	case <-e.closeCh:
		if e.log != nil {
			e.log.Debugf("dropping %s event for %s: transport closed", ev.Kind, ev.PeerID)
		}
		return false
	}
}

func (e *emitter) state(peer PeerID, state State, err error) bool {
	return e.emit(Event{PeerID: peer, Kind: EventLinkState, State: state, Err: err})
}

func (e *emitter) data(peer PeerID, data []byte) bool {
	return e.emit(Event{PeerID: peer, Kind: EventData, Data: data})
}

// close unblocks pending emissions and closes the event channel.
func (e *emitter) close() {
	e.once.Do(func() { close(e.closeCh) })
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
