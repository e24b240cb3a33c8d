package session

import (
	"sync"

	"github.com/backkem/meshtalk/pkg/link"
)

// StateChange describes a committed session state transition.
type StateChange struct {
	PeerID link.PeerID
	From   State
	To     State

	// Err is set when To is StateFailed.
	Err   error
	Epoch uint64
}

// Observer receives registry notifications. Calls are made from a single
// goroutine, outside the registry lock, in the order the changes were
// committed. Observers may call back into the Registry but must not call
// Registry.Close.
type Observer interface {
	SessionStateChanged(change StateChange)
	MessageReceived(peer link.PeerID, plaintext []byte)
	PeerError(peer link.PeerID, err error)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	OnStateChanged func(change StateChange)
	OnMessage      func(peer link.PeerID, plaintext []byte)
	OnError        func(peer link.PeerID, err error)
}

// SessionStateChanged implements Observer.
func (o ObserverFuncs) SessionStateChanged(change StateChange) {
	if o.OnStateChanged != nil {
		o.OnStateChanged(change)
	}
}

// MessageReceived implements Observer.
func (o ObserverFuncs) MessageReceived(peer link.PeerID, plaintext []byte) {
	if o.OnMessage != nil {
		o.OnMessage(peer, plaintext)
	}
}

// PeerError implements Observer.
func (o ObserverFuncs) PeerError(peer link.PeerID, err error) {
	if o.OnError != nil {
		o.OnError(peer, err)
	}
}

type notificationKind int

const (
	notifyState notificationKind = iota + 1
	notifyMessage
	notifyError
)

type notification struct {
	kind   notificationKind
	change StateChange
	peer   link.PeerID
	data   []byte
	err    error
}

// notifier delivers notifications to an Observer from one goroutine.
// push never blocks, so it may be called with the registry lock held.
type notifier struct {
	observer Observer

	mu    sync.Mutex
	queue []notification

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newNotifier(observer Observer) *notifier {
	n := &notifier{
		observer: observer,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) push(item notification) {
	if n.observer == nil {
		return
	}
	n.mu.Lock()
	n.queue = append(n.queue, item)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.stopped)
	for {
		select {
		case <-n.wake:
			n.drain()
		case <-n.done:
			n.drain()
			return
		}
	}
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		items := n.queue
		n.queue = nil
		n.mu.Unlock()

		if len(items) == 0 {
			return
		}
		for _, item := range items {
			switch item.kind {
			case notifyState:
				n.observer.SessionStateChanged(item.change)
			case notifyMessage:
				n.observer.MessageReceived(item.peer, item.data)
			case notifyError:
				n.observer.PeerError(item.peer, item.err)
			}
		}
	}
}

// close delivers what is queued and stops the goroutine.
func (n *notifier) close() {
	n.once.Do(func() { close(n.done) })
	<-n.stopped
}
