package mesh

import (
	"fmt"
	"sync"
	"time"

	"github.com/backkem/meshtalk/pkg/link"
	"github.com/backkem/meshtalk/pkg/session"
	"github.com/pion/logging"
)

// ReceivedMessage is decrypted application data from a peer.
type ReceivedMessage struct {
	PeerID     link.PeerID
	Data       []byte
	ReceivedAt time.Time
}

// SessionEvent is a committed session state change.
type SessionEvent struct {
	PeerID link.PeerID
	From   session.State
	State  session.State

	// Err is the failure reason when State is session.StateFailed.
	Err error
}

// PeerError is a failure scoped to one peer: a rejected message, a link
// failure, or a transport error during the handshake.
type PeerError struct {
	PeerID link.PeerID
	Err    error
}

// Error implements error.
func (e PeerError) Error() string {
	return fmt.Sprintf("peer %s: %v", e.PeerID, e.Err)
}

// Unwrap returns the underlying error.
func (e PeerError) Unwrap() error {
	return e.Err
}

// stream is a buffered event channel that never blocks the producer.
// Events that do not fit are dropped with a warning.
type stream[T any] struct {
	name string
	log  logging.LeveledLogger

	mu     sync.RWMutex
	ch     chan T
	closed bool
}

func newStream[T any](name string, size int, log logging.LeveledLogger) *stream[T] {
	return &stream[T]{name: name, log: log, ch: make(chan T, size)}
}

func (s *stream[T]) push(v T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- v:
		return true
	default:
		if s.log != nil {
			s.log.Warnf("%s stream full, dropping event", s.name)
		}
		return false
	}
}

func (s *stream[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
