package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/meshtalk/pkg/message"
	"github.com/pion/logging"
)

// DefaultDialTimeout bounds TCP connection establishment.
const DefaultDialTimeout = 10 * time.Second

// Advertiser publishes this device on the local network.
type Advertiser interface {
	Advertise(ctx context.Context, serviceID string, port int, identityPublicKey []byte) error
}

// Scanner finds devices published by an Advertiser. Discovered peer IDs are
// dialable "host:port" addresses.
type Scanner interface {
	Scan(ctx context.Context, serviceID string) (<-chan Discovery, error)
}

// TCPConfig configures the TCP transport.
type TCPConfig struct {
	// Listener is an optional pre-existing Listener to use.
	// If nil, a new listener will be created using ListenAddr.
	Listener net.Listener

	// ListenAddr is the address to listen on (e.g., ":7420").
	// Ignored if Listener is provided. Default: ":0"
	ListenAddr string

	// DialTimeout bounds Connect when ctx carries no deadline.
	// Default: DefaultDialTimeout
	DialTimeout time.Duration

	// Advertiser and Scanner provide discovery. Either may be nil, in which
	// case the matching Transport method returns ErrNotSupported.
	Advertiser Advertiser
	Scanner    Scanner

	// EventBufferSize is the event channel capacity.
	// Default: DefaultEventBufferSize
	EventBufferSize int

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// TCP carries peer links over TCP connections. Each link is one connection
// framed with a 4-byte length prefix. Dialed links are identified by the
// dialed address, accepted links by the remote address of the connection.
type TCP struct {
	config   TCPConfig
	listener net.Listener
	events   *emitter
	closeCh  chan struct{}
	wg       sync.WaitGroup
	log      logging.LeveledLogger

	connsMu sync.RWMutex
	conns   map[PeerID]*tcpConn

	mu      sync.RWMutex
	started bool
	closed  bool
}

type tcpConn struct {
	peer   PeerID
	conn   net.Conn
	reader *message.StreamReader
	writer *message.StreamWriter
	mu     sync.Mutex // Protects writes

	// local is set when this side tore the link down deliberately.
	local atomic.Bool
}

// NewTCP creates a TCP transport. Call Start to accept inbound links.
func NewTCP(config TCPConfig) (*TCP, error) {
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}

	t := &TCP{
		config:   config,
		listener: config.Listener,
		closeCh:  make(chan struct{}),
		conns:    make(map[PeerID]*tcpConn),
	}

	if config.LoggerFactory != nil {
		t.log = config.LoggerFactory.NewLogger("link-tcp")
	}
	t.events = newEmitter(config.EventBufferSize, t.log)

	if t.listener == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}

		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		t.listener = listener
	}

	return t, nil
}

// Start begins accepting connections.
func (t *TCP) Start() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.mu.Unlock()

	if t.log != nil {
		t.log.Infof("listening on %s", t.listener.Addr())
	}

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// LocalAddr returns the address the transport is listening on.
func (t *TCP) LocalAddr() net.Addr {
	return t.listener.Addr()
}

// Port returns the listening TCP port.
func (t *TCP) Port() int {
	if addr, ok := t.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	_, port, err := net.SplitHostPort(t.listener.Addr().String())
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

// StartAdvertising implements Transport.
func (t *TCP) StartAdvertising(ctx context.Context, serviceID string, identityPublicKey []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	if t.config.Advertiser == nil {
		return ErrNotSupported
	}
	return t.config.Advertiser.Advertise(ctx, serviceID, t.Port(), identityPublicKey)
}

// StartScanning implements Transport.
func (t *TCP) StartScanning(ctx context.Context, serviceID string) (<-chan Discovery, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	if t.config.Scanner == nil {
		return nil, ErrNotSupported
	}
	return t.config.Scanner.Scan(ctx, serviceID)
}

// Connect implements Transport. peer must be a "host:port" address.
func (t *TCP) Connect(ctx context.Context, peer PeerID) error {
	if _, _, err := net.SplitHostPort(string(peer)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPeer, err)
	}
	if t.isClosed() {
		return ErrClosed
	}
	if t.conn(peer) != nil {
		return ErrAlreadyConnected
	}

	t.events.state(peer, StateConnecting, nil)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.DialTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", string(peer))
	if err != nil {
		if t.log != nil {
			t.log.Debugf("dial %s failed: %v", peer, err)
		}
		t.events.state(peer, StateDisconnected, ErrLinkUnavailable)
		return fmt.Errorf("%w: %v", ErrLinkUnavailable, err)
	}

	if !t.track(peer, conn) {
		conn.Close()
		t.events.state(peer, StateDisconnected, ErrLinkUnavailable)
		return ErrAlreadyConnected
	}
	return nil
}

// Disconnect implements Transport.
func (t *TCP) Disconnect(peer PeerID) error {
	tc := t.conn(peer)
	if tc == nil {
		return ErrNotConnected
	}
	tc.local.Store(true)
	return tc.conn.Close()
}

// Send implements Transport. A write failure closes the connection; the
// read loop then reports the link as failed.
func (t *TCP) Send(peer PeerID, data []byte) error {
	if len(data) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	if t.isClosed() {
		return ErrClosed
	}
	tc := t.conn(peer)
	if tc == nil {
		return ErrNotConnected
	}

	tc.mu.Lock()
	_, err := tc.writer.Write(data)
	tc.mu.Unlock()
	if err != nil {
		if errors.Is(err, message.ErrMessageTooLong) || errors.Is(err, message.ErrInvalidLengthPrefix) {
			return fmt.Errorf("%w: %v", ErrMessageTooLarge, err)
		}
		tc.conn.Close()
		return fmt.Errorf("%w: %v", ErrLinkFailure, err)
	}
	return nil
}

// Events implements Transport.
func (t *TCP) Events() <-chan Event {
	return t.events.ch
}

// Close implements Transport.
func (t *TCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.log != nil {
		t.log.Info("stopping TCP transport")
	}

	close(t.closeCh)
	t.listener.Close()

	t.connsMu.Lock()
	for _, tc := range t.conns {
		tc.local.Store(true)
		tc.conn.Close()
	}
	t.connsMu.Unlock()

	t.events.close()
	t.wg.Wait()
	return nil
}

func (t *TCP) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *TCP) conn(peer PeerID) *tcpConn {
	t.connsMu.RLock()
	defer t.connsMu.RUnlock()
	return t.conns[peer]
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closeCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		peer := PeerID(conn.RemoteAddr().String())
		if t.log != nil {
			t.log.Debugf("accepted link from %s", peer)
		}
		if !t.track(peer, conn) {
			conn.Close()
		}
	}
}

// track registers conn as the link to peer, reports it as connected and
// starts its read loop.
func (t *TCP) track(peer PeerID, conn net.Conn) bool {
	tc := &tcpConn{
		peer:   peer,
		conn:   conn,
		reader: message.NewStreamReader(conn),
		writer: message.NewStreamWriter(conn),
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return false
	}

	t.connsMu.Lock()
	if _, exists := t.conns[peer]; exists {
		t.connsMu.Unlock()
		return false
	}
	t.conns[peer] = tc
	t.connsMu.Unlock()

	t.wg.Add(1)
	go t.handleConn(tc)
	return true
}

func (t *TCP) handleConn(tc *tcpConn) {
	defer t.wg.Done()

	t.events.state(tc.peer, StateConnected, nil)

	var cause error
	for {
		data, err := tc.reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !tc.local.Load() {
				cause = ErrLinkFailure
			}
			if t.log != nil {
				t.log.Debugf("link to %s down: %v", tc.peer, err)
			}
			break
		}
		t.events.data(tc.peer, data)
	}

	tc.conn.Close()
	t.connsMu.Lock()
	if t.conns[tc.peer] == tc {
		delete(t.conns, tc.peer)
	}
	t.connsMu.Unlock()

	t.events.state(tc.peer, StateDisconnected, cause)
}

var _ Transport = (*TCP)(nil)
