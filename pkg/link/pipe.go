package link

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/meshtalk/pkg/crypto"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/test"
)

// DefaultPipeRSSI is the signal strength reported for in-memory discoveries.
const DefaultPipeRSSI = -60

// NetworkCondition configures link impairment on a PipeNetwork.
type NetworkCondition struct {
	// DropRate is the probability of dropping a message (0.0 - 1.0).
	DropRate float64

	// DelayMin is the minimum delay added to each message.
	DelayMin time.Duration

	// DelayMax is the maximum delay added to each message.
	// Actual delay is uniformly distributed between DelayMin and DelayMax.
	DelayMax time.Duration

	// DuplicateRate is the probability of delivering a message twice (0.0 - 1.0).
	DuplicateRate float64
}

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess enables automatic message delivery in a background goroutine.
	// Default: true
	AutoProcess bool

	// ProcessInterval is how often the auto-processor checks for messages.
	// Default: 1ms
	ProcessInterval time.Duration
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: 1 * time.Millisecond,
	}
}

// Pipe is a bidirectional in-memory message link between two endpoints.
// It wraps pion's test.Bridge and adds impairment simulation.
//
// With AutoProcess disabled, messages are only delivered by Tick or Process,
// which gives tests control over interleavings.
type Pipe struct {
	bridge *test.Bridge

	mu              sync.Mutex
	condition       NetworkCondition
	closed          bool
	rng             *rand.Rand
	autoProcess     bool
	processInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup

	// failed marks a pipe torn down by Break rather than by Disconnect.
	failed atomic.Bool
}

// NewPipe creates a new bidirectional pipe with auto-processing enabled.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a new pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	p := &Pipe{
		bridge:          test.NewBridge(),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		autoProcess:     config.AutoProcess,
		processInterval: config.ProcessInterval,
		stopCh:          make(chan struct{}),
	}

	if config.ProcessInterval == 0 {
		p.processInterval = 1 * time.Millisecond
	}

	if p.autoProcess {
		p.startAutoProcess()
	}

	return p
}

func (p *Pipe) startAutoProcess() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.processInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.bridge.Tick()
			}
		}
	}()
}

// SetCondition configures impairment for both directions.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Conn0 returns the connection for endpoint 0.
func (p *Pipe) Conn0() net.Conn {
	return p.bridge.GetConn0()
}

// Conn1 returns the connection for endpoint 1.
func (p *Pipe) Conn1() net.Conn {
	return p.bridge.GetConn1()
}

// Tick delivers one message in each direction (if available).
// Returns the number of messages delivered (0, 1, or 2).
func (p *Pipe) Tick() int {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0
	}
	return p.bridge.Tick()
}

// Process delivers all queued messages that have a waiting reader.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			break
		}
		count += n
	}
	return count
}

// write sends b on conn, applying the configured impairment.
func (p *Pipe) write(conn net.Conn, b []byte) error {
	p.mu.Lock()
	cond := p.condition
	drop := cond.DropRate > 0 && p.rng.Float64() < cond.DropRate
	dup := cond.DuplicateRate > 0 && p.rng.Float64() < cond.DuplicateRate
	delay := cond.DelayMin
	if cond.DelayMax > cond.DelayMin {
		delay += time.Duration(p.rng.Int63n(int64(cond.DelayMax - cond.DelayMin)))
	}
	p.mu.Unlock()

	if drop {
		return nil
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if dup {
		if _, err := conn.Write(b); err != nil {
			return err
		}
	}
	_, err := conn.Write(b)
	return err
}

// Close closes both endpoints of the pipe and stops auto-processing.
// The ticker is stopped before the connections close so the bridge never
// delivers into a closed endpoint.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	err0 := p.bridge.GetConn0().Close()
	err1 := p.bridge.GetConn1().Close()
	if err0 != nil {
		return err0
	}
	return err1
}

// PipeNetworkConfig configures a PipeNetwork.
type PipeNetworkConfig struct {
	// Pipe configures each link created on the network.
	Pipe PipeConfig

	// RSSI is reported in discoveries.
	// Default: DefaultPipeRSSI
	RSSI int

	// EventBufferSize is the event channel capacity of each endpoint.
	// Default: DefaultEventBufferSize
	EventBufferSize int

	// LoggerFactory for creating loggers (optional).
	LoggerFactory logging.LoggerFactory
}

// PipeNetwork is an in-memory radio neighbourhood. Endpoints attached to the
// same network can discover each other and open links backed by Pipes.
type PipeNetwork struct {
	config PipeNetworkConfig
	log    logging.LeveledLogger

	// linkMu serializes link creation and endpoint attachment so that both
	// sides of a link are registered atomically.
	linkMu    sync.Mutex
	endpoints map[PeerID]*PipeEndpoint

	mu        sync.Mutex
	adverts   map[PeerID]pipeAdvert
	scanners  map[*pipeScanner]struct{}
	condition NetworkCondition
}

type pipeAdvert struct {
	serviceID   string
	fingerprint string
}

type pipeScanner struct {
	owner     PeerID
	serviceID string
	ch        chan Discovery
}

// NewPipeNetwork creates an empty network.
func NewPipeNetwork(config PipeNetworkConfig) *PipeNetwork {
	if config.Pipe.ProcessInterval == 0 && !config.Pipe.AutoProcess {
		config.Pipe = DefaultPipeConfig()
	}
	if config.RSSI == 0 {
		config.RSSI = DefaultPipeRSSI
	}
	if config.EventBufferSize <= 0 {
		config.EventBufferSize = DefaultEventBufferSize
	}

	n := &PipeNetwork{
		config:    config,
		endpoints: make(map[PeerID]*PipeEndpoint),
		adverts:   make(map[PeerID]pipeAdvert),
		scanners:  make(map[*pipeScanner]struct{}),
	}
	if config.LoggerFactory != nil {
		n.log = config.LoggerFactory.NewLogger("link-pipe")
	}
	return n
}

// SetCondition sets the impairment applied to links created afterwards.
func (n *PipeNetwork) SetCondition(cond NetworkCondition) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.condition = cond
}

// Attach adds an endpoint with the given address to the network.
func (n *PipeNetwork) Attach(id PeerID) (*PipeEndpoint, error) {
	if id == "" {
		return nil, ErrInvalidPeer
	}

	n.linkMu.Lock()
	defer n.linkMu.Unlock()

	if _, exists := n.endpoints[id]; exists {
		return nil, fmt.Errorf("%w: %s already attached", ErrInvalidPeer, id)
	}

	e := &PipeEndpoint{
		id:      id,
		network: n,
		log:     n.log,
		events:  newEmitter(n.config.EventBufferSize, n.log),
		links:   make(map[PeerID]*pipeLink),
	}
	n.endpoints[id] = e
	return e, nil
}

// Break fails the link between a and b as if the radio dropped it.
// Both sides observe StateDisconnected with ErrLinkFailure.
func (n *PipeNetwork) Break(a, b PeerID) error {
	n.linkMu.Lock()
	ea := n.endpoints[a]
	n.linkMu.Unlock()
	if ea == nil {
		return ErrInvalidPeer
	}

	l := ea.link(b)
	if l == nil {
		return ErrNotConnected
	}
	l.pipe.failed.Store(true)
	return l.pipe.Close()
}

// connect registers a fresh pipe between from and to on both endpoints.
func (n *PipeNetwork) connect(from, to PeerID) (local, remote *pipeLink, remoteEP *PipeEndpoint, err error) {
	n.linkMu.Lock()
	defer n.linkMu.Unlock()

	src := n.endpoints[from]
	dst := n.endpoints[to]
	if src == nil {
		return nil, nil, nil, ErrClosed
	}
	if dst == nil {
		return nil, nil, nil, fmt.Errorf("%w: %s not in range", ErrLinkUnavailable, to)
	}
	if src.link(to) != nil {
		return nil, nil, nil, ErrAlreadyConnected
	}
	if dst.link(from) != nil {
		return nil, nil, nil, fmt.Errorf("%w: %s is already linked to %s", ErrAlreadyConnected, to, from)
	}

	n.mu.Lock()
	cond := n.condition
	n.mu.Unlock()

	pipe := NewPipeWithConfig(n.config.Pipe)
	pipe.SetCondition(cond)

	local = &pipeLink{pipe: pipe, conn: pipe.Conn0(), remote: to}
	remote = &pipeLink{pipe: pipe, conn: pipe.Conn1(), remote: from}
	if !src.addLink(local) {
		_ = pipe.Close()
		return nil, nil, nil, ErrClosed
	}
	if !dst.addLink(remote) {
		src.abandon(local)
		_ = pipe.Close()
		return nil, nil, nil, fmt.Errorf("%w: endpoint closed", ErrLinkUnavailable)
	}
	return local, remote, dst, nil
}

func (n *PipeNetwork) detach(id PeerID) {
	n.linkMu.Lock()
	delete(n.endpoints, id)
	n.linkMu.Unlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.adverts, id)
	for s := range n.scanners {
		if s.owner == id {
			delete(n.scanners, s)
			close(s.ch)
		}
	}
}

func (n *PipeNetwork) advertise(id PeerID, ad pipeAdvert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.adverts[id] = ad
	for s := range n.scanners {
		if s.owner != id && s.serviceID == ad.serviceID {
			n.offer(s, id, ad)
		}
	}
}

func (n *PipeNetwork) unadvertise(id PeerID, ad pipeAdvert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.adverts[id]; ok && cur == ad {
		delete(n.adverts, id)
	}
}

func (n *PipeNetwork) scan(owner PeerID, serviceID string) *pipeScanner {
	s := &pipeScanner{
		owner:     owner,
		serviceID: serviceID,
		ch:        make(chan Discovery, 64),
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.scanners[s] = struct{}{}
	for id, ad := range n.adverts {
		if id != owner && ad.serviceID == serviceID {
			n.offer(s, id, ad)
		}
	}
	return s
}

func (n *PipeNetwork) stopScan(s *pipeScanner) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.scanners[s]; ok {
		delete(n.scanners, s)
		close(s.ch)
	}
}

// offer delivers a discovery without blocking. Must hold n.mu.
func (n *PipeNetwork) offer(s *pipeScanner, id PeerID, ad pipeAdvert) {
	d := Discovery{
		PeerID:      id,
		ServiceID:   ad.serviceID,
		Name:        string(id),
		RSSI:        n.config.RSSI,
		Fingerprint: ad.fingerprint,
	}
	select {
	case s.ch <- d:
	default:
		if n.log != nil {
			n.log.Warnf("scanner of %s is full, dropping discovery of %s", s.owner, id)
		}
	}
}

type pipeLink struct {
	pipe   *Pipe
	conn   net.Conn
	remote PeerID
}

// PipeEndpoint is one device on a PipeNetwork. It implements Transport.
type PipeEndpoint struct {
	id      PeerID
	network *PipeNetwork
	log     logging.LeveledLogger
	events  *emitter

	mu     sync.Mutex
	links  map[PeerID]*pipeLink
	closed bool

	wg sync.WaitGroup
}

// ID returns the endpoint's address on the network.
func (e *PipeEndpoint) ID() PeerID {
	return e.id
}

// StartAdvertising implements Transport.
func (e *PipeEndpoint) StartAdvertising(ctx context.Context, serviceID string, identityPublicKey []byte) error {
	if e.isClosed() {
		return ErrClosed
	}
	ad := pipeAdvert{serviceID: serviceID}
	if len(identityPublicKey) > 0 {
		ad.fingerprint = crypto.Fingerprint(identityPublicKey)
	}
	e.network.advertise(e.id, ad)

	go func() {
		<-ctx.Done()
		e.network.unadvertise(e.id, ad)
	}()
	return nil
}

// StartScanning implements Transport.
func (e *PipeEndpoint) StartScanning(ctx context.Context, serviceID string) (<-chan Discovery, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	s := e.network.scan(e.id, serviceID)
	go func() {
		<-ctx.Done()
		e.network.stopScan(s)
	}()
	return s.ch, nil
}

// Connect implements Transport. On success both endpoints observe
// StateConnected before any data of the link.
func (e *PipeEndpoint) Connect(ctx context.Context, peer PeerID) error {
	if peer == "" || peer == e.id {
		return ErrInvalidPeer
	}
	if e.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.link(peer) != nil {
		return ErrAlreadyConnected
	}

	e.events.state(peer, StateConnecting, nil)

	local, remote, dst, err := e.network.connect(e.id, peer)
	if err != nil {
		if e.log != nil {
			e.log.Debugf("%s: connect to %s failed: %v", e.id, peer, err)
		}
		e.events.state(peer, StateDisconnected, ErrLinkUnavailable)
		return err
	}

	e.start(local)
	dst.start(remote)

	if e.log != nil {
		e.log.Debugf("%s: linked to %s", e.id, peer)
	}
	return nil
}

// Disconnect implements Transport. Both sides observe StateDisconnected.
func (e *PipeEndpoint) Disconnect(peer PeerID) error {
	l := e.link(peer)
	if l == nil {
		return ErrNotConnected
	}
	return l.pipe.Close()
}

// Send implements Transport.
func (e *PipeEndpoint) Send(peer PeerID, data []byte) error {
	if len(data) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	if e.isClosed() {
		return ErrClosed
	}
	l := e.link(peer)
	if l == nil {
		return ErrNotConnected
	}
	if err := l.pipe.write(l.conn, data); err != nil {
		return fmt.Errorf("%w: %v", ErrLinkFailure, err)
	}
	return nil
}

// Events implements Transport.
func (e *PipeEndpoint) Events() <-chan Event {
	return e.events.ch
}

// Close implements Transport.
func (e *PipeEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	links := make([]*pipeLink, 0, len(e.links))
	for _, l := range e.links {
		links = append(links, l)
	}
	e.mu.Unlock()

	e.network.detach(e.id)
	for _, l := range links {
		_ = l.pipe.Close()
	}
	e.events.close()
	e.wg.Wait()
	return nil
}

func (e *PipeEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *PipeEndpoint) link(peer PeerID) *pipeLink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.links[peer]
}

// addLink registers l and reserves its read loop.
func (e *PipeEndpoint) addLink(l *pipeLink) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.links[l.remote] = l
	e.wg.Add(1)
	return true
}

// abandon undoes addLink for a link whose read loop never started.
func (e *PipeEndpoint) abandon(l *pipeLink) {
	e.removeLink(l)
	e.wg.Done()
}

func (e *PipeEndpoint) removeLink(l *pipeLink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.links[l.remote] == l {
		delete(e.links, l.remote)
	}
}

// start reports the link as connected and begins reading from it.
func (e *PipeEndpoint) start(l *pipeLink) {
	e.events.state(l.remote, StateConnected, nil)
	go e.readLoop(l)
}

func (e *PipeEndpoint) readLoop(l *pipeLink) {
	defer e.wg.Done()

	buf := make([]byte, MaxMessageSize)
	for {
		n, err := l.conn.Read(buf)
		if err != nil {
			e.removeLink(l)
			_ = l.pipe.Close()

			var cause error
			if l.pipe.failed.Load() {
				cause = ErrLinkFailure
			}
			if e.log != nil {
				e.log.Debugf("%s: link to %s down: %v", e.id, l.remote, err)
			}
			e.events.state(l.remote, StateDisconnected, cause)
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		e.events.data(l.remote, data)
	}
}

var _ Transport = (*PipeEndpoint)(nil)
