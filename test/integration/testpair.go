// Package integration provides end-to-end tests running meshtalk nodes over
// real loopback sockets.
package integration

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/backkem/meshtalk/pkg/link"
	"github.com/backkem/meshtalk/pkg/mesh"
	"github.com/backkem/meshtalk/pkg/session"
	"github.com/pion/logging"
)

const waitTimeout = 5 * time.Second

// TestPair holds two nodes on loopback TCP transports.
//
// Example usage:
//
//	pair := NewTestPair(t, TestPairConfig{})
//	pair.Connect()
//	pair.Dialer.SendMessage(pair.ListenerID, []byte("hi"))
type TestPair struct {
	// Dialer initiates links to Listener.
	Dialer *mesh.Node

	// Listener accepts links.
	Listener *mesh.Node

	// ListenerID is the peer ID the dialer uses for the listener.
	ListenerID link.PeerID

	t   *testing.T
	ctx context.Context
}

// TestPairConfig configures the test pair creation.
type TestPairConfig struct {
	// DialerParams and ListenerParams override session parameters.
	// If nil, defaults are used.
	DialerParams   *session.Params
	ListenerParams *session.Params

	// LoggerFactory for both nodes. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewTestPair starts two nodes listening on 127.0.0.1. They are stopped
// when the test finishes.
func NewTestPair(t *testing.T, config TestPairConfig) *TestPair {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dialer, _ := newTCPNode(t, ctx, "dialer", config.DialerParams, config.LoggerFactory)
	listener, port := newTCPNode(t, ctx, "listener", config.ListenerParams, config.LoggerFactory)

	return &TestPair{
		Dialer:     dialer,
		Listener:   listener,
		ListenerID: link.PeerID(localAddr(port)),
		t:          t,
		ctx:        ctx,
	}
}

func newTCPNode(t *testing.T, ctx context.Context, name string, params *session.Params, lf logging.LoggerFactory) (*mesh.Node, int) {
	t.Helper()
	transport, err := link.NewTCP(link.TCPConfig{
		ListenAddr:    "127.0.0.1:0",
		LoggerFactory: lf,
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := transport.Start(); err != nil {
		t.Fatalf("start transport: %v", err)
	}

	node, err := mesh.NewNode(mesh.NodeConfig{
		Transport:     transport,
		Name:          name,
		Params:        params,
		LoggerFactory: lf,
	})
	if err != nil {
		t.Fatalf("create node: %v", errors.Join(err, transport.Close()))
	}
	if err := node.Start(ctx); err != nil {
		t.Fatalf("start node: %v", errors.Join(err, transport.Close()))
	}
	t.Cleanup(func() { node.Stop() })
	return node, transport.Port()
}

// Connect dials the listener and waits until both sides are Ready. It
// returns the peer ID the listener assigned to the dialer.
func (p *TestPair) Connect() link.PeerID {
	p.t.Helper()
	if err := p.Dialer.Connect(p.ctx, p.ListenerID); err != nil {
		p.t.Fatalf("connect: %v", err)
	}
	WaitState(p.t, p.Dialer, p.ListenerID, session.StateReady)
	return WaitAnyReady(p.t, p.Listener)
}

// WaitState polls until peer's session on n is in state.
func WaitState(t *testing.T, n *mesh.Node, peer link.PeerID, state session.State) session.Snapshot {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if snap, err := n.Session(peer); err == nil && snap.State == state {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, err := n.Session(peer)
	t.Fatalf("%s never reached %s: last %+v, err %v", peer, state, snap, err)
	return session.Snapshot{}
}

// WaitAnyReady polls until n has a Ready session and returns its peer ID.
func WaitAnyReady(t *testing.T, n *mesh.Node) link.PeerID {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		for _, s := range n.Peers() {
			if s.State == session.StateReady {
				return s.PeerID
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no session became ready")
	return ""
}

// NextMessage waits for a message delivered to n.
func NextMessage(t *testing.T, n *mesh.Node) mesh.ReceivedMessage {
	t.Helper()
	select {
	case m, ok := <-n.Messages():
		if !ok {
			t.Fatal("message stream closed")
		}
		return m
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for message")
		return mesh.ReceivedMessage{}
	}
}

func localAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}
