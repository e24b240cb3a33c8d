package mesh

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/backkem/meshtalk/pkg/identity"
	"github.com/backkem/meshtalk/pkg/link"
	"github.com/backkem/meshtalk/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 3 * time.Second

func newPair(t *testing.T) (*Node, *Node, *link.PipeNetwork) {
	t.Helper()
	a, b, network, err := NewTestNodePair(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Stop()
		b.Stop()
	})
	return a, b, network
}

func waitSession(t *testing.T, n *Node, peer link.PeerID, state session.State) session.Snapshot {
	t.Helper()
	var snap session.Snapshot
	require.Eventually(t, func() bool {
		s, err := n.Session(peer)
		if err != nil {
			return false
		}
		snap = s
		return s.State == state
	}, waitTimeout, 5*time.Millisecond, "%s never reached %s", peer, state)
	return snap
}

func nextMessage(t *testing.T, n *Node) ReceivedMessage {
	t.Helper()
	select {
	case m, ok := <-n.Messages():
		require.True(t, ok, "message stream closed")
		return m
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for message")
		return ReceivedMessage{}
	}
}

func connected(t *testing.T, a, b *Node) {
	t.Helper()
	require.NoError(t, a.Connect(context.Background(), "node-b"))
	waitSession(t, a, "node-b", session.StateReady)
	waitSession(t, b, "node-a", session.StateReady)
}

func TestNewNode_Validation(t *testing.T) {
	network := link.NewPipeNetwork(link.PipeNetworkConfig{})
	ep, err := network.Attach("x")
	require.NoError(t, err)
	defer ep.Close()

	tests := []struct {
		name   string
		config NodeConfig
		err    error
	}{
		{"no transport", NodeConfig{}, ErrTransportRequired},
		{"long name", NodeConfig{Transport: ep, Name: strings.Repeat("n", MaxNameLength+1)}, ErrNameTooLong},
		{"bad service", NodeConfig{Transport: ep, ServiceID: "no spaces allowed"}, ErrInvalidConfig},
		{"bad timeout", NodeConfig{Transport: ep, Params: &session.Params{HandshakeTimeout: time.Hour}}, ErrInvalidConfig},
		{"negative buffer", NodeConfig{Transport: ep, EventBufferSize: -1}, ErrInvalidConfig},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewNode(tc.config)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestNode_Lifecycle(t *testing.T) {
	network := link.NewPipeNetwork(link.PipeNetworkConfig{})
	ep, err := network.Attach("x")
	require.NoError(t, err)

	id, err := identity.Generate()
	require.NoError(t, err)

	node, err := NewNode(NodeConfig{Transport: ep, Identity: id})
	require.NoError(t, err)
	assert.Equal(t, NodeStateInitialized, node.State())
	assert.Equal(t, id.PublicKeyBytes(), node.OwnPublicKey())
	assert.Equal(t, id.Fingerprint(), node.Fingerprint())
	assert.Equal(t, "meshtalk", node.ServiceID())

	assert.ErrorIs(t, node.SendMessage("y", []byte("x")), ErrNotStarted)
	assert.ErrorIs(t, node.Stop(), ErrNotStarted)

	require.NoError(t, node.Start(context.Background()))
	assert.Equal(t, NodeStateRunning, node.State())
	assert.ErrorIs(t, node.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, node.Stop())
	assert.Equal(t, NodeStateStopped, node.State())
	assert.ErrorIs(t, node.Stop(), ErrAlreadyStopped)
	assert.ErrorIs(t, node.Start(context.Background()), ErrAlreadyStopped)

	_, ok := <-node.Messages()
	assert.False(t, ok, "streams are closed on stop")

	// A caller-provided identity stays usable.
	_, err = id.DeriveSharedSecret(id.PublicKeyBytes())
	assert.NoError(t, err)
}

func TestNode_DiscoverConnectExchange(t *testing.T) {
	a, b, _ := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Advertise(ctx))
	require.NoError(t, a.Scan(ctx))

	select {
	case d := <-a.Discoveries():
		assert.Equal(t, link.PeerID("node-b"), d.PeerID)
		assert.Equal(t, b.Fingerprint(), d.Fingerprint)
	case <-time.After(waitTimeout):
		t.Fatal("node-b was not discovered")
	}

	snap, err := a.Session("node-b")
	require.NoError(t, err)
	assert.Equal(t, link.StateDiscovered, snap.LinkState)
	assert.Equal(t, session.StateNoSession, snap.State)

	connected(t, a, b)

	snap = waitSession(t, a, "node-b", session.StateReady)
	assert.True(t, snap.HasSessionKey)
	assert.Equal(t, b.Fingerprint(), snap.RemoteFingerprint())
	assert.Equal(t, snap.Metadata.Fingerprint, snap.RemoteFingerprint())

	require.NoError(t, a.SendMessage("node-b", []byte("hello")))
	msg := nextMessage(t, b)
	assert.Equal(t, link.PeerID("node-a"), msg.PeerID)
	assert.Equal(t, []byte("hello"), msg.Data)

	require.NoError(t, b.SendMessage("node-a", []byte("hi")))
	assert.Equal(t, []byte("hi"), nextMessage(t, a).Data)
}

func TestNode_SessionEvents(t *testing.T) {
	a, b, _ := newPair(t)
	connected(t, a, b)

	var states []session.State
	timeout := time.After(waitTimeout)
	for len(states) < 3 {
		select {
		case ev := <-a.SessionEvents():
			require.Equal(t, link.PeerID("node-b"), ev.PeerID)
			states = append(states, ev.State)
		case <-timeout:
			t.Fatalf("only saw %v", states)
		}
	}
	assert.Equal(t, []session.State{
		session.StateAwaitingPeerKey,
		session.StateKeyExchanged,
		session.StateReady,
	}, states)
}

func TestNode_SendBeforeReady(t *testing.T) {
	a, _, _ := newPair(t)
	assert.ErrorIs(t, a.SendMessage("node-b", []byte("x")), session.ErrNoSuchPeer)
}

func TestNode_DisconnectAndReconnect(t *testing.T) {
	a, b, _ := newPair(t)
	connected(t, a, b)
	first, err := a.Session("node-b")
	require.NoError(t, err)

	require.NoError(t, a.Disconnect("node-b"))
	snap := waitSession(t, a, "node-b", session.StateNoSession)
	assert.False(t, snap.HasSessionKey)
	waitSession(t, b, "node-a", session.StateNoSession)
	assert.ErrorIs(t, a.SendMessage("node-b", []byte("x")), session.ErrSessionNotReady)

	connected(t, a, b)
	second, err := a.Session("node-b")
	require.NoError(t, err)
	assert.Greater(t, second.Epoch, first.Epoch)

	require.NoError(t, a.SendMessage("node-b", []byte("again")))
	assert.Equal(t, []byte("again"), nextMessage(t, b).Data)
}

func TestNode_LinkFailure(t *testing.T) {
	a, b, network := newPair(t)
	connected(t, a, b)

	require.NoError(t, network.Break("node-a", "node-b"))

	select {
	case perr := <-a.Errors():
		assert.Equal(t, link.PeerID("node-b"), perr.PeerID)
		assert.ErrorIs(t, perr, link.ErrLinkFailure)
	case <-time.After(waitTimeout):
		t.Fatal("link failure not reported")
	}
	snap := waitSession(t, a, "node-b", session.StateNoSession)
	assert.Equal(t, link.StateDisconnected, snap.LinkState)
}

func TestNode_Broadcast(t *testing.T) {
	network := link.NewPipeNetwork(link.PipeNetworkConfig{})
	ctx := context.Background()

	hub, err := newPipeNode(ctx, network, "node-a", nil)
	require.NoError(t, err)
	defer hub.Stop()

	var spokes []*Node
	for _, id := range []link.PeerID{"node-b", "node-c"} {
		spoke, err := newPipeNode(ctx, network, id, nil)
		require.NoError(t, err)
		defer spoke.Stop()
		spokes = append(spokes, spoke)

		require.NoError(t, hub.Connect(ctx, id))
		waitSession(t, hub, id, session.StateReady)
		waitSession(t, spoke, "node-a", session.StateReady)
	}

	sent, err := hub.Broadcast([]byte("to all"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []link.PeerID{"node-b", "node-c"}, sent)
	for _, spoke := range spokes {
		assert.Equal(t, []byte("to all"), nextMessage(t, spoke).Data)
	}
	assert.Len(t, hub.Peers(), 2)
}

func TestNodeStateAndPeerError(t *testing.T) {
	assert.Equal(t, "Initialized", NodeStateInitialized.String())
	assert.Equal(t, "Running", NodeStateRunning.String())
	assert.Equal(t, "Stopped", NodeStateStopped.String())
	assert.Equal(t, "Unknown", NodeState(9).String())

	perr := PeerError{PeerID: "x", Err: session.ErrHandshakeTimeout}
	assert.True(t, strings.HasPrefix(perr.Error(), "peer x: "))
	assert.ErrorIs(t, perr, session.ErrHandshakeTimeout)
}
