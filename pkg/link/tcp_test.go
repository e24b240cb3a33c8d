package link

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTCP(t *testing.T, config TCPConfig) *TCP {
	t.Helper()
	if config.ListenAddr == "" && config.Listener == nil {
		config.ListenAddr = "127.0.0.1:0"
	}
	tr, err := NewTCP(config)
	require.NoError(t, err)
	require.NoError(t, tr.Start())
	t.Cleanup(func() { tr.Close() })
	return tr
}

// awaitConnected skips events until peer is reported Connected and returns
// the peer ID.
func awaitConnected(t *testing.T, ch <-chan Event) PeerID {
	t.Helper()
	for {
		ev := nextEvent(t, ch)
		if ev.Kind == EventLinkState && ev.State == StateConnected {
			return ev.PeerID
		}
	}
}

func TestTCP_ConnectAndExchange(t *testing.T) {
	server := newTestTCP(t, TCPConfig{})
	client := newTestTCP(t, TCPConfig{})

	serverID := PeerID(server.LocalAddr().String())
	require.NoError(t, client.Connect(context.Background(), serverID))

	expectState(t, client.Events(), serverID, StateConnecting)
	expectState(t, client.Events(), serverID, StateConnected)
	clientID := awaitConnected(t, server.Events())

	require.NoError(t, client.Send(serverID, []byte("hello")))
	ev := nextEvent(t, server.Events())
	assert.Equal(t, EventData, ev.Kind)
	assert.Equal(t, clientID, ev.PeerID)
	assert.Equal(t, []byte("hello"), ev.Data)

	require.NoError(t, server.Send(clientID, []byte("world")))
	ev = nextEvent(t, client.Events())
	assert.Equal(t, EventData, ev.Kind)
	assert.Equal(t, []byte("world"), ev.Data)
}

func TestTCP_Disconnect(t *testing.T) {
	server := newTestTCP(t, TCPConfig{})
	client := newTestTCP(t, TCPConfig{})

	serverID := PeerID(server.LocalAddr().String())
	require.NoError(t, client.Connect(context.Background(), serverID))
	awaitConnected(t, client.Events())
	clientID := awaitConnected(t, server.Events())

	require.NoError(t, client.Disconnect(serverID))

	ev := expectState(t, client.Events(), serverID, StateDisconnected)
	assert.NoError(t, ev.Err)
	ev = expectState(t, server.Events(), clientID, StateDisconnected)
	assert.NoError(t, ev.Err)

	assert.ErrorIs(t, client.Send(serverID, []byte("x")), ErrNotConnected)
}

func TestTCP_DialFailure(t *testing.T) {
	// Reserve a port and release it so nothing listens there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := PeerID(l.Addr().String())
	l.Close()

	client := newTestTCP(t, TCPConfig{DialTimeout: time.Second})

	err = client.Connect(context.Background(), addr)
	assert.ErrorIs(t, err, ErrLinkUnavailable)
	expectState(t, client.Events(), addr, StateConnecting)
	ev := expectState(t, client.Events(), addr, StateDisconnected)
	assert.ErrorIs(t, ev.Err, ErrLinkUnavailable)
}

func TestTCP_Errors(t *testing.T) {
	tr := newTestTCP(t, TCPConfig{})
	ctx := context.Background()

	assert.ErrorIs(t, tr.Connect(ctx, "not-an-address"), ErrInvalidPeer)
	assert.ErrorIs(t, tr.Send("127.0.0.1:1", []byte("x")), ErrNotConnected)
	assert.ErrorIs(t, tr.Send("127.0.0.1:1", make([]byte, MaxMessageSize+1)), ErrMessageTooLarge)
	assert.ErrorIs(t, tr.Disconnect("127.0.0.1:1"), ErrNotConnected)

	assert.ErrorIs(t, tr.StartAdvertising(ctx, "svc", nil), ErrNotSupported)
	_, err := tr.StartScanning(ctx, "svc")
	assert.ErrorIs(t, err, ErrNotSupported)

	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Start(), ErrClosed)
	assert.ErrorIs(t, tr.Connect(ctx, "127.0.0.1:1"), ErrClosed)
}

type fakeAdvertiser struct {
	serviceID string
	port      int
	pub       []byte
}

func (f *fakeAdvertiser) Advertise(_ context.Context, serviceID string, port int, pub []byte) error {
	f.serviceID, f.port, f.pub = serviceID, port, pub
	return nil
}

type fakeScanner struct {
	found []Discovery
}

func (f *fakeScanner) Scan(_ context.Context, serviceID string) (<-chan Discovery, error) {
	ch := make(chan Discovery, len(f.found))
	for _, d := range f.found {
		if d.ServiceID == serviceID {
			ch <- d
		}
	}
	close(ch)
	return ch, nil
}

func TestTCP_DelegatesDiscovery(t *testing.T) {
	adv := &fakeAdvertiser{}
	scan := &fakeScanner{found: []Discovery{
		{PeerID: "10.0.0.2:7420", ServiceID: "svc"},
		{PeerID: "10.0.0.3:7420", ServiceID: "other"},
	}}
	tr := newTestTCP(t, TCPConfig{Advertiser: adv, Scanner: scan})

	require.NoError(t, tr.StartAdvertising(context.Background(), "svc", []byte{4, 1}))
	assert.Equal(t, "svc", adv.serviceID)
	assert.Equal(t, tr.Port(), adv.port)
	assert.Equal(t, []byte{4, 1}, adv.pub)

	ch, err := tr.StartScanning(context.Background(), "svc")
	require.NoError(t, err)
	var got []PeerID
	for d := range ch {
		got = append(got, d.PeerID)
	}
	assert.Equal(t, []PeerID{"10.0.0.2:7420"}, got)
}

func TestTCP_PeerCloseReported(t *testing.T) {
	server := newTestTCP(t, TCPConfig{})
	client := newTestTCP(t, TCPConfig{})

	serverID := PeerID(server.LocalAddr().String())
	require.NoError(t, client.Connect(context.Background(), serverID))
	awaitConnected(t, client.Events())
	awaitConnected(t, server.Events())

	require.NoError(t, server.Close())
	expectState(t, client.Events(), serverID, StateDisconnected)
}
