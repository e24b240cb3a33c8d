package discovery

import (
	"context"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/backkem/meshtalk/pkg/crypto"
	"github.com/backkem/meshtalk/pkg/link"
	"github.com/grandcat/zeroconf"
)

func testPublicKey(t *testing.T) []byte {
	t.Helper()
	kp, err := crypto.P256GenerateKeyPair()
	if err != nil {
		t.Fatalf("P256GenerateKeyPair() error = %v", err)
	}
	return kp.P256PublicKey()
}

func TestValidateServiceID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"meshtalk", false},
		{"chat-2", false},
		{"A1", false},
		{"", true},
		{"1chat", true},
		{"-chat", true},
		{"chat-", true},
		{"chat_room", true},
		{"chat.room", true},
		{"sixteen-chars-xx", true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateServiceID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateServiceID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidServiceID) {
				t.Errorf("error = %v, want ErrInvalidServiceID", err)
			}
		})
	}
}

func TestServiceString(t *testing.T) {
	if got := ServiceString(DefaultServiceID); got != "_meshtalk._tcp" {
		t.Errorf("ServiceString() = %q", got)
	}
}

func TestPeerTXT_RoundTrip(t *testing.T) {
	pub := testPublicKey(t)
	txt := NewPeerTXT(pub, "alice")

	records := txt.Encode()
	want := []string{"v=1", "fp=" + crypto.Fingerprint(pub), "n=alice"}
	if !reflect.DeepEqual(records, want) {
		t.Fatalf("Encode() = %v, want %v", records, want)
	}

	parsed, err := ParsePeerTXT(records)
	if err != nil {
		t.Fatalf("ParsePeerTXT() error = %v", err)
	}
	if *parsed != txt {
		t.Errorf("ParsePeerTXT() = %+v, want %+v", *parsed, txt)
	}
}

func TestParsePeerTXT_Errors(t *testing.T) {
	tests := []struct {
		name    string
		records []string
		want    error
	}{
		{"missing version", []string{"fp=0011223344556677"}, ErrInvalidTXTRecord},
		{"bad version", []string{"v=x"}, ErrInvalidTXTRecord},
		{"future version", []string{"v=2"}, ErrUnsupportedVersion},
		{"short fingerprint", []string{"v=1", "fp=0011"}, ErrInvalidTXTRecord},
		{"non-hex fingerprint", []string{"v=1", "fp=zz11223344556677"}, ErrInvalidTXTRecord},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePeerTXT(tt.records)
			if !errors.Is(err, tt.want) {
				t.Errorf("ParsePeerTXT() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseTXT(t *testing.T) {
	got := ParseTXT([]string{"a=1", "b=", "=x", "noequals", "c=d=e"})
	want := map[string]string{"a": "1", "b": "", "c": "d=e"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseTXT() = %v, want %v", got, want)
	}
}

func TestSortIPsByPreference(t *testing.T) {
	linkLocal := net.ParseIP("fe80::1")
	ula := net.ParseIP("fd00::1")
	global := net.ParseIP("2001:db8::1")
	v4 := net.ParseIP("192.168.1.10")
	loop := net.ParseIP("127.0.0.1")

	got := SortIPsByPreference([]net.IP{linkLocal, loop, ula, global, v4})
	want := []net.IP{v4, global, ula, loop, linkLocal}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("SortIPsByPreference()[%d] = %v, want %v (got %v)", i, got[i], want[i], got)
		}
	}
}

func TestPeerAddress(t *testing.T) {
	tests := []struct {
		name    string
		entry   *zeroconf.ServiceEntry
		want    string
		wantErr error
	}{
		{
			name: "ipv4 preferred",
			entry: &zeroconf.ServiceEntry{
				Port:     7420,
				AddrIPv4: []net.IP{net.ParseIP("10.0.0.5")},
				AddrIPv6: []net.IP{net.ParseIP("2001:db8::5")},
			},
			want: "10.0.0.5:7420",
		},
		{
			name: "ipv6 bracketed",
			entry: &zeroconf.ServiceEntry{
				Port:     7420,
				AddrIPv6: []net.IP{net.ParseIP("fe80::5"), net.ParseIP("fd00::5")},
			},
			want: "[fd00::5]:7420",
		},
		{
			name: "only link-local",
			entry: &zeroconf.ServiceEntry{
				Port:     7420,
				AddrIPv6: []net.IP{net.ParseIP("fe80::5")},
			},
			wantErr: ErrNoAddresses,
		},
		{
			name:    "bad port",
			entry:   &zeroconf.ServiceEntry{AddrIPv4: []net.IP{net.ParseIP("10.0.0.5")}},
			wantErr: ErrInvalidPort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PeerAddress(tt.entry)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("PeerAddress() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("PeerAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAdvertiser_StartStop(t *testing.T) {
	mdns := NewMockMDNS(nil)
	adv, err := NewAdvertiser(AdvertiserConfig{Name: "alice", ServerFactory: mdns})
	if err != nil {
		t.Fatalf("NewAdvertiser() error = %v", err)
	}
	defer adv.Close()

	if adv.InstanceName() == "" {
		t.Fatal("InstanceName() is empty")
	}

	pub := testPublicKey(t)
	if err := adv.Start("", 7420, pub); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !adv.IsAdvertising(DefaultServiceID) {
		t.Error("IsAdvertising() = false after Start")
	}

	entries := mdns.Entries("_meshtalk._tcp")
	if len(entries) != 1 {
		t.Fatalf("registered %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Instance != adv.InstanceName() || e.Port != 7420 {
		t.Errorf("entry = %s:%d", e.Instance, e.Port)
	}
	txt := ParseTXT(e.Text)
	if txt[TXTKeyFingerprint] != crypto.Fingerprint(pub) || txt[TXTKeyName] != "alice" {
		t.Errorf("TXT = %v", txt)
	}

	if err := adv.Start(DefaultServiceID, 7420, pub); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	if err := adv.Stop(DefaultServiceID); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(mdns.Entries("_meshtalk._tcp")) != 0 {
		t.Error("entry still registered after Stop")
	}
	if err := adv.Stop(DefaultServiceID); !errors.Is(err, ErrNotStarted) {
		t.Errorf("second Stop() error = %v, want ErrNotStarted", err)
	}
}

func TestAdvertiser_Errors(t *testing.T) {
	mdns := NewMockMDNS(nil)

	if _, err := NewAdvertiser(AdvertiserConfig{Name: string(make([]byte, 40))}); !errors.Is(err, ErrInvalidTXTRecord) {
		t.Errorf("long name error = %v", err)
	}

	adv, err := NewAdvertiser(AdvertiserConfig{ServerFactory: mdns, InstanceName: "fixed"})
	if err != nil {
		t.Fatalf("NewAdvertiser() error = %v", err)
	}
	if adv.InstanceName() != "fixed" {
		t.Errorf("InstanceName() = %q", adv.InstanceName())
	}

	if err := adv.Start("bad_id", 7420, nil); !errors.Is(err, ErrInvalidServiceID) {
		t.Errorf("bad service error = %v", err)
	}
	if err := adv.Start("", 0, nil); !errors.Is(err, ErrInvalidPort) {
		t.Errorf("bad port error = %v", err)
	}

	mdns.FailRegister = errors.New("no multicast")
	if err := adv.Start("", 7420, nil); err == nil {
		t.Error("Start() succeeded with failing registration")
	}
	mdns.FailRegister = nil

	if err := adv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := adv.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close() error = %v", err)
	}
	if err := adv.Start("", 7420, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close error = %v", err)
	}
}

func TestAdvertiser_ContextWithdraws(t *testing.T) {
	mdns := NewMockMDNS(nil)
	adv, err := NewAdvertiser(AdvertiserConfig{ServerFactory: mdns})
	if err != nil {
		t.Fatalf("NewAdvertiser() error = %v", err)
	}
	defer adv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	if err := adv.Advertise(ctx, "chat", 7420, nil); err != nil {
		t.Fatalf("Advertise() error = %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for adv.IsAdvertising("chat") {
		if time.Now().After(deadline) {
			t.Fatal("advertisement not withdrawn after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receiveDiscovery(t *testing.T, ch <-chan link.Discovery) link.Discovery {
	t.Helper()
	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("discovery channel closed")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for discovery")
	}
	return link.Discovery{}
}

func TestBrowser_Scan(t *testing.T) {
	mdns := NewMockMDNS(net.ParseIP("192.168.1.20"))

	// A foreign service entry with bad TXT is ignored.
	mdns.AddEntry("_chat._tcp", &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "junk"},
		Port:          1,
		AddrIPv4:      []net.IP{net.ParseIP("192.168.1.99")},
		Text:          []string{"v=9"},
	})

	b, err := NewBrowser(BrowserConfig{MDNSResolver: mdns})
	if err != nil {
		t.Fatalf("NewBrowser() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	found, err := b.Scan(ctx, "chat")
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	adv, err := NewAdvertiser(AdvertiserConfig{ServerFactory: mdns, Name: "bob"})
	if err != nil {
		t.Fatalf("NewAdvertiser() error = %v", err)
	}
	defer adv.Close()
	pub := testPublicKey(t)
	if err := adv.Start("chat", 7421, pub); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	d := receiveDiscovery(t, found)
	want := link.Discovery{
		PeerID:      "192.168.1.20:7421",
		ServiceID:   "chat",
		Name:        "bob",
		Fingerprint: crypto.Fingerprint(pub),
	}
	if d != want {
		t.Errorf("discovery = %+v, want %+v", d, want)
	}

	cancel()
	select {
	case _, ok := <-found:
		if ok {
			t.Error("unexpected discovery after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestBrowser_ScanInvalidService(t *testing.T) {
	b, err := NewBrowser(BrowserConfig{MDNSResolver: NewMockMDNS(nil)})
	if err != nil {
		t.Fatalf("NewBrowser() error = %v", err)
	}
	if _, err := b.Scan(context.Background(), "no_way"); !errors.Is(err, ErrInvalidServiceID) {
		t.Errorf("Scan() error = %v", err)
	}
}

func TestBrowser_Lookup(t *testing.T) {
	mdns := NewMockMDNS(nil)
	adv, err := NewAdvertiser(AdvertiserConfig{ServerFactory: mdns, InstanceName: "peer-1"})
	if err != nil {
		t.Fatalf("NewAdvertiser() error = %v", err)
	}
	defer adv.Close()
	if err := adv.Start("", 7422, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	b, err := NewBrowser(BrowserConfig{MDNSResolver: mdns, LookupTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewBrowser() error = %v", err)
	}

	d, err := b.Lookup(context.Background(), "", "peer-1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if d.PeerID != "127.0.0.1:7422" || d.Name != "peer-1" {
		t.Errorf("Lookup() = %+v", d)
	}

	if _, err := b.Lookup(context.Background(), "", "nobody"); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("Lookup(nobody) error = %v, want ErrServiceNotFound", err)
	}
}

func TestManager_FiltersOwnAdvertisement(t *testing.T) {
	mdns := NewMockMDNS(nil)
	newManager := func(name string) *Manager {
		m, err := NewManager(ManagerConfig{Name: name, ServerFactory: mdns, MDNSResolver: mdns})
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		t.Cleanup(func() { m.Close() })
		return m
	}
	alice := newManager("alice")
	bob := newManager("bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := alice.Advertise(ctx, "", 7001, nil); err != nil {
		t.Fatalf("alice Advertise() error = %v", err)
	}
	if err := bob.Advertise(ctx, "", 7002, nil); err != nil {
		t.Fatalf("bob Advertise() error = %v", err)
	}
	if !alice.IsAdvertising("") {
		t.Error("alice not advertising")
	}

	found, err := alice.Scan(ctx, "")
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	d := receiveDiscovery(t, found)
	if d.Name != "bob" || d.PeerID != "127.0.0.1:7002" {
		t.Errorf("discovery = %+v, want bob", d)
	}

	select {
	case d := <-found:
		t.Errorf("unexpected discovery %+v", d)
	case <-time.After(50 * time.Millisecond):
	}

	if err := alice.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := alice.Scan(ctx, ""); !errors.Is(err, ErrClosed) {
		t.Errorf("Scan() after Close error = %v", err)
	}
}

// TestManager_TCPLink drives the TCP link transport through discovery:
// bob advertises his listener, alice finds it and dials the discovered
// address.
func TestManager_TCPLink(t *testing.T) {
	mdns := NewMockMDNS(nil)
	newTransport := func(name string) *link.TCP {
		m, err := NewManager(ManagerConfig{Name: name, ServerFactory: mdns, MDNSResolver: mdns})
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		tr, err := link.NewTCP(link.TCPConfig{ListenAddr: "127.0.0.1:0", Advertiser: m, Scanner: m})
		if err != nil {
			t.Fatalf("NewTCP() error = %v", err)
		}
		if err := tr.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		t.Cleanup(func() {
			tr.Close()
			m.Close()
		})
		return tr
	}
	alice := newTransport("alice")
	bob := newTransport("bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bob.StartAdvertising(ctx, "", testPublicKey(t)); err != nil {
		t.Fatalf("StartAdvertising() error = %v", err)
	}
	found, err := alice.StartScanning(ctx, "")
	if err != nil {
		t.Fatalf("StartScanning() error = %v", err)
	}
	d := receiveDiscovery(t, found)
	if d.PeerID != link.PeerID(bob.LocalAddr().String()) {
		t.Fatalf("discovered %s, bob listens on %s", d.PeerID, bob.LocalAddr())
	}

	if err := alice.Connect(ctx, d.PeerID); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	for {
		select {
		case ev := <-bob.Events():
			if ev.Kind == link.EventLinkState && ev.State == link.StateConnected {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("bob never saw the link")
		}
	}
}
