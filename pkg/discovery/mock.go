package discovery

import (
	"context"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
)

// MockMDNS is an in-process mDNS network for tests. It implements both
// MDNSServerFactory and MDNSResolver: services registered through it are
// visible to every Browse and Lookup running on the same MockMDNS.
type MockMDNS struct {
	mu       sync.Mutex
	addr     net.IP
	services map[string][]*zeroconf.ServiceEntry // Key: service type
	watchers map[*mockWatcher]struct{}

	// FailRegister makes Register return an error.
	FailRegister error
}

type mockWatcher struct {
	service string
	updates chan *zeroconf.ServiceEntry
}

// NewMockMDNS creates an empty mock network. Registered services resolve
// to addr (127.0.0.1 when nil).
func NewMockMDNS(addr net.IP) *MockMDNS {
	if addr == nil {
		addr = net.IPv4(127, 0, 0, 1)
	}
	return &MockMDNS{
		addr:     addr,
		services: make(map[string][]*zeroconf.ServiceEntry),
		watchers: make(map[*mockWatcher]struct{}),
	}
}

// AddEntry publishes a raw entry, bypassing Register.
func (m *MockMDNS) AddEntry(service string, entry *zeroconf.ServiceEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[service] = append(m.services[service], entry)
	for w := range m.watchers {
		if w.service == service {
			select {
			case w.updates <- entry:
			default:
			}
		}
	}
}

// Entries returns the registered entries for service.
func (m *MockMDNS) Entries(service string) []*zeroconf.ServiceEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*zeroconf.ServiceEntry, len(m.services[service]))
	copy(out, m.services[service])
	return out
}

// Register implements MDNSServerFactory.
func (m *MockMDNS) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	if m.FailRegister != nil {
		return nil, m.FailRegister
	}

	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  service,
			Domain:   domain,
		},
		HostName: instance + ".local.",
		Port:     port,
		Text:     append([]string(nil), txt...),
	}
	if m.addr.To4() != nil {
		entry.AddrIPv4 = []net.IP{m.addr}
	} else {
		entry.AddrIPv6 = []net.IP{m.addr}
	}

	m.AddEntry(service, entry)
	return &mockServer{mdns: m, service: service, entry: entry}, nil
}

func (m *MockMDNS) remove(service string, entry *zeroconf.ServiceEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.services[service]
	for i, e := range list {
		if e == entry {
			m.services[service] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Browse implements MDNSResolver. It streams current and future entries of
// service until ctx is done, then closes entries.
func (m *MockMDNS) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	w := &mockWatcher{service: service, updates: make(chan *zeroconf.ServiceEntry, 64)}

	m.mu.Lock()
	existing := make([]*zeroconf.ServiceEntry, len(m.services[service]))
	copy(existing, m.services[service])
	m.watchers[w] = struct{}{}
	m.mu.Unlock()

	go func() {
		defer close(entries)
		defer func() {
			m.mu.Lock()
			delete(m.watchers, w)
			m.mu.Unlock()
		}()

		for _, e := range existing {
			select {
			case entries <- e:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case e := <-w.updates:
				select {
				case entries <- e:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Lookup implements MDNSResolver.
func (m *MockMDNS) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	var found *zeroconf.ServiceEntry
	for _, e := range m.Entries(service) {
		if e.Instance == instance {
			found = e
			break
		}
	}

	go func() {
		defer close(entries)
		if found == nil {
			return
		}
		select {
		case entries <- found:
		case <-ctx.Done():
		}
	}()
	return nil
}

type mockServer struct {
	mdns    *MockMDNS
	service string
	entry   *zeroconf.ServiceEntry
	once    sync.Once
}

func (s *mockServer) Shutdown() {
	s.once.Do(func() { s.mdns.remove(s.service, s.entry) })
}
