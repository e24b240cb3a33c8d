package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/backkem/meshtalk/pkg/link"
	"github.com/pion/logging"
)

// ManagerConfig holds configuration for the discovery Manager.
type ManagerConfig struct {
	// InstanceName is the DNS-SD instance name.
	// If empty, a random UUID is used.
	InstanceName string

	// Name is the display name published in TXT records (optional).
	Name string

	// Interfaces specifies which network interfaces to use.
	// If nil, all interfaces are used.
	Interfaces []net.Interface

	// LookupTimeout is the default timeout for lookup operations.
	// If zero, DefaultLookupTimeout is used.
	LookupTimeout time.Duration

	// ServerFactory is the factory for creating mDNS servers (for testing).
	ServerFactory MDNSServerFactory

	// MDNSResolver is the mDNS resolver implementation (for testing).
	MDNSResolver MDNSResolver

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Manager pairs an Advertiser and a Browser so that the device never
// discovers its own advertisement. It implements both link.Advertiser and
// link.Scanner and is what the TCP link transport is configured with.
type Manager struct {
	config     ManagerConfig
	advertiser *Advertiser
	browser    *Browser

	mu     sync.RWMutex
	closed bool
}

// NewManager creates a new discovery Manager with the given configuration.
func NewManager(config ManagerConfig) (*Manager, error) {
	advertiser, err := NewAdvertiser(AdvertiserConfig{
		InstanceName:  config.InstanceName,
		Name:          config.Name,
		Interfaces:    config.Interfaces,
		ServerFactory: config.ServerFactory,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	browser, err := NewBrowser(BrowserConfig{
		MDNSResolver:  config.MDNSResolver,
		IsOwn:         advertiser.IsOwn,
		LookupTimeout: config.LookupTimeout,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	return &Manager{
		config:     config,
		advertiser: advertiser,
		browser:    browser,
	}, nil
}

// Close stops all services and releases resources.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true

	return m.advertiser.Close()
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Advertise implements link.Advertiser.
func (m *Manager) Advertise(ctx context.Context, serviceID string, port int, identityPublicKey []byte) error {
	if m.isClosed() {
		return ErrClosed
	}
	return m.advertiser.Advertise(ctx, serviceID, port, identityPublicKey)
}

// Scan implements link.Scanner.
func (m *Manager) Scan(ctx context.Context, serviceID string) (<-chan link.Discovery, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	return m.browser.Scan(ctx, serviceID)
}

// Lookup resolves a single peer instance.
func (m *Manager) Lookup(ctx context.Context, serviceID, instanceName string) (*link.Discovery, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	return m.browser.Lookup(ctx, serviceID, instanceName)
}

// IsAdvertising returns true if serviceID is currently being advertised.
func (m *Manager) IsAdvertising(serviceID string) bool {
	if m.isClosed() {
		return false
	}
	return m.advertiser.IsAdvertising(serviceID)
}

// Advertiser returns the underlying Advertiser for advanced usage.
func (m *Manager) Advertiser() *Advertiser {
	return m.advertiser
}

// Browser returns the underlying Browser for advanced usage.
func (m *Manager) Browser() *Browser {
	return m.browser
}

var (
	_ link.Advertiser = (*Manager)(nil)
	_ link.Scanner    = (*Manager)(nil)
)
