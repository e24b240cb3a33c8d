package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/backkem/meshtalk/pkg/link"
	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// MDNSServer is the interface for mDNS service registration.
// This allows for dependency injection in tests.
type MDNSServer interface {
	// Shutdown stops the server.
	Shutdown()
}

// MDNSServerFactory creates MDNSServer instances.
type MDNSServerFactory interface {
	// Register creates a new mDNS server for the given service.
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

// zeroconfServerFactory is the production implementation using grandcat/zeroconf.
type zeroconfServerFactory struct{}

func (z *zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// activeService tracks an active DNS-SD service registration.
type activeService struct {
	server       MDNSServer
	instanceName string
	port         int
	txt          PeerTXT
}

// AdvertiserConfig holds configuration for the Advertiser.
type AdvertiserConfig struct {
	// InstanceName is the DNS-SD instance name.
	// If empty, a random UUID is used.
	InstanceName string

	// Name is the display name published in the TXT records (optional).
	Name string

	// Interfaces specifies which network interfaces to advertise on.
	// If nil, all interfaces are used.
	Interfaces []net.Interface

	// ServerFactory is the factory for creating mDNS servers.
	// If nil, the default zeroconf factory is used.
	ServerFactory MDNSServerFactory

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration.
func (c *AdvertiserConfig) Validate() error {
	if len(c.InstanceName) > MaxInstanceNameLength {
		return ErrInvalidInstanceName
	}
	if len(c.Name) > MaxNameLength {
		return fmt.Errorf("%w: name longer than %d", ErrInvalidTXTRecord, MaxNameLength)
	}
	return nil
}

// Advertiser publishes this device's link endpoint via DNS-SD.
// It implements link.Advertiser.
type Advertiser struct {
	config       AdvertiserConfig
	factory      MDNSServerFactory
	instanceName string
	log          logging.LeveledLogger

	mu       sync.RWMutex
	services map[string]*activeService // Key: service ID
	closed   bool
}

// NewAdvertiser creates a new Advertiser with the given configuration.
func NewAdvertiser(config AdvertiserConfig) (*Advertiser, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	factory := config.ServerFactory
	if factory == nil {
		factory = &zeroconfServerFactory{}
	}

	instanceName := config.InstanceName
	if instanceName == "" {
		instanceName = uuid.NewString()
	}

	a := &Advertiser{
		config:       config,
		factory:      factory,
		instanceName: instanceName,
		services:     make(map[string]*activeService),
	}

	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("discovery")
	}

	return a, nil
}

// InstanceName returns the DNS-SD instance name used for all registrations.
func (a *Advertiser) InstanceName() string {
	return a.instanceName
}

// Start registers the service for serviceID on port.
func (a *Advertiser) Start(serviceID string, port int, identityPublicKey []byte) error {
	serviceID = normalizeServiceID(serviceID)
	if err := ValidateServiceID(serviceID); err != nil {
		return err
	}
	if port <= 0 || port > 65535 {
		return ErrInvalidPort
	}

	txt := NewPeerTXT(identityPublicKey, a.config.Name)
	if err := txt.Validate(); err != nil {
		return fmt.Errorf("advertiser: txt validation failed: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if _, exists := a.services[serviceID]; exists {
		return ErrAlreadyStarted
	}

	service := ServiceString(serviceID)
	records := txt.Encode()
	if a.log != nil {
		a.log.Debugf("registering mDNS service: instance=%s service=%s port=%d", a.instanceName, service, port)
		a.log.Tracef("TXT records: %v", records)
	}

	server, err := a.factory.Register(a.instanceName, service, DefaultDomain, port, records, a.config.Interfaces)
	if err != nil {
		return fmt.Errorf("advertiser: mDNS registration failed for %s: %w", service, err)
	}

	if a.log != nil {
		a.log.Infof("advertising %s as %s on port %d", service, a.instanceName, port)
	}

	a.services[serviceID] = &activeService{
		server:       server,
		instanceName: a.instanceName,
		port:         port,
		txt:          txt,
	}
	return nil
}

// Advertise implements link.Advertiser. The registration is withdrawn when
// ctx is cancelled.
func (a *Advertiser) Advertise(ctx context.Context, serviceID string, port int, identityPublicKey []byte) error {
	if err := a.Start(serviceID, port, identityPublicKey); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		if err := a.Stop(serviceID); err != nil && a.log != nil {
			a.log.Tracef("stop %s: %v", serviceID, err)
		}
	}()
	return nil
}

// Stop stops advertising serviceID.
func (a *Advertiser) Stop(serviceID string) error {
	serviceID = normalizeServiceID(serviceID)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	svc, exists := a.services[serviceID]
	if !exists {
		return ErrNotStarted
	}

	svc.server.Shutdown()
	delete(a.services, serviceID)

	if a.log != nil {
		a.log.Infof("stopped advertising %s", ServiceString(serviceID))
	}
	return nil
}

// Close stops all services and closes the advertiser.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	for _, svc := range a.services {
		svc.server.Shutdown()
	}
	a.services = nil
	a.closed = true

	return nil
}

// IsAdvertising returns true if serviceID is currently being advertised.
func (a *Advertiser) IsAdvertising(serviceID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, exists := a.services[normalizeServiceID(serviceID)]
	return exists
}

// IsOwn reports whether a resolved instance name belongs to this advertiser.
func (a *Advertiser) IsOwn(instanceName string) bool {
	return instanceName == a.instanceName
}

var _ link.Advertiser = (*Advertiser)(nil)
