package discovery

import (
	"context"
	"time"

	"github.com/backkem/meshtalk/pkg/link"
	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// DefaultLookupTimeout is the default timeout for lookup operations.
const DefaultLookupTimeout = 5 * time.Second

// MDNSResolver is the interface for mDNS service resolution.
// Browse and Lookup return once the query is running; entries are streamed
// until ctx is done, after which the implementation closes entries.
type MDNSResolver interface {
	// Browse browses for services of the given type.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

	// Lookup looks up a specific service instance.
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation using grandcat/zeroconf.
type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

func newZeroconfResolver() (*zeroconfResolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfResolver{resolver: r}, nil
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Browse(ctx, service, domain, entries)
}

func (z *zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Lookup(ctx, instance, service, domain, entries)
}

// BrowserConfig holds configuration for the Browser.
type BrowserConfig struct {
	// MDNSResolver is the underlying mDNS resolver implementation.
	// If nil, the default zeroconf resolver is used.
	MDNSResolver MDNSResolver

	// IsOwn filters out this device's own advertisements (optional).
	IsOwn func(instanceName string) bool

	// LookupTimeout is the timeout for Lookup when ctx has no deadline.
	// If zero, DefaultLookupTimeout is used.
	LookupTimeout time.Duration

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

// Browser finds meshtalk peers via DNS-SD. It implements link.Scanner.
type Browser struct {
	config   BrowserConfig
	resolver MDNSResolver
	log      logging.LeveledLogger
}

// NewBrowser creates a new Browser with the given configuration.
func NewBrowser(config BrowserConfig) (*Browser, error) {
	resolver := config.MDNSResolver
	if resolver == nil {
		zr, err := newZeroconfResolver()
		if err != nil {
			return nil, err
		}
		resolver = zr
	}

	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}

	b := &Browser{
		config:   config,
		resolver: resolver,
	}
	if config.LoggerFactory != nil {
		b.log = config.LoggerFactory.NewLogger("discovery")
	}
	return b, nil
}

// Scan implements link.Scanner. Discoveries are streamed until ctx is
// cancelled, then the channel is closed. Each instance is reported again when
// its address or TXT records change.
func (b *Browser) Scan(ctx context.Context, serviceID string) (<-chan link.Discovery, error) {
	serviceID = normalizeServiceID(serviceID)
	if err := ValidateServiceID(serviceID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	entries := make(chan *zeroconf.ServiceEntry)
	if err := b.resolver.Browse(ctx, ServiceString(serviceID), DefaultDomain, entries); err != nil {
		cancel()
		return nil, err
	}

	results := make(chan link.Discovery)
	go func() {
		defer cancel()
		defer close(results)

		seen := make(map[string]link.Discovery)
		for {
			var entry *zeroconf.ServiceEntry
			select {
			case <-ctx.Done():
				return
			case e, ok := <-entries:
				if !ok {
					return
				}
				entry = e
			}
			if entry == nil {
				continue
			}

			d, err := b.toDiscovery(entry, serviceID)
			if err != nil {
				if b.log != nil {
					b.log.Debugf("ignoring %q: %v", entry.Instance, err)
				}
				continue
			}
			if prev, ok := seen[entry.Instance]; ok && prev == d {
				continue
			}
			seen[entry.Instance] = d

			select {
			case results <- d:
			case <-ctx.Done():
				return
			}
		}
	}()

	return results, nil
}

// Lookup resolves a single instance of serviceID.
func (b *Browser) Lookup(ctx context.Context, serviceID, instanceName string) (*link.Discovery, error) {
	serviceID = normalizeServiceID(serviceID)
	if err := ValidateServiceID(serviceID); err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.LookupTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := b.resolver.Lookup(ctx, instanceName, ServiceString(serviceID), DefaultDomain, entries); err != nil {
		return nil, err
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil, ErrServiceNotFound
			}
			if entry == nil || entry.Instance != instanceName {
				continue
			}
			d, err := b.toDiscovery(entry, serviceID)
			if err != nil {
				return nil, err
			}
			return &d, nil
		case <-ctx.Done():
			return nil, ErrServiceNotFound
		}
	}
}

// toDiscovery converts a resolved entry, rejecting own and foreign
// advertisements.
func (b *Browser) toDiscovery(entry *zeroconf.ServiceEntry, serviceID string) (link.Discovery, error) {
	if b.config.IsOwn != nil && b.config.IsOwn(entry.Instance) {
		return link.Discovery{}, errOwnAdvertisement
	}

	txt, err := ParsePeerTXT(entry.Text)
	if err != nil {
		return link.Discovery{}, err
	}

	addr, err := PeerAddress(entry)
	if err != nil {
		return link.Discovery{}, err
	}

	name := txt.Name
	if name == "" {
		name = entry.Instance
	}

	return link.Discovery{
		PeerID:      link.PeerID(addr),
		ServiceID:   serviceID,
		Name:        name,
		Fingerprint: txt.Fingerprint,
	}, nil
}

var _ link.Scanner = (*Browser)(nil)
