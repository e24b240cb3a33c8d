package mesh

import (
	"fmt"

	"github.com/backkem/meshtalk/pkg/discovery"
	"github.com/backkem/meshtalk/pkg/identity"
	"github.com/backkem/meshtalk/pkg/link"
	"github.com/backkem/meshtalk/pkg/session"
	"github.com/pion/logging"
)

const (
	// DefaultEventBufferSize is the capacity of each node event stream.
	DefaultEventBufferSize = 128

	// MaxNameLength bounds the advertised human-readable name.
	MaxNameLength = discovery.MaxNameLength
)

// NodeConfig holds all configuration for a Node.
type NodeConfig struct {
	// Transport carries links to peers. Required. The node closes it on Stop.
	Transport link.Transport

	// Identity is the long-term key pair. Generated when nil.
	Identity *identity.Identity

	// Name is a human-readable device name (max 32 chars).
	Name string

	// ServiceID scopes advertising and scanning.
	// Default: discovery.DefaultServiceID
	ServiceID string

	// Params controls session negotiation.
	// Default: session.DefaultParams()
	Params *session.Params

	// MaxPeers bounds the session registry.
	// Default: session.DefaultMaxPeers
	MaxPeers int

	// EventBufferSize is the capacity of Messages, SessionEvents, Errors and
	// Discoveries. A full stream drops new events with a warning.
	// Default: DefaultEventBufferSize
	EventBufferSize int

	// LoggerFactory for creating loggers (optional).
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration for errors.
func (c *NodeConfig) Validate() error {
	if c.Transport == nil {
		return ErrTransportRequired
	}
	if len(c.Name) > MaxNameLength {
		return ErrNameTooLong
	}
	if c.ServiceID != "" {
		if err := discovery.ValidateServiceID(c.ServiceID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if c.Params != nil {
		if err := c.Params.WithDefaults().Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if c.EventBufferSize < 0 {
		return fmt.Errorf("%w: negative event buffer size", ErrInvalidConfig)
	}
	return nil
}

// applyDefaults fills in default values for unset fields.
func (c *NodeConfig) applyDefaults() {
	if c.ServiceID == "" {
		c.ServiceID = discovery.DefaultServiceID
	}
	if c.Params == nil {
		p := session.DefaultParams()
		c.Params = &p
	}
	if c.MaxPeers == 0 {
		c.MaxPeers = session.DefaultMaxPeers
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = DefaultEventBufferSize
	}
}
