// Package discovery publishes and finds meshtalk peers on the local network
// using mDNS/DNS-SD.
//
// A peer advertises the service "_<serviceID>._tcp" (by default
// "_meshtalk._tcp") on its link listening port, with TXT records carrying the
// protocol version and the fingerprint of its identity key:
//
//	v=1
//	fp=<16 hex chars>
//	n=<display name>
//
// The Browser turns resolved services into link.Discovery values whose peer
// ID is a dialable "host:port" address.
package discovery

import (
	"fmt"
	"strings"
)

// DefaultServiceID is the service ID used when none is given.
const DefaultServiceID = "meshtalk"

// DefaultDomain is the DNS-SD domain.
const DefaultDomain = "local."

// MaxServiceIDLength is the DNS-SD limit for a service name label.
const MaxServiceIDLength = 15

// MaxInstanceNameLength is the DNS label limit for an instance name.
const MaxInstanceNameLength = 63

// ServiceString returns the DNS-SD service type for serviceID, e.g.
// "_meshtalk._tcp".
func ServiceString(serviceID string) string {
	return "_" + serviceID + "._tcp"
}

// ValidateServiceID checks that serviceID is usable as a DNS-SD service name:
// 1-15 characters of letters, digits and hyphens, starting with a letter and
// not ending with a hyphen.
func ValidateServiceID(serviceID string) error {
	if len(serviceID) == 0 || len(serviceID) > MaxServiceIDLength {
		return fmt.Errorf("%w: length %d", ErrInvalidServiceID, len(serviceID))
	}
	for i := 0; i < len(serviceID); i++ {
		c := serviceID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9', c == '-':
			if i == 0 {
				return fmt.Errorf("%w: %q must start with a letter", ErrInvalidServiceID, serviceID)
			}
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidServiceID, serviceID, c)
		}
	}
	if strings.HasSuffix(serviceID, "-") {
		return fmt.Errorf("%w: %q ends with a hyphen", ErrInvalidServiceID, serviceID)
	}
	return nil
}

// normalizeServiceID returns serviceID, or DefaultServiceID when empty.
func normalizeServiceID(serviceID string) string {
	if serviceID == "" {
		return DefaultServiceID
	}
	return serviceID
}
