package discovery

import (
	"net"
	"sort"
	"strconv"

	"github.com/grandcat/zeroconf"
)

// SortIPsByPreference orders addresses by how likely a direct TCP dial is to
// succeed on a LAN. Priority order (highest to lowest):
//  1. IPv4 unicast
//  2. IPv6 global unicast
//  3. IPv6 unique local (fc00::/7)
//  4. Loopback
//  5. IPv6 link-local (needs a zone to dial)
//  6. Other addresses
func SortIPsByPreference(ips []net.IP) []net.IP {
	if len(ips) <= 1 {
		return ips
	}

	sorted := make([]net.IP, len(ips))
	copy(sorted, ips)

	sort.SliceStable(sorted, func(i, j int) bool {
		return ipPriority(sorted[i]) < ipPriority(sorted[j])
	})

	return sorted
}

// ipPriority returns the priority of an IP address (lower is better).
func ipPriority(ip net.IP) int {
	ip = ip.To16()
	if ip == nil {
		return 99
	}

	switch {
	case ip.IsUnspecified(), ip.IsMulticast():
		return 90
	case ip.IsLoopback():
		return 40
	case ip.To4() != nil:
		if ip.IsLinkLocalUnicast() {
			return 45
		}
		return 0
	case isUniqueLocal(ip):
		return 2
	case ip.IsGlobalUnicast():
		return 1
	case ip.IsLinkLocalUnicast():
		return 50
	}
	return 60
}

// isUniqueLocal returns true if the IP is an IPv6 Unique Local Address (ULA).
// ULA range: fc00::/7 (fc00:: to fdff::)
func isUniqueLocal(ip net.IP) bool {
	ip = ip.To16()
	if ip == nil || ip.To4() != nil {
		return false
	}
	return ip[0] == 0xfc || ip[0] == 0xfd
}

// usable reports whether ip can be dialed without extra context.
func usable(ip net.IP) bool {
	return ip != nil && !ip.IsUnspecified() && !ip.IsMulticast() &&
		!(ip.To4() == nil && ip.IsLinkLocalUnicast())
}

// PeerAddress returns the dialable "host:port" address of a resolved entry,
// preferring addresses per SortIPsByPreference.
func PeerAddress(entry *zeroconf.ServiceEntry) (string, error) {
	if entry.Port <= 0 || entry.Port > 65535 {
		return "", ErrInvalidPort
	}

	ips := make([]net.IP, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	ips = append(ips, entry.AddrIPv4...)
	ips = append(ips, entry.AddrIPv6...)

	for _, ip := range SortIPsByPreference(ips) {
		if usable(ip) {
			return net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), nil
		}
	}
	return "", ErrNoAddresses
}
