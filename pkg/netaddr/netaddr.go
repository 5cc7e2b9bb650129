// Package netaddr classifies the address strings that show up in ICE
// candidates before anything tries to geolocate them.
package netaddr

import (
	"net/netip"
	"strings"

	"github.com/google/uuid"
)

// Kind is the shape of an observed address.
type Kind int

const (
	Public Kind = iota
	Loopback
	Private
	LinkLocal
	MDNS
	Reserved
	Malformed
)

func (k Kind) String() string {
	switch k {
	case Public:
		return "public"
	case Loopback:
		return "loopback"
	case Private:
		return "private"
	case LinkLocal:
		return "link-local"
	case MDNS:
		return "mdns"
	case Reserved:
		return "reserved"
	default:
		return "malformed"
	}
}

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

// Classify returns the shape of addr. Browsers obfuscate host candidates as
// "<uuid>.local", and some clients leak bare UUIDs; both count as non-public.
func Classify(addr string) Kind {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return Malformed
	}
	if strings.HasSuffix(strings.ToLower(addr), ".local") {
		return MDNS
	}
	if _, err := uuid.Parse(addr); err == nil {
		return Malformed
	}
	ip, err := netip.ParseAddr(strings.Trim(addr, "[]"))
	if err != nil {
		return Malformed
	}
	ip = ip.Unmap()
	switch {
	case ip.IsLoopback():
		return Loopback
	case ip.IsPrivate():
		return Private
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return LinkLocal
	case ip.IsUnspecified(), ip.IsMulticast(), ip.IsInterfaceLocalMulticast():
		return Reserved
	}
	if ip.Is4() {
		if ip == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
			return Reserved
		}
		for _, p := range reservedPrefixes {
			if p.Contains(ip) {
				return Reserved
			}
		}
	}
	return Public
}

// IsLookupable reports whether addr may be sent to an external geolocation
// service.
func IsLookupable(addr string) bool {
	return Classify(addr) == Public
}

// IsLocal reports whether addr is loopback or private, the two shapes that are
// presented as "localhost".
func IsLocal(addr string) bool {
	k := Classify(addr)
	return k == Loopback || k == Private
}
