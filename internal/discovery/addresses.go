package discovery

import (
	"fmt"
	"net"
	"regexp"
)

// DefaultInterfacePattern matches the interface names of typical LAN, WLAN and hotspot adapters.
const DefaultInterfacePattern = `^(wlan|wlp|wl|eth|en|ap|swlan|rndis)`

var limitedBroadcast = net.IPv4bcast

// AddressProvider yields the addresses the client broadcasts its identification to.
type AddressProvider interface {
	BroadcastAddresses() ([]net.IP, error)
}

// StaticAddresses always returns the same list.
type StaticAddresses []net.IP

func (s StaticAddresses) BroadcastAddresses() ([]net.IP, error) {
	return s, nil
}

// InterfaceAddresses derives IPv4 broadcast addresses from the local interfaces
// that are up, not loopback and match one of the patterns.
type InterfaceAddresses struct {
	patterns []*regexp.Regexp
}

func NewInterfaceAddresses(patterns []string) (*InterfaceAddresses, error) {
	if len(patterns) == 0 {
		patterns = []string{DefaultInterfacePattern}
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("interface pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &InterfaceAddresses{patterns: compiled}, nil
}

// BroadcastAddresses falls back to 255.255.255.255 when no interface qualifies.
func (a *InterfaceAddresses) BroadcastAddresses() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return []net.IP{limitedBroadcast}, fmt.Errorf("list interfaces: %w", err)
	}

	var result []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if !a.matches(iface.Name) {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if bcast := broadcastOf(addr); bcast != nil {
				result = append(result, bcast)
			}
		}
	}

	if len(result) == 0 {
		return []net.IP{limitedBroadcast}, nil
	}
	return result, nil
}

func (a *InterfaceAddresses) matches(name string) bool {
	for _, re := range a.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

func broadcastOf(addr net.Addr) net.IP {
	ipNet, ok := addr.(*net.IPNet)
	if !ok {
		return nil
	}
	ip := ipNet.IP.To4()
	if ip == nil || len(ipNet.Mask) != net.IPv4len {
		return nil
	}

	bcast := make(net.IP, net.IPv4len)
	for i := range ip {
		bcast[i] = ip[i] | ^ipNet.Mask[i]
	}
	return bcast
}
