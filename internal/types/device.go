package types

import (
	"fmt"
	"net"
	"strconv"
)

// NetworkDevice identifies a peer on the network. Ports that are not known yet are -1.
type NetworkDevice struct {
	Name          string `json:"name"`
	Address       string `json:"address,omitempty"`
	DiscoveryPort int    `json:"discovery_port"`
	CommandPort   int    `json:"command_port"`
	DataPort      int    `json:"data_port"`
}

// NewNetworkDevice creates a device without an address and without a discovery port.
func NewNetworkDevice(name string, commandPort, dataPort int) NetworkDevice {
	return NetworkDevice{
		Name:          name,
		DiscoveryPort: -1,
		CommandPort:   commandPort,
		DataPort:      dataPort,
	}
}

// Equal compares name, address and all three ports.
func (d NetworkDevice) Equal(other NetworkDevice) bool {
	return d.Name == other.Name &&
		d.Address == other.Address &&
		d.DiscoveryPort == other.DiscoveryPort &&
		d.CommandPort == other.CommandPort &&
		d.DataPort == other.DataPort
}

// Key returns a string usable as map key; two devices share a key iff they are Equal.
func (d NetworkDevice) Key() string {
	return strconv.Quote(d.Name) + "@" + d.Address + ":" +
		strconv.Itoa(d.DiscoveryPort) + "/" +
		strconv.Itoa(d.CommandPort) + "/" +
		strconv.Itoa(d.DataPort)
}

// WithAddress returns a copy with the address backfilled.
func (d NetworkDevice) WithAddress(address string) NetworkDevice {
	d.Address = address
	return d
}

// HasAddress reports whether the address has been set.
func (d NetworkDevice) HasAddress() bool {
	return d.Address != ""
}

// IP resolves the textual address.
func (d NetworkDevice) IP() (net.IP, error) {
	if d.Address == "" {
		return nil, fmt.Errorf("device %q: %w", d.Name, ErrUnresolvedAddress)
	}

	if ip := net.ParseIP(d.Address); ip != nil {
		return ip, nil
	}

	addr, err := net.ResolveIPAddr("ip", d.Address)
	if err != nil {
		return nil, fmt.Errorf("device %q: resolve %s: %w", d.Name, d.Address, err)
	}
	return addr.IP, nil
}

func (d NetworkDevice) String() string {
	address := d.Address
	if address == "" {
		address = "unknown"
	}
	return d.Name + " at " + address
}
