package config

import (
	"net"
	"time"

	"github.com/kestrel-dhcpd/kestrel-dhcpd/pkg/dhcpv4"
)

// Subnet is the validated, read-only description of the served network.
// It is shared by every request handler and must not be modified.
type Subnet struct {
	Network    *net.IPNet
	ServerIP   net.IP
	Gateway    net.IP
	SubnetMask net.IP
	DNS        net.IP
	LeaseTime  time.Duration
}

// Contains reports whether ip is a usable host address of the network:
// inside it, and neither the network nor the broadcast address.
func (s *Subnet) Contains(ip net.IP) bool {
	if ip.To4() == nil || !s.Network.Contains(ip) {
		return false
	}
	first, last := dhcpv4.NetworkBounds(s.Network)
	u := dhcpv4.IPToUint32(ip)
	return u != first && u != last
}

// Assignable reports whether ip may be handed to a client: a host address
// of the network that is not reserved.
func (s *Subnet) Assignable(ip net.IP) bool {
	if !s.Contains(ip) {
		return false
	}
	for _, r := range s.Reserved() {
		if r.Equal(ip) {
			return false
		}
	}
	return true
}

// Reserved returns the addresses never handed to clients.
func (s *Subnet) Reserved() []net.IP {
	first, last := dhcpv4.NetworkBounds(s.Network)
	return []net.IP{
		dhcpv4.Uint32ToIP(first),
		dhcpv4.Uint32ToIP(last),
		s.Gateway,
		s.ServerIP,
		s.DNS,
	}
}

// LeaseSeconds returns the lease time as carried in option 51.
func (s *Subnet) LeaseSeconds() uint32 {
	return uint32(s.LeaseTime / time.Second)
}
