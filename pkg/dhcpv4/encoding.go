package dhcpv4

import (
	"encoding/binary"
	"fmt"
	"net"
)

// IPToBytes converts a net.IP to a 4-byte slice.
func IPToBytes(ip net.IP) []byte {
	ip4 := ip.To4()
	if ip4 == nil {
		return []byte{0, 0, 0, 0}
	}
	b := make([]byte, 4)
	copy(b, ip4)
	return b
}

// BytesToIP converts a 4-byte slice to net.IP.
func BytesToIP(b []byte) net.IP {
	if len(b) != 4 {
		return nil
	}
	return net.IPv4(b[0], b[1], b[2], b[3]).To4()
}

// Uint32ToBytes converts a uint32 to 4 bytes (big-endian).
func Uint32ToBytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// BytesToUint32 converts 4 bytes to uint32 (big-endian).
func BytesToUint32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("invalid uint32 length %d: expected 4", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// IPToUint32 converts a net.IP to a uint32.
func IPToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip4)
}

// Uint32ToIP converts a uint32 to a 4-byte net.IP.
func Uint32ToIP(n uint32) net.IP {
	b := make(net.IP, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

// IsZero reports whether ip is nil or 0.0.0.0.
func IsZero(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero)
}

// NetworkBounds returns the network and broadcast addresses of an IPv4 network
// as integers.
func NetworkBounds(network *net.IPNet) (first, last uint32) {
	mask := IPToUint32(net.IP(network.Mask))
	first = IPToUint32(network.IP) & mask
	last = first | ^mask
	return first, last
}

// BroadcastAddr returns the directed broadcast address of network.
func BroadcastAddr(network *net.IPNet) net.IP {
	_, last := NetworkBounds(network)
	return Uint32ToIP(last)
}
