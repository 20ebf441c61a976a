// Package pool holds the set of unassigned addresses for the served network.
package pool

import (
	"fmt"
	"net"
	"slices"
	"sync"

	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/metrics"
	"github.com/kestrel-dhcpd/kestrel-dhcpd/pkg/dhcpv4"
)

// Pool is an ordered sequence of free IPv4 addresses.
//
// Addresses are picked from the tail of the slice and released to its head,
// so a freed address is handed out again only after every other free address.
type Pool struct {
	addrs []uint32
	mu    sync.Mutex
}

// New creates a pool holding addrs in serving order: the last element is
// picked first. Duplicates and non-IPv4 entries are dropped.
func New(addrs []net.IP) *Pool {
	p := &Pool{addrs: make([]uint32, 0, len(addrs))}
	seen := make(map[uint32]struct{}, len(addrs))
	for _, ip := range addrs {
		if ip.To4() == nil {
			continue
		}
		u := dhcpv4.IPToUint32(ip)
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		p.addrs = append(p.addrs, u)
	}
	p.report()
	return p
}

// ForNetwork enumerates every usable address of network, excluding the
// network and broadcast addresses and anything in reserved. The pool is
// seeded in descending order so addresses are first handed out ascending.
func ForNetwork(network *net.IPNet, reserved []net.IP) (*Pool, error) {
	if network == nil || network.IP.To4() == nil {
		return nil, fmt.Errorf("pool requires an IPv4 network, got %v", network)
	}
	first, last := dhcpv4.NetworkBounds(network)
	if last-first < 2 {
		return nil, fmt.Errorf("network %s has no usable addresses", network)
	}

	skip := make(map[uint32]struct{}, len(reserved))
	for _, ip := range reserved {
		if ip.To4() != nil {
			skip[dhcpv4.IPToUint32(ip)] = struct{}{}
		}
	}

	p := &Pool{addrs: make([]uint32, 0, last-first-1)}
	for u := last - 1; u > first; u-- {
		if _, ok := skip[u]; ok {
			continue
		}
		p.addrs = append(p.addrs, u)
	}
	p.report()
	return p, nil
}

// PickAny removes and returns the next address to serve.
func (p *Pool) PickAny() (net.IP, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.addrs)
	if n == 0 {
		return nil, false
	}
	u := p.addrs[n-1]
	p.addrs = p.addrs[:n-1]
	p.reportLocked()
	return dhcpv4.Uint32ToIP(u), true
}

// PickSpecific removes ip from the pool. Returns false if it was not free.
func (p *Pool) PickSpecific(ip net.IP) bool {
	if ip.To4() == nil {
		return false
	}
	u := dhcpv4.IPToUint32(ip)

	p.mu.Lock()
	defer p.mu.Unlock()

	i := slices.Index(p.addrs, u)
	if i < 0 {
		return false
	}
	p.addrs = slices.Delete(p.addrs, i, i+1)
	p.reportLocked()
	return true
}

// Remove is PickSpecific under the name used when reconciling with the
// lease store.
func (p *Pool) Remove(ip net.IP) bool {
	return p.PickSpecific(ip)
}

// Release returns ip to the end of the queue that is served last.
// Releasing an address already in the pool is a no-op and returns false.
func (p *Pool) Release(ip net.IP) bool {
	if ip.To4() == nil {
		return false
	}
	u := dhcpv4.IPToUint32(ip)

	p.mu.Lock()
	defer p.mu.Unlock()

	if slices.Contains(p.addrs, u) {
		return false
	}
	p.addrs = slices.Insert(p.addrs, 0, u)
	p.reportLocked()
	return true
}

// Contains reports whether ip is currently free.
func (p *Pool) Contains(ip net.IP) bool {
	if ip.To4() == nil {
		return false
	}
	u := dhcpv4.IPToUint32(ip)

	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Contains(p.addrs, u)
}

// Len returns the number of free addresses.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.addrs)
}

// Available returns a snapshot of the free addresses in serving order,
// next-to-be-picked first.
func (p *Pool) Available() []net.IP {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]net.IP, 0, len(p.addrs))
	for i := len(p.addrs) - 1; i >= 0; i-- {
		out = append(out, dhcpv4.Uint32ToIP(p.addrs[i]))
	}
	return out
}

func (p *Pool) report() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reportLocked()
}

func (p *Pool) reportLocked() {
	metrics.PoolAvailable.Set(float64(len(p.addrs)))
}
