package dhcp

import (
	"fmt"
	"log/slog"
	"net"
	"slices"

	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/config"
	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/lease"
	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/pool"
)

// SeedPool builds the startup pool for subnet. Reserved addresses and every
// active lease are left out. Addresses of released leases stay in the pool
// but are moved to the served-last end, the most recently released last.
func SeedPool(subnet *config.Subnet, store *lease.Store, logger *slog.Logger) (*pool.Pool, error) {
	var active []net.IP
	var released []lease.Record

	err := store.ForEach(func(r lease.Record) error {
		if !subnet.Contains(r.IP) {
			logger.Warn("lease outside served network, ignoring",
				"mac", r.MAC.String(),
				"ip", r.IP.String(),
				"network", subnet.Network.String())
			return nil
		}
		if r.Active() {
			active = append(active, r.IP)
		} else {
			released = append(released, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading leases: %w", err)
	}

	p, err := pool.ForNetwork(subnet.Network, append(subnet.Reserved(), active...))
	if err != nil {
		return nil, fmt.Errorf("building pool for %s: %w", subnet.Network, err)
	}

	slices.SortFunc(released, func(a, b lease.Record) int {
		return a.Updated.Compare(b.Updated)
	})
	for _, r := range released {
		if p.Remove(r.IP) {
			p.Release(r.IP)
		}
	}

	logger.Info("address pool seeded",
		"network", subnet.Network.String(),
		"available", p.Len(),
		"active_leases", len(active),
		"released_leases", len(released))
	return p, nil
}
