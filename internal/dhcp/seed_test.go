package dhcp

import (
	"net"
	"testing"
	"time"

	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/config"
	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/lease"
)

func smallSubnet() *config.Subnet {
	_, network, _ := net.ParseCIDR("10.0.0.0/29")
	return &config.Subnet{
		Network:    network,
		ServerIP:   ip4(1),
		Gateway:    ip4(1),
		SubnetMask: net.IPv4(255, 255, 255, 248).To4(),
		DNS:        ip4(1),
		LeaseTime:  time.Hour,
	}
}

func TestSeedPoolEmptyStore(t *testing.T) {
	store := newTestStore(t)

	p, err := SeedPool(smallSubnet(), store, testLogger())
	if err != nil {
		t.Fatalf("SeedPool error: %v", err)
	}
	want := []string{"10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5", "10.0.0.6"}
	got := p.Available()
	if len(got) != len(want) {
		t.Fatalf("available = %v, want %v", got, want)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("available[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSeedPoolFromLeases(t *testing.T) {
	store := newTestStore(t)

	put := func(mac net.HardwareAddr, ip net.IP, released bool) {
		t.Helper()
		err := store.Update(func(tx *lease.Tx) error {
			if err := tx.Insert(mac, ip); err != nil {
				return err
			}
			if released {
				return tx.Update(mac, ip, true)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	put(testMAC(1), ip4(2), false)
	put(testMAC(2), ip4(3), true)
	time.Sleep(5 * time.Millisecond)
	put(testMAC(3), ip4(4), true)
	put(testMAC(4), net.IPv4(192, 168, 9, 9), false) // foreign network

	p, err := SeedPool(smallSubnet(), store, testLogger())
	if err != nil {
		t.Fatalf("SeedPool error: %v", err)
	}

	if p.Contains(ip4(2)) {
		t.Error("active lease address seeded into the pool")
	}
	for _, ip := range []net.IP{ip4(0), ip4(1), ip4(7)} {
		if p.Contains(ip) {
			t.Errorf("reserved address %s seeded into the pool", ip)
		}
	}

	// Fresh addresses first, then released ones oldest first
	want := []string{"10.0.0.5", "10.0.0.6", "10.0.0.3", "10.0.0.4"}
	got := p.Available()
	if len(got) != len(want) {
		t.Fatalf("available = %v, want %v", got, want)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("available[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSeedPoolRejectsTinyNetwork(t *testing.T) {
	store := newTestStore(t)
	subnet := smallSubnet()
	_, subnet.Network, _ = net.ParseCIDR("10.0.0.0/31")

	if _, err := SeedPool(subnet, store, testLogger()); err == nil {
		t.Error("expected error for a network without host addresses")
	}
}
