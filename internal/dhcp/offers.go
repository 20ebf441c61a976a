package dhcp

import (
	"net"
	"sync"
	"time"

	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/metrics"
)

// DefaultOfferTimeout is how long an offered address is held for the client.
const DefaultOfferTimeout = 60 * time.Second

type pendingOffer struct {
	ip      net.IP
	expires time.Time
}

// offerTable tracks addresses taken from the pool by an OFFER that has not
// been confirmed yet. Whoever removes an entry owns its address.
type offerTable struct {
	mu    sync.Mutex
	byMAC map[string]pendingOffer
	ttl   time.Duration
}

func newOfferTable(ttl time.Duration) *offerTable {
	if ttl <= 0 {
		ttl = DefaultOfferTimeout
	}
	return &offerTable{
		byMAC: make(map[string]pendingOffer),
		ttl:   ttl,
	}
}

// put records ip for mac until now+ttl. It returns the address of a
// replaced offer when that address differs from ip.
func (t *offerTable) put(mac net.HardwareAddr, ip net.IP, now time.Time) net.IP {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := mac.String()
	prev, had := t.byMAC[key]
	t.byMAC[key] = pendingOffer{ip: ip, expires: now.Add(t.ttl)}
	metrics.LeasesOffered.Set(float64(len(t.byMAC)))

	if had && !prev.ip.Equal(ip) {
		return prev.ip
	}
	return nil
}

// refresh extends the offer for mac to now+ttl and returns its address.
// It never creates an entry, so an offer taken concurrently stays taken.
func (t *offerTable) refresh(mac net.HardwareAddr, now time.Time) (net.IP, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := mac.String()
	o, ok := t.byMAC[key]
	if !ok {
		return nil, false
	}
	o.expires = now.Add(t.ttl)
	t.byMAC[key] = o
	return o.ip, true
}

// take removes and returns the offer for mac.
func (t *offerTable) take(mac net.HardwareAddr) (net.IP, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := mac.String()
	o, ok := t.byMAC[key]
	if ok {
		delete(t.byMAC, key)
		metrics.LeasesOffered.Set(float64(len(t.byMAC)))
	}
	return o.ip, ok
}

// expire removes every offer whose deadline is before now and returns
// their addresses.
func (t *offerTable) expire(now time.Time) []net.IP {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []net.IP
	for key, o := range t.byMAC {
		if now.After(o.expires) {
			out = append(out, o.ip)
			delete(t.byMAC, key)
		}
	}
	metrics.LeasesOffered.Set(float64(len(t.byMAC)))
	return out
}

func (t *offerTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byMAC)
}
