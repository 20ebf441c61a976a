package dhcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/config"
	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/lease"
	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/metrics"
	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/pool"
	"github.com/kestrel-dhcpd/kestrel-dhcpd/pkg/dhcpv4"
)

// Handler errors.
var (
	ErrPoolExhausted      = errors.New("no address available")
	ErrMissingRequestedIP = errors.New("DHCPREQUEST without requested IP option")
	ErrUnsupportedMessage = errors.New("unsupported DHCP message type")
	ErrNoHardwareAddr     = errors.New("packet carries no client hardware address")
)

// errLeaseChanged aborts a commit whose lease was released or moved after
// it was claimed.
var errLeaseChanged = errors.New("lease changed since it was claimed")

// AddressChecker reports whether an address looks unused on the wire.
// *conflict.Detector satisfies it.
type AddressChecker interface {
	Available(ctx context.Context, ip net.IP) bool
}

// Handler processes DHCP messages implementing the DORA cycle (RFC 2131).
// It owns every piece of shared state a request touches and is safe for
// concurrent use by any number of workers.
type Handler struct {
	subnet  *config.Subnet
	pool    *pool.Pool
	store   *lease.Store
	checker AddressChecker
	offers  *offerTable
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler creates a new DHCP message handler. A nil checker treats every
// address as available.
func NewHandler(
	subnet *config.Subnet,
	p *pool.Pool,
	store *lease.Store,
	checker AddressChecker,
	offerTimeout time.Duration,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		subnet:  subnet,
		pool:    p,
		store:   store,
		checker: checker,
		offers:  newOfferTable(offerTimeout),
		logger:  logger,
		now:     time.Now,
	}
}

// HandlePacket dispatches a DHCP packet to the appropriate handler based on
// message type. A nil reply with a nil error means nothing is sent.
func (h *Handler) HandlePacket(ctx context.Context, pkt *Packet) (*Packet, error) {
	msgType := pkt.MessageType()

	h.logger.Debug("received DHCP packet",
		"msg_type", msgType.String(),
		"mac", pkt.CHAddr.String(),
		"xid", fmt.Sprintf("%08x", pkt.XID),
		"ciaddr", pkt.CIAddr.String())

	if len(pkt.CHAddr) == 0 {
		return nil, ErrNoHardwareAddr
	}

	switch msgType {
	case dhcpv4.MessageTypeDiscover:
		return h.handleDiscover(ctx, pkt)
	case dhcpv4.MessageTypeRequest:
		return h.handleRequest(ctx, pkt)
	case dhcpv4.MessageTypeRelease:
		return nil, h.handleRelease(pkt)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMessage, msgType)
	}
}

// handleDiscover processes DHCPDISCOVER → DHCPOFFER.
// RFC 2131 §4.3.1: server response to DHCPDISCOVER.
func (h *Handler) handleDiscover(ctx context.Context, pkt *Packet) (*Packet, error) {
	mac := pkt.CHAddr
	requestedIP := pkt.RequestedIP()

	h.logger.Info("DHCPDISCOVER",
		"mac", mac.String(),
		"requested_ip", requestedIP)

	// A retransmitted DISCOVER gets the address already held for it
	if ip, ok := h.offers.refresh(mac, h.now()); ok {
		return h.buildOffer(pkt, ip), nil
	}

	// An active lease is re-offered without going back to the pool
	rec, err := h.store.Select(mac)
	if err != nil {
		return nil, fmt.Errorf("looking up lease for %s: %w", mac, err)
	}
	if rec != nil && rec.Active() && h.subnet.Assignable(rec.IP) && h.available(ctx, rec.IP) {
		return h.buildOffer(pkt, rec.IP), nil
	}

	ip := h.pickRequested(ctx, requestedIP)
	if ip == nil {
		ip = h.pickFromPool(ctx)
	}
	if ip == nil {
		metrics.PoolExhausted.Inc()
		h.logger.Warn("pool exhausted",
			"mac", mac.String(),
			"network", h.subnet.Network.String())
		return nil, ErrPoolExhausted
	}

	if prev := h.offers.put(mac, ip, h.now()); prev != nil {
		h.pool.Release(prev)
	}
	return h.buildOffer(pkt, ip), nil
}

// pickRequested takes the client's preferred address out of the pool when
// it is free and nobody answers on it.
func (h *Handler) pickRequested(ctx context.Context, ip net.IP) net.IP {
	if ip == nil || !h.subnet.Assignable(ip) || !h.pool.PickSpecific(ip) {
		return nil
	}
	if !h.available(ctx, ip) {
		h.pool.Release(ip)
		return nil
	}
	return ip
}

// pickFromPool pops addresses until one passes the probe. Each free address
// is tried at most once; the ones that answered go back at the served-last
// end afterwards.
func (h *Handler) pickFromPool(ctx context.Context) net.IP {
	var conflicted []net.IP
	defer func() {
		for _, c := range conflicted {
			h.pool.Release(c)
		}
	}()

	for attempts := h.pool.Len(); attempts > 0; attempts-- {
		ip, ok := h.pool.PickAny()
		if !ok {
			return nil
		}
		if h.available(ctx, ip) {
			return ip
		}
		conflicted = append(conflicted, ip)
	}
	return nil
}

func (h *Handler) buildOffer(pkt *Packet, ip net.IP) *Packet {
	metrics.LeaseOperations.WithLabelValues("offer").Inc()
	h.logger.Info("DHCPOFFER",
		"mac", pkt.CHAddr.String(),
		"ip", ip.String())
	return h.buildReply(pkt, dhcpv4.MessageTypeOffer, ip)
}

// handleRequest processes DHCPREQUEST → DHCPACK or DHCPNAK.
// RFC 2131 §4.3.2: server response to DHCPREQUEST.
func (h *Handler) handleRequest(ctx context.Context, pkt *Packet) (*Packet, error) {
	mac := pkt.CHAddr
	requestedIP := pkt.RequestedIP()
	serverID := pkt.ServerIdentifier()

	h.logger.Info("DHCPREQUEST",
		"mac", mac.String(),
		"requested_ip", requestedIP,
		"server_id", serverID,
		"ciaddr", pkt.CIAddr.String())

	if serverID != nil {
		// SELECTING: the client picked one of the offers it received
		if !serverID.Equal(h.subnet.ServerIP) {
			if ip, ok := h.offers.take(mac); ok {
				h.pool.Release(ip)
			}
			h.logger.Debug("DHCPREQUEST for another server, ignoring",
				"mac", mac.String(),
				"server_id", serverID.String())
			return nil, nil
		}
		if requestedIP == nil {
			return nil, fmt.Errorf("%w from %s", ErrMissingRequestedIP, mac)
		}
		return h.confirm(ctx, pkt, requestedIP, false)
	}

	// INIT-REBOOT, RENEWING or REBINDING
	ip := requestedIP
	if ip == nil && !dhcpv4.IsZero(pkt.CIAddr) {
		ip = pkt.CIAddr
	}
	if ip == nil {
		return h.buildNAK(pkt, "no IP address in request"), nil
	}
	return h.confirm(ctx, pkt, ip, true)
}

// claim records where a confirmed address came from, so a failed commit can
// put it back.
type claim int

const (
	claimLease claim = iota // already bound to this client
	claimOffer              // pending offer to this client
	claimPool               // taken from the pool for this request
)

// confirm binds ip to the client if it may have it, commits the binding and
// only then builds the ACK. probe asks for a liveness check on addresses
// that come straight from the pool.
func (h *Handler) confirm(ctx context.Context, pkt *Packet, ip net.IP, probe bool) (*Packet, error) {
	mac := pkt.CHAddr
	ip = ip.To4()

	if !h.subnet.Assignable(ip) {
		return h.buildNAK(pkt, "requested address not assignable"), nil
	}

	src, ok, err := h.claim(ctx, mac, ip, probe)
	if err != nil {
		return nil, err
	}
	if !ok {
		return h.buildNAK(pkt, "requested address not available"), nil
	}

	moved, err := h.commit(mac, ip, src)
	if errors.Is(err, errLeaseChanged) {
		return h.buildNAK(pkt, "lease no longer held"), nil
	}
	if err != nil {
		// An address leased to someone else must not go back to the pool
		if src != claimLease && !errors.Is(err, lease.ErrAddressLeased) {
			h.pool.Release(ip)
		}
		return nil, fmt.Errorf("confirming lease for %s: %w", mac, err)
	}

	if moved != nil {
		h.reclaim(moved)
	}

	metrics.LeaseOperations.WithLabelValues("ack").Inc()
	h.logger.Info("DHCPACK",
		"mac", mac.String(),
		"ip", ip.String())

	reply := h.buildReply(pkt, dhcpv4.MessageTypeAck, ip)
	reply.CIAddr = dhcpv4.IPToBytes(pkt.CIAddr)
	return reply, nil
}

// commit writes the binding of ip to mac and returns the address the client
// held before, if it moved. A lease claim is rechecked inside the
// transaction so a concurrent RELEASE is not undone.
func (h *Handler) commit(mac net.HardwareAddr, ip net.IP, src claim) (net.IP, error) {
	var moved net.IP
	err := h.store.Update(func(tx *lease.Tx) error {
		rec, err := tx.Select(mac)
		if err != nil {
			return err
		}
		if src == claimLease && (rec == nil || !rec.Active() || !rec.IP.Equal(ip)) {
			return errLeaseChanged
		}
		if rec == nil {
			return tx.Insert(mac, ip)
		}
		if rec.Active() && !rec.IP.Equal(ip) {
			moved = rec.IP
		}
		return tx.Update(mac, ip, false)
	})
	return moved, err
}

// claim decides whether mac may have ip and, if so, takes ownership of it.
func (h *Handler) claim(ctx context.Context, mac net.HardwareAddr, ip net.IP, probe bool) (claim, bool, error) {
	// Any pending offer for this client is consumed by its REQUEST
	if offered, ok := h.offers.take(mac); ok {
		if offered.Equal(ip) {
			return claimOffer, true, nil
		}
		h.pool.Release(offered)
	}

	rec, err := h.store.Select(mac)
	if err != nil {
		return 0, false, fmt.Errorf("looking up lease for %s: %w", mac, err)
	}
	if rec != nil && rec.Active() && rec.IP.Equal(ip) {
		return claimLease, true, nil
	}

	if !h.pool.PickSpecific(ip) {
		return 0, false, nil
	}
	if probe && !h.available(ctx, ip) {
		h.pool.Release(ip)
		return 0, false, nil
	}
	return claimPool, true, nil
}

// handleRelease processes DHCPRELEASE, a client voluntarily releasing its lease.
// RFC 2131 §4.4.4: client sends RELEASE when done with the IP.
func (h *Handler) handleRelease(pkt *Packet) error {
	mac := pkt.CHAddr

	h.logger.Info("DHCPRELEASE",
		"mac", mac.String(),
		"ip", pkt.CIAddr.String())

	if ip, ok := h.offers.take(mac); ok {
		h.pool.Release(ip)
	}

	var released net.IP
	err := h.store.Update(func(tx *lease.Tx) error {
		rec, err := tx.Select(mac)
		if err != nil {
			return err
		}
		if rec == nil || !rec.Active() {
			return nil
		}
		if !dhcpv4.IsZero(pkt.CIAddr) && !pkt.CIAddr.Equal(rec.IP) {
			h.logger.Warn("DHCPRELEASE for an address the client does not hold",
				"mac", mac.String(),
				"ciaddr", pkt.CIAddr.String(),
				"leased_ip", rec.IP.String())
			return nil
		}
		if err := tx.Update(mac, rec.IP, true); err != nil {
			return err
		}
		released = rec.IP
		return nil
	})
	if err != nil {
		return fmt.Errorf("releasing lease for %s: %w", mac, err)
	}

	if released == nil {
		h.logger.Info("DHCPRELEASE without active lease", "mac", mac.String())
		return nil
	}

	h.reclaim(released)
	metrics.LeaseOperations.WithLabelValues("release").Inc()
	return nil
}

// reclaim returns an address that was leased to the pool. Leases written
// under an earlier configuration may point outside the network or at a
// reserved address; those are dropped instead.
func (h *Handler) reclaim(ip net.IP) {
	if !h.subnet.Assignable(ip) {
		h.logger.Warn("not returning unassignable address to pool",
			"ip", ip.String(),
			"network", h.subnet.Network.String())
		return
	}
	h.pool.Release(ip)
}

// buildReply fills in the header and the options every OFFER and ACK carry.
func (h *Handler) buildReply(pkt *Packet, msgType dhcpv4.MessageType, ip net.IP) *Packet {
	reply := pkt.NewReply(msgType)
	reply.YIAddr = dhcpv4.IPToBytes(ip)

	reply.Options.AddUint32(dhcpv4.OptionIPLeaseTime, h.subnet.LeaseSeconds())
	reply.Options.AddIP(dhcpv4.OptionServerIdentifier, h.subnet.ServerIP)
	reply.Options.AddIP(dhcpv4.OptionSubnetMask, h.subnet.SubnetMask)
	reply.Options.AddIP(dhcpv4.OptionRouter, h.subnet.Gateway)
	reply.Options.AddIP(dhcpv4.OptionDomainNameServer, h.subnet.DNS)
	return reply
}

// buildNAK creates a DHCPNAK response.
func (h *Handler) buildNAK(pkt *Packet, reason string) *Packet {
	metrics.LeaseOperations.WithLabelValues("nak").Inc()
	h.logger.Warn("DHCPNAK",
		"mac", pkt.CHAddr.String(),
		"reason", reason)

	reply := pkt.NewReply(dhcpv4.MessageTypeNak)
	reply.Options.AddIP(dhcpv4.OptionServerIdentifier, h.subnet.ServerIP)
	if reason != "" {
		reply.Options.Add(dhcpv4.OptionMessage, []byte(reason))
	}
	return reply
}

// ExpireOffers returns every offer older than the offer timeout to the pool.
func (h *Handler) ExpireOffers(now time.Time) int {
	expired := h.offers.expire(now)
	for _, ip := range expired {
		h.pool.Release(ip)
		metrics.LeaseOperations.WithLabelValues("expire").Inc()
	}
	if len(expired) > 0 {
		h.logger.Debug("expired pending offers", "count", len(expired))
	}
	return len(expired)
}

func (h *Handler) available(ctx context.Context, ip net.IP) bool {
	if h.checker == nil {
		return true
	}
	return h.checker.Available(ctx, ip)
}
