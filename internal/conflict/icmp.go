package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// icmpProtocol is the IANA protocol number passed to icmp.ParseMessage.
const icmpProtocol = 1

var echoPayload = []byte("kestrel-probe")

// ICMPProber sends one ICMP Echo Request per probe (RFC 792).
//
// Every probe opens its own raw socket and closes it on return. Concurrent
// probes therefore never read each other's replies, and the read deadline
// bounds how long any probe can keep a socket open.
type ICMPProber struct {
	logger    *slog.Logger
	network   string
	id        int
	seq       atomic.Uint32
	available bool
}

// NewICMPProber creates a new ICMP prober.
// If a raw ICMP socket cannot be opened (missing CAP_NET_RAW), it logs a LOUD
// error and returns a prober that always reports "clear".
func NewICMPProber(logger *slog.Logger) *ICMPProber {
	p := &ICMPProber{
		logger:  logger,
		network: "ip4:icmp",
		id:      os.Getpid() & 0xffff,
	}

	conn, err := icmp.ListenPacket(p.network, "0.0.0.0")
	if err != nil {
		logger.Error("FAILED TO OPEN ICMP SOCKET, IP conflict detection is DISABLED",
			"error", err,
			"hint", "Grant CAP_NET_RAW capability or run as root")
		return p
	}
	conn.Close()

	p.available = true
	logger.Info("ICMP prober initialized")
	return p
}

// Available returns true if raw ICMP sockets can be opened.
func (p *ICMPProber) Available() bool {
	return p.available
}

// Probe sends an ICMP Echo Request to target and waits for the matching
// Echo Reply until ctx expires. A reply means conflict; silence means clear.
func (p *ICMPProber) Probe(ctx context.Context, target net.IP) (bool, error) {
	if !p.available {
		return false, nil // Degraded mode, assume clear
	}

	conn, err := icmp.ListenPacket(p.network, "0.0.0.0")
	if err != nil {
		return false, fmt.Errorf("opening ICMP socket: %w", err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultProbeTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false, fmt.Errorf("setting ICMP deadline: %w", err)
	}

	seq := int(p.seq.Add(1) & 0xffff)
	req, err := newEchoRequest(p.id, seq)
	if err != nil {
		return false, err
	}

	if _, err := conn.WriteTo(req, &net.IPAddr{IP: target}); err != nil {
		return false, fmt.Errorf("sending ICMP echo to %s: %w", target, err)
	}

	buf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return false, nil
		}

		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return false, nil
			}
			return false, fmt.Errorf("reading ICMP reply: %w", err)
		}

		if isEchoReply(buf[:n], p.id, seq) && sameHost(peer, target) {
			p.logger.Debug("ICMP echo reply received",
				"ip", target.String(),
				"responder", peer.String())
			return true, nil
		}
	}
}

// newEchoRequest marshals an Echo Request with the given identifier and
// sequence number.
func newEchoRequest(id, seq int) ([]byte, error) {
	msg := &icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   id,
			Seq:  seq,
			Data: echoPayload,
		},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return nil, fmt.Errorf("marshalling ICMP echo request: %w", err)
	}
	return b, nil
}

// isEchoReply reports whether b is an Echo Reply for (id, seq).
func isEchoReply(b []byte, id, seq int) bool {
	reply, err := icmp.ParseMessage(icmpProtocol, b)
	if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
		return false
	}
	echo, ok := reply.Body.(*icmp.Echo)
	return ok && echo.ID == id && echo.Seq == seq
}

func sameHost(peer net.Addr, target net.IP) bool {
	switch a := peer.(type) {
	case *net.IPAddr:
		return a.IP.Equal(target)
	case *net.UDPAddr:
		return a.IP.Equal(target)
	default:
		return false
	}
}
