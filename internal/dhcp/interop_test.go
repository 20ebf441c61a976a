package dhcp

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	idhcpv4 "github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/kestrel-dhcpd/kestrel-dhcpd/pkg/dhcpv4"
)

// exchange feeds a third-party encoded message through the handler and
// parses the reply back with the same library.
func (e *testEnv) exchange(t *testing.T, msg *idhcpv4.DHCPv4) *idhcpv4.DHCPv4 {
	t.Helper()
	pkt, err := DecodePacket(msg.ToBytes())
	if err != nil {
		t.Fatalf("DecodePacket error: %v", err)
	}
	reply, err := e.handler.HandlePacket(context.Background(), pkt)
	if err != nil {
		t.Fatalf("HandlePacket error: %v", err)
	}
	if reply == nil {
		return nil
	}
	data, err := reply.Encode()
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	parsed, err := idhcpv4.FromBytes(data)
	if err != nil {
		t.Fatalf("reply rejected by third-party parser: %v", err)
	}
	return parsed
}

func TestDecodeThirdPartyDiscover(t *testing.T) {
	mac := testMAC(1)
	req, err := idhcpv4.NewDiscovery(mac,
		idhcpv4.WithOption(idhcpv4.OptHostName("printer")),
		idhcpv4.WithOption(idhcpv4.OptRequestedIPAddress(ip4(5))),
	)
	if err != nil {
		t.Fatal(err)
	}

	pkt, err := DecodePacket(req.ToBytes())
	if err != nil {
		t.Fatalf("DecodePacket error: %v", err)
	}
	if pkt.MessageType() != dhcpv4.MessageTypeDiscover {
		t.Errorf("MessageType = %s, want DHCPDISCOVER", pkt.MessageType())
	}
	if pkt.CHAddr.String() != mac.String() {
		t.Errorf("CHAddr = %s, want %s", pkt.CHAddr, mac)
	}
	if want := binary.BigEndian.Uint32(req.TransactionID[:]); pkt.XID != want {
		t.Errorf("XID = %08x, want %08x", pkt.XID, want)
	}
	if !pkt.RequestedIP().Equal(ip4(5)) {
		t.Errorf("RequestedIP = %s, want 10.0.0.5", pkt.RequestedIP())
	}
	if name, ok := pkt.Options.Get(dhcpv4.OptionHostname); !ok || string(name) != "printer" {
		t.Errorf("hostname = %q, %v", name, ok)
	}
}

func TestThirdPartyClientLeaseCycle(t *testing.T) {
	env := newTestEnv(t, []net.IP{ip4(5), ip4(6)}, nil)
	mac := testMAC(1)

	discover, err := idhcpv4.NewDiscovery(mac)
	if err != nil {
		t.Fatal(err)
	}
	offer := env.exchange(t, discover)
	if offer == nil {
		t.Fatal("no OFFER")
	}

	if offer.MessageType() != idhcpv4.MessageTypeOffer {
		t.Fatalf("reply type = %s, want OFFER", offer.MessageType())
	}
	if offer.OpCode != idhcpv4.OpcodeBootReply {
		t.Errorf("opcode = %s, want BootReply", offer.OpCode)
	}
	if offer.TransactionID != discover.TransactionID {
		t.Errorf("xid = %s, want %s", offer.TransactionID, discover.TransactionID)
	}
	if !offer.YourIPAddr.Equal(ip4(6)) {
		t.Errorf("yiaddr = %s, want 10.0.0.6", offer.YourIPAddr)
	}
	if !offer.ServerIdentifier().Equal(ip4(1)) {
		t.Errorf("server id = %s, want 10.0.0.1", offer.ServerIdentifier())
	}
	if mask := offer.SubnetMask(); mask.String() != net.CIDRMask(24, 32).String() {
		t.Errorf("subnet mask = %s, want ffffff00", mask)
	}
	if r := offer.Router(); len(r) != 1 || !r[0].Equal(ip4(1)) {
		t.Errorf("router = %v, want [10.0.0.1]", r)
	}
	if dns := offer.DNS(); len(dns) != 1 || !dns[0].Equal(ip4(53)) {
		t.Errorf("dns = %v, want [10.0.0.53]", dns)
	}
	if lt := offer.IPAddressLeaseTime(0); lt != 24*time.Hour {
		t.Errorf("lease time = %v, want 24h", lt)
	}

	request, err := idhcpv4.NewRequestFromOffer(offer)
	if err != nil {
		t.Fatal(err)
	}
	ack := env.exchange(t, request)
	if ack == nil || ack.MessageType() != idhcpv4.MessageTypeAck {
		t.Fatalf("reply = %v, want ACK", ack)
	}
	if !ack.YourIPAddr.Equal(ip4(6)) {
		t.Errorf("ACK yiaddr = %s, want 10.0.0.6", ack.YourIPAddr)
	}

	release, err := idhcpv4.New(
		idhcpv4.WithHwAddr(mac),
		idhcpv4.WithMessageType(idhcpv4.MessageTypeRelease),
		idhcpv4.WithClientIP(ip4(6)),
	)
	if err != nil {
		t.Fatal(err)
	}
	if reply := env.exchange(t, release); reply != nil {
		t.Errorf("RELEASE answered with %s", reply.MessageType())
	}
	if !env.pool.Contains(ip4(6)) {
		t.Error("released address not back in the pool")
	}
}

func TestThirdPartyParsesNak(t *testing.T) {
	env := newTestEnv(t, []net.IP{ip4(5)}, nil)

	req, err := idhcpv4.New(
		idhcpv4.WithHwAddr(testMAC(1)),
		idhcpv4.WithMessageType(idhcpv4.MessageTypeRequest),
		idhcpv4.WithOption(idhcpv4.OptRequestedIPAddress(net.IPv4(172, 16, 0, 9))),
	)
	if err != nil {
		t.Fatal(err)
	}
	nak := env.exchange(t, req)
	if nak == nil || nak.MessageType() != idhcpv4.MessageTypeNak {
		t.Fatalf("reply = %v, want NAK", nak)
	}
	if !nak.ServerIdentifier().Equal(ip4(1)) {
		t.Errorf("server id = %s, want 10.0.0.1", nak.ServerIdentifier())
	}
	if nak.Message() == "" {
		t.Error("NAK carries no message")
	}
}
