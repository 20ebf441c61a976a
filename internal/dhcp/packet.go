// Package dhcp implements the DHCPv4 codec, the lease engine and the UDP
// dispatcher.
package dhcp

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/kestrel-dhcpd/kestrel-dhcpd/pkg/dhcpv4"
)

// Packet represents a decoded DHCPv4 packet (RFC 2131 §2).
type Packet struct {
	Op      dhcpv4.OpCode       // Message op code: 1=BOOTREQUEST, 2=BOOTREPLY
	HType   dhcpv4.HardwareType // Hardware address type (1=Ethernet)
	HLen    byte                // Hardware address length (6 for Ethernet)
	Hops    byte                // Relay hops
	XID     uint32              // Transaction ID
	Secs    uint16              // Seconds elapsed
	Flags   uint16              // Flags (bit 0 = broadcast)
	CIAddr  net.IP              // Client IP address
	YIAddr  net.IP              // 'Your' (client) IP address
	SIAddr  net.IP              // Next server IP address
	GIAddr  net.IP              // Relay agent IP address
	CHAddr  net.HardwareAddr    // Client hardware address
	SName   [dhcpv4.SNameLen]byte
	File    [dhcpv4.FileLen]byte
	Options Options // DHCP options in wire order
}

// packetPool reuses receive buffers to reduce allocations in the hot path.
var packetPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, dhcpv4.MaxPacketSize)
	},
}

// GetBuffer returns a buffer from the pool.
func GetBuffer() []byte {
	return packetPool.Get().([]byte)
}

// PutBuffer returns a buffer to the pool.
func PutBuffer(b []byte) {
	clear(b)
	packetPool.Put(b)
}

// DecodePacket parses a raw DHCPv4 packet from bytes.
// RFC 2131 §2: packet format. The message-type option is required.
func DecodePacket(data []byte) (*Packet, error) {
	if len(data) < dhcpv4.OffsetOptions {
		return nil, fmt.Errorf("packet too short: %d bytes (minimum %d)", len(data), dhcpv4.OffsetOptions)
	}

	// Validate magic cookie (RFC 2131 §3)
	cookie := data[dhcpv4.OffsetCookie:dhcpv4.OffsetOptions]
	for i, b := range dhcpv4.MagicCookie {
		if cookie[i] != b {
			return nil, fmt.Errorf("invalid DHCP magic cookie: %v", cookie)
		}
	}

	p := &Packet{}
	p.Op = dhcpv4.OpCode(data[dhcpv4.OffsetOp])
	p.HType = dhcpv4.HardwareType(data[dhcpv4.OffsetHType])
	p.HLen = data[dhcpv4.OffsetHLen]
	p.Hops = data[dhcpv4.OffsetHops]
	p.XID = binary.BigEndian.Uint32(data[dhcpv4.OffsetXID:])
	p.Secs = binary.BigEndian.Uint16(data[dhcpv4.OffsetSecs:])
	p.Flags = binary.BigEndian.Uint16(data[dhcpv4.OffsetFlags:])
	p.CIAddr = dhcpv4.BytesToIP(data[dhcpv4.OffsetCIAddr : dhcpv4.OffsetCIAddr+4])
	p.YIAddr = dhcpv4.BytesToIP(data[dhcpv4.OffsetYIAddr : dhcpv4.OffsetYIAddr+4])
	p.SIAddr = dhcpv4.BytesToIP(data[dhcpv4.OffsetSIAddr : dhcpv4.OffsetSIAddr+4])
	p.GIAddr = dhcpv4.BytesToIP(data[dhcpv4.OffsetGIAddr : dhcpv4.OffsetGIAddr+4])

	// Only HLen bytes of the 16-byte field are significant
	hlen := int(p.HLen)
	if hlen > dhcpv4.CHAddrLen {
		return nil, fmt.Errorf("invalid hardware address length %d", hlen)
	}
	p.CHAddr = make(net.HardwareAddr, hlen)
	copy(p.CHAddr, data[dhcpv4.OffsetCHAddr:dhcpv4.OffsetCHAddr+hlen])

	copy(p.SName[:], data[dhcpv4.OffsetSName:dhcpv4.OffsetFile])
	copy(p.File[:], data[dhcpv4.OffsetFile:dhcpv4.OffsetCookie])

	opts, err := DecodeOptions(data[dhcpv4.OffsetOptions:])
	if err != nil {
		return nil, fmt.Errorf("decoding options: %w", err)
	}
	p.Options = opts

	if mt, ok := p.Options.Get(dhcpv4.OptionDHCPMessageType); !ok || len(mt) != 1 {
		return nil, fmt.Errorf("missing or malformed option %d (message type)", dhcpv4.OptionDHCPMessageType)
	}

	return p, nil
}

// Encode serializes the packet into a new buffer of at least
// dhcpv4.MinPacketSize bytes.
func (p *Packet) Encode() ([]byte, error) {
	buf := make([]byte, dhcpv4.MaxPacketSize)
	n, err := p.EncodeTo(buf)
	if err != nil {
		return nil, err
	}
	if n < dhcpv4.MinPacketSize {
		n = dhcpv4.MinPacketSize
	}
	return buf[:n], nil
}

// EncodeTo writes the packet into buf and returns the number of bytes used.
// It returns ErrBufferOverrun rather than write beyond len(buf).
func (p *Packet) EncodeTo(buf []byte) (int, error) {
	if len(buf) < dhcpv4.OffsetOptions {
		return 0, fmt.Errorf("encoding header: %w", ErrBufferOverrun)
	}
	clear(buf)

	buf[dhcpv4.OffsetOp] = byte(p.Op)
	buf[dhcpv4.OffsetHType] = byte(p.HType)
	buf[dhcpv4.OffsetHLen] = p.HLen
	buf[dhcpv4.OffsetHops] = p.Hops
	binary.BigEndian.PutUint32(buf[dhcpv4.OffsetXID:], p.XID)
	binary.BigEndian.PutUint16(buf[dhcpv4.OffsetSecs:], p.Secs)
	binary.BigEndian.PutUint16(buf[dhcpv4.OffsetFlags:], p.Flags)

	copy(buf[dhcpv4.OffsetCIAddr:dhcpv4.OffsetCIAddr+4], dhcpv4.IPToBytes(p.CIAddr))
	copy(buf[dhcpv4.OffsetYIAddr:dhcpv4.OffsetYIAddr+4], dhcpv4.IPToBytes(p.YIAddr))
	copy(buf[dhcpv4.OffsetSIAddr:dhcpv4.OffsetSIAddr+4], dhcpv4.IPToBytes(p.SIAddr))
	copy(buf[dhcpv4.OffsetGIAddr:dhcpv4.OffsetGIAddr+4], dhcpv4.IPToBytes(p.GIAddr))

	// Remaining chaddr bytes stay zero
	copy(buf[dhcpv4.OffsetCHAddr:dhcpv4.OffsetCHAddr+dhcpv4.CHAddrLen], p.CHAddr)
	copy(buf[dhcpv4.OffsetSName:dhcpv4.OffsetFile], p.SName[:])
	copy(buf[dhcpv4.OffsetFile:dhcpv4.OffsetCookie], p.File[:])
	copy(buf[dhcpv4.OffsetCookie:dhcpv4.OffsetOptions], dhcpv4.MagicCookie)

	w := &cursor{buf: buf, off: dhcpv4.OffsetOptions}
	if err := p.Options.writeTo(w); err != nil {
		return 0, fmt.Errorf("encoding options: %w", err)
	}
	return w.off, nil
}

// MessageType returns the DHCP message type from the packet options.
func (p *Packet) MessageType() dhcpv4.MessageType {
	if data, ok := p.Options.Get(dhcpv4.OptionDHCPMessageType); ok && len(data) == 1 {
		return dhcpv4.MessageType(data[0])
	}
	return 0
}

// RequestedIP returns the requested IP address from option 50.
func (p *Packet) RequestedIP() net.IP {
	if data, ok := p.Options.Get(dhcpv4.OptionRequestedIP); ok && len(data) == 4 {
		return dhcpv4.BytesToIP(data)
	}
	return nil
}

// ServerIdentifier returns the server identifier from option 54.
func (p *Packet) ServerIdentifier() net.IP {
	if data, ok := p.Options.Get(dhcpv4.OptionServerIdentifier); ok && len(data) == 4 {
		return dhcpv4.BytesToIP(data)
	}
	return nil
}

// IsBroadcast returns true if the broadcast flag is set.
func (p *Packet) IsBroadcast() bool {
	return p.Flags&dhcpv4.FlagBroadcast != 0
}

// NewReply creates a response packet from a request, with htype, hlen, xid,
// flags, giaddr and chaddr copied and the message type option set. Other options are left to the caller.
func (p *Packet) NewReply(msgType dhcpv4.MessageType) *Packet {
	reply := &Packet{
		Op:     dhcpv4.OpCodeBootReply,
		HType:  p.HType,
		HLen:   byte(len(p.CHAddr)),
		XID:    p.XID,
		Flags:  p.Flags,
		CIAddr: make(net.IP, 4),
		YIAddr: make(net.IP, 4),
		SIAddr: make(net.IP, 4),
		GIAddr: dhcpv4.IPToBytes(p.GIAddr),
		CHAddr: make(net.HardwareAddr, len(p.CHAddr)),
	}
	copy(reply.CHAddr, p.CHAddr)

	// RFC 2131 §4.3.1: message type first
	reply.Options.Add(dhcpv4.OptionDHCPMessageType, []byte{byte(msgType)})
	return reply
}
