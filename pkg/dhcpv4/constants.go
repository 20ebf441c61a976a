// Package dhcpv4 provides wire constants and byte helpers for DHCPv4 messages.
package dhcpv4

import "net"

// DHCP Message Types (RFC 2131 §9.6)
type MessageType byte

const (
	MessageTypeDiscover MessageType = 1 // DHCPDISCOVER
	MessageTypeOffer    MessageType = 2 // DHCPOFFER
	MessageTypeRequest  MessageType = 3 // DHCPREQUEST
	MessageTypeDecline  MessageType = 4 // DHCPDECLINE
	MessageTypeAck      MessageType = 5 // DHCPACK
	MessageTypeNak      MessageType = 6 // DHCPNAK
	MessageTypeRelease  MessageType = 7 // DHCPRELEASE
	MessageTypeInform   MessageType = 8 // DHCPINFORM
)

func (m MessageType) String() string {
	switch m {
	case MessageTypeDiscover:
		return "DHCPDISCOVER"
	case MessageTypeOffer:
		return "DHCPOFFER"
	case MessageTypeRequest:
		return "DHCPREQUEST"
	case MessageTypeDecline:
		return "DHCPDECLINE"
	case MessageTypeAck:
		return "DHCPACK"
	case MessageTypeNak:
		return "DHCPNAK"
	case MessageTypeRelease:
		return "DHCPRELEASE"
	case MessageTypeInform:
		return "DHCPINFORM"
	default:
		return "UNKNOWN"
	}
}

// DHCP Op Codes (RFC 2131 §2)
type OpCode byte

const (
	OpCodeBootRequest OpCode = 1 // BOOTREQUEST
	OpCodeBootReply   OpCode = 2 // BOOTREPLY
)

// Hardware Types (RFC 1700)
type HardwareType byte

const (
	HardwareTypeEthernet HardwareType = 1
)

// EthernetAddrLen is the hardware address length for Ethernet.
const EthernetAddrLen = 6

// DHCP Option Codes (RFC 2132). Only the codes the server reads or writes
// are named; everything else is carried through as raw bytes.
type OptionCode byte

const (
	OptionPad                  OptionCode = 0
	OptionSubnetMask           OptionCode = 1
	OptionRouter               OptionCode = 3
	OptionDomainNameServer     OptionCode = 6
	OptionHostname             OptionCode = 12
	OptionRequestedIP          OptionCode = 50
	OptionIPLeaseTime          OptionCode = 51
	OptionDHCPMessageType      OptionCode = 53
	OptionServerIdentifier     OptionCode = 54
	OptionParameterRequestList OptionCode = 55
	OptionMessage              OptionCode = 56
	OptionClientIdentifier     OptionCode = 61
	OptionEnd                  OptionCode = 255
)

// Fixed header layout (RFC 2131 §2). Values are byte offsets.
const (
	OffsetOp      = 0
	OffsetHType   = 1
	OffsetHLen    = 2
	OffsetHops    = 3
	OffsetXID     = 4
	OffsetSecs    = 8
	OffsetFlags   = 10
	OffsetCIAddr  = 12
	OffsetYIAddr  = 16
	OffsetSIAddr  = 20
	OffsetGIAddr  = 24
	OffsetCHAddr  = 28
	OffsetSName   = 44
	OffsetFile    = 108
	OffsetCookie  = 236
	OffsetOptions = 240

	CHAddrLen = 16
	SNameLen  = 64
	FileLen   = 128
)

// DHCP Packet Size Limits
const (
	MinPacketSize     = 300  // Minimum DHCP packet size (RFC 2131)
	MaxPacketSize     = 1500 // Maximum DHCP packet size (Ethernet MTU)
	DefaultPacketSize = 576  // Default max packet size (RFC 2131 §2)
)

// DHCP Ports
const (
	ServerPort = 67
	ClientPort = 68
)

// FlagBroadcast is the broadcast bit of the flags field.
const FlagBroadcast uint16 = 0x8000

// DHCP Magic Cookie (RFC 2131 §3)
var MagicCookie = []byte{99, 130, 83, 99}

// Limited broadcast and unspecified addresses.
var (
	BroadcastIP = net.IPv4(255, 255, 255, 255).To4()
	ZeroIP      = net.IPv4(0, 0, 0, 0).To4()
)

// Conflict detection method labels.
const (
	DetectionICMPProbe = "icmp_probe"
	DetectionPing      = "ping"
)
