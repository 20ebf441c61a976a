package dhcp

import (
	"errors"
	"fmt"
	"net"

	"github.com/kestrel-dhcpd/kestrel-dhcpd/pkg/dhcpv4"
)

// Option is a single decoded TLV option. The wire length is len(Value).
type Option struct {
	Code  dhcpv4.OptionCode
	Value []byte
}

// Options holds options in wire order. Lookups return the first match.
type Options []Option

// Encoding errors.
var (
	ErrBufferOverrun = errors.New("write past end of packet buffer")
	ErrOptionTooLong = errors.New("option value longer than 255 bytes")
)

// DecodeOptions parses the options section of a DHCP packet.
// RFC 2132: options are TLV (type-length-value) encoded.
// The scan never reads past len(data); a missing end marker ends the scan.
func DecodeOptions(data []byte) (Options, error) {
	var opts Options
	i := 0
	for i < len(data) {
		code := dhcpv4.OptionCode(data[i])
		i++

		// Pad option (RFC 2132 §3.1)
		if code == dhcpv4.OptionPad {
			continue
		}

		// End option (RFC 2132 §3.2)
		if code == dhcpv4.OptionEnd {
			break
		}

		if i >= len(data) {
			return nil, fmt.Errorf("truncated option %d: no length byte", code)
		}

		length := int(data[i])
		i++

		if i+length > len(data) {
			return nil, fmt.Errorf("truncated option %d: need %d bytes, have %d", code, length, len(data)-i)
		}

		value := make([]byte, length)
		copy(value, data[i:i+length])
		opts = append(opts, Option{Code: code, Value: value})
		i += length
	}

	return opts, nil
}

// Get returns the value of the first option with the given code.
func (opts Options) Get(code dhcpv4.OptionCode) ([]byte, bool) {
	for _, o := range opts {
		if o.Code == code {
			return o.Value, true
		}
	}
	return nil, false
}

// Has returns true if the option is present.
func (opts Options) Has(code dhcpv4.OptionCode) bool {
	_, ok := opts.Get(code)
	return ok
}

// Add appends an option, keeping caller order.
func (opts *Options) Add(code dhcpv4.OptionCode, value []byte) {
	*opts = append(*opts, Option{Code: code, Value: value})
}

// AddIP appends a 4-byte address option.
func (opts *Options) AddIP(code dhcpv4.OptionCode, ip net.IP) {
	opts.Add(code, dhcpv4.IPToBytes(ip))
}

// AddUint32 appends a big-endian uint32 option.
func (opts *Options) AddUint32(code dhcpv4.OptionCode, v uint32) {
	opts.Add(code, dhcpv4.Uint32ToBytes(v))
}

// writeTo serializes options in order followed by the end marker.
// Caller-supplied pad and end entries are skipped.
func (opts Options) writeTo(w *cursor) error {
	for _, o := range opts {
		if o.Code == dhcpv4.OptionPad || o.Code == dhcpv4.OptionEnd {
			continue
		}
		if len(o.Value) > 255 {
			return fmt.Errorf("option %d: %w", o.Code, ErrOptionTooLong)
		}
		if err := w.put(byte(o.Code), byte(len(o.Value))); err != nil {
			return fmt.Errorf("option %d: %w", o.Code, err)
		}
		if err := w.put(o.Value...); err != nil {
			return fmt.Errorf("option %d: %w", o.Code, err)
		}
	}
	return w.put(byte(dhcpv4.OptionEnd))
}

// cursor appends into a fixed buffer and refuses to grow it.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) put(b ...byte) error {
	if c.off+len(b) > len(c.buf) {
		return ErrBufferOverrun
	}
	c.off += copy(c.buf[c.off:], b)
	return nil
}
