//go:build !unix

package dhcp

import (
	"context"
	"net"
)

// listenUDP opens a plain UDP socket. Broadcast replies depend on the
// platform default.
func listenUDP(ctx context.Context, addr, _ string) (net.PacketConn, error) {
	var lc net.ListenConfig
	return lc.ListenPacket(ctx, "udp4", addr)
}
