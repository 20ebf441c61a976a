//go:build unix

package dhcp

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenUDP opens the server socket with SO_BROADCAST and SO_REUSEADDR set,
// bound to iface when one is given.
func listenUDP(ctx context.Context, addr, iface string) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); opErr != nil {
					return
				}
				if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); opErr != nil {
					return
				}
				if iface != "" {
					opErr = bindToDevice(int(fd), iface)
				}
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
	return lc.ListenPacket(ctx, "udp4", addr)
}
