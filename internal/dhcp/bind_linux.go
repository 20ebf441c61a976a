package dhcp

import "golang.org/x/sys/unix"

// bindToDevice restricts the socket to one interface (needs CAP_NET_RAW).
func bindToDevice(fd int, iface string) error {
	return unix.BindToDevice(fd, iface)
}
