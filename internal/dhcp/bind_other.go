//go:build unix && !linux

package dhcp

// bindToDevice is a no-op where SO_BINDTODEVICE does not exist.
func bindToDevice(int, string) error {
	return nil
}
