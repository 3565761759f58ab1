package edge

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lamassuiot/rfid-sync/pkg/models/device"
)

var preferredInterfaces = []string{"eth0", "wlan0", "enp0s3"}

var ErrNoHardwareAddress = errors.New("no network interface with a hardware address")

// Fingerprint returns the upper-case MAC address of iface. When iface is
// empty the well known interface names are tried first and then any
// non-loopback interface with a hardware address.
func Fingerprint(iface string) (string, error) {
	if iface != "" {
		i, err := net.InterfaceByName(iface)
		if err != nil {
			return "", fmt.Errorf("looking up interface %s: %w", iface, err)
		}
		if len(i.HardwareAddr) == 0 {
			return "", fmt.Errorf("interface %s: %w", iface, ErrNoHardwareAddress)
		}
		return device.NormalizeFingerprint(i.HardwareAddr.String()), nil
	}

	for _, name := range preferredInterfaces {
		if i, err := net.InterfaceByName(name); err == nil && len(i.HardwareAddr) > 0 {
			return device.NormalizeFingerprint(i.HardwareAddr.String()), nil
		}
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("listing interfaces: %w", err)
	}
	for _, i := range ifaces {
		if i.Flags&net.FlagLoopback != 0 || len(i.HardwareAddr) == 0 {
			continue
		}
		if strings.HasPrefix(i.Name, "docker") || strings.HasPrefix(i.Name, "veth") {
			continue
		}
		return device.NormalizeFingerprint(i.HardwareAddr.String()), nil
	}
	return "", ErrNoHardwareAddress
}
