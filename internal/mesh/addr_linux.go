//go:build linux

package mesh

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// InterfaceAddr returns the first IPv4 address assigned to the named link.
func InterfaceAddr(name string) (string, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return "", fmt.Errorf("find link %s: %w", name, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("list addresses on %s: %w", name, err)
	}
	for _, a := range addrs {
		if a.IPNet != nil && a.IP.To4() != nil {
			return a.IP.String(), nil
		}
	}
	return "", fmt.Errorf("no IPv4 address on %s", name)
}
