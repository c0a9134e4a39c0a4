//go:build linux

package localaddr

import (
	"net"

	"github.com/vishvananda/netlink"
)

// interfaceIPv6Addrs enumerates the IPv6 addresses bound to every interface,
// via netlink.
func interfaceIPv6Addrs() ([]net.IP, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, err
	}

	var out []net.IP
	for _, link := range links {
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V6)
		if err != nil {
			return nil, err
		}
		for _, addr := range addrs {
			out = append(out, addr.IP)
		}
	}
	return out, nil
}
