//go:build !linux

package localaddr

import "net"

// interfaceIPv6Addrs enumerates the IPv6 addresses bound to every interface.
func interfaceIPv6Addrs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []net.IP
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() == nil {
				out = append(out, ip)
			}
		}
	}
	return out, nil
}
