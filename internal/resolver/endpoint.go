package resolver

import (
	"net"
	"strconv"
)

// Endpoint is an address/port pair a process can advertise to its peers.
// It is immutable once constructed.
type Endpoint struct {
	IP   net.IP
	Port int
}

// String returns the endpoint in "ip:port" format, bracketing IPv6 literals.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(e.Port))
}

// IsIPv6 reports whether the endpoint's address is IPv6.
func (e Endpoint) IsIPv6() bool {
	return e.IP.To4() == nil && e.IP.To16() != nil
}
