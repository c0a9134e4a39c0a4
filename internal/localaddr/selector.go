// Package localaddr selects the local address to advertise to a peer when
// STUN is unavailable or disabled.
package localaddr

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/plexsphere/resolvd/internal/probe"
)

// DiscoveryPort is the well-known port the probe socket is associated with
// during local address discovery. No traffic is ever sent to it.
const DiscoveryPort = 55721

// Selector picks local addresses using the probe socket and, when the kernel
// consultation yields the wildcard, interface enumeration or an OS hostname
// lookup.
type Selector struct {
	logger *slog.Logger

	// mu guards the probe socket: connect, read-local and disconnect form
	// one critical section.
	mu   sync.Mutex
	sock probe.Socket

	// Swapped out in tests.
	ifaceAddrs func() ([]net.IP, error)
	osLocalIP  func() (net.IP, error)
}

// NewSelector creates a Selector over the given probe socket. sock may be
// nil, in which case the kernel consultation is skipped and only the OS
// fallback paths are used.
func NewSelector(sock probe.Socket, logger *slog.Logger) *Selector {
	return &Selector{
		logger:     logger,
		sock:       sock,
		ifaceAddrs: interfaceIPv6Addrs,
		osLocalIP:  osLocalIP,
	}
}

// SetSocket replaces the probe socket. The previous socket is not closed;
// its owner remains responsible for it.
func (s *Selector) SetSocket(sock probe.Socket) {
	s.mu.Lock()
	s.sock = sock
	s.mu.Unlock()
}

// GetLocalHost returns the best local address to use when communicating with
// dst. It never fails: on any fallback error it logs and returns the last
// address it computed, possibly the wildcard, so callers must tolerate a
// non-routable result.
func (s *Selector) GetLocalHost(dst net.IP) net.IP {
	local := s.kernelLocalIP(dst)
	if local == nil {
		local = wildcardFor(dst)
	}
	if !local.IsUnspecified() {
		return local
	}

	// Some socket stacks report the wildcard instead of a real interface
	// address after a UDP associate. For IPv6 destinations, scan interfaces
	// for a globally routable address; for IPv4, ask the OS for its notion
	// of the local host address.
	if dst.To4() == nil {
		if addr := s.firstGlobalIPv6(); addr != nil {
			return addr
		}
		return local
	}

	addr, err := s.osLocalIP()
	if err != nil {
		s.logger.Warn("failed to get localhost", "component", "localaddr", "error", err)
		return local
	}
	return addr
}

// kernelLocalIP associates the probe socket with dst and reads back the
// kernel-selected local address. Returns nil when the socket is absent or
// any step fails.
func (s *Selector) kernelLocalIP(dst net.IP) net.IP {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sock == nil {
		return nil
	}
	if err := s.sock.Connect(dst, DiscoveryPort); err != nil {
		s.logger.Warn("probe connect failed", "component", "localaddr", "destination", dst.String(), "error", err)
		return nil
	}

	ip, err := s.sock.LocalIP()

	if derr := s.sock.Disconnect(); derr != nil {
		s.logger.Warn("probe disconnect failed", "component", "localaddr", "error", derr)
	}
	if err != nil {
		s.logger.Warn("probe local address read failed", "component", "localaddr", "error", err)
		return nil
	}
	return ip
}

// firstGlobalIPv6 returns the first IPv6 interface address that is not the
// wildcard, link-local, site-local or loopback, or nil if none exists.
func (s *Selector) firstGlobalIPv6() net.IP {
	addrs, err := s.ifaceAddrs()
	if err != nil {
		s.logger.Warn("interface enumeration failed", "component", "localaddr", "error", err)
		return nil
	}
	for _, ip := range addrs {
		if ip.To4() != nil {
			continue
		}
		if ip.IsUnspecified() || ip.IsLinkLocalUnicast() || isSiteLocal(ip) || ip.IsLoopback() {
			continue
		}
		return ip
	}
	return nil
}

// isSiteLocal reports whether ip is in the deprecated IPv6 site-local range
// fec0::/10.
func isSiteLocal(ip net.IP) bool {
	ip = ip.To16()
	return ip != nil && ip[0] == 0xfe && ip[1]&0xc0 == 0xc0
}

// wildcardFor returns the wildcard address of dst's family.
func wildcardFor(dst net.IP) net.IP {
	if dst.To4() != nil {
		return net.IPv4zero
	}
	return net.IPv6unspecified
}

// osLocalIP resolves the machine's own hostname and returns the first IPv4
// address it maps to, or the first address of any family when no IPv4 one
// exists.
func osLocalIP() (net.IP, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	addrs, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	for _, ip := range addrs {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0], nil
	}
	return nil, errors.New("localaddr: no addresses for hostname")
}
