//go:build !linux

package probe

import (
	"errors"
	"fmt"
	"net"
)

// kernelSocket implements Socket on platforms without a dissolvable UDP
// association. The bound socket reserves the probe port; each Connect opens a
// short-lived companion socket whose local address reveals the kernel's
// route selection, and Disconnect closes it again.
type kernelSocket struct {
	conn  *net.UDPConn
	port  int
	assoc *net.UDPConn
}

func newKernelSocket(conn *net.UDPConn, port int) (Socket, error) {
	return &kernelSocket{conn: conn, port: port}, nil
}

func (s *kernelSocket) Connect(dst net.IP, port int) error {
	if s.assoc != nil {
		return errors.New("probe: connect: already connected")
	}
	assoc, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: dst, Port: port})
	if err != nil {
		return fmt.Errorf("probe: connect %s: %w", dst, err)
	}
	s.assoc = assoc
	return nil
}

func (s *kernelSocket) LocalIP() (net.IP, error) {
	if s.assoc == nil {
		return nil, errors.New("probe: local ip: not connected")
	}
	addr, ok := s.assoc.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("probe: local ip: unexpected address type %T", s.assoc.LocalAddr())
	}
	ip := addr.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return ip, nil
}

func (s *kernelSocket) Disconnect() error {
	if s.assoc == nil {
		return nil
	}
	err := s.assoc.Close()
	s.assoc = nil
	if err != nil {
		return fmt.Errorf("probe: disconnect: %w", err)
	}
	return nil
}

func (s *kernelSocket) Port() int { return s.port }

func (s *kernelSocket) Close() error {
	if s.assoc != nil {
		s.assoc.Close()
		s.assoc = nil
	}
	return s.conn.Close()
}
