//go:build linux

package probe

import (
	"fmt"
	"net"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// kernelSocket implements Socket over a raw UDP file descriptor. The UDP
// association is created with connect(2) and dissolved with an AF_UNSPEC
// connect, so one socket serves every lookup.
type kernelSocket struct {
	conn *net.UDPConn
	raw  syscall.RawConn
	port int
}

func newKernelSocket(conn *net.UDPConn, port int) (Socket, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &kernelSocket{conn: conn, raw: raw, port: port}, nil
}

func (s *kernelSocket) Connect(dst net.IP, port int) error {
	var opErr error
	err := s.raw.Control(func(fd uintptr) {
		opErr = connectFD(int(fd), dst, port)
	})
	if err != nil {
		return fmt.Errorf("probe: connect: %w", err)
	}
	if opErr != nil {
		return fmt.Errorf("probe: connect %s: %w", dst, opErr)
	}
	return nil
}

func (s *kernelSocket) LocalIP() (net.IP, error) {
	var (
		ip    net.IP
		opErr error
	)
	err := s.raw.Control(func(fd uintptr) {
		sa, err := unix.Getsockname(int(fd))
		if err != nil {
			opErr = err
			return
		}
		switch a := sa.(type) {
		case *unix.SockaddrInet4:
			ip = make(net.IP, 4)
			copy(ip, a.Addr[:])
		case *unix.SockaddrInet6:
			ip = make(net.IP, 16)
			copy(ip, a.Addr[:])
		default:
			opErr = fmt.Errorf("unexpected sockaddr type %T", sa)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("probe: local ip: %w", err)
	}
	if opErr != nil {
		return nil, fmt.Errorf("probe: local ip: %w", opErr)
	}
	// Dual-stack sockets report v4 destinations as v4-mapped IPv6.
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return ip, nil
}

func (s *kernelSocket) Disconnect() error {
	var opErr error
	err := s.raw.Control(func(fd uintptr) {
		opErr = disconnectFD(fd)
	})
	if err != nil {
		return fmt.Errorf("probe: disconnect: %w", err)
	}
	if opErr != nil {
		return fmt.Errorf("probe: disconnect: %w", opErr)
	}
	return nil
}

func (s *kernelSocket) Port() int { return s.port }

func (s *kernelSocket) Close() error { return s.conn.Close() }

// connectFD associates the socket with dst:port. A dual-stack socket wants
// the v4-mapped IPv6 form for IPv4 destinations, so that is tried first; a
// plain AF_INET socket rejects it and gets the IPv4 form instead.
func connectFD(fd int, dst net.IP, port int) error {
	if dst == nil {
		return fmt.Errorf("nil destination")
	}

	if dst.To4() == nil {
		ip16 := dst.To16()
		if ip16 == nil {
			return fmt.Errorf("invalid destination %v", dst)
		}
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], ip16)
		return unix.Connect(fd, sa)
	}

	sa6 := &unix.SockaddrInet6{Port: port}
	copy(sa6.Addr[:], dst.To16())
	if err := unix.Connect(fd, sa6); err == nil {
		return nil
	}

	sa4 := &unix.SockaddrInet4{Port: port}
	copy(sa4.Addr[:], dst.To4())
	return unix.Connect(fd, sa4)
}

// disconnectFD dissolves a UDP association by connecting to AF_UNSPEC.
// The kernel may report EAFNOSUPPORT even though the association is gone.
func disconnectFD(fd uintptr) error {
	var sa unix.RawSockaddrAny
	sa.Addr.Family = unix.AF_UNSPEC
	_, _, errno := unix.Syscall(unix.SYS_CONNECT, fd, uintptr(unsafe.Pointer(&sa)), unix.SizeofSockaddrAny)
	if errno != 0 && errno != unix.EAFNOSUPPORT {
		return errno
	}
	return nil
}
