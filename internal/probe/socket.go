package probe

import (
	"net"
)

// Socket is a bound, unconnected UDP socket that can be temporarily
// associated with a destination to learn which local address the kernel
// routes through. Connect, LocalIP and Disconnect must be treated as one
// critical section by callers; a Socket is not safe for interleaved use from
// multiple goroutines.
type Socket interface {
	// Connect associates the socket with dst:port. No traffic is sent.
	Connect(dst net.IP, port int) error

	// LocalIP returns the local address the kernel bound for the current
	// association.
	LocalIP() (net.IP, error)

	// Disconnect dissolves the association, returning the socket to the
	// unconnected state for reuse.
	Disconnect() error

	// Port returns the local port the socket is bound to.
	Port() int

	// Close releases the socket.
	Close() error
}

// listenUDP binds a UDP socket on the given local port.
func listenUDP(port int) (Socket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	return newKernelSocket(conn, port)
}
