package stun

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"time"
)

// Client abstracts the STUN binding exchange for testability.
type Client interface {
	// Bind sends a Binding Request to serverAddr from localPort and returns
	// the mapped address from the response.
	Bind(ctx context.Context, serverAddr string, localPort int) (MappedAddress, error)
}

// DefaultTimeout is the default total budget for a binding exchange,
// including retransmissions.
const DefaultTimeout = 5 * time.Second

// initialRTO is the retransmission timeout for the first attempt.
// Subsequent attempts double it, per RFC 5389 §7.2.1.
const initialRTO = 500 * time.Millisecond

// UDPClient performs STUN binding requests over UDP with retransmission.
type UDPClient struct {
	Timeout time.Duration
}

// Bind sends a STUN Binding Request to serverAddr from localPort, retransmits
// on silence with a doubling timeout, and returns the mapped address from the
// first parseable response.
func (c *UDPClient) Bind(ctx context.Context, serverAddr string, localPort int) (MappedAddress, error) {
	if err := ctx.Err(); err != nil {
		return MappedAddress{}, fmt.Errorf("stun: bind: %w", err)
	}

	remoteAddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return MappedAddress{}, fmt.Errorf("stun: bind: resolve: %w", err)
	}

	localAddr := net.UDPAddr{Port: localPort}
	conn, err := net.DialUDP("udp", &localAddr, remoteAddr)
	if err != nil {
		return MappedAddress{}, fmt.Errorf("stun: bind: dial: %w", err)
	}
	defer conn.Close()

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// Overall deadline is the earlier of Timeout or the context deadline.
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	var txID [12]byte
	if _, err := rand.Read(txID[:]); err != nil {
		return MappedAddress{}, fmt.Errorf("stun: bind: random tx id: %w", err)
	}
	req := buildBindingRequest(txID)

	buf := make([]byte, 1024)
	rto := initialRTO
	var lastErr error

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return MappedAddress{}, fmt.Errorf("stun: bind: %w", err)
		}

		if _, err := conn.Write(req); err != nil {
			return MappedAddress{}, fmt.Errorf("stun: bind: write: %w", err)
		}

		attemptDeadline := time.Now().Add(rto)
		if attemptDeadline.After(deadline) {
			attemptDeadline = deadline
		}
		if err := conn.SetReadDeadline(attemptDeadline); err != nil {
			return MappedAddress{}, fmt.Errorf("stun: bind: set deadline: %w", err)
		}

		// Read until the attempt deadline. A stray or malformed datagram does
		// not restart the attempt: retransmitting on the sender's schedule
		// would let garbage drive the send rate.
		for {
			n, err := conn.Read(buf)
			if err != nil {
				// Silence from the server; retransmit with a doubled timeout.
				lastErr = err
				rto *= 2
				break
			}

			addr, err := parseBindingResponse(buf[:n], txID)
			if err != nil {
				lastErr = err
				continue
			}
			return addr, nil
		}
	}

	if lastErr == nil {
		lastErr = context.DeadlineExceeded
	}
	return MappedAddress{}, fmt.Errorf("stun: bind: no response from %s: %w", serverAddr, lastErr)
}
