package stun

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// Compile-time interface check.
var _ Client = (*UDPClient)(nil)

func TestUDPClient_Bind_Success(t *testing.T) {
	serverConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer serverConn.Close()

	serverAddr := serverConn.LocalAddr().String()
	wantIP := net.IPv4(203, 0, 113, 5)
	wantPort := 54321

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		buf := make([]byte, 1024)
		n, clientAddr, err := serverConn.ReadFrom(buf)
		if err != nil || n < 20 {
			return
		}

		var txID [12]byte
		copy(txID[:], buf[8:20])
		resp := buildUDPTestResponse(txID, wantIP, wantPort)
		_, _ = serverConn.WriteTo(resp, clientAddr)
	}()

	client := &UDPClient{Timeout: 5 * time.Second}
	addr, err := client.Bind(context.Background(), serverAddr, 0)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	if !addr.IP.Equal(wantIP) {
		t.Errorf("IP = %v, want %v", addr.IP, wantIP)
	}
	if addr.Port != wantPort {
		t.Errorf("Port = %d, want %d", addr.Port, wantPort)
	}

	<-serverDone
}

func TestUDPClient_Bind_RetransmitsOnSilence(t *testing.T) {
	serverConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer serverConn.Close()

	serverAddr := serverConn.LocalAddr().String()
	wantIP := net.IPv4(198, 51, 100, 9)
	wantPort := 40000

	// Ignore the first request; answer the retransmission.
	serverDone := make(chan int)
	go func() {
		requests := 0
		buf := make([]byte, 1024)
		for {
			n, clientAddr, err := serverConn.ReadFrom(buf)
			if err != nil {
				serverDone <- requests
				return
			}
			if n < 20 {
				continue
			}
			requests++
			if requests < 2 {
				continue
			}
			var txID [12]byte
			copy(txID[:], buf[8:20])
			resp := buildUDPTestResponse(txID, wantIP, wantPort)
			_, _ = serverConn.WriteTo(resp, clientAddr)
			serverDone <- requests
			return
		}
	}()

	client := &UDPClient{Timeout: 5 * time.Second}
	addr, err := client.Bind(context.Background(), serverAddr, 0)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	if !addr.IP.Equal(wantIP) {
		t.Errorf("IP = %v, want %v", addr.IP, wantIP)
	}
	if got := <-serverDone; got < 2 {
		t.Errorf("server saw %d requests, want at least 2", got)
	}
}

func TestUDPClient_Bind_StrayDatagramDoesNotRetransmit(t *testing.T) {
	serverConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer serverConn.Close()

	serverAddr := serverConn.LocalAddr().String()
	wantIP := net.IPv4(203, 0, 113, 5)
	wantPort := 54321

	// Answer the first request with garbage followed by the real response,
	// then watch for a retransmission that must not come.
	extraRequests := make(chan int)
	go func() {
		buf := make([]byte, 1024)
		n, clientAddr, err := serverConn.ReadFrom(buf)
		if err != nil || n < 20 {
			extraRequests <- -1
			return
		}
		var txID [12]byte
		copy(txID[:], buf[8:20])

		_, _ = serverConn.WriteTo([]byte("not a stun response"), clientAddr)
		_, _ = serverConn.WriteTo(buildUDPTestResponse(txID, wantIP, wantPort), clientAddr)

		extras := 0
		_ = serverConn.SetReadDeadline(time.Now().Add(700 * time.Millisecond))
		for {
			if _, _, err := serverConn.ReadFrom(buf); err != nil {
				break
			}
			extras++
		}
		extraRequests <- extras
	}()

	client := &UDPClient{Timeout: 5 * time.Second}
	addr, err := client.Bind(context.Background(), serverAddr, 0)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if !addr.IP.Equal(wantIP) || addr.Port != wantPort {
		t.Errorf("Bind() = %v, want %v:%d", addr, wantIP, wantPort)
	}

	if extras := <-extraRequests; extras != 0 {
		t.Errorf("server saw %d extra requests after the stray datagram, want 0", extras)
	}
}

func TestUDPClient_Bind_Timeout(t *testing.T) {
	// Listen on a port but never respond, to trigger a timeout.
	serverConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer serverConn.Close()

	serverAddr := serverConn.LocalAddr().String()

	client := &UDPClient{Timeout: 50 * time.Millisecond}
	_, err = client.Bind(context.Background(), serverAddr, 0)
	if err == nil {
		t.Fatal("Bind() = nil error, want timeout error")
	}
}

func TestUDPClient_Bind_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately.

	client := &UDPClient{Timeout: 10 * time.Second}

	_, err := client.Bind(ctx, "127.0.0.1:3478", 0)
	if err == nil {
		t.Fatal("Bind() = nil error, want error from cancelled context")
	}
}

func TestUDPClient_Bind_InvalidServer(t *testing.T) {
	client := &UDPClient{Timeout: time.Second}
	_, err := client.Bind(context.Background(), "not-a-valid-address", 0)
	if err == nil {
		t.Fatal("Bind() = nil error, want error for invalid server address")
	}
}

// buildUDPTestResponse constructs a STUN Binding Success Response with an
// IPv4 XOR-MAPPED-ADDRESS attribute for the given IP and port.
func buildUDPTestResponse(txID [12]byte, ip net.IP, port int) []byte {
	ip4 := ip.To4()
	if ip4 == nil {
		panic("buildUDPTestResponse: requires IPv4 address")
	}

	xorPort := uint16(port) ^ uint16(magicCookie>>16)

	cookieBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(cookieBytes, magicCookie)
	xorIP := make([]byte, 4)
	for i := 0; i < 4; i++ {
		xorIP[i] = ip4[i] ^ cookieBytes[i]
	}

	attr := make([]byte, 12)
	binary.BigEndian.PutUint16(attr[0:2], attrXORMappedAddress)
	binary.BigEndian.PutUint16(attr[2:4], 8)
	attr[5] = familyIPv4
	binary.BigEndian.PutUint16(attr[6:8], xorPort)
	copy(attr[8:12], xorIP)

	header := make([]byte, 20)
	binary.BigEndian.PutUint16(header[0:2], typeBindingSuccess)
	binary.BigEndian.PutUint16(header[2:4], uint16(len(attr)))
	binary.BigEndian.PutUint32(header[4:8], magicCookie)
	copy(header[8:20], txID[:])

	return append(header, attr...)
}
