package localaddr

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

// fakeSocket simulates the probe socket. It enforces the connect→read→
// disconnect discipline: out-of-order calls are recorded as errors.
type fakeSocket struct {
	mu sync.Mutex

	localIP    net.IP
	connectErr error
	localErr   error

	connected   bool
	lastDst     net.IP
	lastPort    int
	misuseCount int
}

func (s *fakeSocket) Connect(dst net.IP, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		s.misuseCount++
		return errors.New("fake: already connected")
	}
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	s.lastDst = dst
	s.lastPort = port
	return nil
}

func (s *fakeSocket) LocalIP() (net.IP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		s.misuseCount++
		return nil, errors.New("fake: not connected")
	}
	if s.localErr != nil {
		return nil, s.localErr
	}
	return s.localIP, nil
}

func (s *fakeSocket) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		s.misuseCount++
		return errors.New("fake: not connected")
	}
	s.connected = false
	return nil
}

func (s *fakeSocket) Port() int { return 50000 }

func (s *fakeSocket) Close() error { return nil }

func TestGetLocalHost_KernelPath(t *testing.T) {
	want := net.IPv4(192, 168, 1, 50)
	sock := &fakeSocket{localIP: want}
	s := NewSelector(sock, discardLogger())

	dst := net.IPv4(198, 51, 100, 7)
	got := s.GetLocalHost(dst)

	if !got.Equal(want) {
		t.Errorf("GetLocalHost() = %v, want %v", got, want)
	}
	if !sock.lastDst.Equal(dst) {
		t.Errorf("probe connected to %v, want %v", sock.lastDst, dst)
	}
	if sock.lastPort != DiscoveryPort {
		t.Errorf("probe connected to port %d, want %d", sock.lastPort, DiscoveryPort)
	}
	if sock.connected {
		t.Error("socket left connected after GetLocalHost")
	}
}

func TestGetLocalHost_WildcardIPv4FallsBackToOSLocalIP(t *testing.T) {
	sock := &fakeSocket{localIP: net.IPv4zero}
	s := NewSelector(sock, discardLogger())

	want := net.IPv4(10, 1, 2, 3)
	s.osLocalIP = func() (net.IP, error) { return want, nil }

	got := s.GetLocalHost(net.IPv4(198, 51, 100, 7))
	if !got.Equal(want) {
		t.Errorf("GetLocalHost() = %v, want OS fallback %v", got, want)
	}
}

func TestGetLocalHost_WildcardIPv6ScansInterfaces(t *testing.T) {
	sock := &fakeSocket{localIP: net.IPv6unspecified}
	s := NewSelector(sock, discardLogger())

	want := net.ParseIP("2001:db8::5")
	s.ifaceAddrs = func() ([]net.IP, error) {
		return []net.IP{
			net.IPv6unspecified,        // wildcard
			net.ParseIP("fe80::1"),     // link-local
			net.ParseIP("fec0::1"),     // site-local
			net.ParseIP("::1"),         // loopback
			net.IPv4(192, 168, 1, 10),  // wrong family
			want,
			net.ParseIP("2001:db8::6"), // only the first viable address wins
		}, nil
	}

	got := s.GetLocalHost(net.ParseIP("2001:db8:1::9"))
	if !got.Equal(want) {
		t.Errorf("GetLocalHost() = %v, want %v", got, want)
	}
}

func TestGetLocalHost_WildcardIPv6NoViableAddressKeepsWildcard(t *testing.T) {
	sock := &fakeSocket{localIP: net.IPv6unspecified}
	s := NewSelector(sock, discardLogger())

	s.ifaceAddrs = func() ([]net.IP, error) {
		return []net.IP{net.ParseIP("fe80::1"), net.ParseIP("::1")}, nil
	}

	got := s.GetLocalHost(net.ParseIP("2001:db8:1::9"))
	if got == nil {
		t.Fatal("GetLocalHost() = nil, want wildcard")
	}
	if !got.IsUnspecified() {
		t.Errorf("GetLocalHost() = %v, want wildcard when no viable IPv6 address exists", got)
	}
}

func TestGetLocalHost_EnumerationErrorKeepsWildcard(t *testing.T) {
	sock := &fakeSocket{localIP: net.IPv6unspecified}
	s := NewSelector(sock, discardLogger())

	s.ifaceAddrs = func() ([]net.IP, error) { return nil, errors.New("netlink down") }

	got := s.GetLocalHost(net.ParseIP("2001:db8:1::9"))
	if got == nil || !got.IsUnspecified() {
		t.Errorf("GetLocalHost() = %v, want wildcard on enumeration failure", got)
	}
}

func TestGetLocalHost_OSFallbackErrorKeepsWildcard(t *testing.T) {
	sock := &fakeSocket{localIP: net.IPv4zero}
	s := NewSelector(sock, discardLogger())

	s.osLocalIP = func() (net.IP, error) { return nil, errors.New("no hostname") }

	got := s.GetLocalHost(net.IPv4(198, 51, 100, 7))
	if got == nil || !got.IsUnspecified() {
		t.Errorf("GetLocalHost() = %v, want wildcard on OS fallback failure", got)
	}
}

func TestGetLocalHost_NilSocketDegradesToFallback(t *testing.T) {
	s := NewSelector(nil, discardLogger())

	want := net.IPv4(10, 9, 8, 7)
	s.osLocalIP = func() (net.IP, error) { return want, nil }

	got := s.GetLocalHost(net.IPv4(198, 51, 100, 7))
	if !got.Equal(want) {
		t.Errorf("GetLocalHost() = %v, want %v without probe socket", got, want)
	}
}

func TestGetLocalHost_ConnectErrorDegradesToFallback(t *testing.T) {
	sock := &fakeSocket{connectErr: errors.New("network unreachable")}
	s := NewSelector(sock, discardLogger())

	want := net.IPv4(10, 0, 0, 1)
	s.osLocalIP = func() (net.IP, error) { return want, nil }

	got := s.GetLocalHost(net.IPv4(198, 51, 100, 7))
	if !got.Equal(want) {
		t.Errorf("GetLocalHost() = %v, want %v", got, want)
	}
}

func TestGetLocalHost_LocalIPErrorStillDisconnects(t *testing.T) {
	sock := &fakeSocket{localErr: errors.New("getsockname failed")}
	s := NewSelector(sock, discardLogger())
	s.osLocalIP = func() (net.IP, error) { return net.IPv4(10, 0, 0, 1), nil }

	_ = s.GetLocalHost(net.IPv4(198, 51, 100, 7))
	if sock.connected {
		t.Error("socket left connected after LocalIP failure")
	}
	if sock.misuseCount != 0 {
		t.Errorf("socket misuse count = %d, want 0", sock.misuseCount)
	}
}

func TestGetLocalHost_SerializesProbeAccess(t *testing.T) {
	sock := &fakeSocket{localIP: net.IPv4(192, 168, 1, 50)}
	s := NewSelector(sock, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := s.GetLocalHost(net.IPv4(198, 51, 100, 7))
			if got == nil {
				t.Error("GetLocalHost() = nil")
			}
		}()
	}
	wg.Wait()

	if sock.misuseCount != 0 {
		t.Errorf("interleaved connect/disconnect observed %d times, want 0", sock.misuseCount)
	}
}

func TestIsSiteLocal(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"fec0::1", true},
		{"feff::1", true},
		{"fe80::1", false}, // link-local, not site-local
		{"2001:db8::1", false},
		{"::1", false},
	}
	for _, tt := range tests {
		if got := isSiteLocal(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("isSiteLocal(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}
