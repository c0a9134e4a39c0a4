package stun

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
)

// Default STUN server, used by the resolver for choosing a public route when
// no server is configured. It is never queried unless explicitly configured.
const (
	DefaultServerHost = "stun.iptel.org"
	DefaultServerPort = 3478
)

// ServerConfig identifies a STUN server.
type ServerConfig struct {
	Host string
	Port int
}

// Addr returns the server address in "host:port" format.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks that the server configuration is usable.
func (c ServerConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("stun: config: Host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("stun: config: Port %d out of range [1,65535]", c.Port)
	}
	return nil
}

// Detector performs binding queries against one configured STUN server.
// One Detector is created per server configuration; it must be shut down
// before a new configuration is applied.
type Detector struct {
	client Client
	cfg    ServerConfig
	logger *slog.Logger

	mu       sync.Mutex
	started  bool
	serverIP net.IP
}

// NewDetector creates a Detector for the given server. The client is usually
// a *UDPClient; tests substitute their own.
func NewDetector(client Client, cfg ServerConfig, logger *slog.Logger) *Detector {
	return &Detector{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

// Start validates the server configuration and resolves the server host.
// The Detector performs no queries until started.
func (d *Detector) Start(ctx context.Context) error {
	if err := d.cfg.Validate(); err != nil {
		return err
	}

	addr, err := net.DefaultResolver.LookupIPAddr(ctx, d.cfg.Host)
	if err != nil {
		return fmt.Errorf("stun: detector: resolve %s: %w", d.cfg.Host, err)
	}
	if len(addr) == 0 {
		return fmt.Errorf("stun: detector: no addresses for %s", d.cfg.Host)
	}

	d.mu.Lock()
	d.started = true
	d.serverIP = addr[0].IP
	d.mu.Unlock()

	d.logger.Debug("STUN address detector started",
		"component", "stun",
		"server", d.cfg.Addr(),
	)
	return nil
}

// QueryMapping asks the STUN server what external address maps to localPort.
// It returns nil when the detector is not started or the query fails for any
// reason; protocol failures are logged, never propagated.
func (d *Detector) QueryMapping(ctx context.Context, localPort int) *MappedAddress {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return nil
	}

	addr, err := d.client.Bind(ctx, d.cfg.Addr(), localPort)
	if err != nil {
		d.logger.Warn("failed to retrieve mapped address",
			"component", "stun",
			"server", d.cfg.Addr(),
			"local_port", localPort,
			"error", err,
		)
		return nil
	}

	d.logger.Debug("STUN server returned mapping",
		"component", "stun",
		"local_port", localPort,
		"mapped", addr.String(),
	)
	return &addr
}

// ServerIP returns the resolved server address, or nil before Start.
func (d *Detector) ServerIP() net.IP {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.serverIP
}

// Shutdown stops the detector. It is idempotent and best-effort: once shut
// down, QueryMapping returns nil until a new Detector is started.
func (d *Detector) Shutdown() {
	d.mu.Lock()
	wasStarted := d.started
	d.started = false
	d.serverIP = nil
	d.mu.Unlock()

	if wasStarted {
		d.logger.Debug("STUN address detector shut down", "component", "stun")
	}
}
