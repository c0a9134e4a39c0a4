// Package resolver decides which local or public address a communicating
// process should advertise to a peer: STUN when a server is configured and
// reachable, deterministic local address selection otherwise.
package resolver

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/plexsphere/resolvd/internal/config"
	"github.com/plexsphere/resolvd/internal/localaddr"
	"github.com/plexsphere/resolvd/internal/probe"
	"github.com/plexsphere/resolvd/internal/stun"
)

// Configuration keys recognized by the resolver.
const (
	KeySTUNServerAddress = "STUN_SERVER_ADDRESS"
	KeySTUNServerPort    = "STUN_SERVER_PORT"
	KeyBindRetries       = "BIND_RETRIES"
)

// detector is the slice of stun.Detector the resolver depends on.
type detector interface {
	Start(ctx context.Context) error
	QueryMapping(ctx context.Context, localPort int) *stun.MappedAddress
	ServerIP() net.IP
	Shutdown()
}

// Resolver is the sole entry point for address resolution. Its public
// operations are safe for concurrent callers; STUN queries run in parallel
// with local address selection, which serializes internally on the probe
// socket.
type Resolver struct {
	store    *config.Store
	logger   *slog.Logger
	selector *localaddr.Selector

	mu              sync.Mutex
	useStun         bool
	det             detector
	sock            probe.Socket
	server          stun.ServerConfig
	hostValidatorID int
	portValidatorID int

	// Swapped out in tests.
	newDetector func(cfg stun.ServerConfig) detector
	newProbe    func(cfg probe.Config) (probe.Socket, error)
}

// New creates a Resolver over the given configuration store. Nothing is
// bound or queried until Start.
func New(store *config.Store, logger *slog.Logger) *Resolver {
	r := &Resolver{
		store:    store,
		logger:   logger,
		selector: localaddr.NewSelector(nil, logger),
	}
	r.newDetector = func(cfg stun.ServerConfig) detector {
		return stun.NewDetector(&stun.UDPClient{Timeout: stun.DefaultTimeout}, cfg, logger)
	}
	r.newProbe = func(cfg probe.Config) (probe.Socket, error) {
		return probe.NewManager(cfg, logger).Initialize()
	}
	return r
}

// Start reads the STUN server settings from the configuration store, starts
// an address detector when both are present, registers the configuration
// gate for the STUN keys and binds the probe socket. No failure aborts
// startup: STUN is an optional enhancement and a missing probe socket only
// degrades local address selection to the OS fallback paths.
//
// Start may be called again after Stop to reinitialize the resolver; any
// previous state is torn down first.
func (r *Resolver) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()

	host := r.store.GetString(KeySTUNServerAddress)
	portStr := r.store.GetString(KeySTUNServerPort)

	// The default server is used only for choosing a public route when no
	// destination is known; it is never sent STUN queries.
	r.server = stun.ServerConfig{Host: stun.DefaultServerHost, Port: stun.DefaultServerPort}

	if host == "" || portStr == "" {
		r.useStun = false
		r.logger.Debug("no STUN server configured, STUN disabled", "component", "resolver")
	} else {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			r.logger.Error("invalid STUN server port, disabling STUN",
				"component", "resolver",
				"value", portStr,
				"error", err,
			)
			r.useStun = false
		} else {
			r.server = stun.ServerConfig{Host: host, Port: port}
			det := r.newDetector(r.server)
			if err := det.Start(ctx); err != nil {
				r.logger.Error("failed to start the STUN address detector, disabling STUN and continuing",
					"component", "resolver",
					"server", r.server.Addr(),
					"error", err,
				)
				r.useStun = false
			} else {
				r.det = det
				r.useStun = true
				r.logger.Debug("created a STUN address detector",
					"component", "resolver",
					"server", r.server.Addr(),
				)
			}
		}

		// Guard against invalid STUN settings being committed later.
		r.hostValidatorID = r.store.RegisterValidator(KeySTUNServerAddress,
			func(_, v string) error { return ValidateHost(v) })
		r.portValidatorID = r.store.RegisterValidator(KeySTUNServerPort,
			func(_, v string) error { return ValidatePort(v) })
	}

	r.initProbeLocked()
}

// Stop shuts down the STUN detector (best-effort), disables STUN,
// unregisters the configuration gate and releases the probe socket. It is
// idempotent and safe to call even when Start was never called or only
// partially succeeded.
func (r *Resolver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Resolver) stopLocked() {
	if r.det != nil {
		r.det.Shutdown()
		r.det = nil
	}
	r.useStun = false

	if r.hostValidatorID != 0 {
		r.store.UnregisterValidator(KeySTUNServerAddress, r.hostValidatorID)
		r.hostValidatorID = 0
	}
	if r.portValidatorID != 0 {
		r.store.UnregisterValidator(KeySTUNServerPort, r.portValidatorID)
		r.portValidatorID = 0
	}

	if r.sock != nil {
		r.selector.SetSocket(nil)
		if err := r.sock.Close(); err != nil {
			r.logger.Warn("failed to close probe socket", "component", "resolver", "error", err)
		}
		r.sock = nil
	}
}

// initProbeLocked binds the probe socket, honoring the BIND_RETRIES key.
func (r *Resolver) initProbeLocked() {
	cfg := probe.Config{}
	if retriesStr := r.store.GetString(KeyBindRetries); retriesStr != "" {
		n, err := strconv.Atoi(retriesStr)
		if err != nil {
			r.logger.Error("BIND_RETRIES does not appear to be an integer, using default",
				"component", "resolver",
				"value", retriesStr,
				"default", probe.DefaultBindRetries,
				"error", err,
			)
		} else if verr := (&probe.Config{BindRetries: n}).Validate(); verr != nil {
			r.logger.Error("BIND_RETRIES is out of range, using default",
				"component", "resolver",
				"value", retriesStr,
				"default", probe.DefaultBindRetries,
				"error", verr,
			)
		} else {
			cfg.BindRetries = n
		}
	}

	sock, err := r.newProbe(cfg)
	if err != nil {
		// The manager already logged the failure; local address selection
		// degrades to the OS fallback paths.
		return
	}
	r.sock = sock
	r.selector.SetSocket(sock)
}

// GetLocalHost returns the local address to use when communicating with dst,
// without consulting STUN. It never fails; see localaddr.Selector.
func (r *Resolver) GetLocalHost(dst net.IP) net.IP {
	return r.selector.GetLocalHost(dst)
}

// GetPublicAddressFor resolves the public address to advertise for port when
// communicating with dst. When STUN is enabled the server mapping wins; on
// any STUN failure, or when STUN is disabled, the result degrades to the
// local address selection for dst. It never fails, but a STUN query may
// block for the protocol's full retransmission window.
func (r *Resolver) GetPublicAddressFor(ctx context.Context, dst net.IP, port int) Endpoint {
	r.mu.Lock()
	useStun := r.useStun
	det := r.det
	r.mu.Unlock()

	if !useStun || det == nil {
		r.logger.Debug("STUN is disabled, skipping mapped address recovery", "component", "resolver")
		return Endpoint{IP: r.selector.GetLocalHost(dst), Port: port}
	}

	if mapped := det.QueryMapping(ctx, port); mapped != nil {
		r.logger.Debug("returning STUN mapping",
			"component", "resolver",
			"local_port", port,
			"mapped", mapped.String(),
		)
		return Endpoint{IP: mapped.IP, Port: mapped.Port}
	}

	// STUN failed; degrade to local address selection for this call.
	return Endpoint{IP: r.selector.GetLocalHost(dst), Port: port}
}

// GetPublicAddress resolves the public address for port using the configured
// STUN server as the implicit destination, for use before any peer is known.
func (r *Resolver) GetPublicAddress(ctx context.Context, port int) Endpoint {
	return r.GetPublicAddressFor(ctx, r.implicitDestination(ctx), port)
}

// implicitDestination returns the configured STUN server's address, falling
// back to a DNS lookup of the default server when no detector is active.
func (r *Resolver) implicitDestination(ctx context.Context) net.IP {
	r.mu.Lock()
	det := r.det
	server := r.server
	r.mu.Unlock()

	if det != nil {
		if ip := det.ServerIP(); ip != nil {
			return ip
		}
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, server.Host)
	if err != nil || len(addrs) == 0 {
		r.logger.Warn("failed to resolve implicit destination",
			"component", "resolver",
			"host", server.Host,
			"error", err,
		)
		return net.IPv4zero
	}
	return addrs[0].IP
}
