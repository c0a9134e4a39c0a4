// Package probe manages the UDP socket used to ask the kernel which local
// address it would pick for a given destination. The socket carries no
// traffic; it exists only for route lookups.
package probe

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"golang.org/x/sys/unix"
)

// DefaultBindRetries is the number of bind attempts made before giving up
// when candidate ports are already in use.
const DefaultBindRetries = 5

// Candidate port range for the probe socket. Ports below 1024 are privileged.
const (
	minPort = 1024
	maxPort = 65535
)

// ErrBindRetriesExhausted is returned by Initialize when every candidate port
// was already in use. Callers must treat local address discovery as degraded,
// not as fatal.
var ErrBindRetriesExhausted = errors.New("probe: all bind attempts failed: address in use")

// Config holds the configuration for the probe socket manager.
type Config struct {
	// BindRetries is the number of bind attempts on random ports before
	// giving up. Default: 5.
	BindRetries int
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.BindRetries == 0 {
		c.BindRetries = DefaultBindRetries
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.BindRetries < 1 {
		return errors.New("probe: config: BindRetries must be at least 1")
	}
	return nil
}

// Manager binds the probe socket, retrying on port conflicts.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	// listen is swapped out in tests to simulate bind failures.
	listen func(port int) (Socket, error)
}

// NewManager creates a Manager. Defaults are applied to cfg.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	cfg.ApplyDefaults()
	return &Manager{
		cfg:    cfg,
		logger: logger,
		listen: listenUDP,
	}
}

// Initialize binds a UDP socket on a pseudo-random port and returns it.
// "Address in use" failures are retried on new random ports up to the
// configured number of attempts; any other bind failure aborts immediately.
// Both failure modes return a nil socket: the caller degrades local address
// discovery rather than crashing.
func (m *Manager) Initialize() (Socket, error) {
	for i := 0; i < m.cfg.BindRetries; i++ {
		port := minPort + rand.IntN(maxPort-minPort+1)

		sock, err := m.listen(port)
		if err == nil {
			m.logger.Debug("probe socket bound", "component", "probe", "port", port)
			return sock, nil
		}

		if !isAddrInUse(err) {
			m.logger.Error("probe socket creation failed; local address discovery unavailable",
				"component", "probe",
				"error", err,
			)
			return nil, fmt.Errorf("probe: bind: %w", err)
		}

		m.logger.Debug("probe port in use, retrying", "component", "probe", "port", port)
	}

	m.logger.Warn("probe socket bind retries exhausted",
		"component", "probe",
		"retries", m.cfg.BindRetries,
	)
	return nil, ErrBindRetriesExhausted
}

// isAddrInUse reports whether err is a bind conflict, the only retryable
// socket failure.
func isAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}
