// Package stream owns the lifecycle of the single shared connection to
// the chain event source: multi-endpoint failover, disconnection
// detection and exponential-backoff reconnect.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nanilabs/nani/internal/chain"
)

// Status is the connection lifecycle state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// BatchHandler receives one delivery of chain events.
type BatchHandler func(batch chain.Batch)

// Conn is one logical connection to a chain event source.
type Conn interface {
	// Subscribe delivers event batches to fn until the connection
	// drops (returning the transport error) or ctx is cancelled.
	Subscribe(ctx context.Context, fn BatchHandler) error

	Close() error
}

// Dialer establishes a connection to a single endpoint. The returned
// connection must invoke onDisconnect exactly once when it detects the
// transport has dropped; cancellation and Close do not count as
// disconnects.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, onDisconnect func(error)) (Conn, error)
}

// ManagerConfig holds connection manager settings.
type ManagerConfig struct {
	// Endpoints in fixed priority order: primary first, backups after.
	Endpoints []string

	// BaseBackoff is doubled per reconnect attempt, capped at
	// MaxBackoff. Defaults: 1s base, 30s cap.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// GatePollInterval is how often a caller waiting on another
	// caller's in-flight connect attempt re-checks the outcome.
	GatePollInterval time.Duration

	Logger *slog.Logger
}

// Manager is the process-wide connection singleton. All state
// transitions happen under its lock; at most one connect attempt is in
// flight at any time, and concurrent callers share its outcome.
type Manager struct {
	cfg    ManagerConfig
	dialer Dialer
	logger *slog.Logger

	mu             sync.Mutex
	status         Status
	dialing        bool
	conn           Conn
	activeEndpoint int
	attempts       int
	lastErr        error

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewManager creates a connection manager over the given dialer.
func NewManager(cfg ManagerConfig, dialer Dialer) (*Manager, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint is required")
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.GatePollInterval <= 0 {
		cfg.GatePollInterval = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		logger:   cfg.Logger.With("component", "stream-manager"),
		shutdown: make(chan struct{}),
	}, nil
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// GetConnection returns the current connection, connecting first when
// not currently connected. This is the entry point used by the
// subscription bootstrap.
func (m *Manager) GetConnection(ctx context.Context) (Conn, error) {
	m.mu.Lock()
	if m.status == StatusConnected {
		conn := m.conn
		m.mu.Unlock()
		return conn, nil
	}
	m.mu.Unlock()

	m.logger.Info("not connected, initiating connection")
	return m.Connect(ctx)
}

// Connect establishes the shared connection. If already connected it
// returns the existing connection; if another caller is mid-attempt it
// waits for that attempt and shares its outcome; otherwise it tries
// every endpoint in priority order and fails with an aggregate error
// when all are unreachable.
func (m *Manager) Connect(ctx context.Context) (Conn, error) {
	m.mu.Lock()
	if m.status == StatusConnected {
		conn := m.conn
		m.mu.Unlock()
		m.logger.Debug("already connected")
		return conn, nil
	}
	if m.dialing {
		m.mu.Unlock()
		m.logger.Info("waiting for in-flight connection attempt")
		return m.awaitOutcome(ctx)
	}

	// Claim the gate. The dialing flag is the single-attempt invariant:
	// every dial, first connect and reconnect alike, passes through it.
	m.dialing = true
	m.status = StatusConnecting
	m.mu.Unlock()

	conn, endpoint, err := m.dialEndpoints(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialing = false
	if err != nil {
		m.status = StatusDisconnected
		m.conn = nil
		m.lastErr = err
		return nil, err
	}

	m.status = StatusConnected
	m.conn = conn
	m.activeEndpoint = endpoint
	m.attempts = 0
	m.lastErr = nil
	m.logger.Info("connected to event source", "endpoint", m.cfg.Endpoints[endpoint])
	return conn, nil
}

// awaitOutcome polls until the in-flight attempt resolves, then shares
// its result. A mutual-exclusion gate, not a queue: every waiter gets
// the same outcome.
func (m *Manager) awaitOutcome(ctx context.Context) (Conn, error) {
	ticker := time.NewTicker(m.cfg.GatePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.shutdown:
			return nil, fmt.Errorf("manager is shut down")
		case <-ticker.C:
		}

		m.mu.Lock()
		switch m.status {
		case StatusConnected:
			conn := m.conn
			m.mu.Unlock()
			return conn, nil
		case StatusDisconnected:
			err := m.lastErr
			m.mu.Unlock()
			if err == nil {
				err = fmt.Errorf("connection attempt failed")
			}
			return nil, err
		default:
			m.mu.Unlock()
		}
	}
}

// dialEndpoints tries each endpoint in priority order and returns the
// first success, or the joined errors when every endpoint failed.
func (m *Manager) dialEndpoints(ctx context.Context) (Conn, int, error) {
	var errs []error
	for i, endpoint := range m.cfg.Endpoints {
		m.logger.Info("dialing endpoint",
			"endpoint", endpoint,
			"priority", i,
		)

		conn, err := m.dialer.Dial(ctx, endpoint, m.onDisconnect)
		if err != nil {
			m.logger.Warn("endpoint dial failed", "endpoint", endpoint, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", endpoint, err))
			continue
		}
		return conn, i, nil
	}
	return nil, 0, fmt.Errorf("all endpoints failed: %w", errors.Join(errs...))
}

// onDisconnect is the disconnect observer installed on every dialed
// connection. It tears down the shared connection, moves the manager
// back to Connecting and starts the unbounded backoff reconnect loop.
func (m *Manager) onDisconnect(cause error) {
	select {
	case <-m.shutdown:
		return
	default:
	}

	m.logger.Error("event source disconnected, scheduling reconnect", "error", cause)

	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.conn = nil
	m.status = StatusConnecting
	m.mu.Unlock()

	go m.reconnectLoop()
}

// reconnectLoop retries forever: attempts are unbounded and only stop
// on shutdown or a successful connection. The manager stays Connecting
// through each backoff window and drops to Disconnected only when a
// full endpoint cycle failed, so waiters on the gate observe each
// cycle's outcome. Each attempt goes through Connect, so a concurrent
// external caller never produces a second in-flight dial; whichever
// side dials first, the other shares its outcome.
func (m *Manager) reconnectLoop() {
	for {
		select {
		case <-m.shutdown:
			return
		default:
		}

		m.mu.Lock()
		if m.status == StatusConnected {
			m.mu.Unlock()
			return
		}
		m.status = StatusConnecting
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		delay := ReconnectDelay(attempt, m.cfg.BaseBackoff, m.cfg.MaxBackoff)
		m.logger.Info("reconnect backoff", "attempt", attempt, "delay", delay)

		select {
		case <-m.shutdown:
			return
		case <-time.After(delay):
		}

		if _, err := m.Connect(context.Background()); err != nil {
			m.logger.Error("reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		m.logger.Info("reconnected to event source", "attempt", attempt)
		return
	}
}

// ReconnectDelay computes the backoff before a reconnect attempt:
// base doubled per attempt, capped at max.
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}

// Shutdown stops reconnection and closes the active connection.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdown)
		m.mu.Lock()
		if m.conn != nil {
			m.conn.Close()
		}
		m.conn = nil
		m.status = StatusDisconnected
		m.mu.Unlock()
		m.logger.Info("connection manager shut down")
	})
}
