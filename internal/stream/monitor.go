package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nanilabs/nani/internal/chain"
)

// Dispatcher fans an event batch out to the tenant processing engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch chain.Batch)
}

// Monitor owns the event subscription. It obtains a connection from
// the manager, subscribes, and resubscribes after every reconnect.
// Starting an already-running monitor is a no-op.
type Monitor struct {
	manager    *Manager
	dispatcher Dispatcher
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewMonitor creates a monitor that feeds batches into dispatcher.
func NewMonitor(manager *Manager, dispatcher Dispatcher, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		manager:    manager,
		dispatcher: dispatcher,
		logger:     logger.With("component", "monitor"),
	}
}

// Running reports whether the subscription loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start brings up the subscription loop. The initial connection is
// established synchronously so that a broken configuration surfaces to
// the caller; subsequent drops are handled by the manager's reconnect
// and the loop resubscribes on the fresh connection.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Info("monitor already running")
		return nil
	}
	m.running = true
	m.mu.Unlock()

	conn, err := m.manager.GetConnection(ctx)
	if err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		m.logger.Error("monitor start failed", "error", err)
		return err
	}

	go m.run(ctx, conn)
	m.logger.Info("monitoring started")
	return nil
}

func (m *Monitor) run(ctx context.Context, conn Conn) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	for {
		err := conn.Subscribe(ctx, func(batch chain.Batch) {
			m.dispatcher.Dispatch(ctx, batch)
		})
		if ctx.Err() != nil {
			m.logger.Info("monitor stopped", "error", ctx.Err())
			return
		}
		m.logger.Warn("subscription ended, reacquiring connection", "error", err)

		// The manager's disconnect observer is already driving the
		// backoff loop; this blocks on its gate until it resolves.
		for {
			next, err := m.manager.GetConnection(ctx)
			if err == nil {
				conn = next
				break
			}
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("failed to reacquire connection", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.manager.cfg.GatePollInterval):
			}
		}
		m.logger.Info("resubscribing after reconnect")
	}
}
