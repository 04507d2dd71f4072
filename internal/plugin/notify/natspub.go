package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds the process-wide NATS connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultNATSConfig returns sensible defaults for local development.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "nani-notify",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATS publishes messages to a NATS subject, for machine consumers that
// subscribe to a tenant's notification feed. The subject comes from the
// tenant's notification entry config.
type NATS struct {
	cfg    NATSConfig
	logger *slog.Logger

	mu sync.Mutex
	nc *nats.Conn
}

// NewNATS returns the nats notification plugin. The connection is
// established lazily in Init.
func NewNATS(cfg NATSConfig, logger *slog.Logger) *NATS {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	return &NATS{
		cfg:    cfg,
		logger: logger.With("plugin", "nats"),
	}
}

func (n *NATS) Name() string { return "nats" }

// Init connects to the NATS server. Idempotent: an existing healthy
// connection is reused.
func (n *NATS) Init() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.nc != nil && n.nc.IsConnected() {
		return nil
	}

	opts := []nats.Option{
		nats.Name(n.cfg.Name),
		nats.ReconnectWait(n.cfg.ReconnectWait),
		nats.MaxReconnects(n.cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(n.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	n.nc = nc
	return nil
}

// Execute publishes the message to the configured subject.
func (n *NATS) Execute(ctx context.Context, message string, config map[string]string) error {
	subject := config["subject"]
	if subject == "" {
		return fmt.Errorf("nats plugin requires subject")
	}

	n.mu.Lock()
	nc := n.nc
	n.mu.Unlock()
	if nc == nil {
		return fmt.Errorf("nats plugin not initialized")
	}

	if err := nc.Publish(subject, []byte(message)); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	n.logger.Debug("nats notification published", "subject", subject)
	return nil
}

// ValidateConfig checks the subject.
func (n *NATS) ValidateConfig(config map[string]string) error {
	if config["subject"] == "" {
		return fmt.Errorf("nats plugin requires subject")
	}
	return nil
}

// Close drains the connection.
func (n *NATS) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nc != nil {
		n.nc.Close()
		n.nc = nil
	}
}
