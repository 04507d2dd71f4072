package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the process-wide Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis publishes messages to a Redis pub/sub channel. The channel
// comes from the tenant's notification entry config.
type Redis struct {
	cfg    RedisConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *redis.Client
}

// NewRedis returns the redis notification plugin. The client is created
// and pinged lazily in Init.
func NewRedis(cfg RedisConfig, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		cfg:    cfg,
		logger: logger.With("plugin", "redis"),
	}
}

// NewRedisWithClient wires an existing client, for tests.
func NewRedisWithClient(client *redis.Client, logger *slog.Logger) *Redis {
	r := NewRedis(RedisConfig{}, logger)
	r.client = client
	return r
}

func (r *Redis) Name() string { return "redis" }

// Init connects and verifies the server is reachable. Idempotent.
func (r *Redis) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return nil
	}
	if r.cfg.Addr == "" {
		return fmt.Errorf("redis address not configured")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     r.cfg.Addr,
		Password: r.cfg.Password,
		DB:       r.cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	r.client = client
	return nil
}

// Execute publishes the message to the configured channel.
func (r *Redis) Execute(ctx context.Context, message string, config map[string]string) error {
	channel := config["channel"]
	if channel == "" {
		return fmt.Errorf("redis plugin requires channel")
	}

	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return fmt.Errorf("redis plugin not initialized")
	}

	if err := client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}

	r.logger.Debug("redis notification published", "channel", channel)
	return nil
}

// ValidateConfig checks the channel.
func (r *Redis) ValidateConfig(config map[string]string) error {
	if config["channel"] == "" {
		return fmt.Errorf("redis plugin requires channel")
	}
	return nil
}

// Close releases the client.
func (r *Redis) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
}
