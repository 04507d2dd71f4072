// Command nanid runs the tenant event monitoring service: it streams
// chain events, dispatches them through each tenant's activity and
// notification plugins, and serves the tenant HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nanilabs/nani/internal/chain"
	"github.com/nanilabs/nani/internal/config"
	"github.com/nanilabs/nani/internal/dispatch"
	"github.com/nanilabs/nani/internal/httpapi"
	"github.com/nanilabs/nani/internal/plugin"
	"github.com/nanilabs/nani/internal/plugin/activity"
	"github.com/nanilabs/nani/internal/plugin/notify"
	"github.com/nanilabs/nani/internal/plugin/stats"
	"github.com/nanilabs/nani/internal/store"
	"github.com/nanilabs/nani/internal/stream"
	"github.com/nanilabs/nani/internal/stream/evm"
	"github.com/nanilabs/nani/internal/stream/substrate"
)

func main() {
	configPath := flag.String("config", envOrDefault("NANI_CONFIG", ""), "Path to YAML config file")
	listenAddr := flag.String("listen", "", "HTTP listen address (overrides config)")
	logLevel := flag.String("log-level", envOrDefault("NANI_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tenantStore, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	pool := dispatch.NewPool(dispatch.PoolConfig{
		Workers:   cfg.Dispatch.Workers,
		QueueSize: cfg.Dispatch.QueueSize,
		Logger:    logger,
	})
	pool.Start()
	defer pool.Stop()

	engine := dispatch.NewEngine(tenantStore, registry, pool, logger)

	dialer, err := buildDialer(cfg, logger)
	if err != nil {
		return err
	}
	manager, err := stream.NewManager(stream.ManagerConfig{
		Endpoints:   cfg.Chain.Endpoints,
		BaseBackoff: cfg.Chain.ReconnectBase,
		MaxBackoff:  cfg.Chain.ReconnectMax,
		Logger:      logger,
	}, dialer)
	if err != nil {
		return err
	}
	defer manager.Shutdown()

	monitor := stream.NewMonitor(manager, dispatchAdapter{engine}, logger)
	go startMonitoring(ctx, monitor, cfg.Chain.ReconnectBase, cfg.Chain.ReconnectMax, logger)

	auth, err := httpapi.NewHMACAuthenticator([]byte(cfg.AuthSecret))
	if err != nil {
		return err
	}
	api := httpapi.NewServer(tenantStore, registry, auth, nil, logger)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		cancel()
	}()

	logger.Info("starting nanid",
		"addr", cfg.ListenAddr,
		"chain", cfg.Chain.Kind,
		"store", cfg.Store.Backend,
	)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// startMonitoring retries the first subscription until it succeeds.
// Endpoints being unreachable at boot is a connectivity error, not a
// fatal one: the HTTP API keeps serving while this retries on the same
// backoff schedule the reconnect loop uses.
func startMonitoring(ctx context.Context, monitor *stream.Monitor, base, max time.Duration, logger *slog.Logger) {
	for attempt := 1; ; attempt++ {
		err := monitor.Start(ctx)
		if err == nil {
			return
		}
		delay := stream.ReconnectDelay(attempt, base, max)
		logger.Error("monitoring not started, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.TenantStore, func(), error) {
	cipher, err := store.NewCipher(cfg.Store.Passphrase)
	if err != nil {
		return nil, nil, fmt.Errorf("store cipher: %w", err)
	}

	switch cfg.Store.Backend {
	case "postgres":
		pg, err := store.NewPGStore(ctx, cfg.Store.PostgresURL, cipher, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		return pg, pg.Close, nil
	default:
		fs, err := store.NewFileStore(cfg.Store.DataDir, cipher, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("file store: %w", err)
		}
		return fs, func() {}, nil
	}
}

func buildRegistry(cfg *config.Config, logger *slog.Logger) (*plugin.Registry, error) {
	registry := plugin.NewRegistry(logger)

	if err := registry.RegisterActivity(activity.NewTransfers()); err != nil {
		return nil, err
	}
	if err := registry.RegisterStats(stats.NewBasic()); err != nil {
		return nil, err
	}

	if err := registry.RegisterNotification(notify.NewDiscord("Nani Bot", logger)); err != nil {
		return nil, err
	}
	if err := registry.RegisterNotification(notify.NewSMS(notify.TwilioConfig{
		AccountSID: cfg.Notify.Twilio.AccountSID,
		AuthToken:  cfg.Notify.Twilio.AuthToken,
		From:       cfg.Notify.Twilio.From,
	}, logger)); err != nil {
		return nil, err
	}

	// Broker-backed channels register only when configured; their Init
	// is lazy so a configured-but-unreachable broker fails per unit,
	// not at boot.
	if cfg.Notify.NATS.URL != "" {
		natsCfg := notify.DefaultNATSConfig()
		natsCfg.URL = cfg.Notify.NATS.URL
		if err := registry.RegisterNotification(notify.NewNATS(natsCfg, logger)); err != nil {
			return nil, err
		}
	}
	if len(cfg.Notify.Kafka.Brokers) > 0 {
		if err := registry.RegisterNotification(notify.NewKafka(notify.KafkaConfig{
			Brokers:      cfg.Notify.Kafka.Brokers,
			DefaultTopic: cfg.Notify.Kafka.DefaultTopic,
		}, logger)); err != nil {
			return nil, err
		}
	}
	if cfg.Notify.Redis.Addr != "" {
		if err := registry.RegisterNotification(notify.NewRedis(notify.RedisConfig{
			Addr:     cfg.Notify.Redis.Addr,
			Password: cfg.Notify.Redis.Password,
			DB:       cfg.Notify.Redis.DB,
		}, logger)); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

func buildDialer(cfg *config.Config, logger *slog.Logger) (stream.Dialer, error) {
	switch cfg.Chain.Kind {
	case "evm":
		return evm.NewDialer(evm.Config{Contracts: cfg.Chain.Contracts}, logger), nil
	case "substrate":
		return substrate.NewDialer(substrate.Config{}, logger), nil
	default:
		return nil, fmt.Errorf("unknown chain kind %q", cfg.Chain.Kind)
	}
}

// dispatchAdapter drops the engine's batch result, which the monitor
// has no use for.
type dispatchAdapter struct {
	engine *dispatch.Engine
}

func (a dispatchAdapter) Dispatch(ctx context.Context, batch chain.Batch) {
	a.engine.Dispatch(ctx, batch)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
