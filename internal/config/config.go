// Package config loads nanid service configuration from a YAML file
// with environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full nanid configuration.
type Config struct {
	// HTTP listen address for the tenant API.
	ListenAddr string `yaml:"listen_addr"`

	Chain    ChainConfig    `yaml:"chain"`
	Store    StoreConfig    `yaml:"store"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Notify   NotifyConfig   `yaml:"notify"`

	// AuthSecret signs tenant tokens. Environment override NANI_AUTH_SECRET.
	AuthSecret string `yaml:"auth_secret"`
}

// ChainConfig selects the event source and its endpoints.
type ChainConfig struct {
	// Kind is "substrate" or "evm".
	Kind string `yaml:"kind"`

	// Endpoints in failover priority order: primary first.
	Endpoints []string `yaml:"endpoints"`

	// Reconnect backoff bounds.
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`

	// Contract addresses for the evm source (empty = all logs).
	Contracts []string `yaml:"contracts"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is "file" or "postgres".
	Backend string `yaml:"backend"`

	// DataDir for the file backend.
	DataDir string `yaml:"data_dir"`

	// Passphrase for at-rest encryption. Environment override
	// NANI_STORE_PASSPHRASE.
	Passphrase string `yaml:"passphrase"`

	// PostgresURL for the postgres backend. Environment override
	// DATABASE_URL.
	PostgresURL string `yaml:"postgres_url"`
}

// DispatchConfig tunes the processing pool.
type DispatchConfig struct {
	// Workers is the fixed worker count; 0 means runtime.NumCPU().
	Workers int `yaml:"workers"`

	// QueueSize bounds pending units; 0 derives from Workers.
	QueueSize int `yaml:"queue_size"`
}

// NotifyConfig carries credentials for the notification channels.
type NotifyConfig struct {
	Twilio TwilioConfig `yaml:"twilio"`
	NATS   NATSConfig   `yaml:"nats"`
	Kafka  KafkaConfig  `yaml:"kafka"`
	Redis  RedisConfig  `yaml:"redis"`
}

// TwilioConfig holds SMS credentials. Environment overrides
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`
}

// NATSConfig holds the NATS publisher settings.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// KafkaConfig holds the Kafka producer settings.
type KafkaConfig struct {
	Brokers      []string `yaml:"brokers"`
	DefaultTopic string   `yaml:"default_topic"`
}

// RedisConfig holds the Redis publisher settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Load reads configuration from path (optional) and applies
// environment overrides for secrets.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr: ":8080",
		Chain: ChainConfig{
			Kind:          "substrate",
			ReconnectBase: time.Second,
			ReconnectMax:  30 * time.Second,
		},
		Store: StoreConfig{
			Backend: "file",
			DataDir: "data",
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Secrets prefer the environment over the file.
	if v := os.Getenv("NANI_AUTH_SECRET"); v != "" {
		cfg.AuthSecret = v
	}
	if v := os.Getenv("NANI_STORE_PASSPHRASE"); v != "" {
		cfg.Store.Passphrase = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.PostgresURL = v
	}
	if v := os.Getenv("TWILIO_ACCOUNT_SID"); v != "" {
		cfg.Notify.Twilio.AccountSID = v
	}
	if v := os.Getenv("TWILIO_AUTH_TOKEN"); v != "" {
		cfg.Notify.Twilio.AuthToken = v
	}
	if v := os.Getenv("TWILIO_FROM_NUMBER"); v != "" {
		cfg.Notify.Twilio.From = v
	}

	return cfg, nil
}

// Validate checks the parts every deployment needs.
func (c *Config) Validate() error {
	switch c.Chain.Kind {
	case "substrate", "evm":
	default:
		return fmt.Errorf("chain.kind must be substrate or evm, got %q", c.Chain.Kind)
	}
	if len(c.Chain.Endpoints) == 0 {
		return fmt.Errorf("chain.endpoints must list at least one endpoint")
	}

	switch c.Store.Backend {
	case "file":
		if c.Store.DataDir == "" {
			return fmt.Errorf("store.data_dir is required for the file backend")
		}
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("store.postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be file or postgres, got %q", c.Store.Backend)
	}

	if c.Store.Passphrase == "" {
		return fmt.Errorf("store.passphrase is required")
	}
	if c.AuthSecret == "" {
		return fmt.Errorf("auth_secret is required")
	}
	return nil
}
