package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig holds the process-wide Kafka connection settings.
type KafkaConfig struct {
	Brokers []string

	// DefaultTopic is created at Init when it does not exist, so a
	// fresh broker works out of the box. Per-tenant topics named in
	// entry configs are assumed to exist.
	DefaultTopic string

	TopicPartitions   int32
	ReplicationFactor int16
}

// Kafka produces messages to a Kafka topic, for downstream pipelines
// that consume a tenant's notification feed. The topic comes from the
// tenant's notification entry config, falling back to DefaultTopic.
type Kafka struct {
	cfg    KafkaConfig
	logger *slog.Logger

	mu       sync.Mutex
	producer *kgo.Client
}

// NewKafka returns the kafka notification plugin. The producer is
// created lazily in Init.
func NewKafka(cfg KafkaConfig, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTopic == "" {
		cfg.DefaultTopic = "nani-notifications"
	}
	if cfg.TopicPartitions == 0 {
		cfg.TopicPartitions = 4
	}
	if cfg.ReplicationFactor == 0 {
		cfg.ReplicationFactor = 1
	}
	return &Kafka{
		cfg:    cfg,
		logger: logger.With("plugin", "kafka"),
	}
}

func (k *Kafka) Name() string { return "kafka" }

// Init creates the producer and ensures the default topic exists.
// Idempotent: a live producer is reused.
func (k *Kafka) Init() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.producer != nil {
		return nil
	}
	if len(k.cfg.Brokers) == 0 {
		return fmt.Errorf("kafka brokers not configured")
	}

	brokers := make([]string, len(k.cfg.Brokers))
	for i, b := range k.cfg.Brokers {
		brokers[i] = strings.TrimSpace(b)
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordRetries(5),
	)
	if err != nil {
		return fmt.Errorf("create kafka producer: %w", err)
	}

	if err := k.ensureTopic(producer); err != nil {
		producer.Close()
		return err
	}

	k.producer = producer
	return nil
}

func (k *Kafka) ensureTopic(client *kgo.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	admin := kadm.NewClient(client)
	existing, err := admin.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}
	if existing.Has(k.cfg.DefaultTopic) {
		return nil
	}

	_, err = admin.CreateTopic(ctx, k.cfg.TopicPartitions, k.cfg.ReplicationFactor, nil, k.cfg.DefaultTopic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", k.cfg.DefaultTopic, err)
	}

	k.logger.Info("created notification topic",
		"topic", k.cfg.DefaultTopic,
		"partitions", k.cfg.TopicPartitions,
	)
	return nil
}

// Execute produces the message to the configured topic, keyed by the
// tenant id when the entry config carries one.
func (k *Kafka) Execute(ctx context.Context, message string, config map[string]string) error {
	topic := config["topic"]
	if topic == "" {
		topic = k.cfg.DefaultTopic
	}

	k.mu.Lock()
	producer := k.producer
	k.mu.Unlock()
	if producer == nil {
		return fmt.Errorf("kafka plugin not initialized")
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(config["key"]),
		Value: []byte(message),
	}

	results := producer.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	k.logger.Debug("kafka notification produced", "topic", topic)
	return nil
}

// ValidateConfig accepts any topic name; an empty one falls back to the
// default topic.
func (k *Kafka) ValidateConfig(config map[string]string) error {
	if topic, ok := config["topic"]; ok && strings.ContainsAny(topic, " \t") {
		return fmt.Errorf("invalid kafka topic %q", topic)
	}
	return nil
}

// Close flushes and releases the producer.
func (k *Kafka) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.producer != nil {
		k.producer.Flush(context.Background())
		k.producer.Close()
		k.producer = nil
	}
}
