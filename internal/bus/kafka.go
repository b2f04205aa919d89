package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers []string
	GroupID string

	// MaxRetries is how many times a message is retried in-process after
	// a handler returns Processed=false before it goes to the dead
	// letter topic. Fatal results skip the retries.
	MaxRetries int

	// RetryBackoff is the delay between in-process retries.
	RetryBackoff time.Duration

	// DeadLetterTopic receives messages that exhausted their retries.
	DeadLetterTopic string
}

// DefaultKafkaConfig returns the production defaults.
func DefaultKafkaConfig(brokers []string, groupID string) KafkaConfig {
	return KafkaConfig{
		Brokers:         brokers,
		GroupID:         groupID,
		MaxRetries:      3,
		RetryBackoff:    time.Second,
		DeadLetterTopic: "callqueue.dead-letter",
	}
}

// KafkaBus implements Bus over Kafka: a synchronous idempotent producer and
// a consumer group dispatching to registered handlers.
type KafkaBus struct {
	cfg      KafkaConfig
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	logger   *slog.Logger

	mu       sync.Mutex
	handlers map[string]HandlerFunc
}

// NewKafkaBus connects the producer and consumer group.
func NewKafkaBus(cfg KafkaConfig, logger *slog.Logger) (*KafkaBus, error) {
	producerCfg := sarama.NewConfig()
	producerCfg.Producer.Return.Successes = true
	producerCfg.Producer.RequiredAcks = sarama.WaitForAll
	producerCfg.Producer.Idempotent = true
	producerCfg.Net.MaxOpenRequests = 1
	// Hash partitioner keeps per-call ordering: the comm id is the key.
	producerCfg.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, producerCfg)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}

	consumerCfg := sarama.NewConfig()
	consumerCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerCfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, consumerCfg)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("creating kafka consumer group: %w", err)
	}

	return &KafkaBus{
		cfg:      cfg,
		producer: producer,
		group:    group,
		logger:   logger.With("component", "kafka_bus"),
		handlers: make(map[string]HandlerFunc),
	}, nil
}

// Publish sends one message and waits for broker acknowledgment.
func (b *KafkaBus) Publish(ctx context.Context, topic, key string, message any) error {
	payload, err := Encode(message)
	if err != nil {
		return err
	}

	_, _, err = b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for a topic.
func (b *KafkaBus) Subscribe(topic string, handler HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
}

// Run consumes all subscribed topics until the context is cancelled.
func (b *KafkaBus) Run(ctx context.Context) error {
	b.mu.Lock()
	topics := make([]string, 0, len(b.handlers))
	for topic := range b.handlers {
		topics = append(topics, topic)
	}
	b.mu.Unlock()

	go func() {
		for err := range b.group.Errors() {
			b.logger.Error("consumer group error", "error", err)
		}
	}()

	for {
		if err := b.group.Consume(ctx, topics, &groupHandler{bus: b}); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Error("consume session failed", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close shuts down the producer and consumer group.
func (b *KafkaBus) Close() error {
	if err := b.group.Close(); err != nil {
		b.producer.Close()
		return fmt.Errorf("closing consumer group: %w", err)
	}
	if err := b.producer.Close(); err != nil {
		return fmt.Errorf("closing producer: %w", err)
	}
	return nil
}

// groupHandler adapts the registered handlers to sarama's consumer group
// callbacks.
type groupHandler struct {
	bus *KafkaBus
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.bus.deliver(session.Context(), msg)
		// Mark regardless of outcome: exhausted retries go to the dead
		// letter topic instead of wedging the partition.
		session.MarkMessage(msg, "")
	}
	return nil
}

// deliver runs the handler with in-process retries, then dead-letters.
func (b *KafkaBus) deliver(ctx context.Context, msg *sarama.ConsumerMessage) {
	b.mu.Lock()
	handler := b.handlers[msg.Topic]
	b.mu.Unlock()
	if handler == nil {
		b.logger.Warn("no handler for topic", "topic", msg.Topic)
		return
	}

	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.cfg.RetryBackoff):
			}
		}
		res := handler(ctx, msg.Value)
		if res.Processed {
			return
		}
		if res.Fatal {
			break
		}
		b.logger.Warn("message not processed, retrying",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"attempt", attempt+1,
		)
	}

	b.logger.Error("message not processable, dead-lettering",
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
	)
	_, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: b.cfg.DeadLetterTopic,
		Key:   sarama.ByteEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("origin-topic"), Value: []byte(msg.Topic)},
		},
	})
	if err != nil {
		b.logger.Error("dead-letter publish failed", "topic", msg.Topic, "error", err)
	}
}
