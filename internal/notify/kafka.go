package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// Publisher sends a JSON value to a topic.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
	Close() error
}

// SyncProducer publishes JSON messages with a sarama sync producer.
type SyncProducer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
}

// NewSyncProducer connects an idempotent producer to brokers.
func NewSyncProducer(brokers []string, logger *slog.Logger) (*SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &SyncProducer{producer: producer, logger: logger}, nil
}

func (p *SyncProducer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	default:
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal kafka payload: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		p.logger.Error("kafka publish failed", "topic", topic, "err", err)
		return 0, 0, fmt.Errorf("kafka publish failed: %w", err)
	}
	return partition, offset, nil
}

func (p *SyncProducer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// Event is the record written to the notification topic.
type Event struct {
	EventID      string    `json:"event_id"`
	EventType    EventType `json:"event_type"`
	EventVersion int       `json:"event_version"`
	Timestamp    time.Time `json:"timestamp"`
	RecipientID  string    `json:"recipient_id"`
	TradeID      string    `json:"trade_id"`
	Message      string    `json:"message"`
}

// KafkaSink publishes notifications keyed by trade ID, so events for one
// trade land on one partition in order.
type KafkaSink struct {
	publisher Publisher
	topic     string
}

// NewKafkaSink creates a sink writing to topic.
func NewKafkaSink(p Publisher, topic string) *KafkaSink {
	return &KafkaSink{publisher: p, topic: topic}
}

func (*KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(ctx context.Context, n Notification) error {
	ev := Event{
		EventID:      uuid.NewString(),
		EventType:    n.EventType,
		EventVersion: 1,
		Timestamp:    n.At.UTC(),
		RecipientID:  n.RecipientID,
		TradeID:      n.TradeID,
		Message:      n.Message,
	}
	_, _, err := s.publisher.PublishJSON(ctx, s.topic, n.TradeID, ev)
	return err
}

// Close closes the underlying publisher.
func (s *KafkaSink) Close() error {
	return s.publisher.Close()
}
