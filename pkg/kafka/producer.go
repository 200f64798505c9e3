package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"frameworks/pkg/logging"
)

const defaultProduceTimeout = 5 * time.Second

// Publisher is the produce side used by services and the dead-letter path.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Producer is a synchronous franz-go producer.
type Producer struct {
	client *kgo.Client
	logger logging.Logger
}

// NewProducer connects a producer to the given seed brokers.
func NewProducer(brokers []string, clientID string, logger logging.Logger) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10*time.Millisecond),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Producer{client: client, logger: logger}, nil
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

// Publish produces one record and waits for the broker ack. A context
// without a deadline gets a default produce timeout.
func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultProduceTimeout)
		defer cancel()
	}

	if err := p.client.ProduceSync(ctx, newRecord(topic, key, value, headers)).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// PublishJSON marshals v and publishes it.
func (p *Producer) PublishJSON(ctx context.Context, topic, key string, v any, headers map[string]string) error {
	return PublishJSON(ctx, p, topic, key, v, headers)
}

func (p *Producer) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultProduceTimeout)
	defer cancel()

	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// PublishJSON marshals v and publishes it through any Publisher.
func PublishJSON(ctx context.Context, pub Publisher, topic, key string, v any, headers map[string]string) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}
	return pub.Publish(ctx, topic, []byte(key), value, headers)
}

func newRecord(topic string, key, value []byte, headers map[string]string) *kgo.Record {
	record := &kgo.Record{Topic: topic, Key: key, Value: value}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return record
}
